// Package score computes the composite lead-quality score from
// completeness, validated contact confidences, source priority and an
// optional intent signal.
package score

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Weights maps each scoring dimension to its contribution. Omitted
// weights default to zero, so a partial weight map deterministically
// zeroes the unweighted dimensions.
type Weights struct {
	Completeness   float64 `yaml:"completeness" mapstructure:"completeness"`
	Email          float64 `yaml:"email" mapstructure:"email"`
	Phone          float64 `yaml:"phone" mapstructure:"phone"`
	SourcePriority float64 `yaml:"source_priority" mapstructure:"source_priority"`
	Intent         float64 `yaml:"intent" mapstructure:"intent"`
}

// DefaultWeights sum to 1.0 and favor reachability over completeness.
func DefaultWeights() Weights {
	return Weights{
		Completeness:   0.25,
		Email:          0.35,
		Phone:          0.15,
		SourcePriority: 0.15,
		Intent:         0.10,
	}
}

// LoadWeights reads a weight map from a YAML file. Missing keys stay
// zero; the file needs only the dimensions it wants to weight.
func LoadWeights(path string) (Weights, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Weights{}, eris.Wrapf(err, "score: read weights %s", path)
	}
	var w Weights
	if err := yaml.Unmarshal(data, &w); err != nil {
		return Weights{}, eris.Wrap(err, "score: parse weights")
	}
	return w, nil
}

// Inputs are the raw scoring dimensions for one party. SourcePriority
// is the integer rank of the winning source; it is normalized against
// MaxPriority before weighting.
type Inputs struct {
	Completeness    float64
	EmailConfidence float64
	PhoneConfidence float64
	SourcePriority  int
	IntentScore     float64
}

// MaxPriority bounds the source priority normalization. Priorities at
// or above this rank score 1.0.
const MaxPriority = 10

// Breakdown holds the clamped per-dimension values that entered the
// weighted sum.
type Breakdown struct {
	Completeness   float64 `json:"completeness"`
	Email          float64 `json:"email"`
	Phone          float64 `json:"phone"`
	SourcePriority float64 `json:"source_priority"`
	Intent         float64 `json:"intent"`
}

// Score is the composite result.
type Score struct {
	Value     float64   `json:"value"`
	Breakdown Breakdown `json:"breakdown"`
}

// Compute produces the weighted score. Every input is clamped to [0,1]
// before weighting, so out-of-range inputs cannot push the result
// outside [0,1]. Pure and stateless: identical inputs and weights
// always yield the identical value.
func Compute(in Inputs, w Weights) Score {
	b := Breakdown{
		Completeness:   clamp01(in.Completeness),
		Email:          clamp01(in.EmailConfidence),
		Phone:          clamp01(in.PhoneConfidence),
		SourcePriority: clamp01(float64(in.SourcePriority) / MaxPriority),
		Intent:         clamp01(in.IntentScore),
	}

	value := w.Completeness*b.Completeness +
		w.Email*b.Email +
		w.Phone*b.Phone +
		w.SourcePriority*b.SourcePriority +
		w.Intent*b.Intent

	return Score{Value: clamp01(value), Breakdown: b}
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

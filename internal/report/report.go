// Package report aggregates engine output into summary statistics and
// renders them as map, markdown or YAML projections. Rendering is pure
// serialization: every projection is derivable from the report fields
// alone and is structurally stable for identical input.
package report

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/canon-cli/internal/resolve"
	"github.com/sells-group/canon-cli/internal/validate"
)

// Record is one scored canonical party as seen by the report.
type Record struct {
	PartyID     string  `json:"party_id" yaml:"party_id"`
	DisplayName string  `json:"display_name" yaml:"display_name"`
	Source      string  `json:"source" yaml:"source"`
	Score       float64 `json:"score" yaml:"score"`
}

// StageTiming is the elapsed wall time of one engine stage.
type StageTiming struct {
	Stage  string `json:"stage" yaml:"stage"`
	Millis int64  `json:"millis" yaml:"millis"`
}

// Distribution summarizes the lead-score spread.
type Distribution struct {
	Mean float64 `json:"mean" yaml:"mean"`
	Min  float64 `json:"min" yaml:"min"`
	Max  float64 `json:"max" yaml:"max"`
}

// SourceStats is the per-source accepted/rejected split.
type SourceStats struct {
	Accepted int `json:"accepted" yaml:"accepted"`
	Rejected int `json:"rejected" yaml:"rejected"`
}

// Report is the quality summary for one engine run.
type Report struct {
	GeneratedAt time.Time                `json:"generated_at" yaml:"generated_at"`
	Total       int                      `json:"total" yaml:"total"`
	Accepted    int                      `json:"accepted" yaml:"accepted"`
	Rejected    int                      `json:"rejected" yaml:"rejected"`
	Parties     int                      `json:"parties" yaml:"parties"`
	PerSource   map[string]SourceStats   `json:"per_source" yaml:"per_source"`
	Scores      Distribution             `json:"scores" yaml:"scores"`
	Validation  validate.StatsSnapshot   `json:"validation" yaml:"validation"`
	Timings     []StageTiming            `json:"timings" yaml:"timings"`
	Rejections  []resolve.Rejection      `json:"rejections" yaml:"rejections"`
	Records     []Record                 `json:"records" yaml:"records"`
}

// Build assembles the report from engine output. Records are sorted by
// score descending (display name breaking ties) so the projection is
// stable for identical input.
func Build(records []Record, accepted map[string]int, rejections []resolve.Rejection, vstats validate.StatsSnapshot, timings []StageTiming, generatedAt time.Time) *Report {
	sorted := make([]Record, len(records))
	copy(sorted, records)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Score != sorted[j].Score {
			return sorted[i].Score > sorted[j].Score
		}
		return sorted[i].DisplayName < sorted[j].DisplayName
	})

	perSource := make(map[string]SourceStats)
	total := 0
	for source, n := range accepted {
		st := perSource[source]
		st.Accepted = n
		perSource[source] = st
		total += n
	}
	for _, rej := range rejections {
		st := perSource[rej.Source]
		st.Rejected++
		perSource[rej.Source] = st
	}

	r := &Report{
		GeneratedAt: generatedAt,
		Total:       total + len(rejections),
		Accepted:    total,
		Rejected:    len(rejections),
		Parties:     len(sorted),
		PerSource:   perSource,
		Scores:      distribution(sorted),
		Validation:  vstats,
		Timings:     timings,
		Rejections:  rejections,
		Records:     sorted,
	}
	return r
}

func distribution(records []Record) Distribution {
	if len(records) == 0 {
		return Distribution{}
	}
	d := Distribution{Min: records[0].Score, Max: records[0].Score}
	sum := 0.0
	for _, rec := range records {
		sum += rec.Score
		if rec.Score < d.Min {
			d.Min = rec.Score
		}
		if rec.Score > d.Max {
			d.Max = rec.Score
		}
	}
	d.Mean = sum / float64(len(records))
	return d
}

// sourceNames returns the per-source keys in stable order.
func (r *Report) sourceNames() []string {
	names := make([]string, 0, len(r.PerSource))
	for name := range r.PerSource {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Map projects the report as a plain map for JSON consumers.
func (r *Report) Map() map[string]any {
	perSource := make(map[string]any, len(r.PerSource))
	for name, st := range r.PerSource {
		perSource[name] = map[string]any{"accepted": st.Accepted, "rejected": st.Rejected}
	}
	return map[string]any{
		"generated_at": r.GeneratedAt,
		"total":        r.Total,
		"accepted":     r.Accepted,
		"rejected":     r.Rejected,
		"parties":      r.Parties,
		"per_source":   perSource,
		"scores": map[string]any{
			"mean": r.Scores.Mean,
			"min":  r.Scores.Min,
			"max":  r.Scores.Max,
		},
		"validation": r.Validation,
		"timings":    r.Timings,
		"rejections": r.Rejections,
	}
}

// YAML projects the report as YAML.
func (r *Report) YAML() ([]byte, error) {
	out, err := yaml.Marshal(r)
	if err != nil {
		return nil, eris.Wrap(err, "report: marshal yaml")
	}
	return out, nil
}

// Markdown renders the human-readable run report.
func (r *Report) Markdown() string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Canonical Run Report\n")
	fmt.Fprintf(&b, "Generated: %s\n\n", r.GeneratedAt.UTC().Format(time.RFC3339))

	b.WriteString("## Summary\n")
	fmt.Fprintf(&b, "- Records processed: %d\n", r.Total)
	fmt.Fprintf(&b, "- Accepted: %d\n", r.Accepted)
	fmt.Fprintf(&b, "- Rejected: %d\n", r.Rejected)
	fmt.Fprintf(&b, "- Canonical parties: %d\n\n", r.Parties)

	b.WriteString("## Sources\n")
	for _, name := range r.sourceNames() {
		st := r.PerSource[name]
		fmt.Fprintf(&b, "- %s: %d accepted, %d rejected\n", name, st.Accepted, st.Rejected)
	}
	b.WriteString("\n")

	b.WriteString("## Lead Scores\n")
	fmt.Fprintf(&b, "- Mean: %.3f\n", r.Scores.Mean)
	fmt.Fprintf(&b, "- Min: %.3f\n", r.Scores.Min)
	fmt.Fprintf(&b, "- Max: %.3f\n\n", r.Scores.Max)

	b.WriteString("## Validation\n")
	fmt.Fprintf(&b, "- Requests: %d (%d cache hits)\n", r.Validation.Requests, r.Validation.CacheHits)
	fmt.Fprintf(&b, "- DNS lookups: %d, probes: %d\n", r.Validation.DNSLookups, r.Validation.Probes)
	fmt.Fprintf(&b, "- Degraded: %d, malformed: %d\n\n", r.Validation.Degraded, r.Validation.Malformed)

	b.WriteString("## Timings\n")
	for _, tm := range r.Timings {
		fmt.Fprintf(&b, "- %s: %dms\n", tm.Stage, tm.Millis)
	}

	if len(r.Rejections) > 0 {
		b.WriteString("\n## Rejections\n")
		for _, rej := range r.Rejections {
			fmt.Fprintf(&b, "- %s/%s: %s\n", rej.Source, rej.RecordID, rej.Reason)
		}
	}

	return b.String()
}

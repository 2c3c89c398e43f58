// Package config loads application configuration from file and
// environment and owns global logger setup.
package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/canon-cli/internal/score"
)

// Config holds the full application configuration.
type Config struct {
	Store    StoreConfig    `yaml:"store" mapstructure:"store"`
	Sources  []SourceConfig `yaml:"sources" mapstructure:"sources"`
	Validate ValidateConfig `yaml:"validate" mapstructure:"validate"`
	Engine   EngineConfig   `yaml:"engine" mapstructure:"engine"`
	Score    ScoreConfig    `yaml:"score" mapstructure:"score"`
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// SourceConfig describes one curated spreadsheet source. Priority and
// quality score feed conflict resolution; Columns optionally remaps
// spreadsheet headers onto the canonical field names.
type SourceConfig struct {
	Name         string            `yaml:"name" mapstructure:"name"`
	Path         string            `yaml:"path" mapstructure:"path"`
	Format       string            `yaml:"format" mapstructure:"format"` // xlsx or csv; blank = by extension
	Sheet        string            `yaml:"sheet" mapstructure:"sheet"`
	Priority     int               `yaml:"priority" mapstructure:"priority"`
	QualityScore float64           `yaml:"quality_score" mapstructure:"quality_score"`
	Columns      map[string]string `yaml:"columns" mapstructure:"columns"`
}

// ValidateConfig configures the contact validation service.
type ValidateConfig struct {
	Enabled       bool    `yaml:"enabled" mapstructure:"enabled"`
	TimeoutSecs   int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RatePerSecond float64 `yaml:"rate_per_second" mapstructure:"rate_per_second"`
	Burst         int     `yaml:"burst" mapstructure:"burst"`
	MaxRetries    int     `yaml:"max_retries" mapstructure:"max_retries"`
	SMTPProbe     bool    `yaml:"smtp_probe" mapstructure:"smtp_probe"`
	HeloDomain    string  `yaml:"helo_domain" mapstructure:"helo_domain"`
	FromAddress   string  `yaml:"from_address" mapstructure:"from_address"`
}

// EngineConfig configures run orchestration.
type EngineConfig struct {
	Concurrency int `yaml:"concurrency" mapstructure:"concurrency"`
}

// ScoreConfig configures lead scoring. WeightsFile, when set, overrides
// the inline weights.
type ScoreConfig struct {
	Weights     score.Weights `yaml:"weights" mapstructure:"weights"`
	WeightsFile string        `yaml:"weights_file" mapstructure:"weights_file"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("CANON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "canon.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("engine.concurrency", 8)
	v.SetDefault("validate.enabled", true)
	v.SetDefault("validate.timeout_secs", 10)
	v.SetDefault("validate.rate_per_second", 5)
	v.SetDefault("validate.burst", 10)
	v.SetDefault("validate.max_retries", 3)
	v.SetDefault("validate.helo_domain", "localhost")
	v.SetDefault("validate.from_address", "verify@localhost")

	w := score.DefaultWeights()
	v.SetDefault("score.weights.completeness", w.Completeness)
	v.SetDefault("score.weights.email", w.Email)
	v.SetDefault("score.weights.phone", w.Phone)
	v.SetDefault("score.weights.source_priority", w.SourcePriority)
	v.SetDefault("score.weights.intent", w.Intent)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		return eris.Errorf("config: unknown store driver %q", c.Store.Driver)
	}
	seen := make(map[string]bool, len(c.Sources))
	for _, src := range c.Sources {
		if src.Name == "" {
			return eris.New("config: source with empty name")
		}
		if seen[src.Name] {
			return eris.Errorf("config: duplicate source %q", src.Name)
		}
		seen[src.Name] = true
		if src.Path == "" {
			return eris.Errorf("config: source %q has no path", src.Name)
		}
		if src.QualityScore < 0 || src.QualityScore > 1 {
			return eris.Errorf("config: source %q quality_score %v outside [0,1]", src.Name, src.QualityScore)
		}
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}

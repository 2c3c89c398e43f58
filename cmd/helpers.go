package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/canon-cli/internal/engine"
	"github.com/sells-group/canon-cli/internal/fetcher"
	"github.com/sells-group/canon-cli/internal/normalize"
	"github.com/sells-group/canon-cli/internal/resilience"
	"github.com/sells-group/canon-cli/internal/score"
	"github.com/sells-group/canon-cli/internal/store"
	"github.com/sells-group/canon-cli/internal/validate"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "canon.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

func buildValidator() *validate.Service {
	if !cfg.Validate.Enabled {
		return nil
	}

	var probe validate.Probe
	if cfg.Validate.SMTPProbe {
		probe = &validate.SMTPProbe{
			HeloDomain:  cfg.Validate.HeloDomain,
			FromAddress: cfg.Validate.FromAddress,
		}
	}

	opts := []validate.Option{
		validate.WithTimeout(time.Duration(cfg.Validate.TimeoutSecs) * time.Second),
		validate.WithRetry(resilience.RetryConfig{MaxAttempts: cfg.Validate.MaxRetries}),
	}
	if cfg.Validate.RatePerSecond > 0 {
		opts = append(opts, validate.WithRateLimit(cfg.Validate.RatePerSecond, cfg.Validate.Burst))
	}

	return validate.NewService(validate.NetResolver{}, probe, opts...)
}

func scoreWeights() (score.Weights, error) {
	if cfg.Score.WeightsFile != "" {
		return score.LoadWeights(cfg.Score.WeightsFile)
	}
	return cfg.Score.Weights, nil
}

func buildEngine(st store.Store) (*engine.Engine, error) {
	weights, err := scoreWeights()
	if err != nil {
		return nil, eris.Wrap(err, "load score weights")
	}
	return engine.New(st, buildValidator(),
		engine.WithConcurrency(cfg.Engine.Concurrency),
		engine.WithWeights(weights),
	), nil
}

// loadBatches reads every configured source. A source that fails to
// load fails the whole run; partial ingests would skew resolution.
func loadBatches(ctx context.Context) ([]engine.Batch, error) {
	if len(cfg.Sources) == 0 {
		return nil, eris.New("no sources configured")
	}

	fetch := fetcher.Fetchers{
		HTTP: fetcher.NewHTTPFetcher(fetcher.HTTPOptions{UserAgent: "canon-cli"}),
		FTP:  fetcher.NewFTPFetcher(fetcher.FTPOptions{}),
	}
	capturedAt := time.Now().UTC()

	batches := make([]engine.Batch, 0, len(cfg.Sources))
	for _, src := range cfg.Sources {
		rows, err := fetcher.Rows(ctx, fetch, src)
		if err != nil {
			return nil, eris.Wrapf(err, "load source %s", src.Name)
		}
		zap.L().Info("source loaded",
			zap.String("source", src.Name),
			zap.Int("rows", len(rows)),
			zap.Int("priority", src.Priority),
		)
		batches = append(batches, engine.Batch{
			Meta: normalize.SourceMeta{
				Name:         src.Name,
				Priority:     src.Priority,
				QualityScore: src.QualityScore,
			},
			CapturedAt: capturedAt,
			Rows:       rows,
		})
	}
	return batches, nil
}

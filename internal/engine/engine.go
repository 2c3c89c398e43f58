// Package engine orchestrates one ingestion run: normalization and
// contact validation fan out over a bounded worker pool, the resolver
// merges the results into canonical state, and the scored snapshot is
// persisted together with a quality report.
package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/canon-cli/internal/normalize"
	"github.com/sells-group/canon-cli/internal/party"
	"github.com/sells-group/canon-cli/internal/report"
	"github.com/sells-group/canon-cli/internal/resolve"
	"github.com/sells-group/canon-cli/internal/score"
	"github.com/sells-group/canon-cli/internal/store"
	"github.com/sells-group/canon-cli/internal/validate"
)

// Batch is the set of raw rows fetched from one curated source.
// CapturedAt is the fallback capture time for rows that do not carry
// their own timestamp.
type Batch struct {
	Meta       normalize.SourceMeta
	CapturedAt time.Time
	Rows       []normalize.RawRow
}

// Result is the outcome of one completed run.
type Result struct {
	RunID    string
	Report   *report.Report
	Snapshot *resolve.Snapshot
}

// Engine wires the stages together. The validator may be nil, in which
// case contact confidence stays at zero and records are merged on
// normalization output alone.
type Engine struct {
	store       store.Store
	validator   *validate.Service
	weights     score.Weights
	concurrency int
}

// Option configures an Engine.
type Option func(*Engine)

// WithConcurrency bounds the number of rows normalized and validated in
// parallel. Values below 1 fall back to the default of 8.
func WithConcurrency(n int) Option {
	return func(e *Engine) {
		if n >= 1 {
			e.concurrency = n
		}
	}
}

// WithWeights replaces the default lead-score weights.
func WithWeights(w score.Weights) Option {
	return func(e *Engine) { e.weights = w }
}

// New creates an Engine backed by the given store and validator.
func New(st store.Store, validator *validate.Service, opts ...Option) *Engine {
	e := &Engine{
		store:       st,
		validator:   validator,
		weights:     score.DefaultWeights(),
		concurrency: 8,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes one full ingestion run over the given batches. Work
// already merged into the resolver survives cancellation: the partial
// snapshot is persisted, the run is marked cancelled and the context
// error is returned.
func (e *Engine) Run(ctx context.Context, batches []Batch) (*Result, error) {
	log := zap.L().With(zap.Int("batches", len(batches)))
	log.Info("engine: starting run")

	run, err := e.store.CreateRun(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "engine: create run")
	}
	log = log.With(zap.String("run_id", run.ID))

	resolver := resolve.NewResolver()
	var timings []report.StageTiming

	resolveStart := time.Now()
	runErr := e.resolveBatches(ctx, resolver, batches)
	timings = append(timings, report.StageTiming{Stage: "resolve", Millis: time.Since(resolveStart).Milliseconds()})

	if runErr != nil && !isCancellation(runErr) {
		e.completeRun(ctx, run.ID, store.RunStatusFailed, resolver, nil)
		return nil, eris.Wrap(runErr, "engine: resolve stage")
	}

	snapshotStart := time.Now()
	snap, err := resolver.Snapshot()
	timings = append(timings, report.StageTiming{Stage: "snapshot", Millis: time.Since(snapshotStart).Milliseconds()})
	if err != nil {
		// An integrity violation means the canonical state is unsound;
		// nothing is persisted.
		e.completeRun(ctx, run.ID, store.RunStatusFailed, resolver, nil)
		return nil, eris.Wrap(err, "engine: snapshot")
	}

	scoreStart := time.Now()
	records := e.scoreSnapshot(snap)
	timings = append(timings, report.StageTiming{Stage: "score", Millis: time.Since(scoreStart).Milliseconds()})

	var vstats validate.StatsSnapshot
	if e.validator != nil {
		vstats = e.validator.StatsSnapshot()
	}
	_, bySource := resolver.Accepted()
	rep := report.Build(records, bySource, resolver.Rejections(), vstats, timings, time.Now().UTC())

	// Persistence ignores the incoming cancellation so a partial run
	// still commits what the resolver accepted.
	persistCtx := ctx
	if runErr != nil {
		var cancel context.CancelFunc
		persistCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
	}
	if err := e.store.SaveSnapshot(persistCtx, run.ID, snap); err != nil {
		e.completeRun(persistCtx, run.ID, store.RunStatusFailed, resolver, nil)
		return nil, eris.Wrap(err, "engine: save snapshot")
	}

	status := store.RunStatusComplete
	if runErr != nil {
		status = store.RunStatusCancelled
	}
	e.completeRun(persistCtx, run.ID, status, resolver, rep)

	accepted, _ := resolver.Accepted()
	log.Info("engine: run finished",
		zap.String("status", string(status)),
		zap.Int("accepted", accepted),
		zap.Int("rejected", len(resolver.Rejections())),
		zap.Int("parties", len(snap.Parties)),
	)

	result := &Result{RunID: run.ID, Report: rep, Snapshot: snap}
	if runErr != nil {
		return result, eris.Wrap(runErr, "engine: run cancelled")
	}
	return result, nil
}

// resolveBatches fans rows out over a bounded errgroup. The resolver is
// the synchronization point; its output is independent of the order in
// which workers finish.
func (e *Engine) resolveBatches(ctx context.Context, resolver *resolve.Resolver, batches []Batch) error {
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)

	for _, batch := range batches {
		for _, row := range batch.Rows {
			g.Go(func() error {
				return e.resolveRow(gCtx, resolver, batch, row)
			})
		}
	}
	return g.Wait()
}

func (e *Engine) resolveRow(ctx context.Context, resolver *resolve.Resolver, batch Batch, row normalize.RawRow) error {
	prov := party.Provenance{
		Source:            batch.Meta.Name,
		SourceRecordID:    row.RecordID,
		CapturedAt:        capturedAt(row, batch),
		SelectionPriority: batch.Meta.Priority,
		QualityScore:      batch.Meta.QualityScore,
	}

	rec, err := normalize.Row(row, batch.Meta, prov)
	if err != nil {
		if party.IsMalformed(err) {
			resolver.RecordRejection(batch.Meta.Name, row.RecordID, err)
			return nil
		}
		return eris.Wrapf(err, "engine: normalize row %s/%s", batch.Meta.Name, row.RecordID)
	}

	var summary *validate.Summary
	if e.validator != nil && (rec.Email != "" || rec.Phone != "") {
		summary, err = e.validator.Validate(ctx, rec.Email, rec.Phone, rec.CountryCode)
		if err != nil {
			// A malformed contact downgrades the contact, never the record.
			zap.L().Warn("engine: contact validation failed",
				zap.String("source", batch.Meta.Name),
				zap.String("record_id", row.RecordID),
				zap.Error(err),
			)
		}
	}

	if _, err := resolver.Ingest(ctx, rec, summary); err != nil {
		if party.IsMalformed(err) {
			return nil // already counted by the resolver
		}
		return eris.Wrapf(err, "engine: ingest row %s/%s", batch.Meta.Name, row.RecordID)
	}
	return nil
}

// scoreSnapshot computes the lead score for every organization in the
// snapshot, ordered as the snapshot orders parties.
func (e *Engine) scoreSnapshot(snap *resolve.Snapshot) []report.Record {
	records := make([]report.Record, 0, len(snap.Parties))
	for _, p := range snap.Parties {
		if p.Kind != party.KindOrganization {
			continue
		}
		in, ok := snap.ScoreInputs[p.ID]
		if !ok {
			continue
		}
		s := score.Compute(score.Inputs{
			Completeness:    in.Completeness,
			EmailConfidence: in.EmailConfidence,
			PhoneConfidence: in.PhoneConfidence,
			SourcePriority:  in.SourcePriority,
		}, e.weights)
		records = append(records, report.Record{
			PartyID:     p.ID,
			DisplayName: p.DisplayName,
			Source:      p.Provenance.Source,
			Score:       s.Value,
		})
	}
	return records
}

func (e *Engine) completeRun(ctx context.Context, runID string, status store.RunStatus, resolver *resolve.Resolver, rep *report.Report) {
	accepted, _ := resolver.Accepted()
	var reportJSON []byte
	if rep != nil {
		var err error
		reportJSON, err = json.Marshal(rep)
		if err != nil {
			zap.L().Warn("engine: marshal report", zap.Error(err))
		}
	}
	if err := e.store.CompleteRun(ctx, runID, status, accepted, len(resolver.Rejections()), reportJSON); err != nil {
		zap.L().Warn("engine: complete run", zap.String("run_id", runID), zap.Error(err))
	}
}

func capturedAt(row normalize.RawRow, batch Batch) time.Time {
	if row.CapturedAt != "" {
		if t, err := time.Parse(time.RFC3339, row.CapturedAt); err == nil {
			return t.UTC()
		}
		zap.L().Warn("engine: unparseable captured_at, using batch time",
			zap.String("source", batch.Meta.Name),
			zap.String("record_id", row.RecordID),
			zap.String("captured_at", row.CapturedAt),
		)
	}
	if !batch.CapturedAt.IsZero() {
		return batch.CapturedAt.UTC()
	}
	return time.Now().UTC()
}

func isCancellation(err error) bool {
	return eris.Is(err, context.Canceled) || eris.Is(err, context.DeadlineExceeded)
}

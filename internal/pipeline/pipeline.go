// Package pipeline runs Fetch → Normalize → Derive → Persist for one dataset.
//
// A run is stateless: the only thing that outlives it is the snapshot file.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"opendata/internal/logger"
	"opendata/internal/metrics"
	"opendata/internal/snapshot"
	"opendata/internal/source"
	"opendata/internal/table"
	"opendata/internal/transformer"
)

// Step names used in logs and metrics.
const (
	StepFetch     = "fetch"
	StepNormalize = "normalize"
	StepDerive    = "derive"
	StepPersist   = "persist"
	StepMirror    = "mirror"
)

// Fetcher performs the fetch stage. *httpds.Client implements it.
type Fetcher interface {
	Fetch(ctx context.Context, d source.Descriptor, token string) (table.RawBatch, error)
}

// Mirror copies a persisted snapshot elsewhere. *mirror.Mirror implements it.
type Mirror interface {
	Upload(ctx context.Context, localPath string) (string, error)
}

// Runner holds what stays constant across runs.
type Runner struct {
	Fetcher Fetcher
	OutDir  string
	Job     string // metrics job label

	// Mirror is optional. Upload failures are logged, never returned.
	Mirror Mirror

	// Now stamps snapshots. nil means time.Now.
	Now func() time.Time

	// NewRunID defaults to uuid.NewString.
	NewRunID func() string
}

// Request is one dataset fetch.
type Request struct {
	// ID names the snapshot files, e.g. "income_scott".
	ID         string
	Descriptor source.Descriptor
	Token      string
	Normalize  transformer.Options
	Rules      []transformer.Rule
}

// Result reports a successful run.
type Result struct {
	RunID    string
	Snapshot snapshot.Result
	Derive   transformer.DeriveReport

	// MirrorURI is set when the snapshot was mirrored; MirrorErr when the
	// upload failed.
	MirrorURI string
	MirrorErr error
}

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Runner) runID() string {
	if r.NewRunID != nil {
		return r.NewRunID()
	}
	return uuid.NewString()
}

// Run executes the four stages in order and writes one snapshot.
//
// Errors:
//   - *httpds.FetchError from the fetch stage.
//   - *transformer.ShapeError from normalization.
//   - snapshot errors (ErrSnapshotExists, I/O) from persist.
//
// Nothing is written when any stage before persist fails.
func (r *Runner) Run(ctx context.Context, req Request) (Result, error) {
	if err := r.check(); err != nil {
		return Result{}, err
	}
	res := Result{RunID: r.runID()}
	log := r.runLogger(ctx, res.RunID, req.ID)
	ctx = logger.WithContext(ctx, log)

	log.Info().Str("source", req.Descriptor.String()).Msg("run started")

	t, rep, err := r.Build(ctx, req.Descriptor, req.Token, req.Normalize, req.Rules)
	if err != nil {
		log.Error().Err(err).Msg("run failed")
		return res, err
	}
	res.Derive = rep

	snap, err := r.persist(ctx, req.ID, t)
	if err != nil {
		log.Error().Err(err).Msg("run failed")
		return res, err
	}
	res.Snapshot = snap
	res.MirrorURI, res.MirrorErr = r.mirror(ctx, snap.Path)

	log.Info().
		Str("path", snap.Path).
		Int("rows", snap.Rows).
		Int64("bytes", snap.Bytes).
		Bool("empty", snap.Empty).
		Msg("run finished")
	return res, nil
}

// Build runs fetch, normalize and derive without persisting.
func (r *Runner) Build(ctx context.Context, d source.Descriptor, token string, opt transformer.Options, rules []transformer.Rule) (*table.Table, transformer.DeriveReport, error) {
	log := logger.FromContext(ctx)

	start := time.Now()
	batch, err := r.Fetcher.Fetch(ctx, d, token)
	r.step(StepFetch, start, err)
	if err != nil {
		return nil, transformer.DeriveReport{}, err
	}
	metrics.RecordRows(r.Job, "fetched", batch.Len())
	log.Debug().Int("records", batch.Len()).Dur("took", time.Since(start)).Msg(StepFetch)

	start = time.Now()
	t, err := transformer.Normalize(batch, opt)
	r.step(StepNormalize, start, err)
	if err != nil {
		return nil, transformer.DeriveReport{}, err
	}

	start = time.Now()
	rep := transformer.Derive(t, rules)
	r.step(StepDerive, start, nil)
	if len(rep.Skipped) > 0 {
		log.Warn().Strs("skipped", rep.Skipped).Msg("derive rules skipped: source columns missing")
	}
	log.Debug().Strs("applied", rep.Applied).Msg(StepDerive)

	return t, rep, nil
}

func (r *Runner) persist(ctx context.Context, id string, t *table.Table) (snapshot.Result, error) {
	start := time.Now()
	snap, err := snapshot.Write(r.OutDir, id, r.now(), t)
	r.step(StepPersist, start, err)
	if err != nil {
		return snapshot.Result{}, err
	}
	metrics.RecordRows(r.Job, "persisted", snap.Rows)
	metrics.RecordSnapshot(r.Job, id)
	if snap.Empty {
		log := logger.FromContext(ctx)
		log.Warn().Str("path", snap.Path).Msg("snapshot has no rows")
	}
	return snap, nil
}

func (r *Runner) mirror(ctx context.Context, path string) (string, error) {
	if r.Mirror == nil {
		return "", nil
	}
	log := logger.FromContext(ctx)

	start := time.Now()
	uri, err := r.Mirror.Upload(ctx, path)
	r.step(StepMirror, start, err)
	if err != nil {
		log.Warn().Err(err).Msg("mirror upload failed; local snapshot kept")
		return "", err
	}
	log.Info().Str("uri", uri).Msg("snapshot mirrored")
	return uri, nil
}

func (r *Runner) step(name string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
		if errors.Is(err, context.Canceled) {
			status = "canceled"
		}
	}
	metrics.RecordStep(r.Job, name, status, time.Since(start))
}

func (r *Runner) runLogger(ctx context.Context, runID, dataset string) zerolog.Logger {
	return logger.WithFields(logger.FromContext(ctx), map[string]any{
		"run_id":  runID,
		"dataset": dataset,
	})
}

func (r *Runner) check() error {
	if r == nil || r.Fetcher == nil {
		return errors.New("pipeline: runner has no fetcher")
	}
	if r.OutDir == "" {
		return errors.New("pipeline: runner has no output directory")
	}
	return nil
}

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"golang.org/x/time/rate"

	"opendata/internal/datasource/httpds"
	"opendata/internal/logger"
	"opendata/internal/metrics"
	"opendata/internal/snapshot"
	"opendata/internal/source"
	"opendata/internal/table"
	"opendata/internal/transformer"
)

// DefaultDelay is the pause between consecutive yearly fetches.
const DefaultDelay = 500 * time.Millisecond

// YearColumn is added to every row of a historical table.
const YearColumn = "year"

// HistoryRequest fetches one dataset for every year in [Start, End].
type HistoryRequest struct {
	Request

	Start, End int

	// Delay between fetches. 0 means DefaultDelay; negative disables pacing.
	Delay time.Duration
}

// YearFailure records why one year was skipped.
type YearFailure struct {
	Year int
	Kind string // httpds.ErrorKind, "shape" or "error"
	Err  error
}

// HistoryResult reports a historical run.
type HistoryResult struct {
	RunID     string
	Succeeded []int
	Failed    []YearFailure

	// Snapshot is nil when no year succeeded.
	Snapshot *snapshot.Result

	// Derive merges the reports of every successful year: an output is
	// listed as skipped when any year skipped it.
	Derive transformer.DeriveReport

	MirrorURI string
	MirrorErr error
}

// FailedYears lists the failed years in order.
func (h HistoryResult) FailedYears() []int {
	out := make([]int, 0, len(h.Failed))
	for _, f := range h.Failed {
		out = append(out, f.Year)
	}
	return out
}

// ErrNoYears is returned when every year failed. Nothing is written.
var ErrNoYears = errors.New("pipeline: no year succeeded")

// RunHistory fetches each year sequentially, waiting Delay after each
// response before the next request, and persists one snapshot holding the
// successful years sorted by year.
//
// Per-year fetch and shape failures are recorded in Failed and do not stop
// the loop. Structural failures (invalid descriptor, persist errors) and
// context cancellation end the run; a cancelled run writes nothing.
func (r *Runner) RunHistory(ctx context.Context, req HistoryRequest) (HistoryResult, error) {
	if err := r.check(); err != nil {
		return HistoryResult{}, err
	}
	if req.Start > req.End {
		return HistoryResult{}, fmt.Errorf("pipeline: start year %d after end year %d", req.Start, req.End)
	}

	res := HistoryResult{RunID: r.runID()}
	log := r.runLogger(ctx, res.RunID, req.ID)
	ctx = logger.WithContext(ctx, log)

	pace := newPacer(req.Delay)
	log.Info().
		Str("source", req.Descriptor.String()).
		Int("start", req.Start).
		Int("end", req.End).
		Msg("history started")

	var parts []*table.Table
	for year := req.Start; year <= req.End; year++ {
		if err := pace.Wait(ctx); err != nil {
			log.Warn().Err(err).Int("year", year).Msg("history interrupted")
			return res, err
		}

		d := req.Descriptor
		d.Year = year
		opt := req.Normalize
		opt.Extra = append(append([]transformer.Constant(nil), opt.Extra...), transformer.Constant{Name: YearColumn, Value: float64(year)})

		t, rep, err := r.Build(ctx, d, req.Token, opt, req.Rules)
		pace.Done()
		if err != nil {
			if ctx.Err() != nil {
				log.Warn().Err(err).Int("year", year).Msg("history interrupted")
				return res, ctx.Err()
			}
			if errors.Is(err, source.ErrInvalidDescriptor) {
				return res, err
			}
			f := YearFailure{Year: year, Kind: failureKind(err), Err: err}
			res.Failed = append(res.Failed, f)
			metrics.IncCounter(metrics.StepTotal, 1, metrics.Labels{"job": r.Job, "step": "year", "status": "failed"})
			log.Warn().Err(err).Int("year", year).Str("kind", f.Kind).Msg("year skipped")
			continue
		}

		parts = append(parts, t)
		res.Succeeded = append(res.Succeeded, year)
		res.Derive = mergeReports(res.Derive, rep)
		log.Info().Int("year", year).Int("rows", t.Len()).Msg("year fetched")
	}

	if len(parts) == 0 {
		log.Error().Ints("failed_years", res.FailedYears()).Msg("history failed: no year succeeded")
		return res, ErrNoYears
	}

	all := table.Concat(parts...)
	all.SortByNumeric(YearColumn)

	snap, err := r.persist(ctx, req.ID, all)
	if err != nil {
		log.Error().Err(err).Msg("history failed")
		return res, err
	}
	res.Snapshot = &snap
	res.MirrorURI, res.MirrorErr = r.mirror(ctx, snap.Path)

	ev := log.Info()
	if len(res.Failed) > 0 {
		ev = log.Warn().Ints("failed_years", res.FailedYears())
	}
	ev.Str("path", snap.Path).
		Ints("years", res.Succeeded).
		Int("rows", snap.Rows).
		Msg("history finished")
	return res, nil
}

// pacer holds the gap between the end of one request and the start of the
// next. A fresh limiter is drained when each request returns, so the next
// Wait blocks a full delay no matter how long the request took.
type pacer struct {
	every rate.Limit
	lim   *rate.Limiter
}

func newPacer(delay time.Duration) *pacer {
	switch {
	case delay < 0:
		return &pacer{every: rate.Inf}
	case delay == 0:
		delay = DefaultDelay
	}
	return &pacer{every: rate.Every(delay)}
}

// Wait blocks until the delay since the last Done has passed. It returns
// at once before the first request.
func (p *pacer) Wait(ctx context.Context) error {
	if p.lim == nil {
		return ctx.Err()
	}
	return p.lim.Wait(ctx)
}

// Done marks the end of a request.
func (p *pacer) Done() {
	if p.every == rate.Inf {
		return
	}
	p.lim = rate.NewLimiter(p.every, 1)
	p.lim.Reserve()
}

func mergeReports(acc, rep transformer.DeriveReport) transformer.DeriveReport {
	acc.Applied = appendMissing(acc.Applied, rep.Applied...)
	acc.Skipped = appendMissing(acc.Skipped, rep.Skipped...)
	return acc
}

func appendMissing(dst []string, vals ...string) []string {
	for _, v := range vals {
		if !slices.Contains(dst, v) {
			dst = append(dst, v)
		}
	}
	return dst
}

func failureKind(err error) string {
	var fe *httpds.FetchError
	if errors.As(err, &fe) {
		return string(fe.Kind)
	}
	var se *transformer.ShapeError
	if errors.As(err, &se) {
		return "shape"
	}
	return "error"
}

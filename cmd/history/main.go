// Command history fetches Census datasets for a range of survey years and
// writes one multi-year snapshot per dataset.
//
//	history -dataset education -geo scott -start 2015
//	history -dataset all -geo iowa
//
// Years that fail (unpublished year, HTML error page, malformed rows) are
// skipped and reported; the snapshot holds the years that succeeded.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"opendata/internal/cli"
	"opendata/internal/config"
	"opendata/internal/pipeline"
	"opendata/internal/source"
)

// Bounds used when the catalog sets no history range.
const (
	fallbackStart = 2009
	fallbackEnd   = 2021
)

// deps are external seams for testability.
type deps struct {
	cli.Env

	NewMirror cli.MirrorFactory
	Now       func() time.Time
}

type runConfig struct {
	cli.Common
	cli.FetchFlags
	cli.GeoFlags

	Dataset string
	Start   int
	End     int
	Delay   time.Duration
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	code := run(ctx, os.Args[1:], deps{Env: cli.OSEnv()})
	stop()
	os.Exit(code)
}

func parseFlags(args []string) (runConfig, error) {
	fs := cli.NewFlagSet("history")

	var cfg runConfig
	cfg.Common.Register(fs, "opendata_history")
	cfg.FetchFlags.Register(fs)
	cfg.GeoFlags.Register(fs)
	fs.StringVar(&cfg.Dataset, "dataset", "all", `Census dataset name, comma-separated names, or "all"`)
	fs.IntVar(&cfg.Start, "start", 0, "first survey year (default: catalog history_start)")
	fs.IntVar(&cfg.End, "end", 0, "last survey year (default: catalog history_end)")
	fs.DurationVar(&cfg.Delay, "delay", 0, "pause between yearly requests; negative disables pacing (default: catalog delay)")

	if err := fs.Parse(args); err != nil {
		return runConfig{}, err
	}
	if err := cfg.GeoFlags.Check(); err != nil {
		return runConfig{}, err
	}
	if cfg.Start < 0 || cfg.End < 0 {
		return runConfig{}, errors.New("-start and -end must be > 0")
	}
	if cfg.Start > 0 && cfg.End > 0 && cfg.Start > cfg.End {
		return runConfig{}, fmt.Errorf("-start %d is after -end %d", cfg.Start, cfg.End)
	}
	return cfg, nil
}

// run executes the history command and returns an exit code.
//
// Exit codes:
//   - 0: every dataset produced a snapshot (some years may have failed).
//   - 1: at least one dataset had no successful year, or failed to persist.
//   - 2: usage, catalog or initialization error.
func run(ctx context.Context, args []string, d deps) int {
	d.Env = d.Env.WithDefaults()

	cfg, err := parseFlags(args)
	if err != nil {
		fmt.Fprintln(d.Stderr, err.Error())
		return cli.ExitUsage
	}

	ctx, s, err := cfg.Common.Start(ctx, d.Env)
	if err != nil {
		fmt.Fprintln(d.Stderr, err.Error())
		return cli.ExitUsage
	}
	defer s.Close()

	names, err := cli.CensusDatasets(s.Catalog, cfg.Dataset)
	if err != nil {
		s.Log.Error().Err(err).Msg("history: datasets")
		return cli.ExitUsage
	}
	geoName, geo, err := cfg.GeoFlags.Resolve(s.Catalog)
	if err != nil {
		s.Log.Error().Err(err).Msg("history: geography")
		return cli.ExitUsage
	}

	start, end, warnings := yearRange(s.Catalog.Defaults, cfg.Start, cfg.End)
	for _, w := range warnings {
		s.Log.Warn().Msg(w)
	}
	if start > end {
		s.Log.Error().Int("start", start).Int("end", end).Msg("history: empty year range after clamping")
		return cli.ExitUsage
	}

	delay := cfg.Delay
	if delay == 0 {
		delay = s.Catalog.Defaults.Delay
	}

	creds := cfg.FetchFlags.Resolve(s, d.Getenv)
	runner, closeRunner, err := cfg.FetchFlags.Runner(ctx, s, cfg.Job, d.NewMirror)
	if err != nil {
		s.Log.Error().Err(err).Msg("history: init")
		return cli.ExitUsage
	}
	defer closeRunner()
	runner.Now = d.Now

	s.Log.Info().Strs("datasets", names).Str("geography", geoName).Int("start", start).Int("end", end).Msg("history: starting")

	code := cli.ExitOK
	for _, name := range names {
		ds := s.Catalog.Datasets[name]
		req := pipeline.HistoryRequest{
			Request: pipeline.Request{
				ID:         ds.HistoryID(name, geoName),
				Descriptor: ds.Descriptor(0, geo, 0),
				Token:      creds.TokenFor(ds.Kind),
				Normalize:  ds.NormalizeOptions(),
				Rules:      ds.Rules(),
			},
			Start: start,
			End:   end,
			Delay: delay,
		}

		res, err := runner.RunHistory(ctx, req)
		for _, f := range res.Failed {
			s.Log.Warn().Str("dataset", name).Int("year", f.Year).Str("kind", f.Kind).Err(f.Err).Msg("history: year skipped")
		}
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			s.Log.Warn().Err(err).Str("dataset", name).Msg("history: interrupted")
			return cli.ExitFailure
		case errors.Is(err, source.ErrInvalidDescriptor):
			s.Log.Error().Err(err).Str("dataset", name).Msg("history: invalid request")
			return cli.ExitUsage
		case err != nil:
			s.Log.Error().Err(err).Str("dataset", name).Ints("failed_years", res.FailedYears()).Msg("history: no snapshot")
			code = cli.ExitFailure
			continue
		}

		fmt.Fprintf(d.Stdout, "%s\t%d years\t%s\n", res.Snapshot.Path, len(res.Succeeded), failedSummary(res.FailedYears()))
		if res.MirrorURI != "" {
			fmt.Fprintf(d.Stdout, "%s\n", res.MirrorURI)
		}
	}
	return code
}

// yearRange applies defaults and clamps the requested range to the catalog's
// published range, returning a warning for each adjustment.
func yearRange(def config.Defaults, start, end int) (int, int, []string) {
	lo, hi := def.HistoryStart, def.HistoryEnd
	if lo <= 0 {
		lo = fallbackStart
	}
	if hi <= 0 {
		hi = fallbackEnd
	}
	if start == 0 {
		start = lo
	}
	if end == 0 {
		end = hi
	}

	var warnings []string
	if start < lo {
		warnings = append(warnings, fmt.Sprintf("ACS 5-year data starts in %d; using -start %d", lo, lo))
		start = lo
	}
	if end > hi {
		warnings = append(warnings, fmt.Sprintf("%d is the most recent complete year; using -end %d", hi, hi))
		end = hi
	}
	return start, end, warnings
}

func failedSummary(years []int) string {
	if len(years) == 0 {
		return "no failed years"
	}
	parts := make([]string, len(years))
	for i, y := range years {
		parts[i] = fmt.Sprint(y)
	}
	return "failed: " + strings.Join(parts, ",")
}

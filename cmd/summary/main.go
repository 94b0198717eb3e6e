// Command summary prints the change between the first and last survey year
// of each metric in the latest historical snapshot of each dataset.
//
//	summary -geo scott
//	summary -dataset income,housing -state 19
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"opendata/internal/analysis"
	"opendata/internal/cli"
	"opendata/internal/report"
	"opendata/internal/snapshot"
)

type runConfig struct {
	cli.Common
	cli.GeoFlags

	Dataset string
	Dir     string
	Metrics string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	code := run(ctx, os.Args[1:], cli.OSEnv())
	stop()
	os.Exit(code)
}

func parseFlags(args []string) (runConfig, error) {
	fs := cli.NewFlagSet("summary")

	var cfg runConfig
	cfg.Common.Register(fs, "opendata_summary")
	cfg.GeoFlags.Register(fs)
	fs.StringVar(&cfg.Dataset, "dataset", "all", `Census dataset name, comma-separated names, or "all"`)
	fs.StringVar(&cfg.Dir, "dir", "", "snapshot directory (default: catalog out_dir)")
	fs.StringVar(&cfg.Metrics, "metrics", "", "comma-separated columns (default: dataset headline columns)")

	if err := fs.Parse(args); err != nil {
		return runConfig{}, err
	}
	if err := cfg.GeoFlags.Check(); err != nil {
		return runConfig{}, err
	}
	return cfg, nil
}

// run executes the summary command and returns an exit code.
//
// Exit codes:
//   - 0: at least one dataset summarized.
//   - 1: no historical snapshot or no usable column.
//   - 2: usage or catalog error.
func run(ctx context.Context, args []string, env cli.Env) int {
	env = env.WithDefaults()

	cfg, err := parseFlags(args)
	if err != nil {
		fmt.Fprintln(env.Stderr, err.Error())
		return cli.ExitUsage
	}

	_, s, err := cfg.Common.Start(ctx, env)
	if err != nil {
		fmt.Fprintln(env.Stderr, err.Error())
		return cli.ExitUsage
	}
	defer s.Close()

	names, err := cli.CensusDatasets(s.Catalog, cfg.Dataset)
	if err != nil {
		s.Log.Error().Err(err).Msg("summary: datasets")
		return cli.ExitUsage
	}
	geoName, _, err := cfg.GeoFlags.Resolve(s.Catalog)
	if err != nil {
		s.Log.Error().Err(err).Msg("summary: geography")
		return cli.ExitUsage
	}
	dir := s.SnapshotDir(cfg.Dir)

	w := report.New(env.Stdout)
	reported := 0
	for _, name := range names {
		ds := s.Catalog.Datasets[name]
		path, t, err := cli.ReadLatest(dir, ds.HistoryID(name, geoName))
		switch {
		case errors.Is(err, snapshot.ErrNoData):
			s.Log.Warn().Err(err).Str("dataset", name).Msg("summary: skipped; run history first")
			continue
		case err != nil:
			s.Log.Error().Err(err).Str("dataset", name).Msg("summary: read")
			return cli.ExitFailure
		}
		s.Log.Debug().Str("path", path).Msg("summary: reading")

		var trends []analysis.TrendSummary
		for _, col := range cli.MetricColumns(cfg.Metrics, ds, t) {
			ts, err := analysis.Trend(t, col)
			if err != nil {
				s.Log.Warn().Err(err).Str("dataset", name).Str("column", col).Msg("summary: column skipped")
				continue
			}
			trends = append(trends, ts)
		}
		if len(trends) == 0 {
			continue
		}
		w.Section(fmt.Sprintf("%s: %s", strings.ToUpper(name), cli.GeoLabel(s.Catalog, geoName)))
		w.Trends(trends)
		reported++
	}
	if err := w.Err(); err != nil {
		s.Log.Error().Err(err).Msg("summary: write")
		return cli.ExitFailure
	}
	if reported == 0 {
		s.Log.Error().Str("geography", geoName).Str("dir", dir).Msg("summary: nothing to report")
		return cli.ExitFailure
	}
	return cli.ExitOK
}

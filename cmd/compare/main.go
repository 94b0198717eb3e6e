// Command compare prints the latest snapshot of one geography next to the
// latest snapshot of another, dataset by dataset.
//
//	compare -left scott -right iowa
//	compare -dataset income -left scott -right linn -metrics median_household_income
//
// Datasets without a snapshot on either side are skipped with a warning.
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
	"opendata/internal/config"
	"opendata/internal/report"
	"opendata/internal/snapshot"
	"opendata/internal/table"
)

type runConfig struct {
	cli.Common

	Dataset string
	Left    string
	Right   string
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
	fs := cli.NewFlagSet("compare")

	var cfg runConfig
	cfg.Common.Register(fs, "opendata_compare")
	fs.StringVar(&cfg.Dataset, "dataset", "all", `Census dataset name, comma-separated names, or "all"`)
	fs.StringVar(&cfg.Left, "left", "", "geography name of the left side (default: catalog geography)")
	fs.StringVar(&cfg.Right, "right", "", "geography name of the right side")
	fs.StringVar(&cfg.Dir, "dir", "", "snapshot directory (default: catalog out_dir)")
	fs.StringVar(&cfg.Metrics, "metrics", "", "comma-separated columns (default: dataset headline columns)")

	if err := fs.Parse(args); err != nil {
		return runConfig{}, err
	}
	if cfg.Right == "" {
		return runConfig{}, errors.New("missing required -right")
	}
	return cfg, nil
}

// run executes the compare command and returns an exit code.
//
// Exit codes:
//   - 0: at least one dataset compared.
//   - 1: nothing to compare, or a snapshot could not be read.
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
		s.Log.Error().Err(err).Msg("compare: datasets")
		return cli.ExitUsage
	}
	left := cfg.Left
	if left == "" {
		left = s.Catalog.Defaults.Geography
	}
	if left == "" {
		s.Log.Error().Msg("compare: no left geography: pass -left or set defaults.geography")
		return cli.ExitUsage
	}
	dir := s.SnapshotDir(cfg.Dir)

	w := report.New(env.Stdout)
	compared := 0
	for _, name := range names {
		ds := s.Catalog.Datasets[name]
		lt, rt, err := readPair(dir, ds, name, left, cfg.Right)
		switch {
		case errors.Is(err, snapshot.ErrNoData):
			s.Log.Warn().Err(err).Str("dataset", name).Msg("compare: skipped")
			continue
		case err != nil:
			s.Log.Error().Err(err).Str("dataset", name).Msg("compare: read")
			return cli.ExitFailure
		}

		metrics := pairs(cli.MetricColumns(cfg.Metrics, ds, lt, rt))
		cs, skipped := analysis.Compare(lt, rt, metrics)
		w.Section(fmt.Sprintf("%s: %s vs %s", strings.ToUpper(name), cli.GeoLabel(s.Catalog, left), cli.GeoLabel(s.Catalog, cfg.Right)))
		w.Comparison(left, cfg.Right, cs, skipped)
		compared++
	}
	if err := w.Err(); err != nil {
		s.Log.Error().Err(err).Msg("compare: write")
		return cli.ExitFailure
	}
	if compared == 0 {
		s.Log.Error().Str("left", left).Str("right", cfg.Right).Str("dir", dir).Msg("compare: no dataset has snapshots for both geographies")
		return cli.ExitFailure
	}
	return cli.ExitOK
}

func readPair(dir string, ds config.Dataset, name, left, right string) (lt, rt *table.Table, err error) {
	if _, lt, err = cli.ReadLatest(dir, ds.SnapshotID(name, left)); err != nil {
		return nil, nil, err
	}
	if _, rt, err = cli.ReadLatest(dir, ds.SnapshotID(name, right)); err != nil {
		return nil, nil, err
	}
	return lt, rt, nil
}

func pairs(cols []string) []analysis.MetricPair {
	out := make([]analysis.MetricPair, len(cols))
	for i, c := range cols {
		out[i] = analysis.MetricPair{Left: c}
	}
	return out
}

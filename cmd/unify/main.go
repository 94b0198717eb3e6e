// Command unify merges the latest historical snapshots of several datasets
// into one time series per geography: a row per year, with the headline
// columns of every dataset side by side. With more than one geography it
// also writes a combined snapshot stacking all of them.
//
//	unify -geo scott
//	unify -geo scott,polk,linn -dataset income,housing
//	unify -state 19 -county 163 -metrics median_household_income
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"opendata/internal/analysis"
	"opendata/internal/cli"
	"opendata/internal/config"
	"opendata/internal/metrics"
	"opendata/internal/snapshot"
	"opendata/internal/table"
)

// UnifiedDataset prefixes the snapshot IDs this command writes.
const UnifiedDataset = "unified"

// deps are external seams for testability.
type deps struct {
	cli.Env

	Now func() time.Time
}

type runConfig struct {
	cli.Common
	cli.GeoFlags

	Dataset    string
	Dir        string
	Metrics    string
	CombinedID string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	code := run(ctx, os.Args[1:], deps{Env: cli.OSEnv()})
	stop()
	os.Exit(code)
}

func parseFlags(args []string) (runConfig, error) {
	fs := cli.NewFlagSet("unify")

	var cfg runConfig
	cfg.Common.Register(fs, "opendata_unify")
	cfg.GeoFlags.Register(fs)
	fs.StringVar(&cfg.Dataset, "dataset", "all", `Census dataset name, comma-separated names, or "all"`)
	fs.StringVar(&cfg.Dir, "dir", "", "snapshot directory (default: catalog out_dir)")
	fs.StringVar(&cfg.Metrics, "metrics", "", "comma-separated columns (default: each dataset's headline columns)")
	fs.StringVar(&cfg.CombinedID, "combined-id", UnifiedDataset+"_combined", "snapshot ID of the multi-geography file")

	if err := fs.Parse(args); err != nil {
		return runConfig{}, err
	}
	if err := cfg.GeoFlags.Check(); err != nil {
		return runConfig{}, err
	}
	if strings.Contains(cfg.Geo, ",") && cfg.State != "" {
		return runConfig{}, errors.New("a -geo list cannot be combined with -state")
	}
	if strings.TrimSpace(cfg.CombinedID) == "" {
		return runConfig{}, errors.New("-combined-id must not be empty")
	}
	return cfg, nil
}

// run executes the unify command and returns an exit code.
//
// Exit codes:
//   - 0: at least one unified snapshot written.
//   - 1: no geography had a historical snapshot, or a write failed.
//   - 2: usage or catalog error.
func run(ctx context.Context, args []string, d deps) int {
	env := d.Env.WithDefaults()
	now := d.Now
	if now == nil {
		now = time.Now
	}

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
		s.Log.Error().Err(err).Msg("unify: datasets")
		return cli.ExitUsage
	}
	geos, err := resolveGeos(cfg.GeoFlags, s.Catalog)
	if err != nil {
		s.Log.Error().Err(err).Msg("unify: geography")
		return cli.ExitUsage
	}
	dir := s.SnapshotDir(cfg.Dir)

	var all []*table.Table
	for _, g := range geos {
		var parts []analysis.Part
		for _, name := range names {
			ds := s.Catalog.Datasets[name]
			path, t, err := cli.ReadLatest(dir, ds.HistoryID(name, g.name))
			switch {
			case errors.Is(err, snapshot.ErrNoData):
				s.Log.Warn().Err(err).Str("dataset", name).Str("geography", g.name).Msg("unify: dataset skipped; run history first")
				continue
			case err != nil:
				s.Log.Error().Err(err).Str("dataset", name).Msg("unify: read")
				return cli.ExitFailure
			}
			s.Log.Debug().Str("path", path).Msg("unify: reading")
			parts = append(parts, analysis.Part{Table: t, Columns: cli.MetricColumns(cfg.Metrics, ds, t)})
		}
		if len(parts) == 0 {
			s.Log.Warn().Str("geography", g.name).Msg("unify: geography skipped; no historical snapshot")
			continue
		}

		u := analysis.Unify(leadFields(s.Catalog, g), parts...)
		if code := write(s, env, cfg.Job, dir, UnifiedDataset+"_"+g.name, now(), u); code != cli.ExitOK {
			return code
		}
		all = append(all, u)
	}

	if len(all) == 0 {
		s.Log.Error().Str("dir", dir).Msg("unify: nothing to merge")
		return cli.ExitFailure
	}
	if len(all) > 1 {
		if code := write(s, env, cfg.Job, dir, cfg.CombinedID, now(), table.Concat(all...)); code != cli.ExitOK {
			return code
		}
	}
	return cli.ExitOK
}

type geography struct {
	name string
	geo  config.Geography
}

// resolveGeos accepts a comma-separated -geo list in addition to the single
// geography forms GeoFlags understands.
func resolveGeos(g cli.GeoFlags, c *config.Catalog) ([]geography, error) {
	list := cli.SplitList(g.Geo)
	if len(list) <= 1 {
		name, geo, err := g.Resolve(c)
		if err != nil {
			return nil, err
		}
		return []geography{{name: name, geo: geo}}, nil
	}
	out := make([]geography, 0, len(list))
	for _, n := range list {
		name, geo, err := cli.GeoFlags{Geo: n}.Resolve(c)
		if err != nil {
			return nil, err
		}
		out = append(out, geography{name: name, geo: geo})
	}
	return out, nil
}

func leadFields(c *config.Catalog, g geography) []analysis.Field {
	return []analysis.Field{
		{Name: "geography", Value: g.name},
		{Name: "label", Value: cli.GeoLabel(c, g.name)},
		{Name: "state", Value: fips(g.geo, "state")},
		{Name: "county", Value: fips(g.geo, "county")},
	}
}

// fips extracts the code of level from a geography's for/in clauses
// ("county:163", "state:19"). Absent levels give nil.
func fips(g config.Geography, level string) any {
	for _, clause := range strings.Fields(g.For + " " + g.In) {
		if k, v, ok := strings.Cut(clause, ":"); ok && k == level && v != "*" {
			return v
		}
	}
	return nil
}

func write(s *cli.Session, env cli.Env, job, dir, id string, at time.Time, t *table.Table) int {
	res, err := snapshot.Write(dir, id, at, t)
	if err != nil {
		s.Log.Error().Err(err).Str("id", id).Msg("unify: write")
		return cli.ExitFailure
	}
	metrics.RecordSnapshot(job, id)
	s.Log.Info().Str("path", res.Path).Int("rows", res.Rows).Int("columns", len(t.Columns)).Msg("unified snapshot written")
	fmt.Fprintf(env.Stdout, "%s\t%d rows\t%d columns\t%s\n", id, res.Rows, len(t.Columns), res.Path)
	return cli.ExitOK
}

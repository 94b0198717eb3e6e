// Command fetch downloads one dataset (one Census year, or one Socrata
// request), normalizes and derives it, and writes a timestamped snapshot.
//
//	fetch -dataset income -geo scott -year 2021
//	fetch -dataset cdc-covid -limit 5000
//	fetch -list
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"text/tabwriter"
	"time"

	"opendata/internal/cli"
	"opendata/internal/config"
	"opendata/internal/datasource/httpds"
	"opendata/internal/pipeline"
	"opendata/internal/source"
	"opendata/internal/transformer"
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
	Year    int
	Limit   int
	List    bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	code := run(ctx, os.Args[1:], deps{Env: cli.OSEnv()})
	stop()
	os.Exit(code)
}

func parseFlags(args []string) (runConfig, error) {
	fs := cli.NewFlagSet("fetch")

	var cfg runConfig
	cfg.Common.Register(fs, "opendata_fetch")
	cfg.FetchFlags.Register(fs)
	fs.StringVar(&cfg.Dataset, "dataset", "", "catalog dataset name (see -list)")
	fs.IntVar(&cfg.Year, "year", 0, "Census survey year (default: catalog history_end)")
	cfg.GeoFlags.Register(fs)
	fs.IntVar(&cfg.Limit, "limit", 0, fmt.Sprintf("Socrata row limit (default: catalog limit or %d)", source.DefaultSocrataLimit))
	fs.BoolVar(&cfg.List, "list", false, "list catalog datasets and exit")

	if err := fs.Parse(args); err != nil {
		return runConfig{}, err
	}
	if cfg.List {
		return cfg, nil
	}
	if cfg.Dataset == "" {
		return runConfig{}, errors.New("missing required -dataset (see -list)")
	}
	if err := cfg.GeoFlags.Check(); err != nil {
		return runConfig{}, err
	}
	if cfg.Limit < 0 {
		return runConfig{}, errors.New("-limit must be >= 0")
	}
	if cfg.Year < 0 {
		return runConfig{}, errors.New("-year must be > 0")
	}
	return cfg, nil
}

// run executes the fetch command and returns an exit code.
//
// Exit codes:
//   - 0: snapshot written (or -list).
//   - 1: fetch, shape or persist failure.
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

	if cfg.List {
		if err := listDatasets(d, s.Catalog); err != nil {
			s.Log.Error().Err(err).Msg("list")
			return cli.ExitFailure
		}
		return cli.ExitOK
	}

	ds, err := s.Catalog.Dataset(cfg.Dataset)
	if err != nil {
		s.Log.Error().Err(err).Msg("fetch: unknown dataset")
		return cli.ExitUsage
	}

	geoName, geo, err := cfg.GeoFlags.Resolve(s.Catalog)
	if err != nil && ds.Kind == source.KindCensus {
		s.Log.Error().Err(err).Msg("fetch: geography")
		return cli.ExitUsage
	}
	year := cfg.Year
	if year == 0 {
		year = s.Catalog.Defaults.HistoryEnd
	}

	creds := cfg.FetchFlags.Resolve(s, d.Getenv)
	runner, closeRunner, err := cfg.FetchFlags.Runner(ctx, s, cfg.Job, d.NewMirror)
	if err != nil {
		s.Log.Error().Err(err).Msg("fetch: init")
		return cli.ExitUsage
	}
	defer closeRunner()
	runner.Now = d.Now

	req := pipeline.Request{
		ID:         ds.SnapshotID(cfg.Dataset, geoName),
		Descriptor: ds.Descriptor(year, geo, cfg.Limit),
		Token:      creds.TokenFor(ds.Kind),
		Normalize:  ds.NormalizeOptions(),
		Rules:      ds.Rules(),
	}

	res, err := runner.Run(ctx, req)
	if err != nil {
		logFailure(s, err, req)
		if errors.Is(err, source.ErrInvalidDescriptor) {
			return cli.ExitUsage
		}
		return cli.ExitFailure
	}

	fmt.Fprintf(d.Stdout, "%s\t%d rows\t%d bytes\n", res.Snapshot.Path, res.Snapshot.Rows, res.Snapshot.Bytes)
	if res.MirrorURI != "" {
		fmt.Fprintf(d.Stdout, "%s\n", res.MirrorURI)
	}
	return cli.ExitOK
}

func logFailure(s *cli.Session, err error, req pipeline.Request) {
	ev := s.Log.Error().Err(err).Str("dataset", req.ID).Str("source", req.Descriptor.String())

	var fe *httpds.FetchError
	var se *transformer.ShapeError
	switch {
	case errors.As(err, &fe):
		ev = ev.Str("kind", string(fe.Kind)).Int("status", fe.Status)
	case errors.As(err, &se):
		ev = ev.Str("kind", "shape")
	case errors.Is(err, context.Canceled):
		ev = ev.Str("kind", "canceled")
	}
	ev.Msg("fetch failed")
}

func listDatasets(d deps, c *config.Catalog) error {
	tw := tabwriter.NewWriter(d.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "DATASET\tKIND\tDESCRIPTION")
	for _, name := range c.DatasetNames("") {
		ds := c.Datasets[name]
		fmt.Fprintf(tw, "%s\t%s\t%s\n", name, ds.Kind, ds.Description)
	}
	fmt.Fprintln(tw)

	geos := make([]string, 0, len(c.Geographies))
	for name := range c.Geographies {
		geos = append(geos, name)
	}
	sort.Strings(geos)
	fmt.Fprintln(tw, "GEOGRAPHY\tFOR\tLABEL")
	for _, name := range geos {
		g := c.Geographies[name]
		fmt.Fprintf(tw, "%s\t%s\t%s\n", name, g.For, g.Label)
	}
	return tw.Flush()
}

// Command probe samples a dataset without writing a snapshot. It prints a
// column profile, and can suggest a catalog entry for a new Socrata resource
// or diagnose a failing Census request.
//
//	probe -domain data.cityofnewyork.us -resource 23z9-6uk9 -yaml -name nyc-schools
//	probe -dataset income -geo iowa
//	probe -dataset income -year 2021 -diagnose
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"text/tabwriter"
	"time"

	"opendata/internal/cli"
	"opendata/internal/config"
	"opendata/internal/datasource/httpds"
	"opendata/internal/probe"
	"opendata/internal/source"
)

type runConfig struct {
	cli.Common
	cli.GeoFlags

	Dataset  string
	Domain   string
	Resource string
	Year     int
	Limit    int
	Timeout  time.Duration

	CensusKey    string
	SocrataToken string

	Diagnose    bool
	YAML        bool
	Name        string
	Description string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	code := run(ctx, os.Args[1:], cli.OSEnv())
	stop()
	os.Exit(code)
}

func parseFlags(args []string) (runConfig, error) {
	fs := cli.NewFlagSet("probe")

	var cfg runConfig
	cfg.Common.Register(fs, "opendata_probe")
	cfg.GeoFlags.Register(fs)
	fs.StringVar(&cfg.Dataset, "dataset", "", "catalog dataset to sample")
	fs.StringVar(&cfg.Domain, "domain", "", "Socrata domain to sample; replaces -dataset")
	fs.StringVar(&cfg.Resource, "resource", "", "Socrata resource ID (with -domain)")
	fs.IntVar(&cfg.Year, "year", 0, "Census survey year (default: catalog history_end)")
	fs.IntVar(&cfg.Limit, "limit", probe.DefaultLimit, "Socrata sample size")
	fs.DurationVar(&cfg.Timeout, "timeout", 0, "per-request timeout (default: catalog timeout)")
	fs.StringVar(&cfg.CensusKey, "census-key", "", "Census API key (overrides env "+config.EnvCensusKey+")")
	fs.StringVar(&cfg.SocrataToken, "socrata-token", "", "Socrata app token (overrides env "+config.EnvSocrataToken+")")
	fs.BoolVar(&cfg.Diagnose, "diagnose", false, "Census only: retry with and without the key and for the previous year")
	fs.BoolVar(&cfg.YAML, "yaml", false, "Socrata only: print a suggested catalog entry instead of the profile")
	fs.StringVar(&cfg.Name, "name", "", "dataset name for -yaml (default: -resource)")
	fs.StringVar(&cfg.Description, "description", "", "description for -yaml")

	if err := fs.Parse(args); err != nil {
		return runConfig{}, err
	}
	switch {
	case cfg.Dataset == "" && cfg.Domain == "":
		return runConfig{}, errors.New("missing required -dataset or -domain")
	case cfg.Dataset != "" && cfg.Domain != "":
		return runConfig{}, errors.New("-dataset and -domain are mutually exclusive")
	case cfg.Domain != "" && cfg.Resource == "":
		return runConfig{}, errors.New("-domain requires -resource")
	case cfg.Diagnose && cfg.YAML:
		return runConfig{}, errors.New("-diagnose and -yaml are mutually exclusive")
	case cfg.Limit <= 0:
		return runConfig{}, errors.New("-limit must be > 0")
	}
	if err := cfg.GeoFlags.Check(); err != nil {
		return runConfig{}, err
	}
	return cfg, nil
}

// run executes the probe command and returns an exit code.
//
// Exit codes:
//   - 0: sample profiled (or every diagnostic check ran).
//   - 1: the sample request failed, or a diagnostic check failed.
//   - 2: usage or catalog error.
func run(ctx context.Context, args []string, env cli.Env) int {
	env = env.WithDefaults()

	cfg, err := parseFlags(args)
	if err != nil {
		fmt.Fprintln(env.Stderr, err.Error())
		return cli.ExitUsage
	}

	ctx, s, err := cfg.Common.Start(ctx, env)
	if err != nil {
		fmt.Fprintln(env.Stderr, err.Error())
		return cli.ExitUsage
	}
	defer s.Close()

	d, err := descriptor(s, cfg)
	if err != nil {
		s.Log.Error().Err(err).Msg("probe: request")
		return cli.ExitUsage
	}
	if err := d.Validate(); err != nil {
		s.Log.Error().Err(err).Msg("probe: request")
		return cli.ExitUsage
	}
	if cfg.Diagnose && d.Kind != source.KindCensus {
		s.Log.Error().Msg("probe: -diagnose needs a census dataset")
		return cli.ExitUsage
	}
	if cfg.YAML && d.Kind != source.KindSocrata {
		s.Log.Error().Msg("probe: -yaml needs a socrata dataset")
		return cli.ExitUsage
	}

	creds, warnings := config.ResolveCredentials(cfg.CensusKey, cfg.SocrataToken, env.Getenv)
	for _, w := range warnings {
		s.Log.Warn().Msg(w)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = s.Catalog.Defaults.Timeout
	}
	client := httpds.New(httpds.Options{Timeout: timeout, Job: cfg.Job})
	token := creds.TokenFor(d.Kind)

	if cfg.Diagnose {
		return diagnose(ctx, s, env, client, d, token)
	}

	res, err := probe.Sample(ctx, client, d, token)
	if err != nil {
		s.Log.Error().Err(err).Str("source", d.String()).Msg("probe: sample failed")
		return cli.ExitFailure
	}
	s.Log.Info().Str("source", d.String()).Int("rows", res.Rows).Int("columns", len(res.Columns)).Msg("probe: sampled")

	if cfg.YAML {
		name := cfg.Name
		if name == "" {
			name = cfg.Resource
		}
		e, err := probe.SuggestEntry(res, cfg.Description)
		if err == nil {
			err = probe.WriteEntry(env.Stdout, name, e)
		}
		if err != nil {
			s.Log.Error().Err(err).Msg("probe: entry")
			return cli.ExitFailure
		}
		return cli.ExitOK
	}

	tw := tabwriter.NewWriter(env.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "COLUMN\tTYPE\tNON-EMPTY\tDISTINCT\tSAMPLE")
	for _, c := range res.Columns {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n", c.Name, c.Type, c.NonEmpty, c.Distinct, c.Sample)
	}
	if err := tw.Flush(); err != nil {
		s.Log.Error().Err(err).Msg("probe: write")
		return cli.ExitFailure
	}
	return cli.ExitOK
}

// descriptor resolves either an ad hoc Socrata resource or a catalog dataset.
func descriptor(s *cli.Session, cfg runConfig) (source.Descriptor, error) {
	if cfg.Domain != "" {
		return source.Descriptor{
			Kind:       source.KindSocrata,
			Domain:     cfg.Domain,
			ResourceID: cfg.Resource,
			Limit:      cfg.Limit,
		}, nil
	}

	ds, err := s.Catalog.Dataset(cfg.Dataset)
	if err != nil {
		return source.Descriptor{}, err
	}
	if ds.Kind == source.KindSocrata {
		return ds.Descriptor(0, config.Geography{}, cfg.Limit), nil
	}
	_, geo, err := cfg.GeoFlags.Resolve(s.Catalog)
	if err != nil {
		return source.Descriptor{}, err
	}
	year := cfg.Year
	if year == 0 {
		year = s.Catalog.Defaults.HistoryEnd
	}
	return ds.Descriptor(year, geo, 0), nil
}

func diagnose(ctx context.Context, s *cli.Session, env cli.Env, f probe.Fetcher, d source.Descriptor, key string) int {
	out, err := probe.Diagnose(ctx, f, probe.CensusChecks(d, key))
	if err != nil {
		s.Log.Warn().Err(err).Msg("probe: interrupted")
		return cli.ExitFailure
	}

	code := cli.ExitOK
	tw := tabwriter.NewWriter(env.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CHECK\tRESULT\tSTATUS\tROWS")
	for _, o := range out {
		status := "-"
		if o.Status != 0 {
			status = fmt.Sprint(o.Status)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", o.Name, o.Kind, status, o.Rows)
		if o.Err != nil {
			s.Log.Debug().Err(o.Err).Str("check", o.Name).Msg("probe: check failed")
			code = cli.ExitFailure
		}
	}
	if err := tw.Flush(); err != nil {
		s.Log.Error().Err(err).Msg("probe: write")
		return cli.ExitFailure
	}
	if hint := diagnosis(out); hint != "" {
		fmt.Fprintln(env.Stdout)
		fmt.Fprintln(env.Stdout, hint)
	}
	return code
}

// diagnosis names the likely cause when the keyed request fails but the
// anonymous one succeeds, or when only the requested year is missing.
func diagnosis(out []probe.Outcome) string {
	byName := map[string]probe.Outcome{}
	for _, o := range out {
		byName[o.Name] = o
	}
	keyed, hasKeyed := byName["with key"]
	anon := byName["without key"]
	switch {
	case hasKeyed && keyed.Err != nil && anon.Err == nil:
		return "The request works without the key: the Census key is invalid or not yet activated."
	case anon.Kind == string(httpds.KindNotFound) && len(out) > 0 && out[len(out)-1].Err == nil:
		return fmt.Sprintf("Year %d is not published for this product; the previous year is.", anon.Descriptor.Year)
	}
	return ""
}

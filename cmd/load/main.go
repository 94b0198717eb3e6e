// Command load copies the latest snapshot of a dataset into a SQL warehouse
// table. Loads are idempotent: rows already present (by row_hash) are
// skipped, so reloading the same or an overlapping snapshot is safe.
//
//	load -dataset income -geo scott
//	load -dataset income -history -backend postgres -dsn postgres://localhost/warehouse
//	load -id cdc-covid -backend mssql -dsn "sqlserver://sa:pw@localhost?database=dw" -table staging.covid
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"strings"
	"time"

	"opendata/internal/cli"
	"opendata/internal/metrics"
	"opendata/internal/storage"
	_ "opendata/internal/storage/all"
)

// EnvWarehouseDSN is read when -dsn is empty.
const EnvWarehouseDSN = "WAREHOUSE_DSN"

// defaultSQLiteDSN is used for the sqlite backend when no DSN is given.
const defaultSQLiteDSN = "file:data/warehouse.db"

type runConfig struct {
	cli.Common
	cli.GeoFlags

	Dataset string
	History bool
	ID      string
	Dir     string
	Backend string
	DSN     string
	Table   string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	code := run(ctx, os.Args[1:], cli.OSEnv())
	stop()
	os.Exit(code)
}

func parseFlags(args []string) (runConfig, error) {
	fs := cli.NewFlagSet("load")

	var cfg runConfig
	cfg.Common.Register(fs, "opendata_load")
	cfg.GeoFlags.Register(fs)
	fs.StringVar(&cfg.Dataset, "dataset", "", "catalog dataset name")
	fs.BoolVar(&cfg.History, "history", false, "load the historical snapshot instead of the single-year one")
	fs.StringVar(&cfg.ID, "id", "", "snapshot ID to load; replaces -dataset and -geo")
	fs.StringVar(&cfg.Dir, "dir", "", "snapshot directory (default: catalog out_dir)")
	fs.StringVar(&cfg.Backend, "backend", "sqlite", "warehouse backend: "+strings.Join(storage.Kinds(), ", "))
	fs.StringVar(&cfg.DSN, "dsn", "", "warehouse DSN (default: env "+EnvWarehouseDSN+", or "+defaultSQLiteDSN+" for sqlite)")
	fs.StringVar(&cfg.Table, "table", "", "target table, optionally schema-qualified (default: snapshot ID)")

	if err := fs.Parse(args); err != nil {
		return runConfig{}, err
	}
	switch {
	case cfg.ID == "" && cfg.Dataset == "":
		return runConfig{}, errors.New("missing required -dataset or -id")
	case cfg.ID != "" && cfg.Dataset != "":
		return runConfig{}, errors.New("-id and -dataset are mutually exclusive")
	}
	if !slices.Contains(storage.Kinds(), cfg.Backend) {
		return runConfig{}, fmt.Errorf("unknown -backend %q (want one of %s)", cfg.Backend, strings.Join(storage.Kinds(), ", "))
	}
	if err := cfg.GeoFlags.Check(); err != nil {
		return runConfig{}, err
	}
	return cfg, nil
}

// run executes the load command and returns an exit code.
//
// Exit codes:
//   - 0: snapshot loaded (possibly zero new rows).
//   - 1: no snapshot, unreadable snapshot, or warehouse failure.
//   - 2: usage, catalog or configuration error.
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

	id := cfg.ID
	if id == "" {
		ds, err := s.Catalog.Dataset(cfg.Dataset)
		if err != nil {
			s.Log.Error().Err(err).Msg("load: unknown dataset")
			return cli.ExitUsage
		}
		geoName, _, err := cfg.GeoFlags.Resolve(s.Catalog)
		if err != nil {
			s.Log.Error().Err(err).Msg("load: geography")
			return cli.ExitUsage
		}
		id = ds.SnapshotID(cfg.Dataset, geoName)
		if cfg.History {
			id = ds.HistoryID(cfg.Dataset, geoName)
		}
	}

	dsn := cfg.DSN
	if dsn == "" {
		dsn = env.Getenv(EnvWarehouseDSN)
	}
	if dsn == "" && cfg.Backend == "sqlite" {
		dsn = defaultSQLiteDSN
	}
	if dsn == "" {
		s.Log.Error().Str("backend", cfg.Backend).Msg("load: missing -dsn (or env " + EnvWarehouseDSN + ")")
		return cli.ExitUsage
	}

	dir := s.SnapshotDir(cfg.Dir)
	path, t, err := cli.ReadLatest(dir, id)
	if err != nil {
		s.Log.Error().Err(err).Str("id", id).Msg("load: snapshot")
		return cli.ExitFailure
	}

	name := cfg.Table
	if name == "" {
		name = id
	}
	batch, err := storage.TableFromSnapshot(name, t, path)
	if err != nil {
		s.Log.Error().Err(err).Str("path", path).Msg("load: shape")
		return cli.ExitFailure
	}

	repo, err := storage.New(ctx, storage.Config{Kind: cfg.Backend, DSN: dsn})
	if err != nil {
		s.Log.Error().Err(err).Str("backend", cfg.Backend).Msg("load: open warehouse")
		return cli.ExitFailure
	}
	defer repo.Close()

	start := time.Now()
	n, err := storage.Load(ctx, repo, batch)
	metrics.RecordStep(cfg.Job, "load", stepStatus(err), time.Since(start))
	if err != nil {
		s.Log.Error().Err(err).Str("table", batch.Spec.Name).Msg("load failed")
		return cli.ExitFailure
	}

	s.Log.Info().
		Str("backend", cfg.Backend).
		Str("table", batch.Spec.Name).
		Str("snapshot", path).
		Int("rows", len(batch.Rows)).
		Int64("inserted", n).
		Msg("load finished")
	metrics.RecordRows(cfg.Job, "loaded", int(n))
	fmt.Fprintf(env.Stdout, "%s\t%d inserted\t%d rows\t%s\n", batch.Spec.Name, n, len(batch.Rows), path)
	return cli.ExitOK
}

func stepStatus(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

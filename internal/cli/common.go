package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"opendata/internal/config"
	"opendata/internal/datasource/httpds"
	"opendata/internal/logger"
	"opendata/internal/metrics"
	"opendata/internal/metrics/datadog"
	"opendata/internal/mirror"
	"opendata/internal/pipeline"
)

// Common are the flags every command accepts.
type Common struct {
	CatalogPath    string
	LogJSON        bool
	LogLevel       string
	MetricsBackend string
	PushgatewayURL string
	MetricsFlush   time.Duration
	Job            string
}

// Register adds the common flags to fs. job is the default metrics job name.
func (c *Common) Register(fs *FlagSet, job string) {
	fs.StringVar(&c.CatalogPath, "catalog", "", "dataset catalog YAML (default: embedded catalog)")
	fs.BoolVar(&c.LogJSON, "log-json", false, "log JSON lines instead of console output")
	fs.StringVar(&c.LogLevel, "log-level", "info", "log level (debug, info, warn, error)")
	fs.StringVar(&c.MetricsBackend, "metrics-backend", "", "metrics backend: pushgateway, datadog or none (overrides env "+EnvMetricsBackend+")")
	fs.StringVar(&c.PushgatewayURL, "pushgateway-url", "", "Pushgateway base URL (overrides env "+EnvPushgatewayURL+")")
	fs.DurationVar(&c.MetricsFlush, "metrics-flush", time.Minute, "Datadog flush interval")
	fs.StringVar(&c.Job, "job", job, "job name used in metric labels and tags")
}

// Session is what a command holds between parsing flags and exiting.
type Session struct {
	Log     zerolog.Logger
	Catalog *config.Catalog

	backend MetricsBackend
}

// Start builds the logger, loads and validates the catalog, and installs the
// metrics backend. Catalog issues are printed to Stderr one per line; any
// error-severity issue fails Start. A metrics backend that fails to open is
// logged and replaced by the no-op backend.
//
// The returned context carries the logger. Call Close when done.
func (c *Common) Start(ctx context.Context, env Env) (context.Context, *Session, error) {
	env = env.WithDefaults()

	log := logger.New(env.Stderr, logger.Options{JSON: c.LogJSON, Level: c.LogLevel})
	ctx = logger.WithContext(ctx, log)

	cat, err := config.LoadCatalog(c.CatalogPath)
	if err != nil {
		return ctx, nil, err
	}
	issues := config.Validate(cat)
	for _, iss := range issues {
		fmt.Fprintln(env.Stderr, iss.String())
	}
	if config.HasErrors(issues) {
		return ctx, nil, fmt.Errorf("catalog is invalid")
	}

	s := &Session{Log: log, Catalog: cat}

	name := c.MetricsBackend
	if name == "" {
		name = env.Getenv(EnvMetricsBackend)
	}
	url := c.PushgatewayURL
	if url == "" {
		url = env.Getenv(EnvPushgatewayURL)
	}
	opt := MetricsOptions{
		Job:            c.Job,
		PushgatewayURL: url,
		Tags:           datadog.ParseTagsCSV(env.Getenv(EnvMetricsTags)),
		FlushEvery:     c.MetricsFlush,
	}
	b, err := env.OpenMetrics(ctx, name, opt)
	switch {
	case err != nil:
		log.Warn().Err(err).Str("backend", name).Msg("metrics: init failed; using nop")
	case b != nil:
		log.Debug().Str("backend", name).Str("job", c.Job).Strs("tags", opt.Tags).Msg("metrics: enabled")
		metrics.SetBackend(b)
		s.backend = b
	}
	return ctx, s, nil
}

// Close flushes and closes the metrics backend and restores the no-op
// backend.
func (s *Session) Close() {
	if s == nil || s.backend == nil {
		return
	}
	if err := s.backend.Close(); err != nil {
		s.Log.Warn().Err(err).Msg("metrics: close/flush error")
	}
	metrics.SetBackend(nil)
	s.backend = nil
}

// FetchFlags are shared by the commands that hit the network.
type FetchFlags struct {
	OutDir       string
	Timeout      time.Duration
	CensusKey    string
	SocrataToken string
	GCSBucket    string
	GCSPrefix    string
}

// Register adds the fetch flags to fs. Empty -out and zero -timeout fall
// back to the catalog defaults.
func (f *FetchFlags) Register(fs *FlagSet) {
	fs.StringVar(&f.OutDir, "out", "", "snapshot directory (default: catalog out_dir)")
	fs.DurationVar(&f.Timeout, "timeout", 0, fmt.Sprintf("per-request timeout, clamped to %s..%s (default: catalog timeout)", httpds.MinTimeout, httpds.MaxTimeout))
	fs.StringVar(&f.CensusKey, "census-key", "", "Census API key (overrides env "+config.EnvCensusKey+")")
	fs.StringVar(&f.SocrataToken, "socrata-token", "", "Socrata app token (overrides env "+config.EnvSocrataToken+")")
	fs.StringVar(&f.GCSBucket, "gcs-bucket", "", "mirror snapshots to this GCS bucket")
	fs.StringVar(&f.GCSPrefix, "gcs-prefix", "", "object name prefix inside -gcs-bucket")
}

// Resolve applies catalog defaults and resolves credentials, logging each
// credential warning.
func (f *FetchFlags) Resolve(s *Session, getenv func(string) string) config.Credentials {
	f.OutDir = s.SnapshotDir(f.OutDir)
	if f.Timeout <= 0 {
		f.Timeout = s.Catalog.Defaults.Timeout
	}
	creds, warnings := config.ResolveCredentials(f.CensusKey, f.SocrataToken, getenv)
	for _, w := range warnings {
		s.Log.Warn().Msg(w)
	}
	return creds
}

// MirrorFactory opens the snapshot mirror. mirror.New is the production
// factory.
type MirrorFactory func(ctx context.Context, bucket, prefix string) (*mirror.Mirror, error)

// Runner builds the pipeline runner for the resolved flags. The returned
// func releases the mirror client; call it once the runs are done.
func (f *FetchFlags) Runner(ctx context.Context, s *Session, job string, newMirror MirrorFactory) (*pipeline.Runner, func(), error) {
	client := httpds.New(httpds.Options{Timeout: f.Timeout, Job: job})
	r := &pipeline.Runner{Fetcher: client, OutDir: f.OutDir, Job: job}
	s.Log.Debug().Str("out", f.OutDir).Dur("timeout", client.Timeout()).Msg("fetch: configured")

	if f.GCSBucket == "" {
		return r, func() {}, nil
	}
	if newMirror == nil {
		newMirror = mirror.New
	}
	m, err := newMirror(ctx, f.GCSBucket, f.GCSPrefix)
	if err != nil {
		return nil, nil, err
	}
	r.Mirror = m
	return r, func() {
		if err := m.Close(); err != nil {
			s.Log.Warn().Err(err).Msg("mirror: close")
		}
	}, nil
}

// SnapshotDir returns dir, else the catalog out_dir, else "data/raw".
func (s *Session) SnapshotDir(dir string) string {
	if dir != "" {
		return dir
	}
	if s.Catalog.Defaults.OutDir != "" {
		return s.Catalog.Defaults.OutDir
	}
	return "data/raw"
}

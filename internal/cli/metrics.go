package cli

import (
	"context"
	"fmt"
	"time"

	"opendata/internal/metrics"
	"opendata/internal/metrics/datadog"
	"opendata/internal/metrics/prompush"
)

// Environment variables for metrics. Flags win over them.
const (
	EnvMetricsBackend = "METRICS_BACKEND"
	EnvPushgatewayURL = "PUSHGATEWAY_URL"
	EnvMetricsTags    = "METRICS_TAGS"

	DefaultPushgatewayURL = "http://localhost:9091"
)

// MetricsBackend is a backend the command must close on exit.
type MetricsBackend interface {
	metrics.Backend
	Close() error
}

// MetricsOptions configures OpenMetrics.
type MetricsOptions struct {
	Job            string
	PushgatewayURL string
	Tags           []string
	FlushEvery     time.Duration
}

// MetricsFactory opens the named backend. It returns (nil, nil) when
// metrics are disabled.
type MetricsFactory func(ctx context.Context, name string, opt MetricsOptions) (MetricsBackend, error)

// OpenMetrics opens "pushgateway", "datadog", or nothing for "" and "none".
//
// Datadog buffers metrics and submits them every FlushEvery plus once on
// Close. The push gateway receives everything once, on Close.
func OpenMetrics(ctx context.Context, name string, opt MetricsOptions) (MetricsBackend, error) {
	switch name {
	case "", "none":
		return nil, nil
	case "pushgateway":
		url := opt.PushgatewayURL
		if url == "" {
			url = DefaultPushgatewayURL
		}
		b, err := prompush.NewBackend(opt.Job, url)
		if err != nil {
			return nil, err
		}
		return b, nil
	case "datadog":
		b, err := datadog.NewBackend(ctx, datadog.Options{
			JobName:    opt.Job,
			Tags:       opt.Tags,
			FlushEvery: opt.FlushEvery,
		})
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown metrics backend %q (want pushgateway, datadog or none)", name)
	}
}

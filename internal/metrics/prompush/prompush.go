// Package prompush implements a metrics.Backend that pushes to a Prometheus
// Pushgateway on Flush. Short-lived commands (one fetch, one history run)
// cannot be scraped, so they push once at exit.
package prompush

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"opendata/internal/metrics"
)

// labelNames fixes the label set of every known metric. The "job" label is
// owned by the Pushgateway grouping key and is never a metric label.
var labelNames = map[string][]string{
	metrics.StepTotal:                   {"step", "status"},
	metrics.StepDurationSeconds:         {"step", "status"},
	metrics.RowsTotal:                   {"kind"},
	metrics.SnapshotsTotal:              {"dataset"},
	metrics.HTTPRequestsTotal:           {"status"},
	metrics.HTTPErrorsTotal:             {"status"},
	metrics.HTTPRequestDurationSeconds:  {"status"},
	metrics.HTTPResponseDurationSeconds: {"status"},
	metrics.HTTPDownloadBytes:           {"status"},
}

var help = map[string]string{
	metrics.StepTotal:                   "Pipeline stage executions by step and status",
	metrics.StepDurationSeconds:         "Pipeline stage duration in seconds",
	metrics.RowsTotal:                   "Rows handled by kind",
	metrics.SnapshotsTotal:              "Snapshot files written",
	metrics.HTTPRequestsTotal:           "HTTP requests by status",
	metrics.HTTPErrorsTotal:             "Failed HTTP requests by status",
	metrics.HTTPRequestDurationSeconds:  "Time to response headers in seconds",
	metrics.HTTPResponseDurationSeconds: "Time to full response body in seconds",
	metrics.HTTPDownloadBytes:           "Response body size in bytes",
}

func summaryObjectives() map[float64]float64 {
	return map[float64]float64{
		0.5:  0.05,
		0.9:  0.01,
		0.99: 0.001,
	}
}

// Backend buffers into a private registry and pushes it on Flush.
type Backend struct {
	pusher *push.Pusher
	reg    *prometheus.Registry

	mu        sync.Mutex
	counters  map[string]*prometheus.CounterVec
	summaries map[string]*prometheus.SummaryVec
}

// NewBackend returns a backend pushing to gatewayURL under job.
//
// Errors:
//   - empty gatewayURL or job.
func NewBackend(job, gatewayURL string) (*Backend, error) {
	if gatewayURL == "" {
		return nil, fmt.Errorf("prompush: empty gateway url")
	}
	if job == "" {
		return nil, fmt.Errorf("prompush: empty job name")
	}

	reg := prometheus.NewRegistry()
	b := &Backend{
		pusher:    push.New(gatewayURL, job).Gatherer(reg),
		reg:       reg,
		counters:  make(map[string]*prometheus.CounterVec),
		summaries: make(map[string]*prometheus.SummaryVec),
	}
	return b, nil
}

// IncCounter implements metrics.Backend. Unknown names are ignored.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	names, ok := labelNames[name]
	if !ok || delta <= 0 {
		return
	}

	b.mu.Lock()
	vec, ok := b.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help[name]}, names)
		b.reg.MustRegister(vec)
		b.counters[name] = vec
	}
	b.mu.Unlock()

	vec.With(promLabels(names, labels)).Add(delta)
}

// ObserveHistogram implements metrics.Backend. Unknown names are ignored.
func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	names, ok := labelNames[name]
	if !ok || value < 0 {
		return
	}

	b.mu.Lock()
	vec, ok := b.summaries[name]
	if !ok {
		vec = prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Name:       name,
			Help:       help[name],
			Objectives: summaryObjectives(),
		}, names)
		b.reg.MustRegister(vec)
		b.summaries[name] = vec
	}
	b.mu.Unlock()

	vec.With(promLabels(names, labels)).Observe(value)
}

// Flush pushes every collected metric, replacing the job's previous group.
// Nothing is pushed before the first observation.
func (b *Backend) Flush() error {
	b.mu.Lock()
	empty := len(b.counters) == 0 && len(b.summaries) == 0
	b.mu.Unlock()
	if empty {
		return nil
	}
	if err := b.pusher.Push(); err != nil {
		return fmt.Errorf("prompush: push: %w", err)
	}
	return nil
}

// Close flushes once more. It exists so commands can treat every backend alike.
func (b *Backend) Close() error { return b.Flush() }

func promLabels(names []string, in metrics.Labels) prometheus.Labels {
	out := make(prometheus.Labels, len(names))
	for _, n := range names {
		v := in[n]
		if v == "" {
			v = "unknown"
		}
		out[n] = v
	}
	return out
}

var _ metrics.Backend = (*Backend)(nil)

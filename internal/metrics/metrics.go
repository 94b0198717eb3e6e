// Package metrics is the backend-neutral instrumentation facade.
//
// Pipeline code calls the helpers in this package; a command picks the
// concrete backend once at startup with SetBackend. The default backend
// discards everything, so library code and tests never need a backend.
package metrics

import (
	"strconv"
	"sync"
	"time"
)

// Metric names. Backends ignore names they do not know.
const (
	StepTotal           = "opendata_step_total"
	StepDurationSeconds = "opendata_step_duration_seconds"
	RowsTotal           = "opendata_rows_total"
	SnapshotsTotal      = "opendata_snapshots_total"

	HTTPRequestsTotal           = "opendata_http_requests_total"
	HTTPErrorsTotal             = "opendata_http_errors_total"
	HTTPRequestDurationSeconds  = "opendata_http_request_duration_seconds"
	HTTPResponseDurationSeconds = "opendata_http_response_duration_seconds"
	HTTPDownloadBytes           = "opendata_http_download_bytes"
)

// Labels are metric dimensions.
type Labels map[string]string

// Backend receives metric events.
//
// Implementations must be safe for concurrent use.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
	Flush() error
}

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}
func (nopBackend) Flush() error                             { return nil }

var (
	mu      sync.RWMutex
	current Backend = nopBackend{}
)

// SetBackend installs b as the process-wide backend. nil restores the no-op backend.
func SetBackend(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	if b == nil {
		current = nopBackend{}
		return
	}
	current = b
}

func backend() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// Flush flushes the current backend.
func Flush() error { return backend().Flush() }

// IncCounter forwards to the current backend.
func IncCounter(name string, delta float64, labels Labels) {
	backend().IncCounter(name, delta, labels)
}

// ObserveHistogram forwards to the current backend.
func ObserveHistogram(name string, value float64, labels Labels) {
	backend().ObserveHistogram(name, value, labels)
}

// RecordStep records one pipeline stage outcome (fetch, normalize, derive,
// persist, mirror, load) with its duration. status is "ok", "error" or
// "canceled".
func RecordStep(job, step, status string, d time.Duration) {
	l := Labels{"job": job, "step": step, "status": status}
	IncCounter(StepTotal, 1, l)
	ObserveHistogram(StepDurationSeconds, d.Seconds(), l)
}

// RecordRows counts rows by kind (fetched, persisted, loaded).
func RecordRows(job, kind string, n int) {
	if n <= 0 {
		return
	}
	IncCounter(RowsTotal, float64(n), Labels{"job": job, "kind": kind})
}

// RecordSnapshot counts one written snapshot file.
func RecordSnapshot(job, dataset string) {
	IncCounter(SnapshotsTotal, 1, Labels{"job": job, "dataset": dataset})
}

// RecordHTTP records one HTTP attempt.
//
// status 0 means no response was received; err carries the transport error.
// Negative durations or byte counts are not observed.
func RecordHTTP(job string, status int, err error, reqDur, respDur time.Duration, bytes int64) {
	st := "0"
	if status > 0 {
		st = strconv.Itoa(status)
	}
	l := Labels{"job": job, "status": st}

	IncCounter(HTTPRequestsTotal, 1, l)
	if err != nil || status == 0 || status >= 400 {
		IncCounter(HTTPErrorsTotal, 1, l)
	}
	if reqDur >= 0 {
		ObserveHistogram(HTTPRequestDurationSeconds, reqDur.Seconds(), l)
	}
	if respDur >= 0 {
		ObserveHistogram(HTTPResponseDurationSeconds, respDur.Seconds(), l)
	}
	if bytes >= 0 {
		ObserveHistogram(HTTPDownloadBytes, float64(bytes), l)
	}
}

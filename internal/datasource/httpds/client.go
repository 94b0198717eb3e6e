// Package httpds is the fetch stage: one bounded HTTP GET per call, decoded
// into a table.RawBatch or failed with a *FetchError.
//
// The client never retries. Callers that loop over many requests decide what
// a failure means for them.
package httpds

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"opendata/internal/metrics"
	jsonparser "opendata/internal/parser/json"
	"opendata/internal/source"
	"opendata/internal/table"
)

const (
	DefaultTimeout = 30 * time.Second
	MinTimeout     = 1 * time.Second
	MaxTimeout     = 120 * time.Second

	// DefaultMaxBody caps how much of a response is read.
	DefaultMaxBody = 256 << 20
)

// ErrorKind classifies a FetchError.
type ErrorKind string

const (
	KindTransport   ErrorKind = "transport"    // no response (DNS, refused, timeout)
	KindRateLimited ErrorKind = "rate_limited" // 429
	KindNotFound    ErrorKind = "not_found"    // 404; Census uses it for unpublished years
	KindClient      ErrorKind = "client"       // other 4xx
	KindServer      ErrorKind = "server"       // 5xx and other non-2xx
	KindNonJSON     ErrorKind = "non_json"     // 2xx whose body is not a usable JSON table
)

// FetchError is returned for every failed fetch.
type FetchError struct {
	URL     string // credentials removed
	Status  int    // 0 when no response was received
	Kind    ErrorKind
	Excerpt string // at most ExcerptLimit bytes
	Err     error  // underlying cause, if any
}

func (e *FetchError) Error() string {
	msg := fmt.Sprintf("fetch %s: %s", e.URL, e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Excerpt != "" {
		msg += fmt.Sprintf(": %q", e.Excerpt)
	}
	return msg
}

func (e *FetchError) Unwrap() error { return e.Err }

// KindForStatus maps a non-2xx status code to an ErrorKind.
func KindForStatus(status int) ErrorKind {
	switch {
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusNotFound:
		return KindNotFound
	case status >= 400 && status < 500:
		return KindClient
	default:
		return KindServer
	}
}

// ClampTimeout applies the timeout policy: zero or negative means
// DefaultTimeout, otherwise the value is clamped to [MinTimeout, MaxTimeout].
// A request is never unbounded.
func ClampTimeout(d time.Duration) time.Duration {
	switch {
	case d <= 0:
		return DefaultTimeout
	case d < MinTimeout:
		return MinTimeout
	case d > MaxTimeout:
		return MaxTimeout
	default:
		return d
	}
}

// Client performs fetches.
type Client struct {
	http    *http.Client
	job     string
	maxBody int64
}

// Options configures New.
type Options struct {
	Timeout time.Duration // see ClampTimeout
	Job     string        // metrics job label
	MaxBody int64         // <= 0 means DefaultMaxBody

	// Transport overrides the HTTP transport (tests).
	Transport http.RoundTripper
}

// New returns a Client whose every request is bounded by the clamped timeout.
func New(opt Options) *Client {
	tr := opt.Transport
	if tr == nil {
		tr = &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			IdleConnTimeout:     90 * time.Second,
			MaxIdleConns:        16,
			MaxIdleConnsPerHost: 4,
		}
	}
	maxBody := opt.MaxBody
	if maxBody <= 0 {
		maxBody = DefaultMaxBody
	}
	return &Client{
		http:    &http.Client{Timeout: ClampTimeout(opt.Timeout), Transport: tr},
		job:     opt.Job,
		maxBody: maxBody,
	}
}

// Timeout returns the effective per-request timeout.
func (c *Client) Timeout() time.Duration { return c.http.Timeout }

// Fetch issues one GET for d and decodes the body.
//
// Errors:
//   - descriptor validation errors (wrapping source.ErrInvalidDescriptor) are
//     returned as-is; they are structural, not fetch failures.
//   - everything else is a *FetchError.
func (c *Client) Fetch(ctx context.Context, d source.Descriptor, token string) (table.RawBatch, error) {
	req, err := d.Request(ctx, token)
	if err != nil {
		return table.RawBatch{}, err
	}
	redacted := d.RedactedURL()

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.RecordHTTP(c.job, 0, err, -1, -1, -1)
		return table.RawBatch{}, &FetchError{URL: redacted, Kind: KindTransport, Err: unwrapURLError(err)}
	}
	reqDur := time.Since(start)
	defer resp.Body.Close()

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, c.maxBody))
	respDur := time.Since(start)

	metrics.RecordHTTP(c.job, resp.StatusCode, readErr, reqDur, respDur, int64(len(body)))

	if readErr != nil {
		return table.RawBatch{}, &FetchError{URL: redacted, Status: resp.StatusCode, Kind: KindTransport, Err: readErr}
	}

	ct := resp.Header.Get("Content-Type")
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return table.RawBatch{}, &FetchError{
			URL:     redacted,
			Status:  resp.StatusCode,
			Kind:    KindForStatus(resp.StatusCode),
			Excerpt: excerpt(ct, body),
		}
	}

	if looksLikeHTML(ct, body) {
		return table.RawBatch{}, &FetchError{
			URL:     redacted,
			Status:  resp.StatusCode,
			Kind:    KindNonJSON,
			Excerpt: excerpt(ct, body),
		}
	}

	batch, err := jsonparser.Decode(bytes.NewReader(body))
	if err != nil {
		return table.RawBatch{}, &FetchError{
			URL:     redacted,
			Status:  resp.StatusCode,
			Kind:    KindNonJSON,
			Excerpt: excerpt(ct, body),
			Err:     err,
		}
	}
	return batch, nil
}

// unwrapURLError drops the *url.Error wrapper, whose message repeats the
// request URL including credentials.
func unwrapURLError(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) && ue.Err != nil {
		return ue.Err
	}
	return err
}

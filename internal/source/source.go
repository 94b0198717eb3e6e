// Package source describes remote dataset endpoints and turns them into HTTP
// requests.
package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Kind is the API family of a descriptor.
type Kind string

const (
	KindCensus  Kind = "census"
	KindSocrata Kind = "socrata"
)

const (
	DefaultCensusBase    = "https://api.census.gov/data"
	DefaultCensusProduct = "acs/acs5"
	DefaultSocrataLimit  = 10000

	// SocrataTokenHeader carries the app token so it never appears in URLs.
	SocrataTokenHeader = "X-App-Token"
)

// ErrInvalidDescriptor is wrapped by every validation failure.
var ErrInvalidDescriptor = errors.New("source: invalid descriptor")

// Descriptor identifies one remote request. It is immutable once built.
type Descriptor struct {
	Kind Kind

	// Census
	Base      string   // default DefaultCensusBase
	Product   string   // default DefaultCensusProduct
	Year      int      // path year
	Variables []string // requested after NAME
	For       string   // e.g. "county:163", "state:19"
	In        string   // e.g. "state:19"; optional

	// Socrata
	Domain     string // e.g. "data.cdc.gov" or "https://data.cdc.gov"
	ResourceID string // e.g. "vbim-akqf"
	Limit      int    // default DefaultSocrataLimit
}

// Validate checks that the descriptor resolves to an absolute http(s) URL.
func (d Descriptor) Validate() error {
	_, err := d.url("")
	return err
}

// Request builds the GET request. token is the optional credential:
// Census puts it in the "key" query parameter, Socrata sends it as the
// X-App-Token header. An empty token produces an unauthenticated request.
func (d Descriptor) Request(ctx context.Context, token string) (*http.Request, error) {
	raw, err := d.url(token)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, raw, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}
	req.Header.Set("Accept", "application/json")
	if d.Kind == KindSocrata && token != "" {
		req.Header.Set(SocrataTokenHeader, token)
	}
	return req, nil
}

// RedactedURL is the request URL without credentials, for logs and errors.
func (d Descriptor) RedactedURL() string {
	raw, err := d.url("")
	if err != nil {
		return ""
	}
	return raw
}

// String is a short human label ("census 2021 county:163", "socrata data.cdc.gov/vbim-akqf").
func (d Descriptor) String() string {
	switch d.Kind {
	case KindCensus:
		return fmt.Sprintf("census %d %s", d.Year, d.For)
	case KindSocrata:
		return fmt.Sprintf("socrata %s/%s", strings.TrimPrefix(strings.TrimPrefix(d.Domain, "https://"), "http://"), d.ResourceID)
	default:
		return string(d.Kind)
	}
}

func (d Descriptor) url(token string) (string, error) {
	var raw string
	switch d.Kind {
	case KindCensus:
		if d.Year <= 0 {
			return "", fmt.Errorf("%w: census year %d", ErrInvalidDescriptor, d.Year)
		}
		if len(d.Variables) == 0 {
			return "", fmt.Errorf("%w: census descriptor without variables", ErrInvalidDescriptor)
		}
		if d.For == "" {
			return "", fmt.Errorf("%w: census descriptor without geography", ErrInvalidDescriptor)
		}
		base := strings.TrimRight(orDefault(d.Base, DefaultCensusBase), "/")
		product := strings.Trim(orDefault(d.Product, DefaultCensusProduct), "/")

		params := [][2]string{
			{"get", strings.Join(append([]string{"NAME"}, d.Variables...), ",")},
			{"for", d.For},
		}
		if d.In != "" {
			params = append(params, [2]string{"in", d.In})
		}
		if token != "" {
			params = append(params, [2]string{"key", token})
		}
		raw = base + "/" + strconv.Itoa(d.Year) + "/" + product + "?" + encodeQuery(params)

	case KindSocrata:
		if d.Domain == "" || d.ResourceID == "" {
			return "", fmt.Errorf("%w: socrata descriptor needs domain and resource id", ErrInvalidDescriptor)
		}
		domain := strings.TrimRight(d.Domain, "/")
		if !strings.Contains(domain, "://") {
			domain = "https://" + domain
		}
		limit := d.Limit
		if limit <= 0 {
			limit = DefaultSocrataLimit
		}
		raw = domain + "/resource/" + url.PathEscape(d.ResourceID) + ".json?" +
			encodeQuery([][2]string{{"$limit", strconv.Itoa(limit)}})

	default:
		return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidDescriptor, d.Kind)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: %q is not an absolute http(s) URL", ErrInvalidDescriptor, raw)
	}
	return raw, nil
}

// encodeQuery escapes values but keeps the separators the Census API
// documents literally (",", ":", "*", "$").
func encodeQuery(params [][2]string) string {
	keep := strings.NewReplacer("%2C", ",", "%3A", ":", "%2A", "*", "%24", "$")
	parts := make([]string, 0, len(params))
	for _, p := range params {
		parts = append(parts, keep.Replace(url.QueryEscape(p[0]))+"="+keep.Replace(url.QueryEscape(p[1])))
	}
	return strings.Join(parts, "&")
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// Package probe samples a dataset and profiles its columns.
//
// It is used to bootstrap catalog entries for new Socrata resources and to
// diagnose Census requests that fail (bad key, unpublished year). Probing is
// read-only: nothing is persisted.
package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"gopkg.in/yaml.v3"

	"opendata/internal/datasource/httpds"
	"opendata/internal/snapshot"
	"opendata/internal/source"
	"opendata/internal/table"
	"opendata/internal/transformer"
)

// DefaultLimit is the Socrata row limit used when sampling.
const DefaultLimit = 100

// headlineMax caps the headline columns suggested by Entry.
const headlineMax = 5

// sampleOptions keeps the default identifier columns as text and converts
// the rest only when every value is numeric.
var sampleOptions = transformer.Options{Coerce: transformer.CoerceInferred}

// Fetcher performs one request. *httpds.Client implements it.
type Fetcher interface {
	Fetch(ctx context.Context, d source.Descriptor, token string) (table.RawBatch, error)
}

// ColumnType is the inferred kind of a sampled column.
type ColumnType string

const (
	TypeNumber ColumnType = "number"
	TypeText   ColumnType = "text"
	TypeEmpty  ColumnType = "empty"
)

// Column profiles one sampled column.
type Column struct {
	Name     string
	Type     ColumnType
	NonEmpty int
	Distinct int

	// Sample is the first non-empty value, formatted as in a snapshot.
	Sample string
}

// Result is a profiled sample.
type Result struct {
	Descriptor source.Descriptor
	Rows       int
	Columns    []Column
}

// Sample fetches d once and profiles the returned table. Socrata requests
// without a limit fetch DefaultLimit rows.
func Sample(ctx context.Context, f Fetcher, d source.Descriptor, token string) (Result, error) {
	if d.Kind == source.KindSocrata && d.Limit <= 0 {
		d.Limit = DefaultLimit
	}
	batch, err := f.Fetch(ctx, d, token)
	if err != nil {
		return Result{}, err
	}
	t, err := transformer.Normalize(batch, sampleOptions)
	if err != nil {
		return Result{}, err
	}
	return Result{Descriptor: d, Rows: t.Len(), Columns: Profile(t)}, nil
}

// Profile describes every column of t in table order.
func Profile(t *table.Table) []Column {
	out := make([]Column, 0, len(t.Columns))
	for ix, name := range t.Columns {
		c := Column{Name: name, Type: TypeEmpty}
		seen := map[string]bool{}
		for _, r := range t.Rows {
			v := r[ix]
			if v == nil {
				continue
			}
			s := snapshot.FormatCell(v)
			if s == "" {
				continue
			}
			c.NonEmpty++
			if c.Sample == "" {
				c.Sample = s
			}
			seen[s] = true

			switch v.(type) {
			case float64:
				if c.Type == TypeEmpty {
					c.Type = TypeNumber
				}
			default:
				c.Type = TypeText
			}
		}
		c.Distinct = len(seen)
		out = append(out, c)
	}
	return out
}

// Entry is a catalog dataset entry suggested from a sample.
type Entry struct {
	Kind        source.Kind `yaml:"kind"`
	Description string      `yaml:"description,omitempty"`
	Domain      string      `yaml:"domain,omitempty"`
	ResourceID  string      `yaml:"resource_id,omitempty"`
	Limit       int         `yaml:"limit,omitempty"`
	Coerce      string      `yaml:"coerce,omitempty"`
	Exclude     []string    `yaml:"exclude,omitempty"`
	Headline    []string    `yaml:"headline,omitempty"`
}

// SuggestEntry builds a Socrata catalog entry from r. Text columns are
// excluded from coercion and the first numeric columns become the headline.
func SuggestEntry(r Result, description string) (Entry, error) {
	d := r.Descriptor
	if d.Kind != source.KindSocrata {
		return Entry{}, fmt.Errorf("probe: catalog entries are suggested for socrata only, got %s", d.Kind)
	}
	e := Entry{
		Kind:        d.Kind,
		Description: description,
		Domain:      d.Domain,
		ResourceID:  d.ResourceID,
		Coerce:      string(transformer.CoerceInferred),
	}
	for _, c := range r.Columns {
		switch c.Type {
		case TypeText:
			e.Exclude = append(e.Exclude, c.Name)
		case TypeNumber:
			if len(e.Headline) < headlineMax {
				e.Headline = append(e.Headline, c.Name)
			}
		}
	}
	sort.Strings(e.Exclude)
	return e, nil
}

// WriteEntry writes e as a catalog fragment ready to paste under the
// catalog's datasets key.
func WriteEntry(w io.Writer, name string, e Entry) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(map[string]map[string]Entry{"datasets": {name: e}}); err != nil {
		return fmt.Errorf("probe: encode entry: %w", err)
	}
	return enc.Close()
}

// Check is one diagnostic request.
type Check struct {
	Name       string
	Descriptor source.Descriptor
	Token      string
}

// Outcome is the result of one Check. Kind is "ok", an httpds.ErrorKind,
// "shape" or "error".
type Outcome struct {
	Check
	Kind   string
	Status int
	Rows   int
	Err    error
}

// CensusChecks returns the requests that tell a bad key from an unpublished
// year: the request as given, the same request without the key, and the
// previous survey year without the key. The keyed check is omitted when key
// is empty.
func CensusChecks(d source.Descriptor, key string) []Check {
	var out []Check
	if key != "" {
		out = append(out, Check{Name: "with key", Descriptor: d, Token: key})
	}
	out = append(out, Check{Name: "without key", Descriptor: d})
	if d.Year > 0 {
		prev := d
		prev.Year = d.Year - 1
		out = append(out, Check{Name: fmt.Sprintf("year %d without key", prev.Year), Descriptor: prev})
	}
	return out
}

// Diagnose runs every check in order. A check failure is recorded, not
// returned; only context cancellation stops the run early.
func Diagnose(ctx context.Context, f Fetcher, checks []Check) ([]Outcome, error) {
	out := make([]Outcome, 0, len(checks))
	for _, c := range checks {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		o := Outcome{Check: c, Kind: "ok"}
		batch, err := f.Fetch(ctx, c.Descriptor, c.Token)
		if err == nil {
			_, err = transformer.Normalize(batch, sampleOptions)
		}
		if err != nil {
			o.Err = err
			o.Kind, o.Status = classify(err)
		} else {
			o.Rows = batch.Len()
		}
		out = append(out, o)
	}
	return out, nil
}

func classify(err error) (string, int) {
	var fe *httpds.FetchError
	if errors.As(err, &fe) {
		return string(fe.Kind), fe.Status
	}
	var se *transformer.ShapeError
	if errors.As(err, &se) {
		return "shape", 0
	}
	return "error", 0
}

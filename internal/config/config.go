// Package config loads the dataset catalog and resolves credentials.
//
// The catalog is declarative: one entry per dataset names its endpoint, the
// source variables with their labels, and the derive rules. A default catalog
// is embedded in the binary; -catalog on any command replaces it.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"opendata/internal/source"
	"opendata/internal/transformer"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// ErrUnknownDataset is returned for dataset or geography names missing from
// the catalog.
var ErrUnknownDataset = errors.New("config: unknown dataset")

// DefaultPrecision is used by derive rules that omit precision.
const DefaultPrecision = 2

// Catalog is the parsed catalog file.
type Catalog struct {
	Defaults    Defaults             `yaml:"defaults"`
	Geographies map[string]Geography `yaml:"geographies"`
	Datasets    map[string]Dataset   `yaml:"datasets"`
}

// Defaults are command defaults that flags override.
type Defaults struct {
	Geography    string        `yaml:"geography"`
	OutDir       string        `yaml:"out_dir"`
	Timeout      time.Duration `yaml:"timeout"`
	Delay        time.Duration `yaml:"delay"`
	HistoryStart int           `yaml:"history_start"`
	HistoryEnd   int           `yaml:"history_end"`
}

// Geography is a Census for/in pair.
type Geography struct {
	Label string `yaml:"label"`
	For   string `yaml:"for"`
	In    string `yaml:"in"`
}

// Variable is one requested source column and its label.
type Variable struct {
	Code  string `yaml:"code"`
	Label string `yaml:"label"`
}

// Rule is the YAML form of transformer.Rule.
type Rule struct {
	Output      string   `yaml:"output"`
	Kind        string   `yaml:"kind"`
	Numerator   []string `yaml:"numerator"`
	Denominator []string `yaml:"denominator"`
	Scale       float64  `yaml:"scale"`
	Precision   *int     `yaml:"precision"`
}

// Dataset is one catalog entry.
type Dataset struct {
	Kind        source.Kind `yaml:"kind"`
	Description string      `yaml:"description"`

	// census
	Base      string     `yaml:"base"`
	Product   string     `yaml:"product"`
	Variables []Variable `yaml:"variables"`

	// socrata
	Domain     string `yaml:"domain"`
	ResourceID string `yaml:"resource_id"`
	Limit      int    `yaml:"limit"`

	Derive  []Rule   `yaml:"derive"`
	Exclude []string `yaml:"exclude"`
	Coerce  string   `yaml:"coerce"`

	// Headline lists the columns compare, yoy and summary report when no
	// -metrics flag is given.
	Headline []string `yaml:"headline"`
}

// LoadCatalog reads the catalog at path, or the embedded default when path is
// empty. Unknown YAML fields are rejected. The result is not validated; call
// Validate.
func LoadCatalog(path string) (*Catalog, error) {
	data := defaultCatalog
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read catalog: %w", err)
		}
		data = b
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes catalog YAML.
func ParseCatalog(data []byte) (*Catalog, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var c Catalog
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("config: decode catalog: %w", err)
	}
	return &c, nil
}

// Dataset returns the named dataset.
func (c *Catalog) Dataset(name string) (Dataset, error) {
	d, ok := c.Datasets[name]
	if !ok {
		return Dataset{}, fmt.Errorf("%w: %q", ErrUnknownDataset, name)
	}
	return d, nil
}

// Geography returns the named geography.
func (c *Catalog) Geography(name string) (Geography, error) {
	g, ok := c.Geographies[name]
	if !ok {
		return Geography{}, fmt.Errorf("%w: geography %q", ErrUnknownDataset, name)
	}
	return g, nil
}

// DatasetNames returns dataset names of the given kind (all kinds when kind
// is empty), sorted.
func (c *Catalog) DatasetNames(kind source.Kind) []string {
	var out []string
	for name, d := range c.Datasets {
		if kind == "" || d.Kind == kind {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Codes returns the source variable codes in catalog order.
func (d Dataset) Codes() []string {
	out := make([]string, 0, len(d.Variables))
	for _, v := range d.Variables {
		out = append(out, v.Code)
	}
	return out
}

// RenameMap maps variable codes to labels. Variables without a label keep
// their code.
func (d Dataset) RenameMap() map[string]string {
	m := make(map[string]string, len(d.Variables))
	for _, v := range d.Variables {
		if v.Label != "" {
			m[v.Code] = v.Label
		}
	}
	return m
}

// Rules converts the derive section, applying DefaultPrecision.
func (d Dataset) Rules() []transformer.Rule {
	out := make([]transformer.Rule, 0, len(d.Derive))
	for _, r := range d.Derive {
		p := DefaultPrecision
		if r.Precision != nil {
			p = *r.Precision
		}
		out = append(out, transformer.Rule{
			Output:      r.Output,
			Kind:        transformer.RuleKind(r.Kind),
			Numerator:   r.Numerator,
			Denominator: r.Denominator,
			Scale:       r.Scale,
			Precision:   p,
		})
	}
	return out
}

// NormalizeOptions builds the Normalize options for this dataset. extra
// columns (such as year) are appended after the source columns.
func (d Dataset) NormalizeOptions(extra ...transformer.Constant) transformer.Options {
	return transformer.Options{
		Exclude: d.Exclude,
		Rename:  d.RenameMap(),
		Coerce:  transformer.CoerceMode(d.Coerce),
		Extra:   extra,
	}
}

// Descriptor builds the request descriptor. year and geo are ignored for
// Socrata datasets; limit overrides the catalog limit when > 0.
func (d Dataset) Descriptor(year int, geo Geography, limit int) source.Descriptor {
	switch d.Kind {
	case source.KindSocrata:
		if limit <= 0 {
			limit = d.Limit
		}
		return source.Descriptor{
			Kind:       source.KindSocrata,
			Domain:     d.Domain,
			ResourceID: d.ResourceID,
			Limit:      limit,
		}
	default:
		return source.Descriptor{
			Kind:      d.Kind,
			Base:      d.Base,
			Product:   d.Product,
			Year:      year,
			Variables: d.Codes(),
			For:       geo.For,
			In:        geo.In,
		}
	}
}

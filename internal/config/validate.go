package config

import (
	"fmt"
	"regexp"
	"sort"

	"opendata/internal/source"
	"opendata/internal/transformer"
)

// Severity of a validation issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one validation finding. Path uses dotted YAML notation, e.g.
// "datasets.income.derive[0].denominator".
type Issue struct {
	Severity Severity
	Path     string
	Message  string
}

func (i Issue) String() string { return fmt.Sprintf("%s: %s: %s", i.Severity, i.Path, i.Message) }

// HasErrors reports whether any issue is an error.
func HasErrors(issues []Issue) bool {
	for _, i := range issues {
		if i.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Dataset names become snapshot filename prefixes and table names.
var nameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// Validate checks a catalog. Errors make the catalog unusable; warnings flag
// entries that will silently produce less data (for example a derive rule
// that can never apply).
//
// Issues are returned in a stable order: defaults, geographies, then datasets
// sorted by name.
func Validate(c *Catalog) []Issue {
	var out []Issue
	add := func(sev Severity, path, format string, args ...any) {
		out = append(out, Issue{Severity: sev, Path: path, Message: fmt.Sprintf(format, args...)})
	}

	d := c.Defaults
	if d.HistoryStart > 0 && d.HistoryEnd > 0 && d.HistoryStart > d.HistoryEnd {
		add(SeverityError, "defaults.history_start", "history_start %d is after history_end %d", d.HistoryStart, d.HistoryEnd)
	}
	if d.Delay < 0 {
		add(SeverityError, "defaults.delay", "must be >= 0")
	}
	if d.Timeout < 0 {
		add(SeverityError, "defaults.timeout", "must be >= 0")
	}
	if d.Geography != "" {
		if _, ok := c.Geographies[d.Geography]; !ok {
			add(SeverityError, "defaults.geography", "unknown geography %q", d.Geography)
		}
	}

	for _, name := range sortedKeys(c.Geographies) {
		g := c.Geographies[name]
		if g.For == "" {
			add(SeverityError, "geographies."+name+".for", "required")
		}
	}

	if len(c.Datasets) == 0 {
		add(SeverityError, "datasets", "catalog has no datasets")
	}
	for _, name := range sortedKeys(c.Datasets) {
		out = append(out, validateDataset(name, c.Datasets[name])...)
	}
	return out
}

func validateDataset(name string, ds Dataset) []Issue {
	var out []Issue
	base := "datasets." + name
	add := func(sev Severity, path, format string, args ...any) {
		out = append(out, Issue{Severity: sev, Path: path, Message: fmt.Sprintf(format, args...)})
	}

	if !nameRe.MatchString(name) {
		add(SeverityError, base, "name must match %s", nameRe)
	}

	switch ds.Kind {
	case source.KindCensus:
		if len(ds.Variables) == 0 {
			add(SeverityError, base+".variables", "census dataset needs at least one variable")
		}
	case source.KindSocrata:
		if ds.Domain == "" {
			add(SeverityError, base+".domain", "required for socrata")
		}
		if ds.ResourceID == "" {
			add(SeverityError, base+".resource_id", "required for socrata")
		}
		if ds.Limit < 0 {
			add(SeverityError, base+".limit", "must be >= 0")
		}
	default:
		add(SeverityError, base+".kind", "unknown kind %q (want census or socrata)", ds.Kind)
	}

	switch transformer.CoerceMode(ds.Coerce) {
	case "", transformer.CoerceAll, transformer.CoerceInferred:
	default:
		add(SeverityError, base+".coerce", "unknown mode %q", ds.Coerce)
	}

	// Columns known to exist after Normalize: labels (or codes), excluded
	// identifiers and the year column added by history runs.
	known := map[string]bool{"year": true}
	exclude := ds.Exclude
	if exclude == nil {
		exclude = transformer.DefaultExclude
	}
	// The response carries these whatever variables are requested.
	reserved := map[string]bool{"year": true}
	for _, c := range exclude {
		known[c] = true
		reserved[c] = true
	}

	codes := map[string]bool{}
	labels := map[string]bool{}
	for i, v := range ds.Variables {
		p := fmt.Sprintf("%s.variables[%d]", base, i)
		if v.Code == "" {
			add(SeverityError, p+".code", "required")
			continue
		}
		if codes[v.Code] {
			add(SeverityError, p+".code", "duplicate code %q", v.Code)
		}
		codes[v.Code] = true

		col := v.Code
		if v.Label != "" {
			col = v.Label
		}
		if labels[col] {
			add(SeverityError, p+".label", "duplicate column %q", col)
		}
		if col != v.Code && reserved[col] {
			add(SeverityError, p+".label", "%q is already a response column", col)
		}
		labels[col] = true
		known[col] = true
	}

	for i, r := range ds.Derive {
		p := fmt.Sprintf("%s.derive[%d]", base, i)
		if r.Output == "" {
			add(SeverityError, p+".output", "required")
		} else if known[r.Output] {
			add(SeverityWarning, p+".output", "%q overwrites an existing column", r.Output)
		}
		if len(r.Numerator) == 0 {
			add(SeverityError, p+".numerator", "required")
		}
		switch transformer.RuleKind(r.Kind) {
		case "", transformer.KindRatio:
			if len(r.Denominator) == 0 {
				add(SeverityError, p+".denominator", "required for ratio rules")
			}
		case transformer.KindSum:
			if len(r.Denominator) > 0 {
				add(SeverityWarning, p+".denominator", "ignored for sum rules")
			}
		default:
			add(SeverityError, p+".kind", "unknown kind %q (want ratio or sum)", r.Kind)
		}
		if r.Precision != nil && *r.Precision < 0 {
			add(SeverityWarning, p+".precision", "negative precision disables rounding")
		}
		// Socrata columns are only known at fetch time.
		if ds.Kind == source.KindCensus {
			for _, col := range append(append([]string(nil), r.Numerator...), r.Denominator...) {
				if !known[col] {
					add(SeverityWarning, p, "references unknown column %q; rule will be skipped", col)
				}
			}
		}
		if r.Output != "" {
			known[r.Output] = true
		}
	}

	if ds.Kind == source.KindCensus {
		for i, col := range ds.Headline {
			if !known[col] {
				add(SeverityWarning, fmt.Sprintf("%s.headline[%d]", base, i), "unknown column %q", col)
			}
		}
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

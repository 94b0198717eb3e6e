package storage

import (
	"strings"
)

// NormalizeIdent converts a snapshot column or dataset name into a portable
// SQL identifier: lower case, [a-z0-9_] only, runs of other characters
// collapsed to one underscore, never starting with a digit.
//
// Examples: "cdc-covid" → "cdc_covid", "Median Age (years)" → "median_age_years",
// "2020 total" → "c_2020_total".
func NormalizeIdent(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	pendingSep := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(r)
		default:
			pendingSep = true
		}
	}
	out := b.String()
	if out == "" {
		return "col"
	}
	if out[0] >= '0' && out[0] <= '9' {
		return "c_" + out
	}
	return out
}

// NormalizeTableName applies NormalizeIdent to each part of a possibly
// schema-qualified name ("Staging.cdc-covid" → "staging.cdc_covid").
func NormalizeTableName(s string) string {
	parts := strings.Split(s, ".")
	for i, p := range parts {
		parts[i] = NormalizeIdent(p)
	}
	return strings.Join(parts, ".")
}

// SplitQualifiedName splits "schema.table". Names with no dot or more than
// one dot are treated as unqualified.
func SplitQualifiedName(name string) (schema string, table string) {
	name = strings.TrimSpace(name)
	parts := strings.Split(name, ".")
	if len(parts) != 2 {
		return "", name
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
}

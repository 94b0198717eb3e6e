// Package transformer turns decoded response batches into normalized tables
// and appends derived metric columns.
package transformer

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"opendata/internal/transformer/builtin"
)

// CoerceMode selects which columns Normalize converts to numbers.
type CoerceMode string

const (
	// CoerceAll converts every non-excluded column. Cells that do not parse
	// become missing. This is the Census behavior.
	CoerceAll CoerceMode = "all"

	// CoerceInferred converts a non-excluded column only when every non-empty
	// cell parses as a number; other columns stay text. Used for
	// self-describing object lists whose columns are mostly free text.
	CoerceInferred CoerceMode = "inferred"
)

// DefaultExclude lists the geographic identifier columns that are never
// converted to numbers.
var DefaultExclude = []string{"NAME", "state", "county", "place", "tract", "GEO_ID"}

// NullSentinels are Census annotation values that mean "no estimate".
var NullSentinels = []float64{
	-666666666,
	-999999999,
	-888888888,
	-555555555,
	-222222222,
	-333333333,
}

func isSentinel(f float64) bool {
	for _, s := range NullSentinels {
		if f == s {
			return true
		}
	}
	return false
}

// ToFloat converts a raw cell to a number.
//
// ok is false for nil, empty or non-numeric text, NaN/Inf, nested values and
// Census null sentinels. It never panics.
func ToFloat(v any) (f float64, ok bool) {
	switch t := v.(type) {
	case nil:
		return 0, false
	case float64:
		f = t
	case float32:
		f = float64(t)
	case int:
		f = float64(t)
	case int64:
		f = float64(t)
	case json.Number:
		p, err := strconv.ParseFloat(string(t), 64)
		if err != nil {
			return 0, false
		}
		f = p
	case string:
		s := t
		if builtin.HasEdgeSpace(s) {
			s = strings.TrimSpace(s)
		}
		if s == "" {
			return 0, false
		}
		p, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		f = p
	default:
		return 0, false
	}

	if math.IsNaN(f) || math.IsInf(f, 0) || isSentinel(f) {
		return 0, false
	}
	return f, true
}

// ToText converts a raw cell to its text form. nil and empty strings are missing.
// Nested objects and arrays are rendered as compact JSON.
func ToText(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		if builtin.HasEdgeSpace(t) {
			t = strings.TrimSpace(t)
		}
		if t == "" {
			return nil
		}
		return t
	case json.Number:
		return string(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return nil
		}
		return string(b)
	}
}

func coerceNumeric(v any) any {
	if f, ok := ToFloat(v); ok {
		return f
	}
	return nil
}

// numericColumn reports whether every non-empty cell of column ix parses.
// Sentinels count as numeric.
func numericColumn(rows [][]any, ix int) bool {
	seen := false
	for _, r := range rows {
		txt := ToText(r[ix])
		if txt == nil {
			continue
		}
		seen = true
		if _, err := strconv.ParseFloat(txt.(string), 64); err != nil {
			return false
		}
	}
	return seen
}

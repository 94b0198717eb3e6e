// Package builtin contains small reusable helpers shared by the transform and
// storage layers.
package builtin

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"opendata/internal/table"
)

// Hash computes a deterministic SHA-256 hash over selected columns of a table
// row. The hash is the dedupe key used when loading snapshots into a
// warehouse, so repeated loads of the same snapshot insert nothing new.
//
// Canonicalization rules:
//   - Columns are concatenated in the given order using Separator.
//   - Missing (nil) cells are encoded as a single NUL byte (0x00) so missing
//     differs from empty-string.
//   - float64 uses the shortest 'g' representation.
//   - Output is a lowercase hex string (length 64).
type Hash struct {
	// Columns is the ordered list of input columns. nil means every column
	// of the table in table order.
	Columns []string

	// IncludeFieldNames includes "column=value" in the canonical form.
	IncludeFieldNames bool

	// Separator between components. Empty defaults to ASCII Unit Separator (0x1f).
	Separator string

	// TrimSpace trims leading/trailing whitespace of string cells before hashing.
	TrimSpace bool
}

// Sum returns the hex hash of row i of t. Columns absent from t hash as missing.
func (h Hash) Sum(t *table.Table, i int) string {
	cols := h.Columns
	if cols == nil {
		cols = t.Columns
	}
	sep := h.Separator
	if sep == "" {
		sep = "\x1f"
	}

	var b strings.Builder
	b.Grow(len(cols) * 20)

	row := t.Rows[i]
	for n, c := range cols {
		if n > 0 {
			b.WriteString(sep)
		}
		if h.IncludeFieldNames {
			b.WriteString(c)
			b.WriteByte('=')
		}
		ix := t.Index(c)
		if ix < 0 {
			b.WriteByte('\x00')
			continue
		}
		appendCanonicalValue(&b, row[ix], h.TrimSpace)
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// Apply computes the hash of every row and stores it in column target,
// replacing an existing column of that name. The target column itself is
// never part of the hashed input.
func (h Hash) Apply(t *table.Table, target string) {
	if target == "" {
		return
	}
	hh := h
	if hh.Columns == nil {
		for _, c := range t.Columns {
			if c != target {
				hh.Columns = append(hh.Columns, c)
			}
		}
	}
	values := make([]any, t.Len())
	for i := range t.Rows {
		values[i] = hh.Sum(t, i)
	}
	_ = t.AddColumn(target, values)
}

func appendCanonicalValue(b *strings.Builder, v any, trimSpace bool) {
	switch t := v.(type) {
	case nil:
		b.WriteByte('\x00')

	case string:
		if trimSpace && HasEdgeSpace(t) {
			b.WriteString(strings.TrimSpace(t))
		} else {
			b.WriteString(t)
		}

	case bool:
		b.WriteString(strconv.FormatBool(t))

	case int:
		b.WriteString(strconv.Itoa(t))
	case int64:
		b.WriteString(strconv.FormatInt(t, 10))

	case float64:
		b.WriteString(strconv.FormatFloat(t, 'g', -1, 64))

	default:
		b.WriteString(fmt.Sprint(t))
	}
}

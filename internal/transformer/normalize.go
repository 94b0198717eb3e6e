package transformer

import (
	"fmt"
	"sort"

	"opendata/internal/table"
)

// ShapeError reports a header-row batch whose data row width differs from the
// header. It is fatal for the batch.
type ShapeError struct {
	Row  int // 1-based data row index (header excluded)
	Got  int
	Want int
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("transformer: row %d has %d cells, header has %d", e.Row, e.Got, e.Want)
}

// Constant is an extra column holding the same value in every row.
type Constant struct {
	Name  string
	Value any
}

// Options controls Normalize.
type Options struct {
	// Exclude names source columns kept as text. nil means DefaultExclude;
	// an empty non-nil slice excludes nothing.
	Exclude []string

	// Rename maps source column codes to labels (exact match).
	Rename map[string]string

	// Coerce defaults to CoerceAll.
	Coerce CoerceMode

	// Extra columns are appended after the source columns, in order.
	Extra []Constant
}

// Normalize converts a decoded batch into a rectangular table.
//
// Steps, in order:
//  1. Shape: header-row batches must be rectangular; object lists are
//     unioned (missing keys become nil).
//  2. Coercion on source names: excluded columns become text, the rest
//     become float64 or nil. Coercion never fails.
//  3. Rename. A label that already names another column is ignored and
//     the source code kept, so column names stay unique.
//  4. Extra constant columns.
//
// Column order for object lists is first appearance across records, visiting
// each record's keys in sorted order. Two batches holding the same records
// with differently ordered keys therefore produce identical tables.
//
// Errors:
//   - *ShapeError for a ragged header-row batch.
func Normalize(b table.RawBatch, opt Options) (*table.Table, error) {
	var (
		cols []string
		rows [][]any
	)

	if b.IsRecords() {
		cols, rows = unionRecords(b.Records)
	} else {
		cols = append([]string(nil), b.Header...)
		rows = make([][]any, 0, len(b.Rows))
		for i, r := range b.Rows {
			if len(r) != len(cols) {
				return nil, &ShapeError{Row: i + 1, Got: len(r), Want: len(cols)}
			}
			rows = append(rows, append([]any(nil), r...))
		}
	}

	exclude := opt.Exclude
	if exclude == nil {
		exclude = DefaultExclude
	}
	excluded := make(map[string]bool, len(exclude))
	for _, c := range exclude {
		excluded[c] = true
	}

	mode := opt.Coerce
	if mode == "" {
		mode = CoerceAll
	}

	for ix, c := range cols {
		numeric := !excluded[c]
		if numeric && mode == CoerceInferred {
			numeric = numericColumn(rows, ix)
		}
		for _, r := range rows {
			if numeric {
				r[ix] = coerceNumeric(r[ix])
			} else {
				r[ix] = ToText(r[ix])
			}
		}
	}

	taken := make(map[string]bool, len(cols))
	for _, c := range cols {
		taken[c] = true
	}
	for i, c := range cols {
		label := opt.Rename[c]
		if label == "" || label == c || taken[label] {
			continue
		}
		delete(taken, c)
		taken[label] = true
		cols[i] = label
	}

	t := &table.Table{Columns: cols, Rows: rows}
	if t.Rows == nil {
		t.Rows = [][]any{}
	}
	for _, x := range opt.Extra {
		t.SetConstant(x.Name, x.Value)
	}
	return t, nil
}

func unionRecords(recs []map[string]any) ([]string, [][]any) {
	var cols []string
	pos := make(map[string]int)

	keys := make([]string, 0, 16)
	for _, rec := range recs {
		keys = keys[:0]
		for k := range rec {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if _, ok := pos[k]; !ok {
				pos[k] = len(cols)
				cols = append(cols, k)
			}
		}
	}

	rows := make([][]any, len(recs))
	for i, rec := range recs {
		row := make([]any, len(cols))
		for k, v := range rec {
			row[pos[k]] = v
		}
		rows[i] = row
	}
	return cols, rows
}

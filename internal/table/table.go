// Package table holds the in-memory tabular shapes that move through the
// fetch pipeline.
//
// Cell values are one of:
//   - float64 for numeric cells
//   - string for text cells
//   - nil for the missing-value marker
//
// Any other type found in a Table is a bug in the producing stage.
package table

import (
	"fmt"
	"sort"
)

// RawBatch is a decoded response body before normalization.
//
// Exactly one of the two shapes is populated:
//   - Header + Rows for header-row responses (Census array-of-arrays)
//   - Records for self-describing object lists (Socrata)
type RawBatch struct {
	Header  []string
	Rows    [][]any
	Records []map[string]any
}

// IsRecords reports whether the batch uses the object-list shape.
func (b RawBatch) IsRecords() bool { return b.Header == nil && b.Records != nil }

// Len returns the number of data rows/records in the batch.
func (b RawBatch) Len() int {
	if b.IsRecords() {
		return len(b.Records)
	}
	return len(b.Rows)
}

// Table is a rectangular table: every row has len(Columns) cells in column order.
type Table struct {
	Columns []string
	Rows    [][]any
}

// New returns an empty table with the given columns.
func New(columns ...string) *Table {
	return &Table{Columns: append([]string(nil), columns...)}
}

// Len returns the number of rows.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Rows)
}

// Index returns the position of column name, or -1.
func (t *Table) Index(name string) int {
	for i, c := range t.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// Has reports whether column name exists.
func (t *Table) Has(name string) bool { return t.Index(name) >= 0 }

// Append adds a row. The row must match the column count.
func (t *Table) Append(row []any) error {
	if len(row) != len(t.Columns) {
		return fmt.Errorf("table: row has %d cells, want %d", len(row), len(t.Columns))
	}
	t.Rows = append(t.Rows, row)
	return nil
}

// Column returns the cells of column name, or nil when absent.
func (t *Table) Column(name string) []any {
	ix := t.Index(name)
	if ix < 0 {
		return nil
	}
	out := make([]any, len(t.Rows))
	for i, r := range t.Rows {
		out[i] = r[ix]
	}
	return out
}

// Float returns the numeric value at (row, column). ok is false for missing
// cells, text cells and absent columns.
func (t *Table) Float(row int, column string) (v float64, ok bool) {
	ix := t.Index(column)
	if ix < 0 || row < 0 || row >= len(t.Rows) {
		return 0, false
	}
	f, ok := t.Rows[row][ix].(float64)
	return f, ok
}

// AddColumn appends a column. values must have one entry per row.
// Adding an existing column replaces its values in place.
func (t *Table) AddColumn(name string, values []any) error {
	if len(values) != len(t.Rows) {
		return fmt.Errorf("table: column %q has %d values, want %d", name, len(values), len(t.Rows))
	}
	if ix := t.Index(name); ix >= 0 {
		for i := range t.Rows {
			t.Rows[i][ix] = values[i]
		}
		return nil
	}
	t.Columns = append(t.Columns, name)
	for i := range t.Rows {
		t.Rows[i] = append(t.Rows[i], values[i])
	}
	return nil
}

// SetConstant adds (or overwrites) a column holding v in every row.
func (t *Table) SetConstant(name string, v any) {
	values := make([]any, len(t.Rows))
	for i := range values {
		values[i] = v
	}
	_ = t.AddColumn(name, values)
}

// SortByNumeric stably sorts rows by a numeric column. Missing values sort last.
// It is a no-op when the column is absent.
func (t *Table) SortByNumeric(column string) {
	ix := t.Index(column)
	if ix < 0 {
		return
	}
	sort.SliceStable(t.Rows, func(i, j int) bool {
		a, aok := t.Rows[i][ix].(float64)
		b, bok := t.Rows[j][ix].(float64)
		switch {
		case aok && bok:
			return a < b
		case aok:
			return true
		default:
			return false
		}
	})
}

// Concat stacks tables vertically. The result's columns are the union of all
// input columns in first-seen order; cells a table lacks are missing (nil).
func Concat(parts ...*Table) *Table {
	out := &Table{}
	seen := make(map[string]int)
	for _, p := range parts {
		if p == nil {
			continue
		}
		for _, c := range p.Columns {
			if _, ok := seen[c]; !ok {
				seen[c] = len(out.Columns)
				out.Columns = append(out.Columns, c)
			}
		}
	}
	for _, p := range parts {
		if p == nil {
			continue
		}
		for _, r := range p.Rows {
			row := make([]any, len(out.Columns))
			for i, c := range p.Columns {
				row[seen[c]] = r[i]
			}
			out.Rows = append(out.Rows, row)
		}
	}
	return out
}

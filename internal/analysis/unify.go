package analysis

import (
	"slices"

	"opendata/internal/table"
)

// Field is a leading column holding the same value in every unified row.
type Field struct {
	Name  string
	Value any
}

// Part is one historical table and the columns it contributes.
type Part struct {
	Table   *table.Table
	Columns []string
}

// Unify joins parts on year into one wide table.
//
// Columns are lead, then year, then each part's columns in order. A column
// the part lacks, or one an earlier part already contributed, is dropped.
// Rows cover every year any part has, ascending; a year a part lacks leaves
// its cells missing. When a part holds several rows for one year the first
// wins. Parts without a year column are ignored.
func Unify(lead []Field, parts ...Part) *table.Table {
	type pick struct{ part, ix int }

	cols := make([]string, 0, len(lead)+1)
	taken := make(map[string]bool)
	for _, f := range lead {
		cols = append(cols, f.Name)
		taken[f.Name] = true
	}
	cols = append(cols, YearColumn)
	taken[YearColumn] = true

	var (
		picks  []pick
		byYear = make([]map[int][]any, len(parts))
		years  []int
	)
	for pi, p := range parts {
		if p.Table == nil || !p.Table.Has(YearColumn) {
			continue
		}
		byYear[pi] = make(map[int][]any)
		for i, r := range p.Table.Rows {
			y, ok := p.Table.Float(i, YearColumn)
			if !ok {
				continue
			}
			if _, dup := byYear[pi][int(y)]; dup {
				continue
			}
			byYear[pi][int(y)] = r
			if !slices.Contains(years, int(y)) {
				years = append(years, int(y))
			}
		}
		for _, c := range p.Columns {
			ix := p.Table.Index(c)
			if ix < 0 || taken[c] {
				continue
			}
			taken[c] = true
			cols = append(cols, c)
			picks = append(picks, pick{part: pi, ix: ix})
		}
	}
	slices.Sort(years)

	out := &table.Table{Columns: cols, Rows: make([][]any, 0, len(years))}
	for _, y := range years {
		row := make([]any, 0, len(cols))
		for _, f := range lead {
			row = append(row, f.Value)
		}
		row = append(row, float64(y))
		for _, pk := range picks {
			var v any
			if r, ok := byYear[pk.part][y]; ok {
				v = r[pk.ix]
			}
			row = append(row, v)
		}
		out.Rows = append(out.Rows, row)
	}
	return out
}

// Package analysis computes comparisons and trends over snapshot tables.
//
// Every function is a pure reader: tables are never modified, and missing
// cells are skipped rather than treated as zero.
package analysis

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/montanaflynn/stats"

	"opendata/internal/table"
)

// YearColumn is the column history snapshots carry the survey year in.
const YearColumn = "year"

// ErrNoValues is returned when a column has no usable values.
var ErrNoValues = errors.New("analysis: no values")

// MetricPair names the same measure in two tables. Right defaults to Left.
type MetricPair struct {
	Label string
	Left  string
	Right string
}

// Comparison is one compared metric.
type Comparison struct {
	Label string
	Left  float64
	Right float64
	Diff  float64

	// PctDiff is Diff relative to Right, in percent. nil when Right is zero.
	PctDiff *float64
}

// Compare compares the first row of left against the first row of right for
// each metric. Metrics missing a value on either side are skipped and
// reported by label.
func Compare(left, right *table.Table, metrics []MetricPair) (out []Comparison, skipped []string) {
	for _, m := range metrics {
		rcol := m.Right
		if rcol == "" {
			rcol = m.Left
		}
		label := m.Label
		if label == "" {
			label = m.Left
		}

		l, lok := left.Float(0, m.Left)
		r, rok := right.Float(0, rcol)
		if !lok || !rok {
			skipped = append(skipped, label)
			continue
		}
		c := Comparison{Label: label, Left: l, Right: r, Diff: l - r}
		c.PctDiff = pct(c.Diff, r)
		out = append(out, c)
	}
	return out, skipped
}

// Point is one year of a series.
type Point struct {
	Year  int
	Value *float64

	// Delta and Pct are relative to the previous year's row. Both are nil for
	// the first row or when either value is missing; Pct is also nil when the
	// previous value is zero.
	Delta *float64
	Pct   *float64
}

// YoY is a year-over-year series.
type YoY struct {
	Column string
	Points []Point

	// MeanDelta and MeanPct average the non-missing deltas. nil when there
	// are none.
	MeanDelta *float64
	MeanPct   *float64
}

// YearOverYear builds the year-over-year series of column, ordered by year.
// Rows without a numeric year are ignored.
func YearOverYear(t *table.Table, column string) (YoY, error) {
	series, err := yearSeries(t, column)
	if err != nil {
		return YoY{}, err
	}

	out := YoY{Column: column, Points: make([]Point, len(series))}
	var deltas, pcts stats.Float64Data
	for i, p := range series {
		out.Points[i] = Point{Year: p.year, Value: p.value}
		if i == 0 || p.value == nil || series[i-1].value == nil {
			continue
		}
		prev := *series[i-1].value
		d := *p.value - prev
		out.Points[i].Delta = &d
		deltas = append(deltas, d)
		if pc := pct(d, prev); pc != nil {
			out.Points[i].Pct = pc
			pcts = append(pcts, *pc)
		}
	}
	out.MeanDelta = mean(deltas)
	out.MeanPct = mean(pcts)
	return out, nil
}

// TrendSummary is the change between the first and last years with a value.
type TrendSummary struct {
	Column    string
	FirstYear int
	First     float64
	LastYear  int
	Last      float64
	Change    float64

	// PctChange is Change relative to First, in percent. nil when First is zero.
	PctChange *float64

	// Years counts rows with a value.
	Years  int
	Median float64
}

// Trend summarizes column across years. It returns ErrNoValues when no row
// has both a year and a value.
func Trend(t *table.Table, column string) (TrendSummary, error) {
	series, err := yearSeries(t, column)
	if err != nil {
		return TrendSummary{}, err
	}

	var (
		out    = TrendSummary{Column: column}
		values stats.Float64Data
	)
	for _, p := range series {
		if p.value == nil {
			continue
		}
		if len(values) == 0 {
			out.FirstYear, out.First = p.year, *p.value
		}
		out.LastYear, out.Last = p.year, *p.value
		values = append(values, *p.value)
	}
	if len(values) == 0 {
		return TrendSummary{}, fmt.Errorf("%w: column %q", ErrNoValues, column)
	}

	out.Years = len(values)
	out.Change = out.Last - out.First
	out.PctChange = pct(out.Change, out.First)
	if m, err := stats.Median(values); err == nil {
		out.Median = m
	}
	return out, nil
}

type yearValue struct {
	year  int
	value *float64
}

func yearSeries(t *table.Table, column string) ([]yearValue, error) {
	if t == nil || !t.Has(YearColumn) {
		return nil, fmt.Errorf("analysis: table has no %q column", YearColumn)
	}
	if !t.Has(column) {
		return nil, fmt.Errorf("analysis: table has no %q column", column)
	}

	var out []yearValue
	for i := range t.Rows {
		y, ok := t.Float(i, YearColumn)
		if !ok {
			continue
		}
		p := yearValue{year: int(y)}
		if v, ok := t.Float(i, column); ok {
			p.value = &v
		}
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].year < out[j].year })
	return out, nil
}

// NumericColumns lists the columns of the first table, other than year, that
// hold at least one number in every table.
func NumericColumns(tables ...*table.Table) []string {
	if len(tables) == 0 || tables[0] == nil {
		return nil
	}
	var out []string
	for _, c := range tables[0].Columns {
		if c == YearColumn {
			continue
		}
		numeric := true
		for _, t := range tables {
			if hasNumber(t, c) {
				continue
			}
			numeric = false
			break
		}
		if numeric {
			out = append(out, c)
		}
	}
	return out
}

func hasNumber(t *table.Table, column string) bool {
	if t == nil {
		return false
	}
	for i := range t.Rows {
		if _, ok := t.Float(i, column); ok {
			return true
		}
	}
	return false
}

func pct(diff, base float64) *float64 {
	if base == 0 {
		return nil
	}
	p := diff * 100 / math.Abs(base)
	return &p
}

func mean(d stats.Float64Data) *float64 {
	m, err := stats.Mean(d)
	if err != nil {
		return nil
	}
	return &m
}

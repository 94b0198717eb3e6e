package analysis

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"opendata/internal/table"
)

func f(v float64) *float64 { return &v }

func history(t *testing.T, rows ...[]any) *table.Table {
	t.Helper()
	tb := table.New("NAME", "income", "year")
	for _, r := range rows {
		if err := tb.Append(r); err != nil {
			t.Fatal(err)
		}
	}
	return tb
}

func TestCompare(t *testing.T) {
	t.Parallel()

	county := table.New("NAME", "income", "rate", "zero")
	_ = county.Append([]any{"Scott County", 66000.0, nil, 1.0})
	state := table.New("NAME", "median_income", "rate", "zero")
	_ = state.Append([]any{"Iowa", 60000.0, 11.0, 0.0})

	got, skipped := Compare(county, state, []MetricPair{
		{Label: "Median income", Left: "income", Right: "median_income"},
		{Left: "rate"},
		{Left: "zero"},
		{Left: "absent"},
	})

	want := []Comparison{
		{Label: "Median income", Left: 66000, Right: 60000, Diff: 6000, PctDiff: f(10)},
		{Label: "zero", Left: 1, Right: 0, Diff: 1},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Compare mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"rate", "absent"}, skipped); diff != "" {
		t.Fatalf("skipped mismatch (-want +got):\n%s", diff)
	}
}

func TestYearOverYear(t *testing.T) {
	t.Parallel()

	tb := history(t,
		[]any{"Scott", 110.0, 2011.0},
		[]any{"Scott", 100.0, 2010.0},
		[]any{"Scott", nil, 2012.0},
		[]any{"Scott", 121.0, 2013.0},
		[]any{"Scott", 99.0, nil},
	)

	got, err := YearOverYear(tb, "income")
	if err != nil {
		t.Fatalf("YearOverYear: %v", err)
	}

	want := YoY{
		Column: "income",
		Points: []Point{
			{Year: 2010, Value: f(100)},
			{Year: 2011, Value: f(110), Delta: f(10), Pct: f(10)},
			{Year: 2012},
			{Year: 2013, Value: f(121)},
		},
		MeanDelta: f(10),
		MeanPct:   f(10),
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("YearOverYear mismatch (-want +got):\n%s", diff)
	}
}

func TestYearOverYear_NoDeltas(t *testing.T) {
	t.Parallel()

	got, err := YearOverYear(history(t, []any{"Scott", 1.0, 2010.0}), "income")
	if err != nil {
		t.Fatal(err)
	}
	if got.MeanDelta != nil || got.MeanPct != nil {
		t.Fatalf("expected nil means, got %+v", got)
	}

	if _, err := YearOverYear(table.New("income"), "income"); err == nil {
		t.Fatalf("expected error without year column")
	}
	if _, err := YearOverYear(history(t), "ghost"); err == nil {
		t.Fatalf("expected error for unknown column")
	}
}

func TestTrend(t *testing.T) {
	t.Parallel()

	tb := history(t,
		[]any{"Scott", nil, 2009.0},
		[]any{"Scott", 50000.0, 2010.0},
		[]any{"Scott", 55000.0, 2011.0},
		[]any{"Scott", 60000.0, 2012.0},
	)
	got, err := Trend(tb, "income")
	if err != nil {
		t.Fatalf("Trend: %v", err)
	}
	want := TrendSummary{
		Column:    "income",
		FirstYear: 2010,
		First:     50000,
		LastYear:  2012,
		Last:      60000,
		Change:    10000,
		PctChange: f(20),
		Years:     3,
		Median:    55000,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Trend mismatch (-want +got):\n%s", diff)
	}

	empty := history(t, []any{"Scott", nil, 2009.0})
	if _, err := Trend(empty, "income"); !errors.Is(err, ErrNoValues) {
		t.Fatalf("expected ErrNoValues, got %v", err)
	}
}

func TestNumericColumns(t *testing.T) {
	t.Parallel()

	a := table.New("NAME", "income", "rate", "year")
	_ = a.Append([]any{"x", 1.0, 2.0, 2020.0})
	b := table.New("rate", "income")
	_ = b.Append([]any{nil, 3.0})

	if diff := cmp.Diff([]string{"income"}, NumericColumns(a, b)); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
	if NumericColumns() != nil {
		t.Fatalf("expected nil for no tables")
	}
}

func TestUnify(t *testing.T) {
	t.Parallel()

	income := table.New("NAME", "year", "median_household_income", "poverty_rate_pct")
	_ = income.Append([]any{"Scott County, Iowa", 2020.0, 63000.0, 11.0})
	_ = income.Append([]any{"Scott County, Iowa", 2019.0, 60000.0, nil})
	_ = income.Append([]any{"Scott County, Iowa", 2019.0, 1.0, 1.0})

	housing := table.New("year", "median_home_value", "median_household_income")
	_ = housing.Append([]any{2021.0, 190000.0, 99.0})
	_ = housing.Append([]any{2020.0, 180000.0, 99.0})

	noYear := table.New("NAME", "x")
	_ = noYear.Append([]any{"a", 1.0})

	got := Unify(
		[]Field{{Name: "geography", Value: "scott"}, {Name: "state", Value: "19"}},
		Part{Table: income, Columns: []string{"median_household_income", "poverty_rate_pct", "absent"}},
		Part{Table: housing, Columns: []string{"median_home_value", "median_household_income"}},
		Part{Table: noYear, Columns: []string{"x"}},
	)

	want := &table.Table{
		Columns: []string{"geography", "state", "year", "median_household_income", "poverty_rate_pct", "median_home_value"},
		Rows: [][]any{
			{"scott", "19", 2019.0, 60000.0, nil, nil},
			{"scott", "19", 2020.0, 63000.0, 11.0, 180000.0},
			{"scott", "19", 2021.0, nil, nil, 190000.0},
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Unify (-want +got):\n%s", diff)
	}
}

func TestUnify_NoParts(t *testing.T) {
	t.Parallel()

	got := Unify(nil)
	if diff := cmp.Diff([]string{"year"}, got.Columns); diff != "" || got.Len() != 0 {
		t.Fatalf("columns diff=%s rows=%d", diff, got.Len())
	}
}

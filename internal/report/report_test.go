package report

import (
	"errors"
	"strings"
	"testing"

	"opendata/internal/analysis"
)

func f(v float64) *float64 { return &v }

func TestNumber(t *testing.T) {
	t.Parallel()

	w := New(&strings.Builder{})
	tests := []struct {
		in   float64
		want string
		sign string
	}{
		{66000, "66,000", "+66,000"},
		{12.346, "12.35", "+12.35"},
		{-1234.5, "-1,234.50", "-1,234.50"},
		{0, "0", "0"},
	}
	for _, tt := range tests {
		if got := w.Number(tt.in); got != tt.want {
			t.Errorf("Number(%v)=%q want %q", tt.in, got, tt.want)
		}
		if got := w.Signed(tt.in); got != tt.sign {
			t.Errorf("Signed(%v)=%q want %q", tt.in, got, tt.sign)
		}
	}
}

func TestComparison(t *testing.T) {
	t.Parallel()

	var b strings.Builder
	w := New(&b)
	w.Title("income: scott vs iowa")
	w.Comparison("scott", "iowa", []analysis.Comparison{
		{Label: "median_household_income", Left: 66000, Right: 60000, Diff: 6000, PctDiff: f(10)},
		{Label: "zero", Left: 1, Right: 0, Diff: 1},
	}, []string{"poverty_rate_pct"})
	if err := w.Err(); err != nil {
		t.Fatal(err)
	}

	out := b.String()
	for _, want := range []string{
		"income: scott vs iowa\n=====================\n",
		"median_household_income  66,000  60,000  +6,000  +10%",
		"zero                     1       0       +1      -",
		"skipped (missing values): poverty_rate_pct",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}

func TestYoYAndTrends(t *testing.T) {
	t.Parallel()

	var b strings.Builder
	w := New(&b)
	w.YoY(analysis.YoY{
		Column: "income",
		Points: []analysis.Point{
			{Year: 2010, Value: f(50000)},
			{Year: 2011, Value: f(55000), Delta: f(5000), Pct: f(10)},
			{Year: 2012},
		},
		MeanDelta: f(5000),
		MeanPct:   f(10),
	})
	w.Trends([]analysis.TrendSummary{{
		Column: "income", FirstYear: 2010, First: 50000, LastYear: 2011, Last: 55000,
		Change: 5000, PctChange: f(10), Years: 2, Median: 52500,
	}})

	out := b.String()
	for _, want := range []string{
		"2011  55,000  +5,000  +10%",
		"2012  -       -       -",
		"average change: +5,000 per year (+10%)",
		"income  2010: 50,000  2011: 55,000  +5,000  +10%",
		"52,500",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}

type failWriter struct{}

func (failWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestWriter_KeepsFirstError(t *testing.T) {
	t.Parallel()

	w := New(failWriter{})
	w.Title("x")
	w.Trends(nil)
	if w.Err() == nil || w.Err().Error() != "disk full" {
		t.Fatalf("Err=%v", w.Err())
	}
}

func TestSection(t *testing.T) {
	t.Parallel()

	var b strings.Builder
	w := New(&b)
	w.Section("A")
	w.Section("BB")
	if got, want := b.String(), "A\n=\n\nBB\n==\n"; got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

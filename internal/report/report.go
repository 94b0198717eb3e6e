// Package report renders analysis results as aligned plain-text tables with
// English digit grouping ("66,000", "12.35").
package report

import (
	"fmt"
	"io"
	"math"
	"strings"
	"text/tabwriter"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"opendata/internal/analysis"
)

const missing = "-"

// Writer renders reports to an io.Writer. The first write error is kept and
// returned by Err; later writes are skipped.
type Writer struct {
	out      io.Writer
	p        *message.Printer
	err      error
	sections int
}

// New returns a Writer for out.
func New(out io.Writer) *Writer {
	return &Writer{out: out, p: message.NewPrinter(language.English)}
}

// Err returns the first write error.
func (w *Writer) Err() error { return w.err }

// Number formats v with digit grouping. Whole numbers have no decimals,
// everything else two.
func (w *Writer) Number(v float64) string {
	if v == math.Trunc(v) && math.Abs(v) < 1e15 {
		return w.p.Sprintf("%.0f", v)
	}
	return w.p.Sprintf("%.2f", v)
}

// Signed is Number with an explicit sign for non-zero values.
func (w *Writer) Signed(v float64) string {
	if v > 0 {
		return "+" + w.Number(v)
	}
	return w.Number(v)
}

func (w *Writer) optSigned(v *float64, suffix string) string {
	if v == nil {
		return missing
	}
	return w.Signed(*v) + suffix
}

func (w *Writer) opt(v *float64) string {
	if v == nil {
		return missing
	}
	return w.Number(*v)
}

// Title writes a heading underlined with '='.
func (w *Writer) Title(s string) {
	w.printf("%s\n%s\n", s, strings.Repeat("=", len(s)))
}

// Section writes a Title, separated from the previous section by a blank
// line.
func (w *Writer) Section(s string) {
	if w.sections > 0 {
		w.Blank()
	}
	w.sections++
	w.Title(s)
}

// Comparison writes one line per compared metric and lists skipped metrics.
func (w *Writer) Comparison(leftName, rightName string, cs []analysis.Comparison, skipped []string) {
	tw := w.table()
	fmt.Fprintf(tw, "metric\t%s\t%s\tdiff\tdiff %%\n", leftName, rightName)
	for _, c := range cs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", c.Label, w.Number(c.Left), w.Number(c.Right), w.Signed(c.Diff), w.optSigned(c.PctDiff, "%"))
	}
	w.flush(tw)
	if len(skipped) > 0 {
		w.printf("skipped (missing values): %s\n", strings.Join(skipped, ", "))
	}
}

// YoY writes the year-over-year table followed by the averages.
func (w *Writer) YoY(y analysis.YoY) {
	tw := w.table()
	fmt.Fprintf(tw, "year\t%s\tchange\tchange %%\n", y.Column)
	for _, p := range y.Points {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", p.Year, w.opt(p.Value), w.optSigned(p.Delta, ""), w.optSigned(p.Pct, "%"))
	}
	w.flush(tw)
	w.printf("average change: %s per year (%s)\n", w.optSigned(y.MeanDelta, ""), w.optSigned(y.MeanPct, "%"))
}

// Trends writes one line per summarized column.
func (w *Writer) Trends(ts []analysis.TrendSummary) {
	tw := w.table()
	fmt.Fprintf(tw, "metric\tfrom\tto\tchange\tchange %%\tmedian\tyears\n")
	for _, t := range ts {
		fmt.Fprintf(tw, "%s\t%d: %s\t%d: %s\t%s\t%s\t%s\t%d\n",
			t.Column,
			t.FirstYear, w.Number(t.First),
			t.LastYear, w.Number(t.Last),
			w.Signed(t.Change), w.optSigned(t.PctChange, "%"),
			w.Number(t.Median), t.Years,
		)
	}
	w.flush(tw)
}

// Blank writes an empty line.
func (w *Writer) Blank() { w.printf("\n") }

func (w *Writer) table() *tabwriter.Writer {
	return tabwriter.NewWriter(&errWriter{w: w}, 0, 0, 2, ' ', 0)
}

func (w *Writer) flush(tw *tabwriter.Writer) {
	if err := tw.Flush(); err != nil && w.err == nil {
		w.err = err
	}
}

func (w *Writer) printf(format string, args ...any) {
	if w.err != nil {
		return
	}
	_, w.err = fmt.Fprintf(w.out, format, args...)
}

// errWriter routes tabwriter output through Writer's error tracking.
type errWriter struct{ w *Writer }

func (e *errWriter) Write(b []byte) (int, error) {
	if e.w.err != nil {
		return 0, e.w.err
	}
	n, err := e.w.out.Write(b)
	if err != nil {
		e.w.err = err
	}
	return n, err
}

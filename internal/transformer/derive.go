package transformer

import (
	"math"

	"opendata/internal/table"
)

// RuleKind selects how a derivation rule combines its inputs.
type RuleKind string

const (
	// KindRatio computes sum(numerator) / sum(denominator) * scale.
	KindRatio RuleKind = "ratio"
	// KindSum computes sum(numerator) * scale. Denominator is ignored.
	KindSum RuleKind = "sum"
)

// Rule describes one derived metric column.
type Rule struct {
	Output      string
	Kind        RuleKind // "" means KindRatio
	Numerator   []string
	Denominator []string
	Scale       float64 // 0 means 1
	Precision   int     // decimal places; negative disables rounding
}

// DeriveReport lists the outputs that were written and the rules skipped
// because a referenced column was absent.
type DeriveReport struct {
	Applied []string
	Skipped []string
}

// Derive appends one column per applicable rule, in rule order. A later rule
// may reference the output of an earlier one.
//
// Edge cases:
//   - Any referenced column missing from t: the rule is skipped, no column.
//   - Missing numerator cell: output is nil.
//   - Ratio with a missing or zero denominator: output is nil; no division.
//   - Rounding is applied after scaling, half away from zero.
func Derive(t *table.Table, rules []Rule) DeriveReport {
	var rep DeriveReport
	for _, r := range rules {
		if !hasAll(t, r.Numerator) || (r.kind() == KindRatio && (len(r.Denominator) == 0 || !hasAll(t, r.Denominator))) || len(r.Numerator) == 0 {
			rep.Skipped = append(rep.Skipped, r.Output)
			continue
		}

		values := make([]any, t.Len())
		for i := range t.Rows {
			values[i] = r.eval(t, i)
		}
		_ = t.AddColumn(r.Output, values)
		rep.Applied = append(rep.Applied, r.Output)
	}
	return rep
}

func (r Rule) kind() RuleKind {
	if r.Kind == "" {
		return KindRatio
	}
	return r.Kind
}

func (r Rule) eval(t *table.Table, row int) any {
	num, ok := sumColumns(t, row, r.Numerator)
	if !ok {
		return nil
	}
	v := num
	if r.kind() == KindRatio {
		den, ok := sumColumns(t, row, r.Denominator)
		if !ok || den == 0 {
			return nil
		}
		v = num / den
	}

	scale := r.Scale
	if scale == 0 {
		scale = 1
	}
	v *= scale
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	if r.Precision >= 0 {
		v = Round(v, r.Precision)
	}
	return v
}

// Round rounds v to precision decimal places, half away from zero.
func Round(v float64, precision int) float64 {
	p := math.Pow(10, float64(precision))
	return math.Round(v*p) / p
}

func sumColumns(t *table.Table, row int, cols []string) (float64, bool) {
	var sum float64
	for _, c := range cols {
		f, ok := t.Float(row, c)
		if !ok {
			return 0, false
		}
		sum += f
	}
	return sum, true
}

func hasAll(t *table.Table, cols []string) bool {
	for _, c := range cols {
		if !t.Has(c) {
			return false
		}
	}
	return true
}

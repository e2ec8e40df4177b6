// Package features derives calendar regressors from a date column for the
// tabular model strategies. Date-indexed strategies receive the same dates
// untouched; the feature transform is identical either way so the
// calibration stage compares models on outputs alone.
package features

import (
	"fmt"
	"time"
)

// Set is a dense feature table: one row per input date, columns in a fixed
// deterministic order.
type Set struct {
	Columns []string
	Rows    [][]float64
}

// Numeric calendar components kept at weekly grain. Sub-day components
// (hour, minute, second, AM/PM) and duplicate ISO-week encodings are
// degenerate for a Monday-aligned weekly series and are never emitted.
var numericColumns = []string{"year", "quarter", "month", "week_of_year", "day_of_year"}

// Build computes the calendar feature set for the given dates. One-hot
// groups (month, quarter) retain one indicator per level observed in the
// TRAINING dates passed to NewEncoder; tree models consume exact category
// membership, so no reference level is dropped.
type Encoder struct {
	monthLevels   []int
	quarterLevels []int
}

// NewEncoder fixes the one-hot category levels from the training date
// column. Prediction-time dates are encoded against the same levels so
// column sets line up between fit and predict.
func NewEncoder(train []time.Time) *Encoder {
	seenM := make(map[int]bool)
	seenQ := make(map[int]bool)
	for _, d := range train {
		seenM[int(d.Month())] = true
		seenQ[quarterOf(d)] = true
	}
	e := &Encoder{}
	for m := 1; m <= 12; m++ {
		if seenM[m] {
			e.monthLevels = append(e.monthLevels, m)
		}
	}
	for q := 1; q <= 4; q++ {
		if seenQ[q] {
			e.quarterLevels = append(e.quarterLevels, q)
		}
	}
	return e
}

// Build encodes dates into the fixed column layout.
func (e *Encoder) Build(dates []time.Time) *Set {
	cols := make([]string, 0, len(numericColumns)+len(e.monthLevels)+len(e.quarterLevels))
	cols = append(cols, numericColumns...)
	for _, m := range e.monthLevels {
		cols = append(cols, fmt.Sprintf("month_lbl_%s", time.Month(m).String()))
	}
	for _, q := range e.quarterLevels {
		cols = append(cols, fmt.Sprintf("quarter_lbl_Q%d", q))
	}

	rows := make([][]float64, len(dates))
	for i, d := range dates {
		row := make([]float64, 0, len(cols))
		_, isoWeek := d.ISOWeek()
		row = append(row,
			float64(d.Year()),
			float64(quarterOf(d)),
			float64(d.Month()),
			float64(isoWeek),
			float64(d.YearDay()),
		)
		for _, m := range e.monthLevels {
			if int(d.Month()) == m {
				row = append(row, 1)
			} else {
				row = append(row, 0)
			}
		}
		for _, q := range e.quarterLevels {
			if quarterOf(d) == q {
				row = append(row, 1)
			} else {
				row = append(row, 0)
			}
		}
		rows[i] = row
	}
	return &Set{Columns: cols, Rows: rows}
}

func quarterOf(d time.Time) int {
	return (int(d.Month())-1)/3 + 1
}

// Column returns the values of a named column, or nil if absent.
func (s *Set) Column(name string) []float64 {
	for j, c := range s.Columns {
		if c == name {
			out := make([]float64, len(s.Rows))
			for i, r := range s.Rows {
				out[i] = r[j]
			}
			return out
		}
	}
	return nil
}

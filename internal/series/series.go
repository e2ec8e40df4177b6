// Package series defines the weekly fare-count data model consumed by the
// forecasting pipeline. A WeeklySeries is produced once by the ingestion
// boundary and treated as immutable by every downstream stage.
package series

import (
	"fmt"
	"sort"
	"time"
)

// Week is one observation: the Monday-aligned start of an ISO week and the
// total fare swipes recorded in that week.
type Week struct {
	WeekStart  time.Time `json:"week_start"`
	TotalFares float64   `json:"total_fares"`
}

// WeeklySeries is an ordered sequence of weekly observations with strictly
// increasing unique week starts and non-negative values.
type WeeklySeries []Week

// Validate checks the WeeklySeries invariants: chronological strictly
// increasing week starts, non-negative values, and no gap wider than one
// week between consecutive observations.
func (ws WeeklySeries) Validate() error {
	for i, w := range ws {
		if w.TotalFares < 0 {
			return fmt.Errorf("week %s: negative fare count %.0f", w.WeekStart.Format("2006-01-02"), w.TotalFares)
		}
		if i == 0 {
			continue
		}
		gap := w.WeekStart.Sub(ws[i-1].WeekStart)
		if gap <= 0 {
			return fmt.Errorf("week %s: out of order or duplicate week start", w.WeekStart.Format("2006-01-02"))
		}
		if gap > 7*24*time.Hour {
			return fmt.Errorf("week %s: gap of %.0f days from previous week", w.WeekStart.Format("2006-01-02"), gap.Hours()/24)
		}
	}
	return nil
}

// Dates returns the week-start column.
func (ws WeeklySeries) Dates() []time.Time {
	out := make([]time.Time, len(ws))
	for i, w := range ws {
		out[i] = w.WeekStart
	}
	return out
}

// Values returns the fare-count column.
func (ws WeeklySeries) Values() []float64 {
	out := make([]float64, len(ws))
	for i, w := range ws {
		out[i] = w.TotalFares
	}
	return out
}

// Sorted returns a chronologically sorted copy. The receiver is not
// modified; downstream stages rely on WeeklySeries immutability.
func (ws WeeklySeries) Sorted() WeeklySeries {
	out := make(WeeklySeries, len(ws))
	copy(out, ws)
	sort.Slice(out, func(i, j int) bool { return out[i].WeekStart.Before(out[j].WeekStart) })
	return out
}

// Resample fills single-week gaps by carrying the midpoint of the two
// neighboring observations, so a validated series satisfies the
// no-gap-larger-than-one-week invariant. Wider gaps are left for Validate
// to reject.
func Resample(ws WeeklySeries) WeeklySeries {
	if len(ws) < 2 {
		return ws.Sorted()
	}
	src := ws.Sorted()
	out := make(WeeklySeries, 0, len(src))
	out = append(out, src[0])
	for i := 1; i < len(src); i++ {
		prev := out[len(out)-1]
		gap := int(src[i].WeekStart.Sub(prev.WeekStart).Hours() / 24 / 7)
		if gap == 2 {
			mid := prev.WeekStart.AddDate(0, 0, 7)
			out = append(out, Week{WeekStart: mid, TotalFares: (prev.TotalFares + src[i].TotalFares) / 2})
		}
		out = append(out, src[i])
	}
	return out
}

// AggregateWeekly sums arbitrary dated records (per station, per fare type)
// into one total per ISO week. Dates are truncated to the Monday of their
// ISO week in UTC.
func AggregateWeekly(dates []time.Time, counts []float64) (WeeklySeries, error) {
	if len(dates) != len(counts) {
		return nil, fmt.Errorf("dates and counts length mismatch: %d vs %d", len(dates), len(counts))
	}
	totals := make(map[time.Time]float64)
	for i, d := range dates {
		totals[WeekStartOf(d)] += counts[i]
	}
	out := make(WeeklySeries, 0, len(totals))
	for ws, v := range totals {
		out = append(out, Week{WeekStart: ws, TotalFares: v})
	}
	return out.Sorted(), nil
}

// WeekStartOf truncates a date to the Monday of its ISO week, at midnight UTC.
func WeekStartOf(d time.Time) time.Time {
	d = d.UTC()
	day := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
	offset := (int(day.Weekday()) + 6) % 7 // Monday = 0
	return day.AddDate(0, 0, -offset)
}

// Restrict returns the sub-series with week starts in [from, to). A zero
// `to` means no upper bound.
func (ws WeeklySeries) Restrict(from, to time.Time) WeeklySeries {
	out := make(WeeklySeries, 0, len(ws))
	for _, w := range ws {
		if w.WeekStart.Before(from) {
			continue
		}
		if !to.IsZero() && !w.WeekStart.Before(to) {
			continue
		}
		out = append(out, w)
	}
	return out
}

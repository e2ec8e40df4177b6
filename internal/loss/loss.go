// Package loss converts the counterfactual-vs-actual forecast gap into a
// cumulative monetary loss series with propagated uncertainty bands.
package loss

import (
	"fmt"
	"time"

	"github.com/transit-lab/farecast/internal/model"
	"github.com/transit-lab/farecast/internal/series"
)

// DefaultFarePrice is the per-swipe fare used by the study. A policy
// constant, passed in explicitly rather than read from ambient state.
const DefaultFarePrice = 2.00

// Record is one test-period week of the loss fold. FareGap is the revenue
// the counterfactual would have earned minus what was actually earned;
// positive means lost revenue. The Lo band pairs with the forecast's lower
// bound and the Hi band with its upper bound, so Lo <= FareGap <= Hi
// whenever the forecast interval brackets its point estimate.
type Record struct {
	Date             time.Time `json:"date"`
	Actual           float64   `json:"actual"`
	Forecast         float64   `json:"forecast"`
	ForecastLo       float64   `json:"forecast_lo"`
	ForecastHi       float64   `json:"forecast_hi"`
	FareGap          float64   `json:"fare_gap"`
	FareGapLo        float64   `json:"fare_gap_lo"`
	FareGapHi        float64   `json:"fare_gap_hi"`
	CumulativeLoss   float64   `json:"cumulative_loss"`
	CumulativeLossLo float64   `json:"cumulative_loss_lo"`
	CumulativeLossHi float64   `json:"cumulative_loss_hi"`
}

// Estimate folds the counterfactual forecast against the actual test-period
// series at the given fare price. The fold is order-dependent, so both
// inputs are aligned and sorted chronologically before the running sums.
// Negative weekly gaps are carried as-is, never floored.
func Estimate(forecast model.Forecast, actual series.WeeklySeries, farePrice float64) ([]Record, error) {
	if farePrice <= 0 {
		return nil, fmt.Errorf("fare price must be positive, got %.2f", farePrice)
	}

	byDate := make(map[time.Time]model.Point, len(forecast))
	for _, p := range forecast {
		byDate[p.Date.UTC()] = p
	}

	sorted := actual.Sorted()
	out := make([]Record, 0, len(sorted))
	var cum, cumLo, cumHi float64
	for _, w := range sorted {
		p, ok := byDate[w.WeekStart.UTC()]
		if !ok {
			return nil, fmt.Errorf("no forecast for test week %s", w.WeekStart.Format("2006-01-02"))
		}

		gap := (p.Value - w.TotalFares) * farePrice
		gapLo := (p.Lower - w.TotalFares) * farePrice
		gapHi := (p.Upper - w.TotalFares) * farePrice

		cum += gap
		cumLo += gapLo
		cumHi += gapHi

		out = append(out, Record{
			Date:             w.WeekStart,
			Actual:           w.TotalFares,
			Forecast:         p.Value,
			ForecastLo:       p.Lower,
			ForecastHi:       p.Upper,
			FareGap:          gap,
			FareGapLo:        gapLo,
			FareGapHi:        gapHi,
			CumulativeLoss:   cum,
			CumulativeLossLo: cumLo,
			CumulativeLossHi: cumHi,
		})
	}

	return out, nil
}

// Headline returns the final cumulative loss and its band, the scalar the
// presentation layer leads with. Zeroes for an empty fold.
func Headline(records []Record) (loss, lo, hi float64) {
	if len(records) == 0 {
		return 0, 0, 0
	}
	last := records[len(records)-1]
	return last.CumulativeLoss, last.CumulativeLossLo, last.CumulativeLossHi
}

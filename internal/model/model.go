// Package model implements the forecaster ensemble: five heterogeneous
// strategies behind one fit/predict interface so the calibration stage can
// compare them on their output forecasts alone, never on model internals.
package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/transit-lab/farecast/internal/series"
)

// ErrFitFailure wraps a model-specific convergence failure. Recoverable at
// the ensemble level: the failed model is excluded from the ranking and the
// remaining strategies continue.
var ErrFitFailure = errors.New("model fit failed")

// ErrNotFitted is returned by Predict on an unfitted forecaster.
var ErrNotFitted = errors.New("model not fitted")

// Point is one forecast row. Lower and Upper are the model's native
// interval bounds; strategies without a native interval mechanism leave
// them equal to Value and report HasIntervals() == false.
type Point struct {
	Date  time.Time `json:"date"`
	Value float64   `json:"value"`
	Lower float64   `json:"lower"`
	Upper float64   `json:"upper"`
}

// Forecast is an ordered sequence of forecast rows over a requested horizon.
type Forecast []Point

// Values returns the point-estimate column.
func (f Forecast) Values() []float64 {
	out := make([]float64, len(f))
	for i, p := range f {
		out[i] = p.Value
	}
	return out
}

// Strategy tags one member of the closed set of forecasting strategies.
type Strategy int

const (
	// StrategyBoostedTrees fits gradient-boosted regression trees on
	// calendar features; the date is only a join key.
	StrategyBoostedTrees Strategy = iota
	// StrategyBoostedARIMA fits automatic order-selection ARIMA on the
	// date-indexed series plus a boosted residual correction on calendar
	// features.
	StrategyBoostedARIMA
	// StrategySmoothing fits automatic (error, trend, seasonal)
	// exponential smoothing directly on the series.
	StrategySmoothing
	// StrategyDecomposition fits additive trend + yearly seasonality with
	// built-in uncertainty sampling.
	StrategyDecomposition
	// StrategyDecompositionBoost is StrategyDecomposition plus a boosted
	// residual correction; intervals propagate from the base model.
	StrategyDecompositionBoost
)

// AllStrategies lists every strategy in ranking insertion order.
var AllStrategies = []Strategy{
	StrategyBoostedTrees,
	StrategyBoostedARIMA,
	StrategySmoothing,
	StrategyDecomposition,
	StrategyDecompositionBoost,
}

func (s Strategy) String() string {
	switch s {
	case StrategyBoostedTrees:
		return "XGBOOST"
	case StrategyBoostedARIMA:
		return "ARIMA W/ XGBOOST ERRORS"
	case StrategySmoothing:
		return "ETS"
	case StrategyDecomposition:
		return "PROPHET"
	case StrategyDecompositionBoost:
		return "PROPHET W/ XGBOOST ERRORS"
	}
	return "UNKNOWN"
}

// ParseStrategy resolves a model_id string back to its strategy tag.
func ParseStrategy(id string) (Strategy, error) {
	for _, s := range AllStrategies {
		if s.String() == id {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown strategy %q", id)
}

// Forecaster is the uniform contract over all strategies. A fitted
// forecaster is a pure function from future dates to predictions; it holds
// no reference to the caller's data beyond what Fit copied.
type Forecaster interface {
	// ID returns the model identifier used in reports.
	ID() string
	// Fit estimates parameters from the training series. A failure is
	// wrapped in ErrFitFailure.
	Fit(train series.WeeklySeries) error
	// Predict forecasts the given future dates. Dates must be consecutive
	// weekly steps continuing the fitted series.
	Predict(dates []time.Time) (Forecast, error)
	// HasIntervals reports whether Lower/Upper carry a native uncertainty
	// estimate. The pipeline refuses to fabricate bounds for strategies
	// that return false.
	HasIntervals() bool
}

// New constructs an unfitted forecaster for the strategy. The seed fixes
// every stochastic component (tree subsampling, uncertainty sampling) so a
// pipeline run is idempotent given identical data and seed.
func New(s Strategy, seed int64) (Forecaster, error) {
	switch s {
	case StrategyBoostedTrees:
		return newBoostedTrees(seed), nil
	case StrategyBoostedARIMA:
		return newBoostedARIMA(seed), nil
	case StrategySmoothing:
		return newSmoothing(), nil
	case StrategyDecomposition:
		return newDecomposition(seed), nil
	case StrategyDecompositionBoost:
		return newDecompositionBoost(seed), nil
	}
	return nil, fmt.Errorf("unknown strategy %d", s)
}

// weeklyHorizonOffsets converts horizon dates into 1-based step offsets
// from the last fitted week, enforcing the consecutive-weekly contract.
func weeklyHorizonOffsets(lastFit time.Time, dates []time.Time) ([]int, error) {
	out := make([]int, len(dates))
	for i, d := range dates {
		steps := d.Sub(lastFit).Hours() / 24 / 7
		h := int(steps)
		if float64(h) != steps || h < 1 {
			return nil, fmt.Errorf("horizon date %s is not a whole number of weeks after %s",
				d.Format("2006-01-02"), lastFit.Format("2006-01-02"))
		}
		out[i] = h
	}
	return out, nil
}

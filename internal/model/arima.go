package model

import (
	"fmt"
	"math"
	"time"

	"github.com/sartorproj/goarima/autoarima"
	"github.com/sartorproj/goarima/timeseries"

	"github.com/transit-lab/farecast/internal/features"
	"github.com/transit-lab/farecast/internal/series"
)

// residualHoldoutFrac is the tail fraction of training data held out to
// learn the boosted residual correction out of sample. The base model is
// refit on the full training window afterwards.
const residualHoldoutFrac = 0.2

// boostedARIMA fits an automatic order-selection ARIMA to the date-indexed
// series and a gradient-boosted residual correction on calendar features.
// Final prediction = ARIMA component + residual-model component.
type boostedARIMA struct {
	seed    int64
	auto    *autoARIMAFit
	encoder *features.Encoder
	booster *gbt
	residSE float64
	lastFit time.Time
	fitted  bool
}

// autoARIMAFit wraps the fitted goarima search result so Predict can be
// re-invoked for arbitrary horizons.
type autoARIMAFit struct {
	result interface {
		Predict(steps int) ([]float64, error)
	}
}

func newBoostedARIMA(seed int64) *boostedARIMA {
	return &boostedARIMA{seed: seed}
}

func (m *boostedARIMA) ID() string         { return StrategyBoostedARIMA.String() }
func (m *boostedARIMA) HasIntervals() bool { return true }

func fitAutoARIMA(values []float64) (*autoARIMAFit, error) {
	train := &timeseries.Series{Values: values}

	cfg := autoarima.DefaultConfig()
	cfg.MaxP, cfg.MaxQ = 3, 3
	cfg.Criterion = "aicc"
	cfg.AutoSeasonal = false // yearly season at m=52 is out of reach for the order search
	cfg.CompareModels = false

	auto, err := autoarima.AutoARIMA(train, cfg)
	if err != nil {
		return nil, err
	}
	// The search returns (nil, nil) when no candidate order fits, e.g. on
	// a noise-free series where every residual variance is zero.
	if auto == nil || auto.Model == nil {
		return nil, fmt.Errorf("order search exhausted candidates")
	}
	return &autoARIMAFit{result: auto}, nil
}

func (m *boostedARIMA) Fit(train series.WeeklySeries) error {
	n := len(train)
	holdout := int(residualHoldoutFrac * float64(n))
	if n-holdout < 10 || holdout < 4 {
		return fmt.Errorf("%w: %s: %d observations is too short for a residual holdout", ErrFitFailure, m.ID(), n)
	}

	// Pass 1: fit on the head, predict the held-out tail, and learn the
	// residual correction out of sample.
	head, err := fitAutoARIMA(train[:n-holdout].Values())
	if err != nil {
		return fmt.Errorf("%w: %s: holdout pass: %v", ErrFitFailure, m.ID(), err)
	}
	tailPred, err := head.result.Predict(holdout)
	if err != nil {
		return fmt.Errorf("%w: %s: holdout predict: %v", ErrFitFailure, m.ID(), err)
	}

	tail := train[n-holdout:]
	resid := make([]float64, holdout)
	for i, w := range tail {
		resid[i] = w.TotalFares - tailPred[i]
	}

	m.encoder = features.NewEncoder(train.Dates())
	x := m.encoder.Build(tail.Dates()).Rows

	params := defaultGBTParams()
	params.Rounds = 100
	params.Subsample = 1.0 // the holdout is small; use every row
	m.booster = newGBT(params, m.seed+1)
	if err := m.booster.fit(x, resid); err != nil {
		return fmt.Errorf("%w: %s: residual booster: %v", ErrFitFailure, m.ID(), err)
	}

	// Pass 2: refit the base on the full window for forecasting.
	full, err := fitAutoARIMA(train.Values())
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrFitFailure, m.ID(), err)
	}

	m.auto = full
	m.residSE = residStdErr(resid, 1)
	m.lastFit = train[n-1].WeekStart
	m.fitted = true
	return nil
}

func (m *boostedARIMA) Predict(dates []time.Time) (Forecast, error) {
	if !m.fitted {
		return nil, fmt.Errorf("%w: %s", ErrNotFitted, m.ID())
	}
	offsets, err := weeklyHorizonOffsets(m.lastFit, dates)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", m.ID(), err)
	}
	maxH := 0
	for _, h := range offsets {
		if h > maxH {
			maxH = h
		}
	}

	base, err := m.auto.result.Predict(maxH)
	if err != nil {
		return nil, fmt.Errorf("%s: predict: %w", m.ID(), err)
	}
	if len(base) < maxH {
		return nil, fmt.Errorf("%s: predict returned %d of %d steps", m.ID(), len(base), maxH)
	}

	x := m.encoder.Build(dates).Rows
	out := make(Forecast, len(dates))
	for i, h := range offsets {
		v := base[h-1] + m.booster.predict(x[i])
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%s: non-finite prediction at step %d", m.ID(), h)
		}
		// Gaussian band from the out-of-sample residual scale, widening
		// with the horizon step.
		width := 1.96 * m.residSE * math.Sqrt(float64(h))
		out[i] = Point{Date: dates[i], Value: v, Lower: v - width, Upper: v + width}
	}
	return out, nil
}

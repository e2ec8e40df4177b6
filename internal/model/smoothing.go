package model

import (
	"fmt"
	"math"
	"time"

	"github.com/transit-lab/farecast/internal/series"
)

// seasonalPeriod is the yearly cycle length of the weekly fare series.
const seasonalPeriod = 52

// smoothing implements automatic exponential smoothing: it grid-searches
// smoothing parameters over a closed set of (error, trend, seasonal)
// specifications and keeps the one with the lowest AICc. Date-indexed; the
// engineered calendar features are ignored.
type smoothing struct {
	spec      etsSpec
	alpha     float64
	beta      float64
	gamma     float64
	level     float64
	trend     float64
	seasonals []float64
	residSE   float64
	lastFit   time.Time
	nFit      int
	fitted    bool
}

type etsSpec struct {
	seasonal bool
	additive bool // additive vs multiplicative seasonality
}

func (s etsSpec) name() string {
	switch {
	case !s.seasonal:
		return "AAN"
	case s.additive:
		return "AAA"
	default:
		return "AAM"
	}
}

func newSmoothing() *smoothing { return &smoothing{} }

func (m *smoothing) ID() string         { return StrategySmoothing.String() }
func (m *smoothing) HasIntervals() bool { return true }

func (m *smoothing) Fit(train series.WeeklySeries) error {
	y := train.Values()
	if len(y) < 3 {
		return fmt.Errorf("%w: %s: need at least 3 observations, got %d", ErrFitFailure, m.ID(), len(y))
	}

	specs := []etsSpec{{seasonal: false}}
	if len(y) >= 2*seasonalPeriod {
		specs = append(specs, etsSpec{seasonal: true, additive: true}, etsSpec{seasonal: true, additive: false})
	}

	bestAICc := math.MaxFloat64
	converged := false
	for _, spec := range specs {
		cand := etsState{spec: spec}
		alpha, beta, gamma, sse, ok := cand.optimize(y)
		if !ok {
			continue
		}
		aicc := etsAICc(sse, len(y), spec)
		if aicc < bestAICc {
			bestAICc = aicc
			m.spec, m.alpha, m.beta, m.gamma = spec, alpha, beta, gamma
			converged = true
		}
	}
	if !converged {
		return fmt.Errorf("%w: %s: no smoothing specification converged on %d observations", ErrFitFailure, m.ID(), len(y))
	}

	// Final pass with the winning spec to land level/trend/seasonal state
	// and the residual standard error for interval construction.
	final := etsState{spec: m.spec}
	final.init(y)
	final.alpha, final.beta, final.gamma = m.alpha, m.beta, m.gamma
	resid := final.run(y)

	m.level, m.trend, m.seasonals = final.level, final.trend, final.seasonals
	m.residSE = residStdErr(resid, 3)
	m.lastFit = train[len(train)-1].WeekStart
	m.nFit = len(y)
	m.fitted = true
	return nil
}

func (m *smoothing) Predict(dates []time.Time) (Forecast, error) {
	if !m.fitted {
		return nil, fmt.Errorf("%w: %s", ErrNotFitted, m.ID())
	}
	offsets, err := weeklyHorizonOffsets(m.lastFit, dates)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", m.ID(), err)
	}

	out := make(Forecast, len(dates))
	for i, h := range offsets {
		v := m.level + float64(h)*m.trend
		if m.spec.seasonal {
			s := m.seasonals[(m.nFit+h-1)%seasonalPeriod]
			if m.spec.additive {
				v += s
			} else {
				v *= s
			}
		}
		// Gaussian interval: residual standard error widening with the
		// forecast step, the method's native uncertainty mechanism.
		width := 1.96 * m.residSE * math.Sqrt(float64(h))
		out[i] = Point{Date: dates[i], Value: v, Lower: v - width, Upper: v + width}
	}
	return out, nil
}

// etsState is the raw recursion used both for grid search and final fit.
type etsState struct {
	spec      etsSpec
	alpha     float64
	beta      float64
	gamma     float64
	level     float64
	trend     float64
	seasonals []float64
}

func (e *etsState) init(y []float64) {
	m := seasonalPeriod
	if !e.spec.seasonal || len(y) < m {
		e.level = y[0]
		if len(y) > 1 {
			e.trend = y[1] - y[0]
		}
		e.seasonals = nil
		return
	}

	var sum float64
	for i := 0; i < m; i++ {
		sum += y[i]
	}
	e.level = sum / float64(m)

	e.trend = 0
	if len(y) >= 2*m {
		var t float64
		for i := 0; i < m; i++ {
			t += (y[m+i] - y[i]) / float64(m)
		}
		e.trend = t / float64(m)
	}

	e.seasonals = make([]float64, m)
	for i := 0; i < m; i++ {
		if e.spec.additive {
			e.seasonals[i] = y[i] - e.level
		} else if e.level != 0 {
			e.seasonals[i] = y[i] / e.level
		} else {
			e.seasonals[i] = 1
		}
	}
}

// run replays the smoothing recursion over y, mutating the state to its
// end-of-series value, and returns one-step-ahead residuals.
func (e *etsState) run(y []float64) []float64 {
	resid := make([]float64, 0, len(y))
	for t, obs := range y {
		var fitted float64
		var sIdx int
		if e.spec.seasonal {
			sIdx = t % seasonalPeriod
			if e.spec.additive {
				fitted = e.level + e.trend + e.seasonals[sIdx]
			} else {
				fitted = (e.level + e.trend) * e.seasonals[sIdx]
			}
		} else {
			fitted = e.level + e.trend
		}
		resid = append(resid, obs-fitted)

		prevLevel := e.level
		if e.spec.seasonal {
			if e.spec.additive {
				e.level = e.alpha*(obs-e.seasonals[sIdx]) + (1-e.alpha)*(e.level+e.trend)
			} else if e.seasonals[sIdx] != 0 {
				e.level = e.alpha*(obs/e.seasonals[sIdx]) + (1-e.alpha)*(e.level+e.trend)
			}
		} else {
			e.level = e.alpha*obs + (1-e.alpha)*(e.level+e.trend)
		}
		e.trend = e.beta*(e.level-prevLevel) + (1-e.beta)*e.trend
		if e.spec.seasonal {
			if e.spec.additive {
				e.seasonals[sIdx] = e.gamma*(obs-e.level) + (1-e.gamma)*e.seasonals[sIdx]
			} else if e.level != 0 {
				e.seasonals[sIdx] = e.gamma*(obs/e.level) + (1-e.gamma)*e.seasonals[sIdx]
			}
		}
	}
	return resid
}

// optimize grid-searches the smoothing parameters minimizing one-step SSE.
func (e *etsState) optimize(y []float64) (alpha, beta, gamma, sse float64, ok bool) {
	best := math.MaxFloat64
	for a := 0.1; a <= 0.9; a += 0.1 {
		for b := 0.01; b <= 0.31; b += 0.05 {
			gammas := []float64{0}
			if e.spec.seasonal {
				gammas = []float64{0.01, 0.11, 0.21, 0.31}
			}
			for _, g := range gammas {
				cand := etsState{spec: e.spec}
				cand.init(y)
				cand.alpha, cand.beta, cand.gamma = a, b, g
				resid := cand.run(y)
				s := 0.0
				for _, r := range resid {
					s += r * r
				}
				if math.IsNaN(s) || math.IsInf(s, 0) {
					continue
				}
				if s < best {
					best = s
					alpha, beta, gamma = a, b, g
					ok = true
				}
			}
		}
	}
	return alpha, beta, gamma, best, ok
}

// etsAICc is the corrected Akaike criterion for a Gaussian one-step error
// model, used to pick among the candidate specifications.
func etsAICc(sse float64, n int, spec etsSpec) float64 {
	k := 2.0 // level + trend
	if spec.seasonal {
		k++
	}
	if sse <= 0 {
		sse = math.SmallestNonzeroFloat64
	}
	aic := float64(n)*math.Log(sse/float64(n)) + 2*(k+1)
	denom := float64(n) - k - 2
	if denom <= 0 {
		return aic
	}
	return aic + 2*(k+1)*(k+2)/denom
}

func residStdErr(resid []float64, params int) float64 {
	if len(resid) < 2 {
		return 0
	}
	var sumSq float64
	for _, r := range resid {
		sumSq += r * r
	}
	df := float64(len(resid) - params)
	if df < 1 {
		df = 1
	}
	return math.Sqrt(sumSq / df)
}

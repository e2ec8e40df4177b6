// Package pipeline chains the forecasting stages end to end:
// split → build features → fit ensemble → score → select → refit →
// forecast → estimate loss. Each stage is a pure function over plain data;
// the runner only sequences them and isolates per-model failures.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/transit-lab/farecast/internal/calibrate"
	"github.com/transit-lab/farecast/internal/loss"
	"github.com/transit-lab/farecast/internal/model"
	"github.com/transit-lab/farecast/internal/series"
	"github.com/transit-lab/farecast/internal/split"
)

var (
	// ErrRefitFailure means the selected winner failed to refit on the
	// combined train+validation data. Fatal: no fallback model is promoted.
	ErrRefitFailure = errors.New("refit of selected model failed")

	// ErrNoUncertaintyEstimate means the selected winner carries no native
	// interval mechanism. Fatal: the loss stage requires bands and the
	// pipeline never fabricates them.
	ErrNoUncertaintyEstimate = errors.New("selected model has no native uncertainty estimate")
)

// Config carries every tunable of one pipeline invocation. All policy
// constants are explicit here; nothing is ambient module state.
type Config struct {
	Split      split.Config
	FarePrice  float64
	Strategies []model.Strategy
	Seed       int64

	// FitTimeout bounds each ensemble member's fit so one non-converging
	// strategy cannot stall the run. Zero disables the bound.
	FitTimeout time.Duration
}

// DefaultConfig returns the fare-loss study settings: validate on 2019,
// test from 2020, 52-week assessment window, $2.00 fare, all strategies.
func DefaultConfig() Config {
	return Config{
		Split:      split.DefaultConfig(),
		FarePrice:  loss.DefaultFarePrice,
		Strategies: append([]model.Strategy(nil), model.AllStrategies...),
		Seed:       42,
		FitTimeout: 5 * time.Minute,
	}
}

// Result bundles every stage output for the presentation boundary.
type Result struct {
	Report      *calibrate.AccuracyReport `json:"report"`
	BestModelID string                    `json:"best_model_id"`
	Forecast    model.Forecast            `json:"forecast"`
	Loss        []loss.Record             `json:"loss"`

	// Headline scalar: final cumulative dollar loss and its band.
	CumulativeLoss   float64 `json:"cumulative_loss"`
	CumulativeLossLo float64 `json:"cumulative_loss_lo"`
	CumulativeLossHi float64 `json:"cumulative_loss_hi"`
}

// Runner executes the pipeline. The forecaster constructor is an injection
// point so tests can substitute a mock winner.
type Runner struct {
	cfg          Config
	newForecaster func(model.Strategy, int64) (model.Forecaster, error)
}

// New creates a Runner with the production forecaster constructor.
func New(cfg Config) *Runner {
	if len(cfg.Strategies) == 0 {
		cfg.Strategies = append([]model.Strategy(nil), model.AllStrategies...)
	}
	return &Runner{cfg: cfg, newForecaster: model.New}
}

// NewWithConstructor creates a Runner with a custom forecaster constructor.
func NewWithConstructor(cfg Config, ctor func(model.Strategy, int64) (model.Forecaster, error)) *Runner {
	r := New(cfg)
	r.newForecaster = ctor
	return r
}

// Run executes the full pipeline over one weekly series.
func (r *Runner) Run(ctx context.Context, ws series.WeeklySeries) (*Result, error) {
	if err := ws.Validate(); err != nil {
		return nil, fmt.Errorf("input series: %w", err)
	}

	// Stage 1: calendar partition and walk-forward holdout.
	sp, err := split.New(ws, r.cfg.Split)
	if err != nil {
		return nil, fmt.Errorf("split: %w", err)
	}
	if len(sp.Validate) == 0 {
		return nil, fmt.Errorf("split: no validation weeks in year %d", r.cfg.Split.ValidationYear)
	}
	if len(sp.Test) == 0 {
		return nil, fmt.Errorf("split: no test weeks at or after year %d", r.cfg.Split.TestCutoffYear)
	}

	// Stage 2+3: fit every enabled strategy on the fit-subset. Fits are
	// independent and run concurrently; slot-per-strategy results keep the
	// report ordering deterministic.
	candidates := r.fitAll(ctx, sp.FitSubset)

	// Stage 4: score survivors on the validation segment.
	report, err := calibrate.Score(candidates, sp.Validate, sp.FitSubset)
	if err != nil {
		return nil, fmt.Errorf("calibration: %w", err)
	}
	for _, f := range report.Failures {
		log.Printf("model %s excluded at %s stage: %s", f.ModelID, f.Stage, f.Reason)
	}
	bestID, err := report.Best()
	if err != nil {
		return nil, fmt.Errorf("calibration: %w", err)
	}

	// Stage 5: refit the winner on train+validation. Test rows never
	// enter fitting.
	forecast, err := r.refitAndForecast(bestID, sp)
	if err != nil {
		return nil, err
	}

	// Stage 6: fold the counterfactual gap into cumulative dollars.
	records, err := loss.Estimate(forecast, sp.Test, r.cfg.FarePrice)
	if err != nil {
		return nil, fmt.Errorf("loss estimation: %w", err)
	}

	res := &Result{
		Report:      report,
		BestModelID: bestID,
		Forecast:    forecast,
		Loss:        records,
	}
	res.CumulativeLoss, res.CumulativeLossLo, res.CumulativeLossHi = loss.Headline(records)
	return res, nil
}

// fitAll fits each strategy concurrently with the configured per-model
// timeout. A failed or timed-out fit becomes a Candidate with FitErr set;
// the ensemble never aborts on a single member.
func (r *Runner) fitAll(ctx context.Context, fitData series.WeeklySeries) []calibrate.Candidate {
	out := make([]calibrate.Candidate, len(r.cfg.Strategies))
	var wg sync.WaitGroup

	for i, strat := range r.cfg.Strategies {
		wg.Add(1)
		go func(slot int, strat model.Strategy) {
			defer wg.Done()

			f, err := r.newForecaster(strat, r.cfg.Seed)
			if err != nil {
				out[slot] = calibrate.Candidate{Forecaster: &failedForecaster{id: strat.String()}, FitErr: err}
				return
			}
			out[slot] = calibrate.Candidate{Forecaster: f, FitErr: r.fitWithTimeout(ctx, f, fitData)}
		}(i, strat)
	}
	wg.Wait()
	return out
}

// safeFit converts a panicking Fit into a fit failure so one strategy can
// never take down the whole run.
func safeFit(f model.Forecaster, fitData series.WeeklySeries) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: %s: fit panicked: %v", model.ErrFitFailure, f.ID(), rec)
		}
	}()
	return f.Fit(fitData)
}

func (r *Runner) fitWithTimeout(ctx context.Context, f model.Forecaster, fitData series.WeeklySeries) error {
	if r.cfg.FitTimeout <= 0 {
		return safeFit(f, fitData)
	}

	done := make(chan error, 1)
	go func() { done <- safeFit(f, fitData) }()

	timer := time.NewTimer(r.cfg.FitTimeout)
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-timer.C:
		return fmt.Errorf("%w: %s: fit exceeded %s", model.ErrFitFailure, f.ID(), r.cfg.FitTimeout)
	case <-ctx.Done():
		return fmt.Errorf("%w: %s: %v", model.ErrFitFailure, f.ID(), ctx.Err())
	}
}

// refitAndForecast re-estimates the winning strategy on train+validation
// and predicts the full test horizon with its native intervals.
func (r *Runner) refitAndForecast(bestID string, sp *split.Split) (model.Forecast, error) {
	strat, err := model.ParseStrategy(bestID)
	if err != nil {
		return nil, fmt.Errorf("refit: %w", err)
	}
	winner, err := r.newForecaster(strat, r.cfg.Seed)
	if err != nil {
		return nil, fmt.Errorf("refit %s: %w", bestID, err)
	}
	if !winner.HasIntervals() {
		return nil, fmt.Errorf("%w: %s", ErrNoUncertaintyEstimate, bestID)
	}

	if err := safeFit(winner, sp.PreTest()); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrRefitFailure, bestID, err)
	}
	forecast, err := winner.Predict(sp.Test.Dates())
	if err != nil {
		return nil, fmt.Errorf("%w: %s: predict: %v", ErrRefitFailure, bestID, err)
	}
	return forecast, nil
}

// failedForecaster stands in for a strategy whose constructor failed, so
// the failure still surfaces with its model_id in diagnostics.
type failedForecaster struct{ id string }

func (f *failedForecaster) ID() string { return f.id }
func (f *failedForecaster) Fit(series.WeeklySeries) error {
	return fmt.Errorf("%w: %s: constructor failed", model.ErrFitFailure, f.id)
}
func (f *failedForecaster) Predict([]time.Time) (model.Forecast, error) {
	return nil, model.ErrNotFitted
}
func (f *failedForecaster) HasIntervals() bool { return false }

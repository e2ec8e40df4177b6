package calibrate

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/transit-lab/farecast/internal/model"
	"github.com/transit-lab/farecast/internal/series"
)

// constForecaster predicts a fixed value on every date.
type constForecaster struct {
	id    string
	value float64
	// predictErr, when set, makes Predict fail.
	predictErr error
}

func (c *constForecaster) ID() string                       { return c.id }
func (c *constForecaster) Fit(series.WeeklySeries) error    { return nil }
func (c *constForecaster) HasIntervals() bool               { return true }
func (c *constForecaster) Predict(dates []time.Time) (model.Forecast, error) {
	if c.predictErr != nil {
		return nil, c.predictErr
	}
	out := make(model.Forecast, len(dates))
	for i, d := range dates {
		out[i] = model.Point{Date: d, Value: c.value, Lower: c.value, Upper: c.value}
	}
	return out, nil
}

func weeklySeries(start time.Time, values ...float64) series.WeeklySeries {
	ws := make(series.WeeklySeries, len(values))
	for i, v := range values {
		ws[i] = series.Week{WeekStart: start.AddDate(0, 0, 7*i), TotalFares: v}
	}
	return ws
}

var testStart = time.Date(2019, 1, 7, 0, 0, 0, 0, time.UTC)

func TestScoreRanksAscendingByRMSE(t *testing.T) {
	validate := weeklySeries(testStart, 100, 100, 100, 100)
	fit := weeklySeries(testStart.AddDate(-1, 0, 0), 90, 100, 90, 100)

	candidates := []Candidate{
		{Forecaster: &constForecaster{id: "far", value: 150}},
		{Forecaster: &constForecaster{id: "near", value: 110}},
		{Forecaster: &constForecaster{id: "mid", value: 130}},
	}

	report, err := Score(candidates, validate, fit)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if len(report.Ranked) != 3 {
		t.Fatalf("ranked %d models, want 3", len(report.Ranked))
	}
	wantOrder := []string{"near", "mid", "far"}
	for i, want := range wantOrder {
		if report.Ranked[i].ModelID != want {
			t.Errorf("rank %d = %s, want %s", i, report.Ranked[i].ModelID, want)
		}
	}
	best, err := report.Best()
	if err != nil || best != "near" {
		t.Errorf("Best() = %q, %v, want near", best, err)
	}
}

func TestScoreStableTieBreak(t *testing.T) {
	validate := weeklySeries(testStart, 100, 100)
	fit := weeklySeries(testStart.AddDate(-1, 0, 0), 90, 100)

	// Identical error profiles; insertion order must decide.
	candidates := []Candidate{
		{Forecaster: &constForecaster{id: "first", value: 110}},
		{Forecaster: &constForecaster{id: "second", value: 110}},
	}
	report, err := Score(candidates, validate, fit)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if report.Ranked[0].ModelID != "first" {
		t.Errorf("tie broke to %s, want first (insertion order)", report.Ranked[0].ModelID)
	}
}

func TestScoreRecordsFailuresWithoutAborting(t *testing.T) {
	validate := weeklySeries(testStart, 100, 100)
	fit := weeklySeries(testStart.AddDate(-1, 0, 0), 90, 100)

	candidates := []Candidate{
		{Forecaster: &constForecaster{id: "broken-fit"}, FitErr: fmt.Errorf("%w: diverged", model.ErrFitFailure)},
		{Forecaster: &constForecaster{id: "ok", value: 110}},
		{Forecaster: &constForecaster{id: "broken-predict", predictErr: fmt.Errorf("horizon mismatch")}},
	}

	report, err := Score(candidates, validate, fit)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if len(report.Ranked) != 1 || report.Ranked[0].ModelID != "ok" {
		t.Fatalf("ranked = %+v, want only ok", report.Ranked)
	}
	if len(report.Failures) != 2 {
		t.Fatalf("failures = %d, want 2", len(report.Failures))
	}
	stages := map[string]string{}
	for _, f := range report.Failures {
		stages[f.ModelID] = f.Stage
	}
	if stages["broken-fit"] != "fit" {
		t.Errorf("broken-fit stage = %q, want fit", stages["broken-fit"])
	}
	if stages["broken-predict"] != "predict" {
		t.Errorf("broken-predict stage = %q, want predict", stages["broken-predict"])
	}
}

func TestBestErrorsWhenNothingRanked(t *testing.T) {
	validate := weeklySeries(testStart, 100)
	fit := weeklySeries(testStart.AddDate(-1, 0, 0), 90, 100)

	report, err := Score([]Candidate{
		{Forecaster: &constForecaster{id: "broken"}, FitErr: fmt.Errorf("nope")},
	}, validate, fit)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if _, err := report.Best(); err == nil {
		t.Fatal("Best() should error when every model failed")
	}
}

func TestScorePreservesPredictions(t *testing.T) {
	validate := weeklySeries(testStart, 100, 200)
	fit := weeklySeries(testStart.AddDate(-1, 0, 0), 90, 100)

	report, err := Score([]Candidate{
		{Forecaster: &constForecaster{id: "m", value: 150}},
	}, validate, fit)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	rows := report.Predictions["m"]
	if len(rows) != 2 {
		t.Fatalf("retained %d prediction rows, want 2", len(rows))
	}
	if rows[0].Actual != 100 || rows[0].Predicted != 150 {
		t.Errorf("row 0 = %+v", rows[0])
	}
	if !rows[1].Date.Equal(testStart.AddDate(0, 0, 7)) {
		t.Errorf("row 1 date = %v", rows[1].Date)
	}
}

func TestComputeMetricValues(t *testing.T) {
	actual := []float64{100, 200, 300}
	predicted := []float64{110, 190, 330}
	// abs errors: 10, 10, 30
	m := Compute(actual, predicted, 20)

	approx := func(got, want float64) bool { return math.Abs(got-want) < 1e-9 }

	if want := 50.0 / 3.0; !approx(m.MAE, want) {
		t.Errorf("MAE = %v, want %v", m.MAE, want)
	}
	if want := math.Sqrt((100 + 100 + 900) / 3.0); !approx(m.RMSE, want) {
		t.Errorf("RMSE = %v, want %v", m.RMSE, want)
	}
	if want := (0.1 + 0.05 + 0.1) / 3 * 100; !approx(m.MAPE, want) {
		t.Errorf("MAPE = %v, want %v", m.MAPE, want)
	}
	if want := (50.0 / 3.0) / 20.0; !approx(m.MASE, want) {
		t.Errorf("MASE = %v, want %v", m.MASE, want)
	}
	if want := (10.0/210 + 10.0/390 + 30.0/630) / 3 * 200; !approx(m.SMAPE, want) {
		t.Errorf("SMAPE = %v, want %v", m.SMAPE, want)
	}
	// SST around the mean 200 is 20000; SSE is 1100.
	if want := 1 - 1100.0/20000.0; !approx(m.RSquared, want) {
		t.Errorf("RSquared = %v, want %v", m.RSquared, want)
	}
}

func TestComputeMASEInfOnFlatFitData(t *testing.T) {
	m := Compute([]float64{100}, []float64{90}, 0)
	if !math.IsInf(m.MASE, 1) {
		t.Errorf("MASE = %v, want +Inf when the naive error is zero", m.MASE)
	}
}

func TestNaiveLag1MAE(t *testing.T) {
	if got := naiveLag1MAE([]float64{10, 20, 15}); math.Abs(got-7.5) > 1e-12 {
		t.Errorf("naiveLag1MAE = %v, want 7.5", got)
	}
	if got := naiveLag1MAE([]float64{10}); got != 0 {
		t.Errorf("naiveLag1MAE on short input = %v, want 0", got)
	}
}

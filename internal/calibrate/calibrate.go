// Package calibrate scores fitted forecasters against the held-out
// validation segment and ranks them. Only forecast outputs are inspected;
// model internals never leak into scoring, so heterogeneous strategies are
// compared on equal footing.
package calibrate

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/transit-lab/farecast/internal/model"
	"github.com/transit-lab/farecast/internal/series"
)

// Metrics is the standard accuracy record computed per model over the
// validation segment.
type Metrics struct {
	MAE      float64 `json:"mae"`
	RMSE     float64 `json:"rmse"`
	MAPE     float64 `json:"mape"`
	MASE     float64 `json:"mase"`
	SMAPE    float64 `json:"smape"`
	RSquared float64 `json:"rsq"`
}

// ModelScore pairs a model identifier with its validation metrics.
type ModelScore struct {
	ModelID string  `json:"model_id"`
	Metrics Metrics `json:"metrics"`
}

// Failure marks a model excluded from the ranking. Failed models are never
// silently swallowed; they travel with the report for diagnostic display.
type Failure struct {
	ModelID string `json:"model_id"`
	Stage   string `json:"stage"` // "fit" or "predict"
	Reason  string `json:"reason"`
}

// PredictionRow is one retained calibration observation: actual vs
// predicted for a model on a validation date. Kept for downstream
// diagnostic visualization, never recomputed.
type PredictionRow struct {
	Date      time.Time `json:"date"`
	Actual    float64   `json:"actual"`
	Predicted float64   `json:"predicted"`
}

// AccuracyReport ranks the scored models ascending by RMSE. Ties keep
// insertion order (first fit wins).
type AccuracyReport struct {
	Ranked      []ModelScore               `json:"ranked"`
	Failures    []Failure                  `json:"failures"`
	Predictions map[string][]PredictionRow `json:"predictions"`
}

// Best returns the winning model_id, or an error when nothing ranked.
func (r *AccuracyReport) Best() (string, error) {
	if len(r.Ranked) == 0 {
		return "", fmt.Errorf("no model survived calibration (%d failures)", len(r.Failures))
	}
	return r.Ranked[0].ModelID, nil
}

// Candidate is one ensemble member entering calibration: either a fitted
// forecaster or a recorded fit failure.
type Candidate struct {
	Forecaster model.Forecaster
	FitErr     error
}

// Score predicts every candidate over the validation dates, computes the
// metric set, and returns the ranked report. fitData is the series the
// candidates were fitted on; its lag-1 naive error scales MASE.
func Score(candidates []Candidate, validate, fitData series.WeeklySeries) (*AccuracyReport, error) {
	if len(validate) == 0 {
		return nil, fmt.Errorf("empty validation segment")
	}
	naiveMAE := naiveLag1MAE(fitData.Values())

	report := &AccuracyReport{Predictions: make(map[string][]PredictionRow)}
	dates := validate.Dates()
	actual := validate.Values()

	for _, c := range candidates {
		if c.FitErr != nil {
			report.Failures = append(report.Failures, Failure{
				ModelID: c.Forecaster.ID(),
				Stage:   "fit",
				Reason:  c.FitErr.Error(),
			})
			continue
		}
		fc, err := c.Forecaster.Predict(dates)
		if err != nil {
			report.Failures = append(report.Failures, Failure{
				ModelID: c.Forecaster.ID(),
				Stage:   "predict",
				Reason:  err.Error(),
			})
			continue
		}

		pred := fc.Values()
		rows := make([]PredictionRow, len(dates))
		for i := range dates {
			rows[i] = PredictionRow{Date: dates[i], Actual: actual[i], Predicted: pred[i]}
		}
		report.Predictions[c.Forecaster.ID()] = rows

		report.Ranked = append(report.Ranked, ModelScore{
			ModelID: c.Forecaster.ID(),
			Metrics: Compute(actual, pred, naiveMAE),
		})
	}

	// Ascending by RMSE; stable sort keeps insertion order on ties.
	sort.SliceStable(report.Ranked, func(i, j int) bool {
		return report.Ranked[i].Metrics.RMSE < report.Ranked[j].Metrics.RMSE
	})
	return report, nil
}

// Compute calculates the metric set for one actual/predicted pair.
// naiveMAE scales MASE; a non-positive naiveMAE leaves MASE as +Inf.
func Compute(actual, predicted []float64, naiveMAE float64) Metrics {
	n := len(actual)
	var sumAbs, sumSq, sumAPE, sumSAPE float64
	apeCount, sapeCount := 0, 0
	for i := 0; i < n; i++ {
		d := actual[i] - predicted[i]
		ad := math.Abs(d)
		sumAbs += ad
		sumSq += d * d
		if actual[i] != 0 {
			sumAPE += ad / math.Abs(actual[i])
			apeCount++
		}
		denom := math.Abs(actual[i]) + math.Abs(predicted[i])
		if denom != 0 {
			sumSAPE += ad / denom
			sapeCount++
		}
	}

	m := Metrics{
		MAE:  sumAbs / float64(n),
		RMSE: math.Sqrt(sumSq / float64(n)),
	}
	if apeCount > 0 {
		m.MAPE = sumAPE / float64(apeCount) * 100
	}
	if sapeCount > 0 {
		m.SMAPE = sumSAPE / float64(sapeCount) * 200
	}
	if naiveMAE > 0 {
		m.MASE = m.MAE / naiveMAE
	} else {
		m.MASE = math.Inf(1)
	}

	meanActual := 0.0
	for _, a := range actual {
		meanActual += a
	}
	meanActual /= float64(n)
	var sst float64
	for _, a := range actual {
		d := a - meanActual
		sst += d * d
	}
	if sst > 0 {
		m.RSquared = 1 - sumSq/sst
	}
	return m
}

// naiveLag1MAE is the in-sample mean absolute error of the one-step naive
// forecast on the fit data, the MASE denominator.
func naiveLag1MAE(fit []float64) float64 {
	if len(fit) < 2 {
		return 0
	}
	var sum float64
	for i := 1; i < len(fit); i++ {
		sum += math.Abs(fit[i] - fit[i-1])
	}
	return sum / float64(len(fit)-1)
}

// Package metrics registers the Prometheus instruments exposed by the
// server's /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus instruments for the forecasting service
type Metrics struct {
	PipelineRuns   prometheus.Counter
	PipelineErrors prometheus.Counter
	CacheHits      prometheus.Counter
	CacheMisses    prometheus.Counter
	RateLimited    prometheus.Counter

	// Per-strategy counters, labeled by model_id
	FitFailuresByModel *prometheus.CounterVec
	WinsByModel        *prometheus.CounterVec

	RunDuration prometheus.Histogram
}

// New creates and registers all metrics
func New() *Metrics {
	return &Metrics{
		PipelineRuns: promauto.NewCounter(prometheus.CounterOpts{
			Name: "farecast_pipeline_runs_total",
			Help: "Total number of completed pipeline runs",
		}),
		PipelineErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "farecast_pipeline_errors_total",
			Help: "Number of pipeline runs that ended in a fatal error",
		}),
		CacheHits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "farecast_cache_hits_total",
			Help: "Number of report requests served from the result cache",
		}),
		CacheMisses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "farecast_cache_misses_total",
			Help: "Number of report requests that triggered a pipeline run",
		}),
		RateLimited: promauto.NewCounter(prometheus.CounterOpts{
			Name: "farecast_rate_limited_total",
			Help: "Number of requests rejected by the rate limiter (429)",
		}),
		FitFailuresByModel: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "farecast_fit_failures_by_model",
				Help: "Number of ensemble members excluded from calibration per model",
			},
			[]string{"model_id"},
		),
		WinsByModel: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "farecast_wins_by_model",
				Help: "Number of calibrations won per model",
			},
			[]string{"model_id"},
		),
		RunDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "farecast_run_duration_seconds",
			Help:    "Wall time of a full pipeline run",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
	}
}

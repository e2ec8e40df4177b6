package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/transit-lab/farecast/internal/cache"
	"github.com/transit-lab/farecast/internal/loss"
	"github.com/transit-lab/farecast/internal/metrics"
	"github.com/transit-lab/farecast/internal/pipeline"
	"github.com/transit-lab/farecast/internal/split"
	"github.com/transit-lab/farecast/internal/store"
	"github.com/transit-lab/farecast/pkg/otel"
)

type Server struct {
	store       store.Store
	results     *cache.LRUWithTTL[string, *pipeline.Result]
	metrics     *metrics.Metrics
	limiter     *rate.Limiter
	cfg         pipeline.Config
	metricsAuth struct {
		enabled  bool
		user     string
		password string
	}
}

func main() {
	// Pipeline settings
	cfg := pipeline.DefaultConfig()
	cfg.Split.ValidationYear = getEnvInt("VALIDATION_YEAR", split.DefaultConfig().ValidationYear)
	cfg.Split.TestCutoffYear = getEnvInt("TEST_CUTOFF_YEAR", split.DefaultConfig().TestCutoffYear)
	cfg.Split.AssessmentWeeks = getEnvInt("ASSESSMENT_WEEKS", split.DefaultConfig().AssessmentWeeks)
	cfg.FarePrice = getEnvFloat("FARE_PRICE", loss.DefaultFarePrice)
	cfg.Seed = int64(getEnvInt("SEED", 42))

	// Setup series store
	backend := getEnv("STORE_BACKEND", "memory")
	var st store.Store
	var err error

	switch backend {
	case "memory":
		snapshotPath := getEnv("STORE_SNAPSHOT", "data/series.json")
		st = store.NewMemoryStore(snapshotPath)
	case "redis":
		redisAddr := getEnv("REDIS_ADDR", "localhost:6379")
		redisPass := getEnv("REDIS_PASSWORD", "")
		redisDB := getEnvInt("REDIS_DB", 0)
		st, err = store.NewRedisStore(redisAddr, redisPass, redisDB)
		if err != nil {
			log.Fatalf("Failed to create Redis store: %v", err)
		}
	case "postgres":
		connStr := getEnv("POSTGRES_CONN", "")
		st, err = store.NewPostgresStore(context.Background(), connStr)
		if err != nil {
			log.Fatalf("Failed to create Postgres store: %v", err)
		}
	default:
		log.Fatalf("Unknown STORE_BACKEND: %s", backend)
	}

	// Result cache: a pipeline run is deterministic for a given series and
	// config, so cached results stay valid until the data is re-ingested.
	cacheSize := getEnvInt("RESULT_CACHE_SIZE", 16)
	cacheTTL := time.Duration(getEnvInt("RESULT_CACHE_TTL_SECONDS", 3600)) * time.Second
	results, err := cache.NewLRUWithTTL[string, *pipeline.Result](cacheSize, cacheTTL)
	if err != nil {
		log.Fatalf("Failed to create result cache: %v", err)
	}

	// Optional OTLP tracing
	if getEnv("OTEL_ENABLED", "") == "true" {
		otelCfg := otel.DefaultConfig("farecast")
		otelCfg.CollectorEndpoint = getEnv("OTEL_COLLECTOR_ENDPOINT", otelCfg.CollectorEndpoint)
		tp, err := otel.InitTracer(context.Background(), otelCfg)
		if err != nil {
			log.Fatalf("Failed to init tracer: %v", err)
		}
		defer otel.Shutdown(context.Background(), tp)
	}

	// Setup metrics
	m := metrics.New()

	// Rate limiter
	tokenRate := getEnvInt("TOKEN_RATE", 10)
	limiter := rate.NewLimiter(rate.Limit(tokenRate), tokenRate*2)

	srv := &Server{
		store:   st,
		results: results,
		metrics: m,
		limiter: limiter,
		cfg:     cfg,
	}

	// Metrics auth
	srv.metricsAuth.enabled = getEnv("METRICS_USER", "") != ""
	srv.metricsAuth.user = getEnv("METRICS_USER", "")
	srv.metricsAuth.password = getEnv("METRICS_PASS", "")

	// Setup HTTP routes
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/report", srv.handleReport)
	mux.HandleFunc("/v1/forecast", srv.handleForecast)
	mux.HandleFunc("/v1/loss", srv.handleLoss)
	mux.Handle("/metrics", srv.metricsHandler())
	mux.HandleFunc("/health", handleHealth)

	// HTTP server
	port := getEnv("PORT", "8080")
	httpServer := &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Minute, // pipeline runs can be slow
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Printf("Starting server on port %s", port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-shutdown
	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	if err := st.Close(); err != nil {
		log.Printf("Error closing store: %v", err)
	}

	log.Println("Server stopped")
}

// result loads (or computes and caches) the pipeline result for a series key.
func (s *Server) result(ctx context.Context, key string) (*pipeline.Result, error) {
	if res, ok := s.results.Get(key); ok {
		s.metrics.CacheHits.Inc()
		return res, nil
	}
	s.metrics.CacheMisses.Inc()

	ws, err := s.store.Load(ctx, key)
	if err != nil {
		return nil, err
	}

	ctx, span := otel.StartSpan(ctx, "farecast", "pipeline.run",
		otel.PipelineAttributes(key, len(ws))...)
	defer span.End()

	start := time.Now()
	res, err := pipeline.New(s.cfg).Run(ctx, ws)
	s.metrics.RunDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		s.metrics.PipelineErrors.Inc()
		otel.RecordError(span, err)
		return nil, err
	}
	span.SetAttributes(otel.AttrBestModel.String(res.BestModelID))

	s.metrics.PipelineRuns.Inc()
	s.metrics.WinsByModel.WithLabelValues(res.BestModelID).Inc()
	for _, f := range res.Report.Failures {
		s.metrics.FitFailuresByModel.WithLabelValues(f.ModelID).Inc()
	}

	s.results.Set(key, res)
	return res, nil
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request, pick func(*pipeline.Result) any) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.limiter.Allow() {
		s.metrics.RateLimited.Inc()
		w.Header().Set("Retry-After", "10")
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
		return
	}

	key := r.URL.Query().Get("series")
	if key == "" {
		key = "default"
	}

	res, err := s.result(r.Context(), key)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, store.ErrNotFound):
			status = http.StatusNotFound
		case errors.Is(err, split.ErrInsufficientHistory),
			errors.Is(err, pipeline.ErrNoUncertaintyEstimate):
			status = http.StatusUnprocessableEntity
		}
		log.Printf("pipeline for %q: %v", key, err)
		http.Error(w, err.Error(), status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(pick(res)); err != nil {
		log.Printf("encode response: %v", err)
	}
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	s.serve(w, r, func(res *pipeline.Result) any {
		return map[string]any{
			"best_model_id": res.BestModelID,
			"report":        res.Report,
		}
	})
}

func (s *Server) handleForecast(w http.ResponseWriter, r *http.Request) {
	s.serve(w, r, func(res *pipeline.Result) any {
		return map[string]any{
			"best_model_id": res.BestModelID,
			"forecast":      res.Forecast,
		}
	})
}

func (s *Server) handleLoss(w http.ResponseWriter, r *http.Request) {
	s.serve(w, r, func(res *pipeline.Result) any {
		return map[string]any{
			"fare_price":         s.cfg.FarePrice,
			"records":            res.Loss,
			"cumulative_loss":    res.CumulativeLoss,
			"cumulative_loss_lo": res.CumulativeLossLo,
			"cumulative_loss_hi": res.CumulativeLossHi,
		}
	})
}

func (s *Server) metricsHandler() http.Handler {
	handler := promhttp.Handler()

	if !s.metricsAuth.enabled {
		return handler
	}

	// Wrap with Basic Auth
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != s.metricsAuth.user || pass != s.metricsAuth.password {
			w.Header().Set("WWW-Authenticate", `Basic realm="Metrics"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		handler.ServeHTTP(w, r)
	})
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

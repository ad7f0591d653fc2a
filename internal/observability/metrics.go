// Package observability exposes Prometheus metrics for the polling
// pipeline and serves them over HTTP together with a health endpoint.
package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RefreshCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pajbridge_refresh_cycles_total",
		Help: "Refresh entry-point invocations by outcome (ok, auth_error)",
	}, []string{"outcome"})
	TierRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pajbridge_tier_runs_total",
		Help: "Tier executions by tier and outcome",
	}, []string{"tier", "outcome"})
	TierDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pajbridge_tier_duration_seconds",
		Help:    "Wall-clock duration of a tier run, including per-device fan-out",
		Buckets: prometheus.DefBuckets,
	}, []string{"tier"})
	QueueJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pajbridge_queue_jobs_total",
		Help: "Per-device queue jobs by job type and outcome (ok, error, skipped)",
	}, []string{"job_type", "outcome"})
	SnapshotPublishes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pajbridge_snapshot_publishes_total",
		Help: "Snapshot replacements by changed field",
	}, []string{"field"})
	ElevationFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pajbridge_elevation_fetches_total",
		Help: "Elevation side-channel fetches by outcome",
	}, []string{"outcome"})
)

// ObserveTierDuration records the elapsed time of a tier run.
func ObserveTierDuration(tier string, start time.Time) {
	TierDuration.WithLabelValues(tier).Observe(time.Since(start).Seconds())
}

// Serve runs the /metrics and /healthz HTTP server until ctx is
// cancelled. It blocks and returns nil on graceful shutdown.
func Serve(ctx context.Context, port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

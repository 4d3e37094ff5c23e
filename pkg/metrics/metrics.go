// Package metrics provides the Prometheus registry and exposition endpoint
// for the harvester.
// All metrics are defined in their respective packages (client, pagination,
// ratelimit, store, pipeline) to keep those packages self-contained.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Registry is the default Prometheus registry used by the harvester.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Handler returns the /metrics handler for the default gatherer.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve exposes /metrics on addr until ctx is cancelled. An empty addr is a no-op.
// A batch run is usually short lived, so the endpoint mostly serves scrapes
// during long multi-month backfills.
func Serve(ctx context.Context, addr string) {
	if addr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	go func() {
		log.Info().Str("addr", addr).Msg("Serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", addr).Msg("Metrics server failed")
		}
	}()
}

// Metrics Documentation
//
// Request Metrics (pkg/client):
//   - rtms_requests_total{source_type, status} (Counter): page requests by outcome
//   - rtms_request_duration_seconds{source_type} (Histogram): page request latency
//   - rtms_errors_total{class} (Counter): classified failures
//
// Fetch Metrics (pkg/pagination):
//   - rtms_fetch_outcomes_total{status} (Counter): fulfilled / partial / rejected per fetch key
//   - rtms_pages_fetched_total{source_type} (Counter): successful pages
//
// Rate Limit Metrics (pkg/ratelimit):
//   - rtms_quota_used{source_type} (Gauge): calls recorded today in the daily ledger
//   - rtms_quota_blocks_total{source_type} (Counter): requests refused by the daily ledger
//   - rtms_rate_limit_wait_seconds (Histogram): time spent waiting on the per-second bucket
//
// Store Metrics (pkg/store):
//   - rtms_rows_inserted_total{table} (Counter)
//   - rtms_row_failures_total{table} (Counter)
//   - rtms_batch_fallbacks_total{table} (Counter)
//   - rtms_pool_acquire_failures_total{reason} (Counter): queue_full, timeout, backend
//   - rtms_pool_in_use (Gauge)
//
// Pipeline Metrics (internal/pipeline):
//   - rtms_retry_rounds_total (Counter)
//   - rtms_retry_exhausted_total{source_type} (Counter): fetch keys abandoned after the last round
//   - rtms_wave_duration_seconds (Histogram)
//
// Example Prometheus Queries:
//
//	# Partial fetch ratio
//	rate(rtms_fetch_outcomes_total{status="partial"}[5m]) / rate(rtms_fetch_outcomes_total[5m])
//
//	# Quota headroom
//	rtms_quota_used
//
//	# Row failure rate by table
//	rate(rtms_row_failures_total[5m])

package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

var rtmsRateLimitWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "rtms_rate_limit_wait_seconds",
	Help:    "Time spent waiting on the per-second token bucket",
	Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
})

// Gate is passed before every upstream page request.
type Gate interface {
	Wait(ctx context.Context, source string) error
}

// SourceLimit holds the quotas of one source type.
type SourceLimit struct {
	// RequestsPerSecond for the token bucket (0 = no per-second limit).
	RequestsPerSecond float64

	// Burst is the bucket size (defaults to 1).
	Burst int

	// DailyLimit is enforced by the Tracker (0 = unlimited).
	DailyLimit int
}

// Limiter combines a per-second token bucket per source with the daily ledger.
type Limiter struct {
	tracker *Tracker
	logger  zerolog.Logger

	mu      sync.Mutex
	limits  map[string]SourceLimit
	buckets map[string]*rate.Limiter
}

// NewLimiter creates a limiter. tracker may be nil to skip the daily ledger.
func NewLimiter(tracker *Tracker, limits map[string]SourceLimit, logger zerolog.Logger) *Limiter {
	l := &Limiter{
		tracker: tracker,
		logger:  logger,
		limits:  make(map[string]SourceLimit, len(limits)),
		buckets: make(map[string]*rate.Limiter, len(limits)),
	}
	for source, sl := range limits {
		l.limits[source] = sl
	}
	return l
}

// Wait blocks until source may issue one request, then records it in the
// daily ledger. Ledger backend failures are logged and the request is let
// through; the upstream still enforces the quota with reason code 22.
func (l *Limiter) Wait(ctx context.Context, source string) error {
	if bucket := l.bucket(source); bucket != nil {
		start := time.Now()
		if err := bucket.Wait(ctx); err != nil {
			return err
		}
		waited := time.Since(start)
		rtmsRateLimitWaitSeconds.Observe(waited.Seconds())
		if waited > time.Millisecond {
			l.logger.Debug().Str("source_type", source).Dur("waited", waited).Msg("Per-second limit wait")
		}
	}

	if l.tracker == nil {
		return nil
	}
	if _, err := l.tracker.Reserve(ctx, source); err != nil {
		if isQuotaExhausted(err) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		l.logger.Warn().Err(err).Str("source_type", source).Msg("Quota ledger unavailable - allowing request")
	}
	return nil
}

func (l *Limiter) bucket(source string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if b, ok := l.buckets[source]; ok {
		return b
	}
	sl, ok := l.limits[source]
	if !ok || sl.RequestsPerSecond <= 0 {
		return nil
	}
	burst := sl.Burst
	if burst < 1 {
		burst = 1
	}
	b := rate.NewLimiter(rate.Limit(sl.RequestsPerSecond), burst)
	l.buckets[source] = b
	return b
}

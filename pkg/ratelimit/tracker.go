package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Prometheus metrics for quota tracking.
var (
	rtmsQuotaUsed = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rtms_quota_used",
		Help: "Calls recorded today in the daily quota ledger by source type",
	}, []string{"source_type"})

	rtmsQuotaBlocksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rtms_quota_blocks_total",
		Help: "Total number of requests refused by the daily quota ledger",
	}, []string{"source_type"})
)

// ErrDailyQuotaExhausted is returned when today's ledger has reached the daily limit.
var ErrDailyQuotaExhausted = errors.New("daily quota exhausted")

// Tracker is the daily call ledger. With a Redis client the counters are
// shared by every process using the same Redis; without one they live in
// process memory.
type Tracker struct {
	redis  *redis.Client
	limits map[string]int
	logger zerolog.Logger
	now    func() time.Time

	mu     sync.Mutex
	memory map[string]int
}

// NewTracker creates a new quota tracker. limits maps source type to daily limit (0 = unlimited).
func NewTracker(redisClient *redis.Client, limits map[string]int, logger zerolog.Logger) *Tracker {
	l := make(map[string]int, len(limits))
	for k, v := range limits {
		l[k] = v
	}
	return &Tracker{
		redis:  redisClient,
		limits: l,
		logger: logger,
		now:    time.Now,
		memory: make(map[string]int),
	}
}

// Usage returns today's quota state of source.
func (t *Tracker) Usage(ctx context.Context, source string) (*QuotaState, error) {
	now := t.now()
	day := QuotaDay(now)
	key := LedgerKey(source, day)

	var used int
	if t.redis != nil {
		n, err := t.redis.Get(ctx, key).Int()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("get quota usage: %w", err)
		}
		used = n
	} else {
		t.mu.Lock()
		used = t.memory[key]
		t.mu.Unlock()
	}

	state := &QuotaState{SourceType: source, Day: day, Used: used, Limit: t.limits[source], LastUpdate: now}
	state.UpdateHealth()
	return state, nil
}

// Reserve records one call of source against today's ledger. It returns
// ErrDailyQuotaExhausted, without consuming quota, when the limit is reached.
func (t *Tracker) Reserve(ctx context.Context, source string) (*QuotaState, error) {
	now := t.now()
	day := QuotaDay(now)
	key := LedgerKey(source, day)

	used, err := t.incr(ctx, key, 1)
	if err != nil {
		return nil, err
	}

	state := &QuotaState{SourceType: source, Day: day, Used: used, Limit: t.limits[source], LastUpdate: now}
	state.UpdateHealth()

	if state.NeedsCriticalBlock() {
		// Give the slot back so refused calls do not inflate the ledger.
		if used, err = t.incr(ctx, key, -1); err == nil {
			state.Used = used
		}
		rtmsQuotaBlocksTotal.WithLabelValues(source).Inc()
		t.logger.Error().
			Str("source_type", source).
			Int("used", state.Used).
			Int("limit", state.Limit).
			Dur("reset_in", state.TimeUntilReset(now)).
			Msg("Daily quota exhausted - blocking request")
		return state, fmt.Errorf("%w: %s used %d of %d", ErrDailyQuotaExhausted, source, state.Used, state.Limit)
	}

	rtmsQuotaUsed.WithLabelValues(source).Set(float64(used))

	if state.NeedsWarning() && (state.Limit-used)%100 == 0 {
		t.logger.Warn().
			Str("source_type", source).
			Int("used", used).
			Int("limit", state.Limit).
			Msg("Daily quota close to limit")
	}

	return state, nil
}

func (t *Tracker) incr(ctx context.Context, key string, delta int64) (int, error) {
	if t.redis == nil {
		t.mu.Lock()
		defer t.mu.Unlock()
		t.memory[key] += int(delta)
		return t.memory[key], nil
	}

	pipe := t.redis.TxPipeline()
	incr := pipe.IncrBy(ctx, key, delta)
	pipe.Expire(ctx, key, LedgerTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("update quota ledger: %w", err)
	}
	return int(incr.Val()), nil
}

func isQuotaExhausted(err error) bool {
	return errors.Is(err, ErrDailyQuotaExhausted)
}

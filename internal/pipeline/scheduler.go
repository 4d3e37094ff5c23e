// Package pipeline ties fetching, transformation and loading together.
//
// For one source type the Driver runs a wave of concurrent fetches per
// period, loads every fulfilled or partial outcome as soon as the wave
// resolves and queues the remainder as RetryTasks. After the last period a
// single Coordinator pass retries the queued tasks in batches for a bounded
// number of rounds. The Runner drives all configured sources in order and
// renders the run Summary.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/Sternrassler/rtms-harvester/pkg/client"
	"github.com/Sternrassler/rtms-harvester/pkg/pagination"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var rtmsWaveDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "rtms_wave_duration_seconds",
	Help:    "Time until every fetch of a wave resolved, excluding the trailing delay",
	Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
})

// Fetcher fetches every page of one key from a start page.
type Fetcher interface {
	Fetch(ctx context.Context, key client.FetchKey, startPage int) pagination.Outcome
}

// Request is one fetch of a wave.
type Request struct {
	Key       client.FetchKey
	StartPage int
}

// SchedulerConfig holds wave configuration.
type SchedulerConfig struct {
	// Delay is the minimum duration of a wave. The timer starts together with
	// the wave, so time spent fetching counts against it.
	Delay time.Duration

	// MaxConcurrency bounds the fetches in flight within a wave (0 = all at once).
	MaxConcurrency int
}

// DefaultSchedulerConfig returns the default wave configuration.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{Delay: time.Second}
}

// Scheduler runs waves of concurrent fetches.
type Scheduler struct {
	fetcher Fetcher
	config  SchedulerConfig
	logger  zerolog.Logger
}

// NewScheduler creates a scheduler.
func NewScheduler(fetcher Fetcher, config SchedulerConfig) *Scheduler {
	return &Scheduler{
		fetcher: fetcher,
		config:  config,
		logger:  log.With().Str("component", "scheduler").Logger(),
	}
}

// Wave fetches all requests concurrently and returns their outcomes in
// request order. It returns no earlier than the configured delay after it was
// called, unless ctx is done.
func (s *Scheduler) Wave(ctx context.Context, reqs []Request) []pagination.Outcome {
	return s.WaveWithDelay(ctx, reqs, s.config.Delay)
}

// WaveWithDelay is Wave with an explicit minimum duration.
func (s *Scheduler) WaveWithDelay(ctx context.Context, reqs []Request, delay time.Duration) []pagination.Outcome {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	start := time.Now()

	outcomes := make([]pagination.Outcome, len(reqs))

	var sem chan struct{}
	if s.config.MaxConcurrency > 0 {
		sem = make(chan struct{}, s.config.MaxConcurrency)
	}

	var wg sync.WaitGroup
	for i, req := range reqs {
		wg.Add(1)
		go func(i int, req Request) {
			defer wg.Done()
			if sem != nil {
				select {
				case sem <- struct{}{}:
					defer func() { <-sem }()
				case <-ctx.Done():
					outcomes[i] = canceled(req, ctx.Err())
					return
				}
			}

			keyLogger := s.logger.With().
				Str("source_type", string(req.Key.SourceType)).
				Str("region", req.Key.RegionCode).
				Str("period", req.Key.Period).
				Logger()
			outcomes[i] = s.fetcher.Fetch(keyLogger.WithContext(ctx), req.Key, req.StartPage)
		}(i, req)
	}
	wg.Wait()
	rtmsWaveDurationSeconds.Observe(time.Since(start).Seconds())

	s.logger.Debug().
		Int("requests", len(reqs)).
		Dur("elapsed", time.Since(start)).
		Dur("delay", delay).
		Msg("Wave resolved")

	if delay > 0 {
		select {
		case <-timer.C:
		case <-ctx.Done():
		}
	}
	return outcomes
}

func canceled(req Request, err error) pagination.Outcome {
	startPage := max(req.StartPage, 1)
	return pagination.Outcome{Key: req.Key, Status: pagination.StatusRejected, StartPage: startPage, Err: err}
}

// Tally counts outcomes by status.
type Tally struct {
	Fulfilled int
	Partial   int
	Rejected  int
}

// Count tallies outcomes.
func Count(outcomes []pagination.Outcome) Tally {
	var t Tally
	for _, o := range outcomes {
		switch o.Status {
		case pagination.StatusFulfilled:
			t.Fulfilled++
		case pagination.StatusPartial:
			t.Partial++
		default:
			t.Rejected++
		}
	}
	return t
}

// Add folds o into the receiver.
func (t *Tally) Add(o Tally) {
	t.Fulfilled += o.Fulfilled
	t.Partial += o.Partial
	t.Rejected += o.Rejected
}

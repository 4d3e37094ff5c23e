package pipeline

import (
	"context"
	"time"

	"github.com/Sternrassler/rtms-harvester/pkg/client"
	"github.com/Sternrassler/rtms-harvester/pkg/pagination"
	"github.com/Sternrassler/rtms-harvester/pkg/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	rtmsRetryRoundsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rtms_retry_rounds_total",
		Help: "Retry rounds executed by the coordinator",
	})

	rtmsRetryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rtms_retry_exhausted_total",
		Help: "Fetch keys abandoned after the last retry round, by source type",
	}, []string{"source_type"})
)

// RetryTask is a fetch key queued for another attempt.
type RetryTask struct {
	Key       client.FetchKey
	StartPage int

	// Reason is the failure of the previous attempt.
	Reason error

	// TotalCount is known when the previous attempt was partial.
	TotalCount int
}

// TaskFromOutcome derives the retry task of a partial or rejected outcome.
// A partial outcome resumes after its last successful page; a rejected one
// repeats its own start page.
func TaskFromOutcome(o pagination.Outcome) RetryTask {
	t := RetryTask{Key: o.Key, StartPage: o.ResumePage(), Reason: o.Err}
	if o.Partial != nil {
		t.TotalCount = o.Partial.TotalCount
	}
	return t
}

// CoordinatorConfig holds retry configuration.
type CoordinatorConfig struct {
	// BatchSize is the number of tasks retried together.
	BatchSize int

	// BatchDelay is the minimum duration of one batch, timed from its start.
	BatchDelay time.Duration

	// Backoff bounds the rounds per batch (MaxAttempts) and sets the minimum
	// duration of each round.
	Backoff client.RetryConfig
}

// DefaultCoordinatorConfig returns the default retry configuration.
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		BatchSize:  100,
		BatchDelay: time.Second,
		Backoff:    client.DefaultRetryConfig(),
	}
}

// RetryReport summarizes one Coordinator run.
type RetryReport struct {
	Tasks     int
	Rounds    int
	Recovered int
	Outcomes  Tally
	Rows      store.BulkResult
	Exhausted []RetryTask
	Fatal     []RetryTask
}

// Coordinator retries failed and partial fetches in batches for a bounded
// number of rounds, loading every recovered item as soon as its round resolves.
type Coordinator struct {
	scheduler *Scheduler
	sink      *sink
	config    CoordinatorConfig
	logger    zerolog.Logger
}

func newCoordinator(scheduler *Scheduler, s *sink, config CoordinatorConfig) *Coordinator {
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultCoordinatorConfig().BatchSize
	}
	if config.Backoff.MaxAttempts < 1 {
		config.Backoff.MaxAttempts = 1
	}
	return &Coordinator{
		scheduler: scheduler,
		sink:      s,
		config:    config,
		logger:    log.With().Str("component", "coordinator").Logger(),
	}
}

// Run retries tasks. Rows recovered before an error are kept in the report;
// the error is returned only when loading failed to acquire a connection or
// ctx was cancelled.
func (c *Coordinator) Run(ctx context.Context, tasks []RetryTask) (RetryReport, error) {
	report := RetryReport{Tasks: len(tasks)}
	if len(tasks) == 0 {
		return report, nil
	}

	batches := (len(tasks) + c.config.BatchSize - 1) / c.config.BatchSize
	c.logger.Info().
		Int("tasks", len(tasks)).
		Int("batches", batches).
		Int("max_rounds", c.config.Backoff.MaxAttempts).
		Msg("Retry pass started")

	for b := 0; b < batches; b++ {
		start := b * c.config.BatchSize
		end := min(start+c.config.BatchSize, len(tasks))

		batchTimer := time.NewTimer(c.config.BatchDelay)
		err := c.runBatch(ctx, b+1, tasks[start:end], &report)
		if err != nil {
			batchTimer.Stop()
			// Tasks of later batches were never attempted.
			report.Exhausted = append(report.Exhausted, tasks[end:]...)
			recordExhausted(c.logger, report.Exhausted)
			return report, err
		}

		if b < batches-1 {
			select {
			case <-batchTimer.C:
			case <-ctx.Done():
				batchTimer.Stop()
				report.Exhausted = append(report.Exhausted, tasks[end:]...)
				recordExhausted(c.logger, report.Exhausted)
				return report, ctx.Err()
			}
		}
		batchTimer.Stop()
	}

	recordExhausted(c.logger, report.Exhausted)

	c.logger.Info().
		Int("tasks", report.Tasks).
		Int("recovered", report.Recovered).
		Int("exhausted", len(report.Exhausted)).
		Int("fatal", len(report.Fatal)).
		Int("rows", report.Rows.Inserted).
		Msg("Retry pass finished")
	return report, nil
}

// recordExhausted logs and counts keys that were given up on.
func recordExhausted(logger zerolog.Logger, tasks []RetryTask) {
	for _, t := range tasks {
		rtmsRetryExhaustedTotal.WithLabelValues(string(t.Key.SourceType)).Inc()
		logger.Error().
			Err(t.Reason).
			Str("fetch_key", t.Key.String()).
			Int("start_page", t.StartPage).
			Str("error_class", string(client.ClassOf(t.Reason))).
			Msg("Retries exhausted")
	}
}

func (c *Coordinator) runBatch(ctx context.Context, batch int, tasks []RetryTask, report *RetryReport) error {
	current := tasks
	for round := 1; round <= c.config.Backoff.MaxAttempts && len(current) > 0; round++ {
		if err := ctx.Err(); err != nil {
			report.Exhausted = append(report.Exhausted, current...)
			return err
		}

		reqs := make([]Request, len(current))
		for i, t := range current {
			reqs[i] = Request{Key: t.Key, StartPage: t.StartPage}
		}

		rtmsRetryRoundsTotal.Inc()
		report.Rounds++
		outcomes := c.scheduler.WaveWithDelay(ctx, reqs, c.config.Backoff.Backoff(round))
		tally := Count(outcomes)
		report.Outcomes.Add(tally)

		res, err := c.sink.load(ctx, outcomes)
		report.Rows.Add(res)
		if err != nil {
			report.Exhausted = append(report.Exhausted, current...)
			return err
		}

		var next []RetryTask
		for _, o := range outcomes {
			switch {
			case o.Status == pagination.StatusFulfilled:
				report.Recovered++
			case o.Fatal():
				report.Fatal = append(report.Fatal, TaskFromOutcome(o))
			default:
				next = append(next, TaskFromOutcome(o))
			}
		}

		c.logger.Info().
			Int("batch", batch).
			Int("round", round).
			Int("fulfilled", tally.Fulfilled).
			Int("partial", tally.Partial).
			Int("rejected", tally.Rejected).
			Int("items", items(outcomes)).
			Int("inserted", res.Inserted).
			Msg("Retry round finished")

		current = next
	}

	report.Exhausted = append(report.Exhausted, current...)
	return nil
}

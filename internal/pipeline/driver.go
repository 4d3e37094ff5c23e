package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/rtms-harvester/pkg/client"
	"github.com/Sternrassler/rtms-harvester/pkg/pagination"
	"github.com/Sternrassler/rtms-harvester/pkg/schema"
	"github.com/Sternrassler/rtms-harvester/pkg/store"
	"github.com/Sternrassler/rtms-harvester/pkg/transform"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrSourceAborted wraps every error that stops a source type: failed
// validation, a fatal upstream failure, a lost store or cancellation.
var ErrSourceAborted = errors.New("source aborted")

// Source describes one source type to harvest.
type Source struct {
	Type       client.SourceType
	URL        string
	DailyLimit int
	Schema     schema.FieldSchema
	Converter  transform.Converter
}

// SourceReport is the result of one Driver run.
type SourceReport struct {
	Source  client.SourceType
	Table   string
	Keys    int
	Periods int

	// Tally counts the outcomes of the initial waves.
	Tally Tally

	Retry   RetryReport
	Rows    store.BulkResult
	Aborted bool
	Err     error
	Elapsed time.Duration
}

// DriverConfig holds driver configuration.
type DriverConfig struct {
	Scheduler   SchedulerConfig
	Coordinator CoordinatorConfig

	// InsertBatchSize bounds the rows of one insert statement.
	InsertBatchSize int
}

// DefaultDriverConfig returns the default driver configuration.
func DefaultDriverConfig() DriverConfig {
	return DriverConfig{
		Scheduler:       DefaultSchedulerConfig(),
		Coordinator:     DefaultCoordinatorConfig(),
		InsertBatchSize: store.DefaultBatchSize,
	}
}

// Driver harvests one source type end to end.
type Driver struct {
	fetcher Fetcher
	loader  Loader
	usage   Usage
	summary *Summary
	config  DriverConfig
	logger  zerolog.Logger
}

// NewDriver creates a driver. usage and summary may be nil.
func NewDriver(fetcher Fetcher, loader Loader, usage Usage, summary *Summary, config DriverConfig) *Driver {
	if config.InsertBatchSize <= 0 {
		config.InsertBatchSize = store.DefaultBatchSize
	}
	return &Driver{
		fetcher: fetcher,
		loader:  loader,
		usage:   usage,
		summary: summary,
		config:  config,
		logger:  log.With().Str("component", "driver").Logger(),
	}
}

// Validate runs the pre-flight checks for src.
func (d *Driver) Validate(ctx context.Context, src Source, regions, periods []string) error {
	if err := ValidateConfig(src); err != nil {
		return err
	}
	if err := ValidateRegionCodes(regions); err != nil {
		return err
	}
	if len(periods) == 0 {
		return fmt.Errorf("%w: no periods", ErrInvalidPeriod)
	}
	if err := ValidateAPILimits(src, regions, periods); err != nil {
		return err
	}
	if err := ValidateTableExists(ctx, d.loader, src); err != nil {
		return err
	}
	WarnQuotaUsage(ctx, d.usage, src, len(regions)*len(periods), d.logger.With().Str("source_type", string(src.Type)).Logger())
	return nil
}

// Run harvests every region of every period for src: one wave per period,
// loaded as soon as it resolves, then one retry pass over everything that did
// not complete. The report is always returned. Keys abandoned after the last
// retry round do not fail the run.
func (d *Driver) Run(ctx context.Context, src Source, regions, periods []string) (SourceReport, error) {
	start := time.Now()
	report := SourceReport{
		Source:  src.Type,
		Table:   src.Schema.Table(),
		Keys:    len(regions) * len(periods),
		Periods: len(periods),
	}
	logger := d.logger.With().Str("source_type", string(src.Type)).Str("table", src.Schema.Table()).Logger()
	ctx = logger.WithContext(ctx)

	var (
		tasks   []RetryTask
		retried bool
	)
	finish := func(err error) (SourceReport, error) {
		if err != nil && !errors.Is(err, ErrSourceAborted) {
			err = fmt.Errorf("%w: %w", ErrSourceAborted, err)
		}
		if err != nil && !retried && len(tasks) > 0 {
			// Keys queued for retry before the abort are never recovered.
			report.Retry = RetryReport{Tasks: len(tasks), Exhausted: tasks}
			recordExhausted(logger, tasks)
		}
		report.Err = err
		report.Aborted = err != nil
		report.Elapsed = time.Since(start)
		if d.summary != nil {
			d.summary.AddSource(report)
		}
		if err != nil {
			logger.Error().Err(err).Int("inserted", report.Rows.Inserted).Msg("Source aborted")
		} else {
			logger.Info().
				Int("keys", report.Keys).
				Int("inserted", report.Rows.Inserted).
				Int("batches", report.Rows.Batches).
				Int("failed_rows", report.Rows.Failed).
				Int("exhausted", len(report.Retry.Exhausted)).
				Dur("elapsed", report.Elapsed).
				Msg("Source finished")
		}
		return report, err
	}

	if err := d.Validate(ctx, src, regions, periods); err != nil {
		return finish(fmt.Errorf("validate %s: %w", src.Type, err))
	}

	scheduler := NewScheduler(d.fetcher, d.config.Scheduler)
	s := &sink{
		loader:    d.loader,
		schema:    src.Schema,
		conv:      src.Converter,
		batchSize: d.config.InsertBatchSize,
		summary:   d.summary,
	}

	logger.Info().Int("regions", len(regions)).Int("periods", len(periods)).Msg("Source started")

	for _, period := range periods {
		reqs := make([]Request, len(regions))
		for i, region := range regions {
			reqs[i] = Request{Key: client.FetchKey{SourceType: src.Type, RegionCode: region, Period: period}, StartPage: 1}
		}

		outcomes := scheduler.Wave(ctx, reqs)
		tally := Count(outcomes)
		report.Tally.Add(tally)

		res, err := s.load(ctx, outcomes)
		report.Rows.Add(res)
		if err != nil {
			return finish(fmt.Errorf("load %s %s: %w", src.Type, period, err))
		}

		var fatal error
		for _, o := range outcomes {
			if o.Status == pagination.StatusFulfilled {
				continue
			}
			if o.Fatal() {
				fatal = o.Err
				continue
			}
			tasks = append(tasks, TaskFromOutcome(o))
		}

		logger.Info().
			Str("period", period).
			Int("fulfilled", tally.Fulfilled).
			Int("partial", tally.Partial).
			Int("rejected", tally.Rejected).
			Int("items", items(outcomes)).
			Int("inserted", res.Inserted).
			Msg("Period loaded")

		if fatal != nil {
			return finish(fmt.Errorf("%w: %s: %w", ErrSourceAborted, src.Type, fatal))
		}
		if err := ctx.Err(); err != nil {
			return finish(err)
		}
	}

	coordinator := newCoordinator(scheduler, s, d.config.Coordinator)
	retried = true
	retry, err := coordinator.Run(ctx, tasks)
	report.Retry = retry
	report.Rows.Add(retry.Rows)
	if err != nil {
		return finish(fmt.Errorf("retry %s: %w", src.Type, err))
	}
	if len(retry.Fatal) > 0 {
		return finish(fmt.Errorf("%w: %s: %w", ErrSourceAborted, src.Type, retry.Fatal[0].Reason))
	}
	return finish(nil)
}

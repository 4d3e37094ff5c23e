package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/Sternrassler/rtms-harvester/internal/config"
	"github.com/Sternrassler/rtms-harvester/internal/regions"
	"github.com/Sternrassler/rtms-harvester/pkg/store"
	"github.com/Sternrassler/rtms-harvester/pkg/transform"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Store is everything the runner needs from the loader.
type Store interface {
	Loader
	regions.Store
}

// Runner harvests all enabled source types of a configuration in order.
type Runner struct {
	cfg     *config.Config
	store   Store
	fetcher Fetcher
	usage   Usage
	out     io.Writer
	logger  zerolog.Logger
}

// NewRunner creates a runner. usage may be nil; out receives the rendered summary.
func NewRunner(cfg *config.Config, st Store, fetcher Fetcher, usage Usage, out io.Writer) *Runner {
	return &Runner{
		cfg:     cfg,
		store:   st,
		fetcher: fetcher,
		usage:   usage,
		out:     out,
		logger:  log.With().Str("component", "runner").Logger(),
	}
}

// Sources returns the enabled source types in harvest order.
func (r *Runner) Sources() ([]Source, error) {
	var out []Source
	for _, st := range r.cfg.EnabledSources() {
		sc, _ := r.cfg.Source(st)
		fs, err := r.cfg.Schema(st)
		if err != nil {
			return nil, fmt.Errorf("schema %s: %w", st, err)
		}
		conv, ok := transform.ConverterFor(st)
		if !ok {
			return nil, fmt.Errorf("%w: no converter for %s", ErrInvalidSource, st)
		}
		out = append(out, Source{
			Type:       st,
			URL:        sc.URL,
			DailyLimit: sc.DailyLimit,
			Schema:     fs,
			Converter:  conv,
		})
	}
	return out, nil
}

// Regions returns the district codes to harvest: the configured codes when
// present, otherwise the districts stored in REGIONCD, reseeded first from
// the region file when configured.
func (r *Runner) Regions(ctx context.Context) ([]string, error) {
	rc := r.cfg.Regions
	if rc.Seed && rc.File != "" {
		rows, err := regions.LoadFile(rc.File, rc.LocationsFile)
		if err != nil {
			return nil, err
		}
		if _, err := regions.Seed(ctx, r.store, rows); err != nil {
			return nil, err
		}
	}
	if len(rc.Codes) > 0 {
		return rc.Codes, nil
	}
	return regions.Districts(ctx, r.store)
}

// Run harvests the periods start..end (YYYYMM, inclusive) for every enabled
// source. All sources are validated before the first request is sent. The
// returned summary is rendered to out; the error wraps ErrSourceAborted when
// any source aborted.
func (r *Runner) Run(ctx context.Context, start, end string) (*Summary, error) {
	summary := NewSummary()

	periods, err := GenerateYearMonths(start, end)
	if err != nil {
		return summary, err
	}
	sources, err := r.Sources()
	if err != nil {
		return summary, err
	}
	if len(sources) == 0 {
		return summary, fmt.Errorf("%w: no source enabled", ErrInvalidSource)
	}
	regionCodes, err := r.Regions(ctx)
	if err != nil {
		return summary, fmt.Errorf("resolve regions: %w", err)
	}

	driver := NewDriver(r.fetcher, r.store, r.usage, summary, r.driverConfig())
	for _, src := range sources {
		if err := driver.Validate(ctx, src, regionCodes, periods); err != nil {
			return summary, fmt.Errorf("validate %s: %w", src.Type, err)
		}
	}

	r.logger.Info().
		Strs("sources", sourceNames(sources)).
		Int("regions", len(regionCodes)).
		Strs("periods", periods).
		Msg("Harvest started")

	var errs []error
	for _, src := range sources {
		if _, err := driver.Run(ctx, src, regionCodes, periods); err != nil {
			errs = append(errs, err)
			if ctx.Err() != nil {
				break
			}
		}
	}

	if ps, ok := r.store.(interface{ Pool() *store.Pool }); ok && ps.Pool() != nil {
		summary.SetPoolStats(ps.Pool().Stats())
	}
	summary.Log(r.logger)
	if r.out != nil {
		if err := summary.Render(r.out); err != nil {
			r.logger.Warn().Err(err).Msg("Failed to render summary")
		}
	}
	return summary, errors.Join(errs...)
}

func (r *Runner) driverConfig() DriverConfig {
	cfg := DefaultDriverConfig()
	cfg.Scheduler = SchedulerConfig{Delay: r.cfg.Fetch.WaveDelay, MaxConcurrency: r.cfg.Fetch.MaxConcurrency}
	cfg.InsertBatchSize = r.cfg.Fetch.InsertBatchSize
	cfg.Coordinator = CoordinatorConfig{
		BatchSize:  r.cfg.Retry.BatchSize,
		BatchDelay: r.cfg.Retry.BatchDelay,
		Backoff:    r.cfg.RetryBackoff(),
	}
	return cfg
}

func sourceNames(sources []Source) []string {
	out := make([]string, len(sources))
	for i, s := range sources {
		out[i] = string(s.Type)
	}
	return out
}

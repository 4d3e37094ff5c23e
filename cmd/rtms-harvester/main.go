// Command rtms-harvester collects rent transactions from the RTMS open API
// for a range of months and loads them into the configured database.
//
// Usage:
//
//	rtms-harvester [startYYYYMM] [endYYYYMM]
//
// Both months default to period.start and period.end of the configuration,
// which is read from $RTMS_CONFIG or rtms.yaml and overridden by RTMS_*
// environment variables.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/Sternrassler/rtms-harvester/internal/config"
	"github.com/Sternrassler/rtms-harvester/internal/pipeline"
	"github.com/Sternrassler/rtms-harvester/pkg/client"
	"github.com/Sternrassler/rtms-harvester/pkg/logging"
	"github.com/Sternrassler/rtms-harvester/pkg/metrics"
	"github.com/Sternrassler/rtms-harvester/pkg/pagination"
	"github.com/Sternrassler/rtms-harvester/pkg/ratelimit"
	"github.com/Sternrassler/rtms-harvester/pkg/store"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var version = "0.1.0"

func newRootCmd(out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "rtms-harvester [startYYYYMM] [endYYYYMM]",
		Short: "Harvest RTMS rent transactions into a relational store",
		Long: `rtms-harvester fetches every district and month of the enabled RTMS
sources, resumes partially fetched months from the failed page and loads
the records in batches. A summary is printed when the run ends.`,
		Version:       version,
		Args:          cobra.MaximumNArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(os.Getenv("RTMS_CONFIG"))
			if err != nil {
				return err
			}
			start, end := periodArgs(args, cfg)
			return run(cmd.Context(), cfg, start, end, out)
		},
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stdout).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}

// periodArgs returns the start and end month, each falling back to the configuration.
func periodArgs(args []string, cfg *config.Config) (string, string) {
	start, end := cfg.Period.Start, cfg.Period.End
	if len(args) > 0 {
		start = args[0]
	}
	if len(args) > 1 {
		end = args[1]
	}
	return start, end
}

func run(ctx context.Context, cfg *config.Config, start, end string, out io.Writer) error {
	logger := logging.Setup(logging.Config{
		Level:  logging.LogLevel(cfg.Log.Level),
		Pretty: cfg.Log.Pretty,
		Output: os.Stderr,
		RunID:  uuid.NewString(),
	})
	logger.Info().Str("version", version).Str("start", start).Str("end", end).Msg("rtms-harvester starting")

	metrics.Serve(ctx, cfg.Metrics.Addr)

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("Redis unreachable, quota ledger fails open")
		} else {
			logger.Info().Str("addr", cfg.Redis.Addr).Msg("Connected to Redis")
		}
	}

	pool, err := store.Open(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer pool.Close()
	loader := store.NewLoader(pool, store.NewAllowList(cfg.AllowedTables...))

	limits := cfg.SourceLimits()
	daily := make(map[string]int, len(limits))
	for source, l := range limits {
		daily[source] = l.DailyLimit
	}
	tracker := ratelimit.NewTracker(rdb, daily, log.With().Str("component", "quota").Logger())
	limiter := ratelimit.NewLimiter(tracker, limits, log.With().Str("component", "ratelimit").Logger())

	rtms, err := client.New(cfg.ClientConfig())
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	fetcher := pagination.NewFetcher(rtms, limiter, pagination.Config{PageSize: cfg.Fetch.PageSize})

	runner := pipeline.NewRunner(cfg, loader, fetcher, tracker, out)
	if _, err := runner.Run(ctx, start, end); err != nil {
		return err
	}
	return nil
}

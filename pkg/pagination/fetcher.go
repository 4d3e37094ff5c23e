package pagination

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/rtms-harvester/pkg/client"
	"github.com/Sternrassler/rtms-harvester/pkg/logging"
	"github.com/Sternrassler/rtms-harvester/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	rtmsFetchOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rtms_fetch_outcomes_total",
		Help: "Fetch outcomes per fetch key attempt by status",
	}, []string{"status"})

	rtmsPagesFetchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rtms_pages_fetched_total",
		Help: "Successfully fetched pages by source type",
	}, []string{"source_type"})
)

// Config holds fetcher configuration
type Config struct {
	// PageSize must match the numOfRows the page fetcher sends (0 = ask the page fetcher).
	PageSize int
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{}
}

// PageFetcher is the interface the RTMS client implements for single-page fetching.
type PageFetcher interface {
	FetchPage(ctx context.Context, key client.FetchKey, pageNo int) (*client.Page, error)
	PageSize() int
}

// Status tags an Outcome.
type Status string

const (
	// StatusFulfilled means every page from the start page on was fetched.
	StatusFulfilled Status = "fulfilled"

	// StatusPartial means records were collected before a page failed.
	StatusPartial Status = "partial"

	// StatusRejected means a page failed before any record was collected.
	StatusRejected Status = "rejected"
)

// PartialResult describes a fetch that failed after collecting some pages.
type PartialResult struct {
	CollectedItems     []client.RawRecord
	LastSuccessfulPage int
	FailedPage         int
	TotalCount         int
}

// Outcome is the result of one Fetch call.
type Outcome struct {
	Key       client.FetchKey
	Status    Status
	StartPage int

	// Items holds the collected records for Fulfilled and Partial outcomes.
	Items []client.RawRecord

	// TotalCount as reported by the first successful page (0 when Rejected).
	TotalCount int

	// Partial is set only for StatusPartial.
	Partial *PartialResult

	// Err is set for Partial and Rejected outcomes.
	Err error
}

// ResumePage returns the page a retry of this outcome must start from.
func (o Outcome) ResumePage() int {
	if o.Partial != nil {
		return o.Partial.LastSuccessfulPage + 1
	}
	return o.StartPage
}

// Fatal reports whether the failure must not be retried.
func (o Outcome) Fatal() bool {
	return o.Err != nil && client.IsFatal(o.Err)
}

// Fetcher fetches all pages of one key sequentially.
type Fetcher struct {
	pages    PageFetcher
	gate     ratelimit.Gate
	pageSize int
	logger   zerolog.Logger
}

// NewFetcher creates a fetcher. gate may be nil.
func NewFetcher(pages PageFetcher, gate ratelimit.Gate, config Config) *Fetcher {
	pageSize := config.PageSize
	if pageSize <= 0 {
		pageSize = pages.PageSize()
	}
	return &Fetcher{
		pages:    pages,
		gate:     gate,
		pageSize: pageSize,
		logger:   log.With().Str("component", "fetcher").Logger(),
	}
}

// Fetch requests pages of key starting at startPage until totalCount is
// covered. It never returns an error; failures are reported in the Outcome.
func (f *Fetcher) Fetch(ctx context.Context, key client.FetchKey, startPage int) Outcome {
	if startPage < 1 {
		startPage = 1
	}
	logger := logging.FromContext(ctx, f.logger).With().Str("fetch_key", key.String()).Logger()
	start := time.Now()

	var (
		items              []client.RawRecord
		totalCount         int
		lastSuccessfulPage = startPage - 1
		pageNo             = startPage
	)

	for {
		page, err := f.fetchPage(ctx, key, pageNo)
		if err != nil {
			return f.fail(logger, key, startPage, items, lastSuccessfulPage, pageNo, totalCount, err)
		}

		if pageNo == startPage {
			totalCount = page.TotalCount
		}
		items = append(items, page.Items...)
		lastSuccessfulPage = pageNo
		rtmsPagesFetchedTotal.WithLabelValues(string(key.SourceType)).Inc()
		pageNo++

		// The upstream pages by the size it actually served.
		size := f.pageSize
		if page.NumOfRows > 0 && page.NumOfRows < size {
			size = page.NumOfRows
		}
		if (pageNo-1)*size >= totalCount {
			break
		}
		if len(page.Items) == 0 {
			logger.Warn().
				Int("page", pageNo-1).
				Int("total_count", totalCount).
				Int("items", len(items)).
				Msg("Empty page before totalCount was reached")
			break
		}
	}

	rtmsFetchOutcomesTotal.WithLabelValues(string(StatusFulfilled)).Inc()
	logger.Debug().
		Int("start_page", startPage).
		Int("pages", lastSuccessfulPage-startPage+1).
		Int("items", len(items)).
		Int("total_count", totalCount).
		Dur("duration", time.Since(start)).
		Msg("Fetch complete")

	return Outcome{
		Key:        key,
		Status:     StatusFulfilled,
		StartPage:  startPage,
		Items:      items,
		TotalCount: totalCount,
	}
}

func (f *Fetcher) fetchPage(ctx context.Context, key client.FetchKey, pageNo int) (*client.Page, error) {
	if f.gate != nil {
		if err := f.gate.Wait(ctx, string(key.SourceType)); err != nil {
			if errors.Is(err, ratelimit.ErrDailyQuotaExhausted) {
				return nil, &client.APIError{Class: client.ErrorClassQuotaDaily, Message: "refused by daily quota ledger", Err: err}
			}
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}
	return f.pages.FetchPage(ctx, key, pageNo)
}

func (f *Fetcher) fail(logger zerolog.Logger, key client.FetchKey, startPage int, items []client.RawRecord,
	lastSuccessfulPage, failedPage, totalCount int, err error) Outcome {

	err = fmt.Errorf("fetch %s page %d: %w", key, failedPage, err)

	if len(items) == 0 {
		rtmsFetchOutcomesTotal.WithLabelValues(string(StatusRejected)).Inc()
		logger.Warn().
			Err(err).
			Int("page", failedPage).
			Str("error_class", string(client.ClassOf(err))).
			Msg("Fetch rejected")
		return Outcome{Key: key, Status: StatusRejected, StartPage: startPage, Err: err}
	}

	rtmsFetchOutcomesTotal.WithLabelValues(string(StatusPartial)).Inc()
	logger.Warn().
		Err(err).
		Int("last_successful_page", lastSuccessfulPage).
		Int("failed_page", failedPage).
		Int("collected", len(items)).
		Int("total_count", totalCount).
		Str("error_class", string(client.ClassOf(err))).
		Msg("Fetch partial")

	return Outcome{
		Key:        key,
		Status:     StatusPartial,
		StartPage:  startPage,
		Items:      items,
		TotalCount: totalCount,
		Partial: &PartialResult{
			CollectedItems:     items,
			LastSuccessfulPage: lastSuccessfulPage,
			FailedPage:         failedPage,
			TotalCount:         totalCount,
		},
		Err: err,
	}
}

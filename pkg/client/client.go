// Package client provides the RTMS page client: one HTTP GET per page with
// failure classification and request metrics.
//
// The client never retries. Retry eligibility is decided by the caller from
// the returned *APIError (see IsFatal and IsRetryable).
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for RTMS client operations.
var (
	rtmsRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rtms_requests_total",
		Help: "Total RTMS page requests by source type and status",
	}, []string{"source_type", "status"})

	rtmsRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rtms_request_duration_seconds",
		Help:    "RTMS page request duration in seconds by source type",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"source_type"})

	rtmsErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rtms_errors_total",
		Help: "Total RTMS errors by class",
	}, []string{"class"})
)

// SourceType names one upstream dataset.
type SourceType string

const (
	SourceRegionCd    SourceType = "regionCd"
	SourceDandok      SourceType = "dandok"
	SourceYeonlip     SourceType = "yeonlip"
	SourceOfficeHotel SourceType = "officeHotel"
)

// FetchKey identifies one unit of paginated work.
type FetchKey struct {
	SourceType SourceType
	RegionCode string
	Period     string
}

// String renders the key as type/region/period.
func (k FetchKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.SourceType, k.RegionCode, k.Period)
}

// RawRecord is one decoded API item.
type RawRecord map[string]any

// Page is one successfully decoded page.
type Page struct {
	Items      []RawRecord
	PageNo     int
	NumOfRows  int
	TotalCount int
}

// Endpoint holds the per-source request target.
type Endpoint struct {
	URL        string
	ServiceKey string
}

// Config holds the client configuration.
type Config struct {
	// Endpoints per source type.
	Endpoints map[SourceType]Endpoint

	// PageSize is the numOfRows sent with every request.
	PageSize int

	// Timeout bounds every single HTTP call.
	Timeout time.Duration

	// UserAgent header (optional).
	UserAgent string
}

// MaxPageSize is the largest numOfRows the upstream serves per page.
const MaxPageSize = 1000

// DefaultConfig returns a configuration with the upstream defaults and no endpoints.
func DefaultConfig() Config {
	return Config{
		Endpoints: map[SourceType]Endpoint{},
		PageSize:  MaxPageSize,
		Timeout:   30 * time.Second,
		UserAgent: "rtms-harvester",
	}
}

// Client issues single page requests.
type Client struct {
	httpClient *http.Client
	config     Config
	logger     zerolog.Logger
}

// New creates a new client.
func New(cfg Config) (*Client, error) {
	if cfg.PageSize <= 0 {
		return nil, fmt.Errorf("page size must be > 0 (got %d)", cfg.PageSize)
	}
	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("timeout must be > 0 (got %s)", cfg.Timeout)
	}
	for st, ep := range cfg.Endpoints {
		if ep.URL == "" {
			return nil, fmt.Errorf("endpoint url for %s is required", st)
		}
		if _, err := url.Parse(ep.URL); err != nil {
			return nil, fmt.Errorf("endpoint url for %s: %w", st, err)
		}
	}

	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		config:     cfg,
		logger:     log.With().Str("component", "rtms-client").Logger(),
	}, nil
}

// PageSize returns the configured numOfRows.
func (c *Client) PageSize() int {
	return c.config.PageSize
}

// FetchPage requests page pageNo of key. Any failure, including an error
// envelope embedded in a 200 response, is returned as an error. Cancellation
// of ctx is returned unclassified.
func (c *Client) FetchPage(ctx context.Context, key FetchKey, pageNo int) (*Page, error) {
	ep, ok := c.config.Endpoints[key.SourceType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSource, key.SourceType)
	}
	if ep.ServiceKey == "" {
		return nil, &APIError{Class: ErrorClassUnregisteredKey, Message: "no service key configured", Err: ErrMissingServiceKey}
	}

	source := string(key.SourceType)
	startTime := time.Now()
	defer func() {
		rtmsRequestDuration.WithLabelValues(source).Observe(time.Since(startTime).Seconds())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.requestURL(ep, key, pageNo), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}

	c.logger.Debug().
		Str("fetch_key", key.String()).
		Int("page", pageNo).
		Msg("Requesting page")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("request page %d: %w", pageNo, ctxErr)
		}
		return nil, c.fail(key, pageNo, &APIError{Class: ErrorClassNetwork, Message: "request failed", Err: err})
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, c.fail(key, pageNo, &APIError{Class: ErrorClassNetwork, StatusCode: resp.StatusCode, Message: "read body", Err: err})
	}

	if resp.StatusCode >= 300 {
		// The gateway sometimes pairs a non-2xx status with the XML error envelope.
		if _, decErr := decodePage(body, resp.StatusCode); decErr != nil {
			if apiErr := asAPIError(decErr); apiErr.ReasonCode != "" {
				return nil, c.fail(key, pageNo, apiErr)
			}
		}
		return nil, c.fail(key, pageNo, &APIError{
			Class:      classifyStatus(resp.StatusCode),
			StatusCode: resp.StatusCode,
			Message:    resp.Status,
		})
	}

	page, err := decodePage(body, resp.StatusCode)
	if err != nil {
		return nil, c.fail(key, pageNo, asAPIError(err))
	}

	rtmsRequestsTotal.WithLabelValues(source, strconv.Itoa(resp.StatusCode)).Inc()
	c.logger.Debug().
		Str("fetch_key", key.String()).
		Int("page", pageNo).
		Int("items", len(page.Items)).
		Int("total_count", page.TotalCount).
		Msg("Page received")

	return page, nil
}

func (c *Client) requestURL(ep Endpoint, key FetchKey, pageNo int) string {
	q := url.Values{}
	q.Set("pageNo", strconv.Itoa(pageNo))
	q.Set("numOfRows", strconv.Itoa(c.config.PageSize))
	q.Set("LAWD_CD", key.RegionCode)
	q.Set("DEAL_YMD", key.Period)
	q.Set("_type", "json")

	// The portal issues keys that are already URL-encoded; passing them
	// through url.Values would encode them twice.
	return ep.URL + "?serviceKey=" + ep.ServiceKey + "&" + q.Encode()
}

// fail records metrics and logging for a classified failure.
func (c *Client) fail(key FetchKey, pageNo int, apiErr *APIError) error {
	rtmsErrorsTotal.WithLabelValues(string(apiErr.Class)).Inc()
	rtmsRequestsTotal.WithLabelValues(string(key.SourceType), string(apiErr.Class)).Inc()

	evt := c.logger.Warn()
	if apiErr.Class == ErrorClassUnregisteredKey {
		evt = c.logger.Error()
	}
	evt.Str("fetch_key", key.String()).
		Int("page", pageNo).
		Str("error_class", string(apiErr.Class)).
		Str("reason_code", apiErr.ReasonCode).
		Err(apiErr).
		Msg("RTMS request failed")

	return apiErr
}

func asAPIError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return &APIError{Class: ErrorClassDecode, Err: err}
}

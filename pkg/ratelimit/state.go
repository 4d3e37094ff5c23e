// Package ratelimit throttles upstream calls to the RTMS quotas: a per-second
// token bucket per source type and a daily call ledger shared through Redis,
// so that several harvester processes on one service key see the same usage.
package ratelimit

import (
	"fmt"
	"time"
)

// RedisKeyPrefix prefixes all daily ledger keys: rtms:quota:<source>:<YYYYMMDD>.
const RedisKeyPrefix = "rtms:quota"

// LedgerTTL keeps a day's counter long enough to survive the day boundary.
const LedgerTTL = 48 * time.Hour

// QuotaThresholdWarning is the used/limit ratio above which usage is logged as a warning.
const QuotaThresholdWarning = 0.8

// QuotaLocation is the timezone in which the upstream daily quota resets.
// Korea observes no daylight saving time.
var QuotaLocation = time.FixedZone("KST", 9*60*60)

// QuotaState is the daily call usage of one source type.
type QuotaState struct {
	// SourceType is the dataset the quota belongs to.
	SourceType string `json:"source_type"`

	// Day is the quota day in YYYYMMDD (QuotaLocation).
	Day string `json:"day"`

	// Used is the number of calls recorded for Day.
	Used int `json:"used"`

	// Limit is the configured daily limit (0 = unlimited).
	Limit int `json:"limit"`

	// LastUpdate is when this state was read or written.
	LastUpdate time.Time `json:"last_update"`

	// IsHealthy is true while usage is below QuotaThresholdWarning.
	IsHealthy bool `json:"is_healthy"`
}

// Remaining returns the calls left today, or -1 when unlimited.
func (s *QuotaState) Remaining() int {
	if s.Limit <= 0 {
		return -1
	}
	if r := s.Limit - s.Used; r > 0 {
		return r
	}
	return 0
}

// NeedsCriticalBlock returns true once the daily limit is exceeded.
func (s *QuotaState) NeedsCriticalBlock() bool {
	return s.Limit > 0 && s.Used > s.Limit
}

// NeedsWarning returns true when usage is above the warning ratio but not blocked.
func (s *QuotaState) NeedsWarning() bool {
	return s.Limit > 0 && float64(s.Used) >= QuotaThresholdWarning*float64(s.Limit) && !s.NeedsCriticalBlock()
}

// WouldExceed reports whether n more calls would exceed the limit.
func (s *QuotaState) WouldExceed(n int) bool {
	return s.Limit > 0 && s.Used+n > s.Limit
}

// TimeUntilReset returns the duration until the quota day ends.
func (s *QuotaState) TimeUntilReset(now time.Time) time.Duration {
	local := now.In(QuotaLocation)
	midnight := time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, QuotaLocation)
	return midnight.Sub(local)
}

// UpdateHealth updates IsHealthy from Used and Limit.
func (s *QuotaState) UpdateHealth() {
	s.IsHealthy = s.Limit <= 0 || float64(s.Used) < QuotaThresholdWarning*float64(s.Limit)
}

// QuotaDay returns the ledger day of t.
func QuotaDay(t time.Time) string {
	return t.In(QuotaLocation).Format("20060102")
}

// LedgerKey returns the Redis key counting calls of source on day.
func LedgerKey(source, day string) string {
	return fmt.Sprintf("%s:%s:%s", RedisKeyPrefix, source, day)
}

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/Sternrassler/rtms-harvester/pkg/ratelimit"
	"github.com/rs/zerolog"
)

var (
	// ErrInvalidSource is returned for an incomplete source definition.
	ErrInvalidSource = errors.New("invalid source")

	// ErrTableMissing is returned when the target table does not exist.
	ErrTableMissing = errors.New("target table does not exist")

	// ErrInvalidRegionCode is returned for region codes that are not 5 digits.
	ErrInvalidRegionCode = errors.New("invalid region code")

	// ErrQuotaExceeded is returned when the projected request count exceeds the daily limit.
	ErrQuotaExceeded = errors.New("projected requests exceed daily limit")

	// ErrInvalidPeriod is returned for malformed or reversed YYYYMM ranges.
	ErrInvalidPeriod = errors.New("invalid period")
)

var (
	regionCodePattern = regexp.MustCompile(`^\d{5}$`)
	yearMonthPattern  = regexp.MustCompile(`^\d{6}$`)
)

// ValidateConfig checks that src can be harvested.
func ValidateConfig(src Source) error {
	if src.Type == "" {
		return fmt.Errorf("%w: missing source type", ErrInvalidSource)
	}
	if src.URL == "" {
		return fmt.Errorf("%w: %s has no endpoint URL", ErrInvalidSource, src.Type)
	}
	if src.DailyLimit <= 0 {
		return fmt.Errorf("%w: %s needs a positive daily limit", ErrInvalidSource, src.Type)
	}
	if src.Schema.Len() == 0 {
		return fmt.Errorf("%w: %s has no field schema", ErrInvalidSource, src.Type)
	}
	if src.Converter == nil {
		return fmt.Errorf("%w: %s has no converter", ErrInvalidSource, src.Type)
	}
	return nil
}

// ValidateTableExists checks that the target table of src exists.
func ValidateTableExists(ctx context.Context, loader Loader, src Source) error {
	ok, err := loader.TableExists(ctx, src.Schema.Table())
	if err != nil {
		return fmt.Errorf("check table %s: %w", src.Schema.Table(), err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrTableMissing, src.Schema.Table())
	}
	return nil
}

// ValidateRegionCodes checks that every code is a 5-digit district code.
func ValidateRegionCodes(regions []string) error {
	if len(regions) == 0 {
		return fmt.Errorf("%w: no region codes", ErrInvalidRegionCode)
	}
	for _, r := range regions {
		if !regionCodePattern.MatchString(r) {
			return fmt.Errorf("%w: %q", ErrInvalidRegionCode, r)
		}
	}
	return nil
}

// ValidateAPILimits fails iff len(regions)*len(periods) exceeds the daily
// limit of src.
func ValidateAPILimits(src Source, regions, periods []string) error {
	projected := len(regions) * len(periods)
	if projected > src.DailyLimit {
		return fmt.Errorf("%w: %s needs %d requests (%d regions x %d periods), limit %d",
			ErrQuotaExceeded, src.Type, projected, len(regions), len(periods), src.DailyLimit)
	}
	return nil
}

// Usage reports today's quota usage of a source type.
type Usage interface {
	Usage(ctx context.Context, source string) (*ratelimit.QuotaState, error)
}

// WarnQuotaUsage logs a warning when today's recorded usage plus the projected
// requests would exceed the daily limit. The first page of each key is
// counted; further pages only raise the real usage.
func WarnQuotaUsage(ctx context.Context, usage Usage, src Source, projected int, logger zerolog.Logger) {
	if usage == nil {
		return
	}
	state, err := usage.Usage(ctx, string(src.Type))
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to read quota usage")
		return
	}
	if state.WouldExceed(projected) {
		logger.Warn().
			Int("used", state.Used).
			Int("limit", state.Limit).
			Int("projected", projected).
			Dur("reset_in", state.TimeUntilReset(time.Now())).
			Msg("Projected requests exceed remaining daily quota")
	}
}

// GenerateYearMonths returns every YYYYMM from start to end inclusive.
func GenerateYearMonths(start, end string) ([]string, error) {
	from, err := parseYearMonth(start)
	if err != nil {
		return nil, err
	}
	to, err := parseYearMonth(end)
	if err != nil {
		return nil, err
	}
	if from.After(to) {
		return nil, fmt.Errorf("%w: start %s is after end %s", ErrInvalidPeriod, start, end)
	}

	var months []string
	for m := from; !m.After(to); m = m.AddDate(0, 1, 0) {
		months = append(months, m.Format("200601"))
	}
	return months, nil
}

func parseYearMonth(s string) (time.Time, error) {
	if !yearMonthPattern.MatchString(s) {
		return time.Time{}, fmt.Errorf("%w: %q is not YYYYMM", ErrInvalidPeriod, s)
	}
	t, err := time.Parse("200601", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q: %v", ErrInvalidPeriod, s, err)
	}
	return t, nil
}

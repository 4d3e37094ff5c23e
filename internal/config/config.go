// Package config loads harvester configuration from built-in defaults, an
// optional YAML file and RTMS_ prefixed environment variables, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/Sternrassler/rtms-harvester/pkg/client"
	"github.com/Sternrassler/rtms-harvester/pkg/ratelimit"
	"github.com/Sternrassler/rtms-harvester/pkg/schema"
	"github.com/Sternrassler/rtms-harvester/pkg/store"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. RTMS_DATABASE_DSN.
const EnvPrefix = "RTMS"

// SourceOrder is the order in which transaction sources are harvested.
var SourceOrder = []client.SourceType{client.SourceDandok, client.SourceYeonlip, client.SourceOfficeHotel}

// Config is the complete harvester configuration.
type Config struct {
	Log           LogConfig               `mapstructure:"log"`
	Metrics       MetricsConfig           `mapstructure:"metrics"`
	Redis         RedisConfig             `mapstructure:"redis"`
	Database      store.Config            `mapstructure:"database"`
	Fetch         FetchConfig             `mapstructure:"fetch"`
	Retry         RetryConfig             `mapstructure:"retry"`
	Sources       map[string]SourceConfig `mapstructure:"sources"`
	AllowedTables []string                `mapstructure:"allowed_tables"`
	Regions       RegionsConfig           `mapstructure:"regions"`
	Period        PeriodConfig            `mapstructure:"period"`
}

// LogConfig configures pkg/logging.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// MetricsConfig configures the /metrics endpoint. An empty Addr disables it.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// RedisConfig configures the daily quota ledger. An empty Addr keeps the
// ledger in process memory.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// FetchConfig configures page requests and waves.
type FetchConfig struct {
	PageSize        int           `mapstructure:"page_size"`
	Timeout         time.Duration `mapstructure:"timeout"`
	UserAgent       string        `mapstructure:"user_agent"`
	WaveDelay       time.Duration `mapstructure:"wave_delay"`
	MaxConcurrency  int           `mapstructure:"max_concurrency"`
	InsertBatchSize int           `mapstructure:"insert_batch_size"`
}

// RetryConfig configures the end-of-source retry pass.
type RetryConfig struct {
	BatchSize         int           `mapstructure:"batch_size"`
	MaxRounds         int           `mapstructure:"max_rounds"`
	BatchDelay        time.Duration `mapstructure:"batch_delay"`
	InitialBackoff    time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff        time.Duration `mapstructure:"max_backoff"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
	Jitter            float64       `mapstructure:"jitter"`
}

// SourceConfig configures one upstream source type.
type SourceConfig struct {
	Enabled           bool            `mapstructure:"enabled"`
	URL               string          `mapstructure:"url"`
	APIKey            string          `mapstructure:"api_key"`
	DailyLimit        int             `mapstructure:"daily_limit"`
	RequestsPerSecond float64         `mapstructure:"requests_per_second"`
	Burst             int             `mapstructure:"burst"`
	Table             string          `mapstructure:"table"`
	Fields            []schema.Column `mapstructure:"fields"`
}

// RegionsConfig selects the district codes to harvest. Codes wins over the
// REGIONCD table; File (and LocationsFile) reseed REGIONCD when Seed is set.
type RegionsConfig struct {
	Codes         []string `mapstructure:"codes"`
	File          string   `mapstructure:"file"`
	LocationsFile string   `mapstructure:"locations_file"`
	Seed          bool     `mapstructure:"seed"`
}

// PeriodConfig holds the default YYYYMM range used when none is given on the command line.
type PeriodConfig struct {
	Start string `mapstructure:"start"`
	End   string `mapstructure:"end"`
}

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid config")

var yearMonth = regexp.MustCompile(`^\d{6}$`)

type sourceDefault struct {
	url        string
	dailyLimit int
	enabled    bool
}

var sourceDefaults = map[client.SourceType]sourceDefault{
	client.SourceRegionCd:    {"https://apis.data.go.kr/1741000/StanReginCd/getStanReginCdList", 10000, false},
	client.SourceDandok:      {"http://apis.data.go.kr/1613000/RTMSDataSvcSHRent/getRTMSDataSvcSHRent", 1000, true},
	client.SourceYeonlip:     {"http://apis.data.go.kr/1613000/RTMSDataSvcRHRent/getRTMSDataSvcRHRent", 10000, true},
	client.SourceOfficeHotel: {"https://apis.data.go.kr/1613000/RTMSDataSvcOffiRent/getRTMSDataSvcOffiRent", 10000, true},
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)

	v.SetDefault("metrics.addr", "")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	db := store.DefaultConfig()
	v.SetDefault("database.driver", string(db.Driver))
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_conns", db.MaxConns)
	v.SetDefault("database.min_conns", db.MinConns)
	v.SetDefault("database.queue_max", db.QueueMax)
	v.SetDefault("database.queue_timeout", db.QueueTimeout)

	fetch := client.DefaultConfig()
	v.SetDefault("fetch.page_size", fetch.PageSize)
	v.SetDefault("fetch.timeout", fetch.Timeout)
	v.SetDefault("fetch.user_agent", fetch.UserAgent)
	v.SetDefault("fetch.wave_delay", time.Second)
	v.SetDefault("fetch.max_concurrency", 0)
	v.SetDefault("fetch.insert_batch_size", store.DefaultBatchSize)

	retry := client.DefaultRetryConfig()
	v.SetDefault("retry.batch_size", 100)
	v.SetDefault("retry.max_rounds", retry.MaxAttempts)
	v.SetDefault("retry.batch_delay", time.Second)
	v.SetDefault("retry.initial_backoff", retry.InitialBackoff)
	v.SetDefault("retry.max_backoff", retry.MaxBackoff)
	v.SetDefault("retry.backoff_multiplier", retry.BackoffMultiplier)
	v.SetDefault("retry.jitter", retry.Jitter)

	for source, d := range sourceDefaults {
		prefix := "sources." + string(source) + "."
		v.SetDefault(prefix+"enabled", d.enabled)
		v.SetDefault(prefix+"url", d.url)
		v.SetDefault(prefix+"api_key", "")
		v.SetDefault(prefix+"daily_limit", d.dailyLimit)
		v.SetDefault(prefix+"requests_per_second", 25.0)
		v.SetDefault(prefix+"burst", 25)
		v.SetDefault(prefix+"table", "")
	}

	v.SetDefault("allowed_tables", schema.BuiltinTables())

	v.SetDefault("regions.codes", []string{})
	v.SetDefault("regions.file", "")
	v.SetDefault("regions.locations_file", "")
	v.SetDefault("regions.seed", false)

	v.SetDefault("period.start", "202411")
	v.SetDefault("period.end", "202411")
}

// Load reads configuration. An empty path looks for rtms.yaml in ./configs
// and the working directory and falls back to defaults when none exists.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("rtms")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// RTMS_REGIONS_CODES may separate codes with spaces or commas.
	var codes []string
	for _, c := range cfg.Regions.Codes {
		codes = append(codes, splitList(c)...)
	}
	cfg.Regions.Codes = codes

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func splitList(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' })
}

// Validate checks the configuration for values the pipeline cannot run with.
func (c *Config) Validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLevels[strings.ToLower(c.Log.Level)] {
		return fmt.Errorf("%w: invalid log level: %s", ErrInvalidConfig, c.Log.Level)
	}

	switch c.Database.Driver {
	case store.DialectPostgres, store.DialectMySQL, store.DialectSQLite:
	default:
		return fmt.Errorf("%w: unsupported database.driver: %s", ErrInvalidConfig, c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("%w: database.dsn is required", ErrInvalidConfig)
	}

	if c.Fetch.PageSize <= 0 || c.Fetch.PageSize > client.MaxPageSize {
		return fmt.Errorf("%w: fetch.page_size must be in [1, %d]", ErrInvalidConfig, client.MaxPageSize)
	}
	if c.Fetch.Timeout <= 0 {
		return fmt.Errorf("%w: fetch.timeout must be positive", ErrInvalidConfig)
	}
	if c.Fetch.MaxConcurrency < 0 {
		return fmt.Errorf("%w: fetch.max_concurrency must not be negative", ErrInvalidConfig)
	}

	if c.Retry.BatchSize <= 0 {
		return fmt.Errorf("%w: retry.batch_size must be positive", ErrInvalidConfig)
	}
	if err := c.RetryBackoff().Validate(); err != nil {
		return fmt.Errorf("%w: retry: %v", ErrInvalidConfig, err)
	}

	for _, name := range c.EnabledSources() {
		sc, _ := c.Source(name)
		if sc.URL == "" {
			return fmt.Errorf("%w: sources.%s.url is required", ErrInvalidConfig, name)
		}
		if sc.DailyLimit <= 0 {
			return fmt.Errorf("%w: sources.%s.daily_limit must be positive", ErrInvalidConfig, name)
		}
		if _, err := c.Schema(name); err != nil {
			return fmt.Errorf("%w: sources.%s: %v", ErrInvalidConfig, name, err)
		}
	}

	for _, p := range []string{c.Period.Start, c.Period.End} {
		if !yearMonth.MatchString(p) {
			return fmt.Errorf("%w: invalid period %q (YYYYMM)", ErrInvalidConfig, p)
		}
	}
	return nil
}

// EnabledSources returns the enabled transaction sources in harvest order.
func (c *Config) EnabledSources() []client.SourceType {
	var out []client.SourceType
	for _, s := range SourceOrder {
		if sc, ok := c.Source(s); ok && sc.Enabled {
			out = append(out, s)
		}
	}
	return out
}

// Source returns the configuration of source. Keys are matched
// case-insensitively since viper lower-cases them.
func (c *Config) Source(source client.SourceType) (SourceConfig, bool) {
	if sc, ok := c.Sources[string(source)]; ok {
		return sc, true
	}
	for name, sc := range c.Sources {
		if strings.EqualFold(name, string(source)) {
			return sc, true
		}
	}
	return SourceConfig{}, false
}

// canonical maps a lower-cased source key back to its SourceType.
func canonical(name string) client.SourceType {
	for source := range sourceDefaults {
		if strings.EqualFold(name, string(source)) {
			return source
		}
	}
	return client.SourceType(name)
}

// Schema returns the field schema of a source: the configured fields when
// present, otherwise the built-in schema, stored in the configured table
// when one is set.
func (c *Config) Schema(source client.SourceType) (schema.FieldSchema, error) {
	sc, _ := c.Source(source)
	builtin, hasBuiltin := schema.Builtin(string(source))

	table := sc.Table
	if table == "" && hasBuiltin {
		table = builtin.Table()
	}

	switch {
	case len(sc.Fields) > 0:
		return schema.New(table, sc.Fields...)
	case hasBuiltin && table == builtin.Table():
		return builtin, nil
	case hasBuiltin:
		return schema.New(table, builtin.Columns()...)
	default:
		return schema.FieldSchema{}, fmt.Errorf("no field schema for source %s", source)
	}
}

// ClientConfig returns the RTMS client configuration.
func (c *Config) ClientConfig() client.Config {
	cfg := client.DefaultConfig()
	cfg.PageSize = c.Fetch.PageSize
	cfg.Timeout = c.Fetch.Timeout
	if c.Fetch.UserAgent != "" {
		cfg.UserAgent = c.Fetch.UserAgent
	}
	cfg.Endpoints = make(map[client.SourceType]client.Endpoint, len(c.Sources))
	for name, sc := range c.Sources {
		cfg.Endpoints[canonical(name)] = client.Endpoint{URL: sc.URL, ServiceKey: sc.APIKey}
	}
	return cfg
}

// SourceLimits returns the per-source limits for the rate limiter.
func (c *Config) SourceLimits() map[string]ratelimit.SourceLimit {
	out := make(map[string]ratelimit.SourceLimit, len(c.Sources))
	for name, sc := range c.Sources {
		out[string(canonical(name))] = ratelimit.SourceLimit{
			RequestsPerSecond: sc.RequestsPerSecond,
			Burst:             sc.Burst,
			DailyLimit:        sc.DailyLimit,
		}
	}
	return out
}

// RetryBackoff returns the retry round backoff schedule.
func (c *Config) RetryBackoff() client.RetryConfig {
	return client.RetryConfig{
		MaxAttempts:       c.Retry.MaxRounds,
		InitialBackoff:    c.Retry.InitialBackoff,
		MaxBackoff:        c.Retry.MaxBackoff,
		BackoffMultiplier: c.Retry.BackoffMultiplier,
		Jitter:            c.Retry.Jitter,
	}
}

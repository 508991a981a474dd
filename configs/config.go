package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/postflow-analytics/config.yaml",
}

const ConfigPathEnvVar = "CONFIG_PATH"

type R2 struct {
	AccountID  string `koanf:"account_id"`
	AccessKey  string `koanf:"access_key"`
	SecretKey  string `koanf:"secret_key"`
	BucketName string `koanf:"bucket_name"`
}

type ServerConfig struct {
	Addr         string        `koanf:"addr" validate:"required"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
}

type DatabaseConfig struct {
	PostgresURI string `koanf:"postgres_uri"`
	Migrate     bool   `koanf:"migrate"`
}

type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db" validate:"gte=0"`
}

type SecurityConfig struct {
	// SecretKey decrypts stored credentials and signs API tokens. AES
	// needs 16, 24 or 32 bytes.
	SecretKey string `koanf:"secret_key" validate:"omitempty,len=16|len=24|len=32"`
}

type SyncConfig struct {
	MinRecollectInterval         time.Duration `koanf:"min_recollect_interval" validate:"gte=0"`
	ObservationTimezone          string        `koanf:"observation_timezone" validate:"required"`
	ProviderCallTimeout          time.Duration `koanf:"provider_call_timeout" validate:"gt=0"`
	MaxConcurrentRuns            int           `koanf:"max_concurrent_runs" validate:"gte=1"`
	MaxConcurrentCallsPerAccount int           `koanf:"max_concurrent_calls_per_account" validate:"gte=1"`
	RateLimitRetryWait           time.Duration `koanf:"rate_limit_retry_wait" validate:"gte=0"`
	LockBackend                  string        `koanf:"lock_backend" validate:"oneof=memory redis"`
	LockWait                     time.Duration `koanf:"lock_wait"`
	LockTTL                      time.Duration `koanf:"lock_ttl"`
}

// Location resolves ObservationTimezone, falling back to UTC.
func (c SyncConfig) Location() *time.Location {
	loc, err := time.LoadLocation(c.ObservationTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// StrategyWindows holds the thresholds the strategy selector works from.
// In a per-platform override a zero field inherits the default.
type StrategyWindows struct {
	BackfillDays         int           `koanf:"backfill_days" validate:"gte=0"`
	BackfillItemLimit    int           `koanf:"backfill_item_limit" validate:"gte=0"`
	IncrementalDays      int           `koanf:"incremental_days" validate:"gte=0"`
	IncrementalItemLimit int           `koanf:"incremental_item_limit" validate:"gte=0"`
	IncrementalMaxGap    time.Duration `koanf:"incremental_max_gap" validate:"gte=0"`
	GapFillMaxGapDays    int           `koanf:"gap_fill_max_gap_days" validate:"gte=0"`
	GapFillCapDays       int           `koanf:"gap_fill_cap_days" validate:"gte=0"`
	GapFillItemLimit     int           `koanf:"gap_fill_item_limit" validate:"gte=0"`
	MaxLookbackDays      int           `koanf:"max_lookback_days" validate:"gte=0"`
}

type StrategyConfig struct {
	Defaults  StrategyWindows            `koanf:"defaults"`
	Platforms map[string]StrategyWindows `koanf:"platforms" validate:"dive"`
}

// For returns the effective windows for platform.
func (c StrategyConfig) For(platform string) StrategyWindows {
	w := c.Defaults
	o, ok := c.Platforms[platform]
	if !ok {
		return w
	}
	pick := func(dst *int, v int) {
		if v > 0 {
			*dst = v
		}
	}
	pick(&w.BackfillDays, o.BackfillDays)
	pick(&w.BackfillItemLimit, o.BackfillItemLimit)
	pick(&w.IncrementalDays, o.IncrementalDays)
	pick(&w.IncrementalItemLimit, o.IncrementalItemLimit)
	pick(&w.GapFillMaxGapDays, o.GapFillMaxGapDays)
	pick(&w.GapFillCapDays, o.GapFillCapDays)
	pick(&w.GapFillItemLimit, o.GapFillItemLimit)
	pick(&w.MaxLookbackDays, o.MaxLookbackDays)
	if o.IncrementalMaxGap > 0 {
		w.IncrementalMaxGap = o.IncrementalMaxGap
	}
	return w
}

type JobConfig struct {
	Cadence  string `koanf:"cadence"`
	Disabled bool   `koanf:"disabled"`
	// Queue routes the job's work items when the durable backend is in use.
	Queue string `koanf:"queue"`
}

type SchedulerConfig struct {
	Backend          string               `koanf:"backend" validate:"oneof=auto queue timer"`
	FailureThreshold int                  `koanf:"failure_threshold" validate:"gte=1"`
	TimerConcurrency int                  `koanf:"timer_concurrency" validate:"gte=1"`
	Jobs             map[string]JobConfig `koanf:"jobs"`
	// CredentialExpiryWarning flags tokens expiring within this window.
	CredentialExpiryWarning time.Duration `koanf:"credential_expiry_warning"`
	CleanupDays             int           `koanf:"cleanup_days" validate:"gte=1"`
}

type QueueConfig struct {
	Concurrency int            `koanf:"concurrency" validate:"gte=1"`
	MaxRetry    int            `koanf:"max_retry" validate:"gte=0"`
	BackoffBase time.Duration  `koanf:"backoff_base" validate:"gt=0"`
	BackoffMax  time.Duration  `koanf:"backoff_max" validate:"gtefield=BackoffBase"`
	TaskTimeout time.Duration  `koanf:"task_timeout" validate:"gt=0"`
	Retention   time.Duration  `koanf:"retention" validate:"gte=0"`
	Queues      map[string]int `koanf:"queues"`
}

type ProviderConfig struct {
	RequestsPerSecond   float64       `koanf:"requests_per_second" validate:"gte=0"`
	Burst               int           `koanf:"burst" validate:"gte=0"`
	BreakerMinRequests  uint32        `koanf:"breaker_min_requests"`
	BreakerFailureRatio float64       `koanf:"breaker_failure_ratio" validate:"gte=0,lte=1"`
	BreakerOpenTimeout  time.Duration `koanf:"breaker_open_timeout"`
}

type ProvidersConfig struct {
	InstagramBaseURL string         `koanf:"instagram_base_url" validate:"omitempty,url"`
	FacebookBaseURL  string         `koanf:"facebook_base_url" validate:"omitempty,url"`
	YoutubeEndpoint  string         `koanf:"youtube_endpoint" validate:"omitempty,url"`
	Instagram        ProviderConfig `koanf:"instagram"`
	Facebook         ProviderConfig `koanf:"facebook"`
	Youtube          ProviderConfig `koanf:"youtube"`
}

type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json text"`
}

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Database  DatabaseConfig  `koanf:"database"`
	Redis     RedisConfig     `koanf:"redis"`
	Security  SecurityConfig  `koanf:"security"`
	Sync      SyncConfig      `koanf:"sync"`
	Strategy  StrategyConfig  `koanf:"strategy"`
	Scheduler SchedulerConfig `koanf:"scheduler"`
	Queue     QueueConfig     `koanf:"queue"`
	Providers ProvidersConfig `koanf:"providers"`
	R2        R2              `koanf:"r2"`
	Log       LogConfig       `koanf:"log"`
}

// Job names registered by the server.
const (
	JobAccountSync     = "account_sync"
	JobSnapshotCleanup = "snapshot_cleanup"
	JobQueueCleanup    = "queue_cleanup"
	JobCredentialCheck = "credential_check"
)

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:         ":3000",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 2 * time.Minute,
		},
		Database: DatabaseConfig{Migrate: true},
		Sync: SyncConfig{
			MinRecollectInterval:         15 * time.Minute,
			ObservationTimezone:          "UTC",
			ProviderCallTimeout:          30 * time.Second,
			MaxConcurrentRuns:            4,
			MaxConcurrentCallsPerAccount: 2,
			RateLimitRetryWait:           2 * time.Second,
			LockBackend:                  "memory",
			LockWait:                     5 * time.Second,
			LockTTL:                      30 * time.Second,
		},
		Strategy: StrategyConfig{
			Defaults: StrategyWindows{
				BackfillDays:         30,
				BackfillItemLimit:    100,
				IncrementalDays:      1,
				IncrementalItemLimit: 25,
				IncrementalMaxGap:    24 * time.Hour,
				GapFillMaxGapDays:    3,
				GapFillCapDays:       3,
				GapFillItemLimit:     50,
				MaxLookbackDays:      90,
			},
		},
		Scheduler: SchedulerConfig{
			Backend:                 "auto",
			FailureThreshold:        3,
			TimerConcurrency:        2,
			CredentialExpiryWarning: 72 * time.Hour,
			CleanupDays:             7,
		},
		Queue: QueueConfig{
			Concurrency: 10,
			MaxRetry:    5,
			BackoffBase: 30 * time.Second,
			BackoffMax:  30 * time.Minute,
			TaskTimeout: 10 * time.Minute,
			Retention:   24 * time.Hour,
		},
		Providers: ProvidersConfig{
			Instagram: ProviderConfig{RequestsPerSecond: 5, Burst: 5, BreakerMinRequests: 10, BreakerFailureRatio: 0.6, BreakerOpenTimeout: 2 * time.Minute},
			Facebook:  ProviderConfig{RequestsPerSecond: 5, Burst: 5, BreakerMinRequests: 10, BreakerFailureRatio: 0.6, BreakerOpenTimeout: 2 * time.Minute},
			Youtube:   ProviderConfig{RequestsPerSecond: 3, Burst: 3, BreakerMinRequests: 10, BreakerFailureRatio: 0.6, BreakerOpenTimeout: 2 * time.Minute},
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

func defaultJobs() map[string]JobConfig {
	return map[string]JobConfig{
		JobAccountSync:     {Cadence: "@daily", Queue: "default"},
		JobSnapshotCleanup: {Cadence: "@daily", Queue: "low"},
		JobQueueCleanup:    {Cadence: "6h", Queue: "low"},
		JobCredentialCheck: {Cadence: "12h", Queue: "low"},
	}
}

func defaultQueues() map[string]int {
	return map[string]int{"critical": 6, "default": 3, "low": 1}
}

// LoadConfig layers defaults, an optional YAML file and the environment.
func LoadConfig() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	cfg.applyMapDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// applyMapDefaults fills map-valued settings, which the struct provider
// cannot layer, entry by entry.
func (c *Config) applyMapDefaults() {
	if c.Scheduler.Jobs == nil {
		c.Scheduler.Jobs = make(map[string]JobConfig)
	}
	for name, def := range defaultJobs() {
		job, ok := c.Scheduler.Jobs[name]
		if !ok {
			c.Scheduler.Jobs[name] = def
			continue
		}
		if job.Cadence == "" {
			job.Cadence = def.Cadence
		}
		if job.Queue == "" {
			job.Queue = def.Queue
		}
		c.Scheduler.Jobs[name] = job
	}
	if len(c.Queue.Queues) == 0 {
		c.Queue.Queues = defaultQueues()
	}
}

var validate = validator.New()

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if _, err := time.LoadLocation(c.Sync.ObservationTimezone); err != nil {
		return fmt.Errorf("sync.observation_timezone: %w", err)
	}
	for name, job := range c.Scheduler.Jobs {
		if _, err := ParseCadence(job.Cadence); err != nil {
			return fmt.Errorf("scheduler.jobs.%s.cadence: %w", name, err)
		}
		if _, ok := c.Queue.Queues[job.Queue]; !ok {
			return fmt.Errorf("scheduler.jobs.%s.queue: unknown queue %q", name, job.Queue)
		}
	}
	return nil
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// legacyEnv keeps the flat variable names deployments already set.
var legacyEnv = map[string]string{
	"postgres_uri":   "database.postgres_uri",
	"redis_uri":      "redis.addr",
	"redis_password": "redis.password",
	"secret_key":     "security.secret_key",
	"r2_account_id":  "r2.account_id",
	"r2_access_key":  "r2.access_key",
	"r2_secret_key":  "r2.secret_key",
	"r2_bucket_name": "r2.bucket_name",
	"port":           "server.addr",
	"log_level":      "log.level",
	"log_format":     "log.format",
}

// envTransformFunc maps POSTGRES_URI style names through legacyEnv and
// APP_SYNC__LOCK_BACKEND style names onto nested keys. Anything else is
// dropped.
func envTransformFunc(key string) string {
	lower := strings.ToLower(key)
	if path, ok := legacyEnv[lower]; ok {
		return path
	}
	if rest, ok := strings.CutPrefix(lower, "app_"); ok {
		return strings.ReplaceAll(rest, "__", ".")
	}
	return ""
}

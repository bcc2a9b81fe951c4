// Package config loads runtime settings. Values start from Default, are
// overlaid by an optional YAML file and finally by environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"ingest-queue/internal/repository"
	"ingest-queue/internal/source"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is the full application configuration.
type Config struct {
	HTTP      HTTP            `yaml:"http"`
	Database  Database        `yaml:"database"`
	Cache     Cache           `yaml:"cache"`
	Queue     Queue           `yaml:"queue"`
	Load      Load            `yaml:"load"`
	Processor Processor       `yaml:"processor"`
	Local     source.LocalConfig `yaml:"local"`
	S3        source.S3Config    `yaml:"s3"`
	Log       Log             `yaml:"log"`
}

type HTTP struct {
	Addr                 string        `env:"HTTP_ADDR" yaml:"addr"`
	CORSOrigin           string        `env:"HTTP_CORS_ORIGIN" yaml:"cors_origin"`
	AdminToken           string        `env:"ADMIN_TOKEN" yaml:"admin_token"`
	SubmissionsPerMinute int           `env:"HTTP_SUBMISSIONS_PER_MINUTE" yaml:"submissions_per_minute"`
	ReadTimeout          time.Duration `env:"HTTP_READ_TIMEOUT" yaml:"read_timeout"`
	WriteTimeout         time.Duration `env:"HTTP_WRITE_TIMEOUT" yaml:"write_timeout"`
	ShutdownTimeout      time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" yaml:"shutdown_timeout"`
}

type Database struct {
	// Driver is sqlite or postgres.
	Driver   string                    `env:"DATABASE_DRIVER" yaml:"driver"`
	Path     string                    `env:"DATABASE_PATH" yaml:"path"`
	Postgres repository.PostgresConfig `yaml:"postgres"`
}

type Cache struct {
	// Driver is memory, redis or none.
	Driver        string        `env:"CACHE_DRIVER" yaml:"driver"`
	TTL           time.Duration `env:"CACHE_TTL" yaml:"ttl"`
	RedisURL      string        `env:"REDIS_URL" yaml:"redis_url"`
	Prefix        string        `env:"CACHE_PREFIX" yaml:"prefix"`
	RetryAttempts int           `env:"REDIS_RETRY_ATTEMPTS" yaml:"retry_attempts"`
	RetryInterval time.Duration `env:"REDIS_RETRY_INTERVAL" yaml:"retry_interval"`
}

// Queue holds the queue policy.
type Queue struct {
	BatchSize             int           `env:"QUEUE_BATCH_SIZE" yaml:"batch_size"`
	MaxAttempts           int           `env:"QUEUE_MAX_ATTEMPTS" yaml:"max_attempts"`
	MinProcessingInterval time.Duration `env:"QUEUE_MIN_PROCESSING_INTERVAL" yaml:"min_processing_interval"`
	MaxProcessingTime     time.Duration `env:"QUEUE_MAX_PROCESSING_TIME" yaml:"max_processing_time"`
	// MaxDirectSize is the largest file, in bytes, sent through the direct path.
	MaxDirectSize        int64         `env:"QUEUE_MAX_DIRECT_SIZE" yaml:"max_direct_size"`
	FailedRetention      time.Duration `env:"QUEUE_FAILED_RETENTION" yaml:"failed_retention"`
	EnqueueFallbackDelay time.Duration `env:"QUEUE_ENQUEUE_FALLBACK_DELAY" yaml:"enqueue_fallback_delay"`
	InterJobPause        time.Duration `env:"QUEUE_INTER_JOB_PAUSE" yaml:"inter_job_pause"`
	CleanupSchedule      string        `env:"QUEUE_CLEANUP_SCHEDULE" yaml:"cleanup_schedule"`
	// MaxBacklog refuses new jobs while this many are pending; zero disables it.
	MaxBacklog int `env:"QUEUE_MAX_BACKLOG" yaml:"max_backlog"`
	// CountDeferralsAsAttempts makes a load deferral consume a retry attempt.
	CountDeferralsAsAttempts bool `env:"QUEUE_COUNT_DEFERRALS_AS_ATTEMPTS" yaml:"count_deferrals_as_attempts"`
}

// StaleAfter is how long a job may sit in processing before the reaper fails it.
func (q Queue) StaleAfter() time.Duration {
	return 2 * q.MaxProcessingTime
}

type Load struct {
	// LoadThreshold is compared against load1 divided by the CPU count.
	LoadThreshold float64 `env:"LOAD_THRESHOLD" yaml:"load_threshold"`
	// MemoryThreshold is the fraction of MemoryLimit the process RSS may use.
	MemoryThreshold float64 `env:"MEMORY_THRESHOLD" yaml:"memory_threshold"`
	// MemoryLimit in bytes; zero falls back to GOMEMLIMIT.
	MemoryLimit int64 `env:"MEMORY_LIMIT" yaml:"memory_limit"`
}

type Processor struct {
	URL       string        `env:"PROCESSOR_URL" yaml:"url"`
	Token     string        `env:"PROCESSOR_TOKEN" yaml:"token"`
	ChunkSize int64         `env:"PROCESSOR_CHUNK_SIZE" yaml:"chunk_size"`
	Timeout   time.Duration `env:"PROCESSOR_TIMEOUT" yaml:"timeout"`
}

type Log struct {
	Level       string `env:"LOG_LEVEL" yaml:"level"`
	Format      string `env:"LOG_FORMAT" yaml:"format"`
	SentryDSN   string `env:"SENTRY_DSN" yaml:"sentry_dsn"`
	Environment string `env:"SENTRY_ENVIRONMENT" yaml:"environment"`
}

// DefaultQueue returns the stock queue policy.
func DefaultQueue() Queue {
	return Queue{
		BatchSize:             1,
		MaxAttempts:           3,
		MinProcessingInterval: 10 * time.Minute,
		MaxProcessingTime:     5 * time.Minute,
		MaxDirectSize:         5 * 1024 * 1024,
		FailedRetention:       7 * 24 * time.Hour,
		EnqueueFallbackDelay:  time.Minute,
		InterJobPause:         100 * time.Millisecond,
		CleanupSchedule:       "0 3 * * *",
	}
}

// DefaultLoad returns the stock load-shedding thresholds.
func DefaultLoad() Load {
	return Load{LoadThreshold: 0.5, MemoryThreshold: 0.6}
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		HTTP: HTTP{
			Addr:                 ":8080",
			SubmissionsPerMinute: 30,
			ReadTimeout:          15 * time.Second,
			WriteTimeout:         30 * time.Second,
			ShutdownTimeout:      10 * time.Second,
		},
		Database: Database{
			Driver: "sqlite",
			Path:   "jobs.db",
			Postgres: repository.PostgresConfig{
				MaxConns:      10,
				MinConns:      1,
				RetryAttempts: 3,
				RetryInterval: 2 * time.Second,
			},
		},
		Cache: Cache{
			Driver:        "memory",
			TTL:           5 * time.Minute,
			Prefix:        "ingest",
			RetryAttempts: 3,
			RetryInterval: time.Second,
		},
		Queue: DefaultQueue(),
		Load:  DefaultLoad(),
		Processor: Processor{
			ChunkSize: 1024 * 1024,
			Timeout:   5 * time.Minute,
		},
		Local: source.LocalConfig{Root: "data/uploads"},
		S3:    source.S3Config{Region: "us-east-1"},
		Log:   Log{Level: "info", Format: "json", Environment: "development"},
	}
}

// LoadFile builds the configuration from defaults, the YAML file at path and
// the environment, in that order. path may be empty.
func LoadFile(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error

	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			errs = append(errs, errors.New("database path is required for sqlite"))
		}
	case "postgres":
		if c.Database.Postgres.ConnectionString == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown database driver %q", c.Database.Driver))
	}

	switch c.Cache.Driver {
	case "memory", "none":
	case "redis":
		if c.Cache.RedisURL == "" {
			errs = append(errs, errors.New("REDIS_URL is required for the redis cache"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown cache driver %q", c.Cache.Driver))
	}

	q := c.Queue
	if q.BatchSize < 1 {
		errs = append(errs, errors.New("queue batch size must be positive"))
	}
	if q.MaxAttempts < 1 {
		errs = append(errs, errors.New("queue max attempts must be positive"))
	}
	if q.MinProcessingInterval <= 0 || q.MaxProcessingTime <= 0 {
		errs = append(errs, errors.New("queue intervals must be positive"))
	}
	if q.MaxDirectSize < 0 {
		errs = append(errs, errors.New("queue max direct size must not be negative"))
	}

	if c.Load.LoadThreshold <= 0 || c.Load.MemoryThreshold <= 0 || c.Load.MemoryThreshold > 1 {
		errs = append(errs, errors.New("load thresholds are out of range"))
	}

	return errors.Join(errs...)
}

// Copyright 2025 James Ross
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Redis holds connection settings for the Redis instance backing the
// cache and queue stores.
type Redis struct {
	Addr               string        `mapstructure:"addr"`
	Username           string        `mapstructure:"username"`
	Password           string        `mapstructure:"password"`
	DB                 int           `mapstructure:"db"`
	PoolSizeMultiplier int           `mapstructure:"pool_size_multiplier"`
	MinIdleConns       int           `mapstructure:"min_idle_conns"`
	DialTimeout        time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	MaxRetries         int           `mapstructure:"max_retries"`
}

// Hub holds the hub-side HTTP client settings (revision lookup, gate
// checks). The client itself is an external collaborator (out of scope
// per spec.md §1); only its configuration lives here.
type Hub struct {
	Endpoint string        `mapstructure:"endpoint"`
	Token    string        `mapstructure:"token"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// Cache holds cache-store retention settings.
type Cache struct {
	MaxDays int `mapstructure:"max_days"`
}

// Queue holds queue-store settings: TTL, fairness, zombie reclaim.
type Queue struct {
	TTL                  time.Duration `mapstructure:"ttl"`
	MaxJobsPerNamespace  int           `mapstructure:"max_jobs_per_namespace"`
	ZombieMaxSilence      time.Duration `mapstructure:"zombie_max_silence"`
	ZombieMaxRetries      int           `mapstructure:"zombie_max_retries"`
	ZombieScanInterval    time.Duration `mapstructure:"zombie_scan_interval"`
	StartCandidateBatch   int           `mapstructure:"start_candidate_batch"`
}

// Worker holds the step runtime / worker loop settings.
type Worker struct {
	PoolSize          int           `mapstructure:"pool_size"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	MaxDuration       time.Duration `mapstructure:"max_duration"`
	ContentMaxBytes   int64         `mapstructure:"content_max_bytes"`
	DifficultyMax     int           `mapstructure:"difficulty_max"`
	PollEmptyBackoffBase time.Duration `mapstructure:"poll_empty_backoff_base"`
	PollEmptyBackoffMax  time.Duration `mapstructure:"poll_empty_backoff_max"`
}

// CircuitBreaker configures the breaker wrapped around hub calls.
type CircuitBreaker struct {
	FailureThreshold float64       `mapstructure:"failure_threshold"`
	Window           time.Duration `mapstructure:"window"`
	CooldownPeriod   time.Duration `mapstructure:"cooldown_period"`
	MinSamples       int           `mapstructure:"min_samples"`
}

// API holds the read-path's HTTP-facing settings.
type API struct {
	ListenAddr      string        `mapstructure:"listen_addr"`
	MaxAgeLong      time.Duration `mapstructure:"max_age_long"`
	MaxAgeShort      time.Duration `mapstructure:"max_age_short"`
	MaxRowsPerPage    int          `mapstructure:"max_rows_per_page"`
	WebhookSchemaPath string       `mapstructure:"webhook_schema_path"`
}

// Tick configures the orchestrator's periodic reconciliation sweep
// (spec.md §4.5's Tick operation).
type Tick struct {
	Schedule   string        `mapstructure:"schedule"`
	SampleSize int           `mapstructure:"sample_size"`
	HubMemoTTL time.Duration `mapstructure:"hub_memo_ttl"`
}

// EventBus configures the optional NATS post-commit notification bus.
type EventBus struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"`
}

// MediaStorage configures the S3-compatible bucket that parquet and media
// assets are read from; the core never writes here, it only presigns reads.
type MediaStorage struct {
	Bucket          string        `mapstructure:"bucket"`
	Region          string        `mapstructure:"region"`
	Endpoint        string        `mapstructure:"endpoint"`
	KeyPrefix       string        `mapstructure:"key_prefix"`
	AccessKeyID     string        `mapstructure:"access_key_id"`
	SecretAccessKey string        `mapstructure:"secret_access_key"`
	ForcePathStyle  bool          `mapstructure:"force_path_style"`
	PresignTTL      time.Duration `mapstructure:"presign_ttl"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Endpoint     string        `mapstructure:"endpoint"`
	Environment  string        `mapstructure:"environment"`
	SamplingRate float64       `mapstructure:"sampling_rate"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
	Insecure     bool          `mapstructure:"insecure"`
}

// Observability holds logging/metrics/tracing settings.
type Observability struct {
	MetricsPort int           `mapstructure:"metrics_port"`
	LogLevel    string        `mapstructure:"log_level"`
	LogFile     string        `mapstructure:"log_file"`
	Tracing     TracingConfig `mapstructure:"tracing"`
}

// Config is the top-level process configuration.
type Config struct {
	Redis          Redis          `mapstructure:"redis"`
	Hub            Hub            `mapstructure:"hub"`
	Cache          Cache          `mapstructure:"cache"`
	Queue          Queue          `mapstructure:"queue"`
	Worker         Worker         `mapstructure:"worker"`
	CircuitBreaker CircuitBreaker `mapstructure:"circuit_breaker"`
	API            API            `mapstructure:"api"`
	Tick           Tick           `mapstructure:"tick"`
	EventBus       EventBus       `mapstructure:"event_bus"`
	MediaStorage   MediaStorage   `mapstructure:"media_storage"`
	Observability  Observability  `mapstructure:"observability"`
}

func defaultConfig() *Config {
	return &Config{
		Redis: Redis{
			Addr:               "localhost:6379",
			PoolSizeMultiplier: 10,
			MinIdleConns:       5,
			DialTimeout:        5 * time.Second,
			ReadTimeout:        3 * time.Second,
			WriteTimeout:       3 * time.Second,
			MaxRetries:         3,
		},
		Hub: Hub{
			Endpoint: "https://huggingface.co",
			Timeout:  10 * time.Second,
		},
		Cache: Cache{
			MaxDays: 90,
		},
		Queue: Queue{
			TTL:                 7 * 24 * time.Hour,
			MaxJobsPerNamespace: 20,
			ZombieMaxSilence:     5 * time.Minute,
			ZombieMaxRetries:     3,
			ZombieScanInterval:   30 * time.Second,
			StartCandidateBatch:  50,
		},
		Worker: Worker{
			PoolSize:          16,
			HeartbeatInterval: 30 * time.Second,
			MaxDuration:       20 * time.Minute,
			ContentMaxBytes:   10_000_000,
			DifficultyMax:     100,
			PollEmptyBackoffBase: 200 * time.Millisecond,
			PollEmptyBackoffMax:  5 * time.Second,
		},
		CircuitBreaker: CircuitBreaker{
			FailureThreshold: 0.5,
			Window:           1 * time.Minute,
			CooldownPeriod:   30 * time.Second,
			MinSamples:       20,
		},
		API: API{
			ListenAddr:        ":8080",
			MaxAgeLong:        120 * time.Second,
			MaxAgeShort:       10 * time.Second,
			MaxRowsPerPage:    100,
			WebhookSchemaPath: "",
		},
		Tick: Tick{
			Schedule:   "@every 1m",
			SampleSize: 200,
			HubMemoTTL: 5 * time.Second,
		},
		EventBus: EventBus{
			Enabled: false,
			URL:     "nats://localhost:4222",
			Subject: "datasets.updated",
		},
		MediaStorage: MediaStorage{
			Region:         "us-east-1",
			KeyPrefix:      "",
			ForcePathStyle: false,
			PresignTTL:     15 * time.Minute,
		},
		Observability: Observability{
			MetricsPort: 9090,
			LogLevel:    "info",
			Tracing:     TracingConfig{Enabled: false},
		},
	}
}

// Load reads configuration from a YAML file (if present) and environment
// overrides, applying defaults for anything unset.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	setDefaults(v, def)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, def *Config) {
	v.SetDefault("redis.addr", def.Redis.Addr)
	v.SetDefault("redis.pool_size_multiplier", def.Redis.PoolSizeMultiplier)
	v.SetDefault("redis.min_idle_conns", def.Redis.MinIdleConns)
	v.SetDefault("redis.dial_timeout", def.Redis.DialTimeout)
	v.SetDefault("redis.read_timeout", def.Redis.ReadTimeout)
	v.SetDefault("redis.write_timeout", def.Redis.WriteTimeout)
	v.SetDefault("redis.max_retries", def.Redis.MaxRetries)

	v.SetDefault("hub.endpoint", def.Hub.Endpoint)
	v.SetDefault("hub.timeout", def.Hub.Timeout)

	v.SetDefault("cache.max_days", def.Cache.MaxDays)

	v.SetDefault("queue.ttl", def.Queue.TTL)
	v.SetDefault("queue.max_jobs_per_namespace", def.Queue.MaxJobsPerNamespace)
	v.SetDefault("queue.zombie_max_silence", def.Queue.ZombieMaxSilence)
	v.SetDefault("queue.zombie_max_retries", def.Queue.ZombieMaxRetries)
	v.SetDefault("queue.zombie_scan_interval", def.Queue.ZombieScanInterval)
	v.SetDefault("queue.start_candidate_batch", def.Queue.StartCandidateBatch)

	v.SetDefault("worker.pool_size", def.Worker.PoolSize)
	v.SetDefault("worker.heartbeat_interval", def.Worker.HeartbeatInterval)
	v.SetDefault("worker.max_duration", def.Worker.MaxDuration)
	v.SetDefault("worker.content_max_bytes", def.Worker.ContentMaxBytes)
	v.SetDefault("worker.difficulty_max", def.Worker.DifficultyMax)
	v.SetDefault("worker.poll_empty_backoff_base", def.Worker.PollEmptyBackoffBase)
	v.SetDefault("worker.poll_empty_backoff_max", def.Worker.PollEmptyBackoffMax)

	v.SetDefault("circuit_breaker.failure_threshold", def.CircuitBreaker.FailureThreshold)
	v.SetDefault("circuit_breaker.window", def.CircuitBreaker.Window)
	v.SetDefault("circuit_breaker.cooldown_period", def.CircuitBreaker.CooldownPeriod)
	v.SetDefault("circuit_breaker.min_samples", def.CircuitBreaker.MinSamples)

	v.SetDefault("api.listen_addr", def.API.ListenAddr)
	v.SetDefault("api.max_age_long", def.API.MaxAgeLong)
	v.SetDefault("api.max_age_short", def.API.MaxAgeShort)
	v.SetDefault("api.max_rows_per_page", def.API.MaxRowsPerPage)
	v.SetDefault("api.webhook_schema_path", def.API.WebhookSchemaPath)

	v.SetDefault("tick.schedule", def.Tick.Schedule)
	v.SetDefault("tick.sample_size", def.Tick.SampleSize)
	v.SetDefault("tick.hub_memo_ttl", def.Tick.HubMemoTTL)

	v.SetDefault("event_bus.enabled", def.EventBus.Enabled)
	v.SetDefault("event_bus.url", def.EventBus.URL)
	v.SetDefault("event_bus.subject", def.EventBus.Subject)

	v.SetDefault("media_storage.bucket", def.MediaStorage.Bucket)
	v.SetDefault("media_storage.region", def.MediaStorage.Region)
	v.SetDefault("media_storage.endpoint", def.MediaStorage.Endpoint)
	v.SetDefault("media_storage.key_prefix", def.MediaStorage.KeyPrefix)
	v.SetDefault("media_storage.force_path_style", def.MediaStorage.ForcePathStyle)
	v.SetDefault("media_storage.presign_ttl", def.MediaStorage.PresignTTL)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.log_file", def.Observability.LogFile)
	v.SetDefault("observability.tracing.enabled", def.Observability.Tracing.Enabled)
	v.SetDefault("observability.tracing.endpoint", def.Observability.Tracing.Endpoint)
}

// Validate checks config constraints, returning an error on invalid
// settings (mirrors the teacher's fail-fast config.Validate).
func Validate(cfg *Config) error {
	if cfg.Worker.PoolSize < 1 {
		return fmt.Errorf("worker.pool_size must be >= 1")
	}
	if cfg.Queue.MaxJobsPerNamespace < 1 {
		return fmt.Errorf("queue.max_jobs_per_namespace must be >= 1")
	}
	if cfg.Worker.HeartbeatInterval <= 0 {
		return fmt.Errorf("worker.heartbeat_interval must be > 0")
	}
	if cfg.Queue.ZombieMaxSilence < cfg.Worker.HeartbeatInterval {
		return fmt.Errorf("queue.zombie_max_silence must be >= worker.heartbeat_interval")
	}
	if cfg.API.MaxRowsPerPage < 1 {
		return fmt.Errorf("api.max_rows_per_page must be >= 1")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	return nil
}

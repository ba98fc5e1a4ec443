package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the dispatch core.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Carrier    CarrierConfig    `yaml:"carrier"`
	Dispatch   DispatchConfig   `yaml:"dispatch"`
	ColdStart  ColdStartConfig  `yaml:"cold_start"`
	OffPeak    OffPeakConfig    `yaml:"off_peak_hours"`
	Recordings RecordingsConfig `yaml:"recordings"`
	Worker     WorkerConfig     `yaml:"worker"`
}

// ServerConfig holds the HTTP API settings.
type ServerConfig struct {
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// DatabaseConfig holds the Postgres connection settings.
type DatabaseConfig struct {
	URL             string `yaml:"url"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime_minutes"`
}

// RedisConfig holds the coordinator connection settings.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// CarrierConfig holds the telephony carrier client settings.
type CarrierConfig struct {
	BaseURL            string `yaml:"base_url"`
	AppID              string `yaml:"app_id"`
	TimeoutSeconds     int    `yaml:"timeout_seconds"`
	OpsPerSecond       int    `yaml:"ops_per_second"`
	MaxConcurrent      int    `yaml:"max_concurrent"`
	MinIntervalMs      int    `yaml:"min_interval_ms"`
	BreakerFailures    int    `yaml:"breaker_failures"`
	BreakerOpenSeconds int    `yaml:"breaker_open_seconds"`
}

// DispatchConfig holds admission-control settings: the system-wide default
// ceiling and the sweep cadences / TTLs for the background reconcilers.
type DispatchConfig struct {
	MaxConcurrentOutboundCalls int `yaml:"max_concurrent_outbound_calls"`

	JanitorIntervalSeconds        int `yaml:"janitor_interval_seconds"`
	CompactorIntervalSeconds      int `yaml:"compactor_interval_seconds"`
	ReconcilerIntervalSeconds     int `yaml:"reconciler_interval_seconds"`
	CounterIntervalSeconds        int `yaml:"counter_interval_seconds"`
	InvariantIntervalSeconds      int `yaml:"invariant_interval_seconds"`
	ReservationOrphanAgeSeconds   int `yaml:"reservation_orphan_age_seconds"`
	WaitlistMarkerTTLSeconds      int `yaml:"waitlist_marker_ttl_seconds"`
	DedupTTLHours                 int `yaml:"dedup_ttl_hours"`
	DefaultJobDelayHours          int `yaml:"default_job_delay_hours"`
	PromoterPollSeconds           int `yaml:"promoter_poll_seconds"`
	PromoterBatchSize             int `yaml:"promoter_batch_size"`
	StaleGateMaxLag               int `yaml:"stale_gate_max_lag"`
	StaleGateMaxAgeSeconds        int `yaml:"stale_gate_max_age_seconds"`
}

// ColdStartConfig shapes the post-activation concurrency ramp.
type ColdStartConfig struct {
	InitialLimit   int `yaml:"initial_limit"`
	RampSuccesses  int `yaml:"ramp_successes"`
	StepMultiplier int `yaml:"step_multiplier"`
	HalfOpenAfter  int `yaml:"half_open_after"`
}

// OffPeakConfig defines the preferred window for retry scheduling.
type OffPeakConfig struct {
	Start      string `yaml:"start"` // "21:00"
	End        string `yaml:"end"`   // "09:00"
	Timezone   string `yaml:"timezone"`
	DaysOfWeek []int  `yaml:"days_of_week"` // 0=Sunday
}

// RecordingsConfig holds the S3 archive settings for call recordings.
type RecordingsConfig struct {
	Enabled         bool   `yaml:"enabled"`
	S3Bucket        string `yaml:"s3_bucket"`
	S3Region        string `yaml:"s3_region"`
	AWSProfile      string `yaml:"aws_profile"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// WorkerConfig identifies the process instance. Only instance 0 registers a
// dialing worker; all instances run promoters and reconcilers.
type WorkerConfig struct {
	InstanceID int `yaml:"instance_id"`
}

// Load reads configuration from a YAML file and applies defaults.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 50
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 10
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 5
	}
	if cfg.Carrier.TimeoutSeconds == 0 {
		cfg.Carrier.TimeoutSeconds = 10
	}
	if cfg.Carrier.OpsPerSecond == 0 {
		cfg.Carrier.OpsPerSecond = 20
	}
	if cfg.Carrier.MaxConcurrent == 0 {
		cfg.Carrier.MaxConcurrent = 10
	}
	if cfg.Carrier.MinIntervalMs == 0 {
		cfg.Carrier.MinIntervalMs = 50
	}
	if cfg.Carrier.BreakerFailures == 0 {
		cfg.Carrier.BreakerFailures = 5
	}
	if cfg.Carrier.BreakerOpenSeconds == 0 {
		cfg.Carrier.BreakerOpenSeconds = 60
	}
	if cfg.Dispatch.MaxConcurrentOutboundCalls == 0 {
		cfg.Dispatch.MaxConcurrentOutboundCalls = 10
	}
	if cfg.Dispatch.JanitorIntervalSeconds == 0 {
		cfg.Dispatch.JanitorIntervalSeconds = 30
	}
	if cfg.Dispatch.CompactorIntervalSeconds == 0 {
		cfg.Dispatch.CompactorIntervalSeconds = 120
	}
	if cfg.Dispatch.ReconcilerIntervalSeconds == 0 {
		cfg.Dispatch.ReconcilerIntervalSeconds = 300
	}
	if cfg.Dispatch.CounterIntervalSeconds == 0 {
		cfg.Dispatch.CounterIntervalSeconds = 900
	}
	if cfg.Dispatch.InvariantIntervalSeconds == 0 {
		cfg.Dispatch.InvariantIntervalSeconds = 30
	}
	if cfg.Dispatch.ReservationOrphanAgeSeconds == 0 {
		cfg.Dispatch.ReservationOrphanAgeSeconds = 300
	}
	if cfg.Dispatch.WaitlistMarkerTTLSeconds == 0 {
		cfg.Dispatch.WaitlistMarkerTTLSeconds = 30
	}
	if cfg.Dispatch.DedupTTLHours == 0 {
		cfg.Dispatch.DedupTTLHours = 24
	}
	if cfg.Dispatch.DefaultJobDelayHours == 0 {
		cfg.Dispatch.DefaultJobDelayHours = 24
	}
	if cfg.Dispatch.PromoterPollSeconds == 0 {
		cfg.Dispatch.PromoterPollSeconds = 5
	}
	if cfg.Dispatch.PromoterBatchSize == 0 {
		cfg.Dispatch.PromoterBatchSize = 5
	}
	if cfg.Dispatch.StaleGateMaxLag == 0 {
		cfg.Dispatch.StaleGateMaxLag = 3
	}
	if cfg.Dispatch.StaleGateMaxAgeSeconds == 0 {
		cfg.Dispatch.StaleGateMaxAgeSeconds = 15
	}
	if cfg.ColdStart.InitialLimit == 0 {
		cfg.ColdStart.InitialLimit = 1
	}
	if cfg.ColdStart.RampSuccesses == 0 {
		cfg.ColdStart.RampSuccesses = 5
	}
	if cfg.ColdStart.StepMultiplier == 0 {
		cfg.ColdStart.StepMultiplier = 2
	}
	if cfg.ColdStart.HalfOpenAfter == 0 {
		cfg.ColdStart.HalfOpenAfter = 2
	}
	if cfg.OffPeak.Timezone == "" {
		cfg.OffPeak.Timezone = "UTC"
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars in deployment.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("CARRIER_BASE_URL"); v != "" {
		cfg.Carrier.BaseURL = v
	}
	if v := os.Getenv("CARRIER_APP_ID"); v != "" {
		cfg.Carrier.AppID = v
	}
	if v := os.Getenv("MAX_CONCURRENT_OUTBOUND_CALLS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Dispatch.MaxConcurrentOutboundCalls = n
		}
	}
	if v := os.Getenv("WORKER_INSTANCE_ID"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Worker.InstanceID = n
		}
	}
	if v := os.Getenv("RECORDINGS_S3_BUCKET"); v != "" {
		cfg.Recordings.S3Bucket = v
		cfg.Recordings.Enabled = true
	}
	if v := os.Getenv("RECORDINGS_S3_REGION"); v != "" {
		cfg.Recordings.S3Region = v
	}
	if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
		cfg.Recordings.AccessKeyID = v
	}
	if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
		cfg.Recordings.SecretAccessKey = v
	}

	return cfg, nil
}

// ConnMaxLifetime returns the configured connection lifetime as a Duration.
func (d DatabaseConfig) ConnMaxLifetimeDuration() time.Duration {
	return time.Duration(d.ConnMaxLifetime) * time.Minute
}

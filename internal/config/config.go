// Package config provides configuration structures and loading logic for the span collector.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"spanflow/internal/models"
)

// Config represents the root configuration structure for the collector.
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Receiver ReceiverConfig `mapstructure:"receiver"`
	Sampling SamplingConfig `mapstructure:"sampling"`
	Anomaly  AnomalyConfig  `mapstructure:"anomaly"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Notify   NotifyConfig   `mapstructure:"notify"`
}

// AppConfig defines application-level settings such as host and port.
type AppConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	LogLevel       string `mapstructure:"log_level"`
	LogDevelopment bool   `mapstructure:"log_development"`
}

// ReceiverConfig bounds what the OTLP/HTTP endpoint accepts.
type ReceiverConfig struct {
	MaxBodyBytes   int64 `mapstructure:"max_body_bytes"`
	RateLimitRPS   int   `mapstructure:"rate_limit_rps"`
	RateLimitBurst int   `mapstructure:"rate_limit_burst"`
}

// SamplingConfig defines head and tail sampling parameters.
type SamplingConfig struct {
	HeadSampleRate            float64 `mapstructure:"head_sample_rate"`
	TailLatencyThresholdNanos int64   `mapstructure:"tail_latency_threshold_ns"`
}

// AnomalyConfig defines the per-service anomaly heuristics and window sizes.
type AnomalyConfig struct {
	ErrorRateThreshold     float64 `mapstructure:"error_rate_threshold"`
	LatencySpikeMultiplier float64 `mapstructure:"latency_spike_multiplier"`
	WindowSize             int     `mapstructure:"window_size"`
	MinBatchSamples        int     `mapstructure:"min_batch_samples"`
	BaselineSamples        int     `mapstructure:"baseline_samples"`
}

// StorageConfig selects and configures the span sink.
type StorageConfig struct {
	Backend       string `mapstructure:"backend"`
	Timeout       string `mapstructure:"timeout"`
	SQLitePath    string `mapstructure:"sqlite_path"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	RedisTTL      string `mapstructure:"redis_ttl"`
}

// NotifyConfig defines where anomaly notifications are sent.
type NotifyConfig struct {
	Slack SlackConfig `mapstructure:"slack"`
}

// SlackConfig defines settings for the Slack incoming webhook integration.
type SlackConfig struct {
	WebhookURLEnv string `mapstructure:"webhook_url_env"`
	WebhookURL    string `mapstructure:"-"`
	Enabled       bool   `mapstructure:"enabled"`
}

// SamplingRules is the immutable rule set the pipeline runs with.
type SamplingRules struct {
	HeadSampleRate            float64
	TailLatencyThresholdNanos int64
	ErrorRateThreshold        float64
	LatencySpikeMultiplier    float64
	WindowSize                int
	MinBatchSamples           int
	BaselineSamples           int
}

// Storage backends.
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// DefaultRules returns the rules used when nothing is configured.
func DefaultRules() SamplingRules {
	return SamplingRules{
		HeadSampleRate:            0.1,
		TailLatencyThresholdNanos: int64(300 * time.Millisecond),
		ErrorRateThreshold:        0.05,
		LatencySpikeMultiplier:    2.0,
		WindowSize:                100,
		MinBatchSamples:           10,
		BaselineSamples:           50,
	}
}

// Rules extracts the sampling rule set from the loaded configuration.
func (c *Config) Rules() SamplingRules {
	return SamplingRules{
		HeadSampleRate:            c.Sampling.HeadSampleRate,
		TailLatencyThresholdNanos: c.Sampling.TailLatencyThresholdNanos,
		ErrorRateThreshold:        c.Anomaly.ErrorRateThreshold,
		LatencySpikeMultiplier:    c.Anomaly.LatencySpikeMultiplier,
		WindowSize:                c.Anomaly.WindowSize,
		MinBatchSamples:           c.Anomaly.MinBatchSamples,
		BaselineSamples:           c.Anomaly.BaselineSamples,
	}
}

// Validate checks every rule value and reports all problems at once.
func (r SamplingRules) Validate() error {
	var problems []string
	if !finite(r.HeadSampleRate) || r.HeadSampleRate < 0 || r.HeadSampleRate > 1 {
		problems = append(problems, fmt.Sprintf("head_sample_rate must be within [0,1], got %v", r.HeadSampleRate))
	}
	if r.TailLatencyThresholdNanos <= 0 {
		problems = append(problems, fmt.Sprintf("tail_latency_threshold_ns must be positive, got %d", r.TailLatencyThresholdNanos))
	}
	if !finite(r.ErrorRateThreshold) || r.ErrorRateThreshold < 0 || r.ErrorRateThreshold > 1 {
		problems = append(problems, fmt.Sprintf("error_rate_threshold must be within [0,1], got %v", r.ErrorRateThreshold))
	}
	if !finite(r.LatencySpikeMultiplier) || r.LatencySpikeMultiplier <= 1 {
		problems = append(problems, fmt.Sprintf("latency_spike_multiplier must be greater than 1, got %v", r.LatencySpikeMultiplier))
	}
	if r.WindowSize <= 0 {
		problems = append(problems, fmt.Sprintf("window_size must be positive, got %d", r.WindowSize))
	}
	if r.MinBatchSamples <= 0 {
		problems = append(problems, fmt.Sprintf("min_batch_samples must be positive, got %d", r.MinBatchSamples))
	}
	if r.BaselineSamples <= 0 || r.BaselineSamples > r.WindowSize {
		problems = append(problems, fmt.Sprintf("baseline_samples must be within [1,window_size], got %d", r.BaselineSamples))
	}
	if len(problems) > 0 {
		return &models.ConfigValidationError{Problems: problems}
	}
	return nil
}

// finite rejects NaN, which passes every range comparison, and the infinities.
func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// Validate checks the whole configuration, rules included.
func (c *Config) Validate() error {
	var problems []string
	if err := c.Rules().Validate(); err != nil {
		var cve *models.ConfigValidationError
		if errors.As(err, &cve) {
			problems = append(problems, cve.Problems...)
		}
	}
	switch c.Storage.Backend {
	case BackendSQLite:
		if c.Storage.SQLitePath == "" {
			problems = append(problems, "storage.sqlite_path is required for the sqlite backend")
		}
	case BackendRedis:
		if c.Storage.RedisAddr == "" {
			problems = append(problems, "storage.redis_addr is required for the redis backend")
		}
	case BackendMemory:
	default:
		problems = append(problems, fmt.Sprintf("unknown storage.backend %q", c.Storage.Backend))
	}
	if c.Storage.Timeout != "" {
		if d, err := time.ParseDuration(c.Storage.Timeout); err != nil || d <= 0 {
			problems = append(problems, fmt.Sprintf("storage.timeout must be a positive duration, got %q", c.Storage.Timeout))
		}
	}
	if c.Storage.RedisTTL != "" {
		if d, err := time.ParseDuration(c.Storage.RedisTTL); err != nil || d < 0 {
			problems = append(problems, fmt.Sprintf("storage.redis_ttl must be a non-negative duration, got %q", c.Storage.RedisTTL))
		}
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		problems = append(problems, fmt.Sprintf("app.port out of range: %d", c.App.Port))
	}
	if c.Notify.Slack.Enabled && c.Notify.Slack.WebhookURL == "" {
		problems = append(problems, "notify.slack is enabled but no webhook URL was found in the environment")
	}
	if len(problems) > 0 {
		return &models.ConfigValidationError{Problems: problems}
	}
	return nil
}

// GetTimeoutDuration parses the sink timeout into a time.Duration.
func (c *StorageConfig) GetTimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(c.Timeout)
	if d == 0 {
		return 5 * time.Second
	}
	return d
}

// GetRedisTTLDuration returns how long traces live in Redis. Zero means no
// expiry. Validate rejects values that do not parse.
func (c *StorageConfig) GetRedisTTLDuration() time.Duration {
	d, _ := time.ParseDuration(c.RedisTTL)
	return d
}

// Load loads configuration from config.yaml or environment variables.
// Extra search paths are consulted before the defaults.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/spanflow")

	// Allow environment variables to override config
	v.SetEnvPrefix("SPANFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Notify.Slack.WebhookURLEnv != "" {
		cfg.Notify.Slack.WebhookURL = os.Getenv(cfg.Notify.Slack.WebhookURLEnv)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	rules := DefaultRules()

	v.SetDefault("app.host", "0.0.0.0")
	v.SetDefault("app.port", 8001)
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_development", false)
	v.SetDefault("receiver.max_body_bytes", 8<<20)
	v.SetDefault("receiver.rate_limit_rps", 200)
	v.SetDefault("receiver.rate_limit_burst", 400)
	v.SetDefault("sampling.head_sample_rate", rules.HeadSampleRate)
	v.SetDefault("sampling.tail_latency_threshold_ns", rules.TailLatencyThresholdNanos)
	v.SetDefault("anomaly.error_rate_threshold", rules.ErrorRateThreshold)
	v.SetDefault("anomaly.latency_spike_multiplier", rules.LatencySpikeMultiplier)
	v.SetDefault("anomaly.window_size", rules.WindowSize)
	v.SetDefault("anomaly.min_batch_samples", rules.MinBatchSamples)
	v.SetDefault("anomaly.baseline_samples", rules.BaselineSamples)
	v.SetDefault("storage.backend", BackendSQLite)
	v.SetDefault("storage.timeout", "5s")
	v.SetDefault("storage.sqlite_path", "./data/spans.db")
	v.SetDefault("storage.redis_addr", "localhost:6379")
	v.SetDefault("storage.redis_db", 0)
	v.SetDefault("storage.redis_ttl", "72h")
	v.SetDefault("notify.slack.enabled", false)
	v.SetDefault("notify.slack.webhook_url_env", "SLACK_WEBHOOK_URL")
}

package config

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spanflow/internal/models"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(body), 0o600))
	return dir
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 8001, cfg.App.Port)
	assert.Equal(t, BackendSQLite, cfg.Storage.Backend)
	assert.Equal(t, 5*time.Second, cfg.Storage.GetTimeoutDuration())
	assert.Equal(t, DefaultRules(), cfg.Rules())
}

func TestLoadFromFile(t *testing.T) {
	dir := writeConfig(t, `
app:
  port: 9100
sampling:
  head_sample_rate: 0.25
  tail_latency_threshold_ns: 500000000
anomaly:
  error_rate_threshold: 0.1
  latency_spike_multiplier: 3
storage:
  backend: memory
  timeout: 2s
`)

	cfg, err := Load(dir)
	require.NoError(t, err)

	rules := cfg.Rules()
	assert.Equal(t, 9100, cfg.App.Port)
	assert.Equal(t, 0.25, rules.HeadSampleRate)
	assert.Equal(t, int64(500*time.Millisecond), rules.TailLatencyThresholdNanos)
	assert.Equal(t, 0.1, rules.ErrorRateThreshold)
	assert.Equal(t, 3.0, rules.LatencySpikeMultiplier)
	assert.Equal(t, 100, rules.WindowSize)
	assert.Equal(t, 2*time.Second, cfg.Storage.GetTimeoutDuration())
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("SPANFLOW_SAMPLING_HEAD_SAMPLE_RATE", "0.5")
	t.Setenv("SPANFLOW_STORAGE_BACKEND", "memory")

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 0.5, cfg.Sampling.HeadSampleRate)
	assert.Equal(t, BackendMemory, cfg.Storage.Backend)
}

func TestLoadRejectsInvalidRules(t *testing.T) {
	dir := writeConfig(t, `
sampling:
  head_sample_rate: 1.5
anomaly:
  window_size: 0
`)

	_, err := Load(dir)
	require.Error(t, err)

	var cve *models.ConfigValidationError
	require.ErrorAs(t, err, &cve)
	assert.Len(t, cve.Problems, 3) // rate, window size, baseline > window
}

func TestLoadRejectsNaNFromEnv(t *testing.T) {
	t.Setenv("SPANFLOW_SAMPLING_HEAD_SAMPLE_RATE", "NaN")
	t.Setenv("SPANFLOW_STORAGE_BACKEND", "memory")

	_, err := Load(t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "head_sample_rate")
}

func TestSlackWebhookFromEnv(t *testing.T) {
	t.Setenv("TEST_SLACK_HOOK", "https://hooks.example.com/abc")
	dir := writeConfig(t, `
storage:
  backend: memory
notify:
  slack:
    enabled: true
    webhook_url_env: TEST_SLACK_HOOK
`)

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "https://hooks.example.com/abc", cfg.Notify.Slack.WebhookURL)
}

func TestSamplingRulesValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *SamplingRules)
		valid  bool
	}{
		{"defaults", func(r *SamplingRules) {}, true},
		{"zero head rate", func(r *SamplingRules) { r.HeadSampleRate = 0 }, true},
		{"full head rate", func(r *SamplingRules) { r.HeadSampleRate = 1 }, true},
		{"negative head rate", func(r *SamplingRules) { r.HeadSampleRate = -0.1 }, false},
		{"zero latency threshold", func(r *SamplingRules) { r.TailLatencyThresholdNanos = 0 }, false},
		{"error threshold above one", func(r *SamplingRules) { r.ErrorRateThreshold = 1.2 }, false},
		{"multiplier of one", func(r *SamplingRules) { r.LatencySpikeMultiplier = 1 }, false},
		{"baseline larger than window", func(r *SamplingRules) { r.BaselineSamples = 101 }, false},
		{"zero min batch samples", func(r *SamplingRules) { r.MinBatchSamples = 0 }, false},
		{"NaN head rate", func(r *SamplingRules) { r.HeadSampleRate = math.NaN() }, false},
		{"NaN error threshold", func(r *SamplingRules) { r.ErrorRateThreshold = math.NaN() }, false},
		{"NaN multiplier", func(r *SamplingRules) { r.LatencySpikeMultiplier = math.NaN() }, false},
		{"infinite multiplier", func(r *SamplingRules) { r.LatencySpikeMultiplier = math.Inf(1) }, false},
		{"negative infinite head rate", func(r *SamplingRules) { r.HeadSampleRate = math.Inf(-1) }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rules := DefaultRules()
			tt.mutate(&rules)
			err := rules.Validate()
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestValidateStorageBackend(t *testing.T) {
	cfg := &Config{
		App:     AppConfig{Port: 8001},
		Storage: StorageConfig{Backend: "cassandra"},
	}
	cfg.Sampling.HeadSampleRate = 0.1
	rules := DefaultRules()
	cfg.Sampling.TailLatencyThresholdNanos = rules.TailLatencyThresholdNanos
	cfg.Anomaly = AnomalyConfig{
		ErrorRateThreshold:     rules.ErrorRateThreshold,
		LatencySpikeMultiplier: rules.LatencySpikeMultiplier,
		WindowSize:             rules.WindowSize,
		MinBatchSamples:        rules.MinBatchSamples,
		BaselineSamples:        rules.BaselineSamples,
	}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown storage.backend "cassandra"`)

	cfg.Storage.Backend = BackendRedis
	assert.Error(t, cfg.Validate())

	cfg.Storage.RedisAddr = "localhost:6379"
	assert.NoError(t, cfg.Validate())
}

func TestValidateStorageDurations(t *testing.T) {
	tests := []struct {
		name    string
		timeout string
		ttl     string
		problem string
	}{
		{"defaults", "5s", "72h", ""},
		{"empty values", "", "", ""},
		{"zero ttl disables expiry", "5s", "0s", ""},
		{"unparsable ttl", "5s", "3days", "storage.redis_ttl"},
		{"negative ttl", "5s", "-1h", "storage.redis_ttl"},
		{"unparsable timeout", "soon", "72h", "storage.timeout"},
		{"zero timeout", "0s", "72h", "storage.timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := writeConfig(t, "storage:\n  backend: memory\n  timeout: \""+tt.timeout+"\"\n  redis_ttl: \""+tt.ttl+"\"\n")
			_, err := Load(dir)
			if tt.problem == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.problem)
		})
	}
}

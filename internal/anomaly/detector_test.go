package anomaly

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spanflow/internal/models"
	"spanflow/internal/tracker"
)

func defaultConfig() Config {
	return Config{ErrorRateThreshold: 0.05, LatencySpikeMultiplier: 2.0, MinBatchSamples: 10}
}

func makeSpans(service string, durations []time.Duration, errorCount int) []models.Span {
	spans := make([]models.Span, len(durations))
	for i, d := range durations {
		status := models.StatusOK
		if i < errorCount {
			status = models.StatusError
		}
		spans[i] = models.Span{
			TraceID:        fmt.Sprintf("trace-%d", i),
			SpanID:         fmt.Sprintf("span-%d", i),
			ServiceName:    service,
			StartTimeNanos: 1_000,
			EndTimeNanos:   1_000 + int64(d),
			StatusCode:     status,
		}
	}
	return spans
}

func uniform(d time.Duration, n int) []time.Duration {
	out := make([]time.Duration, n)
	for i := range out {
		out[i] = d
	}
	return out
}

func TestLatencySpikeNeedsBaseline(t *testing.T) {
	tr := tracker.New(100, 50)
	d := New(defaultConfig(), tr)

	durations := append(uniform(10*time.Millisecond, 11), 500*time.Millisecond)
	v := d.DetectLatencySpike("checkout", makeSpans("checkout", durations, 0))

	assert.False(t, v.Signal)
	assert.NoError(t, v.Reason)
	assert.Equal(t, float64(10*time.Millisecond), v.Current)

	snap, ok := tr.Snapshot("checkout")
	require.True(t, ok)
	assert.Equal(t, []time.Duration{10 * time.Millisecond}, snap.LatencyP95)
}

func TestLatencySpikeSmallBatchStillRecordsHistory(t *testing.T) {
	tr := tracker.New(100, 50)
	d := New(defaultConfig(), tr)

	v := d.DetectLatencySpike("auth", makeSpans("auth", uniform(time.Second, 9), 0))
	assert.False(t, v.Signal)
	assert.ErrorIs(t, v.Reason, models.ErrInsufficientSample)

	snap, ok := tr.Snapshot("auth")
	require.True(t, ok)
	assert.Len(t, snap.LatencyP95, 1)
}

func TestLatencySpikeAgainstWarmBaseline(t *testing.T) {
	tr := tracker.New(100, 50)
	d := New(defaultConfig(), tr)

	for i := 0; i < 50; i++ {
		v := d.DetectLatencySpike("orders", makeSpans("orders", uniform(10*time.Millisecond, 10), 0))
		require.False(t, v.Signal)
	}

	// exactly 2x is not a spike
	v := d.DetectLatencySpike("orders", makeSpans("orders", uniform(20*time.Millisecond, 10), 0))
	assert.False(t, v.Signal)

	v = d.DetectLatencySpike("orders", makeSpans("orders", uniform(25*time.Millisecond, 10), 0))
	assert.True(t, v.Signal)
	assert.Equal(t, float64(25*time.Millisecond), v.Current)
	assert.Equal(t, float64(10*time.Millisecond), v.Previous)
}

func TestErrorSpike(t *testing.T) {
	tests := []struct {
		name     string
		total    int
		errors   int
		expected bool
	}{
		{"ten percent", 20, 2, true},
		{"exactly threshold", 20, 1, false},
		{"no errors", 20, 0, false},
		{"single failing span", 1, 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := New(defaultConfig(), tracker.New(100, 50))
			v := d.DetectErrorSpike("payments", makeSpans("payments", uniform(time.Millisecond, tt.total), tt.errors))
			assert.Equal(t, tt.expected, v.Signal)
			assert.NoError(t, v.Reason)
		})
	}
}

func TestErrorSpikeEmptyBatchHasNoVerdict(t *testing.T) {
	d := New(defaultConfig(), tracker.New(100, 50))
	v := d.DetectErrorSpike("payments", nil)
	assert.False(t, v.Signal)
	assert.ErrorIs(t, v.Reason, models.ErrInsufficientSample)
}

func TestEvaluatePaymentsScenario(t *testing.T) {
	tr := tracker.New(100, 50)
	d := New(defaultConfig(), tr)

	a := d.Evaluate("payments", makeSpans("payments", uniform(5*time.Millisecond, 20), 2))

	assert.True(t, a.Anomalous())
	assert.Equal(t, []Kind{KindErrorSpike}, a.Kinds())
	assert.InDelta(t, 0.10, a.ErrorRate, 1e-12)
	assert.Equal(t, 2, a.ErrorCount)
	assert.Equal(t, 20, a.SpanCount)

	snap, ok := tr.Snapshot("payments")
	require.True(t, ok)
	assert.Len(t, snap.LatencyP95, 1)
	assert.Len(t, snap.ErrorRates, 1)
}

func TestEvaluateHealthyService(t *testing.T) {
	d := New(defaultConfig(), tracker.New(100, 50))
	a := d.Evaluate("inventory", makeSpans("inventory", uniform(time.Millisecond, 30), 0))
	assert.False(t, a.Anomalous())
	assert.Empty(t, a.Kinds())
}

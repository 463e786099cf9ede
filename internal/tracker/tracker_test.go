package tracker

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPercentileLowerNearestRank(t *testing.T) {
	tests := []struct {
		name     string
		values   []float64
		p        float64
		expected float64
	}{
		{"empty", nil, P95, 0},
		{"single", []float64{7}, P95, 7},
		// floor(0.95*19) = 18
		{"twenty values", seq(1, 20), P95, 19},
		// 0.95*100 must land on rank 95, not 94
		{"hundred and one values", seq(0, 100), P95, 95},
		{"unsorted input", []float64{5, 1, 4, 2, 3}, 0.5, 3},
		{"max quantile", []float64{3, 1, 2}, 1, 3},
		{"min quantile", []float64{3, 1, 2}, 0, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Percentile(tt.values, tt.p))
		})
	}
}

func TestPercentileIgnoresSingleOutlierInSmallBatch(t *testing.T) {
	values := make([]float64, 0, 12)
	for i := 0; i < 11; i++ {
		values = append(values, float64(10*time.Millisecond))
	}
	values = append(values, float64(500*time.Millisecond))

	assert.Equal(t, float64(10*time.Millisecond), Percentile(values, P95))
	assert.Equal(t, float64(500*time.Millisecond), values[11], "input must not be reordered")
}

func TestObserveLatencyWithoutHistoryUsesCurrentAsPrevious(t *testing.T) {
	tr := New(100, 50)

	latencies := repeat(10*time.Millisecond, 11)
	latencies = append(latencies, 500*time.Millisecond)

	obs := tr.ObserveLatency("checkout", latencies)
	assert.Equal(t, 10*time.Millisecond, obs.Current)
	assert.Equal(t, obs.Current, obs.Previous)
	assert.False(t, obs.HasBaseline)
	assert.Equal(t, 12, obs.Samples)

	snap, ok := tr.Snapshot("checkout")
	require.True(t, ok)
	assert.Equal(t, []time.Duration{10 * time.Millisecond}, snap.LatencyP95)
}

func TestObserveLatencyPreviousComesFromPriorWindow(t *testing.T) {
	tr := New(100, 3)

	for _, ms := range []int{10, 20, 30} {
		obs := tr.ObserveLatency("api", []time.Duration{time.Duration(ms) * time.Millisecond})
		assert.False(t, obs.HasBaseline)
	}

	obs := tr.ObserveLatency("api", []time.Duration{time.Second})
	assert.True(t, obs.HasBaseline)
	assert.Equal(t, time.Second, obs.Current)
	// window before insert is [10,20,30]; floor(0.95*2)=1 -> 20ms
	assert.Equal(t, 20*time.Millisecond, obs.Previous)
}

func TestObserveLatencyBaselineUsesTrailingEntries(t *testing.T) {
	tr := New(10, 2)
	for _, ms := range []int{900, 900, 900, 10, 10} {
		tr.ObserveLatency("api", []time.Duration{time.Duration(ms) * time.Millisecond})
	}

	obs := tr.ObserveLatency("api", []time.Duration{15 * time.Millisecond})
	assert.Equal(t, 10*time.Millisecond, obs.Previous)
}

func TestWindowEvictsOldestFirst(t *testing.T) {
	const size = 5
	tr := New(size, size)

	for i := 1; i <= size+1; i++ {
		tr.ObserveLatency("svc", []time.Duration{time.Duration(i)})
		tr.ObserveErrors("svc", i, 100)
	}

	snap, ok := tr.Snapshot("svc")
	require.True(t, ok)
	assert.Equal(t, []time.Duration{2, 3, 4, 5, 6}, snap.LatencyP95)
	assert.Equal(t, []float64{0.02, 0.03, 0.04, 0.05, 0.06}, snap.ErrorRates)

	for i := 0; i < 3*size; i++ {
		tr.ObserveLatency("svc", []time.Duration{time.Duration(100 + i)})
	}
	snap, _ = tr.Snapshot("svc")
	assert.Len(t, snap.LatencyP95, size)
	assert.Equal(t, time.Duration(100+3*size-size), snap.LatencyP95[0])
}

func TestObserveErrors(t *testing.T) {
	tr := New(100, 2)

	obs := tr.ObserveErrors("payments", 2, 20)
	assert.InDelta(t, 0.10, obs.Current, 1e-12)
	assert.Equal(t, obs.Current, obs.Previous)
	assert.False(t, obs.HasBaseline)

	tr.ObserveErrors("payments", 0, 20)

	obs = tr.ObserveErrors("payments", 5, 10)
	assert.True(t, obs.HasBaseline)
	assert.InDelta(t, 0.05, obs.Previous, 1e-12) // mean of 0.10 and 0.00
	assert.InDelta(t, 0.5, obs.Current, 1e-12)
}

func TestObserveEmptyInputsRecordNothing(t *testing.T) {
	tr := New(100, 50)

	assert.Equal(t, LatencyObservation{}, tr.ObserveLatency("idle", nil))
	assert.Equal(t, ErrorObservation{}, tr.ObserveErrors("idle", 0, 0))

	_, ok := tr.Snapshot("idle")
	assert.False(t, ok)
}

func TestSnapshotStatistics(t *testing.T) {
	tr := New(100, 50)
	tr.ObserveErrors("svc", 1, 10)
	snap, ok := tr.Snapshot("svc")
	require.True(t, ok)
	assert.InDelta(t, 0.1, snap.ErrorRateMean, 1e-12)
	assert.Zero(t, snap.ErrorRateStdDev)

	tr.ObserveErrors("svc", 3, 10)
	snap, _ = tr.Snapshot("svc")
	assert.InDelta(t, 0.2, snap.ErrorRateMean, 1e-12)
	assert.Greater(t, snap.ErrorRateStdDev, 0.0)
}

func TestServicesSorted(t *testing.T) {
	tr := New(10, 5)
	for _, s := range []string{"orders", "auth", "payments"} {
		tr.ObserveErrors(s, 0, 1)
	}
	assert.Equal(t, []string{"auth", "orders", "payments"}, tr.Services())
}

func TestConcurrentObserversKeepWindowBounded(t *testing.T) {
	const size = 20
	tr := New(size, 10)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			service := fmt.Sprintf("svc-%d", g%2)
			for i := 0; i < 100; i++ {
				tr.ObserveLatency(service, []time.Duration{time.Duration(i)})
				tr.ObserveErrors(service, i%3, 3)
			}
		}(g)
	}
	wg.Wait()

	for _, s := range []string{"svc-0", "svc-1"} {
		snap, ok := tr.Snapshot(s)
		require.True(t, ok)
		assert.Len(t, snap.LatencyP95, size)
		assert.Len(t, snap.ErrorRates, size)
	}
}

func TestObserveKeepsBatchEntriesPaired(t *testing.T) {
	const batches = 200
	tr := New(batches, 10)

	var wg sync.WaitGroup
	for k := 1; k <= batches; k++ {
		wg.Add(1)
		go func(k int) {
			defer wg.Done()
			tr.Observe("checkout", repeat(time.Duration(k)*time.Millisecond, 5), k, 1000)
		}(k)
	}
	wg.Wait()

	snap, ok := tr.Snapshot("checkout")
	require.True(t, ok)
	require.Len(t, snap.LatencyP95, batches)
	require.Len(t, snap.ErrorRates, batches)
	for i := range snap.LatencyP95 {
		k := float64(snap.LatencyP95[i] / time.Millisecond)
		assert.InDelta(t, k/1000, snap.ErrorRates[i], 1e-12, "entry %d", i)
	}
}

func TestObserveMatchesSeparateObservations(t *testing.T) {
	combined, separate := New(10, 2), New(10, 2)
	for i := 1; i <= 4; i++ {
		lat := repeat(time.Duration(i)*time.Millisecond, 3)
		gotLat, gotErr := combined.Observe("svc", lat, i, 10)
		assert.Equal(t, separate.ObserveLatency("svc", lat), gotLat)
		assert.Equal(t, separate.ObserveErrors("svc", i, 10), gotErr)
	}

	lat, errs := combined.Observe("idle", nil, 0, 0)
	assert.Equal(t, LatencyObservation{}, lat)
	assert.Equal(t, ErrorObservation{}, errs)
	_, ok := combined.Snapshot("idle")
	assert.False(t, ok)
}

func seq(from, to int) []float64 {
	out := make([]float64, 0, to-from+1)
	for i := from; i <= to; i++ {
		out = append(out, float64(i))
	}
	return out
}

func repeat(d time.Duration, n int) []time.Duration {
	out := make([]time.Duration, n)
	for i := range out {
		out[i] = d
	}
	return out
}

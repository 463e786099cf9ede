// Package tracker keeps bounded per-service histories of batch P95 latency and
// error rate, used as the baseline for anomaly detection.
//
// Every service owns one window guarded by its own mutex, so batches for
// different services never contend and updates for one service are applied
// one at a time. Observe records a batch in both histories at once. Windows only reflect observed traffic: a caller that gives up
// on a batch halfway leaves whatever it already observed in place.
package tracker

import (
	"slices"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

// LatencyObservation is the result of recording one batch's latencies.
type LatencyObservation struct {
	// Current is the P95 of the batch just observed.
	Current time.Duration
	// Previous is the P95 over the trailing baseline of the window as it was
	// before Current was inserted. It equals Current when the window did not
	// yet hold enough history.
	Previous    time.Duration
	HasBaseline bool
	// Samples is the number of latencies the batch contributed.
	Samples int
}

// ErrorObservation is the result of recording one batch's error rate.
type ErrorObservation struct {
	Current     float64
	Previous    float64
	HasBaseline bool
	Total       int
}

// WindowSnapshot is a copy of one service's window.
type WindowSnapshot struct {
	Service         string          `json:"service"`
	LatencyP95      []time.Duration `json:"latencyP95"`
	ErrorRates      []float64       `json:"errorRates"`
	BaselineP95     time.Duration   `json:"baselineP95"`
	ErrorRateMean   float64         `json:"errorRateMean"`
	ErrorRateStdDev float64         `json:"errorRateStdDev"`
}

// Tracker owns the windows of every service seen by the process.
type Tracker struct {
	windowSize      int
	baselineSamples int

	mu      sync.RWMutex
	windows map[string]*serviceWindow
}

type serviceWindow struct {
	mu      sync.Mutex
	latency []float64 // P95 samples in nanoseconds, oldest first
	errors  []float64 // error rates, oldest first
}

// New creates a tracker whose windows hold at most windowSize entries and
// need baselineSamples entries before they are used as a baseline.
func New(windowSize, baselineSamples int) *Tracker {
	if windowSize <= 0 {
		windowSize = 100
	}
	if baselineSamples <= 0 || baselineSamples > windowSize {
		baselineSamples = windowSize
	}
	return &Tracker{
		windowSize:      windowSize,
		baselineSamples: baselineSamples,
		windows:         make(map[string]*serviceWindow),
	}
}

// ObserveLatency computes the P95 of latencies, appends it to the service's
// latency window and returns it with the P95 of the prior window state.
// An empty sample records nothing.
func (t *Tracker) ObserveLatency(service string, latencies []time.Duration) LatencyObservation {
	if len(latencies) == 0 {
		return LatencyObservation{}
	}

	w := t.window(service)
	w.mu.Lock()
	defer w.mu.Unlock()
	return t.observeLatency(w, latencies)
}

// ObserveErrors records errorCount/totalCount for the service and returns it
// with the mean error rate of the prior window state. A zero total records nothing.
func (t *Tracker) ObserveErrors(service string, errorCount, totalCount int) ErrorObservation {
	if totalCount <= 0 {
		return ErrorObservation{}
	}

	w := t.window(service)
	w.mu.Lock()
	defer w.mu.Unlock()
	return t.observeErrors(w, errorCount, totalCount)
}

// Observe records one batch in both windows of a service under a single lock,
// so entry i of the latency and error windows always come from the same batch.
func (t *Tracker) Observe(service string, latencies []time.Duration, errorCount, totalCount int) (LatencyObservation, ErrorObservation) {
	if len(latencies) == 0 && totalCount <= 0 {
		return LatencyObservation{}, ErrorObservation{}
	}

	w := t.window(service)
	w.mu.Lock()
	defer w.mu.Unlock()

	var (
		lat  LatencyObservation
		errs ErrorObservation
	)
	if len(latencies) > 0 {
		lat = t.observeLatency(w, latencies)
	}
	if totalCount > 0 {
		errs = t.observeErrors(w, errorCount, totalCount)
	}
	return lat, errs
}

// observeLatency requires w.mu.
func (t *Tracker) observeLatency(w *serviceWindow, latencies []time.Duration) LatencyObservation {
	values := make([]float64, len(latencies))
	for i, l := range latencies {
		values[i] = float64(l)
	}
	current := Percentile(values, P95)

	obs := LatencyObservation{
		Current:  time.Duration(current),
		Previous: time.Duration(current),
		Samples:  len(latencies),
	}
	if len(w.latency) >= t.baselineSamples {
		obs.Previous = time.Duration(Percentile(w.latency[len(w.latency)-t.baselineSamples:], P95))
		obs.HasBaseline = true
	}

	w.latency = t.push(w.latency, current)
	return obs
}

// observeErrors requires w.mu.
func (t *Tracker) observeErrors(w *serviceWindow, errorCount, totalCount int) ErrorObservation {
	current := float64(errorCount) / float64(totalCount)

	obs := ErrorObservation{Current: current, Previous: current, Total: totalCount}
	if len(w.errors) >= t.baselineSamples {
		obs.Previous = stat.Mean(w.errors[len(w.errors)-t.baselineSamples:], nil)
		obs.HasBaseline = true
	}

	w.errors = t.push(w.errors, current)
	return obs
}

// Snapshot returns a copy of the service's window, or false if the service
// has never been observed.
func (t *Tracker) Snapshot(service string) (WindowSnapshot, bool) {
	t.mu.RLock()
	w, ok := t.windows[service]
	t.mu.RUnlock()
	if !ok {
		return WindowSnapshot{}, false
	}

	w.mu.Lock()
	latency := slices.Clone(w.latency)
	errs := slices.Clone(w.errors)
	w.mu.Unlock()

	snap := WindowSnapshot{
		Service:    service,
		LatencyP95: make([]time.Duration, len(latency)),
		ErrorRates: errs,
	}
	for i, v := range latency {
		snap.LatencyP95[i] = time.Duration(v)
	}
	if n := len(latency); n > 0 {
		snap.BaselineP95 = time.Duration(Percentile(latency[max(0, n-t.baselineSamples):], P95))
	}
	switch len(errs) {
	case 0:
	case 1:
		snap.ErrorRateMean = errs[0]
	default:
		snap.ErrorRateMean, snap.ErrorRateStdDev = stat.MeanStdDev(errs, nil)
	}
	return snap, true
}

// Services lists every observed service name in sorted order.
func (t *Tracker) Services() []string {
	t.mu.RLock()
	names := make([]string, 0, len(t.windows))
	for name := range t.windows {
		names = append(names, name)
	}
	t.mu.RUnlock()
	slices.Sort(names)
	return names
}

// WindowSize returns the configured window capacity.
func (t *Tracker) WindowSize() int {
	return t.windowSize
}

func (t *Tracker) window(service string) *serviceWindow {
	t.mu.RLock()
	w, ok := t.windows[service]
	t.mu.RUnlock()
	if ok {
		return w
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if w, ok = t.windows[service]; ok {
		return w
	}
	w = &serviceWindow{}
	t.windows[service] = w
	return w
}

// push appends v and evicts from the front until the window fits.
func (t *Tracker) push(window []float64, v float64) []float64 {
	window = append(window, v)
	if over := len(window) - t.windowSize; over > 0 {
		window = slices.Delete(window, 0, over)
	}
	return window
}

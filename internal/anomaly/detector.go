// Package anomaly decides whether a service's traffic in a batch deviates from
// its recent baseline.
package anomaly

import (
	"time"

	"spanflow/internal/models"
	"spanflow/internal/tracker"
)

// Kind names the heuristic that fired.
type Kind string

const (
	KindLatencySpike Kind = "latency_spike"
	KindErrorSpike   Kind = "error_spike"
)

// Verdict is the outcome of one heuristic for one service in one batch.
// Signal is false with Reason == models.ErrInsufficientSample when the batch
// was too small to judge.
type Verdict struct {
	Kind     Kind
	Signal   bool
	Reason   error
	Current  float64
	Previous float64
}

// Assessment combines both heuristics for a (batch, service) pair.
type Assessment struct {
	Service     string
	SpanCount   int
	Latency     Verdict
	Errors      Verdict
	CurrentP95  time.Duration
	PreviousP95 time.Duration
	ErrorRate   float64
	ErrorCount  int
}

// Anomalous reports whether either heuristic fired.
func (a Assessment) Anomalous() bool {
	return a.Latency.Signal || a.Errors.Signal
}

// Kinds lists the heuristics that fired.
func (a Assessment) Kinds() []Kind {
	var kinds []Kind
	if a.Latency.Signal {
		kinds = append(kinds, KindLatencySpike)
	}
	if a.Errors.Signal {
		kinds = append(kinds, KindErrorSpike)
	}
	return kinds
}

// Config holds the detector thresholds.
type Config struct {
	ErrorRateThreshold     float64
	LatencySpikeMultiplier float64
	MinBatchSamples        int
}

// Detector evaluates batches against the per-service windows kept by a tracker.
type Detector struct {
	cfg     Config
	tracker *tracker.Tracker
}

// New creates a detector backed by tr.
func New(cfg Config, tr *tracker.Tracker) *Detector {
	if cfg.MinBatchSamples <= 0 {
		cfg.MinBatchSamples = 10
	}
	if cfg.LatencySpikeMultiplier <= 0 {
		cfg.LatencySpikeMultiplier = 2.0
	}
	return &Detector{cfg: cfg, tracker: tr}
}

// DetectLatencySpike records the batch P95 for service and reports a spike
// when it exceeds the prior baseline P95 times the spike multiplier. The
// window is updated even when the batch is too small for a verdict.
func (d *Detector) DetectLatencySpike(service string, spans []models.Span) Verdict {
	return d.latencyVerdict(d.tracker.ObserveLatency(service, latencies(spans)))
}

// DetectErrorSpike records the batch error rate for service and reports a
// spike when it exceeds the configured threshold.
func (d *Detector) DetectErrorSpike(service string, spans []models.Span) Verdict {
	return d.errorVerdict(d.tracker.ObserveErrors(service, countErrors(spans), len(spans)))
}

// Evaluate runs both heuristics for one service's spans from a batch. Both
// windows are advanced together in one tracker update.
func (d *Detector) Evaluate(service string, spans []models.Span) Assessment {
	errorCount := countErrors(spans)
	latObs, errObs := d.tracker.Observe(service, latencies(spans), errorCount, len(spans))
	latency := d.latencyVerdict(latObs)
	errs := d.errorVerdict(errObs)

	return Assessment{
		Service:     service,
		SpanCount:   len(spans),
		Latency:     latency,
		Errors:      errs,
		CurrentP95:  time.Duration(latency.Current),
		PreviousP95: time.Duration(latency.Previous),
		ErrorRate:   errs.Current,
		ErrorCount:  errorCount,
	}
}

func (d *Detector) latencyVerdict(obs tracker.LatencyObservation) Verdict {
	v := Verdict{
		Kind:     KindLatencySpike,
		Current:  float64(obs.Current),
		Previous: float64(obs.Previous),
	}
	if obs.Samples < d.cfg.MinBatchSamples {
		v.Reason = models.ErrInsufficientSample
		return v
	}
	v.Signal = float64(obs.Current) > float64(obs.Previous)*d.cfg.LatencySpikeMultiplier
	return v
}

func (d *Detector) errorVerdict(obs tracker.ErrorObservation) Verdict {
	v := Verdict{
		Kind:     KindErrorSpike,
		Current:  obs.Current,
		Previous: obs.Previous,
	}
	if obs.Total == 0 {
		v.Reason = models.ErrInsufficientSample
		return v
	}
	v.Signal = obs.Current > d.cfg.ErrorRateThreshold
	return v
}

func latencies(spans []models.Span) []time.Duration {
	out := make([]time.Duration, len(spans))
	for i := range spans {
		out[i] = time.Duration(spans[i].DurationNanos())
	}
	return out
}

func countErrors(spans []models.Span) int {
	n := 0
	for i := range spans {
		if spans[i].IsError() {
			n++
		}
	}
	return n
}

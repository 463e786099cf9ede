package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the pipeline's Prometheus collectors.
type Metrics struct {
	SpansReceived  prometheus.Counter
	SpansMalformed prometheus.Counter
	SpansSampled   prometheus.Counter
	SpansRetained  prometheus.Counter
	SpansPersisted prometheus.Counter
	SpansRejected  prometheus.Counter

	Batches   *prometheus.CounterVec
	Anomalies *prometheus.CounterVec

	SinkDuration prometheus.Histogram
}

// NewMetrics registers the pipeline collectors on reg. A nil reg uses a
// private registry, which keeps repeated construction in tests safe.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		SpansReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "spanflow_spans_received_total",
			Help: "Span elements found in inbound batches, malformed ones included",
		}),
		SpansMalformed: factory.NewCounter(prometheus.CounterOpts{
			Name: "spanflow_spans_malformed_total",
			Help: "Spans dropped during normalization",
		}),
		SpansSampled: factory.NewCounter(prometheus.CounterOpts{
			Name: "spanflow_spans_sampled_total",
			Help: "Spans kept by head or tail sampling",
		}),
		SpansRetained: factory.NewCounter(prometheus.CounterOpts{
			Name: "spanflow_spans_retained_total",
			Help: "Spans handed to the storage sink after anomaly retention and dedup",
		}),
		SpansPersisted: factory.NewCounter(prometheus.CounterOpts{
			Name: "spanflow_spans_persisted_total",
			Help: "Spans accepted by the storage sink",
		}),
		SpansRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "spanflow_spans_rejected_total",
			Help: "Retained spans the storage sink did not accept",
		}),
		Batches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spanflow_batches_total",
				Help: "Processed batches by final state",
			},
			[]string{"state"},
		),
		Anomalies: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spanflow_anomalies_total",
				Help: "Anomalous service batches by kind",
			},
			[]string{"service", "kind"},
		),
		SinkDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "spanflow_sink_duration_seconds",
			Help:    "Storage sink insert latency",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
	}
}

// Package pipeline runs each inbound batch through normalization, sampling,
// anomaly retention and dedup, and hands the retained spans to storage.
//
// Tracker windows are updated while a batch is evaluated. If the caller
// cancels before the storage handoff, the batch is rejected but those window
// updates stay in place: windows describe observed traffic, not stored data.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"spanflow/internal/anomaly"
	"spanflow/internal/config"
	"spanflow/internal/logging"
	"spanflow/internal/models"
	"spanflow/internal/normalizer"
	"spanflow/internal/sampler"
	"spanflow/internal/storage"
	"spanflow/internal/tracker"
)

// ContentTypeProtobuf selects the OTLP protobuf decoder.
const ContentTypeProtobuf = "application/x-protobuf"

const (
	defaultSinkTimeout   = 5 * time.Second
	defaultNotifyTimeout = 10 * time.Second
)

var (
	// ErrUndecodable wraps batch bodies that could not be decoded at all.
	ErrUndecodable = errors.New("undecodable batch")

	// ErrPartialInsert is reported when the sink accepted fewer spans than it was given.
	ErrPartialInsert = errors.New("sink accepted a partial batch")
)

// State is the stage a batch reached.
type State string

const (
	StateReceived       State = "received"
	StateNormalized     State = "normalized"
	StateSampled        State = "sampled"
	StateAnomalyChecked State = "anomaly_checked"
	StateDeduped        State = "deduped"
	StatePersisted      State = "persisted"
	StateRejected       State = "rejected"
)

// RawBatch is an undecoded inbound request body.
type RawBatch struct {
	Body        []byte
	ContentType string
}

// Notifier receives anomalous service assessments.
type Notifier interface {
	NotifyAnomaly(ctx context.Context, batchID string, a anomaly.Assessment) error
}

// Options carries the optional collaborators of a Pipeline.
type Options struct {
	SinkTimeout   time.Duration
	NotifyTimeout time.Duration
	Notifier      Notifier
	Logger        *zap.Logger
	Registerer    prometheus.Registerer
}

// Pipeline processes batches. It is safe for concurrent use.
type Pipeline struct {
	sampler  *sampler.Sampler
	detector *anomaly.Detector
	sink     storage.Sink
	notifier Notifier
	logger   *zap.Logger
	metrics  *Metrics

	sinkTimeout   time.Duration
	notifyTimeout time.Duration

	notifications sync.WaitGroup
}

// New wires a pipeline from validated rules, the shared tracker and a sink.
func New(rules config.SamplingRules, tr *tracker.Tracker, sink storage.Sink, opts Options) *Pipeline {
	p := &Pipeline{
		sampler: sampler.New(rules.HeadSampleRate, rules.TailLatencyThresholdNanos),
		detector: anomaly.New(anomaly.Config{
			ErrorRateThreshold:     rules.ErrorRateThreshold,
			LatencySpikeMultiplier: rules.LatencySpikeMultiplier,
			MinBatchSamples:        rules.MinBatchSamples,
		}, tr),
		sink:          sink,
		notifier:      opts.Notifier,
		logger:        logging.OrNop(opts.Logger),
		metrics:       NewMetrics(opts.Registerer),
		sinkTimeout:   opts.SinkTimeout,
		notifyTimeout: opts.NotifyTimeout,
	}
	if p.sinkTimeout <= 0 {
		p.sinkTimeout = defaultSinkTimeout
	}
	if p.notifyTimeout <= 0 {
		p.notifyTimeout = defaultNotifyTimeout
	}
	return p
}

// Metrics exposes the pipeline collectors.
func (p *Pipeline) Metrics() *Metrics {
	return p.metrics
}

// Process decodes a raw OTLP body and runs it through the pipeline.
func (p *Pipeline) Process(ctx context.Context, raw RawBatch) Result {
	batchID := uuid.NewString()

	var (
		norm normalizer.Result
		err  error
	)
	if isProtobuf(raw.ContentType) {
		norm, err = normalizer.NormalizeProto(raw.Body)
	} else {
		norm, err = normalizer.NormalizeJSON(raw.Body)
	}
	if err != nil {
		p.logger.Warn("rejecting undecodable batch",
			zap.String("batch_id", batchID),
			zap.String("content_type", raw.ContentType),
			zap.Error(err),
		)
		return p.finish(Result{
			BatchID: batchID,
			State:   StateRejected,
			Err:     fmt.Errorf("%w: %v", ErrUndecodable, err),
		})
	}

	return p.run(ctx, models.Batch{ID: batchID, Spans: norm.Spans}, norm.Received, norm.Malformed)
}

// ProcessSpans runs already-canonical spans through the pipeline under a new
// batch ID.
func (p *Pipeline) ProcessSpans(ctx context.Context, spans []models.Span) Result {
	return p.ProcessBatch(ctx, models.Batch{Spans: spans})
}

// ProcessBatch runs a batch of canonical spans through the pipeline. Spans are
// still validated and invalid ones are counted as malformed. A batch without
// an ID is given one.
func (p *Pipeline) ProcessBatch(ctx context.Context, batch models.Batch) Result {
	if batch.ID == "" {
		batch.ID = uuid.NewString()
	}
	norm := normalizer.FromSpans(batch.Spans)
	return p.run(ctx, models.Batch{ID: batch.ID, Spans: norm.Spans}, norm.Received, norm.Malformed)
}

// run processes the valid spans of a batch. received and malformed describe
// what normalization dropped on the way in.
func (p *Pipeline) run(ctx context.Context, batch models.Batch, received int, malformed []*models.MalformedSpanError) Result {
	batchID := batch.ID
	logger := p.logger.With(zap.String("batch_id", batchID))

	res := Result{
		BatchID:        batchID,
		State:          StateNormalized,
		ReceivedCount:  received,
		MalformedCount: len(malformed),
	}
	for _, me := range malformed {
		logger.Warn("dropping malformed span", zap.Error(me))
	}

	spans := batch.Spans
	keep := make([]bool, len(spans))

	sampled := p.sampler.Sample(spans)
	for _, i := range sampled {
		keep[i] = true
	}
	res.SampledCount = len(sampled)
	res.State = StateSampled

	services, partitions := partition(spans)
	for _, service := range services {
		idx := partitions[service]
		group := make([]models.Span, len(idx))
		for j, i := range idx {
			group[j] = spans[i]
		}

		assessment := p.detector.Evaluate(service, group)
		if !assessment.Anomalous() {
			continue
		}

		for _, i := range idx {
			keep[i] = true
		}
		res.AnomalousServices = append(res.AnomalousServices, service)
		p.recordAnomaly(logger, batchID, assessment)
	}
	res.State = StateAnomalyChecked

	kept := make([]models.Span, 0, len(spans))
	for i := range spans {
		if keep[i] {
			kept = append(kept, spans[i])
		}
	}
	retained := sampler.Dedup(kept)
	res.RetainedCount = len(retained)
	res.State = StateDeduped

	if err := ctx.Err(); err != nil {
		logger.Warn("batch cancelled before storage", zap.Error(err))
		res.State = StateRejected
		res.RejectedCount = res.RetainedCount
		res.Err = err
		return p.finish(res)
	}

	if len(retained) == 0 {
		res.State = StatePersisted
		return p.finish(res)
	}

	accepted, err := p.insert(ctx, retained)
	res.AcceptedCount = accepted
	res.RejectedCount = res.RetainedCount - accepted
	if err == nil && accepted < res.RetainedCount {
		err = ErrPartialInsert
	}
	if err != nil {
		res.State = StateRejected
		res.Err = &models.SinkUnavailableError{
			Accepted: res.AcceptedCount,
			Rejected: res.RejectedCount,
			Err:      err,
		}
		logger.Error("storage sink rejected batch",
			zap.Int("accepted", res.AcceptedCount),
			zap.Int("rejected", res.RejectedCount),
			zap.Error(err),
		)
		return p.finish(res)
	}

	res.State = StatePersisted
	logger.Debug("batch persisted",
		zap.Int("received", res.ReceivedCount),
		zap.Int("sampled", res.SampledCount),
		zap.Int("retained", res.RetainedCount),
	)
	return p.finish(res)
}

func (p *Pipeline) insert(ctx context.Context, spans []models.Span) (int, error) {
	sinkCtx, cancel := context.WithTimeout(ctx, p.sinkTimeout)
	defer cancel()

	start := time.Now()
	accepted, err := p.sink.InsertSpans(sinkCtx, spans)
	p.metrics.SinkDuration.Observe(time.Since(start).Seconds())

	if accepted < 0 {
		accepted = 0
	}
	if accepted > len(spans) {
		accepted = len(spans)
	}
	return accepted, err
}

func (p *Pipeline) recordAnomaly(logger *zap.Logger, batchID string, a anomaly.Assessment) {
	kinds := a.Kinds()
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k)
		p.metrics.Anomalies.WithLabelValues(a.Service, string(k)).Inc()
	}

	logger.Info("anomalous service, retaining all spans",
		zap.String("service", a.Service),
		zap.String("kinds", strings.Join(names, ",")),
		zap.Int("spans", a.SpanCount),
		zap.Duration("p95", a.CurrentP95),
		zap.Duration("previous_p95", a.PreviousP95),
		zap.Float64("error_rate", a.ErrorRate),
	)

	if p.notifier == nil {
		return
	}

	p.notifications.Add(1)
	go func() {
		defer p.notifications.Done()

		ctx, cancel := context.WithTimeout(context.Background(), p.notifyTimeout)
		defer cancel()

		if err := p.notifier.NotifyAnomaly(ctx, batchID, a); err != nil {
			logger.Warn("failed to send anomaly notification",
				zap.String("service", a.Service),
				zap.Error(err),
			)
		}
	}()
}

// Wait blocks until in-flight anomaly notifications have finished.
func (p *Pipeline) Wait() {
	p.notifications.Wait()
}

func (p *Pipeline) finish(res Result) Result {
	m := p.metrics
	m.Batches.WithLabelValues(string(res.State)).Inc()
	m.SpansReceived.Add(float64(res.ReceivedCount))
	m.SpansMalformed.Add(float64(res.MalformedCount))
	m.SpansSampled.Add(float64(res.SampledCount))
	m.SpansRetained.Add(float64(res.RetainedCount))
	m.SpansPersisted.Add(float64(res.AcceptedCount))
	m.SpansRejected.Add(float64(res.RejectedCount))
	return res
}

// partition groups span indices by service in order of first appearance.
func partition(spans []models.Span) ([]string, map[string][]int) {
	var order []string
	groups := make(map[string][]int)
	for i := range spans {
		name := spans[i].ServiceName
		if _, ok := groups[name]; !ok {
			order = append(order, name)
		}
		groups[name] = append(groups[name], i)
	}
	return order, groups
}

func isProtobuf(contentType string) bool {
	mediaType, _, _ := strings.Cut(contentType, ";")
	return strings.EqualFold(strings.TrimSpace(mediaType), ContentTypeProtobuf)
}

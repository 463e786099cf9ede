// Package normalizer converts inbound OTLP span batches into canonical models.Span records.
//
// Normalization is per span: a span that cannot be mapped is reported as a
// *models.MalformedSpanError and the remaining spans of the batch still come
// through. Only a body that cannot be decoded at all fails the whole batch.
package normalizer

import (
	"strconv"

	"spanflow/internal/models"
)

// ServiceNameKey is the resource attribute that names the emitting service.
const ServiceNameKey = "service.name"

// UnknownService is used when no service name could be found.
const UnknownService = "unknown"

// Result is the outcome of normalizing one inbound batch.
type Result struct {
	Spans     []models.Span
	Malformed []*models.MalformedSpanError
	// Received counts every span element found in the payload, malformed ones included.
	Received int
}

func (r *Result) accept(span models.Span, index int) {
	if err := span.Validate(); err != nil {
		me := err.(*models.MalformedSpanError)
		me.Index = index
		r.Malformed = append(r.Malformed, me)
		return
	}
	r.Spans = append(r.Spans, span)
}

func (r *Result) reject(index int, traceID, spanID, reason string) {
	r.Malformed = append(r.Malformed, &models.MalformedSpanError{
		Index:   index,
		TraceID: traceID,
		SpanID:  spanID,
		Reason:  reason,
	})
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// FromSpans validates already-canonical spans, applying the same per-span
// rejection rules as the wire decoders.
func FromSpans(spans []models.Span) Result {
	res := Result{Received: len(spans)}
	for i, s := range spans {
		res.accept(s, i)
	}
	return res
}

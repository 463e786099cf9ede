// Package models defines the canonical span records and result types shared across the collector.
package models

import "strings"

// StatusCode is the canonical status of a span.
type StatusCode string

const (
	StatusUnset StatusCode = "UNSET"
	StatusOK    StatusCode = "OK"
	StatusError StatusCode = "ERROR"
)

// OTLP numeric status codes.
const (
	otlpStatusUnset = 0
	otlpStatusError = 2
)

// StatusFromCode maps an OTLP numeric status code to a StatusCode.
// A missing code maps to UNSET, 2 to ERROR and any other value to OK.
func StatusFromCode(code int64, present bool) StatusCode {
	if !present || code == otlpStatusUnset {
		return StatusUnset
	}
	if code == otlpStatusError {
		return StatusError
	}
	return StatusOK
}

// StatusFromName maps an OTLP enum name such as "STATUS_CODE_ERROR" to a StatusCode.
func StatusFromName(name string) StatusCode {
	switch strings.TrimPrefix(strings.ToUpper(name), "STATUS_CODE_") {
	case "ERROR":
		return StatusError
	case "OK":
		return StatusOK
	default:
		return StatusUnset
	}
}

// Span is a single timed operation within a trace. It is treated as immutable
// once produced by the normalizer.
type Span struct {
	TraceID        string            `json:"traceId"`
	SpanID         string            `json:"spanId"`
	ParentSpanID   string            `json:"parentSpanId,omitempty"`
	Name           string            `json:"name"`
	ServiceName    string            `json:"serviceName"`
	StartTimeNanos int64             `json:"startTimeUnixNano"`
	EndTimeNanos   int64             `json:"endTimeUnixNano"`
	StatusCode     StatusCode        `json:"statusCode"`
	StatusMessage  string            `json:"statusMessage,omitempty"`
	Attributes     map[string]string `json:"attributes"`
	Events         []string          `json:"events"`
}

// SpanKey identifies a span within the whole system.
type SpanKey struct {
	TraceID string
	SpanID  string
}

// Key returns the (traceId, spanId) pair used for deduplication.
func (s *Span) Key() SpanKey {
	return SpanKey{TraceID: s.TraceID, SpanID: s.SpanID}
}

// DurationNanos returns end - start.
func (s *Span) DurationNanos() int64 {
	return s.EndTimeNanos - s.StartTimeNanos
}

// IsError reports whether the span carries an ERROR status.
func (s *Span) IsError() bool {
	return s.StatusCode == StatusError
}

// Validate checks the invariants every canonical span must hold.
func (s *Span) Validate() error {
	switch {
	case s.TraceID == "":
		return &MalformedSpanError{SpanID: s.SpanID, Reason: "empty traceId"}
	case s.SpanID == "":
		return &MalformedSpanError{TraceID: s.TraceID, Reason: "empty spanId"}
	case s.EndTimeNanos < s.StartTimeNanos:
		return &MalformedSpanError{TraceID: s.TraceID, SpanID: s.SpanID, Reason: "endTimeUnixNano precedes startTimeUnixNano"}
	}
	return nil
}

// Batch is an ordered group of spans that arrived in one ingestion call.
type Batch struct {
	ID    string
	Spans []Span
}

// TraceSummary is the read-side overview of one stored trace.
type TraceSummary struct {
	TraceID            string   `json:"traceId"`
	RootService        string   `json:"rootService"`
	TotalDurationNanos int64    `json:"totalDuration"`
	HasError           bool     `json:"hasError"`
	Services           []string `json:"services"`
	SpanCount          int      `json:"spanCount"`
	StartTimeNanos     int64    `json:"startTimeUnixNano"`
}

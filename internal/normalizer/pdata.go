package normalizer

import (
	"fmt"
	"math"
	"strconv"

	"go.opentelemetry.io/collector/pdata/pcommon"
	"go.opentelemetry.io/collector/pdata/ptrace"

	"spanflow/internal/models"
)

// NormalizeProto decodes an OTLP protobuf ExportTraceServiceRequest body.
func NormalizeProto(body []byte) (Result, error) {
	unmarshaler := &ptrace.ProtoUnmarshaler{}
	traces, err := unmarshaler.UnmarshalTraces(body)
	if err != nil {
		return Result{}, fmt.Errorf("failed to decode protobuf trace export: %w", err)
	}
	return NormalizePData(traces), nil
}

// NormalizePData maps the collector's in-memory trace model onto canonical spans.
func NormalizePData(traces ptrace.Traces) Result {
	var res Result
	index := 0

	for i := 0; i < traces.ResourceSpans().Len(); i++ {
		rs := traces.ResourceSpans().At(i)
		resourceService := pdataServiceName(rs.Resource())

		for j := 0; j < rs.ScopeSpans().Len(); j++ {
			ss := rs.ScopeSpans().At(j)
			for k := 0; k < ss.Spans().Len(); k++ {
				span := ss.Spans().At(k)
				normalizePDataSpan(&res, span, resourceService, index)
				index++
			}
		}
	}
	res.Received = index

	return res
}

func normalizePDataSpan(res *Result, span ptrace.Span, resourceService string, index int) {
	traceID, id := spanTraceID(span), spanID(span)
	if traceID == "" {
		res.reject(index, traceID, id, "empty traceId")
		return
	}
	if id == "" {
		res.reject(index, traceID, id, "empty spanId")
		return
	}

	start, end := uint64(span.StartTimestamp()), uint64(span.EndTimestamp())
	if start > math.MaxInt64 || end > math.MaxInt64 {
		res.reject(index, traceID, id, "timestamp overflows int64 nanoseconds")
		return
	}

	attrs, err := mapAttributes(span.Attributes())
	if err != nil {
		res.reject(index, traceID, id, "attributes: "+err.Error())
		return
	}

	events := make([]string, 0, span.Events().Len())
	for e := 0; e < span.Events().Len(); e++ {
		events = append(events, span.Events().At(e).Name())
	}

	var parent string
	if !span.ParentSpanID().IsEmpty() {
		parent = span.ParentSpanID().String()
	}

	res.accept(models.Span{
		TraceID:        traceID,
		SpanID:         id,
		ParentSpanID:   parent,
		Name:           span.Name(),
		ServiceName:    serviceName(resourceService, ""),
		StartTimeNanos: int64(start),
		EndTimeNanos:   int64(end),
		StatusCode:     pdataStatus(span.Status().Code()),
		StatusMessage:  span.Status().Message(),
		Attributes:     attrs,
		Events:         events,
	}, index)
}

// pdataServiceName only looks at service.name; other resource attributes may
// hold slices or maps and are ignored.
func pdataServiceName(res pcommon.Resource) string {
	v, ok := res.Attributes().Get(ServiceNameKey)
	if !ok {
		return ""
	}
	switch v.Type() {
	case pcommon.ValueTypeStr, pcommon.ValueTypeInt, pcommon.ValueTypeBool, pcommon.ValueTypeDouble:
		return v.AsString()
	}
	return ""
}

func spanTraceID(span ptrace.Span) string {
	if span.TraceID().IsEmpty() {
		return ""
	}
	return span.TraceID().String()
}

func spanID(span ptrace.Span) string {
	if span.SpanID().IsEmpty() {
		return ""
	}
	return span.SpanID().String()
}

func pdataStatus(code ptrace.StatusCode) models.StatusCode {
	switch code {
	case ptrace.StatusCodeError:
		return models.StatusError
	case ptrace.StatusCodeOk:
		return models.StatusOK
	default:
		return models.StatusUnset
	}
}

func mapAttributes(m pcommon.Map) (map[string]string, error) {
	attrs := make(map[string]string, m.Len())
	var rangeErr error
	m.Range(func(k string, v pcommon.Value) bool {
		switch v.Type() {
		case pcommon.ValueTypeStr:
			attrs[k] = v.Str()
		case pcommon.ValueTypeInt:
			attrs[k] = strconv.FormatInt(v.Int(), 10)
		case pcommon.ValueTypeBool:
			attrs[k] = strconv.FormatBool(v.Bool())
		case pcommon.ValueTypeDouble:
			attrs[k] = formatFloat(v.Double())
		default:
			rangeErr = fmt.Errorf("attribute %q has unsupported type %s", k, v.Type())
			return false
		}
		return true
	})
	if rangeErr != nil {
		return nil, rangeErr
	}
	return attrs, nil
}

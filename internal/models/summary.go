package models

import (
	"slices"
	"sort"
)

// Summarize builds the read-side overview of one trace from its spans.
// The root service is the service of the earliest span without a parent,
// falling back to the earliest span overall. Returns false for no spans.
func Summarize(traceID string, spans []Span) (TraceSummary, bool) {
	if len(spans) == 0 {
		return TraceSummary{}, false
	}

	ordered := slices.Clone(spans)
	SortByStart(ordered)

	sum := TraceSummary{
		TraceID:        traceID,
		SpanCount:      len(ordered),
		StartTimeNanos: ordered[0].StartTimeNanos,
		RootService:    ordered[0].ServiceName,
	}

	var end int64
	services := make(map[string]struct{})
	rootFound := false
	for i := range ordered {
		s := &ordered[i]
		if s.EndTimeNanos > end {
			end = s.EndTimeNanos
		}
		if s.IsError() {
			sum.HasError = true
		}
		if !rootFound && s.ParentSpanID == "" {
			sum.RootService = s.ServiceName
			rootFound = true
		}
		services[s.ServiceName] = struct{}{}
	}
	sum.TotalDurationNanos = end - sum.StartTimeNanos

	for name := range services {
		sum.Services = append(sum.Services, name)
	}
	sort.Strings(sum.Services)

	return sum, true
}

// SortByStart orders spans by start time, then span id, in place.
func SortByStart(spans []Span) {
	sort.SliceStable(spans, func(i, j int) bool {
		if spans[i].StartTimeNanos != spans[j].StartTimeNanos {
			return spans[i].StartTimeNanos < spans[j].StartTimeNanos
		}
		return spans[i].SpanID < spans[j].SpanID
	})
}

package storage

import (
	"context"
	"slices"
	"sort"
	"sync"

	"spanflow/internal/models"
)

// Memory keeps spans in process memory. Inserts are idempotent per
// (traceId, spanId).
type Memory struct {
	mu     sync.RWMutex
	traces map[string][]models.Span
	keys   map[models.SpanKey]struct{}
	latest map[string]int64
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		traces: make(map[string][]models.Span),
		keys:   make(map[models.SpanKey]struct{}),
		latest: make(map[string]int64),
	}
}

// InsertSpans stores spans, ignoring ones already present.
func (m *Memory) InsertSpans(ctx context.Context, spans []models.Span) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range spans {
		key := s.Key()
		if _, ok := m.keys[key]; ok {
			continue
		}
		m.keys[key] = struct{}{}
		m.traces[s.TraceID] = append(m.traces[s.TraceID], s)
		if s.StartTimeNanos > m.latest[s.TraceID] {
			m.latest[s.TraceID] = s.StartTimeNanos
		}
	}
	return len(spans), nil
}

// GetTrace returns the spans of one trace ordered by start time.
func (m *Memory) GetTrace(ctx context.Context, traceID string) ([]models.Span, error) {
	m.mu.RLock()
	spans := slices.Clone(m.traces[traceID])
	m.mu.RUnlock()

	models.SortByStart(spans)
	return spans, nil
}

// SearchTraces summarizes the most recently started traces.
func (m *Memory) SearchTraces(ctx context.Context, limit int) ([]models.TraceSummary, error) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.traces))
	for id := range m.traces {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if m.latest[ids[i]] != m.latest[ids[j]] {
			return m.latest[ids[i]] > m.latest[ids[j]]
		}
		return ids[i] < ids[j]
	})
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}

	summaries := make([]models.TraceSummary, 0, len(ids))
	for _, id := range ids {
		if sum, ok := models.Summarize(id, m.traces[id]); ok {
			summaries = append(summaries, sum)
		}
	}
	m.mu.RUnlock()

	return summaries, nil
}

// Len returns the number of stored spans.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.keys)
}

// Ping always succeeds.
func (m *Memory) Ping(context.Context) error { return nil }

// Close is a no-op.
func (m *Memory) Close() error { return nil }

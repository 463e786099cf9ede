// Package sampler implements deterministic head sampling and rule-based tail
// sampling over a batch of canonical spans.
package sampler

import (
	"math"

	"spanflow/internal/models"
)

// Sampler applies the head and tail policies. It holds no mutable state and
// is safe for concurrent use.
type Sampler struct {
	headRate         float64
	latencyThreshold int64
}

// New creates a sampler keeping the leading headRate fraction of each batch
// plus every span at or above latencyThresholdNanos or with an ERROR status.
func New(headRate float64, latencyThresholdNanos int64) *Sampler {
	if math.IsNaN(headRate) {
		headRate = 0
	}
	return &Sampler{
		headRate:         math.Max(0, math.Min(1, headRate)),
		latencyThreshold: latencyThresholdNanos,
	}
}

// HeadCount returns how many leading spans of an n-span batch head sampling keeps.
func (s *Sampler) HeadCount(n int) int {
	return int(math.Floor(float64(n) * s.headRate))
}

// Head returns the indices kept by head sampling: the first HeadCount(n).
func (s *Sampler) Head(n int) []int {
	count := s.HeadCount(n)
	idx := make([]int, count)
	for i := range idx {
		idx[i] = i
	}
	return idx
}

// KeepTail reports whether the tail policy retains span.
func (s *Sampler) KeepTail(span *models.Span) bool {
	return span.DurationNanos() >= s.latencyThreshold || span.IsError()
}

// Tail returns the indices of spans retained by the tail policy.
func (s *Sampler) Tail(spans []models.Span) []int {
	var idx []int
	for i := range spans {
		if s.KeepTail(&spans[i]) {
			idx = append(idx, i)
		}
	}
	return idx
}

// Sample returns the ascending indices of spans retained by head or tail
// sampling. A (traceId, spanId) pair contributes at most one index, the
// first one at which it appears.
func (s *Sampler) Sample(spans []models.Span) []int {
	keep := make([]bool, len(spans))
	for _, i := range s.Head(len(spans)) {
		keep[i] = true
	}
	for _, i := range s.Tail(spans) {
		keep[i] = true
	}
	return DedupIndices(spans, keep)
}

// DedupIndices returns the ascending indices i with keep[i] set, skipping any
// kept span whose key was already kept at a lower index.
func DedupIndices(spans []models.Span, keep []bool) []int {
	seen := make(map[models.SpanKey]struct{}, len(spans))
	var idx []int
	for i := range spans {
		if !keep[i] {
			continue
		}
		key := spans[i].Key()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		idx = append(idx, i)
	}
	return idx
}

// Dedup returns spans with repeated (traceId, spanId) pairs removed, keeping
// the first occurrence and the original order.
func Dedup(spans []models.Span) []models.Span {
	seen := make(map[models.SpanKey]struct{}, len(spans))
	out := make([]models.Span, 0, len(spans))
	for i := range spans {
		key := spans[i].Key()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, spans[i])
	}
	return out
}

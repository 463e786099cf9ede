package sampler

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"spanflow/internal/models"
)

const threshold = int64(300 * time.Millisecond)

func span(i int, d time.Duration, status models.StatusCode) models.Span {
	return models.Span{
		TraceID:        fmt.Sprintf("t%d", i/3),
		SpanID:         fmt.Sprintf("s%d", i),
		ServiceName:    "svc",
		StartTimeNanos: 0,
		EndTimeNanos:   int64(d),
		StatusCode:     status,
	}
}

func fastBatch(n int) []models.Span {
	spans := make([]models.Span, n)
	for i := range spans {
		spans[i] = span(i, time.Millisecond, models.StatusOK)
	}
	return spans
}

func TestHeadCount(t *testing.T) {
	tests := []struct {
		rate     float64
		n        int
		expected int
	}{
		{0, 100, 0},
		{0.1, 100, 10},
		{0.1, 9, 0},
		{0.1, 19, 1},
		{0.5, 7, 3},
		{1, 7, 7},
		{1.5, 7, 7},
		{-1, 7, 0},
		{math.NaN(), 7, 0},
		{math.Inf(1), 7, 7},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("rate=%v n=%d", tt.rate, tt.n), func(t *testing.T) {
			s := New(tt.rate, threshold)
			assert.Equal(t, tt.expected, s.HeadCount(tt.n))
			assert.Len(t, s.Head(tt.n), tt.expected)
		})
	}
}

func TestHeadIsLeadingPrefix(t *testing.T) {
	s := New(0.3, threshold)
	assert.Equal(t, []int{0, 1, 2}, s.Head(10))
}

func TestSampleIsDeterministic(t *testing.T) {
	spans := fastBatch(50)
	spans[17] = span(17, time.Second, models.StatusOK)
	spans[42] = span(42, time.Millisecond, models.StatusError)

	s := New(0.2, threshold)
	first := s.Sample(spans)
	second := s.Sample(spans)

	assert.Equal(t, first, second)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 17, 42}, first)
}

func TestTailRetainsExactlyMatchingSpans(t *testing.T) {
	spans := []models.Span{
		span(0, 299*time.Millisecond, models.StatusOK),
		span(1, 300*time.Millisecond, models.StatusOK),
		span(2, time.Millisecond, models.StatusError),
		span(3, time.Millisecond, models.StatusUnset),
		span(4, 2*time.Second, models.StatusError),
	}

	s := New(0, threshold)
	assert.Equal(t, []int{1, 2, 4}, s.Tail(spans))
	assert.Equal(t, []int{1, 2, 4}, s.Sample(spans))
}

func TestSampleUnionHasNoDuplicates(t *testing.T) {
	spans := fastBatch(10)
	// index 0 is kept by both policies
	spans[0] = span(0, time.Second, models.StatusError)
	// index 5 repeats index 1's key and is tail-eligible
	spans[5] = spans[1]
	spans[5].StatusCode = models.StatusError

	s := New(0.2, threshold)
	idx := s.Sample(spans)
	assert.Equal(t, []int{0, 1}, idx)

	keys := make(map[models.SpanKey]int)
	for _, i := range idx {
		keys[spans[i].Key()]++
	}
	for k, n := range keys {
		assert.Equal(t, 1, n, "key %v retained more than once", k)
	}
}

func TestDedupIndicesKeepsFirstKeptOccurrence(t *testing.T) {
	spans := fastBatch(4)
	spans[3] = spans[0]

	assert.Equal(t, []int{3}, DedupIndices(spans, []bool{false, false, false, true}))
	assert.Equal(t, []int{0, 2}, DedupIndices(spans, []bool{true, false, true, true}))
}

func TestDedup(t *testing.T) {
	spans := fastBatch(3)
	dup := spans[1]
	dup.Name = "later copy"
	spans = append(spans, dup)

	out := Dedup(spans)
	assert.Len(t, out, 3)
	assert.Equal(t, "", out[1].Name)
}

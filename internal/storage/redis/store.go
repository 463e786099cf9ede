// Package redis stores spans in Redis. Each trace is a hash of span id to
// encoded span, and a sorted set indexes trace ids by their latest start time.
// When traces expire, a second sorted set holds each trace's expiry deadline
// so the index can be pruned alongside the hashes.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"spanflow/internal/models"
)

const (
	keyPrefix   = "spanflow:"
	tracesKey   = keyPrefix + "traces"
	tracePrefix = keyPrefix + "trace:"
	expiryKey   = keyPrefix + "traces:expiry"

	pruneBatch = 500
)

// Store implements the span insert and read contracts on Redis.
type Store struct {
	client Client
	ttl    time.Duration
	now    func() time.Time
}

// New creates a store over a go-redis client. A zero ttl keeps traces forever.
func New(client redis.UniversalClient, ttl time.Duration) *Store {
	return NewWithClient(Wrap(client), ttl)
}

// NewWithClient creates a store over any Client implementation.
func NewWithClient(client Client, ttl time.Duration) *Store {
	return &Store{client: client, ttl: ttl, now: time.Now}
}

func traceKey(traceID string) string {
	return tracePrefix + traceID
}

// InsertSpans writes spans grouped by trace. Rewriting a span with the same
// key overwrites it, so inserts are idempotent.
func (s *Store) InsertSpans(ctx context.Context, spans []models.Span) (int, error) {
	grouped := make(map[string][]interface{})
	latest := make(map[string]int64)
	order := make([]string, 0)

	for i := range spans {
		span := &spans[i]
		encoded, err := sonic.Marshal(span)
		if err != nil {
			return 0, fmt.Errorf("failed to encode span %s: %w", span.SpanID, err)
		}
		if _, ok := grouped[span.TraceID]; !ok {
			order = append(order, span.TraceID)
		}
		grouped[span.TraceID] = append(grouped[span.TraceID], span.SpanID, string(encoded))
		if span.StartTimeNanos > latest[span.TraceID] {
			latest[span.TraceID] = span.StartTimeNanos
		}
	}

	accepted := 0
	for _, traceID := range order {
		key := traceKey(traceID)
		if err := s.client.HSet(ctx, key, grouped[traceID]...); err != nil {
			return accepted, fmt.Errorf("failed to write trace %s: %w", traceID, err)
		}
		if err := s.client.ZAddGT(ctx, tracesKey, redis.Z{Score: float64(latest[traceID]), Member: traceID}); err != nil {
			return accepted, fmt.Errorf("failed to index trace %s: %w", traceID, err)
		}
		if s.ttl > 0 {
			if err := s.client.Expire(ctx, key, s.ttl); err != nil {
				return accepted, fmt.Errorf("failed to set ttl on trace %s: %w", traceID, err)
			}
			deadline := redis.Z{Score: float64(s.now().Add(s.ttl).UnixMilli()), Member: traceID}
			if err := s.client.ZAdd(ctx, expiryKey, deadline); err != nil {
				return accepted, fmt.Errorf("failed to record expiry of trace %s: %w", traceID, err)
			}
		}
		accepted += len(grouped[traceID]) / 2
	}

	if s.ttl > 0 {
		if err := s.pruneExpired(ctx); err != nil {
			return accepted, err
		}
	}

	return accepted, nil
}

// pruneExpired drops index entries of traces whose hash has expired. At most
// pruneBatch entries are removed per call.
func (s *Store) pruneExpired(ctx context.Context) error {
	now := strconv.FormatInt(s.now().UnixMilli(), 10)
	expired, err := s.client.ZRangeByScore(ctx, expiryKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   now,
		Count: pruneBatch,
	})
	if err != nil {
		return fmt.Errorf("failed to list expired traces: %w", err)
	}
	if len(expired) == 0 {
		return nil
	}

	members := make([]interface{}, len(expired))
	for i, id := range expired {
		members[i] = id
	}
	if err := s.client.ZRem(ctx, tracesKey, members...); err != nil {
		return fmt.Errorf("failed to prune trace index: %w", err)
	}
	if len(expired) < pruneBatch {
		err = s.client.ZRemRangeByScore(ctx, expiryKey, "-inf", now)
	} else {
		err = s.client.ZRem(ctx, expiryKey, members...)
	}
	if err != nil {
		return fmt.Errorf("failed to prune expiry index: %w", err)
	}
	return nil
}

// GetTrace returns the spans of one trace ordered by start time.
func (s *Store) GetTrace(ctx context.Context, traceID string) ([]models.Span, error) {
	fields, err := s.client.HGetAll(ctx, traceKey(traceID))
	if err != nil {
		return nil, fmt.Errorf("failed to read trace %s: %w", traceID, err)
	}

	spans := make([]models.Span, 0, len(fields))
	for spanID, raw := range fields {
		var span models.Span
		if err := sonic.UnmarshalString(raw, &span); err != nil {
			return nil, fmt.Errorf("failed to decode span %s: %w", spanID, err)
		}
		spans = append(spans, span)
	}
	models.SortByStart(spans)

	return spans, nil
}

// SearchTraces summarizes the most recently started traces. Index entries
// whose trace hash has expired are skipped.
func (s *Store) SearchTraces(ctx context.Context, limit int) ([]models.TraceSummary, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}

	ids, err := s.client.ZRevRange(ctx, tracesKey, 0, stop)
	if err != nil {
		return nil, fmt.Errorf("failed to list traces: %w", err)
	}

	summaries := make([]models.TraceSummary, 0, len(ids))
	for _, id := range ids {
		spans, err := s.GetTrace(ctx, id)
		if err != nil {
			return nil, err
		}
		if sum, ok := models.Summarize(id, spans); ok {
			summaries = append(summaries, sum)
		}
	}
	return summaries, nil
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx)
}

// Close releases the client.
func (s *Store) Close() error {
	return s.client.Close()
}

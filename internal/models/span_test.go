package models

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusFromCode(t *testing.T) {
	tests := []struct {
		name     string
		code     int64
		present  bool
		expected StatusCode
	}{
		{"absent code", 0, false, StatusUnset},
		{"explicit unset", 0, true, StatusUnset},
		{"ok", 1, true, StatusOK},
		{"error", 2, true, StatusError},
		{"unknown numeric", 7, true, StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, StatusFromCode(tt.code, tt.present))
		})
	}
}

func TestStatusFromName(t *testing.T) {
	assert.Equal(t, StatusError, StatusFromName("STATUS_CODE_ERROR"))
	assert.Equal(t, StatusOK, StatusFromName("STATUS_CODE_OK"))
	assert.Equal(t, StatusError, StatusFromName("error"))
	assert.Equal(t, StatusUnset, StatusFromName("STATUS_CODE_UNSET"))
	assert.Equal(t, StatusUnset, StatusFromName(""))
}

func TestSpanValidate(t *testing.T) {
	valid := Span{TraceID: "t1", SpanID: "s1", StartTimeNanos: 10, EndTimeNanos: 20}
	assert.NoError(t, valid.Validate())
	assert.Equal(t, int64(10), valid.DurationNanos())
	assert.Equal(t, SpanKey{TraceID: "t1", SpanID: "s1"}, valid.Key())

	zeroLength := Span{TraceID: "t1", SpanID: "s1", StartTimeNanos: 10, EndTimeNanos: 10}
	assert.NoError(t, zeroLength.Validate())

	tests := []struct {
		name string
		span Span
	}{
		{"empty trace id", Span{SpanID: "s1"}},
		{"empty span id", Span{TraceID: "t1"}},
		{"end before start", Span{TraceID: "t1", SpanID: "s1", StartTimeNanos: 20, EndTimeNanos: 10}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.span.Validate()
			assert.Error(t, err)
			assert.True(t, IsMalformed(err))
		})
	}
}

func TestSinkUnavailableErrorUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := fmt.Errorf("persist batch: %w", &SinkUnavailableError{Rejected: 4, Err: cause})

	var sinkErr *SinkUnavailableError
	assert.ErrorAs(t, err, &sinkErr)
	assert.Equal(t, 4, sinkErr.Rejected)
	assert.ErrorIs(t, err, cause)
}

func TestConfigValidationErrorMessage(t *testing.T) {
	err := &ConfigValidationError{Problems: []string{"a is bad", "b is bad"}}
	assert.Equal(t, "invalid configuration: a is bad; b is bad", err.Error())
}

package models

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInsufficientSample is not a failure: the anomaly detector returns it as
// the reason for a "no verdict" result when a batch is too small to judge.
var ErrInsufficientSample = errors.New("insufficient samples for a verdict")

// MalformedSpanError rejects a single span during normalization. The rest of
// the batch keeps processing.
type MalformedSpanError struct {
	TraceID string
	SpanID  string
	Index   int
	Reason  string
}

func (e *MalformedSpanError) Error() string {
	return fmt.Sprintf("malformed span #%d (trace=%q span=%q): %s", e.Index, e.TraceID, e.SpanID, e.Reason)
}

// SinkUnavailableError reports a failed or timed out storage handoff.
type SinkUnavailableError struct {
	Accepted int
	Rejected int
	Err      error
}

func (e *SinkUnavailableError) Error() string {
	return fmt.Sprintf("storage sink unavailable (accepted=%d rejected=%d): %v", e.Accepted, e.Rejected, e.Err)
}

func (e *SinkUnavailableError) Unwrap() error {
	return e.Err
}

// ConfigValidationError lists every invalid configuration field found at startup.
type ConfigValidationError struct {
	Problems []string
}

func (e *ConfigValidationError) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

// IsMalformed reports whether err is, or wraps, a MalformedSpanError.
func IsMalformed(err error) bool {
	var me *MalformedSpanError
	return errors.As(err, &me)
}

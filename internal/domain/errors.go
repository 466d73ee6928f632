package domain

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors shared by every pipeline component. Wrap them with
// fmt.Errorf("...: %w", ...) and test with errors.Is.
var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrInvalidURL       = fmt.Errorf("%w: invalid url", ErrInvalidInput)
	ErrTransientNetwork = errors.New("transient network failure")
	ErrUpstreamModel    = errors.New("upstream model failure")
	ErrWriteFailure     = errors.New("write failure")
	ErrCancelled        = errors.New("cancelled")
	ErrParseFailure     = errors.New("parse failure")
	ErrTooLarge         = errors.New("content too large")
	ErrNotFound         = errors.New("not found")
	ErrNoImages         = errors.New("no image was processed")
)

// ErrorKind is the coarse classification reported on task and stage results.
type ErrorKind string

const (
	KindNone             ErrorKind = ""
	KindInvalidInput     ErrorKind = "invalid_input"
	KindTransientNetwork ErrorKind = "transient_network"
	KindUpstreamModel    ErrorKind = "upstream_model_failure"
	KindWriteFailure     ErrorKind = "write_failure"
	KindCancelled        ErrorKind = "cancelled"
	KindParseFailure     ErrorKind = "parse_failure"
	KindUnknown          ErrorKind = "unknown"
)

// HTTPStatusError reports a non-200 response from a fetched resource.
type HTTPStatusError struct {
	URL        string
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected status %d for %s", e.StatusCode, e.URL)
}

func (e *HTTPStatusError) Unwrap() error {
	return ErrTransientNetwork
}

// KindOf maps err onto the error taxonomy.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCancelled
	case errors.Is(err, ErrInvalidInput):
		return KindInvalidInput
	case errors.Is(err, ErrWriteFailure):
		return KindWriteFailure
	case errors.Is(err, ErrUpstreamModel):
		return KindUpstreamModel
	case errors.Is(err, ErrParseFailure):
		return KindParseFailure
	case errors.Is(err, ErrTransientNetwork), errors.Is(err, ErrTooLarge):
		return KindTransientNetwork
	default:
		return KindUnknown
	}
}

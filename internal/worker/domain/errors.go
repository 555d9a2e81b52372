package domain

import "errors"

var (
	// ErrInvalidPayload is returned when a job payload cannot be decoded or
	// fails validation. Such jobs fail without retry.
	ErrInvalidPayload = errors.New("invalid job payload")

	// ErrJobStalled is the attempt error recorded for jobs whose worker stopped heartbeating
	ErrJobStalled = errors.New("job stalled")

	// ErrHandlerPanic wraps a panic recovered from a job handler
	ErrHandlerPanic = errors.New("job handler panicked")
)

// RetryableError wraps transient errors that should trigger a requeue
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}

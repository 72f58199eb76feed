package invsync

import (
	"errors"
	"fmt"
)

// Sentinel errors for the pipeline's failure taxonomy. The worker and queue
// route on these: retryable errors travel back to the queue for backoff,
// permanent errors terminate the job.
var (
	// Ingestion errors
	ErrBadSignature = errors.New("webhook signature mismatch")
	ErrBadPayload   = errors.New("payload failed validation")

	// Coordination errors
	ErrLockUnavailable  = errors.New("lock acquisition retries exhausted")
	ErrLockHeld         = errors.New("lock already held by another process")
	ErrQueueUnavailable = errors.New("queue unavailable")

	// Storage errors
	ErrTransientStorage = errors.New("transient storage failure")
	ErrPermanentStorage = errors.New("permanent storage failure")
	ErrNotFound         = errors.New("record not found")

	// Polling errors
	ErrUpstreamUnavailable = errors.New("upstream marketplace unavailable")
	ErrCircuitOpen         = errors.New("circuit breaker is open")

	// Configuration errors
	ErrInvalidConfig = errors.New("invalid configuration")
)

// ErrorWithContext adds additional context to errors for better debugging and logging
type ErrorWithContext struct {
	Err     error
	Context map[string]interface{}
}

func (e *ErrorWithContext) Error() string {
	if len(e.Context) == 0 {
		return e.Err.Error()
	}
	return fmt.Sprintf("%v (context: %+v)", e.Err, e.Context)
}

func (e *ErrorWithContext) Unwrap() error {
	return e.Err
}

// WithContext adds context to an error
func WithContext(err error, context map[string]interface{}) error {
	if err == nil {
		return nil
	}
	return &ErrorWithContext{
		Err:     err,
		Context: context,
	}
}

// IsRetryable reports whether a job failing with err should be thrown back to
// the queue for another attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientStorage) ||
		errors.Is(err, ErrLockUnavailable) ||
		errors.Is(err, ErrLockHeld) ||
		errors.Is(err, ErrQueueUnavailable) ||
		errors.Is(err, ErrUpstreamUnavailable)
}

// IsPermanent reports whether err is terminal: the job is marked failed and
// never retried.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanentStorage) ||
		errors.Is(err, ErrBadPayload) ||
		errors.Is(err, ErrBadSignature) ||
		errors.Is(err, ErrInvalidConfig)
}

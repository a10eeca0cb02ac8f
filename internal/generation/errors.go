// ABOUTME: Error taxonomy for the generation orchestrator
// ABOUTME: Retryable vs permanent service errors, plus the local rate limit

package generation

import (
	"errors"
	"fmt"
)

// ErrRateLimited is returned when a conversation exceeds its user
// message budget. The message is rejected outright rather than queued
// unboundedly.
var ErrRateLimited = errors.New("message rate limit exceeded")

// RetryableError wraps a transient generation failure: timeout, 5xx, or
// a rate-limit signal from the external service. The orchestrator
// retries these with backoff.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("retryable generation error: %v", e.Err)
}

func (e *RetryableError) Unwrap() error { return e.Err }

// PermanentError wraps a failure that retrying cannot fix (a non-429
// 4xx, or a malformed response). The orchestrator fails the job
// immediately and surfaces a system message.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent generation error: %v", e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// IsRetryable reports whether err should be retried. Unclassified
// errors (plain network failures, cancelled contexts bubbling up as
// transport errors) are treated as retryable; only an explicit
// PermanentError short-circuits.
func IsRetryable(err error) bool {
	var perm *PermanentError
	return !errors.As(err, &perm)
}

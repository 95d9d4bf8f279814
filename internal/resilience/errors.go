package resilience

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorClass is the retry category of an error
type ErrorClass int

const (
	ClassTransient ErrorClass = iota
	ClassRateLimit
	ClassNonRetryable
	ClassTimeout
	ClassCircuitOpen
)

func (c ErrorClass) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassRateLimit:
		return "rate_limit"
	case ClassNonRetryable:
		return "non_retryable"
	case ClassTimeout:
		return "timeout"
	case ClassCircuitOpen:
		return "circuit_open"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// TransientError marks a failure worth retrying (network, 5xx)
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient provider error: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// RateLimitError asks the caller to wait before trying again.
// A zero RetryAfter means the configured default cool-down applies.
type RateLimitError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	msg := "rate limited"
	if e.RetryAfter > 0 {
		msg = fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// NonRetryableError is surfaced immediately (auth, validation, not found)
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string { return "non-retryable provider error: " + e.Err.Error() }
func (e *NonRetryableError) Unwrap() error { return e.Err }

// TimeoutError reports an abandoned call that exceeded its per-call timeout
type TimeoutError struct {
	Operation string
	Timeout   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("operation %s timed out after %s", e.Operation, e.Timeout)
}

// CircuitOpenError is returned without invoking the operation
type CircuitOpenError struct {
	Operation string
	RetryIn   time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %s, retry in %s", e.Operation, e.RetryIn.Round(time.Millisecond))
}

// StatusError lets an execution layer hand over a structured HTTP outcome
type StatusError struct {
	StatusCode int
	RetryAfter time.Duration
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("status %d", e.StatusCode)
	}
	return fmt.Sprintf("status %d: %s", e.StatusCode, e.Message)
}

// Classify maps any error to its retry class. Unknown errors are transient.
func Classify(err error) ErrorClass {
	var (
		circuitErr   *CircuitOpenError
		timeoutErr   *TimeoutError
		rateErr      *RateLimitError
		nonRetryErr  *NonRetryableError
		transientErr *TransientError
		statusErr    *StatusError
	)

	switch {
	case errors.As(err, &circuitErr):
		return ClassCircuitOpen
	case errors.As(err, &timeoutErr), errors.Is(err, context.DeadlineExceeded):
		return ClassTimeout
	case errors.As(err, &rateErr):
		return ClassRateLimit
	case errors.As(err, &nonRetryErr), errors.Is(err, context.Canceled):
		return ClassNonRetryable
	case errors.As(err, &transientErr):
		return ClassTransient
	case errors.As(err, &statusErr):
		return classifyStatus(statusErr.StatusCode)
	default:
		return ClassTransient
	}
}

func classifyStatus(code int) ErrorClass {
	switch {
	case code == http.StatusTooManyRequests:
		return ClassRateLimit
	case code == http.StatusRequestTimeout:
		return ClassTimeout
	case code >= 500:
		return ClassTransient
	case code >= 400:
		return ClassNonRetryable
	default:
		return ClassTransient
	}
}

// retryAfter extracts an explicit cool-down from the error chain
func retryAfter(err error) (time.Duration, bool) {
	var rateErr *RateLimitError
	if errors.As(err, &rateErr) && rateErr.RetryAfter > 0 {
		return rateErr.RetryAfter, true
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.RetryAfter > 0 {
		return statusErr.RetryAfter, true
	}
	return 0, false
}

package relay

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrInvalidMessage marks deliveries that cannot be decoded
var ErrInvalidMessage = errors.New("invalid message")

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

// DeliveryError is a failed POST to a destination
type DeliveryError struct {
	StatusCode int
	Err        error
	Permanent  bool
}

func (e *DeliveryError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("delivery failed: %v", e.Err)
	}
	return fmt.Sprintf("destination returned %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Retryable reports whether another attempt may succeed. Client errors
// other than 408 and 429 are final.
func (e *DeliveryError) Retryable() bool {
	if e.Permanent {
		return false
	}
	if e.StatusCode == 0 {
		return true
	}
	switch {
	case e.StatusCode == http.StatusRequestTimeout, e.StatusCode == http.StatusTooManyRequests:
		return true
	case e.StatusCode >= 400 && e.StatusCode < 500:
		return false
	}
	return true
}

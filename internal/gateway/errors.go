package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Error is the unified error surface returned by completion backends.
type Error interface {
	error
	StatusCode() int
	Retryable() bool
	RetryAfter() *time.Duration
}

type errorBase struct {
	statusCode int
	message    string
	retryable  bool
	retryAfter *time.Duration
}

func (e *errorBase) Error() string {
	msg := strings.TrimSpace(e.message)
	if msg == "" {
		msg = "request failed"
	}
	return fmt.Sprintf("completion error (status=%d): %s", e.statusCode, msg)
}
func (e *errorBase) StatusCode() int            { return e.statusCode }
func (e *errorBase) Retryable() bool            { return e.retryable }
func (e *errorBase) RetryAfter() *time.Duration { return e.retryAfter }

type RateLimitError struct{ errorBase }
type TransientError struct{ errorBase }
type PermanentError struct{ errorBase }

// ErrorFromHTTPStatus classifies a backend HTTP failure. Rate limits and
// server-side failures are retryable; client-side failures are not. Unknown
// statuses default to retryable.
func ErrorFromHTTPStatus(statusCode int, message string, retryAfter *time.Duration) error {
	base := errorBase{statusCode: statusCode, message: message, retryAfter: retryAfter}
	switch statusCode {
	case http.StatusTooManyRequests:
		base.retryable = true
		return &RateLimitError{base}
	case http.StatusRequestTimeout, http.StatusInternalServerError,
		http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		base.retryable = true
		return &TransientError{base}
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden,
		http.StatusNotFound, http.StatusRequestEntityTooLarge, http.StatusUnprocessableEntity:
		base.retryable = false
		return &PermanentError{base}
	default:
		base.retryable = true
		return &TransientError{base}
	}
}

// NewTransientError wraps a non-HTTP transient failure (network reset,
// connection refused) so the retry loop treats it uniformly.
func NewTransientError(message string) error {
	return &TransientError{errorBase{message: message, retryable: true}}
}

// NewPermanentError wraps a non-HTTP terminal failure.
func NewPermanentError(message string) error {
	return &PermanentError{errorBase{message: message}}
}

func IsRateLimit(err error) bool {
	var e *RateLimitError
	return errors.As(err, &e)
}

func isRetryable(err error) bool {
	var ge Error
	if errors.As(err, &ge) {
		return ge.Retryable()
	}
	return false
}

func retryAfterOf(err error) *time.Duration {
	var ge Error
	if errors.As(err, &ge) {
		return ge.RetryAfter()
	}
	return nil
}

// ParseRetryAfter parses a Retry-After header value: integer seconds or an
// HTTP-date.
func ParseRetryAfter(v string, now time.Time) *time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		d := time.Duration(secs) * time.Second
		return &d
	}
	if t, err := http.ParseTime(v); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return &d
	}
	return nil
}

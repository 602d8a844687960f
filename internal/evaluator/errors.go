package evaluator

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

type httpErrorBase struct {
	evaluator  string
	statusCode int
	message    string
	retryAfter *time.Duration
}

func (e *httpErrorBase) Error() string {
	msg := strings.TrimSpace(e.message)
	if msg == "" {
		msg = "request failed"
	}
	return fmt.Sprintf("%s error (status=%d): %s", e.evaluator, e.statusCode, msg)
}
func (e *httpErrorBase) Evaluator() string { return e.evaluator }
func (e *httpErrorBase) StatusCode() int   { return e.statusCode }

// RateLimitError is a 429 from an evaluator backend. It carries the
// server's Retry-After when one was sent.
type RateLimitError struct{ httpErrorBase }

func (e *RateLimitError) RetryAfter() *time.Duration { return e.retryAfter }

type AuthenticationError struct{ httpErrorBase }
type RequestError struct{ httpErrorBase }
type ServerError struct{ httpErrorBase }

// ErrorFromHTTPStatus maps a failed response to a typed error.
func ErrorFromHTTPStatus(evaluator string, statusCode int, message string, retryAfter *time.Duration) error {
	base := httpErrorBase{
		evaluator:  strings.TrimSpace(evaluator),
		statusCode: statusCode,
		message:    message,
		retryAfter: retryAfter,
	}
	switch {
	case statusCode == http.StatusTooManyRequests:
		return &RateLimitError{base}
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return &AuthenticationError{base}
	case statusCode >= 500:
		return &ServerError{base}
	default:
		return &RequestError{base}
	}
}

// ParseRetryAfter parses the Retry-After header value.
// Supported forms:
// - integer seconds
// - HTTP-date (RFC 7231)
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

func IsAuthenticationError(err error) bool {
	var e *AuthenticationError
	return errors.As(err, &e)
}

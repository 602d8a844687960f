// Package retry wraps calls to external evaluators with a bounded
// retry-on-rate-limit policy.
package retry

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultMaxAttempts = 3
	DefaultWait        = 30 * time.Second
	DefaultMargin      = 2 * time.Second
)

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Policy retries operations that fail with a rate-limit signature. Any other
// failure is returned on first occurrence.
type Policy struct {
	MaxAttempts int
	DefaultWait time.Duration
	Margin      time.Duration
	Sleep       SleepFunc
	// OnRetry is called before each backoff wait.
	OnRetry func(attempt int, wait time.Duration, err error)
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		DefaultWait: DefaultWait,
		Margin:      DefaultMargin,
	}
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.DefaultWait <= 0 {
		p.DefaultWait = DefaultWait
	}
	if p.Margin < 0 {
		p.Margin = 0
	}
	if p.Sleep == nil {
		p.Sleep = SleepWithContext
	}
	return p
}

// PermanentError reports that retries were exhausted. It wraps the last
// failure.
type PermanentError struct {
	Attempts int
	Last     error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent external failure after %d attempts: %v", e.Attempts, e.Last)
}

func (e *PermanentError) Unwrap() error { return e.Last }

// RateLimited is implemented by typed errors that carry a server-provided
// retry delay.
type RateLimited interface {
	error
	RetryAfter() *time.Duration
}

var rateLimitPatterns = []string{
	"rate limit",
	"rate_limit",
	"ratelimit",
	"429",
	"too many requests",
}

var tryAgainRe = regexp.MustCompile(`(?i)try again in\s+(\d+(?:\.\d+)?)\s*(?:s\b|sec|second)`)

// IsRateLimit reports whether err carries a rate-limit signature.
func IsRateLimit(err error) bool {
	if err == nil {
		return false
	}
	var rl RateLimited
	if errors.As(err, &rl) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, p := range rateLimitPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// WaitFor returns how long to wait before retrying err: the typed Retry-After
// or the parsed "try again in N seconds" hint, else the default, plus margin.
func (p Policy) WaitFor(err error) time.Duration {
	p = p.withDefaults()
	base := p.DefaultWait
	var rl RateLimited
	if errors.As(err, &rl) && rl.RetryAfter() != nil {
		base = *rl.RetryAfter()
	} else if hint, ok := ParseTryAgain(err.Error()); ok {
		base = hint
	}
	return base + p.Margin
}

// ParseTryAgain extracts the delay from text such as
// "Please try again in 5 seconds" or "try again in 1.5s".
func ParseTryAgain(msg string) (time.Duration, bool) {
	m := tryAgainRe.FindStringSubmatch(msg)
	if m == nil {
		return 0, false
	}
	secs, err := strconv.ParseFloat(m[1], 64)
	if err != nil || secs < 0 {
		return 0, false
	}
	return time.Duration(secs * float64(time.Second)), true
}

// Do runs op until it succeeds, fails with a non-rate-limit error, or the
// attempt budget is spent. Exhaustion yields a *PermanentError.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	p = p.withDefaults()
	var zero T
	var last error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		out, err := op(ctx)
		if err == nil {
			return out, nil
		}
		last = err
		if !IsRateLimit(err) {
			return zero, err
		}
		if attempt == p.MaxAttempts {
			break
		}
		wait := p.WaitFor(err)
		if p.OnRetry != nil {
			p.OnRetry(attempt, wait, err)
		}
		if serr := p.Sleep(ctx, wait); serr != nil {
			return zero, serr
		}
	}
	return zero, &PermanentError{Attempts: p.MaxAttempts, Last: last}
}

// SleepWithContext waits for d, returning the context cause if ctx ends first.
func SleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-t.C:
		return nil
	}
}

package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	terrors "github.com/vinayprograms/taskforge/errors"
)

const (
	defaultMaxRetries  = 5
	defaultInitBackoff = time.Second
	defaultMaxBackoff  = 60 * time.Second
	backoffFactor      = 2.0
)

func (r RetryConfig) withDefaults() RetryConfig {
	if r.MaxRetries <= 0 {
		r.MaxRetries = defaultMaxRetries
	}
	if r.InitBackoff <= 0 {
		r.InitBackoff = defaultInitBackoff
	}
	if r.MaxBackoff <= 0 {
		r.MaxBackoff = defaultMaxBackoff
	}
	return r
}

// withRetry calls fn until it succeeds, fails with a non-transient error,
// or the retry budget is spent. Exhaustion is reported as UNAVAILABLE so
// the task-level retry path picks it up.
func withRetry[T any](ctx context.Context, cfg RetryConfig, name string, fn func() (T, error)) (T, error) {
	cfg = cfg.withDefaults()
	backoff := cfg.InitBackoff
	var zero T

	for attempt := 0; ; attempt++ {
		out, err := fn()
		if err == nil {
			return out, nil
		}
		if isBillingError(err) {
			return zero, terrors.WrapWithCode(err, terrors.ErrCodeUnavailable,
				name+" billing error", terrors.WithRetryable(false))
		}
		if !isRetryableError(err) {
			return zero, fmt.Errorf("%s request failed: %w", name, err)
		}
		if attempt >= cfg.MaxRetries {
			code := terrors.ErrCodeUnavailable
			if isRateLimitError(err) {
				code = terrors.ErrCodeRateLimit
			}
			return zero, terrors.WrapWithCode(err, code,
				fmt.Sprintf("%s request failed after %d retries", name, cfg.MaxRetries))
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(backoff):
		}
		backoff = time.Duration(float64(backoff) * backoffFactor)
		if backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}
}

func containsAny(err error, needles ...string) bool {
	if err == nil {
		return false
	}
	s := strings.ToLower(err.Error())
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

func isRateLimitError(err error) bool {
	return containsAny(err, "rate limit", "too many requests", "429", "overloaded", "capacity")
}

func isServerError(err error) bool {
	return containsAny(err, "500", "502", "503", "504", "internal server error", "bad gateway",
		"service unavailable", "gateway timeout", "temporarily unavailable")
}

func isRetryableError(err error) bool {
	return isRateLimitError(err) || isServerError(err)
}

// isBillingError matches payment and quota failures, which never recover
// by waiting.
func isBillingError(err error) bool {
	return containsAny(err, "billing", "payment", "credits", "quota exceeded", "insufficient", "402", "subscription")
}

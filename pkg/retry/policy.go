// Package retry turns a single page fetch into a bounded sequence of
// attempts governed by an exponential backoff policy.
package retry

import (
	"fmt"
	"time"

	"github.com/Sternrassler/jira-harvester/pkg/client"
)

// Policy maps (attempt, failure class, server hint) to a wait or a stop.
// It is stateless: identical inputs always produce identical decisions.
type Policy struct {
	// BaseDelay is the wait after the first failed attempt.
	BaseDelay time.Duration

	// MaxBackoff caps the exponential delay.
	MaxBackoff time.Duration

	// MaxAttempts is the maximum number of attempts, including the first.
	MaxAttempts int

	// MaxRetryAfter bounds how long a server Retry-After hint may hold us.
	// Zero leaves the hint unbounded.
	MaxRetryAfter time.Duration
}

// DefaultPolicy returns the default backoff policy.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:     2 * time.Second,
		MaxBackoff:    60 * time.Second,
		MaxAttempts:   5,
		MaxRetryAfter: 5 * time.Minute,
	}
}

// Validate checks that the policy can make progress.
func (p Policy) Validate() error {
	if p.BaseDelay <= 0 {
		return fmt.Errorf("base_delay must be > 0 (got %s)", p.BaseDelay)
	}
	if p.MaxBackoff < p.BaseDelay {
		return fmt.Errorf("max_backoff must be >= base_delay (got %s < %s)", p.MaxBackoff, p.BaseDelay)
	}
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be >= 1 (got %d)", p.MaxAttempts)
	}
	if p.MaxRetryAfter < 0 {
		return fmt.Errorf("max_retry_after must be >= 0 (got %s)", p.MaxRetryAfter)
	}
	return nil
}

// NextDelay returns how long to wait after the given failed attempt
// (1-based) and whether another attempt should be made at all.
// Non-retryable classes stop immediately regardless of attempt count.
func (p Policy) NextDelay(attempt int, class client.ErrorClass, retryAfter time.Duration) (time.Duration, bool) {
	if !class.Retryable() {
		return 0, false
	}
	if attempt >= p.MaxAttempts {
		return 0, false
	}

	delay := p.backoff(attempt)

	if class == client.ErrorClassRateLimit && retryAfter > 0 {
		hint := retryAfter
		if p.MaxRetryAfter > 0 && hint > p.MaxRetryAfter {
			hint = p.MaxRetryAfter
		}
		if hint > delay {
			delay = hint
		}
	}

	return delay, true
}

// backoff computes BaseDelay * 2^(attempt-1), capped at MaxBackoff.
func (p Policy) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxBackoff || delay <= 0 {
			return p.MaxBackoff
		}
	}
	if delay > p.MaxBackoff {
		return p.MaxBackoff
	}
	return delay
}

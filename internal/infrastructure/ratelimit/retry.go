package ratelimit

import (
	"errors"
	"math/rand"
	"time"

	"cmis-platform-sync/internal/domain"
)

// RetryPolicy is the single retry authority consulted by the orchestrator.
// Delays grow exponentially from BaseDelay, doubling per attempt, capped at
// MaxDelay, with up to JitterFrac of random jitter added.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	JitterFrac  float64
}

// DefaultRetryPolicy matches the documented backoff: 30s doubling, 30m cap,
// five attempts before the integration requires a manual or scheduled
// re-trigger.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   30 * time.Second,
		MaxDelay:    30 * time.Minute,
		JitterFrac:  0.2,
	}
}

// ShouldRetry decides whether a failed attempt is requeued, based on the
// error class and how many attempts have already run.
func (p RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if attempt >= p.MaxAttempts {
		return false
	}
	return domain.Retryable(err)
}

// Delay computes the wait before the given attempt (1-based) runs again.
// A platform-supplied retry-after wins over the computed backoff.
func (p RetryPolicy) Delay(err error, attempt int) time.Duration {
	var rl *domain.RateLimitedError
	if errors.As(err, &rl) && rl.RetryAfter > 0 {
		return rl.RetryAfter
	}

	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	if p.JitterFrac > 0 {
		d += time.Duration(rand.Float64() * p.JitterFrac * float64(d))
	}
	return d
}

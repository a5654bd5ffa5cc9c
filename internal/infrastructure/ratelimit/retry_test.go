package ratelimit

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"cmis-platform-sync/internal/domain"
)

func flatPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   30 * time.Second,
		MaxDelay:    30 * time.Minute,
	}
}

func TestDelayDoublesAndCaps(t *testing.T) {
	p := flatPolicy()
	err := &domain.TransientError{Err: errors.New("timeout")}

	assert.Equal(t, 30*time.Second, p.Delay(err, 1))
	assert.Equal(t, time.Minute, p.Delay(err, 2))
	assert.Equal(t, 2*time.Minute, p.Delay(err, 3))
	assert.Equal(t, 30*time.Minute, p.Delay(err, 12), "cap holds for deep attempts")
}

func TestDelayHonorsPlatformRetryAfter(t *testing.T) {
	p := flatPolicy()
	err := &domain.RateLimitedError{Platform: "meta", RetryAfter: 7 * time.Minute}
	assert.Equal(t, 7*time.Minute, p.Delay(err, 1))
}

func TestDelayJitterStaysBounded(t *testing.T) {
	p := DefaultRetryPolicy()
	err := &domain.TransientError{Err: errors.New("timeout")}
	for i := 0; i < 50; i++ {
		d := p.Delay(err, 1)
		assert.GreaterOrEqual(t, d, p.BaseDelay)
		assert.LessOrEqual(t, d, p.BaseDelay+time.Duration(float64(p.BaseDelay)*p.JitterFrac))
	}
}

func TestShouldRetry(t *testing.T) {
	p := flatPolicy()
	transient := &domain.TransientError{Err: errors.New("timeout")}

	assert.True(t, p.ShouldRetry(transient, 1))
	assert.True(t, p.ShouldRetry(transient, 4))
	assert.False(t, p.ShouldRetry(transient, 5), "attempt budget exhausted")
	assert.False(t, p.ShouldRetry(&domain.PermanentError{Status: 400, Err: errors.New("bad")}, 1))
	assert.False(t, p.ShouldRetry(domain.ErrCredentialExpired, 1))
}

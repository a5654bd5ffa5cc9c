package ratelimit

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Quota sizes a bucket for one platform: Burst calls available at once,
// refilled at Rate per Interval.
type Quota struct {
	Burst    int
	Rate     int
	Interval time.Duration
}

// DefaultQuotas are conservative per-platform budgets, overridable in main.
// The real quota authorities are the platforms themselves; a 429 forces the
// bucket empty regardless of local accounting.
var DefaultQuotas = map[string]Quota{
	"meta":     {Burst: 40, Rate: 40, Interval: time.Minute},
	"tiktok":   {Burst: 20, Rate: 20, Interval: time.Minute},
	"linkedin": {Burst: 30, Rate: 30, Interval: time.Minute},
	"shopify":  {Burst: 4, Rate: 2, Interval: time.Second},
}

type bucket struct {
	tokens       float64
	lastRefill   time.Time
	suspendUntil time.Time
}

// Limiter maintains one token bucket per (platform, integration) pair.
// Acquire is non-blocking so callers can defer work instead of parking a
// worker on a full queue.
type Limiter struct {
	mu      sync.Mutex
	quotas  map[string]Quota
	buckets map[string]*bucket
	logger  zerolog.Logger
	now     func() time.Time
}

// NewLimiter creates a limiter with the given per-platform quotas; platforms
// without a quota fall back to the meta default.
func NewLimiter(quotas map[string]Quota, logger zerolog.Logger) *Limiter {
	if quotas == nil {
		quotas = DefaultQuotas
	}
	return &Limiter{
		quotas:  quotas,
		buckets: make(map[string]*bucket),
		logger:  logger,
		now:     time.Now,
	}
}

func (l *Limiter) quota(platform string) Quota {
	if q, ok := l.quotas[platform]; ok {
		return q
	}
	return DefaultQuotas["meta"]
}

func (l *Limiter) key(platform, integrationID string) string {
	return platform + ":" + integrationID
}

func (l *Limiter) get(platform, integrationID string) *bucket {
	key := l.key(platform, integrationID)
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(l.quota(platform).Burst), lastRefill: l.now()}
		l.buckets[key] = b
	}
	return b
}

// Acquire takes one slot for a call against platform on behalf of the
// integration. When no slot is available it returns false and the delay after
// which a retry is expected to succeed.
func (l *Limiter) Acquire(platform, integrationID string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	q := l.quota(platform)
	b := l.get(platform, integrationID)
	now := l.now()

	if b.suspendUntil.After(now) {
		return false, b.suspendUntil.Sub(now)
	}

	elapsed := now.Sub(b.lastRefill)
	if elapsed > 0 {
		b.tokens += elapsed.Seconds() * float64(q.Rate) / q.Interval.Seconds()
		if b.tokens > float64(q.Burst) {
			b.tokens = float64(q.Burst)
		}
		b.lastRefill = now
	}

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}

	deficit := 1 - b.tokens
	wait := time.Duration(deficit * q.Interval.Seconds() / float64(q.Rate) * float64(time.Second))
	return false, wait
}

// Penalize empties the bucket after a platform rate-limit response and
// suspends refill for retryAfter. Callers pass zero when the platform gave no
// hint; the retry policy supplies the backoff in that case.
func (l *Limiter) Penalize(platform, integrationID string, retryAfter time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.get(platform, integrationID)
	b.tokens = 0
	if retryAfter > 0 {
		b.suspendUntil = l.now().Add(retryAfter)
	}
	l.logger.Warn().
		Str("platform", platform).
		Str("integration_id", integrationID).
		Dur("retry_after", retryAfter).
		Msg("Rate limit penalty applied")
}

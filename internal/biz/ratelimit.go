package biz

import (
	"fmt"
	"sync"
	"time"

	"CreditLane/internal/conf"

	"github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// Rate limit rejection reasons.
const (
	ReasonRateLimited      = "RATE_LIMIT_EXCEEDED"
	ReasonDailyRateLimited = "DAILY_RATE_LIMIT_EXCEEDED"
)

// AnonymousTier is the lowest tier, used for unauthenticated callers
// keyed by client IP. Abuse scoring only applies here.
const AnonymousTier = "anonymous"

// Abuse scoring thresholds. Flagged identities are throttled
// progressively, never hard-blocked.
const (
	abuseBurstWindow    = 5 * time.Second
	abuseBurstThreshold = 10
	abuseYoungAge       = 10 * time.Minute
	abuseYoungTotal     = 50
	// abusePenalty is the extra fractional token cost per request once
	// an identity is flagged.
	abusePenalty = 0.5
	// abuseTrackingCap bounds how many identities the abuse LRU holds.
	abuseTrackingCap = 4096
)

// newRateLimitedError builds the wire-facing 429. Limit and retry
// guidance ride in the error metadata so the response body carries them
// alongside the headers.
func newRateLimitedError(limit int, retryAfter time.Duration) error {
	return errors.New(429, ReasonRateLimited,
		fmt.Sprintf("rate limit exceeded: limit=%d retry_after=%ds", limit, int(retryAfter.Seconds()))).
		WithMetadata(map[string]string{
			"limit":       fmt.Sprintf("%d", limit),
			"retry_after": fmt.Sprintf("%d", int(retryAfter.Seconds())),
		})
}

func newDailyRateLimitedError(limit int, retryAfter time.Duration) error {
	return errors.New(429, ReasonDailyRateLimited,
		fmt.Sprintf("daily rate limit exceeded: limit=%d retry_after=%ds", limit, int(retryAfter.Seconds()))).
		WithMetadata(map[string]string{
			"limit":       fmt.Sprintf("%d", limit),
			"retry_after": fmt.Sprintf("%d", int(retryAfter.Seconds())),
		})
}

// Decision is the admission outcome plus the response metadata the
// transport layer turns into X-RateLimit-* headers.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	Reset      time.Time
	RetryAfter time.Duration
	// Warning is set when an abuse-flagged identity is admitted with a
	// penalty applied.
	Warning bool
}

// tokenBucket is the per-identity limiter state. Tokens refill
// continuously; requestsToday resets at local midnight.
type tokenBucket struct {
	tokens        float64
	lastRefill    time.Time
	requestsToday int
	dailyResetAt  time.Time
	lastSeen      time.Time
}

// abuseRecord tracks one flagged-or-suspect anonymous identity.
type abuseRecord struct {
	firstSeenAt time.Time
	total       int
	burstStart  time.Time
	burstCount  int
	flagged     bool
}

// RateLimiterUseCase implements global admission control: a token bucket
// per (identity, tier) plus a daily counter, with abuse scoring layered
// on the anonymous tier. All state is in-memory and mutated under one
// mutex; cross-instance consistency is out of scope and a multi-instance
// deployment needs this state in a shared atomically-updatable store.
type RateLimiterUseCase struct {
	mu      sync.Mutex
	buckets map[string]*tokenBucket

	tiers     map[string]*conf.Tier
	sweepIdle time.Duration

	abuse  *lru.LRU[string, *abuseRecord]
	logger *log.Helper

	// now is swappable for tests.
	now func() time.Time
}

// NewRateLimiterUseCase creates a rate limiter from tier configuration.
// Abuse records live in an expirable LRU so idle identities age out
// after an hour without an explicit sweep.
func NewRateLimiterUseCase(c *conf.RateLimit, logger log.Logger) *RateLimiterUseCase {
	tiers := make(map[string]*conf.Tier, len(c.Tiers))
	for _, t := range c.Tiers {
		tiers[t.Name] = t
	}
	sweepIdle := c.SweepIdle
	if sweepIdle <= 0 {
		sweepIdle = 48 * time.Hour
	}
	return &RateLimiterUseCase{
		buckets:   make(map[string]*tokenBucket),
		tiers:     tiers,
		sweepIdle: sweepIdle,
		abuse:     lru.NewLRU[string, *abuseRecord](abuseTrackingCap, nil, time.Hour),
		logger:    log.NewHelper(logger),
		now:       time.Now,
	}
}

// Allow admits or rejects one request for identity under tier. Unknown
// tiers fall back to the anonymous tier. The returned Decision carries
// header metadata even when the request is rejected.
func (uc *RateLimiterUseCase) Allow(identity, tier string) (*Decision, error) {
	t, ok := uc.tiers[tier]
	if !ok {
		tier = AnonymousTier
		t = uc.tiers[AnonymousTier]
	}
	if t == nil || t.RequestsPerMinute <= 0 {
		// No limits configured, allow everything.
		return &Decision{Allowed: true}, nil
	}

	uc.mu.Lock()
	defer uc.mu.Unlock()

	now := uc.now()
	key := tier + ":" + identity
	b, ok := uc.buckets[key]
	if !ok {
		b = &tokenBucket{
			tokens:       float64(t.RequestsPerMinute),
			lastRefill:   now,
			dailyResetAt: nextLocalMidnight(now),
		}
		uc.buckets[key] = b
	}
	b.lastSeen = now

	// Continuous refill, capped at capacity.
	refillPerMs := float64(t.RequestsPerMinute) / 60000.0
	elapsedMs := float64(now.Sub(b.lastRefill).Milliseconds())
	if elapsedMs > 0 {
		b.tokens += elapsedMs * refillPerMs
		if b.tokens > float64(t.RequestsPerMinute) {
			b.tokens = float64(t.RequestsPerMinute)
		}
		b.lastRefill = now
	}

	// Daily window rolls over at local midnight.
	if !now.Before(b.dailyResetAt) {
		b.requestsToday = 0
		b.dailyResetAt = nextLocalMidnight(now)
	}

	if t.RequestsPerDay > 0 && b.requestsToday >= t.RequestsPerDay {
		retryAfter := b.dailyResetAt.Sub(now)
		uc.logger.Warnw("msg", "daily rate limit exceeded",
			"identity", identity,
			"tier", tier,
			"limit", t.RequestsPerDay)
		return &Decision{
			Allowed:    false,
			Limit:      t.RequestsPerMinute,
			Remaining:  int(b.tokens),
			Reset:      b.dailyResetAt,
			RetryAfter: retryAfter,
		}, newDailyRateLimitedError(t.RequestsPerDay, retryAfter)
	}

	cost := 1.0
	warning := false
	if tier == AnonymousTier && uc.scoreAbuse(identity, now) {
		cost += abusePenalty
		warning = true
	}

	if b.tokens < cost {
		deficit := cost - b.tokens
		retryAfter := time.Duration(deficit/refillPerMs) * time.Millisecond
		if retryAfter <= 0 {
			retryAfter = time.Millisecond
		}
		return &Decision{
			Allowed:    false,
			Limit:      t.RequestsPerMinute,
			Remaining:  0,
			Reset:      now.Add(retryAfter),
			RetryAfter: retryAfter,
		}, newRateLimitedError(t.RequestsPerMinute, retryAfter)
	}

	b.tokens -= cost
	b.requestsToday++

	return &Decision{
		Allowed:   true,
		Limit:     t.RequestsPerMinute,
		Remaining: int(b.tokens),
		Reset:     now.Add(time.Duration((float64(t.RequestsPerMinute)-b.tokens)/refillPerMs) * time.Millisecond),
		Warning:   warning,
	}, nil
}

// scoreAbuse updates the abuse record for an anonymous identity and
// reports whether it is flagged. Caller holds uc.mu.
func (uc *RateLimiterUseCase) scoreAbuse(identity string, now time.Time) bool {
	rec, ok := uc.abuse.Get(identity)
	if !ok {
		rec = &abuseRecord{firstSeenAt: now, burstStart: now}
	}

	if now.Sub(rec.burstStart) > abuseBurstWindow {
		rec.burstStart = now
		rec.burstCount = 0
	}
	rec.burstCount++
	rec.total++

	if !rec.flagged {
		if rec.burstCount >= abuseBurstThreshold {
			rec.flagged = true
			uc.logger.Warnw("msg", "identity flagged for burst abuse",
				"identity", identity,
				"burst_count", rec.burstCount)
		} else if now.Sub(rec.firstSeenAt) < abuseYoungAge && rec.total > abuseYoungTotal {
			rec.flagged = true
			uc.logger.Warnw("msg", "identity flagged for sustained abuse",
				"identity", identity,
				"total", rec.total)
		}
	}

	uc.abuse.Add(identity, rec)
	return rec.flagged
}

// Sweep evicts buckets idle longer than the configured window and
// returns how many were removed. Called periodically so the key space
// stays bounded; abuse records expire out of their LRU on their own.
func (uc *RateLimiterUseCase) Sweep() int {
	uc.mu.Lock()
	defer uc.mu.Unlock()

	now := uc.now()
	removed := 0
	for key, b := range uc.buckets {
		if now.Sub(b.lastSeen) > uc.sweepIdle {
			delete(uc.buckets, key)
			removed++
		}
	}
	if removed > 0 {
		uc.logger.Infow("msg", "rate limit sweep completed",
			"evicted", removed,
			"remaining", len(uc.buckets))
	}
	return removed
}

// BucketCount reports how many identity buckets are live.
func (uc *RateLimiterUseCase) BucketCount() int {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	return len(uc.buckets)
}

// nextLocalMidnight returns the first instant of the next local day.
func nextLocalMidnight(now time.Time) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, now.Location()).AddDate(0, 0, 1)
}

package biz

import (
	"os"
	"testing"
	"time"

	"CreditLane/internal/conf"

	kerrors "github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRateLimitConf() *conf.RateLimit {
	return &conf.RateLimit{
		Tiers: []*conf.Tier{
			{Name: "anonymous", RequestsPerMinute: 10, RequestsPerDay: 100},
			{Name: "free", RequestsPerMinute: 20, RequestsPerDay: 1000},
			{Name: "pro", RequestsPerMinute: 60, RequestsPerDay: 10000},
		},
		SweepIdle: 48 * time.Hour,
	}
}

func newTestRateLimiter(clock *fakeClock) *RateLimiterUseCase {
	uc := NewRateLimiterUseCase(testRateLimitConf(), log.NewStdLogger(os.Stdout))
	if clock != nil {
		uc.now = clock.Now
	}
	return uc
}

func TestAllow_ConsumesTokensUpToCapacity(t *testing.T) {
	clock := newFakeClock()
	uc := newTestRateLimiter(clock)

	for i := 0; i < 20; i++ {
		d, err := uc.Allow("user-1", "free")
		require.NoError(t, err, "request %d should be admitted", i+1)
		assert.True(t, d.Allowed)
		assert.Equal(t, 20, d.Limit)
		assert.Equal(t, 20-i-1, d.Remaining)
	}

	d, err := uc.Allow("user-1", "free")
	assert.Equal(t, ReasonRateLimited, kerrors.Reason(err))
	assert.False(t, d.Allowed)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
}

func TestAllow_ContinuousRefillCappedAtCapacity(t *testing.T) {
	clock := newFakeClock()
	uc := newTestRateLimiter(clock)

	// Drain the bucket.
	for i := 0; i < 20; i++ {
		_, err := uc.Allow("user-1", "free")
		require.NoError(t, err)
	}
	_, err := uc.Allow("user-1", "free")
	require.Error(t, err)

	// 20 rpm refills one token every 3 seconds.
	clock.Advance(3100 * time.Millisecond)
	d, err := uc.Allow("user-1", "free")
	assert.NoError(t, err)
	assert.True(t, d.Allowed)
	_, err = uc.Allow("user-1", "free")
	assert.Error(t, err, "only one token should have refilled")

	// A long idle period must not overfill the bucket.
	clock.Advance(time.Hour)
	for i := 0; i < 20; i++ {
		_, err := uc.Allow("user-1", "free")
		require.NoError(t, err)
	}
	_, err = uc.Allow("user-1", "free")
	assert.Error(t, err, "bucket must never exceed capacity")
}

func TestAllow_DailyCapResetsAtLocalMidnight(t *testing.T) {
	clock := newFakeClock()
	uc := newTestRateLimiter(clock)

	// Spread 100 admitted requests over the day so the minute bucket
	// never empties.
	for i := 0; i < 100; i++ {
		_, err := uc.Allow("1.2.3.4", AnonymousTier)
		require.NoError(t, err, "request %d", i+1)
		clock.Advance(time.Minute)
	}

	d, err := uc.Allow("1.2.3.4", AnonymousTier)
	assert.Equal(t, ReasonDailyRateLimited, kerrors.Reason(err))
	assert.Greater(t, d.RetryAfter, time.Duration(0))

	// Cross local midnight and the daily window rolls over.
	clock.Advance(24 * time.Hour)
	d, err = uc.Allow("1.2.3.4", AnonymousTier)
	assert.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestAllow_UnknownTierFallsBackToAnonymous(t *testing.T) {
	clock := newFakeClock()
	uc := newTestRateLimiter(clock)

	d, err := uc.Allow("user-1", "platinum")
	require.NoError(t, err)
	assert.Equal(t, 10, d.Limit, "unknown tiers get the anonymous limits")
}

func TestAllow_BurstAbuseFlagsIdentity(t *testing.T) {
	clock := newFakeClock()
	uc := newTestRateLimiter(clock)
	// Large capacity so the burst is admitted and scoring drives the
	// outcome.
	uc.tiers[AnonymousTier].RequestsPerMinute = 100
	uc.tiers[AnonymousTier].RequestsPerDay = 0

	for i := 0; i < 9; i++ {
		d, err := uc.Allow("9.9.9.9", AnonymousTier)
		require.NoError(t, err)
		assert.False(t, d.Warning, "not yet flagged on request %d", i+1)
	}

	// Tenth request inside the burst window crosses the threshold; the
	// identity is throttled progressively, not blocked.
	d, err := uc.Allow("9.9.9.9", AnonymousTier)
	require.NoError(t, err)
	assert.True(t, d.Warning)

	// The flag is sticky across later, slower traffic.
	clock.Advance(time.Minute)
	d, err = uc.Allow("9.9.9.9", AnonymousTier)
	require.NoError(t, err)
	assert.True(t, d.Warning)
}

func TestAllow_FlaggedIdentityPaysPenalty(t *testing.T) {
	clock := newFakeClock()
	uc := newTestRateLimiter(clock)
	uc.tiers[AnonymousTier].RequestsPerDay = 0

	// Flag the identity with a 10-request burst; the anonymous bucket
	// holds exactly 10 tokens, so the ninth consumed 9 plain tokens and
	// the flagged tenth costs 1.5.
	for i := 0; i < 9; i++ {
		_, err := uc.Allow("8.8.8.8", AnonymousTier)
		require.NoError(t, err)
	}
	_, err := uc.Allow("8.8.8.8", AnonymousTier)
	require.Error(t, err, "penalty cost exceeds the single remaining token")
	assert.Equal(t, ReasonRateLimited, kerrors.Reason(err))
}

func TestAllow_AuthenticatedTierSkipsAbuseScoring(t *testing.T) {
	clock := newFakeClock()
	uc := newTestRateLimiter(clock)

	for i := 0; i < 20; i++ {
		d, err := uc.Allow("user-1", "free")
		require.NoError(t, err)
		assert.False(t, d.Warning)
	}
}

func TestSweep_EvictsIdleBuckets(t *testing.T) {
	clock := newFakeClock()
	uc := newTestRateLimiter(clock)

	_, err := uc.Allow("user-1", "free")
	require.NoError(t, err)
	_, err = uc.Allow("user-2", "pro")
	require.NoError(t, err)
	require.Equal(t, 2, uc.BucketCount())

	clock.Advance(49 * time.Hour)
	_, err = uc.Allow("user-2", "pro")
	require.NoError(t, err)

	assert.Equal(t, 1, uc.Sweep())
	assert.Equal(t, 1, uc.BucketCount())
}

func newTestEndpointLimiter(clock *fakeClock, rules []EndpointRule) *EndpointLimiter {
	l := NewEndpointLimiter(rules, log.NewStdLogger(os.Stdout))
	if clock != nil {
		l.now = clock.Now
	}
	return l
}

func TestEndpointAllow_ExactMatchWins(t *testing.T) {
	clock := newFakeClock()
	l := newTestEndpointLimiter(clock, []EndpointRule{
		{Pattern: "POST /v1/chat", PerMinute: 2},
		{Pattern: "POST /v1/*", PerMinute: 50},
		{Pattern: "default", PerMinute: 100},
	})

	for i := 0; i < 2; i++ {
		d, err := l.Allow("user-1", "POST", "/v1/chat")
		require.NoError(t, err)
		assert.Equal(t, 2, d.Limit)
	}
	_, err := l.Allow("user-1", "POST", "/v1/chat")
	assert.Equal(t, ReasonRateLimited, kerrors.Reason(err))

	// The wildcard bucket is independent of the exact one.
	d, err := l.Allow("user-1", "POST", "/v1/memories")
	require.NoError(t, err)
	assert.Equal(t, 50, d.Limit)
}

func TestEndpointAllow_LongestWildcardWins(t *testing.T) {
	clock := newFakeClock()
	l := newTestEndpointLimiter(clock, []EndpointRule{
		{Pattern: "POST /v1/*", PerMinute: 50},
		{Pattern: "POST /v1/memories/*", PerMinute: 5},
		{Pattern: "default", PerMinute: 100},
	})

	d, err := l.Allow("user-1", "POST", "/v1/memories/search")
	require.NoError(t, err)
	assert.Equal(t, 5, d.Limit)

	d, err = l.Allow("user-1", "GET", "/metrics")
	require.NoError(t, err)
	assert.Equal(t, 100, d.Limit, "unmatched paths use the default rule")
}

func TestEndpointAllow_MinuteWindowRolls(t *testing.T) {
	clock := newFakeClock()
	l := newTestEndpointLimiter(clock, []EndpointRule{{Pattern: "POST /v1/chat", PerMinute: 1}})

	_, err := l.Allow("user-1", "POST", "/v1/chat")
	require.NoError(t, err)
	d, err := l.Allow("user-1", "POST", "/v1/chat")
	require.Error(t, err)
	assert.InDelta(t, 60, d.RetryAfter.Seconds(), 1)

	clock.Advance(61 * time.Second)
	_, err = l.Allow("user-1", "POST", "/v1/chat")
	assert.NoError(t, err)
}

func TestEndpointAllow_HourlyCapLayersOnMinuteCap(t *testing.T) {
	clock := newFakeClock()
	l := newTestEndpointLimiter(clock, []EndpointRule{{Pattern: "POST /v1/chat", PerMinute: 10, PerHour: 15}})

	admitted := 0
	for i := 0; i < 3; i++ {
		for j := 0; j < 10; j++ {
			if _, err := l.Allow("user-1", "POST", "/v1/chat"); err == nil {
				admitted++
			}
		}
		clock.Advance(time.Minute)
	}
	assert.Equal(t, 15, admitted, "hourly cap binds across minute windows")

	clock.Advance(time.Hour)
	_, err := l.Allow("user-1", "POST", "/v1/chat")
	assert.NoError(t, err)
}

func TestEndpointSweep(t *testing.T) {
	clock := newFakeClock()
	l := newTestEndpointLimiter(clock, nil)

	_, err := l.Allow("user-1", "POST", "/v1/chat")
	require.NoError(t, err)
	_, err = l.Allow("user-2", "POST", "/v1/chat")
	require.NoError(t, err)

	clock.Advance(3 * time.Hour)
	assert.Equal(t, 2, l.Sweep(2*time.Hour))
}

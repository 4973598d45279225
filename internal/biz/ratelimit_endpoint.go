package biz

import (
	"strings"
	"sync"
	"time"

	"github.com/go-kratos/kratos/v2/log"
)

// EndpointRule is one override limit for a method+path pattern. Patterns
// are matched exact first ("POST /v1/chat"), then by prefix wildcard
// ("POST /v1/memories/*", longest prefix wins), then the "default" rule.
// PerHour of 0 disables the secondary hourly cap.
type EndpointRule struct {
	Pattern   string
	PerMinute int
	PerHour   int
}

// DefaultEndpointRules are the override limits applied when no explicit
// rules are supplied: expensive endpoints get tighter caps than the
// global tier bucket alone would give.
func DefaultEndpointRules() []EndpointRule {
	return []EndpointRule{
		{Pattern: "POST /v1/chat", PerMinute: 20, PerHour: 300},
		{Pattern: "POST /v1/memories/search", PerMinute: 30, PerHour: 600},
		{Pattern: "POST /v1/memories/*", PerMinute: 60, PerHour: 0},
		{Pattern: "POST /admin/*", PerMinute: 30, PerHour: 0},
		{Pattern: "default", PerMinute: 120, PerHour: 0},
	}
}

// endpointWindow holds fixed minute and hour counting windows for one
// (identity, pattern) pair.
type endpointWindow struct {
	minuteStart time.Time
	minuteCount int
	hourStart   time.Time
	hourCount   int
	lastSeen    time.Time
}

// EndpointLimiter enforces per-endpoint override limits independently of
// the global tier bucket. State is in-memory, same single-process caveat
// as RateLimiterUseCase.
type EndpointLimiter struct {
	mu       sync.Mutex
	windows  map[string]*endpointWindow
	exact    map[string]EndpointRule
	prefixes []EndpointRule // wildcard rules, longest prefix first
	fallback *EndpointRule

	logger *log.Helper

	// now is swappable for tests.
	now func() time.Time
}

// NewEndpointLimiter creates an endpoint limiter from rules. A nil or
// empty rule set uses DefaultEndpointRules.
func NewEndpointLimiter(rules []EndpointRule, logger log.Logger) *EndpointLimiter {
	if len(rules) == 0 {
		rules = DefaultEndpointRules()
	}
	l := &EndpointLimiter{
		windows: make(map[string]*endpointWindow),
		exact:   make(map[string]EndpointRule),
		logger:  log.NewHelper(logger),
		now:     time.Now,
	}
	for _, r := range rules {
		r := r
		switch {
		case r.Pattern == "default":
			l.fallback = &r
		case strings.HasSuffix(r.Pattern, "*"):
			l.prefixes = append(l.prefixes, r)
		default:
			l.exact[r.Pattern] = r
		}
	}
	// Longest prefix first so the most specific wildcard wins.
	for i := 1; i < len(l.prefixes); i++ {
		for j := i; j > 0 && len(l.prefixes[j].Pattern) > len(l.prefixes[j-1].Pattern); j-- {
			l.prefixes[j], l.prefixes[j-1] = l.prefixes[j-1], l.prefixes[j]
		}
	}
	return l
}

// match resolves the rule for a method and path.
func (l *EndpointLimiter) match(method, path string) (EndpointRule, bool) {
	key := method + " " + path
	if r, ok := l.exact[key]; ok {
		return r, true
	}
	for _, r := range l.prefixes {
		if strings.HasPrefix(key, strings.TrimSuffix(r.Pattern, "*")) {
			return r, true
		}
	}
	if l.fallback != nil {
		return *l.fallback, true
	}
	return EndpointRule{}, false
}

// Allow admits or rejects one request against the endpoint's override
// limits. Both windows must have room; the Decision reflects the tighter
// of the two.
func (l *EndpointLimiter) Allow(identity, method, path string) (*Decision, error) {
	rule, ok := l.match(method, path)
	if !ok || rule.PerMinute <= 0 {
		return &Decision{Allowed: true}, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	key := identity + "|" + rule.Pattern
	w, ok := l.windows[key]
	if !ok {
		w = &endpointWindow{minuteStart: now, hourStart: now}
		l.windows[key] = w
	}
	w.lastSeen = now

	if now.Sub(w.minuteStart) >= time.Minute {
		w.minuteStart = now
		w.minuteCount = 0
	}
	if now.Sub(w.hourStart) >= time.Hour {
		w.hourStart = now
		w.hourCount = 0
	}

	minuteReset := w.minuteStart.Add(time.Minute)
	if w.minuteCount >= rule.PerMinute {
		retryAfter := minuteReset.Sub(now)
		l.logger.Warnw("msg", "endpoint rate limit exceeded",
			"identity", identity,
			"pattern", rule.Pattern,
			"limit", rule.PerMinute)
		return &Decision{
			Allowed:    false,
			Limit:      rule.PerMinute,
			Remaining:  0,
			Reset:      minuteReset,
			RetryAfter: retryAfter,
		}, newRateLimitedError(rule.PerMinute, retryAfter)
	}

	if rule.PerHour > 0 && w.hourCount >= rule.PerHour {
		hourReset := w.hourStart.Add(time.Hour)
		retryAfter := hourReset.Sub(now)
		l.logger.Warnw("msg", "endpoint hourly rate limit exceeded",
			"identity", identity,
			"pattern", rule.Pattern,
			"limit", rule.PerHour)
		return &Decision{
			Allowed:    false,
			Limit:      rule.PerHour,
			Remaining:  0,
			Reset:      hourReset,
			RetryAfter: retryAfter,
		}, newRateLimitedError(rule.PerHour, retryAfter)
	}

	w.minuteCount++
	w.hourCount++

	remaining := rule.PerMinute - w.minuteCount
	reset := minuteReset
	if rule.PerHour > 0 && rule.PerHour-w.hourCount < remaining {
		remaining = rule.PerHour - w.hourCount
		reset = w.hourStart.Add(time.Hour)
	}

	return &Decision{
		Allowed:   true,
		Limit:     rule.PerMinute,
		Remaining: remaining,
		Reset:     reset,
	}, nil
}

// Sweep evicts windows idle longer than maxIdle.
func (l *EndpointLimiter) Sweep(maxIdle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for key, w := range l.windows {
		if now.Sub(w.lastSeen) > maxIdle {
			delete(l.windows, key)
			removed++
		}
	}
	return removed
}

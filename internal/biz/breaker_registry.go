package biz

import (
	"context"
	"fmt"
	"sync"
	"time"

	"CreditLane/internal/conf"
	"CreditLane/internal/model"

	"github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
)

// Guarded dependency names. Breakers are configured per dependency;
// these two are the ones the service fronts today.
const (
	DependencyModelProvider = "model-provider"
	DependencyVectorStore   = "vector-store"
)

// BreakerStateRepo mirrors breaker transitions into Redis so operators
// can see which dependencies are down across the fleet. The mirror is
// observational only; admission decisions never read it.
type BreakerStateRepo interface {
	MarkBreakerOpen(ctx context.Context, dependency string, ttl time.Duration) error
	ClearBreakerOpen(ctx context.Context, dependency string) error
}

// AuditLogger defines the interface for breaker audit logging
type AuditLogger interface {
	// LogBreakerOpened logs a breaker tripping open
	LogBreakerOpened(ctx context.Context, dependency string, consecutiveFailures int, openedAt time.Time)

	// LogBreakerRecovered logs a breaker closing after a successful probe
	LogBreakerRecovered(ctx context.Context, dependency string, openFor time.Duration)

	// LogBreakerReset logs a manual operator reset
	LogBreakerReset(ctx context.Context, dependency string, operator string)
}

// WebhookService defines the interface for webhook notifications
type WebhookService interface {
	// NotifyBreakerOpened sends notification when a breaker trips open
	NotifyBreakerOpened(ctx context.Context, event *model.BreakerOpenedEvent) error

	// NotifyBreakerRecovered sends notification when a breaker recovers
	NotifyBreakerRecovered(ctx context.Context, event *model.BreakerRecoveredEvent) error
}

// BreakerRegistry owns one CircuitBreaker per guarded dependency. It is
// constructed once at startup and handed to request handlers by
// injection; nothing reads breaker state through package globals.
type BreakerRegistry struct {
	breakers map[string]*CircuitBreaker

	mu       sync.Mutex
	openedAt map[string]time.Time

	repo    BreakerStateRepo
	audit   AuditLogger
	webhook WebhookService
	logger  *log.Helper
}

// NewBreakerRegistry builds breakers from configuration and wires their
// state-change fan-out: structured log, audit trail, webhook, Redis
// mirror. Side effects run on a short background context so a slow
// Redis or webhook never blocks the admission path.
func NewBreakerRegistry(cfgs []*conf.Breaker, repo BreakerStateRepo, audit AuditLogger, webhook WebhookService, logger log.Logger) *BreakerRegistry {
	r := &BreakerRegistry{
		breakers: make(map[string]*CircuitBreaker, len(cfgs)),
		openedAt: make(map[string]time.Time),
		repo:     repo,
		audit:    audit,
		webhook:  webhook,
		logger:   log.NewHelper(logger),
	}

	for _, c := range cfgs {
		c := c
		r.breakers[c.Name] = NewCircuitBreaker(BreakerConfig{
			Name:             c.Name,
			FailureThreshold: c.FailureThreshold,
			ResetTimeout:     c.ResetTimeout,
			MaxConcurrent:    c.MaxConcurrent,
			OnStateChange:    r.onStateChange,
			OnReject:         r.onReject,
		})
	}

	return r
}

// Get returns the breaker for a dependency name.
func (r *BreakerRegistry) Get(name string) (*CircuitBreaker, error) {
	b, ok := r.breakers[name]
	if !ok {
		return nil, errors.New(500, ReasonBreakerNotConfigured,
			fmt.Sprintf("no circuit breaker configured for dependency %q", name))
	}
	return b, nil
}

// Snapshot returns the detailed state of every breaker, for the health
// endpoint.
func (r *BreakerRegistry) Snapshot() []*model.BreakerSnapshot {
	out := make([]*model.BreakerSnapshot, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.GetDetailedState())
	}
	return out
}

// Reset forces one breaker CLOSED and records who asked for it.
func (r *BreakerRegistry) Reset(ctx context.Context, name, operator string) error {
	b, err := r.Get(name)
	if err != nil {
		return err
	}
	b.Reset()
	if r.audit != nil {
		r.audit.LogBreakerReset(ctx, name, operator)
	}
	r.logger.Infow("msg", "breaker manually reset",
		"dependency", name,
		"operator", operator)
	return nil
}

func (r *BreakerRegistry) onReject(name, reason string) {
	r.logger.Warnw("msg", "breaker rejected call",
		"dependency", name,
		"reason", reason)
}

func (r *BreakerRegistry) onStateChange(name string, from, to BreakerState) {
	r.logger.Infow("msg", "breaker state changed",
		"dependency", name,
		"from", from.String(),
		"to", to.String())

	now := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	switch to {
	case StateOpen:
		r.mu.Lock()
		r.openedAt[name] = now
		r.mu.Unlock()

		_, _, failures := mustBreaker(r, name).GetState()
		if r.audit != nil {
			r.audit.LogBreakerOpened(ctx, name, failures, now)
		}
		if r.webhook != nil {
			if err := r.webhook.NotifyBreakerOpened(ctx, &model.BreakerOpenedEvent{
				Dependency:          name,
				ConsecutiveFailures: failures,
				OpenedAt:            now,
			}); err != nil {
				r.logger.Warnw("msg", "breaker-opened webhook failed", "dependency", name, "error", err)
			}
		}
		if r.repo != nil {
			if err := r.repo.MarkBreakerOpen(ctx, name, 24*time.Hour); err != nil {
				r.logger.Warnw("msg", "failed to mirror open breaker to Redis (degraded mode)",
					"dependency", name, "error", err)
			}
		}
	case StateClosed:
		r.mu.Lock()
		openFor := time.Duration(0)
		if t, ok := r.openedAt[name]; ok {
			openFor = now.Sub(t)
			delete(r.openedAt, name)
		}
		r.mu.Unlock()

		// A CLOSED transition out of OPEN/HALF_OPEN is a recovery.
		if from != StateClosed && openFor > 0 {
			if r.audit != nil {
				r.audit.LogBreakerRecovered(ctx, name, openFor)
			}
			if r.webhook != nil {
				if err := r.webhook.NotifyBreakerRecovered(ctx, &model.BreakerRecoveredEvent{
					Dependency:   name,
					OpenDuration: openFor,
					RecoveredAt:  now,
				}); err != nil {
					r.logger.Warnw("msg", "breaker-recovered webhook failed", "dependency", name, "error", err)
				}
			}
		}
		if r.repo != nil {
			if err := r.repo.ClearBreakerOpen(ctx, name); err != nil {
				r.logger.Warnw("msg", "failed to clear breaker mirror in Redis (degraded mode)",
					"dependency", name, "error", err)
			}
		}
	}
}

func mustBreaker(r *BreakerRegistry, name string) *CircuitBreaker {
	return r.breakers[name]
}

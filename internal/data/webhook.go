package data

import (
	"context"

	"CreditLane/internal/model"

	"github.com/go-kratos/kratos/v2/log"
)

// NoopWebhookService is a Phase 1 implementation that only logs events
// Phase 2 will implement HTTPWebhookService with actual HTTP POST requests
type NoopWebhookService struct {
	logger *log.Helper
}

// NewNoopWebhookService creates a new noop webhook service
func NewNoopWebhookService(logger log.Logger) *NoopWebhookService {
	return &NoopWebhookService{
		logger: log.NewHelper(logger),
	}
}

// NotifyBreakerOpened logs a breaker-opened event (webhook disabled in Phase 1)
func (s *NoopWebhookService) NotifyBreakerOpened(ctx context.Context, event *model.BreakerOpenedEvent) error {
	s.logger.Infow("breaker opened (webhook disabled - Phase 1)",
		"dependency", event.Dependency,
		"consecutive_failures", event.ConsecutiveFailures,
		"opened_at", event.OpenedAt)
	return nil
}

// NotifyBreakerRecovered logs a breaker-recovered event (webhook disabled in Phase 1)
func (s *NoopWebhookService) NotifyBreakerRecovered(ctx context.Context, event *model.BreakerRecoveredEvent) error {
	s.logger.Infow("breaker recovered (webhook disabled - Phase 1)",
		"dependency", event.Dependency,
		"open_duration", event.OpenDuration,
		"recovered_at", event.RecoveredAt)
	return nil
}

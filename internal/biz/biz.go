// Package biz contains business logic layer implementations.
// This layer holds the core business rules and domain models.
package biz

import (
	"CreditLane/internal/data"

	"github.com/google/wire"
)

// ProviderSet is biz providers.
var ProviderSet = wire.NewSet(
	NewBreakerRegistry,
	NewRateLimiterUseCase,
	NewEndpointLimiter,
	NewCreditLedgerUseCase,
	NewFallbackSyncUseCase,
	// Endpoint override limits are code-level policy rather than
	// deployment configuration.
	DefaultEndpointRules,
	// Import data layer providers
	data.NewResilienceRepo,
	data.NewFallbackRepo,
	data.NewTransactionLog,
	data.NewAuditLogger,
	data.NewNoopWebhookService,
	// Bind data layer implementations to biz layer interfaces
	wire.Bind(new(BreakerStateRepo), new(*data.ResilienceRepo)),
	wire.Bind(new(SyncCoordinationRepo), new(*data.ResilienceRepo)),
	wire.Bind(new(FallbackRepo), new(*data.FallbackRepo)),
	wire.Bind(new(TransactionRepo), new(*data.TransactionLog)),
	wire.Bind(new(AuditLogger), new(*data.AuditLoggerImpl)),
	wire.Bind(new(WebhookService), new(*data.NoopWebhookService)),
	wire.Bind(new(ModelProvider), new(*data.LocalModelProvider)),
)

package service

import (
	"context"

	"CreditLane/internal/biz"
	"CreditLane/internal/model"

	"github.com/go-kratos/kratos/v2/log"
)

// HealthResponse 健康检查响应
// degraded 表示任一熔断器不处于 CLOSED 或存在待回填记录
type HealthResponse struct {
	Status          string                   `json:"status"`
	Breakers        []*model.BreakerSnapshot `json:"breakers"`
	PendingFallback int64                    `json:"pending_fallback"`
	CreditsIssued   int64                    `json:"credits_issued"`
	Reservations    int                      `json:"reservations"`
}

// HealthService 聚合各子系统状态供运维观测
type HealthService struct {
	registry *biz.BreakerRegistry
	ledger   *biz.CreditLedgerUseCase
	fallback *biz.FallbackSyncUseCase
	logger   *log.Helper
}

// NewHealthService creates a new HealthService instance.
func NewHealthService(registry *biz.BreakerRegistry, ledger *biz.CreditLedgerUseCase, fallback *biz.FallbackSyncUseCase, logger log.Logger) *HealthService {
	return &HealthService{
		registry: registry,
		ledger:   ledger,
		fallback: fallback,
		logger:   log.NewHelper(logger),
	}
}

// Check 汇总熔断器快照、待回填记录数与账本概览
// 本地存储不可达时 pending 计为 -1 而不是让健康检查失败
func (s *HealthService) Check(ctx context.Context) (*HealthResponse, error) {
	snapshots := s.registry.Snapshot()

	pending, err := s.fallback.PendingCount(ctx)
	if err != nil {
		s.logger.Warnw("msg", "pending count unavailable", "error", err)
		pending = -1
	}

	status := "ok"
	for _, snap := range snapshots {
		if snap.State != biz.StateClosed.String() {
			status = "degraded"
			break
		}
	}
	if pending > 0 {
		status = "degraded"
	}

	return &HealthResponse{
		Status:          status,
		Breakers:        snapshots,
		PendingFallback: pending,
		CreditsIssued:   s.ledger.IssuedTotal(),
		Reservations:    s.ledger.ReservationCount(),
	}, nil
}

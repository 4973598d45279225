package service

import (
	"context"
	"strings"

	"CreditLane/internal/biz"
	"CreditLane/internal/model"
	pkglog "CreditLane/pkg/log"
	"CreditLane/pkg/vector"

	"github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
)

// AddCreditsRequest 管理端加款请求
type AddCreditsRequest struct {
	UserID string `json:"user_id"`
	Amount int64  `json:"amount"`
	Source string `json:"source,omitempty"`
}

// AddCreditsResponse 管理端加款响应
type AddCreditsResponse struct {
	UserID    string `json:"user_id"`
	Available int64  `json:"available"`
}

// BalanceResponse 余额查询响应
type BalanceResponse struct {
	UserID    string `json:"user_id"`
	Total     int64  `json:"total"`
	Reserved  int64  `json:"reserved"`
	Available int64  `json:"available"`
}

// ResetBreakerResponse 熔断器手动复位响应
type ResetBreakerResponse struct {
	Name  string `json:"name"`
	State string `json:"state"`
}

// AdminService 实现管理端操作: 加款、余额查询、熔断器复位、手动触发回填
type AdminService struct {
	ledger   *biz.CreditLedgerUseCase
	registry *biz.BreakerRegistry
	fallback *biz.FallbackSyncUseCase
	vectors  *vector.Client
	logger   *pkglog.LogHelper
}

// NewAdminService creates a new AdminService instance.
func NewAdminService(ledger *biz.CreditLedgerUseCase, registry *biz.BreakerRegistry, fallback *biz.FallbackSyncUseCase, vectors *vector.Client, logger log.Logger) *AdminService {
	return &AdminService{
		ledger:   ledger,
		registry: registry,
		fallback: fallback,
		vectors:  vectors,
		logger:   pkglog.NewLogHelper(logger),
	}
}

// AddCredits 为用户增发额度
func (s *AdminService) AddCredits(ctx context.Context, req *AddCreditsRequest) (*AddCreditsResponse, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return nil, errors.New(400, "INVALID_USER", "user_id cannot be empty")
	}

	source := req.Source
	if source == "" {
		source = "admin"
	}

	available, err := s.ledger.AddCredits(ctx, req.UserID, req.Amount, source)
	if err != nil {
		return nil, err
	}

	s.logger.Audit("Credits granted",
		"user_id", req.UserID,
		"amount", req.Amount,
		"source", source)

	return &AddCreditsResponse{UserID: req.UserID, Available: available}, nil
}

// GetBalance 查询用户余额
func (s *AdminService) GetBalance(ctx context.Context, userID string) (*BalanceResponse, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, errors.New(400, "INVALID_USER", "user_id cannot be empty")
	}

	balance := s.ledger.GetBalance(userID)
	return &BalanceResponse{
		UserID:    userID,
		Total:     balance.Total,
		Reserved:  balance.Reserved,
		Available: balance.Available(),
	}, nil
}

// ResetBreaker 手动将熔断器复位到 CLOSED
// operator 来自请求头，用于审计
func (s *AdminService) ResetBreaker(ctx context.Context, name, operator string) (*ResetBreakerResponse, error) {
	if operator == "" {
		operator = "admin"
	}
	if err := s.registry.Reset(ctx, name, operator); err != nil {
		return nil, err
	}
	return &ResetBreakerResponse{Name: name, State: biz.StateClosed.String()}, nil
}

// TriggerSync 手动触发一轮降级记录回填
func (s *AdminService) TriggerSync(ctx context.Context) (*model.SyncResult, error) {
	return s.fallback.SyncPending(ctx, s.vectors)
}

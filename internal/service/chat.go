package service

import (
	"context"
	"strings"
	"time"

	"CreditLane/internal/biz"
	"CreditLane/internal/server/middleware"
	pkglog "CreditLane/pkg/log"

	"github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
)

const modelCallTimeout = 30 * time.Second

// ChatRequest 聊天补全请求
type ChatRequest struct {
	Prompt string `json:"prompt"`
	// OperationID 用于幂等扣费，客户端重试时必须复用
	// 为空时由服务端生成（重试不具备幂等性）
	OperationID string `json:"operation_id,omitempty"`
}

// ChatResponse 聊天补全响应
type ChatResponse struct {
	Reply          string `json:"reply"`
	CreditsCharged int64  `json:"credits_charged"`
	Available      int64  `json:"available"`
	OperationID    string `json:"operation_id"`
}

// ChatService 实现计费聊天补全
// 请求链路: 额度预留 → 熔断保护的模型调用 → 提交/释放
type ChatService struct {
	registry *biz.BreakerRegistry
	ledger   *biz.CreditLedgerUseCase
	provider biz.ModelProvider
	logger   *pkglog.LogHelper
}

// NewChatService creates a new ChatService instance.
func NewChatService(registry *biz.BreakerRegistry, ledger *biz.CreditLedgerUseCase, provider biz.ModelProvider, logger log.Logger) *ChatService {
	return &ChatService{
		registry: registry,
		ledger:   ledger,
		provider: provider,
		logger:   pkglog.NewLogHelper(logger),
	}
}

// Complete 处理一次计费的聊天补全
// 失败路径上预留的额度必须释放，成功路径上必须提交，
// 两者都不依赖客户端行为
func (s *ChatService) Complete(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	identity := middleware.IdentityFromContext(ctx)
	if identity.Anonymous {
		return nil, errors.New(401, "AUTH_REQUIRED", "chat completion requires an API key")
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, errors.New(400, "INVALID_PROMPT", "prompt cannot be empty")
	}

	operationID := req.OperationID
	if operationID == "" {
		operationID = "op-" + pkglog.GenerateRequestID()
	}

	cost := s.provider.EstimateCost(req.Prompt)

	reserved, err := s.ledger.Reserve(ctx, identity.UserID, cost, operationID)
	if err != nil {
		s.logger.Errorw("msg", "credit reservation failed",
			"user_id", identity.UserID,
			"operation_id", operationID,
			"error", err)
		return nil, err
	}

	breaker, err := s.registry.Get(biz.DependencyModelProvider)
	if err != nil {
		_ = s.ledger.Release(ctx, reserved.ReservationID)
		return nil, err
	}

	startTime := time.Now()
	result, err := breaker.ExecuteWithTimeout(ctx, modelCallTimeout, func(ctx context.Context) (interface{}, error) {
		return s.provider.Complete(ctx, identity.UserID, req.Prompt)
	}, nil)
	durationMs := time.Since(startTime).Milliseconds()

	if err != nil {
		// 调用未完成，预留的额度原路退回
		if relErr := s.ledger.Release(ctx, reserved.ReservationID); relErr != nil {
			s.logger.Errorw("msg", "failed to release reservation after model failure",
				"reservation_id", reserved.ReservationID,
				"error", relErr)
		}
		s.logger.MeteredCall(ctx, biz.DependencyModelProvider, cost, "released", durationMs,
			"operation_id", operationID,
			"error", err.Error())
		return nil, err
	}

	available, err := s.ledger.Commit(ctx, reserved.ReservationID)
	if err != nil {
		// 预留已被 TTL 回收：补全已产生但无法扣费
		// 记录审计事件，响应仍然返回（用户体验优先于计费精度）
		s.logger.Errorw("msg", "commit failed after successful completion",
			"reservation_id", reserved.ReservationID,
			"operation_id", operationID,
			"error", err)
		available = s.ledger.GetBalance(identity.UserID).Available()
	}

	s.logger.MeteredCall(ctx, biz.DependencyModelProvider, cost, "committed", durationMs,
		"operation_id", operationID)

	return &ChatResponse{
		Reply:          result.(string),
		CreditsCharged: cost,
		Available:      available,
		OperationID:    operationID,
	}, nil
}

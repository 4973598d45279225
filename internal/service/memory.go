package service

import (
	"context"
	"strconv"
	"strings"

	"CreditLane/internal/biz"
	"CreditLane/internal/model"
	"CreditLane/internal/server/middleware"
	"CreditLane/pkg/metadata"
	"CreditLane/pkg/vector"

	"github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"

	pkglog "CreditLane/pkg/log"
)

// MemoryRequest 记忆写入请求
type MemoryRequest struct {
	Content string                 `json:"content"`
	Options *metadata.WriteOptions `json:"options,omitempty"`
}

// MemoryResponse 记忆写入响应
// 主路径返回向量存储的 ID；降级路径返回本地记录 ID 并标记 degraded
type MemoryResponse struct {
	ID       string `json:"id"`
	Degraded bool   `json:"degraded"`
}

// SearchRequest 记忆检索请求
type SearchRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

// SearchHit 单条检索结果
type SearchHit struct {
	ID      string  `json:"id"`
	Content string  `json:"content"`
	Sector  string  `json:"sector"`
	Score   float64 `json:"score,omitempty"`
}

// SearchResponse 记忆检索响应
type SearchResponse struct {
	Hits     []SearchHit `json:"hits"`
	Degraded bool        `json:"degraded"`
}

// MemoryService 实现记忆读写
// 向量存储经熔断器保护，失败时写入走本地降级存储、读取走关键词匹配
type MemoryService struct {
	registry *biz.BreakerRegistry
	fallback *biz.FallbackSyncUseCase
	vectors  *vector.Client
	logger   *pkglog.LogHelper
}

// NewMemoryService creates a new MemoryService instance.
func NewMemoryService(registry *biz.BreakerRegistry, fallback *biz.FallbackSyncUseCase, vectors *vector.Client, logger log.Logger) *MemoryService {
	return &MemoryService{
		registry: registry,
		fallback: fallback,
		vectors:  vectors,
		logger:   pkglog.NewLogHelper(logger),
	}
}

// Create 写入一条记忆
// 熔断器拒绝或主写失败时透明转入降级存储，客户端从 degraded 字段感知
func (s *MemoryService) Create(ctx context.Context, req *MemoryRequest) (*MemoryResponse, error) {
	identity := middleware.IdentityFromContext(ctx)
	if identity.Anonymous {
		return nil, errors.New(401, "AUTH_REQUIRED", "memory write requires an API key")
	}
	if strings.TrimSpace(req.Content) == "" {
		return nil, errors.New(400, "INVALID_CONTENT", "content cannot be empty")
	}

	opts := req.Options
	if opts == nil {
		opts = &metadata.WriteOptions{}
	}
	if err := opts.Validate(); err != nil {
		return nil, errors.New(400, "INVALID_OPTIONS", err.Error())
	}

	breaker, err := s.registry.Get(biz.DependencyVectorStore)
	if err != nil {
		return nil, err
	}

	result, err := breaker.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		id, err := s.vectors.Add(ctx, identity.UserID, req.Content, vector.AddOptions{
			Sector:     opts.Sector,
			Source:     opts.Source,
			Confidence: opts.Confidence,
			Tags:       opts.Tags,
		})
		if err != nil {
			return nil, err
		}
		return &MemoryResponse{ID: id}, nil
	}, func(ctx context.Context, cause error) (interface{}, error) {
		s.logger.Fallback("Primary vector write unavailable, queuing locally",
			"user_id", identity.UserID,
			"cause", cause.Error())
		recordID, qErr := s.fallback.QueueFallbackWrite(ctx, identity.UserID, req.Content, opts)
		if qErr != nil {
			return nil, qErr
		}
		return &MemoryResponse{ID: formatFallbackID(recordID), Degraded: true}, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*MemoryResponse), nil
}

// Search 检索记忆
// 语义检索不可用时回退到本地关键词匹配
func (s *MemoryService) Search(ctx context.Context, req *SearchRequest) (*SearchResponse, error) {
	identity := middleware.IdentityFromContext(ctx)
	if identity.Anonymous {
		return nil, errors.New(401, "AUTH_REQUIRED", "memory search requires an API key")
	}

	limit := req.Limit
	if limit <= 0 || limit > 50 {
		limit = 10
	}

	breaker, err := s.registry.Get(biz.DependencyVectorStore)
	if err != nil {
		return nil, err
	}

	result, err := breaker.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		hits, err := s.vectors.Search(ctx, identity.UserID, req.Query, limit)
		if err != nil {
			return nil, err
		}
		resp := &SearchResponse{Hits: make([]SearchHit, 0, len(hits))}
		for _, h := range hits {
			resp.Hits = append(resp.Hits, SearchHit{
				ID:      h.ID,
				Content: h.Content,
				Sector:  h.Sector,
				Score:   h.Score,
			})
		}
		return resp, nil
	}, func(ctx context.Context, cause error) (interface{}, error) {
		s.logger.Fallback("Semantic search unavailable, using keyword fallback",
			"user_id", identity.UserID,
			"cause", cause.Error())
		records, fErr := s.fallback.SearchFallback(ctx, identity.UserID, req.Query, limit)
		if fErr != nil {
			return nil, fErr
		}
		return fallbackSearchResponse(records), nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*SearchResponse), nil
}

func fallbackSearchResponse(records []*model.FallbackRecord) *SearchResponse {
	resp := &SearchResponse{Degraded: true, Hits: make([]SearchHit, 0, len(records))}
	for _, r := range records {
		resp.Hits = append(resp.Hits, SearchHit{
			ID:      formatFallbackID(r.ID),
			Content: r.Content,
			Sector:  r.Sector,
		})
	}
	return resp
}

func formatFallbackID(id int64) string {
	return "local-" + strconv.FormatInt(id, 10)
}

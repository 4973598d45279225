package middleware

import (
	"context"
	"strconv"

	"CreditLane/internal/biz"
	pkglog "CreditLane/pkg/log"

	"github.com/go-kratos/kratos/v2/middleware"
	"github.com/go-kratos/kratos/v2/transport"
	"github.com/go-kratos/kratos/v2/transport/http"
)

// RateLimit 返回一个两级限流中间件
// 先过全局令牌桶（按身份和层级），再过端点级固定窗口限制
// 无论放行还是拒绝，响应都携带 X-RateLimit-* 头部
//
// 日志输出示例:
//
//	🚦 Request rejected | identity=ip:203.0.113.9 tier=anonymous retry_after=3s
func RateLimit(limiter *biz.RateLimiterUseCase, endpoints *biz.EndpointLimiter, logger *pkglog.LogHelper) middleware.Middleware {
	return func(handler middleware.Handler) middleware.Handler {
		return func(ctx context.Context, req interface{}) (interface{}, error) {
			tr, ok := transport.FromServerContext(ctx)
			if !ok {
				return handler(ctx, req)
			}
			ht, ok := tr.(http.Transporter)
			if !ok {
				return handler(ctx, req)
			}

			httpReq := ht.Request()
			method := httpReq.Method
			path := httpReq.URL.Path

			// 健康检查不参与限流
			if path == "/healthz" {
				return handler(ctx, req)
			}

			identity := IdentityFromContext(ctx)

			decision, err := limiter.Allow(identity.Key, identity.Tier)
			writeRateLimitHeaders(tr, decision)
			if err != nil {
				logger.RateLimit("Request rejected",
					"identity", identity.Key,
					"tier", identity.Tier,
					"method", method,
					"path", path,
					"retry_after_ms", decision.RetryAfter.Milliseconds(),
				)
				return nil, err
			}
			if decision.Warning {
				tr.ReplyHeader().Set("X-RateLimit-Warning", "abuse-flagged")
			}

			epDecision, err := endpoints.Allow(identity.Key, method, path)
			if err != nil {
				// 端点级拒绝的头部覆盖全局值
				writeRateLimitHeaders(tr, epDecision)
				logger.RateLimit("Endpoint limit exceeded",
					"identity", identity.Key,
					"method", method,
					"path", path,
					"retry_after_ms", epDecision.RetryAfter.Milliseconds(),
				)
				return nil, err
			}

			return handler(ctx, req)
		}
	}
}

// writeRateLimitHeaders 写入标准限流响应头
func writeRateLimitHeaders(tr transport.Transporter, d *biz.Decision) {
	if d == nil || d.Limit == 0 {
		return
	}
	header := tr.ReplyHeader()
	header.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	header.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	if !d.Reset.IsZero() {
		header.Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))
	}
	if !d.Allowed {
		seconds := int64(d.RetryAfter.Seconds())
		if seconds < 1 {
			seconds = 1
		}
		header.Set("Retry-After", strconv.FormatInt(seconds, 10))
	}
}

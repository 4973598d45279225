// Package middleware provides HTTP middleware for identity resolution,
// logging, and admission control.
package middleware

import (
	"context"
	"strings"
	"time"

	pkglog "CreditLane/pkg/log"

	"github.com/go-kratos/kratos/v2/middleware"
	"github.com/go-kratos/kratos/v2/transport"
	"github.com/go-kratos/kratos/v2/transport/http"
)

// contextKey is a custom type for context keys to avoid collisions
type contextKey string

const identityContextKey contextKey = "identity"

// TierAnonymous is the tier assigned to requests without credentials.
const TierAnonymous = "anonymous"

// Identity 描述一次请求的限流主体
// 认证请求以 API Key 为主体，匿名请求以客户端 IP 为主体
type Identity struct {
	// Key 是限流计数的主体标识（认证请求为 API Key，匿名请求为 "ip:<addr>"）
	Key string
	// UserID 是账务主体（匿名请求为空）
	UserID string
	// Tier 是订阅层级
	Tier string
	// Anonymous 标记未携带凭证的请求
	Anonymous bool
}

// ResolveIdentity 返回一个身份解析中间件
// 提取 API Key 并确定限流层级，记录认证日志
//
// 日志输出示例:
//
//	🔗 🔓 Authenticated request from key: (sk-12345***) tier=pro in 0ms
//
// 注意: 当前为简化实现，API Key 即用户标识
// 实际的 Key 验证与层级查询将在后续 Story 中实现
func ResolveIdentity(logger *pkglog.LogHelper) middleware.Middleware {
	return func(handler middleware.Handler) middleware.Handler {
		return func(ctx context.Context, req interface{}) (interface{}, error) {
			startTime := time.Now()

			var (
				apiKey string
				tier   string
				ip     string
			)

			if tr, ok := transport.FromServerContext(ctx); ok {
				if ht, ok := tr.(http.Transporter); ok {
					httpReq := ht.Request()

					// 支持 "Bearer {token}" 格式
					authHeader := httpReq.Header.Get("Authorization")
					if authHeader != "" {
						apiKey = strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
					}

					// 如果 Authorization header 为空，尝试从 X-API-Key header 获取
					if apiKey == "" {
						apiKey = httpReq.Header.Get("X-API-Key")
					}

					tier = httpReq.Header.Get("X-Tier")
					ip = ExtractClientIP(httpReq)
				}
			}

			identity := &Identity{}
			if apiKey != "" {
				// TODO: 在后续 Story 中实现实际的 API Key 验证与层级查询
				// 当前 Key 即用户标识，层级取自 X-Tier header
				identity.Key = apiKey
				identity.UserID = apiKey
				identity.Tier = tier
				if identity.Tier == "" {
					identity.Tier = "free"
				}

				authDuration := time.Since(startTime).Milliseconds()
				logger.Auth(
					"Authenticated request from key: ("+MaskAPIKey(apiKey)+") tier="+identity.Tier,
					"api_key_masked", MaskAPIKey(apiKey),
					"tier", identity.Tier,
					"duration_ms", authDuration,
				)
			} else {
				identity.Key = "ip:" + ip
				identity.Tier = TierAnonymous
				identity.Anonymous = true
			}

			ctx = WithIdentity(ctx, identity)
			// 将身份信息注入 Request Context，供日志中间件复用
			ctx = pkglog.WithRequestContext(ctx, "", identity.UserID, identity.Tier)

			return handler(ctx, req)
		}
	}
}

// WithIdentity 将请求身份注入 Context
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, id)
}

// IdentityFromContext 从 Context 中提取请求身份
// 未经过身份中间件的请求返回匿名身份
func IdentityFromContext(ctx context.Context) *Identity {
	if id, ok := ctx.Value(identityContextKey).(*Identity); ok {
		return id
	}
	return &Identity{Key: "ip:unknown", Tier: TierAnonymous, Anonymous: true}
}

// MaskAPIKey 脱敏 API Key，仅显示前 8 位
// 示例: "sk-1234567890abcdef" -> "sk-12345***"
func MaskAPIKey(key string) string {
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:8] + "***"
}

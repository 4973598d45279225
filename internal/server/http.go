package server

import (
	"context"

	"CreditLane/internal/biz"
	"CreditLane/internal/conf"
	"CreditLane/internal/server/middleware"
	"CreditLane/internal/service"
	pkglog "CreditLane/pkg/log"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-kratos/kratos/v2/middleware/recovery"
	"github.com/go-kratos/kratos/v2/transport/http"
)

// NewHTTPServer new an HTTP server.
func NewHTTPServer(
	c *conf.Server,
	limiter *biz.RateLimiterUseCase,
	endpoints *biz.EndpointLimiter,
	chatSvc *service.ChatService,
	memorySvc *service.MemoryService,
	adminSvc *service.AdminService,
	healthSvc *service.HealthService,
	logger log.Logger,
) *http.Server {
	logHelper := pkglog.NewLogHelper(logger)

	var opts = []http.ServerOption{
		http.Middleware(
			recovery.Recovery(),
			middleware.ResolveIdentity(logHelper), // 身份解析：确定限流主体和层级
			middleware.Logging(logHelper),         // 请求日志：记录请求方法、路径、耗时
			middleware.RateLimit(limiter, endpoints, logHelper), // 两级限流：全局令牌桶 + 端点窗口
		),
	}
	if c.Http.Network != "" {
		opts = append(opts, http.Network(c.Http.Network))
	}
	if c.Http.Addr != "" {
		opts = append(opts, http.Address(c.Http.Addr))
	}
	if c.Http.Timeout > 0 {
		opts = append(opts, http.Timeout(c.Http.Timeout))
	}
	srv := http.NewServer(opts...)

	registerRoutes(srv, chatSvc, memorySvc, adminSvc, healthSvc)

	return srv
}

// registerRoutes 注册全部 HTTP 路由
// 未使用 proto 定义，直接走 Kratos 的路由 API
func registerRoutes(
	srv *http.Server,
	chatSvc *service.ChatService,
	memorySvc *service.MemoryService,
	adminSvc *service.AdminService,
	healthSvc *service.HealthService,
) {
	r := srv.Route("/")

	r.GET("/healthz", func(ctx http.Context) error {
		http.SetOperation(ctx, "/health/check")
		h := ctx.Middleware(func(c context.Context, req interface{}) (interface{}, error) {
			return healthSvc.Check(c)
		})
		out, err := h(ctx, nil)
		if err != nil {
			return err
		}
		return ctx.Result(200, out)
	})

	r.POST("/v1/chat", func(ctx http.Context) error {
		var in service.ChatRequest
		if err := ctx.Bind(&in); err != nil {
			return err
		}
		http.SetOperation(ctx, "/chat/complete")
		h := ctx.Middleware(func(c context.Context, req interface{}) (interface{}, error) {
			return chatSvc.Complete(c, req.(*service.ChatRequest))
		})
		out, err := h(ctx, &in)
		if err != nil {
			return err
		}
		return ctx.Result(200, out)
	})

	r.POST("/v1/memories", func(ctx http.Context) error {
		var in service.MemoryRequest
		if err := ctx.Bind(&in); err != nil {
			return err
		}
		http.SetOperation(ctx, "/memories/create")
		h := ctx.Middleware(func(c context.Context, req interface{}) (interface{}, error) {
			return memorySvc.Create(c, req.(*service.MemoryRequest))
		})
		out, err := h(ctx, &in)
		if err != nil {
			return err
		}
		return ctx.Result(200, out)
	})

	r.POST("/v1/memories/search", func(ctx http.Context) error {
		var in service.SearchRequest
		if err := ctx.Bind(&in); err != nil {
			return err
		}
		http.SetOperation(ctx, "/memories/search")
		h := ctx.Middleware(func(c context.Context, req interface{}) (interface{}, error) {
			return memorySvc.Search(c, req.(*service.SearchRequest))
		})
		out, err := h(ctx, &in)
		if err != nil {
			return err
		}
		return ctx.Result(200, out)
	})

	r.POST("/admin/credits", func(ctx http.Context) error {
		var in service.AddCreditsRequest
		if err := ctx.Bind(&in); err != nil {
			return err
		}
		http.SetOperation(ctx, "/admin/credits/add")
		h := ctx.Middleware(func(c context.Context, req interface{}) (interface{}, error) {
			return adminSvc.AddCredits(c, req.(*service.AddCreditsRequest))
		})
		out, err := h(ctx, &in)
		if err != nil {
			return err
		}
		return ctx.Result(200, out)
	})

	r.GET("/admin/credits/{user_id}", func(ctx http.Context) error {
		userID := ctx.Vars().Get("user_id")
		http.SetOperation(ctx, "/admin/credits/get")
		h := ctx.Middleware(func(c context.Context, req interface{}) (interface{}, error) {
			return adminSvc.GetBalance(c, userID)
		})
		out, err := h(ctx, nil)
		if err != nil {
			return err
		}
		return ctx.Result(200, out)
	})

	r.POST("/admin/breakers/{name}/reset", func(ctx http.Context) error {
		name := ctx.Vars().Get("name")
		operator := ctx.Header().Get("X-Operator")
		http.SetOperation(ctx, "/admin/breakers/reset")
		h := ctx.Middleware(func(c context.Context, req interface{}) (interface{}, error) {
			return adminSvc.ResetBreaker(c, name, operator)
		})
		out, err := h(ctx, nil)
		if err != nil {
			return err
		}
		return ctx.Result(200, out)
	})

	r.POST("/admin/sync", func(ctx http.Context) error {
		http.SetOperation(ctx, "/admin/sync/trigger")
		h := ctx.Middleware(func(c context.Context, req interface{}) (interface{}, error) {
			return adminSvc.TriggerSync(c)
		})
		out, err := h(ctx, nil)
		if err != nil {
			return err
		}
		return ctx.Result(200, out)
	})
}

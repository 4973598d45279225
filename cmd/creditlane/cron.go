package main

import (
	"context"
	"time"

	"CreditLane/internal/biz"
	"CreditLane/internal/conf"
	"CreditLane/pkg/vector"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/robfig/cron/v3"
)

// newMaintenanceCron 创建后台维护任务调度器（未启动，由应用生命周期启动）
//
// 任务清单:
//   - 每分钟: 回收超时未提交的额度预留
//   - 每 5 分钟: 回填降级记录到向量存储
//   - 每小时 30 分: 清理长期空闲的限流桶
func newMaintenanceCron(
	ledger *biz.CreditLedgerUseCase,
	limiter *biz.RateLimiterUseCase,
	endpoints *biz.EndpointLimiter,
	sync *biz.FallbackSyncUseCase,
	vectors *vector.Client,
	rlConf *conf.RateLimit,
	logger log.Logger,
) *cron.Cron {
	helper := log.NewHelper(logger)

	c := cron.New(cron.WithSeconds())

	// 每分钟回收过期预留（Cron 表达式：秒 分 时 日 月 周）
	_, err := c.AddFunc("0 * * * * *", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		reclaimed, err := ledger.CleanupExpired(ctx)
		if err != nil {
			helper.Errorw("msg", "reservation cleanup failed", "error", err)
			return
		}
		if reclaimed > 0 {
			helper.Infow("msg", "expired reservations reclaimed", "count", reclaimed)
		}
	})
	if err != nil {
		helper.Errorw("msg", "failed to register reservation cleanup job", "error", err)
	}

	// 每 5 分钟回填一批降级记录
	_, err = c.AddFunc("0 */5 * * * *", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		result, err := sync.SyncPending(ctx, vectors)
		if err != nil {
			helper.Errorw("msg", "fallback reconciliation failed", "error", err)
			return
		}
		if result.Synced > 0 || result.Failed > 0 {
			helper.Infow("msg", "fallback reconciliation finished",
				"synced", result.Synced,
				"failed", result.Failed,
				"stopped", result.Stopped)
		}
	})
	if err != nil {
		helper.Errorw("msg", "failed to register reconciliation job", "error", err)
	}

	// 每小时清理空闲限流桶，防止内存无界增长
	sweepIdle := 48 * time.Hour
	if rlConf != nil && rlConf.SweepIdle > 0 {
		sweepIdle = rlConf.SweepIdle
	}
	_, err = c.AddFunc("0 30 * * * *", func() {
		evicted := limiter.Sweep() + endpoints.Sweep(sweepIdle)
		if evicted > 0 {
			helper.Infow("msg", "idle rate limit buckets evicted", "count", evicted)
		}
	})
	if err != nil {
		helper.Errorw("msg", "failed to register bucket sweep job", "error", err)
	}

	helper.Info("Maintenance cron registered: cleanup 1m, reconciliation 5m, bucket sweep 1h")

	return c
}

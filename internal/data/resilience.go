package data

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/redis/go-redis/v9"
)

// ResilienceRepo implements biz.BreakerStateRepo and
// biz.SyncCoordinationRepo on Redis. Everything here is best effort:
// breaker admission and reconciliation correctness never depend on
// these keys, they exist so operators and sibling instances can see
// what this process is doing.
type ResilienceRepo struct {
	rdb    *redis.Client
	logger *log.Helper
}

// NewResilienceRepo creates a new resilience repository.
func NewResilienceRepo(rdb *redis.Client, logger log.Logger) *ResilienceRepo {
	return &ResilienceRepo{
		rdb:    rdb,
		logger: log.NewHelper(logger),
	}
}

// MarkBreakerOpen records that a dependency's breaker tripped. The TTL
// bounds staleness if the process dies before clearing the marker.
func (r *ResilienceRepo) MarkBreakerOpen(ctx context.Context, dependency string, ttl time.Duration) error {
	if r.rdb == nil {
		return fmt.Errorf("redis client is nil")
	}

	key := getBreakerKey(dependency)
	if err := r.rdb.Set(ctx, key, time.Now().Unix(), ttl).Err(); err != nil {
		return fmt.Errorf("failed to set breaker marker: %w", err)
	}

	r.logger.Debugw("breaker marker set",
		"dependency", dependency,
		"ttl", ttl)
	return nil
}

// ClearBreakerOpen removes a dependency's open marker.
func (r *ResilienceRepo) ClearBreakerOpen(ctx context.Context, dependency string) error {
	if r.rdb == nil {
		return fmt.Errorf("redis client is nil")
	}

	key := getBreakerKey(dependency)
	if err := r.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to clear breaker marker: %w", err)
	}

	r.logger.Debugw("breaker marker cleared", "dependency", dependency)
	return nil
}

// IsBreakerMarkedOpen reports whether any instance has marked the
// dependency's breaker open.
func (r *ResilienceRepo) IsBreakerMarkedOpen(ctx context.Context, dependency string) (bool, error) {
	if r.rdb == nil {
		return false, fmt.Errorf("redis client is nil")
	}

	exists, err := r.rdb.Exists(ctx, getBreakerKey(dependency)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check breaker marker: %w", err)
	}
	return exists > 0, nil
}

// AcquireSyncLock takes the reconciliation run lock using SETNX (atomic).
// Returns false when another instance holds it.
func (r *ResilienceRepo) AcquireSyncLock(ctx context.Context, ttl time.Duration) (bool, error) {
	if r.rdb == nil {
		return false, fmt.Errorf("redis client is nil")
	}

	// Use SetNX for atomic set-if-not-exists
	acquired, err := r.rdb.SetNX(ctx, syncLockKey, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire sync lock: %w", err)
	}

	if acquired {
		r.logger.Debugw("sync lock acquired", "ttl", ttl)
	}
	return acquired, nil
}

// ReleaseSyncLock drops the reconciliation run lock.
func (r *ResilienceRepo) ReleaseSyncLock(ctx context.Context) error {
	if r.rdb == nil {
		return fmt.Errorf("redis client is nil")
	}

	if err := r.rdb.Del(ctx, syncLockKey).Err(); err != nil {
		return fmt.Errorf("failed to release sync lock: %w", err)
	}
	return nil
}

// SetPendingGauge publishes the count of fallback records awaiting
// reconciliation. The TTL keeps a dead instance's stale gauge from
// lingering.
func (r *ResilienceRepo) SetPendingGauge(ctx context.Context, count int64) error {
	if r.rdb == nil {
		return fmt.Errorf("redis client is nil")
	}

	if err := r.rdb.Set(ctx, syncPendingKey, strconv.FormatInt(count, 10), 10*time.Minute).Err(); err != nil {
		return fmt.Errorf("failed to set pending gauge: %w", err)
	}
	return nil
}

// GetPendingGauge reads the published pending count.
// Returns 0 if no gauge has been published.
func (r *ResilienceRepo) GetPendingGauge(ctx context.Context) (int64, error) {
	if r.rdb == nil {
		return 0, fmt.Errorf("redis client is nil")
	}

	count, err := r.rdb.Get(ctx, syncPendingKey).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get pending gauge: %w", err)
	}
	return count, nil
}

const (
	syncLockKey    = "sync:fallback:lock"
	syncPendingKey = "sync:fallback:pending"
)

// getBreakerKey generates a Redis key for a breaker marker.
// Format: breaker:{dependency}:open
// Example: breaker:vector-store:open
func getBreakerKey(dependency string) string {
	return fmt.Sprintf("breaker:%s:open", dependency)
}

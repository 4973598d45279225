// Package data provides data access layer implementations.
// It handles database connections and data persistence.
package data

import (
	"CreditLane/internal/conf"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/wire"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// ProviderSet is data providers.
var ProviderSet = wire.NewSet(
	NewData,
	NewRedisClient,
	NewMySQLClient,
	NewModelProvider,
	NewVectorStoreClient,
)

// Data contains all data layer dependencies.
type Data struct {
	// redisClient mirrors breaker state and coordinates reconciliation;
	// nil when Redis is unavailable (graceful degradation)
	redisClient *redis.Client
	// db holds fallback records and the ledger transaction trail
	db *gorm.DB
}

// NewData creates a new Data instance with all data layer dependencies.
// Redis connection failure does not prevent application startup
// (graceful degradation); MySQL is required.
func NewData(_ *conf.Data, logger log.Logger, rdb *redis.Client, db *gorm.DB) (*Data, func(), error) {
	helper := log.NewHelper(logger)

	if rdb == nil {
		helper.Warn("Redis client is nil, breaker mirroring and sync coordination will be unavailable")
	}

	d := &Data{
		redisClient: rdb,
		db:          db,
	}

	cleanup := func() {
		helper.Info("closing the data resources")
		// Redis and MySQL cleanup are handled by their own cleanup
		// functions, which are called automatically by Wire
	}

	return d, cleanup, nil
}

// GetRedisClient returns the Redis client for advanced operations.
func (d *Data) GetRedisClient() *redis.Client {
	return d.redisClient
}

// GetDB returns the GORM handle.
func (d *Data) GetDB() *gorm.DB {
	return d.db
}

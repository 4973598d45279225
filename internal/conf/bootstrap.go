// Package conf provides configuration management using Viper.
// It supports loading configuration from YAML files and environment variables,
// with CLI flag overrides.
package conf

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Bootstrap is the root configuration structure.
type Bootstrap struct {
	Server    *Server
	Data      *Data
	Log       *Log
	Breakers  []*Breaker
	RateLimit *RateLimit
	Credit    *Credit
	Sync      *Sync
}

// Server holds transport configuration.
type Server struct {
	Http *ServerHTTP
}

// ServerHTTP holds HTTP server configuration.
type ServerHTTP struct {
	Network string
	Addr    string
	Timeout time.Duration
}

// Data holds data layer configuration.
type Data struct {
	Database *Database
	Redis    *Redis
}

// Database holds MySQL configuration.
type Database struct {
	Driver string
	Source string
}

// Redis holds Redis client configuration.
type Redis struct {
	Network      string
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Log holds logging configuration.
type Log struct {
	Level      string
	Format     string
	Env        string
	OutputFile string
}

// Breaker holds per-dependency circuit breaker configuration.
// MaxConcurrent of 0 means the bulkhead is disabled (unlimited).
type Breaker struct {
	Name             string
	FailureThreshold int
	ResetTimeout     time.Duration
	MaxConcurrent    int
}

// RateLimit holds admission control configuration.
type RateLimit struct {
	Tiers []*Tier
	// SweepIdle is how long a bucket may sit idle before the periodic
	// sweep evicts it.
	SweepIdle time.Duration
}

// Tier describes one subscription tier's admission limits.
type Tier struct {
	Name              string
	RequestsPerMinute int
	RequestsPerDay    int
}

// Credit holds credit ledger configuration.
type Credit struct {
	// ReservationTTL bounds how long an uncommitted reservation may hold
	// funds before the sweep reclaims it.
	ReservationTTL time.Duration
}

// Sync holds degraded-mode reconciliation configuration.
type Sync struct {
	// BatchSize bounds how many unsynced records one reconciliation run
	// will push to the vector store.
	BatchSize int
	// VectorStoreURL is the base URL of the primary vector store.
	VectorStoreURL string
	// ProxyURL optionally routes vector store traffic through a
	// socks5:// or http(s):// proxy.
	ProxyURL string
	// EncryptionKey, when set, enables AES-GCM encryption of fallback
	// record content at rest. Must be 16, 24 or 32 bytes.
	EncryptionKey string
}

// NewBootstrap creates and initializes a Bootstrap configuration.
// It loads configuration from the specified config file path, applies defaults,
// and allows overrides from environment variables prefixed with CREDITLANE_.
//
// Configuration priority: CLI flags > Environment variables > Config file > Defaults
//
// Required environment variables:
//   - MYSQL_DSN or CREDITLANE_DATA_DATABASE_SOURCE: MySQL connection string
func NewBootstrap(configPath string) (*Bootstrap, error) {
	v := viper.New()

	// Set default values
	setDefaults(v)

	// Enable environment variable support with CREDITLANE_ prefix
	v.SetEnvPrefix("CREDITLANE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Allow direct environment variable names (without CREDITLANE_ prefix) for compatibility
	_ = v.BindEnv("data.database.source", "MYSQL_DSN", "CREDITLANE_DATA_DATABASE_SOURCE")
	_ = v.BindEnv("data.redis.addr", "CREDITLANE_DATA_REDIS_ADDR")
	_ = v.BindEnv("sync.vector_store_url", "VECTOR_STORE_URL", "CREDITLANE_SYNC_VECTOR_STORE_URL")
	_ = v.BindEnv("sync.encryption_key", "ENCRYPTION_KEY", "CREDITLANE_SYNC_ENCRYPTION_KEY")

	// Load configuration file
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			// If config file is specified but not found, return error
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	}

	// Parse configuration into Bootstrap structure
	bc := &Bootstrap{
		Server: &Server{
			Http: &ServerHTTP{
				Network: v.GetString("server.http.network"),
				Addr:    v.GetString("server.http.addr"),
				Timeout: v.GetDuration("server.http.timeout"),
			},
		},
		Data: &Data{
			Database: &Database{
				Driver: v.GetString("data.database.driver"),
				Source: v.GetString("data.database.source"),
			},
			Redis: &Redis{
				Network:      v.GetString("data.redis.network"),
				Addr:         v.GetString("data.redis.addr"),
				ReadTimeout:  v.GetDuration("data.redis.read_timeout"),
				WriteTimeout: v.GetDuration("data.redis.write_timeout"),
			},
		},
		Log: &Log{
			Level:      v.GetString("log.level"),
			Format:     v.GetString("log.format"),
			Env:        v.GetString("log.env"),
			OutputFile: v.GetString("log.output_file"),
		},
		Breakers:  parseBreakers(v),
		RateLimit: parseRateLimit(v),
		Credit: &Credit{
			ReservationTTL: v.GetDuration("credit.reservation_ttl"),
		},
		Sync: &Sync{
			BatchSize:      v.GetInt("sync.batch_size"),
			VectorStoreURL: v.GetString("sync.vector_store_url"),
			ProxyURL:       v.GetString("sync.proxy_url"),
			EncryptionKey:  v.GetString("sync.encryption_key"),
		},
	}

	// Validate required fields
	if err := Validate(bc); err != nil {
		return nil, err
	}

	return bc, nil
}

// parseBreakers reads the per-dependency breaker list.
// Dependencies without explicit settings inherit breakers.default values.
func parseBreakers(v *viper.Viper) []*Breaker {
	names := v.GetStringSlice("breakers.dependencies")
	out := make([]*Breaker, 0, len(names))
	for _, name := range names {
		prefix := "breakers." + name + "."
		b := &Breaker{
			Name:             name,
			FailureThreshold: v.GetInt(prefix + "failure_threshold"),
			ResetTimeout:     v.GetDuration(prefix + "reset_timeout"),
			MaxConcurrent:    v.GetInt(prefix + "max_concurrent"),
		}
		if b.FailureThreshold <= 0 {
			b.FailureThreshold = v.GetInt("breakers.default.failure_threshold")
		}
		if b.ResetTimeout <= 0 {
			b.ResetTimeout = v.GetDuration("breakers.default.reset_timeout")
		}
		out = append(out, b)
	}
	return out
}

// parseRateLimit reads the tier list.
func parseRateLimit(v *viper.Viper) *RateLimit {
	names := v.GetStringSlice("ratelimit.tiers")
	rl := &RateLimit{
		SweepIdle: v.GetDuration("ratelimit.sweep_idle"),
	}
	for _, name := range names {
		prefix := "ratelimit." + name + "."
		rl.Tiers = append(rl.Tiers, &Tier{
			Name:              name,
			RequestsPerMinute: v.GetInt(prefix + "requests_per_minute"),
			RequestsPerDay:    v.GetInt(prefix + "requests_per_day"),
		})
	}
	return rl
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.http.network", "tcp")
	v.SetDefault("server.http.addr", ":8080")
	v.SetDefault("server.http.timeout", 5*time.Minute)

	// Data defaults
	v.SetDefault("data.database.driver", "mysql")
	// Note: data.database.source (MYSQL_DSN) is required from environment

	v.SetDefault("data.redis.network", "tcp")
	v.SetDefault("data.redis.addr", "127.0.0.1:6379")
	v.SetDefault("data.redis.read_timeout", 200*time.Millisecond)
	v.SetDefault("data.redis.write_timeout", 200*time.Millisecond)

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Breaker defaults: one breaker per guarded dependency
	v.SetDefault("breakers.dependencies", []string{"model-provider", "vector-store"})
	v.SetDefault("breakers.default.failure_threshold", 5)
	v.SetDefault("breakers.default.reset_timeout", 30*time.Second)
	v.SetDefault("breakers.model-provider.max_concurrent", 50)
	v.SetDefault("breakers.vector-store.max_concurrent", 20)

	// Rate limit tier defaults
	v.SetDefault("ratelimit.tiers", []string{"anonymous", "free", "pro", "enterprise"})
	v.SetDefault("ratelimit.anonymous.requests_per_minute", 10)
	v.SetDefault("ratelimit.anonymous.requests_per_day", 200)
	v.SetDefault("ratelimit.free.requests_per_minute", 20)
	v.SetDefault("ratelimit.free.requests_per_day", 1000)
	v.SetDefault("ratelimit.pro.requests_per_minute", 60)
	v.SetDefault("ratelimit.pro.requests_per_day", 10000)
	v.SetDefault("ratelimit.enterprise.requests_per_minute", 300)
	v.SetDefault("ratelimit.enterprise.requests_per_day", 100000)
	v.SetDefault("ratelimit.sweep_idle", 48*time.Hour)

	// Credit defaults
	v.SetDefault("credit.reservation_ttl", 5*time.Minute)

	// Sync defaults
	v.SetDefault("sync.batch_size", 50)
}

// Validate checks that all required configuration fields are present and valid.
// It returns an error listing all missing required fields.
func Validate(bc *Bootstrap) error {
	var missingFields []string

	// Check required database configuration
	if bc.Data == nil || bc.Data.Database == nil || bc.Data.Database.Source == "" {
		missingFields = append(missingFields, "data.database.source (MYSQL_DSN)")
	}

	if len(missingFields) > 0 {
		return fmt.Errorf("missing required configuration fields: %s", strings.Join(missingFields, ", "))
	}

	for _, b := range bc.Breakers {
		if b.Name == "" {
			return fmt.Errorf("breaker with empty name in breakers.dependencies")
		}
	}

	return nil
}

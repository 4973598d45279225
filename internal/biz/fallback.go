package biz

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"CreditLane/internal/conf"
	"CreditLane/internal/model"
	"CreditLane/pkg/metadata"
	"CreditLane/pkg/vector"

	"github.com/go-kratos/kratos/v2/log"
)

// FallbackRepo is the durable store for degraded-mode writes.
// Following Kratos v2 DDD architecture, the interface is defined in the
// biz layer and implemented in data.
type FallbackRepo interface {
	// SaveFallbackRecord persists one pending record and returns its id.
	SaveFallbackRecord(ctx context.Context, rec *model.FallbackRecord) (int64, error)

	// SearchFallbackRecords returns records matching any of the tokens
	// as a case-insensitive substring, newest first. With no tokens it
	// returns the most recent records.
	SearchFallbackRecords(ctx context.Context, userID string, tokens []string, limit int) ([]*model.FallbackRecord, error)

	// ListUnsynced returns up to limit pending records, oldest first.
	ListUnsynced(ctx context.Context, limit int) ([]*model.FallbackRecord, error)

	// MarkSynced flips one record's marker from pending to synced.
	MarkSynced(ctx context.Context, id int64) error

	// CountUnsynced reports how many records await reconciliation.
	CountUnsynced(ctx context.Context) (int64, error)
}

// SyncCoordinationRepo provides the best-effort cross-instance pieces of
// reconciliation: a Redis run lock and a pending-count gauge. Both
// degrade gracefully when Redis is down.
type SyncCoordinationRepo interface {
	AcquireSyncLock(ctx context.Context, ttl time.Duration) (bool, error)
	ReleaseSyncLock(ctx context.Context) error
	SetPendingGauge(ctx context.Context, count int64) error
}

// VectorWriter is the injectable client reconciliation pushes records
// through, shaped so tests can substitute a fake.
type VectorWriter interface {
	Add(ctx context.Context, userID, content string, opts vector.AddOptions) (string, error)
}

// FallbackSyncUseCase keeps a best-effort local store while the vector
// store's breaker is open and reconciles it back once the breaker
// closes. Activation is driven by breaker state, never by caller choice.
type FallbackSyncUseCase struct {
	repo      FallbackRepo
	coord     SyncCoordinationRepo
	breaker   *CircuitBreaker
	batchSize int

	// running serializes reconciliation within this process; the Redis
	// lock extends that across instances when Redis is up.
	running atomic.Bool

	logger *log.Helper
}

// NewFallbackSyncUseCase wires the fallback path to the vector store's
// breaker from the registry.
func NewFallbackSyncUseCase(c *conf.Sync, repo FallbackRepo, coord SyncCoordinationRepo, registry *BreakerRegistry, logger log.Logger) (*FallbackSyncUseCase, error) {
	breaker, err := registry.Get(DependencyVectorStore)
	if err != nil {
		return nil, err
	}
	batchSize := 50
	if c != nil && c.BatchSize > 0 {
		batchSize = c.BatchSize
	}
	return &FallbackSyncUseCase{
		repo:      repo,
		coord:     coord,
		breaker:   breaker,
		batchSize: batchSize,
		logger:    log.NewHelper(logger),
	}, nil
}

// QueueFallbackWrite persists a memory locally because the primary write
// path is unavailable. Options are normalized so the eventual sync is
// lossless.
func (uc *FallbackSyncUseCase) QueueFallbackWrite(ctx context.Context, userID, content string, opts *metadata.WriteOptions) (int64, error) {
	if strings.TrimSpace(content) == "" {
		return 0, fmt.Errorf("fallback write requires content")
	}
	if opts == nil {
		opts = &metadata.WriteOptions{}
	}
	if err := opts.Validate(); err != nil {
		return 0, err
	}
	opts.Normalize()

	id, err := uc.repo.SaveFallbackRecord(ctx, &model.FallbackRecord{
		UserID:     userID,
		Content:    content,
		Sector:     opts.Sector,
		Confidence: opts.Confidence,
		Source:     opts.Source,
		Tags:       opts.Tags,
	})
	if err != nil {
		return 0, err
	}

	uc.logger.Infow("msg", "memory queued for fallback sync",
		"user_id", userID,
		"record_id", id,
		"sector", opts.Sector)
	return id, nil
}

// SearchFallback answers a search from the local store while semantic
// search is unavailable. The query is tokenized case-insensitively into
// words longer than two characters; matching is OR-of-substring. With no
// usable tokens the most recent records are returned.
func (uc *FallbackSyncUseCase) SearchFallback(ctx context.Context, userID, query string, limit int) ([]*model.FallbackRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	return uc.repo.SearchFallbackRecords(ctx, userID, TokenizeQuery(query), limit)
}

// TokenizeQuery splits a query into lowercase match tokens, dropping
// words of two characters or fewer.
func TokenizeQuery(query string) []string {
	var tokens []string
	for _, word := range strings.Fields(strings.ToLower(query)) {
		word = strings.Trim(word, `.,;:!?"'()[]{}`)
		if len(word) > 2 {
			tokens = append(tokens, word)
		}
	}
	return tokens
}

// PendingCount reports how many records await reconciliation, for the
// health endpoint.
func (uc *FallbackSyncUseCase) PendingCount(ctx context.Context) (int64, error) {
	return uc.repo.CountUnsynced(ctx)
}

// SyncPending pushes one bounded batch of pending records to the vector
// store, oldest first. The run is skipped while the breaker is OPEN and
// stops early if it reopens mid-batch; per-record failures are collected
// rather than aborting the batch. Overlapping invocations are rejected.
func (uc *FallbackSyncUseCase) SyncPending(ctx context.Context, client VectorWriter) (*model.SyncResult, error) {
	if !uc.running.CompareAndSwap(false, true) {
		uc.logger.Warnw("msg", "reconciliation already running, skipping")
		return &model.SyncResult{Stopped: true}, nil
	}
	defer uc.running.Store(false)

	if uc.coord != nil {
		acquired, err := uc.coord.AcquireSyncLock(ctx, 5*time.Minute)
		if err != nil {
			uc.logger.Warnw("msg", "sync lock unavailable, proceeding with local serialization (degraded mode)",
				"error", err)
		} else if !acquired {
			uc.logger.Infow("msg", "another instance holds the sync lock, skipping")
			return &model.SyncResult{Stopped: true}, nil
		} else {
			defer func() {
				if err := uc.coord.ReleaseSyncLock(context.Background()); err != nil {
					uc.logger.Warnw("msg", "failed to release sync lock", "error", err)
				}
			}()
		}
	}

	result := &model.SyncResult{}

	if uc.breaker.State() == StateOpen {
		uc.logger.Infow("msg", "vector store breaker open, skipping reconciliation")
		result.Stopped = true
		return result, nil
	}

	batch, err := uc.repo.ListUnsynced(ctx, uc.batchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending records: %w", err)
	}

	start := time.Now()
	for _, rec := range batch {
		// React to the dependency failing again mid-run instead of
		// hammering a known-down service.
		if uc.breaker.State() == StateOpen {
			uc.logger.Warnw("msg", "breaker reopened mid-batch, stopping reconciliation",
				"synced", result.Synced,
				"remaining", len(batch)-result.Synced-result.Failed)
			result.Stopped = true
			break
		}

		rec := rec
		_, err := uc.breaker.Execute(ctx, func(ctx context.Context) (interface{}, error) {
			return client.Add(ctx, rec.UserID, rec.Content, vector.AddOptions{
				Sector:     rec.Sector,
				Source:     rec.Source,
				Confidence: rec.Confidence,
				Tags:       rec.Tags,
			})
		}, nil)
		if err != nil {
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("record %d: %v", rec.ID, err))
			continue
		}

		if err := uc.repo.MarkSynced(ctx, rec.ID); err != nil {
			// The record reached the vector store but is still marked
			// pending; the next run will push a duplicate. Preferable to
			// losing it.
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("record %d: mark synced: %v", rec.ID, err))
			continue
		}
		result.Synced++
	}

	uc.updateGauge(ctx)

	uc.logger.Infow("msg", "reconciliation run finished",
		"synced", result.Synced,
		"failed", result.Failed,
		"stopped", result.Stopped,
		"duration_ms", time.Since(start).Milliseconds())
	return result, nil
}

func (uc *FallbackSyncUseCase) updateGauge(ctx context.Context) {
	if uc.coord == nil {
		return
	}
	count, err := uc.repo.CountUnsynced(ctx)
	if err != nil {
		uc.logger.Warnw("msg", "failed to count pending records", "error", err)
		return
	}
	if err := uc.coord.SetPendingGauge(ctx, count); err != nil {
		uc.logger.Warnw("msg", "failed to publish pending gauge (degraded mode)", "error", err)
	}
}

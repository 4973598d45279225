package biz

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"CreditLane/internal/conf"
	"CreditLane/internal/model"
	"CreditLane/pkg/metadata"
	"CreditLane/pkg/vector"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockFallbackRepo is a mock implementation of FallbackRepo for testing.
type MockFallbackRepo struct {
	mock.Mock
}

func (m *MockFallbackRepo) SaveFallbackRecord(ctx context.Context, rec *model.FallbackRecord) (int64, error) {
	args := m.Called(ctx, rec)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockFallbackRepo) SearchFallbackRecords(ctx context.Context, userID string, tokens []string, limit int) ([]*model.FallbackRecord, error) {
	args := m.Called(ctx, userID, tokens, limit)
	return args.Get(0).([]*model.FallbackRecord), args.Error(1)
}

func (m *MockFallbackRepo) ListUnsynced(ctx context.Context, limit int) ([]*model.FallbackRecord, error) {
	args := m.Called(ctx, limit)
	return args.Get(0).([]*model.FallbackRecord), args.Error(1)
}

func (m *MockFallbackRepo) MarkSynced(ctx context.Context, id int64) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockFallbackRepo) CountUnsynced(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

// fakeVectorWriter records Add calls and fails on demand.
type fakeVectorWriter struct {
	added  []string
	failOn map[string]error
}

func (f *fakeVectorWriter) Add(ctx context.Context, userID, content string, opts vector.AddOptions) (string, error) {
	if err, ok := f.failOn[content]; ok {
		return "", err
	}
	f.added = append(f.added, content)
	return "vec-" + content, nil
}

func newTestFallbackSync(t *testing.T, repo FallbackRepo, breakerCfg *conf.Breaker) (*FallbackSyncUseCase, *BreakerRegistry) {
	t.Helper()
	logger := log.NewStdLogger(os.Stdout)
	if breakerCfg == nil {
		breakerCfg = &conf.Breaker{Name: DependencyVectorStore, FailureThreshold: 5, ResetTimeout: time.Minute}
	}
	registry := NewBreakerRegistry([]*conf.Breaker{breakerCfg}, nil, nil, nil, logger)
	uc, err := NewFallbackSyncUseCase(&conf.Sync{BatchSize: 50}, repo, nil, registry, logger)
	require.NoError(t, err)
	return uc, registry
}

func pendingRecords(n int) []*model.FallbackRecord {
	out := make([]*model.FallbackRecord, n)
	for i := range out {
		out[i] = &model.FallbackRecord{
			ID:      int64(i + 1),
			UserID:  "u1",
			Content: "memory-" + string(rune('a'+i)),
			Sector:  metadata.SectorSemantic,
		}
	}
	return out
}

func TestQueueFallbackWrite_NormalizesOptions(t *testing.T) {
	repo := new(MockFallbackRepo)
	uc, _ := newTestFallbackSync(t, repo, nil)
	ctx := context.Background()

	repo.On("SaveFallbackRecord", ctx, mock.MatchedBy(func(rec *model.FallbackRecord) bool {
		return rec.UserID == "u1" &&
			rec.Sector == metadata.SectorSemantic &&
			rec.Confidence == 0.5
	})).Return(int64(7), nil)

	id, err := uc.QueueFallbackWrite(ctx, "u1", "remember the milk", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(7), id)
	repo.AssertExpectations(t)
}

func TestQueueFallbackWrite_RejectsBlankContentAndBadOptions(t *testing.T) {
	repo := new(MockFallbackRepo)
	uc, _ := newTestFallbackSync(t, repo, nil)
	ctx := context.Background()

	_, err := uc.QueueFallbackWrite(ctx, "u1", "   ", nil)
	assert.Error(t, err)

	_, err = uc.QueueFallbackWrite(ctx, "u1", "content", &metadata.WriteOptions{Confidence: 2})
	assert.Error(t, err)
	repo.AssertNotCalled(t, "SaveFallbackRecord", mock.Anything, mock.Anything)
}

func TestTokenizeQuery(t *testing.T) {
	assert.Equal(t, []string{"tokyo", "trip", "2026"}, TokenizeQuery("My Tokyo trip, in 2026!"))
	assert.Nil(t, TokenizeQuery("a an to"), "short words carry no signal")
	assert.Nil(t, TokenizeQuery(""))
}

func TestSearchFallback_PassesTokens(t *testing.T) {
	repo := new(MockFallbackRepo)
	uc, _ := newTestFallbackSync(t, repo, nil)
	ctx := context.Background()

	want := pendingRecords(2)
	repo.On("SearchFallbackRecords", ctx, "u1", []string{"tokyo", "trip"}, 5).Return(want, nil)

	got, err := uc.SearchFallback(ctx, "u1", "Tokyo trip", 5)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	repo.AssertExpectations(t)
}

func TestSyncPending_SkipsWhileBreakerOpen(t *testing.T) {
	repo := new(MockFallbackRepo)
	uc, registry := newTestFallbackSync(t, repo, &conf.Breaker{
		Name: DependencyVectorStore, FailureThreshold: 1, ResetTimeout: time.Hour,
	})
	ctx := context.Background()

	// Trip the breaker.
	b, err := registry.Get(DependencyVectorStore)
	require.NoError(t, err)
	_, _ = b.Execute(ctx, failingOp, nil)
	require.Equal(t, StateOpen, b.State())

	client := &fakeVectorWriter{}
	result, err := uc.SyncPending(ctx, client)
	require.NoError(t, err)
	assert.True(t, result.Stopped)
	assert.Zero(t, result.Synced)
	assert.Empty(t, client.added, "no records are pushed at a known-down service")
	repo.AssertNotCalled(t, "ListUnsynced", mock.Anything, mock.Anything)
}

func TestSyncPending_SyncsBatchInOrder(t *testing.T) {
	repo := new(MockFallbackRepo)
	uc, _ := newTestFallbackSync(t, repo, nil)
	ctx := context.Background()

	batch := pendingRecords(3)
	repo.On("ListUnsynced", ctx, 50).Return(batch, nil)
	for _, rec := range batch {
		repo.On("MarkSynced", ctx, rec.ID).Return(nil)
	}
	repo.On("CountUnsynced", ctx).Return(int64(0), nil).Maybe()

	client := &fakeVectorWriter{}
	result, err := uc.SyncPending(ctx, client)
	require.NoError(t, err)

	assert.Equal(t, 3, result.Synced)
	assert.Zero(t, result.Failed)
	assert.False(t, result.Stopped)
	assert.Equal(t, []string{"memory-a", "memory-b", "memory-c"}, client.added, "records sync oldest first")
	repo.AssertExpectations(t)
}

func TestSyncPending_CollectsPerRecordFailures(t *testing.T) {
	repo := new(MockFallbackRepo)
	uc, _ := newTestFallbackSync(t, repo, nil)
	ctx := context.Background()

	batch := pendingRecords(3)
	repo.On("ListUnsynced", ctx, 50).Return(batch, nil)
	repo.On("MarkSynced", ctx, int64(1)).Return(nil)
	repo.On("MarkSynced", ctx, int64(3)).Return(nil)

	client := &fakeVectorWriter{failOn: map[string]error{
		"memory-b": errors.New("payload rejected"),
	}}
	result, err := uc.SyncPending(ctx, client)
	require.NoError(t, err)

	assert.Equal(t, 2, result.Synced)
	assert.Equal(t, 1, result.Failed)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "record 2")
	assert.False(t, result.Stopped, "one bad record does not abort the run")
	repo.AssertExpectations(t)
}

func TestSyncPending_StopsWhenBreakerReopensMidBatch(t *testing.T) {
	repo := new(MockFallbackRepo)
	// Threshold 1: the first push failure reopens the breaker.
	uc, _ := newTestFallbackSync(t, repo, &conf.Breaker{
		Name: DependencyVectorStore, FailureThreshold: 1, ResetTimeout: time.Hour,
	})
	ctx := context.Background()

	batch := pendingRecords(5)
	repo.On("ListUnsynced", ctx, 50).Return(batch, nil)
	repo.On("MarkSynced", ctx, int64(1)).Return(nil)

	client := &fakeVectorWriter{failOn: map[string]error{
		"memory-b": errors.New("connection refused"),
	}}
	result, err := uc.SyncPending(ctx, client)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Synced)
	assert.Equal(t, 1, result.Failed)
	assert.True(t, result.Stopped, "a mid-batch reopen halts the run")
	assert.Equal(t, []string{"memory-a"}, client.added)
	repo.AssertNotCalled(t, "MarkSynced", mock.Anything, int64(3))
}

func TestSyncPending_RejectsOverlappingRuns(t *testing.T) {
	repo := new(MockFallbackRepo)
	uc, _ := newTestFallbackSync(t, repo, nil)
	ctx := context.Background()

	uc.running.Store(true)
	defer uc.running.Store(false)

	result, err := uc.SyncPending(ctx, &fakeVectorWriter{})
	require.NoError(t, err)
	assert.True(t, result.Stopped)
	repo.AssertNotCalled(t, "ListUnsynced", mock.Anything, mock.Anything)
}

func TestPendingCount(t *testing.T) {
	repo := new(MockFallbackRepo)
	uc, _ := newTestFallbackSync(t, repo, nil)
	ctx := context.Background()

	repo.On("CountUnsynced", ctx).Return(int64(12), nil)
	count, err := uc.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(12), count)
}

package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"CreditLane/internal/biz"
	"CreditLane/internal/conf"
	"CreditLane/internal/model"
	"CreditLane/internal/server/middleware"

	"github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProvider struct {
	reply string
	cost  int64
	fail  bool
}

func (p *stubProvider) Complete(ctx context.Context, userID, prompt string) (string, error) {
	if p.fail {
		return "", fmt.Errorf("provider unavailable")
	}
	return p.reply, nil
}

func (p *stubProvider) EstimateCost(prompt string) int64 {
	return p.cost
}

type nopTxRepo struct{}

func (nopTxRepo) Append(tx *model.CreditTransaction) {}

func newTestRegistry(t *testing.T) *biz.BreakerRegistry {
	t.Helper()
	return biz.NewBreakerRegistry([]*conf.Breaker{
		{Name: biz.DependencyModelProvider, FailureThreshold: 3, ResetTimeout: time.Second},
		{Name: biz.DependencyVectorStore, FailureThreshold: 3, ResetTimeout: time.Second},
	}, nil, nil, nil, log.DefaultLogger)
}

func newTestLedger(t *testing.T) *biz.CreditLedgerUseCase {
	t.Helper()
	return biz.NewCreditLedgerUseCase(&conf.Credit{ReservationTTL: time.Minute}, nopTxRepo{}, log.DefaultLogger)
}

func authedContext(userID string) context.Context {
	return middleware.WithIdentity(context.Background(), &middleware.Identity{
		Key:    userID,
		UserID: userID,
		Tier:   "free",
	})
}

func TestChat_CommitsOnSuccess(t *testing.T) {
	ledger := newTestLedger(t)
	_, err := ledger.AddCredits(context.Background(), "u1", 100, "test")
	require.NoError(t, err)

	svc := NewChatService(newTestRegistry(t), ledger, &stubProvider{reply: "hello", cost: 5}, log.DefaultLogger)

	resp, err := svc.Complete(authedContext("u1"), &ChatRequest{Prompt: "hi there"})
	require.NoError(t, err)

	assert.Equal(t, "hello", resp.Reply)
	assert.Equal(t, int64(5), resp.CreditsCharged)
	assert.Equal(t, int64(95), resp.Available)
	assert.NotEmpty(t, resp.OperationID)

	balance := ledger.GetBalance("u1")
	assert.Equal(t, int64(95), balance.Total)
	assert.Equal(t, int64(0), balance.Reserved)
	assert.Equal(t, 0, ledger.ReservationCount())
}

func TestChat_ReleasesOnProviderFailure(t *testing.T) {
	ledger := newTestLedger(t)
	_, err := ledger.AddCredits(context.Background(), "u1", 100, "test")
	require.NoError(t, err)

	svc := NewChatService(newTestRegistry(t), ledger, &stubProvider{cost: 5, fail: true}, log.DefaultLogger)

	_, err = svc.Complete(authedContext("u1"), &ChatRequest{Prompt: "hi there"})
	require.Error(t, err)

	// The reservation must be gone and the balance untouched.
	balance := ledger.GetBalance("u1")
	assert.Equal(t, int64(100), balance.Total)
	assert.Equal(t, int64(0), balance.Reserved)
	assert.Equal(t, 0, ledger.ReservationCount())
}

func TestChat_InsufficientCredits(t *testing.T) {
	ledger := newTestLedger(t)
	_, err := ledger.AddCredits(context.Background(), "u1", 2, "test")
	require.NoError(t, err)

	svc := NewChatService(newTestRegistry(t), ledger, &stubProvider{reply: "x", cost: 5}, log.DefaultLogger)

	_, err = svc.Complete(authedContext("u1"), &ChatRequest{Prompt: "hi there"})
	assert.True(t, errors.Is(err, biz.ErrInsufficientCredits))
}

func TestChat_RequiresAuthentication(t *testing.T) {
	svc := NewChatService(newTestRegistry(t), newTestLedger(t), &stubProvider{reply: "x", cost: 1}, log.DefaultLogger)

	_, err := svc.Complete(context.Background(), &ChatRequest{Prompt: "hi"})
	require.Error(t, err)
	assert.Equal(t, int32(401), errors.FromError(err).Code)
}

func TestChat_RejectsEmptyPrompt(t *testing.T) {
	ledger := newTestLedger(t)
	svc := NewChatService(newTestRegistry(t), ledger, &stubProvider{reply: "x", cost: 1}, log.DefaultLogger)

	_, err := svc.Complete(authedContext("u1"), &ChatRequest{Prompt: "   "})
	require.Error(t, err)
	assert.Equal(t, int32(400), errors.FromError(err).Code)
	assert.Equal(t, 0, ledger.ReservationCount())
}

func TestChat_OpenBreakerNeverCharges(t *testing.T) {
	ledger := newTestLedger(t)
	_, err := ledger.AddCredits(context.Background(), "u1", 100, "test")
	require.NoError(t, err)

	registry := newTestRegistry(t)
	failing := NewChatService(registry, ledger, &stubProvider{cost: 5, fail: true}, log.DefaultLogger)
	for i := 0; i < 3; i++ {
		_, _ = failing.Complete(authedContext("u1"), &ChatRequest{Prompt: "hi there"})
	}
	breaker, err := registry.Get(biz.DependencyModelProvider)
	require.NoError(t, err)
	_, state, _ := breaker.GetState()
	require.Equal(t, biz.StateOpen, state)

	// While OPEN the provider is never invoked and the reservation is
	// released, so repeated calls cannot leak holds.
	_, err = failing.Complete(authedContext("u1"), &ChatRequest{Prompt: "hi there"})
	require.Error(t, err)
	assert.True(t, biz.IsBreakerRejection(err))

	balance := ledger.GetBalance("u1")
	assert.Equal(t, int64(100), balance.Total)
	assert.Equal(t, int64(0), balance.Reserved)
}

func TestChat_IdempotentOperationID(t *testing.T) {
	ledger := newTestLedger(t)
	_, err := ledger.AddCredits(context.Background(), "u1", 100, "test")
	require.NoError(t, err)

	// Hold a live reservation for op-1, then try the same operation again.
	_, err = ledger.Reserve(context.Background(), "u1", 5, "op-1")
	require.NoError(t, err)

	svc := NewChatService(newTestRegistry(t), ledger, &stubProvider{reply: "x", cost: 5}, log.DefaultLogger)
	_, err = svc.Complete(authedContext("u1"), &ChatRequest{Prompt: "hi", OperationID: "op-1"})
	assert.True(t, errors.Is(err, biz.ErrAlreadyReserved))
}

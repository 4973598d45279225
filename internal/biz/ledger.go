package biz

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"CreditLane/internal/conf"
	"CreditLane/internal/model"
	"CreditLane/pkg/keylock"

	"github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
)

// Ledger failure values. These are returned, not panicked, so the common
// "can't afford this" path stays cheap for callers; compare with
// errors.Is.
var (
	ErrInsufficientCredits = errors.New(402, "INSUFFICIENT_CREDITS", "insufficient credits for reservation")
	ErrAlreadyReserved     = errors.New(409, "ALREADY_RESERVED", "a live reservation already exists for this operation")
	ErrReservationNotFound = errors.New(404, "RESERVATION_NOT_FOUND", "reservation does not exist")
	ErrReservationExpired  = errors.New(410, "RESERVATION_EXPIRED", "reservation has expired")
	ErrInvalidAmount       = errors.New(400, "INVALID_AMOUNT", "amount must be positive")
)

// TransactionRepo appends ledger audit entries. Implementations must not
// block the caller; the append happens inside the per-user critical
// section.
type TransactionRepo interface {
	Append(tx *model.CreditTransaction)
}

// CreditBalance is one user's funds. available = Total - Reserved and
// must never be negative.
type CreditBalance struct {
	Total    int64 `json:"total"`
	Reserved int64 `json:"reserved"`
}

// Available returns the spendable portion of the balance.
func (b CreditBalance) Available() int64 {
	return b.Total - b.Reserved
}

// Reservation is a provisional hold on funds pending commit or release.
type Reservation struct {
	ID          string
	UserID      string
	Amount      int64
	OperationID string
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// ReserveResult is the successful outcome of a reserve.
type ReserveResult struct {
	ReservationID string `json:"reservation_id"`
	Available     int64  `json:"available"`
}

// CreditLedgerUseCase implements the three-phase reserve/commit/release
// discipline. Balances and reservations are authoritative in memory;
// every operation appends to the durable transaction trail. Operations
// on the same user are serialized by a keyed lock held from the balance
// read through the mutation and audit append; different users proceed
// fully in parallel.
type CreditLedgerUseCase struct {
	locks *keylock.KeyLock

	// mu guards the maps themselves. The keyed lock guards the logical
	// read-modify-write span per user.
	mu           sync.Mutex
	balances     map[string]*CreditBalance
	reservations map[string]*Reservation
	// byOp indexes live reservations by userID+"|"+operationID for the
	// idempotency check.
	byOp map[string]string

	issuedTotal int64

	ttl    time.Duration
	repo   TransactionRepo
	logger *log.Helper

	// now is swappable for tests.
	now func() time.Time
}

// NewCreditLedgerUseCase creates an empty ledger.
func NewCreditLedgerUseCase(c *conf.Credit, repo TransactionRepo, logger log.Logger) *CreditLedgerUseCase {
	ttl := 5 * time.Minute
	if c != nil && c.ReservationTTL > 0 {
		ttl = c.ReservationTTL
	}
	return &CreditLedgerUseCase{
		locks:        keylock.New(),
		balances:     make(map[string]*CreditBalance),
		reservations: make(map[string]*Reservation),
		byOp:         make(map[string]string),
		ttl:          ttl,
		repo:         repo,
		logger:       log.NewHelper(logger),
		now:          time.Now,
	}
}

// Reserve places a hold of amount on userID's balance. operationID is
// the caller's idempotency key: a retry that races or repeats an earlier
// reserve fails as already-reserved instead of charging twice.
func (uc *CreditLedgerUseCase) Reserve(ctx context.Context, userID string, amount int64, operationID string) (*ReserveResult, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	var result *ReserveResult
	err := uc.locks.WithLock(ctx, userKey(userID), func() error {
		uc.mu.Lock()
		defer uc.mu.Unlock()

		now := uc.now()
		opKey := userID + "|" + operationID
		if resID, ok := uc.byOp[opKey]; ok {
			if res, live := uc.reservations[resID]; live && now.Before(res.ExpiresAt) {
				return ErrAlreadyReserved
			}
			// Stale index entry for an expired reservation; the sweep
			// will reclaim the funds, but the index must not block a
			// fresh reserve forever.
			delete(uc.byOp, opKey)
		}

		bal := uc.balanceLocked(userID)
		if bal.Available() < amount {
			return ErrInsufficientCredits
		}

		res := &Reservation{
			ID:          newReservationID(now),
			UserID:      userID,
			Amount:      amount,
			OperationID: operationID,
			CreatedAt:   now,
			ExpiresAt:   now.Add(uc.ttl),
		}
		bal.Reserved += amount
		uc.reservations[res.ID] = res
		uc.byOp[opKey] = res.ID

		uc.repo.Append(&model.CreditTransaction{
			Type:          model.TxReserve,
			UserID:        userID,
			Amount:        amount,
			ReservationID: res.ID,
			OperationID:   operationID,
			CreatedAt:     now,
		})

		result = &ReserveResult{ReservationID: res.ID, Available: bal.Available()}
		return nil
	})
	if err != nil {
		return nil, err
	}

	uc.logger.Debugw("msg", "credits reserved",
		"user_id", userID,
		"amount", amount,
		"reservation_id", result.ReservationID,
		"available", result.Available)
	return result, nil
}

// Commit finalizes a reservation's spend: both total and reserved drop
// by the held amount. Committing an expired reservation deletes it,
// returns the funds, and fails as expired.
func (uc *CreditLedgerUseCase) Commit(ctx context.Context, reservationID string) (int64, error) {
	res, ok := uc.lookupReservation(reservationID)
	if !ok {
		return 0, ErrReservationNotFound
	}

	var available int64
	err := uc.locks.WithLock(ctx, userKey(res.UserID), func() error {
		uc.mu.Lock()
		defer uc.mu.Unlock()

		res, ok := uc.reservations[reservationID]
		if !ok {
			return ErrReservationNotFound
		}

		now := uc.now()
		bal := uc.balanceLocked(res.UserID)

		if !now.Before(res.ExpiresAt) {
			uc.dropReservationLocked(res)
			bal.Reserved -= res.Amount
			uc.repo.Append(&model.CreditTransaction{
				Type:          model.TxRelease,
				UserID:        res.UserID,
				Amount:        res.Amount,
				ReservationID: res.ID,
				OperationID:   res.OperationID,
				Source:        "expired",
				CreatedAt:     now,
			})
			return ErrReservationExpired
		}

		bal.Total -= res.Amount
		bal.Reserved -= res.Amount
		uc.dropReservationLocked(res)

		uc.repo.Append(&model.CreditTransaction{
			Type:          model.TxCommit,
			UserID:        res.UserID,
			Amount:        res.Amount,
			ReservationID: res.ID,
			OperationID:   res.OperationID,
			CreatedAt:     now,
		})

		available = bal.Available()
		return nil
	})
	if err != nil {
		return 0, err
	}

	uc.logger.Debugw("msg", "reservation committed",
		"user_id", res.UserID,
		"reservation_id", reservationID,
		"amount", res.Amount,
		"available", available)
	return available, nil
}

// Release returns a reservation's hold to the available balance without
// spending. Releasing an unknown reservation returns not-found rather
// than panicking; double release is expected under retry and crash
// recovery.
func (uc *CreditLedgerUseCase) Release(ctx context.Context, reservationID string) error {
	res, ok := uc.lookupReservation(reservationID)
	if !ok {
		return ErrReservationNotFound
	}

	err := uc.locks.WithLock(ctx, userKey(res.UserID), func() error {
		uc.mu.Lock()
		defer uc.mu.Unlock()

		res, ok := uc.reservations[reservationID]
		if !ok {
			return ErrReservationNotFound
		}

		bal := uc.balanceLocked(res.UserID)
		bal.Reserved -= res.Amount
		uc.dropReservationLocked(res)

		uc.repo.Append(&model.CreditTransaction{
			Type:          model.TxRelease,
			UserID:        res.UserID,
			Amount:        res.Amount,
			ReservationID: res.ID,
			OperationID:   res.OperationID,
			CreatedAt:     uc.now(),
		})
		return nil
	})
	if err != nil {
		return err
	}

	uc.logger.Debugw("msg", "reservation released",
		"user_id", res.UserID,
		"reservation_id", reservationID,
		"amount", res.Amount)
	return nil
}

// AddCredits grants amount to userID, recording where the credits came
// from (purchase, promo, admin). It returns the spendable balance after
// the grant, net of outstanding reservations, same as Commit.
func (uc *CreditLedgerUseCase) AddCredits(ctx context.Context, userID string, amount int64, source string) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}

	var available int64
	err := uc.locks.WithLock(ctx, userKey(userID), func() error {
		uc.mu.Lock()
		defer uc.mu.Unlock()

		bal := uc.balanceLocked(userID)
		bal.Total += amount
		uc.issuedTotal += amount
		available = bal.Available()

		uc.repo.Append(&model.CreditTransaction{
			Type:      model.TxAdd,
			UserID:    userID,
			Amount:    amount,
			Source:    source,
			CreatedAt: uc.now(),
		})
		return nil
	})
	if err != nil {
		return 0, err
	}

	uc.logger.Infow("msg", "credits added",
		"user_id", userID,
		"amount", amount,
		"source", source,
		"available", available)
	return available, nil
}

// GetBalance returns a copy of userID's balance.
func (uc *CreditLedgerUseCase) GetBalance(userID string) CreditBalance {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	if bal, ok := uc.balances[userID]; ok {
		return *bal
	}
	return CreditBalance{}
}

// IssuedTotal reports how many credits this process has granted, for the
// health endpoint.
func (uc *CreditLedgerUseCase) IssuedTotal() int64 {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	return uc.issuedTotal
}

// CleanupExpired releases every reservation past its TTL and returns the
// count reclaimed. This is the safety net for callers that crash between
// reserve and commit.
func (uc *CreditLedgerUseCase) CleanupExpired(ctx context.Context) (int, error) {
	uc.mu.Lock()
	now := uc.now()
	var expired []string
	for id, res := range uc.reservations {
		if !now.Before(res.ExpiresAt) {
			expired = append(expired, id)
		}
	}
	uc.mu.Unlock()

	reclaimed := 0
	for _, id := range expired {
		switch err := uc.Release(ctx, id); {
		case err == nil:
			reclaimed++
		case errors.Is(err, ErrReservationNotFound):
			// Raced with a commit or release, nothing left to reclaim.
		default:
			return reclaimed, err
		}
	}

	if reclaimed > 0 {
		uc.logger.Infow("msg", "expired reservations reclaimed", "count", reclaimed)
	}
	return reclaimed, nil
}

// ReservationCount reports how many reservations are live.
func (uc *CreditLedgerUseCase) ReservationCount() int {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	return len(uc.reservations)
}

// balanceLocked returns the balance for userID, creating it on first
// touch. Caller holds uc.mu.
func (uc *CreditLedgerUseCase) balanceLocked(userID string) *CreditBalance {
	bal, ok := uc.balances[userID]
	if !ok {
		bal = &CreditBalance{}
		uc.balances[userID] = bal
	}
	return bal
}

// dropReservationLocked removes a reservation and its idempotency index
// entry. The index is only cleared when it still points at this
// reservation; an expired hold must not unlink a fresh retry that reused
// the operation id. Caller holds uc.mu.
func (uc *CreditLedgerUseCase) dropReservationLocked(res *Reservation) {
	delete(uc.reservations, res.ID)
	opKey := res.UserID + "|" + res.OperationID
	if uc.byOp[opKey] == res.ID {
		delete(uc.byOp, opKey)
	}
}

// lookupReservation copies a reservation so its user key can be locked
// before the authoritative re-check inside the critical section.
func (uc *CreditLedgerUseCase) lookupReservation(id string) (Reservation, bool) {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	res, ok := uc.reservations[id]
	if !ok {
		return Reservation{}, false
	}
	return *res, true
}

func userKey(userID string) string {
	return "ledger:" + userID
}

var reservationSeq atomic.Uint64

// newReservationID builds a unique id from the creation time and a
// process-wide sequence number.
func newReservationID(now time.Time) string {
	return fmt.Sprintf("res_%d_%d", now.UnixNano(), reservationSeq.Add(1))
}

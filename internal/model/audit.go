package model

import "time"

// Audit event type constants
const (
	AuditEventBreakerOpened    = "BREAKER_OPENED"
	AuditEventBreakerRecovered = "BREAKER_RECOVERED"
	AuditEventBreakerReset     = "BREAKER_RESET"
)

// Ledger transaction type constants
const (
	TxReserve = "reserve"
	TxCommit  = "commit"
	TxRelease = "release"
	TxAdd     = "add"
)

// CreditTransaction is one append-only ledger audit entry. Entries are
// never mutated after creation.
type CreditTransaction struct {
	Type          string
	UserID        string
	Amount        int64
	ReservationID string
	OperationID   string
	Source        string
	CreatedAt     time.Time
}

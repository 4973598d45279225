package data

import (
	"context"
	"time"

	"CreditLane/internal/model"

	"github.com/go-kratos/kratos/v2/log"
	"gorm.io/gorm"
)

// CreditTransactionRow is the GORM model for the credit_transactions
// table. Rows are append-only and never mutated.
type CreditTransactionRow struct {
	ID            int64     `gorm:"primaryKey;column:id"`
	TxType        string    `gorm:"column:tx_type;type:varchar(20);not null;index"`
	UserID        string    `gorm:"column:user_id;type:varchar(64);not null;index"`
	Amount        int64     `gorm:"column:amount;not null"`
	ReservationID string    `gorm:"column:reservation_id;type:varchar(64)"`
	OperationID   string    `gorm:"column:operation_id;type:varchar(128)"`
	Source        string    `gorm:"column:source;type:varchar(50)"`
	CreatedAt     time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName specifies the table name for GORM
func (CreditTransactionRow) TableName() string {
	return "credit_transactions"
}

// TransactionLog implements biz.TransactionRepo. Appends are queued on
// a buffered channel and written by a background goroutine, so the
// ledger's critical sections never wait on MySQL.
type TransactionLog struct {
	db      *gorm.DB
	logChan chan *CreditTransactionRow
	logger  *log.Helper
}

// NewTransactionLog creates a new transaction log with async channel
func NewTransactionLog(db *gorm.DB, logger log.Logger) *TransactionLog {
	tl := &TransactionLog{
		db:      db,
		logChan: make(chan *CreditTransactionRow, 1000), // Buffer size 1000 to prevent blocking
		logger:  log.NewHelper(logger),
	}

	// Start background goroutine for async logging
	go tl.start()

	return tl
}

// start drains queued transactions into MySQL.
func (t *TransactionLog) start() {
	for row := range t.logChan {
		ctx := context.Background()
		if err := t.db.WithContext(ctx).Create(row).Error; err != nil {
			t.logger.Errorw("failed to write credit transaction",
				"user_id", row.UserID,
				"tx_type", row.TxType,
				"error", err)
		} else {
			t.logger.Debugw("credit transaction written",
				"user_id", row.UserID,
				"tx_type", row.TxType,
				"amount", row.Amount)
		}
	}
}

// Append queues one ledger audit entry without blocking the caller.
func (t *TransactionLog) Append(tx *model.CreditTransaction) {
	row := &CreditTransactionRow{
		TxType:        tx.Type,
		UserID:        tx.UserID,
		Amount:        tx.Amount,
		ReservationID: tx.ReservationID,
		OperationID:   tx.OperationID,
		Source:        tx.Source,
		CreatedAt:     tx.CreatedAt,
	}

	// Send to channel (non-blocking)
	select {
	case t.logChan <- row:
		// Successfully queued
	default:
		t.logger.Warnw("transaction log channel full, dropping entry",
			"user_id", tx.UserID,
			"tx_type", tx.Type)
	}
}

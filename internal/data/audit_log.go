package data

import (
	"context"
	"encoding/json"
	"time"

	"CreditLane/internal/model"

	"github.com/go-kratos/kratos/v2/log"
	"gorm.io/gorm"
)

// AuditLog is the GORM model for breaker_audit_logs table
type AuditLog struct {
	ID         int64     `gorm:"primaryKey;column:id"`
	Dependency string    `gorm:"column:dependency;type:varchar(50);not null;index"`
	ActionType string    `gorm:"column:action_type;type:varchar(50);not null"`
	Details    string    `gorm:"column:details;type:json"`                // JSON string
	Operator   string    `gorm:"column:operator;type:varchar(64)"`       // empty = system
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName specifies the table name for GORM
func (AuditLog) TableName() string {
	return "breaker_audit_logs"
}

// AuditLoggerImpl implements biz.AuditLogger interface
type AuditLoggerImpl struct {
	db      *gorm.DB
	logChan chan *AuditLog
	logger  *log.Helper
}

// NewAuditLogger creates a new audit logger with async channel
func NewAuditLogger(db *gorm.DB, logger log.Logger) *AuditLoggerImpl {
	al := &AuditLoggerImpl{
		db:      db,
		logChan: make(chan *AuditLog, 1000), // Buffer size 1000 to prevent blocking
		logger:  log.NewHelper(logger),
	}

	// Start background goroutine for async logging
	go al.start()

	return al
}

// start processes audit log events from channel
func (a *AuditLoggerImpl) start() {
	for event := range a.logChan {
		ctx := context.Background()
		if err := a.db.WithContext(ctx).Create(event).Error; err != nil {
			a.logger.Errorw("failed to write audit log",
				"dependency", event.Dependency,
				"action_type", event.ActionType,
				"error", err)
		} else {
			a.logger.Debugw("audit log written",
				"dependency", event.Dependency,
				"action_type", event.ActionType)
		}
	}
}

// enqueue marshals details and queues one event (non-blocking).
func (a *AuditLoggerImpl) enqueue(dependency, actionType, operator string, details map[string]interface{}) {
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		a.logger.Errorw("failed to marshal audit log details", "error", err)
		return
	}

	event := &AuditLog{
		Dependency: dependency,
		ActionType: actionType,
		Details:    string(detailsJSON),
		Operator:   operator,
	}

	select {
	case a.logChan <- event:
		// Successfully queued
	default:
		a.logger.Warnw("audit log channel full, dropping event",
			"dependency", dependency,
			"action_type", actionType)
	}
}

// LogBreakerOpened logs a breaker tripping open
func (a *AuditLoggerImpl) LogBreakerOpened(ctx context.Context, dependency string, consecutiveFailures int, openedAt time.Time) {
	a.enqueue(dependency, model.AuditEventBreakerOpened, "", map[string]interface{}{
		"consecutive_failures": consecutiveFailures,
		"opened_at":            openedAt.Format(time.RFC3339),
	})
}

// LogBreakerRecovered logs a breaker closing after a successful probe
func (a *AuditLoggerImpl) LogBreakerRecovered(ctx context.Context, dependency string, openFor time.Duration) {
	a.enqueue(dependency, model.AuditEventBreakerRecovered, "", map[string]interface{}{
		"open_seconds": openFor.Seconds(),
	})
}

// LogBreakerReset logs a manual operator reset
func (a *AuditLoggerImpl) LogBreakerReset(ctx context.Context, dependency string, operator string) {
	a.enqueue(dependency, model.AuditEventBreakerReset, operator, map[string]interface{}{
		"forced_state": "CLOSED",
	})
}

package model

import "time"

// BreakerOpenedEvent represents a circuit breaker tripping open
type BreakerOpenedEvent struct {
	Dependency          string
	ConsecutiveFailures int
	OpenedAt            time.Time
}

// BreakerRecoveredEvent represents a circuit breaker closing after a
// successful half-open probe
type BreakerRecoveredEvent struct {
	Dependency   string
	OpenDuration time.Duration
	RecoveredAt  time.Time
}

// BreakerSnapshot is the read-only view of one breaker exposed to the
// health endpoint.
type BreakerSnapshot struct {
	Dependency          string    `json:"dependency"`
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	ActiveConcurrent    int       `json:"active_concurrent"`
	TotalRequests       int64     `json:"total_requests"`
	SuccessCount        int64     `json:"success_count"`
	FailureCount        int64     `json:"failure_count"`
	RejectedCount       int64     `json:"rejected_count"`
	AvgLatencyMs        float64   `json:"avg_latency_ms"`
	StateChanges        int64     `json:"state_changes"`
	LastFailureTime     time.Time `json:"last_failure_time,omitempty"`
	LastSuccessTime     time.Time `json:"last_success_time,omitempty"`
}

// FallbackRecord is one degraded-mode write held in the durable store
// until reconciliation pushes it to the vector store.
type FallbackRecord struct {
	ID         int64
	UserID     string
	Content    string
	Sector     string
	Confidence float64
	Source     string
	Tags       []string
	Synced     bool
	CreatedAt  time.Time
}

// SyncResult summarizes one reconciliation run.
type SyncResult struct {
	Synced  int      `json:"synced"`
	Failed  int      `json:"failed"`
	Errors  []string `json:"errors,omitempty"`
	Stopped bool     `json:"stopped,omitempty"`
}

package biz

import (
	"context"
	"fmt"
	"sync"
	"time"

	"CreditLane/internal/model"

	"github.com/go-kratos/kratos/v2/errors"
)

// BreakerState is the admission state of a circuit breaker.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

// String returns the canonical state name.
func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Breaker rejection reasons, carried as Kratos error reasons so the
// transport layer maps them to status codes without type switches.
const (
	ReasonCircuitOpen          = "CIRCUIT_OPEN"
	ReasonBulkheadFull         = "BULKHEAD_FULL"
	ReasonProbeInProgress      = "HALF_OPEN_PROBE_IN_PROGRESS"
	ReasonOperationTimeout     = "OPERATION_TIMEOUT"
	ReasonBreakerNotConfigured = "BREAKER_NOT_CONFIGURED"
)

func newCircuitOpenError(name string, retryAfter time.Duration) error {
	return errors.New(503, ReasonCircuitOpen,
		fmt.Sprintf("circuit open for dependency %q, retry in %s", name, retryAfter.Round(time.Millisecond)))
}

func newBulkheadFullError(name string, limit int) error {
	return errors.New(503, ReasonBulkheadFull,
		fmt.Sprintf("bulkhead full for dependency %q: %d calls in flight", name, limit))
}

func newProbeInProgressError(name string) error {
	return errors.New(503, ReasonProbeInProgress,
		fmt.Sprintf("half-open probe already in flight for dependency %q", name))
}

func newOperationTimeoutError(name string, timeout time.Duration) error {
	return errors.New(504, ReasonOperationTimeout,
		fmt.Sprintf("operation against dependency %q timed out after %s", name, timeout))
}

// IsBreakerRejection reports whether err is a fail-fast rejection from a
// breaker (as opposed to the guarded operation's own error). Callers use
// this to decide whether the operation ever ran.
func IsBreakerRejection(err error) bool {
	switch errors.Reason(err) {
	case ReasonCircuitOpen, ReasonBulkheadFull, ReasonProbeInProgress:
		return true
	}
	return false
}

// Operation is a guarded call against an external dependency.
type Operation func(ctx context.Context) (interface{}, error)

// Fallback is invoked with the cause when the breaker rejects or the
// operation fails, giving the caller a degraded-mode answer instead of
// the error.
type Fallback func(ctx context.Context, cause error) (interface{}, error)

// BreakerConfig configures one CircuitBreaker instance.
type BreakerConfig struct {
	Name             string
	FailureThreshold int
	ResetTimeout     time.Duration
	// MaxConcurrent caps in-flight calls. Zero means unlimited.
	MaxConcurrent int
	// OnStateChange is invoked after every state transition, outside the
	// breaker's critical section.
	OnStateChange func(name string, from, to BreakerState)
	// OnReject is invoked on every fail-fast rejection with the reason.
	OnReject func(name, reason string)
}

// CircuitBreaker guards calls against one external dependency. Admission
// (bulkhead, OPEN fast-fail, single half-open probe) and the matching
// counter mutations happen inside one mutex-held critical section, so two
// interleaved calls can never both pass the probe gate or both take the
// last bulkhead slot. The guarded operation itself runs outside the lock.
type CircuitBreaker struct {
	cfg BreakerConfig

	mu                  sync.Mutex
	state               BreakerState
	consecutiveFailures int
	lastFailureTime     time.Time
	lastSuccessTime     time.Time
	openedAt            time.Time
	activeConcurrent    int
	probeInFlight       bool

	totalRequests int64
	successCount  int64
	failureCount  int64
	rejectedCount int64
	totalLatency  time.Duration
	stateChanges  int64

	// now is swappable for tests.
	now func() time.Time
}

// NewCircuitBreaker creates a breaker in the CLOSED state.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	return &CircuitBreaker{
		cfg:   cfg,
		state: StateClosed,
		now:   time.Now,
	}
}

// Name returns the guarded dependency's name.
func (b *CircuitBreaker) Name() string {
	return b.cfg.Name
}

// Execute runs op under the breaker's admission control. When the breaker
// rejects or op fails and a fallback is supplied, the fallback's result
// is returned instead of the error; otherwise the original error
// propagates so callers can tell "never ran" from "ran and failed".
func (b *CircuitBreaker) Execute(ctx context.Context, op Operation, fallback Fallback) (interface{}, error) {
	isProbe, rejectErr, transition := b.admit()
	if transition != nil {
		b.fireStateChange(transition.from, transition.to)
	}
	if rejectErr != nil {
		if b.cfg.OnReject != nil {
			b.cfg.OnReject(b.cfg.Name, errors.Reason(rejectErr))
		}
		if fallback != nil {
			return fallback(ctx, rejectErr)
		}
		return nil, rejectErr
	}

	start := b.now()
	result, err := op(ctx)
	latency := b.now().Sub(start)

	transition = b.settle(isProbe, err, latency)
	if transition != nil {
		b.fireStateChange(transition.from, transition.to)
	}

	if err != nil {
		if fallback != nil {
			return fallback(ctx, err)
		}
		return nil, err
	}
	return result, nil
}

// ExecuteWithTimeout races op against a timer. When the timer wins, the
// caller gets a timeout error (counted as a failure) while the losing
// branch keeps running in the background until op returns on its own.
// Cancellation is best effort: the context is cancelled, but
// non-cooperative I/O is not forcibly aborted.
func (b *CircuitBreaker) ExecuteWithTimeout(ctx context.Context, timeout time.Duration, op Operation, fallback Fallback) (interface{}, error) {
	timed := func(ctx context.Context) (interface{}, error) {
		opCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		type outcome struct {
			result interface{}
			err    error
		}
		done := make(chan outcome, 1)
		go func() {
			result, err := op(opCtx)
			done <- outcome{result, err}
		}()

		timer := time.NewTimer(timeout)
		defer timer.Stop()

		select {
		case out := <-done:
			return out.result, out.err
		case <-timer.C:
			return nil, newOperationTimeoutError(b.cfg.Name, timeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return b.Execute(ctx, timed, fallback)
}

type stateTransition struct {
	from, to BreakerState
}

// admit performs the admission decision and the matching counter
// mutations atomically. It returns whether the admitted call is the
// half-open probe, a rejection error, and any state transition to report.
func (b *CircuitBreaker) admit() (isProbe bool, rejectErr error, transition *stateTransition) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalRequests++

	if b.cfg.MaxConcurrent > 0 && b.activeConcurrent >= b.cfg.MaxConcurrent {
		b.rejectedCount++
		return false, newBulkheadFullError(b.cfg.Name, b.cfg.MaxConcurrent), nil
	}

	switch b.state {
	case StateOpen:
		elapsed := b.now().Sub(b.lastFailureTime)
		if elapsed <= b.cfg.ResetTimeout {
			b.rejectedCount++
			return false, newCircuitOpenError(b.cfg.Name, b.cfg.ResetTimeout-elapsed), nil
		}
		// Cooldown elapsed, this call becomes the single probe.
		transition = b.transitionLocked(StateHalfOpen)
		b.probeInFlight = true
		isProbe = true
	case StateHalfOpen:
		if b.probeInFlight {
			b.rejectedCount++
			return false, newProbeInProgressError(b.cfg.Name), transition
		}
		b.probeInFlight = true
		isProbe = true
	}

	b.activeConcurrent++
	return isProbe, nil, transition
}

// settle records the outcome of an admitted call.
func (b *CircuitBreaker) settle(isProbe bool, err error, latency time.Duration) *stateTransition {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.activeConcurrent--
	b.totalLatency += latency
	if isProbe {
		b.probeInFlight = false
	}

	if err == nil {
		b.successCount++
		b.consecutiveFailures = 0
		b.lastSuccessTime = b.now()
		if b.state != StateClosed {
			return b.transitionLocked(StateClosed)
		}
		return nil
	}

	b.failureCount++
	b.consecutiveFailures++
	b.lastFailureTime = b.now()

	if isProbe {
		// Probe failed, back to OPEN for another cooldown.
		return b.transitionLocked(StateOpen)
	}
	if b.state == StateClosed && b.consecutiveFailures >= b.cfg.FailureThreshold {
		return b.transitionLocked(StateOpen)
	}
	return nil
}

// transitionLocked changes state and records bookkeeping. Caller holds mu.
func (b *CircuitBreaker) transitionLocked(to BreakerState) *stateTransition {
	from := b.state
	if from == to {
		return nil
	}
	b.state = to
	b.stateChanges++
	if to == StateOpen {
		b.openedAt = b.now()
	}
	return &stateTransition{from: from, to: to}
}

func (b *CircuitBreaker) fireStateChange(from, to BreakerState) {
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, from, to)
	}
}

// State returns the current admission state.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// GetState returns the compact read-only view: name, state and the
// consecutive failure count.
func (b *CircuitBreaker) GetState() (string, BreakerState, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg.Name, b.state, b.consecutiveFailures
}

// GetDetailedState returns the full stats snapshot including the
// concurrency gauge.
func (b *CircuitBreaker) GetDetailedState() *model.BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	avgLatency := 0.0
	completed := b.successCount + b.failureCount
	if completed > 0 {
		avgLatency = float64(b.totalLatency.Milliseconds()) / float64(completed)
	}

	return &model.BreakerSnapshot{
		Dependency:          b.cfg.Name,
		State:               b.state.String(),
		ConsecutiveFailures: b.consecutiveFailures,
		ActiveConcurrent:    b.activeConcurrent,
		TotalRequests:       b.totalRequests,
		SuccessCount:        b.successCount,
		FailureCount:        b.failureCount,
		RejectedCount:       b.rejectedCount,
		AvgLatencyMs:        avgLatency,
		StateChanges:        b.stateChanges,
		LastFailureTime:     b.lastFailureTime,
		LastSuccessTime:     b.lastSuccessTime,
	}
}

// Reset forces the breaker CLOSED and clears failure counters. This is
// the operational override for when a dependency is known to be healthy
// again.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	b.consecutiveFailures = 0
	b.probeInFlight = false
	transition := b.transitionLocked(StateClosed)
	b.mu.Unlock()

	if transition != nil {
		b.fireStateChange(transition.from, transition.to)
	}
}

// Package breaker implements a three-state circuit breaker guarding calls to
// a degraded remote dependency.
package breaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// State is the circuit breaker state. Transitions follow the state machine in
// Execute only; illegal states are unrepresentable.
type State int

const (
	// StateClosed passes calls through and counts failures.
	StateClosed State = iota
	// StateOpen rejects calls immediately until the reset timeout elapses.
	StateOpen
	// StateHalfOpen admits a bounded number of probe calls.
	StateHalfOpen
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return "unknown"
}

// Errors returned by Execute without invoking the wrapped operation.
var (
	// ErrOpen is returned while the gate is open and the reset timeout has
	// not elapsed.
	ErrOpen = errors.New("circuit breaker is open")
	// ErrHalfOpenExhausted is returned while half-open once the probe budget
	// is spent.
	ErrHalfOpenExhausted = errors.New("circuit breaker half-open probe limit reached")
)

// Config holds the circuit breaker tuning knobs.
type Config struct {
	// FailureThreshold is the number of failures within the monitoring
	// period that opens the gate.
	FailureThreshold int
	// ResetTimeout is how long an open gate waits before admitting probes.
	ResetTimeout time.Duration
	// MonitoringPeriod bounds the sliding window failure counts live in.
	MonitoringPeriod time.Duration
	// HalfOpenMaxCalls is the probe budget while half-open.
	HalfOpenMaxCalls int
	// MinimumCalls is the number of calls required before the gate may open.
	MinimumCalls int
}

// DefaultConfig returns the default circuit breaker configuration.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		ResetTimeout:     60 * time.Second,
		MonitoringPeriod: 60 * time.Second,
		HalfOpenMaxCalls: 3,
		MinimumCalls:     5,
	}
}

// HealthStatus is the operator-facing view of the gate.
type HealthStatus struct {
	Healthy bool           `json:"healthy"`
	State   string         `json:"state"`
	Details map[string]any `json:"details"`
}

// FailureGate is a three-state circuit breaker. One instance guards one
// upstream dependency; all methods are safe for concurrent use.
type FailureGate struct {
	name   string
	cfg    Config
	logger *slog.Logger

	mu                sync.Mutex
	state             State
	failureCount      int
	successCount      int
	totalCalls        int
	windowStart       time.Time
	lastFailureTime   time.Time
	lastSuccessTime   time.Time
	stateChangedAt    time.Time
	halfOpenCalls     int
	halfOpenSuccesses int

	now           func() time.Time
	onStateChange func(name string, from, to State)
}

// New creates a FailureGate with the given name and configuration. Zero or
// negative config fields fall back to the defaults.
func New(name string, cfg Config, logger *slog.Logger) *FailureGate {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}
	if cfg.MonitoringPeriod <= 0 {
		cfg.MonitoringPeriod = def.MonitoringPeriod
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = def.HalfOpenMaxCalls
	}
	if cfg.MinimumCalls <= 0 {
		cfg.MinimumCalls = def.MinimumCalls
	}

	g := &FailureGate{
		name:   name,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
	g.stateChangedAt = g.now()
	g.windowStart = g.stateChangedAt
	return g
}

// OnStateChange registers a callback invoked after every state transition,
// including manual overrides. Intended for metrics wiring.
func (g *FailureGate) OnStateChange(fn func(name string, from, to State)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onStateChange = fn
}

// Execute runs op through the gate. While open it fails fast with ErrOpen;
// while half-open past the probe budget it fails fast with
// ErrHalfOpenExhausted. Otherwise op is invoked and its error, if any, is
// returned unchanged after being recorded. The gate never retries.
func (g *FailureGate) Execute(ctx context.Context, op func() error) error {
	if err := g.admit(); err != nil {
		return err
	}

	// Caller cancellation is not a dependency failure; do not count it.
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := op(); err != nil {
		g.recordFailure()
		return err
	}

	g.recordSuccess()
	return nil
}

// admit decides whether a call may proceed, applying the open -> half-open
// transition when the reset timeout has elapsed.
func (g *FailureGate) admit() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()

	switch g.state {
	case StateOpen:
		if now.Sub(g.lastFailureTime) < g.cfg.ResetTimeout {
			return ErrOpen
		}
		g.transition(StateHalfOpen, now)
	case StateHalfOpen:
		if g.halfOpenCalls >= g.cfg.HalfOpenMaxCalls {
			return ErrHalfOpenExhausted
		}
	case StateClosed:
		g.rotateWindow(now)
	}

	g.totalCalls++
	if g.state == StateHalfOpen {
		g.halfOpenCalls++
	}
	return nil
}

func (g *FailureGate) recordSuccess() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.successCount++
	g.lastSuccessTime = now

	switch g.state {
	case StateHalfOpen:
		g.halfOpenSuccesses++
		if g.halfOpenSuccesses >= g.cfg.HalfOpenMaxCalls {
			g.transition(StateClosed, now)
		}
	case StateClosed:
		// Only failures within the current monitoring period matter.
		g.failureCount = 0
	}
}

func (g *FailureGate) recordFailure() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.failureCount++
	g.lastFailureTime = now

	switch g.state {
	case StateHalfOpen:
		g.transition(StateOpen, now)
	case StateClosed:
		if g.totalCalls >= g.cfg.MinimumCalls && g.failureCount >= g.cfg.FailureThreshold {
			g.transition(StateOpen, now)
		}
	}
}

// rotateWindow resets the sliding counters once the monitoring period has
// elapsed. Callers must hold g.mu.
func (g *FailureGate) rotateWindow(now time.Time) {
	if now.Sub(g.windowStart) >= g.cfg.MonitoringPeriod {
		g.failureCount = 0
		g.successCount = 0
		g.totalCalls = 0
		g.windowStart = now
	}
}

// transition moves the gate to a new state. Callers must hold g.mu.
func (g *FailureGate) transition(to State, now time.Time) {
	from := g.state
	if from == to {
		return
	}

	g.state = to
	g.stateChangedAt = now

	switch to {
	case StateClosed:
		// Counters reset on every closed-state entry.
		g.failureCount = 0
		g.successCount = 0
		g.totalCalls = 0
		g.windowStart = now
	case StateHalfOpen:
		g.halfOpenCalls = 0
		g.halfOpenSuccesses = 0
	}

	if g.logger != nil {
		g.logger.Info("circuit breaker state change",
			"gate", g.name,
			"from", from.String(),
			"to", to.String(),
		)
	}
	if g.onStateChange != nil {
		g.onStateChange(g.name, from, to)
	}
}

// State returns the current gate state.
func (g *FailureGate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// ForceOpen moves the gate to open regardless of counters. The open state
// holds until the reset timeout elapses from now.
func (g *FailureGate) ForceOpen() {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	g.lastFailureTime = now
	g.transition(StateOpen, now)
}

// ForceClosed moves the gate to closed regardless of counters.
func (g *FailureGate) ForceClosed() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.transition(StateClosed, g.now())
}

// Reset returns the gate to closed with all counters cleared, as if freshly
// constructed.
func (g *FailureGate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.transition(StateClosed, now)
	// transition is a no-op when already closed, so clear explicitly.
	g.failureCount = 0
	g.successCount = 0
	g.totalCalls = 0
	g.halfOpenCalls = 0
	g.halfOpenSuccesses = 0
	g.windowStart = now
	g.lastFailureTime = time.Time{}
	g.lastSuccessTime = time.Time{}
}

// HealthStatus reports whether the guarded dependency is considered healthy
// along with counter details for operators.
func (g *FailureGate) HealthStatus() HealthStatus {
	g.mu.Lock()
	defer g.mu.Unlock()

	return HealthStatus{
		Healthy: g.state == StateClosed,
		State:   g.state.String(),
		Details: map[string]any{
			"gate":                g.name,
			"failure_count":       g.failureCount,
			"success_count":       g.successCount,
			"total_calls":         g.totalCalls,
			"last_failure_time":   g.lastFailureTime,
			"last_success_time":   g.lastSuccessTime,
			"state_changed_at":    g.stateChangedAt,
			"half_open_calls":     g.halfOpenCalls,
			"half_open_successes": g.halfOpenSuccesses,
		},
	}
}

// Package spawnguard provides admission control for worker spawning.
//
// Two independent gates are evaluated in order: a circuit breaker that
// opens after repeated consecutive spawn failures, and a sliding-window
// rate limiter that caps admissions over a rolling interval. Both gates
// share process-wide state so every run competes for the same admission
// budget, which protects a single shared downstream gateway.
package spawnguard

import (
	"sync"
	"time"

	"github.com/karlmjogila/swarmops-sub006/internal/errors"
	"github.com/karlmjogila/swarmops-sub006/internal/logging"
)

// Defaults for the two gates.
const (
	DefaultFailureThreshold = 5
	DefaultCooldown         = 60 * time.Second
	DefaultWindow           = 20 * time.Second
	DefaultWindowLimit      = 5
)

// State is a snapshot of the guard for observability.
type State struct {
	CircuitOpen         bool          `json:"circuit_open"`
	CircuitOpensIn      time.Duration `json:"circuit_opens_in"`
	RecentSpawnCount    int           `json:"recent_spawn_count"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
}

// Guard is the admission controller. It is thread-safe.
type Guard struct {
	mu sync.Mutex

	failureThreshold int
	cooldown         time.Duration
	window           time.Duration
	windowLimit      int

	consecutiveFailures int
	circuitOpenUntil    time.Time
	admissions          []time.Time

	now    func() time.Time
	logger *logging.Logger
}

// Option configures a Guard.
type Option func(*Guard)

// WithFailureThreshold sets how many consecutive failures open the circuit.
func WithFailureThreshold(n int) Option {
	return func(g *Guard) { g.failureThreshold = n }
}

// WithCooldown sets how long the circuit stays open.
func WithCooldown(d time.Duration) Option {
	return func(g *Guard) { g.cooldown = d }
}

// WithWindow sets the rate limiter's rolling window.
func WithWindow(d time.Duration) Option {
	return func(g *Guard) { g.window = d }
}

// WithWindowLimit sets the maximum admissions per rolling window.
func WithWindowLimit(n int) Option {
	return func(g *Guard) { g.windowLimit = n }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(g *Guard) { g.logger = logger }
}

// NewGuard creates a Guard with the default gate settings.
func NewGuard(opts ...Option) *Guard {
	g := &Guard{
		failureThreshold: DefaultFailureThreshold,
		cooldown:         DefaultCooldown,
		window:           DefaultWindow,
		windowLimit:      DefaultWindowLimit,
		now:              time.Now,
		logger:           logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.WithComponent("spawnguard")
	return g
}

// Admit evaluates both gates in order. On approval it records the admission
// timestamp in the rate window and returns nil. Rejections wrap
// errors.ErrCircuitOpen or errors.ErrRateLimited.
func (g *Guard) Admit() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()

	// Gate 1: circuit breaker. The circuit never closes early; only time
	// or an explicit Reset clears it.
	if now.Before(g.circuitOpenUntil) {
		remaining := g.circuitOpenUntil.Sub(now)
		g.logger.Warn("spawn rejected: circuit open",
			"cooldown_remaining", remaining.String())
		return errors.NewSpawnError("circuit breaker is open", errors.ErrCircuitOpen).
			WithCooldown(remaining)
	}

	// Gate 2: sliding-window rate limiter.
	g.evictLocked(now)
	if len(g.admissions) >= g.windowLimit {
		oldest := g.admissions[0]
		wait := oldest.Add(g.window).Sub(now)
		g.logger.Warn("spawn rejected: rate limit",
			"recent_spawns", len(g.admissions),
			"retry_after", wait.String())
		return errors.NewSpawnError("spawn rate limit exceeded", errors.ErrRateLimited).
			WithCooldown(wait)
	}

	g.admissions = append(g.admissions, now)
	return nil
}

// RecordFailure records a failed spawn attempt. At the failure threshold the
// circuit opens for the configured cooldown.
func (g *Guard) RecordFailure() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.consecutiveFailures++
	now := g.now()
	if g.consecutiveFailures >= g.failureThreshold && !now.Before(g.circuitOpenUntil) {
		g.circuitOpenUntil = now.Add(g.cooldown)
		g.logger.Error("circuit breaker opened",
			"consecutive_failures", g.consecutiveFailures,
			"open_until", g.circuitOpenUntil.Format(time.RFC3339))
	}
}

// RecordSuccess resets the consecutive-failure counter. It does not close
// an already-open circuit.
func (g *Guard) RecordSuccess() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.consecutiveFailures = 0
}

// Reset clears both gates unconditionally. This is the admin escape hatch.
func (g *Guard) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.consecutiveFailures = 0
	g.circuitOpenUntil = time.Time{}
	g.admissions = nil
	g.logger.Info("spawn guard reset")
}

// GetState returns an observability snapshot.
func (g *Guard) GetState() State {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.evictLocked(now)

	st := State{
		RecentSpawnCount:    len(g.admissions),
		ConsecutiveFailures: g.consecutiveFailures,
	}
	if now.Before(g.circuitOpenUntil) {
		st.CircuitOpen = true
		st.CircuitOpensIn = g.circuitOpenUntil.Sub(now)
	}
	return st
}

// evictLocked drops admission timestamps older than the window.
// Caller must hold g.mu.
func (g *Guard) evictLocked(now time.Time) {
	cutoff := now.Add(-g.window)
	i := 0
	for i < len(g.admissions) && !g.admissions[i].After(cutoff) {
		i++
	}
	if i > 0 {
		g.admissions = append(g.admissions[:0], g.admissions[i:]...)
	}
}

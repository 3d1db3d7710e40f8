// Package retry implements per-task exponential-backoff retry policy.
//
// Retry state is keyed per (phase, task) pair so counters for distinct
// tasks never interact. The handler is pure policy: it decides whether a
// failed task should be retried and with what delay, but it never spawns,
// escalates, or sleeps itself — callers act on the returned decision.
package retry

import (
	"hash/fnv"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/karlmjogila/swarmops-sub006/internal/errors"
	"github.com/karlmjogila/swarmops-sub006/internal/logging"
	"github.com/karlmjogila/swarmops-sub006/internal/store"
)

// Status of a retry record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRetrying  Status = "retrying"
	StatusExhausted Status = "exhausted"
	StatusSucceeded Status = "succeeded"
)

// Policy defaults.
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 5 * time.Second
	DefaultMaxDelay    = 60 * time.Second

	// hashSpace keeps the task-hash component below the phase multiplier
	// so keys from different phases can never collide.
	hashSpace       = 100000
	phaseMultiplier = 100000
)

const keyPrefix = "retry-state"

// Key computes the retry key for a (phase, task) pair. The task hash is
// reduced modulo the phase multiplier so the phase component stays intact.
func Key(phaseNumber int, taskID string) int {
	h := fnv.New32a()
	h.Write([]byte(taskID))
	return phaseNumber*phaseMultiplier + int(h.Sum32()%hashSpace)
}

// Attempt records one failed execution and the delay applied before the
// next try.
type Attempt struct {
	Timestamp time.Time     `json:"timestamp"`
	Outcome   string        `json:"outcome"`
	Delay     time.Duration `json:"delay"`
}

// TaskState tracks retry attempts for one (phase, task) pair.
type TaskState struct {
	RetryKey    int       `json:"retry_key"`
	PhaseNumber int       `json:"phase_number"`
	TaskID      string    `json:"task_id"`
	Attempts    []Attempt `json:"attempts,omitempty"`
	MaxAttempts int       `json:"max_attempts"`
	Status      Status    `json:"status"`
}

// Decision is the outcome of recording a failure.
type Decision struct {
	Retry     bool          `json:"retry"`
	Delay     time.Duration `json:"delay,omitempty"`
	Attempt   int           `json:"attempt"`
	Exhausted bool          `json:"exhausted"`
}

// Handler manages retry state for tasks. It is thread-safe.
type Handler struct {
	mu     sync.RWMutex
	states map[int]*TaskState

	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration

	now    func() time.Time
	randFn func() float64

	store  store.Store
	logger *logging.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithMaxAttempts overrides the attempt budget.
func WithMaxAttempts(n int) Option {
	return func(h *Handler) { h.maxAttempts = n }
}

// WithDelays overrides the base and max backoff delays.
func WithDelays(base, max time.Duration) Option {
	return func(h *Handler) {
		h.baseDelay = base
		h.maxDelay = max
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

// WithRand overrides the jitter source, for tests. The function must
// return values in [0, 1).
func WithRand(fn func() float64) Option {
	return func(h *Handler) { h.randFn = fn }
}

// WithStore mirrors retry state to the given store.
func WithStore(st store.Store) Option {
	return func(h *Handler) { h.store = st }
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(h *Handler) { h.logger = logger }
}

// NewHandler creates a retry handler with default policy. If a store is
// configured, existing retry state is loaded from it.
func NewHandler(opts ...Option) (*Handler, error) {
	h := &Handler{
		states:      make(map[int]*TaskState),
		maxAttempts: DefaultMaxAttempts,
		baseDelay:   DefaultBaseDelay,
		maxDelay:    DefaultMaxDelay,
		now:         time.Now,
		randFn:      rand.Float64,
		logger:      logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.WithComponent("retry")

	if h.store != nil {
		keys, err := h.store.Keys(keyPrefix + "/")
		if err != nil {
			return nil, errors.Wrap(err, "loading retry state")
		}
		for _, key := range keys {
			var state TaskState
			found, err := h.store.Get(key, &state)
			if err != nil {
				return nil, errors.Wrapf(err, "loading retry state %s", key)
			}
			if found {
				h.states[state.RetryKey] = &state
			}
		}
	}

	return h, nil
}

// RecordFailure records a failed attempt for the task and returns the
// retry decision. Within the attempt budget the delay is exponential with
// jitter; once the budget is spent the task is exhausted and the caller is
// expected to escalate.
func (h *Handler) RecordFailure(phaseNumber int, taskID, outcome string) (Decision, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	state := h.getOrCreateLocked(phaseNumber, taskID)
	if state.Status == StatusSucceeded {
		return Decision{}, errors.NewValidationError("task " + taskID + " already succeeded")
	}
	if state.Status == StatusExhausted {
		return Decision{Attempt: len(state.Attempts), Exhausted: true}, nil
	}

	if len(state.Attempts) >= state.MaxAttempts {
		state.Status = StatusExhausted
		if err := h.persistLocked(state); err != nil {
			return Decision{}, err
		}
		h.logger.Warn("retry budget exhausted",
			"task_id", taskID,
			"phase", phaseNumber,
			"attempts", len(state.Attempts))
		return Decision{Attempt: len(state.Attempts), Exhausted: true}, nil
	}

	delay := h.backoffLocked(len(state.Attempts))
	state.Attempts = append(state.Attempts, Attempt{
		Timestamp: h.now().UTC(),
		Outcome:   outcome,
		Delay:     delay,
	})
	state.Status = StatusRetrying

	if err := h.persistLocked(state); err != nil {
		return Decision{}, err
	}

	h.logger.Info("retry scheduled",
		"task_id", taskID,
		"phase", phaseNumber,
		"attempt", len(state.Attempts),
		"delay", delay.String())
	return Decision{Retry: true, Delay: delay, Attempt: len(state.Attempts)}, nil
}

// RecordSuccess marks the task succeeded. Success on a never-failed task is
// a no-op; the call is idempotent.
func (h *Handler) RecordSuccess(phaseNumber int, taskID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	key := Key(phaseNumber, taskID)
	state, exists := h.states[key]
	if !exists {
		return nil
	}
	if state.Status == StatusSucceeded {
		return nil
	}
	state.Status = StatusSucceeded
	return h.persistLocked(state)
}

// GetState returns a copy of the retry state for the pair, or nil.
func (h *Handler) GetState(phaseNumber int, taskID string) *TaskState {
	h.mu.RLock()
	defer h.mu.RUnlock()

	state, exists := h.states[Key(phaseNumber, taskID)]
	if !exists {
		return nil
	}
	cp := *state
	cp.Attempts = append([]Attempt(nil), state.Attempts...)
	return &cp
}

// Discard removes retry state for the pair, both in memory and in the
// store. Used once a task has succeeded and its history is no longer
// interesting.
func (h *Handler) Discard(phaseNumber int, taskID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	key := Key(phaseNumber, taskID)
	if _, exists := h.states[key]; !exists {
		return nil
	}
	delete(h.states, key)
	if h.store != nil {
		return h.store.Delete(storeKey(key))
	}
	return nil
}

func (h *Handler) getOrCreateLocked(phaseNumber int, taskID string) *TaskState {
	key := Key(phaseNumber, taskID)
	state, exists := h.states[key]
	if !exists {
		state = &TaskState{
			RetryKey:    key,
			PhaseNumber: phaseNumber,
			TaskID:      taskID,
			MaxAttempts: h.maxAttempts,
			Status:      StatusPending,
		}
		h.states[key] = state
	}
	return state
}

// backoffLocked computes base*2^attempts capped at maxDelay, with ±10%
// jitter applied after the cap.
func (h *Handler) backoffLocked(attempts int) time.Duration {
	delay := h.baseDelay << uint(attempts)
	if delay > h.maxDelay || delay <= 0 {
		delay = h.maxDelay
	}
	jittered := float64(delay) * (0.9 + h.randFn()*0.2)
	return time.Duration(jittered)
}

func (h *Handler) persistLocked(state *TaskState) error {
	if h.store == nil {
		return nil
	}
	if err := h.store.Put(storeKey(state.RetryKey), state); err != nil {
		return errors.Wrapf(err, "persisting retry state for task %s", state.TaskID)
	}
	return nil
}

func storeKey(retryKey int) string {
	return store.MustKey(keyPrefix, strconv.Itoa(retryKey))
}

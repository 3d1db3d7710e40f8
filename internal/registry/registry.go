// Package registry deduplicates concurrent spawn requests and tracks
// worker liveness.
//
// The registry guarantees at most one running entry per task key. A spawn
// request for an already-running or already-completed key is rejected with
// the corresponding reason rather than silently duplicating a worker.
// Crash recovery is handled by SweepStale, which removes running entries
// whose last update is older than a threshold.
package registry

import (
	"sync"
	"time"

	"github.com/karlmjogila/swarmops-sub006/internal/errors"
	"github.com/karlmjogila/swarmops-sub006/internal/logging"
	"github.com/karlmjogila/swarmops-sub006/internal/store"
)

const keyPrefix = "task-registry"

// DefaultStaleAge is how old a running entry must be before SweepStale
// considers its worker dead.
const DefaultStaleAge = time.Hour

// AcquireResult is the outcome of a TryAcquire call.
type AcquireResult string

const (
	Granted          AcquireResult = "granted"
	AlreadyRunning   AcquireResult = "already-running"
	AlreadyCompleted AcquireResult = "already-completed"
)

// entryStatus is the lifecycle of a registry entry.
type entryStatus string

const (
	statusAcquired  entryStatus = "acquired"
	statusRunning   entryStatus = "running"
	statusCompleted entryStatus = "completed"
)

// Entry is one tracked task.
type Entry struct {
	TaskKey     string      `json:"task_key"`
	Status      entryStatus `json:"status"`
	AcquiredAt  time.Time   `json:"acquired_at"`
	LastUpdated time.Time   `json:"last_updated"`
}

// Registry tracks spawn acquisitions. It is thread-safe.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*Entry

	kv     store.Store
	now    func() time.Time
	logger *logging.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// NewRegistry creates a registry backed by the given store. Existing
// entries are loaded so dedup state survives restarts.
func NewRegistry(kv store.Store, opts ...Option) (*Registry, error) {
	r := &Registry{
		entries: make(map[string]*Entry),
		kv:      kv,
		now:     time.Now,
		logger:  logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.WithComponent("registry")

	if kv != nil {
		keys, err := kv.Keys(keyPrefix + "/")
		if err != nil {
			return nil, errors.Wrap(err, "loading task registry")
		}
		for _, key := range keys {
			var e Entry
			found, err := kv.Get(key, &e)
			if err != nil {
				return nil, errors.Wrapf(err, "loading registry entry %s", key)
			}
			if found {
				r.entries[e.TaskKey] = &e
			}
		}
	}

	return r, nil
}

// TryAcquire attempts to claim the task key for a new worker. Only a
// Granted result permits a spawn.
func (r *Registry) TryAcquire(taskKey string) (AcquireResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, exists := r.entries[taskKey]; exists {
		switch e.Status {
		case statusCompleted:
			return AlreadyCompleted, nil
		default:
			return AlreadyRunning, nil
		}
	}

	now := r.now().UTC()
	e := &Entry{
		TaskKey:     taskKey,
		Status:      statusAcquired,
		AcquiredAt:  now,
		LastUpdated: now,
	}
	if err := r.persistLocked(e); err != nil {
		return "", err
	}
	r.entries[taskKey] = e
	return Granted, nil
}

// MarkRunning records that the worker for the task has started.
func (r *Registry) MarkRunning(taskKey string) error {
	return r.setStatus(taskKey, statusRunning)
}

// MarkCompleted records that the worker finished. Completing an already
// completed key is a no-op so webhook retries stay idempotent.
func (r *Registry) MarkCompleted(taskKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.entries[taskKey]
	if !exists {
		return errors.NewNotFoundError("registry entry", taskKey)
	}
	if e.Status == statusCompleted {
		return nil
	}
	e.Status = statusCompleted
	e.LastUpdated = r.now().UTC()
	return r.persistLocked(e)
}

// Touch refreshes the liveness timestamp for a running task. Unknown keys
// are ignored so the liveness watcher can report freely.
func (r *Registry) Touch(taskKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.entries[taskKey]
	if !exists || e.Status == statusCompleted {
		return
	}
	e.LastUpdated = r.now().UTC()
	_ = r.persistLocked(e)
}

// Release removes the entry for a task key, making it acquirable again.
// Used when a spawn was granted but the actual spawn failed.
func (r *Registry) Release(taskKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[taskKey]; !exists {
		return nil
	}
	delete(r.entries, taskKey)
	if r.kv != nil {
		return r.kv.Delete(store.MustKey(keyPrefix, taskKey))
	}
	return nil
}

// SweepStale removes entries still marked running (or acquired) whose last
// update exceeds maxAge. Returns the removed task keys. Completed entries
// are kept; they carry the dedup guarantee.
func (r *Registry) SweepStale(maxAge time.Duration) ([]string, error) {
	if maxAge <= 0 {
		maxAge = DefaultStaleAge
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().UTC().Add(-maxAge)
	var swept []string
	for key, e := range r.entries {
		if e.Status == statusCompleted {
			continue
		}
		if e.LastUpdated.After(cutoff) {
			continue
		}
		delete(r.entries, key)
		if r.kv != nil {
			if err := r.kv.Delete(store.MustKey(keyPrefix, key)); err != nil {
				return swept, errors.Wrapf(err, "sweeping registry entry %s", key)
			}
		}
		swept = append(swept, key)
		r.logger.Warn("swept stale task",
			"task_key", key,
			"last_updated", e.LastUpdated.Format(time.RFC3339))
	}
	return swept, nil
}

// Get returns a copy of the entry for a task key, or nil.
func (r *Registry) Get(taskKey string) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.entries[taskKey]
	if !exists {
		return nil
	}
	cp := *e
	return &cp
}

func (r *Registry) setStatus(taskKey string, status entryStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.entries[taskKey]
	if !exists {
		return errors.NewNotFoundError("registry entry", taskKey)
	}
	e.Status = status
	e.LastUpdated = r.now().UTC()
	return r.persistLocked(e)
}

func (r *Registry) persistLocked(e *Entry) error {
	if r.kv == nil {
		return nil
	}
	if err := r.kv.Put(store.MustKey(keyPrefix, e.TaskKey), e); err != nil {
		return errors.Wrapf(err, "persisting registry entry %s", e.TaskKey)
	}
	return nil
}

package merge

import (
	"sync"
	"time"

	"github.com/karlmjogila/swarmops-sub006/internal/errors"
	"github.com/karlmjogila/swarmops-sub006/internal/store"
)

const resolverKeyPrefix = "conflict-resolvers"

// ResolverStatus of a conflict-resolution agent.
type ResolverStatus string

const (
	ResolverRunning   ResolverStatus = "running"
	ResolverCompleted ResolverStatus = "completed"
	ResolverFailed    ResolverStatus = "failed"
)

// ResolverRecord tracks one in-flight conflict-resolution agent, keyed by
// its gateway session.
type ResolverRecord struct {
	SessionKey  string `json:"session_key"`
	RunID       string `json:"run_id"`
	PhaseNumber int    `json:"phase_number"`
	// FailedBranch is the branch whose merge conflicted.
	FailedBranch string `json:"failed_branch"`
	// RemainingBranches still need merging once the conflict is resolved,
	// starting with the failed branch itself at the head of the list.
	RemainingBranches []string       `json:"remaining_branches"`
	ConflictFiles     []string       `json:"conflict_files,omitempty"`
	Status            ResolverStatus `json:"status"`
	CreatedAt         time.Time      `json:"created_at"`
}

// ResolverTracker records in-flight conflict resolvers. It is thread-safe.
type ResolverTracker struct {
	mu      sync.Mutex
	records map[string]*ResolverRecord

	kv  store.Store
	now func() time.Time
}

// NewResolverTracker creates a tracker backed by the given store.
func NewResolverTracker(kv store.Store) (*ResolverTracker, error) {
	t := &ResolverTracker{
		records: make(map[string]*ResolverRecord),
		kv:      kv,
		now:     time.Now,
	}

	if kv != nil {
		keys, err := kv.Keys(resolverKeyPrefix + "/")
		if err != nil {
			return nil, errors.Wrap(err, "loading conflict resolvers")
		}
		for _, key := range keys {
			var rec ResolverRecord
			found, err := kv.Get(key, &rec)
			if err != nil {
				return nil, errors.Wrapf(err, "loading conflict resolver %s", key)
			}
			if found {
				t.records[rec.SessionKey] = &rec
			}
		}
	}

	return t, nil
}

// Track records a newly spawned resolver.
func (t *ResolverTracker) Track(rec ResolverRecord) error {
	if rec.SessionKey == "" {
		return errors.NewValidationError("resolver record requires a session key")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	rec.Status = ResolverRunning
	rec.CreatedAt = t.now().UTC()
	if err := t.persistLocked(&rec); err != nil {
		return err
	}
	t.records[rec.SessionKey] = &rec
	return nil
}

// Get returns a copy of the record for a session, or nil.
func (t *ResolverTracker) Get(sessionKey string) *ResolverRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[sessionKey]
	if !ok {
		return nil
	}
	return rec.clone()
}

// FindByRun returns the running resolver for a run, or nil. A run has at
// most one resolver in flight because merges within a phase are
// sequential.
func (t *ResolverTracker) FindByRun(runID string) *ResolverRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, rec := range t.records {
		if rec.RunID == runID && rec.Status == ResolverRunning {
			return rec.clone()
		}
	}
	return nil
}

// SetStatus marks the resolver completed or failed.
func (t *ResolverTracker) SetStatus(sessionKey string, status ResolverStatus) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[sessionKey]
	if !ok {
		return errors.NewNotFoundError("conflict resolver", sessionKey)
	}
	rec.Status = status
	return t.persistLocked(rec)
}

// Remove drops the record once the merge has resumed or failed terminally.
func (t *ResolverTracker) Remove(sessionKey string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.records[sessionKey]; !ok {
		return nil
	}
	delete(t.records, sessionKey)
	if t.kv != nil {
		return t.kv.Delete(store.MustKey(resolverKeyPrefix, sessionKey))
	}
	return nil
}

func (t *ResolverTracker) persistLocked(rec *ResolverRecord) error {
	if t.kv == nil {
		return nil
	}
	if err := t.kv.Put(store.MustKey(resolverKeyPrefix, rec.SessionKey), rec); err != nil {
		return errors.Wrapf(err, "persisting conflict resolver %s", rec.SessionKey)
	}
	return nil
}

func (r *ResolverRecord) clone() *ResolverRecord {
	cp := *r
	cp.RemainingBranches = append([]string(nil), r.RemainingBranches...)
	cp.ConflictFiles = append([]string(nil), r.ConflictFiles...)
	return &cp
}

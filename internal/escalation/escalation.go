// Package escalation is the durable human-in-the-loop queue.
//
// Escalations are the terminal sink for unrecoverable failures: exhausted
// retries, fix-cycle limits, reviewer escalations, failed fixers. Creation
// is append-only; records are resolved only by external human action and
// never auto-cleared by the orchestration core.
package escalation

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/karlmjogila/swarmops-sub006/internal/errors"
	"github.com/karlmjogila/swarmops-sub006/internal/logging"
	"github.com/karlmjogila/swarmops-sub006/internal/store"
	"github.com/karlmjogila/swarmops-sub006/internal/telemetry"
)

const keyPrefix = "escalations"

// Severity of an escalation, for operator triage.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Escalation is one record in the queue.
type Escalation struct {
	ID           string    `json:"id"`
	RunID        string    `json:"run_id"`
	PipelineID   string    `json:"pipeline_id,omitempty"`
	StepOrder    int       `json:"step_order"`
	PhaseNumber  int       `json:"phase_number"`
	RoleID       string    `json:"role_id,omitempty"`
	RoleName     string    `json:"role_name,omitempty"`
	Error        string    `json:"error"`
	AttemptCount int       `json:"attempt_count"`
	MaxAttempts  int       `json:"max_attempts"`
	Severity     Severity  `json:"severity"`
	ProjectDir   string    `json:"project_dir,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// CreateRequest carries everything an operator needs to act on a failure
// without re-deriving state from logs.
type CreateRequest struct {
	RunID        string
	PipelineID   string
	StepOrder    int
	PhaseNumber  int
	RoleID       string
	RoleName     string
	Error        string
	AttemptCount int
	MaxAttempts  int
	Severity     Severity
	ProjectDir   string
}

// Store is the append-only escalation queue. It is thread-safe.
type Store struct {
	mu      sync.RWMutex
	records map[string]*Escalation

	kv     store.Store
	now    func() time.Time
	newID  func() string
	logger *logging.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithIDGenerator overrides ID generation, for tests.
func WithIDGenerator(fn func() string) Option {
	return func(s *Store) { s.newID = fn }
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// NewStore creates an escalation store backed by the given key-value
// store. Existing records are loaded so the queue survives restarts.
func NewStore(kv store.Store, opts ...Option) (*Store, error) {
	s := &Store{
		records: make(map[string]*Escalation),
		kv:      kv,
		now:     time.Now,
		newID:   uuid.NewString,
		logger:  logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithComponent("escalation")

	if kv != nil {
		keys, err := kv.Keys(keyPrefix + "/")
		if err != nil {
			return nil, errors.Wrap(err, "loading escalations")
		}
		for _, key := range keys {
			var rec Escalation
			found, err := kv.Get(key, &rec)
			if err != nil {
				return nil, errors.Wrapf(err, "loading escalation %s", key)
			}
			if found {
				s.records[rec.ID] = &rec
			}
		}
	}

	return s, nil
}

// Create appends a new escalation and returns it. The record is durable
// before the call returns.
func (s *Store) Create(req CreateRequest) (*Escalation, error) {
	if req.RunID == "" {
		return nil, errors.NewValidationError("escalation requires a run ID")
	}
	if req.Severity == "" {
		req.Severity = SeverityError
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := &Escalation{
		ID:           s.newID(),
		RunID:        req.RunID,
		PipelineID:   req.PipelineID,
		StepOrder:    req.StepOrder,
		PhaseNumber:  req.PhaseNumber,
		RoleID:       req.RoleID,
		RoleName:     req.RoleName,
		Error:        req.Error,
		AttemptCount: req.AttemptCount,
		MaxAttempts:  req.MaxAttempts,
		Severity:     req.Severity,
		ProjectDir:   req.ProjectDir,
		CreatedAt:    s.now().UTC(),
	}

	if s.kv != nil {
		key := store.MustKey(keyPrefix, rec.ID)
		if err := s.kv.Put(key, rec); err != nil {
			return nil, errors.Wrapf(err, "persisting escalation for run %s", rec.RunID)
		}
	}
	s.records[rec.ID] = rec

	s.logger.Warn("escalation created",
		"escalation_id", rec.ID,
		"run_id", rec.RunID,
		"phase", rec.PhaseNumber,
		"step_order", rec.StepOrder,
		"severity", string(rec.Severity),
		"error", rec.Error)
	telemetry.EscalationsTotal.WithLabelValues(string(rec.Severity)).Inc()

	cp := *rec
	return &cp, nil
}

// Get returns the escalation with the given ID, or NotFoundError.
func (s *Store) Get(id string) (*Escalation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, errors.NewNotFoundError("escalation", id)
	}
	cp := *rec
	return &cp, nil
}

// List returns all escalations, newest first.
func (s *Store) List() []*Escalation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Escalation, 0, len(s.records))
	for _, rec := range s.records {
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ListByRun returns the escalations for one run, newest first.
func (s *Store) ListByRun(runID string) []*Escalation {
	all := s.List()
	out := all[:0]
	for _, rec := range all {
		if rec.RunID == runID {
			out = append(out, rec)
		}
	}
	return out
}

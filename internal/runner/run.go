package runner

import (
	"sync"
	"time"

	"github.com/karlmjogila/swarmops-sub006/internal/errors"
	"github.com/karlmjogila/swarmops-sub006/internal/store"
	"github.com/karlmjogila/swarmops-sub006/internal/workstate"
)

const runKeyPrefix = "project-runs"

// Step is one unit of a pipeline run, executed by a worker agent.
type Step struct {
	// Order is the step's position, matching the stepOrder reported by
	// completion webhooks.
	Order       int    `json:"order"`
	Name        string `json:"name"`
	RoleID      string `json:"role_id,omitempty"`
	PhaseNumber int    `json:"phase_number"`
	// Branch is the worker branch the step commits to.
	Branch string `json:"branch,omitempty"`
	Prompt string `json:"prompt,omitempty"`
	// Optional steps never fail the run, even with stop-on-failure set.
	Optional bool `json:"optional,omitempty"`
}

// StepStatus tracks how one step ended.
type StepStatus string

const (
	StepPending StepStatus = "pending"
	StepRunning StepStatus = "running"
	// StepRetrying: the step failed within its retry budget and a respawn
	// is waiting out the backoff delay.
	StepRetrying  StepStatus = "retrying"
	StepCompleted StepStatus = "completed"
	StepSkipped   StepStatus = "skipped"
	StepFailed    StepStatus = "failed"
)

// Run is one execution of a pipeline definition.
type Run struct {
	RunID      string `json:"run_id"`
	PipelineID string `json:"pipeline_id"`
	RepoDir    string `json:"repo_dir,omitempty"`
	BaseBranch string `json:"base_branch,omitempty"`
	Steps      []Step `json:"steps"`
	// StepStates is indexed by position in Steps.
	StepStates       []StepStatus     `json:"step_states"`
	CurrentStepIndex int              `json:"current_step_index"`
	Status           workstate.Status `json:"status"`
	// StopOnFailure fails the run when a non-optional step exhausts its
	// retries, instead of skipping and continuing.
	StopOnFailure bool      `json:"stop_on_failure,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// stepIndex finds the position of a step by its order, or -1.
func (r *Run) stepIndex(order int) int {
	for i, s := range r.Steps {
		if s.Order == order {
			return i
		}
	}
	return -1
}

func (r *Run) clone() *Run {
	cp := *r
	cp.Steps = append([]Step(nil), r.Steps...)
	cp.StepStates = append([]StepStatus(nil), r.StepStates...)
	return &cp
}

// runs holds the run table and its persistence.
type runs struct {
	mu    sync.Mutex
	table map[string]*Run
	kv    store.Store
	now   func() time.Time
}

func newRuns(kv store.Store, now func() time.Time) (*runs, error) {
	rs := &runs{
		table: make(map[string]*Run),
		kv:    kv,
		now:   now,
	}

	if kv != nil {
		keys, err := kv.Keys(runKeyPrefix + "/")
		if err != nil {
			return nil, errors.Wrap(err, "loading pipeline runs")
		}
		for _, key := range keys {
			var run Run
			found, err := kv.Get(key, &run)
			if err != nil {
				return nil, errors.Wrapf(err, "loading pipeline run %s", key)
			}
			if found {
				rs.table[run.RunID] = &run
			}
		}
	}

	return rs, nil
}

func (rs *runs) add(run *Run) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if _, exists := rs.table[run.RunID]; exists {
		return errors.NewAlreadyExistsError("pipeline run", run.RunID)
	}
	if err := rs.persistLocked(run); err != nil {
		return err
	}
	rs.table[run.RunID] = run
	return nil
}

func (rs *runs) get(runID string) (*Run, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	run, ok := rs.table[runID]
	if !ok {
		return nil, errors.NewNotFoundError("pipeline run", runID).WithCause(errors.ErrRunNotFound)
	}
	return run.clone(), nil
}

// update applies fn to the run under the table lock and persists it.
func (rs *runs) update(runID string, fn func(*Run) error) (*Run, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	run, ok := rs.table[runID]
	if !ok {
		return nil, errors.NewNotFoundError("pipeline run", runID).WithCause(errors.ErrRunNotFound)
	}
	if err := fn(run); err != nil {
		return nil, err
	}
	run.UpdatedAt = rs.now().UTC()
	if err := rs.persistLocked(run); err != nil {
		return nil, err
	}
	return run.clone(), nil
}

func (rs *runs) list() []*Run {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	out := make([]*Run, 0, len(rs.table))
	for _, run := range rs.table {
		out = append(out, run.clone())
	}
	return out
}

func (rs *runs) persistLocked(run *Run) error {
	if rs.kv == nil {
		return nil
	}
	if err := rs.kv.Put(store.MustKey(runKeyPrefix, run.RunID), run); err != nil {
		return errors.Wrapf(err, "persisting pipeline run %s", run.RunID)
	}
	return nil
}

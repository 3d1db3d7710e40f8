package merge

import (
	"fmt"
	"sync"
	"time"

	"github.com/karlmjogila/swarmops-sub006/internal/errors"
	"github.com/karlmjogila/swarmops-sub006/internal/store"
)

const phaseKeyPrefix = "phases"

// PhaseState tracks one phase of a run: which worker branches are expected,
// which have completed, and where they merge to.
type PhaseState struct {
	RunID       string `json:"run_id"`
	PhaseNumber int    `json:"phase_number"`
	PhaseBranch string `json:"phase_branch"`
	BaseBranch  string `json:"base_branch"`
	RepoDir     string `json:"repo_dir"`
	// ExpectedBranches is the declared merge order. Branches merge
	// first-declared-first-merged so conflict attribution stays
	// deterministic.
	ExpectedBranches []string `json:"expected_branches"`
	// CompletedBranches is the subset whose workers have finished.
	CompletedBranches []string `json:"completed_branches,omitempty"`
	// ConflictRounds counts how many conflict resolvers this phase has
	// consumed.
	ConflictRounds int       `json:"conflict_rounds"`
	Merged         bool      `json:"merged"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// AllComplete reports whether every expected branch has a completed worker.
func (p *PhaseState) AllComplete() bool {
	if len(p.ExpectedBranches) == 0 {
		return true
	}
	done := make(map[string]bool, len(p.CompletedBranches))
	for _, b := range p.CompletedBranches {
		done[b] = true
	}
	for _, b := range p.ExpectedBranches {
		if !done[b] {
			return false
		}
	}
	return true
}

// Phases manages phase state records. It is thread-safe.
type Phases struct {
	mu     sync.Mutex
	states map[string]*PhaseState

	kv  store.Store
	now func() time.Time
}

// NewPhases creates a phase tracker backed by the given store.
func NewPhases(kv store.Store) (*Phases, error) {
	p := &Phases{
		states: make(map[string]*PhaseState),
		kv:     kv,
		now:    time.Now,
	}

	if kv != nil {
		keys, err := kv.Keys(phaseKeyPrefix + "/")
		if err != nil {
			return nil, errors.Wrap(err, "loading phase state")
		}
		for _, key := range keys {
			var st PhaseState
			found, err := kv.Get(key, &st)
			if err != nil {
				return nil, errors.Wrapf(err, "loading phase state %s", key)
			}
			if found {
				p.states[phaseKey(st.RunID, st.PhaseNumber)] = &st
			}
		}
	}

	return p, nil
}

// Start registers a new phase. Starting an already-known phase fails.
func (p *Phases) Start(runID string, phaseNumber int, phaseBranch, baseBranch, repoDir string, expectedBranches []string) (*PhaseState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := phaseKey(runID, phaseNumber)
	if _, exists := p.states[key]; exists {
		return nil, errors.NewAlreadyExistsError("phase state", key)
	}

	now := p.now().UTC()
	st := &PhaseState{
		RunID:            runID,
		PhaseNumber:      phaseNumber,
		PhaseBranch:      phaseBranch,
		BaseBranch:       baseBranch,
		RepoDir:          repoDir,
		ExpectedBranches: append([]string(nil), expectedBranches...),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := p.persistLocked(st); err != nil {
		return nil, err
	}
	p.states[key] = st
	return st.clone(), nil
}

// AddExpectedBranch declares another worker branch for the phase.
func (p *Phases) AddExpectedBranch(runID string, phaseNumber int, branch string) error {
	return p.update(runID, phaseNumber, func(st *PhaseState) {
		for _, b := range st.ExpectedBranches {
			if b == branch {
				return
			}
		}
		st.ExpectedBranches = append(st.ExpectedBranches, branch)
	})
}

// MarkBranchComplete records that a worker branch finished. Idempotent.
func (p *Phases) MarkBranchComplete(runID string, phaseNumber int, branch string) error {
	return p.update(runID, phaseNumber, func(st *PhaseState) {
		for _, b := range st.CompletedBranches {
			if b == branch {
				return
			}
		}
		st.CompletedBranches = append(st.CompletedBranches, branch)
	})
}

// BumpConflictRound increments the phase's resolver counter and returns
// the new value.
func (p *Phases) BumpConflictRound(runID string, phaseNumber int) (int, error) {
	var rounds int
	err := p.update(runID, phaseNumber, func(st *PhaseState) {
		st.ConflictRounds++
		rounds = st.ConflictRounds
	})
	return rounds, err
}

// MarkMerged records that the phase branch has absorbed all workers.
func (p *Phases) MarkMerged(runID string, phaseNumber int) error {
	return p.update(runID, phaseNumber, func(st *PhaseState) {
		st.Merged = true
	})
}

// Get returns a copy of the phase state, or NotFoundError.
func (p *Phases) Get(runID string, phaseNumber int) (*PhaseState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	st, ok := p.states[phaseKey(runID, phaseNumber)]
	if !ok {
		return nil, errors.NewNotFoundError("phase state", phaseKey(runID, phaseNumber))
	}
	return st.clone(), nil
}

// Retire removes the phase record once merged or abandoned.
func (p *Phases) Retire(runID string, phaseNumber int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := phaseKey(runID, phaseNumber)
	if _, ok := p.states[key]; !ok {
		return nil
	}
	delete(p.states, key)
	if p.kv != nil {
		return p.kv.Delete(store.MustKey(phaseKeyPrefix, key))
	}
	return nil
}

func (p *Phases) update(runID string, phaseNumber int, fn func(*PhaseState)) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	st, ok := p.states[phaseKey(runID, phaseNumber)]
	if !ok {
		return errors.NewNotFoundError("phase state", phaseKey(runID, phaseNumber))
	}
	fn(st)
	st.UpdatedAt = p.now().UTC()
	return p.persistLocked(st)
}

func (p *Phases) persistLocked(st *PhaseState) error {
	if p.kv == nil {
		return nil
	}
	key := store.MustKey(phaseKeyPrefix, phaseKey(st.RunID, st.PhaseNumber))
	if err := p.kv.Put(key, st); err != nil {
		return errors.Wrapf(err, "persisting phase state for run %s phase %d", st.RunID, st.PhaseNumber)
	}
	return nil
}

func (st *PhaseState) clone() *PhaseState {
	cp := *st
	cp.ExpectedBranches = append([]string(nil), st.ExpectedBranches...)
	cp.CompletedBranches = append([]string(nil), st.CompletedBranches...)
	return &cp
}

func phaseKey(runID string, phaseNumber int) string {
	return fmt.Sprintf("%s-phase-%d", runID, phaseNumber)
}

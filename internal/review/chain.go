// Package review implements the sequential multi-role approval chain.
//
// Each phase is reviewed by an ordered list of reviewer roles. A fix
// request at any point restarts the whole chain from the first reviewer,
// because a fix can regress something an earlier reviewer already
// checked. Three fix cycles without approval escalates the phase to a
// human.
package review

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/karlmjogila/swarmops-sub006/internal/errors"
	"github.com/karlmjogila/swarmops-sub006/internal/escalation"
	"github.com/karlmjogila/swarmops-sub006/internal/gateway"
	"github.com/karlmjogila/swarmops-sub006/internal/logging"
	"github.com/karlmjogila/swarmops-sub006/internal/store"
	"github.com/karlmjogila/swarmops-sub006/internal/telemetry"
)

const keyPrefix = "reviews"

// MaxFixCycles is how many fix rounds a phase gets before escalation.
const MaxFixCycles = 3

// Status of a review chain.
type Status string

const (
	StatusNotStarted Status = "not-started"
	StatusReviewing  Status = "reviewing"
	StatusFixing     Status = "fixing"
	StatusApproved   Status = "approved"
	StatusEscalated  Status = "escalated"
)

// Decision a reviewer can return.
type Decision string

const (
	DecisionApprove  Decision = "approve"
	DecisionFix      Decision = "fix"
	DecisionEscalate Decision = "escalate"
)

// Attempt records one reviewer decision.
type Attempt struct {
	ReviewerRole    string    `json:"reviewer_role"`
	Decision        Decision  `json:"decision"`
	FixInstructions string    `json:"fix_instructions,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// State is the durable review record for one (run, phase) pair.
type State struct {
	RunID                string    `json:"run_id"`
	PhaseNumber          int       `json:"phase_number"`
	PhaseName            string    `json:"phase_name,omitempty"`
	Status               Status    `json:"status"`
	CurrentReviewerIndex int       `json:"current_reviewer_index"`
	Reviewers            []Role    `json:"reviewers"`
	Attempts             []Attempt `json:"attempts,omitempty"`
	FixCycleCount        int       `json:"fix_cycle_count"`
	// FixHistory accumulates prior fix instructions so later reviewers
	// and fixers see what was already tried.
	FixHistory []string  `json:"fix_history,omitempty"`
	SessionKey string    `json:"session_key,omitempty"`
	RepoDir    string    `json:"repo_dir,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Outcome reports what a RecordDecision or OnFixerComplete call did.
type Outcome struct {
	Status Status `json:"status"`
	// SessionKey identifies the agent spawned by this transition, if any
	// (next reviewer, fixer, or re-review).
	SessionKey string `json:"session_key,omitempty"`
	// EscalationID is set when the transition created an escalation.
	EscalationID string `json:"escalation_id,omitempty"`
}

// Chain drives review state machines for phases. It is thread-safe.
type Chain struct {
	mu     sync.Mutex
	states map[string]*State

	roles       RoleSet
	matcher     *FrontendMatcher
	spawner     gateway.Spawner
	escalations *escalation.Store
	kv          store.Store
	now         func() time.Time
	logger      *logging.Logger
}

// Option configures a Chain.
type Option func(*Chain)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Chain) { c.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(c *Chain) { c.logger = logger }
}

// NewChain creates a review chain driver. Existing review state is loaded
// from the store so in-flight reviews survive restarts.
func NewChain(roles RoleSet, spawner gateway.Spawner, escalations *escalation.Store, kv store.Store, opts ...Option) (*Chain, error) {
	if err := roles.Validate(); err != nil {
		return nil, err
	}
	matcher, err := NewFrontendMatcher(roles.FrontendGlobs)
	if err != nil {
		return nil, err
	}

	c := &Chain{
		states:      make(map[string]*State),
		roles:       roles,
		matcher:     matcher,
		spawner:     spawner,
		escalations: escalations,
		kv:          kv,
		now:         time.Now,
		logger:      logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.WithComponent("review")

	if kv != nil {
		keys, err := kv.Keys(keyPrefix + "/")
		if err != nil {
			return nil, errors.Wrap(err, "loading review state")
		}
		for _, key := range keys {
			var st State
			found, err := kv.Get(key, &st)
			if err != nil {
				return nil, errors.Wrapf(err, "loading review state %s", key)
			}
			if found {
				c.states[stateKey(st.RunID, st.PhaseNumber)] = &st
			}
		}
	}

	return c, nil
}

// StartReview begins the chain for a phase: reviewer index 0, first
// reviewer spawned. The designer role joins only when changedFiles
// contains frontend paths. Returns the spawned reviewer's session key.
func (c *Chain) StartReview(ctx context.Context, runID string, phaseNumber int, phaseName, repoDir string, changedFiles []string) (string, error) {
	c.mu.Lock()
	key := stateKey(runID, phaseNumber)
	if existing, ok := c.states[key]; ok && existing.Status != StatusNotStarted {
		c.mu.Unlock()
		return "", errors.NewReviewError("review already in progress", errors.ErrReviewClosed).
			WithRunID(runID).
			WithPhase(phaseNumber)
	}

	reviewers := c.roles.Applicable(c.matcher.MatchAny(changedFiles))
	if len(reviewers) == 0 {
		c.mu.Unlock()
		return "", errors.NewReviewError("no applicable reviewer roles for this phase", nil).
			WithRunID(runID).
			WithPhase(phaseNumber)
	}
	now := c.now().UTC()
	st := &State{
		RunID:       runID,
		PhaseNumber: phaseNumber,
		PhaseName:   phaseName,
		Status:      StatusReviewing,
		Reviewers:   reviewers,
		RepoDir:     repoDir,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	c.states[key] = st
	c.mu.Unlock()

	sessionKey, err := c.spawnReviewer(ctx, st, reviewers[0])
	if err != nil {
		c.mu.Lock()
		delete(c.states, key)
		c.mu.Unlock()
		return "", err
	}

	c.mu.Lock()
	st.SessionKey = sessionKey
	err = c.persistLocked(st)
	c.mu.Unlock()
	if err != nil {
		return "", err
	}

	c.logger.Info("review started",
		"run_id", runID,
		"phase", phaseNumber,
		"reviewers", len(reviewers),
		"session_key", sessionKey)
	return sessionKey, nil
}

// RecordDecision applies a reviewer's verdict.
//
//   - approve on the last reviewer: terminal approved, phase is
//     merge-eligible.
//   - approve mid-chain: the next reviewer is spawned.
//   - fix: the fix cycle counter increments; at the limit the phase
//     escalates, otherwise a fixer is spawned and the chain will restart
//     from reviewer 0 once the fixer reports back.
//   - escalate: terminal escalated immediately.
func (c *Chain) RecordDecision(ctx context.Context, runID string, phaseNumber int, decision Decision, fixInstructions string) (Outcome, error) {
	c.mu.Lock()
	st, ok := c.states[stateKey(runID, phaseNumber)]
	if !ok {
		c.mu.Unlock()
		return Outcome{}, errors.NewReviewError("review not started", errors.ErrReviewNotStarted).
			WithRunID(runID).
			WithPhase(phaseNumber)
	}
	if st.Status != StatusReviewing {
		status := st.Status
		c.mu.Unlock()
		if status == StatusApproved || status == StatusEscalated {
			// Webhook retries may replay a terminal decision.
			return Outcome{Status: status}, nil
		}
		return Outcome{}, errors.NewReviewError(
			fmt.Sprintf("review is %s, not awaiting a decision", status),
			errors.ErrReviewClosed).
			WithRunID(runID).
			WithPhase(phaseNumber)
	}

	telemetry.ReviewDecisionsTotal.WithLabelValues(string(decision)).Inc()

	role := st.Reviewers[st.CurrentReviewerIndex]
	st.Attempts = append(st.Attempts, Attempt{
		ReviewerRole:    role.ID,
		Decision:        decision,
		FixInstructions: fixInstructions,
		Timestamp:       c.now().UTC(),
	})
	st.UpdatedAt = c.now().UTC()

	switch decision {
	case DecisionApprove:
		return c.handleApproveLocked(ctx, st, role)
	case DecisionFix:
		return c.handleFixLocked(ctx, st, role, fixInstructions)
	case DecisionEscalate:
		return c.escalateLocked(st, role.ID, role.Name,
			"reviewer escalated: "+fixInstructions)
	default:
		st.Attempts = st.Attempts[:len(st.Attempts)-1]
		c.mu.Unlock()
		return Outcome{}, errors.NewValidationError("unknown review decision: " + string(decision))
	}
}

// handleApproveLocked advances the chain or closes it approved.
// Releases c.mu.
func (c *Chain) handleApproveLocked(ctx context.Context, st *State, role Role) (Outcome, error) {
	if st.CurrentReviewerIndex == len(st.Reviewers)-1 {
		st.Status = StatusApproved
		err := c.persistLocked(st)
		c.mu.Unlock()
		if err != nil {
			return Outcome{}, err
		}
		c.logger.Info("phase approved",
			"run_id", st.RunID,
			"phase", st.PhaseNumber,
			"final_reviewer", role.ID)
		return Outcome{Status: StatusApproved}, nil
	}

	st.CurrentReviewerIndex++
	next := st.Reviewers[st.CurrentReviewerIndex]
	c.mu.Unlock()

	sessionKey, err := c.spawnReviewer(ctx, st, next)
	if err != nil {
		return Outcome{}, err
	}

	c.mu.Lock()
	st.SessionKey = sessionKey
	err = c.persistLocked(st)
	c.mu.Unlock()
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Status: StatusReviewing, SessionKey: sessionKey}, nil
}

// handleFixLocked counts the fix cycle and either escalates or spawns a
// fixer. Releases c.mu.
func (c *Chain) handleFixLocked(ctx context.Context, st *State, role Role, instructions string) (Outcome, error) {
	st.FixCycleCount++
	if instructions != "" {
		st.FixHistory = append(st.FixHistory, instructions)
	}

	if st.FixCycleCount >= MaxFixCycles {
		return c.escalateLocked(st, role.ID, role.Name,
			fmt.Sprintf("fix cycle limit reached after %d rounds; last instructions: %s",
				st.FixCycleCount, instructions))
	}

	// The whole chain restarts from reviewer 0 after the fix lands.
	st.CurrentReviewerIndex = 0
	st.Status = StatusFixing
	c.mu.Unlock()

	sessionKey, err := c.spawner.Spawn(ctx, gateway.SpawnRequest{
		Kind:        gateway.AgentFixer,
		RunID:       st.RunID,
		PhaseNumber: st.PhaseNumber,
		RoleID:      role.ID,
		RepoDir:     st.RepoDir,
		Prompt:      instructions,
		Context:     fixContext(st.FixHistory),
	})
	if err != nil {
		return Outcome{}, err
	}

	c.mu.Lock()
	st.SessionKey = sessionKey
	err = c.persistLocked(st)
	c.mu.Unlock()
	if err != nil {
		return Outcome{}, err
	}

	c.logger.Info("fixer spawned",
		"run_id", st.RunID,
		"phase", st.PhaseNumber,
		"fix_cycle", st.FixCycleCount,
		"session_key", sessionKey)
	return Outcome{Status: StatusFixing, SessionKey: sessionKey}, nil
}

// OnFixerComplete resumes the chain after a fixer reports back. Success
// re-enters reviewing at reviewer 0 with the accumulated fix history;
// failure escalates directly.
func (c *Chain) OnFixerComplete(ctx context.Context, runID string, phaseNumber int, success bool, detail string) (Outcome, error) {
	c.mu.Lock()
	st, ok := c.states[stateKey(runID, phaseNumber)]
	if !ok {
		c.mu.Unlock()
		return Outcome{}, errors.NewReviewError("review not started", errors.ErrReviewNotStarted).
			WithRunID(runID).
			WithPhase(phaseNumber)
	}
	if st.Status != StatusFixing {
		status := st.Status
		c.mu.Unlock()
		if status == StatusEscalated {
			return Outcome{Status: status}, nil
		}
		return Outcome{}, errors.NewReviewError(
			fmt.Sprintf("review is %s, not awaiting a fixer", status),
			errors.ErrReviewClosed).
			WithRunID(runID).
			WithPhase(phaseNumber)
	}
	st.UpdatedAt = c.now().UTC()

	if !success {
		return c.escalateLocked(st, "", "", "fixer failed: "+detail)
	}

	st.Status = StatusReviewing
	st.CurrentReviewerIndex = 0
	first := st.Reviewers[0]
	c.mu.Unlock()

	sessionKey, err := c.spawnReviewer(ctx, st, first)
	if err != nil {
		return Outcome{}, err
	}

	c.mu.Lock()
	st.SessionKey = sessionKey
	err = c.persistLocked(st)
	c.mu.Unlock()
	if err != nil {
		return Outcome{}, err
	}

	c.logger.Info("re-review triggered",
		"run_id", runID,
		"phase", phaseNumber,
		"fix_cycles_so_far", st.FixCycleCount,
		"session_key", sessionKey)
	return Outcome{Status: StatusReviewing, SessionKey: sessionKey}, nil
}

// GetState returns a copy of the review state for a (run, phase), or nil.
func (c *Chain) GetState(runID string, phaseNumber int) *State {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.states[stateKey(runID, phaseNumber)]
	if !ok {
		return nil
	}
	cp := *st
	cp.Reviewers = append([]Role(nil), st.Reviewers...)
	cp.Attempts = append([]Attempt(nil), st.Attempts...)
	cp.FixHistory = append([]string(nil), st.FixHistory...)
	return &cp
}

// Archive removes the review state once the phase is merged or abandoned.
func (c *Chain) Archive(runID string, phaseNumber int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := stateKey(runID, phaseNumber)
	if _, ok := c.states[key]; !ok {
		return nil
	}
	delete(c.states, key)
	if c.kv != nil {
		return c.kv.Delete(store.MustKey(keyPrefix, key))
	}
	return nil
}

// escalateLocked closes the chain escalated and records the escalation.
// Releases c.mu.
func (c *Chain) escalateLocked(st *State, roleID, roleName, reason string) (Outcome, error) {
	st.Status = StatusEscalated
	persistErr := c.persistLocked(st)
	c.mu.Unlock()
	if persistErr != nil {
		return Outcome{}, persistErr
	}

	out := Outcome{Status: StatusEscalated}
	if c.escalations != nil {
		rec, err := c.escalations.Create(escalation.CreateRequest{
			RunID:        st.RunID,
			PhaseNumber:  st.PhaseNumber,
			RoleID:       roleID,
			RoleName:     roleName,
			Error:        reason,
			AttemptCount: st.FixCycleCount,
			MaxAttempts:  MaxFixCycles,
			Severity:     escalation.SeverityCritical,
			ProjectDir:   st.RepoDir,
		})
		if err != nil {
			return Outcome{}, err
		}
		out.EscalationID = rec.ID
	}

	c.logger.Warn("review escalated",
		"run_id", st.RunID,
		"phase", st.PhaseNumber,
		"reason", reason)
	return out, nil
}

func (c *Chain) spawnReviewer(ctx context.Context, st *State, role Role) (string, error) {
	return c.spawner.Spawn(ctx, gateway.SpawnRequest{
		Kind:        gateway.AgentReviewer,
		RunID:       st.RunID,
		PhaseNumber: st.PhaseNumber,
		RoleID:      role.ID,
		RepoDir:     st.RepoDir,
		Prompt:      role.Prompt,
		Context:     fixContext(st.FixHistory),
	})
}

func (c *Chain) persistLocked(st *State) error {
	if c.kv == nil {
		return nil
	}
	key := store.MustKey(keyPrefix, stateKey(st.RunID, st.PhaseNumber))
	if err := c.kv.Put(key, st); err != nil {
		return errors.Wrapf(err, "persisting review state for run %s phase %d", st.RunID, st.PhaseNumber)
	}
	return nil
}

// fixContext renders the accumulated fix history for an agent prompt.
func fixContext(history []string) string {
	if len(history) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Prior fix attempts:\n")
	for i, h := range history {
		fmt.Fprintf(&b, "%d. %s\n", i+1, h)
	}
	return b.String()
}

func stateKey(runID string, phaseNumber int) string {
	return fmt.Sprintf("%s-phase-%d", runID, phaseNumber)
}

// Package merge implements the phase-branch merge pipeline.
//
// When all workers of a phase finish, their branches merge into the phase
// branch sequentially, in declared order. The first conflicting branch
// suspends the merge: a conflict-resolver agent is spawned and tracked,
// and the merge resumes with the remaining branches once the resolver
// reports back. A fully merged phase automatically enters review.
package merge

import (
	"context"
	"fmt"
	"strings"

	"github.com/karlmjogila/swarmops-sub006/internal/errors"
	"github.com/karlmjogila/swarmops-sub006/internal/escalation"
	"github.com/karlmjogila/swarmops-sub006/internal/gateway"
	"github.com/karlmjogila/swarmops-sub006/internal/gitops"
	"github.com/karlmjogila/swarmops-sub006/internal/logging"
	"github.com/karlmjogila/swarmops-sub006/internal/telemetry"
)

// Status of a merge attempt.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusConflict  Status = "conflict"
	StatusNoChanges Status = "no-changes"
	StatusError     Status = "error"
)

// Result reports what a merge attempt did.
type Result struct {
	Status         Status   `json:"status"`
	MergedBranches []string `json:"merged_branches,omitempty"`
	// ReviewerSession is set on success, when the phase entered review.
	ReviewerSession string `json:"reviewer_session,omitempty"`
	// ResolverSession is set on conflict.
	ResolverSession string        `json:"resolver_session,omitempty"`
	ConflictInfo    *ConflictInfo `json:"conflict_info,omitempty"`
	// EscalationID is set when the conflict-round cap was hit.
	EscalationID string `json:"escalation_id,omitempty"`
}

// ConflictInfo describes where a merge stopped.
type ConflictInfo struct {
	FailedBranch      string   `json:"failed_branch"`
	ConflictFiles     []string `json:"conflict_files,omitempty"`
	RemainingBranches []string `json:"remaining_branches,omitempty"`
}

// gitClient is the slice of gitops.Git the merger uses.
type gitClient interface {
	Checkout(branch string) error
	MergeBranch(branch, message string) error
	ChangedFiles(base, branch string) ([]string, error)
}

// reviewStarter triggers the approval chain for a merged phase.
type reviewStarter interface {
	StartReview(ctx context.Context, runID string, phaseNumber int, phaseName, repoDir string, changedFiles []string) (string, error)
}

// Merger drives phase merges. It is safe for concurrent use across
// different phases; merges within one phase are strictly sequential.
type Merger struct {
	phases      *Phases
	resolvers   *ResolverTracker
	reviews     reviewStarter
	spawner     gateway.Spawner
	escalations *escalation.Store

	// maxConflictRounds caps resolver spawns per phase; 0 means
	// unbounded.
	maxConflictRounds int

	newGit func(repoDir string) gitClient
	logger *logging.Logger
}

// MergerOption configures a Merger.
type MergerOption func(*Merger)

// WithMaxConflictRounds caps how many conflict resolvers one phase may
// consume before escalating. Zero disables the cap.
func WithMaxConflictRounds(n int) MergerOption {
	return func(m *Merger) { m.maxConflictRounds = n }
}

// WithGitFactory overrides git client construction, for tests.
func WithGitFactory(fn func(repoDir string) gitClient) MergerOption {
	return func(m *Merger) { m.newGit = fn }
}

// WithMergerLogger sets the logger.
func WithMergerLogger(logger *logging.Logger) MergerOption {
	return func(m *Merger) { m.logger = logger }
}

// NewMerger creates a phase merger.
func NewMerger(phases *Phases, resolvers *ResolverTracker, reviews reviewStarter, spawner gateway.Spawner, escalations *escalation.Store, opts ...MergerOption) *Merger {
	m := &Merger{
		phases:      phases,
		resolvers:   resolvers,
		reviews:     reviews,
		spawner:     spawner,
		escalations: escalations,
		newGit: func(repoDir string) gitClient {
			return gitops.New(repoDir)
		},
		logger: logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.WithComponent("merge")
	return m
}

// MergePhaseWithReview merges all expected worker branches of a phase into
// the phase branch and, on full success, starts the review chain.
func (m *Merger) MergePhaseWithReview(ctx context.Context, runID string, phaseNumber int, phaseName, projectContext string) (Result, error) {
	st, err := m.phases.Get(runID, phaseNumber)
	if err != nil {
		return Result{Status: StatusError}, err
	}
	if st.Merged {
		return Result{Status: StatusError}, errors.NewMergeError("phase already merged", nil).
			WithRunID(runID).
			WithPhase(phaseNumber)
	}
	res, err := m.mergeBranches(ctx, st, st.ExpectedBranches, phaseName, projectContext)
	telemetry.MergeAttemptsTotal.WithLabelValues(string(res.Status)).Inc()
	return res, err
}

// ResumeMergeWithReview re-enters the merge after a conflict resolver
// finished, with the branch list the resolver left behind. Repeated
// conflicts spawn a new resolver each time.
func (m *Merger) ResumeMergeWithReview(ctx context.Context, runID string, phaseNumber int, remainingBranches []string, phaseName string) (Result, error) {
	st, err := m.phases.Get(runID, phaseNumber)
	if err != nil {
		return Result{Status: StatusError}, err
	}
	res, err := m.mergeBranches(ctx, st, remainingBranches, phaseName, "")
	telemetry.MergeAttemptsTotal.WithLabelValues(string(res.Status)).Inc()
	return res, err
}

// TriggerReview starts the approval chain for an already-merged phase
// without re-running the merge. Operators use it to re-review a phase
// after resolving an escalation by hand.
func (m *Merger) TriggerReview(ctx context.Context, runID string, phaseNumber int, phaseName string) (string, error) {
	st, err := m.phases.Get(runID, phaseNumber)
	if err != nil {
		return "", err
	}
	if !st.Merged {
		return "", errors.NewMergeError("phase not merged yet", nil).
			WithRunID(runID).
			WithPhase(phaseNumber)
	}

	git := m.newGit(st.RepoDir)
	changed, err := git.ChangedFiles(st.BaseBranch, st.PhaseBranch)
	if err != nil {
		return "", err
	}
	return m.reviews.StartReview(ctx, runID, phaseNumber, phaseName, st.RepoDir, changed)
}

func (m *Merger) mergeBranches(ctx context.Context, st *PhaseState, branches []string, phaseName, projectContext string) (Result, error) {
	if len(branches) == 0 && len(st.ExpectedBranches) == 0 {
		m.logger.Info("nothing to merge",
			"run_id", st.RunID,
			"phase", st.PhaseNumber)
		return Result{Status: StatusNoChanges}, nil
	}

	git := m.newGit(st.RepoDir)
	if err := git.Checkout(st.PhaseBranch); err != nil {
		return Result{Status: StatusError}, err
	}

	var merged []string
	for i, branch := range branches {
		msg := fmt.Sprintf("Merge %s into %s", branch, st.PhaseBranch)
		err := git.MergeBranch(branch, msg)
		if err == nil {
			merged = append(merged, branch)
			continue
		}

		var conflict *gitops.MergeConflictError
		if !errors.As(err, &conflict) {
			return Result{Status: StatusError, MergedBranches: merged}, err
		}
		// The failed branch stays in the remaining list: the resolver
		// untangles the conflict, then the resumed merge lands it.
		return m.handleConflict(ctx, st, branch, branches[i:], conflict, merged)
	}

	if err := m.phases.MarkMerged(st.RunID, st.PhaseNumber); err != nil {
		return Result{Status: StatusError, MergedBranches: merged}, err
	}

	changed, err := git.ChangedFiles(st.BaseBranch, st.PhaseBranch)
	if err != nil {
		return Result{Status: StatusError, MergedBranches: merged}, err
	}

	reviewerSession, err := m.reviews.StartReview(ctx, st.RunID, st.PhaseNumber, phaseName, st.RepoDir, changed)
	if err != nil {
		return Result{Status: StatusError, MergedBranches: merged}, err
	}

	m.logger.Info("phase merged",
		"run_id", st.RunID,
		"phase", st.PhaseNumber,
		"branches", len(merged),
		"reviewer_session", reviewerSession)
	return Result{
		Status:          StatusSuccess,
		MergedBranches:  merged,
		ReviewerSession: reviewerSession,
	}, nil
}

func (m *Merger) handleConflict(ctx context.Context, st *PhaseState, failedBranch string, remaining []string, conflict *gitops.MergeConflictError, merged []string) (Result, error) {
	rounds, err := m.phases.BumpConflictRound(st.RunID, st.PhaseNumber)
	if err != nil {
		return Result{Status: StatusError, MergedBranches: merged}, err
	}

	info := &ConflictInfo{
		FailedBranch:      failedBranch,
		ConflictFiles:     conflict.Files,
		RemainingBranches: append([]string(nil), remaining...),
	}

	if m.maxConflictRounds > 0 && rounds > m.maxConflictRounds {
		return m.escalateConflict(st, info, rounds, merged)
	}

	sessionKey, err := m.spawner.Spawn(ctx, gateway.SpawnRequest{
		Kind:        gateway.AgentResolver,
		RunID:       st.RunID,
		PhaseNumber: st.PhaseNumber,
		Branch:      failedBranch,
		BaseBranch:  st.PhaseBranch,
		RepoDir:     st.RepoDir,
		Prompt:      conflictPrompt(failedBranch, st.PhaseBranch, conflict.Files),
	})
	if err != nil {
		return Result{Status: StatusError, MergedBranches: merged}, err
	}

	if err := m.resolvers.Track(ResolverRecord{
		SessionKey:        sessionKey,
		RunID:             st.RunID,
		PhaseNumber:       st.PhaseNumber,
		FailedBranch:      failedBranch,
		RemainingBranches: info.RemainingBranches,
		ConflictFiles:     conflict.Files,
	}); err != nil {
		return Result{Status: StatusError, MergedBranches: merged}, err
	}

	m.logger.Warn("merge conflict, resolver spawned",
		"run_id", st.RunID,
		"phase", st.PhaseNumber,
		"failed_branch", failedBranch,
		"conflict_round", rounds,
		"resolver_session", sessionKey)
	return Result{
		Status:          StatusConflict,
		MergedBranches:  merged,
		ResolverSession: sessionKey,
		ConflictInfo:    info,
	}, nil
}

func (m *Merger) escalateConflict(st *PhaseState, info *ConflictInfo, rounds int, merged []string) (Result, error) {
	res := Result{Status: StatusError, MergedBranches: merged, ConflictInfo: info}
	if m.escalations != nil {
		rec, err := m.escalations.Create(escalation.CreateRequest{
			RunID:       st.RunID,
			PhaseNumber: st.PhaseNumber,
			Error: fmt.Sprintf("conflict resolution exceeded %d rounds on branch %s",
				m.maxConflictRounds, info.FailedBranch),
			AttemptCount: rounds,
			MaxAttempts:  m.maxConflictRounds,
			Severity:     escalation.SeverityCritical,
			ProjectDir:   st.RepoDir,
		})
		if err != nil {
			return res, err
		}
		res.EscalationID = rec.ID
	}
	return res, errors.NewMergeError("conflict round cap exceeded", errors.ErrMergeConflict).
		WithRunID(st.RunID).
		WithPhase(st.PhaseNumber).
		WithBranch(info.FailedBranch)
}

func conflictPrompt(branch, target string, files []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Resolve the merge conflict between %s and %s.", branch, target)
	if len(files) > 0 {
		b.WriteString(" Conflicting files:\n")
		for _, f := range files {
			b.WriteString("  - " + f + "\n")
		}
	}
	return b.String()
}

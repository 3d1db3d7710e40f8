// Package runner is the top-level pipeline sequencer.
//
// A run advances through its steps one worker at a time. Forward progress
// is driven entirely by completion webhooks: the runner spawns a worker,
// returns, and reacts when the worker's result arrives. Failures route
// through the retry handler; exhausted retries become escalations and the
// run continues past the skipped step rather than halting.
package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/karlmjogila/swarmops-sub006/internal/errors"
	"github.com/karlmjogila/swarmops-sub006/internal/escalation"
	"github.com/karlmjogila/swarmops-sub006/internal/gateway"
	"github.com/karlmjogila/swarmops-sub006/internal/logging"
	"github.com/karlmjogila/swarmops-sub006/internal/merge"
	"github.com/karlmjogila/swarmops-sub006/internal/registry"
	"github.com/karlmjogila/swarmops-sub006/internal/retry"
	"github.com/karlmjogila/swarmops-sub006/internal/spawnguard"
	"github.com/karlmjogila/swarmops-sub006/internal/store"
	"github.com/karlmjogila/swarmops-sub006/internal/telemetry"
	"github.com/karlmjogila/swarmops-sub006/internal/workitem"
	"github.com/karlmjogila/swarmops-sub006/internal/workstate"
)

// DefaultStagger is the fixed delay between consecutive spawn calls. It
// protects the gateway independently of the rate limiter.
const DefaultStagger = 3 * time.Second

// CompletionKind tags the outcome of a step-completion webhook.
type CompletionKind string

const (
	// Advanced: the step succeeded and the next worker was dispatched.
	Advanced CompletionKind = "advanced"
	// PipelineCompleted: that was the last step; the run is complete.
	PipelineCompleted CompletionKind = "pipeline-completed"
	// SkippedStep: retries were exhausted, an escalation was filed, and
	// the run moved on to the next step.
	SkippedStep CompletionKind = "skipped-step"
	// RetryScheduled: the failure is within the retry budget; the step
	// will be respawned after its backoff delay.
	RetryScheduled CompletionKind = "retry-scheduled"
	// RunHalted: stop-on-failure ended the run.
	RunHalted CompletionKind = "run-halted"
)

// Completion is the tagged result of OnStepComplete.
type Completion struct {
	Kind         CompletionKind `json:"kind"`
	NextStep     *Step          `json:"next_step,omitempty"`
	EscalationID string         `json:"escalation_id,omitempty"`
	RetryDelay   time.Duration  `json:"retry_delay,omitempty"`
}

// ResolverOutcome is the result of a conflict-resolver completion.
type ResolverOutcome struct {
	ResolverStatus merge.ResolverStatus `json:"resolver_status"`
	// MergeResult is set when a successful resolver let the merge resume.
	MergeResult  *merge.Result `json:"merge_result,omitempty"`
	EscalationID string        `json:"escalation_id,omitempty"`
}

// phaseMerger is the slice of merge.Merger the runner drives.
type phaseMerger interface {
	MergePhaseWithReview(ctx context.Context, runID string, phaseNumber int, phaseName, projectContext string) (merge.Result, error)
	ResumeMergeWithReview(ctx context.Context, runID string, phaseNumber int, remainingBranches []string, phaseName string) (merge.Result, error)
}

// workspaceWatcher feeds filesystem activity in a worker's repo back to
// the registry as heartbeats. Satisfied by registry.LivenessWatcher.
type workspaceWatcher interface {
	AddWorkspace(taskKey, dir string) error
	RemoveWorkspace(dir string)
}

// Runner sequences pipeline runs. It is thread-safe.
type Runner struct {
	runs        *runs
	guard       *spawnguard.Guard
	registry    *registry.Registry
	retries     *retry.Handler
	escalations *escalation.Store
	merger      phaseMerger
	resolvers   *merge.ResolverTracker
	phases      *merge.Phases
	spawner     gateway.Spawner
	items       *workitem.Manager
	watcher     workspaceWatcher

	stagger time.Duration
	// sleep and schedule are injectable so tests run without waiting.
	sleep    func(time.Duration)
	schedule func(time.Duration, func())
	now      func() time.Time

	// lastSpawn enforces the stagger across all spawn calls.
	spawnMu   sync.Mutex
	lastSpawn time.Time

	logger *logging.Logger
}

// Deps bundles the collaborators a Runner needs.
type Deps struct {
	Guard       *spawnguard.Guard
	Registry    *registry.Registry
	Retries     *retry.Handler
	Escalations *escalation.Store
	Merger      phaseMerger
	Resolvers   *merge.ResolverTracker
	Phases      *merge.Phases
	Spawner     gateway.Spawner
	Items       *workitem.Manager
	Store       store.Store
	// Watcher is optional; when set, workers' repo dirs are watched for
	// activity while their step runs.
	Watcher workspaceWatcher
}

// Option configures a Runner.
type Option func(*Runner)

// WithStagger overrides the inter-spawn delay.
func WithStagger(d time.Duration) Option {
	return func(r *Runner) { r.stagger = d }
}

// WithSleep overrides the stagger sleep, for tests.
func WithSleep(fn func(time.Duration)) Option {
	return func(r *Runner) { r.sleep = fn }
}

// WithScheduler overrides deferred execution (retry backoff), for tests.
func WithScheduler(fn func(time.Duration, func())) Option {
	return func(r *Runner) { r.schedule = fn }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(r *Runner) { r.logger = logger }
}

// New creates a Runner. Existing runs are loaded from the store.
func New(deps Deps, opts ...Option) (*Runner, error) {
	r := &Runner{
		guard:       deps.Guard,
		registry:    deps.Registry,
		retries:     deps.Retries,
		escalations: deps.Escalations,
		merger:      deps.Merger,
		resolvers:   deps.Resolvers,
		phases:      deps.Phases,
		spawner:     deps.Spawner,
		items:       deps.Items,
		watcher:     deps.Watcher,
		stagger:     DefaultStagger,
		sleep:       time.Sleep,
		schedule: func(d time.Duration, fn func()) {
			time.AfterFunc(d, fn)
		},
		now:    time.Now,
		logger: logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.WithComponent("runner")

	rs, err := newRuns(deps.Store, r.now)
	if err != nil {
		return nil, err
	}
	r.runs = rs
	return r, nil
}

// CreateRun registers a new pipeline run in pending state.
func (r *Runner) CreateRun(runID, pipelineID, repoDir, baseBranch string, steps []Step, stopOnFailure bool) (*Run, error) {
	if runID == "" {
		return nil, errors.NewValidationError("run requires an ID")
	}
	if len(steps) == 0 {
		return nil, errors.NewValidationError("run requires at least one step")
	}
	seen := make(map[int]bool, len(steps))
	for _, s := range steps {
		if s.Order < 0 {
			return nil, errors.NewValidationError("step order must not be negative")
		}
		if seen[s.Order] {
			return nil, errors.NewValidationError(fmt.Sprintf("duplicate step order %d", s.Order))
		}
		seen[s.Order] = true
	}

	now := r.now().UTC()
	run := &Run{
		RunID:            runID,
		PipelineID:       pipelineID,
		RepoDir:          repoDir,
		BaseBranch:       baseBranch,
		Steps:            append([]Step(nil), steps...),
		StepStates:       make([]StepStatus, len(steps)),
		CurrentStepIndex: 0,
		Status:           workstate.StatusPending,
		StopOnFailure:    stopOnFailure,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	for i := range run.StepStates {
		run.StepStates[i] = StepPending
	}
	if err := r.runs.add(run); err != nil {
		return nil, err
	}

	if r.items != nil {
		if _, err := r.items.Create(runID, workitem.TypePipeline); err != nil {
			return nil, err
		}
	}

	r.logger.Info("run created",
		"run_id", runID,
		"pipeline_id", pipelineID,
		"steps", len(steps))
	return run.clone(), nil
}

// StartRun dispatches the first step's worker.
func (r *Runner) StartRun(ctx context.Context, runID string) (*Step, error) {
	run, err := r.runs.get(runID)
	if err != nil {
		return nil, err
	}
	if run.Status != workstate.StatusPending {
		return nil, errors.NewPipelineError("run already started", errors.ErrOperationFailed).
			WithRunID(runID)
	}

	if _, err := r.runs.update(runID, func(run *Run) error {
		run.Status = workstate.StatusQueued
		return nil
	}); err != nil {
		return nil, err
	}
	if r.items != nil {
		_, _ = r.items.Transition(runID, workstate.StatusQueued)
	}

	step := run.Steps[0]
	if err := r.dispatchStep(ctx, runID, step); err != nil {
		// Put the run back so a later StartRun can try again.
		_, _ = r.runs.update(runID, func(run *Run) error {
			run.Status = workstate.StatusPending
			return nil
		})
		return nil, err
	}

	if _, err := r.runs.update(runID, func(run *Run) error {
		run.Status = workstate.StatusRunning
		run.StepStates[0] = StepRunning
		return nil
	}); err != nil {
		return nil, err
	}
	if r.items != nil {
		_, _ = r.items.Transition(runID, workstate.StatusRunning)
	}
	return &step, nil
}

// StepResult is what a completion webhook reports.
type StepResult struct {
	Success bool
	Output  string
	Error   string
}

// OnStepComplete is the normal webhook path: a worker finished the step
// with the given order. Duplicate deliveries for an already-terminal step
// are no-ops.
func (r *Runner) OnStepComplete(ctx context.Context, runID string, stepOrder int, result StepResult) (Completion, error) {
	run, err := r.runs.get(runID)
	if err != nil {
		return Completion{}, err
	}

	idx := run.stepIndex(stepOrder)
	if idx < 0 {
		return Completion{}, errors.NewPipelineError("unknown step", errors.ErrStepNotFound).
			WithRunID(runID).
			WithStepOrder(stepOrder)
	}
	step := run.Steps[idx]

	if run.Status == workstate.StatusCancelled {
		return Completion{}, errors.NewPipelineError("run is cancelled", errors.ErrRunCanceled).
			WithRunID(runID)
	}

	// Idempotency: webhook retries replay terminal steps.
	switch run.StepStates[idx] {
	case StepCompleted, StepSkipped, StepFailed:
		return r.currentPosition(run), nil
	}

	// A failure redelivered while the respawn is still pending must not
	// burn another retry attempt or schedule a second dispatch.
	if run.StepStates[idx] == StepRetrying && !result.Success {
		return Completion{Kind: RetryScheduled}, nil
	}

	if workstate.IsTerminal(run.Status) {
		return Completion{}, errors.NewPipelineError("run is finished", errors.ErrOperationFailed).
			WithRunID(runID)
	}

	if result.Success {
		telemetry.StepCompletionsTotal.WithLabelValues("success").Inc()
		return r.handleStepSuccess(ctx, runID, idx, step, result)
	}
	return r.handleStepFailure(ctx, runID, idx, step, result)
}

func (r *Runner) handleStepSuccess(ctx context.Context, runID string, idx int, step Step, result StepResult) (Completion, error) {
	taskKey := stepTaskKey(runID, step.Order)
	r.unwatchWorkspace(runID)
	if err := r.registry.MarkCompleted(taskKey); err != nil && !errors.IsSemanticError(err) {
		return Completion{}, err
	}
	if err := r.retries.RecordSuccess(step.PhaseNumber, taskKey); err != nil {
		return Completion{}, err
	}
	if step.Branch != "" && r.phases != nil {
		// Phase may not be registered when the run has no merge stage.
		if err := r.phases.MarkBranchComplete(runID, step.PhaseNumber, step.Branch); err != nil && !errors.IsSemanticError(err) {
			return Completion{}, err
		}
	}
	if r.items != nil {
		if item, err := r.items.Get(stepItemID(runID, step.Order)); err == nil {
			_ = r.items.SetOutput(item.ID, result.Output)
			_, _ = r.items.Transition(item.ID, workstate.StatusComplete)
		}
	}

	return r.advance(ctx, runID, idx, Completion{Kind: Advanced})
}

func (r *Runner) handleStepFailure(ctx context.Context, runID string, idx int, step Step, result StepResult) (Completion, error) {
	taskKey := stepTaskKey(runID, step.Order)
	decision, err := r.retries.RecordFailure(step.PhaseNumber, taskKey, result.Error)
	if err != nil {
		return Completion{}, err
	}

	if decision.Retry {
		r.unwatchWorkspace(runID)
		// Release the registry entry so the respawn can reacquire it.
		if err := r.registry.Release(taskKey); err != nil {
			return Completion{}, err
		}
		if _, err := r.runs.update(runID, func(run *Run) error {
			run.StepStates[idx] = StepRetrying
			return nil
		}); err != nil {
			return Completion{}, err
		}
		r.schedule(decision.Delay, func() {
			r.dispatchRetry(runID, step)
		})
		telemetry.RetriesScheduledTotal.Inc()
		telemetry.StepCompletionsTotal.WithLabelValues("retry").Inc()
		r.logger.Info("step retry scheduled",
			"run_id", runID,
			"step_order", step.Order,
			"attempt", decision.Attempt,
			"delay", decision.Delay.String())
		return Completion{Kind: RetryScheduled, RetryDelay: decision.Delay}, nil
	}

	// Retries exhausted: escalate and either halt or skip forward. The
	// registry slot is released since no further worker will claim it.
	r.unwatchWorkspace(runID)
	if err := r.registry.Release(taskKey); err != nil {
		return Completion{}, err
	}
	state := r.retries.GetState(step.PhaseNumber, taskKey)
	attempts := 0
	maxAttempts := 0
	if state != nil {
		attempts = len(state.Attempts)
		maxAttempts = state.MaxAttempts
	}

	run, err := r.runs.get(runID)
	if err != nil {
		return Completion{}, err
	}
	rec, err := r.escalations.Create(escalation.CreateRequest{
		RunID:        runID,
		PipelineID:   run.PipelineID,
		StepOrder:    step.Order,
		PhaseNumber:  step.PhaseNumber,
		RoleID:       step.RoleID,
		RoleName:     step.Name,
		Error:        result.Error,
		AttemptCount: attempts,
		MaxAttempts:  maxAttempts,
		Severity:     escalation.SeverityError,
		ProjectDir:   run.RepoDir,
	})
	if err != nil {
		return Completion{}, err
	}

	if r.items != nil {
		if item, err := r.items.Get(stepItemID(runID, step.Order)); err == nil {
			_, _ = r.items.Transition(item.ID, workstate.StatusFailed)
		}
	}

	if run.StopOnFailure && !step.Optional {
		if _, err := r.runs.update(runID, func(run *Run) error {
			run.StepStates[idx] = StepFailed
			run.Status = workstate.StatusFailed
			return nil
		}); err != nil {
			return Completion{}, err
		}
		if r.items != nil {
			_, _ = r.items.Transition(runID, workstate.StatusFailed)
		}
		telemetry.StepCompletionsTotal.WithLabelValues("halted").Inc()
		r.logger.Error("run halted on exhausted step",
			"run_id", runID,
			"step_order", step.Order,
			"escalation_id", rec.ID)
		return Completion{Kind: RunHalted, EscalationID: rec.ID}, nil
	}

	// Default policy: file the escalation, skip the step, keep moving.
	comp, err := r.advance(ctx, runID, idx, Completion{Kind: SkippedStep, EscalationID: rec.ID})
	if err != nil {
		return Completion{}, err
	}
	telemetry.StepCompletionsTotal.WithLabelValues("skipped").Inc()
	r.logger.Warn("step skipped after exhausted retries",
		"run_id", runID,
		"step_order", step.Order,
		"escalation_id", rec.ID)
	return comp, nil
}

// advance marks the step at idx terminal and moves the run forward,
// dispatching the next step's worker if one exists.
func (r *Runner) advance(ctx context.Context, runID string, idx int, comp Completion) (Completion, error) {
	terminalState := StepCompleted
	if comp.Kind == SkippedStep {
		terminalState = StepSkipped
	}

	run, err := r.runs.update(runID, func(run *Run) error {
		run.StepStates[idx] = terminalState
		if idx >= run.CurrentStepIndex {
			run.CurrentStepIndex = idx + 1
		}
		if run.CurrentStepIndex >= len(run.Steps) {
			run.Status = workstate.StatusComplete
		}
		return nil
	})
	if err != nil {
		return Completion{}, err
	}

	if run.Status == workstate.StatusComplete {
		if r.items != nil {
			_, _ = r.items.Transition(runID, workstate.StatusComplete)
		}
		r.logger.Info("pipeline completed", "run_id", runID)
		if comp.Kind == SkippedStep {
			return Completion{Kind: SkippedStep, EscalationID: comp.EscalationID}, nil
		}
		return Completion{Kind: PipelineCompleted}, nil
	}

	next := run.Steps[run.CurrentStepIndex]
	if err := r.dispatchStep(ctx, runID, next); err != nil {
		// Admission rejections defer the spawn; they do not fail the
		// run. Retry once the guard's cooldown has passed.
		if errors.IsAdmissionRejection(err) {
			r.deferDispatch(runID, next, err)
		} else {
			return Completion{}, err
		}
	}

	if _, err := r.runs.update(runID, func(run *Run) error {
		run.StepStates[run.CurrentStepIndex] = StepRunning
		return nil
	}); err != nil {
		return Completion{}, err
	}

	comp.NextStep = &next
	return comp, nil
}

// dispatchRetry respawns a failed step after its backoff delay. An
// admission rejection reschedules the spawn; the breaker already counted
// the original gateway failure, so it is not touched here.
func (r *Runner) dispatchRetry(runID string, step Step) {
	if err := r.dispatchStep(context.Background(), runID, step); err != nil {
		if errors.IsAdmissionRejection(err) {
			delay := r.admissionDelay(err)
			r.logger.Warn("retry spawn deferred by admission control",
				"run_id", runID,
				"step_order", step.Order,
				"retry_in", delay.String(),
				"reason", err.Error())
			r.schedule(delay, func() { r.dispatchRetry(runID, step) })
			return
		}
		r.logger.Error("retry dispatch failed",
			"run_id", runID,
			"step_order", step.Order,
			"error", err.Error())
		return
	}
	_, _ = r.runs.update(runID, func(run *Run) error {
		if idx := run.stepIndex(step.Order); idx >= 0 && run.StepStates[idx] == StepRetrying {
			run.StepStates[idx] = StepRunning
		}
		return nil
	})
}

// admissionDelay picks the wait before re-attempting a spawn the guard
// rejected.
func (r *Runner) admissionDelay(cause error) time.Duration {
	delay := r.stagger
	var spawnErr *errors.SpawnError
	if errors.As(cause, &spawnErr) && spawnErr.Cooldown > 0 {
		delay = spawnErr.Cooldown
	}
	return delay
}

// deferDispatch retries a spawn that the guard rejected, after its
// cooldown.
func (r *Runner) deferDispatch(runID string, step Step, cause error) {
	delay := r.admissionDelay(cause)
	r.logger.Warn("spawn deferred by admission control",
		"run_id", runID,
		"step_order", step.Order,
		"retry_in", delay.String(),
		"reason", cause.Error())
	r.schedule(delay, func() {
		if err := r.dispatchStep(context.Background(), runID, step); err != nil {
			if errors.IsAdmissionRejection(err) {
				r.deferDispatch(runID, step, err)
				return
			}
			r.logger.Error("deferred dispatch failed",
				"run_id", runID,
				"step_order", step.Order,
				"error", err.Error())
		}
	})
}

// dispatchStep runs the full admission sequence for one worker spawn:
// stagger, guard, registry, gateway.
func (r *Runner) dispatchStep(ctx context.Context, runID string, step Step) error {
	r.applyStagger()

	if err := r.guard.Admit(); err != nil {
		if errors.Is(err, errors.ErrCircuitOpen) {
			telemetry.SpawnsTotal.WithLabelValues("circuit_open").Inc()
		} else {
			telemetry.SpawnsTotal.WithLabelValues("rate_limited").Inc()
		}
		return err
	}

	taskKey := stepTaskKey(runID, step.Order)
	res, err := r.registry.TryAcquire(taskKey)
	if err != nil {
		return err
	}
	switch res {
	case registry.AlreadyRunning:
		telemetry.SpawnsTotal.WithLabelValues("duplicate").Inc()
		return errors.NewSpawnError("task already has a running worker", errors.ErrDuplicateTask).
			WithTaskKey(taskKey)
	case registry.AlreadyCompleted:
		telemetry.SpawnsTotal.WithLabelValues("duplicate").Inc()
		return errors.NewSpawnError("task already completed", errors.ErrTaskAlreadyCompleted).
			WithTaskKey(taskKey)
	}

	run, err := r.runs.get(runID)
	if err != nil {
		return err
	}
	if step.Branch != "" && r.phases != nil {
		if err := r.registerPhaseBranch(run, step); err != nil {
			if relErr := r.registry.Release(taskKey); relErr != nil {
				return errors.Join(err, relErr)
			}
			return err
		}
	}
	sessionKey, err := r.spawner.Spawn(ctx, gateway.SpawnRequest{
		Kind:        gateway.AgentWorker,
		RunID:       runID,
		PhaseNumber: step.PhaseNumber,
		StepOrder:   step.Order,
		RoleID:      step.RoleID,
		Branch:      step.Branch,
		BaseBranch:  run.BaseBranch,
		RepoDir:     run.RepoDir,
		Prompt:      step.Prompt,
	})
	if err != nil {
		r.guard.RecordFailure()
		telemetry.SpawnsTotal.WithLabelValues("failed").Inc()
		r.publishCircuitState()
		if relErr := r.registry.Release(taskKey); relErr != nil {
			return errors.Join(err, relErr)
		}
		return err
	}
	r.guard.RecordSuccess()
	telemetry.SpawnsTotal.WithLabelValues("granted").Inc()
	r.publishCircuitState()
	if err := r.registry.MarkRunning(taskKey); err != nil {
		return err
	}

	if r.items != nil {
		itemID := stepItemID(runID, step.Order)
		if _, err := r.items.Get(itemID); err != nil {
			if _, err := r.items.Create(itemID, workitem.TypeTask,
				workitem.WithRole(step.RoleID),
				workitem.WithSessionKey(sessionKey),
				workitem.WithParent(runID)); err == nil {
				_ = r.items.AddChild(runID, itemID)
			}
		}
		if _, err := r.items.Transition(itemID, workstate.StatusQueued); err == nil {
			_, _ = r.items.Transition(itemID, workstate.StatusRunning)
		}
	}

	if r.watcher != nil && run.RepoDir != "" {
		if err := r.watcher.AddWorkspace(taskKey, run.RepoDir); err != nil {
			r.logger.Warn("workspace watch failed",
				"run_id", runID,
				"dir", run.RepoDir,
				"error", err.Error())
		}
	}

	r.logger.Info("worker dispatched",
		"run_id", runID,
		"step_order", step.Order,
		"role", step.RoleID,
		"session_key", sessionKey)
	return nil
}

// registerPhaseBranch records a branch-bearing step with the phase
// tracker, so the merge stage knows which branches to wait for. The
// first step of a phase opens it; later steps add their branches.
func (r *Runner) registerPhaseBranch(run *Run, step Step) error {
	if _, err := r.phases.Get(run.RunID, step.PhaseNumber); err == nil {
		return r.phases.AddExpectedBranch(run.RunID, step.PhaseNumber, step.Branch)
	} else if !errors.IsSemanticError(err) {
		return err
	}
	phaseBranch := fmt.Sprintf("%s/phase-%d", run.RunID, step.PhaseNumber)
	_, err := r.phases.Start(run.RunID, step.PhaseNumber, phaseBranch, run.BaseBranch, run.RepoDir, []string{step.Branch})
	var exists *errors.AlreadyExistsError
	if errors.As(err, &exists) {
		return r.phases.AddExpectedBranch(run.RunID, step.PhaseNumber, step.Branch)
	}
	return err
}

// unwatchWorkspace stops heartbeat watching once no worker is active in
// the run's repo.
func (r *Runner) unwatchWorkspace(runID string) {
	if r.watcher == nil {
		return
	}
	if run, err := r.runs.get(runID); err == nil && run.RepoDir != "" {
		r.watcher.RemoveWorkspace(run.RepoDir)
	}
}

// applyStagger sleeps so consecutive spawns are at least the stagger
// apart.
func (r *Runner) applyStagger() {
	r.spawnMu.Lock()
	since := r.now().Sub(r.lastSpawn)
	wait := r.stagger - since
	r.lastSpawn = r.now()
	if wait > 0 {
		r.lastSpawn = r.lastSpawn.Add(wait)
	}
	r.spawnMu.Unlock()

	if wait > 0 {
		r.sleep(wait)
	}
}

// OnResolverComplete is the sentinel path: a conflict-resolution agent
// finished. On success the suspended merge resumes with the branches the
// resolver left behind.
func (r *Runner) OnResolverComplete(ctx context.Context, runID string, success bool, detail string) (ResolverOutcome, error) {
	rec := r.resolvers.FindByRun(runID)
	if rec == nil {
		return ResolverOutcome{}, errors.NewNotFoundError("conflict resolver for run", runID).
			WithCause(errors.ErrNoResolver)
	}

	if !success {
		if err := r.resolvers.SetStatus(rec.SessionKey, merge.ResolverFailed); err != nil {
			return ResolverOutcome{}, err
		}
		run, err := r.runs.get(runID)
		if err != nil {
			return ResolverOutcome{}, err
		}
		esc, err := r.escalations.Create(escalation.CreateRequest{
			RunID:       runID,
			PipelineID:  run.PipelineID,
			StepOrder:   -1,
			PhaseNumber: rec.PhaseNumber,
			Error:       "conflict resolver failed: " + detail,
			Severity:    escalation.SeverityCritical,
			ProjectDir:  run.RepoDir,
		})
		if err != nil {
			return ResolverOutcome{}, err
		}
		return ResolverOutcome{ResolverStatus: merge.ResolverFailed, EscalationID: esc.ID}, nil
	}

	if err := r.resolvers.SetStatus(rec.SessionKey, merge.ResolverCompleted); err != nil {
		return ResolverOutcome{}, err
	}

	res, err := r.merger.ResumeMergeWithReview(ctx, runID, rec.PhaseNumber, rec.RemainingBranches, "")
	if err != nil {
		return ResolverOutcome{ResolverStatus: merge.ResolverCompleted, MergeResult: &res}, err
	}
	// This record is spent either way: a repeated conflict tracked a fresh
	// record for its own resolver.
	if err := r.resolvers.Remove(rec.SessionKey); err != nil {
		return ResolverOutcome{}, err
	}
	return ResolverOutcome{ResolverStatus: merge.ResolverCompleted, MergeResult: &res}, nil
}

// CancelRun cancels the run and transitively cancels its steps' work
// items. Retry and review history stay untouched; the audit trail is
// immutable.
func (r *Runner) CancelRun(runID string) (*Run, error) {
	run, err := r.runs.update(runID, func(run *Run) error {
		if !workstate.CanCancel(run.Status) {
			return &workstate.InvalidTransitionError{
				From:         run.Status,
				To:           workstate.StatusCancelled,
				ValidTargets: workstate.Targets(run.Status),
			}
		}
		run.Status = workstate.StatusCancelled
		for i, st := range run.StepStates {
			if st == StepPending || st == StepRunning || st == StepRetrying {
				run.StepStates[i] = StepSkipped
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if r.watcher != nil && run.RepoDir != "" {
		r.watcher.RemoveWorkspace(run.RepoDir)
	}
	if r.items != nil {
		if _, err := r.items.CancelTree(runID); err != nil && !errors.IsSemanticError(err) {
			return nil, err
		}
	}

	r.logger.Info("run cancelled", "run_id", runID)
	return run, nil
}

// GetRun returns a copy of the run, or an error wrapping ErrRunNotFound.
func (r *Runner) GetRun(runID string) (*Run, error) {
	return r.runs.get(runID)
}

// ListRuns returns copies of all runs.
func (r *Runner) ListRuns() []*Run {
	return r.runs.list()
}

// currentPosition describes where the run already is, for replayed
// webhooks that arrive after the step was settled.
func (r *Runner) currentPosition(run *Run) Completion {
	if run.Status == workstate.StatusComplete {
		return Completion{Kind: PipelineCompleted}
	}
	if run.Status == workstate.StatusFailed {
		return Completion{Kind: RunHalted}
	}
	comp := Completion{Kind: Advanced}
	if run.CurrentStepIndex < len(run.Steps) {
		step := run.Steps[run.CurrentStepIndex]
		comp.NextStep = &step
	}
	return comp
}

// publishCircuitState mirrors the guard's breaker state into the gauge.
func (r *Runner) publishCircuitState() {
	if r.guard.GetState().CircuitOpen {
		telemetry.CircuitState.Set(1)
	} else {
		telemetry.CircuitState.Set(0)
	}
}

func stepTaskKey(runID string, order int) string {
	return fmt.Sprintf("%s/step-%d", runID, order)
}

func stepItemID(runID string, order int) string {
	return fmt.Sprintf("%s-step-%d", runID, order)
}

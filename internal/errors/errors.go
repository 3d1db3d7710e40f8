// Package errors provides centralized error definitions and error handling
// utilities for the SwarmOps orchestration core. It defines domain-specific
// errors, semantic error types, error constructors with context wrapping, and
// error classification helpers.
//
// # Error Types
//
// The package provides two categories of errors:
//
// Domain-specific errors represent errors from specific subsystems:
//   - SpawnError: errors from the admission-control layer (spawn guard, registry)
//   - PipelineError: errors related to pipeline run sequencing
//   - MergeError: errors related to phase-branch merging
//   - ReviewError: errors related to the review chain
//   - GitError: errors related to raw git operations
//   - StoreError: errors related to the keyed state store
//
// Semantic errors represent common error conditions:
//   - NotFoundError: resource not found
//   - AlreadyExistsError: resource already exists
//   - ValidationError: invalid input or state
//   - TimeoutError: operation timed out
//
// # Usage
//
// Creating errors:
//
//	// Domain-specific error
//	err := errors.NewSpawnError("spawn rejected", errors.ErrCircuitOpen)
//
//	// Semantic error
//	err := errors.NewNotFoundError("run", "run-42")
//
//	// With context wrapping
//	err := errors.NewMergeError("merge failed", baseErr).WithBranch("phase-2/worker-a")
//
// Checking errors:
//
//	// Check for specific sentinel errors
//	if errors.Is(err, errors.ErrCircuitOpen) { ... }
//
//	// Check for error types
//	var mergeErr *errors.MergeError
//	if errors.As(err, &mergeErr) { ... }
//
//	// Use classification helpers
//	if errors.IsRetryable(err) { ... }
//	if errors.IsUserFacing(err) { ... }
//
// # Error Classification
//
// Errors can be classified by severity and behavior:
//   - Retryable: transient errors that may succeed on retry
//   - UserFacing: errors safe to display to operators (vs internal errors)
//   - Severity: Debug, Info, Warning, Error, Critical
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity represents the severity level of an error.
type Severity int

const (
	// SeverityDebug is for errors that are useful for debugging but not critical.
	SeverityDebug Severity = iota
	// SeverityInfo is for informational errors that don't indicate a problem.
	SeverityInfo
	// SeverityWarning is for errors that might indicate a problem but aren't critical.
	SeverityWarning
	// SeverityError is for errors that indicate a real problem.
	SeverityError
	// SeverityCritical is for errors that require immediate attention.
	SeverityCritical
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Admission-control sentinel errors
var (
	// ErrCircuitOpen indicates the spawn circuit breaker is open.
	ErrCircuitOpen = New("spawn circuit is open")
	// ErrRateLimited indicates the spawn rate window is full.
	ErrRateLimited = New("spawn rate limit exceeded")
	// ErrDuplicateTask indicates a task with the same key is already running.
	ErrDuplicateTask = New("task already running")
	// ErrTaskAlreadyCompleted indicates a task with the same key already completed.
	ErrTaskAlreadyCompleted = New("task already completed")
	// ErrSpawnFailed indicates the downstream gateway rejected or failed the spawn.
	ErrSpawnFailed = New("agent spawn failed")
)

// Pipeline sentinel errors
var (
	// ErrRunNotFound indicates a pipeline run could not be found.
	ErrRunNotFound = New("pipeline run not found")
	// ErrPhaseNotFound indicates no phase state exists for the given phase.
	ErrPhaseNotFound = New("phase state not found")
	// ErrStepNotFound indicates a step could not be found in the run.
	ErrStepNotFound = New("step not found")
	// ErrRetryExhausted indicates a step spent its full retry budget.
	ErrRetryExhausted = New("retry attempts exhausted")
	// ErrRunCanceled indicates the pipeline run was canceled.
	ErrRunCanceled = New("pipeline run canceled")
)

// Merge and review sentinel errors
var (
	// ErrMergeConflict indicates a merge conflict occurred.
	ErrMergeConflict = New("merge conflict")
	// ErrNoResolver indicates no conflict resolver record exists for the run.
	ErrNoResolver = New("no conflict resolver in flight")
	// ErrFixCycleLimit indicates the review fix-cycle budget was spent.
	ErrFixCycleLimit = New("fix cycle limit reached")
	// ErrReviewNotStarted indicates no review chain exists for the phase.
	ErrReviewNotStarted = New("review not started")
	// ErrReviewClosed indicates the review chain already reached a terminal state.
	ErrReviewClosed = New("review already closed")
)

// Git-related sentinel errors
var (
	// ErrNotGitRepository indicates that the directory is not a git repository.
	ErrNotGitRepository = New("not a git repository")
	// ErrBranchNotFound indicates that a branch could not be found.
	ErrBranchNotFound = New("branch not found")
	// ErrBranchExists indicates that a branch already exists.
	ErrBranchExists = New("branch already exists")
	// ErrDirtyWorktree indicates that the worktree has uncommitted changes.
	ErrDirtyWorktree = New("worktree has uncommitted changes")
)

// General sentinel errors
var (
	// ErrTimeout indicates that an operation timed out.
	ErrTimeout = New("operation timed out")
	// ErrCanceled indicates that an operation was canceled.
	ErrCanceled = New("operation canceled")
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
	// ErrOperationFailed indicates a general operation failure.
	ErrOperationFailed = New("operation failed")
)

// -----------------------------------------------------------------------------
// Base Error Interface
// -----------------------------------------------------------------------------

// OrchestrationError is the base interface for all SwarmOps errors.
// It extends the standard error interface with additional methods for
// error handling and classification.
type OrchestrationError interface {
	error

	// Unwrap returns the underlying error, if any.
	Unwrap() error

	// Is reports whether this error matches the target error.
	// This is used by errors.Is() for error comparison.
	Is(target error) bool

	// Severity returns the severity level of this error.
	Severity() Severity

	// IsRetryable returns true if the error is transient and the operation
	// may succeed on retry.
	IsRetryable() bool

	// IsUserFacing returns true if the error message is safe to display
	// to operators.
	IsUserFacing() bool
}

// -----------------------------------------------------------------------------
// Base Error Implementation
// -----------------------------------------------------------------------------

// baseError provides common functionality for all error types.
type baseError struct {
	message    string
	cause      error
	severity   Severity
	retryable  bool
	userFacing bool
}

// Error returns the error message.
func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Unwrap returns the underlying error.
func (e *baseError) Unwrap() error {
	return e.cause
}

// Is checks if this error matches the target.
func (e *baseError) Is(target error) bool {
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

// Severity returns the error severity.
func (e *baseError) Severity() Severity {
	return e.severity
}

// IsRetryable returns whether the error is retryable.
func (e *baseError) IsRetryable() bool {
	return e.retryable
}

// IsUserFacing returns whether the error is safe to show operators.
func (e *baseError) IsUserFacing() bool {
	return e.userFacing
}

// -----------------------------------------------------------------------------
// Domain-Specific Errors
// -----------------------------------------------------------------------------

// SpawnError represents errors from the admission-control layer.
//
// Example:
//
//	err := errors.NewSpawnError("spawn rejected", errors.ErrCircuitOpen)
//	err = err.WithTaskKey("run-1/step-3").WithCooldown(42 * time.Second)
type SpawnError struct {
	baseError
	TaskKey  string
	Cooldown time.Duration
}

// NewSpawnError creates a new SpawnError.
func NewSpawnError(message string, cause error) *SpawnError {
	return &SpawnError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityWarning,
			retryable:  true, // admission rejections are deferred work, not failures
			userFacing: true,
		},
	}
}

// WithTaskKey adds the task key to the error context.
func (e *SpawnError) WithTaskKey(key string) *SpawnError {
	e.TaskKey = key
	return e
}

// WithCooldown records how long until the guard may admit again.
func (e *SpawnError) WithCooldown(d time.Duration) *SpawnError {
	e.Cooldown = d
	return e
}

// WithSeverity sets the error severity.
func (e *SpawnError) WithSeverity(s Severity) *SpawnError {
	e.severity = s
	return e
}

// WithRetryable sets whether the error is retryable.
func (e *SpawnError) WithRetryable(r bool) *SpawnError {
	e.retryable = r
	return e
}

// Error returns the formatted error message.
func (e *SpawnError) Error() string {
	var parts []string
	if e.TaskKey != "" {
		parts = append(parts, fmt.Sprintf("task=%s", e.TaskKey))
	}
	if e.Cooldown > 0 {
		parts = append(parts, fmt.Sprintf("cooldown=%s", e.Cooldown))
	}

	prefix := "spawn error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("spawn error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *SpawnError) Is(target error) bool {
	if _, ok := target.(*SpawnError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// PipelineError represents errors related to pipeline run sequencing.
//
// Example:
//
//	err := errors.NewPipelineError("step execution failed", errors.ErrRetryExhausted)
//	err = err.WithRunID("run-1").WithStepOrder(3)
type PipelineError struct {
	baseError
	RunID     string
	StepOrder int
	Phase     int
}

// NewPipelineError creates a new PipelineError.
func NewPipelineError(message string, cause error) *PipelineError {
	return &PipelineError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityError,
			retryable:  false,
			userFacing: true,
		},
		StepOrder: -1, // -1 indicates not set
		Phase:     -1,
	}
}

// WithRunID adds a run ID to the error context.
func (e *PipelineError) WithRunID(id string) *PipelineError {
	e.RunID = id
	return e
}

// WithStepOrder adds a step order to the error context.
func (e *PipelineError) WithStepOrder(order int) *PipelineError {
	e.StepOrder = order
	return e
}

// WithPhase adds a phase number to the error context.
func (e *PipelineError) WithPhase(phase int) *PipelineError {
	e.Phase = phase
	return e
}

// WithSeverity sets the error severity.
func (e *PipelineError) WithSeverity(s Severity) *PipelineError {
	e.severity = s
	return e
}

// WithRetryable sets whether the error is retryable.
func (e *PipelineError) WithRetryable(r bool) *PipelineError {
	e.retryable = r
	return e
}

// Error returns the formatted error message.
func (e *PipelineError) Error() string {
	var parts []string
	if e.RunID != "" {
		parts = append(parts, fmt.Sprintf("run=%s", e.RunID))
	}
	if e.StepOrder >= 0 {
		parts = append(parts, fmt.Sprintf("step=%d", e.StepOrder))
	}
	if e.Phase >= 0 {
		parts = append(parts, fmt.Sprintf("phase=%d", e.Phase))
	}

	prefix := "pipeline error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("pipeline error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *PipelineError) Is(target error) bool {
	if _, ok := target.(*PipelineError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// MergeError represents errors related to phase-branch merging.
//
// Example:
//
//	err := errors.NewMergeError("merge failed", errors.ErrMergeConflict)
//	err = err.WithBranch("phase-2/worker-b").WithPhase(2)
type MergeError struct {
	baseError
	RunID  string
	Phase  int
	Branch string
}

// NewMergeError creates a new MergeError.
func NewMergeError(message string, cause error) *MergeError {
	return &MergeError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityError,
			retryable:  false,
			userFacing: true,
		},
		Phase: -1,
	}
}

// WithRunID adds a run ID to the error context.
func (e *MergeError) WithRunID(id string) *MergeError {
	e.RunID = id
	return e
}

// WithPhase adds a phase number to the error context.
func (e *MergeError) WithPhase(phase int) *MergeError {
	e.Phase = phase
	return e
}

// WithBranch adds a branch name to the error context.
func (e *MergeError) WithBranch(branch string) *MergeError {
	e.Branch = branch
	return e
}

// WithSeverity sets the error severity.
func (e *MergeError) WithSeverity(s Severity) *MergeError {
	e.severity = s
	return e
}

// Error returns the formatted error message.
func (e *MergeError) Error() string {
	var parts []string
	if e.RunID != "" {
		parts = append(parts, fmt.Sprintf("run=%s", e.RunID))
	}
	if e.Phase >= 0 {
		parts = append(parts, fmt.Sprintf("phase=%d", e.Phase))
	}
	if e.Branch != "" {
		parts = append(parts, fmt.Sprintf("branch=%s", e.Branch))
	}

	prefix := "merge error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("merge error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *MergeError) Is(target error) bool {
	if _, ok := target.(*MergeError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// ReviewError represents errors related to the review chain.
//
// Example:
//
//	err := errors.NewReviewError("fixer failed", cause)
//	err = err.WithRunID("run-1").WithPhase(2).WithReviewer("security")
type ReviewError struct {
	baseError
	RunID    string
	Phase    int
	Reviewer string
}

// NewReviewError creates a new ReviewError.
func NewReviewError(message string, cause error) *ReviewError {
	return &ReviewError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityError,
			retryable:  false,
			userFacing: true,
		},
		Phase: -1,
	}
}

// WithRunID adds a run ID to the error context.
func (e *ReviewError) WithRunID(id string) *ReviewError {
	e.RunID = id
	return e
}

// WithPhase adds a phase number to the error context.
func (e *ReviewError) WithPhase(phase int) *ReviewError {
	e.Phase = phase
	return e
}

// WithReviewer adds the reviewer role to the error context.
func (e *ReviewError) WithReviewer(role string) *ReviewError {
	e.Reviewer = role
	return e
}

// Error returns the formatted error message.
func (e *ReviewError) Error() string {
	var parts []string
	if e.RunID != "" {
		parts = append(parts, fmt.Sprintf("run=%s", e.RunID))
	}
	if e.Phase >= 0 {
		parts = append(parts, fmt.Sprintf("phase=%d", e.Phase))
	}
	if e.Reviewer != "" {
		parts = append(parts, fmt.Sprintf("reviewer=%s", e.Reviewer))
	}

	prefix := "review error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("review error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *ReviewError) Is(target error) bool {
	if _, ok := target.(*ReviewError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// GitError represents errors related to git operations.
//
// Example:
//
//	err := errors.NewGitError("merge failed", errors.ErrMergeConflict)
//	err = err.WithBranch("phase-1/worker-a").WithGitOutput(out)
type GitError struct {
	baseError
	Branch     string
	Repository string
	GitOutput  string // Captured git command output
}

// NewGitError creates a new GitError.
func NewGitError(message string, cause error) *GitError {
	return &GitError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityError,
			retryable:  false,
			userFacing: true,
		},
	}
}

// WithBranch adds a branch name to the error context.
func (e *GitError) WithBranch(branch string) *GitError {
	e.Branch = branch
	return e
}

// WithRepository adds a repository path to the error context.
func (e *GitError) WithRepository(path string) *GitError {
	e.Repository = path
	return e
}

// WithGitOutput adds git command output to the error context.
func (e *GitError) WithGitOutput(output string) *GitError {
	e.GitOutput = output
	return e
}

// WithSeverity sets the error severity.
func (e *GitError) WithSeverity(s Severity) *GitError {
	e.severity = s
	return e
}

// Error returns the formatted error message.
func (e *GitError) Error() string {
	var parts []string
	if e.Branch != "" {
		parts = append(parts, fmt.Sprintf("branch=%s", e.Branch))
	}
	if e.Repository != "" {
		parts = append(parts, fmt.Sprintf("repo=%s", e.Repository))
	}

	prefix := "git error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("git error [%s]", strings.Join(parts, ", "))
	}

	msg := e.message
	if e.cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.cause)
	}
	if e.GitOutput != "" {
		msg = fmt.Sprintf("%s\ngit output: %s", msg, e.GitOutput)
	}

	return fmt.Sprintf("%s: %s", prefix, msg)
}

// Is checks if this error matches the target.
func (e *GitError) Is(target error) bool {
	if _, ok := target.(*GitError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// StoreError represents errors from the keyed state store.
type StoreError struct {
	baseError
	Key string
}

// NewStoreError creates a new StoreError.
func NewStoreError(message string, cause error) *StoreError {
	return &StoreError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityError,
			retryable:  false,
			userFacing: false,
		},
	}
}

// WithKey adds the record key to the error context.
func (e *StoreError) WithKey(key string) *StoreError {
	e.Key = key
	return e
}

// Error returns the formatted error message.
func (e *StoreError) Error() string {
	prefix := "store error"
	if e.Key != "" {
		prefix = fmt.Sprintf("store error [key=%s]", e.Key)
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *StoreError) Is(target error) bool {
	if _, ok := target.(*StoreError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Semantic Errors
// -----------------------------------------------------------------------------

// NotFoundError represents a resource that could not be found.
//
// Example:
//
//	err := errors.NewNotFoundError("run", "run-42")
//	fmt.Println(err) // "run 'run-42' not found"
type NotFoundError struct {
	baseError
	ResourceType string
	ResourceID   string
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(resourceType, resourceID string) *NotFoundError {
	return &NotFoundError{
		baseError: baseError{
			message:    fmt.Sprintf("%s '%s' not found", resourceType, resourceID),
			severity:   SeverityWarning,
			retryable:  false,
			userFacing: true,
		},
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
}

// WithCause adds a cause to the error.
func (e *NotFoundError) WithCause(cause error) *NotFoundError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *NotFoundError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s '%s' not found: %v", e.ResourceType, e.ResourceID, e.cause)
	}
	return fmt.Sprintf("%s '%s' not found", e.ResourceType, e.ResourceID)
}

// Is checks if this error matches the target.
func (e *NotFoundError) Is(target error) bool {
	if _, ok := target.(*NotFoundError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// AlreadyExistsError represents a resource that already exists.
//
// Example:
//
//	err := errors.NewAlreadyExistsError("branch", "phase-1/worker-a")
//	fmt.Println(err) // "branch 'phase-1/worker-a' already exists"
type AlreadyExistsError struct {
	baseError
	ResourceType string
	ResourceID   string
}

// NewAlreadyExistsError creates a new AlreadyExistsError.
func NewAlreadyExistsError(resourceType, resourceID string) *AlreadyExistsError {
	return &AlreadyExistsError{
		baseError: baseError{
			message:    fmt.Sprintf("%s '%s' already exists", resourceType, resourceID),
			severity:   SeverityWarning,
			retryable:  false,
			userFacing: true,
		},
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
}

// WithCause adds a cause to the error.
func (e *AlreadyExistsError) WithCause(cause error) *AlreadyExistsError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *AlreadyExistsError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s '%s' already exists: %v", e.ResourceType, e.ResourceID, e.cause)
	}
	return fmt.Sprintf("%s '%s' already exists", e.ResourceType, e.ResourceID)
}

// Is checks if this error matches the target.
func (e *AlreadyExistsError) Is(target error) bool {
	if _, ok := target.(*AlreadyExistsError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// ValidationError represents invalid input or state.
//
// Example:
//
//	err := errors.NewValidationError("run ID cannot be empty")
//	err = err.WithField("runID").WithValue("")
type ValidationError struct {
	baseError
	Field string
	Value any
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{
		baseError: baseError{
			message:    message,
			severity:   SeverityWarning,
			retryable:  false,
			userFacing: true,
		},
	}
}

// WithField adds a field name to the error context.
func (e *ValidationError) WithField(field string) *ValidationError {
	e.Field = field
	return e
}

// WithValue adds the invalid value to the error context.
func (e *ValidationError) WithValue(value any) *ValidationError {
	e.Value = value
	return e
}

// WithCause adds a cause to the error.
func (e *ValidationError) WithCause(cause error) *ValidationError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *ValidationError) Error() string {
	var parts []string
	if e.Field != "" {
		parts = append(parts, fmt.Sprintf("field=%s", e.Field))
	}
	if e.Value != nil {
		parts = append(parts, fmt.Sprintf("value=%v", e.Value))
	}

	prefix := "validation error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("validation error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *ValidationError) Is(target error) bool {
	if _, ok := target.(*ValidationError); ok {
		return true
	}
	if errors.Is(target, ErrInvalidInput) {
		return true
	}
	return e.baseError.Is(target)
}

// TimeoutError represents an operation that timed out.
//
// Example:
//
//	err := errors.NewTimeoutError("waiting for worker completion", 30*time.Minute)
//	fmt.Println(err) // "timeout error: waiting for worker completion (timeout: 30m0s)"
type TimeoutError struct {
	baseError
	Operation string
	Duration  time.Duration
}

// NewTimeoutError creates a new TimeoutError.
func NewTimeoutError(operation string, duration time.Duration) *TimeoutError {
	return &TimeoutError{
		baseError: baseError{
			message:    operation,
			severity:   SeverityWarning,
			retryable:  true, // Timeouts are generally retryable
			userFacing: true,
		},
		Operation: operation,
		Duration:  duration,
	}
}

// WithCause adds a cause to the error.
func (e *TimeoutError) WithCause(cause error) *TimeoutError {
	e.cause = cause
	return e
}

// WithRetryable sets whether the error is retryable (default true for timeouts).
func (e *TimeoutError) WithRetryable(r bool) *TimeoutError {
	e.retryable = r
	return e
}

// Error returns the formatted error message.
func (e *TimeoutError) Error() string {
	base := fmt.Sprintf("timeout error: %s (timeout: %s)", e.Operation, e.Duration)
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", base, e.cause)
	}
	return base
}

// Is checks if this error matches the target.
func (e *TimeoutError) Is(target error) bool {
	if _, ok := target.(*TimeoutError); ok {
		return true
	}
	if errors.Is(target, ErrTimeout) {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Error Classification Helpers
// -----------------------------------------------------------------------------

// IsRetryable returns true if the error represents a transient condition
// that may succeed on retry. This checks for:
//   - Errors implementing OrchestrationError with IsRetryable() returning true
//   - TimeoutError instances
//   - Errors wrapping ErrTimeout
//
// Example:
//
//	if errors.IsRetryable(err) {
//	    time.Sleep(backoff)
//	    return retry(operation)
//	}
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var oerr OrchestrationError
	if As(err, &oerr) {
		return oerr.IsRetryable()
	}

	// Check for known retryable sentinel errors
	if Is(err, ErrTimeout) {
		return true
	}

	return false
}

// IsAdmissionRejection returns true if the error represents an admission-control
// rejection (circuit open or rate limited). Admission rejections are deferred
// work, not failures of the underlying task.
func IsAdmissionRejection(err error) bool {
	if err == nil {
		return false
	}
	return Is(err, ErrCircuitOpen) || Is(err, ErrRateLimited)
}

// IsUserFacing returns true if the error message is safe to display to operators.
// This checks for:
//   - Errors implementing OrchestrationError with IsUserFacing() returning true
//   - Semantic errors (NotFoundError, AlreadyExistsError, ValidationError, TimeoutError)
//
// Example:
//
//	if errors.IsUserFacing(err) {
//	    displayToUser(err.Error())
//	} else {
//	    displayToUser("An internal error occurred")
//	    log.Error("internal error", "err", err)
//	}
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}

	var oerr OrchestrationError
	if As(err, &oerr) {
		return oerr.IsUserFacing()
	}

	// Semantic errors are always user-facing
	var notFound *NotFoundError
	var alreadyExists *AlreadyExistsError
	var validation *ValidationError
	var timeout *TimeoutError

	if As(err, &notFound) || As(err, &alreadyExists) ||
		As(err, &validation) || As(err, &timeout) {
		return true
	}

	return false
}

// GetSeverity returns the severity level of the error.
// Returns SeverityError for errors that don't implement OrchestrationError.
//
// Example:
//
//	switch errors.GetSeverity(err) {
//	case errors.SeverityCritical:
//	    alertOnCall(err)
//	case errors.SeverityError:
//	    log.Error("error occurred", "err", err)
//	case errors.SeverityWarning:
//	    log.Warn("warning", "err", err)
//	}
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityDebug
	}

	var oerr OrchestrationError
	if As(err, &oerr) {
		return oerr.Severity()
	}

	// Default to Error severity for unknown errors
	return SeverityError
}

// IsDomainError returns true if the error is a domain-specific error
// (SpawnError, PipelineError, MergeError, ReviewError, GitError, or StoreError).
func IsDomainError(err error) bool {
	if err == nil {
		return false
	}

	var spawnErr *SpawnError
	var pipelineErr *PipelineError
	var mergeErr *MergeError
	var reviewErr *ReviewError
	var gitErr *GitError
	var storeErr *StoreError

	return As(err, &spawnErr) || As(err, &pipelineErr) ||
		As(err, &mergeErr) || As(err, &reviewErr) ||
		As(err, &gitErr) || As(err, &storeErr)
}

// IsSemanticError returns true if the error is a semantic error
// (NotFoundError, AlreadyExistsError, ValidationError, or TimeoutError).
func IsSemanticError(err error) bool {
	if err == nil {
		return false
	}

	var notFound *NotFoundError
	var alreadyExists *AlreadyExistsError
	var validation *ValidationError
	var timeout *TimeoutError

	return As(err, &notFound) || As(err, &alreadyExists) ||
		As(err, &validation) || As(err, &timeout)
}

// -----------------------------------------------------------------------------
// Convenience Constructors
// -----------------------------------------------------------------------------

// Wrap wraps an error with additional context message.
// Unlike fmt.Errorf with %w, this preserves the OrchestrationError interface.
//
// Example:
//
//	err := errors.Wrap(baseErr, "failed to process webhook")
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted context message.
//
// Example:
//
//	err := errors.Wrapf(baseErr, "failed to advance run %s", runID)
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

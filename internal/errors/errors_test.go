package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

// -----------------------------------------------------------------------------
// Severity Tests
// -----------------------------------------------------------------------------

func TestSeverity_String(t *testing.T) {
	tests := []struct {
		severity Severity
		want     string
	}{
		{SeverityDebug, "debug"},
		{SeverityInfo, "info"},
		{SeverityWarning, "warning"},
		{SeverityError, "error"},
		{SeverityCritical, "critical"},
		{Severity(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.severity.String(); got != tt.want {
				t.Errorf("Severity.String() = %q, want %q", got, tt.want)
			}
		})
	}
}

// -----------------------------------------------------------------------------
// SpawnError Tests
// -----------------------------------------------------------------------------

func TestNewSpawnError(t *testing.T) {
	cause := ErrCircuitOpen
	err := NewSpawnError("spawn rejected", cause)

	if err.message != "spawn rejected" {
		t.Errorf("message = %q, want %q", err.message, "spawn rejected")
	}
	if err.cause != cause {
		t.Errorf("cause = %v, want %v", err.cause, cause)
	}
	if err.Severity() != SeverityWarning {
		t.Errorf("Severity() = %v, want %v", err.Severity(), SeverityWarning)
	}
	if !err.IsRetryable() {
		t.Error("IsRetryable() = false, want true")
	}
	if !err.IsUserFacing() {
		t.Error("IsUserFacing() = false, want true")
	}
}

func TestSpawnError_WithMethods(t *testing.T) {
	err := NewSpawnError("test", nil).
		WithTaskKey("run-1/step-3").
		WithCooldown(42 * time.Second).
		WithSeverity(SeverityCritical).
		WithRetryable(false)

	if err.TaskKey != "run-1/step-3" {
		t.Errorf("TaskKey = %q, want %q", err.TaskKey, "run-1/step-3")
	}
	if err.Cooldown != 42*time.Second {
		t.Errorf("Cooldown = %v, want %v", err.Cooldown, 42*time.Second)
	}
	if err.Severity() != SeverityCritical {
		t.Errorf("Severity() = %v, want %v", err.Severity(), SeverityCritical)
	}
	if err.IsRetryable() {
		t.Error("IsRetryable() = true, want false")
	}
}

func TestSpawnError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *SpawnError
		want string
	}{
		{
			name: "message only",
			err:  NewSpawnError("spawn rejected", nil),
			want: "spawn error: spawn rejected",
		},
		{
			name: "with cause",
			err:  NewSpawnError("spawn rejected", ErrRateLimited),
			want: "spawn error: spawn rejected: spawn rate limit exceeded",
		},
		{
			name: "with task key",
			err:  NewSpawnError("spawn rejected", nil).WithTaskKey("run-1/step-2"),
			want: "spawn error [task=run-1/step-2]: spawn rejected",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSpawnError_Is(t *testing.T) {
	err := NewSpawnError("rejected", ErrCircuitOpen)

	if !Is(err, ErrCircuitOpen) {
		t.Error("Is(err, ErrCircuitOpen) = false, want true")
	}
	if Is(err, ErrRateLimited) {
		t.Error("Is(err, ErrRateLimited) = true, want false")
	}

	var target *SpawnError
	if !As(err, &target) {
		t.Error("As(err, *SpawnError) = false, want true")
	}
}

// -----------------------------------------------------------------------------
// PipelineError Tests
// -----------------------------------------------------------------------------

func TestPipelineError(t *testing.T) {
	err := NewPipelineError("step failed", ErrRetryExhausted).
		WithRunID("run-1").
		WithStepOrder(3).
		WithPhase(2)

	want := "pipeline error [run=run-1, step=3, phase=2]: step failed: retry attempts exhausted"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if !Is(err, ErrRetryExhausted) {
		t.Error("Is(err, ErrRetryExhausted) = false, want true")
	}
}

func TestPipelineError_UnsetFieldsOmitted(t *testing.T) {
	err := NewPipelineError("run missing", ErrRunNotFound).WithRunID("run-9")
	want := "pipeline error [run=run-9]: run missing: pipeline run not found"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

// -----------------------------------------------------------------------------
// MergeError Tests
// -----------------------------------------------------------------------------

func TestMergeError(t *testing.T) {
	err := NewMergeError("sequential merge halted", ErrMergeConflict).
		WithRunID("run-1").
		WithPhase(2).
		WithBranch("phase-2/worker-b")

	want := "merge error [run=run-1, phase=2, branch=phase-2/worker-b]: sequential merge halted: merge conflict"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if !Is(err, ErrMergeConflict) {
		t.Error("Is(err, ErrMergeConflict) = false, want true")
	}
}

// -----------------------------------------------------------------------------
// ReviewError Tests
// -----------------------------------------------------------------------------

func TestReviewError(t *testing.T) {
	err := NewReviewError("fix cycles spent", ErrFixCycleLimit).
		WithRunID("run-1").
		WithPhase(1).
		WithReviewer("security")

	want := "review error [run=run-1, phase=1, reviewer=security]: fix cycles spent: fix cycle limit reached"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

// -----------------------------------------------------------------------------
// GitError Tests
// -----------------------------------------------------------------------------

func TestGitError_WithGitOutput(t *testing.T) {
	err := NewGitError("merge failed", ErrMergeConflict).
		WithBranch("phase-1/worker-a").
		WithGitOutput("CONFLICT (content): Merge conflict in main.go")

	got := err.Error()
	wantPrefix := "git error [branch=phase-1/worker-a]: merge failed: merge conflict"
	wantOutput := "git output: CONFLICT (content): Merge conflict in main.go"

	if !strings.HasPrefix(got, wantPrefix) {
		t.Errorf("Error() = %q, want prefix %q", got, wantPrefix)
	}
	if !strings.Contains(got, wantOutput) {
		t.Errorf("Error() = %q, want to contain %q", got, wantOutput)
	}
}

// -----------------------------------------------------------------------------
// StoreError Tests
// -----------------------------------------------------------------------------

func TestStoreError(t *testing.T) {
	cause := errors.New("disk full")
	err := NewStoreError("put failed", cause).WithKey("retry-state/200042")

	want := "store error [key=retry-state/200042]: put failed: disk full"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if err.IsUserFacing() {
		t.Error("IsUserFacing() = true, want false")
	}
}

// -----------------------------------------------------------------------------
// Semantic Error Tests
// -----------------------------------------------------------------------------

func TestNotFoundError(t *testing.T) {
	err := NewNotFoundError("run", "run-42")

	want := "run 'run-42' not found"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if err.ResourceType != "run" {
		t.Errorf("ResourceType = %q, want %q", err.ResourceType, "run")
	}

	var target *NotFoundError
	if !As(err, &target) {
		t.Error("As(err, *NotFoundError) = false, want true")
	}
}

func TestAlreadyExistsError(t *testing.T) {
	err := NewAlreadyExistsError("branch", "phase-1/worker-a")

	want := "branch 'phase-1/worker-a' already exists"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestValidationError(t *testing.T) {
	err := NewValidationError("run ID cannot be empty").
		WithField("runID")

	want := "validation error [field=runID]: run ID cannot be empty"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if !Is(err, ErrInvalidInput) {
		t.Error("Is(err, ErrInvalidInput) = false, want true")
	}
}

func TestTimeoutError(t *testing.T) {
	err := NewTimeoutError("waiting for worker completion", 30*time.Second)

	want := "timeout error: waiting for worker completion (timeout: 30s)"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if !err.IsRetryable() {
		t.Error("IsRetryable() = false, want true")
	}
	if !Is(err, ErrTimeout) {
		t.Error("Is(err, ErrTimeout) = false, want true")
	}
}

// -----------------------------------------------------------------------------
// Classification Helper Tests
// -----------------------------------------------------------------------------

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil error", nil, false},
		{"spawn error default", NewSpawnError("rejected", ErrCircuitOpen), true},
		{"pipeline error default", NewPipelineError("failed", nil), false},
		{"pipeline error marked retryable", NewPipelineError("failed", nil).WithRetryable(true), true},
		{"timeout error", NewTimeoutError("op", time.Second), true},
		{"wrapped ErrTimeout", fmt.Errorf("op: %w", ErrTimeout), true},
		{"plain error", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsAdmissionRejection(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil error", nil, false},
		{"direct circuit open", ErrCircuitOpen, true},
		{"wrapped circuit open", NewSpawnError("rejected", ErrCircuitOpen), true},
		{"wrapped rate limited", fmt.Errorf("spawn: %w", ErrRateLimited), true},
		{"duplicate task", NewSpawnError("rejected", ErrDuplicateTask), false},
		{"plain error", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsAdmissionRejection(tt.err); got != tt.want {
				t.Errorf("IsAdmissionRejection() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsUserFacing(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil error", nil, false},
		{"merge error", NewMergeError("failed", nil), true},
		{"store error", NewStoreError("failed", nil), false},
		{"not found", NewNotFoundError("run", "x"), true},
		{"plain error", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsUserFacing(tt.err); got != tt.want {
				t.Errorf("IsUserFacing() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetSeverity(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Severity
	}{
		{"nil error", nil, SeverityDebug},
		{"spawn error", NewSpawnError("rejected", nil), SeverityWarning},
		{"merge error", NewMergeError("failed", nil), SeverityError},
		{"escalated severity", NewMergeError("failed", nil).WithSeverity(SeverityCritical), SeverityCritical},
		{"plain error", errors.New("boom"), SeverityError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetSeverity(tt.err); got != tt.want {
				t.Errorf("GetSeverity() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsDomainError(t *testing.T) {
	if !IsDomainError(NewSpawnError("x", nil)) {
		t.Error("IsDomainError(SpawnError) = false, want true")
	}
	if !IsDomainError(NewStoreError("x", nil)) {
		t.Error("IsDomainError(StoreError) = false, want true")
	}
	if IsDomainError(NewNotFoundError("run", "x")) {
		t.Error("IsDomainError(NotFoundError) = true, want false")
	}
	if IsDomainError(errors.New("boom")) {
		t.Error("IsDomainError(plain) = true, want false")
	}
}

func TestIsSemanticError(t *testing.T) {
	if !IsSemanticError(NewValidationError("x")) {
		t.Error("IsSemanticError(ValidationError) = false, want true")
	}
	if IsSemanticError(NewMergeError("x", nil)) {
		t.Error("IsSemanticError(MergeError) = true, want false")
	}
}

// -----------------------------------------------------------------------------
// Wrap Tests
// -----------------------------------------------------------------------------

func TestWrap(t *testing.T) {
	base := ErrMergeConflict
	err := Wrap(base, "merging phase branch")

	want := "merging phase branch: merge conflict"
	if got := err.Error(); got != want {
		t.Errorf("Wrap() = %q, want %q", got, want)
	}
	if !Is(err, ErrMergeConflict) {
		t.Error("Is(wrapped, ErrMergeConflict) = false, want true")
	}

	if Wrap(nil, "context") != nil {
		t.Error("Wrap(nil) != nil")
	}
}

func TestWrapf(t *testing.T) {
	err := Wrapf(ErrRunNotFound, "advancing run %s", "run-7")

	want := "advancing run run-7: pipeline run not found"
	if got := err.Error(); got != want {
		t.Errorf("Wrapf() = %q, want %q", got, want)
	}

	if Wrapf(nil, "context %d", 1) != nil {
		t.Error("Wrapf(nil) != nil")
	}
}

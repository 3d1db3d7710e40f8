// Package gitops wraps the git CLI operations the phase merger needs.
//
// Commands run through a CommandExecutor so tests can script git behavior
// without a real repository.
package gitops

import (
	"os/exec"
	"strings"

	"github.com/karlmjogila/swarmops-sub006/internal/errors"
)

// CommandExecutor abstracts command execution for testability.
type CommandExecutor interface {
	// Run executes a command in dir and returns combined output.
	Run(dir string, name string, args ...string) ([]byte, error)
}

// CLICommandExecutor executes commands using os/exec.
type CLICommandExecutor struct{}

// Run executes a command and returns combined output.
func (e *CLICommandExecutor) Run(dir string, name string, args ...string) ([]byte, error) {
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	return cmd.CombinedOutput()
}

// MergeConflictError reports a conflicting merge, with the files involved.
type MergeConflictError struct {
	Branch string
	Files  []string
	Output string
}

func (e *MergeConflictError) Error() string {
	return "merge conflict on branch " + e.Branch
}

// Unwrap lets callers match errors.ErrMergeConflict.
func (e *MergeConflictError) Unwrap() error {
	return errors.ErrMergeConflict
}

// Git performs repository operations in a fixed directory.
type Git struct {
	repoDir  string
	executor CommandExecutor
}

// New creates a Git for the given repository directory.
func New(repoDir string) *Git {
	return &Git{repoDir: repoDir, executor: &CLICommandExecutor{}}
}

// NewWithExecutor creates a Git with a custom executor, for tests.
func NewWithExecutor(repoDir string, executor CommandExecutor) *Git {
	return &Git{repoDir: repoDir, executor: executor}
}

// Checkout switches the working tree to the given branch.
func (g *Git) Checkout(branch string) error {
	output, err := g.executor.Run(g.repoDir, "git", "checkout", branch)
	if err != nil {
		if strings.Contains(string(output), "did not match any") ||
			strings.Contains(string(output), "pathspec") {
			return errors.NewGitError("branch not found", errors.ErrBranchNotFound).
				WithBranch(branch).
				WithRepository(g.repoDir).
				WithGitOutput(string(output))
		}
		return errors.NewGitError("failed to checkout branch", err).
			WithBranch(branch).
			WithRepository(g.repoDir).
			WithGitOutput(string(output))
	}
	return nil
}

// BranchExists reports whether a local branch exists.
func (g *Git) BranchExists(branch string) bool {
	_, err := g.executor.Run(g.repoDir, "git", "rev-parse", "--verify", "refs/heads/"+branch)
	return err == nil
}

// CreateBranch creates a branch at the given start point.
func (g *Git) CreateBranch(branch, startPoint string) error {
	output, err := g.executor.Run(g.repoDir, "git", "branch", branch, startPoint)
	if err != nil {
		if strings.Contains(string(output), "already exists") {
			return errors.NewGitError("branch already exists", errors.ErrBranchExists).
				WithBranch(branch).
				WithRepository(g.repoDir).
				WithGitOutput(string(output))
		}
		return errors.NewGitError("failed to create branch", err).
			WithBranch(branch).
			WithRepository(g.repoDir).
			WithGitOutput(string(output))
	}
	return nil
}

// MergeBranch merges the given branch into the current branch with a merge
// commit. On conflict the in-progress merge is aborted and a
// MergeConflictError carrying the conflicting files is returned.
func (g *Git) MergeBranch(branch, message string) error {
	output, err := g.executor.Run(g.repoDir, "git", "merge", "--no-ff", "-m", message, branch)
	if err == nil {
		return nil
	}

	if isConflictOutput(string(output)) {
		files, _ := g.ConflictingFiles()
		if abortErr := g.AbortMerge(); abortErr != nil {
			return errors.NewGitError("failed to abort conflicting merge", abortErr).
				WithBranch(branch).
				WithRepository(g.repoDir).
				WithGitOutput(string(output))
		}
		return &MergeConflictError{Branch: branch, Files: files, Output: string(output)}
	}

	return errors.NewGitError("failed to merge branch", err).
		WithBranch(branch).
		WithRepository(g.repoDir).
		WithGitOutput(string(output))
}

// AbortMerge aborts an in-progress merge.
func (g *Git) AbortMerge() error {
	output, err := g.executor.Run(g.repoDir, "git", "merge", "--abort")
	if err != nil {
		return errors.NewGitError("failed to abort merge", err).
			WithRepository(g.repoDir).
			WithGitOutput(string(output))
	}
	return nil
}

// ConflictingFiles lists unmerged paths during an in-progress merge.
func (g *Git) ConflictingFiles() ([]string, error) {
	output, err := g.executor.Run(g.repoDir, "git", "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, errors.NewGitError("failed to list conflicting files", err).
			WithRepository(g.repoDir).
			WithGitOutput(string(output))
	}
	return splitLines(string(output)), nil
}

// ChangedFiles lists the paths changed on branch relative to base.
func (g *Git) ChangedFiles(base, branch string) ([]string, error) {
	output, err := g.executor.Run(g.repoDir, "git", "diff", "--name-only", base+"..."+branch)
	if err != nil {
		return nil, errors.NewGitError("failed to diff branches", err).
			WithBranch(branch).
			WithRepository(g.repoDir).
			WithGitOutput(string(output))
	}
	return splitLines(string(output)), nil
}

// DeleteBranch removes a local branch.
func (g *Git) DeleteBranch(branch string) error {
	output, err := g.executor.Run(g.repoDir, "git", "branch", "-D", branch)
	if err != nil {
		return errors.NewGitError("failed to delete branch", err).
			WithBranch(branch).
			WithRepository(g.repoDir).
			WithGitOutput(string(output))
	}
	return nil
}

// IsRepository reports whether the directory is inside a git work tree.
func (g *Git) IsRepository() bool {
	output, err := g.executor.Run(g.repoDir, "git", "rev-parse", "--is-inside-work-tree")
	return err == nil && strings.TrimSpace(string(output)) == "true"
}

func isConflictOutput(output string) bool {
	return strings.Contains(output, "CONFLICT") ||
		strings.Contains(output, "Automatic merge failed")
}

func splitLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

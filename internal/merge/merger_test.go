package merge

import (
	"context"
	"fmt"
	"testing"

	"github.com/karlmjogila/swarmops-sub006/internal/errors"
	"github.com/karlmjogila/swarmops-sub006/internal/escalation"
	"github.com/karlmjogila/swarmops-sub006/internal/gateway"
	"github.com/karlmjogila/swarmops-sub006/internal/gitops"
)

// fakeGit scripts merge outcomes per branch.
type fakeGit struct {
	conflicts map[string][]string // branch -> conflicting files
	checkouts []string
	merges    []string
	changed   []string
}

func (g *fakeGit) Checkout(branch string) error {
	g.checkouts = append(g.checkouts, branch)
	return nil
}

func (g *fakeGit) MergeBranch(branch, message string) error {
	g.merges = append(g.merges, branch)
	if files, ok := g.conflicts[branch]; ok {
		delete(g.conflicts, branch)
		return &gitops.MergeConflictError{Branch: branch, Files: files}
	}
	return nil
}

func (g *fakeGit) ChangedFiles(base, branch string) ([]string, error) {
	return g.changed, nil
}

// fakeReviews records review starts.
type fakeReviews struct {
	started []string
	files   []string
}

func (r *fakeReviews) StartReview(_ context.Context, runID string, phaseNumber int, phaseName, repoDir string, changedFiles []string) (string, error) {
	r.started = append(r.started, fmt.Sprintf("%s/%d", runID, phaseNumber))
	r.files = changedFiles
	return "review-sess-1", nil
}

type fakeSpawner struct {
	requests []gateway.SpawnRequest
}

func (f *fakeSpawner) Spawn(_ context.Context, req gateway.SpawnRequest) (string, error) {
	f.requests = append(f.requests, req)
	return fmt.Sprintf("sess-%d", len(f.requests)), nil
}

type fixture struct {
	merger    *Merger
	phases    *Phases
	resolvers *ResolverTracker
	reviews   *fakeReviews
	spawner   *fakeSpawner
	esc       *escalation.Store
	git       *fakeGit
}

func newFixture(t *testing.T, opts ...MergerOption) *fixture {
	t.Helper()
	phases, err := NewPhases(nil)
	if err != nil {
		t.Fatal(err)
	}
	resolvers, err := NewResolverTracker(nil)
	if err != nil {
		t.Fatal(err)
	}
	esc, err := escalation.NewStore(nil)
	if err != nil {
		t.Fatal(err)
	}
	f := &fixture{
		phases:    phases,
		resolvers: resolvers,
		reviews:   &fakeReviews{},
		spawner:   &fakeSpawner{},
		esc:       esc,
		git:       &fakeGit{conflicts: map[string][]string{}},
	}
	opts = append([]MergerOption{
		WithGitFactory(func(string) gitClient { return f.git }),
	}, opts...)
	f.merger = NewMerger(phases, resolvers, f.reviews, f.spawner, esc, opts...)
	return f
}

func (f *fixture) startPhase(t *testing.T, branches ...string) {
	t.Helper()
	if _, err := f.phases.Start("run-1", 1, "phase-1", "main", "/repo", branches); err != nil {
		t.Fatal(err)
	}
}

func TestMergePhase_Success(t *testing.T) {
	f := newFixture(t)
	f.startPhase(t, "worker-a", "worker-b", "worker-c")
	f.git.changed = []string{"internal/api/server.go"}

	res, err := f.merger.MergePhaseWithReview(context.Background(), "run-1", 1, "build", "")
	if err != nil {
		t.Fatalf("MergePhaseWithReview() error = %v", err)
	}
	if res.Status != StatusSuccess {
		t.Fatalf("status = %v, want success", res.Status)
	}
	if len(res.MergedBranches) != 3 {
		t.Errorf("merged = %v, want 3 branches", res.MergedBranches)
	}
	if res.ReviewerSession != "review-sess-1" {
		t.Errorf("reviewer session = %q", res.ReviewerSession)
	}

	// Branches merge in declared order on the phase branch.
	if len(f.git.checkouts) != 1 || f.git.checkouts[0] != "phase-1" {
		t.Errorf("checkouts = %v, want [phase-1]", f.git.checkouts)
	}
	want := []string{"worker-a", "worker-b", "worker-c"}
	for i, b := range want {
		if f.git.merges[i] != b {
			t.Errorf("merge order[%d] = %s, want %s", i, f.git.merges[i], b)
		}
	}

	// Review received the phase diff.
	if len(f.reviews.started) != 1 {
		t.Fatalf("reviews started = %v, want one", f.reviews.started)
	}
	if len(f.reviews.files) != 1 || f.reviews.files[0] != "internal/api/server.go" {
		t.Errorf("review files = %v", f.reviews.files)
	}

	st, err := f.phases.Get("run-1", 1)
	if err != nil {
		t.Fatal(err)
	}
	if !st.Merged {
		t.Error("phase not marked merged")
	}
}

func TestMergePhase_NoBranches(t *testing.T) {
	f := newFixture(t)
	f.startPhase(t)

	res, err := f.merger.MergePhaseWithReview(context.Background(), "run-1", 1, "build", "")
	if err != nil {
		t.Fatalf("MergePhaseWithReview() error = %v", err)
	}
	if res.Status != StatusNoChanges {
		t.Errorf("status = %v, want no-changes", res.Status)
	}
	if len(f.reviews.started) != 0 {
		t.Error("review triggered for an empty phase")
	}
}

func TestMergePhase_ConflictSuspendsAndSpawnsResolver(t *testing.T) {
	f := newFixture(t)
	f.startPhase(t, "worker-a", "worker-b", "worker-c")
	f.git.conflicts["worker-b"] = []string{"src/app.go"}

	res, err := f.merger.MergePhaseWithReview(context.Background(), "run-1", 1, "build", "")
	if err != nil {
		t.Fatalf("MergePhaseWithReview() error = %v", err)
	}
	if res.Status != StatusConflict {
		t.Fatalf("status = %v, want conflict", res.Status)
	}
	if len(res.MergedBranches) != 1 || res.MergedBranches[0] != "worker-a" {
		t.Errorf("merged before conflict = %v, want [worker-a]", res.MergedBranches)
	}
	if res.ConflictInfo.FailedBranch != "worker-b" {
		t.Errorf("failed branch = %s", res.ConflictInfo.FailedBranch)
	}
	// The failed branch heads the remaining list so the resume lands it.
	wantRemaining := []string{"worker-b", "worker-c"}
	if len(res.ConflictInfo.RemainingBranches) != 2 ||
		res.ConflictInfo.RemainingBranches[0] != wantRemaining[0] ||
		res.ConflictInfo.RemainingBranches[1] != wantRemaining[1] {
		t.Errorf("remaining = %v, want %v", res.ConflictInfo.RemainingBranches, wantRemaining)
	}

	// The merge stopped at the conflict; worker-c was never attempted.
	if len(f.git.merges) != 2 {
		t.Errorf("merge attempts = %v, want stop after worker-b", f.git.merges)
	}
	if len(f.reviews.started) != 0 {
		t.Error("review triggered despite conflict")
	}

	// A resolver agent is tracked under its session key.
	if len(f.spawner.requests) != 1 || f.spawner.requests[0].Kind != gateway.AgentResolver {
		t.Fatalf("spawns = %+v, want one resolver", f.spawner.requests)
	}
	rec := f.resolvers.Get(res.ResolverSession)
	if rec == nil {
		t.Fatal("no resolver record for session")
	}
	if rec.FailedBranch != "worker-b" || rec.Status != ResolverRunning {
		t.Errorf("resolver record = %+v", rec)
	}
	if len(rec.RemainingBranches) != 2 || rec.RemainingBranches[0] != "worker-b" {
		t.Errorf("resolver remaining = %v, want [worker-b worker-c]", rec.RemainingBranches)
	}
}

func TestResumeMerge_CompletesAndReviews(t *testing.T) {
	f := newFixture(t)
	f.startPhase(t, "worker-a", "worker-b", "worker-c")
	f.git.conflicts["worker-b"] = []string{"src/app.go"}

	res, err := f.merger.MergePhaseWithReview(context.Background(), "run-1", 1, "build", "")
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusConflict {
		t.Fatal("expected conflict")
	}

	// The resolver untangled worker-b; the resume merges it and then
	// worker-c, but never revisits worker-a.
	delete(f.git.conflicts, "worker-b")
	res, err = f.merger.ResumeMergeWithReview(context.Background(), "run-1", 1,
		res.ConflictInfo.RemainingBranches, "build")
	if err != nil {
		t.Fatalf("ResumeMergeWithReview() error = %v", err)
	}
	if res.Status != StatusSuccess {
		t.Fatalf("resume status = %v, want success", res.Status)
	}
	wantMerged := []string{"worker-b", "worker-c"}
	if len(res.MergedBranches) != 2 ||
		res.MergedBranches[0] != wantMerged[0] ||
		res.MergedBranches[1] != wantMerged[1] {
		t.Errorf("resumed merge = %v, want %v", res.MergedBranches, wantMerged)
	}
	if res.ReviewerSession == "" {
		t.Error("no reviewer spawned after resumed merge")
	}
}

func TestResumeMerge_RepeatedConflictSpawnsNewResolver(t *testing.T) {
	f := newFixture(t)
	f.startPhase(t, "worker-a", "worker-b")
	f.git.conflicts["worker-a"] = []string{"a.go"}
	ctx := context.Background()

	res, err := f.merger.MergePhaseWithReview(ctx, "run-1", 1, "build", "")
	if err != nil {
		t.Fatal(err)
	}
	first := res.ResolverSession

	delete(f.git.conflicts, "worker-a")
	f.git.conflicts["worker-b"] = []string{"b.go"}
	res, err = f.merger.ResumeMergeWithReview(ctx, "run-1", 1, res.ConflictInfo.RemainingBranches, "build")
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusConflict {
		t.Fatalf("status = %v, want conflict", res.Status)
	}
	if res.ResolverSession == first {
		t.Error("repeated conflict reused the resolver session")
	}

	st, err := f.phases.Get("run-1", 1)
	if err != nil {
		t.Fatal(err)
	}
	if st.ConflictRounds != 2 {
		t.Errorf("ConflictRounds = %d, want 2", st.ConflictRounds)
	}
}

func TestMerge_ConflictRoundCapEscalates(t *testing.T) {
	f := newFixture(t, WithMaxConflictRounds(1))
	f.startPhase(t, "worker-a", "worker-b")
	f.git.conflicts["worker-a"] = []string{"a.go"}
	ctx := context.Background()

	res, err := f.merger.MergePhaseWithReview(ctx, "run-1", 1, "build", "")
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusConflict {
		t.Fatalf("first round status = %v, want conflict", res.Status)
	}

	delete(f.git.conflicts, "worker-a")
	f.git.conflicts["worker-b"] = []string{"b.go"}
	res, err = f.merger.ResumeMergeWithReview(ctx, "run-1", 1, res.ConflictInfo.RemainingBranches, "build")
	if err == nil {
		t.Fatal("second conflict under cap 1 succeeded, want error")
	}
	if !errors.Is(err, errors.ErrMergeConflict) {
		t.Errorf("error = %v, want ErrMergeConflict", err)
	}
	if res.EscalationID == "" {
		t.Fatal("no escalation recorded at conflict round cap")
	}
	if _, err := f.esc.Get(res.EscalationID); err != nil {
		t.Errorf("escalation not retrievable: %v", err)
	}
}

func TestMergePhase_AlreadyMerged(t *testing.T) {
	f := newFixture(t)
	f.startPhase(t, "worker-a")

	if _, err := f.merger.MergePhaseWithReview(context.Background(), "run-1", 1, "build", ""); err != nil {
		t.Fatal(err)
	}
	_, err := f.merger.MergePhaseWithReview(context.Background(), "run-1", 1, "build", "")
	var mergeErr *errors.MergeError
	if !errors.As(err, &mergeErr) {
		t.Errorf("second merge error = %v, want *MergeError", err)
	}
}

func TestMergePhase_UnknownPhase(t *testing.T) {
	f := newFixture(t)

	res, err := f.merger.MergePhaseWithReview(context.Background(), "ghost", 9, "build", "")
	if res.Status != StatusError {
		t.Errorf("status = %v, want error", res.Status)
	}
	var nf *errors.NotFoundError
	if !errors.As(err, &nf) {
		t.Errorf("error = %v, want NotFoundError", err)
	}
}

func TestTriggerReview_MergedPhase(t *testing.T) {
	f := newFixture(t)
	f.startPhase(t, "worker-a")
	f.git.changed = []string{"web/app.tsx"}

	if _, err := f.merger.MergePhaseWithReview(context.Background(), "run-1", 1, "build", ""); err != nil {
		t.Fatal(err)
	}

	session, err := f.merger.TriggerReview(context.Background(), "run-1", 1, "build")
	if err != nil {
		t.Fatal(err)
	}
	if session != "review-sess-1" {
		t.Errorf("session = %q, want %q", session, "review-sess-1")
	}
	if len(f.reviews.started) != 2 {
		t.Fatalf("review starts = %d, want 2", len(f.reviews.started))
	}
	if f.reviews.files[0] != "web/app.tsx" {
		t.Errorf("changed files = %v, want the phase diff", f.reviews.files)
	}
}

func TestTriggerReview_UnmergedPhase(t *testing.T) {
	f := newFixture(t)
	f.startPhase(t, "worker-a")

	_, err := f.merger.TriggerReview(context.Background(), "run-1", 1, "build")
	var mergeErr *errors.MergeError
	if !errors.As(err, &mergeErr) {
		t.Errorf("error = %v, want *MergeError", err)
	}
}

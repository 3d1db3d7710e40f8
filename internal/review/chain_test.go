package review

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/karlmjogila/swarmops-sub006/internal/errors"
	"github.com/karlmjogila/swarmops-sub006/internal/escalation"
	"github.com/karlmjogila/swarmops-sub006/internal/gateway"
	"github.com/karlmjogila/swarmops-sub006/internal/store"
)

// fakeSpawner records spawn requests and hands out sequential session keys.
type fakeSpawner struct {
	requests []gateway.SpawnRequest
	err      error
}

func (f *fakeSpawner) Spawn(_ context.Context, req gateway.SpawnRequest) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.requests = append(f.requests, req)
	return fmt.Sprintf("sess-%d", len(f.requests)), nil
}

func (f *fakeSpawner) last() gateway.SpawnRequest {
	return f.requests[len(f.requests)-1]
}

func testRoles() RoleSet {
	return RoleSet{
		Roles: []Role{
			{ID: "architect", Name: "Architect"},
			{ID: "security", Name: "Security Reviewer"},
			{ID: "designer", Name: "Designer", FrontendOnly: true},
		},
		FrontendGlobs: []string{"web/**", "**.tsx"},
	}
}

func newTestChain(t *testing.T, spawner gateway.Spawner, opts ...Option) (*Chain, *escalation.Store) {
	t.Helper()
	esc, err := escalation.NewStore(nil)
	if err != nil {
		t.Fatal(err)
	}
	c, err := NewChain(testRoles(), spawner, esc, nil, opts...)
	if err != nil {
		t.Fatalf("NewChain() error = %v", err)
	}
	return c, esc
}

func TestStartReview_BackendOnlySkipsDesigner(t *testing.T) {
	spawner := &fakeSpawner{}
	c, _ := newTestChain(t, spawner)

	key, err := c.StartReview(context.Background(), "run-1", 1, "build", "/repo",
		[]string{"internal/api/server.go", "go.mod"})
	if err != nil {
		t.Fatalf("StartReview() error = %v", err)
	}
	if key != "sess-1" {
		t.Errorf("session key = %q, want sess-1", key)
	}

	st := c.GetState("run-1", 1)
	if len(st.Reviewers) != 2 {
		t.Fatalf("reviewers = %d, want 2 (designer excluded)", len(st.Reviewers))
	}
	for _, r := range st.Reviewers {
		if r.ID == "designer" {
			t.Error("designer included for a backend-only phase")
		}
	}
	if req := spawner.last(); req.Kind != gateway.AgentReviewer || req.RoleID != "architect" {
		t.Errorf("spawned %+v, want architect reviewer", req)
	}
}

func TestStartReview_FrontendIncludesDesigner(t *testing.T) {
	spawner := &fakeSpawner{}
	c, _ := newTestChain(t, spawner)

	if _, err := c.StartReview(context.Background(), "run-1", 1, "build", "/repo",
		[]string{"web/src/App.tsx"}); err != nil {
		t.Fatal(err)
	}

	st := c.GetState("run-1", 1)
	if len(st.Reviewers) != 3 {
		t.Fatalf("reviewers = %d, want 3 (designer included)", len(st.Reviewers))
	}
	if st.Reviewers[2].ID != "designer" {
		t.Errorf("last reviewer = %s, want designer", st.Reviewers[2].ID)
	}
}

func TestStartReview_Twice(t *testing.T) {
	spawner := &fakeSpawner{}
	c, _ := newTestChain(t, spawner)

	if _, err := c.StartReview(context.Background(), "run-1", 1, "build", "/repo", nil); err != nil {
		t.Fatal(err)
	}
	_, err := c.StartReview(context.Background(), "run-1", 1, "build", "/repo", nil)
	if !errors.Is(err, errors.ErrReviewClosed) {
		t.Errorf("second StartReview() error = %v, want ErrReviewClosed", err)
	}
}

func TestRecordDecision_FullApprovalChain(t *testing.T) {
	spawner := &fakeSpawner{}
	c, _ := newTestChain(t, spawner)
	ctx := context.Background()

	if _, err := c.StartReview(ctx, "run-1", 1, "build", "/repo", nil); err != nil {
		t.Fatal(err)
	}

	// First approval advances to the security reviewer.
	out, err := c.RecordDecision(ctx, "run-1", 1, DecisionApprove, "")
	if err != nil {
		t.Fatalf("RecordDecision() error = %v", err)
	}
	if out.Status != StatusReviewing || out.SessionKey == "" {
		t.Errorf("outcome = %+v, want reviewing with next session", out)
	}
	if spawner.last().RoleID != "security" {
		t.Errorf("next reviewer = %s, want security", spawner.last().RoleID)
	}

	// Final approval closes the chain.
	out, err = c.RecordDecision(ctx, "run-1", 1, DecisionApprove, "")
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusApproved {
		t.Errorf("status = %v, want approved", out.Status)
	}
	if st := c.GetState("run-1", 1); len(st.Attempts) != 2 {
		t.Errorf("attempts = %d, want 2", len(st.Attempts))
	}

	// Replay of a terminal decision is idempotent, not an error.
	out, err = c.RecordDecision(ctx, "run-1", 1, DecisionApprove, "")
	if err != nil {
		t.Errorf("replayed decision error = %v", err)
	}
	if out.Status != StatusApproved {
		t.Errorf("replayed status = %v, want approved", out.Status)
	}
}

func TestRecordDecision_FixRestartsChainFromZero(t *testing.T) {
	spawner := &fakeSpawner{}
	c, _ := newTestChain(t, spawner)
	ctx := context.Background()

	if _, err := c.StartReview(ctx, "run-1", 1, "build", "/repo", nil); err != nil {
		t.Fatal(err)
	}
	// Advance to the second reviewer, who requests a fix.
	if _, err := c.RecordDecision(ctx, "run-1", 1, DecisionApprove, ""); err != nil {
		t.Fatal(err)
	}
	out, err := c.RecordDecision(ctx, "run-1", 1, DecisionFix, "null check missing in handler")
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusFixing {
		t.Fatalf("status = %v, want fixing", out.Status)
	}
	if req := spawner.last(); req.Kind != gateway.AgentFixer {
		t.Fatalf("spawned %v, want fixer", req.Kind)
	}

	// Fixer succeeds: the chain restarts at reviewer 0, not reviewer 1.
	out, err = c.OnFixerComplete(ctx, "run-1", 1, true, "patched")
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusReviewing {
		t.Fatalf("status = %v, want reviewing", out.Status)
	}
	req := spawner.last()
	if req.RoleID != "architect" {
		t.Errorf("re-review reviewer = %s, want architect (chain reset)", req.RoleID)
	}
	if !strings.Contains(req.Context, "null check missing in handler") {
		t.Errorf("re-review context missing prior fix instructions: %q", req.Context)
	}

	st := c.GetState("run-1", 1)
	if st.CurrentReviewerIndex != 0 {
		t.Errorf("CurrentReviewerIndex = %d, want 0", st.CurrentReviewerIndex)
	}
	if st.FixCycleCount != 1 {
		t.Errorf("FixCycleCount = %d, want 1", st.FixCycleCount)
	}
}

func TestRecordDecision_FixCycleLimitEscalates(t *testing.T) {
	spawner := &fakeSpawner{}
	c, esc := newTestChain(t, spawner)
	ctx := context.Background()

	if _, err := c.StartReview(ctx, "run-1", 1, "build", "/repo", nil); err != nil {
		t.Fatal(err)
	}

	for cycle := 1; cycle < MaxFixCycles; cycle++ {
		out, err := c.RecordDecision(ctx, "run-1", 1, DecisionFix, fmt.Sprintf("fix round %d", cycle))
		if err != nil {
			t.Fatal(err)
		}
		if out.Status != StatusFixing {
			t.Fatalf("cycle %d status = %v, want fixing", cycle, out.Status)
		}
		if _, err := c.OnFixerComplete(ctx, "run-1", 1, true, "patched"); err != nil {
			t.Fatal(err)
		}
	}

	out, err := c.RecordDecision(ctx, "run-1", 1, DecisionFix, "still broken")
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusEscalated {
		t.Fatalf("status = %v, want escalated", out.Status)
	}
	if out.EscalationID == "" {
		t.Fatal("no escalation recorded at fix cycle limit")
	}

	rec, err := esc.Get(out.EscalationID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.AttemptCount != MaxFixCycles {
		t.Errorf("escalation AttemptCount = %d, want %d", rec.AttemptCount, MaxFixCycles)
	}
	if rec.PhaseNumber != 1 || rec.RunID != "run-1" {
		t.Errorf("escalation context = %+v", rec)
	}
}

func TestRecordDecision_ReviewerEscalates(t *testing.T) {
	spawner := &fakeSpawner{}
	c, esc := newTestChain(t, spawner)
	ctx := context.Background()

	if _, err := c.StartReview(ctx, "run-1", 1, "build", "/repo", nil); err != nil {
		t.Fatal(err)
	}

	out, err := c.RecordDecision(ctx, "run-1", 1, DecisionEscalate, "requires product decision")
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusEscalated || out.EscalationID == "" {
		t.Fatalf("outcome = %+v, want escalated with record", out)
	}
	if len(esc.List()) != 1 {
		t.Errorf("escalations = %d, want 1", len(esc.List()))
	}
}

func TestOnFixerComplete_FailureEscalates(t *testing.T) {
	spawner := &fakeSpawner{}
	c, _ := newTestChain(t, spawner)
	ctx := context.Background()

	if _, err := c.StartReview(ctx, "run-1", 1, "build", "/repo", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := c.RecordDecision(ctx, "run-1", 1, DecisionFix, "broken build"); err != nil {
		t.Fatal(err)
	}

	out, err := c.OnFixerComplete(ctx, "run-1", 1, false, "fixer crashed")
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusEscalated || out.EscalationID == "" {
		t.Errorf("outcome = %+v, want escalated with record", out)
	}
}

func TestRecordDecision_NotStarted(t *testing.T) {
	spawner := &fakeSpawner{}
	c, _ := newTestChain(t, spawner)

	_, err := c.RecordDecision(context.Background(), "run-1", 1, DecisionApprove, "")
	if !errors.Is(err, errors.ErrReviewNotStarted) {
		t.Errorf("error = %v, want ErrReviewNotStarted", err)
	}
}

func TestChain_PersistsAndReloads(t *testing.T) {
	kv, err := store.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	esc, err := escalation.NewStore(nil)
	if err != nil {
		t.Fatal(err)
	}
	spawner := &fakeSpawner{}
	ctx := context.Background()

	c1, err := NewChain(testRoles(), spawner, esc, kv)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c1.StartReview(ctx, "run-1", 2, "build", "/repo", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := c1.RecordDecision(ctx, "run-1", 2, DecisionApprove, ""); err != nil {
		t.Fatal(err)
	}

	c2, err := NewChain(testRoles(), spawner, esc, kv)
	if err != nil {
		t.Fatal(err)
	}
	st := c2.GetState("run-1", 2)
	if st == nil {
		t.Fatal("state not reloaded")
	}
	if st.CurrentReviewerIndex != 1 {
		t.Errorf("CurrentReviewerIndex after reload = %d, want 1", st.CurrentReviewerIndex)
	}
	if st.Status != StatusReviewing {
		t.Errorf("Status after reload = %v, want reviewing", st.Status)
	}

	// Archive removes the record for both instances' stores.
	if err := c2.Archive("run-1", 2); err != nil {
		t.Fatal(err)
	}
	c3, err := NewChain(testRoles(), spawner, esc, kv)
	if err != nil {
		t.Fatal(err)
	}
	if c3.GetState("run-1", 2) != nil {
		t.Error("archived state reloaded")
	}
}

package registry

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLivenessWatcher_NewAndStop(t *testing.T) {
	r := newTestRegistry(t)
	w, err := NewLivenessWatcher(r, nil)
	if err != nil {
		t.Fatalf("NewLivenessWatcher() error = %v", err)
	}

	w.Start()
	time.Sleep(10 * time.Millisecond)
	w.Stop()
	// Stopping again must not panic.
	w.Stop()
}

func TestLivenessWatcher_TouchesOnWrite(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(t, WithClock(clock.now))
	if _, err := r.TryAcquire("run-1/step-1"); err != nil {
		t.Fatal(err)
	}

	w, err := NewLivenessWatcher(r, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	dir := t.TempDir()
	if err := w.AddWorkspace("run-1/step-1", dir); err != nil {
		t.Fatalf("AddWorkspace() error = %v", err)
	}
	w.Start()

	// Make the entry look stale, then write a file in the workspace.
	acquired := r.Get("run-1/step-1").LastUpdated
	clock.advance(2 * time.Hour)

	if err := os.WriteFile(filepath.Join(dir, "progress.txt"), []byte("working"), 0o644); err != nil {
		t.Fatal(err)
	}

	// Wait for the debounced event to land.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.Get("run-1/step-1").LastUpdated.After(acquired) {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("write event did not refresh liveness")
}

func TestLivenessWatcher_RemoveWorkspace(t *testing.T) {
	r := newTestRegistry(t)
	w, err := NewLivenessWatcher(r, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	dir := t.TempDir()
	if err := w.AddWorkspace("run-1/step-1", dir); err != nil {
		t.Fatal(err)
	}
	w.RemoveWorkspace(dir)

	if got := w.taskKeyFor(filepath.Join(dir, "file.txt")); got != "" {
		t.Errorf("taskKeyFor() after removal = %q, want empty", got)
	}
}

func TestLivenessWatcher_AddWorkspace_MissingDir(t *testing.T) {
	r := newTestRegistry(t)
	w, err := NewLivenessWatcher(r, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	if err := w.AddWorkspace("run-1/step-1", "/no/such/dir"); err == nil {
		t.Error("AddWorkspace() on missing dir succeeded, want error")
	}
}

package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/karlmjogila/swarmops-sub006/internal/errors"
)

func TestSpawn(t *testing.T) {
	var got SpawnRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/agents/spawn" {
			t.Errorf("path = %s, want /agents/spawn", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer secret" {
			t.Errorf("Authorization = %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(SpawnResponse{SessionKey: "sess-42"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithToken("secret"))
	key, err := c.Spawn(context.Background(), SpawnRequest{
		Kind:        AgentWorker,
		RunID:       "run-1",
		PhaseNumber: 2,
		StepOrder:   3,
		RoleID:      "builder",
	})
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	if key != "sess-42" {
		t.Errorf("session key = %q, want sess-42", key)
	}
	if got.Kind != AgentWorker || got.RunID != "run-1" || got.StepOrder != 3 {
		t.Errorf("gateway received %+v", got)
	}
}

func TestSpawn_GatewayError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "capacity exhausted", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	_, err := c.Spawn(context.Background(), SpawnRequest{Kind: AgentReviewer, RunID: "run-1"})
	if !errors.Is(err, errors.ErrSpawnFailed) {
		t.Errorf("error = %v, want ErrSpawnFailed", err)
	}
}

func TestSpawn_Unreachable(t *testing.T) {
	c := NewClient("http://127.0.0.1:1")
	_, err := c.Spawn(context.Background(), SpawnRequest{Kind: AgentWorker, RunID: "run-1"})
	var spawnErr *errors.SpawnError
	if !errors.As(err, &spawnErr) {
		t.Errorf("error = %v, want *SpawnError", err)
	}
}

func TestSpawn_Validation(t *testing.T) {
	c := NewClient("http://unused")

	if _, err := c.Spawn(context.Background(), SpawnRequest{RunID: "run-1"}); err == nil {
		t.Error("Spawn() without kind succeeded, want error")
	}
	if _, err := c.Spawn(context.Background(), SpawnRequest{Kind: AgentWorker}); err == nil {
		t.Error("Spawn() without run ID succeeded, want error")
	}
}

func TestSpawn_MissingSessionKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	_, err := c.Spawn(context.Background(), SpawnRequest{Kind: AgentFixer, RunID: "run-1"})
	if !errors.Is(err, errors.ErrSpawnFailed) {
		t.Errorf("error = %v, want ErrSpawnFailed", err)
	}
}

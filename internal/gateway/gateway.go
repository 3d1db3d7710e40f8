// Package gateway is the HTTP client for the downstream agent gateway.
//
// Workers, reviewers, fixers, and conflict resolvers run out-of-process
// behind the gateway; this client is the only place the orchestration core
// talks to it. The gateway assigns a session key per spawned agent, which
// callers use to correlate the eventual completion webhook.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/karlmjogila/swarmops-sub006/internal/errors"
	"github.com/karlmjogila/swarmops-sub006/internal/logging"
)

// AgentKind identifies what role a spawned agent plays.
type AgentKind string

const (
	AgentWorker   AgentKind = "worker"
	AgentReviewer AgentKind = "reviewer"
	AgentFixer    AgentKind = "fixer"
	AgentResolver AgentKind = "conflict-resolver"
)

// SpawnRequest describes the agent to spawn.
type SpawnRequest struct {
	Kind        AgentKind `json:"kind"`
	RunID       string    `json:"run_id"`
	PhaseNumber int       `json:"phase_number,omitempty"`
	StepOrder   int       `json:"step_order,omitempty"`
	RoleID      string    `json:"role_id,omitempty"`
	Branch      string    `json:"branch,omitempty"`
	BaseBranch  string    `json:"base_branch,omitempty"`
	RepoDir     string    `json:"repo_dir,omitempty"`
	Prompt      string    `json:"prompt,omitempty"`
	Context     string    `json:"context,omitempty"`
}

// SpawnResponse is the gateway's reply to a spawn request.
type SpawnResponse struct {
	SessionKey string `json:"session_key"`
}

// Spawner is the consumer-side interface higher layers depend on.
type Spawner interface {
	Spawn(ctx context.Context, req SpawnRequest) (string, error)
}

// Client talks to the agent gateway over HTTP.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *logging.Logger
}

var _ Spawner = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithToken sets a bearer token sent on every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the request timeout on the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a gateway client for the given base URL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.WithComponent("gateway")
	return c
}

// Spawn asks the gateway to start an agent and returns its session key.
func (c *Client) Spawn(ctx context.Context, req SpawnRequest) (string, error) {
	if req.Kind == "" {
		return "", errors.NewValidationError("spawn request requires an agent kind")
	}
	if req.RunID == "" {
		return "", errors.NewValidationError("spawn request requires a run ID")
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", errors.Wrap(err, "encoding spawn request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/agents/spawn", bytes.NewReader(body))
	if err != nil {
		return "", errors.Wrap(err, "building spawn request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", errors.NewSpawnError("gateway unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", errors.NewSpawnError(
			fmt.Sprintf("gateway rejected spawn: %s: %s", resp.Status, string(payload)),
			errors.ErrSpawnFailed)
	}

	var out SpawnResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", errors.Wrap(err, "decoding spawn response")
	}
	if out.SessionKey == "" {
		return "", errors.NewSpawnError("gateway returned no session key", errors.ErrSpawnFailed)
	}

	c.logger.Info("agent spawned",
		"kind", string(req.Kind),
		"run_id", req.RunID,
		"session_key", out.SessionKey)
	return out.SessionKey, nil
}

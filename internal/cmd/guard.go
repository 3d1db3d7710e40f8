package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/karlmjogila/swarmops-sub006/internal/config"
	"github.com/karlmjogila/swarmops-sub006/internal/spawnguard"
)

var guardCmd = &cobra.Command{
	Use:   "guard",
	Short: "Inspect or reset the spawn circuit breaker",
	Long: `Query the running daemon for the spawn guard's current state, or
force the circuit closed after fixing whatever was failing spawns.`,
}

var guardStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show circuit breaker and rate window state",
	RunE:  runGuardStatus,
}

var guardResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Close the circuit and clear the failure count",
	RunE:  runGuardReset,
}

func init() {
	guardCmd.AddCommand(guardStatusCmd)
	guardCmd.AddCommand(guardResetCmd)
	rootCmd.AddCommand(guardCmd)
}

func runGuardStatus(cmd *cobra.Command, args []string) error {
	body, err := daemonRequest(http.MethodGet, "/api/v1/spawn-guard")
	if err != nil {
		return err
	}

	var state spawnguard.State
	if err := json.Unmarshal(body, &state); err != nil {
		return fmt.Errorf("decoding guard state: %w", err)
	}

	fmt.Println(strings.Repeat("─", 40))
	fmt.Println("Spawn Guard")
	fmt.Println(strings.Repeat("─", 40))
	circuit := "closed"
	if state.CircuitOpen {
		circuit = "open"
	}
	fmt.Printf("  Circuit:              %s\n", circuit)
	fmt.Printf("  Recent spawns:        %d\n", state.RecentSpawnCount)
	fmt.Printf("  Consecutive failures: %d\n", state.ConsecutiveFailures)
	return nil
}

func runGuardReset(cmd *cobra.Command, args []string) error {
	if _, err := daemonRequest(http.MethodPost, "/api/v1/spawn-guard/reset"); err != nil {
		return err
	}
	fmt.Println("Spawn guard reset.")
	return nil
}

// daemonRequest calls the local daemon's API using the configured server
// address and auth token.
func daemonRequest(method, path string) ([]byte, error) {
	cfg := config.Get()
	url := fmt.Sprintf("http://%s:%d%s", cfg.Server.Host, cfg.Server.Port, path)

	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		return nil, err
	}
	if cfg.Server.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.Server.AuthToken)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("is the daemon running? %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("daemon returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

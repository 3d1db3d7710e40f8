package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/karlmjogila/swarmops-sub006/internal/config"
	"github.com/karlmjogila/swarmops-sub006/internal/logging"
	"github.com/karlmjogila/swarmops-sub006/internal/registry"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Remove stale spawn registry entries",
	Long: `Scan the spawn registry for running entries whose last heartbeat is
older than the configured stale age and remove them. The daemon sweeps
periodically on its own; this command forces a pass, which is useful
after a crashed worker left its task key claimed.`,
	RunE: runSweep,
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}

func runSweep(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	kv, err := buildStore(cfg, cfg.Store.ResolveDataDir())
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer func() { _ = kv.Close() }()

	reg, err := registry.NewRegistry(kv, registry.WithLogger(logging.NopLogger()))
	if err != nil {
		return fmt.Errorf("creating spawn registry: %w", err)
	}

	swept, err := reg.SweepStale(cfg.Registry.StaleAge())
	if err != nil {
		return fmt.Errorf("sweeping registry: %w", err)
	}

	if len(swept) == 0 {
		fmt.Println("No stale entries found.")
		return nil
	}
	fmt.Printf("Swept %d stale entries:\n", len(swept))
	for _, key := range swept {
		fmt.Printf("  - %s\n", key)
	}
	return nil
}

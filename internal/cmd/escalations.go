package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/karlmjogila/swarmops-sub006/internal/config"
	"github.com/karlmjogila/swarmops-sub006/internal/escalation"
	"github.com/karlmjogila/swarmops-sub006/internal/logging"
)

var escalationsRunFilter string

var escalationsCmd = &cobra.Command{
	Use:   "escalations",
	Short: "List escalations awaiting operator attention",
	Long: `Show the escalation queue. Each entry records the run, step and
phase that gave up, the error it saw, and how many attempts were spent
before handing off to a human.`,
	RunE: runEscalations,
}

func init() {
	escalationsCmd.Flags().StringVar(&escalationsRunFilter, "run", "", "only show escalations for this run ID")
	rootCmd.AddCommand(escalationsCmd)
}

func runEscalations(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	kv, err := buildStore(cfg, cfg.Store.ResolveDataDir())
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer func() { _ = kv.Close() }()

	escalations, err := escalation.NewStore(kv, escalation.WithLogger(logging.NopLogger()))
	if err != nil {
		return fmt.Errorf("creating escalation store: %w", err)
	}

	var entries []*escalation.Escalation
	if escalationsRunFilter != "" {
		entries = escalations.ListByRun(escalationsRunFilter)
	} else {
		entries = escalations.List()
	}

	fmt.Println(strings.Repeat("─", 70))
	fmt.Println("SwarmOps Escalations")
	fmt.Println(strings.Repeat("─", 70))

	if len(entries) == 0 {
		fmt.Println("\nNo escalations found.")
		return nil
	}

	fmt.Printf("\nFound %d escalation(s):\n\n", len(entries))
	for _, e := range entries {
		fmt.Printf("  Escalation: %s\n", e.ID)
		fmt.Printf("    Run:       %s\n", e.RunID)
		if e.StepOrder >= 0 {
			fmt.Printf("    Step:      %d", e.StepOrder)
			if e.RoleName != "" {
				fmt.Printf(" (%s)", e.RoleName)
			}
			fmt.Println()
		}
		if e.PhaseNumber > 0 {
			fmt.Printf("    Phase:     %d\n", e.PhaseNumber)
		}
		fmt.Printf("    Severity:  %s\n", e.Severity)
		if e.MaxAttempts > 0 {
			fmt.Printf("    Attempts:  %d/%d\n", e.AttemptCount, e.MaxAttempts)
		}
		fmt.Printf("    Error:     %s\n", e.Error)
		fmt.Printf("    Created:   %s\n", e.CreatedAt.Format(time.RFC822))
		fmt.Println()
	}
	return nil
}

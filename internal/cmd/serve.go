package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/karlmjogila/swarmops-sub006/internal/config"
	"github.com/karlmjogila/swarmops-sub006/internal/escalation"
	"github.com/karlmjogila/swarmops-sub006/internal/gateway"
	"github.com/karlmjogila/swarmops-sub006/internal/logging"
	"github.com/karlmjogila/swarmops-sub006/internal/merge"
	"github.com/karlmjogila/swarmops-sub006/internal/registry"
	"github.com/karlmjogila/swarmops-sub006/internal/retry"
	"github.com/karlmjogila/swarmops-sub006/internal/review"
	"github.com/karlmjogila/swarmops-sub006/internal/runner"
	"github.com/karlmjogila/swarmops-sub006/internal/server"
	"github.com/karlmjogila/swarmops-sub006/internal/spawnguard"
	"github.com/karlmjogila/swarmops-sub006/internal/store"
	"github.com/karlmjogila/swarmops-sub006/internal/workitem"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestration daemon",
	Long: `Start the SwarmOps HTTP server. Workers, reviewers, fixers and
conflict resolvers report back to this process through completion
webhooks; operators use the same API to create and inspect runs.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	dataDir := cfg.Store.ResolveDataDir()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	logger, err := buildLogger(cfg, dataDir)
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer func() { _ = logger.Close() }()

	kv, err := buildStore(cfg, dataDir)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer func() { _ = kv.Close() }()

	guard := spawnguard.NewGuard(
		spawnguard.WithFailureThreshold(cfg.Guard.FailureThreshold),
		spawnguard.WithCooldown(cfg.Guard.Cooldown()),
		spawnguard.WithWindow(cfg.Guard.Window()),
		spawnguard.WithWindowLimit(cfg.Guard.WindowLimit),
		spawnguard.WithLogger(logger),
	)

	reg, err := registry.NewRegistry(kv, registry.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("creating spawn registry: %w", err)
	}

	watcher, err := registry.NewLivenessWatcher(reg, logger)
	if err != nil {
		return fmt.Errorf("creating liveness watcher: %w", err)
	}
	watcher.Start()
	defer watcher.Stop()

	retries, err := retry.NewHandler(
		retry.WithMaxAttempts(cfg.Retry.MaxAttempts),
		retry.WithDelays(cfg.Retry.BaseDelay(), cfg.Retry.MaxDelay()),
		retry.WithStore(kv),
		retry.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("creating retry handler: %w", err)
	}

	escalations, err := escalation.NewStore(kv, escalation.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("creating escalation store: %w", err)
	}

	spawner := gateway.NewClient(cfg.Gateway.BaseURL,
		gateway.WithToken(cfg.Gateway.Token),
		gateway.WithTimeout(cfg.Gateway.Timeout()),
		gateway.WithLogger(logger),
	)

	roles, err := loadRoles(cfg)
	if err != nil {
		return fmt.Errorf("loading reviewer roles: %w", err)
	}
	reviews, err := review.NewChain(roles, spawner, escalations, kv, review.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("creating review chain: %w", err)
	}

	phases, err := merge.NewPhases(kv)
	if err != nil {
		return fmt.Errorf("creating phase tracker: %w", err)
	}
	resolvers, err := merge.NewResolverTracker(kv)
	if err != nil {
		return fmt.Errorf("creating resolver tracker: %w", err)
	}
	merger := merge.NewMerger(phases, resolvers, reviews, spawner, escalations,
		merge.WithMaxConflictRounds(cfg.Merge.MaxConflictRounds),
		merge.WithMergerLogger(logger),
	)

	items, err := workitem.NewManager(kv, logger)
	if err != nil {
		return fmt.Errorf("creating work item manager: %w", err)
	}

	rn, err := runner.New(runner.Deps{
		Guard:       guard,
		Registry:    reg,
		Retries:     retries,
		Escalations: escalations,
		Merger:      merger,
		Resolvers:   resolvers,
		Phases:      phases,
		Spawner:     spawner,
		Items:       items,
		Store:       kv,
		Watcher:     watcher,
	},
		runner.WithStagger(cfg.Runner.Stagger()),
		runner.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("creating runner: %w", err)
	}

	srv, err := server.NewServer(rn, reviews, merger, guard, escalations, logger, server.Config{
		Host:      cfg.Server.Host,
		Port:      cfg.Server.Port,
		AuthToken: cfg.Server.AuthToken,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	stopSweep := startRegistrySweep(cfg, reg, logger)
	defer stopSweep()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

func buildLogger(cfg *config.Config, dataDir string) (*logging.Logger, error) {
	if !cfg.Logging.Enabled {
		return logging.NopLogger(), nil
	}
	return logging.NewLogger(dataDir, cfg.Logging.Level, logging.RotationConfig{
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
	})
}

func buildStore(cfg *config.Config, dataDir string) (store.Store, error) {
	switch cfg.Store.Backend {
	case "sqlite":
		return store.NewSQLiteStore(filepath.Join(dataDir, "swarmops.db"))
	default:
		return store.NewFileStore(dataDir)
	}
}

func loadRoles(cfg *config.Config) (review.RoleSet, error) {
	var roles review.RoleSet
	if cfg.Review.RolesFile != "" {
		loaded, err := review.LoadRoleSet(cfg.Review.RolesFile)
		if err != nil {
			return review.RoleSet{}, err
		}
		roles = loaded
	} else {
		roles = review.DefaultRoleSet()
	}
	if len(cfg.Review.FrontendGlobs) > 0 {
		roles.FrontendGlobs = cfg.Review.FrontendGlobs
	}
	return roles, nil
}

// startRegistrySweep runs the periodic stale-entry sweep. The returned
// function stops it.
func startRegistrySweep(cfg *config.Config, reg *registry.Registry, logger *logging.Logger) func() {
	interval := cfg.Registry.SweepInterval()
	if interval <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				swept, err := reg.SweepStale(cfg.Registry.StaleAge())
				if err != nil {
					logger.Error("registry sweep failed", "error", err.Error())
					continue
				}
				if len(swept) > 0 {
					logger.Info("swept stale registry entries", "count", len(swept))
				}
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}

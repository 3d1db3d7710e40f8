// Package cmd implements the swarmops command-line interface.
package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/karlmjogila/swarmops-sub006/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "swarmops",
	Short: "AI-agent pipeline orchestration daemon",
	Long: `SwarmOps sequences pipelines of AI coding agents over a shared git
repository: it admits worker spawns through a circuit breaker and rate
window, retries failed steps with backoff, merges phase branches, runs
multi-reviewer approval chains, and escalates to humans when automation
runs out of options.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.config/swarmops/config.yaml)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
}

func initConfig() {
	// Defaults first, so every key resolves even without a config file.
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("SWARMOPS")
	// SWARMOPS_GUARD_FAILURE_THRESHOLD overrides guard.failure_threshold
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	_ = viper.ReadInConfig()
}

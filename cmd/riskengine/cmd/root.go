package cmd

import (
	"fmt"

	"github.com/rustyeddy/riskengine/config"
	"github.com/rustyeddy/riskengine/logging"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "riskengine",
	Short: "Position scaling and risk management decision engine",
	Long: `Riskengine turns aggregated trading signals into open, scale, close and
hold decisions for a set of vaults, sizing every entry on a leverage ladder
and guarding the bankroll with risk assessments and circuit breakers.

It provides tools for:
  - Replaying scripted tick and signal scenarios through the engine
  - Serving decisions for a stream of signals and ticks
  - Querying the decision and balance journal
  - Generating and validating configuration files`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

var (
	cfgFile  string
	envFiles []string

	// cfg is the loaded configuration, after environment overrides.
	cfg *config.Config
)

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file, YAML or JSON (default: built-in defaults)")
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env", nil, ".env files to load (default .env)")
}

func setup(cmd *cobra.Command, args []string) error {
	if err := config.LoadEnv(envFiles...); err != nil {
		return fmt.Errorf("load env: %w", err)
	}

	var err error
	if cfgFile != "" {
		cfg, err = config.LoadFromFile(cfgFile)
		if err != nil {
			return err
		}
	} else {
		cfg = config.Default()
	}
	if err := config.ApplyEnv(cfg); err != nil {
		return fmt.Errorf("environment: %w", err)
	}
	return logging.Init(cfg.Log)
}

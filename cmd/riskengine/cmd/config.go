package cmd

import (
	"fmt"
	"sort"

	"github.com/rustyeddy/riskengine/config"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Generate, validate or show configuration",
	Long: `Manage engine configuration files.

Subcommands:
  init     - Generate a default configuration file
  validate - Validate an existing configuration file
  system   - Print the effective system_configuration rows

Examples:
  riskengine config init -o riskengine.yaml
  riskengine config validate -f riskengine.yaml
  riskengine -c riskengine.yaml config system`,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate a default configuration file",
	Args:  cobra.NoArgs,
	RunE:  runConfigInit,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file",
	Args:  cobra.NoArgs,
	RunE:  runConfigValidate,
}

var configSystemCmd = &cobra.Command{
	Use:   "system",
	Short: "Print the effective system_configuration rows",
	Args:  cobra.NoArgs,
	RunE:  runConfigSystem,
}

var (
	configInitOutput   string
	configValidatePath string
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configSystemCmd)

	configInitCmd.Flags().StringVarP(&configInitOutput, "output", "o", "riskengine.yaml", "output config file path")
	configValidateCmd.Flags().StringVarP(&configValidatePath, "file", "f", "", "path to config file (required)")
	configValidateCmd.MarkFlagRequired("file")
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	if err := config.Default().SaveToFile(configInitOutput); err != nil {
		return fmt.Errorf("save config: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "✓ Created default configuration: %s\n", configInitOutput)
	fmt.Fprintln(out, "\nEdit the file and run with:")
	fmt.Fprintf(out, "  riskengine -c %s replay -t scenario.csv\n", configInitOutput)
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	c, err := config.LoadFromFile(configValidatePath)
	if err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "✓ Configuration valid: %s\n", configValidatePath)
	fmt.Fprintf(out, "  Mode: %s (min strength %.2f, min confidence %.2f)\n",
		c.Engine.ExecutionMode, c.Engine.MinStrength, c.Engine.MinConfidence)
	for i, s := range c.Ladder {
		fmt.Fprintf(out, "  Stage %d: %.0fx at %.1f%%\n", i+1, s.Leverage, s.BankrollPct*100)
	}
	fmt.Fprintf(out, "  Vaults: %d\n", len(c.Vaults))
	fmt.Fprintf(out, "  Journal: %s\n", c.Journal.Type)
	return nil
}

func runConfigSystem(cmd *cobra.Command, args []string) error {
	rows := config.SystemConfiguration(cfg)
	keys := make([]string, 0, len(rows))
	for k := range rows {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(cmd.OutOrStdout(), "%-36s %s\n", k, rows[k])
	}
	return nil
}

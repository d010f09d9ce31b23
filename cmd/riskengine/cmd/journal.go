package cmd

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/rustyeddy/riskengine/config"
	"github.com/rustyeddy/riskengine/journal"
	"github.com/spf13/cobra"
)

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Query the decision journal",
	Long: `Query decisions and balance changes from a SQLite or Postgres journal.

Subcommands:
  decision  - Show one decision by id
  decisions - List a vault's decisions, oldest first
  balances  - List a vault's balance change audit trail
  scales    - List a position's ladder entries

Examples:
  riskengine journal decisions VAULT-001 -d ./riskengine.sqlite
  riskengine -c prod.yaml journal balances VAULT-001`,
}

var journalDecisionCmd = &cobra.Command{
	Use:   "decision <decision-id>",
	Short: "Show one decision",
	Args:  cobra.ExactArgs(1),
	RunE:  runJournalDecision,
}

var journalDecisionsCmd = &cobra.Command{
	Use:   "decisions <vault-id>",
	Short: "List a vault's decisions",
	Args:  cobra.ExactArgs(1),
	RunE:  runJournalDecisions,
}

var journalBalancesCmd = &cobra.Command{
	Use:   "balances <vault-id>",
	Short: "List a vault's balance changes",
	Args:  cobra.ExactArgs(1),
	RunE:  runJournalBalances,
}

var journalScalesCmd = &cobra.Command{
	Use:   "scales <position-id>",
	Short: "List a position's ladder entries",
	Args:  cobra.ExactArgs(1),
	RunE:  runJournalScales,
}

var journalDBPath string

func init() {
	rootCmd.AddCommand(journalCmd)
	journalCmd.AddCommand(journalDecisionCmd)
	journalCmd.AddCommand(journalDecisionsCmd)
	journalCmd.AddCommand(journalBalancesCmd)
	journalCmd.AddCommand(journalScalesCmd)

	journalCmd.PersistentFlags().StringVarP(&journalDBPath, "db", "d", "", "SQLite journal path (overrides the configured journal)")
}

func openJournal() (journal.Store, error) {
	jc := cfg.Journal
	if journalDBPath != "" {
		jc = config.JournalConfig{Type: "sqlite", DBPath: journalDBPath}
	}
	if jc.Type == "" || jc.Type == "memory" {
		return nil, fmt.Errorf("journal %q is not persistent; pass --db or configure sqlite or postgres", jc.Type)
	}
	s, err := journal.Open(jc)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return s, nil
}

func runJournalDecision(cmd *cobra.Command, args []string) error {
	s, err := openJournal()
	if err != nil {
		return err
	}
	defer s.Close()

	d, err := s.GetDecision(context.Background(), args[0])
	if err != nil {
		return fmt.Errorf("get decision: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "* %s %s %s\n", d.DecisionType, d.Symbol, d.ID)
	fmt.Fprintf(out, "  vault:       %s\n", d.VaultID)
	fmt.Fprintf(out, "  aggregation: %s\n", d.AggregationID)
	fmt.Fprintf(out, "  position:    %s\n", d.PositionID)
	fmt.Fprintf(out, "  status:      %s\n", d.ExecutionStatus)
	fmt.Fprintf(out, "  rule:        %s %s\n", d.Rule, d.ReasonCode)
	fmt.Fprintf(out, "  size:        %.4f at %.0fx (scale %d)\n", d.PositionSize, d.Leverage, d.ScaleNumber)
	fmt.Fprintf(out, "  risk:        %.3f confidence %.3f\n", d.RiskScore, d.Confidence)
	fmt.Fprintf(out, "  created:     %s\n", d.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(out, "  reasoning:   %s\n", d.Reasoning)
	return nil
}

func runJournalDecisions(cmd *cobra.Command, args []string) error {
	s, err := openJournal()
	if err != nil {
		return err
	}
	defer s.Close()

	ds, err := s.ListDecisions(context.Background(), args[0])
	if err != nil {
		return fmt.Errorf("list decisions: %w", err)
	}
	if len(ds) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "No decisions for %s\n", args[0])
		return nil
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CREATED\tID\tTYPE\tSYMBOL\tSIZE\tLEV\tSTATUS\tCODE")
	for _, d := range ds {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%.4f\t%.0fx\t%s\t%s\n",
			d.CreatedAt.Format("2006-01-02 15:04:05"), d.ID, d.DecisionType, d.Symbol,
			d.PositionSize, d.Leverage, d.ExecutionStatus, d.ReasonCode)
	}
	return tw.Flush()
}

func runJournalBalances(cmd *cobra.Command, args []string) error {
	s, err := openJournal()
	if err != nil {
		return err
	}
	defer s.Close()

	cs, err := s.ListBalanceChanges(context.Background(), args[0])
	if err != nil {
		return fmt.Errorf("list balance changes: %w", err)
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CREATED\tTYPE\tAMOUNT\tBALANCE\tAVAILABLE\tRESERVED\tREASON")
	for _, c := range cs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			c.CreatedAt.Format("2006-01-02 15:04:05"), c.ChangeType, c.ChangeAmount.StringFixed(2),
			c.BalanceAfter.StringFixed(2), c.AvailableAfter.StringFixed(2), c.ReservedAfter.StringFixed(2), c.Reason)
	}
	return tw.Flush()
}

func runJournalScales(cmd *cobra.Command, args []string) error {
	s, err := openJournal()
	if err != nil {
		return err
	}
	defer s.Close()

	ss, err := s.ListScales(context.Background(), args[0])
	if err != nil {
		return fmt.Errorf("list scales: %w", err)
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SCALE\tENTRY\tSIZE\tLEV\tMARGIN\tLIQUIDATION\tTRIGGER")
	for _, sc := range ss {
		fmt.Fprintf(tw, "%d\t%.4f\t%.4f\t%.0fx\t%s\t%.4f\t%s\n",
			sc.ScaleNumber, sc.EntryPrice, sc.Size, sc.Leverage, sc.Margin.StringFixed(2), sc.LiquidationPrice, sc.TriggerReason)
	}
	return tw.Flush()
}

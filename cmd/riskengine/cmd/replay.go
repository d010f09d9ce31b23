package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rustyeddy/riskengine/config"
	"github.com/rustyeddy/riskengine/journal"
	"github.com/rustyeddy/riskengine/replay"
	"github.com/spf13/cobra"
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay a tick and signal scenario from CSV",
	Long: `Replay a scripted scenario through the engine on an event clock.

Rows are time,symbol,bid,ask[,event,args...]. Vaults come from the config
file. Decisions and balance changes go to the configured journal, and
optionally to CSV files and an org-mode run report.

Examples:
  riskengine -c riskengine.yaml replay -t scenarios/liquidation.csv
  riskengine replay -t s.csv --db ./riskengine.sqlite --org report.org`,
	Args: cobra.NoArgs,
	RunE: runReplay,
}

var (
	replayTicksPath  string
	replayDBPath     string
	replayCSVDir     string
	replayOrgPath    string
	replayMode       string
	replayTimeframe  string
	replayEventFirst bool
)

func init() {
	rootCmd.AddCommand(replayCmd)

	replayCmd.Flags().StringVarP(&replayTicksPath, "ticks", "t", "", "scenario CSV file (required)")
	replayCmd.Flags().StringVarP(&replayDBPath, "db", "d", "", "SQLite journal path (overrides the configured journal)")
	replayCmd.Flags().StringVar(&replayCSVDir, "csv-dir", "", "also write decisions.csv and balances.csv here")
	replayCmd.Flags().StringVar(&replayOrgPath, "org", "", "write an org-mode run report here")
	replayCmd.Flags().StringVar(&replayMode, "mode", "", "execution mode: immediate or deferred")
	replayCmd.Flags().StringVar(&replayTimeframe, "timeframe", "1h", "timeframe stamped on SIGNAL rows")
	replayCmd.Flags().BoolVar(&replayEventFirst, "event-first", false, "apply a row's event before its tick")
	replayCmd.MarkFlagRequired("ticks")
}

func runReplay(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	out := cmd.OutOrStdout()

	c := cfg.Clone()
	if replayMode != "" {
		c.Engine.ExecutionMode = replayMode
	}
	if replayDBPath != "" {
		c.Journal = config.JournalConfig{Type: "sqlite", DBPath: replayDBPath}
	}
	if err := c.Validate(); err != nil {
		return err
	}
	if len(c.Vaults) == 0 {
		return fmt.Errorf("no vaults configured")
	}

	store, err := journal.Open(c.Journal)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer store.Close()

	sinks := journal.Tee{store}
	if replayCSVDir != "" {
		if err := os.MkdirAll(replayCSVDir, 0o755); err != nil {
			return err
		}
		cj, err := journal.NewCSV(filepath.Join(replayCSVDir, "decisions.csv"), filepath.Join(replayCSVDir, "balances.csv"))
		if err != nil {
			return fmt.Errorf("create csv journal: %w", err)
		}
		defer cj.Close()
		sinks = append(sinks, cj)
	}

	r, err := replay.New(ctx, c, sinks, replay.Options{
		TickThenEvent: !replayEventFirst,
		Timeframe:     replayTimeframe,
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Replaying: %s (%s mode, %d vaults)\n", replayTicksPath, c.Engine.ExecutionMode, len(c.Vaults))
	if err := r.CSV(ctx, replayTicksPath); err != nil {
		return fmt.Errorf("replay error: %w", err)
	}

	rep, err := r.Report(ctx, filepath.Base(replayTicksPath))
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "\nReplay complete! %d ticks, %d events\n", rep.Ticks, rep.Events)
	for _, v := range rep.Vaults {
		fmt.Fprintf(out, "  %s: balance $%s (P/L $%s, %.2f%%) decisions %d, opens %d, scales %d, closes %d, holds %d, liquidations %d\n",
			v.ID, v.EndBalance.StringFixed(2), v.NetPnl().StringFixed(2), v.ReturnPct(),
			v.Decisions, v.Opens, v.Scales, v.Closes, v.Holds, v.Liquidations)
	}
	for _, n := range rep.Notes {
		fmt.Fprintf(out, "  ! %s\n", n)
	}

	if replayOrgPath != "" {
		f, err := os.Create(replayOrgPath)
		if err != nil {
			return err
		}
		defer f.Close()
		if err := rep.WriteOrg(f); err != nil {
			return err
		}
		fmt.Fprintf(out, "\nReport saved to: %s\n", replayOrgPath)
	}
	if c.Journal.Type == "sqlite" {
		fmt.Fprintf(out, "Results saved to: %s\n", c.Journal.DBPath)
	}
	return nil
}

package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"mt5-risk-engine-go/internal/reporter"
	"mt5-risk-engine-go/internal/risk"
	"mt5-risk-engine-go/internal/storage"

	"github.com/spf13/cobra"
)

var journalRows int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the persisted agent state and the latest order journal entries",
	Long: `status reads the state store and the order journal directly. The state
store is locked while the agent runs; query the control API instead.`,
	RunE: showStatus,
}

func init() {
	statusCmd.Flags().IntVarP(&journalRows, "rows", "n", 20, "number of journal entries to show")
	rootCmd.AddCommand(statusCmd)
}

func showStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	repo, err := openState(cfg)
	if err != nil {
		return err
	}
	defer repo.Close()
	state, err := repo.LoadState()
	if err != nil {
		return err
	}
	if state == nil {
		fmt.Fprintf(out, "no saved state for %s magic %d\n", cfg.Symbol, cfg.Magic)
	} else {
		fmt.Fprintln(out, reporter.StateTable(state))
	}

	if cfg.Storage.JournalPath == "" {
		return nil
	}
	if _, err := os.Stat(cfg.Storage.JournalPath); err != nil {
		fmt.Fprintln(out, "no order journal yet")
		return nil
	}
	journal, err := storage.Open(cfg.Storage.JournalPath)
	if err != nil {
		return err
	}
	defer journal.Close()

	ctx := context.Background()
	entries, err := journal.Recent(ctx, cfg.Symbol, journalRows)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, reporter.JournalTable(entries))

	loc, err := time.LoadLocation(cfg.DayTimezone)
	if err != nil {
		return err
	}
	sum, err := journal.Summary(ctx, cfg.Symbol, risk.TodayOpen(loc, time.Now()))
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "today: %d requests, %d ok, %d rejected, %d invalid, %d exhausted\n",
		sum.Total, sum.Success, sum.Rejected, sum.Invalid, sum.Exhausted)
	return nil
}

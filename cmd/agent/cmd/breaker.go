package cmd

import (
	"fmt"
	"time"

	"mt5-risk-engine-go/internal/models"

	"github.com/spf13/cobra"
)

var resetBreakerCmd = &cobra.Command{
	Use:   "reset-breaker",
	Short: "Clear a tripped circuit breaker so the agent can trade again",
	Long: `reset-breaker is the only way out of a tripped circuit breaker. Stop the
agent first; the state store is locked while it runs.`,
	RunE: resetBreaker,
}

func init() {
	rootCmd.AddCommand(resetBreakerCmd)
}

func resetBreaker(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	repo, err := openState(cfg)
	if err != nil {
		return err
	}
	defer repo.Close()

	state, err := repo.LoadState()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if state == nil || !state.Breaker.Tripped {
		fmt.Fprintln(out, "circuit breaker is not tripped, nothing to do")
		return nil
	}

	reason := state.Breaker.Reason
	state.Breaker = models.CircuitBreakerState{}
	state.Status = models.StatusStopped
	state.Version++
	state.LastUpdateTime = time.Now()
	if err := repo.SaveState(state); err != nil {
		return err
	}
	fmt.Fprintf(out, "circuit breaker reset (was: %s)\n", reason)
	return nil
}

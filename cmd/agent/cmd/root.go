package cmd

import (
	"mt5-risk-engine-go/internal/config"
	"mt5-risk-engine-go/internal/models"
	"mt5-risk-engine-go/internal/persistence"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "agent",
	Short: "Risk-governed order and position engine for MT5 trading agents",
	Long: `agent drives one symbol on an MT5 terminal through the bridge service.

Every entry passes the position sizer, the daily limiter, the session filter
and the circuit breaker before it reaches the terminal. Open positions are
managed by the trailing engine, the grid ladder or the martingale sequencer
depending on the configured mode.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "config.yaml", "config file (yaml or json)")
}

func loadConfig() (*models.Config, error) {
	return config.Load(cfgFile)
}

// openState opens the badger state store of the agent configured by cfg.
func openState(cfg *models.Config) (persistence.StateRepository, error) {
	return persistence.NewBadgerRepository(cfg.Storage.StateDir, persistence.StateKey(cfg.Symbol, cfg.Magic))
}

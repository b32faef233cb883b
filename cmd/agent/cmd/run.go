package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	ossignal "os/signal"
	"path/filepath"
	"syscall"
	"time"

	"mt5-risk-engine-go/internal/agent"
	"mt5-risk-engine-go/internal/broker"
	"mt5-risk-engine-go/internal/control"
	"mt5-risk-engine-go/internal/gateway"
	"mt5-risk-engine-go/internal/logger"
	"mt5-risk-engine-go/internal/models"
	"mt5-risk-engine-go/internal/persistence"
	"mt5-risk-engine-go/internal/reporter"
	"mt5-risk-engine-go/internal/signal"
	"mt5-risk-engine-go/internal/statemanager"
	"mt5-risk-engine-go/internal/storage"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// 行情超过这个时间未更新, 桥接客户端改为走 HTTP 拉取
const streamMaxAge = 5 * time.Second

var (
	paper     bool
	ephemeral bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the agent loop until interrupted or the circuit breaker halts it",
	RunE:  runAgent,
}

func init() {
	runCmd.Flags().BoolVar(&paper, "paper", false, "trade against the in-process simulated terminal (same as broker.kind: paper)")
	runCmd.Flags().BoolVar(&ephemeral, "ephemeral", false, "keep agent state in memory only, nothing survives the process")
	rootCmd.AddCommand(runCmd)
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if paper {
		cfg.Broker.Kind = "paper"
	}

	logger.InitLogger(cfg.LogConfig)
	log := logger.ForAgent(cfg.Symbol, cfg.Magic)
	defer log.Sync()

	ctx, stop := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, sim, err := openBroker(ctx, cfg, log)
	if err != nil {
		return err
	}

	var repo persistence.StateRepository = persistence.NewMemoryRepository()
	if !ephemeral {
		if repo, err = openState(cfg); err != nil {
			return err
		}
	}
	defer repo.Close()
	restored, err := repo.LoadState()
	if err != nil {
		return err
	}
	if restored == nil {
		restored = &models.AgentState{Symbol: cfg.Symbol}
	}
	states := statemanager.NewStateManager(restored, repo, log)
	states.Start()
	defer states.Stop()

	gw := gateway.New(b, cfg.Symbol, cfg.Tag, cfg.Gateway, log)
	if cfg.Storage.JournalPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Storage.JournalPath), 0o755); err != nil {
			return fmt.Errorf("create journal dir: %w", err)
		}
		journal, err := storage.Open(cfg.Storage.JournalPath)
		if err != nil {
			return err
		}
		defer journal.Close()
		gw.SetRecorder(journal)
	}

	pauser := control.NewPauser(cfg.PauseFlagPath)
	var signals signal.Source
	if cfg.SignalPath != "" {
		signals = signal.FileSource{Path: cfg.SignalPath}
	}

	loop, err := agent.New(cfg, agent.Deps{
		Broker:  b,
		Gateway: gw,
		Signals: signals,
		Pauser:  pauser,
		States:  states,
	}, log)
	if err != nil {
		return err
	}

	if cfg.Control.Enabled {
		srv := control.NewServer(cfg.Control.Listen, loop.Status, pauser, log)
		go func() {
			if err := srv.Run(ctx); err != nil {
				log.Error("control api stopped", zap.Error(err))
			}
		}()
	}

	err = loop.Run(ctx)

	if sim != nil {
		initial, curve, deals := sim.Session()
		fmt.Fprintln(cmd.OutOrStdout(), reporter.SessionTable(cfg.Symbol, cfg.Broker.Paper.Currency,
			reporter.Calculate(initial, curve, broker.FilterDeals(deals, cfg.Magic))))
	}
	if errors.Is(err, models.ErrCircuitBreakerTripped) {
		log.Error("agent halted, run `agent reset-breaker` after review to trade again")
	}
	return err
}

// openBroker 根据 broker.kind 创建终端连接. 纸面交易时返回的 SimBroker 由行情流驱动.
func openBroker(ctx context.Context, cfg *models.Config, log *zap.Logger) (broker.Broker, *broker.SimBroker, error) {
	switch cfg.Broker.Kind {
	case "paper":
		if cfg.Broker.WSURL == "" {
			return nil, nil, errors.New("paper trading needs broker.ws_url for quotes")
		}
		spec := cfg.Broker.Paper.Spec
		if spec.Name == "" {
			spec.Name = cfg.Symbol
		}
		sim := broker.NewSimBroker(cfg.Symbol, spec, cfg.Broker.Paper.Balance, cfg.Broker.Paper.Currency)
		stream := broker.NewTickStream(cfg.Broker.WSURL, cfg.Symbol, streamMaxAge, log)
		stream.OnTick = func(t models.Tick) {
			sim.SetQuote(t.Bid, t.Ask, t.Time)
		}
		go stream.Run(ctx)
		log.Info("paper trading on simulated terminal",
			zap.Float64("balance", cfg.Broker.Paper.Balance),
			zap.String("currency", cfg.Broker.Paper.Currency))
		return sim, sim, nil

	default:
		timeout := time.Duration(cfg.Broker.TimeoutMs) * time.Millisecond
		client := broker.NewBridgeClient(cfg.Broker.BaseURL, cfg.Broker.APIKey, timeout, log)
		if cfg.Broker.WSURL != "" {
			stream := broker.NewTickStream(cfg.Broker.WSURL, cfg.Symbol, streamMaxAge, log)
			client.UseStream(stream)
			go stream.Run(ctx)
		}
		return client, nil, nil
	}
}

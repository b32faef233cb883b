package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"mt5-risk-engine-go/internal/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// 环境变量覆盖项
const (
	EnvBridgeURL    = "MT5_BRIDGE_URL"
	EnvBridgeWSURL  = "MT5_BRIDGE_WS_URL"
	EnvBridgeAPIKey = "MT5_BRIDGE_API_KEY"
	EnvSymbol       = "AGENT_SYMBOL"
)

// Agent modes.
const (
	ModeSingle     = "single"
	ModeGrid       = "grid"
	ModeMartingale = "martingale"
)

// Default 返回所有字段的默认值, 配置文件只需要覆盖差异部分
func Default() *models.Config {
	return &models.Config{
		Symbol:            "EURUSD",
		Magic:             234000,
		Tag:               "agent",
		Mode:              ModeSingle,
		TickIntervalMs:    1000,
		PausePollMs:       5000,
		StatusIntervalSec: 60,
		DayTimezone:       "UTC",
		PauseFlagPath:     "pause.flag",
		Policy:            models.DefaultRiskPolicy(),
		Gateway: models.GatewayConfig{
			RetryAttempts:       3,
			RetryInitialDelayMs: 200,
			RetryMaxDelayMs:     2000,
			CallTimeoutMs:       30000,
		},
		Broker: models.BrokerConfig{
			Kind:      "bridge",
			BaseURL:   "http://127.0.0.1:8228",
			TimeoutMs: 10000,
			Paper: models.PaperConfig{
				Balance:  10000,
				Currency: "USD",
				Spec: models.SymbolSpec{
					PointSize:    0.00001,
					Digits:       5,
					TickValue:    1,
					VolumeMin:    0.01,
					VolumeMax:    100,
					VolumeStep:   0.01,
					SpreadPoints: 10,
				},
			},
		},
		Control: models.ControlConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8090",
		},
		Storage: models.StorageConfig{
			StateDir:    "data/state",
			JournalPath: "data/journal.db",
		},
		LogConfig: models.LogConfig{
			Level:      "info",
			Output:     "console",
			File:       "logs/agent.log",
			MaxSize:    10,
			MaxBackups: 5,
			MaxAge:     30,
		},
	}
}

// Load 按 默认值 -> 配置文件 -> 环境变量 的顺序解析配置, 并在返回前完成校验
func Load(path string) (*models.Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := decode(path, data, cfg); err != nil {
			return nil, err
		}
	}

	// .env 不存在不是错误
	_ = godotenv.Load()
	applyEnv(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *models.Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return &models.ConfigurationError{Problems: []string{fmt.Sprintf("parse yaml %s: %v", path, err)}}
		}
	default:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return &models.ConfigurationError{Problems: []string{fmt.Sprintf("parse json %s: %v", path, err)}}
		}
	}
	return nil
}

func applyEnv(cfg *models.Config) {
	if v := os.Getenv(EnvBridgeURL); v != "" {
		cfg.Broker.BaseURL = v
	}
	if v := os.Getenv(EnvBridgeWSURL); v != "" {
		cfg.Broker.WSURL = v
	}
	if v := os.Getenv(EnvBridgeAPIKey); v != "" {
		cfg.Broker.APIKey = v
	}
	if v := os.Getenv(EnvSymbol); v != "" {
		cfg.Symbol = v
	}
}

// Validate 检查配置的合法性, 所有问题汇总到一个 ConfigurationError 中
func Validate(cfg *models.Config) error {
	errs := &models.ConfigurationError{}

	if cfg.Symbol == "" {
		errs.Add("symbol is required")
	}
	switch cfg.Mode {
	case ModeSingle, ModeGrid, ModeMartingale:
	default:
		errs.Add("mode %q must be one of single, grid, martingale", cfg.Mode)
	}
	if cfg.TickIntervalMs <= 0 {
		errs.Add("tick_interval_ms must be positive")
	}
	if cfg.PausePollMs <= 0 {
		errs.Add("pause_poll_ms must be positive")
	}
	if len(cfg.Tag) > 8 {
		errs.Add("tag %q longer than 8 characters", cfg.Tag)
	}
	if _, err := time.LoadLocation(cfg.DayTimezone); err != nil {
		errs.Add("day_timezone %q: %v", cfg.DayTimezone, err)
	}

	validatePolicy(cfg.Policy, errs)

	if cfg.Gateway.RetryAttempts < 1 {
		errs.Add("gateway.retry_attempts must be at least 1")
	}
	if cfg.Gateway.CallTimeoutMs <= 0 {
		errs.Add("gateway.call_timeout_ms must be positive")
	}
	if cfg.Gateway.RetryInitialDelayMs < 0 || cfg.Gateway.RetryMaxDelayMs < cfg.Gateway.RetryInitialDelayMs {
		errs.Add("gateway retry delays must satisfy 0 <= initial <= max")
	}

	switch cfg.Broker.Kind {
	case "bridge":
		if cfg.Broker.BaseURL == "" {
			errs.Add("broker.base_url is required for the bridge broker")
		}
	case "paper":
		if cfg.Broker.Paper.Balance <= 0 {
			errs.Add("broker.paper.balance must be positive")
		}
		spec := cfg.Broker.Paper.Spec
		if spec.PointSize <= 0 || spec.VolumeMin <= 0 || spec.VolumeStep <= 0 || spec.VolumeMax < spec.VolumeMin {
			errs.Add("broker.paper.spec needs point > 0 and 0 < volume_min <= volume_max with volume_step > 0")
		}
	default:
		errs.Add("broker.kind %q must be bridge or paper", cfg.Broker.Kind)
	}

	if cfg.Control.Enabled && cfg.Control.Listen == "" {
		errs.Add("control.listen is required when the control API is enabled")
	}
	if cfg.Storage.StateDir == "" {
		errs.Add("storage.state_dir is required")
	}

	return errs.OrNil()
}

func validatePolicy(p models.RiskPolicy, errs *models.ConfigurationError) {
	percent := func(name string, v float64, allowZero bool) {
		if v < 0 || v > 100 || (!allowZero && v == 0) {
			errs.Add("risk.%s %v must be within (0, 100]", name, v)
		}
	}
	percent("risk_percent_per_trade", p.RiskPercentPerTrade, false)
	percent("stop_loss_percent", p.StopLossPercent, false)
	percent("take_profit_percent", p.TakeProfitPercent, false)
	percent("trailing_step_percent", p.TrailingStepPercent, true)
	percent("breakeven_trigger_percent", p.BreakevenTriggerPercent, true)
	percent("daily_loss_limit_percent", p.DailyLossLimitPercent, false)
	percent("daily_profit_target_percent", p.DailyProfitTargetPercent, false)
	percent("max_drawdown_percent", p.MaxDrawdownPercent, false)
	percent("profit_trigger_percent", p.ProfitTriggerPercent, true)
	percent("profit_step_percent", p.ProfitStepPercent, true)

	if p.ProfitTriggerPercent > 0 && p.ProfitStepPercent <= 0 {
		errs.Add("risk.profit_step_percent must be positive when profit_trigger_percent is set")
	}
	if p.MaxConcurrentPositions < 1 {
		errs.Add("risk.max_concurrent_positions must be at least 1")
	}
	if p.MaxDailyTrades < 1 {
		errs.Add("risk.max_daily_trades must be at least 1")
	}
	if p.GridStepPoints <= 0 {
		errs.Add("risk.grid_step_points must be positive")
	}
	if p.MaxGridLevels < 1 {
		errs.Add("risk.max_grid_levels must be at least 1")
	}
	if p.MaxOrders < 0 {
		errs.Add("risk.max_orders must not be negative")
	}
	if p.MartingaleMultiplier < 1 {
		errs.Add("risk.martingale_multiplier %v must be at least 1", p.MartingaleMultiplier)
	}
	if p.MaxMartingaleTrades < 1 {
		errs.Add("risk.max_martingale_trades must be at least 1")
	}
	if p.BaseLot <= 0 {
		errs.Add("risk.base_lot must be positive")
	}
	if p.HedgeRatio < 0 || p.HedgeRatio > 1 {
		errs.Add("risk.hedge_ratio %v must be within [0, 1]", p.HedgeRatio)
	}
	if p.MaxLossUSD < 0 || p.MaxSpreadPoints < 0 || p.MinFreeMargin < 0 || p.MaxSlippagePoints < 0 {
		errs.Add("risk limits in money or points must not be negative")
	}
	if p.TradingStartHour < 0 || p.TradingStartHour > 23 || p.TradingEndHour < 0 || p.TradingEndHour > 24 {
		errs.Add("risk trading hours %d-%d out of range", p.TradingStartHour, p.TradingEndHour)
	}
	switch p.MartingaleProgression {
	case models.ProgressOnLoss, models.ProgressOnFill:
	default:
		errs.Add("risk.martingale_progression %q must be on_loss or on_fill", p.MartingaleProgression)
	}
	if p.MinImprovementPoints < 0 {
		errs.Add("risk.min_improvement_points must not be negative")
	}
	if p.MinDistancePoints <= 0 {
		errs.Add("risk.min_distance_points must be positive")
	}
}

package models

// MartingaleProgression selects what event lets a martingale sequence place its next step.
type MartingaleProgression string

const (
	// ProgressOnLoss places the next step only after the previous step closed at a loss.
	ProgressOnLoss MartingaleProgression = "on_loss"
	// ProgressOnFill places the next step once the previous step is confirmed open.
	ProgressOnFill MartingaleProgression = "on_fill"
)

// RiskPolicy 单个代理实例的风险参数, 启动时解析一次, 运行期间不可变
type RiskPolicy struct {
	RiskPercentPerTrade      float64 `json:"risk_percent_per_trade" yaml:"risk_percent_per_trade"`
	StopLossPercent          float64 `json:"stop_loss_percent" yaml:"stop_loss_percent"`
	TakeProfitPercent        float64 `json:"take_profit_percent" yaml:"take_profit_percent"`
	TrailingStepPercent      float64 `json:"trailing_step_percent" yaml:"trailing_step_percent"`
	BreakevenTriggerPercent  float64 `json:"breakeven_trigger_percent" yaml:"breakeven_trigger_percent"`
	MaxConcurrentPositions   int     `json:"max_concurrent_positions" yaml:"max_concurrent_positions"`
	MaxDailyTrades           int     `json:"max_daily_trades" yaml:"max_daily_trades"`
	DailyLossLimitPercent    float64 `json:"daily_loss_limit_percent" yaml:"daily_loss_limit_percent"`
	DailyProfitTargetPercent float64 `json:"daily_profit_target_percent" yaml:"daily_profit_target_percent"`
	MaxDrawdownPercent       float64 `json:"max_drawdown_percent" yaml:"max_drawdown_percent"`
	GridStepPoints           float64 `json:"grid_step_points" yaml:"grid_step_points"`
	MaxGridLevels            int     `json:"max_grid_levels" yaml:"max_grid_levels"`
	MartingaleMultiplier     float64 `json:"martingale_multiplier" yaml:"martingale_multiplier"`
	MaxMartingaleTrades      int     `json:"max_martingale_trades" yaml:"max_martingale_trades"`

	MaxOrders             int                   `json:"max_orders" yaml:"max_orders"` // 挂单 + 持仓上限, 0 表示 2*MaxGridLevels
	BaseLot               float64               `json:"base_lot" yaml:"base_lot"`
	ProfitTriggerPercent  float64               `json:"profit_trigger_percent" yaml:"profit_trigger_percent"` // 0 关闭利润回撤熔断
	ProfitStepPercent     float64               `json:"profit_step_percent" yaml:"profit_step_percent"`
	MaxLossUSD            float64               `json:"max_loss_usd" yaml:"max_loss_usd"` // 固定金额止损, 0 关闭
	HedgeRatio            float64               `json:"hedge_ratio" yaml:"hedge_ratio"`
	MaxSpreadPoints       float64               `json:"max_spread_points" yaml:"max_spread_points"`
	MinFreeMargin         float64               `json:"min_free_margin" yaml:"min_free_margin"`
	MaxSlippagePoints     int                   `json:"max_slippage_points" yaml:"max_slippage_points"`
	TradingStartHour      int                   `json:"trading_start_hour" yaml:"trading_start_hour"`
	TradingEndHour        int                   `json:"trading_end_hour" yaml:"trading_end_hour"`
	AvoidWeekends         bool                  `json:"avoid_weekends" yaml:"avoid_weekends"`
	MartingaleProgression MartingaleProgression `json:"martingale_progression" yaml:"martingale_progression"`
	MartingaleStepPoints  float64               `json:"martingale_step_points" yaml:"martingale_step_points"` // 0 时使用 GridStepPoints
	MinImprovementPoints  float64               `json:"min_improvement_points" yaml:"min_improvement_points"`
	MinDistancePoints     float64               `json:"min_distance_points" yaml:"min_distance_points"`
	PartialCloseEnabled   bool                  `json:"partial_close_enabled" yaml:"partial_close_enabled"`
}

// DefaultRiskPolicy returns the baseline every agent starts from before file overrides.
func DefaultRiskPolicy() RiskPolicy {
	return RiskPolicy{
		RiskPercentPerTrade:      2.0,
		StopLossPercent:          2.5,
		TakeProfitPercent:        5.0,
		TrailingStepPercent:      1.0,
		BreakevenTriggerPercent:  2.0,
		MaxConcurrentPositions:   5,
		MaxDailyTrades:           50,
		DailyLossLimitPercent:    10.0,
		DailyProfitTargetPercent: 20.0,
		MaxDrawdownPercent:       15.0,
		GridStepPoints:           50,
		MaxGridLevels:            5,
		MartingaleMultiplier:     2.0,
		MaxMartingaleTrades:      6,
		BaseLot:                  0.01,
		HedgeRatio:               0.5,
		MaxSlippagePoints:        20,
		TradingStartHour:         8,
		TradingEndHour:           18,
		MartingaleProgression:    ProgressOnLoss,
		MinImprovementPoints:     0.5,
		MinDistancePoints:        1,
	}
}

// OrderCap returns the grid cap on pending rungs plus open positions.
func (p RiskPolicy) OrderCap() int {
	if p.MaxOrders > 0 {
		return p.MaxOrders
	}
	return 2 * p.MaxGridLevels
}

// MartingaleStep returns the point spacing used by martingale steps.
func (p RiskPolicy) MartingaleStep() float64 {
	if p.MartingaleStepPoints > 0 {
		return p.MartingaleStepPoints
	}
	return p.GridStepPoints
}

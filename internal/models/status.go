package models

import "time"

// Agent statuses reported by the loop.
const (
	StatusStarting = "starting"
	StatusRunning  = "running"
	StatusPaused   = "paused"
	StatusDegraded = "degraded"
	StatusTripped  = "tripped"
	StatusStopped  = "stopped"
)

// StatusReport 是代理在每个tick结束时发布的只读快照, 供控制接口和状态表使用
type StatusReport struct {
	AgentID       string              `json:"agent_id"`
	Symbol        string              `json:"symbol"`
	Mode          string              `json:"mode"`
	Status        string              `json:"status"`
	Reason        string              `json:"reason,omitempty"`
	Paused        bool                `json:"paused"`
	Balance       float64             `json:"balance"`
	Equity        float64             `json:"equity"`
	FloatingPnL   float64             `json:"floating_pnl"`
	OpenPositions int                 `json:"open_positions"`
	PendingOrders int                 `json:"pending_orders"`
	Daily         DailyCounters       `json:"daily"`
	Breaker       CircuitBreakerState `json:"breaker"`
	Sequence      *MartingaleSequence `json:"sequence,omitempty"`
	Ticks         uint64              `json:"ticks"`
	LastTick      time.Time           `json:"last_tick"`
}

package models

import "time"

// SequenceState is the lifecycle state of a martingale sequence.
type SequenceState string

const (
	SequenceIdle           SequenceState = "IDLE"
	SequencePlacing        SequenceState = "PLACING"
	SequenceWaitingOutcome SequenceState = "WAITING_OUTCOME"
	SequenceCompleted      SequenceState = "COMPLETED"
	SequenceAborted        SequenceState = "ABORTED"
)

// Active reports whether a sequence in this state blocks a new start.
func (s SequenceState) Active() bool {
	return s == SequencePlacing || s == SequenceWaitingOutcome
}

// StepOutcome is what happened to one martingale step's position.
type StepOutcome string

const (
	OutcomePending StepOutcome = ""
	OutcomeOpen    StepOutcome = "OPEN"
	OutcomeWin     StepOutcome = "WIN"
	OutcomeLoss    StepOutcome = "LOSS"
)

// MartingaleStep is one placed order of a sequence.
type MartingaleStep struct {
	StepIndex  int         `json:"step_index"`
	Volume     float64     `json:"volume"`
	EntryPrice float64     `json:"entry_price"`
	StopLoss   float64     `json:"stop_loss"`
	TakeProfit float64     `json:"take_profit"`
	Ticket     uint64      `json:"ticket"`
	Outcome    StepOutcome `json:"outcome"`
	Profit     float64     `json:"profit"`
}

// MartingaleSequence 一个递增手数的交易序列, 每个代理每个品种同一时间只有一个活动序列
type MartingaleSequence struct {
	ID        string           `json:"id"`
	Symbol    string           `json:"symbol"`
	Direction Side             `json:"direction"`
	State     SequenceState    `json:"state"`
	Steps     []MartingaleStep `json:"steps"`
	Reason    string           `json:"reason,omitempty"`
	StartedAt time.Time        `json:"started_at"`
}

// Clone returns a deep copy.
func (s *MartingaleSequence) Clone() *MartingaleSequence {
	if s == nil {
		return nil
	}
	c := *s
	c.Steps = append([]MartingaleStep(nil), s.Steps...)
	return &c
}

// DailyCounters 当日交易统计, 每个tick根据成交历史重新计算
type DailyCounters struct {
	TradeDate          string  `json:"trade_date"`
	TradesExecuted     int     `json:"trades_executed"`
	RealizedPnL        float64 `json:"realized_pnl"`
	RealizedPnLPercent float64 `json:"realized_pnl_percent"`
}

// CircuitBreakerState 熔断状态, 触发后只能通过显式重置恢复
type CircuitBreakerState struct {
	Tripped       bool      `json:"tripped"`
	Reason        string    `json:"reason,omitempty"`
	TrippedAt     time.Time `json:"tripped_at,omitempty"`
	HighWaterMark *float64  `json:"high_water_mark,omitempty"`
	Resolved      []uint64  `json:"resolved,omitempty"`
}

// Clone returns a deep copy.
func (s CircuitBreakerState) Clone() CircuitBreakerState {
	c := s
	if s.HighWaterMark != nil {
		hwm := *s.HighWaterMark
		c.HighWaterMark = &hwm
	}
	c.Resolved = append([]uint64(nil), s.Resolved...)
	return c
}

// AgentState is everything an agent persists across restarts.
type AgentState struct {
	AgentID        string              `json:"agent_id"`
	Symbol         string              `json:"symbol"`
	Version        int                 `json:"version"`
	Breaker        CircuitBreakerState `json:"breaker"`
	Sequence       *MartingaleSequence `json:"sequence,omitempty"`
	FilledRungs    []float64           `json:"filled_rungs,omitempty"`
	Daily          DailyCounters       `json:"daily"`
	Status         string              `json:"status"`
	LastUpdateTime time.Time           `json:"last_update_time"`
}

// Clone returns a deep copy safe to hand to another goroutine.
func (s *AgentState) Clone() *AgentState {
	if s == nil {
		return nil
	}
	c := *s
	c.Breaker = s.Breaker.Clone()
	c.Sequence = s.Sequence.Clone()
	c.FilledRungs = append([]float64(nil), s.FilledRungs...)
	return &c
}

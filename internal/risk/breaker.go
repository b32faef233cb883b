package risk

import (
	"context"
	"fmt"
	"sort"
	"time"

	"mt5-risk-engine-go/internal/models"

	"go.uber.org/zap"
)

// Flattener is the part of the execution gateway the circuit breaker uses.
type Flattener interface {
	Cancel(ctx context.Context, req models.CancelOrder) (models.TradeResult, error)
	Close(ctx context.Context, req models.CloseDeal) (models.TradeResult, error)
}

// CircuitBreaker trips on aggregate floating P&L of the agent's positions and then
// flattens everything. Once tripped it stays tripped until Reset.
type CircuitBreaker struct {
	policy    models.RiskPolicy
	gw        Flattener
	magic     int64
	deviation int
	logger    *zap.Logger

	state    models.CircuitBreakerState
	resolved map[uint64]struct{}
}

// NewCircuitBreaker restores a breaker from persisted state.
func NewCircuitBreaker(policy models.RiskPolicy, gw Flattener, magic int64, state models.CircuitBreakerState, logger *zap.Logger) *CircuitBreaker {
	cb := &CircuitBreaker{
		policy:    policy,
		gw:        gw,
		magic:     magic,
		deviation: policy.MaxSlippagePoints,
		logger:    logger,
		state:     state.Clone(),
		resolved:  make(map[uint64]struct{}),
	}
	for _, t := range state.Resolved {
		cb.resolved[t] = struct{}{}
	}
	return cb
}

// Tripped reports whether the breaker has tripped.
func (cb *CircuitBreaker) Tripped() bool {
	return cb.state.Tripped
}

// State returns a copy of the breaker state for persistence and reporting.
func (cb *CircuitBreaker) State() models.CircuitBreakerState {
	s := cb.state.Clone()
	s.Resolved = s.Resolved[:0]
	for t := range cb.resolved {
		s.Resolved = append(s.Resolved, t)
	}
	sort.Slice(s.Resolved, func(i, j int) bool { return s.Resolved[i] < s.Resolved[j] })
	return s
}

// FloatingPnL sums the broker-reported profit of the positions.
func FloatingPnL(positions []models.Position) float64 {
	total := 0.0
	for _, p := range positions {
		total += p.Profit
	}
	return total
}

// Evaluate checks both trip conditions and trips the breaker when one holds.
// It returns true when the breaker is tripped after the call.
func (cb *CircuitBreaker) Evaluate(positions []models.Position, account models.AccountSnapshot) bool {
	if cb.state.Tripped {
		return true
	}
	if account.Balance <= 0 {
		return false
	}

	floating := FloatingPnL(positions)
	floatingPct := floating / account.Balance * 100

	lossLimit := -cb.policy.MaxDrawdownPercent / 100 * account.Balance
	if floating <= lossLimit {
		cb.trip(fmt.Sprintf("floating loss %.2f (%.2f%%) reached max drawdown %.2f%%",
			floating, floatingPct, cb.policy.MaxDrawdownPercent), account.Timestamp)
		return true
	}
	if cb.policy.MaxLossUSD > 0 && floating <= -cb.policy.MaxLossUSD {
		cb.trip(fmt.Sprintf("floating loss %.2f (%.2f%% of balance) reached fixed floor %.2f",
			floating, floatingPct, cb.policy.MaxLossUSD), account.Timestamp)
		return true
	}

	if cb.policy.ProfitTriggerPercent <= 0 {
		return false
	}
	trigger := cb.policy.ProfitTriggerPercent / 100 * account.Balance
	if cb.state.HighWaterMark == nil {
		if floating >= trigger {
			hwm := floating
			cb.state.HighWaterMark = &hwm
			cb.logger.Info("profit high-water mark armed", zap.Float64("floating", floating))
		}
		return false
	}
	if floating > *cb.state.HighWaterMark {
		*cb.state.HighWaterMark = floating
		return false
	}
	retrace := cb.policy.ProfitStepPercent / 100 * account.Balance
	if floating <= *cb.state.HighWaterMark-retrace {
		cb.trip(fmt.Sprintf("floating profit %.2f retraced from high-water mark %.2f by at least %.2f%% of balance",
			floating, *cb.state.HighWaterMark, cb.policy.ProfitStepPercent), account.Timestamp)
		return true
	}
	return false
}

func (cb *CircuitBreaker) trip(reason string, at time.Time) {
	if at.IsZero() {
		at = time.Now()
	}
	cb.state.Tripped = true
	cb.state.Reason = reason
	cb.state.TrippedAt = at
	cb.logger.Error("CIRCUIT BREAKER TRIPPED", zap.String("reason", reason))
}

// Trip forces the breaker into the tripped state.
func (cb *CircuitBreaker) Trip(reason string, at time.Time) {
	if cb.state.Tripped {
		return
	}
	cb.trip(reason, at)
}

// Flatten cancels every pending order and closes every position that has not
// already been resolved by an earlier call. It returns true when nothing is left
// unresolved. A close only resolves its ticket when the whole volume went
// through; Confirm checks the result against the broker afterwards.
func (cb *CircuitBreaker) Flatten(ctx context.Context, positions []models.Position, orders []models.PendingOrder, tick models.Tick) bool {
	flat := true

	for _, o := range orders {
		if _, done := cb.resolved[o.Ticket]; done {
			continue
		}
		if _, err := cb.gw.Cancel(ctx, models.CancelOrder{Ticket: o.Ticket}); err != nil {
			cb.logger.Warn("flatten: cancel failed, will retry", zap.Uint64("ticket", o.Ticket), zap.Error(err))
			flat = false
			continue
		}
		cb.resolved[o.Ticket] = struct{}{}
	}

	for _, p := range positions {
		if _, done := cb.resolved[p.Ticket]; done {
			continue
		}
		req := models.CloseDeal{
			Symbol:    p.Symbol,
			Ticket:    p.Ticket,
			Side:      p.Side,
			Volume:    p.Volume,
			Price:     tick.PriceFor(p.Side),
			Deviation: cb.deviation,
			Magic:     cb.magic,
		}
		res, err := cb.gw.Close(ctx, req)
		if err != nil {
			cb.logger.Warn("flatten: close failed, will retry", zap.Uint64("ticket", p.Ticket), zap.Error(err))
			flat = false
			continue
		}
		if !closedInFull(res, req.Volume) {
			cb.logger.Warn("flatten: close only partly filled, will retry",
				zap.Uint64("ticket", p.Ticket),
				zap.Int("retcode", res.Retcode),
				zap.Float64("requested", req.Volume),
				zap.Float64("filled", res.Volume))
			flat = false
			continue
		}
		cb.resolved[p.Ticket] = struct{}{}
	}

	return flat
}

// closedInFull reports whether a close result covers the requested volume. A
// zero volume means the bridge did not report one.
func closedInFull(res models.TradeResult, requested float64) bool {
	if res.Retcode == models.RetcodeDonePartial {
		return false
	}
	return res.Volume == 0 || res.Volume >= requested-volumeTolerance
}

const volumeTolerance = 1e-9

// Confirm checks a fresh broker snapshot taken after Flatten. Resolved tickets
// the broker still lists go back to the unresolved set so the next Flatten
// retries them. It returns true only when the snapshot holds no positions and
// no pending orders.
func (cb *CircuitBreaker) Confirm(positions []models.Position, orders []models.PendingOrder) bool {
	for _, o := range orders {
		if _, done := cb.resolved[o.Ticket]; done {
			cb.logger.Warn("flatten: cancelled order still listed", zap.Uint64("ticket", o.Ticket))
			delete(cb.resolved, o.Ticket)
		}
	}
	for _, p := range positions {
		if _, done := cb.resolved[p.Ticket]; done {
			cb.logger.Warn("flatten: closed position still listed",
				zap.Uint64("ticket", p.Ticket), zap.Float64("volume", p.Volume))
			delete(cb.resolved, p.Ticket)
		}
	}
	return len(positions) == 0 && len(orders) == 0
}

// Reset clears the tripped state. Only explicit reinitialization calls this.
func (cb *CircuitBreaker) Reset() {
	cb.state = models.CircuitBreakerState{}
	cb.resolved = make(map[uint64]struct{})
}

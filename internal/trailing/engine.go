package trailing

import (
	"context"
	"math"

	"mt5-risk-engine-go/internal/models"
	"mt5-risk-engine-go/internal/risk"

	"go.uber.org/zap"
)

// Phase is the trailing state of one position.
type Phase int

const (
	Initial Phase = iota
	BreakevenPending
	Trailing
)

func (p Phase) String() string {
	switch p {
	case BreakevenPending:
		return "breakeven_pending"
	case Trailing:
		return "trailing"
	}
	return "initial"
}

// profit percentages within this tolerance of the trigger count as reached
const triggerEpsilon = 1e-6

// Modifier is the part of the execution gateway the engine uses.
type Modifier interface {
	ModifySLTP(ctx context.Context, req models.ModifySLTP) (models.TradeResult, error)
	Close(ctx context.Context, req models.CloseDeal) (models.TradeResult, error)
}

type ticketState struct {
	phase       Phase
	partialDone bool
}

// Engine advances stop losses of open positions: breakeven promotion first, then
// a trailing stop that only ever moves in the profitable direction.
type Engine struct {
	policy models.RiskPolicy
	calc   risk.PriceLevelCalculator
	gw     Modifier
	magic  int64
	logger *zap.Logger

	states map[uint64]*ticketState
}

func NewEngine(policy models.RiskPolicy, gw Modifier, magic int64, logger *zap.Logger) *Engine {
	return &Engine{
		policy: policy,
		calc:   risk.NewPriceLevelCalculator(policy),
		gw:     gw,
		magic:  magic,
		logger: logger,
		states: make(map[uint64]*ticketState),
	}
}

// Phase returns the current phase of ticket.
func (e *Engine) Phase(ticket uint64) Phase {
	if st, ok := e.states[ticket]; ok {
		return st.phase
	}
	return Initial
}

// Manage runs one pass over positions and returns how many stop modifications
// were confirmed by the broker.
func (e *Engine) Manage(ctx context.Context, positions []models.Position, tick models.Tick, balance float64, spec models.SymbolSpec) int {
	live := make(map[uint64]struct{}, len(positions))
	modified := 0

	for _, pos := range positions {
		live[pos.Ticket] = struct{}{}
		st, ok := e.states[pos.Ticket]
		if !ok {
			st = &ticketState{}
			e.states[pos.Ticket] = st
		}

		price := tick.PriceFor(pos.Side)
		if price <= 0 {
			continue
		}

		if e.policy.PartialCloseEnabled && !st.partialDone {
			e.partialClose(ctx, pos, price, spec, st)
		}

		if e.manageOne(ctx, pos, price, balance, spec, st) {
			modified++
		}
	}

	for ticket := range e.states {
		if _, ok := live[ticket]; !ok {
			delete(e.states, ticket)
		}
	}
	return modified
}

func (e *Engine) manageOne(ctx context.Context, pos models.Position, price, balance float64, spec models.SymbolSpec, st *ticketState) bool {
	profitPct := risk.ProfitPercent(pos, price, balance, spec)
	entry := risk.Round(pos.OpenPrice, spec)

	if e.policy.BreakevenTriggerPercent > 0 && profitPct >= e.policy.BreakevenTriggerPercent-triggerEpsilon {
		if losingSide(pos, entry) {
			st.phase = BreakevenPending
			if e.modify(ctx, pos, entry, "breakeven") {
				st.phase = Trailing
				return true
			}
			return false
		}
		if st.phase != Trailing {
			st.phase = Trailing
		}
	}

	if e.policy.TrailingStepPercent <= 0 {
		return false
	}
	distance := e.calc.Distance(balance, e.policy.TrailingStepPercent, pos.Volume, spec)
	candidate := risk.Round(price-pos.Side.Sign()*distance, spec)
	if !e.improves(pos, candidate, spec) {
		return false
	}
	return e.modify(ctx, pos, candidate, "trail")
}

// losingSide reports whether the stop is absent or would still close at a loss.
func losingSide(pos models.Position, entry float64) bool {
	if pos.StopLoss <= 0 {
		return true
	}
	if pos.Side == models.Long {
		return pos.StopLoss < entry
	}
	return pos.StopLoss > entry
}

func (e *Engine) improves(pos models.Position, candidate float64, spec models.SymbolSpec) bool {
	if candidate <= 0 {
		return false
	}
	if pos.StopLoss <= 0 {
		return true
	}
	minStep := e.policy.MinImprovementPoints * spec.PointSize
	gain := (candidate - pos.StopLoss) * pos.Side.Sign()
	return gain > 0 && gain >= minStep-1e-12
}

func (e *Engine) modify(ctx context.Context, pos models.Position, sl float64, reason string) bool {
	req := models.ModifySLTP{Symbol: pos.Symbol, Ticket: pos.Ticket, StopLoss: sl, TakeProfit: pos.TakeProfit}
	if _, err := e.gw.ModifySLTP(ctx, req); err != nil {
		e.logger.Warn("stop loss update failed",
			zap.String("reason", reason), zap.Uint64("ticket", pos.Ticket), zap.Float64("sl", sl), zap.Error(err))
		return false
	}
	e.logger.Info("stop loss moved",
		zap.String("reason", reason), zap.Uint64("ticket", pos.Ticket),
		zap.Float64("from", pos.StopLoss), zap.Float64("to", sl))
	return true
}

// partialClose closes half of a position once its move exceeds one grid step.
func (e *Engine) partialClose(ctx context.Context, pos models.Position, price float64, spec models.SymbolSpec, st *ticketState) {
	if spec.PointSize <= 0 || e.policy.GridStepPoints <= 0 {
		return
	}
	points := (price - pos.OpenPrice) * pos.Side.Sign() / spec.PointSize
	if points <= e.policy.GridStepPoints {
		return
	}
	half := risk.Normalize(pos.Volume/2, spec)
	if half >= pos.Volume || half < spec.VolumeMin || math.IsNaN(half) {
		st.partialDone = true
		return
	}
	req := models.CloseDeal{
		Symbol:    pos.Symbol,
		Ticket:    pos.Ticket,
		Side:      pos.Side,
		Volume:    half,
		Price:     price,
		Deviation: e.policy.MaxSlippagePoints,
		Magic:     e.magic,
	}
	if _, err := e.gw.Close(ctx, req); err != nil {
		e.logger.Warn("partial close failed", zap.Uint64("ticket", pos.Ticket), zap.Error(err))
		return
	}
	st.partialDone = true
	e.logger.Info("partial close", zap.Uint64("ticket", pos.Ticket), zap.Float64("volume", half))
}

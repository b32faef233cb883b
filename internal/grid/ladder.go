package grid

import (
	"context"
	"math"
	"sort"

	"mt5-risk-engine-go/internal/gateway"
	"mt5-risk-engine-go/internal/models"
	"mt5-risk-engine-go/internal/risk"

	"go.uber.org/zap"
)

// Placer is the part of the execution gateway the ladder uses.
type Placer interface {
	PlacePending(ctx context.Context, req models.PlacePendingOrder) (models.TradeResult, error)
	Cancel(ctx context.Context, req models.CancelOrder) (models.TradeResult, error)
}

// View is the agent's cached broker state for one pass.
type View struct {
	Orders    []models.PendingOrder
	Positions []models.Position
	Spec      models.SymbolSpec
}

// Result summarizes one ladder pass.
type Result struct {
	Placed    int
	Cancelled int
	Filled    int
	Failed    int
}

type rung struct {
	side  models.OrderSide
	price float64
	key   int64
	level int
}

// Ladder 维护参考价上下各 MaxGridLevels 档限价单, 总挂单加持仓数不超过上限.
// 已成交的档位不会在同一价格重新挂单.
type Ladder struct {
	policy   models.RiskPolicy
	gw       Placer
	symbol   string
	magic    int64
	comments *gateway.Comments
	logger   *zap.Logger

	placed map[int64]models.PendingOrder // 本代理挂出且仍在挂单列表中的档位
	filled map[int64]float64
}

// NewLadder restores a ladder. filled are rung prices already consumed in an earlier run.
func NewLadder(policy models.RiskPolicy, gw Placer, symbol string, magic int64, comments *gateway.Comments, filled []float64, spec models.SymbolSpec, logger *zap.Logger) *Ladder {
	l := &Ladder{
		policy:   policy,
		gw:       gw,
		symbol:   symbol,
		magic:    magic,
		comments: comments,
		logger:   logger,
		placed:   make(map[int64]models.PendingOrder),
		filled:   make(map[int64]float64),
	}
	for _, p := range filled {
		l.filled[risk.PriceKey(p, spec)] = p
	}
	return l
}

// Filled returns the consumed rung prices in ascending order, for persistence.
func (l *Ladder) Filled() []float64 {
	out := make([]float64, 0, len(l.filled))
	for _, p := range l.filled {
		out = append(out, p)
	}
	sort.Float64s(out)
	return out
}

func (l *Ladder) step(spec models.SymbolSpec) float64 {
	return l.policy.GridStepPoints * spec.PointSize
}

// anchor snaps the reference to the step grid so small reference moves keep
// rung prices stable.
func (l *Ladder) anchor(reference float64, spec models.SymbolSpec) float64 {
	step := l.step(spec)
	if step <= 0 {
		return risk.Round(reference, spec)
	}
	return risk.Round(math.Round(reference/step)*step, spec)
}

// targets returns the rung prices around reference, nearest first and
// alternating buy and sell.
func (l *Ladder) targets(reference float64, spec models.SymbolSpec) []rung {
	base := l.anchor(reference, spec)
	out := make([]rung, 0, 2*l.policy.MaxGridLevels)
	for i := 1; i <= l.policy.MaxGridLevels; i++ {
		buy := risk.Offset(base, -float64(i)*l.policy.GridStepPoints, spec)
		sell := risk.Offset(base, float64(i)*l.policy.GridStepPoints, spec)
		if buy > 0 {
			out = append(out, rung{side: models.BuyLimit, price: buy, key: risk.PriceKey(buy, spec), level: i})
		}
		out = append(out, rung{side: models.SellLimit, price: sell, key: risk.PriceKey(sell, spec), level: i})
	}
	return out
}

// Setup adopts grid orders already resting at the broker and builds the ladder
// around reference until the order cap is reached.
func (l *Ladder) Setup(ctx context.Context, reference float64, view View) Result {
	l.placed = make(map[int64]models.PendingOrder)
	for _, o := range view.Orders {
		if l.isRung(o) {
			l.placed[risk.PriceKey(o.Price, view.Spec)] = o
		}
	}
	l.logger.Info("grid setup", zap.Float64("reference", reference), zap.Int("adopted", len(l.placed)))
	return l.Rebalance(ctx, reference, view)
}

// Rebalance records filled rungs, cancels stale ones and places missing
// targets, never letting pending orders plus positions exceed the cap.
func (l *Ladder) Rebalance(ctx context.Context, reference float64, view View) Result {
	var res Result
	spec := view.Spec
	step := l.step(spec)
	if step <= 0 || reference <= 0 {
		return res
	}
	base := l.anchor(reference, spec)
	maxDist := float64(l.policy.MaxGridLevels+1) * step

	pending := make(map[int64]models.PendingOrder)
	for _, o := range view.Orders {
		if l.isRung(o) {
			pending[risk.PriceKey(o.Price, spec)] = o
		}
	}

	// rungs we placed that are no longer pending were filled
	for key, o := range l.placed {
		if _, ok := pending[key]; ok {
			continue
		}
		delete(l.placed, key)
		l.filled[key] = o.Price
		res.Filled++
		l.logger.Info("grid rung filled", zap.Float64("price", o.Price), zap.String("side", string(o.Side)))
	}
	for key, o := range pending {
		l.placed[key] = o
	}

	// filled levels far from the market no longer block the ladder
	for key, p := range l.filled {
		if math.Abs(p-base) > maxDist+step/2 {
			delete(l.filled, key)
		}
	}

	count := len(view.Orders) + len(view.Positions)

	for key, o := range pending {
		if math.Abs(o.Price-base) <= maxDist+1e-9*step {
			continue
		}
		if _, err := l.gw.Cancel(ctx, models.CancelOrder{Ticket: o.Ticket}); err != nil {
			l.logger.Warn("stale rung cancel failed", zap.Uint64("ticket", o.Ticket), zap.Error(err))
			continue
		}
		delete(l.placed, key)
		delete(pending, key)
		count--
		res.Cancelled++
	}

	limit := l.policy.OrderCap()
	volume := risk.Normalize(l.policy.BaseLot, spec)
	for _, r := range l.targets(reference, spec) {
		if _, ok := pending[r.key]; ok {
			continue
		}
		if _, ok := l.filled[r.key]; ok {
			continue
		}
		if count >= limit {
			break
		}

		tp := risk.Offset(r.price, l.policy.GridStepPoints, spec)
		if r.side == models.SellLimit {
			tp = risk.Offset(r.price, -l.policy.GridStepPoints, spec)
		}
		req := models.PlacePendingOrder{
			Symbol:     l.symbol,
			Side:       r.side,
			Volume:     volume,
			Price:      r.price,
			TakeProfit: tp,
			Magic:      l.magic,
			Comment:    l.comments.Next(gateway.CommentGrid),
		}
		result, err := l.gw.PlacePending(ctx, req)
		if err != nil {
			l.logger.Warn("grid rung skipped", zap.Float64("price", r.price), zap.String("side", string(r.side)), zap.Error(err))
			res.Failed++
			continue
		}
		count++
		res.Placed++
		o := models.PendingOrder{
			Ticket: result.Order, Symbol: l.symbol, Side: r.side, Volume: volume,
			Price: r.price, TakeProfit: tp, Magic: l.magic, Comment: req.Comment,
		}
		l.placed[r.key] = o
		pending[r.key] = o
	}
	return res
}

func (l *Ladder) isRung(o models.PendingOrder) bool {
	if l.magic != 0 && o.Magic != l.magic {
		return false
	}
	kind, ok := l.comments.KindOf(o.Comment)
	return ok && kind == gateway.CommentGrid
}

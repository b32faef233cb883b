package agent

import (
	"context"
	"math"

	"mt5-risk-engine-go/internal/config"
	"mt5-risk-engine-go/internal/gateway"
	"mt5-risk-engine-go/internal/martingale"
	"mt5-risk-engine-go/internal/models"
	"mt5-risk-engine-go/internal/risk"

	"go.uber.org/zap"
)

// handleSignal consumes at most one signal and turns it into an entry when
// every gate allows it. Rejected signals never reach the gateway.
func (l *Loop) handleSignal(ctx context.Context, snap snapshot, market martingale.Market, gate, reason string) {
	if l.signals == nil {
		return
	}
	sig, err := l.signals.Next(ctx)
	if err != nil {
		l.logger.Warn("signal source failed", zap.Error(err))
		return
	}
	if sig.Direction == "" || sig.Direction == models.DirectionNone {
		return
	}

	if gate != "" {
		l.reject(sig, gate, reason)
		return
	}
	if limit := l.policy.MaxConcurrentPositions; limit > 0 && len(snap.positions) >= limit {
		l.reject(sig, "positions", "max concurrent positions reached")
		return
	}

	if sig.Direction == models.DirectionHedge {
		l.hedge(ctx, snap)
		return
	}
	side, ok := sig.Direction.Side()
	if !ok {
		return
	}

	switch l.cfg.Mode {
	case config.ModeMartingale:
		if l.sequencer.Active() {
			l.logger.Debug("signal ignored, martingale sequence active", zap.String("direction", string(sig.Direction)))
			return
		}
		if err := l.sequencer.Start(ctx, side, market); err != nil {
			l.logger.Warn("martingale start failed", zap.Error(err))
		}
		l.noteSteps(0)
	case config.ModeGrid:
		l.logger.Debug("directional signal ignored in grid mode", zap.String("direction", string(sig.Direction)))
	default:
		l.enter(ctx, side, snap)
	}
}

func (l *Loop) reject(sig models.Signal, gate, reason string) {
	metricBlocked.WithLabelValues(l.symbol, gate).Inc()
	l.logger.Info("signal rejected",
		zap.String("direction", string(sig.Direction)),
		zap.String("gate", gate),
		zap.String("reason", reason))
}

// enter opens one position sized so that hitting the stop loses
// RiskPercentPerTrade of balance.
func (l *Loop) enter(ctx context.Context, side models.Side, snap snapshot) {
	balance := snap.account.Balance
	entry := snap.tick.EntryFor(side)

	var sl, tp float64
	volume := risk.Normalize(l.policy.BaseLot, snap.spec)
	if l.policy.StopLossPercent > 0 {
		sl = l.levels.StopLoss(side, entry, balance, l.policy.StopLossPercent, l.policy.BaseLot, snap.spec)
		volume = l.sizer.Size(balance, l.policy.RiskPercentPerTrade, entry, sl, snap.spec)
	}
	if l.policy.TakeProfitPercent > 0 {
		tp = l.levels.TakeProfit(side, entry, balance, l.policy.TakeProfitPercent, volume, snap.spec)
	}

	req := models.PlaceMarketOrder{
		Symbol:     l.symbol,
		Side:       side,
		Volume:     volume,
		Price:      entry,
		StopLoss:   sl,
		TakeProfit: tp,
		Deviation:  l.policy.MaxSlippagePoints,
		Magic:      l.magic,
		Comment:    l.gw.Comments().Next(gateway.CommentSingle),
	}
	res, err := l.gw.PlaceMarket(ctx, req)
	if err != nil {
		l.logger.Warn("entry failed", zap.String("side", string(side)), zap.Error(err))
		return
	}
	l.daily.NoteEntry(res.Order)
	l.logger.Info("position opened",
		zap.Uint64("ticket", res.Order),
		zap.String("side", string(side)),
		zap.Float64("volume", volume),
		zap.Float64("price", res.Price),
		zap.Float64("sl", sl),
		zap.Float64("tp", tp))
}

// hedge opens opposite exposure of HedgeRatio times the agent's net volume.
func (l *Loop) hedge(ctx context.Context, snap snapshot) {
	net := 0.0
	for _, p := range snap.positions {
		net += p.Side.Sign() * p.Volume
	}
	if math.Abs(net) < snap.spec.VolumeMin/2 || net == 0 {
		l.logger.Info("hedge signal ignored, no net exposure")
		return
	}
	side := models.Long
	if net > 0 {
		side = models.Short
	}
	volume := risk.Normalize(math.Abs(net)*l.policy.HedgeRatio, snap.spec)

	req := models.PlaceMarketOrder{
		Symbol:    l.symbol,
		Side:      side,
		Volume:    volume,
		Price:     snap.tick.EntryFor(side),
		Deviation: l.policy.MaxSlippagePoints,
		Magic:     l.magic,
		Comment:   l.gw.Comments().Next(gateway.CommentHedge),
	}
	res, err := l.gw.PlaceMarket(ctx, req)
	if err != nil {
		l.logger.Warn("hedge failed", zap.Float64("net", net), zap.Error(err))
		return
	}
	l.daily.NoteEntry(res.Order)
	l.logger.Info("hedge opened",
		zap.Uint64("ticket", res.Order),
		zap.String("side", string(side)),
		zap.Float64("volume", volume),
		zap.Float64("net", net))
}

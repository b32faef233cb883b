package martingale

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"mt5-risk-engine-go/internal/gateway"
	"mt5-risk-engine-go/internal/id"
	"mt5-risk-engine-go/internal/models"
	"mt5-risk-engine-go/internal/risk"

	"go.uber.org/zap"
)

// ErrSequenceActive is returned by Start while a sequence is placing or waiting.
var ErrSequenceActive = errors.New("martingale sequence already active")

// Placer is the part of the execution gateway the sequencer uses.
type Placer interface {
	PlaceMarket(ctx context.Context, req models.PlaceMarketOrder) (models.TradeResult, error)
}

// Market is what the sequencer observes each tick. Positions and Deals are
// already filtered to the agent's magic number.
type Market struct {
	Tick      models.Tick
	Spec      models.SymbolSpec
	Positions []models.Position
	Deals     []models.Deal
}

// Sequencer runs one escalating-volume sequence at a time. Steps advance on
// observed broker events: a losing close (on_loss) or a confirmed fill (on_fill).
type Sequencer struct {
	policy   models.RiskPolicy
	gw       Placer
	symbol   string
	magic    int64
	comments *gateway.Comments
	logger   *zap.Logger

	seq *models.MartingaleSequence
}

// NewSequencer restores a sequencer, continuing restored when it is still active.
func NewSequencer(policy models.RiskPolicy, gw Placer, symbol string, magic int64, comments *gateway.Comments, restored *models.MartingaleSequence, logger *zap.Logger) *Sequencer {
	return &Sequencer{
		policy:   policy,
		gw:       gw,
		symbol:   symbol,
		magic:    magic,
		comments: comments,
		logger:   logger,
		seq:      restored.Clone(),
	}
}

// Sequence returns a copy of the current (or last) sequence, nil if none ran yet.
func (s *Sequencer) Sequence() *models.MartingaleSequence {
	return s.seq.Clone()
}

// Active reports whether a sequence is placing or waiting for an outcome.
func (s *Sequencer) Active() bool {
	return s.seq != nil && s.seq.State.Active()
}

// Since returns when the active sequence started; deal history from then on
// must be passed to OnTick.
func (s *Sequencer) Since() (time.Time, bool) {
	if !s.Active() {
		return time.Time{}, false
	}
	return s.seq.StartedAt, true
}

// StepVolume returns the volume of step i: BaseLot * multiplier^i, clamped and
// rounded to the symbol's volume step, never below the previous step.
func (s *Sequencer) StepVolume(i int, spec models.SymbolSpec) float64 {
	v := risk.Normalize(s.policy.BaseLot*math.Pow(s.policy.MartingaleMultiplier, float64(i)), spec)
	if i > 0 {
		if prev := s.StepVolume(i-1, spec); v < prev {
			return prev
		}
	}
	return v
}

// Start opens step 0 of a new sequence in direction side.
func (s *Sequencer) Start(ctx context.Context, side models.Side, m Market) error {
	if s.Active() {
		return ErrSequenceActive
	}
	s.seq = &models.MartingaleSequence{
		ID:        id.At(startTime(m.Tick)),
		Symbol:    s.symbol,
		Direction: side,
		State:     models.SequencePlacing,
		StartedAt: startTime(m.Tick),
	}
	s.logger.Info("martingale sequence started", zap.String("id", s.seq.ID), zap.String("side", string(side)))
	return s.placeNext(ctx, m)
}

func startTime(t models.Tick) time.Time {
	if t.Time.IsZero() {
		return time.Now()
	}
	return t.Time
}

// Abort stops the active sequence. Already placed steps stay open.
func (s *Sequencer) Abort(reason string) {
	if !s.Active() {
		return
	}
	s.finish(models.SequenceAborted, reason)
}

func (s *Sequencer) finish(state models.SequenceState, reason string) {
	s.seq.State = state
	s.seq.Reason = reason
	fields := []zap.Field{zap.String("id", s.seq.ID), zap.Int("steps", len(s.seq.Steps)), zap.String("reason", reason)}
	if state == models.SequenceAborted {
		s.logger.Warn("martingale sequence aborted", fields...)
		return
	}
	s.logger.Info("martingale sequence completed", fields...)
}

func (s *Sequencer) placeNext(ctx context.Context, m Market) error {
	i := len(s.seq.Steps)
	if i >= s.policy.MaxMartingaleTrades {
		s.finish(models.SequenceAborted, fmt.Sprintf("max martingale trades (%d) reached", s.policy.MaxMartingaleTrades))
		return nil
	}
	s.seq.State = models.SequencePlacing

	side := s.seq.Direction
	entry := m.Tick.EntryFor(side)
	step := s.policy.MartingaleStep()
	volume := s.StepVolume(i, m.Spec)
	req := models.PlaceMarketOrder{
		Symbol:     s.symbol,
		Side:       side,
		Volume:     volume,
		Price:      entry,
		StopLoss:   risk.Offset(entry, -side.Sign()*step*float64(i+1), m.Spec),
		TakeProfit: risk.Offset(entry, side.Sign()*2*step, m.Spec),
		Deviation:  s.policy.MaxSlippagePoints,
		Magic:      s.magic,
		Comment:    s.comments.Next(gateway.CommentMartingale),
	}

	res, err := s.gw.PlaceMarket(ctx, req)
	if err != nil {
		s.finish(models.SequenceAborted, fmt.Sprintf("step %d placement failed: %v", i, err))
		return fmt.Errorf("martingale step %d: %w", i, err)
	}

	price := res.Price
	if price <= 0 {
		price = entry
	}
	s.seq.Steps = append(s.seq.Steps, models.MartingaleStep{
		StepIndex:  i,
		Volume:     volume,
		EntryPrice: price,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
		Ticket:     res.Order,
		Outcome:    models.OutcomeOpen,
	})
	s.seq.State = models.SequenceWaitingOutcome
	s.logger.Info("martingale step placed",
		zap.String("id", s.seq.ID), zap.Int("step", i), zap.Float64("volume", volume), zap.Uint64("ticket", res.Order))
	return nil
}

// OnTick advances the active sequence from observed positions and deals. It
// returns true when the sequence changed.
func (s *Sequencer) OnTick(ctx context.Context, m Market) bool {
	if !s.Active() {
		return false
	}
	before := len(s.seq.Steps)
	state := s.seq.State

	open := make(map[uint64]bool, len(m.Positions))
	for _, p := range m.Positions {
		open[p.Ticket] = true
	}
	changed := s.resolveOutcomes(open, m.Deals)

	if s.policy.MartingaleProgression == models.ProgressOnFill {
		s.progressOnFill(ctx, open, m)
	} else {
		s.progressOnLoss(ctx, m)
	}
	return changed || len(s.seq.Steps) != before || s.seq.State != state
}

// resolveOutcomes marks open steps whose positions are gone and whose closing
// deals are visible in history.
func (s *Sequencer) resolveOutcomes(open map[uint64]bool, deals []models.Deal) bool {
	changed := false
	for i := range s.seq.Steps {
		st := &s.seq.Steps[i]
		if st.Outcome != models.OutcomeOpen || open[st.Ticket] {
			continue
		}
		profit, closed := 0.0, false
		for _, d := range deals {
			if d.Entry == models.DealOut && d.PositionID == st.Ticket {
				profit += d.NetProfit()
				closed = true
			}
		}
		if !closed {
			// history not caught up yet
			continue
		}
		st.Profit = profit
		st.Outcome = models.OutcomeWin
		if profit < 0 {
			st.Outcome = models.OutcomeLoss
		}
		changed = true
		s.logger.Info("martingale step closed",
			zap.String("id", s.seq.ID), zap.Int("step", st.StepIndex), zap.String("outcome", string(st.Outcome)), zap.Float64("profit", profit))
	}
	return changed
}

func (s *Sequencer) progressOnLoss(ctx context.Context, m Market) {
	last := s.seq.Steps[len(s.seq.Steps)-1]
	switch last.Outcome {
	case models.OutcomeWin:
		s.finish(models.SequenceCompleted, fmt.Sprintf("step %d won", last.StepIndex))
	case models.OutcomeLoss:
		if s.atPositionLimit(m) {
			return
		}
		s.placeNext(ctx, m)
	}
}

func (s *Sequencer) progressOnFill(ctx context.Context, open map[uint64]bool, m Market) {
	allClosed := true
	for _, st := range s.seq.Steps {
		if st.Outcome == models.OutcomeOpen {
			allClosed = false
		}
	}
	if allClosed {
		s.finish(models.SequenceCompleted, "all steps closed")
		return
	}
	last := s.seq.Steps[len(s.seq.Steps)-1]
	if !open[last.Ticket] || len(s.seq.Steps) >= s.policy.MaxMartingaleTrades {
		return
	}
	if s.atPositionLimit(m) {
		return
	}
	s.placeNext(ctx, m)
}

// atPositionLimit reports whether the agent already holds MaxConcurrentPositions.
// The next step waits for a slot instead of aborting the sequence.
func (s *Sequencer) atPositionLimit(m Market) bool {
	limit := s.policy.MaxConcurrentPositions
	if limit <= 0 || len(m.Positions) < limit {
		return false
	}
	s.logger.Debug("martingale step deferred: position limit reached",
		zap.Int("positions", len(m.Positions)),
		zap.Int("limit", limit),
		zap.Int("step", len(s.seq.Steps)))
	return true
}

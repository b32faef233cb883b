package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"mt5-risk-engine-go/internal/broker"
	"mt5-risk-engine-go/internal/config"
	"mt5-risk-engine-go/internal/control"
	"mt5-risk-engine-go/internal/gateway"
	"mt5-risk-engine-go/internal/grid"
	"mt5-risk-engine-go/internal/id"
	"mt5-risk-engine-go/internal/martingale"
	"mt5-risk-engine-go/internal/models"
	"mt5-risk-engine-go/internal/reporter"
	"mt5-risk-engine-go/internal/risk"
	"mt5-risk-engine-go/internal/signal"
	"mt5-risk-engine-go/internal/statemanager"
	"mt5-risk-engine-go/internal/trailing"

	"go.uber.org/zap"
)

const stopTimeout = time.Minute

// Deps are the collaborators a Loop drives. Signals, Pauser and States may be nil.
type Deps struct {
	Broker  broker.Broker
	Gateway *gateway.Gateway
	Signals signal.Source
	Pauser  *control.Pauser
	States  *statemanager.StateManager
}

// snapshot is the broker state read at the start of a tick. Positions and
// orders are already filtered to the agent's magic number.
type snapshot struct {
	account   models.AccountSnapshot
	spec      models.SymbolSpec
	tick      models.Tick
	positions []models.Position
	orders    []models.PendingOrder
	now       time.Time
}

// Loop 是单个交易代理的主循环. 所有引擎状态只由运行 Run 的 goroutine 访问,
// 对外只通过 Status 暴露一份加锁的快照.
type Loop struct {
	cfg         *models.Config
	policy      models.RiskPolicy
	symbol      string
	magic       int64
	callTimeout time.Duration
	logger      *zap.Logger

	broker  broker.Broker
	gw      *gateway.Gateway
	signals signal.Source
	pauser  *control.Pauser
	states  *statemanager.StateManager

	sizer     risk.PositionSizer
	levels    risk.PriceLevelCalculator
	session   risk.SessionFilter
	daily     *risk.DailyLimiter
	breaker   *risk.CircuitBreaker
	trailing  *trailing.Engine
	sequencer *martingale.Sequencer
	ladder    *grid.Ladder
	filled    []float64 // 上次运行已成交的网格档位, 拿到品种规格后交给 ladder

	agentID   string
	ticks     uint64
	paused    bool
	lastPrint time.Time

	mu     sync.RWMutex
	status models.StatusReport
}

// New builds a loop from the configuration and the state restored by deps.States.
func New(cfg *models.Config, deps Deps, logger *zap.Logger) (*Loop, error) {
	if deps.Broker == nil || deps.Gateway == nil {
		return nil, errors.New("agent: broker and gateway are required")
	}
	tz := cfg.DayTimezone
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		cerr := &models.ConfigurationError{}
		cerr.Add("day_timezone %q: %v", tz, err)
		return nil, cerr
	}

	restored := &models.AgentState{}
	if deps.States != nil {
		if s := deps.States.GetStateSnapshot(); s != nil {
			restored = s
		}
	}
	if restored.Symbol != "" && restored.Symbol != cfg.Symbol {
		return nil, fmt.Errorf("agent: restored state belongs to %s, not %s", restored.Symbol, cfg.Symbol)
	}

	policy := cfg.Policy
	l := &Loop{
		cfg:         cfg,
		policy:      policy,
		symbol:      cfg.Symbol,
		magic:       cfg.Magic,
		callTimeout: time.Duration(cfg.Gateway.CallTimeoutMs) * time.Millisecond,
		logger:      logger,
		broker:      deps.Broker,
		gw:          deps.Gateway,
		signals:     deps.Signals,
		pauser:      deps.Pauser,
		states:      deps.States,
		levels:      risk.NewPriceLevelCalculator(policy),
		session:     risk.NewSessionFilter(policy),
		daily:       risk.NewDailyLimiter(policy, loc, cfg.Magic, logger),
		breaker:     risk.NewCircuitBreaker(policy, deps.Gateway, cfg.Magic, restored.Breaker, logger),
		trailing:    trailing.NewEngine(policy, deps.Gateway, cfg.Magic, logger),
		sequencer:   martingale.NewSequencer(policy, deps.Gateway, cfg.Symbol, cfg.Magic, deps.Gateway.Comments(), restored.Sequence, logger),
		filled:      restored.FilledRungs,
		agentID:     restored.AgentID,
	}
	if l.callTimeout <= 0 {
		l.callTimeout = 30 * time.Second
	}

	if l.agentID == "" {
		l.agentID = id.Agent()
		if deps.States != nil {
			fresh := restored.Clone()
			fresh.AgentID = l.agentID
			fresh.Symbol = l.symbol
			deps.States.DispatchEvent(statemanager.NormalizedEvent{Type: statemanager.StateResetEvent, Data: fresh})
		}
	}
	l.status = models.StatusReport{AgentID: l.agentID, Symbol: l.symbol, Mode: cfg.Mode, Status: models.StatusStarting}

	if l.breaker.Tripped() {
		logger.Warn("restored a tripped circuit breaker, no new orders until reset-breaker",
			zap.String("reason", l.breaker.State().Reason))
	}
	return l, nil
}

// AgentID returns the agent's persistent identity.
func (l *Loop) AgentID() string {
	return l.agentID
}

// Run ticks until ctx is cancelled or the circuit breaker has tripped and the
// agent is flat, in which case it returns models.ErrCircuitBreakerTripped.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("agent loop started",
		zap.String("agent", l.agentID),
		zap.String("symbol", l.symbol),
		zap.String("mode", l.cfg.Mode),
		zap.Int64("magic", l.magic))

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			l.stop(ctx)
			return nil
		case <-timer.C:
		}

		if l.pauser != nil && l.pauser.Paused() {
			if !l.paused {
				l.paused = true
				l.logger.Info("agent paused, broker work suspended")
				l.publish(models.StatusPaused, "pause requested", nil)
				l.persist()
			}
			timer.Reset(l.cfg.PausePollInterval())
			continue
		}
		if l.paused {
			l.paused = false
			l.logger.Info("agent resumed")
		}

		err := l.Tick(ctx)
		if errors.Is(err, models.ErrCircuitBreakerTripped) {
			l.printStatus(true)
			l.logger.Error("agent halted: circuit breaker tripped and all exposure flattened")
			return err
		}
		l.printStatus(false)
		timer.Reset(l.cfg.TickInterval())
	}
}

// Tick runs one iteration. A broker read failure skips the tick and returns an
// error wrapping models.ErrAccountUnavailable.
func (l *Loop) Tick(ctx context.Context) error {
	start := time.Now()
	l.ticks++
	defer func() {
		metricTickSeconds.WithLabelValues(l.symbol).Observe(time.Since(start).Seconds())
	}()

	snap, err := l.refresh(ctx)
	if err != nil {
		return l.degraded(ctx, err)
	}

	// 熔断检查优先于一切
	if l.breaker.Evaluate(snap.positions, snap.account) {
		return l.onTripped(ctx, snap)
	}

	deals, err := l.history(ctx, snap.now)
	if err != nil {
		return l.degraded(ctx, err)
	}
	l.daily.Refresh(snap.now, deals, snap.account.Balance)
	gate, reason := l.gate(snap)

	// 已有持仓的管理不受入场限制影响
	l.trailing.Manage(ctx, snap.positions, snap.tick, snap.account.Balance, snap.spec)

	market := martingale.Market{Tick: snap.tick, Spec: snap.spec, Positions: snap.positions, Deals: deals}
	if gate != "" && l.sequencer.Active() {
		l.sequencer.Abort("entries blocked: " + reason)
	}
	before := l.stepCount()
	if l.sequencer.OnTick(ctx, market) {
		l.noteSteps(before)
	}

	if l.cfg.Mode == config.ModeGrid && gate == "" {
		l.maintainGrid(ctx, snap)
	}

	l.handleSignal(ctx, snap, market, gate, reason)

	metricTicks.WithLabelValues(l.symbol, "ok").Inc()
	l.publish(models.StatusRunning, "", &snap)
	l.persist()
	return nil
}

func (l *Loop) refresh(ctx context.Context) (snapshot, error) {
	var s snapshot
	callCtx, cancel := context.WithTimeout(ctx, l.callTimeout)
	defer cancel()

	var err error
	if s.account, err = l.broker.AccountInfo(callCtx); err != nil {
		return s, err
	}
	if s.spec, err = l.broker.SymbolInfo(callCtx, l.symbol); err != nil {
		return s, err
	}
	if s.tick, err = l.broker.CurrentTick(callCtx, l.symbol); err != nil {
		return s, err
	}
	if s.tick.Bid <= 0 || s.tick.Ask <= 0 {
		return s, &models.AccountUnavailableError{Op: "symbol_info_tick", Err: errors.New("no quote")}
	}
	positions, err := l.broker.Positions(callCtx, l.symbol)
	if err != nil {
		return s, err
	}
	s.positions = broker.FilterPositions(positions, l.magic)
	orders, err := l.broker.Orders(callCtx, l.symbol)
	if err != nil {
		return s, err
	}
	s.orders = broker.FilterOrders(orders, l.magic)

	s.now = s.tick.Time
	if s.now.IsZero() {
		s.now = time.Now()
	}
	return s, nil
}

// history returns today's deals for this agent, reaching back to the start of
// an active martingale sequence when that began earlier.
func (l *Loop) history(ctx context.Context, now time.Time) ([]models.Deal, error) {
	from := l.daily.DayOpen(now)
	if since, ok := l.sequencer.Since(); ok && since.Before(from) {
		from = since
	}
	callCtx, cancel := context.WithTimeout(ctx, l.callTimeout)
	defer cancel()
	deals, err := l.broker.HistoryDeals(callCtx, from, now.Add(time.Hour))
	if err != nil {
		return nil, err
	}
	deals = broker.FilterDeals(deals, l.magic)
	out := deals[:0:0]
	for _, d := range deals {
		if d.Symbol == "" || d.Symbol == l.symbol {
			out = append(out, d)
		}
	}
	return out, nil
}

func (l *Loop) degraded(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	l.logger.Warn("broker unavailable, tick skipped", zap.Error(err))
	metricTicks.WithLabelValues(l.symbol, "degraded").Inc()
	l.publish(models.StatusDegraded, err.Error(), nil)
	l.persist()
	if !errors.Is(err, models.ErrAccountUnavailable) {
		err = &models.AccountUnavailableError{Op: "tick", Err: err}
	}
	return fmt.Errorf("tick skipped: %w", err)
}

func (l *Loop) onTripped(ctx context.Context, snap snapshot) error {
	l.sequencer.Abort("circuit breaker tripped")
	flat := l.breaker.Flatten(ctx, snap.positions, snap.orders, snap.tick)
	if flat {
		// 以券商最新快照为准
		fresh, err := l.refresh(ctx)
		if err != nil {
			l.logger.Warn("flatten: cannot confirm against broker", zap.Error(err))
			flat = false
		} else {
			flat = l.breaker.Confirm(fresh.positions, fresh.orders)
			snap = fresh
		}
	}

	metricTicks.WithLabelValues(l.symbol, "tripped").Inc()
	l.publish(models.StatusTripped, l.breaker.State().Reason, &snap)
	l.persist()
	if !flat {
		l.logger.Warn("flatten incomplete, retrying next tick")
		return nil
	}
	return models.ErrCircuitBreakerTripped
}

// gate returns the name of the entry gate that blocks new entries and why, or
// an empty name when entries are allowed.
func (l *Loop) gate(snap snapshot) (string, string) {
	if ok, why := l.daily.Allow(); !ok {
		return "daily", why
	}
	if ok, why := l.session.Allow(snap.now, snap.spec, snap.account); !ok {
		return "session", why
	}
	return "", ""
}

func (l *Loop) maintainGrid(ctx context.Context, snap snapshot) {
	reference := (snap.tick.Bid + snap.tick.Ask) / 2
	view := grid.View{Orders: snap.orders, Positions: snap.positions, Spec: snap.spec}

	var res grid.Result
	if l.ladder == nil {
		l.ladder = grid.NewLadder(l.policy, l.gw, l.symbol, l.magic, l.gw.Comments(), l.filled, snap.spec, l.logger)
		res = l.ladder.Setup(ctx, reference, view)
	} else {
		res = l.ladder.Rebalance(ctx, reference, view)
	}
	if res != (grid.Result{}) {
		l.logger.Debug("grid pass",
			zap.Float64("reference", reference),
			zap.Int("placed", res.Placed),
			zap.Int("cancelled", res.Cancelled),
			zap.Int("filled", res.Filled),
			zap.Int("failed", res.Failed))
	}
}

func (l *Loop) stepCount() int {
	if seq := l.sequencer.Sequence(); seq != nil {
		return len(seq.Steps)
	}
	return 0
}

// noteSteps counts martingale steps placed after the first `before` as entries.
func (l *Loop) noteSteps(before int) {
	seq := l.sequencer.Sequence()
	if seq == nil {
		return
	}
	if before > len(seq.Steps) {
		before = 0
	}
	for _, st := range seq.Steps[before:] {
		l.daily.NoteEntry(st.Ticket)
	}
}

// stop runs once ctx is cancelled. Positions are closed only with close_on_stop.
func (l *Loop) stop(ctx context.Context) {
	if l.cfg.CloseOnStop {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
		defer cancel()
		l.sequencer.Abort("agent stopped with close_on_stop")
		l.closeAll(stopCtx)
	}
	l.publish(models.StatusStopped, "", nil)
	l.persist()
	l.logger.Info("agent loop stopped", zap.Uint64("ticks", l.ticks))
}

func (l *Loop) closeAll(ctx context.Context) {
	snap, err := l.refresh(ctx)
	if err != nil {
		l.logger.Error("close on stop: broker unavailable, positions left open", zap.Error(err))
		return
	}
	for _, o := range snap.orders {
		if _, err := l.gw.Cancel(ctx, models.CancelOrder{Ticket: o.Ticket}); err != nil {
			l.logger.Error("close on stop: cancel failed", zap.Uint64("ticket", o.Ticket), zap.Error(err))
		}
	}
	for _, p := range snap.positions {
		req := models.CloseDeal{
			Symbol:    p.Symbol,
			Ticket:    p.Ticket,
			Side:      p.Side,
			Volume:    p.Volume,
			Price:     snap.tick.PriceFor(p.Side),
			Deviation: l.policy.MaxSlippagePoints,
			Magic:     l.magic,
			Comment:   l.gw.Comments().Next(gateway.CommentClose),
		}
		if _, err := l.gw.Close(ctx, req); err != nil {
			l.logger.Error("close on stop: close failed", zap.Uint64("ticket", p.Ticket), zap.Error(err))
		}
	}
	l.logger.Info("close on stop done", zap.Int("orders", len(snap.orders)), zap.Int("positions", len(snap.positions)))
}

// persist hands the engine state to the state manager, which writes it only
// when something changed.
func (l *Loop) persist() {
	if l.states == nil {
		return
	}
	now := time.Now()
	dispatch := func(t statemanager.EventType, data interface{}) {
		l.states.DispatchEvent(statemanager.NormalizedEvent{Type: t, Timestamp: now, Data: data})
	}
	dispatch(statemanager.BreakerUpdateEvent, l.breaker.State())
	dispatch(statemanager.SequenceUpdateEvent, l.sequencer.Sequence())
	if l.ladder != nil {
		dispatch(statemanager.FilledRungsEvent, l.ladder.Filled())
	}
	dispatch(statemanager.DailyUpdateEvent, l.daily.Counters())

	l.mu.RLock()
	status := l.status.Status
	l.mu.RUnlock()
	dispatch(statemanager.StatusUpdateEvent, status)
}

func (l *Loop) publish(status, reason string, snap *snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()

	r := &l.status
	r.Status = status
	r.Reason = reason
	r.Paused = status == models.StatusPaused
	r.Ticks = l.ticks
	r.Daily = l.daily.Counters()
	r.Breaker = l.breaker.State()
	r.Sequence = l.sequencer.Sequence()

	tripped := 0.0
	if r.Breaker.Tripped {
		tripped = 1
	}
	metricBreaker.WithLabelValues(l.symbol).Set(tripped)
	metricTradesToday.WithLabelValues(l.symbol).Set(float64(r.Daily.TradesExecuted))

	if snap == nil {
		return
	}
	r.Balance = snap.account.Balance
	r.Equity = snap.account.Equity
	r.FloatingPnL = risk.FloatingPnL(snap.positions)
	r.OpenPositions = len(snap.positions)
	r.PendingOrders = len(snap.orders)
	r.LastTick = snap.tick.Time

	metricBalance.WithLabelValues(l.symbol).Set(r.Balance)
	metricEquity.WithLabelValues(l.symbol).Set(r.Equity)
	metricFloating.WithLabelValues(l.symbol).Set(r.FloatingPnL)
	metricPositions.WithLabelValues(l.symbol).Set(float64(r.OpenPositions))
	metricPending.WithLabelValues(l.symbol).Set(float64(r.PendingOrders))
}

// Status returns a copy of the latest status report. Safe for concurrent use.
func (l *Loop) Status() models.StatusReport {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r := l.status
	r.Breaker = r.Breaker.Clone()
	r.Sequence = r.Sequence.Clone()
	return r
}

func (l *Loop) printStatus(force bool) {
	interval := l.cfg.StatusInterval()
	if !force && (interval <= 0 || time.Since(l.lastPrint) < interval) {
		return
	}
	l.lastPrint = time.Now()
	l.logger.Info("agent status\n" + reporter.StatusTable(l.Status()))
}

package agent

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"mt5-risk-engine-go/internal/broker"
	"mt5-risk-engine-go/internal/config"
	"mt5-risk-engine-go/internal/control"
	"mt5-risk-engine-go/internal/gateway"
	"mt5-risk-engine-go/internal/models"
	"mt5-risk-engine-go/internal/persistence"
	"mt5-risk-engine-go/internal/signal"
	"mt5-risk-engine-go/internal/statemanager"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const magic = 77

// 2026-03-02 是周一, 10:00 UTC 在默认交易时段内
var monday = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

var eurusd = models.SymbolSpec{
	Name:       "EURUSD",
	PointSize:  0.0001,
	Digits:     4,
	TickValue:  10,
	VolumeMin:  0.01,
	VolumeMax:  10,
	VolumeStep: 0.01,
}

func testConfig() *models.Config {
	cfg := config.Default()
	cfg.Symbol = "EURUSD"
	cfg.Magic = magic
	cfg.Tag = "t"
	cfg.TickIntervalMs = 1
	cfg.PausePollMs = 1
	cfg.StatusIntervalSec = 0
	cfg.Gateway = models.GatewayConfig{RetryAttempts: 2, RetryInitialDelayMs: 1, RetryMaxDelayMs: 2, CallTimeoutMs: 1000}
	cfg.Policy.BaseLot = 0.1
	cfg.Policy.MaxDailyTrades = 2
	return cfg
}

type harness struct {
	sim     *broker.SimBroker
	gw      *gateway.Gateway
	signals *signal.ChanSource
	loop    *Loop
}

func newHarness(t *testing.T, cfg *models.Config, deps Deps) *harness {
	t.Helper()
	sim := broker.NewSimBroker("EURUSD", eurusd, 10000, "USD")
	sim.SetQuote(1.1000, 1.1002, monday)
	signals := signal.NewChanSource(8)

	deps.Broker = sim
	deps.Gateway = gateway.New(sim, cfg.Symbol, cfg.Tag, cfg.Gateway, zap.NewNop())
	deps.Signals = signals
	loop, err := New(cfg, deps, zap.NewNop())
	require.NoError(t, err)
	return &harness{sim: sim, gw: deps.Gateway, signals: signals, loop: loop}
}

func (h *harness) tickWith(t *testing.T, sig models.Signal) error {
	t.Helper()
	require.True(t, h.signals.Send(sig))
	return h.loop.Tick(context.Background())
}

func points(price float64) int64 {
	return int64(math.Round(price / eurusd.PointSize))
}

var buy = models.Signal{Direction: models.DirectionBuy}

func TestSingleEntrySizedFromStopLoss(t *testing.T) {
	h := newHarness(t, testConfig(), Deps{})
	require.NoError(t, h.tickWith(t, buy))

	require.Equal(t, 1, h.sim.Calls(models.KindMarket))
	req, ok := h.sim.Requests()[0].(models.PlaceMarketOrder)
	require.True(t, ok)
	assert.Equal(t, models.Long, req.Side)
	assert.Equal(t, 1.1002, req.Price)
	// 2.5% of 10000 at 0.1 lot and 10 per point = 250 points below the ask
	assert.InDelta(t, 1.0752, req.StopLoss, 1e-9)
	// 2% risk over 250 points at 10 per point per lot
	assert.InDelta(t, 0.08, req.Volume, 1e-9)
	assert.Greater(t, req.TakeProfit, req.Price)
	assert.Equal(t, int64(magic), req.Magic)
	assert.Equal(t, 20, req.Deviation)

	kind, ok := h.gw.Comments().KindOf(req.Comment)
	require.True(t, ok)
	assert.Equal(t, gateway.CommentSingle, kind)

	st := h.loop.Status()
	assert.Equal(t, models.StatusRunning, st.Status)
	assert.Equal(t, 1, st.Daily.TradesExecuted)
}

func TestDailyLimitRejectsThirdSignal(t *testing.T) {
	h := newHarness(t, testConfig(), Deps{})

	require.NoError(t, h.tickWith(t, buy))
	require.NoError(t, h.tickWith(t, buy))
	require.Equal(t, 2, h.sim.Calls(models.KindMarket))

	require.NoError(t, h.tickWith(t, buy))
	assert.Equal(t, 2, h.sim.Calls(models.KindMarket), "third signal must not reach the gateway")
	assert.Equal(t, 2, h.loop.Status().Daily.TradesExecuted)
}

func TestDailyLimitCountsBrokerHistory(t *testing.T) {
	h := newHarness(t, testConfig(), Deps{})
	h.sim.AddDeal(models.Deal{Ticket: 1, Order: 11, PositionID: 11, Symbol: "EURUSD", Entry: models.DealIn, Magic: magic, Time: monday.Add(-time.Hour)})
	h.sim.AddDeal(models.Deal{Ticket: 2, Order: 12, PositionID: 12, Symbol: "EURUSD", Entry: models.DealIn, Magic: magic, Time: monday.Add(-2 * time.Hour)})
	// 其他代理和昨天的成交不计入
	h.sim.AddDeal(models.Deal{Ticket: 3, Order: 13, Symbol: "EURUSD", Entry: models.DealIn, Magic: 1, Time: monday})
	h.sim.AddDeal(models.Deal{Ticket: 4, Order: 14, Symbol: "EURUSD", Entry: models.DealIn, Magic: magic, Time: monday.Add(-24 * time.Hour)})

	require.NoError(t, h.tickWith(t, buy))
	assert.Zero(t, h.sim.Calls(models.KindMarket))
	assert.Equal(t, 2, h.loop.Status().Daily.TradesExecuted)
}

func TestSessionGateOutsideTradingHours(t *testing.T) {
	h := newHarness(t, testConfig(), Deps{})
	h.sim.SetQuote(1.1000, 1.1002, monday.Add(10*time.Hour)) // 20:00 UTC

	require.NoError(t, h.tickWith(t, buy))
	assert.Zero(t, h.sim.Calls(models.KindMarket))
}

func TestMaxConcurrentPositions(t *testing.T) {
	cfg := testConfig()
	cfg.Policy.MaxConcurrentPositions = 1
	h := newHarness(t, cfg, Deps{})
	h.sim.AddPosition(models.Position{Side: models.Short, Volume: 0.1, OpenPrice: 1.1, Magic: magic})

	require.NoError(t, h.tickWith(t, buy))
	assert.Zero(t, h.sim.Calls(models.KindMarket))
}

func TestHedgeOpensOppositeFraction(t *testing.T) {
	h := newHarness(t, testConfig(), Deps{})
	h.sim.AddPosition(models.Position{Side: models.Long, Volume: 0.3, OpenPrice: 1.1001, StopLoss: 1.09, Magic: magic})
	h.sim.AddPosition(models.Position{Side: models.Long, Volume: 0.1, OpenPrice: 1.1001, StopLoss: 1.09, Magic: magic})

	require.NoError(t, h.tickWith(t, models.Signal{Direction: models.DirectionHedge}))
	require.Equal(t, 1, h.sim.Calls(models.KindMarket))

	var hedge models.PlaceMarketOrder
	for _, r := range h.sim.Requests() {
		if m, ok := r.(models.PlaceMarketOrder); ok {
			hedge = m
		}
	}
	assert.Equal(t, models.Short, hedge.Side)
	assert.InDelta(t, 0.2, hedge.Volume, 1e-9)
	kind, _ := h.gw.Comments().KindOf(hedge.Comment)
	assert.Equal(t, gateway.CommentHedge, kind)
}

func TestDrawdownTripFlattensOnceAndHalts(t *testing.T) {
	h := newHarness(t, testConfig(), Deps{})
	h.sim.AddPosition(models.Position{Ticket: 501, Side: models.Long, Volume: 1, OpenPrice: 1.1080, Profit: -800, Magic: magic})
	h.sim.AddPosition(models.Position{Ticket: 502, Side: models.Long, Volume: 1, OpenPrice: 1.1080, Profit: -800, Magic: magic})

	err := h.tickWith(t, buy)
	require.ErrorIs(t, err, models.ErrCircuitBreakerTripped)
	assert.Equal(t, 2, h.sim.Calls(models.KindClose), "each position gets exactly one close")
	assert.Zero(t, h.sim.Calls(models.KindMarket))

	st := h.loop.Status()
	assert.Equal(t, models.StatusTripped, st.Status)
	assert.True(t, st.Breaker.Tripped)

	// 再次执行不会重复平仓, 也不会开新仓
	err = h.tickWith(t, buy)
	require.ErrorIs(t, err, models.ErrCircuitBreakerTripped)
	assert.Equal(t, 2, h.sim.Calls(models.KindClose))
	assert.Zero(t, h.sim.Calls(models.KindMarket))
}

func TestFlattenRetriesOnlyUnresolved(t *testing.T) {
	h := newHarness(t, testConfig(), Deps{})
	h.sim.AddPosition(models.Position{Ticket: 501, Side: models.Long, Volume: 1, OpenPrice: 1.1080, Profit: -800, Magic: magic})
	h.sim.AddPosition(models.Position{Ticket: 502, Side: models.Long, Volume: 1, OpenPrice: 1.1080, Profit: -800, Magic: magic})
	// 第一笔平仓被拒 (不可重试), 第二笔正常成交
	h.sim.Script(models.KindClose, models.RetcodeFrozen)

	require.NoError(t, h.loop.Tick(context.Background()), "not flat yet")
	assert.Equal(t, 2, h.sim.Calls(models.KindClose))

	err := h.loop.Tick(context.Background())
	require.ErrorIs(t, err, models.ErrCircuitBreakerTripped)
	assert.Equal(t, 3, h.sim.Calls(models.KindClose), "only the unresolved position is retried")
}

func TestPartialCloseKeepsFlattening(t *testing.T) {
	h := newHarness(t, testConfig(), Deps{})
	h.sim.AddPosition(models.Position{Ticket: 501, Side: models.Long, Volume: 1, OpenPrice: 1.1080, Profit: -800, Magic: magic})
	h.sim.AddPosition(models.Position{Ticket: 502, Side: models.Long, Volume: 1, OpenPrice: 1.1080, Profit: -800, Magic: magic})
	// 10010: 券商只成交了部分, 仓位仍在
	h.sim.Script(models.KindClose, models.RetcodeDonePartial)

	require.NoError(t, h.loop.Tick(context.Background()), "a partial close is not flat")
	positions, err := h.sim.Positions(context.Background(), "EURUSD")
	require.NoError(t, err)
	assert.Len(t, positions, 1)
	assert.Equal(t, models.StatusTripped, h.loop.Status().Status)

	err = h.loop.Tick(context.Background())
	require.ErrorIs(t, err, models.ErrCircuitBreakerTripped)
	assert.Equal(t, 3, h.sim.Calls(models.KindClose))
	positions, err = h.sim.Positions(context.Background(), "EURUSD")
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestTripHaltsOnlyWhenBrokerShowsFlat(t *testing.T) {
	h := newHarness(t, testConfig(), Deps{})
	h.sim.AddPosition(models.Position{Ticket: 501, Side: models.Long, Volume: 1, OpenPrice: 1.1080, Profit: -800, Magic: magic})
	h.sim.AddPosition(models.Position{Ticket: 502, Side: models.Long, Volume: 1, OpenPrice: 1.1080, Profit: -800, Magic: magic})
	// 回报成功但仓位没有平掉
	h.sim.Script(models.KindClose, models.RetcodeDone)

	require.NoError(t, h.loop.Tick(context.Background()), "broker still lists a position")
	assert.Equal(t, 2, h.sim.Calls(models.KindClose))

	err := h.loop.Tick(context.Background())
	require.ErrorIs(t, err, models.ErrCircuitBreakerTripped)
	assert.Equal(t, 3, h.sim.Calls(models.KindClose), "the listed position is closed again")
	assert.Zero(t, h.sim.Calls(models.KindMarket))
}

func TestAccountUnavailableSkipsTick(t *testing.T) {
	h := newHarness(t, testConfig(), Deps{})
	h.sim.SetOffline(true)

	require.True(t, h.signals.Send(buy))
	err := h.loop.Tick(context.Background())
	require.ErrorIs(t, err, models.ErrAccountUnavailable)
	assert.Equal(t, models.StatusDegraded, h.loop.Status().Status)

	h.sim.SetOffline(false)
	require.NoError(t, h.loop.Tick(context.Background()))
	assert.Equal(t, models.StatusRunning, h.loop.Status().Status)
	// 离线期间的信号未被消费, 恢复后照常处理
	assert.Equal(t, 1, h.sim.Calls(models.KindMarket))
}

func TestGridModeBuildsAndKeepsLadder(t *testing.T) {
	cfg := testConfig()
	cfg.Mode = config.ModeGrid
	cfg.Policy.MaxGridLevels = 3
	cfg.Policy.GridStepPoints = 50
	cfg.Policy.BaseLot = 0.01
	h := newHarness(t, cfg, Deps{})

	require.NoError(t, h.loop.Tick(context.Background()))
	orders, err := h.sim.Orders(context.Background(), "EURUSD")
	require.NoError(t, err)
	require.Len(t, orders, 6)

	sides := map[int64]models.OrderSide{}
	for _, o := range orders {
		sides[points(o.Price)] = o.Side
	}
	for _, p := range []float64{1.0950, 1.0900, 1.0850} {
		assert.Equal(t, models.BuyLimit, sides[points(p)], "%v", p)
	}
	for _, p := range []float64{1.1050, 1.1100, 1.1150} {
		assert.Equal(t, models.SellLimit, sides[points(p)], "%v", p)
	}

	// 1.0950 成交
	h.sim.SetQuote(1.0948, 1.0950, monday.Add(time.Minute))
	require.NoError(t, h.loop.Tick(context.Background()))

	orders, err = h.sim.Orders(context.Background(), "EURUSD")
	require.NoError(t, err)
	positions, err := h.sim.Positions(context.Background(), "EURUSD")
	require.NoError(t, err)
	assert.LessOrEqual(t, len(orders)+len(positions), cfg.Policy.OrderCap())
	for _, o := range orders {
		assert.NotEqual(t, points(1.0950), points(o.Price), "filled rung must not be re-placed")
	}
}

func TestMartingaleModeStartsOneSequence(t *testing.T) {
	cfg := testConfig()
	cfg.Mode = config.ModeMartingale
	cfg.Policy.MaxDailyTrades = 10
	h := newHarness(t, cfg, Deps{})

	require.NoError(t, h.tickWith(t, buy))
	require.Equal(t, 1, h.sim.Calls(models.KindMarket))
	seq := h.loop.Status().Sequence
	require.NotNil(t, seq)
	assert.Equal(t, models.SequenceWaitingOutcome, seq.State)

	require.NoError(t, h.tickWith(t, buy))
	assert.Equal(t, 1, h.sim.Calls(models.KindMarket), "a second signal cannot start another sequence")
	assert.Equal(t, 1, h.loop.Status().Daily.TradesExecuted)
}

func TestPausedLoopDoesNoBrokerWork(t *testing.T) {
	pauser := control.NewPauser("")
	pauser.Pause()
	h := newHarness(t, testConfig(), Deps{Pauser: pauser})
	require.True(t, h.signals.Send(buy))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.loop.Run(ctx) }()

	require.Eventually(t, func() bool {
		return h.loop.Status().Status == models.StatusPaused
	}, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	assert.Zero(t, h.sim.Calls(models.KindMarket))
	assert.Zero(t, h.loop.Status().Ticks)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, models.StatusStopped, h.loop.Status().Status)
}

func TestRunCloseOnStop(t *testing.T) {
	cfg := testConfig()
	cfg.CloseOnStop = true
	h := newHarness(t, cfg, Deps{})
	h.sim.AddPosition(models.Position{Side: models.Long, Volume: 0.1, OpenPrice: 1.1001, StopLoss: 1.09, Magic: magic})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.loop.Run(ctx) }()
	require.Eventually(t, func() bool { return h.loop.Status().Ticks > 0 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	positions, err := h.sim.Positions(context.Background(), "EURUSD")
	require.NoError(t, err)
	assert.Empty(t, positions)
	assert.Equal(t, 1, h.sim.Calls(models.KindClose))
}

func TestRunLeavesPositionsOpenByDefault(t *testing.T) {
	h := newHarness(t, testConfig(), Deps{})
	h.sim.AddPosition(models.Position{Side: models.Long, Volume: 0.1, OpenPrice: 1.1001, StopLoss: 1.09, Magic: magic})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.loop.Run(ctx) }()
	require.Eventually(t, func() bool { return h.loop.Status().Ticks > 0 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Zero(t, h.sim.Calls(models.KindClose))
}

func TestTrippedStateSurvivesRestart(t *testing.T) {
	repo := persistence.NewMemoryRepository()
	states := statemanager.NewStateManager(&models.AgentState{Symbol: "EURUSD"}, repo, zap.NewNop())
	states.Start()

	h := newHarness(t, testConfig(), Deps{States: states})
	h.sim.AddPosition(models.Position{Side: models.Long, Volume: 1, OpenPrice: 1.1200, Profit: -2000, Magic: magic})

	err := h.loop.Run(context.Background())
	require.ErrorIs(t, err, models.ErrCircuitBreakerTripped)
	states.Stop()

	saved, err := repo.LoadState()
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.True(t, saved.Breaker.Tripped)
	assert.Equal(t, h.loop.AgentID(), saved.AgentID)
	assert.Equal(t, models.StatusTripped, saved.Status)

	// 重启后仍处于熔断状态, 信号不会下单
	states = statemanager.NewStateManager(saved, repo, zap.NewNop())
	states.Start()
	defer states.Stop()
	restarted := newHarness(t, testConfig(), Deps{States: states})
	assert.Equal(t, saved.AgentID, restarted.loop.AgentID())

	err = restarted.tickWith(t, buy)
	require.ErrorIs(t, err, models.ErrCircuitBreakerTripped)
	assert.Zero(t, restarted.sim.Calls(models.KindMarket))
}

func TestNewRejectsBadTimezone(t *testing.T) {
	cfg := testConfig()
	cfg.DayTimezone = "Mars/Olympus"
	sim := broker.NewSimBroker("EURUSD", eurusd, 10000, "USD")
	_, err := New(cfg, Deps{Broker: sim, Gateway: gateway.New(sim, "EURUSD", "t", cfg.Gateway, zap.NewNop())}, zap.NewNop())
	var cerr *models.ConfigurationError
	require.True(t, errors.As(err, &cerr))
}

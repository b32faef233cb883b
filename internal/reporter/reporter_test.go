package reporter

import (
	"testing"
	"time"

	"mt5-risk-engine-go/internal/models"
	"mt5-risk-engine-go/internal/storage"

	"github.com/stretchr/testify/assert"
)

func TestCalculateMaxDrawdown(t *testing.T) {
	assert.Equal(t, 0.0, calculateMaxDrawdown(nil))
	assert.Equal(t, 0.0, calculateMaxDrawdown([]float64{100}))
	assert.Equal(t, 0.0, calculateMaxDrawdown([]float64{100, 110, 120}))
	// 峰值 200, 谷底 150
	assert.InDelta(t, 0.25, calculateMaxDrawdown([]float64{100, 200, 150, 180, 160}), 1e-12)
}

func TestCalculate(t *testing.T) {
	t0 := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	deals := []models.Deal{
		{Ticket: 1, Entry: models.DealIn, Time: t0},
		{Ticket: 2, Entry: models.DealOut, Profit: 30, Time: t0.Add(time.Hour)},
		{Ticket: 3, Entry: models.DealIn, Time: t0.Add(2 * time.Hour)},
		{Ticket: 4, Entry: models.DealOut, Profit: -10, Commission: -1, Time: t0.Add(3 * time.Hour)},
		{Ticket: 5, Entry: models.DealOut, Profit: 20, Time: t0.Add(4 * time.Hour)},
	}
	m := Calculate(1000, []float64{1000, 1030, 1019, 1039, 1045}, deals)

	assert.Equal(t, 3, m.TotalTrades)
	assert.Equal(t, 2, m.WinningTrades)
	assert.Equal(t, 1, m.LosingTrades)
	assert.InDelta(t, 66.666, m.WinRate, 0.01)
	assert.InDelta(t, 25.0/11.0, m.AvgProfitLoss, 1e-9)
	assert.InDelta(t, 1039.0, m.FinalBalance, 1e-9)
	assert.Equal(t, 1045.0, m.FinalEquity)
	assert.InDelta(t, 45.0, m.TotalProfit, 1e-9)
	assert.InDelta(t, 4.5, m.ProfitPercentage, 1e-9)
	assert.InDelta(t, 11.0/1030.0*100, m.MaxDrawdown, 1e-9)
	assert.Equal(t, t0, m.StartTime)
	assert.Equal(t, t0.Add(4*time.Hour), m.EndTime)
}

func TestCalculateEmptySession(t *testing.T) {
	m := Calculate(500, nil, nil)
	assert.Equal(t, 500.0, m.FinalEquity)
	assert.Zero(t, m.TotalProfit)
	assert.Zero(t, m.WinRate)
	assert.Contains(t, SessionTable("EURUSD", "USD", m), "500.00 USD")
}

func TestStatusTable(t *testing.T) {
	out := StatusTable(models.StatusReport{
		AgentID: "a-1",
		Symbol:  "EURUSD",
		Mode:    "grid",
		Status:  models.StatusTripped,
		Reason:  "drawdown",
		Balance: 10000,
		Equity:  7900,
		Daily:   models.DailyCounters{TradeDate: "2026-03-02", TradesExecuted: 2},
		Breaker: models.CircuitBreakerState{Tripped: true, Reason: "drawdown 21.00%"},
		Sequence: &models.MartingaleSequence{State: models.SequenceAborted, Direction: models.Long,
			Steps: make([]models.MartingaleStep, 2)},
	})
	assert.Contains(t, out, "EURUSD grid [a-1]")
	assert.Contains(t, out, "TRIPPED (drawdown)")
	assert.Contains(t, out, "10000.00 / 7900.00")
	assert.Contains(t, out, "2 (2026-03-02)")
	assert.Contains(t, out, "ABORTED LONG step 2")
}

func TestStateAndJournalTables(t *testing.T) {
	assert.Contains(t, StateTable(nil), "none")

	hwm := 10100.0
	out := StateTable(&models.AgentState{AgentID: "a-1", Symbol: "EURUSD", Version: 7,
		Breaker: models.CircuitBreakerState{HighWaterMark: &hwm}, FilledRungs: []float64{1.095, 1.09}})
	assert.Contains(t, out, "armed (hwm 10100.00)")
	assert.Contains(t, out, "a-1")

	journal := JournalTable([]storage.Entry{{
		CreatedAt: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
		Kind:      models.KindPending,
		Side:      "BUY_LIMIT",
		Order:     77,
		Volume:    0.01,
		Price:     1.095,
		Status:    "success",
		Retcode:   models.RetcodePlaced,
		Attempts:  1,
	}})
	assert.Contains(t, journal, "2026-03-02 10:00:00")
	assert.Contains(t, journal, "BUY_LIMIT")
	assert.Contains(t, journal, "77")
}

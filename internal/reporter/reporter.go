package reporter

import (
	"fmt"
	"math"
	"strings"
	"time"

	"mt5-risk-engine-go/internal/models"
	"mt5-risk-engine-go/internal/storage"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// Metrics 一个交易时段的绩效统计
type Metrics struct {
	InitialBalance   float64
	FinalBalance     float64
	FinalEquity      float64
	TotalProfit      float64
	ProfitPercentage float64
	TotalTrades      int
	WinningTrades    int
	LosingTrades     int
	WinRate          float64
	AvgProfitLoss    float64
	MaxDrawdown      float64
	StartTime        time.Time
	EndTime          time.Time
}

// Calculate derives session metrics from the starting balance, the sampled
// equity curve and the closing deals in history.
func Calculate(initial float64, equityCurve []float64, deals []models.Deal) Metrics {
	m := Metrics{InitialBalance: initial, FinalBalance: initial, FinalEquity: initial}

	var totalProfit, totalLoss float64
	for _, d := range deals {
		if m.StartTime.IsZero() || d.Time.Before(m.StartTime) {
			m.StartTime = d.Time
		}
		if d.Time.After(m.EndTime) {
			m.EndTime = d.Time
		}
		if d.Entry != models.DealOut {
			continue
		}
		p := d.NetProfit()
		m.FinalBalance += p
		m.TotalTrades++
		if p >= 0 {
			m.WinningTrades++
			totalProfit += p
		} else {
			m.LosingTrades++
			totalLoss += p
		}
	}

	if m.TotalTrades > 0 {
		m.WinRate = float64(m.WinningTrades) / float64(m.TotalTrades) * 100
	}
	if m.LosingTrades > 0 && m.WinningTrades > 0 {
		avgWin := totalProfit / float64(m.WinningTrades)
		avgLoss := math.Abs(totalLoss / float64(m.LosingTrades))
		m.AvgProfitLoss = avgWin / avgLoss
	}

	m.FinalEquity = m.FinalBalance
	if n := len(equityCurve); n > 0 {
		m.FinalEquity = equityCurve[n-1]
	}
	m.TotalProfit = m.FinalEquity - m.InitialBalance
	if m.InitialBalance != 0 {
		m.ProfitPercentage = m.TotalProfit / m.InitialBalance * 100
	}
	m.MaxDrawdown = calculateMaxDrawdown(equityCurve) * 100
	return m
}

func calculateMaxDrawdown(equityCurve []float64) float64 {
	if len(equityCurve) < 2 {
		return 0.0
	}
	peak := equityCurve[0]
	maxDrawdown := 0.0

	for _, equity := range equityCurve {
		if equity > peak {
			peak = equity
		}
		if peak <= 0 {
			continue
		}
		drawdown := (peak - equity) / peak
		if drawdown > maxDrawdown {
			maxDrawdown = drawdown
		}
	}
	return maxDrawdown
}

func newTable(title string) table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.SetTitle(title)
	return t
}

// SessionTable renders session metrics.
func SessionTable(symbol, currency string, m Metrics) string {
	t := newTable("Session report " + symbol)
	t.AppendRows([]table.Row{
		{"Period", period(m.StartTime, m.EndTime)},
		{"Initial balance", money(m.InitialBalance, currency)},
		{"Final balance", money(m.FinalBalance, currency)},
		{"Final equity", money(m.FinalEquity, currency)},
		{"Total profit", fmt.Sprintf("%s (%.2f%%)", money(m.TotalProfit, currency), m.ProfitPercentage)},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"Closed trades", m.TotalTrades},
		{"Wins / losses", fmt.Sprintf("%d / %d", m.WinningTrades, m.LosingTrades)},
		{"Win rate", fmt.Sprintf("%.2f%%", m.WinRate)},
		{"Avg win / avg loss", fmt.Sprintf("%.2f", m.AvgProfitLoss)},
		{"Max drawdown", fmt.Sprintf("%.2f%%", m.MaxDrawdown)},
	})
	return t.Render()
}

// StatusTable renders the loop's latest status report.
func StatusTable(r models.StatusReport) string {
	t := newTable(fmt.Sprintf("%s %s [%s]", r.Symbol, r.Mode, r.AgentID))
	status := strings.ToUpper(r.Status)
	if r.Reason != "" {
		status += " (" + r.Reason + ")"
	}
	t.AppendRows([]table.Row{
		{"Status", colorStatus(r.Status).Sprint(status)},
		{"Balance / equity", fmt.Sprintf("%.2f / %.2f", r.Balance, r.Equity)},
		{"Floating P&L", fmt.Sprintf("%.2f", r.FloatingPnL)},
		{"Positions / pending", fmt.Sprintf("%d / %d", r.OpenPositions, r.PendingOrders)},
		{"Trades today", fmt.Sprintf("%d (%s)", r.Daily.TradesExecuted, r.Daily.TradeDate)},
		{"Realized today", fmt.Sprintf("%.2f (%.2f%%)", r.Daily.RealizedPnL, r.Daily.RealizedPnLPercent)},
		{"Breaker", breaker(r.Breaker)},
		{"Martingale", sequence(r.Sequence)},
		{"Ticks", fmt.Sprintf("%d, last %s", r.Ticks, stamp(r.LastTick))},
	})
	return t.Render()
}

// StateTable renders a persisted agent state, for the status command.
func StateTable(s *models.AgentState) string {
	t := newTable("Persisted state")
	if s == nil {
		t.AppendRow(table.Row{"State", "none"})
		return t.Render()
	}
	t.AppendRows([]table.Row{
		{"Agent", s.AgentID},
		{"Symbol", s.Symbol},
		{"Status", s.Status},
		{"Version", s.Version},
		{"Updated", stamp(s.LastUpdateTime)},
		{"Breaker", breaker(s.Breaker)},
		{"Martingale", sequence(s.Sequence)},
		{"Filled rungs", len(s.FilledRungs)},
		{"Trades today", fmt.Sprintf("%d (%s)", s.Daily.TradesExecuted, s.Daily.TradeDate)},
	})
	return t.Render()
}

// JournalTable renders journal rows, newest first.
func JournalTable(entries []storage.Entry) string {
	t := newTable("Order journal")
	t.AppendHeader(table.Row{"Time", "Kind", "Side", "Ticket", "Volume", "Price", "Status", "Retcode", "Tries", "Error"})
	for _, e := range entries {
		ticket := e.Ticket
		if ticket == 0 {
			ticket = e.Order
		}
		t.AppendRow(table.Row{
			stamp(e.CreatedAt), e.Kind, e.Side, ticket, e.Volume, e.Price,
			colorStatus(e.Status).Sprint(e.Status), e.Retcode, e.Attempts, text.Trim(e.Error, 48),
		})
	}
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Volume", Align: text.AlignRight},
		{Name: "Price", Align: text.AlignRight},
	})
	return t.Render()
}

func colorStatus(s string) text.Colors {
	switch s {
	case models.StatusRunning, "success":
		return text.Colors{text.FgGreen}
	case models.StatusPaused, models.StatusDegraded, "exhausted":
		return text.Colors{text.FgYellow}
	case models.StatusTripped, models.StatusStopped, "rejected", "invalid":
		return text.Colors{text.FgRed}
	}
	return text.Colors{}
}

func breaker(b models.CircuitBreakerState) string {
	if !b.Tripped {
		if b.HighWaterMark != nil {
			return fmt.Sprintf("armed (hwm %.2f)", *b.HighWaterMark)
		}
		return "armed"
	}
	return fmt.Sprintf("TRIPPED %s at %s", b.Reason, stamp(b.TrippedAt))
}

func sequence(s *models.MartingaleSequence) string {
	if s == nil {
		return "-"
	}
	return fmt.Sprintf("%s %s step %d", s.State, s.Direction, len(s.Steps))
}

func money(v float64, currency string) string {
	return strings.TrimSpace(fmt.Sprintf("%.2f %s", v, currency))
}

func period(from, to time.Time) string {
	if from.IsZero() {
		return "-"
	}
	return from.Format("2006-01-02 15:04") + " to " + to.Format("2006-01-02 15:04")
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04:05")
}

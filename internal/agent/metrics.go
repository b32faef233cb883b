package agent

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricTicks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_ticks_total",
		Help: "Loop iterations by outcome.",
	}, []string{"symbol", "outcome"})

	metricTickSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agent_tick_duration_seconds",
		Help:    "Wall time of one loop iteration.",
		Buckets: prometheus.DefBuckets,
	}, []string{"symbol"})

	metricBalance = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "agent_account_balance",
		Help: "Account balance seen on the last tick.",
	}, []string{"symbol"})

	metricEquity = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "agent_account_equity",
		Help: "Account equity seen on the last tick.",
	}, []string{"symbol"})

	metricFloating = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "agent_floating_pnl",
		Help: "Floating P&L of the agent's positions.",
	}, []string{"symbol"})

	metricPositions = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "agent_open_positions",
		Help: "Open positions carrying the agent's magic number.",
	}, []string{"symbol"})

	metricPending = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "agent_pending_orders",
		Help: "Pending orders carrying the agent's magic number.",
	}, []string{"symbol"})

	metricTradesToday = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "agent_trades_today",
		Help: "Entries executed in the current trading day.",
	}, []string{"symbol"})

	metricBreaker = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "agent_breaker_tripped",
		Help: "1 when the drawdown circuit breaker has tripped.",
	}, []string{"symbol"})

	metricBlocked = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_entries_blocked_total",
		Help: "Signals refused by an entry gate.",
	}, []string{"symbol", "gate"})
)

func init() {
	prometheus.MustRegister(metricTicks, metricTickSeconds, metricBalance, metricEquity, metricFloating,
		metricPositions, metricPending, metricTradesToday, metricBreaker, metricBlocked)
}

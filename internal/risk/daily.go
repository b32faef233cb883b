package risk

import (
	"fmt"
	"time"

	"mt5-risk-engine-go/internal/models"

	"go.uber.org/zap"
)

// TodayOpen returns midnight of now's calendar day in loc.
func TodayOpen(loc *time.Location, now time.Time) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := now.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

// SameTradingDay reports whether a and b fall on the same calendar day in loc.
func SameTradingDay(loc *time.Location, a, b time.Time) bool {
	return TodayOpen(loc, a).Equal(TodayOpen(loc, b))
}

// DailyLimiter gates new entries on the current trading day's trade count and
// realized P&L. The trading day is anchored on broker server time in loc.
type DailyLimiter struct {
	policy   models.RiskPolicy
	loc      *time.Location
	magic    int64
	logger   *zap.Logger
	dayOpen  time.Time
	counters models.DailyCounters
	// entries placed today that broker history does not show yet
	unseen map[uint64]struct{}
}

// NewDailyLimiter creates a limiter. A zero magic counts every deal on the symbol.
func NewDailyLimiter(policy models.RiskPolicy, loc *time.Location, magic int64, logger *zap.Logger) *DailyLimiter {
	if loc == nil {
		loc = time.UTC
	}
	return &DailyLimiter{
		policy: policy,
		loc:    loc,
		magic:  magic,
		logger: logger,
		unseen: make(map[uint64]struct{}),
	}
}

// DayOpen returns the start of the trading day containing now.
func (d *DailyLimiter) DayOpen(now time.Time) time.Time {
	return TodayOpen(d.loc, now)
}

// Refresh recomputes the counters from broker history. deals may span more than
// the current day; only deals inside it count.
func (d *DailyLimiter) Refresh(now time.Time, deals []models.Deal, balance float64) models.DailyCounters {
	open := TodayOpen(d.loc, now)
	if !open.Equal(d.dayOpen) {
		if !d.dayOpen.IsZero() {
			d.logger.Info("trading day rolled over",
				zap.String("previous", d.counters.TradeDate),
				zap.String("current", open.Format("2006-01-02")))
		}
		d.dayOpen = open
		d.unseen = make(map[uint64]struct{})
	}
	end := open.Add(24 * time.Hour)

	seen := make(map[uint64]struct{})
	trades := 0
	realized := 0.0
	for _, deal := range deals {
		if d.magic != 0 && deal.Magic != d.magic {
			continue
		}
		if deal.Time.Before(open) || !deal.Time.Before(end) {
			continue
		}
		switch deal.Entry {
		case models.DealIn:
			trades++
			seen[deal.Order] = struct{}{}
			seen[deal.PositionID] = struct{}{}
		case models.DealOut:
			realized += deal.NetProfit()
		}
	}
	for ticket := range d.unseen {
		if _, ok := seen[ticket]; ok {
			delete(d.unseen, ticket)
		}
	}
	trades += len(d.unseen)

	openBalance := balance - realized
	if openBalance <= 0 {
		openBalance = balance
	}
	pct := 0.0
	if openBalance > 0 {
		pct = realized / openBalance * 100
	}

	d.counters = models.DailyCounters{
		TradeDate:          open.Format("2006-01-02"),
		TradesExecuted:     trades,
		RealizedPnL:        realized,
		RealizedPnLPercent: pct,
	}
	return d.counters
}

// NoteEntry records an entry the gateway just confirmed, so it counts before
// broker history catches up.
func (d *DailyLimiter) NoteEntry(ticket uint64) {
	if ticket == 0 {
		return
	}
	if _, ok := d.unseen[ticket]; ok {
		return
	}
	d.unseen[ticket] = struct{}{}
	d.counters.TradesExecuted++
}

// Allow reports whether a new entry may be placed and, if not, why.
func (d *DailyLimiter) Allow() (bool, string) {
	c := d.counters
	if c.TradesExecuted >= d.policy.MaxDailyTrades {
		return false, fmt.Sprintf("daily trade limit reached (%d/%d)", c.TradesExecuted, d.policy.MaxDailyTrades)
	}
	if c.RealizedPnLPercent <= -d.policy.DailyLossLimitPercent {
		return false, fmt.Sprintf("daily loss limit reached (%.2f%% <= -%.2f%%)", c.RealizedPnLPercent, d.policy.DailyLossLimitPercent)
	}
	if c.RealizedPnLPercent >= d.policy.DailyProfitTargetPercent {
		return false, fmt.Sprintf("daily profit target reached (%.2f%% >= %.2f%%)", c.RealizedPnLPercent, d.policy.DailyProfitTargetPercent)
	}
	return true, ""
}

// Counters returns the latest counters.
func (d *DailyLimiter) Counters() models.DailyCounters {
	return d.counters
}

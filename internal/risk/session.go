package risk

import (
	"fmt"
	"time"

	"mt5-risk-engine-go/internal/models"
)

// SessionFilter blocks new entries outside trading hours, on weekends, on wide
// spreads and on thin free margin. Hours are evaluated in UTC on broker time.
type SessionFilter struct {
	policy models.RiskPolicy
}

// NewSessionFilter creates a filter from the policy.
func NewSessionFilter(policy models.RiskPolicy) SessionFilter {
	return SessionFilter{policy: policy}
}

// Allow reports whether a new entry may be placed at now.
func (f SessionFilter) Allow(now time.Time, spec models.SymbolSpec, account models.AccountSnapshot) (bool, string) {
	utc := now.UTC()
	if f.policy.AvoidWeekends {
		if wd := utc.Weekday(); wd == time.Saturday || wd == time.Sunday {
			return false, "weekend"
		}
	}
	if !f.inHours(utc.Hour()) {
		return false, fmt.Sprintf("outside trading hours %02d-%02d UTC", f.policy.TradingStartHour, f.policy.TradingEndHour)
	}
	if f.policy.MaxSpreadPoints > 0 && spec.SpreadPoints > f.policy.MaxSpreadPoints {
		return false, fmt.Sprintf("spread %.1f above %.1f points", spec.SpreadPoints, f.policy.MaxSpreadPoints)
	}
	if f.policy.MinFreeMargin > 0 && account.FreeMargin < f.policy.MinFreeMargin {
		return false, fmt.Sprintf("free margin %.2f below %.2f", account.FreeMargin, f.policy.MinFreeMargin)
	}
	return true, ""
}

func (f SessionFilter) inHours(hour int) bool {
	start, end := f.policy.TradingStartHour, f.policy.TradingEndHour
	if start == end {
		return true
	}
	if start < end {
		return hour >= start && hour < end
	}
	// window wraps past midnight
	return hour >= start || hour < end
}

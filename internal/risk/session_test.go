package risk

import (
	"testing"
	"time"

	"mt5-risk-engine-go/internal/models"

	"github.com/stretchr/testify/assert"
)

func TestSessionFilter(t *testing.T) {
	p := models.DefaultRiskPolicy()
	p.AvoidWeekends = true
	p.MaxSpreadPoints = 30
	p.MinFreeMargin = 100
	f := NewSessionFilter(p)

	wednesdayNoon := time.Date(2025, 3, 12, 12, 0, 0, 0, time.UTC)
	spec := models.SymbolSpec{SpreadPoints: 12}
	account := models.AccountSnapshot{FreeMargin: 5000}

	ok, _ := f.Allow(wednesdayNoon, spec, account)
	assert.True(t, ok)

	ok, reason := f.Allow(wednesdayNoon.Add(7*time.Hour), spec, account)
	assert.False(t, ok)
	assert.Contains(t, reason, "trading hours")

	ok, reason = f.Allow(time.Date(2025, 3, 15, 12, 0, 0, 0, time.UTC), spec, account)
	assert.False(t, ok)
	assert.Equal(t, "weekend", reason)

	ok, reason = f.Allow(wednesdayNoon, models.SymbolSpec{SpreadPoints: 45}, account)
	assert.False(t, ok)
	assert.Contains(t, reason, "spread")

	ok, reason = f.Allow(wednesdayNoon, spec, models.AccountSnapshot{FreeMargin: 50})
	assert.False(t, ok)
	assert.Contains(t, reason, "free margin")
}

func TestSessionFilterWrapsMidnight(t *testing.T) {
	p := models.DefaultRiskPolicy()
	p.TradingStartHour = 22
	p.TradingEndHour = 6
	f := NewSessionFilter(p)
	day := time.Date(2025, 3, 12, 0, 0, 0, 0, time.UTC)

	ok, _ := f.Allow(day.Add(23*time.Hour), models.SymbolSpec{}, models.AccountSnapshot{})
	assert.True(t, ok)
	ok, _ = f.Allow(day.Add(3*time.Hour), models.SymbolSpec{}, models.AccountSnapshot{})
	assert.True(t, ok)
	ok, _ = f.Allow(day.Add(12*time.Hour), models.SymbolSpec{}, models.AccountSnapshot{})
	assert.False(t, ok)
}

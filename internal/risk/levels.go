package risk

import (
	"math"

	"mt5-risk-engine-go/internal/models"

	"github.com/shopspring/decimal"
)

// PriceLevelCalculator converts percent-of-balance amounts into price distances and levels.
type PriceLevelCalculator struct {
	// MinDistancePoints is the fallback distance, in points, for degenerate input.
	MinDistancePoints float64
}

// NewPriceLevelCalculator builds a calculator using the policy fallback distance.
func NewPriceLevelCalculator(policy models.RiskPolicy) PriceLevelCalculator {
	return PriceLevelCalculator{MinDistancePoints: policy.MinDistancePoints}
}

// Distance returns the price move over which a position of lot volume gains or
// loses percent of balance.
func (c PriceLevelCalculator) Distance(balance, percent, lot float64, spec models.SymbolSpec) float64 {
	fallback := c.fallback(spec)
	if spec.TickValue <= 0 || lot <= 0 || spec.PointSize <= 0 {
		return fallback
	}
	amount := balance * percent / 100
	points := amount / (spec.TickValue * lot)
	distance := points * spec.PointSize
	if math.IsNaN(distance) || math.IsInf(distance, 0) || distance <= 0 {
		return fallback
	}
	return distance
}

func (c PriceLevelCalculator) fallback(spec models.SymbolSpec) float64 {
	min := c.MinDistancePoints
	if min <= 0 {
		min = 1
	}
	return min * spec.PointSize
}

// StopLoss returns the stop level for a position entered at entry.
func (c PriceLevelCalculator) StopLoss(side models.Side, entry, balance, percent, lot float64, spec models.SymbolSpec) float64 {
	d := c.Distance(balance, percent, lot, spec)
	return Round(entry-side.Sign()*d, spec)
}

// TakeProfit returns the profit target for a position entered at entry.
func (c PriceLevelCalculator) TakeProfit(side models.Side, entry, balance, percent, lot float64, spec models.SymbolSpec) float64 {
	d := c.Distance(balance, percent, lot, spec)
	return Round(entry+side.Sign()*d, spec)
}

// Offset moves price by the given number of points, snapped to the point grid.
func Offset(price, points float64, spec models.SymbolSpec) float64 {
	return Round(price+points*spec.PointSize, spec)
}

// Round snaps price to the symbol's point grid.
func Round(price float64, spec models.SymbolSpec) float64 {
	if spec.PointSize <= 0 {
		return price
	}
	point := decimal.NewFromFloat(spec.PointSize)
	return decimal.NewFromFloat(price).Div(point).Round(0).Mul(point).InexactFloat64()
}

// PriceKey identifies a price by its whole number of points.
func PriceKey(price float64, spec models.SymbolSpec) int64 {
	if spec.PointSize <= 0 {
		return int64(math.Round(price * 1e8))
	}
	return int64(math.Round(price / spec.PointSize))
}

// ProfitPercent is the floating profit of a position at price as a percent of balance.
func ProfitPercent(pos models.Position, price, balance float64, spec models.SymbolSpec) float64 {
	if balance <= 0 || spec.PointSize <= 0 {
		return 0
	}
	points := (price - pos.OpenPrice) * pos.Side.Sign() / spec.PointSize
	return points * spec.TickValue * pos.Volume / balance * 100
}

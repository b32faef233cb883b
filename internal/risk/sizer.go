package risk

import (
	"math"

	"mt5-risk-engine-go/internal/models"

	"github.com/shopspring/decimal"
)

// PositionSizer converts a risk percentage and a stop distance into a lot size.
type PositionSizer struct{}

// Size returns the volume that loses riskPercent of balance if price travels from
// entry to stopLoss. Degenerate input (no tick value, no point size, zero stop
// distance) falls back to the symbol minimum volume.
func (PositionSizer) Size(balance, riskPercent, entry, stopLoss float64, spec models.SymbolSpec) float64 {
	distance := math.Abs(entry - stopLoss)
	if spec.TickValue <= 0 || spec.PointSize <= 0 || distance == 0 || balance <= 0 || riskPercent <= 0 {
		return spec.VolumeMin
	}

	riskAmount := balance * riskPercent / 100
	ticks := distance / spec.PointSize
	lots := riskAmount / (ticks * spec.TickValue)
	if math.IsNaN(lots) || math.IsInf(lots, 0) {
		return spec.VolumeMin
	}
	return Normalize(lots, spec)
}

// Normalize clamps volume to [VolumeMin, VolumeMax] and rounds it to the nearest
// VolumeStep. Rounding never leaves the volume outside the bounds.
func Normalize(volume float64, spec models.SymbolSpec) float64 {
	if volume < spec.VolumeMin {
		volume = spec.VolumeMin
	}
	if spec.VolumeMax > 0 && volume > spec.VolumeMax {
		volume = spec.VolumeMax
	}
	if spec.VolumeStep <= 0 {
		return volume
	}

	step := decimal.NewFromFloat(spec.VolumeStep)
	v := decimal.NewFromFloat(volume).Div(step).Round(0).Mul(step)

	if spec.VolumeMax > 0 && v.GreaterThan(decimal.NewFromFloat(spec.VolumeMax)) {
		v = v.Sub(step)
	}
	if v.LessThan(decimal.NewFromFloat(spec.VolumeMin)) {
		v = v.Add(step)
	}
	return v.InexactFloat64()
}

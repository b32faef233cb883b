package risk

import (
	"math"
	"testing"

	"mt5-risk-engine-go/internal/models"

	"github.com/stretchr/testify/assert"
)

func eurusd() models.SymbolSpec {
	return models.SymbolSpec{
		Name:       "EURUSD",
		PointSize:  0.0001,
		Digits:     4,
		TickValue:  1,
		VolumeMin:  0.01,
		VolumeMax:  50,
		VolumeStep: 0.01,
	}
}

func isMultiple(v, step float64) bool {
	n := v / step
	return math.Abs(n-math.Round(n)) < 1e-6
}

func TestSizeComputesRiskBasedVolume(t *testing.T) {
	var s PositionSizer
	// 2% of 10000 = 200; 50 points * 1 per point = 50 per lot -> 4 lots
	got := s.Size(10000, 2, 1.10000, 1.09500, eurusd())
	assert.InDelta(t, 4.0, got, 1e-9)
}

func TestSizeRoundsToNearestStep(t *testing.T) {
	var s PositionSizer
	spec := eurusd()
	spec.VolumeStep = 0.1
	// 100 / 30 = 3.333 -> 3.3
	assert.InDelta(t, 3.3, s.Size(10000, 1, 1.1030, 1.1000, spec), 1e-9)
	// 36.8 / 10 = 3.68 -> 3.7, truncation would give 3.6
	assert.InDelta(t, 3.7, s.Size(3680, 1, 1.1010, 1.1000, spec), 1e-9)
}

func TestSizeClampsToBounds(t *testing.T) {
	var s PositionSizer
	spec := eurusd()
	assert.Equal(t, spec.VolumeMax, s.Size(1e9, 100, 1.10000, 1.09990, spec))
	assert.Equal(t, spec.VolumeMin, s.Size(100, 0.01, 1.10000, 1.00000, spec))
}

func TestSizeDegenerateInputFallsBackToMinimum(t *testing.T) {
	var s PositionSizer
	spec := eurusd()
	assert.Equal(t, spec.VolumeMin, s.Size(10000, 2, 1.1, 1.1, spec))

	spec.TickValue = 0
	assert.Equal(t, spec.VolumeMin, s.Size(10000, 2, 1.1, 1.09, spec))

	spec.TickValue = -3
	assert.Equal(t, spec.VolumeMin, s.Size(10000, 2, 1.1, 1.09, spec))
}

func TestSizeAlwaysWithinBoundsAndOnStep(t *testing.T) {
	var s PositionSizer
	specs := []models.SymbolSpec{
		eurusd(),
		{PointSize: 0.01, TickValue: 0.1, VolumeMin: 0.1, VolumeMax: 10, VolumeStep: 0.1},
		{PointSize: 0.00001, TickValue: 1, VolumeMin: 1, VolumeMax: 20, VolumeStep: 1},
		{PointSize: 0.001, TickValue: 0.67, VolumeMin: 0.01, VolumeMax: 5.55, VolumeStep: 0.05},
	}
	distances := []float64{0.00001, 0.0007, 0.013, 0.5, 3}
	balances := []float64{50, 1234.56, 10000, 250000}

	for _, spec := range specs {
		for _, bal := range balances {
			for _, d := range distances {
				for risk := 0.25; risk <= 100; risk += 4.75 {
					v := s.Size(bal, risk, 100, 100-d, spec)
					assert.GreaterOrEqual(t, v, spec.VolumeMin-1e-9)
					assert.LessOrEqual(t, v, spec.VolumeMax+1e-9)
					assert.True(t, isMultiple(v, spec.VolumeStep), "volume %v not a multiple of %v", v, spec.VolumeStep)
				}
			}
		}
	}
}

func TestNormalizeStepsDownWhenRoundingExceedsMax(t *testing.T) {
	spec := models.SymbolSpec{VolumeMin: 0.05, VolumeMax: 5.55, VolumeStep: 0.1}
	got := Normalize(5.55, spec)
	assert.LessOrEqual(t, got, 5.55)
	assert.True(t, isMultiple(got, 0.1))
}

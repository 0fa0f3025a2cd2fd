package estimation

import (
	"math"

	"estimo/server/internal/models"
)

const (
	adjustmentPerDoubling = 0.1
	adjustmentMin         = 0.8
	adjustmentMax         = 1.2
)

// SurfaceAdjustment returns the multiplicative price-per-area correction for
// a target surface relative to the comparables' median surface. Each doubling
// of the ratio lowers the factor by 0.1, bounded to [0.8, 1.2].
func SurfaceAdjustment(targetSurface float64, comparables *models.ComparableSet) float64 {
	if comparables.Len() == 0 {
		return 1.0
	}

	medianSurface := median(comparables.Surfaces())
	if medianSurface <= 0 {
		return 1.0
	}

	ratio := targetSurface / medianSurface
	if ratio <= 0 || math.IsNaN(ratio) {
		return 1.0
	}

	factor := 1 - adjustmentPerDoubling*math.Log2(ratio)
	return math.Max(adjustmentMin, math.Min(adjustmentMax, factor))
}

package estimation

import (
	"math"

	"estimo/server/internal/models"
)

const (
	highMinSample   = 30
	highMaxLevel    = 2
	mediumMinSample = 10
	mediumMaxLevel  = 3
)

const (
	LabelHigh   = "Confiance haute"
	LabelMedium = "Confiance moyenne"
	LabelLow    = "Confiance faible"
	LabelNoData = "Pas de données"
)

// Classify grades reliability from the sample size and how far the search had to widen.
func Classify(sampleSize, searchLevel int) (models.ConfidenceLevel, string) {
	switch {
	case sampleSize >= highMinSample && searchLevel <= highMaxLevel:
		return models.ConfidenceHigh, LabelHigh
	case sampleSize >= mediumMinSample && searchLevel <= mediumMaxLevel:
		return models.ConfidenceMedium, LabelMedium
	default:
		return models.ConfidenceLow, LabelLow
	}
}

// Interval projects the interquartile range of price-per-area onto the
// target surface. Bounds are rounded to the nearest currency unit.
func Interval(pricesPerArea []float64, targetSurface, adjustment float64) (float64, float64) {
	if len(pricesPerArea) == 0 {
		return 0, 0
	}
	q25 := percentile(pricesPerArea, 25)
	q75 := percentile(pricesPerArea, 75)

	low := math.Max(0, math.Round(q25*targetSurface*adjustment))
	high := math.Max(low, math.Round(q75*targetSurface*adjustment))
	return low, high
}

func ComputeConfidence(comparables *models.ComparableSet, targetSurface, adjustment float64) models.Confidence {
	n := comparables.Len()
	searchLevel := 0
	if comparables != nil {
		searchLevel = comparables.Level()
	}
	if n == 0 {
		return NoDataConfidence(searchLevel)
	}

	level, label := Classify(n, searchLevel)
	low, high := Interval(comparables.PricesPerArea(), targetSurface, adjustment)
	return models.Confidence{
		Level:        level,
		Label:        label,
		LowEstimate:  low,
		HighEstimate: high,
		SampleSize:   n,
		SearchLevel:  searchLevel,
	}
}

func NoDataConfidence(searchLevel int) models.Confidence {
	return models.Confidence{
		Level:       models.ConfidenceLow,
		Label:       LabelNoData,
		SampleSize:  0,
		SearchLevel: searchLevel,
	}
}

package estimation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"estimo/server/internal/metrics"
	"estimo/server/internal/models"
)

type Property struct {
	Type    models.PropertyType `json:"property_type"`
	Surface float64             `json:"surface"`
	Rooms   *int                `json:"rooms,omitempty"`
}

type Request struct {
	Address  string `json:"address"`
	Postcode string `json:"postcode,omitempty"`
	Property
}

// Estimator sequences geocoding, comparable search, adjustment and confidence.
// It holds no mutable state and is safe for concurrent use.
type Estimator struct {
	finder   *Finder
	geocoder Geocoder
	zones    ZoneStatsSource
	logger   *logrus.Logger
}

// NewEstimator wires the collaborators. zones may be nil: zone statistics are
// then reported as unavailable.
func NewEstimator(finder *Finder, geocoder Geocoder, zones ZoneStatsSource, logger *logrus.Logger) *Estimator {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetOutput(os.Stdout)
	}
	return &Estimator{
		finder:   finder,
		geocoder: geocoder,
		zones:    zones,
		logger:   logger,
	}
}

func (e *Estimator) Finder() *Finder {
	return e.finder
}

// Estimate geocodes the address and estimates the property at the best match.
func (e *Estimator) Estimate(ctx context.Context, req Request) (*models.EstimationResult, error) {
	if err := validateProperty(req.Property); err != nil {
		metrics.ObserveFailure(failureReason(err))
		return nil, err
	}
	if strings.TrimSpace(req.Address) == "" {
		metrics.ObserveFailure("invalid_input")
		return nil, invalid("address", "must not be empty")
	}
	if e.geocoder == nil {
		metrics.ObserveFailure("geocoding_unavailable")
		return nil, fmt.Errorf("%w: no geocoder configured", ErrGeocodingUnavailable)
	}

	loc, err := e.geocoder.GeocodeBest(ctx, req.Address, req.Postcode)
	if err != nil {
		e.logger.WithError(err).WithField("address", req.Address).Error("Geocoding failed")
		metrics.ObserveFailure("geocoding_unavailable")
		return nil, fmt.Errorf("%w: %w", ErrGeocodingUnavailable, err)
	}
	if loc == nil {
		e.logger.WithField("address", req.Address).Warn("No geocoding result above the minimum score")
		metrics.ObserveFailure("address_not_found")
		return nil, fmt.Errorf("%w: %s", ErrAddressNotFound, req.Address)
	}

	return e.EstimateAt(ctx, *loc, req.Property)
}

// EstimateAt estimates a property at an already geocoded location. The
// location is trusted as-is apart from the city code, which must be set.
func (e *Estimator) EstimateAt(ctx context.Context, loc models.GeocodingResult, prop Property) (*models.EstimationResult, error) {
	start := time.Now()

	if err := validateProperty(prop); err != nil {
		metrics.ObserveFailure(failureReason(err))
		return nil, err
	}
	if strings.TrimSpace(loc.CityCode) == "" {
		metrics.ObserveFailure("invalid_input")
		return nil, invalid("citycode", "must not be empty")
	}

	surface := prop.Surface
	comparables, err := e.finder.Find(ctx, FindParams{
		Point:        loc.GeoPoint(),
		PropertyType: prop.Type,
		Surface:      &surface,
		Rooms:        prop.Rooms,
	})
	if err != nil {
		metrics.ObserveFailure(failureReason(err))
		return nil, err
	}

	if comparables.Len() == 0 {
		e.logger.WithFields(logrus.Fields{
			"commune":       loc.CityCode,
			"property_type": prop.Type,
			"level":         comparables.Level(),
		}).Warn("No comparable transaction found, estimation impossible")
		result := noEstimate(loc, comparables)
		metrics.ObserveEstimation(string(result.Confidence.Level), comparables.Level(), time.Since(start).Seconds())
		return result, nil
	}

	baseMedian := median(comparables.PricesPerArea())
	adjustment := SurfaceAdjustment(surface, comparables)
	pricePerArea := baseMedian * adjustment
	totalPrice := pricePerArea * surface

	confidence := ComputeConfidence(comparables, surface, adjustment)

	// Zone trend is already reflected in recent comparables; it is display only.
	zoneStats, zoneStatus := e.zoneStats(ctx, loc.CityCode, prop.Type)

	result := &models.EstimationResult{
		Location:         loc,
		PricePerArea:     roundTo(pricePerArea, 2),
		TotalPrice:       math.Round(totalPrice),
		Confidence:       confidence,
		GeoLevel:         comparables.LevelDescription(),
		ComparableCount:  comparables.Len(),
		AdjustmentFactor: roundTo(adjustment, 4),
		Comparables:      comparables,
		ZoneStats:        zoneStats,
		ZoneStatsStatus:  zoneStatus,
	}

	e.logger.WithFields(logrus.Fields{
		"commune":        loc.CityCode,
		"property_type":  prop.Type,
		"level":          comparables.Level(),
		"comparables":    comparables.Len(),
		"price_per_area": result.PricePerArea,
		"confidence":     confidence.Level,
	}).Info("Estimation completed")

	metrics.ObserveEstimation(string(confidence.Level), comparables.Level(), time.Since(start).Seconds())
	return result, nil
}

func (e *Estimator) zoneStats(ctx context.Context, communeCode string, propertyType models.PropertyType) (*models.ZoneStats, models.ZoneStatsStatus) {
	if e.zones == nil {
		return nil, models.ZoneStatsUnavailable
	}

	stats, err := e.zones.ZoneStats(ctx, communeCode, propertyType)
	if err != nil {
		e.logger.WithError(err).WithField("commune", communeCode).Warn("Zone statistics unavailable")
		metrics.ZoneStatsDegraded.Inc()
		return nil, models.ZoneStatsUnavailable
	}
	if stats == nil {
		return nil, models.ZoneStatsMissing
	}
	return stats, models.ZoneStatsAvailable
}

func noEstimate(loc models.GeocodingResult, comparables *models.ComparableSet) *models.EstimationResult {
	return &models.EstimationResult{
		Location:         loc,
		Confidence:       NoDataConfidence(comparables.Level()),
		GeoLevel:         comparables.LevelDescription(),
		ComparableCount:  0,
		AdjustmentFactor: 1.0,
		Comparables:      comparables,
		ZoneStatsStatus:  models.ZoneStatsSkipped,
	}
}

func validateProperty(p Property) error {
	if !p.Type.Valid() {
		return invalid("property_type", "unrecognized value %q", p.Type)
	}
	if !(p.Surface > 0) || math.IsInf(p.Surface, 1) {
		return invalid("surface", "must be positive, got %v", p.Surface)
	}
	if p.Rooms != nil && *p.Rooms < 0 {
		return invalid("rooms", "must not be negative, got %d", *p.Rooms)
	}
	return nil
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrEstimationUnavailable):
		return "store_unavailable"
	case errors.Is(err, ErrAddressNotFound):
		return "address_not_found"
	case errors.Is(err, ErrGeocodingUnavailable):
		return "geocoding_unavailable"
	default:
		return "unknown"
	}
}

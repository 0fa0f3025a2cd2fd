package estimation

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"estimo/server/internal/models"
)

func newTestEstimator(store ComparableStore, geocoder Geocoder, zones ZoneStatsSource) *Estimator {
	return NewEstimator(newTestFinder(store), geocoder, zones, newTestLogger())
}

func apartment(surface float64) Property {
	return Property{Type: models.PropertyTypeApartment, Surface: surface}
}

func TestEstimator_DenseParisApartments(t *testing.T) {
	zones := new(mockZoneStats)
	median := 4480.0
	zones.On("ZoneStats", mock.Anything, "75101", models.PropertyTypeApartment).Return(&models.ZoneStats{
		CommuneCode:           "75101",
		PropertyType:          models.PropertyTypeApartment,
		TotalTransactions:     812,
		Last12mTransactions:   97,
		MedianPricePerArea12m: &median,
		DataQualityFlag:       "ok",
	}, nil)

	estimator := newTestEstimator(newMemStore(parisApartments()), nil, zones)

	result, err := estimator.EstimateAt(context.Background(), parisLocation, apartment(60))
	require.NoError(t, err)

	assert.True(t, result.Estimable())
	assert.Equal(t, 4500.0, result.PricePerArea)
	assert.Equal(t, 270000.0, result.TotalPrice)
	assert.Equal(t, 1.0, result.AdjustmentFactor)
	assert.Equal(t, 50, result.ComparableCount)
	assert.Equal(t, "1 km, 24 derniers mois", result.GeoLevel)

	assert.Equal(t, models.ConfidenceHigh, result.Confidence.Level)
	assert.Equal(t, LabelHigh, result.Confidence.Label)
	assert.Equal(t, 255300.0, result.Confidence.LowEstimate)
	assert.Equal(t, 284700.0, result.Confidence.HighEstimate)
	assert.LessOrEqual(t, result.Confidence.LowEstimate, result.TotalPrice)
	assert.GreaterOrEqual(t, result.Confidence.HighEstimate, result.TotalPrice)

	assert.Equal(t, models.ZoneStatsAvailable, result.ZoneStatsStatus)
	require.NotNil(t, result.ZoneStats)
	assert.Equal(t, 97, result.ZoneStats.Last12mTransactions)
	assert.Equal(t, parisLocation, result.Location)
	zones.AssertExpectations(t)
}

func TestEstimator_SparseRuralHouses(t *testing.T) {
	estimator := newTestEstimator(newMemStore(sparseHouses()), nil, nil)

	result, err := estimator.EstimateAt(context.Background(), ahunLocation, Property{
		Type:    models.PropertyTypeHouse,
		Surface: 100,
	})
	require.NoError(t, err)

	assert.Equal(t, 2000.0, result.PricePerArea)
	assert.Equal(t, 200000.0, result.TotalPrice)
	assert.Equal(t, 3, result.ComparableCount)
	assert.Equal(t, models.ConfidenceLow, result.Confidence.Level)
	assert.Equal(t, 200000.0, result.Confidence.LowEstimate)
	assert.Equal(t, result.Confidence.LowEstimate, result.Confidence.HighEstimate)
	assert.Contains(t, result.GeoLevel, "données insuffisantes")
	assert.Equal(t, 4, result.Confidence.SearchLevel)
	assert.Equal(t, models.ZoneStatsUnavailable, result.ZoneStatsStatus)
}

func TestEstimator_SurfaceAdjustmentApplied(t *testing.T) {
	txs := parisApartments()[:10]
	for i := range txs {
		txs[i].Surface = 50
		txs[i].PricePerArea = 4000
	}
	estimator := newTestEstimator(newMemStore(txs), nil, nil)

	// Twice the median comparable surface.
	result, err := estimator.EstimateAt(context.Background(), parisLocation, apartment(100))
	require.NoError(t, err)

	assert.Equal(t, 0.9, result.AdjustmentFactor)
	assert.InDelta(t, 3600.0, result.PricePerArea, 1e-9)
	assert.InDelta(t, 360000.0, result.TotalPrice, 1e-9)
	assert.Equal(t, models.ConfidenceMedium, result.Confidence.Level)
}

func TestEstimator_NoComparables(t *testing.T) {
	zones := new(mockZoneStats)
	estimator := newTestEstimator(newMemStore(), nil, zones)

	result, err := estimator.EstimateAt(context.Background(), parisLocation, apartment(60))
	require.NoError(t, err)

	assert.False(t, result.Estimable())
	assert.Zero(t, result.PricePerArea)
	assert.Zero(t, result.TotalPrice)
	assert.Equal(t, 1.0, result.AdjustmentFactor)
	assert.Equal(t, 0, result.ComparableCount)
	assert.Equal(t, LabelNoData, result.Confidence.Label)
	assert.Equal(t, models.ConfidenceLow, result.Confidence.Level)
	assert.Zero(t, result.Confidence.LowEstimate)
	assert.Zero(t, result.Confidence.HighEstimate)
	assert.Equal(t, models.ZoneStatsSkipped, result.ZoneStatsStatus)
	assert.Nil(t, result.ZoneStats)
	zones.AssertNotCalled(t, "ZoneStats", mock.Anything, mock.Anything, mock.Anything)
}

func TestEstimator_ZoneStatsFailureDegrades(t *testing.T) {
	zones := new(mockZoneStats)
	zones.On("ZoneStats", mock.Anything, "75101", models.PropertyTypeApartment).
		Return(nil, errors.New("relation mart.zone_stats does not exist"))

	estimator := newTestEstimator(newMemStore(parisApartments()), nil, zones)

	result, err := estimator.EstimateAt(context.Background(), parisLocation, apartment(60))
	require.NoError(t, err)

	assert.Equal(t, 4500.0, result.PricePerArea)
	assert.Nil(t, result.ZoneStats)
	assert.Equal(t, models.ZoneStatsUnavailable, result.ZoneStatsStatus)
}

func TestEstimator_ZoneStatsMissingRow(t *testing.T) {
	zones := new(mockZoneStats)
	zones.On("ZoneStats", mock.Anything, "75101", models.PropertyTypeApartment).Return(nil, nil)

	estimator := newTestEstimator(newMemStore(parisApartments()), nil, zones)

	result, err := estimator.EstimateAt(context.Background(), parisLocation, apartment(60))
	require.NoError(t, err)
	assert.Equal(t, models.ZoneStatsMissing, result.ZoneStatsStatus)
}

func TestEstimator_TrendDoesNotMoveEstimate(t *testing.T) {
	trend := 12.5
	zones := new(mockZoneStats)
	zones.On("ZoneStats", mock.Anything, mock.Anything, mock.Anything).
		Return(&models.ZoneStats{CommuneCode: "75101", Trend12m: &trend}, nil)

	withTrend := newTestEstimator(newMemStore(parisApartments()), nil, zones)
	without := newTestEstimator(newMemStore(parisApartments()), nil, nil)

	a, err := withTrend.EstimateAt(context.Background(), parisLocation, apartment(72))
	require.NoError(t, err)
	b, err := without.EstimateAt(context.Background(), parisLocation, apartment(72))
	require.NoError(t, err)

	assert.Equal(t, b.PricePerArea, a.PricePerArea)
	assert.Equal(t, b.TotalPrice, a.TotalPrice)
}

func TestEstimator_StoreFailure(t *testing.T) {
	store := newMemStore()
	store.err = errors.New("connection reset by peer")
	estimator := newTestEstimator(store, nil, nil)

	result, err := estimator.EstimateAt(context.Background(), parisLocation, apartment(60))
	assert.Nil(t, result)
	assert.ErrorIs(t, err, ErrEstimationUnavailable)
}

func TestEstimator_EstimateAtValidation(t *testing.T) {
	estimator := newTestEstimator(newMemStore(parisApartments()), nil, nil)

	tests := []struct {
		name  string
		loc   models.GeocodingResult
		prop  Property
		field string
	}{
		{"missing city code", models.GeocodingResult{Latitude: 48.86, Longitude: 2.33}, apartment(60), "citycode"},
		{"zero surface", parisLocation, apartment(0), "surface"},
		{"unknown type", parisLocation, Property{Type: "loft", Surface: 50}, "property_type"},
		{"negative rooms", parisLocation, Property{Type: models.PropertyTypeHouse, Surface: 50, Rooms: intPtr(-2)}, "rooms"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := estimator.EstimateAt(context.Background(), tt.loc, tt.prop)
			assert.Nil(t, result)

			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestEstimator_EstimateGeocodesAddress(t *testing.T) {
	geocoder := new(mockGeocoder)
	loc := parisLocation
	geocoder.On("GeocodeBest", mock.Anything, "10 rue de Rivoli", "75001").Return(&loc, nil)

	estimator := newTestEstimator(newMemStore(parisApartments()), geocoder, nil)

	result, err := estimator.Estimate(context.Background(), Request{
		Address:  "10 rue de Rivoli",
		Postcode: "75001",
		Property: apartment(60),
	})
	require.NoError(t, err)

	assert.Equal(t, parisLocation.Label, result.Location.Label)
	assert.Equal(t, 270000.0, result.TotalPrice)
	geocoder.AssertExpectations(t)
}

func TestEstimator_AddressNotFound(t *testing.T) {
	geocoder := new(mockGeocoder)
	geocoder.On("GeocodeBest", mock.Anything, "nowhere", "").Return(nil, nil)

	estimator := newTestEstimator(newMemStore(parisApartments()), geocoder, nil)

	result, err := estimator.Estimate(context.Background(), Request{Address: "nowhere", Property: apartment(60)})
	assert.Nil(t, result)
	assert.ErrorIs(t, err, ErrAddressNotFound)
}

func TestEstimator_GeocoderFailure(t *testing.T) {
	upstream := errors.New("503 Service Unavailable")
	geocoder := new(mockGeocoder)
	geocoder.On("GeocodeBest", mock.Anything, mock.Anything, mock.Anything).Return(nil, upstream)

	estimator := newTestEstimator(newMemStore(parisApartments()), geocoder, nil)

	_, err := estimator.Estimate(context.Background(), Request{Address: "10 rue de Rivoli", Property: apartment(60)})
	assert.ErrorIs(t, err, ErrGeocodingUnavailable)
	assert.ErrorIs(t, err, upstream)
}

func TestEstimator_EstimateValidatesBeforeGeocoding(t *testing.T) {
	geocoder := new(mockGeocoder)
	estimator := newTestEstimator(newMemStore(), geocoder, nil)

	_, err := estimator.Estimate(context.Background(), Request{Address: "10 rue de Rivoli", Property: apartment(-5)})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = estimator.Estimate(context.Background(), Request{Address: "  ", Property: apartment(50)})
	assert.ErrorIs(t, err, ErrInvalidInput)

	geocoder.AssertNotCalled(t, "GeocodeBest", mock.Anything, mock.Anything, mock.Anything)
}

func TestEstimator_NoGeocoderConfigured(t *testing.T) {
	estimator := newTestEstimator(newMemStore(), nil, nil)

	_, err := estimator.Estimate(context.Background(), Request{Address: "10 rue de Rivoli", Property: apartment(50)})
	assert.ErrorIs(t, err, ErrGeocodingUnavailable)
}

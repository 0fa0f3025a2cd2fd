package estimation

import (
	"context"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/mock"

	"estimo/server/internal/models"
)

var fixedNow = time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)

func fixedClock() time.Time { return fixedNow }

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// memStore is an in-memory snapshot of the transaction store.
type memStore struct {
	mu      sync.Mutex
	rows    []models.Transaction
	queries []ComparableQuery
	err     error
}

func newMemStore(rows ...[]models.Transaction) *memStore {
	s := &memStore{}
	for _, r := range rows {
		s.rows = append(s.rows, r...)
	}
	return s
}

func (s *memStore) FindComparables(ctx context.Context, q ComparableQuery) ([]models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.queries = append(s.queries, q)
	if s.err != nil {
		return nil, s.err
	}

	var out []models.Transaction
	for _, tx := range s.rows {
		if q.Matches(tx) {
			out = append(out, tx)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].SaleDate.Equal(out[j].SaleDate) {
			return out[i].SaleDate.After(out[j].SaleDate)
		}
		return out[i].ID < out[j].ID
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *memStore) recorded() []ComparableQuery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ComparableQuery(nil), s.queries...)
}

type mockGeocoder struct {
	mock.Mock
}

func (m *mockGeocoder) GeocodeBest(ctx context.Context, address, postcode string) (*models.GeocodingResult, error) {
	args := m.Called(ctx, address, postcode)
	res, _ := args.Get(0).(*models.GeocodingResult)
	return res, args.Error(1)
}

type mockZoneStats struct {
	mock.Mock
}

func (m *mockZoneStats) ZoneStats(ctx context.Context, communeCode string, propertyType models.PropertyType) (*models.ZoneStats, error) {
	args := m.Called(ctx, communeCode, propertyType)
	res, _ := args.Get(0).(*models.ZoneStats)
	return res, args.Error(1)
}

func floatPtr(v float64) *float64 { return &v }
func intPtr(v int) *int           { return &v }

var (
	parisLocation = models.GeocodingResult{
		Label:     "10 Rue de Rivoli 75001 Paris",
		Score:     0.95,
		Latitude:  48.8606,
		Longitude: 2.3376,
		Postcode:  "75001",
		City:      "Paris",
		CityCode:  "75101",
		Context:   "75, Paris, Île-de-France",
	}
	ahunLocation = models.GeocodingResult{
		Label:     "1 Place de la Mairie 23150 Ahun",
		Score:     0.9,
		Latitude:  46.0833,
		Longitude: 2.05,
		Postcode:  "23150",
		City:      "Ahun",
		CityCode:  "23001",
	}
)

// parisApartments builds 50 apartments a few hundred meters from parisLocation.
// Price-per-area runs 4010..4990 (median 4500), surfaces 35.5..84.5 (median 60).
func parisApartments() []models.Transaction {
	txs := make([]models.Transaction, 50)
	for i := range txs {
		lat := parisLocation.Latitude + float64(i%5)*0.001
		lon := parisLocation.Longitude + float64(i%3)*0.001
		surface := 35.5 + float64(i)
		ppa := 4010 + 20*float64(i)
		txs[i] = models.Transaction{
			ID:             int64(i + 1),
			SaleDate:       fixedNow.AddDate(0, 0, -7*(i+1)),
			Price:          ppa * surface,
			PropertyType:   models.PropertyTypeApartment,
			Surface:        surface,
			Rooms:          intPtr(1 + i%4),
			PricePerArea:   ppa,
			CommuneCode:    "75101",
			CommuneName:    "PARIS 1ER ARRONDISSEMENT",
			DepartmentCode: "75",
			Latitude:       &lat,
			Longitude:      &lon,
		}
	}
	return txs
}

// sparseHouses are three houses in Ahun, all sold at 2000 per m².
func sparseHouses() []models.Transaction {
	dates := []time.Time{
		time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 3, 20, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
	}
	surfaces := []float64{90, 100, 110}
	txs := make([]models.Transaction, 3)
	for i := range txs {
		lat, lon := ahunLocation.Latitude, ahunLocation.Longitude
		txs[i] = models.Transaction{
			ID:             int64(1000 + i),
			SaleDate:       dates[i],
			Price:          2000 * surfaces[i],
			PropertyType:   models.PropertyTypeHouse,
			Surface:        surfaces[i],
			Rooms:          intPtr(4),
			PricePerArea:   2000,
			CommuneCode:    "23001",
			CommuneName:    "AHUN",
			DepartmentCode: "23",
			Latitude:       &lat,
			Longitude:      &lon,
		}
	}
	return txs
}

// relocate returns copies of txs moved to another point and commune.
func relocate(txs []models.Transaction, lat, lon float64, commune string) []models.Transaction {
	out := make([]models.Transaction, len(txs))
	for i, tx := range txs {
		la, lo := lat, lon
		tx.Latitude = &la
		tx.Longitude = &lo
		tx.CommuneCode = commune
		tx.DepartmentCode = models.DepartmentOf(commune)
		out[i] = tx
	}
	return out
}

func newSet(txs []models.Transaction, level int) *models.ComparableSet {
	return models.NewComparableSet(models.SearchParams{}, level, "test", false, txs)
}

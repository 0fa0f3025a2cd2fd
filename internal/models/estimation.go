package models

import "encoding/json"

// SearchParams are the inputs of one comparable search.
type SearchParams struct {
	Point          GeoPoint     `json:"point"`
	CommuneCode    string       `json:"commune_code"`
	DepartmentCode string       `json:"department_code"`
	PropertyType   PropertyType `json:"property_type"`
	Surface        *float64     `json:"surface"`
	Rooms          *int         `json:"rooms"`
}

// ComparableSet is the immutable outcome of a single finder run.
type ComparableSet struct {
	params           SearchParams
	level            int
	levelDescription string
	insufficient     bool
	transactions     []Transaction
}

func NewComparableSet(params SearchParams, level int, description string, insufficient bool, transactions []Transaction) *ComparableSet {
	txs := make([]Transaction, len(transactions))
	copy(txs, transactions)
	return &ComparableSet{
		params:           params,
		level:            level,
		levelDescription: description,
		insufficient:     insufficient,
		transactions:     txs,
	}
}

func (s *ComparableSet) Params() SearchParams     { return s.params }
func (s *ComparableSet) Level() int               { return s.level }
func (s *ComparableSet) LevelDescription() string { return s.levelDescription }

// Insufficient is set when no level reached the minimum sample size.
func (s *ComparableSet) Insufficient() bool { return s.insufficient }

func (s *ComparableSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.transactions)
}

// Transactions returns a copy, most recent sale first.
func (s *ComparableSet) Transactions() []Transaction {
	txs := make([]Transaction, len(s.transactions))
	copy(txs, s.transactions)
	return txs
}

func (s *ComparableSet) PricesPerArea() []float64 {
	values := make([]float64, len(s.transactions))
	for i, tx := range s.transactions {
		values[i] = tx.PricePerArea
	}
	return values
}

func (s *ComparableSet) Surfaces() []float64 {
	values := make([]float64, len(s.transactions))
	for i, tx := range s.transactions {
		values[i] = tx.Surface
	}
	return values
}

func (s *ComparableSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Params           SearchParams  `json:"params"`
		Level            int           `json:"level"`
		LevelDescription string        `json:"level_description"`
		Insufficient     bool          `json:"insufficient"`
		Transactions     []Transaction `json:"transactions"`
	}{
		Params:           s.params,
		Level:            s.level,
		LevelDescription: s.levelDescription,
		Insufficient:     s.insufficient,
		Transactions:     s.transactions,
	})
}

type ConfidenceLevel string

const (
	ConfidenceHigh   ConfidenceLevel = "high"
	ConfidenceMedium ConfidenceLevel = "medium"
	ConfidenceLow    ConfidenceLevel = "low"
)

type Confidence struct {
	Level        ConfidenceLevel `json:"level"`
	Label        string          `json:"label"`
	LowEstimate  float64         `json:"low_estimate"`
	HighEstimate float64         `json:"high_estimate"`
	SampleSize   int             `json:"sample_size"`
	SearchLevel  int             `json:"search_level"`
}

// ZoneStats are precomputed aggregates for a commune and property type. Display only.
type ZoneStats struct {
	CommuneCode           string       `json:"commune_code"`
	PropertyType          PropertyType `json:"property_type"`
	TotalTransactions     int          `json:"total_transactions"`
	Last12mTransactions   int          `json:"last_12m_transactions"`
	MedianPricePerArea12m *float64     `json:"median_price_per_area_12m"`
	StddevPricePerArea12m *float64     `json:"stddev_price_per_area_12m"`
	Trend12m              *float64     `json:"trend_12m"`
	DataQualityFlag       string       `json:"data_quality_flag"`
}

type ZoneStatsStatus string

const (
	ZoneStatsAvailable   ZoneStatsStatus = "available"
	ZoneStatsMissing     ZoneStatsStatus = "missing"
	ZoneStatsUnavailable ZoneStatsStatus = "unavailable"
	ZoneStatsSkipped     ZoneStatsStatus = "skipped"
)

// PricePoint is one semester of the price-per-area history.
type PricePoint struct {
	Scope        string  `json:"scope"`
	Year         int     `json:"year"`
	Semester     int     `json:"semester"`
	Transactions int     `json:"transactions"`
	Median       float64 `json:"median_price_per_area"`
	Q1           float64 `json:"q1_price_per_area"`
	Q3           float64 `json:"q3_price_per_area"`
}

type EstimationResult struct {
	Location         GeocodingResult `json:"location"`
	PricePerArea     float64         `json:"price_per_area"`
	TotalPrice       float64         `json:"total_price"`
	Confidence       Confidence      `json:"confidence"`
	GeoLevel         string          `json:"geo_level"`
	ComparableCount  int             `json:"comparable_count"`
	AdjustmentFactor float64         `json:"adjustment_factor"`
	Comparables      *ComparableSet  `json:"comparables"`
	ZoneStats        *ZoneStats      `json:"zone_stats"`
	ZoneStatsStatus  ZoneStatsStatus `json:"zone_stats_status"`
}

// Estimable is false for the "no estimate possible" result.
func (r *EstimationResult) Estimable() bool {
	return r != nil && r.ComparableCount > 0
}

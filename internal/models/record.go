package models

import "time"

// EstimationRecord is one journaled outcome of a batch estimation.
type EstimationRecord struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	BatchID         string    `gorm:"index;size:36;not null" json:"batch_id"`
	Position        int       `gorm:"not null" json:"position"`
	Address         string    `json:"address"`
	Postcode        string    `json:"postcode,omitempty"`
	CommuneCode     string    `gorm:"index" json:"commune_code,omitempty"`
	PropertyType    string    `json:"property_type"`
	Surface         float64   `json:"surface"`
	PricePerArea    float64   `json:"price_per_area"`
	TotalPrice      float64   `json:"total_price"`
	Confidence      string    `json:"confidence,omitempty"`
	SearchLevel     int       `json:"search_level"`
	ComparableCount int       `json:"comparable_count"`
	Attempts        int       `json:"attempts"`
	Error           string    `json:"error,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// NewEstimationRecord captures a result (or failure) for the journal.
func NewEstimationRecord(batchID string, position int, address, postcode string, propertyType PropertyType, surface float64, result *EstimationResult, attempts int, err error) *EstimationRecord {
	rec := &EstimationRecord{
		BatchID:      batchID,
		Position:     position,
		Address:      address,
		Postcode:     postcode,
		PropertyType: string(propertyType),
		Surface:      surface,
		Attempts:     attempts,
	}
	if err != nil {
		rec.Error = err.Error()
		return rec
	}
	if result != nil {
		rec.CommuneCode = result.Location.CityCode
		rec.PricePerArea = result.PricePerArea
		rec.TotalPrice = result.TotalPrice
		rec.Confidence = string(result.Confidence.Level)
		rec.SearchLevel = result.Confidence.SearchLevel
		rec.ComparableCount = result.ComparableCount
	}
	return rec
}

package models

import (
	"fmt"
	"strings"
	"time"
)

type PropertyType string

const (
	PropertyTypeHouse     PropertyType = "house"
	PropertyTypeApartment PropertyType = "apartment"
)

// ParsePropertyType accepts the API values and the DVF labels.
func ParsePropertyType(s string) (PropertyType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "house", "maison":
		return PropertyTypeHouse, nil
	case "apartment", "appartement":
		return PropertyTypeApartment, nil
	default:
		return "", fmt.Errorf("unknown property type: %q", s)
	}
}

func (t PropertyType) Valid() bool {
	return t == PropertyTypeHouse || t == PropertyTypeApartment
}

// DVFLabel returns the value used by the DVF tables (type_bien column).
func (t PropertyType) DVFLabel() string {
	switch t {
	case PropertyTypeHouse:
		return "maison"
	case PropertyTypeApartment:
		return "appartement"
	default:
		return string(t)
	}
}

// QualityFlag is a bit set assigned upstream by the ETL quality checks.
type QualityFlag int

const (
	QualityPriceOutlier QualityFlag = 1 << iota
)

func (f QualityFlag) Has(bit QualityFlag) bool {
	return f&bit != 0
}

type Transaction struct {
	ID             int64        `json:"id"`
	SaleDate       time.Time    `json:"sale_date"`
	Price          float64      `json:"price"`
	PropertyType   PropertyType `json:"property_type"`
	Surface        float64      `json:"surface"`
	Rooms          *int         `json:"rooms"`
	PricePerArea   float64      `json:"price_per_area"`
	CommuneCode    string       `json:"commune_code"`
	CommuneName    string       `json:"commune_name,omitempty"`
	DepartmentCode string       `json:"department_code"`
	QualityFlag    QualityFlag  `json:"quality_flag"`
	Latitude       *float64     `json:"latitude"`
	Longitude      *float64     `json:"longitude"`
}

// IsOutlier reports whether the price-per-area outlier bit is set.
func (t Transaction) IsOutlier() bool {
	return t.QualityFlag.Has(QualityPriceOutlier)
}

func (t Transaction) HasCoordinates() bool {
	return t.Latitude != nil && t.Longitude != nil
}

package models

import (
	"fmt"
	"strings"

	"github.com/paulmach/orb"
)

// GeoPoint is a geocoded location tied to its commune (INSEE code).
type GeoPoint struct {
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	CommuneCode string  `json:"commune_code"`
}

func NewGeoPoint(lat, lon float64, communeCode string) (GeoPoint, error) {
	if lat < -90 || lat > 90 {
		return GeoPoint{}, fmt.Errorf("latitude out of range: %f", lat)
	}
	if lon < -180 || lon > 180 {
		return GeoPoint{}, fmt.Errorf("longitude out of range: %f", lon)
	}
	communeCode = strings.TrimSpace(communeCode)
	if communeCode == "" {
		return GeoPoint{}, fmt.Errorf("commune code is required")
	}
	return GeoPoint{Latitude: lat, Longitude: lon, CommuneCode: communeCode}, nil
}

// DepartmentCode is always a prefix of the commune code.
func (p GeoPoint) DepartmentCode() string {
	return DepartmentOf(p.CommuneCode)
}

// Point returns the location in orb's [lon, lat] order.
func (p GeoPoint) Point() orb.Point {
	return orb.Point{p.Longitude, p.Latitude}
}

func DepartmentOf(communeCode string) string {
	if len(communeCode) < 2 {
		return communeCode
	}
	return communeCode[:2]
}

type GeocodingResult struct {
	Label       string  `json:"label"`
	Score       float64 `json:"score"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	HouseNumber string  `json:"housenumber,omitempty"`
	Street      string  `json:"street,omitempty"`
	Postcode    string  `json:"postcode"`
	City        string  `json:"city"`
	CityCode    string  `json:"citycode"`
	Context     string  `json:"context"`
}

func (g GeocodingResult) GeoPoint() GeoPoint {
	return GeoPoint{
		Latitude:    g.Latitude,
		Longitude:   g.Longitude,
		CommuneCode: strings.TrimSpace(g.CityCode),
	}
}

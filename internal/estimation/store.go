package estimation

import (
	"context"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"

	"estimo/server/internal/models"
)

// GeoScope is the geography predicate of a comparable query.
type GeoScope int

const (
	ScopeRadius GeoScope = iota
	ScopeCommune
	ScopeDepartment
)

func (s GeoScope) String() string {
	switch s {
	case ScopeRadius:
		return "radius"
	case ScopeCommune:
		return "commune"
	case ScopeDepartment:
		return "department"
	default:
		return "unknown"
	}
}

// ComparableQuery is one store round-trip of the fallback search.
type ComparableQuery struct {
	PropertyType   models.PropertyType
	Scope          GeoScope
	Point          models.GeoPoint
	RadiusMeters   float64
	CommuneCode    string
	DepartmentCode string
	Since          time.Time
	SurfaceMin     *float64
	SurfaceMax     *float64
	Limit          int
}

// Matches evaluates the query predicate against a single transaction.
// Stores that cannot express the geodesic filter natively use it to refine rows.
func (q ComparableQuery) Matches(tx models.Transaction) bool {
	if tx.PropertyType != q.PropertyType || tx.IsOutlier() {
		return false
	}
	if tx.SaleDate.Before(q.Since) {
		return false
	}
	if q.SurfaceMin != nil && tx.Surface < *q.SurfaceMin {
		return false
	}
	if q.SurfaceMax != nil && tx.Surface > *q.SurfaceMax {
		return false
	}

	switch q.Scope {
	case ScopeRadius:
		if !tx.HasCoordinates() {
			return false
		}
		at := orb.Point{*tx.Longitude, *tx.Latitude}
		return geo.DistanceHaversine(q.Point.Point(), at) <= q.RadiusMeters
	case ScopeCommune:
		return tx.CommuneCode == q.CommuneCode
	case ScopeDepartment:
		return tx.DepartmentCode == q.DepartmentCode
	default:
		return false
	}
}

// ComparableStore answers the comparable search query. Rows come back most recent first.
type ComparableStore interface {
	FindComparables(ctx context.Context, q ComparableQuery) ([]models.Transaction, error)
}

// ZoneStatsSource returns nil, nil when no aggregate exists for the zone.
type ZoneStatsSource interface {
	ZoneStats(ctx context.Context, communeCode string, propertyType models.PropertyType) (*models.ZoneStats, error)
}

type PriceHistorySource interface {
	PriceHistory(ctx context.Context, communeCode, departmentCode string, propertyType models.PropertyType) ([]models.PricePoint, error)
}

type Geocoder interface {
	GeocodeBest(ctx context.Context, address, postcode string) (*models.GeocodingResult, error)
}

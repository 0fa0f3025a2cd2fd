package estimation

import (
	"context"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"estimo/server/internal/models"
)

const (
	DefaultMinComparables = 5
	DefaultMaxComparables = 500

	surfaceBandLow  = 0.5
	surfaceBandHigh = 2.0

	insufficientSuffix = " (données insuffisantes)"
)

// Level is one step of the fallback search. Levels are ordered from the
// narrowest scope to the broadest.
type Level struct {
	Number       int
	Scope        GeoScope
	RadiusMeters float64
	Months       int
	Description  string
}

// DefaultLevels is the standard search: 1 km, then the commune over two and
// four years, then the department.
var DefaultLevels = []Level{
	{Number: 1, Scope: ScopeRadius, RadiusMeters: 1000, Months: 24, Description: "1 km, 24 derniers mois"},
	{Number: 2, Scope: ScopeCommune, Months: 24, Description: "commune, 24 derniers mois"},
	{Number: 3, Scope: ScopeCommune, Months: 48, Description: "commune, 48 derniers mois"},
	{Number: 4, Scope: ScopeDepartment, Months: 24, Description: "département, 24 derniers mois"},
}

// FindParams describes the target property. Surface and Rooms are optional.
type FindParams struct {
	Point        models.GeoPoint
	PropertyType models.PropertyType
	Surface      *float64
	Rooms        *int
	// MinSampleSize overrides the finder default when set.
	MinSampleSize *int
}

// Finder selects comparable transactions with a widening geographic search.
type Finder struct {
	store          ComparableStore
	logger         *logrus.Logger
	levels         []Level
	minComparables int
	maxComparables int
	now            func() time.Time
}

// FinderOption customizes a Finder.
type FinderOption func(*Finder)

// WithLevels replaces the level table. An empty table is ignored.
func WithLevels(levels []Level) FinderOption {
	return func(f *Finder) {
		if len(levels) > 0 {
			f.levels = levels
		}
	}
}

// WithMinComparables sets the default minimum sample size.
func WithMinComparables(n int) FinderOption {
	return func(f *Finder) { f.minComparables = n }
}

// WithMaxComparables caps the rows kept per level. Non-positive values are ignored.
func WithMaxComparables(n int) FinderOption {
	return func(f *Finder) {
		if n > 0 {
			f.maxComparables = n
		}
	}
}

// WithClock sets the time source used for recency cutoffs.
func WithClock(now func() time.Time) FinderOption {
	return func(f *Finder) { f.now = now }
}

// NewFinder creates a Finder over store with the default levels and limits.
func NewFinder(store ComparableStore, logger *logrus.Logger, opts ...FinderOption) *Finder {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetOutput(os.Stdout)
	}

	f := &Finder{
		store:          store,
		logger:         logger,
		levels:         DefaultLevels,
		minComparables: DefaultMinComparables,
		maxComparables: DefaultMaxComparables,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Find runs the fallback levels in order and stops at the first one that
// yields at least the minimum sample size. When none does, the last level's
// rows are returned flagged as insufficient; only a store failure is an error.
func (f *Finder) Find(ctx context.Context, p FindParams) (*models.ComparableSet, error) {
	minSample, err := f.validate(p)
	if err != nil {
		return nil, err
	}

	params := models.SearchParams{
		Point:          p.Point,
		CommuneCode:    p.Point.CommuneCode,
		DepartmentCode: p.Point.DepartmentCode(),
		PropertyType:   p.PropertyType,
		Surface:        p.Surface,
		Rooms:          p.Rooms,
	}

	today := startOfDay(f.now())
	var rows []models.Transaction
	for _, lvl := range f.levels {
		q := f.buildQuery(lvl, p, today)
		rows, err = f.store.FindComparables(ctx, q)
		if err != nil {
			f.logger.WithError(err).WithFields(logrus.Fields{
				"level":   lvl.Number,
				"scope":   lvl.Scope.String(),
				"commune": params.CommuneCode,
			}).Error("Comparable query failed")
			return nil, fmt.Errorf("%w: level %d query: %w", ErrEstimationUnavailable, lvl.Number, err)
		}
		if len(rows) > q.Limit {
			rows = rows[:q.Limit]
		}

		f.logger.WithFields(logrus.Fields{
			"level":   lvl.Number,
			"scope":   lvl.Scope.String(),
			"commune": params.CommuneCode,
			"rows":    len(rows),
		}).Debug("Comparable search level evaluated")

		if len(rows) >= minSample {
			return models.NewComparableSet(params, lvl.Number, lvl.Description, false, rows), nil
		}
	}

	last := f.levels[len(f.levels)-1]
	return models.NewComparableSet(params, last.Number, last.Description+insufficientSuffix, true, rows), nil
}

func (f *Finder) buildQuery(lvl Level, p FindParams, today time.Time) ComparableQuery {
	q := ComparableQuery{
		PropertyType:   p.PropertyType,
		Scope:          lvl.Scope,
		Point:          p.Point,
		RadiusMeters:   lvl.RadiusMeters,
		CommuneCode:    p.Point.CommuneCode,
		DepartmentCode: p.Point.DepartmentCode(),
		Since:          monthsBefore(today, lvl.Months),
		Limit:          f.maxComparables,
	}
	if p.Surface != nil {
		low := *p.Surface * surfaceBandLow
		high := *p.Surface * surfaceBandHigh
		q.SurfaceMin = &low
		q.SurfaceMax = &high
	}
	return q
}

func (f *Finder) validate(p FindParams) (int, error) {
	if p.Point.CommuneCode == "" {
		return 0, invalid("commune_code", "must not be empty")
	}
	if math.IsNaN(p.Point.Latitude) || p.Point.Latitude < -90 || p.Point.Latitude > 90 ||
		math.IsNaN(p.Point.Longitude) || p.Point.Longitude < -180 || p.Point.Longitude > 180 {
		return 0, invalid("point", "coordinates out of range (%f, %f)", p.Point.Latitude, p.Point.Longitude)
	}
	if !p.PropertyType.Valid() {
		return 0, invalid("property_type", "unrecognized value %q", p.PropertyType)
	}
	if p.Surface != nil && (!(*p.Surface > 0) || math.IsInf(*p.Surface, 1)) {
		return 0, invalid("surface", "must be positive, got %v", *p.Surface)
	}
	if p.Rooms != nil && *p.Rooms < 0 {
		return 0, invalid("rooms", "must not be negative, got %d", *p.Rooms)
	}

	minSample := f.minComparables
	if p.MinSampleSize != nil {
		minSample = *p.MinSampleSize
	}
	if minSample < 1 {
		return 0, invalid("min_sample_size", "must be at least 1, got %d", minSample)
	}
	return minSample, nil
}

// monthsBefore steps back whole months, clamping to the last day of the
// target month (2028-02-29 minus 24 months is 2026-02-28), as PostgreSQL
// interval arithmetic does.
func monthsBefore(t time.Time, months int) time.Time {
	first := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location()).AddDate(0, -months, 0)
	lastDay := first.AddDate(0, 1, -1).Day()
	day := t.Day()
	if day > lastDay {
		day = lastDay
	}
	return time.Date(first.Year(), first.Month(), day, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"estimo/server/internal/estimation"
	"estimo/server/internal/models"
)

// PostGISStore reads the DVF warehouse (core and mart schemas) on PostgreSQL.
type PostGISStore struct {
	db *sqlx.DB
}

type comparableRow struct {
	ID           int64           `db:"idmutation"`
	SaleDate     time.Time       `db:"datemut"`
	Price        float64         `db:"valeurfonc"`
	PropertyType string          `db:"type_bien"`
	Surface      float64         `db:"surface_utilisee"`
	Rooms        sql.NullInt64   `db:"nb_pieces"`
	PricePerArea float64         `db:"prix_m2"`
	CommuneCode  string          `db:"codinsee"`
	CommuneName  sql.NullString  `db:"libcommune"`
	Department   string          `db:"coddep"`
	QualityScore int             `db:"quality_score"`
	Latitude     sql.NullFloat64 `db:"latitude"`
	Longitude    sql.NullFloat64 `db:"longitude"`
}

type zoneStatsRecord struct {
	TotalTransactions   int             `db:"total_transactions"`
	Last12mTransactions int             `db:"last_12m_transactions"`
	Median12m           sql.NullFloat64 `db:"median_prix_m2_12m"`
	Stddev12m           sql.NullFloat64 `db:"stddev_prix_m2_12m"`
	Trend12m            sql.NullFloat64 `db:"trend_12m"`
	DataQualityFlag     sql.NullString  `db:"data_quality_flag"`
}

type semesterRecord struct {
	Year         int             `db:"annee"`
	Semester     int             `db:"semestre"`
	Transactions int             `db:"nb_transactions"`
	Median       sql.NullFloat64 `db:"median_prix_m2"`
	Q1           sql.NullFloat64 `db:"q1_prix_m2"`
	Q3           sql.NullFloat64 `db:"q3_prix_m2"`
}

func NewPostGISStore(dsn string, maxConn, maxIdleConn int) (*PostGISStore, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(maxConn)
	db.SetMaxIdleConns(maxIdleConn)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(2 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostGISStore{db: db}, nil
}

func NewPostGISStoreFromDB(db *sqlx.DB) *PostGISStore {
	return &PostGISStore{db: db}
}

func (s *PostGISStore) Close() error {
	return s.db.Close()
}

func (s *PostGISStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const comparableColumns = `
	t.idmutation, t.datemut, t.valeurfonc, t.type_bien,
	t.surface_utilisee, t.nb_pieces, t.prix_m2,
	t.codinsee, t.libcommune, t.coddep, t.quality_score,
	g.latitude, g.longitude`

func (s *PostGISStore) FindComparables(ctx context.Context, q estimation.ComparableQuery) ([]models.Transaction, error) {
	whereClauses := []string{"t.quality_score & 1 = 0"}
	args := []interface{}{}
	argIndex := 1

	whereClauses = append(whereClauses, fmt.Sprintf("t.type_bien = $%d", argIndex))
	args = append(args, q.PropertyType.DVFLabel())
	argIndex++

	whereClauses = append(whereClauses, fmt.Sprintf("t.datemut >= $%d", argIndex))
	args = append(args, q.Since)
	argIndex++

	switch q.Scope {
	case estimation.ScopeRadius:
		whereClauses = append(whereClauses, "g.geom IS NOT NULL")
		whereClauses = append(whereClauses, fmt.Sprintf(
			"ST_DWithin(g.geom::geography, ST_SetSRID(ST_MakePoint($%d, $%d), 4326)::geography, $%d)",
			argIndex, argIndex+1, argIndex+2))
		args = append(args, q.Point.Longitude, q.Point.Latitude, q.RadiusMeters)
		argIndex += 3
	case estimation.ScopeCommune:
		whereClauses = append(whereClauses, fmt.Sprintf("t.codinsee = $%d", argIndex))
		args = append(args, q.CommuneCode)
		argIndex++
	case estimation.ScopeDepartment:
		whereClauses = append(whereClauses, fmt.Sprintf("t.coddep = $%d", argIndex))
		args = append(args, q.DepartmentCode)
		argIndex++
	default:
		return nil, fmt.Errorf("unsupported geo scope: %d", q.Scope)
	}

	if q.SurfaceMin != nil {
		whereClauses = append(whereClauses, fmt.Sprintf("t.surface_utilisee >= $%d", argIndex))
		args = append(args, *q.SurfaceMin)
		argIndex++
	}
	if q.SurfaceMax != nil {
		whereClauses = append(whereClauses, fmt.Sprintf("t.surface_utilisee <= $%d", argIndex))
		args = append(args, *q.SurfaceMax)
		argIndex++
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM core.transactions t
		JOIN core.geo g ON g.idmutation = t.idmutation
		WHERE %s
		ORDER BY t.datemut DESC, t.idmutation ASC
		LIMIT $%d`, comparableColumns, strings.Join(whereClauses, " AND "), argIndex)
	args = append(args, q.Limit)

	var rows []comparableRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query comparables: %w", err)
	}

	result := make([]models.Transaction, len(rows))
	for i, row := range rows {
		result[i] = row.toModel()
	}
	return result, nil
}

func (s *PostGISStore) ZoneStats(ctx context.Context, communeCode string, propertyType models.PropertyType) (*models.ZoneStats, error) {
	query := `
		SELECT total_transactions, last_12m_transactions,
		       median_prix_m2_12m, stddev_prix_m2_12m,
		       trend_12m, data_quality_flag
		FROM mart.zone_stats
		WHERE codinsee = $1 AND type_bien = $2`

	var rec zoneStatsRecord
	err := s.db.GetContext(ctx, &rec, query, communeCode, propertyType.DVFLabel())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query zone stats: %w", err)
	}

	return &models.ZoneStats{
		CommuneCode:           communeCode,
		PropertyType:          propertyType,
		TotalTransactions:     rec.TotalTransactions,
		Last12mTransactions:   rec.Last12mTransactions,
		MedianPricePerArea12m: nullFloat(rec.Median12m),
		StddevPricePerArea12m: nullFloat(rec.Stddev12m),
		Trend12m:              nullFloat(rec.Trend12m),
		DataQualityFlag:       rec.DataQualityFlag.String,
	}, nil
}

func (s *PostGISStore) PriceHistory(ctx context.Context, communeCode, departmentCode string, propertyType models.PropertyType) ([]models.PricePoint, error) {
	communeQuery := `
		SELECT annee, semestre, nb_transactions, median_prix_m2,
		       q1_prix_m2, q3_prix_m2
		FROM mart.prix_m2_commune
		WHERE codinsee = $1 AND type_bien = $2
		ORDER BY annee, semestre`

	points, err := s.semesters(ctx, "commune", communeQuery, communeCode, propertyType)
	if err != nil || len(points) > 0 {
		return points, err
	}

	departmentQuery := `
		SELECT annee, semestre, nb_transactions, median_prix_m2,
		       q1_prix_m2, q3_prix_m2
		FROM mart.prix_m2_departement
		WHERE coddep = $1 AND type_bien = $2
		ORDER BY annee, semestre`

	return s.semesters(ctx, "department", departmentQuery, departmentCode, propertyType)
}

func (s *PostGISStore) semesters(ctx context.Context, scope, query, code string, propertyType models.PropertyType) ([]models.PricePoint, error) {
	var recs []semesterRecord
	if err := s.db.SelectContext(ctx, &recs, query, code, propertyType.DVFLabel()); err != nil {
		return nil, fmt.Errorf("failed to query %s price history: %w", scope, err)
	}

	points := make([]models.PricePoint, len(recs))
	for i, rec := range recs {
		points[i] = models.PricePoint{
			Scope:        scope,
			Year:         rec.Year,
			Semester:     rec.Semester,
			Transactions: rec.Transactions,
			Median:       rec.Median.Float64,
			Q1:           rec.Q1.Float64,
			Q3:           rec.Q3.Float64,
		}
	}
	return points, nil
}

func (r comparableRow) toModel() models.Transaction {
	propertyType, err := models.ParsePropertyType(r.PropertyType)
	if err != nil {
		propertyType = models.PropertyType(r.PropertyType)
	}

	t := models.Transaction{
		ID:             r.ID,
		SaleDate:       r.SaleDate,
		Price:          r.Price,
		PropertyType:   propertyType,
		Surface:        r.Surface,
		PricePerArea:   r.PricePerArea,
		CommuneCode:    r.CommuneCode,
		CommuneName:    r.CommuneName.String,
		DepartmentCode: r.Department,
		QualityFlag:    models.QualityFlag(r.QualityScore),
		Latitude:       nullFloat(r.Latitude),
		Longitude:      nullFloat(r.Longitude),
	}
	if r.Rooms.Valid {
		rooms := int(r.Rooms.Int64)
		t.Rooms = &rooms
	}
	return t
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

package database

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/paulmach/orb/geo"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"estimo/server/internal/estimation"
	"estimo/server/internal/models"
)

const dateLayout = "2006-01-02"

// Database is the local SQLite copy of the DVF transaction store.
type Database struct {
	db     *gorm.DB
	logger *logrus.Logger
}

type transactionRow struct {
	ID             int64   `gorm:"primaryKey"`
	SaleDate       string  `gorm:"type:varchar(10);not null;index:idx_transactions_type_date,priority:2"`
	Price          float64 `gorm:"not null"`
	PropertyType   string  `gorm:"not null;index:idx_transactions_type_date,priority:1"`
	Surface        float64 `gorm:"not null"`
	Rooms          *int
	PricePerArea   float64 `gorm:"not null"`
	CommuneCode    string  `gorm:"not null;index"`
	CommuneName    string
	DepartmentCode string `gorm:"not null;index"`
	QualityFlag    int    `gorm:"not null;default:0"`
	Latitude       *float64
	Longitude      *float64
}

func (transactionRow) TableName() string { return "transactions" }

type zoneStatsRow struct {
	CommuneCode           string `gorm:"primaryKey"`
	PropertyType          string `gorm:"primaryKey"`
	TotalTransactions     int
	Last12mTransactions   int `gorm:"column:last_12m_transactions"`
	MedianPricePerArea12m *float64 `gorm:"column:median_price_per_area_12m"`
	StddevPricePerArea12m *float64 `gorm:"column:stddev_price_per_area_12m"`
	Trend12m              *float64 `gorm:"column:trend_12m"`
	DataQualityFlag       string
}

func (zoneStatsRow) TableName() string { return "zone_stats" }

type priceHistoryRow struct {
	Scope        string `gorm:"primaryKey"`
	Code         string `gorm:"primaryKey"`
	PropertyType string `gorm:"primaryKey"`
	Year         int    `gorm:"primaryKey"`
	Semester     int    `gorm:"primaryKey"`
	Transactions int
	Median       float64
	Q1           float64
	Q3           float64
}

func (priceHistoryRow) TableName() string { return "price_history" }

func NewDatabase(dbPath string, log *logrus.Logger) (*Database, error) {
	if log == nil {
		log = logrus.New()
		log.SetFormatter(&logrus.JSONFormatter{})
		log.SetOutput(os.Stdout)
	}

	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Exec("PRAGMA foreign_keys = ON").Error; err != nil {
		return nil, err
	}

	return &Database{db: db, logger: log}, nil
}

// NewTestDB opens a private in-memory database.
func NewTestDB() (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// Every connection to :memory: is a distinct database.
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

// Wrap builds a Database around an already opened connection.
func Wrap(db *gorm.DB, log *logrus.Logger) *Database {
	if log == nil {
		log = logrus.New()
		log.SetFormatter(&logrus.JSONFormatter{})
		log.SetOutput(os.Stdout)
	}
	return &Database{db: db, logger: log}
}

func (d *Database) GetDB() *gorm.DB {
	return d.db
}

func (d *Database) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (d *Database) Ping(ctx context.Context) error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// FindComparables runs one comparable query. Radius queries are prefiltered
// on a bounding box in SQL and refined on the exact geodesic distance.
func (d *Database) FindComparables(ctx context.Context, q estimation.ComparableQuery) ([]models.Transaction, error) {
	tx := d.db.WithContext(ctx).Model(&transactionRow{}).
		Where("property_type = ?", string(q.PropertyType)).
		Where("quality_flag & ? = 0", int(models.QualityPriceOutlier)).
		Where("sale_date >= ?", q.Since.UTC().Format(dateLayout))

	if q.SurfaceMin != nil {
		tx = tx.Where("surface >= ?", *q.SurfaceMin)
	}
	if q.SurfaceMax != nil {
		tx = tx.Where("surface <= ?", *q.SurfaceMax)
	}

	switch q.Scope {
	case estimation.ScopeRadius:
		bound := geo.NewBoundAroundPoint(q.Point.Point(), q.RadiusMeters)
		tx = tx.Where("latitude BETWEEN ? AND ?", bound.Min.Lat(), bound.Max.Lat()).
			Where("longitude BETWEEN ? AND ?", bound.Min.Lon(), bound.Max.Lon())
	case estimation.ScopeCommune:
		tx = tx.Where("commune_code = ?", q.CommuneCode)
	case estimation.ScopeDepartment:
		tx = tx.Where("department_code = ?", q.DepartmentCode)
	default:
		return nil, fmt.Errorf("unsupported geo scope: %d", q.Scope)
	}

	tx = tx.Order("sale_date DESC").Order("id ASC")
	// Box corners lie outside the circle, so the cap applies after refinement.
	if q.Scope != estimation.ScopeRadius && q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}

	var rows []transactionRow
	if err := tx.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to query comparables: %w", err)
	}

	result := make([]models.Transaction, 0, len(rows))
	for _, row := range rows {
		t, err := row.toModel()
		if err != nil {
			d.logger.WithError(err).WithField("id", row.ID).Warn("Skipping transaction with invalid sale date")
			continue
		}
		if !q.Matches(t) {
			continue
		}
		result = append(result, t)
		if q.Limit > 0 && len(result) == q.Limit {
			break
		}
	}
	return result, nil
}

func (d *Database) ZoneStats(ctx context.Context, communeCode string, propertyType models.PropertyType) (*models.ZoneStats, error) {
	var row zoneStatsRow
	err := d.db.WithContext(ctx).
		Where("commune_code = ? AND property_type = ?", communeCode, string(propertyType)).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query zone stats: %w", err)
	}

	return &models.ZoneStats{
		CommuneCode:           row.CommuneCode,
		PropertyType:          models.PropertyType(row.PropertyType),
		TotalTransactions:     row.TotalTransactions,
		Last12mTransactions:   row.Last12mTransactions,
		MedianPricePerArea12m: row.MedianPricePerArea12m,
		StddevPricePerArea12m: row.StddevPricePerArea12m,
		Trend12m:              row.Trend12m,
		DataQualityFlag:       row.DataQualityFlag,
	}, nil
}

// PriceHistory returns the semester series of the commune, or of the
// department when the commune has none.
func (d *Database) PriceHistory(ctx context.Context, communeCode, departmentCode string, propertyType models.PropertyType) ([]models.PricePoint, error) {
	points, err := d.priceHistory(ctx, "commune", communeCode, propertyType)
	if err != nil || len(points) > 0 {
		return points, err
	}
	return d.priceHistory(ctx, "department", departmentCode, propertyType)
}

func (d *Database) priceHistory(ctx context.Context, scope, code string, propertyType models.PropertyType) ([]models.PricePoint, error) {
	var rows []priceHistoryRow
	err := d.db.WithContext(ctx).
		Where("scope = ? AND code = ? AND property_type = ?", scope, code, string(propertyType)).
		Order("year ASC").Order("semester ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query %s price history: %w", scope, err)
	}

	points := make([]models.PricePoint, len(rows))
	for i, row := range rows {
		points[i] = models.PricePoint{
			Scope:        row.Scope,
			Year:         row.Year,
			Semester:     row.Semester,
			Transactions: row.Transactions,
			Median:       row.Median,
			Q1:           row.Q1,
			Q3:           row.Q3,
		}
	}
	return points, nil
}

// InsertTransactions loads transactions in a single database transaction.
func (d *Database) InsertTransactions(ctx context.Context, transactions []models.Transaction) error {
	if len(transactions) == 0 {
		return nil
	}

	rows := make([]transactionRow, len(transactions))
	for i, t := range transactions {
		rows[i] = newTransactionRow(t)
	}

	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.CreateInBatches(rows, 200).Error
	})
	if err != nil {
		return fmt.Errorf("failed to insert transactions: %w", err)
	}

	d.logger.WithField("count", len(rows)).Info("Inserted transactions")
	return nil
}

func (d *Database) SaveZoneStats(ctx context.Context, stats []models.ZoneStats) error {
	if len(stats) == 0 {
		return nil
	}
	rows := make([]zoneStatsRow, len(stats))
	for i, s := range stats {
		rows[i] = zoneStatsRow{
			CommuneCode:           s.CommuneCode,
			PropertyType:          string(s.PropertyType),
			TotalTransactions:     s.TotalTransactions,
			Last12mTransactions:   s.Last12mTransactions,
			MedianPricePerArea12m: s.MedianPricePerArea12m,
			StddevPricePerArea12m: s.StddevPricePerArea12m,
			Trend12m:              s.Trend12m,
			DataQualityFlag:       s.DataQualityFlag,
		}
	}
	if err := d.db.WithContext(ctx).Save(&rows).Error; err != nil {
		return fmt.Errorf("failed to save zone stats: %w", err)
	}
	return nil
}

// SavePriceHistory stores a semester series for a commune or department code.
func (d *Database) SavePriceHistory(ctx context.Context, code string, propertyType models.PropertyType, points []models.PricePoint) error {
	if len(points) == 0 {
		return nil
	}
	rows := make([]priceHistoryRow, len(points))
	for i, p := range points {
		rows[i] = priceHistoryRow{
			Scope:        p.Scope,
			Code:         code,
			PropertyType: string(propertyType),
			Year:         p.Year,
			Semester:     p.Semester,
			Transactions: p.Transactions,
			Median:       p.Median,
			Q1:           p.Q1,
			Q3:           p.Q3,
		}
	}
	if err := d.db.WithContext(ctx).Save(&rows).Error; err != nil {
		return fmt.Errorf("failed to save price history: %w", err)
	}
	return nil
}

func newTransactionRow(t models.Transaction) transactionRow {
	department := t.DepartmentCode
	if department == "" {
		department = models.DepartmentOf(t.CommuneCode)
	}
	return transactionRow{
		ID:             t.ID,
		SaleDate:       t.SaleDate.UTC().Format(dateLayout),
		Price:          t.Price,
		PropertyType:   string(t.PropertyType),
		Surface:        t.Surface,
		Rooms:          t.Rooms,
		PricePerArea:   t.PricePerArea,
		CommuneCode:    t.CommuneCode,
		CommuneName:    t.CommuneName,
		DepartmentCode: department,
		QualityFlag:    int(t.QualityFlag),
		Latitude:       t.Latitude,
		Longitude:      t.Longitude,
	}
}

func (r transactionRow) toModel() (models.Transaction, error) {
	saleDate, err := time.Parse(dateLayout, r.SaleDate)
	if err != nil {
		return models.Transaction{}, err
	}
	return models.Transaction{
		ID:             r.ID,
		SaleDate:       saleDate,
		Price:          r.Price,
		PropertyType:   models.PropertyType(r.PropertyType),
		Surface:        r.Surface,
		Rooms:          r.Rooms,
		PricePerArea:   r.PricePerArea,
		CommuneCode:    r.CommuneCode,
		CommuneName:    r.CommuneName,
		DepartmentCode: r.DepartmentCode,
		QualityFlag:    models.QualityFlag(r.QualityFlag),
		Latitude:       r.Latitude,
		Longitude:      r.Longitude,
	}, nil
}

package api

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/sirupsen/logrus"

	"estimo/server/internal/estimation"
	"estimo/server/internal/models"
	"estimo/server/internal/processor"
)

const DefaultEstimationTimeout = 15 * time.Second

// Store is the read side of the DVF warehouse the handlers need besides the
// estimator itself.
type Store interface {
	estimation.ZoneStatsSource
	estimation.PriceHistorySource
	Ping(ctx context.Context) error
}

type BatchRunner interface {
	Process(ctx context.Context, requests []estimation.Request) (*processor.Batch, error)
}

type JournalReader interface {
	BatchRecords(ctx context.Context, batchID string) ([]models.EstimationRecord, error)
}

type Handler struct {
	estimator *estimation.Estimator
	store     Store
	batch     BatchRunner
	journal   JournalReader
	timeout   time.Duration
	logger    *logrus.Logger
}

type EstimateRequest struct {
	Address      string  `json:"address" binding:"required"`
	Postcode     string  `json:"postcode"`
	PropertyType string  `json:"property_type"`
	Surface      float64 `json:"surface"`
	Rooms        *int    `json:"rooms"`
}

type PointEstimateRequest struct {
	Latitude     *float64 `json:"latitude" binding:"required"`
	Longitude    *float64 `json:"longitude" binding:"required"`
	CityCode     string   `json:"citycode" binding:"required"`
	Label        string   `json:"label"`
	Postcode     string   `json:"postcode"`
	PropertyType string   `json:"property_type"`
	Surface      float64  `json:"surface"`
	Rooms        *int     `json:"rooms"`
}

type BatchRequest struct {
	Requests []EstimateRequest `json:"requests" binding:"required"`
}

type ComparablesQuery struct {
	Latitude  *float64 `form:"lat" binding:"required"`
	Longitude *float64 `form:"lon" binding:"required"`
	Commune   string   `form:"commune" binding:"required"`
	Type      string   `form:"type" binding:"required"`
	Surface   *float64 `form:"surface"`
	Min       *int     `form:"min"`
}

// NewHandler creates the API handler. batch may be nil, which disables the
// batch endpoint.
func NewHandler(estimator *estimation.Estimator, store Store, batch BatchRunner, timeout time.Duration, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetOutput(os.Stdout)
	}
	if timeout <= 0 {
		timeout = DefaultEstimationTimeout
	}

	return &Handler{
		estimator: estimator,
		store:     store,
		batch:     batch,
		timeout:   timeout,
		logger:    logger,
	}
}

// SetJournal enables GET /api/batches/:id.
func (h *Handler) SetJournal(journal JournalReader) {
	h.journal = journal
}

func (h *Handler) requestContext(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), h.timeout)
}

func (h *Handler) Estimate(c *gin.Context) {
	var req EstimateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	result, err := h.estimator.Estimate(ctx, req.toEstimation())
	if err != nil {
		h.respondError(c, err, "Failed to estimate property")
		return
	}

	c.JSON(http.StatusOK, result)
}

func (h *Handler) EstimatePoint(c *gin.Context) {
	var req PointEstimateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	point, err := models.NewGeoPoint(*req.Latitude, *req.Longitude, req.CityCode)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "field": "point"})
		return
	}

	loc := models.GeocodingResult{
		Label:     req.Label,
		Score:     1,
		Latitude:  point.Latitude,
		Longitude: point.Longitude,
		Postcode:  req.Postcode,
		CityCode:  point.CommuneCode,
	}
	prop := estimation.Property{
		Type:    parsePropertyType(req.PropertyType),
		Surface: req.Surface,
		Rooms:   req.Rooms,
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	result, err := h.estimator.EstimateAt(ctx, loc, prop)
	if err != nil {
		h.respondError(c, err, "Failed to estimate property")
		return
	}

	c.JSON(http.StatusOK, result)
}

func (h *Handler) EstimateBatch(c *gin.Context) {
	if h.batch == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "Batch estimation is disabled"})
		return
	}

	var req BatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	requests := make([]estimation.Request, len(req.Requests))
	for i, r := range req.Requests {
		requests[i] = r.toEstimation()
	}

	// One estimation timeout per item.
	timeout := h.timeout * time.Duration(max(len(requests), 1))
	ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
	defer cancel()

	batch, err := h.batch.Process(ctx, requests)
	if err != nil {
		h.respondError(c, err, "Failed to process batch")
		return
	}

	failed := 0
	for _, item := range batch.Items {
		if item.Error != "" {
			failed++
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"batch_id":  batch.ID,
		"items":     batch.Items,
		"total":     len(batch.Items),
		"failed":    failed,
		"succeeded": len(batch.Items) - failed,
	})
}

func (h *Handler) GetBatch(c *gin.Context) {
	if h.journal == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Batch journal is disabled"})
		return
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	batchID := c.Param("id")
	records, err := h.journal.BatchRecords(ctx, batchID)
	if err != nil {
		h.logger.WithError(err).WithField("batch_id", batchID).Error("Failed to get batch records")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get batch"})
		return
	}
	if len(records) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "Batch not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"batch_id": batchID, "records": records})
}

// GetComparables exports the comparable set as a GeoJSON FeatureCollection.
// Transactions without coordinates are counted but not drawn.
func (h *Handler) GetComparables(c *gin.Context) {
	var query ComparablesQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	point, err := models.NewGeoPoint(*query.Latitude, *query.Longitude, query.Commune)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "field": "point"})
		return
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	set, err := h.estimator.Finder().Find(ctx, estimation.FindParams{
		Point:         point,
		PropertyType:  parsePropertyType(query.Type),
		Surface:       query.Surface,
		MinSampleSize: query.Min,
	})
	if err != nil {
		h.respondError(c, err, "Failed to find comparables")
		return
	}

	fc := geojson.NewFeatureCollection()
	for _, tx := range set.Transactions() {
		if !tx.HasCoordinates() {
			continue
		}
		f := geojson.NewFeature(orb.Point{*tx.Longitude, *tx.Latitude})
		f.ID = tx.ID
		f.Properties["sale_date"] = tx.SaleDate.Format("2006-01-02")
		f.Properties["price"] = tx.Price
		f.Properties["surface"] = tx.Surface
		f.Properties["price_per_area"] = tx.PricePerArea
		f.Properties["commune_code"] = tx.CommuneCode
		if tx.Rooms != nil {
			f.Properties["rooms"] = *tx.Rooms
		}
		fc.Append(f)
	}
	fc.ExtraMembers = geojson.Properties{
		"level":             set.Level(),
		"level_description": set.LevelDescription(),
		"insufficient":      set.Insufficient(),
		"count":             set.Len(),
	}

	c.JSON(http.StatusOK, fc)
}

func (h *Handler) GetZoneStats(c *gin.Context) {
	communeCode := c.Param("commune")
	propertyType, err := models.ParsePropertyType(c.Param("type"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "field": "property_type"})
		return
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	stats, err := h.store.ZoneStats(ctx, communeCode, propertyType)
	if err != nil {
		h.logger.WithError(err).WithField("commune", communeCode).Error("Failed to get zone stats")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Failed to get zone statistics"})
		return
	}
	if stats == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "No zone statistics for " + communeCode})
		return
	}

	c.JSON(http.StatusOK, stats)
}

func (h *Handler) GetPriceHistory(c *gin.Context) {
	communeCode := c.Param("commune")
	propertyType, err := models.ParsePropertyType(c.Param("type"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "field": "property_type"})
		return
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	departmentCode := models.DepartmentOf(communeCode)
	points, err := h.store.PriceHistory(ctx, communeCode, departmentCode, propertyType)
	if err != nil {
		h.logger.WithError(err).WithField("commune", communeCode).Error("Failed to get price history")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Failed to get price history"})
		return
	}
	if points == nil {
		points = []models.PricePoint{}
	}

	c.JSON(http.StatusOK, gin.H{
		"commune_code":    communeCode,
		"department_code": departmentCode,
		"property_type":   propertyType,
		"points":          points,
	})
}

func (h *Handler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		h.logger.WithError(err).Warn("Health check failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) respondError(c *gin.Context, err error, message string) {
	var verr *estimation.ValidationError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{"error": verr.Error(), "field": verr.Field})
	case errors.Is(err, estimation.ErrAddressNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Address not found"})
	case errors.Is(err, processor.ErrBatchTooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
	case errors.Is(err, estimation.ErrGeocodingUnavailable),
		errors.Is(err, estimation.ErrEstimationUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		h.logger.WithError(err).Error(message)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": message})
	default:
		h.logger.WithError(err).Error(message)
		c.JSON(http.StatusInternalServerError, gin.H{"error": message})
	}
}

func (r EstimateRequest) toEstimation() estimation.Request {
	return estimation.Request{
		Address:  strings.TrimSpace(r.Address),
		Postcode: strings.TrimSpace(r.Postcode),
		Property: estimation.Property{
			Type:    parsePropertyType(r.PropertyType),
			Surface: r.Surface,
			Rooms:   r.Rooms,
		},
	}
}

// parsePropertyType keeps unknown values as-is so the estimator reports them
// as a validation error on property_type.
func parsePropertyType(raw string) models.PropertyType {
	if t, err := models.ParsePropertyType(raw); err == nil {
		return t
	}
	return models.PropertyType(raw)
}

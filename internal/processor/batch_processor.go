package processor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"estimo/server/config"
	"estimo/server/internal/database"
	"estimo/server/internal/estimation"
	"estimo/server/internal/metrics"
	"estimo/server/internal/models"
	"estimo/server/internal/queue"
)

var ErrBatchTooLarge = errors.New("batch too large")

type Estimator interface {
	Estimate(ctx context.Context, req estimation.Request) (*models.EstimationResult, error)
}

// DB is the part of *gorm.DB the journal writer needs.
type DB interface {
	Transaction(fc func(*gorm.DB) error, opts ...*sql.TxOptions) error
}

type BatchItem struct {
	Index    int                      `json:"index"`
	Address  string                   `json:"address"`
	Result   *models.EstimationResult `json:"result,omitempty"`
	Error    string                   `json:"error,omitempty"`
	Attempts int                      `json:"attempts"`

	err error
}

// Err returns the estimation error of the item, if any.
func (i BatchItem) Err() error {
	return i.err
}

type Batch struct {
	ID    string      `json:"batch_id"`
	Items []BatchItem `json:"items"`
}

// BatchProcessor estimates independent requests on a fixed worker pool and
// journals the outcomes in the background.
type BatchProcessor struct {
	estimator Estimator
	db        DB
	logger    *logrus.Logger
	config    *config.Config
	queue     *queue.RecordQueue
	startOnce sync.Once
}

// NewBatchProcessor creates a processor. db and queue may both be nil to
// disable the journal.
func NewBatchProcessor(estimator Estimator, db DB, queue *queue.RecordQueue, config *config.Config, logger *logrus.Logger) *BatchProcessor {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetOutput(os.Stdout)
	}
	return &BatchProcessor{
		estimator: estimator,
		db:        db,
		queue:     queue,
		config:    config,
		logger:    logger,
	}
}

// Start subscribes the journal writer to the queue.
func (p *BatchProcessor) Start() {
	if p.queue == nil || p.db == nil {
		return
	}
	p.startOnce.Do(func() {
		p.queue.Subscribe(p.processRecords)
		p.queue.Start()
	})
}

// Stop flushes pending journal writes.
func (p *BatchProcessor) Stop() {
	if p.queue != nil {
		p.queue.Close()
	}
}

func (p *BatchProcessor) MaxBatchSize() int {
	return p.config.BatchProcessing.MaxBatchSize
}

// Process estimates every request and returns the items in input order.
// Per-item failures are reported on the item; only an oversized batch fails
// the whole call.
func (p *BatchProcessor) Process(ctx context.Context, requests []estimation.Request) (*Batch, error) {
	if len(requests) > p.config.BatchProcessing.MaxBatchSize {
		return nil, fmt.Errorf("%w: %d requests, maximum is %d",
			ErrBatchTooLarge, len(requests), p.config.BatchProcessing.MaxBatchSize)
	}

	batch := &Batch{
		ID:    uuid.NewString(),
		Items: make([]BatchItem, len(requests)),
	}
	if len(requests) == 0 {
		return batch, nil
	}

	workers := p.config.BatchProcessing.ProcessorCount
	if workers < 1 {
		workers = 1
	}
	if workers > len(requests) {
		workers = len(requests)
	}

	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				batch.Items[i] = p.estimate(ctx, i, requests[i])
			}
		}()
	}
	for i := range requests {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	failed := 0
	for _, item := range batch.Items {
		if item.err != nil {
			failed++
			metrics.BatchItemsTotal.WithLabelValues("failed").Inc()
		} else {
			metrics.BatchItemsTotal.WithLabelValues("estimated").Inc()
		}
	}

	p.logger.WithFields(logrus.Fields{
		"batch_id": batch.ID,
		"items":    len(batch.Items),
		"failed":   failed,
		"workers":  workers,
	}).Info("Batch estimation completed")

	p.journal(batch, requests)
	return batch, nil
}

// estimate retries an item while the comparable store is unavailable.
func (p *BatchProcessor) estimate(ctx context.Context, index int, req estimation.Request) BatchItem {
	item := BatchItem{Index: index, Address: req.Address}

	var err error
	for attempt := 0; attempt <= p.config.BatchProcessing.MaxRetries; attempt++ {
		if attempt > 0 {
			p.logger.Infof("Retrying estimation of item %d, attempt %d of %d", index, attempt, p.config.BatchProcessing.MaxRetries)
			if serr := sleepContext(ctx, time.Duration(p.config.BatchProcessing.RetryDelay)*time.Second); serr != nil {
				err = serr
				break
			}
		}

		item.Attempts++
		var result *models.EstimationResult
		result, err = p.estimator.Estimate(ctx, req)
		if err == nil {
			item.Result = result
			return item
		}
		if !errors.Is(err, estimation.ErrEstimationUnavailable) {
			break
		}
	}

	p.logger.WithError(err).WithFields(logrus.Fields{
		"index":   index,
		"address": req.Address,
	}).Warn("Batch item failed")
	item.err = err
	item.Error = err.Error()
	return item
}

func (p *BatchProcessor) journal(batch *Batch, requests []estimation.Request) {
	if p.queue == nil || p.db == nil {
		return
	}

	records := make([]*models.EstimationRecord, len(batch.Items))
	for i, item := range batch.Items {
		req := requests[i]
		records[i] = models.NewEstimationRecord(batch.ID, i, req.Address, req.Postcode,
			req.Type, req.Surface, item.Result, item.Attempts, item.err)
	}

	if err := p.queue.Push(records); err != nil {
		p.logger.WithError(err).WithField("batch_id", batch.ID).Warn("Batch not journaled")
	}
}

// processRecords writes one batch of records with transaction and retry logic.
func (p *BatchProcessor) processRecords(records []*models.EstimationRecord) error {
	var err error
	for attempt := 0; attempt <= p.config.BatchProcessing.MaxRetries; attempt++ {
		if attempt > 0 {
			p.logger.Infof("Retrying journal write, attempt %d of %d", attempt, p.config.BatchProcessing.MaxRetries)
			time.Sleep(time.Duration(p.config.BatchProcessing.RetryDelay) * time.Second)
		}

		err = p.db.Transaction(func(tx *gorm.DB) error {
			return database.SaveEstimations(tx, records)
		})

		if err == nil {
			p.logger.Infof("Journaled %d estimation records", len(records))
			return nil
		}

		p.logger.Errorf("Journal write failed: %v", err)
	}

	return fmt.Errorf("failed to journal records after %d attempts: %w", p.config.BatchProcessing.MaxRetries+1, err)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

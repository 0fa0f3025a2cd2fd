package processor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"estimo/server/config"
	"estimo/server/internal/estimation"
	"estimo/server/internal/models"
	"estimo/server/internal/queue"
)

// MockDB is a mock implementation of *gorm.DB
type MockDB struct {
	mock.Mock
}

func (m *MockDB) Transaction(fc func(*gorm.DB) error, opts ...*sql.TxOptions) error {
	args := m.Called(fc)
	return args.Error(0)
}

type MockEstimator struct {
	mock.Mock
}

func (m *MockEstimator) Estimate(ctx context.Context, req estimation.Request) (*models.EstimationResult, error) {
	args := m.Called(ctx, req)
	res, _ := args.Get(0).(*models.EstimationResult)
	return res, args.Error(1)
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.BatchProcessing.MaxBatchSize = 10
	cfg.BatchProcessing.ProcessorCount = 3
	cfg.BatchProcessing.MaxRetries = 2
	cfg.BatchProcessing.RetryDelay = 0
	return cfg
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func request(address string) estimation.Request {
	return estimation.Request{
		Address:  address,
		Property: estimation.Property{Type: models.PropertyTypeApartment, Surface: 60},
	}
}

func resultFor(total float64) *models.EstimationResult {
	return &models.EstimationResult{
		Location:        models.GeocodingResult{CityCode: "75101"},
		PricePerArea:    total / 60,
		TotalPrice:      total,
		ComparableCount: 50,
		Confidence:      models.Confidence{Level: models.ConfidenceHigh, SearchLevel: 1},
	}
}

func TestNewBatchProcessor(t *testing.T) {
	mockDB := &MockDB{}
	recordQueue := queue.NewRecordQueue(10, testLogger())
	estimator := &MockEstimator{}
	cfg := testConfig()
	logger := testLogger()

	processor := NewBatchProcessor(estimator, mockDB, recordQueue, cfg, logger)

	assert.NotNil(t, processor)
	assert.Equal(t, mockDB, processor.db)
	assert.Equal(t, recordQueue, processor.queue)
	assert.Equal(t, cfg, processor.config)
	assert.Equal(t, logger, processor.logger)
	assert.Equal(t, 10, processor.MaxBatchSize())
}

func TestBatchProcessor_PreservesOrder(t *testing.T) {
	estimator := &MockEstimator{}
	requests := make([]estimation.Request, 8)
	for i := range requests {
		requests[i] = request(fmt.Sprintf("%d rue de Rivoli", i+1))
		estimator.On("Estimate", mock.Anything, requests[i]).Return(resultFor(float64(100000*(i+1))), nil)
	}

	processor := NewBatchProcessor(estimator, nil, nil, testConfig(), testLogger())
	batch, err := processor.Process(context.Background(), requests)
	require.NoError(t, err)

	assert.NotEmpty(t, batch.ID)
	require.Len(t, batch.Items, 8)
	for i, item := range batch.Items {
		assert.Equal(t, i, item.Index)
		assert.Equal(t, requests[i].Address, item.Address)
		require.NotNil(t, item.Result)
		assert.Equal(t, float64(100000*(i+1)), item.Result.TotalPrice)
		assert.Empty(t, item.Error)
		assert.Equal(t, 1, item.Attempts)
	}
	estimator.AssertExpectations(t)
}

func TestBatchProcessor_TooLarge(t *testing.T) {
	estimator := &MockEstimator{}
	processor := NewBatchProcessor(estimator, nil, nil, testConfig(), testLogger())

	requests := make([]estimation.Request, 11)
	batch, err := processor.Process(context.Background(), requests)
	assert.Nil(t, batch)
	assert.ErrorIs(t, err, ErrBatchTooLarge)
	estimator.AssertNotCalled(t, "Estimate", mock.Anything, mock.Anything)
}

func TestBatchProcessor_EmptyBatch(t *testing.T) {
	processor := NewBatchProcessor(&MockEstimator{}, nil, nil, testConfig(), testLogger())

	batch, err := processor.Process(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, batch.Items)
}

func TestBatchProcessor_RetriesUnavailableStore(t *testing.T) {
	estimator := &MockEstimator{}
	req := request("10 rue de Rivoli")
	unavailable := fmt.Errorf("%w: level 1 query: connection reset", estimation.ErrEstimationUnavailable)
	estimator.On("Estimate", mock.Anything, req).Return(nil, unavailable).Twice()
	estimator.On("Estimate", mock.Anything, req).Return(resultFor(270000), nil).Once()

	processor := NewBatchProcessor(estimator, nil, nil, testConfig(), testLogger())
	batch, err := processor.Process(context.Background(), []estimation.Request{req})
	require.NoError(t, err)

	item := batch.Items[0]
	assert.NoError(t, item.Err())
	assert.Equal(t, 3, item.Attempts)
	assert.Equal(t, 270000.0, item.Result.TotalPrice)
	estimator.AssertExpectations(t)
}

func TestBatchProcessor_GivesUpAfterMaxRetries(t *testing.T) {
	estimator := &MockEstimator{}
	req := request("10 rue de Rivoli")
	estimator.On("Estimate", mock.Anything, req).Return(nil, estimation.ErrEstimationUnavailable)

	processor := NewBatchProcessor(estimator, nil, nil, testConfig(), testLogger())
	batch, err := processor.Process(context.Background(), []estimation.Request{req})
	require.NoError(t, err)

	item := batch.Items[0]
	assert.ErrorIs(t, item.Err(), estimation.ErrEstimationUnavailable)
	assert.Equal(t, 3, item.Attempts)
	assert.Nil(t, item.Result)
	estimator.AssertNumberOfCalls(t, "Estimate", 3)
}

func TestBatchProcessor_DoesNotRetryOtherFailures(t *testing.T) {
	estimator := &MockEstimator{}
	ok := request("10 rue de Rivoli")
	unknown := request("nowhere")
	invalid := request("1 rue B")
	invalid.Surface = -1

	estimator.On("Estimate", mock.Anything, ok).Return(resultFor(270000), nil)
	estimator.On("Estimate", mock.Anything, unknown).Return(nil, estimation.ErrAddressNotFound)
	estimator.On("Estimate", mock.Anything, invalid).Return(nil, &estimation.ValidationError{Field: "surface", Reason: "must be positive"})

	processor := NewBatchProcessor(estimator, nil, nil, testConfig(), testLogger())
	batch, err := processor.Process(context.Background(), []estimation.Request{ok, unknown, invalid})
	require.NoError(t, err)

	assert.NoError(t, batch.Items[0].Err())
	assert.ErrorIs(t, batch.Items[1].Err(), estimation.ErrAddressNotFound)
	assert.Equal(t, "address not found", batch.Items[1].Error)
	assert.Equal(t, 1, batch.Items[1].Attempts)
	assert.ErrorIs(t, batch.Items[2].Err(), estimation.ErrInvalidInput)
	assert.Equal(t, 1, batch.Items[2].Attempts)
}

func TestBatchProcessor_BoundedConcurrency(t *testing.T) {
	var inFlight, peak int32
	estimator := &MockEstimator{}
	estimator.On("Estimate", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
	}).Return(resultFor(200000), nil)

	requests := make([]estimation.Request, 10)
	for i := range requests {
		requests[i] = request(fmt.Sprintf("%d rue A", i))
	}

	processor := NewBatchProcessor(estimator, nil, nil, testConfig(), testLogger())
	_, err := processor.Process(context.Background(), requests)
	require.NoError(t, err)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(3))
}

func TestBatchProcessor_ProcessRecords(t *testing.T) {
	mockDB := &MockDB{}
	cfg := testConfig()
	processor := NewBatchProcessor(&MockEstimator{}, mockDB, queue.NewRecordQueue(10, testLogger()), cfg, testLogger())

	records := []*models.EstimationRecord{
		{BatchID: "b-1", Position: 0, Address: "Test Address 1"},
		{BatchID: "b-1", Position: 1, Address: "Test Address 2"},
	}

	mockDB.On("Transaction", mock.Anything).Return(nil).Once()
	err := processor.processRecords(records)
	assert.NoError(t, err)

	mockDB.On("Transaction", mock.Anything).Return(errors.New("db error")).Times(3)
	err = processor.processRecords(records)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to journal records after 3 attempts")
	mockDB.AssertExpectations(t)
}

func TestBatchProcessor_StartStop(t *testing.T) {
	mockDB := &MockDB{}
	recordQueue := queue.NewRecordQueue(10, testLogger())
	processor := NewBatchProcessor(&MockEstimator{}, mockDB, recordQueue, testConfig(), testLogger())

	processor.Start()
	processor.Start()
	processor.Stop()

	assert.True(t, recordQueue.IsClosed())
}

package queue

import (
	"errors"
	"os"
	"sync"

	"github.com/sirupsen/logrus"

	"estimo/server/internal/models"
)

var (
	ErrQueueFull   = errors.New("queue is full")
	ErrQueueClosed = errors.New("queue is closed")
)

// Handler processes one pushed batch of records.
type Handler func([]*models.EstimationRecord) error

// RecordQueue buffers estimation records on their way to the journal.
type RecordQueue struct {
	items    chan []*models.EstimationRecord
	done     chan struct{}
	stopped  chan struct{}
	maxSize  int
	closed   bool
	started  bool
	mu       sync.RWMutex
	logger   *logrus.Logger
	handlers []Handler
}

// NewRecordQueue creates a queue holding at most bufferSize pending batches.
func NewRecordQueue(bufferSize int, logger *logrus.Logger) *RecordQueue {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetOutput(os.Stdout)
	}
	if bufferSize < 1 {
		bufferSize = 1
	}
	return &RecordQueue{
		items:    make(chan []*models.EstimationRecord, bufferSize),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
		maxSize:  bufferSize,
		logger:   logger,
		handlers: make([]Handler, 0),
	}
}

// Push enqueues a batch of records without blocking.
func (q *RecordQueue) Push(records []*models.EstimationRecord) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}

	select {
	case q.items <- records:
		q.logger.WithField("batch_size", len(records)).Debug("Pushed records to queue")
		return nil
	default:
		return ErrQueueFull
	}
}

// Subscribe registers a handler called for every batch.
func (q *RecordQueue) Subscribe(handler Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers = append(q.handlers, handler)
}

// Start launches the processing goroutine. Later calls are no-ops.
func (q *RecordQueue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.closed {
		return
	}
	q.started = true
	go q.process()
}

// process dispatches batches until Close, then drains the buffer.
func (q *RecordQueue) process() {
	defer close(q.stopped)
	for {
		select {
		case <-q.done:
			q.drain()
			return
		case batch := <-q.items:
			q.dispatch(batch)
		}
	}
}

// drain flushes what was pushed before Close.
func (q *RecordQueue) drain() {
	for {
		select {
		case batch := <-q.items:
			q.dispatch(batch)
		default:
			return
		}
	}
}

// dispatch hands a batch to every handler; handler errors are logged.
func (q *RecordQueue) dispatch(batch []*models.EstimationRecord) {
	q.mu.RLock()
	handlers := q.handlers
	q.mu.RUnlock()

	for _, handler := range handlers {
		if err := handler(batch); err != nil {
			q.logger.WithError(err).Error("Handler failed to process records")
		}
	}
}

// Close stops accepting records and waits for the pending ones to be handled.
func (q *RecordQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	started := q.started
	close(q.done)
	q.mu.Unlock()

	if started {
		<-q.stopped
	}
	return nil
}

// Len returns the number of pending batches.
func (q *RecordQueue) Len() int {
	return len(q.items)
}

// IsClosed reports whether Close has been called.
func (q *RecordQueue) IsClosed() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.closed
}

// Package persistence journals gate decisions and offset alerts to SQLite
// through a batching writer so the decision path never waits on disk.
package persistence

import (
	"database/sql"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// WriteOp represents a database write operation.
type WriteOp struct {
	Table string
	Query string
	Args  []any
}

// BatchWriter batches database writes into one transaction per flush.
type BatchWriter struct {
	db          *sql.DB
	buffer      []WriteOp
	mu          sync.Mutex
	flushMu     sync.Mutex
	maxSize     int
	flushIntval time.Duration
	done        chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup
	log         zerolog.Logger

	totalWrites  atomic.Uint64
	totalBatches atomic.Uint64
	totalErrors  atomic.Uint64
	lastSize     atomic.Int64
	lastFlush    atomic.Int64
}

// BatchWriterMetrics provides statistics about batch operations.
type BatchWriterMetrics struct {
	TotalWrites   uint64    `json:"total_writes"`
	TotalBatches  uint64    `json:"total_batches"`
	TotalErrors   uint64    `json:"total_errors"`
	LastBatchSize int       `json:"last_batch_size"`
	LastFlushTime time.Time `json:"last_flush_time"`
	Pending       int       `json:"pending"`
}

// NewBatchWriter creates a batch writer.
// maxSize: max operations before auto-flush
// interval: time-based flush interval
func NewBatchWriter(db *sql.DB, maxSize int, interval time.Duration, log zerolog.Logger) *BatchWriter {
	if maxSize <= 0 {
		maxSize = 50
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}

	bw := &BatchWriter{
		db:          db,
		buffer:      make([]WriteOp, 0, maxSize),
		maxSize:     maxSize,
		flushIntval: interval,
		done:        make(chan struct{}),
		log:         log.With().Str("component", "batch_writer").Logger(),
	}

	bw.wg.Add(1)
	go bw.backgroundFlush()

	return bw
}

// Write adds a write operation to the batch.
func (bw *BatchWriter) Write(op WriteOp) {
	bw.mu.Lock()
	bw.buffer = append(bw.buffer, op)
	shouldFlush := len(bw.buffer) >= bw.maxSize
	bw.mu.Unlock()

	if shouldFlush {
		_ = bw.Flush()
	}
}

// WriteQuery is a convenience method for simple queries.
func (bw *BatchWriter) WriteQuery(query string, args ...any) {
	bw.Write(WriteOp{Query: query, Args: args})
}

// Flush immediately writes all buffered operations to the database.
func (bw *BatchWriter) Flush() error {
	bw.flushMu.Lock()
	defer bw.flushMu.Unlock()

	bw.mu.Lock()
	if len(bw.buffer) == 0 {
		bw.mu.Unlock()
		return nil
	}
	ops := bw.buffer
	bw.buffer = make([]WriteOp, 0, bw.maxSize)
	bw.mu.Unlock()

	return bw.executeBatch(ops)
}

// executeBatch runs a batch of operations in a transaction. A failed batch is
// dropped, not retried.
func (bw *BatchWriter) executeBatch(ops []WriteOp) error {
	bw.totalWrites.Add(uint64(len(ops)))
	bw.totalBatches.Add(1)
	bw.lastSize.Store(int64(len(ops)))
	bw.lastFlush.Store(time.Now().UnixNano())

	tx, err := bw.db.Begin()
	if err != nil {
		bw.totalErrors.Add(1)
		bw.log.Error().Err(err).Msg("begin transaction failed")
		return err
	}

	for _, op := range ops {
		if _, err := tx.Exec(op.Query, op.Args...); err != nil {
			_ = tx.Rollback()
			bw.totalErrors.Add(1)
			bw.log.Error().Err(err).Str("table", op.Table).Int("dropped", len(ops)).Msg("query failed, rolled back")
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		bw.totalErrors.Add(1)
		bw.log.Error().Err(err).Msg("commit failed")
		return err
	}

	bw.log.Debug().Int("ops", len(ops)).Msg("flushed")
	return nil
}

func (bw *BatchWriter) backgroundFlush() {
	defer bw.wg.Done()
	ticker := time.NewTicker(bw.flushIntval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := bw.Flush(); err != nil {
				bw.log.Warn().Err(err).Msg("background flush error")
			}
		case <-bw.done:
			if err := bw.Flush(); err != nil {
				bw.log.Warn().Err(err).Msg("final flush error")
			}
			return
		}
	}
}

// Pending returns the number of pending operations.
func (bw *BatchWriter) Pending() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.buffer)
}

// GetMetrics returns the current metrics for the batch writer.
func (bw *BatchWriter) GetMetrics() BatchWriterMetrics {
	m := BatchWriterMetrics{
		TotalWrites:   bw.totalWrites.Load(),
		TotalBatches:  bw.totalBatches.Load(),
		TotalErrors:   bw.totalErrors.Load(),
		LastBatchSize: int(bw.lastSize.Load()),
		Pending:       bw.Pending(),
	}
	if ns := bw.lastFlush.Load(); ns > 0 {
		m.LastFlushTime = time.Unix(0, ns)
	}
	return m
}

// Close flushes what is buffered and stops the background loop. Safe to call
// more than once.
func (bw *BatchWriter) Close() error {
	bw.closeOnce.Do(func() { close(bw.done) })
	bw.wg.Wait()
	return nil
}

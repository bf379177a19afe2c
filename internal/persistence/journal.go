package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"venue-guard/internal/events"
	"venue-guard/pkg/db"
)

// Journal records gate decisions and offset alerts published on the bus.
type Journal struct {
	db     *db.Database
	writer *BatchWriter
	bus    *events.Bus
	log    zerolog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	newID   func() string
}

// NewJournal applies migrations and starts the batch writer.
func NewJournal(database *db.Database, bus *events.Bus, batchSize int, interval time.Duration, log zerolog.Logger) (*Journal, error) {
	if err := db.ApplyMigrations(database); err != nil {
		return nil, err
	}
	log = log.With().Str("component", "journal").Logger()
	return &Journal{
		db:     database,
		writer: NewBatchWriter(database.DB, batchSize, interval, log),
		bus:    bus,
		log:    log,
		newID:  uuid.NewString,
	}, nil
}

// Start subscribes to the bus. Calling it twice is a no-op.
func (j *Journal) Start(ctx context.Context) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.started || j.bus == nil {
		return
	}
	j.started = true

	ctx, j.cancel = context.WithCancel(ctx)
	decisions, unsubDecisions := j.bus.Subscribe(events.EventGateDecision, 256)
	alerts, unsubAlerts := j.bus.Subscribe(events.EventOffsetAlert, 64)

	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		defer unsubDecisions()
		defer unsubAlerts()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-decisions:
				if !ok {
					return
				}
				if d, ok := msg.(events.GateDecision); ok {
					j.RecordDecision(d)
				}
			case msg, ok := <-alerts:
				if !ok {
					return
				}
				if a, ok := msg.(events.OffsetAlert); ok {
					j.RecordAlert(a)
				}
			}
		}
	}()
	j.log.Info().Msg("journal started")
}

// RecordDecision queues a decision and returns its id.
func (j *Journal) RecordDecision(d events.GateDecision) string {
	rec := db.GateDecisionRecord{
		ID:           j.newID(),
		Symbol:       d.Symbol,
		Side:         d.Side,
		Entry:        d.Entry,
		Confidence:   d.Confidence,
		Approved:     d.Approved,
		Stage:        d.Stage,
		Reason:       d.Reason,
		ChecksPassed: d.ChecksPassed,
		ChecksFailed: d.ChecksFailed,
		Warnings:     d.Warnings,
		EvaluatedAt:  d.EvaluatedAt,
	}
	q, args := db.GateDecisionInsert(rec)
	j.writer.Write(WriteOp{Table: "gate_decisions", Query: q, Args: args})
	return rec.ID
}

// RecordAlert queues an offset alert and returns its id.
func (j *Journal) RecordAlert(a events.OffsetAlert) string {
	rec := db.OffsetAlertRecord{
		ID:        j.newID(),
		Symbol:    a.Symbol,
		Offset:    a.Offset,
		Threshold: a.Threshold,
		At:        a.At,
	}
	q, args := db.OffsetAlertInsert(rec)
	j.writer.Write(WriteOp{Table: "offset_alerts", Query: q, Args: args})
	return rec.ID
}

// Recent flushes pending writes and returns up to n decisions, newest first.
func (j *Journal) Recent(ctx context.Context, symbol string, n int) ([]db.GateDecisionRecord, error) {
	if err := j.writer.Flush(); err != nil {
		j.log.Warn().Err(err).Msg("flush before read failed")
	}
	return j.db.RecentGateDecisions(ctx, symbol, n)
}

// RecentAlerts flushes pending writes and returns up to n offset alerts.
func (j *Journal) RecentAlerts(ctx context.Context, n int) ([]db.OffsetAlertRecord, error) {
	if err := j.writer.Flush(); err != nil {
		j.log.Warn().Err(err).Msg("flush before read failed")
	}
	return j.db.RecentOffsetAlerts(ctx, n)
}

// Metrics exposes the writer counters.
func (j *Journal) Metrics() BatchWriterMetrics {
	return j.writer.GetMetrics()
}

// Close stops the subscriber and flushes the writer. The database handle is
// left open for the caller.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.cancel != nil {
		j.cancel()
	}
	j.mu.Unlock()
	j.wg.Wait()
	return j.writer.Close()
}

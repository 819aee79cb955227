// Package audit provides the asynchronous audit trail with buffered
// COPY-based writes. Console handlers record entries without waiting on
// the database; a background loop flushes batches.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/loupe-ai/loupe/internal/model"
	"github.com/loupe-ai/loupe/internal/telemetry"
)

// inserter is the storage surface the buffer needs. *storage.DB satisfies it.
type inserter interface {
	InsertAuditEntries(ctx context.Context, entries []model.AuditEntry) (int64, error)
}

// maxBufferCapacity is the hard upper limit on buffered entries to prevent
// OOM. At the limit, Record drops the entry and counts it; the audit trail
// is advisory and must never block console requests.
const maxBufferCapacity = 50_000

// Buffer accumulates audit entries in memory and flushes to the database
// using COPY when either the batch size or the flush timeout is reached.
type Buffer struct {
	db           inserter
	logger       *slog.Logger
	maxSize      int
	flushTimeout time.Duration

	mu      sync.Mutex
	entries []model.AuditEntry

	dropped atomic.Int64
	started atomic.Bool

	flushCh    chan struct{}
	done       chan struct{}
	cancelLoop context.CancelFunc
	drainCtx   context.Context // set by Drain so the final flush respects the caller's deadline
}

// NewBuffer creates a new audit buffer.
func NewBuffer(db inserter, logger *slog.Logger, maxSize int, flushTimeout time.Duration) *Buffer {
	return &Buffer{
		db:           db,
		logger:       logger,
		maxSize:      maxSize,
		flushTimeout: flushTimeout,
		flushCh:      make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

// Start begins the background flush loop and registers OTEL metrics. Call
// Drain to stop. A second Start is a no-op.
func (b *Buffer) Start(ctx context.Context) {
	if !b.started.CompareAndSwap(false, true) {
		b.logger.Warn("audit: buffer already started")
		return
	}
	b.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	b.cancelLoop = cancel
	go b.flushLoop(loopCtx)
}

// Record queues one entry for the next flush. It never blocks; at capacity
// the entry is dropped and counted.
func (b *Buffer) Record(entry model.AuditEntry) {
	b.mu.Lock()
	if len(b.entries) >= maxBufferCapacity {
		b.mu.Unlock()
		b.dropped.Add(1)
		b.logger.Error("audit: dropping entry, buffer at capacity", "action", string(entry.Action))
		return
	}
	b.entries = append(b.entries, entry)
	full := len(b.entries) >= b.maxSize
	b.mu.Unlock()

	if full {
		select {
		case b.flushCh <- struct{}{}:
		default:
		}
	}
}

func (b *Buffer) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(b.flushTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final flush needs a live context because ctx is already done.
			if b.drainCtx != nil {
				b.flush(b.drainCtx)
			} else {
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				b.flush(fallbackCtx)
				cancel()
			}
			close(b.done)
			return
		case <-ticker.C:
			b.flush(ctx)
		case <-b.flushCh:
			b.flush(ctx)
		}
	}
}

func (b *Buffer) flush(ctx context.Context) {
	b.mu.Lock()
	if len(b.entries) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.entries
	b.entries = nil
	b.mu.Unlock()

	start := time.Now()
	count, err := b.db.InsertAuditEntries(ctx, batch)
	duration := time.Since(start)

	if err != nil {
		b.logger.Error("audit: flush failed", "error", err, "batch_size", len(batch))
		// Requeue for retry, respecting the capacity limit.
		b.mu.Lock()
		if len(b.entries)+len(batch) <= maxBufferCapacity {
			b.entries = append(batch, b.entries...)
		} else {
			b.dropped.Add(int64(len(batch)))
			b.logger.Error("audit: dropping batch, buffer at capacity after flush failure", "dropped", len(batch))
		}
		b.mu.Unlock()
		return
	}

	b.logger.Debug("audit: batch flushed",
		"batch_size", count,
		"flush_duration_ms", duration.Milliseconds(),
	)
}

// Drain signals the background flush loop to stop and waits for its final
// flush. ctx bounds the wait and the final flush; on expiry Drain returns
// ctx's error and any unflushed entries are lost.
func (b *Buffer) Drain(ctx context.Context) error {
	b.drainCtx = ctx
	if b.cancelLoop != nil {
		b.cancelLoop()
	}
	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		b.logger.Warn("audit: drain timed out waiting for flush loop")
		return ctx.Err()
	}
}

func (b *Buffer) registerMetrics() {
	meter := telemetry.Meter("loupe/audit")

	_, _ = meter.Int64ObservableGauge("loupe.audit.buffer_depth",
		metric.WithDescription("Current number of entries in the audit buffer"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(b.Len()))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("loupe.audit.dropped_total",
		metric.WithDescription("Total audit entries dropped due to capacity exhaustion"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(b.Dropped())
			return nil
		}),
	)
}

// Capacity returns the hard buffer capacity limit.
func (b *Buffer) Capacity() int {
	return maxBufferCapacity
}

// Len returns the current number of buffered entries.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Dropped returns the total number of entries dropped. A non-zero value
// means audit records were lost.
func (b *Buffer) Dropped() int64 {
	return b.dropped.Load()
}

// Package logbuf buffers request log rows in memory and flushes them to the
// operational database in batches, keeping log writes off the request path.
package logbuf

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/codexlb/codex-lb/internal/store"
)

const (
	defaultCapacity = 10000
	flushBatchSize  = 100
	flushInterval   = 2 * time.Second
	maxRetryBackoff = 30 * time.Second
)

// Buffer is a bounded FIFO of pending request logs. When full, the oldest
// entries are dropped and counted.
type Buffer struct {
	db       *store.OperationalDB
	capacity int

	mu      sync.Mutex
	pending []*store.RequestLog
	dropped uint64
	wake    chan struct{}

	done chan struct{}
}

func New(db *store.OperationalDB) *Buffer {
	return &Buffer{
		db:       db,
		capacity: defaultCapacity,
		pending:  make([]*store.RequestLog, 0, flushBatchSize),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Add enqueues a log row. Never blocks.
func (b *Buffer) Add(rl *store.RequestLog) {
	b.mu.Lock()
	if len(b.pending) >= b.capacity {
		over := len(b.pending) - b.capacity + 1
		b.pending = b.pending[over:]
		b.dropped += uint64(over)
	}
	b.pending = append(b.pending, rl)
	full := len(b.pending) >= flushBatchSize
	b.mu.Unlock()

	if full {
		select {
		case b.wake <- struct{}{}:
		default:
		}
	}
}

// Dropped returns the total number of entries discarded due to overflow.
func (b *Buffer) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Len returns the number of rows waiting to be flushed.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Run is the single flusher goroutine. It drains batches every flushInterval
// or as soon as a full batch is waiting, and performs a final drain when ctx
// is canceled.
func (b *Buffer) Run(ctx context.Context) {
	defer close(b.done)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	backoff := time.Duration(0)
	for {
		select {
		case <-ctx.Done():
			b.drain()
			return
		case <-ticker.C:
		case <-b.wake:
		}

		if backoff > 0 {
			select {
			case <-ctx.Done():
				b.drain()
				return
			case <-time.After(backoff):
			}
		}

		if err := b.flushOnce(); err != nil {
			if backoff == 0 {
				backoff = time.Second
			} else {
				backoff *= 2
				if backoff > maxRetryBackoff {
					backoff = maxRetryBackoff
				}
			}
			slog.Warn("request log flush failed", "error", err, "retryIn", backoff)
		} else {
			backoff = 0
		}
	}
}

// Wait blocks until the flusher has exited (after ctx cancellation).
func (b *Buffer) Wait() { <-b.done }

// flushOnce writes one batch in a single transaction. Rows are put back at
// the front on failure so nothing is lost short of overflow.
func (b *Buffer) flushOnce() error {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return nil
	}
	n := len(b.pending)
	if n > flushBatchSize {
		n = flushBatchSize
	}
	batch := make([]*store.RequestLog, n)
	copy(batch, b.pending[:n])
	b.pending = b.pending[n:]
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := b.db.InsertRequestLogs(ctx, batch); err != nil {
		b.mu.Lock()
		b.pending = append(batch, b.pending...)
		if len(b.pending) > b.capacity {
			over := len(b.pending) - b.capacity
			b.pending = b.pending[over:]
			b.dropped += uint64(over)
		}
		b.mu.Unlock()
		return err
	}
	return nil
}

// drain flushes everything left, best effort.
func (b *Buffer) drain() {
	for {
		b.mu.Lock()
		empty := len(b.pending) == 0
		b.mu.Unlock()
		if empty {
			return
		}
		if err := b.flushOnce(); err != nil {
			slog.Error("final request log drain failed", "error", err, "remaining", b.Len())
			return
		}
	}
}

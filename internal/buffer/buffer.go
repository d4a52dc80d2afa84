// Package buffer provides a bounded write buffer that decouples caller
// latency from storage latency. Queued entries are not durable until the next
// flush; callers that need zero-loss durability use SaveImmediately.
package buffer

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rcliao/memkeeper/internal/store"
)

const (
	defaultCapacity      = 1000
	defaultFlushInterval = time.Second
)

// Options configures the write buffer.
type Options struct {
	// Capacity is the maximum number of queued entries (defaults to 1000).
	Capacity int

	// FlushInterval is how often the background flush fires (defaults to 1s).
	FlushInterval time.Duration

	// HighWater triggers an immediate flush once the queue reaches this
	// size (defaults to Capacity/2).
	HighWater int
}

type entry struct {
	params   store.SaveParams
	queuedAt time.Time
	requeued bool
}

// Status is an observability snapshot of the buffer. No side effects.
type Status struct {
	QueueSize int       `json:"queue_size"`
	Capacity  int       `json:"capacity"`
	Flushed   int64     `json:"flushed"`
	Dropped   int64     `json:"dropped"`
	Evicted   int64     `json:"evicted"`
	LastFlush time.Time `json:"last_flush,omitempty"`
}

// WriteBuffer batches saves in memory and drains them to the store on a
// timer, a high-water mark, or an explicit ForceFlush. The flush loop is the
// sole consumer of the queue.
type WriteBuffer struct {
	store store.Store
	log   *zap.Logger
	opts  Options

	mu        sync.Mutex
	queue     []entry
	flushed   int64
	dropped   int64
	evicted   int64
	lastFlush time.Time

	kick chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a write buffer and starts its background flush loop.
func New(s store.Store, log *zap.Logger, opts Options) *WriteBuffer {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Capacity <= 0 {
		opts.Capacity = defaultCapacity
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = defaultFlushInterval
	}
	if opts.HighWater <= 0 {
		opts.HighWater = opts.Capacity / 2
	}

	b := &WriteBuffer{
		store: s,
		log:   log,
		opts:  opts,
		kick:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}

	b.wg.Add(1)
	go b.flushLoop()

	return b
}

// SaveImmediately bypasses the buffer and commits synchronously.
func (b *WriteBuffer) SaveImmediately(ctx context.Context, p store.SaveParams) (int64, error) {
	return b.store.Save(ctx, p)
}

// QueueSave appends an entry to the queue and returns immediately. When the
// queue is full, the oldest lowest-importance entry is evicted to make room
// for a more important entrant; otherwise false is returned and the caller
// may retry or fall back to SaveImmediately. Never blocks.
func (b *WriteBuffer) QueueSave(p store.SaveParams) bool {
	b.mu.Lock()

	if len(b.queue) >= b.opts.Capacity {
		victim := b.lowestImportance()
		if b.queue[victim].params.Importance >= p.Importance {
			b.mu.Unlock()
			b.log.Warn("write buffer full, entry rejected",
				zap.Int("importance", p.Importance), zap.Int("capacity", b.opts.Capacity))
			return false
		}
		evicted := b.queue[victim]
		b.queue = append(b.queue[:victim], b.queue[victim+1:]...)
		b.evicted++
		b.log.Warn("write buffer overflow, evicted oldest low-importance entry",
			zap.Int("evicted_importance", evicted.params.Importance),
			zap.Int("incoming_importance", p.Importance))
	}

	b.queue = append(b.queue, entry{params: p, queuedAt: time.Now()})
	high := len(b.queue) >= b.opts.HighWater
	b.mu.Unlock()

	if high {
		select {
		case b.kick <- struct{}{}:
		default:
		}
	}
	return true
}

// lowestImportance returns the index of the oldest entry with the lowest
// importance. Caller holds b.mu.
func (b *WriteBuffer) lowestImportance() int {
	idx := 0
	for i, e := range b.queue {
		if e.params.Importance < b.queue[idx].params.Importance {
			idx = i
		}
	}
	return idx
}

// ForceFlush synchronously drains the entire queue and returns the number of
// entries durably committed. Used before shutdown or backup.
func (b *WriteBuffer) ForceFlush(ctx context.Context) int {
	return b.flush(ctx)
}

// QueueSize returns the current number of queued entries.
func (b *WriteBuffer) QueueSize() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Status returns an observability snapshot.
func (b *WriteBuffer) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Status{
		QueueSize: len(b.queue),
		Capacity:  b.opts.Capacity,
		Flushed:   b.flushed,
		Dropped:   b.dropped,
		Evicted:   b.evicted,
		LastFlush: b.lastFlush,
	}
}

// Close stops the flush loop and drains whatever remains.
func (b *WriteBuffer) Close(ctx context.Context) int {
	close(b.done)
	b.wg.Wait()
	return b.flush(ctx)
}

func (b *WriteBuffer) flushLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.flush(context.Background())
		case <-b.kick:
			b.flush(context.Background())
		case <-b.done:
			return
		}
	}
}

// flush drains the queue in FIFO order. A validation failure drops the entry
// with a warning and never blocks the rest of the batch; a transient store
// failure requeues the entry once before it is dropped and logged.
func (b *WriteBuffer) flush(ctx context.Context) int {
	b.mu.Lock()
	batch := b.queue
	b.queue = nil
	b.mu.Unlock()

	if len(batch) == 0 {
		return 0
	}

	var requeue []entry
	count := 0
	for _, e := range batch {
		_, err := b.store.Save(ctx, e.params)
		if err == nil {
			count++
			continue
		}

		var ve *store.ValidationError
		if errors.As(err, &ve) {
			b.log.Warn("dropped invalid buffered entry", zap.Error(err))
			b.mu.Lock()
			b.dropped++
			b.mu.Unlock()
			continue
		}

		if !e.requeued {
			e.requeued = true
			requeue = append(requeue, e)
			b.log.Warn("buffered entry failed, requeued once", zap.Error(err))
			continue
		}

		b.log.Error("dropped buffered entry after retry", zap.Error(err))
		b.mu.Lock()
		b.dropped++
		b.mu.Unlock()
	}

	b.mu.Lock()
	b.flushed += int64(count)
	b.lastFlush = time.Now()
	if len(requeue) > 0 {
		// Requeued entries go to the front to preserve FIFO order.
		b.queue = append(requeue, b.queue...)
	}
	b.mu.Unlock()

	if count > 0 {
		b.log.Debug("flushed write buffer", zap.Int("count", count), zap.Int("requeued", len(requeue)))
	}
	return count
}

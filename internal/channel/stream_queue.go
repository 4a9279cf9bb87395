package channel

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultStreamInterval is the edit rate limit when a channel sets none.
const DefaultStreamInterval = time.Second

// FlushFunc delivers the latest text for a key.
type FlushFunc func(ctx context.Context, text string) error

type streamEntry struct {
	text  string
	seq   uint64
	flush FlushFunc
	timer *time.Timer
}

// StreamQueue coalesces incremental edits per key: at most one delivery per
// interval, always carrying the most recent text. Deliveries for one key
// never overlap, and one older than the last delivered text is dropped, so
// delivered text never regresses.
type StreamQueue struct {
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	idle    *sync.Cond
	pending map[string]*streamEntry
	running map[string]bool
	active  int // deliveries taken off pending but not finished

	seq       uint64
	inflight  map[string]int    // per-key share of active
	delivered map[string]uint64 // last seq handed to flush, while inflight
}

func NewStreamQueue(interval time.Duration, logger *slog.Logger) *StreamQueue {
	if interval <= 0 {
		interval = DefaultStreamInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	q := &StreamQueue{
		interval:  interval,
		logger:    logger,
		pending:   make(map[string]*streamEntry),
		running:   make(map[string]bool),
		inflight:  make(map[string]int),
		delivered: make(map[string]uint64),
	}
	q.idle = sync.NewCond(&q.mu)
	return q
}

// Enqueue records text as the latest content for key. A timer is armed only
// when none is pending; later calls just replace the text it will deliver.
func (q *StreamQueue) Enqueue(ctx context.Context, key, text string, flush FlushFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.seq++
	if e, ok := q.pending[key]; ok {
		e.text = text
		e.seq = q.seq
		e.flush = flush
		return
	}
	e := &streamEntry{text: text, seq: q.seq, flush: flush}
	e.timer = time.AfterFunc(q.interval, func() { q.fire(ctx, key, e) })
	q.pending[key] = e
}

func (q *StreamQueue) fire(ctx context.Context, key string, e *streamEntry) {
	q.mu.Lock()
	if q.pending[key] != e {
		// Flushed already.
		q.mu.Unlock()
		return
	}
	delete(q.pending, key)
	q.active++
	q.inflight[key]++
	q.mu.Unlock()

	q.deliver(ctx, key, e)
}

// Flush delivers every pending key now and waits for all deliveries,
// including ones a timer already started.
func (q *StreamQueue) Flush(ctx context.Context) {
	q.mu.Lock()
	batch := make(map[string]*streamEntry, len(q.pending))
	for key, e := range q.pending {
		e.timer.Stop()
		batch[key] = e
		delete(q.pending, key)
		q.inflight[key]++
	}
	q.active += len(batch)
	q.mu.Unlock()

	var wg sync.WaitGroup
	for key, e := range batch {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.deliver(ctx, key, e)
		}()
	}
	wg.Wait()

	q.mu.Lock()
	for q.active > 0 {
		q.idle.Wait()
	}
	q.mu.Unlock()
}

// PendingCount is the number of keys waiting for a delivery.
func (q *StreamQueue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *StreamQueue) deliver(ctx context.Context, key string, e *streamEntry) {
	q.mu.Lock()
	for q.running[key] {
		q.idle.Wait()
	}
	q.running[key] = true
	stale := e.seq <= q.delivered[key]
	if !stale {
		q.delivered[key] = e.seq
	}
	text, flush := e.text, e.flush
	q.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("stream flush panic", "key", key, "panic", r)
		}
		q.mu.Lock()
		delete(q.running, key)
		q.active--
		if q.inflight[key]--; q.inflight[key] == 0 {
			delete(q.inflight, key)
			delete(q.delivered, key)
		}
		q.idle.Broadcast()
		q.mu.Unlock()
	}()

	if stale {
		return
	}
	if err := flush(ctx, text); err != nil {
		q.logger.Warn("stream flush failed", "key", key, "err", err)
	}
}

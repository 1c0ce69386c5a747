package rcache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/open-afc/telemetry/internal/metrics"
	"go.uber.org/zap"
)

var (
	// ErrDeadline is returned when a caller's budget is exhausted before
	// its result is available.
	ErrDeadline = errors.New("lookup deadline expired")
	// ErrShutdown is returned to waiters pending when the batcher closes.
	ErrShutdown = errors.New("batcher shut down")
)

// QueryFunc resolves a batch of distinct keys in one database round
// trip. Keys absent from the result map are reported as not found.
type QueryFunc[K comparable, R any] func(ctx context.Context, keys []K) (map[K]R, error)

type result[R any] struct {
	value R
	found bool
	err   error
}

// waiter is one caller's slot on a coalesced key. The worker skips
// waiters whose deadline has already passed.
type waiter[R any] struct {
	ch       chan result[R]
	deadline time.Time
}

// Batcher coalesces concurrent requests for the same key into a single
// database query. Exactly one worker drains the queue; callers block on
// a per-request channel bounded by their deadline.
type Batcher[K comparable, R any] struct {
	kind     string
	maxBatch int
	query    QueryFunc[K, R]
	logger   *zap.Logger

	mu       sync.Mutex
	inflight map[K][]*waiter[R]
	closed   bool

	queue chan K
	done  chan struct{}
}

func NewBatcher[K comparable, R any](kind string, maxBatch int, query QueryFunc[K, R], logger *zap.Logger) *Batcher[K, R] {
	if maxBatch <= 0 {
		maxBatch = 1000
	}
	b := &Batcher[K, R]{
		kind:     kind,
		maxBatch: maxBatch,
		query:    query,
		logger:   logger.Named("batcher." + kind),
		inflight: make(map[K][]*waiter[R]),
		queue:    make(chan K, maxBatch),
		done:     make(chan struct{}),
	}
	go b.worker()
	return b
}

// Lookup resolves key, coalescing with any in-flight request for the
// same key. The deadline is absolute; a spent budget returns
// ErrDeadline immediately without enqueueing. The second return value
// reports whether the key existed.
func (b *Batcher[K, R]) Lookup(ctx context.Context, key K, deadline time.Time) (R, bool, error) {
	var zero R
	if !deadline.After(time.Now()) {
		return zero, false, ErrDeadline
	}

	w := &waiter[R]{ch: make(chan result[R], 1), deadline: deadline}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return zero, false, ErrShutdown
	}
	waiters, exists := b.inflight[key]
	b.inflight[key] = append(waiters, w)
	b.mu.Unlock()

	if exists {
		metrics.BatcherCoalescedTotal.WithLabelValues(b.kind).Inc()
	} else {
		// First caller for this key owns the enqueue.
		select {
		case b.queue <- key:
		case <-b.done:
			return zero, false, ErrShutdown
		}
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case r := <-w.ch:
		return r.value, r.found, r.err
	case <-timer.C:
		// The waiter stays registered; the worker drops it when it sees
		// the expired deadline.
		return zero, false, ErrDeadline
	case <-ctx.Done():
		return zero, false, ctx.Err()
	}
}

// Close stops the worker and fails every pending waiter with
// ErrShutdown. Lookup calls after Close fail the same way.
func (b *Batcher[K, R]) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	pending := b.inflight
	b.inflight = make(map[K][]*waiter[R])
	b.mu.Unlock()

	close(b.done)
	for _, waiters := range pending {
		for _, w := range waiters {
			w.ch <- result[R]{err: ErrShutdown}
		}
	}
}

func (b *Batcher[K, R]) worker() {
	for {
		var first K
		select {
		case first = <-b.queue:
		case <-b.done:
			return
		}

		batch := []K{first}
	drain:
		for len(batch) < b.maxBatch {
			select {
			case k := <-b.queue:
				batch = append(batch, k)
			default:
				break drain
			}
		}

		b.serve(batch)
	}
}

// serve runs one batched query and completes every live waiter. Keys
// whose waiters have all timed out are dropped before the query.
func (b *Batcher[K, R]) serve(batch []K) {
	now := time.Now()
	live := batch[:0]
	for _, k := range batch {
		b.mu.Lock()
		waiters := b.inflight[k]
		alive := false
		for _, w := range waiters {
			if w.deadline.After(now) {
				alive = true
				break
			}
		}
		if !alive {
			delete(b.inflight, k)
		}
		b.mu.Unlock()
		if alive {
			live = append(live, k)
		}
	}
	if len(live) == 0 {
		return
	}

	metrics.BatcherQueriesTotal.WithLabelValues(b.kind).Inc()
	metrics.BatchSize.WithLabelValues("batcher_" + b.kind).Observe(float64(len(live)))

	results, err := b.query(context.Background(), live)
	if err != nil {
		// No retry: the in-flight entries are dropped so a later call
		// re-queries, and current waiters run out their own deadlines.
		b.logger.Error("batched query failed",
			zap.Int("keys", len(live)),
			zap.Error(err),
		)
		b.mu.Lock()
		for _, k := range live {
			delete(b.inflight, k)
		}
		b.mu.Unlock()
		return
	}

	for _, k := range live {
		b.mu.Lock()
		waiters := b.inflight[k]
		delete(b.inflight, k)
		b.mu.Unlock()

		var r result[R]
		r.value, r.found = results[k]
		for _, w := range waiters {
			w.ch <- r
		}
	}
}

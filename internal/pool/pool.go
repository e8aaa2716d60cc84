// Package pool implements the backend connection pool from spec §4.8: lazy
// creation up to a configured max size, lease-scoped acquisition with
// guaranteed release, and eviction of connections that errored on their
// last use. Grounded on the teacher's sync.Pool object-reuse idiom
// (internal/domain/registry/connect.go) and its closeOnce-guarded release
// path, generalized from object pooling to connection leasing.
package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yollayah/conductor/internal/cerr"
)

// Conn is anything the pool can create, reuse, and eventually close.
type Conn interface {
	Close() error
}

// Factory creates a new backend connection on demand.
type Factory[C Conn] func(ctx context.Context) (C, error)

// Metrics mirrors spec §4.8's required rolling counters.
type Metrics struct {
	CurrentSize       int64
	Idle              int64
	InFlight          int64
	Evictions         uint64
	Errors            uint64
	AvgAcquireLatency time.Duration
	Acquires          uint64
}

// Pool lazily creates up to MaxSize connections and hands them out as
// Leases. Safe for concurrent use.
type Pool[C Conn] struct {
	factory        Factory[C]
	maxSize        int
	acquireTimeout time.Duration

	mu      sync.Mutex
	idle    []C
	size    int
	waiters []chan struct{}

	inFlight  atomic.Int64
	evictions atomic.Uint64
	errs      atomic.Uint64
	acquires  atomic.Uint64
	latencySum atomic.Int64
}

func New[C Conn](factory Factory[C], maxSize int, acquireTimeout time.Duration) *Pool[C] {
	return &Pool[C]{factory: factory, maxSize: maxSize, acquireTimeout: acquireTimeout}
}

// Lease wraps a checked-out connection. Release must be called exactly
// once; calling it more than once is a no-op. Typical use is
// `defer lease.Release()` immediately after a successful Acquire, which
// guarantees return on every exit path including panics propagated through
// the caller's own defer chain.
type Lease[C Conn] struct {
	conn    C
	pool    *Pool[C]
	failed  bool
	once    sync.Once
}

func (l *Lease[C]) Conn() C { return l.conn }

// Fail marks the underlying connection as having produced a fatal I/O
// error during this use; Release will discard it instead of returning it
// to the idle queue.
func (l *Lease[C]) Fail() { l.failed = true }

// Release returns the connection to the pool (or discards it if Fail was
// called). A discarded connection is closed synchronously; a healthy one is
// appended to the idle queue on a separate goroutine, so a slow waiter never
// holds up the releasing goroutine.
func (l *Lease[C]) Release() {
	l.once.Do(func() {
		l.pool.release(l.conn, l.failed)
	})
}

// Acquire returns a lease on an idle or newly-created connection, waiting
// up to the pool's configured timeout for one to free up once max size is
// reached.
func (p *Pool[C]) Acquire(ctx context.Context) (*Lease[C], error) {
	start := time.Now()
	defer func() {
		p.latencySum.Add(int64(time.Since(start)))
		p.acquires.Add(1)
	}()

	p.inFlight.Add(1)
	defer p.inFlight.Add(-1)

	ctx, cancel := context.WithTimeout(ctx, p.acquireTimeout)
	defer cancel()

	for {
		p.mu.Lock()
		if n := len(p.idle); n > 0 {
			c := p.idle[n-1]
			p.idle = p.idle[:n-1]
			p.mu.Unlock()
			return &Lease[C]{conn: c, pool: p}, nil
		}
		if p.size < p.maxSize {
			p.size++
			p.mu.Unlock()
			c, err := p.factory(ctx)
			if err != nil {
				p.mu.Lock()
				p.size--
				p.mu.Unlock()
				p.errs.Add(1)
				return nil, cerr.New(cerr.KindPool, "pool.Acquire", err)
			}
			return &Lease[C]{conn: c, pool: p}, nil
		}

		wake := make(chan struct{})
		p.waiters = append(p.waiters, wake)
		p.mu.Unlock()

		select {
		case <-wake:
			continue
		case <-ctx.Done():
			return nil, cerr.New(cerr.KindPool, "pool.Acquire", errPoolExhausted{})
		}
	}
}

func (p *Pool[C]) release(c C, failed bool) {
	if failed {
		p.mu.Lock()
		p.size--
		p.mu.Unlock()
		_ = c.Close()
		p.evictions.Add(1)
		p.wakeOne()
		return
	}

	// Non-blocking hand-off: queue the return, then wake a waiter. The
	// append itself never blocks since idle is an unbounded slice guarded
	// by the mutex, matching the "drop path is synchronous, return
	// completion is asynchronous" contract.
	go func() {
		p.mu.Lock()
		p.idle = append(p.idle, c)
		p.mu.Unlock()
		p.wakeOne()
	}()
}

func (p *Pool[C]) wakeOne() {
	p.mu.Lock()
	if len(p.waiters) == 0 {
		p.mu.Unlock()
		return
	}
	w := p.waiters[0]
	p.waiters = p.waiters[1:]
	p.mu.Unlock()
	close(w)
}

func (p *Pool[C]) Metrics() Metrics {
	p.mu.Lock()
	idle := len(p.idle)
	size := p.size
	p.mu.Unlock()

	acquires := p.acquires.Load()
	var avgLatency time.Duration
	if acquires > 0 {
		avgLatency = time.Duration(p.latencySum.Load() / int64(acquires))
	}
	return Metrics{
		CurrentSize:       int64(size),
		Idle:              int64(idle),
		InFlight:          p.inFlight.Load(),
		Evictions:         p.evictions.Load(),
		Errors:            p.errs.Load(),
		Acquires:          acquires,
		AvgAcquireLatency: avgLatency,
	}
}

// Close closes every idle connection. In-flight leases are unaffected; a
// lease released after Close still puts its connection back on the idle
// queue, and Close does not close it.
func (p *Pool[C]) Close() error {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	var firstErr error
	for _, c := range idle {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

type errPoolExhausted struct{}

func (errPoolExhausted) Error() string { return "pool exhausted" }

package pool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/yollayah/conductor/internal/cerr"
)

type fakeConn struct {
	id     int
	closed atomic.Bool
}

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

func TestAcquireLazilyCreatesUpToMax(t *testing.T) {
	var created atomic.Int32
	factory := func(ctx context.Context) (*fakeConn, error) {
		n := created.Add(1)
		return &fakeConn{id: int(n)}, nil
	}
	p := New(factory, 2, time.Second)

	l1, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire 1: %v", err)
	}
	l2, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire 2: %v", err)
	}
	if created.Load() != 2 {
		t.Fatalf("expected 2 connections created, got %d", created.Load())
	}
	l1.Release()
	l2.Release()
}

func TestAcquireReusesReleasedConnection(t *testing.T) {
	var created atomic.Int32
	factory := func(ctx context.Context) (*fakeConn, error) {
		created.Add(1)
		return &fakeConn{}, nil
	}
	p := New(factory, 1, time.Second)

	l1, _ := p.Acquire(context.Background())
	l1.Release()
	time.Sleep(20 * time.Millisecond) // release's async idle-queue append

	l2, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	l2.Release()

	if created.Load() != 1 {
		t.Fatalf("expected only 1 connection ever created, got %d", created.Load())
	}
}

func TestAcquireTimesOutWhenExhausted(t *testing.T) {
	factory := func(ctx context.Context) (*fakeConn, error) { return &fakeConn{}, nil }
	p := New(factory, 1, 30*time.Millisecond)

	lease, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	defer lease.Release()

	_, err = p.Acquire(context.Background())
	if err == nil {
		t.Fatalf("expected pool-exhausted error")
	}
	if k, ok := cerr.KindOf(err); !ok || k != cerr.KindPool {
		t.Fatalf("expected KindPool, got %v", k)
	}
}

func TestFailedConnectionNotReturnedToIdle(t *testing.T) {
	var created atomic.Int32
	factory := func(ctx context.Context) (*fakeConn, error) {
		created.Add(1)
		return &fakeConn{}, nil
	}
	p := New(factory, 1, time.Second)

	l1, _ := p.Acquire(context.Background())
	conn := l1.Conn()
	l1.Fail()
	l1.Release()
	time.Sleep(10 * time.Millisecond)

	if !conn.closed.Load() {
		t.Fatalf("expected failed connection to be closed")
	}

	l2, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire after eviction: %v", err)
	}
	l2.Release()

	if created.Load() != 2 {
		t.Fatalf("expected a replacement connection to be created, got %d total", created.Load())
	}
	m := p.Metrics()
	if m.Evictions != 1 {
		t.Fatalf("expected 1 eviction recorded, got %d", m.Evictions)
	}
}

func TestAcquireFactoryError(t *testing.T) {
	factory := func(ctx context.Context) (*fakeConn, error) { return nil, errors.New("dial failed") }
	p := New(factory, 1, time.Second)

	_, err := p.Acquire(context.Background())
	if err == nil {
		t.Fatalf("expected factory error to propagate")
	}
	m := p.Metrics()
	if m.Errors != 1 {
		t.Fatalf("expected 1 error recorded, got %d", m.Errors)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	factory := func(ctx context.Context) (*fakeConn, error) { return &fakeConn{}, nil }
	p := New(factory, 1, time.Second)

	l, _ := p.Acquire(context.Background())
	l.Release()
	l.Release() // must not panic or double-return
}

package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/yollayah/conductor/internal/cerr"
	"github.com/yollayah/conductor/internal/protocol"
)

func TestAdmitWithinBurst(t *testing.T) {
	l := New(Config{MessagesPerSecond: 10, BurstSize: 5, MaxDelay: time.Second, MaxConnsPerPrincipal: 4})
	id := protocol.NewConnectionId()
	l.Register(id)
	defer l.Unregister(id)

	for i := 0; i < 5; i++ {
		if err := l.Admit(context.Background(), id); err != nil {
			t.Fatalf("message %d: unexpected error: %v", i, err)
		}
	}

	stats, _, ok := l.ConnectionStats(id)
	if !ok {
		t.Fatalf("expected connection stats to exist")
	}
	if stats.Admitted != 5 {
		t.Fatalf("expected 5 admitted, got %d", stats.Admitted)
	}
}

func TestAdmitDelaysThenAdmits(t *testing.T) {
	l := New(Config{MessagesPerSecond: 20, BurstSize: 1, MaxDelay: time.Second, MaxConnsPerPrincipal: 4})
	id := protocol.NewConnectionId()
	l.Register(id)
	defer l.Unregister(id)

	if err := l.Admit(context.Background(), id); err != nil {
		t.Fatalf("first message: %v", err)
	}
	start := time.Now()
	if err := l.Admit(context.Background(), id); err != nil {
		t.Fatalf("second message should delay, not error: %v", err)
	}
	if time.Since(start) <= 0 {
		t.Fatalf("expected some delay before admission")
	}

	stats, _, _ := l.ConnectionStats(id)
	if stats.Delayed == 0 {
		t.Fatalf("expected a delayed admission to be recorded")
	}
}

func TestAdmitDropsBeyondCeiling(t *testing.T) {
	l := New(Config{MessagesPerSecond: 1, BurstSize: 1, MaxDelay: 10 * time.Millisecond, MaxConnsPerPrincipal: 4})
	id := protocol.NewConnectionId()
	l.Register(id)
	defer l.Unregister(id)

	if err := l.Admit(context.Background(), id); err != nil {
		t.Fatalf("first message: %v", err)
	}
	err := l.Admit(context.Background(), id)
	if err == nil {
		t.Fatalf("expected second message to be dropped past the delay ceiling")
	}
	if k, ok := cerr.KindOf(err); !ok || k != cerr.KindRateLimit {
		t.Fatalf("expected KindRateLimit, got %v", k)
	}

	stats, _, _ := l.ConnectionStats(id)
	if stats.Dropped != 1 {
		t.Fatalf("expected 1 dropped, got %d", stats.Dropped)
	}
}

func TestPrincipalConnectionCap(t *testing.T) {
	l := New(Config{MessagesPerSecond: 10, BurstSize: 5, MaxDelay: time.Second, MaxConnsPerPrincipal: 2})

	if err := l.AdmitConnection("alice"); err != nil {
		t.Fatalf("first connection: %v", err)
	}
	if err := l.AdmitConnection("alice"); err != nil {
		t.Fatalf("second connection: %v", err)
	}
	if err := l.AdmitConnection("alice"); err == nil {
		t.Fatalf("expected third connection to be rejected")
	}

	l.ReleaseConnection("alice")
	if err := l.AdmitConnection("alice"); err != nil {
		t.Fatalf("connection after release: %v", err)
	}
	if got := l.PrincipalCount("alice"); got != 2 {
		t.Fatalf("expected principal count 2, got %d", got)
	}
}

func TestAdmitUnregisteredConnectionFreely(t *testing.T) {
	l := New(DefaultConfig())
	id := protocol.NewConnectionId()
	if err := l.Admit(context.Background(), id); err != nil {
		t.Fatalf("unregistered connection should admit freely, got %v", err)
	}
}

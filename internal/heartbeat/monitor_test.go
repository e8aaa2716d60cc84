package heartbeat

import (
	"testing"
	"time"

	"github.com/yollayah/conductor/internal/protocol"
)

func TestNextSequenceIncrements(t *testing.T) {
	m := New(DefaultConfig())
	id := protocol.NewConnectionId()
	m.Register(id)

	first, ok := m.NextSequence(id)
	if !ok || first != 1 {
		t.Fatalf("expected first sequence 1, got %d ok=%v", first, ok)
	}
	second, _ := m.NextSequence(id)
	if second != 2 {
		t.Fatalf("expected second sequence 2, got %d", second)
	}
}

func TestPongDoesNotAccumulate(t *testing.T) {
	m := New(DefaultConfig())
	id := protocol.NewConnectionId()
	m.Register(id)

	m.NextSequence(id) // 1
	m.NextSequence(id) // 2
	m.NextSequence(id) // 3

	m.Pong(id, 3)
	m.Pong(id, 1) // stale pong, must not move the high-water mark backward

	unhealthy := m.Unhealthy(time.Now())
	if len(unhealthy) != 0 {
		t.Fatalf("expected connection to be healthy after pong 3, got unhealthy=%v", unhealthy)
	}
}

func TestUnhealthyOnSilence(t *testing.T) {
	m := New(Config{Interval: time.Millisecond, MissedThreshold: 2})
	id := protocol.NewConnectionId()
	m.Register(id)

	future := time.Now().Add(time.Hour)
	unhealthy := m.Unhealthy(future)
	if len(unhealthy) != 1 || unhealthy[0] != id {
		t.Fatalf("expected connection to be unhealthy after prolonged silence, got %v", unhealthy)
	}
}

func TestUnhealthyOnUnackedBacklog(t *testing.T) {
	m := New(Config{Interval: time.Hour, MissedThreshold: 2})
	id := protocol.NewConnectionId()
	m.Register(id)

	for i := 0; i < 5; i++ {
		m.NextSequence(id)
	}

	unhealthy := m.Unhealthy(time.Now())
	if len(unhealthy) != 1 {
		t.Fatalf("expected connection unhealthy due to unacked backlog, got %v", unhealthy)
	}
}

func TestUnregisterRemovesConnection(t *testing.T) {
	m := New(DefaultConfig())
	id := protocol.NewConnectionId()
	m.Register(id)
	m.Unregister(id)

	if _, ok := m.NextSequence(id); ok {
		t.Fatalf("expected NextSequence to fail for unregistered connection")
	}
}

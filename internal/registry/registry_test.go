package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/yollayah/conductor/internal/cerr"
	"github.com/yollayah/conductor/internal/protocol"
)

type fakeSender struct {
	accept bool
	delay  time.Duration
	sent   []protocol.ConductorMessage
	fail   error
}

func (f *fakeSender) Accepts(protocol.ConductorMessage) bool { return f.accept }

func (f *fakeSender) Send(ctx context.Context, msg protocol.ConductorMessage) error {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.fail != nil {
		return f.fail
	}
	f.sent = append(f.sent, msg)
	return nil
}

func TestSendToUnknownConnection(t *testing.T) {
	r := New()
	err := r.SendTo(context.Background(), protocol.NewConnectionId(), protocol.Ack{})
	if err == nil {
		t.Fatalf("expected error for unknown connection")
	}
	if k, ok := cerr.KindOf(err); !ok || k != cerr.KindInternal {
		t.Fatalf("expected KindInternal, got %v", k)
	}
}

func TestSendToDelivers(t *testing.T) {
	r := New()
	id := protocol.NewConnectionId()
	s := &fakeSender{accept: true}
	r.Register(id, s, protocol.TUICapabilities())

	if err := r.SendTo(context.Background(), id, protocol.Ack{}); err != nil {
		t.Fatalf("SendTo: %v", err)
	}
	if len(s.sent) != 1 {
		t.Fatalf("expected 1 message delivered, got %d", len(s.sent))
	}
}

func TestBroadcastSkipsNonAccepting(t *testing.T) {
	r := New()
	accepting := &fakeSender{accept: true}
	rejecting := &fakeSender{accept: false}
	r.Register(protocol.NewConnectionId(), accepting, protocol.WebCapabilities())
	r.Register(protocol.NewConnectionId(), rejecting, protocol.WebCapabilities())

	result := r.Broadcast(context.Background(), protocol.Ack{})
	if len(result.Delivered) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(result.Delivered))
	}
	if len(accepting.sent) != 1 || len(rejecting.sent) != 0 {
		t.Fatalf("accept filter not honored")
	}
}

func TestBroadcastPartialFailureDoesNotAbort(t *testing.T) {
	r := New(WithSendTimeout(50 * time.Millisecond))
	ok := &fakeSender{accept: true}
	bad := &fakeSender{accept: true, fail: errors.New("boom")}
	okID := protocol.NewConnectionId()
	badID := protocol.NewConnectionId()
	r.Register(okID, ok, protocol.TUICapabilities())
	r.Register(badID, bad, protocol.TUICapabilities())

	result := r.Broadcast(context.Background(), protocol.Ack{})
	if len(result.Delivered) != 1 || result.Delivered[0] != okID {
		t.Fatalf("expected only %v delivered, got %v", okID, result.Delivered)
	}
	if _, failed := result.Failed[badID]; !failed {
		t.Fatalf("expected %v recorded as failed", badID)
	}
}

func TestBroadcastDoesNotBlockOnSlowRecipient(t *testing.T) {
	r := New(WithSendTimeout(20 * time.Millisecond))
	slow := &fakeSender{accept: true, delay: time.Second}
	fast := &fakeSender{accept: true}
	r.Register(protocol.NewConnectionId(), slow, protocol.TUICapabilities())
	fastID := protocol.NewConnectionId()
	r.Register(fastID, fast, protocol.TUICapabilities())

	start := time.Now()
	result := r.Broadcast(context.Background(), protocol.Ack{})
	if time.Since(start) > 500*time.Millisecond {
		t.Fatalf("broadcast blocked on slow recipient")
	}
	found := false
	for _, id := range result.Delivered {
		if id == fastID {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected fast recipient to be delivered despite slow sibling")
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	r := New()
	id := protocol.NewConnectionId()
	r.Remove(id)
	r.Register(id, &fakeSender{accept: true}, protocol.TUICapabilities())
	r.Remove(id)
	r.Remove(id)

	if len(r.List()) != 0 {
		t.Fatalf("expected empty registry after removal")
	}
}

func TestCapabilityLookup(t *testing.T) {
	r := New()
	id := protocol.NewConnectionId()
	r.Register(id, &fakeSender{accept: true}, protocol.HeadlessCapabilities())

	caps, ok := r.CapabilityLookup(id)
	if !ok {
		t.Fatalf("expected capabilities to be found")
	}
	if caps != protocol.HeadlessCapabilities() {
		t.Fatalf("capability mismatch: %+v", caps)
	}
}

func TestStaleSince(t *testing.T) {
	r := New()
	id := protocol.NewConnectionId()
	r.Register(id, &fakeSender{accept: true}, protocol.TUICapabilities())

	stale := r.StaleSince(time.Now().Add(time.Hour))
	if len(stale) != 1 || stale[0] != id {
		t.Fatalf("expected connection flagged stale, got %v", stale)
	}

	r.Touch(id)
	stale = r.StaleSince(time.Now().Add(-time.Hour))
	if len(stale) != 0 {
		t.Fatalf("expected no stale connections after touch, got %v", stale)
	}
}

package conductor

import (
	"context"
	"testing"
	"time"

	"github.com/yollayah/conductor/internal/backend"
	"github.com/yollayah/conductor/internal/bus"
	"github.com/yollayah/conductor/internal/conversation"
	"github.com/yollayah/conductor/internal/health"
	"github.com/yollayah/conductor/internal/heartbeat"
	"github.com/yollayah/conductor/internal/model"
	"github.com/yollayah/conductor/internal/pool"
	"github.com/yollayah/conductor/internal/protocol"
	"github.com/yollayah/conductor/internal/ratelimit"
	"github.com/yollayah/conductor/internal/registry"
	"github.com/yollayah/conductor/internal/routing"
	"github.com/yollayah/conductor/internal/streaming"
	"github.com/yollayah/conductor/internal/transport"
)

func newTestConductor(t *testing.T, reply string) (*Conductor, context.CancelFunc) {
	t.Helper()

	mem := backend.NewInMemory()
	mem.SetResponse("hello", reply)

	p := routing.NewBackendPool(mem, 2, time.Second)

	policy, err := routing.NewPolicy(map[model.TaskClass]routing.Chain{
		model.TaskGeneral: {Primary: model.ModelProfile{ModelID: "mock-model"}},
	})
	if err != nil {
		t.Fatalf("new policy: %v", err)
	}
	classifier, err := routing.NewClassifier(8)
	if err != nil {
		t.Fatalf("new classifier: %v", err)
	}
	tracker := health.New(health.DefaultConfig())
	router := routing.NewRouter(policy, classifier, tracker,
		map[string]*pool.Pool[routing.BackendConn]{"mock-model": p}, 4, 2)

	b := bus.New(nil)
	reg := registry.New()
	convs := conversation.New()
	streams := streaming.New()
	hb := heartbeat.New(heartbeat.DefaultConfig())
	limiter := ratelimit.New(ratelimit.DefaultConfig())

	c := New(b, reg, convs, streams, hb, router, limiter, WithConfig(Config{
		ProtocolVersion: 1,
		LatencyBudget:   time.Second,
		StreamCapacity:  16,
		StreamPolicy:    model.DropOldest,
		PollInterval:    time.Millisecond,
	}))

	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx)
	return c, cancel
}

func TestHandshakeRegistersSurfaceAndSendsAck(t *testing.T) {
	c, cancel := newTestConductor(t, "hi there")
	defer cancel()

	conn, surface := transport.NewInProcessPair()
	c.Attach(context.Background(), conn)

	ctx, done := context.WithTimeout(context.Background(), time.Second)
	defer done()
	if err := surface.Emit(ctx, protocol.Handshake{
		EventID: protocol.NewEventId(), ProtocolVersion: 1,
		SurfaceType: protocol.SurfaceType{Kind: protocol.SurfaceTUI}, Capabilities: protocol.TUICapabilities(),
	}); err != nil {
		t.Fatalf("emit handshake: %v", err)
	}

	msg, err := surface.Receive(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	ack, ok := msg.(protocol.HandshakeAck)
	if !ok || !ack.Accepted {
		t.Fatalf("expected accepted handshake ack, got %#v", msg)
	}
}

func TestHandshakeRejectsWrongProtocolVersion(t *testing.T) {
	c, cancel := newTestConductor(t, "hi there")
	defer cancel()

	conn, surface := transport.NewInProcessPair()
	c.Attach(context.Background(), conn)

	ctx, done := context.WithTimeout(context.Background(), time.Second)
	defer done()
	_ = surface.Emit(ctx, protocol.Handshake{EventID: protocol.NewEventId(), ProtocolVersion: 99})

	msg, err := surface.Receive(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	ack, ok := msg.(protocol.HandshakeAck)
	if !ok || ack.Accepted {
		t.Fatalf("expected rejected handshake ack, got %#v", msg)
	}
}

func TestUserMessageProducesStreamedResponse(t *testing.T) {
	c, cancel := newTestConductor(t, "hello world friend")
	defer cancel()

	conn, surface := transport.NewInProcessPair()
	c.Attach(context.Background(), conn)

	ctx, done := context.WithTimeout(context.Background(), 2*time.Second)
	defer done()

	if err := surface.Emit(ctx, protocol.Handshake{
		EventID: protocol.NewEventId(), ProtocolVersion: 1,
		SurfaceType: protocol.SurfaceType{Kind: protocol.SurfaceTUI}, Capabilities: protocol.TUICapabilities(),
	}); err != nil {
		t.Fatalf("emit handshake: %v", err)
	}
	drainUntil(t, surface, ctx, func(m protocol.ConductorMessage) bool {
		_, ok := m.(protocol.StateSnapshot)
		return ok
	})

	if err := surface.Emit(ctx, protocol.UserMessage{EventID: protocol.NewEventId(), Content: "hello"}); err != nil {
		t.Fatalf("emit user message: %v", err)
	}

	var sawEnd bool
	for i := 0; i < 200 && !sawEnd; i++ {
		msg, err := surface.Receive(ctx)
		if err != nil {
			t.Fatalf("receive: %v", err)
		}
		if end, ok := msg.(protocol.ConversationStreamEnd); ok {
			sawEnd = true
			if end.FinalContent != "hello world friend" {
				t.Fatalf("unexpected final content: %q", end.FinalContent)
			}
		}
	}
	if !sawEnd {
		t.Fatalf("never observed a ConversationStreamEnd")
	}
}

func TestNonHandshakeEventBeforeHandshakeClosesConnection(t *testing.T) {
	c, cancel := newTestConductor(t, "hi there")
	defer cancel()

	conn, surface := transport.NewInProcessPair()
	c.Attach(context.Background(), conn)

	ctx, done := context.WithTimeout(context.Background(), time.Second)
	defer done()

	if err := surface.Emit(ctx, protocol.UserMessage{EventID: protocol.NewEventId(), Content: "too early"}); err != nil {
		t.Fatalf("emit user message: %v", err)
	}

	if _, err := surface.Receive(ctx); err == nil {
		t.Fatalf("expected connection to be closed with no ConductorMessage emitted")
	}
}

// drainUntil reads messages from the surface until pred matches or ctx expires.
func drainUntil(t *testing.T, surface *transport.InProcessSurface, ctx context.Context, pred func(protocol.ConductorMessage) bool) {
	t.Helper()
	for {
		msg, err := surface.Receive(ctx)
		if err != nil {
			t.Fatalf("receive: %v", err)
		}
		if pred(msg) {
			return
		}
	}
}

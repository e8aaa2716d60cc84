package transport

import (
	"context"
	"testing"
	"time"

	"github.com/yollayah/conductor/internal/protocol"
)

func TestInProcessRoundtrip(t *testing.T) {
	core, surface := NewInProcessPair()
	defer core.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	go func() {
		_ = surface.Emit(ctx, protocol.UserMessage{Content: "hello"})
	}()

	ev, err := core.Recv(ctx)
	if err != nil {
		t.Fatalf("core.Recv: %v", err)
	}
	msg, ok := ev.(protocol.UserMessage)
	if !ok || msg.Content != "hello" {
		t.Fatalf("unexpected event: %+v", ev)
	}

	if err := core.Send(ctx, protocol.Ack{}); err != nil {
		t.Fatalf("core.Send: %v", err)
	}
	reply, err := surface.Receive(ctx)
	if err != nil {
		t.Fatalf("surface.Receive: %v", err)
	}
	if _, ok := reply.(protocol.Ack); !ok {
		t.Fatalf("unexpected reply: %+v", reply)
	}
}

func TestInProcessCloseUnblocksRecv(t *testing.T) {
	core, surface := NewInProcessPair()
	_ = surface

	done := make(chan error, 1)
	go func() {
		_, err := core.Recv(context.Background())
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	core.Close()

	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("expected error after close")
		}
	case <-time.After(time.Second):
		t.Fatalf("Recv did not unblock after Close")
	}
}

package transport

import (
	"context"
	"sync"

	"github.com/yollayah/conductor/internal/protocol"
)

// inprocessConn is a pair of bounded channels standing in for the kernel
// boundary the socket transport crosses. It exposes the same Conn shape so
// the conductor never needs to know which transport it's talking to.
type inprocessConn struct {
	id protocol.ConnectionId

	outbound chan protocol.ConductorMessage // conductor -> surface
	inbound  chan protocol.SurfaceEvent     // surface -> conductor

	closeOnce sync.Once
	closed    chan struct{}
}

const inprocessBufferSize = 64

// NewInProcessPair builds both ends of an embedded surface connection: the
// core-facing Conn and the surface-facing handle used to push events in and
// read messages out.
func NewInProcessPair() (core Conn, surface *InProcessSurface) {
	id := protocol.NewConnectionId()
	c := &inprocessConn{
		id:       id,
		outbound: make(chan protocol.ConductorMessage, inprocessBufferSize),
		inbound:  make(chan protocol.SurfaceEvent, inprocessBufferSize),
		closed:   make(chan struct{}),
	}
	return c, &InProcessSurface{conn: c}
}

func (c *inprocessConn) ID() protocol.ConnectionId { return c.id }

func (c *inprocessConn) Send(ctx context.Context, msg protocol.ConductorMessage) error {
	select {
	case <-c.closed:
		return ErrClosed("inprocess.Send")
	default:
	}
	select {
	case c.outbound <- msg:
		return nil
	case <-c.closed:
		return ErrClosed("inprocess.Send")
	case <-ctx.Done():
		return ErrSendFailed("inprocess.Send", ctx.Err())
	}
}

func (c *inprocessConn) Recv(ctx context.Context) (protocol.SurfaceEvent, error) {
	select {
	case ev := <-c.inbound:
		return ev, nil
	case <-c.closed:
		return nil, ErrClosed("inprocess.Recv")
	case <-ctx.Done():
		return nil, ErrSendFailed("inprocess.Recv", ctx.Err())
	}
}

func (c *inprocessConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// InProcessSurface is the embedded-surface side of an in-process pair: push
// events toward the conductor, read messages coming back.
type InProcessSurface struct {
	conn *inprocessConn
}

func (s *InProcessSurface) ID() protocol.ConnectionId { return s.conn.id }

// Emit pushes a surface event toward the conductor.
func (s *InProcessSurface) Emit(ctx context.Context, ev protocol.SurfaceEvent) error {
	select {
	case <-s.conn.closed:
		return ErrClosed("inprocess.Emit")
	default:
	}
	select {
	case s.conn.inbound <- ev:
		return nil
	case <-s.conn.closed:
		return ErrClosed("inprocess.Emit")
	case <-ctx.Done():
		return ErrSendFailed("inprocess.Emit", ctx.Err())
	}
}

// Receive blocks for the next conductor-directed message.
func (s *InProcessSurface) Receive(ctx context.Context) (protocol.ConductorMessage, error) {
	select {
	case msg := <-s.conn.outbound:
		return msg, nil
	case <-s.conn.closed:
		return nil, ErrClosed("inprocess.Receive")
	case <-ctx.Done():
		return nil, ErrSendFailed("inprocess.Receive", ctx.Err())
	}
}

func (s *InProcessSurface) Close() error { return s.conn.Close() }

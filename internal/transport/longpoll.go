package transport

import (
	"context"
	"sync"
	"time"

	"github.com/yollayah/conductor/internal/protocol"
)

const (
	lpOutboundBuffer = 64
	lpInboundBuffer  = 16
	lpPollTimeout    = 30 * time.Second
	lpMaxBatch       = 15
)

// longPollConn is a transport.Conn with no persistent socket behind it: its
// two sides are fed and drained by independent HTTP requests instead of one
// long-lived reader/writer goroutine pair.
type longPollConn struct {
	id protocol.ConnectionId

	outbound chan protocol.ConductorMessage
	inbound  chan protocol.SurfaceEvent

	closeOnce sync.Once
	closed    chan struct{}
}

func newLongPollConn() *longPollConn {
	return &longPollConn{
		id:       protocol.NewConnectionId(),
		outbound: make(chan protocol.ConductorMessage, lpOutboundBuffer),
		inbound:  make(chan protocol.SurfaceEvent, lpInboundBuffer),
		closed:   make(chan struct{}),
	}
}

func (c *longPollConn) ID() protocol.ConnectionId { return c.id }

// Send never blocks the conductor on a slow or absent poller: once the
// buffer is full it drops the oldest queued message, matching the
// DropOldest overflow policy C6 uses for streaming.
func (c *longPollConn) Send(ctx context.Context, msg protocol.ConductorMessage) error {
	select {
	case <-c.closed:
		return ErrClosed("transport.lp.Send")
	default:
	}
	select {
	case c.outbound <- msg:
		return nil
	default:
		select {
		case <-c.outbound:
		default:
		}
		select {
		case c.outbound <- msg:
		default:
		}
		return nil
	}
}

func (c *longPollConn) Recv(ctx context.Context) (protocol.SurfaceEvent, error) {
	select {
	case ev, ok := <-c.inbound:
		if !ok {
			return nil, ErrClosed("transport.lp.Recv")
		}
		return ev, nil
	case <-c.closed:
		return nil, ErrClosed("transport.lp.Recv")
	case <-ctx.Done():
		return nil, ErrSendFailed("transport.lp.Recv", ctx.Err())
	}
}

func (c *longPollConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// LongPollServer is both the transport.Server handoff point the conductor
// calls Accept on and the set of operations an HTTP handler drives directly
// (Connect/Push/Poll), the same three-way split the teacher's LPHandler
// collapses into one HTTP method because it has a persistent per-user
// subscription instead of a discrete ConnectionId to key on.
type LongPollServer struct {
	incoming chan Conn
	closed   chan struct{}
	closeOnce sync.Once

	mu    sync.Mutex
	conns map[protocol.ConnectionId]*longPollConn
}

func NewLongPollServer() *LongPollServer {
	return &LongPollServer{
		incoming: make(chan Conn, 16),
		closed:   make(chan struct{}),
		conns:    make(map[protocol.ConnectionId]*longPollConn),
	}
}

// Connect opens a new logical connection and hands it to whatever goroutine
// is blocked in Accept, returning the id the client must echo on every
// subsequent Push/Poll call.
func (s *LongPollServer) Connect() (protocol.ConnectionId, error) {
	conn := newLongPollConn()
	s.mu.Lock()
	s.conns[conn.id] = conn
	s.mu.Unlock()

	select {
	case s.incoming <- conn:
		return conn.id, nil
	case <-s.closed:
		s.forget(conn.id)
		return "", ErrClosed("transport.lp.Connect")
	}
}

func (s *LongPollServer) lookup(id protocol.ConnectionId) (*longPollConn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[id]
	return c, ok
}

func (s *LongPollServer) forget(id protocol.ConnectionId) {
	s.mu.Lock()
	delete(s.conns, id)
	s.mu.Unlock()
}

// Push delivers one inbound SurfaceEvent as if it had arrived over a
// persistent socket.
func (s *LongPollServer) Push(id protocol.ConnectionId, ev protocol.SurfaceEvent) error {
	conn, ok := s.lookup(id)
	if !ok {
		return ErrInvalidState("transport.lp.Push")
	}
	select {
	case conn.inbound <- ev:
		return nil
	case <-conn.closed:
		return ErrClosed("transport.lp.Push")
	}
}

// Poll blocks up to lpPollTimeout for the first outbound message, then
// drains further queued messages without blocking until the batch holds
// lpMaxBatch messages in total, batching the way the
// teacher's LPHandler.Poll does. ok is false on timeout, in which case the
// HTTP handler should answer 204 per spec's long-poll fallback contract.
func (s *LongPollServer) Poll(ctx context.Context, id protocol.ConnectionId) (batch []protocol.ConductorMessage, ok bool, err error) {
	conn, found := s.lookup(id)
	if !found {
		return nil, false, ErrInvalidState("transport.lp.Poll")
	}

	timer := time.NewTimer(lpPollTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, false, ErrSendFailed("transport.lp.Poll", ctx.Err())
	case <-timer.C:
		return nil, false, nil
	case msg, open := <-conn.outbound:
		if !open {
			return nil, false, ErrClosed("transport.lp.Poll")
		}
		batch = append(batch, msg)
	drain:
		for len(batch) < lpMaxBatch {
			select {
			case next, open := <-conn.outbound:
				if !open {
					break drain
				}
				batch = append(batch, next)
			default:
				break drain
			}
		}
		return batch, true, nil
	}
}

// Disconnect tears down id's conn and stops tracking it, mirroring the
// teacher's deferred Unsubscribe/Close pair at the end of every poll
// request's lifetime -- except here it's called once the client signals
// it's done, not after every single poll.
func (s *LongPollServer) Disconnect(id protocol.ConnectionId) {
	s.mu.Lock()
	conn, ok := s.conns[id]
	delete(s.conns, id)
	s.mu.Unlock()
	if ok {
		conn.Close()
	}
}

func (s *LongPollServer) Accept(ctx context.Context) (Conn, error) {
	select {
	case conn := <-s.incoming:
		return conn, nil
	case <-s.closed:
		return nil, ErrClosed("transport.lp.Accept")
	case <-ctx.Done():
		return nil, ErrSendFailed("transport.lp.Accept", ctx.Err())
	}
}

func (s *LongPollServer) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

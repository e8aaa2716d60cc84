package transport

import (
	"context"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/yollayah/conductor/internal/frame"
	"github.com/yollayah/conductor/internal/protocol"
)

const (
	socketSendBuffer = 128
	socketRecvBuffer = 128
	socketReadChunk  = 4096
)

// SocketServer listens on a Unix domain socket at a filesystem path
// restricted to the owning principal, per spec §4.2.
type SocketServer struct {
	path     string
	ln       *net.UnixListener
	ownerUID uint32

	closeOnce sync.Once
}

// ListenSocket binds path with 0600 permissions. If the platform exposes
// peer credentials, every accepted connection's UID is compared against the
// server process's own UID; otherwise the filesystem permission bits are
// the sole gate.
func ListenSocket(path string) (*SocketServer, error) {
	_ = os.Remove(path) // stale socket from a prior crash

	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return nil, ErrInvalidState("transport.ListenSocket")
	}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, ErrSendFailed("transport.ListenSocket", err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		ln.Close()
		return nil, ErrSendFailed("transport.ListenSocket", err)
	}

	return &SocketServer{path: path, ln: ln, ownerUID: uint32(os.Getuid())}, nil
}

func (s *SocketServer) Accept(ctx context.Context) (Conn, error) {
	type result struct {
		conn *net.UnixConn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := s.ln.AcceptUnix()
		ch <- result{c, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, ErrSendFailed("transport.Accept", r.err)
		}
		if peerCredentialsAvailable {
			uid, err := peerUID(r.conn)
			if err != nil || uid != s.ownerUID {
				r.conn.Close()
				return nil, ErrAuthFailed("transport.Accept", err)
			}
		}
		return newSocketConn(r.conn), nil
	case <-ctx.Done():
		return nil, ErrSendFailed("transport.Accept", ctx.Err())
	}
}

func (s *SocketServer) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.ln.Close()
		_ = os.Remove(s.path)
	})
	return err
}

// socketConn wraps a net.UnixConn with the reader/writer cooperative tasks
// spec §4.2 describes: reader drains bytes through the frame codec into an
// inbound event channel, writer drains an outbound message channel through
// the codec onto the wire.
type socketConn struct {
	id   protocol.ConnectionId
	conn *net.UnixConn

	outbound chan protocol.ConductorMessage
	inbound  chan protocol.SurfaceEvent

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  atomic.Value
}

func newSocketConn(c *net.UnixConn) *socketConn {
	sc := &socketConn{
		id:       protocol.NewConnectionId(),
		conn:     c,
		outbound: make(chan protocol.ConductorMessage, socketSendBuffer),
		inbound:  make(chan protocol.SurfaceEvent, socketRecvBuffer),
		closed:   make(chan struct{}),
	}
	go sc.readLoop()
	go sc.writeLoop()
	return sc
}

func (c *socketConn) ID() protocol.ConnectionId { return c.id }

func (c *socketConn) readLoop() {
	defer close(c.inbound)
	dec := frame.NewDecoder()
	buf := make([]byte, socketReadChunk)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			dec.Push(buf[:n])
			c.drainEvents(dec)
		}
		if err != nil {
			c.fail(ErrSendFailed("transport.readLoop", err))
			return
		}
	}
}

func (c *socketConn) drainEvents(dec *frame.Decoder) {
	for {
		var buf []byte
		ok, err := frame.Decode(dec, (*rawMessage)(&buf))
		if err != nil {
			c.fail(ErrSendFailed("transport.drainEvents", err))
			return
		}
		if !ok {
			return
		}
		ev, err := protocol.UnmarshalSurfaceEvent(buf)
		if err != nil {
			c.fail(ErrSendFailed("transport.drainEvents", err))
			return
		}
		select {
		case c.inbound <- ev:
		case <-c.closed:
			return
		}
	}
}

func (c *socketConn) writeLoop() {
	for {
		select {
		case msg, ok := <-c.outbound:
			if !ok {
				return
			}
			payload, err := protocol.MarshalConductorMessage(msg)
			if err != nil {
				c.fail(ErrSendFailed("transport.writeLoop", err))
				return
			}
			encoded, err := frame.Encode(rawMessage(payload))
			if err != nil {
				c.fail(ErrSendFailed("transport.writeLoop", err))
				return
			}
			if _, err := c.conn.Write(encoded); err != nil {
				c.fail(ErrSendFailed("transport.writeLoop", err))
				return
			}
		case <-c.closed:
			return
		}
	}
}

// rawMessage lets the frame codec pass already-serialized JSON straight
// through without a second marshal/unmarshal round trip.
type rawMessage []byte

func (r rawMessage) MarshalJSON() ([]byte, error) { return r, nil }
func (r *rawMessage) UnmarshalJSON(b []byte) error {
	*r = append((*r)[:0], b...)
	return nil
}

func (c *socketConn) Send(ctx context.Context, msg protocol.ConductorMessage) error {
	select {
	case <-c.closed:
		return ErrClosed("transport.Send")
	default:
	}
	select {
	case c.outbound <- msg:
		return nil
	case <-c.closed:
		return ErrClosed("transport.Send")
	case <-ctx.Done():
		return ErrSendFailed("transport.Send", ctx.Err())
	}
}

func (c *socketConn) Recv(ctx context.Context) (protocol.SurfaceEvent, error) {
	select {
	case ev, ok := <-c.inbound:
		if !ok {
			return nil, c.loadErr()
		}
		return ev, nil
	case <-ctx.Done():
		return nil, ErrSendFailed("transport.Recv", ctx.Err())
	}
}

func (c *socketConn) fail(err error) {
	c.closeErr.CompareAndSwap(nil, err)
	c.Close()
}

func (c *socketConn) loadErr() error {
	if v := c.closeErr.Load(); v != nil {
		return v.(error)
	}
	return ErrClosed("transport.Recv")
}

func (c *socketConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
	return nil
}

// SocketClient dials a Unix domain socket and manages the reconnection
// state machine from spec §4.2: exponential backoff with a capped attempt
// count, resetting on a successful reconnect.
type SocketClient struct {
	path       string
	maxRetries uint

	mu    sync.Mutex
	state State
}

func DialSocket(path string, maxRetries uint) *SocketClient {
	return &SocketClient{path: path, maxRetries: maxRetries, state: Disconnected}
}

func (c *SocketClient) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *SocketClient) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Connect dials once, then retries with exponential backoff if the first
// attempt fails. A caller that wants transparent reconnection after an
// established connection drops should call Connect again from its own
// read-loop error handler. Each call starts in Connecting; the state moves
// to Reconnecting after a failed dial, to Connected on success, and to
// Disconnected once the retries are exhausted.
func (c *SocketClient) Connect(ctx context.Context) (Conn, error) {
	c.setState(Connecting)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.Multiplier = 2

	operation := func() (Conn, error) {
		addr, err := net.ResolveUnixAddr("unix", c.path)
		if err != nil {
			return nil, backoff.Permanent(ErrInvalidState("transport.Connect"))
		}
		conn, err := net.DialUnix("unix", nil, addr)
		if err != nil {
			c.setState(Reconnecting)
			return nil, ErrSendFailed("transport.Connect", err)
		}
		return newSocketConn(conn), nil
	}

	conn, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(c.maxRetries))
	if err != nil {
		c.setState(Disconnected)
		return nil, err
	}

	c.setState(Connected)
	return conn, nil
}

func (c *SocketClient) Close() error {
	c.setState(Disconnected)
	return nil
}

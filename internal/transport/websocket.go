package transport

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/yollayah/conductor/internal/protocol"
)

const (
	wsSendBuffer  = 128
	wsRecvBuffer  = 128
	wsPingPeriod  = 30 * time.Second
	wsPongTimeout = 60 * time.Second
)

// WebSocketUpgrader wraps gorilla's Upgrader with the conductor's defaults.
// Origin checking is left to the caller's http.Handler chain, mirroring the
// teacher's ws.WSHandler which performed its own auth before upgrading.
var WebSocketUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsConn adapts a *websocket.Conn to transport.Conn. Unlike socketConn it
// needs no frame codec: gorilla already delivers whole messages, so each
// ConductorMessage/SurfaceEvent is one JSON text frame.
type wsConn struct {
	id   protocol.ConnectionId
	conn *websocket.Conn

	outbound chan protocol.ConductorMessage
	inbound  chan protocol.SurfaceEvent

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  atomic.Value
}

// NewWebSocketConn takes ownership of an already-upgraded connection and
// starts its reader/writer cooperative tasks.
func NewWebSocketConn(c *websocket.Conn) Conn {
	wc := &wsConn{
		id:       protocol.NewConnectionId(),
		conn:     c,
		outbound: make(chan protocol.ConductorMessage, wsSendBuffer),
		inbound:  make(chan protocol.SurfaceEvent, wsRecvBuffer),
		closed:   make(chan struct{}),
	}
	c.SetReadDeadline(time.Now().Add(wsPongTimeout))
	c.SetPongHandler(func(string) error {
		c.SetReadDeadline(time.Now().Add(wsPongTimeout))
		return nil
	})
	go wc.readLoop()
	go wc.writeLoop()
	return wc
}

func (c *wsConn) ID() protocol.ConnectionId { return c.id }

func (c *wsConn) readLoop() {
	defer close(c.inbound)
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			c.fail(ErrSendFailed("transport.ws.readLoop", err))
			return
		}
		ev, err := protocol.UnmarshalSurfaceEvent(payload)
		if err != nil {
			c.fail(ErrSendFailed("transport.ws.readLoop", err))
			return
		}
		select {
		case c.inbound <- ev:
		case <-c.closed:
			return
		}
	}
}

func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-c.outbound:
			if !ok {
				return
			}
			payload, err := protocol.MarshalConductorMessage(msg)
			if err != nil {
				c.fail(ErrSendFailed("transport.ws.writeLoop", err))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.fail(ErrSendFailed("transport.ws.writeLoop", err))
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.fail(ErrSendFailed("transport.ws.writeLoop", err))
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (c *wsConn) Send(ctx context.Context, msg protocol.ConductorMessage) error {
	select {
	case <-c.closed:
		return ErrClosed("transport.ws.Send")
	default:
	}
	select {
	case c.outbound <- msg:
		return nil
	case <-c.closed:
		return ErrClosed("transport.ws.Send")
	case <-ctx.Done():
		return ErrSendFailed("transport.ws.Send", ctx.Err())
	}
}

func (c *wsConn) Recv(ctx context.Context) (protocol.SurfaceEvent, error) {
	select {
	case ev, ok := <-c.inbound:
		if !ok {
			return nil, c.loadErr()
		}
		return ev, nil
	case <-ctx.Done():
		return nil, ErrSendFailed("transport.ws.Recv", ctx.Err())
	}
}

func (c *wsConn) fail(err error) {
	c.closeErr.CompareAndSwap(nil, err)
	c.Close()
}

func (c *wsConn) loadErr() error {
	if v := c.closeErr.Load(); v != nil {
		return v.(error)
	}
	return ErrClosed("transport.ws.Recv")
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
	return nil
}

// WebSocketServer satisfies transport.Server over a channel fed by an
// http.Handler calling Accept's companion push method per upgraded
// connection. Unlike SocketServer it doesn't own a net.Listener itself —
// chi owns the listener — so handoff happens through a buffered channel.
type WebSocketServer struct {
	incoming chan Conn
	closed   chan struct{}
	closeOnce sync.Once
}

func NewWebSocketServer() *WebSocketServer {
	return &WebSocketServer{
		incoming: make(chan Conn, 16),
		closed:   make(chan struct{}),
	}
}

// Upgrade completes the HTTP->WebSocket handshake and hands the resulting
// Conn to whatever goroutine is blocked in Accept. It is called directly
// from the chi route handler, analogous to ws.WSHandler.HandleWS.
func (s *WebSocketServer) Upgrade(w http.ResponseWriter, r *http.Request) error {
	raw, err := WebSocketUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return ErrSendFailed("transport.ws.Upgrade", err)
	}
	conn := NewWebSocketConn(raw)
	select {
	case s.incoming <- conn:
		return nil
	case <-s.closed:
		conn.Close()
		return ErrClosed("transport.ws.Upgrade")
	}
}

func (s *WebSocketServer) Accept(ctx context.Context) (Conn, error) {
	select {
	case conn := <-s.incoming:
		return conn, nil
	case <-s.closed:
		return nil, ErrClosed("transport.ws.Accept")
	case <-ctx.Done():
		return nil, ErrSendFailed("transport.ws.Accept", ctx.Err())
	}
}

func (s *WebSocketServer) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

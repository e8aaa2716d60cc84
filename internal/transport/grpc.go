package transport

import (
	"context"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"

	"github.com/yollayah/conductor/internal/protocol"
)

// rawCodec ships already-JSON-encoded protocol messages straight through
// grpc's own message framing, so a bidirectional stream transport doesn't
// need protoc-generated message types: every frame grpc delivers is exactly
// one MarshalConductorMessage/MarshalSurfaceEvent payload. grpc-go's codec
// plugin point (encoding.Codec, selected with grpc.ForceServerCodec /
// grpc.ForceCodec) is built for exactly this.
type rawCodec struct{}

const rawCodecName = "conductor-raw"

func (rawCodec) Marshal(v interface{}) ([]byte, error) {
	if b, ok := v.([]byte); ok {
		return b, nil
	}
	return nil, errUnsupportedCodecType{v}
}

func (rawCodec) Unmarshal(data []byte, v interface{}) error {
	p, ok := v.(*[]byte)
	if !ok {
		return errUnsupportedCodecType{v}
	}
	*p = append((*p)[:0], data...)
	return nil
}

func (rawCodec) Name() string { return rawCodecName }

type errUnsupportedCodecType struct{ v interface{} }

func (e errUnsupportedCodecType) Error() string {
	return "transport: rawCodec only handles []byte payloads"
}

func init() {
	encoding.RegisterCodec(rawCodec{})
}

// SurfaceStreamServiceDesc is the hand-written equivalent of what protoc
// would generate for a single bidi-streaming RPC. There is no .proto here:
// the wire payload is whatever rawCodec passes through, i.e. the same JSON
// envelope every other transport uses, so a network surface speaks the
// identical protocol package across sockets, websockets, and grpc.
var SurfaceStreamServiceDesc = grpc.ServiceDesc{
	ServiceName: "conductor.v1.Surface",
	HandlerType: (*grpcStreamHandler)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Attach",
			Handler:       attachHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "conductor/surface",
}

type grpcStreamHandler interface {
	Attach(stream grpc.ServerStream) error
}

func attachHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(grpcStreamHandler).Attach(stream)
}

// GRPCServer adapts a bidi-streamed grpc.ServiceDesc registration into
// transport.Server, the same handoff pattern WebSocketServer uses: the RPC
// handler pushes each newly opened stream onto a channel that Accept reads.
type GRPCServer struct {
	incoming  chan Conn
	closed    chan struct{}
	closeOnce sync.Once
}

func NewGRPCServer() *GRPCServer {
	return &GRPCServer{
		incoming: make(chan Conn, 16),
		closed:   make(chan struct{}),
	}
}

// Register wires this server's Attach RPC onto an existing *grpc.Server.
// The caller is responsible for building that server with
// grpc.ForceServerCodec(rawCodec{}) so frames bypass protobuf entirely.
func (s *GRPCServer) Register(gs *grpc.Server) {
	gs.RegisterService(&SurfaceStreamServiceDesc, (grpcStreamHandler)(s))
}

// Attach is the RPC handler invoked by grpc-go for every new Surface/Attach
// call. It blocks for the stream's lifetime, exactly like the teacher's
// DeliveryService.Stream pump loop, except this conn is full-duplex.
func (s *GRPCServer) Attach(stream grpc.ServerStream) error {
	conn := newGRPCConn(stream)
	select {
	case s.incoming <- conn:
	case <-s.closed:
		conn.Close()
		return ErrClosed("transport.grpc.Attach")
	}
	<-conn.closed
	return conn.loadErr()
}

func (s *GRPCServer) Accept(ctx context.Context) (Conn, error) {
	select {
	case conn := <-s.incoming:
		return conn, nil
	case <-s.closed:
		return nil, ErrClosed("transport.grpc.Accept")
	case <-ctx.Done():
		return nil, ErrSendFailed("transport.grpc.Accept", ctx.Err())
	}
}

func (s *GRPCServer) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

const (
	grpcSendBuffer = 128
	grpcRecvBuffer = 128
)

type grpcConn struct {
	id     protocol.ConnectionId
	stream grpc.ServerStream

	outbound chan protocol.ConductorMessage
	inbound  chan protocol.SurfaceEvent

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  atomic.Value
}

func newGRPCConn(stream grpc.ServerStream) *grpcConn {
	c := &grpcConn{
		id:       protocol.NewConnectionId(),
		stream:   stream,
		outbound: make(chan protocol.ConductorMessage, grpcSendBuffer),
		inbound:  make(chan protocol.SurfaceEvent, grpcRecvBuffer),
		closed:   make(chan struct{}),
	}
	go c.readLoop()
	go c.writeLoop()
	return c
}

func (c *grpcConn) ID() protocol.ConnectionId { return c.id }

func (c *grpcConn) readLoop() {
	defer close(c.inbound)
	for {
		var payload []byte
		if err := c.stream.RecvMsg(&payload); err != nil {
			c.fail(ErrSendFailed("transport.grpc.readLoop", err))
			return
		}
		ev, err := protocol.UnmarshalSurfaceEvent(payload)
		if err != nil {
			c.fail(ErrSendFailed("transport.grpc.readLoop", err))
			return
		}
		select {
		case c.inbound <- ev:
		case <-c.closed:
			return
		}
	}
}

func (c *grpcConn) writeLoop() {
	for {
		select {
		case msg, ok := <-c.outbound:
			if !ok {
				return
			}
			payload, err := protocol.MarshalConductorMessage(msg)
			if err != nil {
				c.fail(ErrSendFailed("transport.grpc.writeLoop", err))
				return
			}
			if err := c.stream.SendMsg(payload); err != nil {
				c.fail(ErrSendFailed("transport.grpc.writeLoop", err))
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (c *grpcConn) Send(ctx context.Context, msg protocol.ConductorMessage) error {
	select {
	case <-c.closed:
		return ErrClosed("transport.grpc.Send")
	default:
	}
	select {
	case c.outbound <- msg:
		return nil
	case <-c.closed:
		return ErrClosed("transport.grpc.Send")
	case <-ctx.Done():
		return ErrSendFailed("transport.grpc.Send", ctx.Err())
	}
}

func (c *grpcConn) Recv(ctx context.Context) (protocol.SurfaceEvent, error) {
	select {
	case ev, ok := <-c.inbound:
		if !ok {
			return nil, c.loadErr()
		}
		return ev, nil
	case <-ctx.Done():
		return nil, ErrSendFailed("transport.grpc.Recv", ctx.Err())
	}
}

func (c *grpcConn) fail(err error) {
	c.closeErr.CompareAndSwap(nil, err)
	c.Close()
}

func (c *grpcConn) loadErr() error {
	if v := c.closeErr.Load(); v != nil {
		return v.(error)
	}
	return nil
}

func (c *grpcConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
	return nil
}

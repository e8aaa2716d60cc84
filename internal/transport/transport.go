// Package transport implements the surface<->core byte pipes described in
// spec §4.2: a local-socket transport for out-of-process surfaces and an
// in-process channel-pair transport for an embedded surface, both exposing
// the same abstract shape on top of the frame codec.
package transport

import (
	"context"

	"github.com/yollayah/conductor/internal/cerr"
	"github.com/yollayah/conductor/internal/protocol"
)

// State is the client-observable connection lifecycle.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Conn is one accepted or dialed connection, abstracting over the local
// socket and in-process implementations. Every Conn is safe for concurrent
// Send and Recv from independent goroutines (single-writer, single-reader).
type Conn interface {
	ID() protocol.ConnectionId

	// Send enqueues a message for the writer side. It returns
	// cerr.KindTransport if the connection is closed or the outbound queue
	// is full beyond its blocking budget.
	Send(ctx context.Context, msg protocol.ConductorMessage) error

	// Recv blocks until the next inbound event is available, ctx is
	// cancelled, or the connection closes.
	Recv(ctx context.Context) (protocol.SurfaceEvent, error)

	// Close tears down both cooperative tasks and releases the
	// ConnectionId. Idempotent.
	Close() error
}

// Server accepts connections and hands each to a handler. Accept blocks
// until a connection arrives or the server is closed.
type Server interface {
	Accept(ctx context.Context) (Conn, error)
	Close() error
}

// Client dials a single connection and tracks its reconnection state.
type Client interface {
	Connect(ctx context.Context) (Conn, error)
	State() State
	Close() error
}

// Error constructors. Every transport implementation wraps its failures in
// one of these so callers can branch without knowing which concrete
// transport they're using.

func ErrClosed(op string) error {
	return cerr.New(cerr.KindTransport, op, errClosed{})
}

func ErrSendFailed(op string, cause error) error {
	return cerr.New(cerr.KindTransport, op, errSendFailed{cause: cause})
}

func ErrInvalidState(op string) error {
	return cerr.New(cerr.KindTransport, op, errInvalidState{})
}

func ErrAuthFailed(op string, cause error) error {
	return cerr.New(cerr.KindAuth, op, errAuthFailed{cause: cause})
}

type errClosed struct{}

func (errClosed) Error() string { return "connection closed" }

type errSendFailed struct{ cause error }

func (e errSendFailed) Error() string { return "send failed: " + e.cause.Error() }
func (e errSendFailed) Unwrap() error { return e.cause }

type errInvalidState struct{}

func (errInvalidState) Error() string { return "operation issued before listen/connect" }

type errAuthFailed struct{ cause error }

func (e errAuthFailed) Error() string {
	if e.cause == nil {
		return "peer credential mismatch"
	}
	return "auth failed: " + e.cause.Error()
}
func (e errAuthFailed) Unwrap() error { return e.cause }

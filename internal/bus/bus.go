// Package bus adapts github.com/ThreeDotsLabs/watermill's in-process
// gochannel transport into the conductor's single inbound event queue. It
// replaces the teacher's AMQP-backed message.Router (internal/handler/amqp)
// with a local pub/sub: every connection's reader goroutine publishes onto
// one topic, and the conductor is the sole subscriber, which gives its
// state machine a naturally serialized stream of work without an explicit
// dispatch mutex. Cross-process clustering is an explicit non-goal for this
// component, so the AMQP binding itself is not carried over.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/yollayah/conductor/internal/protocol"
)

// InboundTopic is the sole topic the conductor consumes. Every attached
// connection publishes onto it, tagged with its own ConnectionId.
const InboundTopic = "surface.events"

// InboundEnvelope pairs a raw SurfaceEvent with the connection it arrived
// on, since the conductor dispatches differently depending on origin.
type InboundEnvelope struct {
	ConnectionID protocol.ConnectionId
	Event        protocol.SurfaceEvent
}

type wireEnvelope struct {
	ConnectionID protocol.ConnectionId `json:"connection_id"`
	Event        json.RawMessage       `json:"event"`
}

func (e InboundEnvelope) marshal() ([]byte, error) {
	raw, err := protocol.MarshalSurfaceEvent(e.Event)
	if err != nil {
		return nil, fmt.Errorf("bus: marshal event: %w", err)
	}
	return json.Marshal(wireEnvelope{ConnectionID: e.ConnectionID, Event: raw})
}

// Decode reconstructs an InboundEnvelope from a delivered watermill message.
func Decode(msg *message.Message) (InboundEnvelope, error) {
	var wire wireEnvelope
	if err := json.Unmarshal(msg.Payload, &wire); err != nil {
		return InboundEnvelope{}, fmt.Errorf("bus: unmarshal envelope: %w", err)
	}
	ev, err := protocol.UnmarshalSurfaceEvent(wire.Event)
	if err != nil {
		return InboundEnvelope{}, fmt.Errorf("bus: unmarshal event: %w", err)
	}
	return InboundEnvelope{ConnectionID: wire.ConnectionID, Event: ev}, nil
}

// Bus is the process-local event bus fronting the conductor's inbound
// queue. It is safe for concurrent Publish from many connection goroutines.
type Bus struct {
	gc  *gochannel.GoChannel
	log *slog.Logger
}

func New(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	gc := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: int64(256)}, watermill.NewSlogLogger(log))
	return &Bus{gc: gc, log: log}
}

// Publish enqueues one surface event for the conductor to consume.
func (b *Bus) Publish(connID protocol.ConnectionId, ev protocol.SurfaceEvent) error {
	env := InboundEnvelope{ConnectionID: connID, Event: ev}
	payload, err := env.marshal()
	if err != nil {
		return err
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	return b.gc.Publish(InboundTopic, msg)
}

// Subscribe returns the conductor's single inbound channel. Callers decode
// each delivery with Decode and must Ack it so the gochannel implementation
// can release its internal buffer slot.
func (b *Bus) Subscribe(ctx context.Context) (<-chan *message.Message, error) {
	return b.gc.Subscribe(ctx, InboundTopic)
}

func (b *Bus) Close() error {
	return b.gc.Close()
}

// Package conductor implements the core orchestration state machine from
// spec §4.12: the sole owner of the connection registry, conversation
// manager, and stream manager, consuming every attached surface's events
// off the internal bus and deciding what to do about them.
package conductor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/yollayah/conductor/internal/backend"
	"github.com/yollayah/conductor/internal/bus"
	"github.com/yollayah/conductor/internal/conversation"
	"github.com/yollayah/conductor/internal/heartbeat"
	"github.com/yollayah/conductor/internal/model"
	"github.com/yollayah/conductor/internal/protocol"
	"github.com/yollayah/conductor/internal/ratelimit"
	"github.com/yollayah/conductor/internal/registry"
	"github.com/yollayah/conductor/internal/routing"
	"github.com/yollayah/conductor/internal/streaming"
	"github.com/yollayah/conductor/internal/transport"
)

// summaryLatencyBudget bounds the backend call the summary hook makes to
// digest a completed batch of sub-conversations.
const summaryLatencyBudget = 30 * time.Second

// Config tunes the conductor's ambient behavior. All fields have sane
// defaults via DefaultConfig.
type Config struct {
	ProtocolVersion uint32
	LatencyBudget   time.Duration
	StreamCapacity  int
	StreamPolicy    model.OverflowPolicy
	PollInterval    time.Duration
}

func DefaultConfig() Config {
	return Config{
		ProtocolVersion: 1,
		LatencyBudget:   30 * time.Second,
		StreamCapacity:  64,
		StreamPolicy:    model.DropOldest,
		PollInterval:    50 * time.Millisecond,
	}
}

// SummaryHook builds the conversation.WithSummaryHook callback: it stitches
// the completed children's assistant messages into a transcript, routes the
// transcript through the backend for an actual summary, and broadcasts the
// result. A backend failure is surfaced as Notify{Error} rather than
// retried automatically; a human can re-trigger by re-requesting a summary.
func SummaryHook(reg *registry.Registry, convs *conversation.Manager, router *routing.Router) func(conversation.SummaryReady) {
	return func(sr conversation.SummaryReady) {
		var transcript string
		for _, childID := range sr.Children {
			child, ok := convs.Get(childID)
			if !ok {
				continue
			}
			for _, msg := range child.Messages {
				if msg.Role == protocol.RoleAssistant {
					transcript += msg.Content + "\n"
				}
			}
		}

		ctx := context.Background()
		breq := backend.NewRequest(transcript, "").
			WithStream(false).
			WithSystem("Summarize the following sub-agent transcripts into a short digest for the user.")
		resp, err := router.Route(ctx, routing.Request{Prompt: transcript}, summaryLatencyBudget, breq)
		if err != nil {
			reg.Broadcast(ctx, protocol.Notify{Level: protocol.NotifyError, Message: "summary generation failed: " + err.Error()})
			return
		}

		reg.Broadcast(ctx, protocol.SummaryReady{
			Parent:   sr.Parent,
			Children: sr.Children,
			Summary:  resp.Content,
		})
	}
}

// surfaceSender adapts a transport.Conn plus its declared capabilities into
// a registry.Sender, reusing model.Surface's capability filter instead of
// duplicating it.
type surfaceSender struct {
	conn transport.Conn
	caps protocol.Capabilities
}

func (s surfaceSender) Send(ctx context.Context, msg protocol.ConductorMessage) error {
	return s.conn.Send(ctx, msg)
}

func (s surfaceSender) Accepts(msg protocol.ConductorMessage) bool {
	surf := &model.Surface{Capabilities: s.caps}
	return surf.Accepts(msg)
}

// activeStream tracks the message identity behind a conversation's current
// assistant turn, since streaming.Manager's poll-all events only carry the
// ConversationId.
type activeStream struct {
	messageID protocol.MessageId
	started   time.Time
}

// Conductor is the single-threaded-by-construction core: its dispatch loop
// is the only writer to conversations/streams/registry state, even though
// many surface goroutines feed it concurrently through the bus.
type Conductor struct {
	cfg Config
	log *slog.Logger

	bus          *bus.Bus
	registry     *registry.Registry
	conversations *conversation.Manager
	streams      *streaming.Manager
	heartbeats   *heartbeat.Monitor
	router       *routing.Router
	limiter      *ratelimit.Limiter

	mu      sync.Mutex
	state   protocol.ConductorState
	session protocol.SessionId

	connsMu    sync.Mutex
	conns      map[protocol.ConnectionId]transport.Conn
	handshook  map[protocol.ConnectionId]bool
	principals map[protocol.ConnectionId]string

	activeMu sync.Mutex
	active   map[protocol.ConversationId]*activeStream
}

type Option func(*Conductor)

func WithLogger(l *slog.Logger) Option {
	return func(c *Conductor) { c.log = l }
}

func WithConfig(cfg Config) Option {
	return func(c *Conductor) { c.cfg = cfg }
}

// New wires a Conductor around its subsystems. convs should already carry a
// conversation.WithSummaryHook that broadcasts protocol.SummaryReady through
// the same registry passed here, since summary delivery is a fan-out
// concern the conversation manager itself deliberately knows nothing about.
func New(b *bus.Bus, reg *registry.Registry, convs *conversation.Manager, streams *streaming.Manager, hb *heartbeat.Monitor, router *routing.Router, limiter *ratelimit.Limiter, opts ...Option) *Conductor {
	c := &Conductor{
		cfg:           DefaultConfig(),
		log:           slog.Default(),
		bus:           b,
		registry:      reg,
		conversations: convs,
		streams:       streams,
		heartbeats:    hb,
		router:        router,
		limiter:       limiter,
		state:         protocol.StateInitializing,
		session:       protocol.NewSessionId(),
		conns:         make(map[protocol.ConnectionId]transport.Conn),
		handshook:     make(map[protocol.ConnectionId]bool),
		principals:    make(map[protocol.ConnectionId]string),
		active:        make(map[protocol.ConversationId]*activeStream),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Attach registers a freshly accepted/dialed connection and spawns its
// reader goroutine, which republishes every inbound SurfaceEvent onto the
// shared bus tagged with this connection's id. The goroutine exits (and
// synthesizes a Disconnected event) once Recv returns an error.
func (c *Conductor) Attach(ctx context.Context, conn transport.Conn) {
	id := conn.ID()
	c.connsMu.Lock()
	c.conns[id] = conn
	c.connsMu.Unlock()
	c.limiter.Register(id)

	go func() {
		for {
			ev, err := conn.Recv(ctx)
			if err != nil {
				_ = c.bus.Publish(id, protocol.Disconnected{})
				return
			}
			if admitErr := c.limiter.Admit(ctx, id); admitErr != nil {
				c.log.Warn("message dropped by rate limiter", "connection_id", id, "error", admitErr)
				continue
			}
			if pubErr := c.bus.Publish(id, ev); pubErr != nil {
				c.log.Warn("bus publish failed", "connection_id", id, "error", pubErr)
			}
		}
	}()
}

// Run drives the conductor's dispatch loop and its ancillary tickers until
// ctx is cancelled. It blocks, so callers run it in its own goroutine (the
// teacher's fx lifecycle hooks do exactly this for long-running loops).
func (c *Conductor) Run(ctx context.Context) error {
	msgs, err := c.bus.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("conductor: subscribe: %w", err)
	}

	c.transition(ctx, protocol.StateReady)

	pollTicker := time.NewTicker(c.cfg.PollInterval)
	defer pollTicker.Stop()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		c.heartbeats.Run(ctx,
			func(id protocol.ConnectionId, seq uint64) {
				_ = c.registry.SendTo(ctx, id, protocol.Ping{Seq: seq})
			},
			func(id protocol.ConnectionId) {
				c.evictConnection(ctx, id)
			},
		)
	}()

	for {
		select {
		case <-ctx.Done():
			c.transition(ctx, protocol.StateShuttingDown)
			<-heartbeatDone
			return ctx.Err()

		case raw, ok := <-msgs:
			if !ok {
				return nil
			}
			env, decErr := bus.Decode(raw)
			if decErr != nil {
				c.log.Warn("dropping undecodable bus message", "error", decErr)
				raw.Ack()
				continue
			}
			c.handle(ctx, env.ConnectionID, env.Event)
			raw.Ack()

		case <-pollTicker.C:
			c.flushStreams(ctx)
		}
	}
}

func (c *Conductor) transition(ctx context.Context, s protocol.ConductorState) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()
	c.registry.Broadcast(ctx, protocol.State{State: s})
}

func (c *Conductor) State() protocol.ConductorState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conductor) evictConnection(ctx context.Context, id protocol.ConnectionId) {
	c.registry.Remove(id)
	c.heartbeats.Unregister(id)
	c.limiter.Unregister(id)
	c.connsMu.Lock()
	conn, ok := c.conns[id]
	delete(c.conns, id)
	delete(c.handshook, id)
	principal, hadPrincipal := c.principals[id]
	delete(c.principals, id)
	c.connsMu.Unlock()
	if hadPrincipal {
		c.limiter.ReleaseConnection(principal)
	}
	if ok {
		_ = conn.Close()
	}
}

// handle dispatches one SurfaceEvent. It is the only place conversation,
// stream, and registry state is mutated from the dispatch path.
//
// Receipt of a non-Handshake event before a connection has completed its
// Handshake is a fatal per-connection error: the connection is closed
// without registering, routing, or broadcasting anything. Disconnected is
// exempt since it is the conductor's own synthesized signal that the
// reader loop has already stopped, not surface-sent payload.
func (c *Conductor) handle(ctx context.Context, connID protocol.ConnectionId, ev protocol.SurfaceEvent) {
	if _, isHandshake := ev.(protocol.Handshake); !isHandshake {
		if _, isDisconnect := ev.(protocol.Disconnected); !isDisconnect {
			c.connsMu.Lock()
			shook := c.handshook[connID]
			c.connsMu.Unlock()
			if !shook {
				c.log.Warn("event received before handshake, closing connection", "connection_id", connID, "type", ev.EventType())
				c.evictConnection(ctx, connID)
				return
			}
		}
	}

	switch e := ev.(type) {
	case protocol.Handshake:
		c.handleHandshake(ctx, connID, e)
	case protocol.Disconnected:
		c.evictConnection(ctx, connID)
	case protocol.QuitRequested:
		c.handleQuit(ctx, connID, e)
	case protocol.SurfaceError:
		c.log.Warn("surface reported error", "connection_id", connID, "error", e.Error, "recoverable", e.Recoverable)
		if !e.Recoverable {
			c.evictConnection(ctx, connID)
		}
	case protocol.UserMessage:
		c.handleUserMessage(ctx, connID, e)
	case protocol.UserCommand:
		c.handleUserCommand(ctx, connID, e)
	case protocol.UserTyping:
		if e.Typing {
			c.transition(ctx, protocol.StateListening)
		} else if c.State() == protocol.StateListening {
			c.transition(ctx, protocol.StateReady)
		}
	case protocol.UserScrolled:
		// Surface-local concern; the conductor only needs to know it happened
		// if a future feature keys layout hints off of it.
	case protocol.AvatarClicked:
		_ = c.registry.SendTo(ctx, connID, protocol.Ack{EventID: e.EventID})
		c.registry.Broadcast(ctx, protocol.AvatarReact{Reaction: "wave", DurationMs: 800})
	case protocol.TaskClicked:
		_ = c.registry.SendTo(ctx, connID, protocol.Ack{EventID: e.EventID})
		c.registry.Broadcast(ctx, protocol.TaskFocus{TaskID: e.TaskID})
	case protocol.Pong:
		c.heartbeats.Pong(connID, e.Seq)
		c.registry.Touch(connID)
	case protocol.CapabilitiesReport:
		c.log.Info("capabilities updated", "connection_id", connID, "capabilities", e.Capabilities)
	case protocol.Resized, protocol.MessageClicked, protocol.MessageReceived, protocol.RenderComplete, protocol.Connected:
		// Acknowledged implicitly; nothing downstream currently keys off these.
	default:
		c.log.Warn("unhandled surface event", "connection_id", connID, "type", ev.EventType())
	}
}

func (c *Conductor) handleHandshake(ctx context.Context, connID protocol.ConnectionId, h protocol.Handshake) {
	c.connsMu.Lock()
	conn, ok := c.conns[connID]
	c.connsMu.Unlock()
	if !ok {
		c.log.Warn("handshake for unattached connection", "connection_id", connID)
		return
	}

	if h.ProtocolVersion != c.cfg.ProtocolVersion {
		reason := fmt.Sprintf("unsupported protocol version %d, want %d", h.ProtocolVersion, c.cfg.ProtocolVersion)
		_ = conn.Send(ctx, protocol.HandshakeAck{
			Accepted:        false,
			ConnectionID:    string(connID),
			RejectionReason: &reason,
			ProtocolVersion: c.cfg.ProtocolVersion,
		})
		return
	}

	principal := handshakePrincipal(h)
	if err := c.limiter.AdmitConnection(principal); err != nil {
		reason := err.Error()
		_ = conn.Send(ctx, protocol.HandshakeAck{
			Accepted:        false,
			ConnectionID:    string(connID),
			RejectionReason: &reason,
			ProtocolVersion: c.cfg.ProtocolVersion,
		})
		return
	}

	sender := surfaceSender{conn: conn, caps: h.Capabilities}
	c.registry.Register(connID, sender, h.Capabilities)
	c.heartbeats.Register(connID)
	c.connsMu.Lock()
	c.handshook[connID] = true
	c.principals[connID] = principal
	c.connsMu.Unlock()

	_ = conn.Send(ctx, protocol.HandshakeAck{
		Accepted:        true,
		ConnectionID:    string(connID),
		ProtocolVersion: c.cfg.ProtocolVersion,
	})
	_ = conn.Send(ctx, protocol.SessionInfo{SessionID: c.session, Ready: true})
	_ = conn.Send(ctx, protocol.StateSnapshot{
		SessionID:      c.session,
		ConductorState: c.State(),
	})
}

// handshakePrincipal derives the per-principal rate-limit bucket for a
// handshake: the declared auth token when present, otherwise a shared
// anonymous bucket. Only the local-socket transport has a real OS peer
// principal (enforced at accept time, see internal/transport/socket.go);
// every other transport has nothing stronger than what the surface itself
// declares at handshake.
func handshakePrincipal(h protocol.Handshake) string {
	if h.AuthToken != nil && *h.AuthToken != "" {
		return *h.AuthToken
	}
	return "anonymous"
}

func (c *Conductor) handleQuit(ctx context.Context, connID protocol.ConnectionId, q protocol.QuitRequested) {
	_ = c.registry.SendTo(ctx, connID, protocol.Ack{EventID: q.EventID})
	msg := "shutting down"
	c.registry.Broadcast(ctx, protocol.Quit{Message: &msg})
	c.transition(ctx, protocol.StateShuttingDown)
}

func (c *Conductor) handleUserCommand(ctx context.Context, connID protocol.ConnectionId, cmd protocol.UserCommand) {
	switch cmd.Command {
	case "new":
		id := c.conversations.Create(nil, nil)
		_ = c.conversations.SetFocus(id)
		c.registry.Broadcast(ctx, protocol.ConversationCreated{ConversationID: id})
		c.registry.Broadcast(ctx, protocol.ConversationFocused{ConversationID: id})
	case "focus":
		if len(cmd.Args) == 0 {
			c.notifyError(ctx, connID, "focus requires a conversation id")
			return
		}
		id := protocol.ConversationId(cmd.Args[0])
		if err := c.conversations.SetFocus(id); err != nil {
			c.notifyError(ctx, connID, err.Error())
			return
		}
		c.registry.Broadcast(ctx, protocol.ConversationFocused{ConversationID: id})
	default:
		c.notifyError(ctx, connID, fmt.Sprintf("unknown command %q", cmd.Command))
	}
	_ = c.registry.SendTo(ctx, connID, protocol.Ack{EventID: cmd.EventID})
}

func (c *Conductor) notifyError(ctx context.Context, connID protocol.ConnectionId, text string) {
	_ = c.registry.SendTo(ctx, connID, protocol.Notify{Level: protocol.NotifyError, Message: text})
}

// handleUserMessage appends the user's turn, picks or creates a focused
// conversation, and routes the prompt through the router, wiring its
// streaming output into the stream manager under that conversation's id.
func (c *Conductor) handleUserMessage(ctx context.Context, connID protocol.ConnectionId, um protocol.UserMessage) {
	convID := c.focusedOrCreate()

	_ = c.conversations.AppendMessage(convID, model.ConversationMessage{
		Role:        protocol.RoleUser,
		Content:     um.Content,
		Timestamp:   time.Now(),
		ContentType: protocol.ContentType{Kind: protocol.ContentPlain},
	}, true)

	c.transition(ctx, protocol.StateThinking)

	messageID := protocol.NewMessageId()
	c.activeMu.Lock()
	c.active[convID] = &activeStream{messageID: messageID, started: time.Now()}
	c.activeMu.Unlock()

	breq := backend.NewRequest(um.Content, "")
	upstream, err := c.router.RouteStreaming(ctx, routing.Request{Prompt: um.Content}, c.cfg.LatencyBudget, breq)
	if err != nil {
		c.failStream(ctx, convID, err)
		return
	}

	relay := make(chan streaming.Token, c.cfg.StreamCapacity)
	go func() {
		defer close(relay)
		for tok := range upstream {
			switch tok.Kind {
			case backend.TokenPartial:
				relay <- streaming.Token{Text: tok.Text}
			case backend.TokenComplete:
				final := tok.Message
				relay <- streaming.Token{Final: &final}
			case backend.TokenError:
				relay <- streaming.Token{Err: errors.New(tok.Err)}
			}
		}
	}()

	if err := c.streams.Register(convID, relay, c.cfg.StreamCapacity, c.cfg.StreamPolicy); err != nil {
		c.failStream(ctx, convID, err)
		return
	}
	_ = c.conversations.SetState(convID, model.ConvStreaming)
	c.transition(ctx, protocol.StateResponding)
}

func (c *Conductor) failStream(ctx context.Context, convID protocol.ConversationId, err error) {
	_ = c.conversations.SetState(convID, model.ConvFailed)
	c.activeMu.Lock()
	delete(c.active, convID)
	c.activeMu.Unlock()
	c.registry.Broadcast(ctx, protocol.StreamError{Error: err.Error()})
	c.transition(ctx, protocol.StateReady)
}

func (c *Conductor) focusedOrCreate() protocol.ConversationId {
	for _, conv := range c.conversations.List() {
		if conv.Focused {
			return conv.ID
		}
	}
	id := c.conversations.Create(nil, nil)
	_ = c.conversations.SetFocus(id)
	return id
}

// flushStreams drains every registered stream's non-blocking poll pass and
// turns the results into ConductorMessages, closing out conversation state
// and the active-stream bookkeeping once a stream ends.
func (c *Conductor) flushStreams(ctx context.Context) {
	events := c.streams.PollAll()
	if len(events) == 0 {
		return
	}

	anyActive := false
	for _, ev := range events {
		c.activeMu.Lock()
		as, ok := c.active[ev.ConversationID]
		c.activeMu.Unlock()
		if !ok {
			continue
		}

		switch ev.Kind {
		case model.StreamToken:
			anyActive = true
			c.registry.Broadcast(ctx, protocol.ConversationStreamToken{
				ConversationID: ev.ConversationID,
				MessageID:      as.messageID,
				Text:           ev.Text,
			})
		case model.StreamEnded:
			meta := protocol.ResponseMetadata{ElapsedMs: uint64(time.Since(as.started).Milliseconds())}
			c.registry.Broadcast(ctx, protocol.ConversationStreamEnd{
				ConversationID: ev.ConversationID,
				MessageID:      as.messageID,
				FinalContent:   ev.Final,
				Metadata:       meta,
			})
			_ = c.conversations.AppendMessage(ev.ConversationID, model.ConversationMessage{
				Role:        protocol.RoleAssistant,
				Content:     ev.Final,
				Timestamp:   time.Now(),
				ContentType: protocol.ContentType{Kind: protocol.ContentMarkdown},
				Metadata:    &meta,
			}, true)
			c.activeMu.Lock()
			delete(c.active, ev.ConversationID)
			c.activeMu.Unlock()
			c.streams.Deregister(ev.ConversationID)
		case model.StreamErrored:
			c.registry.Broadcast(ctx, protocol.StreamError{MessageID: as.messageID, Error: ev.Err})
			_ = c.conversations.SetState(ev.ConversationID, model.ConvFailed)
			c.activeMu.Lock()
			delete(c.active, ev.ConversationID)
			c.activeMu.Unlock()
			c.streams.Deregister(ev.ConversationID)
		}
	}

	c.activeMu.Lock()
	stillStreaming := len(c.active) > 0
	c.activeMu.Unlock()
	if !stillStreaming && (anyActive || c.State() == protocol.StateResponding) {
		c.transition(ctx, protocol.StateReady)
	}
}

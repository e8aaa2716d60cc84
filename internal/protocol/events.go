package protocol

import (
	"encoding/json"
	"fmt"
)

// SurfaceEventType discriminates the wire envelope. Surfaces are "dumb"
// renderers — they report what happened, never what it means.
type SurfaceEventType string

const (
	EvtHandshake          SurfaceEventType = "handshake"
	EvtConnected          SurfaceEventType = "connected"
	EvtDisconnected       SurfaceEventType = "disconnected"
	EvtResized            SurfaceEventType = "resized"
	EvtQuitRequested      SurfaceEventType = "quit_requested"
	EvtSurfaceError       SurfaceEventType = "surface_error"
	EvtUserMessage        SurfaceEventType = "user_message"
	EvtUserCommand        SurfaceEventType = "user_command"
	EvtUserTyping         SurfaceEventType = "user_typing"
	EvtUserScrolled       SurfaceEventType = "user_scrolled"
	EvtAvatarClicked      SurfaceEventType = "avatar_clicked"
	EvtTaskClicked        SurfaceEventType = "task_clicked"
	EvtMessageClicked     SurfaceEventType = "message_clicked"
	EvtMessageReceived    SurfaceEventType = "message_received"
	EvtRenderComplete     SurfaceEventType = "render_complete"
	EvtCapabilitiesReport SurfaceEventType = "capabilities_report"
	EvtPong               SurfaceEventType = "pong"
)

// SurfaceEvent is the tagged-union contract for everything a surface can
// send the conductor. Every variant below implements it.
type SurfaceEvent interface {
	EventType() SurfaceEventType
}

// EventID returns the acknowledgment id carried by request-like events, and
// false for fire-and-forget ones (Pong, UserTyping, ...).
func EventID(ev SurfaceEvent) (EventId, bool) {
	if e, ok := ev.(interface{ GetEventID() EventId }); ok {
		return e.GetEventID(), true
	}
	return "", false
}

type Handshake struct {
	EventID         EventId      `json:"event_id"`
	ProtocolVersion uint32       `json:"protocol_version"`
	SurfaceType     SurfaceType  `json:"surface_type"`
	Capabilities    Capabilities `json:"capabilities"`
	AuthToken       *string      `json:"auth_token,omitempty"`
}

func (Handshake) EventType() SurfaceEventType { return EvtHandshake }
func (h Handshake) GetEventID() EventId       { return h.EventID }

type Connected struct {
	EventID      EventId      `json:"event_id"`
	SurfaceType  SurfaceType  `json:"surface_type"`
	Capabilities Capabilities `json:"capabilities"`
}

func (Connected) EventType() SurfaceEventType { return EvtConnected }
func (c Connected) GetEventID() EventId       { return c.EventID }

type Disconnected struct {
	EventID EventId `json:"event_id"`
	Reason  *string `json:"reason,omitempty"`
}

func (Disconnected) EventType() SurfaceEventType { return EvtDisconnected }
func (d Disconnected) GetEventID() EventId       { return d.EventID }

type Resized struct {
	EventID EventId `json:"event_id"`
	Width   uint32  `json:"width"`
	Height  uint32  `json:"height"`
}

func (Resized) EventType() SurfaceEventType { return EvtResized }
func (r Resized) GetEventID() EventId       { return r.EventID }

type QuitRequested struct {
	EventID EventId `json:"event_id"`
}

func (QuitRequested) EventType() SurfaceEventType { return EvtQuitRequested }
func (q QuitRequested) GetEventID() EventId       { return q.EventID }

type SurfaceError struct {
	EventID     EventId `json:"event_id"`
	Error       string  `json:"error"`
	Recoverable bool    `json:"recoverable"`
}

func (SurfaceError) EventType() SurfaceEventType { return EvtSurfaceError }
func (s SurfaceError) GetEventID() EventId       { return s.EventID }

type UserMessage struct {
	EventID EventId `json:"event_id"`
	Content string  `json:"content"`
}

func (UserMessage) EventType() SurfaceEventType { return EvtUserMessage }
func (u UserMessage) GetEventID() EventId       { return u.EventID }

type UserCommand struct {
	EventID EventId  `json:"event_id"`
	Command string   `json:"command"`
	Args    []string `json:"args"`
}

func (UserCommand) EventType() SurfaceEventType { return EvtUserCommand }
func (u UserCommand) GetEventID() EventId       { return u.EventID }

type UserTyping struct {
	Typing bool `json:"typing"`
}

func (UserTyping) EventType() SurfaceEventType { return EvtUserTyping }

type ScrollDirection string

const (
	ScrollUp     ScrollDirection = "up"
	ScrollDown   ScrollDirection = "down"
	ScrollTop    ScrollDirection = "top"
	ScrollBottom ScrollDirection = "bottom"
)

type UserScrolled struct {
	Direction ScrollDirection `json:"direction"`
	Amount    uint32          `json:"amount"`
}

func (UserScrolled) EventType() SurfaceEventType { return EvtUserScrolled }

type AvatarClicked struct {
	EventID EventId `json:"event_id"`
}

func (AvatarClicked) EventType() SurfaceEventType { return EvtAvatarClicked }
func (a AvatarClicked) GetEventID() EventId       { return a.EventID }

type TaskClicked struct {
	EventID EventId `json:"event_id"`
	TaskID  TaskId  `json:"task_id"`
}

func (TaskClicked) EventType() SurfaceEventType { return EvtTaskClicked }
func (t TaskClicked) GetEventID() EventId       { return t.EventID }

type MessageClicked struct {
	EventID   EventId   `json:"event_id"`
	MessageID MessageId `json:"message_id"`
}

func (MessageClicked) EventType() SurfaceEventType { return EvtMessageClicked }
func (m MessageClicked) GetEventID() EventId       { return m.EventID }

type MessageReceived struct {
	MessageID MessageId `json:"message_id"`
}

func (MessageReceived) EventType() SurfaceEventType { return EvtMessageReceived }

type RenderComplete struct {
	Frame uint64 `json:"frame"`
}

func (RenderComplete) EventType() SurfaceEventType { return EvtRenderComplete }

type CapabilitiesReport struct {
	EventID      EventId      `json:"event_id"`
	Capabilities Capabilities `json:"capabilities"`
}

func (CapabilitiesReport) EventType() SurfaceEventType { return EvtCapabilitiesReport }
func (c CapabilitiesReport) GetEventID() EventId       { return c.EventID }

type Pong struct {
	Seq uint64 `json:"seq"`
}

func (Pong) EventType() SurfaceEventType { return EvtPong }

// eventEnvelope is the wire shape: a type discriminator plus the raw payload.
type eventEnvelope struct {
	Type    SurfaceEventType `json:"type"`
	Payload json.RawMessage  `json:"payload"`
}

// MarshalSurfaceEvent encodes any SurfaceEvent into its tagged wire form.
func MarshalSurfaceEvent(ev SurfaceEvent) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal surface event payload: %w", err)
	}
	return json.Marshal(eventEnvelope{Type: ev.EventType(), Payload: payload})
}

// UnmarshalSurfaceEvent decodes a tagged wire envelope back into the
// concrete SurfaceEvent variant it names.
func UnmarshalSurfaceEvent(data []byte) (SurfaceEvent, error) {
	var env eventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal surface event envelope: %w", err)
	}

	switch env.Type {
	case EvtHandshake:
		var v Handshake
		if err := json.Unmarshal(env.Payload, &v); err != nil {
			return nil, err
		}
		return v, nil
	case EvtConnected:
		var v Connected
		if err := json.Unmarshal(env.Payload, &v); err != nil {
			return nil, err
		}
		return v, nil
	case EvtDisconnected:
		var v Disconnected
		if err := json.Unmarshal(env.Payload, &v); err != nil {
			return nil, err
		}
		return v, nil
	case EvtResized:
		var v Resized
		if err := json.Unmarshal(env.Payload, &v); err != nil {
			return nil, err
		}
		return v, nil
	case EvtQuitRequested:
		var v QuitRequested
		if err := json.Unmarshal(env.Payload, &v); err != nil {
			return nil, err
		}
		return v, nil
	case EvtSurfaceError:
		var v SurfaceError
		if err := json.Unmarshal(env.Payload, &v); err != nil {
			return nil, err
		}
		return v, nil
	case EvtUserMessage:
		var v UserMessage
		if err := json.Unmarshal(env.Payload, &v); err != nil {
			return nil, err
		}
		return v, nil
	case EvtUserCommand:
		var v UserCommand
		if err := json.Unmarshal(env.Payload, &v); err != nil {
			return nil, err
		}
		return v, nil
	case EvtUserTyping:
		var v UserTyping
		if err := json.Unmarshal(env.Payload, &v); err != nil {
			return nil, err
		}
		return v, nil
	case EvtUserScrolled:
		var v UserScrolled
		if err := json.Unmarshal(env.Payload, &v); err != nil {
			return nil, err
		}
		return v, nil
	case EvtAvatarClicked:
		var v AvatarClicked
		if err := json.Unmarshal(env.Payload, &v); err != nil {
			return nil, err
		}
		return v, nil
	case EvtTaskClicked:
		var v TaskClicked
		if err := json.Unmarshal(env.Payload, &v); err != nil {
			return nil, err
		}
		return v, nil
	case EvtMessageClicked:
		var v MessageClicked
		if err := json.Unmarshal(env.Payload, &v); err != nil {
			return nil, err
		}
		return v, nil
	case EvtMessageReceived:
		var v MessageReceived
		if err := json.Unmarshal(env.Payload, &v); err != nil {
			return nil, err
		}
		return v, nil
	case EvtRenderComplete:
		var v RenderComplete
		if err := json.Unmarshal(env.Payload, &v); err != nil {
			return nil, err
		}
		return v, nil
	case EvtCapabilitiesReport:
		var v CapabilitiesReport
		if err := json.Unmarshal(env.Payload, &v); err != nil {
			return nil, err
		}
		return v, nil
	case EvtPong:
		var v Pong
		if err := json.Unmarshal(env.Payload, &v); err != nil {
			return nil, err
		}
		return v, nil
	default:
		return nil, fmt.Errorf("unknown surface event type %q", env.Type)
	}
}

package protocol

import (
	"encoding/json"
	"fmt"
)

// ConductorMessageType discriminates the wire envelope sent to surfaces.
type ConductorMessageType string

const (
	MsgMessage                 ConductorMessageType = "message"
	MsgToken                   ConductorMessageType = "token"
	MsgStreamEnd               ConductorMessageType = "stream_end"
	MsgStreamError             ConductorMessageType = "stream_error"
	MsgConversationCreated     ConductorMessageType = "conversation_created"
	MsgConversationFocused     ConductorMessageType = "conversation_focused"
	MsgConversationStateChange ConductorMessageType = "conversation_state_changed"
	MsgConversationStreamToken ConductorMessageType = "conversation_stream_token"
	MsgConversationStreamEnd   ConductorMessageType = "conversation_stream_end"
	MsgSummaryReady            ConductorMessageType = "summary_ready"
	MsgConversationRemoved     ConductorMessageType = "conversation_removed"
	MsgAvatarMood              ConductorMessageType = "avatar_mood"
	MsgAvatarGesture           ConductorMessageType = "avatar_gesture"
	MsgAvatarReact             ConductorMessageType = "avatar_react"
	MsgAvatarVisibility        ConductorMessageType = "avatar_visibility"
	MsgAvatarMoveTo            ConductorMessageType = "avatar_move_to"
	MsgAvatarSize              ConductorMessageType = "avatar_size"
	MsgAvatarPointAt           ConductorMessageType = "avatar_point_at"
	MsgAvatarWander            ConductorMessageType = "avatar_wander"
	MsgTaskCreated             ConductorMessageType = "task_created"
	MsgTaskUpdated             ConductorMessageType = "task_updated"
	MsgTaskCompleted           ConductorMessageType = "task_completed"
	MsgTaskFailed              ConductorMessageType = "task_failed"
	MsgTaskFocus               ConductorMessageType = "task_focus"
	MsgLayoutHint              ConductorMessageType = "layout_hint"
	MsgNotify                  ConductorMessageType = "notify"
	MsgState                   ConductorMessageType = "state"
	MsgQueryCapabilities       ConductorMessageType = "query_capabilities"
	MsgAck                     ConductorMessageType = "ack"
	MsgSessionInfo             ConductorMessageType = "session_info"
	MsgQuit                    ConductorMessageType = "quit"
	MsgHandshakeAck            ConductorMessageType = "handshake_ack"
	MsgPing                    ConductorMessageType = "ping"
	MsgStateSnapshot           ConductorMessageType = "state_snapshot"
)

// ConductorMessage is the tagged-union contract for everything the
// conductor sends to a surface.
type ConductorMessage interface {
	MessageType() ConductorMessageType
}

type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

type ContentType struct {
	Kind     ContentKind `json:"kind"`
	Language string      `json:"language,omitempty"`
}

type ContentKind string

const (
	ContentPlain    ContentKind = "plain"
	ContentMarkdown ContentKind = "markdown"
	ContentCode     ContentKind = "code"
	ContentError    ContentKind = "error"
	ContentSystem   ContentKind = "system"
	ContentQuote    ContentKind = "quote"
)

// ResponseMetadata accompanies a StreamEnd for an assistant turn.
type ResponseMetadata struct {
	ElapsedMs     uint64  `json:"elapsed_ms"`
	TokenCount    uint32  `json:"token_count"`
	TokensPerSec  float64 `json:"tokens_per_sec"`
	SubTasks      uint32  `json:"sub_tasks,omitempty"`
	FilesTouched  uint32  `json:"files_touched,omitempty"`
}

type Message struct {
	ID          MessageId   `json:"id"`
	Role        MessageRole `json:"role"`
	Content     string      `json:"content"`
	ContentType ContentType `json:"content_type"`
}

func (Message) MessageType() ConductorMessageType { return MsgMessage }

type Token struct {
	MessageID MessageId `json:"message_id"`
	Text      string    `json:"text"`
}

func (Token) MessageType() ConductorMessageType { return MsgToken }

type StreamEnd struct {
	MessageID    MessageId        `json:"message_id"`
	FinalContent string           `json:"final_content"`
	Metadata     ResponseMetadata `json:"metadata"`
}

func (StreamEnd) MessageType() ConductorMessageType { return MsgStreamEnd }

type StreamError struct {
	MessageID MessageId `json:"message_id"`
	Error     string    `json:"error"`
}

func (StreamError) MessageType() ConductorMessageType { return MsgStreamError }

type ConversationCreated struct {
	ConversationID ConversationId  `json:"conversation_id"`
	Agent          *string         `json:"agent,omitempty"`
	Parent         *ConversationId `json:"parent,omitempty"`
}

func (ConversationCreated) MessageType() ConductorMessageType { return MsgConversationCreated }

type ConversationFocused struct {
	ConversationID ConversationId `json:"conversation_id"`
}

func (ConversationFocused) MessageType() ConductorMessageType { return MsgConversationFocused }

type ConversationStateChanged struct {
	ConversationID ConversationId `json:"conversation_id"`
	State          string         `json:"state"`
}

func (ConversationStateChanged) MessageType() ConductorMessageType {
	return MsgConversationStateChange
}

type ConversationStreamToken struct {
	ConversationID ConversationId `json:"conversation_id"`
	MessageID      MessageId      `json:"message_id"`
	Text           string         `json:"text"`
}

func (ConversationStreamToken) MessageType() ConductorMessageType {
	return MsgConversationStreamToken
}

type ConversationStreamEnd struct {
	ConversationID ConversationId   `json:"conversation_id"`
	MessageID      MessageId        `json:"message_id"`
	FinalContent   string           `json:"final_content"`
	Metadata       ResponseMetadata `json:"metadata"`
}

func (ConversationStreamEnd) MessageType() ConductorMessageType { return MsgConversationStreamEnd }

type SummaryReady struct {
	Parent   ConversationId   `json:"parent"`
	Children []ConversationId `json:"children"`
	Summary  string           `json:"summary"`
}

func (SummaryReady) MessageType() ConductorMessageType { return MsgSummaryReady }

type ConversationRemoved struct {
	ConversationID ConversationId `json:"conversation_id"`
}

func (ConversationRemoved) MessageType() ConductorMessageType { return MsgConversationRemoved }

type AvatarMood struct {
	Mood string `json:"mood"`
}

func (AvatarMood) MessageType() ConductorMessageType { return MsgAvatarMood }

type AvatarGesture struct {
	Gesture    string `json:"gesture"`
	DurationMs uint32 `json:"duration_ms"`
}

func (AvatarGesture) MessageType() ConductorMessageType { return MsgAvatarGesture }

type AvatarReact struct {
	Reaction   string `json:"reaction"`
	DurationMs uint32 `json:"duration_ms"`
}

func (AvatarReact) MessageType() ConductorMessageType { return MsgAvatarReact }

type AvatarVisibility struct {
	Visible bool `json:"visible"`
}

func (AvatarVisibility) MessageType() ConductorMessageType { return MsgAvatarVisibility }

type AvatarMoveTo struct {
	X float32 `json:"x"`
	Y float32 `json:"y"`
}

func (AvatarMoveTo) MessageType() ConductorMessageType { return MsgAvatarMoveTo }

type AvatarSize struct {
	Size string `json:"size"`
}

func (AvatarSize) MessageType() ConductorMessageType { return MsgAvatarSize }

type AvatarPointAt struct {
	XPercent uint8 `json:"x_percent"`
	YPercent uint8 `json:"y_percent"`
}

func (AvatarPointAt) MessageType() ConductorMessageType { return MsgAvatarPointAt }

type AvatarWander struct {
	Enabled bool `json:"enabled"`
}

func (AvatarWander) MessageType() ConductorMessageType { return MsgAvatarWander }

type TaskCreated struct {
	TaskID      TaskId `json:"task_id"`
	Agent       string `json:"agent"`
	Description string `json:"description"`
}

func (TaskCreated) MessageType() ConductorMessageType { return MsgTaskCreated }

type TaskUpdated struct {
	TaskID        TaskId  `json:"task_id"`
	Progress      uint8   `json:"progress"`
	StatusMessage *string `json:"status_message,omitempty"`
}

func (TaskUpdated) MessageType() ConductorMessageType { return MsgTaskUpdated }

type TaskCompleted struct {
	TaskID  TaskId  `json:"task_id"`
	Summary *string `json:"summary,omitempty"`
}

func (TaskCompleted) MessageType() ConductorMessageType { return MsgTaskCompleted }

type TaskFailed struct {
	TaskID TaskId `json:"task_id"`
	Error  string `json:"error"`
}

func (TaskFailed) MessageType() ConductorMessageType { return MsgTaskFailed }

type TaskFocus struct {
	TaskID TaskId `json:"task_id"`
}

func (TaskFocus) MessageType() ConductorMessageType { return MsgTaskFocus }

type PanelId string

const (
	PanelTasks     PanelId = "tasks"
	PanelDeveloper PanelId = "developer"
	PanelSettings  PanelId = "settings"
	PanelHistory   PanelId = "history"
)

type LayoutDirectiveKind string

const (
	LayoutShowPanel          LayoutDirectiveKind = "show_panel"
	LayoutHidePanel          LayoutDirectiveKind = "hide_panel"
	LayoutFocusInput         LayoutDirectiveKind = "focus_input"
	LayoutScrollToMessage    LayoutDirectiveKind = "scroll_to_message"
	LayoutScrollToTask       LayoutDirectiveKind = "scroll_to_task"
	LayoutToggleDeveloperMode LayoutDirectiveKind = "toggle_developer_mode"
)

type LayoutDirective struct {
	Kind      LayoutDirectiveKind `json:"kind"`
	Panel     PanelId             `json:"panel,omitempty"`
	MessageID MessageId           `json:"message_id,omitempty"`
	TaskID    string              `json:"task_id,omitempty"`
}

type LayoutHint struct {
	Directive LayoutDirective `json:"directive"`
}

func (LayoutHint) MessageType() ConductorMessageType { return MsgLayoutHint }

type NotifyLevel string

const (
	NotifyInfo    NotifyLevel = "info"
	NotifyWarning NotifyLevel = "warning"
	NotifyError   NotifyLevel = "error"
	NotifySuccess NotifyLevel = "success"
)

type Notify struct {
	Level   NotifyLevel `json:"level"`
	Title   *string     `json:"title,omitempty"`
	Message string      `json:"message"`
}

func (Notify) MessageType() ConductorMessageType { return MsgNotify }

// ConductorState is the conductor's own public state machine position.
type ConductorState string

const (
	StateInitializing ConductorState = "initializing"
	StateReady        ConductorState = "ready"
	StateThinking     ConductorState = "thinking"
	StateResponding   ConductorState = "responding"
	StateListening    ConductorState = "listening"
	StateError        ConductorState = "error"
	StateShuttingDown ConductorState = "shutting_down"
)

// Description gives a human-readable label for logs and Notify fallbacks.
func (s ConductorState) Description() string {
	switch s {
	case StateInitializing:
		return "Starting up..."
	case StateReady:
		return "Ready"
	case StateThinking:
		return "Thinking..."
	case StateResponding:
		return "Responding..."
	case StateListening:
		return "Listening"
	case StateError:
		return "Error"
	case StateShuttingDown:
		return "Shutting down..."
	default:
		return string(s)
	}
}

type State struct {
	State ConductorState `json:"state"`
}

func (State) MessageType() ConductorMessageType { return MsgState }

type QueryCapabilities struct{}

func (QueryCapabilities) MessageType() ConductorMessageType { return MsgQueryCapabilities }

type Ack struct {
	EventID EventId `json:"event_id"`
}

func (Ack) MessageType() ConductorMessageType { return MsgAck }

type SessionInfo struct {
	SessionID SessionId `json:"session_id"`
	Model     string    `json:"model"`
	Ready     bool      `json:"ready"`
}

func (SessionInfo) MessageType() ConductorMessageType { return MsgSessionInfo }

type Quit struct {
	Message *string `json:"message,omitempty"`
}

func (Quit) MessageType() ConductorMessageType { return MsgQuit }

type HandshakeAck struct {
	Accepted         bool    `json:"accepted"`
	ConnectionID     string  `json:"connection_id"`
	RejectionReason  *string `json:"rejection_reason,omitempty"`
	ProtocolVersion  uint32  `json:"protocol_version"`
}

func (HandshakeAck) MessageType() ConductorMessageType { return MsgHandshakeAck }

type Ping struct {
	Seq uint64 `json:"seq"`
}

func (Ping) MessageType() ConductorMessageType { return MsgPing }

// StateSnapshot lets a newly attached surface render immediately without
// replaying the whole event history.
type StateSnapshot struct {
	ConversationHistory []Message      `json:"conversation_history"`
	AvatarState         string         `json:"avatar_state"`
	SessionID           SessionId      `json:"session_id"`
	ConductorState      ConductorState `json:"conductor_state"`
}

func (StateSnapshot) MessageType() ConductorMessageType { return MsgStateSnapshot }

type messageEnvelope struct {
	Type    ConductorMessageType `json:"type"`
	Payload json.RawMessage      `json:"payload"`
}

// MarshalConductorMessage encodes any ConductorMessage into its tagged wire form.
func MarshalConductorMessage(msg ConductorMessage) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal conductor message payload: %w", err)
	}
	return json.Marshal(messageEnvelope{Type: msg.MessageType(), Payload: payload})
}

// UnmarshalConductorMessage decodes a tagged wire envelope into the concrete
// ConductorMessage variant it names. Transports and tests use this; the
// conductor core itself only ever produces values, it never needs to parse
// its own output back.
func UnmarshalConductorMessage(data []byte) (ConductorMessage, error) {
	var env messageEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal conductor message envelope: %w", err)
	}

	ctor, ok := messageCtors[env.Type]
	if !ok {
		return nil, fmt.Errorf("unknown conductor message type %q", env.Type)
	}
	return ctor(env.Payload)
}

var messageCtors = map[ConductorMessageType]func(json.RawMessage) (ConductorMessage, error){
	MsgMessage:                 decodeAs[Message],
	MsgToken:                   decodeAs[Token],
	MsgStreamEnd:               decodeAs[StreamEnd],
	MsgStreamError:             decodeAs[StreamError],
	MsgConversationCreated:     decodeAs[ConversationCreated],
	MsgConversationFocused:     decodeAs[ConversationFocused],
	MsgConversationStateChange: decodeAs[ConversationStateChanged],
	MsgConversationStreamToken: decodeAs[ConversationStreamToken],
	MsgConversationStreamEnd:   decodeAs[ConversationStreamEnd],
	MsgSummaryReady:            decodeAs[SummaryReady],
	MsgConversationRemoved:     decodeAs[ConversationRemoved],
	MsgAvatarMood:              decodeAs[AvatarMood],
	MsgAvatarGesture:           decodeAs[AvatarGesture],
	MsgAvatarReact:             decodeAs[AvatarReact],
	MsgAvatarVisibility:        decodeAs[AvatarVisibility],
	MsgAvatarMoveTo:            decodeAs[AvatarMoveTo],
	MsgAvatarSize:              decodeAs[AvatarSize],
	MsgAvatarPointAt:           decodeAs[AvatarPointAt],
	MsgAvatarWander:            decodeAs[AvatarWander],
	MsgTaskCreated:             decodeAs[TaskCreated],
	MsgTaskUpdated:             decodeAs[TaskUpdated],
	MsgTaskCompleted:           decodeAs[TaskCompleted],
	MsgTaskFailed:              decodeAs[TaskFailed],
	MsgTaskFocus:               decodeAs[TaskFocus],
	MsgLayoutHint:              decodeAs[LayoutHint],
	MsgNotify:                  decodeAs[Notify],
	MsgState:                   decodeAs[State],
	MsgQueryCapabilities:       decodeAs[QueryCapabilities],
	MsgAck:                     decodeAs[Ack],
	MsgSessionInfo:             decodeAs[SessionInfo],
	MsgQuit:                    decodeAs[Quit],
	MsgHandshakeAck:            decodeAs[HandshakeAck],
	MsgPing:                    decodeAs[Ping],
	MsgStateSnapshot:           decodeAs[StateSnapshot],
}

func decodeAs[T ConductorMessage](payload json.RawMessage) (ConductorMessage, error) {
	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, err
	}
	return v, nil
}

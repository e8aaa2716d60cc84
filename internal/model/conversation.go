package model

import (
	"time"

	"github.com/yollayah/conductor/internal/protocol"
)

// ConversationState is the lifecycle position of a Conversation.
type ConversationState string

const (
	ConvActive    ConversationState = "active"
	ConvStreaming ConversationState = "streaming"
	ConvWaiting   ConversationState = "waiting"
	ConvCompleted ConversationState = "completed"
	ConvFailed    ConversationState = "failed"
)

// ConversationMessage is one role-tagged entry in a conversation's log.
type ConversationMessage struct {
	Role        protocol.MessageRole
	Content     string
	Timestamp   time.Time
	ContentType protocol.ContentType
	Metadata    *protocol.ResponseMetadata
}

// Conversation is an ordered log of messages, optionally belonging to a
// sub-agent rather than the direct user-facing thread.
type Conversation struct {
	ID       protocol.ConversationId
	Agent    *string // nil => direct conversation with the user
	Messages []ConversationMessage
	State    ConversationState
	Parent   *protocol.ConversationId
	ZOrder   int64
	Focused  bool
}

// Clone returns a copy safe to hand to a caller outside the conversation
// manager's lock: Messages is copied into a fresh slice, while pointer
// fields (Agent, Parent, each message's Metadata) are still shared.
func (c *Conversation) Clone() Conversation {
	cp := *c
	cp.Messages = append([]ConversationMessage(nil), c.Messages...)
	return cp
}

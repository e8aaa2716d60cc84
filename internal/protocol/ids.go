// Package protocol defines the wire-level value types exchanged between
// surfaces and the conductor: identifiers, the SurfaceEvent and
// ConductorMessage taxonomies, and capability records.
package protocol

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync/atomic"
	"time"
)

// ConnectionId identifies one surface attachment. Cryptographically random
// so it carries no ordering information and can't be guessed cross-session.
type ConnectionId string

func NewConnectionId() ConnectionId {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return ConnectionId(hex.EncodeToString(b[:]))
}

// SessionId is timestamp-ordered plus an atomic counter, unique within a
// process lifetime even when minted within the same millisecond.
type SessionId string

var sessionCounter atomic.Uint64

func NewSessionId() SessionId {
	n := sessionCounter.Add(1)
	return SessionId(fmt.Sprintf("session_%d_%d", time.Now().UnixMilli(), n))
}

type MessageId string

var messageCounter atomic.Uint64

func NewMessageId() MessageId {
	return MessageId(fmt.Sprintf("msg_%d", messageCounter.Add(1)))
}

type EventId string

var eventCounter atomic.Uint64

func NewEventId() EventId {
	return EventId(fmt.Sprintf("evt_%d", eventCounter.Add(1)))
}

type TaskId string

var taskCounter atomic.Uint64

func NewTaskId() TaskId {
	return TaskId(fmt.Sprintf("task_%d", taskCounter.Add(1)))
}

type ConversationId string

var conversationCounter atomic.Uint64

func NewConversationId() ConversationId {
	return ConversationId(fmt.Sprintf("conv_%d", conversationCounter.Add(1)))
}

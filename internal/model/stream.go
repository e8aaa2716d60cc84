package model

import (
	"time"

	"github.com/yollayah/conductor/internal/protocol"
)

// OverflowPolicy governs what happens when a stream's token buffer is full
// and a new token arrives before the consumer has drained it.
type OverflowPolicy int

const (
	DropOldest OverflowPolicy = iota
	DropNewest
	BlockProducer
)

// StreamStats are the rolling counters the stream manager exposes per
// conversation stream.
type StreamStats struct {
	TotalReceived uint64
	TotalDropped  uint64
	LastActivity  time.Time
}

// StreamEventKind tags a StreamEvent produced by a poll-all pass.
type StreamEventKind int

const (
	StreamToken StreamEventKind = iota
	StreamEnded
	StreamErrored
)

// StreamEvent is one item yielded by the stream manager's poll-all pass,
// tagged with the conversation it belongs to so a consumer can never
// confuse two streams.
type StreamEvent struct {
	ConversationID protocol.ConversationId
	Kind           StreamEventKind
	Text           string // StreamToken
	Final          string // StreamEnded
	Err            string // StreamErrored
}

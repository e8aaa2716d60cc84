// Package model holds the data records the conductor's subsystems own:
// surfaces, conversations, stream events and statistics, and model
// profiles. The subsystems in internal/registry, internal/conversation,
// internal/streaming and internal/pool own the mutation logic; this package
// only defines the shapes.
package model

import (
	"time"

	"github.com/yollayah/conductor/internal/protocol"
)

// Surface is the registry's record of one connected UI. It is created on a
// successful handshake and destroyed on disconnect.
type Surface struct {
	ConnectionID  protocol.ConnectionId
	Type          protocol.SurfaceType
	Capabilities  protocol.Capabilities
	Outbound      chan protocol.ConductorMessage
	LastHeartbeat time.Time
	Origin        string
	ProtocolVer   uint32
}

// Accepts reports whether this surface should receive a message of the
// given kind, used by the conductor's per-surface capability filter
// (streaming tokens suppressed for non-streaming surfaces, for example).
func (s *Surface) Accepts(msg protocol.ConductorMessage) bool {
	switch msg.(type) {
	case protocol.Token, protocol.ConversationStreamToken:
		return s.Capabilities.Streaming
	case protocol.AvatarMood, protocol.AvatarGesture, protocol.AvatarReact,
		protocol.AvatarVisibility, protocol.AvatarMoveTo, protocol.AvatarSize,
		protocol.AvatarPointAt, protocol.AvatarWander:
		return s.Capabilities.Avatar
	default:
		return true
	}
}

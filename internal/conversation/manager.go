// Package conversation implements the conversation manager from spec §4.7:
// a ConversationId-keyed table with a z-order/focus-singleton invariant and
// a children-all-completed summarization hook.
package conversation

import (
	"sync"

	"github.com/yollayah/conductor/internal/cerr"
	"github.com/yollayah/conductor/internal/model"
	"github.com/yollayah/conductor/internal/protocol"
)

// SummaryReady is emitted when every child of a parent conversation has
// reached ConvCompleted. The manager only detects the condition; producing
// the summary text is the conductor's job via a backend call.
type SummaryReady struct {
	Parent   protocol.ConversationId
	Children []protocol.ConversationId
}

// Manager owns every Conversation, keyed by ConversationId.
type Manager struct {
	mu            sync.Mutex
	conversations map[protocol.ConversationId]*model.Conversation
	focused       *protocol.ConversationId
	nextZOrder    int64
	onSummary     func(SummaryReady)
	summarized    map[protocol.ConversationId]bool
}

type Option func(*Manager)

// WithSummaryHook registers the callback invoked the moment a parent's
// children all reach Completed. It runs synchronously on the caller's
// goroutine after the manager's lock has been released, so it may call
// back into the manager (e.g. Get).
func WithSummaryHook(fn func(SummaryReady)) Option {
	return func(m *Manager) { m.onSummary = fn }
}

func New(opts ...Option) *Manager {
	m := &Manager{
		conversations: make(map[protocol.ConversationId]*model.Conversation),
		summarized:    make(map[protocol.ConversationId]bool),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create allocates a new conversation, optionally as a child of parent.
func (m *Manager) Create(agent *string, parent *protocol.ConversationId) protocol.ConversationId {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := protocol.NewConversationId()
	m.conversations[id] = &model.Conversation{
		ID:     id,
		Agent:  agent,
		State:  model.ConvWaiting,
		Parent: parent,
	}
	return id
}

func (m *Manager) Get(id protocol.ConversationId) (model.Conversation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[id]
	if !ok {
		return model.Conversation{}, false
	}
	return c.Clone(), true
}

func (m *Manager) List() []model.Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Conversation, 0, len(m.conversations))
	for _, c := range m.conversations {
		out = append(out, c.Clone())
	}
	return out
}

// SetFocus assigns the highest z-order to id and clears Focused on every
// other conversation, enforcing the single-focused invariant.
func (m *Manager) SetFocus(id protocol.ConversationId) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	target, ok := m.conversations[id]
	if !ok {
		return cerr.New(cerr.KindInternal, "conversation.SetFocus", errNotFound{id: id})
	}

	for other, c := range m.conversations {
		if other != id {
			c.Focused = false
		}
	}
	m.nextZOrder++
	target.ZOrder = m.nextZOrder
	target.Focused = true
	m.focused = &id
	return nil
}

// SetState transitions a conversation's state directly (used for explicit
// lifecycle moves such as Failed that don't flow through AppendMessage).
func (m *Manager) SetState(id protocol.ConversationId, state model.ConversationState) error {
	m.mu.Lock()
	c, ok := m.conversations[id]
	if !ok {
		m.mu.Unlock()
		return cerr.New(cerr.KindInternal, "conversation.SetState", errNotFound{id: id})
	}
	c.State = state
	m.mu.Unlock()

	if state == model.ConvCompleted {
		m.maybeFireSummary(c)
	}
	return nil
}

// AppendMessage appends to the log and transitions Waiting/Active/Streaming
// into Streaming or Completed as appropriate: an assistant message still
// being produced moves the conversation to Streaming, a terminal one to
// Completed (signaled by the caller passing final=true). Streaming must be
// able to reach Completed directly, since a streamed turn never revisits
// Waiting/Active between its first token and its final append.
func (m *Manager) AppendMessage(id protocol.ConversationId, msg model.ConversationMessage, final bool) error {
	m.mu.Lock()
	c, ok := m.conversations[id]
	if !ok {
		m.mu.Unlock()
		return cerr.New(cerr.KindInternal, "conversation.AppendMessage", errNotFound{id: id})
	}

	c.Messages = append(c.Messages, msg)
	switch c.State {
	case model.ConvWaiting, model.ConvActive, model.ConvStreaming:
		if final {
			c.State = model.ConvCompleted
		} else {
			c.State = model.ConvStreaming
		}
	}
	m.mu.Unlock()

	if final {
		m.maybeFireSummary(c)
	}
	return nil
}

// Remove deletes a conversation. If it was focused, no conversation is
// focused afterward until the caller calls SetFocus again.
func (m *Manager) Remove(id protocol.ConversationId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.conversations, id)
	if m.focused != nil && *m.focused == id {
		m.focused = nil
	}
}

// maybeFireSummary checks whether c's parent now has every child Completed,
// firing the summary hook exactly once per completed batch.
func (m *Manager) maybeFireSummary(c *model.Conversation) {
	if c.Parent == nil {
		return
	}
	parent := *c.Parent

	m.mu.Lock()
	if m.summarized[parent] {
		m.mu.Unlock()
		return
	}
	var children []protocol.ConversationId
	allDone := true
	for id, cc := range m.conversations {
		if cc.Parent != nil && *cc.Parent == parent {
			children = append(children, id)
			if cc.State != model.ConvCompleted {
				allDone = false
			}
		}
	}
	if allDone && len(children) > 0 {
		m.summarized[parent] = true
	}
	m.mu.Unlock()

	if allDone && len(children) > 0 && m.onSummary != nil {
		m.onSummary(SummaryReady{Parent: parent, Children: children})
	}
}

type errNotFound struct{ id protocol.ConversationId }

func (e errNotFound) Error() string { return "conversation not found: " + string(e.id) }

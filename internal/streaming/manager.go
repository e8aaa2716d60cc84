// Package streaming implements the per-conversation token stream manager
// from spec §4.6: register a conversation's inbound token receiver, poll
// all registered streams in one non-blocking pass, and deregister without
// any risk of cross-stream contamination. Grounded on the same
// never-block-the-caller discipline as the teacher's cell mailbox, but
// applied to inbound draining instead of outbound delivery.
package streaming

import (
	"sync"
	"time"

	"github.com/yollayah/conductor/internal/model"
	"github.com/yollayah/conductor/internal/protocol"
)

// Token is one item a backend stream producer pushes. Final is set only on
// the last item of a successful stream; Err is set only on a failed one.
type Token struct {
	Text  string
	Final *string
	Err   error
}

type streamEntry struct {
	mu       sync.Mutex
	recv     <-chan Token
	buf      []string
	policy   model.OverflowPolicy
	capacity int
	stats    model.StreamStats
	pending  *Token // holds a BlockProducer token that couldn't be pushed yet
	done     bool
}

// Manager owns the ConversationId -> streamEntry map described in §4.6.
type Manager struct {
	mu      sync.Mutex
	streams map[protocol.ConversationId]*streamEntry
}

func New() *Manager {
	return &Manager{streams: make(map[protocol.ConversationId]*streamEntry)}
}

var errAlreadyRegistered = alreadyRegisteredErr{}

type alreadyRegisteredErr struct{}

func (alreadyRegisteredErr) Error() string { return "stream already registered for conversation" }

// Register creates an entry with a fresh bounded buffer. Rejects if one
// already exists; the caller must Deregister first.
func (m *Manager) Register(id protocol.ConversationId, recv <-chan Token, capacity int, policy model.OverflowPolicy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.streams[id]; exists {
		return errAlreadyRegistered
	}
	m.streams[id] = &streamEntry{
		recv:     recv,
		capacity: capacity,
		policy:   policy,
		buf:      make([]string, 0, capacity),
	}
	return nil
}

// Deregister removes an entry. Tokens subsequently pushed by a straggling
// producer onto the now-orphaned channel are simply never read again.
func (m *Manager) Deregister(id protocol.ConversationId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.streams, id)
}

// PollAll makes one bounded pass over every registered stream, draining
// each receiver until it would block; under BlockProducer it also stops once
// the buffer hits capacity, while DropOldest and DropNewest keep reading and
// drop tokens instead. It never blocks on any individual stream: a full
// buffer under BlockProducer simply defers that token to the next pass
// instead of waiting.
func (m *Manager) PollAll() []model.StreamEvent {
	m.mu.Lock()
	snapshot := make(map[protocol.ConversationId]*streamEntry, len(m.streams))
	for id, e := range m.streams {
		snapshot[id] = e
	}
	m.mu.Unlock()

	var events []model.StreamEvent
	for id, e := range snapshot {
		events = append(events, m.drain(id, e)...)
	}
	return events
}

func (e *streamEntry) push(tok string) {
	switch e.policy {
	case model.DropOldest:
		if len(e.buf) >= e.capacity && e.capacity > 0 {
			e.buf = e.buf[1:]
			e.stats.TotalDropped++
		}
		e.buf = append(e.buf, tok)
	case model.DropNewest:
		if len(e.buf) >= e.capacity && e.capacity > 0 {
			e.stats.TotalDropped++
			return
		}
		e.buf = append(e.buf, tok)
	default: // BlockProducer
		e.buf = append(e.buf, tok)
	}
}

func (m *Manager) drain(id protocol.ConversationId, e *streamEntry) []model.StreamEvent {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.done {
		return nil
	}

	var events []model.StreamEvent

	if e.policy == model.BlockProducer && e.pending != nil {
		if len(e.buf) < e.capacity || e.capacity == 0 {
			e.push(e.pending.Text)
			e.pending = nil
		} else {
			// still full; leave the pending token for the next pass and
			// don't attempt to read anything new from the channel.
			return m.flushText(id, e)
		}
	}

	for {
		if e.policy == model.BlockProducer && e.capacity > 0 && len(e.buf) >= e.capacity {
			break // would-block equivalent for BlockProducer: stop this pass
		}
		select {
		case tok, ok := <-e.recv:
			if !ok {
				e.done = true
				events = append(events, m.flushText(id, e)...)
				final := ""
				events = append(events, model.StreamEvent{ConversationID: id, Kind: model.StreamEnded, Final: final})
				return events
			}
			e.stats.TotalReceived++
			e.stats.LastActivity = time.Now()
			if tok.Err != nil {
				events = append(events, m.flushText(id, e)...)
				events = append(events, model.StreamEvent{ConversationID: id, Kind: model.StreamErrored, Err: tok.Err.Error()})
				e.done = true
				return events
			}
			if tok.Final != nil {
				events = append(events, m.flushText(id, e)...)
				events = append(events, model.StreamEvent{ConversationID: id, Kind: model.StreamEnded, Final: *tok.Final})
				e.done = true
				return events
			}
			if e.policy == model.BlockProducer && e.capacity > 0 && len(e.buf) >= e.capacity {
				e.pending = &Token{Text: tok.Text}
				return m.flushText(id, e)
			}
			e.push(tok.Text)
		default:
			return m.flushText(id, e)
		}
	}
	return m.flushText(id, e)
}

// flushText coalesces whatever is currently buffered into a single Token
// event, the throttling behavior spec §4.6 describes for slow consumers.
func (m *Manager) flushText(id protocol.ConversationId, e *streamEntry) []model.StreamEvent {
	if len(e.buf) == 0 {
		return nil
	}
	text := joinAndReset(&e.buf)
	return []model.StreamEvent{{ConversationID: id, Kind: model.StreamToken, Text: text}}
}

func joinAndReset(buf *[]string) string {
	var sb []byte
	for _, s := range *buf {
		sb = append(sb, s...)
	}
	*buf = (*buf)[:0]
	return string(sb)
}

// Stats returns a snapshot of the rolling counters for one conversation.
func (m *Manager) Stats(id protocol.ConversationId) (model.StreamStats, bool) {
	m.mu.Lock()
	e, ok := m.streams[id]
	m.mu.Unlock()
	if !ok {
		return model.StreamStats{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats, true
}

package conversation

import (
	"testing"

	"github.com/yollayah/conductor/internal/model"
	"github.com/yollayah/conductor/internal/protocol"
)

func TestCreateGetList(t *testing.T) {
	m := New()
	id := m.Create(nil, nil)

	c, ok := m.Get(id)
	if !ok || c.ID != id {
		t.Fatalf("expected to find created conversation")
	}
	if len(m.List()) != 1 {
		t.Fatalf("expected 1 conversation in list")
	}
}

func TestSetFocusSingleton(t *testing.T) {
	m := New()
	a := m.Create(nil, nil)
	b := m.Create(nil, nil)

	if err := m.SetFocus(a); err != nil {
		t.Fatalf("SetFocus a: %v", err)
	}
	if err := m.SetFocus(b); err != nil {
		t.Fatalf("SetFocus b: %v", err)
	}

	ca, _ := m.Get(a)
	cb, _ := m.Get(b)
	if ca.Focused {
		t.Fatalf("expected a to lose focus once b gains it")
	}
	if !cb.Focused {
		t.Fatalf("expected b to be focused")
	}
	if cb.ZOrder <= ca.ZOrder {
		t.Fatalf("expected b's z-order to exceed a's: a=%d b=%d", ca.ZOrder, cb.ZOrder)
	}
}

func TestAppendMessageTransitionsState(t *testing.T) {
	m := New()
	id := m.Create(nil, nil)

	if err := m.AppendMessage(id, model.ConversationMessage{Content: "partial"}, false); err != nil {
		t.Fatalf("append: %v", err)
	}
	c, _ := m.Get(id)
	if c.State != model.ConvStreaming {
		t.Fatalf("expected Streaming state, got %v", c.State)
	}

	if err := m.AppendMessage(id, model.ConversationMessage{Content: "final"}, true); err != nil {
		t.Fatalf("append final: %v", err)
	}
	c, _ = m.Get(id)
	if c.State != model.ConvCompleted {
		t.Fatalf("expected Completed state, got %v", c.State)
	}
	if len(c.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(c.Messages))
	}
}

func TestAppendMessageCompletesFromStreaming(t *testing.T) {
	m := New()
	id := m.Create(nil, nil)

	if err := m.AppendMessage(id, model.ConversationMessage{Content: "token one"}, false); err != nil {
		t.Fatalf("append partial: %v", err)
	}
	c, _ := m.Get(id)
	if c.State != model.ConvStreaming {
		t.Fatalf("expected Streaming state after partial append, got %v", c.State)
	}

	if err := m.AppendMessage(id, model.ConversationMessage{Content: "token two"}, false); err != nil {
		t.Fatalf("append second partial: %v", err)
	}
	c, _ = m.Get(id)
	if c.State != model.ConvStreaming {
		t.Fatalf("expected to remain Streaming across multiple partial appends, got %v", c.State)
	}

	if err := m.AppendMessage(id, model.ConversationMessage{Content: "final"}, true); err != nil {
		t.Fatalf("append final: %v", err)
	}
	c, _ = m.Get(id)
	if c.State != model.ConvCompleted {
		t.Fatalf("expected a streamed turn's final append to reach Completed, got %v", c.State)
	}
}

func TestSummaryReadyFiresOnceAllChildrenComplete(t *testing.T) {
	var got *SummaryReady
	m := New(WithSummaryHook(func(s SummaryReady) { got = &s }))

	parent := m.Create(nil, nil)
	childA := m.Create(nil, &parent)
	childB := m.Create(nil, &parent)

	if err := m.AppendMessage(childA, model.ConversationMessage{Content: "a"}, true); err != nil {
		t.Fatalf("append a: %v", err)
	}
	if got != nil {
		t.Fatalf("expected no summary before all children complete")
	}

	if err := m.AppendMessage(childB, model.ConversationMessage{Content: "b"}, true); err != nil {
		t.Fatalf("append b: %v", err)
	}
	if got == nil {
		t.Fatalf("expected summary once all children complete")
	}
	if got.Parent != parent || len(got.Children) != 2 {
		t.Fatalf("unexpected summary payload: %+v", got)
	}
}

func TestSummaryFiresOnlyOnce(t *testing.T) {
	fired := 0
	m := New(WithSummaryHook(func(SummaryReady) { fired++ }))

	parent := m.Create(nil, nil)
	child := m.Create(nil, &parent)
	_ = m.AppendMessage(child, model.ConversationMessage{Content: "x"}, true)
	_ = m.SetState(child, model.ConvCompleted)

	if fired != 1 {
		t.Fatalf("expected summary to fire exactly once, fired %d times", fired)
	}
}

func TestRemoveClearsFocus(t *testing.T) {
	m := New()
	id := m.Create(nil, nil)
	_ = m.SetFocus(id)
	m.Remove(id)

	if _, ok := m.Get(id); ok {
		t.Fatalf("expected conversation to be gone")
	}
	if m.focused != nil {
		t.Fatalf("expected focus to be cleared after removing the focused conversation")
	}
}

func TestSetFocusUnknownConversation(t *testing.T) {
	m := New()
	if err := m.SetFocus(protocol.NewConversationId()); err == nil {
		t.Fatalf("expected error focusing unknown conversation")
	}
}

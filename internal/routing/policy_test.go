package routing

import (
	"testing"

	"github.com/yollayah/conductor/internal/health"
	"github.com/yollayah/conductor/internal/model"
)

func TestClassifyHintsWinOverKeywords(t *testing.T) {
	req := Request{Prompt: "write a poem about code", Hints: []model.TaskClass{model.TaskMath}}
	if got := classify(req); got != model.TaskMath {
		t.Fatalf("expected hint to win, got %s", got)
	}
}

func TestClassifyKeywordFallback(t *testing.T) {
	req := Request{Prompt: "please refactor this function"}
	if got := classify(req); got != model.TaskCode {
		t.Fatalf("expected code classification, got %s", got)
	}
}

func TestClassifyDefaultsToGeneral(t *testing.T) {
	req := Request{Prompt: "hello there"}
	if got := classify(req); got != model.TaskGeneral {
		t.Fatalf("expected general classification, got %s", got)
	}
}

func TestClassifyIsPure(t *testing.T) {
	req := Request{Prompt: "solve for x"}
	a := classify(req)
	b := classify(req)
	if a != b {
		t.Fatalf("classify is not pure: %s != %s", a, b)
	}
}

func TestClassifierMemoizesViaCache(t *testing.T) {
	c, err := NewClassifier(8)
	if err != nil {
		t.Fatalf("new classifier: %v", err)
	}
	req := Request{Prompt: "calculate the integral"}
	first := c.Classify(req)
	second := c.Classify(req)
	if first != second || first != model.TaskMath {
		t.Fatalf("expected consistent math classification, got %s then %s", first, second)
	}
}

func TestNewPolicyRejectsCycle(t *testing.T) {
	chains := map[model.TaskClass]Chain{
		model.TaskGeneral: {
			Primary:   model.ModelProfile{ModelID: "a"},
			Fallbacks: []model.ModelProfile{{ModelID: "b"}, {ModelID: "a"}},
		},
	}
	if _, err := NewPolicy(chains); err == nil {
		t.Fatalf("expected cycle detection error")
	}
}

func TestNewPolicyAcceptsAcyclicChain(t *testing.T) {
	chains := map[model.TaskClass]Chain{
		model.TaskGeneral: {
			Primary:   model.ModelProfile{ModelID: "a"},
			Fallbacks: []model.ModelProfile{{ModelID: "b"}, {ModelID: "c"}},
		},
	}
	if _, err := NewPolicy(chains); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCandidatesSkipsUnhealthyModels(t *testing.T) {
	chains := map[model.TaskClass]Chain{
		model.TaskGeneral: {
			Primary:   model.ModelProfile{ModelID: "a"},
			Fallbacks: []model.ModelProfile{{ModelID: "b"}},
		},
	}
	p, err := NewPolicy(chains)
	if err != nil {
		t.Fatalf("new policy: %v", err)
	}
	tracker := health.New(health.DefaultConfig())
	for i := 0; i < 3; i++ {
		tracker.Record("a", false)
	}

	admissible, skipped := p.Candidates(model.TaskGeneral, tracker)
	if len(admissible) != 1 || admissible[0].ModelID != "b" {
		t.Fatalf("expected only b admissible, got %+v", admissible)
	}
	if len(skipped) != 1 || skipped[0].ModelID != "a" {
		t.Fatalf("expected a skipped, got %+v", skipped)
	}
}

func TestCandidatesUnknownClassReturnsEmpty(t *testing.T) {
	p, err := NewPolicy(map[model.TaskClass]Chain{})
	if err != nil {
		t.Fatalf("new policy: %v", err)
	}
	tracker := health.New(health.DefaultConfig())
	admissible, skipped := p.Candidates(model.TaskGeneral, tracker)
	if admissible != nil || skipped != nil {
		t.Fatalf("expected nil/nil for unknown class")
	}
}

// Package routing implements the classification, candidate ranking, and
// fallback-chain policy from spec §4.10, plus the query router from §4.11.
package routing

import (
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/yollayah/conductor/internal/health"
	"github.com/yollayah/conductor/internal/model"
)

// Request is the inbound routing request: a prompt plus optional hints the
// caller already knows (e.g. a surface-supplied task type).
type Request struct {
	Prompt string
	Hints  []model.TaskClass
}

// classifyKey is deterministic: same (prompt, hints) always classifies the
// same way, satisfying spec's purity requirement.
func classifyKey(req Request) string {
	var sb strings.Builder
	sb.WriteString(req.Prompt)
	sb.WriteByte('|')
	for _, h := range req.Hints {
		sb.WriteString(string(h))
		sb.WriteByte(',')
	}
	return sb.String()
}

var keywordClasses = []struct {
	class    model.TaskClass
	keywords []string
}{
	{model.TaskCode, []string{"code", "function", "bug", "compile", "refactor", "stack trace"}},
	{model.TaskMath, []string{"calculate", "equation", "integral", "derivative", "solve for"}},
	{model.TaskReasoning, []string{"why", "explain", "reason", "because", "logically"}},
	{model.TaskCreative, []string{"poem", "story", "imagine", "write a"}},
}

// classify implements the hints-first, keyword-heuristic-second,
// default-third rule pure function.
func classify(req Request) model.TaskClass {
	if len(req.Hints) > 0 {
		return req.Hints[0]
	}

	lower := strings.ToLower(req.Prompt)
	for _, kc := range keywordClasses {
		for _, kw := range kc.keywords {
			if strings.Contains(lower, kw) {
				return kc.class
			}
		}
	}

	return model.TaskGeneral
}

// Classifier wraps classify with an LRU memo, since repeated identical
// requests (common in interactive retry loops) shouldn't re-run the
// keyword scan.
type Classifier struct {
	cache *lru.Cache[string, model.TaskClass]
}

func NewClassifier(cacheSize int) (*Classifier, error) {
	c, err := lru.New[string, model.TaskClass](cacheSize)
	if err != nil {
		return nil, err
	}
	return &Classifier{cache: c}, nil
}

func (c *Classifier) Classify(req Request) model.TaskClass {
	key := classifyKey(req)
	if v, ok := c.cache.Get(key); ok {
		return v
	}
	class := classify(req)
	c.cache.Add(key, class)
	return class
}

// Chain is one static fallback chain: a primary model plus its ordered
// fallbacks, already resolved to ModelProfile values.
type Chain struct {
	Primary   model.ModelProfile
	Fallbacks []model.ModelProfile
}

// Policy holds the configured chains per TaskClass and ranks candidates
// against live health state.
type Policy struct {
	chains map[model.TaskClass]Chain
}

// NewPolicy validates every chain for cycles at load time and returns a
// Policy, or an error naming the first cyclic chain found.
func NewPolicy(chains map[model.TaskClass]Chain) (*Policy, error) {
	for class, chain := range chains {
		if err := detectCycle(chain); err != nil {
			return nil, fmt.Errorf("routing chain for %s: %w", class, err)
		}
	}
	return &Policy{chains: chains}, nil
}

func detectCycle(chain Chain) error {
	seen := map[string]bool{chain.Primary.ModelID: true}
	for _, fb := range chain.Fallbacks {
		if seen[fb.ModelID] {
			return fmt.Errorf("cycle detected at model %q", fb.ModelID)
		}
		seen[fb.ModelID] = true
	}
	return nil
}

// Candidates produces the ordered candidate list for class: primary first,
// then fallbacks in declared order. Unhealthy (circuit-open) models are
// skipped but returned separately so a caller can reintroduce them once
// health recovers.
func (p *Policy) Candidates(class model.TaskClass, tracker *health.Tracker) (admissible []model.ModelProfile, skipped []model.ModelProfile) {
	chain, ok := p.chains[class]
	if !ok {
		return nil, nil
	}
	all := append([]model.ModelProfile{chain.Primary}, chain.Fallbacks...)
	for _, candidate := range all {
		if tracker.IsAdmissible(candidate.ModelID) {
			admissible = append(admissible, candidate)
		} else {
			skipped = append(skipped, candidate)
		}
	}
	return admissible, skipped
}

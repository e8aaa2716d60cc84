package backend

import (
	"context"
	"strings"
	"sync"
)

// InMemory is a Backend implementation that echoes a canned response,
// useful for tests and as the default backend when no provider is
// configured. Streaming splits the canned response into whitespace-
// delimited tokens so callers exercising the streaming path see more than
// one item on the channel.
type InMemory struct {
	mu        sync.Mutex
	responses map[string]string
	healthy   bool
	models    []ModelInfo
}

func NewInMemory() *InMemory {
	return &InMemory{
		responses: make(map[string]string),
		healthy:   true,
		models:    []ModelInfo{{Name: "mock-model", Loaded: true}},
	}
}

// SetResponse configures the canned reply for a given prompt; prompts
// without a configured reply get a generic echo.
func (m *InMemory) SetResponse(prompt, response string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[prompt] = response
}

func (m *InMemory) SetHealthy(healthy bool) {
	m.mu.Lock()
	m.healthy = healthy
	m.mu.Unlock()
}

func (m *InMemory) Name() string { return "in-memory" }

func (m *InMemory) HealthCheck(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthy
}

func (m *InMemory) responseFor(prompt string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.responses[prompt]; ok {
		return r
	}
	return "echo: " + prompt
}

func (m *InMemory) Send(ctx context.Context, req Request) (Response, error) {
	return Response{Content: m.responseFor(req.Prompt), Model: req.Model}, nil
}

func (m *InMemory) SendStreaming(ctx context.Context, req Request) (<-chan StreamingToken, error) {
	out := make(chan StreamingToken, 8)
	full := m.responseFor(req.Prompt)
	words := strings.Fields(full)

	go func() {
		defer close(out)
		var sent []string
		for _, w := range words {
			select {
			case out <- StreamingToken{Kind: TokenPartial, Text: w + " "}:
				sent = append(sent, w)
			case <-ctx.Done():
				out <- StreamingToken{Kind: TokenError, Err: ctx.Err().Error()}
				return
			}
		}
		out <- StreamingToken{Kind: TokenComplete, Message: strings.Join(sent, " ")}
	}()
	return out, nil
}

func (m *InMemory) ListModels(ctx context.Context) ([]ModelInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ModelInfo(nil), m.models...), nil
}

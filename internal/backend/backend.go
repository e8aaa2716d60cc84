// Package backend defines the pluggable LLM backend capability the router
// calls through: a Backend interface any provider adapter implements, a
// builder-style Request, and the StreamingToken union for token delivery.
// Grounded on original_source's LlmBackend trait, translated from Rust's
// async_trait + mpsc::Receiver into Go's context.Context + buffered channel
// idiom the teacher uses throughout its own handler goroutines.
package backend

import (
	"context"
)

// Request configures one call to a Backend, built with chained With*
// methods mirroring the original's with_stream/with_temperature/... setters.
type Request struct {
	Prompt      string
	Model       string
	Stream      bool
	MaxTokens   uint32
	Temperature float32
	System      *string
	Context     *string
}

// NewRequest mirrors LlmRequest::new, defaulting Stream true and
// Temperature 0.7 as the original does.
func NewRequest(prompt, model string) Request {
	return Request{Prompt: prompt, Model: model, Stream: true, Temperature: 0.7}
}

func (r Request) WithStream(stream bool) Request {
	r.Stream = stream
	return r
}

// WithTemperature clamps to [0, 1], matching the original's invariant.
func (r Request) WithTemperature(t float32) Request {
	switch {
	case t < 0:
		t = 0
	case t > 1:
		t = 1
	}
	r.Temperature = t
	return r
}

func (r Request) WithSystem(system string) Request {
	r.System = &system
	return r
}

func (r Request) WithContext(context string) Request {
	r.Context = &context
	return r
}

func (r Request) WithMaxTokens(max uint32) Request {
	r.MaxTokens = max
	return r
}

// StreamingTokenKind tags a StreamingToken's variant.
type StreamingTokenKind int

const (
	TokenPartial StreamingTokenKind = iota
	TokenComplete
	TokenError
)

// StreamingToken is the tagged union a streaming call yields over its
// channel: a partial token, a terminal complete message, or a terminal
// error. Exactly one of Text/Message/Err is meaningful, selected by Kind.
type StreamingToken struct {
	Kind    StreamingTokenKind
	Text    string // TokenPartial
	Message string // TokenComplete: the full assembled message, may differ from concatenated tokens
	Err     string // TokenError
}

// Response is the result of a non-streaming call.
type Response struct {
	Content    string
	Model      string
	TokensUsed *uint32
	DurationMs *uint64
}

// ModelInfo describes one model a backend can serve.
type ModelInfo struct {
	Name        string
	Description *string
	SizeBytes   *uint64
	Parameters  *string
	Loaded      bool
}

// Backend is the capability interface every provider adapter implements.
type Backend interface {
	Name() string
	HealthCheck(ctx context.Context) bool

	// SendStreaming returns a channel that yields StreamingToken values as
	// they arrive and is closed when the response completes or errors.
	SendStreaming(ctx context.Context, req Request) (<-chan StreamingToken, error)

	Send(ctx context.Context, req Request) (Response, error)
	ListModels(ctx context.Context) ([]ModelInfo, error)
}

// HasModel and ModelDetail are convenience helpers built on ListModels,
// mirroring the original trait's default-method implementations.
func HasModel(ctx context.Context, b Backend, model string) (bool, error) {
	models, err := b.ListModels(ctx)
	if err != nil {
		return false, err
	}
	for _, m := range models {
		if m.Name == model {
			return true, nil
		}
	}
	return false, nil
}

func ModelDetail(ctx context.Context, b Backend, model string) (*ModelInfo, error) {
	models, err := b.ListModels(ctx)
	if err != nil {
		return nil, err
	}
	for _, m := range models {
		if m.Name == model {
			m := m
			return &m, nil
		}
	}
	return nil, nil
}

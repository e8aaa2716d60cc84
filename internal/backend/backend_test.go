package backend

import (
	"context"
	"testing"
)

func TestRequestBuilderChaining(t *testing.T) {
	r := NewRequest("hello", "mock-model").
		WithStream(false).
		WithTemperature(1.5). // clamps to 1.0
		WithSystem("be nice").
		WithContext("prior turn").
		WithMaxTokens(256)

	if r.Stream {
		t.Fatalf("expected stream false")
	}
	if r.Temperature != 1.0 {
		t.Fatalf("expected temperature clamped to 1.0, got %v", r.Temperature)
	}
	if r.System == nil || *r.System != "be nice" {
		t.Fatalf("expected system prompt set")
	}
	if r.MaxTokens != 256 {
		t.Fatalf("expected max tokens 256, got %d", r.MaxTokens)
	}
}

func TestRequestBuilderTemperatureClampsLow(t *testing.T) {
	r := NewRequest("x", "m").WithTemperature(-1)
	if r.Temperature != 0 {
		t.Fatalf("expected temperature clamped to 0, got %v", r.Temperature)
	}
}

func TestInMemorySend(t *testing.T) {
	b := NewInMemory()
	b.SetResponse("hi", "hello there")

	resp, err := b.Send(context.Background(), NewRequest("hi", "mock-model"))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if resp.Content != "hello there" {
		t.Fatalf("unexpected content: %q", resp.Content)
	}
}

func TestInMemorySendStreamingYieldsCompleteAtEnd(t *testing.T) {
	b := NewInMemory()
	b.SetResponse("hi", "hello there friend")

	ch, err := b.SendStreaming(context.Background(), NewRequest("hi", "mock-model"))
	if err != nil {
		t.Fatalf("send streaming: %v", err)
	}

	var sawComplete bool
	var tokenCount int
	for tok := range ch {
		switch tok.Kind {
		case TokenPartial:
			tokenCount++
		case TokenComplete:
			sawComplete = true
			if tok.Message != "hello there friend" {
				t.Fatalf("unexpected complete message: %q", tok.Message)
			}
		}
	}
	if !sawComplete {
		t.Fatalf("expected a terminal Complete token")
	}
	if tokenCount != 3 {
		t.Fatalf("expected 3 partial tokens, got %d", tokenCount)
	}
}

func TestHasModel(t *testing.T) {
	b := NewInMemory()
	ok, err := HasModel(context.Background(), b, "mock-model")
	if err != nil || !ok {
		t.Fatalf("expected mock-model to be present, ok=%v err=%v", ok, err)
	}
	ok, err = HasModel(context.Background(), b, "nonexistent")
	if err != nil || ok {
		t.Fatalf("expected nonexistent model to be absent")
	}
}

func TestHealthCheckReflectsSetHealthy(t *testing.T) {
	b := NewInMemory()
	if !b.HealthCheck(context.Background()) {
		t.Fatalf("expected healthy by default")
	}
	b.SetHealthy(false)
	if b.HealthCheck(context.Background()) {
		t.Fatalf("expected unhealthy after SetHealthy(false)")
	}
}

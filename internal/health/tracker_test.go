package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
)

func TestClosedToOpenAfterConsecutiveFailures(t *testing.T) {
	tr := New(Config{ConsecutiveFailures: 3, RecoveryInterval: time.Hour, ConsecutiveSuccesses: 3, HalfOpenProbes: 1, EWMAAlpha: 0.2})

	for i := 0; i < 3; i++ {
		_ = tr.Probe(context.Background(), "gpt", func(ctx context.Context) error {
			return errors.New("boom")
		})
	}

	if tr.State("gpt") != gobreaker.StateOpen {
		t.Fatalf("expected breaker open after 3 consecutive failures")
	}
	if tr.IsAdmissible("gpt") {
		t.Fatalf("expected model to be inadmissible while open")
	}
}

func TestOpenToHalfOpenAfterRecoveryInterval(t *testing.T) {
	tr := New(Config{ConsecutiveFailures: 1, RecoveryInterval: 20 * time.Millisecond, ConsecutiveSuccesses: 1, HalfOpenProbes: 1, EWMAAlpha: 0.2})

	_ = tr.Probe(context.Background(), "gpt", func(ctx context.Context) error {
		return errors.New("boom")
	})
	if tr.State("gpt") != gobreaker.StateOpen {
		t.Fatalf("expected open after a single failure with threshold 1")
	}

	time.Sleep(40 * time.Millisecond)
	if tr.State("gpt") != gobreaker.StateHalfOpen {
		t.Fatalf("expected half-open after recovery interval, got %v", tr.State("gpt"))
	}
}

func TestHalfOpenToClosedAfterConsecutiveSuccesses(t *testing.T) {
	tr := New(Config{ConsecutiveFailures: 1, RecoveryInterval: 10 * time.Millisecond, ConsecutiveSuccesses: 2, HalfOpenProbes: 2, EWMAAlpha: 0.2})

	_ = tr.Probe(context.Background(), "gpt", func(ctx context.Context) error { return errors.New("boom") })
	time.Sleep(20 * time.Millisecond)

	_ = tr.Probe(context.Background(), "gpt", func(ctx context.Context) error { return nil })
	_ = tr.Probe(context.Background(), "gpt", func(ctx context.Context) error { return nil })

	if tr.State("gpt") != gobreaker.StateClosed {
		t.Fatalf("expected closed after consecutive half-open successes, got %v", tr.State("gpt"))
	}
}

func TestHalfOpenToOpenOnFailure(t *testing.T) {
	tr := New(Config{ConsecutiveFailures: 1, RecoveryInterval: 10 * time.Millisecond, ConsecutiveSuccesses: 2, HalfOpenProbes: 1, EWMAAlpha: 0.2})

	_ = tr.Probe(context.Background(), "gpt", func(ctx context.Context) error { return errors.New("boom") })
	time.Sleep(20 * time.Millisecond)

	_ = tr.Probe(context.Background(), "gpt", func(ctx context.Context) error { return errors.New("still broken") })
	if tr.State("gpt") != gobreaker.StateOpen {
		t.Fatalf("expected open after a half-open failure, got %v", tr.State("gpt"))
	}
}

func TestIsAdmissibleNonBlocking(t *testing.T) {
	tr := New(DefaultConfig())
	done := make(chan struct{})
	go func() {
		tr.IsAdmissible("fresh-model")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("IsAdmissible blocked")
	}
}

func TestSuccessRateMovesTowardObservations(t *testing.T) {
	tr := New(Config{ConsecutiveFailures: 100, RecoveryInterval: time.Hour, ConsecutiveSuccesses: 3, HalfOpenProbes: 1, EWMAAlpha: 0.5})

	initial := tr.SuccessRate("gpt")
	_ = tr.Probe(context.Background(), "gpt", func(ctx context.Context) error { return errors.New("boom") })
	afterFailure := tr.SuccessRate("gpt")

	if afterFailure >= initial {
		t.Fatalf("expected success rate to drop after a failure: before=%v after=%v", initial, afterFailure)
	}
}

package routing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/yollayah/conductor/internal/backend"
	"github.com/yollayah/conductor/internal/health"
	"github.com/yollayah/conductor/internal/model"
	"github.com/yollayah/conductor/internal/pool"
)

func poolFor(t *testing.T, b backend.Backend) *pool.Pool[BackendConn] {
	t.Helper()
	factory := func(ctx context.Context) (BackendConn, error) {
		return BackendConn{b}, nil
	}
	return pool.New[BackendConn](factory, 2, time.Second)
}

func newTestRouter(t *testing.T, chains map[model.TaskClass]Chain, pools map[string]*pool.Pool[BackendConn]) *Router {
	t.Helper()
	policy, err := NewPolicy(chains)
	if err != nil {
		t.Fatalf("new policy: %v", err)
	}
	classifier, err := NewClassifier(32)
	if err != nil {
		t.Fatalf("new classifier: %v", err)
	}
	tracker := health.New(health.DefaultConfig())
	return NewRouter(policy, classifier, tracker, pools, 8, 4,
		WithRetryConfig(RetryConfig{MaxAttemptsTotal: 4, MaxAttemptsPerModel: 2, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}))
}

func TestRouteSucceedsOnPrimary(t *testing.T) {
	primary := backend.NewInMemory()
	primary.SetResponse("hi", "hello from primary")

	chains := map[model.TaskClass]Chain{
		model.TaskGeneral: {Primary: model.ModelProfile{ModelID: "primary"}},
	}
	pools := map[string]*pool.Pool[BackendConn]{"primary": poolFor(t, primary)}
	r := newTestRouter(t, chains, pools)

	resp, err := r.Route(context.Background(), Request{Prompt: "hi"}, time.Second, backend.NewRequest("hi", ""))
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if resp.Content != "hello from primary" {
		t.Fatalf("unexpected content: %q", resp.Content)
	}
}

type failingBackend struct {
	*backend.InMemory
	failCount int
	calls     int
}

func (f *failingBackend) Send(ctx context.Context, req backend.Request) (backend.Response, error) {
	f.calls++
	if f.calls <= f.failCount {
		return backend.Response{}, errors.New("transient failure")
	}
	return f.InMemory.Send(ctx, req)
}

func TestRouteFallsBackToSecondCandidate(t *testing.T) {
	primary := &failingBackend{InMemory: backend.NewInMemory(), failCount: 99}
	fallback := backend.NewInMemory()
	fallback.SetResponse("hi", "hello from fallback")

	chains := map[model.TaskClass]Chain{
		model.TaskGeneral: {
			Primary:   model.ModelProfile{ModelID: "primary"},
			Fallbacks: []model.ModelProfile{{ModelID: "fallback"}},
		},
	}
	pools := map[string]*pool.Pool[BackendConn]{
		"primary":  poolFor(t, primary),
		"fallback": poolFor(t, fallback),
	}
	r := newTestRouter(t, chains, pools)

	resp, err := r.Route(context.Background(), Request{Prompt: "hi"}, time.Second, backend.NewRequest("hi", ""))
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if resp.Content != "hello from fallback" {
		t.Fatalf("expected fallback response, got %q", resp.Content)
	}
}

func TestRouteRetriesThenSucceedsOnSameModel(t *testing.T) {
	flaky := &failingBackend{InMemory: backend.NewInMemory(), failCount: 1}
	flaky.SetResponse("hi", "recovered")

	chains := map[model.TaskClass]Chain{
		model.TaskGeneral: {Primary: model.ModelProfile{ModelID: "flaky"}},
	}
	pools := map[string]*pool.Pool[BackendConn]{"flaky": poolFor(t, flaky)}
	r := newTestRouter(t, chains, pools)

	resp, err := r.Route(context.Background(), Request{Prompt: "hi"}, time.Second, backend.NewRequest("hi", ""))
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if resp.Content != "recovered" {
		t.Fatalf("unexpected content: %q", resp.Content)
	}
}

func TestRouteAllCandidatesExhaustedReturnsAllFailedError(t *testing.T) {
	dead := &failingBackend{InMemory: backend.NewInMemory(), failCount: 99}

	chains := map[model.TaskClass]Chain{
		model.TaskGeneral: {Primary: model.ModelProfile{ModelID: "dead"}},
	}
	pools := map[string]*pool.Pool[BackendConn]{"dead": poolFor(t, dead)}
	r := newTestRouter(t, chains, pools)

	_, err := r.Route(context.Background(), Request{Prompt: "hi"}, time.Second, backend.NewRequest("hi", ""))
	var allFailed *AllFailedError
	if !errors.As(err, &allFailed) {
		t.Fatalf("expected AllFailedError, got %v", err)
	}
	if _, ok := allFailed.Tried["dead"]; !ok {
		t.Fatalf("expected dead model recorded in Tried: %+v", allFailed.Tried)
	}
}

func TestRouteNoCandidatesReturnsAllFailedError(t *testing.T) {
	r := newTestRouter(t, map[model.TaskClass]Chain{}, map[string]*pool.Pool[BackendConn]{})
	_, err := r.Route(context.Background(), Request{Prompt: "hi"}, time.Second, backend.NewRequest("hi", ""))
	var allFailed *AllFailedError
	if !errors.As(err, &allFailed) {
		t.Fatalf("expected AllFailedError for empty candidate set, got %v", err)
	}
}

func TestRouteStreamingReturnsTokensAndReleasesLease(t *testing.T) {
	b := backend.NewInMemory()
	b.SetResponse("hi", "one two three")

	chains := map[model.TaskClass]Chain{
		model.TaskGeneral: {Primary: model.ModelProfile{ModelID: "m"}},
	}
	p := poolFor(t, b)
	pools := map[string]*pool.Pool[BackendConn]{"m": p}
	r := newTestRouter(t, chains, pools)

	ch, err := r.RouteStreaming(context.Background(), Request{Prompt: "hi"}, time.Second, backend.NewRequest("hi", ""))
	if err != nil {
		t.Fatalf("route streaming: %v", err)
	}

	var sawComplete bool
	for tok := range ch {
		if tok.Kind == backend.TokenComplete {
			sawComplete = true
		}
	}
	if !sawComplete {
		t.Fatalf("expected a complete token")
	}

	deadline := time.After(time.Second)
	for {
		m := p.Metrics()
		if m.Idle >= 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("lease was never returned to idle after stream completion")
		case <-time.After(time.Millisecond):
		}
	}
}

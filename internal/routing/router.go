package routing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/semaphore"

	"github.com/yollayah/conductor/internal/backend"
	"github.com/yollayah/conductor/internal/cerr"
	"github.com/yollayah/conductor/internal/health"
	"github.com/yollayah/conductor/internal/model"
	"github.com/yollayah/conductor/internal/pool"
)

// BackendConn adapts a backend.Backend into a pool.Conn so a single model's
// connections can be pooled without the pool package knowing about LLMs.
type BackendConn struct {
	backend.Backend
}

func (BackendConn) Close() error { return nil }

// NewBackendPool builds the per-model pool a Router expects, wrapping b in
// the pool.Conn adapter. Most backends are cheap to construct (a single
// HTTP client), so factory simply returns the same instance every time;
// callers whose backend genuinely needs per-connection state can build
// pool.Pool[BackendConn] directly instead.
func NewBackendPool(b backend.Backend, maxSize int, acquireTimeout time.Duration) *pool.Pool[BackendConn] {
	return pool.New[BackendConn](func(ctx context.Context) (BackendConn, error) {
		return BackendConn{b}, nil
	}, maxSize, acquireTimeout)
}

// Metrics are the router's process-wide rolling counters.
type Metrics struct {
	attempts  uint64
	successes uint64
	failures  uint64
	allFailed uint64
}

func (m *Metrics) Snapshot() Metrics {
	return Metrics{attempts: m.attempts, successes: m.successes, failures: m.failures, allFailed: m.allFailed}
}

// RetryConfig configures the router's retry/backoff policy.
type RetryConfig struct {
	MaxAttemptsTotal     int
	MaxAttemptsPerModel  int
	InitialBackoff       time.Duration
	MaxBackoff           time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttemptsTotal: 6, MaxAttemptsPerModel: 2, InitialBackoff: 100 * time.Millisecond, MaxBackoff: 2 * time.Second}
}

// Router is the single entry point from spec §4.11: route(request).
type Router struct {
	policy     *Policy
	classifier *Classifier
	tracker    *health.Tracker
	pools      map[string]*pool.Pool[BackendConn]
	retry      RetryConfig

	globalSem *semaphore.Weighted
	perModel  map[string]*semaphore.Weighted

	metrics Metrics
}

type Option func(*Router)

func WithRetryConfig(c RetryConfig) Option {
	return func(r *Router) { r.retry = c }
}

// NewRouter wires a policy, classifier, health tracker, and per-model pools
// into the router. globalConcurrency caps total outstanding Route backend
// calls; perModelConcurrency caps each model independently, both acquired
// before Route's pool lease per spec §4.11's concurrency-guard ordering.
// RouteStreaming takes neither semaphore.
func NewRouter(policy *Policy, classifier *Classifier, tracker *health.Tracker, pools map[string]*pool.Pool[BackendConn], globalConcurrency int64, perModelConcurrency int64, opts ...Option) *Router {
	r := &Router{
		policy:     policy,
		classifier: classifier,
		tracker:    tracker,
		pools:      pools,
		retry:      DefaultRetryConfig(),
		globalSem:  semaphore.NewWeighted(globalConcurrency),
		perModel:   make(map[string]*semaphore.Weighted),
	}
	for modelID := range pools {
		r.perModel[modelID] = semaphore.NewWeighted(perModelConcurrency)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AllFailedError reports every candidate tried and its terminal error.
type AllFailedError struct {
	Tried map[string]error
}

func (e *AllFailedError) Error() string {
	return fmt.Sprintf("all %d candidates failed", len(e.Tried))
}

type nonRetriable struct{ err error }

func (n nonRetriable) Error() string { return n.err.Error() }
func (n nonRetriable) Unwrap() error { return n.err }

func isRetriable(err error) bool {
	var nr nonRetriable
	if errors.As(err, &nr) {
		return false
	}
	if k, ok := cerr.KindOf(err); ok {
		switch k {
		case cerr.KindAuth:
			return false
		}
	}
	return true
}

// Route classifies req, ranks candidates, and tries each in order with the
// retry/backoff policy, returning the completed response. Streaming calls
// go through RouteStreaming instead.
func (r *Router) Route(ctx context.Context, req Request, latencyBudget time.Duration, breq backend.Request) (backend.Response, error) {
	deadline := time.Now().Add(latencyBudget)
	class := r.classifier.Classify(req)
	candidates, _ := r.policy.Candidates(class, r.tracker)
	if len(candidates) == 0 {
		return backend.Response{}, &AllFailedError{Tried: map[string]error{}}
	}

	tried := make(map[string]error)
	attempts := 0

	for _, candidate := range candidates {
		if attempts >= r.retry.MaxAttemptsTotal {
			break
		}
		perModelAttempts := 0
		b := r.newBackOff()

		for perModelAttempts < r.retry.MaxAttemptsPerModel && attempts < r.retry.MaxAttemptsTotal {
			attempts++
			perModelAttempts++
			r.metrics.attempts++

			remaining := time.Until(deadline)
			if remaining <= 0 {
				tried[candidate.ModelID] = context.DeadlineExceeded
				break
			}

			resp, err := r.attempt(ctx, candidate, remaining, breq)
			if err == nil {
				r.metrics.successes++
				return resp, nil
			}

			tried[candidate.ModelID] = err
			r.metrics.failures++

			if !isRetriable(err) {
				return backend.Response{}, err
			}

			select {
			case <-time.After(b.NextBackOff()):
			case <-ctx.Done():
				return backend.Response{}, ctx.Err()
			}
		}
	}

	r.metrics.allFailed++
	return backend.Response{}, &AllFailedError{Tried: tried}
}

// newBackOff builds a fresh exponential-with-jitter schedule per candidate,
// so switching candidates doesn't inherit a prior candidate's backed-off
// interval.
func (r *Router) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.retry.InitialBackoff
	b.MaxInterval = r.retry.MaxBackoff
	b.Multiplier = 2
	return b
}

func (r *Router) attempt(ctx context.Context, candidate model.ModelProfile, budget time.Duration, breq backend.Request) (backend.Response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	if !r.globalSem.TryAcquire(1) {
		if err := r.globalSem.Acquire(attemptCtx, 1); err != nil {
			return backend.Response{}, err
		}
	}
	defer r.globalSem.Release(1)

	modelSem := r.perModel[candidate.ModelID]
	if modelSem != nil {
		if !modelSem.TryAcquire(1) {
			if err := modelSem.Acquire(attemptCtx, 1); err != nil {
				return backend.Response{}, err
			}
		}
		defer modelSem.Release(1)
	}

	if !r.tracker.IsAdmissible(candidate.ModelID) {
		return backend.Response{}, errCircuitOpenRace{model: candidate.ModelID}
	}

	p, ok := r.pools[candidate.ModelID]
	if !ok {
		return backend.Response{}, nonRetriable{err: fmt.Errorf("no pool configured for model %q", candidate.ModelID)}
	}

	lease, err := p.Acquire(attemptCtx)
	if err != nil {
		return backend.Response{}, cerr.New(cerr.KindPool, "router.attempt", err)
	}
	defer lease.Release()

	breq.Model = candidate.ModelID
	resp, callErr := lease.Conn().Send(attemptCtx, breq)
	if callErr != nil {
		lease.Fail()
		r.tracker.Record(candidate.ModelID, false)
		return backend.Response{}, callErr
	}

	r.tracker.Record(candidate.ModelID, true)
	return resp, nil
}

// RouteStreaming mirrors Route but for a streaming call: on success it
// returns a token channel immediately. Each candidate is tried once, in
// order, until one opens a stream or a non-retriable error stops the search;
// there is no per-candidate retry or backoff, and neither the global nor
// the per-model concurrency semaphore is taken.
func (r *Router) RouteStreaming(ctx context.Context, req Request, latencyBudget time.Duration, breq backend.Request) (<-chan backend.StreamingToken, error) {
	breq = breq.WithStream(true)
	deadline := time.Now().Add(latencyBudget)
	class := r.classifier.Classify(req)
	candidates, _ := r.policy.Candidates(class, r.tracker)

	tried := make(map[string]error)
	for _, candidate := range candidates {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		ch, err := r.attemptStreaming(ctx, candidate, remaining, breq)
		if err == nil {
			return ch, nil
		}
		tried[candidate.ModelID] = err
		if !isRetriable(err) {
			return nil, err
		}
	}
	return nil, &AllFailedError{Tried: tried}
}

func (r *Router) attemptStreaming(ctx context.Context, candidate model.ModelProfile, budget time.Duration, breq backend.Request) (<-chan backend.StreamingToken, error) {
	if !r.tracker.IsAdmissible(candidate.ModelID) {
		return nil, errCircuitOpenRace{model: candidate.ModelID}
	}
	p, ok := r.pools[candidate.ModelID]
	if !ok {
		return nil, nonRetriable{err: fmt.Errorf("no pool configured for model %q", candidate.ModelID)}
	}

	acquireCtx, cancelAcquire := context.WithTimeout(ctx, budget)
	lease, err := p.Acquire(acquireCtx)
	cancelAcquire()
	if err != nil {
		return nil, cerr.New(cerr.KindPool, "router.attemptStreaming", err)
	}

	breq.Model = candidate.ModelID
	// The connection's own context governs the stream's lifetime, not the
	// acquisition budget: a slow model shouldn't have its first byte raced
	// against the same deadline used to grab a pool slot.
	upstream, err := lease.Conn().SendStreaming(ctx, breq)
	if err != nil {
		lease.Fail()
		lease.Release()
		r.tracker.Record(candidate.ModelID, false)
		return nil, err
	}

	r.tracker.Record(candidate.ModelID, true)

	// Relay upstream onto a router-owned channel so the lease is released
	// exactly once the producer closes its side, not before.
	out := make(chan backend.StreamingToken, cap(upstream))
	go func() {
		defer close(out)
		defer lease.Release()
		for tok := range upstream {
			out <- tok
			if tok.Kind == backend.TokenError {
				lease.Fail()
			}
		}
	}()
	return out, nil
}

type errCircuitOpenRace struct{ model string }

func (e errCircuitOpenRace) Error() string { return "circuit open for model " + e.model }

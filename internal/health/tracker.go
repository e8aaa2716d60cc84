// Package health implements the per-model circuit breaker from spec §4.9 on
// top of github.com/sony/gobreaker: Closed/Open/HalfOpen transitions on
// consecutive failure/success counts, a non-blocking admissibility check,
// and an EWMA success-rate estimate gobreaker itself doesn't track.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// Config tunes the breaker thresholds, defaulting to the values spec §4.9
// names explicitly.
type Config struct {
	ConsecutiveFailures uint32        // Closed -> Open threshold (default 3)
	RecoveryInterval    time.Duration // Open -> HalfOpen wait (default 30s)
	ConsecutiveSuccesses uint32       // HalfOpen -> Closed threshold (default 3)
	HalfOpenProbes       uint32       // not consulted: the HalfOpen probe cap is ConsecutiveSuccesses (see stateFor)
	EWMAAlpha            float64      // smoothing factor for the success-rate estimate
}

func DefaultConfig() Config {
	return Config{
		ConsecutiveFailures:  3,
		RecoveryInterval:     30 * time.Second,
		ConsecutiveSuccesses: 3,
		HalfOpenProbes:       1,
		EWMAAlpha:            0.2,
	}
}

type modelState struct {
	mu          sync.Mutex
	breaker     *gobreaker.CircuitBreaker
	successRate float64
	lastTransition time.Time
}

// Tracker holds one circuit breaker and EWMA estimate per model name.
type Tracker struct {
	cfg Config

	mu     sync.Mutex
	models map[string]*modelState
}

func New(cfg Config) *Tracker {
	return &Tracker{cfg: cfg, models: make(map[string]*modelState)}
}

func (t *Tracker) stateFor(model string) *modelState {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.models[model]; ok {
		return s
	}

	// gobreaker ties "requests admitted while HalfOpen" and "consecutive
	// successes required to close" to the same MaxRequests value; spec
	// §4.9 names them separately; ConsecutiveSuccesses wins since it's the
	// threshold that actually governs the HalfOpen -> Closed transition.
	settings := gobreaker.Settings{
		Name:        model,
		MaxRequests: t.cfg.ConsecutiveSuccesses,
		Interval:    0, // never reset Closed-state counters on a timer; only consecutive-failure matters
		Timeout:     t.cfg.RecoveryInterval,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= t.cfg.ConsecutiveFailures
		},
	}
	s := &modelState{lastTransition: time.Now(), successRate: 1.0}
	settings.OnStateChange = func(name string, from, to gobreaker.State) {
		s.mu.Lock()
		s.lastTransition = time.Now()
		s.mu.Unlock()
	}
	s.breaker = gobreaker.NewCircuitBreaker(settings)
	t.models[model] = s
	return s
}

// IsAdmissible is a non-blocking query: true when the breaker is Closed or
// HalfOpen, false when Open. It does not check whether a HalfOpen probe slot
// is still free; gobreaker enforces that cap when the request is executed.
func (t *Tracker) IsAdmissible(model string) bool {
	s := t.stateFor(model)
	switch s.breaker.State() {
	case gobreaker.StateClosed:
		return true
	case gobreaker.StateHalfOpen:
		// gobreaker itself enforces MaxRequests during HalfOpen; a request
		// that would exceed it fails fast from Execute, so admissibility
		// here is "the breaker will let us try", not a guarantee.
		return true
	default:
		return false
	}
}

// State reports the breaker's current state for one model.
func (t *Tracker) State(model string) gobreaker.State {
	return t.stateFor(model).breaker.State()
}

// SuccessRate returns the EWMA success-rate estimate for a model.
func (t *Tracker) SuccessRate(model string) float64 {
	s := t.stateFor(model)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.successRate
}

// Record reports the outcome of one completed request, updating both the
// gobreaker state machine and the EWMA estimate. Call this instead of
// driving gobreaker's Execute directly so a caller that already performed
// the call (e.g. via the router's retry loop) can report outcomes it
// observed out of band.
func (t *Tracker) Record(model string, success bool) {
	s := t.stateFor(model)

	// Route the verdict through gobreaker's accounting via a trivial
	// Execute call so ReadyToTrip sees consistent counts.
	_, _ = s.breaker.Execute(func() (interface{}, error) {
		if success {
			return nil, nil
		}
		return nil, errRecordedFailure{}
	})

	s.mu.Lock()
	obs := 0.0
	if success {
		obs = 1.0
	}
	s.successRate = t.cfg.EWMAAlpha*obs + (1-t.cfg.EWMAAlpha)*s.successRate
	s.mu.Unlock()
}

// Probe runs fn only if the breaker currently admits a request, recording
// the outcome automatically. Returns the breaker-open error without
// calling fn when the circuit is Open or the HalfOpen probe budget is
// exhausted.
func (t *Tracker) Probe(ctx context.Context, model string, fn func(ctx context.Context) error) error {
	s := t.stateFor(model)
	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})
	if err != nil {
		s.mu.Lock()
		s.successRate = (1 - t.cfg.EWMAAlpha) * s.successRate
		s.mu.Unlock()
		return err
	}
	s.mu.Lock()
	s.successRate = t.cfg.EWMAAlpha + (1-t.cfg.EWMAAlpha)*s.successRate
	s.mu.Unlock()
	return nil
}

type errRecordedFailure struct{}

func (errRecordedFailure) Error() string { return "recorded failure" }

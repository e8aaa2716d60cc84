// Package ratelimit implements the per-connection token bucket and
// per-principal connection cap described in spec §4.3: admission delays
// rather than rejects, up to a ceiling beyond which the message is dropped.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/yollayah/conductor/internal/cerr"
	"github.com/yollayah/conductor/internal/protocol"
)

// Config tunes the limiter. Zero value is invalid; use DefaultConfig.
type Config struct {
	MessagesPerSecond   float64
	BurstSize           int
	MaxDelay            time.Duration
	MaxConnsPerPrincipal int
}

func DefaultConfig() Config {
	return Config{
		MessagesPerSecond:    50,
		BurstSize:            25,
		MaxDelay:             2 * time.Second,
		MaxConnsPerPrincipal: 8,
	}
}

// Stats are the rolling counters exposed per connection and globally.
type Stats struct {
	Admitted uint64
	Delayed  uint64
	Dropped  uint64
}

type connState struct {
	limiter *rate.Limiter
	mu      sync.Mutex
	stats   Stats
}

// Limiter tracks one token bucket per connection plus a shared per-principal
// connection count.
type Limiter struct {
	cfg Config

	mu    sync.Mutex
	conns map[protocol.ConnectionId]*connState

	principalsMu sync.Mutex
	principals   map[string]int
}

func New(cfg Config) *Limiter {
	return &Limiter{
		cfg:        cfg,
		conns:      make(map[protocol.ConnectionId]*connState),
		principals: make(map[string]int),
	}
}

// AdmitConnection enforces the per-principal connection cap. Call once per
// accepted handshake before registering the connection; call
// ReleaseConnection on disconnect.
func (l *Limiter) AdmitConnection(principal string) error {
	l.principalsMu.Lock()
	defer l.principalsMu.Unlock()

	if l.principals[principal] >= l.cfg.MaxConnsPerPrincipal {
		return cerr.New(cerr.KindRateLimit, "ratelimit.AdmitConnection",
			errLimitExceeded{principal: principal})
	}
	l.principals[principal]++
	return nil
}

func (l *Limiter) ReleaseConnection(principal string) {
	l.principalsMu.Lock()
	defer l.principalsMu.Unlock()
	if l.principals[principal] > 0 {
		l.principals[principal]--
		if l.principals[principal] == 0 {
			delete(l.principals, principal)
		}
	}
}

// Register creates the token bucket for a newly registered connection.
func (l *Limiter) Register(id protocol.ConnectionId) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.conns[id] = &connState{
		limiter: rate.NewLimiter(rate.Limit(l.cfg.MessagesPerSecond), l.cfg.BurstSize),
	}
}

// Unregister drops the per-connection state (idempotent).
func (l *Limiter) Unregister(id protocol.ConnectionId) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.conns, id)
}

// Admit blocks the caller until a token is available for this connection,
// up to MaxDelay. If the delay would exceed the ceiling, the message is
// dropped and a rate-limit error is returned instead of waiting forever.
func (l *Limiter) Admit(ctx context.Context, id protocol.ConnectionId) error {
	l.mu.Lock()
	cs, ok := l.conns[id]
	l.mu.Unlock()
	if !ok {
		// Unregistered connections (already disconnected) admit freely;
		// nothing downstream will see the message anyway.
		return nil
	}

	r := cs.limiter.Reserve()
	if !r.OK() {
		cs.mu.Lock()
		cs.stats.Dropped++
		cs.mu.Unlock()
		return cerr.New(cerr.KindRateLimit, "ratelimit.Admit", errBurstExceeded{})
	}

	delay := r.Delay()
	if delay == 0 {
		cs.mu.Lock()
		cs.stats.Admitted++
		cs.mu.Unlock()
		return nil
	}

	if delay > l.cfg.MaxDelay {
		r.Cancel()
		cs.mu.Lock()
		cs.stats.Dropped++
		cs.mu.Unlock()
		return cerr.New(cerr.KindRateLimit, "ratelimit.Admit", errDelayCeiling{delay: delay})
	}

	cs.mu.Lock()
	cs.stats.Delayed++
	cs.mu.Unlock()

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		cs.mu.Lock()
		cs.stats.Admitted++
		cs.mu.Unlock()
		return nil
	case <-ctx.Done():
		r.Cancel()
		return cerr.New(cerr.KindRateLimit, "ratelimit.Admit", ctx.Err())
	}
}

// ConnectionStats returns a snapshot of the per-connection counters, plus
// the bucket's current token depth as reported by rate.Limiter.Tokens
// (fractional, not rounded).
func (l *Limiter) ConnectionStats(id protocol.ConnectionId) (Stats, float64, bool) {
	l.mu.Lock()
	cs, ok := l.conns[id]
	l.mu.Unlock()
	if !ok {
		return Stats{}, 0, false
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.stats, cs.limiter.Tokens(), true
}

// PrincipalCount returns the number of live connections currently charged
// to a principal.
func (l *Limiter) PrincipalCount(principal string) int {
	l.principalsMu.Lock()
	defer l.principalsMu.Unlock()
	return l.principals[principal]
}

type errLimitExceeded struct{ principal string }

func (e errLimitExceeded) Error() string {
	return "connection limit exceeded for principal " + e.principal
}

type errBurstExceeded struct{}

func (errBurstExceeded) Error() string { return "rate limit burst exceeded, message cannot be admitted" }

type errDelayCeiling struct{ delay time.Duration }

func (e errDelayCeiling) Error() string {
	return "rate limit delay " + e.delay.String() + " exceeds ceiling, message dropped"
}

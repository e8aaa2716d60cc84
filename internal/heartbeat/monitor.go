// Package heartbeat implements the periodic liveness probe described in
// spec §4.4: a Ping carries a monotonic sequence number, a Pong echoes it,
// and a connection goes unhealthy when Pongs stop tracking the highest
// outstanding sequence.
package heartbeat

import (
	"context"
	"sync"
	"time"

	"github.com/yollayah/conductor/internal/protocol"
)

// Config tunes interval and eviction thresholds.
type Config struct {
	Interval        time.Duration
	MissedThreshold int // N in "no Pong for N x interval"
}

func DefaultConfig() Config {
	return Config{Interval: 30 * time.Second, MissedThreshold: 3}
}

type connTrack struct {
	mu          sync.Mutex
	lastSeq     uint64
	ackedSeq    uint64
	lastPongAt  time.Time
	registeredAt time.Time
}

// Monitor tracks outstanding Ping sequences per connection and reports
// connections that have gone unhealthy. It does not own the transport; the
// caller is responsible for actually sending Ping frames and for closing
// evicted connections.
type Monitor struct {
	cfg Config

	mu    sync.Mutex
	conns map[protocol.ConnectionId]*connTrack
}

func New(cfg Config) *Monitor {
	return &Monitor{cfg: cfg, conns: make(map[protocol.ConnectionId]*connTrack)}
}

func (m *Monitor) Register(id protocol.ConnectionId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conns[id] = &connTrack{lastPongAt: time.Now(), registeredAt: time.Now()}
}

func (m *Monitor) Unregister(id protocol.ConnectionId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.conns, id)
}

// NextSequence returns the sequence number to stamp on the next outbound
// Ping for this connection. Re-issued heartbeats never accumulate: the
// monitor only ever tracks the highest sequence sent and the highest
// acknowledged.
func (m *Monitor) NextSequence(id protocol.ConnectionId) (uint64, bool) {
	m.mu.Lock()
	ct, ok := m.conns[id]
	m.mu.Unlock()
	if !ok {
		return 0, false
	}
	ct.mu.Lock()
	defer ct.mu.Unlock()
	ct.lastSeq++
	return ct.lastSeq, true
}

// Pong records a Pong, advancing the acknowledged sequence. Pongs for a
// sequence lower than the current high-water mark are accepted but do not
// move it backward.
func (m *Monitor) Pong(id protocol.ConnectionId, seq uint64) {
	m.mu.Lock()
	ct, ok := m.conns[id]
	m.mu.Unlock()
	if !ok {
		return
	}
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if seq > ct.ackedSeq {
		ct.ackedSeq = seq
	}
	ct.lastPongAt = time.Now()
}

// Unhealthy reports the connections that should be evicted: no Pong within
// MissedThreshold x Interval, or the gap between the highest sent sequence
// and the highest acknowledged sequence exceeds the threshold.
func (m *Monitor) Unhealthy(now time.Time) []protocol.ConnectionId {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []protocol.ConnectionId
	deadline := time.Duration(m.cfg.MissedThreshold) * m.cfg.Interval
	for id, ct := range m.conns {
		ct.mu.Lock()
		silentTooLong := now.Sub(ct.lastPongAt) > deadline
		tooFarBehind := ct.lastSeq > ct.ackedSeq && ct.lastSeq-ct.ackedSeq > uint64(m.cfg.MissedThreshold)
		ct.mu.Unlock()
		if silentTooLong || tooFarBehind {
			out = append(out, id)
		}
	}
	return out
}

// Run drives the monitor's timer loop, invoking ping for every tracked
// connection each interval and evict for every connection Unhealthy
// reports. It returns when ctx is cancelled.
func (m *Monitor) Run(ctx context.Context, ping func(id protocol.ConnectionId, seq uint64), evict func(id protocol.ConnectionId)) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.mu.Lock()
			ids := make([]protocol.ConnectionId, 0, len(m.conns))
			for id := range m.conns {
				ids = append(ids, id)
			}
			m.mu.Unlock()

			for _, id := range ids {
				if seq, ok := m.NextSequence(id); ok {
					ping(id, seq)
				}
			}

			for _, id := range m.Unhealthy(now) {
				m.Unregister(id)
				evict(id)
			}
		}
	}
}

// Package registry tracks live surfaces, adapting the actor-style
// hub/cell registry pattern: a sync.Map keyed by ConnectionId, with a
// per-entry heartbeat timestamp that StaleSince reports on; the registry
// runs no eviction goroutine itself. Unlike the per-user mailbox cell it is
// grounded on, each entry here already owns an outbound channel (the
// surface's own transport.Conn), so the registry's job is bookkeeping and
// fan-out rather than buffering itself.
package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yollayah/conductor/internal/cerr"
	"github.com/yollayah/conductor/internal/protocol"
)

// Sender is the minimal surface-facing capability the registry needs: an
// outbound channel target plus a capability filter. transport.Conn and
// model.Surface both satisfy the operational parts of this through an
// adapter the conductor package provides.
type Sender interface {
	Send(ctx context.Context, msg protocol.ConductorMessage) error
	Accepts(msg protocol.ConductorMessage) bool
}

type entry struct {
	id            protocol.ConnectionId
	sender        Sender
	capabilities  protocol.Capabilities
	lastHeartbeat atomic64
}

// atomic64 stores a unix-nano timestamp guarded by a small mutex.
type atomic64 struct {
	mu sync.Mutex
	v  int64
}

func (a *atomic64) store(t time.Time) {
	a.mu.Lock()
	a.v = t.UnixNano()
	a.mu.Unlock()
}

func (a *atomic64) load() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return time.Unix(0, a.v)
}

// BroadcastResult reports per-recipient outcome for one broadcast call.
type BroadcastResult struct {
	Delivered []protocol.ConnectionId
	Failed    map[protocol.ConnectionId]error
}

// Registry implements spec §4.5: register/remove/send_to/broadcast/list/
// capability_lookup over a ConnectionId-keyed map of live surfaces.
type Registry struct {
	entries sync.Map // protocol.ConnectionId -> *entry

	fanoutConcurrency int
	sendTimeout       time.Duration
	log               *slog.Logger
}

type Option func(*Registry)

func WithFanoutConcurrency(n int) Option {
	return func(r *Registry) { r.fanoutConcurrency = n }
}

func WithSendTimeout(d time.Duration) Option {
	return func(r *Registry) { r.sendTimeout = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.log = l }
}

func New(opts ...Option) *Registry {
	r := &Registry{
		fanoutConcurrency: 32,
		sendTimeout:       2 * time.Second,
		log:               slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a surface under its own ConnectionId. Called after
// handshake-ack.
func (r *Registry) Register(id protocol.ConnectionId, sender Sender, caps protocol.Capabilities) {
	e := &entry{id: id, sender: sender, capabilities: caps}
	e.lastHeartbeat.store(time.Now())
	r.entries.Store(id, e)
}

// Remove is idempotent.
func (r *Registry) Remove(id protocol.ConnectionId) {
	r.entries.Delete(id)
}

// Touch records a heartbeat or any other liveness signal for id.
func (r *Registry) Touch(id protocol.ConnectionId) {
	if v, ok := r.entries.Load(id); ok {
		v.(*entry).lastHeartbeat.store(time.Now())
	}
}

// SendTo delivers msg to exactly one connection, failing with
// cerr.KindInternal("unknown connection") if it has been removed.
func (r *Registry) SendTo(ctx context.Context, id protocol.ConnectionId, msg protocol.ConductorMessage) error {
	v, ok := r.entries.Load(id)
	if !ok {
		return cerr.New(cerr.KindInternal, "registry.SendTo", errUnknownConnection{id: id})
	}
	e := v.(*entry)
	if !e.sender.Accepts(msg) {
		return nil
	}
	return e.sender.Send(ctx, msg)
}

// Broadcast clones msg to every registered surface's outbound queue. No
// cross-recipient lock is held while waiting on a slow consumer: each send
// runs in its own bounded-concurrency goroutine, so one stalled surface
// never delays delivery to the rest.
func (r *Registry) Broadcast(ctx context.Context, msg protocol.ConductorMessage) BroadcastResult {
	type target struct {
		id     protocol.ConnectionId
		sender Sender
	}
	var targets []target
	r.entries.Range(func(key, value any) bool {
		e := value.(*entry)
		if e.sender.Accepts(msg) {
			targets = append(targets, target{id: e.id, sender: e.sender})
		}
		return true
	})

	result := BroadcastResult{Failed: make(map[protocol.ConnectionId]error)}
	if len(targets) == 0 {
		return result
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.fanoutConcurrency)

	for _, tgt := range targets {
		tgt := tgt
		g.Go(func() error {
			sendCtx, cancel := context.WithTimeout(gctx, r.sendTimeout)
			defer cancel()
			err := tgt.sender.Send(sendCtx, msg)

			mu.Lock()
			if err != nil {
				result.Failed[tgt.id] = err
				r.log.Warn("broadcast delivery failed", "connection_id", tgt.id, "error", err)
			} else {
				result.Delivered = append(result.Delivered, tgt.id)
			}
			mu.Unlock()
			return nil // partial failures never abort the broadcast
		})
	}
	_ = g.Wait()

	return result
}

// List returns every currently-registered ConnectionId.
func (r *Registry) List() []protocol.ConnectionId {
	var ids []protocol.ConnectionId
	r.entries.Range(func(key, _ any) bool {
		ids = append(ids, key.(protocol.ConnectionId))
		return true
	})
	return ids
}

// CapabilityLookup returns the capability record registered for id.
func (r *Registry) CapabilityLookup(id protocol.ConnectionId) (protocol.Capabilities, bool) {
	v, ok := r.entries.Load(id)
	if !ok {
		return protocol.Capabilities{}, false
	}
	return v.(*entry).capabilities, true
}

// StaleSince returns the ConnectionIds whose last recorded heartbeat is
// older than cutoff. The heartbeat monitor is the usual caller of this, but
// registry ownership of the timestamp keeps eviction and lookup consistent.
func (r *Registry) StaleSince(cutoff time.Time) []protocol.ConnectionId {
	var ids []protocol.ConnectionId
	r.entries.Range(func(key, value any) bool {
		e := value.(*entry)
		if e.lastHeartbeat.load().Before(cutoff) {
			ids = append(ids, e.id)
		}
		return true
	})
	return ids
}

type errUnknownConnection struct{ id protocol.ConnectionId }

func (e errUnknownConnection) Error() string {
	return "unknown connection: " + string(e.id)
}

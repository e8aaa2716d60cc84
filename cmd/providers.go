package cmd

import (
	"context"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/yollayah/conductor/config"
	"github.com/yollayah/conductor/internal/backend"
	"github.com/yollayah/conductor/internal/bus"
	"github.com/yollayah/conductor/internal/conductor"
	"github.com/yollayah/conductor/internal/conversation"
	"github.com/yollayah/conductor/internal/health"
	"github.com/yollayah/conductor/internal/heartbeat"
	"github.com/yollayah/conductor/internal/model"
	"github.com/yollayah/conductor/internal/pool"
	"github.com/yollayah/conductor/internal/ratelimit"
	"github.com/yollayah/conductor/internal/registry"
	"github.com/yollayah/conductor/internal/routing"
	"github.com/yollayah/conductor/internal/streaming"
)

// ProvideLogger builds the process slog.Logger, writing through lumberjack
// for on-disk rotation and bridging into an OpenTelemetry log pipeline the
// way the teacher wires otelslog into its own fx graph.
func ProvideLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}

	rotate := &lumberjack.Logger{
		Filename:   "conductor.log",
		MaxSize:    100,
		MaxBackups: 5,
		MaxAge:     28,
	}

	otelHandler := otelslog.NewHandler("conductor")
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	multi := slogMultiHandler{handlers: []slog.Handler{handler, otelHandler, slog.NewJSONHandler(rotate, &slog.HandlerOptions{Level: level})}}
	return slog.New(multi)
}

// slogMultiHandler fans a single log record out to every wrapped handler,
// the same many-sinks shape lumberjack+otelslog+stdout always needs and
// slog doesn't provide natively.
type slogMultiHandler struct {
	handlers []slog.Handler
}

func (m slogMultiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m slogMultiHandler) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	for _, h := range m.handlers {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m slogMultiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		next[i] = h.WithAttrs(attrs)
	}
	return slogMultiHandler{handlers: next}
}

func (m slogMultiHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		next[i] = h.WithGroup(name)
	}
	return slogMultiHandler{handlers: next}
}

func ProvideBus(log *slog.Logger) *bus.Bus {
	return bus.New(log)
}

func ProvideRegistry(log *slog.Logger) *registry.Registry {
	return registry.New(registry.WithLogger(log))
}

func ProvideHeartbeatMonitor(cfg *config.Config) *heartbeat.Monitor {
	return heartbeat.New(heartbeat.Config{
		Interval:        cfg.Heartbeat.Interval,
		MissedThreshold: cfg.Heartbeat.MissedThreshold,
	})
}

func ProvideHealthTracker() *health.Tracker {
	return health.New(health.DefaultConfig())
}

func ProvideRateLimiter(cfg *config.Config) *ratelimit.Limiter {
	return ratelimit.New(ratelimit.Config{
		MessagesPerSecond:   cfg.RateLimit.MessagesPerSecond,
		BurstSize:           cfg.RateLimit.BurstSize,
		MaxDelay:            cfg.RateLimit.MaxDelay,
		MaxConnsPerPrincipal: cfg.RateLimit.MaxConnsPerPrincipal,
	})
}

func ProvideBackend(cfg *config.Config) backend.Backend {
	switch cfg.Backend.Kind {
	case "ollama", "":
		return backend.NewOllamaBackend(cfg.Backend.Host, cfg.Backend.Port)
	default:
		return backend.NewInMemory()
	}
}

// ProvideRouter builds a single-model "default" routing chain from the
// configured backend. Multi-model fallback chains are a config-schema
// extension left for a deployment that actually runs more than one model;
// see DESIGN.md.
func ProvideRouter(cfg *config.Config, b backend.Backend, tracker *health.Tracker) (*routing.Router, error) {
	defaultPool := routing.NewBackendPool(b, int(cfg.Router.PerModelConcurrency), cfg.Router.LatencyBudget)
	chains := map[model.TaskClass]routing.Chain{
		model.TaskGeneral: {Primary: model.ModelProfile{ModelID: "default", TaskClasses: []model.TaskClass{model.TaskGeneral}}},
	}
	policy, err := routing.NewPolicy(chains)
	if err != nil {
		return nil, err
	}
	classifier, err := routing.NewClassifier(256)
	if err != nil {
		return nil, err
	}
	pools := map[string]*pool.Pool[routing.BackendConn]{"default": defaultPool}
	return routing.NewRouter(policy, classifier, tracker, pools,
		cfg.Router.GlobalConcurrency, cfg.Router.PerModelConcurrency,
		routing.WithRetryConfig(routing.RetryConfig{
			MaxAttemptsTotal:    cfg.Router.MaxAttemptsTotal,
			MaxAttemptsPerModel: cfg.Router.MaxAttemptsPerModel,
			InitialBackoff:      100 * time.Millisecond,
			MaxBackoff:          2 * time.Second,
		})), nil
}

func ProvideConversationManager(reg *registry.Registry, router *routing.Router) *conversation.Manager {
	var convs *conversation.Manager
	convs = conversation.New(conversation.WithSummaryHook(func(ready conversation.SummaryReady) {
		conductor.SummaryHook(reg, convs, router)(ready)
	}))
	return convs
}

func ProvideStreamManager() *streaming.Manager {
	return streaming.New()
}

func ProvideConductor(
	b *bus.Bus,
	reg *registry.Registry,
	convs *conversation.Manager,
	streams *streaming.Manager,
	hb *heartbeat.Monitor,
	router *routing.Router,
	limiter *ratelimit.Limiter,
	log *slog.Logger,
) *conductor.Conductor {
	return conductor.New(b, reg, convs, streams, hb, router, limiter,
		conductor.WithLogger(log),
		conductor.WithConfig(conductor.DefaultConfig()))
}

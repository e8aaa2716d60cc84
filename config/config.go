// Package config loads and live-reloads the conductor's runtime tunables
// with github.com/spf13/viper, mirroring the teacher's reliance on viper
// for its own config.Config (see cmd/fx.go's fx.Provide(func() *config.Config)
// wiring). The file format is intentionally unspecified, per spec §1's
// Non-goals, so this loader accepts YAML/JSON/TOML interchangeably the way
// viper always has, and layers environment variables on top with an
// YOLLAYAH_ prefix.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// TransportKind selects which C2 endpoint the conductor binds.
type TransportKind string

const (
	TransportInProcess  TransportKind = "in-process"
	TransportLocalSocket TransportKind = "local-socket"
)

type TransportConfig struct {
	Kind       TransportKind
	SocketPath string // empty means use the runtime-dir default
	EnableHTTP bool
	HTTPAddr   string
	EnableGRPC bool
	GRPCAddr   string
}

type HeartbeatConfig struct {
	Interval        time.Duration
	MissedThreshold int
}

type RateLimitConfig struct {
	MessagesPerSecond    float64
	BurstSize            int
	MaxDelay             time.Duration
	MaxConnsPerPrincipal int
}

type BackendConfig struct {
	Kind string // "ollama", "openai", "anthropic", "custom"
	Host string
	Port uint16
	APIKey string
}

type RouterConfig struct {
	GlobalConcurrency    int64
	PerModelConcurrency  int64
	MaxAttemptsTotal     int
	MaxAttemptsPerModel  int
	LatencyBudget        time.Duration
}

// Config is the fully-resolved, process-wide configuration snapshot. A
// reload swaps this value out from under long-lived consumers that hold a
// *Watcher rather than a raw *Config, so no component should cache fields
// out of a *Config it was handed once at startup if it cares about reload.
type Config struct {
	LogLevel  string
	Transport TransportConfig
	Heartbeat HeartbeatConfig
	RateLimit RateLimitConfig
	Backend   BackendConfig
	Router    RouterConfig
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")

	v.SetDefault("transport.kind", string(TransportLocalSocket))
	v.SetDefault("transport.socket_path", "")
	v.SetDefault("transport.enable_http", true)
	v.SetDefault("transport.http_addr", ":8089")
	v.SetDefault("transport.enable_grpc", true)
	v.SetDefault("transport.grpc_addr", ":9089")

	v.SetDefault("heartbeat.interval", 30*time.Second)
	v.SetDefault("heartbeat.missed_threshold", 3)

	v.SetDefault("rate_limit.messages_per_second", 50)
	v.SetDefault("rate_limit.burst_size", 25)
	v.SetDefault("rate_limit.max_delay", 2*time.Second)
	v.SetDefault("rate_limit.max_conns_per_principal", 8)

	v.SetDefault("backend.kind", "ollama")
	v.SetDefault("backend.host", "localhost")
	v.SetDefault("backend.port", 11434)

	v.SetDefault("router.global_concurrency", 32)
	v.SetDefault("router.per_model_concurrency", 8)
	v.SetDefault("router.max_attempts_total", 6)
	v.SetDefault("router.max_attempts_per_model", 2)
	v.SetDefault("router.latency_budget", 30*time.Second)
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		LogLevel: v.GetString("log_level"),
		Transport: TransportConfig{
			Kind:       TransportKind(v.GetString("transport.kind")),
			SocketPath: v.GetString("transport.socket_path"),
			EnableHTTP: v.GetBool("transport.enable_http"),
			HTTPAddr:   v.GetString("transport.http_addr"),
			EnableGRPC: v.GetBool("transport.enable_grpc"),
			GRPCAddr:   v.GetString("transport.grpc_addr"),
		},
		Heartbeat: HeartbeatConfig{
			Interval:        v.GetDuration("heartbeat.interval"),
			MissedThreshold: v.GetInt("heartbeat.missed_threshold"),
		},
		RateLimit: RateLimitConfig{
			MessagesPerSecond:    v.GetFloat64("rate_limit.messages_per_second"),
			BurstSize:            v.GetInt("rate_limit.burst_size"),
			MaxDelay:             v.GetDuration("rate_limit.max_delay"),
			MaxConnsPerPrincipal: v.GetInt("rate_limit.max_conns_per_principal"),
		},
		Backend: BackendConfig{
			Kind:   v.GetString("backend.kind"),
			Host:   v.GetString("backend.host"),
			Port:   uint16(v.GetUint32("backend.port")),
			APIKey: v.GetString("backend.api_key"),
		},
		Router: RouterConfig{
			GlobalConcurrency:   v.GetInt64("router.global_concurrency"),
			PerModelConcurrency: v.GetInt64("router.per_model_concurrency"),
			MaxAttemptsTotal:    v.GetInt("router.max_attempts_total"),
			MaxAttemptsPerModel: v.GetInt("router.max_attempts_per_model"),
			LatencyBudget:       v.GetDuration("router.latency_budget"),
		},
	}
	if cfg.Transport.Kind != TransportInProcess && cfg.Transport.Kind != TransportLocalSocket {
		return nil, fmt.Errorf("config: unknown transport.kind %q", cfg.Transport.Kind)
	}
	return cfg, nil
}

// LoadConfig reads configFile (if non-empty) plus YOLLAYAH_-prefixed
// environment overrides and returns the resolved snapshot once, with no
// reload wiring. Most callers want Watch instead.
func LoadConfig(configFile string) (*Config, error) {
	v := newViper(configFile)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && configFile != "" {
			return nil, fmt.Errorf("config: read %s: %w", configFile, err)
		}
	}
	return decode(v)
}

func newViper(configFile string) *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("yollayah")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("conductor")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/conductor")
	}
	return v
}

// Watcher delivers a freshly decoded Config on its Updates channel whenever
// the backing file changes, using viper's fsnotify-backed OnConfigChange hook
// per spec §1's explicit allowance for a reload mechanism even though the
// file format itself is unspecified.
type Watcher struct {
	v  *viper.Viper
	ch chan *Config
}

// Watch starts watching configFile for changes and returns a Watcher whose
// channel receives every successfully re-decoded Config. A bad edit (one
// that fails validation) is dropped silently and never reaches Updates;
// the last good Config stays in effect.
func Watch(configFile string) (*Watcher, *Config, error) {
	v := newViper(configFile)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && configFile != "" {
			return nil, nil, fmt.Errorf("config: read %s: %w", configFile, err)
		}
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, nil, err
	}

	w := &Watcher{v: v, ch: make(chan *Config, 1)}
	v.OnConfigChange(func(_ fsnotify.Event) {
		if next, err := decode(v); err == nil {
			select {
			case w.ch <- next:
			default:
				<-w.ch
				w.ch <- next
			}
		}
	})
	v.WatchConfig()
	return w, cfg, nil
}

// Updates delivers each successfully reloaded Config. It is never closed.
func (w *Watcher) Updates() <-chan *Config { return w.ch }

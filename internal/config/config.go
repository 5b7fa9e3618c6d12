package config

import (
	"sync"
	"time"
)

// Config is the root configuration for the Oppi server.
type Config struct {
	Gateway   GatewayConfig   `json:"gateway"`
	Sessions  SessionsConfig  `json:"sessions"`
	Gate      GateConfig      `json:"gate"`
	Policy    PolicyConfig    `json:"policy"`
	Engine    EngineConfig    `json:"engine"`
	Database  DatabaseConfig  `json:"database,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	mu        sync.RWMutex
}

// GatewayConfig configures the websocket/HTTP listener.
type GatewayConfig struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	Token          string   `json:"-"` // from env OPPI_GATEWAY_TOKEN only, never persisted
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
	RateLimitRPM   int      `json:"rate_limit_rpm"`    // inbound messages per client; 0 = disabled
	SendQueueSize  int      `json:"send_queue_size"`   // outbound frames buffered per client before disconnect
	PingIntervalS  int      `json:"ping_interval_sec"` // liveness ping cadence
	PongTimeoutS   int      `json:"pong_timeout_sec"`  // missed-pong threshold before teardown
}

// SessionsConfig configures supervisor lifecycle and event retention.
type SessionsConfig struct {
	IdleTimeoutMin  int `json:"idle_timeout_min"` // ready + zero subscribers → stopping
	StoppedTTLMin   int `json:"stopped_ttl_min"`  // stopped sessions kept for reconnect catch-up
	EventRingSize   int `json:"event_ring_size"`  // max retained events per session
	EventRingBytes  int `json:"event_ring_bytes"` // max retained serialized bytes per session
	SubscriberQueue int `json:"subscriber_queue"` // per-subscriber delivery buffer before overflow drop
}

// GateConfig configures permission arbitration timing.
type GateConfig struct {
	AskTimeoutMin  int `json:"ask_timeout_min"`     // pending ask → auto-deny "timeout"
	NoClientGraceS int `json:"no_client_grace_sec"` // zero subscribers → auto-deny "no_client"
}

// PolicyConfig carries the tool risk registry and extra deny patterns.
// Built-in hard-deny patterns are compiled in and cannot be removed here;
// HardDeny only appends.
type PolicyConfig struct {
	Tools    map[string]ToolPolicy `json:"tools,omitempty"`
	HardDeny []string              `json:"hard_deny,omitempty"`
}

// ToolPolicy is the default decision for one tool name (exact or "*" glob).
type ToolPolicy struct {
	Action string `json:"action"` // allow|deny|ask
	Risk   string `json:"risk"`   // low|medium|high|critical
}

// EngineConfig configures agent engine instantiation. Command is the
// external engine binary plus fixed arguments; per-session flags are
// appended at spawn.
type EngineConfig struct {
	Command       []string `json:"command,omitempty"`
	Model         string   `json:"model"`
	Workspace     string   `json:"workspace"`
	LogDir        string   `json:"log_dir,omitempty"` // engine session traces
	ContextWindow int      `json:"context_window"`
}

// DatabaseConfig selects the learned-rule store backend.
// PostgresDSN is NEVER read from config (secret) — only from env OPPI_POSTGRES_DSN.
type DatabaseConfig struct {
	Mode        string `json:"mode,omitempty"` // "standalone" (sqlite, default) or "managed" (postgres)
	SQLitePath  string `json:"sqlite_path,omitempty"`
	PostgresDSN string `json:"-"`
}

// IsManagedMode reports whether the Postgres rule store is in use.
func (c *Config) IsManagedMode() bool {
	return c.Database.Mode == "managed" && c.Database.PostgresDSN != ""
}

// TelemetryConfig configures optional OTLP trace export.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"` // host:port of the OTLP collector
	Protocol    string `json:"protocol,omitempty"` // "grpc" (default) or "http"
	ServiceName string `json:"service_name,omitempty"`
	Insecure    bool   `json:"insecure,omitempty"`
}

// Duration accessors: config stores plain ints for JSON friendliness.

func (g GateConfig) AskTimeout() time.Duration { return time.Duration(g.AskTimeoutMin) * time.Minute }

func (g GateConfig) NoClientGrace() time.Duration {
	return time.Duration(g.NoClientGraceS) * time.Second
}

func (s SessionsConfig) IdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeoutMin) * time.Minute
}

func (s SessionsConfig) StoppedTTL() time.Duration {
	return time.Duration(s.StoppedTTLMin) * time.Minute
}

func (g GatewayConfig) PingInterval() time.Duration {
	return time.Duration(g.PingIntervalS) * time.Second
}

func (g GatewayConfig) PongTimeout() time.Duration {
	return time.Duration(g.PongTimeoutS) * time.Second
}

// SnapshotPolicy returns a deep copy of the policy section. The watcher
// replaces the section wholesale on reload, so callers must not hold
// references into the live config.
func (c *Config) SnapshotPolicy() PolicyConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := PolicyConfig{HardDeny: append([]string(nil), c.Policy.HardDeny...)}
	if len(c.Policy.Tools) > 0 {
		out.Tools = make(map[string]ToolPolicy, len(c.Policy.Tools))
		for k, v := range c.Policy.Tools {
			out.Tools[k] = v
		}
	}
	return out
}

// ReplacePolicy swaps the policy section (hot reload path).
func (c *Config) ReplacePolicy(p PolicyConfig) {
	c.mu.Lock()
	c.Policy = p
	c.mu.Unlock()
}

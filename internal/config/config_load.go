package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:          "0.0.0.0",
			Port:          18900,
			RateLimitRPM:  120,
			SendQueueSize: 256,
			PingIntervalS: 20,
			PongTimeoutS:  60,
		},
		Sessions: SessionsConfig{
			IdleTimeoutMin:  30,
			StoppedTTLMin:   15,
			EventRingSize:   4096,
			EventRingBytes:  10 << 20,
			SubscriberQueue: 128,
		},
		Gate: GateConfig{
			AskTimeoutMin:  10,
			NoClientGraceS: 30,
		},
		Policy: PolicyConfig{
			Tools: defaultToolPolicies(),
		},
		Engine: EngineConfig{
			Command:       []string{"oppi-engine"},
			Model:         "claude-sonnet-4-5",
			Workspace:     "~/.oppi/workspace",
			LogDir:        "~/.oppi/traces",
			ContextWindow: 200000,
		},
		Database: DatabaseConfig{
			SQLitePath: "~/.oppi/rules.db",
		},
	}
}

// defaultToolPolicies is the shipped risk registry: read-only and
// pure-compute tools auto-allow at low risk, mutating/network tools ask.
// Users override per tool in the policy.tools config section.
func defaultToolPolicies() map[string]ToolPolicy {
	return map[string]ToolPolicy{
		"read_file":   {Action: "allow", Risk: "low"},
		"list_files":  {Action: "allow", Risk: "low"},
		"glob":        {Action: "allow", Risk: "low"},
		"grep":        {Action: "allow", Risk: "low"},
		"search":      {Action: "allow", Risk: "low"},
		"write_file":  {Action: "ask", Risk: "medium"},
		"edit_file":   {Action: "ask", Risk: "medium"},
		"delete_file": {Action: "ask", Risk: "high"},
		"bash":        {Action: "ask", Risk: "high"},
		"exec":        {Action: "ask", Risk: "high"},
		"web_fetch":   {Action: "ask", Risk: "medium"},
		"web_search":  {Action: "allow", Risk: "low"},
		"install":     {Action: "ask", Risk: "high"},
		"*":           {Action: "ask", Risk: "medium"},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is not an error: defaults + env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("OPPI_GATEWAY_TOKEN", &c.Gateway.Token)
	envStr("OPPI_GATEWAY_HOST", &c.Gateway.Host)
	envStr("OPPI_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("OPPI_DATABASE_MODE", &c.Database.Mode)
	envStr("OPPI_MODEL", &c.Engine.Model)
	envStr("OPPI_WORKSPACE", &c.Engine.Workspace)
	envStr("OPPI_OTLP_ENDPOINT", &c.Telemetry.Endpoint)

	if v := os.Getenv("OPPI_GATEWAY_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			c.Gateway.Port = p
		}
	}
	if v := os.Getenv("OPPI_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "1" || strings.EqualFold(v, "true")
	}
}

// ExpandHome expands a leading ~ to the user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}

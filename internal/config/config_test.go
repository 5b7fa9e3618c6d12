package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json5"))
	require.NoError(t, err)
	assert.Equal(t, 18900, cfg.Gateway.Port)
	assert.Equal(t, 30, cfg.Sessions.IdleTimeoutMin)
	assert.Equal(t, "ask", cfg.Policy.Tools["bash"].Action)
	assert.Equal(t, []string{"oppi-engine"}, cfg.Engine.Command)
}

func TestLoad_JSON5FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json5")
	require.NoError(t, os.WriteFile(path, []byte(`{
		// comments are fine in json5
		gateway: { host: "127.0.0.1", port: 9100 },
		gate: { ask_timeout_min: 2 },
		policy: {
			tools: { bash: { action: "deny", risk: "high" } },
			hard_deny: ["rm -rf /opt"],
		},
	}`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", cfg.Gateway.Host)
	assert.Equal(t, 9100, cfg.Gateway.Port)
	assert.Equal(t, 2*time.Minute, cfg.Gate.AskTimeout())
	assert.Equal(t, "deny", cfg.Policy.Tools["bash"].Action)
	assert.Contains(t, cfg.Policy.HardDeny, "rm -rf /opt")
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json5")
	require.NoError(t, os.WriteFile(path, []byte(`{gateway: {port: 9100}}`), 0o600))
	t.Setenv("OPPI_GATEWAY_PORT", "9200")
	t.Setenv("OPPI_GATEWAY_TOKEN", "sekrit")
	t.Setenv("OPPI_MODEL", "claude-opus-4")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9200, cfg.Gateway.Port)
	assert.Equal(t, "sekrit", cfg.Gateway.Token)
	assert.Equal(t, "claude-opus-4", cfg.Engine.Model)
}

func TestSnapshotPolicy_IsDeepCopy(t *testing.T) {
	cfg := Default()
	snap := cfg.SnapshotPolicy()
	snap.Tools["bash"] = ToolPolicy{Action: "deny", Risk: "critical"}

	assert.Equal(t, "ask", cfg.Policy.Tools["bash"].Action)
}

func TestWatch_ReloadsPolicyOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json5")
	require.NoError(t, os.WriteFile(path, []byte(`{policy: {tools: {bash: {action: "ask", risk: "high"}}}}`), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan PolicyConfig, 4)
	go Watch(ctx, path, func(pc PolicyConfig) { reloaded <- pc })

	// Give the watcher time to register before the write lands.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(`{policy: {tools: {bash: {action: "deny", risk: "critical"}}}}`), 0o600))

	select {
	case pc := <-reloaded:
		assert.Equal(t, "deny", pc.Tools["bash"].Action)
	case <-time.After(3 * time.Second):
		t.Fatal("watcher never delivered the reloaded policy")
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".oppi"), ExpandHome("~/.oppi"))
	assert.Equal(t, "/etc/oppi", ExpandHome("/etc/oppi"))
}

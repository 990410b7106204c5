package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeoutDuration())

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "", cfg.NATS.URL)
	assert.Equal(t, int64(1024), cfg.Workspace.MaxSandboxSizeMB)
	assert.Equal(t, 24*time.Hour, cfg.Workspace.OrphanMaxAge())

	assert.Equal(t, 5, cfg.Security.MaxConcurrentAgents)
	assert.Contains(t, cfg.Security.AllowedTools, "Bash")
	assert.Contains(t, cfg.Security.ForbiddenPaths, "/etc")

	assert.Equal(t, "claude-sonnet-4-5", cfg.Agent.DefaultModel)
	assert.Equal(t, 300*time.Second, cfg.Agent.SweepIntervalDuration())
	assert.Equal(t, 1024, cfg.Agent.EventQueueCapacity)

	assert.Equal(t, "claude", cfg.Providers.ClaudeBinary)
	assert.Equal(t, "", cfg.Database.Path)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	yaml := `
server:
  port: 9090
logging:
  level: debug
  format: json
agent:
  defaultModel: llama3.2
  sweepInterval: 60
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := LoadWithPath(dir)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "llama3.2", cfg.Agent.DefaultModel)
	assert.Equal(t, 60, cfg.Agent.SweepInterval)
	// Untouched sections keep their defaults.
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SCRIPTON_SERVER_PORT", "7000")
	t.Setenv("SCRIPTON_LOGGING_LEVEL", "warn")
	t.Setenv("SCRIPTON_SECURITY_MAX_CONCURRENT_AGENTS", "3")
	t.Setenv("SCRIPTON_PROVIDERS_OLLAMA_URL", "http://ollama.internal:11434")

	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, 3, cfg.Security.MaxConcurrentAgents)
	assert.Equal(t, "http://ollama.internal:11434", cfg.Providers.OllamaURL)
}

func TestAgentCeilingClamped(t *testing.T) {
	t.Setenv("SCRIPTON_SECURITY_MAX_CONCURRENT_AGENTS", "500")
	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 20, cfg.Security.MaxConcurrentAgents)

	t.Setenv("SCRIPTON_SECURITY_MAX_CONCURRENT_AGENTS", "0")
	cfg, err = LoadWithPath(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.Security.MaxConcurrentAgents)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
	}{
		{"bad port", map[string]string{"SCRIPTON_SERVER_PORT": "70000"}},
		{"bad log level", map[string]string{"SCRIPTON_LOGGING_LEVEL": "verbose"}},
		{"bad log format", map[string]string{"SCRIPTON_LOGGING_FORMAT": "xml"}},
		{"zero sweep interval", map[string]string{"SCRIPTON_AGENT_SWEEPINTERVAL": "0"}},
		{"zero queue capacity", map[string]string{"SCRIPTON_AGENT_EVENTQUEUECAPACITY": "0"}},
		{"zero sandbox size", map[string]string{"SCRIPTON_WORKSPACE_MAXSANDBOXSIZEMB": "0"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := LoadWithPath(t.TempDir())
			assert.Error(t, err)
		})
	}
}

func TestExpandedBasePath(t *testing.T) {
	w := WorkspaceConfig{BasePath: "~/sandboxes"}
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "sandboxes"), w.ExpandedBasePath())

	w = WorkspaceConfig{BasePath: "/var/lib/scripton"}
	assert.Equal(t, "/var/lib/scripton", w.ExpandedBasePath())
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	require.Equal(t, 6, cfg.Thinker.MaxConcurrentRequests)
	require.Equal(t, time.Second, cfg.Thinker.MinRequestInterval())
	require.Equal(t, 600*time.Second, cfg.Thinker.Timeout())
	require.True(t, cfg.Thinker.StreamingEnabled)
	require.True(t, cfg.Cache.Enabled)
	require.Equal(t, 100, cfg.Cache.MaxSize)
	require.Equal(t, time.Hour, cfg.Cache.TTL())
	require.Equal(t, 5, cfg.Circuit.FailureThreshold)
	require.Equal(t, time.Minute, cfg.Circuit.RecoveryTimeout())
	require.Equal(t, 300, cfg.Agent.MaxIterations)
	require.Equal(t, 300*time.Second, cfg.Agent.MaxWait())
	require.Equal(t, 4, cfg.Agent.ParallelActionLimit)
	require.Equal(t, 120*time.Second, cfg.Sandbox.RequestTimeout())
	require.Equal(t, 180*time.Second, cfg.Sandbox.ResponseTimeout())
	require.Equal(t, "strix_runs", cfg.Runs.Root)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "strix.yaml")
	content := `
thinker:
  max_concurrent_requests: 2
  timeout_seconds: 30
cache:
  enabled: false
  max_size: 10
agent:
  max_iterations: 5
models:
  primary:
    model: openai/gpt-4.1
    temperature: 0.2
  fast:
    model: openai/gpt-4.1-mini
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 2, cfg.Thinker.MaxConcurrentRequests)
	require.Equal(t, 30, cfg.Thinker.TimeoutSeconds)
	require.False(t, cfg.Cache.Enabled)
	require.Equal(t, 10, cfg.Cache.MaxSize)
	require.Equal(t, 5, cfg.Agent.MaxIterations)

	// Unset keys keep defaults.
	require.Equal(t, 300, cfg.Agent.MaxWaitSeconds)

	require.Contains(t, cfg.Models, "primary")
	require.Equal(t, "openai/gpt-4.1", cfg.Models["primary"].Model)
	require.NotNil(t, cfg.Models["primary"].Temperature)
	require.InDelta(t, 0.2, *cfg.Models["primary"].Temperature, 1e-9)
	require.Equal(t, "openai/gpt-4.1-mini", cfg.Models["fast"].Model)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("STRIX_THINKER_MAX_CONCURRENT_REQUESTS", "3")
	t.Setenv("STRIX_RUNS_ROOT", "custom_runs")

	cfg := Default()
	require.Equal(t, 3, cfg.Thinker.MaxConcurrentRequests)
	require.Equal(t, "custom_runs", cfg.Runs.Root)
}

func TestAPIKeyFallbackEnv(t *testing.T) {
	t.Setenv("LLM_API_KEY", "from-fallback")
	cfg := Default()
	require.Equal(t, "from-fallback", cfg.LLM.APIKey)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.Thinker.MaxConcurrentRequests = 0
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Cache.MaxSize = -1
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Runs.Root = ""
	require.Error(t, cfg.Validate())
}

func TestLoadRejectsMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

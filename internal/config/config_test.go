package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Pool.Size)
	assert.Equal(t, 2*time.Minute, cfg.Pool.LeaseTTL)
	assert.Equal(t, 0.7, cfg.Analysis.MatchThreshold)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Retry.BaseDelay)
	assert.Equal(t, "@every 1m", cfg.Sweeper.Spec)
	assert.Equal(t, ":8080", cfg.HTTP.APIAddr)
	assert.NotEmpty(t, cfg.Database.Postgres.DSN)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("JOBPILOT_POOL_SIZE", "8")
	t.Setenv("JOBPILOT_RETRY_BASE_DELAY", "3s")
	t.Setenv("JOBPILOT_LOGGING_LEVEL", "DEBUG")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Pool.Size)
	assert.Equal(t, 3*time.Second, cfg.Retry.BaseDelay)
	assert.Equal(t, "DEBUG", cfg.Logging.Level)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
pool:
  size: 2
  lease_ttl: 30s
analysis:
  match_threshold: 0.5
retry:
  max_attempts: 4
  overrides:
    - step: in_progress.submitting_form
      max_attempts: 6
gateways:
  decision:
    base_url: http://decision:9000
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Pool.Size)
	assert.Equal(t, 30*time.Second, cfg.Pool.LeaseTTL)
	assert.Equal(t, 0.5, cfg.Analysis.MatchThreshold)
	assert.Equal(t, "http://decision:9000", cfg.Gateways.Decision.BaseURL)

	policy := cfg.Retry.Policy()
	assert.Equal(t, 4, policy.MaxAttempts)
	assert.Equal(t, map[string]int{"IN_PROGRESS.SUBMITTING_FORM": 6}, policy.StepMaxAttempts)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"threshold above one", "analysis:\n  match_threshold: 1.5\n"},
		{"zero pool", "pool:\n  size: 0\n"},
		{"unknown step", "retry:\n  overrides:\n    - step: NOWHERE\n      max_attempts: 2\n"},
		{"max below base", "retry:\n  base_delay: 1m\n  max_delay: 1s\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

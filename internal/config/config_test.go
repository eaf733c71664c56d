// ABOUTME: Tests for configuration loading, env expansion, and validation
// ABOUTME: Covers defaults, duration parsing, and required-field failures

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeConfig writes a config file into a temp dir and returns its path.
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wardgate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

const minimalConfig = `
server:
  http_addr: ":8080"
database:
  path: /tmp/wardgate.db
journal:
  dir: /tmp/wardgate-journal
auth:
  secret: test-secret
`

func TestLoad_Minimal_AppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.HTTPAddr)
	assert.Equal(t, 10*time.Minute, cfg.Pairing.CodeTTL)
	assert.Equal(t, 5, cfg.Pairing.MaxDevices)
	assert.Equal(t, 20, cfg.Relay.MaxPendingPerUser)
	assert.Equal(t, 30*time.Second, cfg.Guard.HeavyDelay)
	assert.Equal(t, 180*time.Second, cfg.Guard.CriticalDelay)
	assert.Equal(t, 50, cfg.Journal.CheckpointCap)
	assert.Equal(t, 30, cfg.Journal.AutoCheckpointCap)
	assert.Equal(t, 5*time.Minute, cfg.Auth.ConfirmTokenExpiry)
}

func TestLoad_ParsesDurations(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig+`
pairing:
  code_ttl: 5m
relay:
  command_ttl: 2m
  sweep_interval: 10s
guard:
  heavy_delay: 45s
  critical_delay: 300s
`))
	require.NoError(t, err)

	assert.Equal(t, 5*time.Minute, cfg.Pairing.CodeTTL)
	assert.Equal(t, 2*time.Minute, cfg.Relay.CommandTTL)
	assert.Equal(t, 10*time.Second, cfg.Relay.SweepInterval)
	assert.Equal(t, 45*time.Second, cfg.Guard.HeavyDelay)
	assert.Equal(t, 300*time.Second, cfg.Guard.CriticalDelay)
}

func TestLoad_InvalidDuration(t *testing.T) {
	_, err := Load(writeConfig(t, minimalConfig+`
guard:
  heavy_delay: soon
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "guard.heavy_delay")
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	t.Setenv("WARDGATE_TEST_SECRET", "from-env")

	cfg, err := Load(writeConfig(t, `
server:
  http_addr: ":8080"
database:
  path: /tmp/wardgate.db
journal:
  dir: /tmp/wardgate-journal
auth:
  secret: ${WARDGATE_TEST_SECRET}
`))
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Auth.Secret)
}

func TestLoad_MissingSecret(t *testing.T) {
	_, err := Load(writeConfig(t, `
server:
  http_addr: ":8080"
database:
  path: /tmp/wardgate.db
journal:
  dir: /tmp/wardgate-journal
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auth.secret")
}

func TestLoad_MissingDatabasePath(t *testing.T) {
	_, err := Load(writeConfig(t, `
server:
  http_addr: ":8080"
journal:
  dir: /tmp/wardgate-journal
auth:
  secret: s
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.path")
}

func TestLoad_AutoCapExceedsTotalCap(t *testing.T) {
	_, err := Load(writeConfig(t, `
server:
  http_addr: ":8080"
database:
  path: /tmp/wardgate.db
journal:
  dir: /tmp/wardgate-journal
  checkpoint_cap: 10
  auto_checkpoint_cap: 20
auth:
  secret: s
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auto_checkpoint_cap")
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/wardgate.yaml")
	require.Error(t, err)
}

// ABOUTME: Tests for configuration loading and validation
// ABOUTME: Verifies YAML parsing, env var expansion, duration parsing, and required fields

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fleetward.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

const validConfig = `
server:
  agent_addr: "localhost:7601"
  http_addr: "localhost:7600"

database:
  path: "/tmp/fleetward.db"

auth:
  jwt_secret: "super-secret"

agents:
  command_timeout: "90s"
  status_query_timeout: "5s"

logging:
  level: "debug"
  format: "json"

metrics:
  enabled: true
  path: "/metrics"
`

func TestLoad_Valid(t *testing.T) {
	path := writeConfig(t, validConfig)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "localhost:7601", cfg.Server.AgentAddr)
	assert.Equal(t, "localhost:7600", cfg.Server.HTTPAddr)
	assert.Equal(t, "/tmp/fleetward.db", cfg.Database.Path)
	assert.Equal(t, "super-secret", cfg.Auth.JWTSecret)
	assert.Equal(t, 90*time.Second, cfg.Agents.CommandTimeout)
	assert.Equal(t, 5*time.Second, cfg.Agents.StatusQueryTimeout)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.True(t, cfg.Metrics.Enabled)
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("FLEETWARD_TEST_SECRET", "from-env")
	t.Setenv("FLEETWARD_TEST_DB", "/tmp/env.db")

	path := writeConfig(t, `
server:
  agent_addr: ":7601"
  http_addr: ":7600"
database:
  path: "${FLEETWARD_TEST_DB}"
auth:
  jwt_secret: "${FLEETWARD_TEST_SECRET}"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Auth.JWTSecret)
	assert.Equal(t, "/tmp/env.db", cfg.Database.Path)
}

func TestLoad_UnsetEnvVarBecomesEmpty(t *testing.T) {
	path := writeConfig(t, `
server:
  agent_addr: ":7601"
  http_addr: ":7600"
database:
  path: "/tmp/x.db"
auth:
  jwt_secret: "${FLEETWARD_DEFINITELY_UNSET_VAR}"
`)

	// The empty expansion then fails required-field validation.
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jwt_secret")
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := writeConfig(t, `
server:
  agent_addr: ":7601"
  http_addr: ":7600"
database:
  path: "/tmp/x.db"
auth:
  jwt_secret: "s"
agents:
  command_timeout: "ninety seconds"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "command_timeout")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "server: [not: valid")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate_RequiredFields(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing agent addr", func(c *Config) { c.Server.AgentAddr = "" }, "agent_addr"},
		{"missing http addr", func(c *Config) { c.Server.HTTPAddr = "" }, "http_addr"},
		{"missing db path", func(c *Config) { c.Database.Path = "" }, "database.path"},
		{"missing jwt secret", func(c *Config) { c.Auth.JWTSecret = "" }, "jwt_secret"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				Server:   ServerConfig{AgentAddr: ":7601", HTTPAddr: ":7600"},
				Database: DatabaseConfig{Path: "/tmp/x.db"},
				Auth:     AuthConfig{JWTSecret: "s"},
			}
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_DurationsOptional(t *testing.T) {
	path := writeConfig(t, `
server:
  agent_addr: ":7601"
  http_addr: ":7600"
database:
  path: "/tmp/x.db"
auth:
  jwt_secret: "s"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Zero(t, cfg.Agents.CommandTimeout, "absent durations stay zero and fall back to defaults downstream")
	assert.Zero(t, cfg.Agents.StatusQueryTimeout)
}

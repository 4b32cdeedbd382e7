package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Auth.JWTSecret = "test-secret"
	return cfg
}

func TestLoad_DefaultsWithSecretFromEnvironment(t *testing.T) {
	t.Setenv("JWT_SECRET", "from-env")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Auth.JWTSecret)
	assert.Equal(t, 3001, cfg.Server.Port)
	assert.Equal(t, 500*time.Millisecond, cfg.Dedup.Window)
	assert.Equal(t, 5*time.Second, cfg.Dedup.Retention)
	assert.Equal(t, 30*time.Second, cfg.Dedup.SweepInterval)
	assert.Equal(t, 10000, cfg.Dedup.MaxEntries)
	assert.Equal(t, 25*time.Second, cfg.WebSocket.PingInterval)
	assert.Equal(t, 60*time.Second, cfg.WebSocket.PongWait)
	assert.Equal(t, LastAttendedMonotonic, cfg.Attendance.LastAttendedPolicy)
	assert.True(t, cfg.Presence.Enabled)
	assert.Equal(t, 15*time.Second, cfg.Auth.UserCacheTTL)
}

func TestLoad_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  port: 4000
auth:
  jwt_secret: file-secret
store:
  backend: memory
dedup:
  window: 250ms
attendance:
  last_attended_policy: overwrite
presence:
  enabled: false
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 4000, cfg.Server.Port)
	assert.Equal(t, "file-secret", cfg.Auth.JWTSecret)
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, 250*time.Millisecond, cfg.Dedup.Window)
	assert.Equal(t, LastAttendedOverwrite, cfg.Attendance.LastAttendedPolicy)
	assert.False(t, cfg.Presence.Enabled)
	// untouched keys keep their defaults
	assert.Equal(t, 5*time.Second, cfg.Dedup.Retention)
	assert.Equal(t, "/ws", cfg.WebSocket.Path)
}

func TestLoad_EnvironmentOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("auth:\n  jwt_secret: file-secret\n"), 0o600))
	t.Setenv("SERVER_PORT", "5005")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("PRESENCE_ENABLED", "false")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5005, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.False(t, cfg.Presence.Enabled)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:   "valid defaults",
			mutate: func(c *Config) {},
		},
		{
			name:    "missing credentials key source",
			mutate:  func(c *Config) { c.Auth.JWTSecret = "" },
			wantErr: "auth.jwt_secret",
		},
		{
			name:    "bad port",
			mutate:  func(c *Config) { c.Server.Port = 70000 },
			wantErr: "server.port",
		},
		{
			name:    "unknown store backend",
			mutate:  func(c *Config) { c.Store.Backend = "sqlite" },
			wantErr: "store.backend",
		},
		{
			name:    "unknown dedup backend",
			mutate:  func(c *Config) { c.Dedup.Backend = "memcached" },
			wantErr: "dedup.backend",
		},
		{
			name:    "retention shorter than window",
			mutate:  func(c *Config) { c.Dedup.Retention = 100 * time.Millisecond },
			wantErr: "dedup.retention",
		},
		{
			name:    "unknown policy",
			mutate:  func(c *Config) { c.Attendance.LastAttendedPolicy = "latest" },
			wantErr: "last_attended_policy",
		},
		{
			name: "pong wait shorter than ping",
			mutate: func(c *Config) {
				c.WebSocket.PongWait = 10 * time.Second
			},
			wantErr: "websocket.pong_wait",
		},
		{
			name: "memory store skips database checks",
			mutate: func(c *Config) {
				c.Store.Backend = "memory"
				c.Database.Host = ""
			},
		},
		{
			name: "seed with postgres store",
			mutate: func(c *Config) {
				c.Seed.Gatherings = []SeedGathering{{ID: 7, ChurchID: 1}}
			},
			wantErr: "seed is only supported",
		},
		{
			name: "seed user without church",
			mutate: func(c *Config) {
				c.Store.Backend = "memory"
				c.Seed.Users = []SeedUser{{ID: 5, Active: true}}
			},
			wantErr: "seed.users",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate_FillsLoggingDefaults(t *testing.T) {
	cfg := validConfig()
	cfg.Logging = LoggingConfig{}
	cfg.Attendance.LastAttendedPolicy = ""

	require.NoError(t, cfg.Validate())
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, LastAttendedMonotonic, cfg.Attendance.LastAttendedPolicy)
}

func TestLoad_SeedFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
auth:
  jwt_secret: file-secret
store:
  backend: memory
seed:
  users:
    - id: 5
      church_id: 1
      email: coordinator@example.org
      role: coordinator
      active: true
  gatherings:
    - id: 7
      church_id: 1
  individuals:
    - id: 42
      church_id: 1
    - id: 43
      church_id: 1
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Len(t, cfg.Seed.Users, 1)
	assert.Equal(t, SeedUser{ID: 5, ChurchID: 1, Email: "coordinator@example.org", Role: "coordinator", Active: true}, cfg.Seed.Users[0])
	assert.Equal(t, []SeedGathering{{ID: 7, ChurchID: 1}}, cfg.Seed.Gatherings)
	assert.Len(t, cfg.Seed.Individuals, 2)
	assert.False(t, cfg.Seed.Empty())
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "cockroach", cfg.Store.Driver)
	assert.Equal(t, 30*time.Second, cfg.Call.AcceptanceTimeout)
	assert.Equal(t, 30*time.Second, cfg.Call.EstablishmentTimeout)
	assert.False(t, cfg.Call.AllowConcurrentCalls)
	assert.Equal(t, 10, cfg.Call.ICECandidatePoolSize)
	assert.Equal(t, 10, cfg.Call.QualitySamples)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302", "stun:stun1.l.google.com:19302"}, cfg.Call.STUNURLs)
	assert.Equal(t, 600*time.Millisecond, cfg.Cassandra.Timeout)
	assert.Equal(t, 30*time.Second, cfg.Call.DirectoryCacheTTL)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("CALLSVC_SERVER__PORT", "9090")
	t.Setenv("CALLSVC_STORE__DRIVER", "memory")
	t.Setenv("CALLSVC_CALL__ACCEPTANCE_TIMEOUT", "45s")
	t.Setenv("CALLSVC_CALL__ALLOW_CONCURRENT_CALLS", "true")

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, 45*time.Second, cfg.Call.AcceptanceTimeout)
	assert.True(t, cfg.Call.AllowConcurrentCalls)
}

func TestLoad_FileThenEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 7000
redis:
  host: redis.internal
call:
  turn_url: turn:turn.example.com:3478
  turn_username: relay
`), 0o600))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("CALLSVC_SERVER__PORT", "7100")

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, 7100, cfg.Server.Port)
	assert.Equal(t, "redis.internal", cfg.Redis.Host)
	assert.Equal(t, 6379, cfg.Redis.Port)
	assert.Equal(t, "turn:turn.example.com:3478", cfg.Call.TURNURL)
}

func TestLoad_MissingFile(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "absent.yaml"))

	_, err := Load()

	assert.Error(t, err)
}

func TestLoad_SecretFromFile(t *testing.T) {
	secretPath := filepath.Join(t.TempDir(), "jwt_secret")
	require.NoError(t, os.WriteFile(secretPath, []byte("from-docker-secret-0123456789abcdef\n"), 0o600))
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("JWT_SECRET_FILE", secretPath)

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, "from-docker-secret-0123456789abcdef", cfg.JWT.Secret)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Server: ServerConfig{Environment: "production"},
			Store:  StoreConfig{Driver: "cockroach"},
			JWT:    JWTConfig{Secret: "0123456789abcdef0123456789abcdef"},
			Call: CallConfig{
				AcceptanceTimeout:    30 * time.Second,
				EstablishmentTimeout: 30 * time.Second,
			},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"missing secret in production", func(c *Config) { c.JWT.Secret = "" }, true},
		{"short secret in production", func(c *Config) { c.JWT.Secret = "short" }, true},
		{"short secret in development", func(c *Config) { c.Server.Environment = "development"; c.JWT.Secret = "short" }, false},
		{"unknown driver", func(c *Config) { c.Store.Driver = "sqlite" }, true},
		{"zero acceptance timeout", func(c *Config) { c.Call.AcceptanceTimeout = 0 }, true},
		{"turn without username", func(c *Config) { c.Call.TURNURL = "turn:turn.example.com" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCallConfig_ICEServers(t *testing.T) {
	c := CallConfig{
		STUNURLs:       []string{"stun:stun.l.google.com:19302"},
		TURNURL:        "turn:turn.example.com:3478",
		TURNUsername:   "relay",
		TURNCredential: "secret",
	}

	servers := c.ICEServers()

	require.Len(t, servers, 2)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, servers[0].URLs)
	assert.Empty(t, servers[0].Username)
	assert.Equal(t, "relay", servers[1].Username)
	assert.Equal(t, "secret", servers[1].Credential)
	assert.Equal(t, webrtc.ICECredentialTypePassword, servers[1].CredentialType)
}

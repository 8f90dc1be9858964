package app

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
	path := filepath.Join(t.TempDir(), "chatsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfig_YAMLThenEnv(t *testing.T) {
	path := writeConfig(t, `
endpoint: https://chat.example.com/ws-chat
sockjs: true
log_format: pretty
self_email: admin@example.com
reconnect_base: 2s
max_reconnect_attempts: 4
db_max_conns: 8
`)
	t.Setenv("CHATSYNC_MAX_RECONNECT_ATTEMPTS", "6")
	t.Setenv("CHATSYNC_API_BASE_URL", "https://api.example.com")
	t.Setenv("CHATSYNC_DIAL_TIMEOUT", "not-a-duration")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "https://chat.example.com/ws-chat", cfg.Endpoint)
	assert.True(t, cfg.SockJS)
	assert.Equal(t, "pretty", cfg.LogFormat)
	assert.Equal(t, "admin@example.com", cfg.SelfEmail)
	assert.Equal(t, 2*time.Second, cfg.ReconnectBase)
	assert.Equal(t, 6, cfg.MaxReconnectAttempts, "env overrides file")
	assert.EqualValues(t, 8, cfg.DBMaxConns)
	assert.Equal(t, 10*time.Second, cfg.DialTimeout, "bad env value keeps the previous one")
	assert.Equal(t, "https://api.example.com", cfg.APIBase())
	require.NoError(t, cfg.Validate())
}

func TestLoadConfig_BadYAML(t *testing.T) {
	path := writeConfig(t, "endpoint: [unterminated\n")
	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config file")
}

func TestConfig_APIBaseFallsBackToEndpointOrigin(t *testing.T) {
	t.Parallel()

	cases := []struct {
		endpoint string
		want     string
	}{
		{"https://chat.example.com/ws-chat", "https://chat.example.com"},
		{"wss://chat.example.com/ws-chat", "https://chat.example.com"},
		{"ws://localhost:8080/ws-chat", "http://localhost:8080"},
	}
	for _, tc := range cases {
		cfg := DefaultConfig()
		cfg.Endpoint = tc.endpoint
		if got := cfg.APIBase(); got != tc.want {
			t.Fatalf("APIBase(%q)=%q want=%q", tc.endpoint, got, tc.want)
		}
	}
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	valid := DefaultConfig()
	valid.Endpoint = "https://chat.example.com/ws-chat"
	require.NoError(t, valid.Validate())

	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing endpoint", func(c *Config) { c.Endpoint = "" }, "endpoint is required"},
		{"bad endpoint", func(c *Config) { c.Endpoint = "ftp://chat.example.com" }, "endpoint:"},
		{"log format", func(c *Config) { c.LogFormat = "xml" }, "log_format"},
		{"reconnect base", func(c *Config) { c.ReconnectBase = 0 }, "reconnect_base"},
		{"attempts", func(c *Config) { c.MaxReconnectAttempts = 0 }, "max_reconnect_attempts"},
		{"pool sizes", func(c *Config) { c.DBMinConns = 9 }, "db_min_conns"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := valid
			tc.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

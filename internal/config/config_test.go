package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Chdir(t.TempDir())
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)
	cfg, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, "https://euphoria.leet.nu", cfg.Server.Origin)
	assert.Equal(t, "welcome", cfg.Room)
	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, 2*time.Second, cfg.Transport.PingLimit)
	assert.Equal(t, 2*time.Second, cfg.Transport.ReconnectMin)
	assert.Equal(t, 3*time.Second, cfg.Transport.ReconnectJitter)
	assert.Positive(t, cfg.Transport.ReconnectJitter)
	assert.Equal(t, 10*time.Second, cfg.Transport.IdleCheck)
	assert.Equal(t, 1000, cfg.Session.LogBacklog)
	assert.Equal(t, 50, cfg.Session.LogPage)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.NoError(t, cfg.Validate())
}

func TestLoadPrecedence(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "heimchat.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
room = "ezzie"
nick = "from-file"

[server]
origin = "https://heim.example"
prefix = "/chat"

[transport]
ping_limit = "5s"

[relay]
urls = ["wss://relay.one", "wss://relay.two"]
`), 0o644))

	t.Setenv("HEIMCHAT_NICK", "from-env")
	t.Setenv("HEIMCHAT_SESSION__LOG_PAGE", "25")

	cfg, err := Load(path, map[string]any{"room": "xkcd"})
	require.NoError(t, err)

	assert.Equal(t, "xkcd", cfg.Room)
	assert.Equal(t, "from-env", cfg.Nick)
	assert.Equal(t, "https://heim.example", cfg.Server.Origin)
	assert.Equal(t, "/chat", cfg.Server.Prefix)
	assert.Equal(t, 5*time.Second, cfg.Transport.PingLimit)
	assert.Equal(t, 25, cfg.Session.LogPage)
	assert.Equal(t, []string{"wss://relay.one", "wss://relay.two"}, cfg.Relay.URLs)
}

func TestLoadDefaultPath(t *testing.T) {
	isolate(t)
	require.NoError(t, os.WriteFile("heimchat.toml", []byte(`room = "local"`), 0o644))

	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, "local", cfg.Room)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	isolate(t)
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"), nil)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	isolate(t)
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty room", func(c *Config) { c.Room = "" }},
		{"room with slash", func(c *Config) { c.Room = "a/b" }},
		{"bad scheme", func(c *Config) { c.Server.Origin = "ftp://heim.example" }},
		{"no host", func(c *Config) { c.Server.Origin = "https://" }},
		{"relative prefix", func(c *Config) { c.Server.Prefix = "chat" }},
		{"zero ping limit", func(c *Config) { c.Transport.PingLimit = 0 }},
		{"negative reconnect min", func(c *Config) { c.Transport.ReconnectMin = -time.Second }},
		{"zero backlog", func(c *Config) { c.Session.LogBacklog = 0 }},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load("", nil)
			require.NoError(t, err)
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestNegativeJitterDisablesRandomBackoff(t *testing.T) {
	isolate(t)
	t.Setenv("HEIMCHAT_TRANSPORT__RECONNECT_JITTER", "-1s")
	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, -time.Second, cfg.Transport.ReconnectJitter)
	assert.NoError(t, cfg.Validate())
}

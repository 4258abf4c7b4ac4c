// Package config loads heimchat settings from defaults, an optional TOML
// file, HEIMCHAT_ environment variables and command line overrides, in that
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog"
)

// EnvPrefix marks environment variables read by Load. A double underscore
// separates nesting levels: HEIMCHAT_TRANSPORT__PING_LIMIT sets
// transport.ping_limit.
const EnvPrefix = "HEIMCHAT_"

type Config struct {
	Server struct {
		Origin string `koanf:"origin"`
		Prefix string `koanf:"prefix"`
	} `koanf:"server"`

	Room     string `koanf:"room"`
	Nick     string `koanf:"nick"`
	DataPath string `koanf:"data_path"`

	HTTP struct {
		Port int `koanf:"port"`
	} `koanf:"http"`

	Relay struct {
		URLs        []string `koanf:"urls"`
		Name        string   `koanf:"name"`
		CredKey     string   `koanf:"cred_key"`
		Hide        bool     `koanf:"hide"`
		Description string   `koanf:"description"`
		Owner       string   `koanf:"owner"`
		Tags        []string `koanf:"tags"`
	} `koanf:"relay"`

	Transport struct {
		PingLimit       time.Duration `koanf:"ping_limit"`
		ReconnectMin    time.Duration `koanf:"reconnect_min"`
		ReconnectJitter time.Duration `koanf:"reconnect_jitter"`
		IdleCheck       time.Duration `koanf:"idle_check"`
	} `koanf:"transport"`

	Session struct {
		LogBacklog int `koanf:"log_backlog"`
		LogPage    int `koanf:"log_page"`
		CacheSize  int `koanf:"cache_size"`
	} `koanf:"session"`

	Log struct {
		Level   string `koanf:"level"`
		Packets bool   `koanf:"packets"`
		Pretty  bool   `koanf:"pretty"`
	} `koanf:"log"`
}

// DefaultPaths are tried in order when Load is given no explicit file.
var DefaultPaths = []string{"./heimchat.toml", "$HOME/.config/heimchat/heimchat.toml", "$HOME/.heimchat.toml"}

func defaults() map[string]any {
	return map[string]any{
		"server.origin":              "https://euphoria.leet.nu",
		"server.prefix":              "",
		"room":                       "welcome",
		"data_path":                  "heimchat-data",
		"http.port":                  8080,
		"relay.name":                 "heimchat",
		"relay.description":          "heim chat room viewer",
		"transport.ping_limit":       "2s",
		"transport.reconnect_min":    "2s",
		"transport.reconnect_jitter": "3s",
		"transport.idle_check":       "10s",
		"session.log_backlog":        1000,
		"session.log_page":           50,
		"session.cache_size":         2000,
		"log.level":                  "info",
	}
}

// Load builds the configuration. A non-empty path must exist; otherwise the
// first readable entry of DefaultPaths is used, if any. overrides holds
// dotted keys, typically from command line flags the user actually set.
func Load(path string, overrides map[string]any) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	} else {
		for _, p := range DefaultPaths {
			p = os.ExpandEnv(p)
			if _, err := os.Stat(p); err != nil {
				continue
			}
			if err := k.Load(file.Provider(p), toml.Parser()); err == nil {
				break
			}
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	if len(overrides) > 0 {
		if err := k.Load(confmap.Provider(overrides, "."), nil); err != nil {
			return nil, fmt.Errorf("load overrides: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

// Validate reports the first setting that cannot be used.
func (c *Config) Validate() error {
	if c.Room == "" {
		return errors.New("room is required")
	}
	if strings.ContainsAny(c.Room, "/?#") {
		return fmt.Errorf("invalid room name %q", c.Room)
	}
	u, err := url.Parse(c.Server.Origin)
	if err != nil {
		return fmt.Errorf("server origin: %w", err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("server origin %q: unsupported scheme", c.Server.Origin)
	}
	if u.Host == "" {
		return fmt.Errorf("server origin %q: missing host", c.Server.Origin)
	}
	if c.Server.Prefix != "" && !strings.HasPrefix(c.Server.Prefix, "/") {
		return fmt.Errorf("server prefix %q must start with /", c.Server.Prefix)
	}
	if c.Transport.PingLimit <= 0 {
		return errors.New("transport.ping_limit must be positive")
	}
	// a negative jitter turns the random part of the backoff off
	if c.Transport.ReconnectMin < 0 {
		return errors.New("transport.reconnect_min must not be negative")
	}
	if c.Session.LogBacklog <= 0 || c.Session.LogPage <= 0 {
		return errors.New("session log sizes must be positive")
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	return nil
}

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds process startup configuration. Values come from an optional TOML
// file plus environment overrides applied by the caller; unknown keys in the
// file are rejected at startup.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Auth      AuthConfig      `toml:"auth"`
	Session   SessionConfig   `toml:"session"`
	RateLimit RateLimitConfig `toml:"rate_limit"`
	Logging   LoggingConfig   `toml:"logging"`
}

type ServerConfig struct {
	BindAddress string `toml:"bind_address"`
	DataDir     string `toml:"data_dir"`
	MaxSessions int    `toml:"max_sessions"`
}

type AuthConfig struct {
	JWTSecret       string        `toml:"jwt_secret"`
	RoomTokenSecret string        `toml:"room_token_secret"`
	TokenDuration   time.Duration `toml:"token_duration"`
	RefreshDuration time.Duration `toml:"refresh_duration"`
}

type SessionConfig struct {
	DefaultTurnDeadline time.Duration `toml:"default_turn_deadline"`
	ReconnectWindow     time.Duration `toml:"reconnect_window"`
	DisconnectGrace     time.Duration `toml:"disconnect_grace"`
	PingInterval        time.Duration `toml:"ping_interval"`
	PongTimeout         time.Duration `toml:"pong_timeout"`
	AuthTimeout         time.Duration `toml:"auth_timeout"`
	SnapshotEvery       int           `toml:"snapshot_every"`
	InboxSize           int           `toml:"inbox_size"`
	OutboundQueueSize   int           `toml:"outbound_queue_size"`
	EventLogSize        int           `toml:"event_log_size"`
	ChatRingSize        int           `toml:"chat_ring_size"`
	IdleDisposeAfter    time.Duration `toml:"idle_dispose_after"`
}

type RateLimitConfig struct {
	ActionPerMinute int `toml:"action_per_minute"`
	ChatPerMinute   int `toml:"chat_per_minute"`
	DMPerMinute     int `toml:"dm_per_minute"`
}

type LoggingConfig struct {
	Level   string `toml:"level"`
	Colored bool   `toml:"colored"`
	File    string `toml:"file"`
}

// Default returns the configuration used when no file is supplied
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			BindAddress: ":8080",
			DataDir:     "data",
			MaxSessions: 1000,
		},
		Auth: AuthConfig{
			TokenDuration:   24 * time.Hour,
			RefreshDuration: 7 * 24 * time.Hour,
		},
		Session: SessionConfig{
			DefaultTurnDeadline: 60 * time.Second,
			ReconnectWindow:     60 * time.Second,
			DisconnectGrace:     10 * time.Second,
			PingInterval:        30 * time.Second,
			PongTimeout:         10 * time.Second,
			AuthTimeout:         5 * time.Second,
			SnapshotEvery:       25,
			InboxSize:           1024,
			OutboundQueueSize:   256,
			EventLogSize:        200,
			ChatRingSize:        100,
			IdleDisposeAfter:    10 * time.Minute,
		},
		RateLimit: RateLimitConfig{
			ActionPerMinute: 30,
			ChatPerMinute:   20,
			DMPerMinute:     60,
		},
		Logging: LoggingConfig{
			Level:   "info",
			Colored: true,
		},
	}
}

// Load reads a TOML config file on top of the defaults. Keys the struct does
// not recognize are an error rather than being silently ignored.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %v", path, err)
	}

	cfg := Default()
	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %v", path, err)
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return nil, fmt.Errorf("unknown config keys in %s: %s", path, strings.Join(keys, ", "))
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnv applies environment variable overrides for secrets and the bind
// address so they can stay out of the config file.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("GRIDFALL_BIND_ADDRESS"); v != "" {
		c.Server.BindAddress = v
	}
	if v := os.Getenv("GRIDFALL_DATA_DIR"); v != "" {
		c.Server.DataDir = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("ROOM_TOKEN_SECRET"); v != "" {
		c.Auth.RoomTokenSecret = v
	}
}

// Validate rejects configurations the runtime cannot operate under
func (c *Config) Validate() error {
	if c.Server.MaxSessions <= 0 {
		return fmt.Errorf("server.max_sessions must be positive, got %d", c.Server.MaxSessions)
	}
	if c.Session.DefaultTurnDeadline <= 0 {
		return fmt.Errorf("session.default_turn_deadline must be positive")
	}
	if c.Session.SnapshotEvery <= 0 {
		return fmt.Errorf("session.snapshot_every must be positive, got %d", c.Session.SnapshotEvery)
	}
	if c.Session.InboxSize <= 0 || c.Session.OutboundQueueSize <= 0 {
		return fmt.Errorf("session queue sizes must be positive")
	}
	if c.RateLimit.ActionPerMinute <= 0 || c.RateLimit.ChatPerMinute <= 0 || c.RateLimit.DMPerMinute <= 0 {
		return fmt.Errorf("rate_limit buckets must be positive")
	}
	return nil
}

// LogLevel maps the configured level string to the logging package's levels
func (c *Config) LogLevel() (int, error) {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return 0, nil
	case "", "info":
		return 1, nil
	case "warn":
		return 2, nil
	case "error":
		return 3, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", c.Logging.Level)
	}
}

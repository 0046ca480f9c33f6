package config

import "time"

// Store driver names.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverNATS   = "nats"
	DriverRedis  = "redis"
)

// Config holds server configuration values.
type Config struct {
	Addr              string        `mapstructure:"addr" yaml:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	LogLevel          string        `mapstructure:"log_level" yaml:"log_level"`
	// RateLimit caps inbound msg/typing frames per connection per minute. Zero disables.
	RateLimit int `mapstructure:"rate_limit" yaml:"rate_limit"`

	Store Store `mapstructure:"store" yaml:"store"`
	Room  Room  `mapstructure:"room" yaml:"room"`
}

// Store selects and configures the persistence/broadcast substrate.
type Store struct {
	Driver     string `mapstructure:"driver" yaml:"driver"`
	SQLitePath string `mapstructure:"sqlite_path" yaml:"sqlite_path"`
	NATSURL    string `mapstructure:"nats_url" yaml:"nats_url"`
	RedisAddr  string `mapstructure:"redis_addr" yaml:"redis_addr"`
	KeyPrefix  string `mapstructure:"key_prefix" yaml:"key_prefix"`
}

// Room tunes the presence/typing/messaging coordinator.
type Room struct {
	TypingTTL           time.Duration `mapstructure:"typing_ttl" yaml:"typing_ttl"`
	TypingRefresh       time.Duration `mapstructure:"typing_refresh" yaml:"typing_refresh"`
	TypingSweep         time.Duration `mapstructure:"typing_sweep" yaml:"typing_sweep"`
	DedupWindow         time.Duration `mapstructure:"dedup_window" yaml:"dedup_window"`
	HistoryLimit        int           `mapstructure:"history_limit" yaml:"history_limit"`
	MaxMessages         int           `mapstructure:"max_messages" yaml:"max_messages"`
	HeartbeatInterval   time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`
	PresenceTTL         time.Duration `mapstructure:"presence_ttl" yaml:"presence_ttl"`
	ReapInterval        time.Duration `mapstructure:"reap_interval" yaml:"reap_interval"`
	LeaveTimeout        time.Duration `mapstructure:"leave_timeout" yaml:"leave_timeout"`
	WipeMessagesOnLeave bool          `mapstructure:"wipe_messages_on_leave" yaml:"wipe_messages_on_leave"`
}

// Default returns configuration with reasonable starter defaults.
func Default() Config {
	return Config{
		Addr:              ":8080",
		ReadHeaderTimeout: 5 * time.Second,
		ShutdownTimeout:   5 * time.Second,
		LogLevel:          "info",
		RateLimit:         600,
		Store: Store{
			Driver:     DriverSQLite,
			SQLitePath: "wirechat-rooms.db",
			NATSURL:    "nats://127.0.0.1:4222",
			RedisAddr:  "localhost:6379",
			KeyPrefix:  "wirechat",
		},
		Room: DefaultRoom(),
	}
}

// DefaultRoom returns the coordinator defaults.
func DefaultRoom() Room {
	return Room{
		TypingTTL:           3 * time.Second,
		TypingRefresh:       time.Second,
		TypingSweep:         time.Second,
		DedupWindow:         time.Second,
		HistoryLimit:        50,
		MaxMessages:         500,
		HeartbeatInterval:   30 * time.Second,
		PresenceTTL:         2 * time.Minute,
		ReapInterval:        30 * time.Second,
		LeaveTimeout:        2 * time.Second,
		WipeMessagesOnLeave: true,
	}
}

// UpdateFrom overwrites non-zero values from other config into receiver.
func (c *Config) UpdateFrom(other Config) {
	if other.Addr != "" {
		c.Addr = other.Addr
	}
	if other.ReadHeaderTimeout != 0 {
		c.ReadHeaderTimeout = other.ReadHeaderTimeout
	}
	if other.ShutdownTimeout != 0 {
		c.ShutdownTimeout = other.ShutdownTimeout
	}
	if other.LogLevel != "" {
		c.LogLevel = other.LogLevel
	}
	if other.Store.Driver != "" {
		c.Store.Driver = other.Store.Driver
	}
	if other.Store.SQLitePath != "" {
		c.Store.SQLitePath = other.Store.SQLitePath
	}
	if other.Store.NATSURL != "" {
		c.Store.NATSURL = other.Store.NATSURL
	}
	if other.Store.RedisAddr != "" {
		c.Store.RedisAddr = other.Store.RedisAddr
	}
}

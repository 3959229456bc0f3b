package chatsync

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config configures the engine and its connection.
//
// The reconciliation window and the pending timeout are heuristics; both are
// exposed so deployments with slow round trips can widen them.
type Config struct {
	BaseURL     string `mapstructure:"base_url"`
	Token       string `mapstructure:"token"`
	LocalUserID string `mapstructure:"local_user_id"`

	ReconcileWindow time.Duration `mapstructure:"reconcile_window"`
	PendingTimeout  time.Duration `mapstructure:"pending_timeout"`
	DeleteWindow    time.Duration `mapstructure:"delete_window"`
	TypingExpiry    time.Duration `mapstructure:"typing_expiry"`
	TypingDebounce  time.Duration `mapstructure:"typing_debounce"`

	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
	ReconnectBaseDelay   time.Duration `mapstructure:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `mapstructure:"reconnect_max_delay"`
	HeartbeatInterval    time.Duration `mapstructure:"heartbeat_interval"`
	PingTimeout          time.Duration `mapstructure:"ping_timeout"`

	SendRateLimit float64 `mapstructure:"send_rate_limit"`
	SendBurst     int     `mapstructure:"send_burst"`
	EventBuffer   int     `mapstructure:"event_buffer"`
}

// DefaultConfig returns a Config with every field at its default.
func DefaultConfig() Config {
	var c Config
	c.defaults()
	return c
}

func (c *Config) defaults() {
	if c.ReconcileWindow == 0 {
		c.ReconcileWindow = 3 * time.Second
	}
	if c.PendingTimeout == 0 {
		c.PendingTimeout = 15 * time.Second
	}
	if c.DeleteWindow == 0 {
		c.DeleteWindow = 10 * time.Minute
	}
	if c.TypingExpiry == 0 {
		c.TypingExpiry = time.Second
	}
	if c.TypingDebounce == 0 {
		c.TypingDebounce = time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 5 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.PingTimeout == 0 {
		c.PingTimeout = 10 * time.Second
	}
	if c.SendRateLimit == 0 {
		c.SendRateLimit = 20
	}
	if c.SendBurst == 0 {
		c.SendBurst = 40
	}
	if c.EventBuffer == 0 {
		c.EventBuffer = 256
	}
}

// Validate reports configuration that cannot work.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return errors.New("base_url is required")
	}
	if c.LocalUserID == "" {
		return errors.New("local_user_id is required")
	}
	if c.ReconnectBaseDelay > c.ReconnectMaxDelay {
		return fmt.Errorf("reconnect_base_delay (%s) exceeds reconnect_max_delay (%s)", c.ReconnectBaseDelay, c.ReconnectMaxDelay)
	}
	return nil
}

// LoadConfig reads a config file (TOML, YAML or JSON by extension) and
// overlays CHATSYNC_* environment variables. An empty path reads only the
// environment.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CHATSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := DefaultConfig()
	v.SetDefault("reconcile_window", def.ReconcileWindow)
	v.SetDefault("pending_timeout", def.PendingTimeout)
	v.SetDefault("delete_window", def.DeleteWindow)
	v.SetDefault("typing_expiry", def.TypingExpiry)
	v.SetDefault("typing_debounce", def.TypingDebounce)
	v.SetDefault("max_reconnect_attempts", def.MaxReconnectAttempts)
	v.SetDefault("reconnect_base_delay", def.ReconnectBaseDelay)
	v.SetDefault("reconnect_max_delay", def.ReconnectMaxDelay)
	v.SetDefault("heartbeat_interval", def.HeartbeatInterval)
	v.SetDefault("ping_timeout", def.PingTimeout)
	v.SetDefault("send_rate_limit", def.SendRateLimit)
	v.SetDefault("send_burst", def.SendBurst)
	v.SetDefault("event_buffer", def.EventBuffer)
	// Keys without a default must still be bound for AutomaticEnv to see them.
	for _, k := range []string{"base_url", "token", "local_user_id"} {
		if err := v.BindEnv(k); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", k, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.defaults()
	return &cfg, nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// ============================================================================
// Config types
// ============================================================================

// FileConfig is the CLI configuration stored in ~/.chatsync/config.toml. Keys
// are flat so the same file can be handed to chatsync.LoadConfig.
type FileConfig struct {
	BaseURL         string `toml:"base_url"`
	Token           string `toml:"token"`
	LocalUserID     string `toml:"local_user_id"`
	ReconcileWindow string `toml:"reconcile_window,omitempty"`
	PendingTimeout  string `toml:"pending_timeout,omitempty"`
	LogLevel        string `toml:"log_level,omitempty"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.chatsync, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".chatsync")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the config file in use: --config if given, else the
// default location.
func configPath() (string, error) {
	if flagConfig != "" {
		return flagConfig, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value FileConfig.
func loadConfig() (*FileConfig, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &FileConfig{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg FileConfig
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *FileConfig) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets one config key.
func setConfigValue(cfg *FileConfig, key, value string) error {
	switch key {
	case "base_url":
		cfg.BaseURL = value
	case "token":
		cfg.Token = value
	case "local_user_id":
		cfg.LocalUserID = value
	case "reconcile_window", "pending_timeout":
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("%s must be a duration (e.g. 3s): %w", key, err)
		}
		if key == "reconcile_window" {
			cfg.ReconcileWindow = value
		} else {
			cfg.PendingTimeout = value
		}
	case "log_level":
		if _, err := zap.ParseAtomicLevel(value); err != nil {
			return err
		}
		cfg.LogLevel = value
	default:
		return fmt.Errorf("unknown key %q (valid: base_url, token, local_user_id, reconcile_window, pending_timeout, log_level)", key)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var (
	flagConfig   string
	flagLogLevel string
	flagJSON     bool
)

var rootCmd = &cobra.Command{
	Use:   "chatsync",
	Short: "Chat synchronization CLI",
	Long:  "Command-line client for the chatsync engine.\nTail a conversation, page through history, and send messages.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// .env is optional; anything it sets is picked up as CHATSYNC_* below.
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("cannot load .env: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "config file (default ~/.chatsync/config.toml)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "print JSON instead of text")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

package main

import (
	"fmt"
	"os"

	"github.com/prismer-io/chatsync"
	"github.com/spf13/cobra"
)

func init() {
	configCmd.AddCommand(configShowCmd, configSetCmd)
	rootCmd.AddCommand(configCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or edit settings",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the settings a session would run with",
	Long: "Print the settings after merging defaults, the config file and CHATSYNC_* variables.\n" +
		"The token is masked.",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		source := path
		if _, err := os.Stat(path); os.IsNotExist(err) {
			path, source = "", "(no file, defaults and environment only)"
		}
		cfg, err := chatsync.LoadConfig(path)
		if err != nil {
			return err
		}

		fmt.Printf("%-24s %s\n", "file", source)
		for _, s := range settingRows(cfg) {
			fmt.Printf("%-24s %s\n", s[0], s[1])
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:     "set <key> <value>",
	Short:   "Write one key to the config file",
	Example: "  chatsync config set pending_timeout 30s",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		fc, err := loadConfig()
		if err != nil {
			return err
		}
		if err := setConfigValue(fc, args[0], args[1]); err != nil {
			return err
		}
		if err := saveConfig(fc); err != nil {
			return err
		}

		shown := args[1]
		if args[0] == "token" {
			shown = maskKey(shown)
		}
		fmt.Printf("%s -> %s\n", args[0], shown)
		return nil
	},
}

// settingRows lists cfg as key/value pairs in config-file key order.
func settingRows(cfg *chatsync.Config) [][2]string {
	token := "(unset)"
	if cfg.Token != "" {
		token = maskKey(cfg.Token)
	}
	return [][2]string{
		{"base_url", valueOrDefault(cfg.BaseURL, chatsync.DefaultBaseURL)},
		{"token", token},
		{"local_user_id", valueOrDefault(cfg.LocalUserID, "(from token)")},
		{"reconcile_window", cfg.ReconcileWindow.String()},
		{"pending_timeout", cfg.PendingTimeout.String()},
		{"delete_window", cfg.DeleteWindow.String()},
		{"max_reconnect_attempts", fmt.Sprint(cfg.MaxReconnectAttempts)},
		{"heartbeat_interval", cfg.HeartbeatInterval.String()},
	}
}

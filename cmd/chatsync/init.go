package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <base-url> <token>",
	Short: "Store server URL and token in ~/.chatsync/config.toml",
	Long: "Initialize the chatsync CLI by storing the chat server URL and your bearer token.\n" +
		"The local user id is read from the token subject when the token is a JWT.",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.BaseURL = args[0]
		cfg.Token = args[1]
		if claims, err := tokenClaims(cfg.Token); err == nil && claims.Subject != "" {
			cfg.LocalUserID = claims.Subject
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Configuration saved to %s\n", path)
		if cfg.LocalUserID == "" {
			fmt.Println("Token has no subject; run 'chatsync config set local_user_id <id>'.")
		} else {
			fmt.Printf("Local user: %s\n", cfg.LocalUserID)
		}
		return nil
	},
}

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prismer-io/chatsync"
	"github.com/spf13/cobra"
)

var statusOffline bool

func init() {
	statusCmd.Flags().BoolVar(&statusOffline, "offline", false, "skip the live connection check")
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and connection status",
	Long:  "Display the current configuration, check if the token is expired, and probe the push connection.",
	RunE: func(cmd *cobra.Command, args []string) error {
		fc, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:    %s\n", valueOrDefault(fc.BaseURL, "(not set)"))
		fmt.Printf("  Local user:  %s\n", valueOrDefault(fc.LocalUserID, "(not set)"))
		if fc.Token != "" {
			fmt.Printf("  Token:       %s\n", maskKey(fc.Token))
		} else {
			fmt.Println("  Token:       (not set)")
		}

		tokenStatus := "none"
		if fc.Token != "" {
			claims, err := tokenClaims(fc.Token)
			switch {
			case err != nil:
				tokenStatus = "present (opaque)"
			case claims.Expires == nil:
				tokenStatus = "present (no expiry)"
			case time.Now().Before(*claims.Expires):
				tokenStatus = fmt.Sprintf("valid (expires %s)", humanize.Time(*claims.Expires))
			default:
				tokenStatus = fmt.Sprintf("EXPIRED (%s)", humanize.Time(*claims.Expires))
			}
		}
		fmt.Printf("  Token state: %s\n", tokenStatus)

		if statusOffline {
			return nil
		}

		cfg, err := engineConfig()
		if err != nil {
			fmt.Printf("\nLive status: skipped: %v\n", err)
			return nil
		}
		log, err := newLogger()
		if err != nil {
			return err
		}
		defer log.Sync()

		fmt.Println()
		fmt.Println("Live status:")

		conn := chatsync.NewConnectionManager(cfg.BaseURL, *cfg, chatsync.WithConnLogger(log))
		defer conn.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		if err := conn.Connect(ctx); err != nil {
			fmt.Printf("  Connection:  %s (%v)\n", conn.State(), err)
			return nil
		}
		start := time.Now()
		if _, err := conn.Ping(ctx); err != nil {
			fmt.Printf("  Connection:  %s, ping failed: %v\n", conn.State(), err)
			return nil
		}
		fmt.Printf("  Connection:  %s\n", conn.State())
		fmt.Printf("  Round trip:  %s\n", time.Since(start).Round(time.Millisecond))
		return nil
	},
}

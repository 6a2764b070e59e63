package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pasargamex/chatsync"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and server reachability",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:   %s\n", valueOrDefault(cfg.Default.BaseURL, chatsync.DefaultBaseURL+" (default)"))
		fmt.Printf("  Socket URL: %s\n", valueOrDefault(cfg.Default.SocketURL, "(same as base URL)"))
		fmt.Printf("  Journal:    %s\n", valueOrDefault(cfg.Default.Journal, "(memory only)"))

		fmt.Println()
		fmt.Println("Auth:")
		fmt.Printf("  User ID:    %s\n", valueOrDefault(cfg.Auth.UserID, "(not set)"))
		fmt.Printf("  User Name:  %s\n", valueOrDefault(cfg.Auth.UserName, "(not set)"))
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token:      %s\n", maskKey(cfg.Auth.Token))
		} else {
			fmt.Println("  Token:      (not set)")
		}

		fmt.Println()
		fmt.Println("Live status:")
		client := newClient(cfg)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		start := time.Now()
		if err := client.Keepalive(ctx); err != nil {
			fmt.Printf("  Server:        unreachable (%v)\n", err)
			return nil
		}
		fmt.Printf("  Server:        ok (%s)\n", time.Since(start).Round(time.Millisecond))

		if cfg.Auth.Token == "" {
			return nil
		}
		chats, err := client.Chats.List(ctx)
		if err != nil {
			fmt.Printf("  Conversations: %v\n", apiError(err))
			return nil
		}
		unread := 0
		for _, c := range chats {
			unread += c.UnreadCount
		}
		fmt.Printf("  Conversations: %d\n", len(chats))
		fmt.Printf("  Unread:        %d\n", unread)
		return nil
	},
}

// maskKey shows the first and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	if len(key) <= 16 {
		return key[:4] + "..." + key[len(key)-4:]
	}
	return key[:12] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

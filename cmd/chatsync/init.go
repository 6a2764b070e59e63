package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	initUserID   string
	initUserName string
	initBaseURL  string
)

func init() {
	initCmd.Flags().StringVar(&initUserID, "user-id", "", "Id of the signed-in user (required)")
	initCmd.Flags().StringVar(&initUserName, "user-name", "", "Display name of the signed-in user")
	initCmd.Flags().StringVar(&initBaseURL, "base-url", "", "REST API base URL")
	_ = initCmd.MarkFlagRequired("user-id")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store credentials in ~/.chatsync/config.toml",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Token = args[0]
		cfg.Auth.UserID = initUserID
		if initUserName != "" {
			cfg.Auth.UserName = initUserName
		}
		if initBaseURL != "" {
			cfg.Default.BaseURL = initBaseURL
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Credentials saved to %s\n", path)
		return nil
	},
}

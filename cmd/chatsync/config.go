package main

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

// configKey describes one settable entry of Config.
type configKey struct {
	name     string
	env      string
	secret   bool
	field    func(*Config) *string
	validate func(string) error
}

var configKeys = []configKey{
	{name: "default.base_url", env: "CHATSYNC_BASE_URL",
		field: func(c *Config) *string { return &c.Default.BaseURL }, validate: urlWithScheme("http", "https")},
	{name: "default.socket_url", env: "CHATSYNC_SOCKET_URL",
		field: func(c *Config) *string { return &c.Default.SocketURL }, validate: urlWithScheme("http", "https", "ws", "wss")},
	{name: "default.journal",
		field: func(c *Config) *string { return &c.Default.Journal }},
	{name: "auth.token", env: "CHATSYNC_TOKEN", secret: true,
		field: func(c *Config) *string { return &c.Auth.Token }},
	{name: "auth.user_id", env: "CHATSYNC_USER_ID",
		field: func(c *Config) *string { return &c.Auth.UserID }},
	{name: "auth.user_name",
		field: func(c *Config) *string { return &c.Auth.UserName }},
}

func lookupConfigKey(name string) (configKey, bool) {
	for _, k := range configKeys {
		if k.name == name {
			return k, true
		}
	}
	return configKey{}, false
}

func urlWithScheme(schemes ...string) func(string) error {
	return func(v string) error {
		u, err := url.Parse(v)
		if err != nil {
			return err
		}
		if u.Host == "" {
			return errors.New("missing host")
		}
		for _, s := range schemes {
			if u.Scheme == s {
				return nil
			}
		}
		return fmt.Errorf("scheme %q not one of %v", u.Scheme, schemes)
	}
}

// writeConfig prints every key with its effective value and where it came
// from. Secrets are masked.
func writeConfig(w io.Writer, file, effective *Config) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, k := range configKeys {
		val, source := *k.field(effective), "file"
		switch {
		case val == "":
			val, source = "-", "unset"
		case *k.field(file) != val:
			source = "env " + k.env
		}
		if k.secret && source != "unset" {
			val = maskKey(val)
		}
		fmt.Fprintf(tw, "%s\t%s\t(%s)\n", k.name, val, source)
	}
	return tw.Flush()
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage chatsync configuration",
	Long:  "View or modify the configuration stored in ~/.chatsync/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long:  "Print every configuration key with its value after CHATSYNC_* environment overrides.",
	RunE: func(cmd *cobra.Command, args []string) error {
		file, err := readConfigFile()
		if err != nil {
			return err
		}
		effective := *file
		applyEnv(&effective)

		if path, err := configPath(); err == nil {
			if _, err := os.Stat(path); os.IsNotExist(err) {
				fmt.Fprintln(cmd.OutOrStdout(), "No configuration file found. Run 'chatsync init <token>' to create one.")
			}
		}
		return writeConfig(cmd.OutOrStdout(), file, &effective)
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: chatsync config set default.base_url https://chat.example.com",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		if k, _ := lookupConfigKey(key); k.secret {
			value = maskKey(value)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", key, value)
		return nil
	},
}

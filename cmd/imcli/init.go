package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <app-id> <router-url>",
	Short: "Store app ID and router URL in ~/.imcli/config.toml",
	Long:  "Initialize imcli by storing the application ID and the router URL in the local configuration file.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadStoredConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Default.AppID = args[0]
		cfg.Default.RouterURL = args[1]
		if cfg.Default.LogLevel == "" {
			cfg.Default.LogLevel = "warn"
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Configuration saved to %s\n", path)
		return nil
	},
}

package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var showFile bool

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)

	configShowCmd.Flags().BoolVar(&showFile, "file", false, "print the config file as stored instead of the effective settings")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage imcli configuration",
	Long:  "View or modify the imcli configuration stored in ~/.imcli/config.toml.\nIMCLI_* environment variables (or a .env file) override stored values.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "List every setting with its effective value and origin",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showFile {
			return printConfigFile()
		}
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "KEY\tVALUE\tFROM")
		for _, key := range configKeys {
			value, _ := getConfigValue(cfg, key)
			fmt.Fprintf(tw, "%s\t%s\t%s\n", key, displayValue(key, value), valueOrigin(key, value))
		}
		return tw.Flush()
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print one effective setting",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		value, err := getConfigValue(cfg, args[0])
		if err != nil {
			return err
		}
		fmt.Println(value)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nKeys: " + strings.Join(configKeys, ", ") + "\nExample: imcli config set default.router_url https://router.example.com",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		// Env overrides must not leak into the stored file.
		cfg, err := loadStoredConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Printf("Set %s = %s\n", key, displayValue(key, value))
		if env := envFor(key); env != "" && os.Getenv(env) != "" {
			fmt.Printf("Note: %s is set and overrides this value.\n", env)
		}
		return nil
	},
}

func printConfigFile() error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("No configuration file found. Run 'imcli init <app-id> <router-url>' to create one.")
			return nil
		}
		return fmt.Errorf("cannot read config file: %w", err)
	}
	fmt.Print(string(data))
	return nil
}

// displayValue masks secrets.
func displayValue(key, value string) string {
	if value == "" {
		return "-"
	}
	if key == "auth.master_key" {
		if len(value) <= 4 {
			return "****"
		}
		return value[:2] + strings.Repeat("*", len(value)-4) + value[len(value)-2:]
	}
	return value
}

func valueOrigin(key, value string) string {
	if env := envFor(key); env != "" && os.Getenv(env) != "" {
		return env
	}
	if value == "" || value == "false" {
		return "unset"
	}
	return "config.toml"
}

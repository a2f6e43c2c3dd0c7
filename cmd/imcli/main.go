package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.imcli/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
}

// ConfigDefault holds connection settings.
type ConfigDefault struct {
	AppID      string `toml:"app_id"`
	ClientID   string `toml:"client_id"`
	RouterURL  string `toml:"router_url"`
	ServerURL  string `toml:"server_url"`
	Protocol   string `toml:"protocol"`
	StorageDir string `toml:"storage_dir"`
	LocalCache bool   `toml:"local_cache"`
	LogLevel   string `toml:"log_level"`
}

// ConfigAuth holds signing settings. With a master key the CLI signs
// locally; otherwise sign_url points at a signature endpoint.
type ConfigAuth struct {
	MasterKey string `toml:"master_key"`
	SignURL   string `toml:"sign_url"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.imcli, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".imcli")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads the config file and applies IMCLI_* environment
// overrides. A missing file yields a zero-value Config.
func loadConfig() (*Config, error) {
	cfg, err := loadStoredConfig()
	if err != nil {
		return nil, err
	}
	applyEnv(cfg)
	return cfg, nil
}

// loadStoredConfig reads the config file without environment overrides,
// for commands that write it back.
func loadStoredConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("cannot read config: %w", err)
	default:
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("cannot parse config: %w", err)
		}
	}
	return &cfg, nil
}

// envKeys maps environment variables to config keys.
var envKeys = map[string]string{
	"IMCLI_APP_ID":      "default.app_id",
	"IMCLI_CLIENT_ID":   "default.client_id",
	"IMCLI_ROUTER_URL":  "default.router_url",
	"IMCLI_SERVER_URL":  "default.server_url",
	"IMCLI_PROTOCOL":    "default.protocol",
	"IMCLI_STORAGE_DIR": "default.storage_dir",
	"IMCLI_LOCAL_CACHE": "default.local_cache",
	"IMCLI_LOG_LEVEL":   "default.log_level",
	"IMCLI_MASTER_KEY":  "auth.master_key",
	"IMCLI_SIGN_URL":    "auth.sign_url",
}

// configKeys lists every settable key in display order.
var configKeys = []string{
	"default.app_id",
	"default.client_id",
	"default.router_url",
	"default.server_url",
	"default.protocol",
	"default.storage_dir",
	"default.local_cache",
	"default.log_level",
	"auth.master_key",
	"auth.sign_url",
}

// envFor returns the environment variable overriding key, if any.
func envFor(key string) string {
	for env, k := range envKeys {
		if k == key {
			return env
		}
	}
	return ""
}

func applyEnv(cfg *Config) {
	for env, key := range envKeys {
		if v, ok := os.LookupEnv(env); ok && v != "" {
			if err := setConfigValue(cfg, key, v); err != nil {
				fmt.Fprintf(os.Stderr, "ignoring %s: %v\n", env, err)
			}
		}
	}
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
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

// setConfigValue sets a config field using dot notation (e.g. "default.app_id").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.app_id)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "app_id":
			cfg.Default.AppID = value
		case "client_id":
			cfg.Default.ClientID = value
		case "router_url":
			cfg.Default.RouterURL = value
		case "server_url":
			cfg.Default.ServerURL = value
		case "protocol":
			cfg.Default.Protocol = value
		case "storage_dir":
			cfg.Default.StorageDir = value
		case "local_cache":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("local_cache must be true or false")
			}
			cfg.Default.LocalCache = b
		case "log_level":
			cfg.Default.LogLevel = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "master_key":
			cfg.Auth.MasterKey = value
		case "sign_url":
			cfg.Auth.SignURL = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth)", section)
	}
	return nil
}

// getConfigValue reads a config field using dot notation.
func getConfigValue(cfg *Config, key string) (string, error) {
	switch key {
	case "default.app_id":
		return cfg.Default.AppID, nil
	case "default.client_id":
		return cfg.Default.ClientID, nil
	case "default.router_url":
		return cfg.Default.RouterURL, nil
	case "default.server_url":
		return cfg.Default.ServerURL, nil
	case "default.protocol":
		return cfg.Default.Protocol, nil
	case "default.storage_dir":
		return cfg.Default.StorageDir, nil
	case "default.local_cache":
		return strconv.FormatBool(cfg.Default.LocalCache), nil
	case "default.log_level":
		return cfg.Default.LogLevel, nil
	case "auth.master_key":
		return cfg.Auth.MasterKey, nil
	case "auth.sign_url":
		return cfg.Auth.SignURL, nil
	}
	return "", fmt.Errorf("unknown config key %q (known: %s)", key, strings.Join(configKeys, ", "))
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "imcli",
	Short: "Real-time messaging client CLI",
	Long:  "Command-line client for the real-time messaging backend.\nOpen sessions, send and read messages, and serve signatures.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// A .env file in the working directory is optional.
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("cannot load .env: %w", err)
		}
		return nil
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

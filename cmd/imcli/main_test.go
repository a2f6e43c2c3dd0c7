package main

import (
	"strings"
	"testing"

	realtime "github.com/leancloud/swift-sdk-sub001"
)

// ============================================================================
// setConfigValue
// ============================================================================

func TestSetConfigValue(t *testing.T) {
	t.Run("known keys", func(t *testing.T) {
		var cfg Config
		for key, value := range map[string]string{
			"default.app_id":      "app",
			"default.router_url":  "https://router.example.com",
			"default.local_cache": "true",
			"auth.master_key":     "secret",
		} {
			if err := setConfigValue(&cfg, key, value); err != nil {
				t.Fatalf("set %s: %v", key, err)
			}
		}
		if cfg.Default.AppID != "app" || cfg.Default.RouterURL != "https://router.example.com" {
			t.Fatalf("unexpected defaults %+v", cfg.Default)
		}
		if !cfg.Default.LocalCache || cfg.Auth.MasterKey != "secret" {
			t.Fatalf("unexpected config %+v", cfg)
		}
	})

	t.Run("errors", func(t *testing.T) {
		tests := []struct {
			key, value, want string
		}{
			{"app_id", "x", "dot notation"},
			{"server.app_id", "x", "unknown config section"},
			{"default.color", "x", "unknown field"},
			{"auth.token", "x", "unknown field"},
			{"default.local_cache", "maybe", "true or false"},
		}
		for _, tt := range tests {
			var cfg Config
			err := setConfigValue(&cfg, tt.key, tt.value)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("%s: expected error containing %q, got %v", tt.key, tt.want, err)
			}
		}
	})
}

func TestGetConfigValue(t *testing.T) {
	t.Run("every key round trips", func(t *testing.T) {
		var cfg Config
		for _, key := range configKeys {
			value := "v-" + key
			if key == "default.local_cache" {
				value = "true"
			}
			if err := setConfigValue(&cfg, key, value); err != nil {
				t.Fatalf("set %s: %v", key, err)
			}
			got, err := getConfigValue(&cfg, key)
			if err != nil || got != value {
				t.Fatalf("get %s = %q, %v; want %q", key, got, err, value)
			}
		}
	})

	t.Run("unknown key", func(t *testing.T) {
		_, err := getConfigValue(&Config{}, "default.color")
		if err == nil || !strings.Contains(err.Error(), "default.app_id") {
			t.Fatalf("expected error listing known keys, got %v", err)
		}
	})
}

func TestConfigDisplay(t *testing.T) {
	tests := []struct {
		key, value, want string
	}{
		{"default.app_id", "app", "app"},
		{"default.app_id", "", "-"},
		{"auth.master_key", "secretkey", "se*****ey"},
		{"auth.master_key", "abc", "****"},
	}
	for _, tt := range tests {
		if got := displayValue(tt.key, tt.value); got != tt.want {
			t.Fatalf("displayValue(%s, %q) = %q, want %q", tt.key, tt.value, got, tt.want)
		}
	}

	t.Setenv("IMCLI_APP_ID", "from-env")
	if got := valueOrigin("default.app_id", "from-env"); got != "IMCLI_APP_ID" {
		t.Fatalf("origin = %q, want IMCLI_APP_ID", got)
	}
	if got := valueOrigin("default.client_id", "alice"); got != "config.toml" {
		t.Fatalf("origin = %q, want config.toml", got)
	}
	if got := valueOrigin("default.local_cache", "false"); got != "unset" {
		t.Fatalf("origin = %q, want unset", got)
	}
}

func TestStoredConfigIgnoresEnv(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	if err := saveConfig(&Config{Default: ConfigDefault{ClientID: "alice"}}); err != nil {
		t.Fatalf("saveConfig: %v", err)
	}
	t.Setenv("IMCLI_CLIENT_ID", "bob")

	stored, err := loadStoredConfig()
	if err != nil || stored.Default.ClientID != "alice" {
		t.Fatalf("stored client = %+v, %v", stored, err)
	}
	effective, err := loadConfig()
	if err != nil || effective.Default.ClientID != "bob" {
		t.Fatalf("effective client = %+v, %v", effective, err)
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("IMCLI_CLIENT_ID", "bob")
	t.Setenv("IMCLI_LOG_LEVEL", "debug")
	cfg := Config{Default: ConfigDefault{ClientID: "alice"}}
	applyEnv(&cfg)
	if cfg.Default.ClientID != "bob" || cfg.Default.LogLevel != "debug" {
		t.Fatalf("env overrides not applied: %+v", cfg.Default)
	}
}

func TestLoadConfigRoundTrip(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	cfg.Default.AppID = "app"
	cfg.Auth.SignURL = "http://127.0.0.1:8787/sign"
	if err := saveConfig(cfg); err != nil {
		t.Fatalf("saveConfig: %v", err)
	}
	got, err := loadConfig()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.Default.AppID != "app" || got.Auth.SignURL != cfg.Auth.SignURL {
		t.Fatalf("round trip lost values: %+v", got)
	}
}

// ============================================================================
// newClient
// ============================================================================

func TestSignerFor(t *testing.T) {
	t.Run("master key", func(t *testing.T) {
		s, err := signerFor(&Config{Default: ConfigDefault{AppID: "app"}, Auth: ConfigAuth{MasterKey: "k"}})
		if err != nil {
			t.Fatalf("signerFor: %v", err)
		}
		if _, ok := s.(*realtime.HMACSigner); !ok {
			t.Fatalf("expected HMACSigner, got %T", s)
		}
	})
	t.Run("sign url", func(t *testing.T) {
		s, _ := signerFor(&Config{Auth: ConfigAuth{SignURL: "http://localhost/sign"}})
		if _, ok := s.(*realtime.HTTPSignatureProvider); !ok {
			t.Fatalf("expected HTTPSignatureProvider, got %T", s)
		}
	})
	t.Run("none", func(t *testing.T) {
		if s, err := signerFor(&Config{}); s != nil || err != nil {
			t.Fatalf("expected no signer, got %v %v", s, err)
		}
	})
}

func TestNewClientRequiresIDs(t *testing.T) {
	if _, _, err := newClient(&Config{}); err == nil || !strings.Contains(err.Error(), "app ID") {
		t.Fatalf("expected app ID error, got %v", err)
	}
	if _, _, err := newClient(&Config{Default: ConfigDefault{AppID: "app"}}); err == nil || !strings.Contains(err.Error(), "client ID") {
		t.Fatalf("expected client ID error, got %v", err)
	}
}

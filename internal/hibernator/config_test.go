package hibernator

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// ─── applyDefaults ────────────────────────────────────────────────────────────

func TestApplyDefaults(t *testing.T) {
	tests := []struct {
		name  string
		input Config
		check func(t *testing.T, cfg *Config)
	}{
		{
			name:  "all empty → defaults applied",
			input: Config{},
			check: func(t *testing.T, cfg *Config) {
				if cfg.Controller.BaseURL != "https://localhost:8443" {
					t.Errorf("BaseURL = %q, want default", cfg.Controller.BaseURL)
				}
				if cfg.Controller.APITokenEnv != "CRAFTY_API_TOKEN" {
					t.Errorf("APITokenEnv = %q, want default", cfg.Controller.APITokenEnv)
				}
				if cfg.Polling.IntervalSeconds != 30 {
					t.Errorf("IntervalSeconds = %d, want 30", cfg.Polling.IntervalSeconds)
				}
				if cfg.Cooldowns.StopCooldownMinutes != 5 {
					t.Errorf("StopCooldownMinutes = %d, want 5", cfg.Cooldowns.StopCooldownMinutes)
				}
				if cfg.Health.Port != 8095 {
					t.Errorf("Health.Port = %d, want 8095", cfg.Health.Port)
				}
				if cfg.Health.AdminAuth.Method != "none" {
					t.Errorf("AdminAuth.Method = %q, want none", cfg.Health.AdminAuth.Method)
				}
			},
		},
		{
			name: "explicit values preserved",
			input: Config{
				Controller: ControllerConfig{BaseURL: "https://crafty.internal:8443"},
				Polling:    PollingConfig{IntervalSeconds: 15},
			},
			check: func(t *testing.T, cfg *Config) {
				if cfg.Controller.BaseURL != "https://crafty.internal:8443" {
					t.Errorf("BaseURL should not be overridden, got %q", cfg.Controller.BaseURL)
				}
				if cfg.Polling.IntervalSeconds != 15 {
					t.Errorf("IntervalSeconds should not be overridden, got %d", cfg.Polling.IntervalSeconds)
				}
			},
		},
		{
			name: "server defaults applied",
			input: Config{
				Servers: map[string]ServerSpec{
					"survival": {ControllerServerID: "abc-123", ListenPort: 25565},
				},
			},
			check: func(t *testing.T, cfg *Config) {
				s := cfg.Servers["survival"]
				if s.ListenHost != "0.0.0.0" {
					t.Errorf("ListenHost = %q, want 0.0.0.0", s.ListenHost)
				}
				if s.Edition != EditionJava {
					t.Errorf("Edition = %q, want java", s.Edition)
				}
				if s.IdleTimeoutMinutes != 10 {
					t.Errorf("IdleTimeoutMinutes = %d, want 10", s.IdleTimeoutMinutes)
				}
				if s.StartTimeoutSeconds != 180 {
					t.Errorf("StartTimeoutSeconds = %d, want 180", s.StartTimeoutSeconds)
				}
				if s.MOTDHibernating == "" {
					t.Error("MOTDHibernating should have a default")
				}
				if s.KickMessage == "" {
					t.Error("KickMessage should have a default")
				}
			},
		},
		{
			name: "server explicit values preserved",
			input: Config{
				Servers: map[string]ServerSpec{
					"bedrock-world": {
						ControllerServerID:  "xyz-789",
						ListenPort:          19132,
						ListenHost:          "192.168.1.5",
						Edition:             EditionBedrock,
						IdleTimeoutMinutes:  20,
						StartTimeoutSeconds: 90,
						MOTDHibernating:     "zzz",
						KickMessage:         "wake up call",
					},
				},
			},
			check: func(t *testing.T, cfg *Config) {
				s := cfg.Servers["bedrock-world"]
				if s.ListenHost != "192.168.1.5" {
					t.Errorf("ListenHost should not be overridden, got %q", s.ListenHost)
				}
				if s.Edition != EditionBedrock {
					t.Errorf("Edition should not be overridden, got %q", s.Edition)
				}
				if s.IdleTimeoutMinutes != 20 {
					t.Errorf("IdleTimeoutMinutes should not be overridden, got %d", s.IdleTimeoutMinutes)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.input
			applyDefaults(&cfg)
			tt.check(t, &cfg)
		})
	}
}

// ─── resolveDurations ─────────────────────────────────────────────────────────

func TestResolveDurations(t *testing.T) {
	cfg := Config{
		Servers: map[string]ServerSpec{
			"survival": {IdleTimeoutMinutes: 10, StartTimeoutSeconds: 180},
		},
		Cooldowns: CooldownPolicy{
			StopCooldownMinutes: 5,
			StartGraceMinutes:   3,
			FlapWindowMinutes:   30,
			FlapBackoffMinutes:  10,
		},
	}
	resolveDurations(&cfg)

	s := cfg.Servers["survival"]
	if s.IdleTimeout != 10*time.Minute {
		t.Errorf("IdleTimeout = %v, want 10m", s.IdleTimeout)
	}
	if s.StartTimeout != 180*time.Second {
		t.Errorf("StartTimeout = %v, want 180s", s.StartTimeout)
	}
	if cfg.Cooldowns.StopCooldown != 5*time.Minute {
		t.Errorf("StopCooldown = %v, want 5m", cfg.Cooldowns.StopCooldown)
	}
	if cfg.Cooldowns.FlapWindow != 30*time.Minute {
		t.Errorf("FlapWindow = %v, want 30m", cfg.Cooldowns.FlapWindow)
	}
}

// ─── Validate ─────────────────────────────────────────────────────────────────

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			Controller: ControllerConfig{BaseURL: "https://localhost:8443"},
			Servers: map[string]ServerSpec{
				"survival": {
					Name:               "survival",
					ControllerServerID: "abc-123",
					ListenPort:         25565,
					Edition:            EditionJava,
				},
			},
			Health: HealthConfig{AdminAuth: AdminAuthConfig{Method: "none"}},
		}
	}

	tests := []struct {
		name    string
		modify  func(cfg *Config)
		wantErr bool
	}{
		{"valid config", func(cfg *Config) {}, false},
		{"empty base url", func(cfg *Config) { cfg.Controller.BaseURL = "" }, true},
		{"no servers", func(cfg *Config) { cfg.Servers = nil }, true},
		{
			"missing crafty_server_id",
			func(cfg *Config) {
				s := cfg.Servers["survival"]
				s.ControllerServerID = ""
				cfg.Servers["survival"] = s
			},
			true,
		},
		{
			"missing listen_port",
			func(cfg *Config) {
				s := cfg.Servers["survival"]
				s.ListenPort = 0
				cfg.Servers["survival"] = s
			},
			true,
		},
		{
			"invalid edition",
			func(cfg *Config) {
				s := cfg.Servers["survival"]
				s.Edition = "snes"
				cfg.Servers["survival"] = s
			},
			true,
		},
		{
			"duplicate listen_port",
			func(cfg *Config) {
				cfg.Servers["creative"] = ServerSpec{
					Name: "creative", ControllerServerID: "def-456",
					ListenPort: 25565, Edition: EditionJava,
				}
			},
			true,
		},
		{
			"basic auth missing password",
			func(cfg *Config) {
				cfg.Health.AdminAuth = AdminAuthConfig{Method: "basic", Username: "admin"}
			},
			true,
		},
		{
			"bearer auth missing token",
			func(cfg *Config) {
				cfg.Health.AdminAuth = AdminAuthConfig{Method: "bearer"}
			},
			true,
		},
		{
			"unknown auth method",
			func(cfg *Config) {
				cfg.Health.AdminAuth = AdminAuthConfig{Method: "kerberos"}
			},
			true,
		},
		{
			"webhook enabled without url",
			func(cfg *Config) {
				cfg.Webhook = WebhookConfig{Enabled: true}
			},
			true,
		},
		{
			"multiple valid servers on distinct ports",
			func(cfg *Config) {
				cfg.Servers["creative"] = ServerSpec{
					Name: "creative", ControllerServerID: "def-456",
					ListenPort: 25566, Edition: EditionBedrock,
				}
			},
			false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.modify(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// ─── LoadConfig (file-based) ──────────────────────────────────────────────────

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig("/nonexistent/file.yaml")
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "bad.yaml")
	if err := os.WriteFile(path, []byte("{{{{not yaml"), 0644); err != nil {
		t.Fatal(err)
	}
	_, err := LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

func TestLoadConfig_MissingToken(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "config.yaml")
	body := `
crafty:
  base_url: "https://localhost:8443"
  api_token_env: "SLUMBER_TEST_TOKEN_UNSET"
servers:
  survival:
    crafty_server_id: "abc-123"
    listen_port: 25565
`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	os.Unsetenv("SLUMBER_TEST_TOKEN_UNSET")
	_, err := LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for unset token env var")
	}
}

func TestLoadConfig_ValidFile(t *testing.T) {
	t.Setenv("SLUMBER_TEST_TOKEN", "secret-token")
	body := `
crafty:
  base_url: "https://crafty.internal:8443"
  api_token_env: "SLUMBER_TEST_TOKEN"
servers:
  survival:
    crafty_server_id: "abc-123"
    listen_port: 25565
    idle_timeout_minutes: 15
`
	tmp := t.TempDir()
	path := filepath.Join(tmp, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}
	if cfg.Controller.Token != "secret-token" {
		t.Errorf("Token = %q, want resolved from env", cfg.Controller.Token)
	}
	s, ok := cfg.Servers["survival"]
	if !ok {
		t.Fatal("expected server 'survival' to be present")
	}
	if s.Name != "survival" {
		t.Errorf("Name = %q, want survival (populated from map key)", s.Name)
	}
	if s.IdleTimeout != 15*time.Minute {
		t.Errorf("IdleTimeout = %v, want 15m", s.IdleTimeout)
	}
}

func TestLoadConfig_ValidationFails(t *testing.T) {
	t.Setenv("SLUMBER_TEST_TOKEN", "secret-token")
	body := `
crafty:
  api_token_env: "SLUMBER_TEST_TOKEN"
servers:
  survival:
    listen_port: 25565
`
	tmp := t.TempDir()
	path := filepath.Join(tmp, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := LoadConfig(path)
	if err == nil {
		t.Fatal("expected validation error for missing crafty_server_id")
	}
}

// ─── ApplyReload ──────────────────────────────────────────────────────────────

func TestApplyReload(t *testing.T) {
	t.Run("reloadable fields apply in place", func(t *testing.T) {
		cfg := &Config{
			Servers: map[string]ServerSpec{
				"survival": {Name: "survival", IdleTimeoutMinutes: 10, IdleTimeout: 10 * time.Minute},
			},
			Cooldowns: CooldownPolicy{StopCooldownMinutes: 5},
			Polling:   PollingConfig{IntervalSeconds: 30},
		}
		newCfg := &Config{
			Servers: map[string]ServerSpec{
				"survival": {Name: "survival", IdleTimeoutMinutes: 20, IdleTimeout: 20 * time.Minute, MOTDHibernating: "updated"},
			},
			Cooldowns: CooldownPolicy{StopCooldownMinutes: 15},
			Polling:   PollingConfig{IntervalSeconds: 60},
		}

		if err := cfg.ApplyReload(newCfg); err != nil {
			t.Fatalf("ApplyReload() error: %v", err)
		}
		if cfg.Servers["survival"].IdleTimeoutMinutes != 20 {
			t.Errorf("IdleTimeoutMinutes not applied, got %d", cfg.Servers["survival"].IdleTimeoutMinutes)
		}
		if cfg.Servers["survival"].MOTDHibernating != "updated" {
			t.Errorf("MOTDHibernating not applied, got %q", cfg.Servers["survival"].MOTDHibernating)
		}
		if cfg.Cooldowns.StopCooldownMinutes != 15 {
			t.Errorf("Cooldowns not applied, got %d", cfg.Cooldowns.StopCooldownMinutes)
		}
		if cfg.Polling.IntervalSeconds != 60 {
			t.Errorf("Polling not applied, got %d", cfg.Polling.IntervalSeconds)
		}
	})

	t.Run("added server rejected", func(t *testing.T) {
		cfg := &Config{Servers: map[string]ServerSpec{"survival": {Name: "survival"}}}
		newCfg := &Config{Servers: map[string]ServerSpec{
			"survival": {Name: "survival"},
			"creative": {Name: "creative"},
		}}
		if err := cfg.ApplyReload(newCfg); err == nil {
			t.Fatal("expected error when reload adds a server")
		}
	})

	t.Run("removed server rejected", func(t *testing.T) {
		cfg := &Config{Servers: map[string]ServerSpec{
			"survival": {Name: "survival"},
			"creative": {Name: "creative"},
		}}
		newCfg := &Config{Servers: map[string]ServerSpec{"survival": {Name: "survival"}}}
		if err := cfg.ApplyReload(newCfg); err == nil {
			t.Fatal("expected error when reload removes a server")
		}
	})
}

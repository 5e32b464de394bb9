package hibernator

import (
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"time"

	"gopkg.in/yaml.v3"
)

// Edition identifies which Minecraft wire protocol a managed server speaks.
type Edition string

const (
	EditionJava    Edition = "java"
	EditionBedrock Edition = "bedrock"
)

// Config is the top-level structure parsed from config.yaml.
type Config struct {
	Controller ControllerConfig      `yaml:"crafty"`
	Servers    map[string]ServerSpec `yaml:"servers"`
	Polling    PollingConfig         `yaml:"polling"`
	Cooldowns  CooldownPolicy        `yaml:"cooldowns"`
	Webhook    WebhookConfig         `yaml:"webhook"`
	Logging    LoggingConfig         `yaml:"logging"`
	Health     HealthConfig          `yaml:"health"`

	// ConfigPath is the file LoadConfig read this Config from, stashed so
	// the reload watcher knows what to re-read on SIGHUP.
	ConfigPath string `yaml:"-"`
}

// Equal reports whether two Config values are semantically identical.
func (c *Config) Equal(other *Config) bool {
	if c == nil || other == nil {
		return c == other
	}
	return reflect.DeepEqual(c, other)
}

// ControllerConfig holds connection settings for the upstream REST controller.
type ControllerConfig struct {
	// BaseURL is the controller's address, e.g. "https://localhost:8443".
	BaseURL string `yaml:"base_url"`
	// APITokenEnv names the environment variable holding the bearer token.
	APITokenEnv string `yaml:"api_token_env"`
	// VerifyTLS controls certificate verification for https base URLs.
	VerifyTLS bool `yaml:"verify_tls"`

	// Token is resolved at load time from the named env var; never stored in YAML.
	Token string `yaml:"-"`
}

// ServerSpec is the immutable-per-reload identity and tuning for one managed
// server. Reloadable fields (IdleTimeout, StartTimeout, MOTDHibernating,
// KickMessage) are applied in place by Config.ApplyReload; the rest identify
// the server and its socket and never change across a reload.
type ServerSpec struct {
	// Name is the process-local unique identifier (the servers: map key).
	Name string `yaml:"-"`
	// ControllerServerID is the opaque ID the upstream controller uses for this server.
	ControllerServerID string `yaml:"crafty_server_id"`
	// ListenHost/ListenPort is the socket address the impersonator binds.
	ListenHost string `yaml:"listen_host"`
	ListenPort int    `yaml:"listen_port"`
	// Edition selects the Java or Bedrock protocol impersonator.
	Edition Edition `yaml:"edition"`
	// IdleTimeout is how long the server may sit idle before a stop is requested.
	IdleTimeout        time.Duration `yaml:"-"`
	IdleTimeoutMinutes int           `yaml:"idle_timeout_minutes"`
	// StartTimeout bounds how long a STARTING state may persist with no progress.
	StartTimeout        time.Duration `yaml:"-"`
	StartTimeoutSeconds int           `yaml:"start_timeout_seconds"`
	// MOTDHibernating is shown to pinging clients while the server is down.
	MOTDHibernating string `yaml:"motd_hibernating"`
	// KickMessage is shown to a login attempt that triggers a wake.
	KickMessage string `yaml:"kick_message"`
}

// CooldownPolicy holds the shared hysteresis and flap-control settings.
type CooldownPolicy struct {
	StopCooldown  time.Duration `yaml:"-"`
	StartGrace    time.Duration `yaml:"-"`
	FlapWindow    time.Duration `yaml:"-"`
	FlapBackoff   time.Duration `yaml:"-"`
	FlapMaxCycles int           `yaml:"flap_max_cycles"`

	StopCooldownMinutes int `yaml:"stop_cooldown_minutes"`
	StartGraceMinutes   int `yaml:"start_grace_minutes"`
	FlapWindowMinutes   int `yaml:"flap_window_minutes"`
	FlapBackoffMinutes  int `yaml:"flap_backoff_minutes"`
}

// PollingConfig controls the orchestrator's tick cadence and controller retry behavior.
type PollingConfig struct {
	IntervalSeconds      int `yaml:"interval_seconds"`
	APIRetryDelaySeconds int `yaml:"api_retry_delay_seconds"`
	APIMaxRetries        int `yaml:"api_max_retries"`
}

func (p PollingConfig) Interval() time.Duration   { return time.Duration(p.IntervalSeconds) * time.Second }
func (p PollingConfig) RetryDelay() time.Duration { return time.Duration(p.APIRetryDelaySeconds) * time.Second }

// WebhookConfig configures optional fire-and-forget lifecycle notifications.
type WebhookConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Label   string `yaml:"label"`
}

// LoggingConfig configures the file + stderr logging setup. The file is
// opened append-only; MaxBytes and BackupCount are parsed but no rotation
// is performed.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	File        string `yaml:"file"`
	MaxBytes    int    `yaml:"max_bytes"`
	BackupCount int    `yaml:"backup_count"`
}

// AdminAuthConfig mirrors the teacher's admin-endpoint auth scheme.
type AdminAuthConfig struct {
	Method   string `yaml:"method"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Token    string `yaml:"token"`
}

// HealthConfig controls the optional /healthz, /status, /metrics admin surface.
type HealthConfig struct {
	Enabled   bool            `yaml:"enabled"`
	Host      string          `yaml:"host"`
	Port      int             `yaml:"port"`
	AdminAuth AdminAuthConfig `yaml:"admin_auth"`
}

// LoadConfig reads and parses the YAML config file named by path, applying
// defaults, env-var overrides, and validation. The bearer token is resolved
// from the environment at load time — startup fails if it is unset.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %q: %w", path, err)
	}

	// yaml.v3 doesn't populate the map key into the value; do it explicitly
	// so ServerSpec.Name is always set regardless of load path.
	for name, spec := range cfg.Servers {
		spec.Name = name
		cfg.Servers[name] = spec
	}

	applyDefaults(&cfg)
	resolveDurations(&cfg)

	if err := resolveToken(&cfg.Controller); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	cfg.ConfigPath = path
	return &cfg, nil
}

// resolveToken reads the bearer token from the configured environment
// variable. Startup fails if it is unset, per spec.
func resolveToken(cc *ControllerConfig) error {
	token := os.Getenv(cc.APITokenEnv)
	if token == "" {
		return fmt.Errorf("environment variable %q is not set or empty; it must contain the controller API token", cc.APITokenEnv)
	}
	cc.Token = token
	return nil
}

// applyDefaults fills in sensible defaults for any unset field.
func applyDefaults(cfg *Config) {
	if cfg.Controller.BaseURL == "" {
		cfg.Controller.BaseURL = "https://localhost:8443"
	}
	if cfg.Controller.APITokenEnv == "" {
		cfg.Controller.APITokenEnv = "CRAFTY_API_TOKEN"
	}

	for name, spec := range cfg.Servers {
		if spec.ListenHost == "" {
			spec.ListenHost = "0.0.0.0"
		}
		if spec.Edition == "" {
			spec.Edition = EditionJava
		}
		if spec.IdleTimeoutMinutes == 0 {
			spec.IdleTimeoutMinutes = 10
		}
		if spec.StartTimeoutSeconds == 0 {
			spec.StartTimeoutSeconds = 180
		}
		if spec.MOTDHibernating == "" {
			spec.MOTDHibernating = "Server is hibernating. Connect to wake it up!"
		}
		if spec.KickMessage == "" {
			spec.KickMessage = "Server is starting up! Please reconnect in about 60 seconds."
		}
		cfg.Servers[name] = spec
	}

	if cfg.Polling.IntervalSeconds == 0 {
		cfg.Polling.IntervalSeconds = 30
	}
	if cfg.Polling.APIRetryDelaySeconds == 0 {
		cfg.Polling.APIRetryDelaySeconds = 10
	}
	if cfg.Polling.APIMaxRetries == 0 {
		cfg.Polling.APIMaxRetries = 3
	}

	if cfg.Cooldowns.StopCooldownMinutes == 0 {
		cfg.Cooldowns.StopCooldownMinutes = 5
	}
	if cfg.Cooldowns.StartGraceMinutes == 0 {
		cfg.Cooldowns.StartGraceMinutes = 3
	}
	if cfg.Cooldowns.FlapWindowMinutes == 0 {
		cfg.Cooldowns.FlapWindowMinutes = 30
	}
	if cfg.Cooldowns.FlapMaxCycles == 0 {
		cfg.Cooldowns.FlapMaxCycles = 3
	}
	if cfg.Cooldowns.FlapBackoffMinutes == 0 {
		cfg.Cooldowns.FlapBackoffMinutes = 10
	}

	if cfg.Webhook.Label == "" {
		cfg.Webhook.Label = "Hibernation Gateway"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "INFO"
	}
	if cfg.Logging.File == "" {
		cfg.Logging.File = "/var/log/slumber/service.log"
	}
	if cfg.Logging.MaxBytes == 0 {
		cfg.Logging.MaxBytes = 10 * 1024 * 1024
	}
	if cfg.Logging.BackupCount == 0 {
		cfg.Logging.BackupCount = 5
	}

	if cfg.Health.Host == "" {
		cfg.Health.Host = "127.0.0.1"
	}
	if cfg.Health.Port == 0 {
		cfg.Health.Port = 8095
	}
	if cfg.Health.AdminAuth.Method == "" {
		cfg.Health.AdminAuth.Method = "none"
	}
}

// resolveDurations converts the *Minutes/*Seconds integer fields into
// time.Duration, which the rest of the system operates on exclusively.
func resolveDurations(cfg *Config) {
	for name, spec := range cfg.Servers {
		spec.IdleTimeout = time.Duration(spec.IdleTimeoutMinutes) * time.Minute
		spec.StartTimeout = time.Duration(spec.StartTimeoutSeconds) * time.Second
		cfg.Servers[name] = spec
	}
	cfg.Cooldowns.StopCooldown = time.Duration(cfg.Cooldowns.StopCooldownMinutes) * time.Minute
	cfg.Cooldowns.StartGrace = time.Duration(cfg.Cooldowns.StartGraceMinutes) * time.Minute
	cfg.Cooldowns.FlapWindow = time.Duration(cfg.Cooldowns.FlapWindowMinutes) * time.Minute
	cfg.Cooldowns.FlapBackoff = time.Duration(cfg.Cooldowns.FlapBackoffMinutes) * time.Minute
}

// Validate checks the loaded configuration for structural and semantic errors.
func (c *Config) Validate() error {
	if c.Controller.BaseURL == "" {
		return fmt.Errorf("crafty.base_url cannot be empty")
	}
	if len(c.Servers) == 0 {
		return fmt.Errorf("at least one server must be defined under 'servers:'")
	}

	switch c.Health.AdminAuth.Method {
	case "", "none":
	case "basic":
		if c.Health.AdminAuth.Username == "" || c.Health.AdminAuth.Password == "" {
			return fmt.Errorf("health.admin_auth: method=basic requires non-empty username and password")
		}
	case "bearer":
		if c.Health.AdminAuth.Token == "" {
			return fmt.Errorf("health.admin_auth: method=bearer requires non-empty token")
		}
	default:
		return fmt.Errorf("health.admin_auth: unknown method %q (allowed: none, basic, bearer)", c.Health.AdminAuth.Method)
	}

	seenPorts := make(map[int]string, len(c.Servers))
	for name, spec := range c.Servers {
		if spec.ControllerServerID == "" {
			return fmt.Errorf("server %q is missing required field 'crafty_server_id'", name)
		}
		if spec.ListenPort == 0 {
			return fmt.Errorf("server %q is missing required field 'listen_port'", name)
		}
		if spec.Edition != EditionJava && spec.Edition != EditionBedrock {
			return fmt.Errorf("server %q: edition must be 'java' or 'bedrock', got %q", name, spec.Edition)
		}
		if other, dup := seenPorts[spec.ListenPort]; dup {
			return fmt.Errorf("server %q and %q both use listen_port %d", name, other, spec.ListenPort)
		}
		seenPorts[spec.ListenPort] = name
	}

	if c.Webhook.Enabled && c.Webhook.URL == "" {
		return fmt.Errorf("webhook.enabled is true but webhook.url is not set")
	}

	return nil
}

// ApplyReload copies the reloadable fields from newCfg onto c in place:
// per-server IdleTimeout/StartTimeout/MOTDHibernating/KickMessage, the
// global CooldownPolicy, and the polling interval. Adding or removing
// servers via reload is rejected — the spec leaves that out of scope.
func (c *Config) ApplyReload(newCfg *Config) error {
	for name := range newCfg.Servers {
		if _, ok := c.Servers[name]; !ok {
			return fmt.Errorf("reload: server %q is new; adding servers via reload is not supported", name)
		}
	}
	for name := range c.Servers {
		if _, ok := newCfg.Servers[name]; !ok {
			return fmt.Errorf("reload: server %q is missing from the new config; removing servers via reload is not supported", name)
		}
	}

	for name, newSpec := range newCfg.Servers {
		spec := c.Servers[name]
		spec.IdleTimeoutMinutes = newSpec.IdleTimeoutMinutes
		spec.IdleTimeout = newSpec.IdleTimeout
		spec.StartTimeoutSeconds = newSpec.StartTimeoutSeconds
		spec.StartTimeout = newSpec.StartTimeout
		spec.MOTDHibernating = newSpec.MOTDHibernating
		spec.KickMessage = newSpec.KickMessage
		c.Servers[name] = spec
	}

	c.Cooldowns = newCfg.Cooldowns
	c.Polling = newCfg.Polling

	slog.Info("configuration reloaded", "servers", len(c.Servers))
	return nil
}

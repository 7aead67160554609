package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values for the console configuration.
const (
	DefaultAPIBaseURL     = "http://localhost:8000/api"
	DefaultStatusEndpoint = "ws://localhost:8000/ws"
	DefaultHTTPPort       = 9090
	DefaultGRPCPort       = 9091
	DefaultLogLevel       = "info"
	DefaultPingInterval   = 30 * time.Second
	DefaultReconnectBase  = 1 * time.Second
	DefaultReconnectMax   = 30 * time.Second
	DefaultMaxAttempts    = 5
	DefaultStatusTTL      = 5 * time.Minute
	DefaultLanguage       = "ko"
	DefaultReconnectDelay = 3 * time.Second
)

// Config is the `console:` section of config.yaml.
type Config struct {
	Console ConsoleConfig `yaml:"console"`
}

// ConsoleConfig holds every console setting.
type ConsoleConfig struct {
	// APIBaseURL is the backend REST root, e.g. http://localhost:8000/api.
	APIBaseURL string `yaml:"api_base_url"`

	// StatusEndpoint is the shared device-status WebSocket, e.g. ws://host/ws.
	StatusEndpoint string `yaml:"status_endpoint"`

	// HTTPPort is where the local read-only API listens.
	HTTPPort int `yaml:"http_port"`

	// GRPCPort serves the grpc.health.v1 service. Zero disables it.
	GRPCPort int `yaml:"grpc_port"`

	// LogLevel is one of debug | info | warn | error.
	LogLevel string `yaml:"log_level"`

	Auth    AuthConfig    `yaml:"auth"`
	Status  StatusConfig  `yaml:"status"`
	Results ResultsConfig `yaml:"results"`
	Alerts  AlertsConfig  `yaml:"alerts"`
}

// AuthConfig names where secrets live. Nothing secret is stored inline.
type AuthConfig struct {
	// TokenEnv names the env var holding the backend access token.
	TokenEnv string `yaml:"token_env"`

	// TokenFile is a persisted credentials file read when TokenEnv is unset
	// or empty.
	TokenFile string `yaml:"token_file"`

	// APIKeyEnv names the env var holding the key that guards /api/ on the
	// local API. Empty disables the check.
	APIKeyEnv string `yaml:"api_key_env"`

	// Header carries the API key; defaults to x-api-key.
	Header string `yaml:"header"`
}

// Token returns the backend access token, or "" when none is configured.
func (a AuthConfig) Token() string {
	if a.TokenEnv != "" {
		if tok := os.Getenv(a.TokenEnv); tok != "" {
			return tok
		}
	}
	if a.TokenFile == "" {
		return ""
	}
	data, err := os.ReadFile(a.TokenFile)
	if err != nil {
		slog.Warn("config: token file unreadable", "path", a.TokenFile, "err", err)
		return ""
	}
	return strings.TrimSpace(string(data))
}

// APIKey returns the local API key resolved from the environment.
func (a AuthConfig) APIKey() string {
	if a.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(a.APIKeyEnv)
}

// EffectiveHeader returns the configured header name, or "x-api-key".
func (a AuthConfig) EffectiveHeader() string {
	if a.Header != "" {
		return a.Header
	}
	return "x-api-key"
}

// StatusConfig controls the shared status subscription.
type StatusConfig struct {
	// Devices are subscribed on startup and kept in sync on reload.
	Devices []int `yaml:"devices"`

	PingInterval  time.Duration `yaml:"ping_interval"`
	ReconnectBase time.Duration `yaml:"reconnect_base"`
	ReconnectMax  time.Duration `yaml:"reconnect_max"`
	MaxAttempts   int           `yaml:"max_attempts"`

	// TTL evicts devices from the status store after this much silence.
	// Must be positive.
	TTL time.Duration `yaml:"ttl"`
}

// ResultsConfig controls the ASR session and its result stream.
type ResultsConfig struct {
	// DeviceID is the device whose session is started on boot. Zero disables
	// the result stream.
	DeviceID   int    `yaml:"device_id"`
	Language   string `yaml:"language"`
	VADEnabled bool   `yaml:"vad_enabled"`

	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	MaxAttempts    int           `yaml:"max_attempts"`
}

// AlertsConfig holds alert rules and webhook delivery targets.
type AlertsConfig struct {
	Rules    []AlertRule     `yaml:"rules"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// AlertRule is one threshold condition over device status fields.
type AlertRule struct {
	// Name is the rule identifier and half of the deduplication key.
	Name string `yaml:"name"`

	// Condition is "field op value", e.g. "battery_level < 20" or
	// "mic_status == stopped".
	Condition string `yaml:"condition"`

	// Severity is one of critical | warning | info.
	Severity string `yaml:"severity"`

	// Cooldown suppresses re-fires; 15m when zero.
	Cooldown time.Duration `yaml:"cooldown"`
}

// WebhookConfig is one delivery target.
type WebhookConfig struct {
	// Type is one of slack | teams | http.
	Type string `yaml:"type"`

	// URLEnv names the env var holding the webhook URL.
	URLEnv string `yaml:"url_env"`
}

// URL returns the webhook URL resolved from the environment.
func (w WebhookConfig) URL() string {
	if w.URLEnv == "" {
		return ""
	}
	return os.Getenv(w.URLEnv)
}

// SlogLevel maps LogLevel onto slog levels. Unknown values mean info.
func (c ConsoleConfig) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Load reads, defaults and validates the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("console config: read %q: %w", path, err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("console config: parse yaml: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("console config: %w", err)
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Console: ConsoleConfig{
			APIBaseURL:     DefaultAPIBaseURL,
			StatusEndpoint: DefaultStatusEndpoint,
			HTTPPort:       DefaultHTTPPort,
			GRPCPort:       DefaultGRPCPort,
			LogLevel:       DefaultLogLevel,
			Status: StatusConfig{
				PingInterval:  DefaultPingInterval,
				ReconnectBase: DefaultReconnectBase,
				ReconnectMax:  DefaultReconnectMax,
				MaxAttempts:   DefaultMaxAttempts,
				TTL:           DefaultStatusTTL,
			},
			Results: ResultsConfig{
				Language:       DefaultLanguage,
				VADEnabled:     true,
				ReconnectDelay: DefaultReconnectDelay,
				MaxAttempts:    DefaultMaxAttempts,
			},
		},
	}
}

func validate(cfg *Config) error {
	c := cfg.Console
	if err := checkURL("console.api_base_url", c.APIBaseURL, "http", "https"); err != nil {
		return err
	}
	if err := checkURL("console.status_endpoint", c.StatusEndpoint, "ws", "wss"); err != nil {
		return err
	}
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("console.http_port %d is out of range [1, 65535]", c.HTTPPort)
	}
	if c.GRPCPort < 0 || c.GRPCPort > 65535 || c.GRPCPort == c.HTTPPort {
		return fmt.Errorf("console.grpc_port %d must be 0 (disabled) or a free port in [1, 65535]", c.GRPCPort)
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("console.log_level %q unknown: want debug|info|warn|error", c.LogLevel)
	}

	seen := make(map[int]bool, len(c.Status.Devices))
	for _, id := range c.Status.Devices {
		if id <= 0 {
			return fmt.Errorf("console.status.devices: id %d must be positive", id)
		}
		if seen[id] {
			return fmt.Errorf("console.status.devices: duplicate id %d", id)
		}
		seen[id] = true
	}
	if c.Status.PingInterval <= 0 {
		return fmt.Errorf("console.status.ping_interval must be positive")
	}
	if c.Status.ReconnectBase <= 0 || c.Status.ReconnectMax < c.Status.ReconnectBase {
		return fmt.Errorf("console.status: reconnect_base must be positive and not above reconnect_max")
	}
	if c.Status.MaxAttempts < 1 {
		return fmt.Errorf("console.status.max_attempts must be at least 1")
	}
	if c.Status.TTL <= 0 {
		return fmt.Errorf("console.status.ttl must be positive")
	}

	if c.Results.DeviceID < 0 {
		return fmt.Errorf("console.results.device_id must not be negative")
	}
	if c.Results.ReconnectDelay <= 0 {
		return fmt.Errorf("console.results.reconnect_delay must be positive")
	}
	if c.Results.MaxAttempts < 1 {
		return fmt.Errorf("console.results.max_attempts must be at least 1")
	}

	for i, r := range c.Alerts.Rules {
		if r.Name == "" || r.Condition == "" {
			return fmt.Errorf("console.alerts.rules[%d]: name and condition are required", i)
		}
		switch r.Severity {
		case "critical", "warning", "info", "":
		default:
			return fmt.Errorf("console.alerts.rules[%d].severity %q unknown: want critical|warning|info", i, r.Severity)
		}
	}
	for i, w := range c.Alerts.Webhooks {
		switch w.Type {
		case "slack", "teams", "http":
		default:
			return fmt.Errorf("console.alerts.webhooks[%d].type %q unknown: want slack|teams|http", i, w.Type)
		}
	}
	return nil
}

func checkURL(key, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%s %q: want a %s URL", key, raw, strings.Join(schemes, "/"))
}

// DeviceDelta compares two subscription lists and returns the ids to add and
// remove, each in the order they appear.
func DeviceDelta(prev, next []int) (add, remove []int) {
	old := make(map[int]bool, len(prev))
	for _, id := range prev {
		old[id] = true
	}
	cur := make(map[int]bool, len(next))
	for _, id := range next {
		cur[id] = true
		if !old[id] {
			add = append(add, id)
		}
	}
	for _, id := range prev {
		if !cur[id] {
			remove = append(remove, id)
		}
	}
	return add, remove
}

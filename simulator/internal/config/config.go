// Package config loads the simulator section of config.yaml.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values applied when fields are absent from the config file.
const (
	DefaultHTTPPort       = 8000
	DefaultStatusInterval = 2 * time.Second
	DefaultResultInterval = 5 * time.Second
	DefaultEmergencyEvery = 10
)

// Config is the top-level configuration. The `console:` key is ignored.
type Config struct {
	Simulator SimulatorConfig `yaml:"simulator"`
}

// SimulatorConfig holds all devicesim settings.
type SimulatorConfig struct {
	// HTTPPort serves /ws, /ws/asr/{session} and /api/asr/devices/*.
	HTTPPort int `yaml:"http_port"`

	// PublicURL is the ws:// base advertised in session ws_url fields.
	// Defaults to ws://localhost:<http_port>.
	PublicURL string `yaml:"public_url"`

	// StatusInterval is how often every device emits a telemetry frame.
	StatusInterval time.Duration `yaml:"status_interval"`

	// ResultInterval is how often each active ASR session emits a result.
	ResultInterval time.Duration `yaml:"result_interval"`

	// EmergencyEvery marks every Nth result of a session as an emergency.
	// Zero disables emergencies.
	EmergencyEvery int `yaml:"emergency_every"`

	// Devices are the simulated devices. Defaults to a single device 1.
	Devices []Device `yaml:"devices"`
}

// Device is one simulated device.
type Device struct {
	ID   int    `yaml:"id"`
	Name string `yaml:"name"`
}

// Load reads, defaults and validates the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("simulator config: read %q: %w", path, err)
	}

	cfg := &Config{Simulator: SimulatorConfig{
		HTTPPort:       DefaultHTTPPort,
		StatusInterval: DefaultStatusInterval,
		ResultInterval: DefaultResultInterval,
		EmergencyEvery: DefaultEmergencyEvery,
	}}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("simulator config: parse yaml: %w", err)
	}
	applyDefaults(&cfg.Simulator)

	if err := validate(cfg.Simulator); err != nil {
		return nil, fmt.Errorf("simulator config: %w", err)
	}
	return cfg, nil
}

func applyDefaults(s *SimulatorConfig) {
	if len(s.Devices) == 0 {
		s.Devices = []Device{{ID: 1}}
	}
	for i := range s.Devices {
		if s.Devices[i].Name == "" {
			s.Devices[i].Name = fmt.Sprintf("device-%d", s.Devices[i].ID)
		}
	}
	if s.PublicURL == "" {
		s.PublicURL = fmt.Sprintf("ws://localhost:%d", s.HTTPPort)
	}
	s.PublicURL = strings.TrimRight(s.PublicURL, "/")
}

func validate(s SimulatorConfig) error {
	if s.HTTPPort < 1 || s.HTTPPort > 65535 {
		return fmt.Errorf("simulator.http_port %d out of range [1, 65535]", s.HTTPPort)
	}
	u, err := url.Parse(s.PublicURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return fmt.Errorf("simulator.public_url %q must be a ws:// or wss:// URL", s.PublicURL)
	}
	if s.StatusInterval <= 0 {
		return fmt.Errorf("simulator.status_interval must be positive")
	}
	if s.ResultInterval <= 0 {
		return fmt.Errorf("simulator.result_interval must be positive")
	}
	if s.EmergencyEvery < 0 {
		return fmt.Errorf("simulator.emergency_every must not be negative")
	}
	seen := make(map[int]bool, len(s.Devices))
	for i, d := range s.Devices {
		if d.ID <= 0 {
			return fmt.Errorf("simulator.devices[%d]: id must be positive", i)
		}
		if seen[d.ID] {
			return fmt.Errorf("simulator.devices[%d]: duplicate id %d", i, d.ID)
		}
		seen[d.ID] = true
	}
	return nil
}

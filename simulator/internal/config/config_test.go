package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// --- helpers ---

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

// --- tests ---

func TestLoad_Valid(t *testing.T) {
	path := writeConfig(t, `
console:
  http_port: 9090
simulator:
  http_port: 8100
  public_url: wss://sim.example.com/
  status_interval: 500ms
  result_interval: 1s
  emergency_every: 3
  devices:
    - id: 4
      name: lobby
    - id: 9
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	s := cfg.Simulator
	if s.HTTPPort != 8100 {
		t.Errorf("http_port: got %d", s.HTTPPort)
	}
	if s.PublicURL != "wss://sim.example.com" {
		t.Errorf("public_url: got %q", s.PublicURL)
	}
	if s.StatusInterval != 500*time.Millisecond || s.ResultInterval != time.Second {
		t.Errorf("intervals: got %v / %v", s.StatusInterval, s.ResultInterval)
	}
	if s.EmergencyEvery != 3 {
		t.Errorf("emergency_every: got %d", s.EmergencyEvery)
	}
	if len(s.Devices) != 2 || s.Devices[0].Name != "lobby" || s.Devices[1].Name != "device-9" {
		t.Errorf("devices: got %+v", s.Devices)
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "simulator: {}\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	s := cfg.Simulator
	if s.HTTPPort != DefaultHTTPPort {
		t.Errorf("http_port: got %d", s.HTTPPort)
	}
	if s.PublicURL != "ws://localhost:8000" {
		t.Errorf("public_url: got %q", s.PublicURL)
	}
	if s.StatusInterval != DefaultStatusInterval {
		t.Errorf("status_interval: got %v", s.StatusInterval)
	}
	if len(s.Devices) != 1 || s.Devices[0].ID != 1 || s.Devices[0].Name != "device-1" {
		t.Errorf("devices: got %+v", s.Devices)
	}
}

func TestLoad_Invalid(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"bad port", "simulator:\n  http_port: 0\n"},
		{"bad public url", "simulator:\n  public_url: http://localhost:8000\n"},
		{"zero interval", "simulator:\n  status_interval: 0s\n"},
		{"negative emergency", "simulator:\n  emergency_every: -1\n"},
		{"zero id", "simulator:\n  devices:\n    - id: 0\n"},
		{"duplicate id", "simulator:\n  devices:\n    - id: 2\n    - id: 2\n"},
		{"bad yaml", "simulator: [\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tc.yaml)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoad_ExampleFile(t *testing.T) {
	cfg, err := Load("../../../config.example.yaml")
	if err != nil {
		t.Fatalf("config.example.yaml does not load: %v", err)
	}
	if len(cfg.Simulator.Devices) != 2 {
		t.Errorf("devices: got %+v", cfg.Simulator.Devices)
	}
}

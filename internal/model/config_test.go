package model

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, "coil_host: 192.168.2.99\n")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.CoilHost != "192.168.2.99" {
		t.Errorf("coil host = %q, want file value", cfg.CoilHost)
	}
	if cfg.SolenoidHost != "127.0.0.1" {
		t.Errorf("solenoid host default = %q", cfg.SolenoidHost)
	}
	if cfg.Channels.Current != 1200 || cfg.Channels.SolenoidStatus != 2391 {
		t.Errorf("channel defaults = %+v", cfg.Channels)
	}
	if cfg.BufferSize != 100 {
		t.Errorf("buffer size default = %d", cfg.BufferSize)
	}
	if cfg.Reliability.MaxRetries != 3 || cfg.Reliability.TimeoutMs != 1000 {
		t.Errorf("reliability defaults = %+v", cfg.Reliability)
	}
	if cfg.Filter.Window != 7 || cfg.Filter.Order != 2 {
		t.Errorf("filter defaults = %+v", cfg.Filter)
	}
	if cfg.PID.PeriodMs != 100 {
		t.Errorf("pid period default = %d", cfg.PID.PeriodMs)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	path := writeConfig(t, `
listen_host: 127.0.0.1
buffer_size: 250
channels:
  current: 3200
reliability:
  max_retries: 5
  backoff_base_ms: 50
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.BufferSize != 250 {
		t.Errorf("buffer size = %d, want 250", cfg.BufferSize)
	}
	if cfg.Channels.Current != 3200 {
		t.Errorf("current port = %d, want 3200", cfg.Channels.Current)
	}
	if cfg.Channels.Command != 1300 {
		t.Errorf("command port = %d, want default 1300", cfg.Channels.Command)
	}
	if cfg.Reliability.MaxRetries != 5 || cfg.Reliability.BackoffBaseMs != 50 {
		t.Errorf("reliability = %+v", cfg.Reliability)
	}
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"even filter window", "filter: {window: 4, order: 2}\n"},
		{"window not above order", "filter: {window: 3, order: 3}\n"},
		{"inverted pid bounds", "pid: {kp: 1, out_min: 10, out_max: 5}\n"},
		{"negative buffer", "buffer_size: -1\n"},
		{"port collision", "channels: {current: 1300}\n"},
		{"port out of range", "channels: {pressure: 70000}\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, tc.body)
			if _, err := LoadConfig(path); err == nil {
				t.Fatalf("LoadConfig accepted %q", tc.body)
			}
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yml")); err == nil {
		t.Fatal("LoadConfig accepted a missing file")
	}
}

func TestLoadConfigBadYAML(t *testing.T) {
	path := writeConfig(t, "channels: [not, a, map\n")
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("LoadConfig accepted malformed YAML")
	}
}

func TestDefaultConfigValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

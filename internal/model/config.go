// Package model defines shared configuration structures used to initialize the fieldrig system.
// It includes host addresses, channel ports, and per-component tuning.
package model

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the root structure loaded from a YAML config file.
type Config struct {
	CoilHost        string            `yaml:"coil_host"`
	SolenoidHost    string            `yaml:"solenoid_host"`
	ListenHost      string            `yaml:"listen_host"`
	Channels        ChannelConfig     `yaml:"channels"`
	SocketTimeoutMs int               `yaml:"socket_timeout_ms"`
	BufferSize      int               `yaml:"buffer_size"`
	Reliability     ReliabilityConfig `yaml:"reliability"`
	PID             PIDConfig         `yaml:"pid"`
	Filter          FilterConfig      `yaml:"filter"`
	Waveform        WaveformConfig    `yaml:"waveform"`
	Monitor         MonitorConfig     `yaml:"monitor"`
	History         HistoryConfig     `yaml:"history"`
}

// ChannelConfig holds the UDP port of every rig channel.
type ChannelConfig struct {
	Current         int `yaml:"current"`          // node -> PC, coil current samples
	Command         int `yaml:"command"`          // PC -> node, coil commands
	Waveform        int `yaml:"waveform"`         // PC -> node, drive waveform upload
	Temperature     int `yaml:"temperature"`      // node -> PC
	Pressure        int `yaml:"pressure"`         // node -> PC
	SolenoidCommand int `yaml:"solenoid_command"` // PC -> node, valve commands
	SolenoidStatus  int `yaml:"solenoid_status"`  // node -> PC, "value,OPEN|CLOSED"
}

// ReliabilityConfig tunes the command retry and health tracking behavior.
type ReliabilityConfig struct {
	TimeoutMs     int `yaml:"timeout_ms"`      // per-attempt ack wait
	MaxRetries    int `yaml:"max_retries"`     // retransmissions after the initial send
	BackoffBaseMs int `yaml:"backoff_base_ms"` // delay base, doubled per attempt
	BackoffCapMs  int `yaml:"backoff_cap_ms"`  // backoff ceiling
	LostThreshold int `yaml:"lost_threshold"`  // consecutive timeouts before Lost
}

// PIDConfig tunes the coil current regulation loop.
type PIDConfig struct {
	Kp            float64 `yaml:"kp"`
	Ki            float64 `yaml:"ki"`
	Kd            float64 `yaml:"kd"`
	Setpoint      float64 `yaml:"setpoint"`
	OutMin        float64 `yaml:"out_min"`
	OutMax        float64 `yaml:"out_max"`
	IntegralLimit float64 `yaml:"integral_limit"`
	PeriodMs      int     `yaml:"period_ms"`
}

// FilterConfig tunes the smoothing filter applied to telemetry views.
type FilterConfig struct {
	Window int `yaml:"window"` // must be odd and greater than Order
	Order  int `yaml:"order"`
}

// WaveformConfig bounds waveform uploads to the coil node.
type WaveformConfig struct {
	Points      int `yaml:"points"`       // node point budget per upload
	TimescaleMs int `yaml:"timescale_ms"` // full waveform duration
}

// MonitorConfig configures the HTTP/WebSocket monitor. Empty Addr disables it.
type MonitorConfig struct {
	Addr string `yaml:"addr"`
}

// HistoryConfig configures the command history store. Empty Path disables it.
type HistoryConfig struct {
	Path string `yaml:"path"`
}

// DefaultConfig returns the bench defaults used when no file overrides them.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// LoadConfig reads a YAML file, fills defaults and validates the result.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.CoilHost == "" {
		c.CoilHost = "127.0.0.1"
	}
	if c.SolenoidHost == "" {
		c.SolenoidHost = "127.0.0.1"
	}
	if c.ListenHost == "" {
		c.ListenHost = "0.0.0.0"
	}
	if c.Channels.Current == 0 {
		c.Channels.Current = 1200
	}
	if c.Channels.Command == 0 {
		c.Channels.Command = 1300
	}
	if c.Channels.Waveform == 0 {
		c.Channels.Waveform = 1400
	}
	if c.Channels.Temperature == 0 {
		c.Channels.Temperature = 1500
	}
	if c.Channels.Pressure == 0 {
		c.Channels.Pressure = 1600
	}
	if c.Channels.SolenoidCommand == 0 {
		c.Channels.SolenoidCommand = 2390
	}
	if c.Channels.SolenoidStatus == 0 {
		c.Channels.SolenoidStatus = 2391
	}
	if c.SocketTimeoutMs == 0 {
		c.SocketTimeoutMs = 1000
	}
	if c.BufferSize == 0 {
		c.BufferSize = 100
	}
	if c.Reliability.TimeoutMs == 0 {
		c.Reliability.TimeoutMs = 1000
	}
	if c.Reliability.MaxRetries == 0 {
		c.Reliability.MaxRetries = 3
	}
	if c.Reliability.BackoffBaseMs == 0 {
		c.Reliability.BackoffBaseMs = 200
	}
	if c.Reliability.BackoffCapMs == 0 {
		c.Reliability.BackoffCapMs = 5000
	}
	if c.Reliability.LostThreshold == 0 {
		c.Reliability.LostThreshold = 5
	}
	if c.PID.Kp == 0 && c.PID.Ki == 0 && c.PID.Kd == 0 {
		c.PID.Kp = 2.0
		c.PID.Ki = 0.1
		c.PID.Kd = 0.05
	}
	if c.PID.OutMax == 0 {
		c.PID.OutMax = 100
	}
	if c.PID.IntegralLimit == 0 {
		c.PID.IntegralLimit = 50
	}
	if c.PID.PeriodMs == 0 {
		c.PID.PeriodMs = 100
	}
	if c.Filter.Window == 0 {
		c.Filter.Window = 7
	}
	if c.Filter.Order == 0 {
		c.Filter.Order = 2
	}
	if c.Waveform.Points == 0 {
		c.Waveform.Points = 100
	}
	if c.Waveform.TimescaleMs == 0 {
		c.Waveform.TimescaleMs = 3000
	}
}

// Validate rejects configurations the session cannot safely run with.
func (c *Config) Validate() error {
	if c.BufferSize <= 0 {
		return fmt.Errorf("buffer_size must be positive, got %d", c.BufferSize)
	}
	if c.SocketTimeoutMs <= 0 {
		return fmt.Errorf("socket_timeout_ms must be positive, got %d", c.SocketTimeoutMs)
	}
	if c.Reliability.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative, got %d", c.Reliability.MaxRetries)
	}
	if c.Reliability.TimeoutMs <= 0 || c.Reliability.BackoffBaseMs <= 0 {
		return fmt.Errorf("reliability timeout_ms and backoff_base_ms must be positive")
	}
	if c.Reliability.LostThreshold <= 0 {
		return fmt.Errorf("lost_threshold must be positive, got %d", c.Reliability.LostThreshold)
	}
	if c.Filter.Window%2 == 0 || c.Filter.Window <= c.Filter.Order || c.Filter.Order < 0 {
		return fmt.Errorf("filter window %d must be odd and greater than order %d", c.Filter.Window, c.Filter.Order)
	}
	if c.PID.OutMin >= c.PID.OutMax {
		return fmt.Errorf("pid out_min %.2f must be below out_max %.2f", c.PID.OutMin, c.PID.OutMax)
	}
	if c.PID.PeriodMs <= 0 {
		return fmt.Errorf("pid period_ms must be positive, got %d", c.PID.PeriodMs)
	}
	if c.Waveform.Points <= 0 || c.Waveform.TimescaleMs <= 0 {
		return fmt.Errorf("waveform points and timescale_ms must be positive")
	}
	ports := map[int]string{}
	for _, ch := range []struct {
		name string
		port int
	}{
		{"current", c.Channels.Current},
		{"command", c.Channels.Command},
		{"waveform", c.Channels.Waveform},
		{"temperature", c.Channels.Temperature},
		{"pressure", c.Channels.Pressure},
		{"solenoid_command", c.Channels.SolenoidCommand},
		{"solenoid_status", c.Channels.SolenoidStatus},
	} {
		if ch.port <= 0 || ch.port > 65535 {
			return fmt.Errorf("channel %s port %d out of range", ch.name, ch.port)
		}
		if other, dup := ports[ch.port]; dup {
			return fmt.Errorf("channel %s reuses port %d of channel %s", ch.name, ch.port, other)
		}
		ports[ch.port] = ch.name
	}
	return nil
}

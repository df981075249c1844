// Copyright (C) 2024  wwhai
//
// This program is free software; you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License along
// with this program; if not, see <https://www.gnu.org/licenses/>.

package tinybms

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// SerialConfig describes the serial link to the BMS.
type SerialConfig struct {
	Port      string `yaml:"port"`
	BaudRate  int    `yaml:"baud_rate"`
	DataBits  int    `yaml:"data_bits"`
	StopBits  int    `yaml:"stop_bits"`
	Parity    string `yaml:"parity"`
	TimeoutMs int    `yaml:"timeout_ms"` // per-exchange response deadline
}

// Timeout returns the exchange deadline as a duration.
func (s SerialConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutMs) * time.Millisecond
}

// PollConfig describes the telemetry poll cycle.
type PollConfig struct {
	IntervalMs int      `yaml:"interval_ms"`
	Keys       []string `yaml:"keys"` // empty polls the whole catalog
}

// Interval returns the poll period as a duration.
func (p PollConfig) Interval() time.Duration {
	return time.Duration(p.IntervalMs) * time.Millisecond
}

// LogFileConfig describes optional log rotation.
type LogFileConfig struct {
	Filename   string `yaml:"filename"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// LoggingConfig describes gateway logging.
type LoggingConfig struct {
	Level  string        `yaml:"level"`
	Format string        `yaml:"format"` // console or json
	File   LogFileConfig `yaml:"file"`
}

// MetricsConfig describes the prometheus endpoint. An empty listen
// address disables it.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// RegisterMapConfig points at an optional CSV register map overriding
// the built-in catalog.
type RegisterMapConfig struct {
	CSVPath string `yaml:"csv_path"`
}

// Config is the gateway daemon configuration.
type Config struct {
	Serial    SerialConfig      `yaml:"serial"`
	Poll      PollConfig        `yaml:"poll"`
	Logging   LoggingConfig     `yaml:"logging"`
	Metrics   MetricsConfig     `yaml:"metrics"`
	Registers RegisterMapConfig `yaml:"registers"`
}

// LoadConfig reads, defaults and validates a YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tinybms: reading config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("tinybms: parsing config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Serial.BaudRate == 0 {
		c.Serial.BaudRate = 115200
	}
	if c.Serial.DataBits == 0 {
		c.Serial.DataBits = 8
	}
	if c.Serial.StopBits == 0 {
		c.Serial.StopBits = 1
	}
	if c.Serial.Parity == "" {
		c.Serial.Parity = "N"
	}
	if c.Serial.TimeoutMs == 0 {
		c.Serial.TimeoutMs = 100
	}
	if c.Poll.IntervalMs == 0 {
		c.Poll.IntervalMs = 1000
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
}

// Validate checks the configuration for values the gateway cannot run
// with.
func (c *Config) Validate() error {
	if c.Serial.Port == "" {
		return fmt.Errorf("tinybms: config: serial.port is required")
	}
	switch c.Serial.Parity {
	case "N", "E", "O":
	default:
		return fmt.Errorf("tinybms: config: serial.parity must be N, E or O, got %q", c.Serial.Parity)
	}
	if c.Serial.DataBits < 5 || c.Serial.DataBits > 8 {
		return fmt.Errorf("tinybms: config: serial.data_bits must be 5-8, got %d", c.Serial.DataBits)
	}
	if c.Serial.StopBits < 1 || c.Serial.StopBits > 2 {
		return fmt.Errorf("tinybms: config: serial.stop_bits must be 1 or 2, got %d", c.Serial.StopBits)
	}
	if c.Serial.TimeoutMs < 0 {
		return fmt.Errorf("tinybms: config: serial.timeout_ms cannot be negative")
	}
	if c.Poll.IntervalMs <= 0 {
		return fmt.Errorf("tinybms: config: poll.interval_ms must be positive")
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("tinybms: config: logging.format must be console or json, got %q", c.Logging.Format)
	}
	return nil
}

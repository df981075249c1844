package tinybms

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
serial:
  port: /dev/ttyUSB0
  baud_rate: 9600
  timeout_ms: 250
poll:
  interval_ms: 2000
  keys: [pack_voltage, state_of_charge]
logging:
  level: debug
  format: json
metrics:
  listen: :9464
registers:
  csv_path: /etc/tinybms/registers.csv
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Serial.Port != "/dev/ttyUSB0" || cfg.Serial.BaudRate != 9600 {
		t.Errorf("serial section parsed wrong: %+v", cfg.Serial)
	}
	if cfg.Serial.Timeout() != 250*time.Millisecond {
		t.Errorf("Timeout() = %v, expected 250ms", cfg.Serial.Timeout())
	}
	// Defaults fill what the file leaves out.
	if cfg.Serial.DataBits != 8 || cfg.Serial.StopBits != 1 || cfg.Serial.Parity != "N" {
		t.Errorf("serial defaults not applied: %+v", cfg.Serial)
	}
	if cfg.Poll.Interval() != 2*time.Second || len(cfg.Poll.Keys) != 2 {
		t.Errorf("poll section parsed wrong: %+v", cfg.Poll)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("logging section parsed wrong: %+v", cfg.Logging)
	}
	if cfg.Metrics.Listen != ":9464" {
		t.Errorf("metrics listen = %q", cfg.Metrics.Listen)
	}
	if cfg.Registers.CSVPath != "/etc/tinybms/registers.csv" {
		t.Errorf("registers csv_path = %q", cfg.Registers.CSVPath)
	}
}

func TestLoadConfigMinimal(t *testing.T) {
	path := writeConfig(t, "serial:\n  port: /dev/ttyACM0\n")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Serial.BaudRate != 115200 {
		t.Errorf("default baud = %d, expected 115200", cfg.Serial.BaudRate)
	}
	if cfg.Serial.Timeout() != 100*time.Millisecond {
		t.Errorf("default timeout = %v, expected 100ms", cfg.Serial.Timeout())
	}
	if cfg.Poll.Interval() != time.Second {
		t.Errorf("default interval = %v, expected 1s", cfg.Poll.Interval())
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "console" {
		t.Errorf("logging defaults not applied: %+v", cfg.Logging)
	}
}

func TestLoadConfigRejections(t *testing.T) {
	testCases := []struct {
		name string
		data string
	}{
		{name: "missing port", data: "poll:\n  interval_ms: 500\n"},
		{name: "bad parity", data: "serial:\n  port: /dev/ttyUSB0\n  parity: X\n"},
		{name: "bad data bits", data: "serial:\n  port: /dev/ttyUSB0\n  data_bits: 9\n"},
		{name: "bad stop bits", data: "serial:\n  port: /dev/ttyUSB0\n  stop_bits: 3\n"},
		{name: "negative timeout", data: "serial:\n  port: /dev/ttyUSB0\n  timeout_ms: -1\n"},
		{name: "negative interval", data: "serial:\n  port: /dev/ttyUSB0\npoll:\n  interval_ms: -5\n"},
		{name: "bad log format", data: "serial:\n  port: /dev/ttyUSB0\nlogging:\n  format: xml\n"},
		{name: "not yaml", data: "{{{"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, tc.data)
			if _, err := LoadConfig(path); err == nil {
				t.Error("invalid config accepted")
			}
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("missing file accepted")
	}
}

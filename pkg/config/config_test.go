package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/marmos91/fedcore/pkg/fedtime"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaultsWhenNoFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Name != DefaultName || cfg.CoreType != DefaultCoreType {
		t.Errorf("defaults = %+v", cfg)
	}
	if cfg.Timeout != DefaultTimeout {
		t.Errorf("timeout = %v", cfg.Timeout)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
name: broker-a
core_type: inproc
listen: inproc://broker-a
timeout: 5s
min_delta: 0.001s
logging:
  level: DEBUG
  format: json
  output: stderr
metrics:
  enabled: true
  port: 9191
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Name != "broker-a" || cfg.CoreType != "inproc" {
		t.Errorf("core fields = %+v", cfg)
	}
	if cfg.Timeout != 5*time.Second {
		t.Errorf("timeout = %v", cfg.Timeout)
	}
	if cfg.MinDelta != fedtime.FromSeconds(0.001) {
		t.Errorf("min_delta = %v", cfg.MinDelta)
	}
	if cfg.Logging.Level != "DEBUG" || cfg.Logging.Format != "json" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.Port != 9191 {
		t.Errorf("metrics = %+v", cfg.Metrics)
	}
	// Omitted sections fall back to defaults.
	if cfg.ShutdownTimeout != DefaultShutdownTimeout || cfg.API.Port != DefaultAPIPort {
		t.Errorf("defaults not applied: %+v", cfg)
	}
}

func TestValidationRejectsBadCoreType(t *testing.T) {
	path := writeConfig(t, `
name: x
core_type: carrier-pigeon
timeout: 5s
`)
	if _, err := Load(path); err == nil {
		t.Fatal("invalid core_type should fail validation")
	}
}

func TestValidationRequiresListenWithBroker(t *testing.T) {
	cfg := Default()
	cfg.Broker = "tcp://parent:9500"
	cfg.Listen = ""
	if err := Validate(cfg); err == nil {
		t.Fatal("child core without listen endpoint should fail validation")
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("FEDCORE_LOGGING_LEVEL", "ERROR")
	path := writeConfig(t, `
name: x
core_type: tcp
timeout: 5s
logging:
  level: INFO
  format: text
  output: stdout
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Logging.Level != "ERROR" {
		t.Errorf("env override ignored: level = %q", cfg.Logging.Level)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Name = "saved"
	path := filepath.Join(t.TempDir(), "out", "config.yaml")
	if err := Save(cfg, path); err != nil {
		t.Fatal(err)
	}
	back, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if back.Name != "saved" {
		t.Errorf("round trip name = %q", back.Name)
	}
}

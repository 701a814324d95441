package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
log_level: debug
mqtt:
  broker_url: tcp://localhost:1883
  topics: ["machine/+/data", "machine/+/telemetry"]
auth:
  secret: `+testSecret+`
ingest:
  batch_max: 100
  batch_linger: 100ms
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log_level: %s", cfg.LogLevel)
	}
	if len(cfg.MQTT.Topics) != 2 {
		t.Fatalf("topics: %v", cfg.MQTT.Topics)
	}
	if cfg.Ingest.BatchMax != 100 || cfg.Ingest.BatchLinger != 100*time.Millisecond {
		t.Fatalf("batch settings: %d %v", cfg.Ingest.BatchMax, cfg.Ingest.BatchLinger)
	}
	// untouched options keep their defaults
	if cfg.Ingest.BufferCapacity != 10000 {
		t.Fatalf("buffer capacity default: %d", cfg.Ingest.BufferCapacity)
	}
	if cfg.Analysis.ZThreshold != 2.5 {
		t.Fatalf("z threshold default: %f", cfg.Analysis.ZThreshold)
	}
}

func TestLoadJSON(t *testing.T) {
	path := writeConfig(t, "config.json", `{
  "mqtt": {"broker_url": "tcp://broker:1883"},
  "auth": {"secret": "`+testSecret+`"}
}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MQTT.BrokerURL != "tcp://broker:1883" {
		t.Fatalf("broker: %s", cfg.MQTT.BrokerURL)
	}
}

func TestMissingBrokerFails(t *testing.T) {
	path := writeConfig(t, "config.yaml", "auth:\n  secret: "+testSecret+"\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for missing broker url")
	}
}

func TestShortSecretFails(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
mqtt:
  broker_url: tcp://localhost:1883
auth:
  secret: tooshort
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for short secret")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DIAGNET_MQTT_BROKER_URL", "tcp://env:1883")
	t.Setenv("DIAGNET_AUTH_SECRET", testSecret)
	t.Setenv("DIAGNET_RETENTION_DAYS", "30")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MQTT.BrokerURL != "tcp://env:1883" {
		t.Fatalf("broker: %s", cfg.MQTT.BrokerURL)
	}
	if cfg.Retention.Days != 30 {
		t.Fatalf("retention: %d", cfg.Retention.Days)
	}
}

func TestBadKafkaConfigFails(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
mqtt:
  broker_url: tcp://localhost:1883
auth:
  secret: `+testSecret+`
ingest:
  kafka:
    enabled: true
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for incomplete kafka config")
	}
}

func TestManager(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
mqtt:
  broker_url: tcp://localhost:1883
auth:
  secret: `+testSecret+`
`)
	m, err := NewManager(path)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	if m.Path() != path {
		t.Fatalf("path: %s", m.Path())
	}
	if got := m.Get().MQTT.BrokerURL; got != "tcp://localhost:1883" {
		t.Fatalf("broker url: %s", got)
	}

	static := NewStaticManager(&Config{LogLevel: "debug"})
	cfg := static.Get()
	if cfg.LogLevel != "debug" {
		t.Fatalf("log level: %s", cfg.LogLevel)
	}
	if cfg.Ingest.BufferCapacity != 10000 {
		t.Fatalf("static manager skipped defaults: %d", cfg.Ingest.BufferCapacity)
	}
}

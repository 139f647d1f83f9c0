package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "iqcast.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeFile(t, `
network:
  destination: 10.0.0.2:9090
  block_size: 1024
  compress_min_bytes: 4096
mqtt:
  broker: tcp://broker:1883
  command_topic: iqcast/cmd
source:
  type: airspyhf
  initial: freq=7100000,srate=384000
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Network.Destination != "10.0.0.2:9090" || cfg.Network.BlockSize != 1024 {
		t.Errorf("network config = %+v, want destination and block size from file", cfg.Network)
	}
	if cfg.MQTT.Broker != "tcp://broker:1883" {
		t.Errorf("mqtt broker = %q, want value from file", cfg.MQTT.Broker)
	}
	if cfg.Source.Type != "airspyhf" {
		t.Errorf("source type = %q, want airspyhf", cfg.Source.Type)
	}
	// Untouched sections keep their defaults.
	if cfg.Export.Output != "none" {
		t.Errorf("export output = %q, want default none", cfg.Export.Output)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeFile(t, "network:\n  desination: 10.0.0.2:9090\n")
	if _, err := Load(path); err == nil {
		t.Error("Load accepted a misspelled key")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Load succeeded on a missing file")
	}
}

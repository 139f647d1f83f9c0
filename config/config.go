// Package config loads the optional daemon configuration file. Flags
// take precedence; the file exists so deployments do not need long
// command lines for broker credentials and TLS material.
package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Network NetworkConfig `yaml:"network"`
	MQTT    MQTTConfig    `yaml:"mqtt"`
	Source  SourceConfig  `yaml:"source"`
	Status  StatusConfig  `yaml:"status"`
	Export  ExportConfig  `yaml:"export"`
}

// NetworkConfig fixes the session transport parameters. They are not
// renegotiated mid-session.
type NetworkConfig struct {
	// Destination is the receiver's address, host:port.
	Destination string `yaml:"destination"`
	// BlockSize is the UDP payload size in bytes.
	BlockSize int `yaml:"block_size"`
	// CompressMinBytes enables compression for frames of at least this
	// many payload bytes; 0 disables compression.
	CompressMinBytes int `yaml:"compress_min_bytes"`
}

type MQTTConfig struct {
	Broker       string `yaml:"broker"`
	CommandTopic string `yaml:"command_topic"`
	ReplyTopic   string `yaml:"reply_topic"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	CACert       string `yaml:"ca_cert"`
	ClientCert   string `yaml:"client_cert"`
	ClientKey    string `yaml:"client_key"`
}

type SourceConfig struct {
	// Type selects the capture backend (airspy, airspyhf).
	Type string `yaml:"type"`
	// Initial is a key=value list applied before capture starts.
	Initial string `yaml:"initial"`
}

type StatusConfig struct {
	Listen string `yaml:"listen"`
}

type ExportConfig struct {
	// Output selects the session event store (none, csv, sqlite, mysql).
	Output     string `yaml:"output"`
	SQLiteFile string `yaml:"sqlite_file"`
	MySQL      struct {
		Server       string `yaml:"server"`
		User         string `yaml:"user"`
		PasswordFile string `yaml:"password_file"`
		DBName       string `yaml:"db_name"`
	} `yaml:"mysql"`
}

// Default returns the built-in configuration used when no file is
// given.
func Default() Config {
	return Config{
		Network: NetworkConfig{
			Destination: "127.0.0.1:9090",
			BlockSize:   1472,
		},
		Source: SourceConfig{Type: "airspy"},
		Export: ExportConfig{Output: "none", SQLiteFile: "/tmp/iqcast.db"},
	}
}

// Load reads path into the defaults. Unknown keys are rejected so
// typos surface at startup rather than as silently missing settings.
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("unable to read config file %q: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("unable to parse config file %q: %w", path, err)
	}
	return cfg, nil
}

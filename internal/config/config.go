// Package config loads the hvbus configuration: defaults, then an optional
// YAML file, then environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/oriys/hvbus/internal/protocol"
)

// BusConfig holds connection-layer settings.
type BusConfig struct {
	// MaxVersion caps protocol negotiation, e.g. "5.2". Empty means no
	// cap. Exists for testing against older host behavior.
	MaxVersion string `yaml:"max_version"`
	// ConnectVP is the virtual processor targeted by connection-wide
	// host messages.
	ConnectVP uint32 `yaml:"connect_vp"`
}

// LogConfig holds operational logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds Prometheus exposition settings.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Addr      string `yaml:"addr"`
	Namespace string `yaml:"namespace"`
}

// EmulatorConfig holds the host emulator daemon settings.
type EmulatorConfig struct {
	// UseVsock selects an AF_VSOCK listener; otherwise Addr is a TCP
	// address for development outside a VM.
	UseVsock bool   `yaml:"use_vsock"`
	Addr     string `yaml:"addr"`
	Port     uint32 `yaml:"port"`
	// MaxVersion is the newest protocol version the emulated host
	// accepts, e.g. "5.3".
	MaxVersion string `yaml:"max_version"`
}

// Config is the central configuration struct.
type Config struct {
	Bus      BusConfig      `yaml:"bus"`
	Log      LogConfig      `yaml:"log"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Emulator EmulatorConfig `yaml:"emulator"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Bus: BusConfig{
			MaxVersion: "",
			ConnectVP:  0,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled:   false,
			Addr:      ":9464",
			Namespace: "hvbus",
		},
		Emulator: EmulatorConfig{
			UseVsock:   false,
			Addr:       "127.0.0.1:9510",
			Port:       9510,
			MaxVersion: protocol.Supported[0].String(),
		},
	}
}

// LoadFromFile loads configuration from a YAML file on top of defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv applies environment variable overrides to the config.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("HVBUS_MAX_VERSION"); v != "" {
		cfg.Bus.MaxVersion = v
	}
	if v := os.Getenv("HVBUS_CONNECT_VP"); v != "" {
		if vp, err := strconv.ParseUint(v, 10, 32); err == nil {
			cfg.Bus.ConnectVP = uint32(vp)
		}
	}
	if v := os.Getenv("HVBUS_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("HVBUS_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("HVBUS_METRICS_ADDR"); v != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Addr = v
	}
	if v := os.Getenv("HVBUS_EMU_ADDR"); v != "" {
		cfg.Emulator.Addr = v
	}
	if v := os.Getenv("HVBUS_EMU_MAX_VERSION"); v != "" {
		cfg.Emulator.MaxVersion = v
	}
}

// ParseMaxVersion parses the negotiation ceiling, returning zero (no cap)
// when unset.
func (c *BusConfig) ParseMaxVersion() (protocol.Version, error) {
	if c.MaxVersion == "" {
		return 0, nil
	}
	v, err := protocol.ParseVersion(c.MaxVersion)
	if err != nil {
		return 0, fmt.Errorf("bus.max_version: %w", err)
	}
	return v, nil
}

// Package config provides configuration management for a room node.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the room node configuration.
type Config struct {
	Network  NetworkConfig  `yaml:"network"`
	Bus      BusConfig      `yaml:"bus"`
	Bridge   BridgeConfig   `yaml:"bridge"`
	Producer ProducerConfig `yaml:"producer"`
	API      APIConfig      `yaml:"api"`
	LogLevel string         `yaml:"log_level"`
}

// NetworkConfig contains network-related settings.
type NetworkConfig struct {
	Port              int           `yaml:"port"`
	Seed              string        `yaml:"seed"`
	Bootstrap         string        `yaml:"bootstrap"`
	Channel           string        `yaml:"channel"`
	EnableMDNS        bool          `yaml:"mdns"`
	Rendezvous        string        `yaml:"rendezvous"`
	IdentityKeyFile   string        `yaml:"identity_key_file"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	DiscoveryInterval time.Duration `yaml:"discovery_interval"`
}

type BusConfig struct {
	Capacity int `yaml:"capacity"`
}

// BridgeConfig limits outbound gossip. A zero rate means unlimited.
type BridgeConfig struct {
	PublishRate  float64 `yaml:"publish_rate"`
	PublishBurst int     `yaml:"publish_burst"`
}

type ProducerConfig struct {
	Count    int           `yaml:"count"`
	Interval time.Duration `yaml:"interval"`
}

// APIConfig enables the local status server when Listen is set.
type APIConfig struct {
	Listen string `yaml:"listen"`
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Network: NetworkConfig{
			Port:              0,
			Channel:           "quic-the-room",
			Rendezvous:        "quic-the-room",
			HeartbeatInterval: 10 * time.Second,
			IdleTimeout:       time.Hour,
			DiscoveryInterval: 5 * time.Minute,
		},
		Bus: BusConfig{
			Capacity: 32,
		},
		Bridge: BridgeConfig{
			PublishBurst: 1,
		},
		Producer: ProducerConfig{
			Count:    10,
			Interval: 10 * time.Second,
		},
		LogLevel: "info",
	}
}

// DefaultPath returns the default configuration file path.
func DefaultPath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".quic-room", "config.yaml")
}

// Load reads path on top of Default. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// Save saves the configuration to a file.
func Save(path string, cfg *Config) error {
	if path == "" {
		path = DefaultPath()
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

func (c *Config) Validate() error {
	var errs []error
	if c.Network.Port < 0 || c.Network.Port > 65535 {
		errs = append(errs, fmt.Errorf("network.port %d out of range", c.Network.Port))
	}
	if c.Network.Channel == "" {
		errs = append(errs, errors.New("network.channel required"))
	}
	if c.Network.HeartbeatInterval < 0 || c.Network.IdleTimeout < 0 || c.Network.DiscoveryInterval < 0 {
		errs = append(errs, errors.New("network intervals must not be negative"))
	}
	if c.Bus.Capacity < 1 {
		errs = append(errs, fmt.Errorf("bus.capacity %d must be at least 1", c.Bus.Capacity))
	}
	if c.Bridge.PublishRate < 0 {
		errs = append(errs, errors.New("bridge.publish_rate must not be negative"))
	}
	if c.Producer.Count < 0 || c.Producer.Count > 256 {
		errs = append(errs, fmt.Errorf("producer.count %d out of range", c.Producer.Count))
	}
	if c.Producer.Interval < 0 {
		errs = append(errs, errors.New("producer.interval must not be negative"))
	}
	return errors.Join(errs...)
}

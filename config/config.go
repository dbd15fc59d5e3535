// Package config loads runtime settings for the copresence demo and tools.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type MediumConfig struct {
	PeripheralLostTimeout time.Duration `yaml:"peripheral_lost_timeout"`
	LostSweepInterval     time.Duration `yaml:"lost_sweep_interval"`
}

type WireConfig struct {
	AdvertiseInterval time.Duration `yaml:"advertise_interval"`
}

type Config struct {
	LogLevel string       `yaml:"log_level"`
	Medium   MediumConfig `yaml:"medium"`
	Wire     WireConfig   `yaml:"wire"`
}

// Default returns the settings used when no config file is given.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Medium: MediumConfig{
			PeripheralLostTimeout: 3 * time.Second,
			LostSweepInterval:     3 * time.Second,
		},
		Wire: WireConfig{
			AdvertiseInterval: 100 * time.Millisecond,
		},
	}
}

// Load reads a YAML config file. Fields left unset fall back to defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if config.Medium.PeripheralLostTimeout <= 0 {
		config.Medium.PeripheralLostTimeout = 3 * time.Second
	}
	if config.Medium.LostSweepInterval <= 0 {
		config.Medium.LostSweepInterval = 3 * time.Second
	}
	if config.Wire.AdvertiseInterval <= 0 {
		config.Wire.AdvertiseInterval = 100 * time.Millisecond
	}

	return config, nil
}

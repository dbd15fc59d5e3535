package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadConfig(t *testing.T) {
	tempFile, err := os.CreateTemp("", "config_test.yaml")
	if err != nil {
		t.Fatalf("Failed to create temp file: %v", err)
	}
	defer os.Remove(tempFile.Name())

	configContent := `
log_level: debug
medium:
  peripheral_lost_timeout: 5s
  lost_sweep_interval: 2s
wire:
  advertise_interval: 50ms
`

	if _, err := tempFile.WriteString(configContent); err != nil {
		t.Fatalf("Failed to write config content: %v", err)
	}
	tempFile.Close()

	cfg, err := Load(tempFile.Name())
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.LogLevel != "debug" {
		t.Errorf("Expected log level 'debug', got '%s'", cfg.LogLevel)
	}
	if cfg.Medium.PeripheralLostTimeout != 5*time.Second {
		t.Errorf("Expected lost timeout 5s, got %v", cfg.Medium.PeripheralLostTimeout)
	}
	if cfg.Medium.LostSweepInterval != 2*time.Second {
		t.Errorf("Expected sweep interval 2s, got %v", cfg.Medium.LostSweepInterval)
	}
	if cfg.Wire.AdvertiseInterval != 50*time.Millisecond {
		t.Errorf("Expected advertise interval 50ms, got %v", cfg.Wire.AdvertiseInterval)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	tempFile, err := os.CreateTemp("", "config_test.yaml")
	if err != nil {
		t.Fatalf("Failed to create temp file: %v", err)
	}
	defer os.Remove(tempFile.Name())

	if _, err := tempFile.WriteString("log_level: warn\n"); err != nil {
		t.Fatalf("Failed to write config content: %v", err)
	}
	tempFile.Close()

	cfg, err := Load(tempFile.Name())
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.LogLevel != "warn" {
		t.Errorf("Expected log level 'warn', got '%s'", cfg.LogLevel)
	}
	if cfg.Medium.PeripheralLostTimeout != 3*time.Second {
		t.Errorf("Expected default lost timeout 3s, got %v", cfg.Medium.PeripheralLostTimeout)
	}
	if cfg.Wire.AdvertiseInterval != 100*time.Millisecond {
		t.Errorf("Expected default advertise interval 100ms, got %v", cfg.Wire.AdvertiseInterval)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Fatal("Expected error for missing file")
	}
}

package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// LoadBackendsConfig loads the backends configuration from config/backends.yaml
func LoadBackendsConfig() (*BackendsConfig, error) {
	return LoadBackendsConfigFromPath(filepath.Join("config", "backends.yaml"))
}

// LoadBackendsConfigFromPath loads the backends configuration from a specific path
func LoadBackendsConfigFromPath(path string) (*BackendsConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read backends config: %w", err)
	}

	var cfg BackendsConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse backends config: %w", err)
	}

	// Validate that all backends have required fields
	for id, settings := range cfg.Backends {
		if settings.Port == 0 {
			return nil, fmt.Errorf("backend %s: port is required", id)
		}
	}

	return &cfg, nil
}

// LoadBackendsConfigOrDefault loads backends config or returns default if file not found
func LoadBackendsConfigOrDefault() *BackendsConfig {
	cfg, err := LoadBackendsConfig()
	if err != nil {
		return DefaultBackendsConfig()
	}
	return cfg
}

// DefaultBackendsConfig returns the default backends configuration: a single
// mock-transport backend suitable for local development against the ECU
// simulator.
func DefaultBackendsConfig() *BackendsConfig {
	return &BackendsConfig{
		Backends: map[string]*BackendSettings{
			"sim": {
				Enabled:         true,
				Port:            8200,
				Description:     "mock-transport backend talking to the ECU simulator",
				Transport:       "mock",
				P2Millis:        50,
				P2StarMillis:    5000,
				KeepaliveMillis: 2000,
			},
		},
	}
}

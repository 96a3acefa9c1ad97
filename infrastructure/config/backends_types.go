package config

// BackendSettings holds configuration for a single per-ECU (or gateway/proxy)
// backend from backends.yaml.
type BackendSettings struct {
	// Enabled determines if the backend should be started.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Port is the HTTP port the backend's SOVD surface listens on.
	Port int `yaml:"port" json:"port"`

	// Description is a human-readable description.
	Description string `yaml:"description" json:"description"`

	// Transport selects the UDS transport: "isotp", "doip", or "mock".
	Transport string `yaml:"transport" json:"transport"`

	// Address is the transport-specific endpoint (ISO-TP CAN interface name,
	// or DoIP host:port).
	Address string `yaml:"address" json:"address"`

	// P2Millis and P2StarMillis are the UDS default and extended timing
	// constants in milliseconds (spec §5 timing table).
	P2Millis     int `yaml:"p2_ms" json:"p2_ms"`
	P2StarMillis int `yaml:"p2_star_ms" json:"p2_star_ms"`

	// KeepaliveMillis is the tester-present interval while a non-default
	// session is active.
	KeepaliveMillis int `yaml:"keepalive_ms" json:"keepalive_ms"`

	// BlockCounterWrapToStart controls whether the flash transfer block
	// counter wraps to 0 (false) or to BlockCounterStart (true) at 0xFF,
	// an OEM-dependent knob (spec §9 open question).
	BlockCounterWrapToStart bool `yaml:"block_counter_wrap_to_start" json:"block_counter_wrap_to_start"`
	BlockCounterStart       int  `yaml:"block_counter_start" json:"block_counter_start"`

	// SecurityHelperSecretEnv names the environment variable holding the
	// seed/key XOR secret for this backend's security-access helper.
	SecurityHelperSecretEnv string `yaml:"security_helper_secret_env" json:"security_helper_secret_env"`

	// FlashRIDs maps named flash routine identifiers (erase, check-programming-dependencies, ...)
	// to their numeric RID, since OEMs assign these per ECU.
	FlashRIDs map[string]uint16 `yaml:"flash_rids,omitempty" json:"flash_rids,omitempty"`

	// Extra holds any additional backend-specific configuration.
	Extra map[string]any `yaml:"extra,omitempty" json:"extra,omitempty"`
}

// BackendsConfig holds configuration for all backends exposed by this process.
type BackendsConfig struct {
	Backends map[string]*BackendSettings `yaml:"backends" json:"backends"`
}

// IsEnabled checks if a backend is enabled in the configuration.
// Returns false if the backend is not found in config.
func (c *BackendsConfig) IsEnabled(backendID string) bool {
	if c == nil || c.Backends == nil {
		return false
	}
	settings, ok := c.Backends[backendID]
	if !ok {
		return false
	}
	return settings.Enabled
}

// GetSettings returns the settings for a backend.
// Returns nil if the backend is not found.
func (c *BackendsConfig) GetSettings(backendID string) *BackendSettings {
	if c == nil || c.Backends == nil {
		return nil
	}
	return c.Backends[backendID]
}

// EnabledBackends returns a list of enabled backend IDs.
func (c *BackendsConfig) EnabledBackends() []string {
	if c == nil || c.Backends == nil {
		return nil
	}
	var enabled []string
	for id, settings := range c.Backends {
		if settings.Enabled {
			enabled = append(enabled, id)
		}
	}
	return enabled
}

// DisabledBackends returns a list of disabled backend IDs.
func (c *BackendsConfig) DisabledBackends() []string {
	if c == nil || c.Backends == nil {
		return nil
	}
	var disabled []string
	for id, settings := range c.Backends {
		if !settings.Enabled {
			disabled = append(disabled, id)
		}
	}
	return disabled
}

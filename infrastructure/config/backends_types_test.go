package config

import (
	"sort"
	"testing"
)

func TestBackendsConfigIsEnabled(t *testing.T) {
	cfg := &BackendsConfig{
		Backends: map[string]*BackendSettings{
			"engine": {Enabled: true, Port: 8200},
			"trans":  {Enabled: false, Port: 8201},
		},
	}

	t.Run("enabled backend", func(t *testing.T) {
		if !cfg.IsEnabled("engine") {
			t.Error("IsEnabled() should return true for enabled backend")
		}
	})

	t.Run("disabled backend", func(t *testing.T) {
		if cfg.IsEnabled("trans") {
			t.Error("IsEnabled() should return false for disabled backend")
		}
	})

	t.Run("nonexistent backend", func(t *testing.T) {
		if cfg.IsEnabled("nonexistent") {
			t.Error("IsEnabled() should return false for nonexistent backend")
		}
	})

	t.Run("nil config", func(t *testing.T) {
		var nilCfg *BackendsConfig
		if nilCfg.IsEnabled("any") {
			t.Error("IsEnabled() should return false for nil config")
		}
	})

	t.Run("nil backends map", func(t *testing.T) {
		emptyCfg := &BackendsConfig{Backends: nil}
		if emptyCfg.IsEnabled("any") {
			t.Error("IsEnabled() should return false for nil backends map")
		}
	})
}

func TestBackendsConfigGetSettings(t *testing.T) {
	cfg := &BackendsConfig{
		Backends: map[string]*BackendSettings{
			"engine": {Enabled: true, Port: 8200, Description: "engine ECU", Transport: "isotp"},
		},
	}

	t.Run("existing backend", func(t *testing.T) {
		settings := cfg.GetSettings("engine")
		if settings == nil {
			t.Fatal("GetSettings() returned nil for existing backend")
		}
		if settings.Port != 8200 {
			t.Errorf("Port = %d, want 8200", settings.Port)
		}
		if settings.Transport != "isotp" {
			t.Errorf("Transport = %s, want isotp", settings.Transport)
		}
	})

	t.Run("nonexistent backend", func(t *testing.T) {
		settings := cfg.GetSettings("nonexistent")
		if settings != nil {
			t.Error("GetSettings() should return nil for nonexistent backend")
		}
	})

	t.Run("nil config", func(t *testing.T) {
		var nilCfg *BackendsConfig
		settings := nilCfg.GetSettings("any")
		if settings != nil {
			t.Error("GetSettings() should return nil for nil config")
		}
	})

	t.Run("nil backends map", func(t *testing.T) {
		emptyCfg := &BackendsConfig{Backends: nil}
		settings := emptyCfg.GetSettings("any")
		if settings != nil {
			t.Error("GetSettings() should return nil for nil backends map")
		}
	})
}

func TestBackendsConfigEnabledBackends(t *testing.T) {
	cfg := &BackendsConfig{
		Backends: map[string]*BackendSettings{
			"engine": {Enabled: true},
			"trans":  {Enabled: false},
			"abs":    {Enabled: true},
			"bcm":    {Enabled: false},
		},
	}

	t.Run("returns enabled backends", func(t *testing.T) {
		enabled := cfg.EnabledBackends()
		if len(enabled) != 2 {
			t.Fatalf("len(EnabledBackends()) = %d, want 2", len(enabled))
		}
		sort.Strings(enabled)
		if enabled[0] != "abs" || enabled[1] != "engine" {
			t.Errorf("EnabledBackends() = %v, want [abs engine]", enabled)
		}
	})

	t.Run("nil config", func(t *testing.T) {
		var nilCfg *BackendsConfig
		enabled := nilCfg.EnabledBackends()
		if enabled != nil {
			t.Error("EnabledBackends() should return nil for nil config")
		}
	})

	t.Run("nil backends map", func(t *testing.T) {
		emptyCfg := &BackendsConfig{Backends: nil}
		enabled := emptyCfg.EnabledBackends()
		if enabled != nil {
			t.Error("EnabledBackends() should return nil for nil backends map")
		}
	})

	t.Run("all disabled", func(t *testing.T) {
		allDisabled := &BackendsConfig{
			Backends: map[string]*BackendSettings{
				"x": {Enabled: false},
			},
		}
		enabled := allDisabled.EnabledBackends()
		if len(enabled) != 0 {
			t.Errorf("EnabledBackends() = %v, want empty", enabled)
		}
	})
}

func TestBackendsConfigDisabledBackends(t *testing.T) {
	cfg := &BackendsConfig{
		Backends: map[string]*BackendSettings{
			"engine": {Enabled: true},
			"trans":  {Enabled: false},
			"abs":    {Enabled: true},
			"bcm":    {Enabled: false},
		},
	}

	t.Run("returns disabled backends", func(t *testing.T) {
		disabled := cfg.DisabledBackends()
		if len(disabled) != 2 {
			t.Fatalf("len(DisabledBackends()) = %d, want 2", len(disabled))
		}
		sort.Strings(disabled)
		if disabled[0] != "bcm" || disabled[1] != "trans" {
			t.Errorf("DisabledBackends() = %v, want [bcm trans]", disabled)
		}
	})

	t.Run("nil config", func(t *testing.T) {
		var nilCfg *BackendsConfig
		disabled := nilCfg.DisabledBackends()
		if disabled != nil {
			t.Error("DisabledBackends() should return nil for nil config")
		}
	})

	t.Run("nil backends map", func(t *testing.T) {
		emptyCfg := &BackendsConfig{Backends: nil}
		disabled := emptyCfg.DisabledBackends()
		if disabled != nil {
			t.Error("DisabledBackends() should return nil for nil backends map")
		}
	})

	t.Run("all enabled", func(t *testing.T) {
		allEnabled := &BackendsConfig{
			Backends: map[string]*BackendSettings{
				"x": {Enabled: true},
			},
		}
		disabled := allEnabled.DisabledBackends()
		if len(disabled) != 0 {
			t.Errorf("DisabledBackends() = %v, want empty", disabled)
		}
	})
}

func TestBackendSettingsStruct(t *testing.T) {
	settings := BackendSettings{
		Enabled:     true,
		Port:        8200,
		Description: "engine ECU",
		Transport:   "isotp",
		Extra: map[string]any{
			"key": "value",
		},
	}

	if !settings.Enabled {
		t.Error("Enabled should be true")
	}
	if settings.Port != 8200 {
		t.Errorf("Port = %d, want 8200", settings.Port)
	}
	if settings.Description != "engine ECU" {
		t.Errorf("Description = %s, want 'engine ECU'", settings.Description)
	}
	if settings.Extra["key"] != "value" {
		t.Error("Extra map not set correctly")
	}
}

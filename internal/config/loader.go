package config

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// BootstrapConfig is the process-level configuration read once at
// startup: listen port, admin secret, log verbosity, and the optional
// webhook and default-backends seed. It is never persisted to a
// ConfigStore — only per-hostname ServiceConfig is.
type BootstrapConfig struct {
	Port                 int    `yaml:"port"`
	APISecret             string `yaml:"api_secret"`
	LogLevel              string `yaml:"log_level"`
	NotificationWebhookURL string `yaml:"notification_webhook_url"`
	ConfigStoreDir        string `yaml:"config_store_dir"`
	DefaultBackends       string `yaml:"default_backends"`
}

func (b *BootstrapConfig) applyDefaults() {
	if b.Port == 0 {
		b.Port = 8080
	}
	if b.LogLevel == "" {
		b.LogLevel = "info"
	}
}

// LoadBootstrapFile reads and parses a YAML bootstrap file. A missing
// file is not an error — the caller falls back to environment
// variables and built-in defaults.
func LoadBootstrapFile(path string) (*BootstrapConfig, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		cfg := &BootstrapConfig{}
		cfg.applyDefaults()
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read bootstrap file: %w", err)
	}

	var cfg BootstrapConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse bootstrap file: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// ApplyEnvOverrides overlays API_SECRET, NOTIFICATION_WEBHOOK_URL, and
// DEFAULT_BACKENDS environment variables onto a loaded bootstrap
// config, taking precedence over the file.
func (b *BootstrapConfig) ApplyEnvOverrides(getenv func(string) string) {
	if v := getenv("API_SECRET"); v != "" {
		b.APISecret = v
	}
	if v := getenv("NOTIFICATION_WEBHOOK_URL"); v != "" {
		b.NotificationWebhookURL = v
	}
	if v := getenv("DEFAULT_BACKENDS"); v != "" {
		b.DefaultBackends = v
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		b.LogLevel = v
	}
}

// defaultBackendsSingle is the {hostname, backends[]} shape of
// DEFAULT_BACKENDS.
type defaultBackendsSingle struct {
	Hostname string        `json:"hostname"`
	Backends []BackendSpec `json:"backends"`
}

// defaultBackendsMulti is the {services: [...]} shape.
type defaultBackendsMulti struct {
	Services []defaultBackendsSingle `json:"services"`
}

// ParseDefaultBackends parses the DEFAULT_BACKENDS environment
// variable into one bootstrap ServiceConfig per hostname. Each is a
// single pool named "default" with round_robin steering; callers
// needing richer topology should configure through the admin API
// instead.
func ParseDefaultBackends(raw string) ([]ServiceConfig, error) {
	if raw == "" {
		return nil, nil
	}

	var multi defaultBackendsMulti
	if err := json.Unmarshal([]byte(raw), &multi); err == nil && len(multi.Services) > 0 {
		return buildConfigs(multi.Services), nil
	}

	var single defaultBackendsSingle
	if err := json.Unmarshal([]byte(raw), &single); err != nil {
		return nil, fmt.Errorf("parse DEFAULT_BACKENDS: %w", err)
	}
	if single.Hostname == "" {
		return nil, fmt.Errorf("DEFAULT_BACKENDS: missing hostname")
	}
	return buildConfigs([]defaultBackendsSingle{single}), nil
}

func buildConfigs(specs []defaultBackendsSingle) []ServiceConfig {
	out := make([]ServiceConfig, 0, len(specs))
	for _, s := range specs {
		cfg := ServiceConfig{
			Hostname: s.Hostname,
			Pools: []PoolSpec{{
				ID:       "default",
				Backends: s.Backends,
			}},
		}
		cfg.ApplyDefaults()
		out = append(out, cfg)
	}
	return out
}

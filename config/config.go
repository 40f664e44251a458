// Package config loads the edge node configuration.
package config

import (
	"os"
	"time"

	"braces.dev/errtrace"
	"gopkg.in/yaml.v3"

	"github.com/telscale/edgecore/internal/errorutil"
)

// Store backends.
const (
	StoreBackendMemory = "memory"
	StoreBackendSQLite = "sqlite"
)

// ErrInvalidConfig is returned when the configuration fails validation.
const ErrInvalidConfig errorutil.Error = "invalid configuration"

// Config is the edge node configuration.
type Config struct {
	// HomeDomain is the home network domain that filter-criterion service
	// hosts are resolved against.
	HomeDomain string `yaml:"home_domain"`
	// Workers is the size of the dispatcher worker pool.
	Workers int `yaml:"workers"`
	// DeadlockThreshold is the event queue deadlock threshold.
	DeadlockThreshold time.Duration `yaml:"deadlock_threshold"`
	// MetricsAddr is the listen address of the metrics endpoint.
	MetricsAddr string `yaml:"metrics_addr"`
	// Store selects the registration data backend.
	Store StoreConfig `yaml:"store"`
	// DNS configures downstream target resolution.
	DNS DNSConfig `yaml:"dns"`
}

// StoreConfig selects and configures the data store backend.
type StoreConfig struct {
	// Backend is "memory" or "sqlite".
	Backend string `yaml:"backend"`
	// Path is the sqlite database path, required for the sqlite backend.
	Path string `yaml:"path"`
}

// DNSConfig configures the DNS resolver for fork targets.
type DNSConfig struct {
	// NameServer overrides the system resolver, e.g. "10.0.0.2:53".
	NameServer string `yaml:"nameserver"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		HomeDomain:  "example.net",
		Workers:     4,
		MetricsAddr: ":9090",
		Store:       StoreConfig{Backend: StoreBackendMemory},
	}
}

// Load reads the configuration file at path, applying defaults for
// omitted values.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrInvalidConfig, err))
	}
	if err := cfg.Validate(); err != nil {
		return nil, errtrace.Wrap(err)
	}
	return cfg, nil
}

// Validate checks the configuration for consistency.
func (cfg *Config) Validate() error {
	if cfg.HomeDomain == "" {
		return errorutil.NewWrapperError(ErrInvalidConfig, "home_domain is required") //errtrace:skip
	}
	if cfg.Workers < 1 {
		return errorutil.NewWrapperError(ErrInvalidConfig, "workers must be at least 1") //errtrace:skip
	}
	switch cfg.Store.Backend {
	case StoreBackendMemory:
	case StoreBackendSQLite:
		if cfg.Store.Path == "" {
			return errorutil.NewWrapperError(ErrInvalidConfig, "store.path is required for sqlite") //errtrace:skip
		}
	default:
		return errorutil.NewWrapperError(ErrInvalidConfig, "unknown store backend %q", cfg.Store.Backend) //errtrace:skip
	}
	return nil
}

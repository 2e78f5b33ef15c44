package config

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/ashita-ai/kansatsu/internal/tenant"
)

// tenantsFile is the YAML shape of the tenants configuration file.
type tenantsFile struct {
	Tenants []tenantEntry `yaml:"tenants"`
}

type tenantEntry struct {
	ID      string        `yaml:"id"`
	Storage storageConfig `yaml:"storage"`
}

type storageConfig struct {
	Kind          string   `yaml:"kind"`
	Hosts         []string `yaml:"hosts,omitempty"`
	Username      string   `yaml:"username,omitempty"`
	Password      string   `yaml:"password,omitempty"`
	APIKey        string   `yaml:"api_key,omitempty"`
	IndexPrefix   string   `yaml:"index_prefix,omitempty"`
	TraceEndpoint string   `yaml:"trace_endpoint,omitempty"`
	TraceInsecure bool     `yaml:"trace_insecure,omitempty"`

	// Durations are Go duration strings ("2s"); yaml.v3 has no native
	// time.Duration decoding.
	FlushInterval string `yaml:"flush_interval,omitempty"`
	FlushTimeout  string `yaml:"flush_timeout,omitempty"`
	WALDir        string `yaml:"wal_dir,omitempty"`
}

// parseDuration reads a Go duration string, treating empty as zero.
func parseDuration(field, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", field, err)
	}
	return d, nil
}

// LoadTenants parses the tenants file and builds the registry. Validation
// (backend requirements, prefix collisions) happens in the registry
// constructor so every configuration error surfaces at startup.
func LoadTenants(path string) (*tenant.Registry, error) {
	raw, err := os.ReadFile(path) //nolint:gosec // path comes from operator config
	if err != nil {
		return nil, fmt.Errorf("config: read tenants file %s: %w", path, err)
	}

	var file tenantsFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("config: parse tenants file %s: %w", path, err)
	}
	if len(file.Tenants) == 0 {
		return nil, fmt.Errorf("config: tenants file %s declares no tenants", path)
	}

	configs := make(map[uuid.UUID]tenant.StorageConfig, len(file.Tenants))
	for _, entry := range file.Tenants {
		id, err := uuid.Parse(entry.ID)
		if err != nil {
			return nil, fmt.Errorf("config: tenant id %q: %w", entry.ID, err)
		}
		if _, dup := configs[id]; dup {
			return nil, fmt.Errorf("config: tenant %s declared twice", id)
		}
		flushInterval, err := parseDuration("flush_interval", entry.Storage.FlushInterval)
		if err != nil {
			return nil, fmt.Errorf("config: tenant %s: %w", id, err)
		}
		flushTimeout, err := parseDuration("flush_timeout", entry.Storage.FlushTimeout)
		if err != nil {
			return nil, fmt.Errorf("config: tenant %s: %w", id, err)
		}
		configs[id] = tenant.StorageConfig{
			Kind:          tenant.StoreKind(entry.Storage.Kind),
			Hosts:         entry.Storage.Hosts,
			Username:      entry.Storage.Username,
			Password:      entry.Storage.Password,
			APIKey:        entry.Storage.APIKey,
			IndexPrefix:   entry.Storage.IndexPrefix,
			TraceEndpoint: entry.Storage.TraceEndpoint,
			TraceInsecure: entry.Storage.TraceInsecure,
			FlushInterval: flushInterval,
			FlushTimeout:  flushTimeout,
			WALDir:        entry.Storage.WALDir,
		}
	}

	registry, err := tenant.NewRegistry(configs)
	if err != nil {
		return nil, fmt.Errorf("config: tenants file %s: %w", path, err)
	}
	return registry, nil
}

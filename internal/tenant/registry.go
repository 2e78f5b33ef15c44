// Package tenant maps tenant identifiers to their storage configuration.
//
// The registry is built once at process start from an already-validated
// configuration and never mutated at runtime; changing a tenant's backend
// requires a restart.
package tenant

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// StoreKind selects a storage backend implementation.
type StoreKind string

const (
	StoreKindMemory        StoreKind = "memory"
	StoreKindElasticsearch StoreKind = "elasticsearch"
)

// StorageConfig describes where one tenant's entities live.
// Exactly one backend kind per tenant; backends are never mixed.
type StorageConfig struct {
	Kind     StoreKind
	Hosts    []string // Elasticsearch node URLs
	Username string
	Password string
	APIKey   string

	// IndexPrefix namespaces this tenant's index. No cross-tenant sharing.
	IndexPrefix string

	// TraceEndpoint is the OTLP HTTP collector for the tenant's trace store.
	// Empty disables the trace-store leg.
	TraceEndpoint string
	TraceInsecure bool

	FlushInterval time.Duration
	FlushTimeout  time.Duration
	WALDir        string // empty = flush buffer is not crash-durable
}

// Validate checks a single tenant's storage configuration.
func (c StorageConfig) Validate() error {
	switch c.Kind {
	case StoreKindMemory:
		return nil
	case StoreKindElasticsearch:
		if len(c.Hosts) == 0 {
			return fmt.Errorf("tenant: elasticsearch backend requires at least one host")
		}
		if c.IndexPrefix == "" {
			return fmt.Errorf("tenant: elasticsearch backend requires an index prefix")
		}
		return nil
	default:
		return fmt.Errorf("tenant: unknown store kind %q", c.Kind)
	}
}

// NotFoundError is returned when a tenant is not registered.
type NotFoundError struct {
	ID uuid.UUID
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("tenant: %s not registered", e.ID)
}

// Registry resolves tenant IDs to storage configurations.
type Registry struct {
	configs map[uuid.UUID]StorageConfig
}

// NewRegistry builds a registry from the startup tenant map. Prefix collisions
// across tenants are rejected: the index namespace is the isolation boundary.
func NewRegistry(configs map[uuid.UUID]StorageConfig) (*Registry, error) {
	prefixes := make(map[string]uuid.UUID, len(configs))
	out := make(map[uuid.UUID]StorageConfig, len(configs))
	for id, cfg := range configs {
		if id == uuid.Nil {
			return nil, fmt.Errorf("tenant: nil tenant ID in configuration")
		}
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("tenant %s: %w", id, err)
		}
		if cfg.Kind == StoreKindElasticsearch {
			if other, taken := prefixes[cfg.IndexPrefix]; taken {
				return nil, fmt.Errorf("tenant: index prefix %q shared by %s and %s", cfg.IndexPrefix, other, id)
			}
			prefixes[cfg.IndexPrefix] = id
		}
		out[id] = cfg
	}
	return &Registry{configs: out}, nil
}

// Resolve returns the storage configuration for a tenant, or NotFoundError.
func (r *Registry) Resolve(id uuid.UUID) (StorageConfig, error) {
	cfg, ok := r.configs[id]
	if !ok {
		return StorageConfig{}, NotFoundError{ID: id}
	}
	return cfg, nil
}

// IDs returns all registered tenant IDs (startup logging and tests).
func (r *Registry) IDs() []uuid.UUID {
	out := make([]uuid.UUID, 0, len(r.configs))
	for id := range r.configs {
		out = append(out, id)
	}
	return out
}

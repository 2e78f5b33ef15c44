package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/ashita-ai/kansatsu/internal/tenant"
)

// Provider resolves tenant IDs to their configured Store, constructing
// backends lazily and caching them for the process lifetime. Two tenants
// never share a Store instance, so a slow or failing backend for one tenant
// cannot stall another's ingestion.
type Provider struct {
	registry *tenant.Registry
	logger   *slog.Logger

	mu     sync.Mutex
	stores map[uuid.UUID]Store
}

func NewProvider(registry *tenant.Registry, logger *slog.Logger) *Provider {
	return &Provider{
		registry: registry,
		logger:   logger,
		stores:   make(map[uuid.UUID]Store),
	}
}

// StoreFor returns the Store for the given tenant, creating it on first use.
// Returns tenant.NotFoundError for unregistered tenants.
func (p *Provider) StoreFor(ctx context.Context, tenantID uuid.UUID) (Store, error) {
	cfg, err := p.registry.Resolve(tenantID)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.stores[tenantID]; ok {
		return s, nil
	}

	s, err := p.build(ctx, tenantID, cfg)
	if err != nil {
		return nil, err
	}
	p.stores[tenantID] = s
	return s, nil
}

func (p *Provider) build(ctx context.Context, tenantID uuid.UUID, cfg tenant.StorageConfig) (Store, error) {
	logger := p.logger.With("tenant_id", tenantID.String())
	switch cfg.Kind {
	case tenant.StoreKindMemory:
		logger.Info("store: using in-memory backend")
		return NewMemory(), nil
	case tenant.StoreKindElasticsearch:
		logger.Info("store: using elasticsearch backend", "index_prefix", cfg.IndexPrefix)
		return NewDurable(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("store: unsupported backend kind %q for tenant %s", cfg.Kind, tenantID)
	}
}

// Close shuts down every constructed store. The first error is returned;
// remaining stores are still closed.
func (p *Provider) Close(ctx context.Context) error {
	p.mu.Lock()
	stores := make([]Store, 0, len(p.stores))
	for _, s := range p.stores {
		stores = append(stores, s)
	}
	p.stores = make(map[uuid.UUID]Store)
	p.mu.Unlock()

	var firstErr error
	for _, s := range stores {
		if err := s.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

package tenant_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kansatsu/internal/tenant"
)

func esConfig(prefix string) tenant.StorageConfig {
	return tenant.StorageConfig{
		Kind:        tenant.StoreKindElasticsearch,
		Hosts:       []string{"http://localhost:9200"},
		IndexPrefix: prefix,
	}
}

func TestNewRegistry_ResolveRoundTrip(t *testing.T) {
	memTenant, esTenant := uuid.New(), uuid.New()
	registry, err := tenant.NewRegistry(map[uuid.UUID]tenant.StorageConfig{
		memTenant: {Kind: tenant.StoreKindMemory},
		esTenant:  esConfig("acme"),
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{memTenant, esTenant}, registry.IDs())

	cfg, err := registry.Resolve(esTenant)
	require.NoError(t, err)
	assert.Equal(t, "acme", cfg.IndexPrefix)
}

func TestNewRegistry_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		configs map[uuid.UUID]tenant.StorageConfig
	}{
		{
			name:    "nil tenant id",
			configs: map[uuid.UUID]tenant.StorageConfig{uuid.Nil: {Kind: tenant.StoreKindMemory}},
		},
		{
			name:    "unknown kind",
			configs: map[uuid.UUID]tenant.StorageConfig{uuid.New(): {Kind: "postgres"}},
		},
		{
			name: "elasticsearch without hosts",
			configs: map[uuid.UUID]tenant.StorageConfig{
				uuid.New(): {Kind: tenant.StoreKindElasticsearch, IndexPrefix: "acme"},
			},
		},
		{
			name: "elasticsearch without index prefix",
			configs: map[uuid.UUID]tenant.StorageConfig{
				uuid.New(): {Kind: tenant.StoreKindElasticsearch, Hosts: []string{"http://localhost:9200"}},
			},
		},
		{
			name: "index prefix shared across tenants",
			configs: map[uuid.UUID]tenant.StorageConfig{
				uuid.New(): esConfig("shared"),
				uuid.New(): esConfig("shared"),
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tenant.NewRegistry(tt.configs)
			assert.Error(t, err)
		})
	}
}

func TestRegistry_ResolveUnknown(t *testing.T) {
	registry, err := tenant.NewRegistry(map[uuid.UUID]tenant.StorageConfig{
		uuid.New(): {Kind: tenant.StoreKindMemory},
	})
	require.NoError(t, err)

	missing := uuid.New()
	_, err = registry.Resolve(missing)

	var notFound tenant.NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, missing, notFound.ID)
}

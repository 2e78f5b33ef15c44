package store

import (
	"context"
	"iter"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/ashita-ai/kansatsu/internal/model"
)

// Memory is the in-memory backend. Lifetime is bounded to the process;
// operations are synchronous and strongly consistent: a Get or Query issued
// after Put in the same process always sees the written entity.
//
// Entities are stored whole and swapped under the lock, so a concurrent
// reader observes either the pre-Put or post-Put value, never a partial one.
type Memory struct {
	mu       sync.RWMutex
	entities map[uuid.UUID]model.Entity
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{entities: make(map[uuid.UUID]model.Entity)}
}

// Put implements Store. It never fails partially: entities are value types
// keyed by ID and the map insert cannot error.
func (m *Memory) Put(_ context.Context, entities []model.Entity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entities {
		m.entities[e.EntityID()] = e
	}
	return nil
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, id uuid.UUID) (model.Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entities[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}

// Query implements Store. The matching set is snapshotted under the read lock
// before yielding, so iteration is not affected by concurrent ingestion.
func (m *Memory) Query(ctx context.Context, f Filter) iter.Seq2[model.Entity, error] {
	return func(yield func(model.Entity, error) bool) {
		m.mu.RLock()
		matched := make([]model.Entity, 0, len(m.entities))
		for _, e := range m.entities {
			if f.Matches(e) {
				matched = append(matched, e)
			}
		}
		m.mu.RUnlock()

		sort.Slice(matched, func(i, j int) bool {
			ti, tj := matched[i].EntityTime(), matched[j].EntityTime()
			if ti.Equal(tj) {
				// Stable order for equal timestamps.
				return matched[i].EntityID().String() < matched[j].EntityID().String()
			}
			return ti.Before(tj)
		})
		if f.Limit > 0 && len(matched) > f.Limit {
			matched = matched[:f.Limit]
		}

		for _, e := range matched {
			if ctx.Err() != nil {
				yield(nil, ctx.Err())
				return
			}
			if !yield(e, nil) {
				return
			}
		}
	}
}

// Delete implements Store. Deleting a missing entity is a no-op.
func (m *Memory) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entities, id)
	return nil
}

// Healthy implements Store. The memory backend is always reachable.
func (m *Memory) Healthy(context.Context) error { return nil }

// Close implements Store.
func (m *Memory) Close(context.Context) error { return nil }

// Len returns the number of stored entities (tests and gauges).
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entities)
}

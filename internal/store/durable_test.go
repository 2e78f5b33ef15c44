package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kansatsu/internal/model"
)

func bufferedTask(t *testing.T, id uuid.UUID, name string) pendingDoc {
	t.Helper()
	task, err := model.NewTask(model.TaskParams{
		ID:        id,
		Name:      name,
		StartedAt: time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	doc, err := encodeEntity(task)
	require.NoError(t, err)
	return pendingDoc{doc: doc, entity: task}
}

// A buffered entity is already accepted, so Get must serve it without any
// backend round-trip. The store here has no index at all; reaching it would
// panic, which is exactly the regression being pinned down.
func TestDurable_GetServesBufferedEntity(t *testing.T) {
	id := uuid.New()
	d := &Durable{}
	d.pending = append(d.pending, bufferedTask(t, id, "unflushed"))

	got, err := d.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id, got.EntityID())
	assert.Equal(t, "unflushed", got.(model.Task).Name)
}

func TestDurable_GetPrefersNewestBufferedCopy(t *testing.T) {
	id := uuid.New()
	d := &Durable{}
	d.pending = append(d.pending,
		bufferedTask(t, id, "first write"),
		bufferedTask(t, id, "second write"),
	)

	got, err := d.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "second write", got.(model.Task).Name)
}

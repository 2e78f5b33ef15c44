//go:build integration

package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kansatsu/internal/model"
	"github.com/ashita-ai/kansatsu/internal/store"
	"github.com/ashita-ai/kansatsu/internal/tenant"
	"github.com/ashita-ai/kansatsu/internal/testutil"
)

// startDurable spins up a throwaway Elasticsearch node and a Durable store
// flushing into it. One container per test keeps indices isolated.
func startDurable(t *testing.T) *store.Durable {
	t.Helper()
	ctx := context.Background()

	url, terminate, err := testutil.StartElasticsearch(ctx)
	require.NoError(t, err)
	t.Cleanup(terminate)

	d, err := store.NewDurable(ctx, tenant.StorageConfig{
		Kind:          tenant.StoreKindElasticsearch,
		Hosts:         []string{url},
		IndexPrefix:   "it-" + uuid.New().String()[:8],
		FlushInterval: 100 * time.Millisecond,
		FlushTimeout:  10 * time.Second,
		WALDir:        t.TempDir(),
	}, testutil.Logger(t))
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = d.Close(ctx)
	})
	return d
}

func durableTask(t *testing.T, name string, startedAt time.Time) model.Task {
	t.Helper()
	end := startedAt.Add(time.Second)
	task, err := model.NewTask(model.TaskParams{
		ID:        uuid.New(),
		Name:      name,
		StartedAt: startedAt,
		EndedAt:   &end,
		Status:    model.TaskStatusSuccess,
	})
	require.NoError(t, err)
	return task
}

// eventually polls until the async flush lands or the deadline passes.
func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	assert.Eventually(t, cond, 30*time.Second, 250*time.Millisecond)
}

func TestDurable_PutFlushGet(t *testing.T) {
	d := startDurable(t)
	ctx := context.Background()

	task := durableTask(t, "indexed task", time.Now().UTC().Truncate(time.Millisecond))
	require.NoError(t, d.Put(ctx, []model.Entity{task}))

	eventually(t, func() bool {
		e, err := d.Get(ctx, task.ID)
		if err != nil {
			return false
		}
		got, ok := e.(model.Task)
		return ok && got.Name == task.Name
	})
	assert.Zero(t, d.DroppedDocs())
}

func TestDurable_UpsertKeepsOneCopy(t *testing.T) {
	d := startDurable(t)
	ctx := context.Background()

	task := durableTask(t, "first write", time.Now().UTC().Truncate(time.Millisecond))
	require.NoError(t, d.Put(ctx, []model.Entity{task}))

	task.Name = "second write"
	require.NoError(t, d.Put(ctx, []model.Entity{task}))

	eventually(t, func() bool {
		e, err := d.Get(ctx, task.ID)
		if err != nil {
			return false
		}
		return e.(model.Task).Name == "second write"
	})

	eventually(t, func() bool {
		n := 0
		for _, err := range d.Query(ctx, store.Filter{Kinds: []model.Kind{model.KindTask}}) {
			if err != nil {
				return false
			}
			n++
		}
		return n == 1
	})
}

func TestDurable_QueryFilters(t *testing.T) {
	d := startDurable(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	parent := durableTask(t, "parent", base)
	end := base.Add(2 * time.Second)
	child, err := model.NewTask(model.TaskParams{
		ID:           uuid.New(),
		Name:         "child",
		StartedAt:    base.Add(time.Second),
		EndedAt:      &end,
		Status:       model.TaskStatusSuccess,
		ParentTaskID: &parent.ID,
	})
	require.NoError(t, err)
	require.NoError(t, d.Put(ctx, []model.Entity{parent, child}))

	eventually(t, func() bool {
		var got []model.Task
		for e, err := range d.Query(ctx, store.Filter{
			Kinds:        []model.Kind{model.KindTask},
			ParentTaskID: &parent.ID,
		}) {
			if err != nil {
				return false
			}
			got = append(got, e.(model.Task))
		}
		return len(got) == 1 && got[0].ID == child.ID
	})
}

func TestDurable_DeleteRemovesEverywhere(t *testing.T) {
	d := startDurable(t)
	ctx := context.Background()

	task := durableTask(t, "doomed", time.Now().UTC().Truncate(time.Millisecond))
	require.NoError(t, d.Put(ctx, []model.Entity{task}))
	eventually(t, func() bool {
		_, err := d.Get(ctx, task.ID)
		return err == nil
	})

	require.NoError(t, d.Delete(ctx, task.ID))
	eventually(t, func() bool {
		_, err := d.Get(ctx, task.ID)
		return errors.Is(err, store.ErrNotFound)
	})
}

func TestDurable_HealthyAgainstLiveBackend(t *testing.T) {
	d := startDurable(t)
	assert.NoError(t, d.Healthy(context.Background()))
}

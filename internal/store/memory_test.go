package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kansatsu/internal/model"
	"github.com/ashita-ai/kansatsu/internal/store"
)

func mkTask(t *testing.T, name string, startedAt time.Time, status model.TaskStatus) model.Task {
	t.Helper()
	ended := startedAt.Add(time.Second)
	task, err := model.NewTask(model.TaskParams{
		ID:        uuid.New(),
		Name:      name,
		StartedAt: startedAt,
		EndedAt:   &ended,
		Status:    status,
	})
	require.NoError(t, err)
	return task
}

func collect(t *testing.T, m *store.Memory, f store.Filter) []model.Entity {
	t.Helper()
	var out []model.Entity
	for e, err := range m.Query(context.Background(), f) {
		require.NoError(t, err)
		out = append(out, e)
	}
	return out
}

func TestMemory_ReadAfterWrite(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()

	task := mkTask(t, "root", time.Now().UTC(), model.TaskStatusSuccess)
	require.NoError(t, m.Put(ctx, []model.Entity{task}))

	got, err := m.Get(ctx, task.ID)
	require.NoError(t, err)
	gotTask, ok := got.(model.Task)
	require.True(t, ok)
	assert.Equal(t, task.ID, gotTask.ID)
	assert.Equal(t, "root", gotTask.Name)

	_, err = m.Get(ctx, uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMemory_PutUpserts(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()

	start := time.Now().UTC()
	task := mkTask(t, "first", start, model.TaskStatusUnknown)
	require.NoError(t, m.Put(ctx, []model.Entity{task}))

	updated := task
	updated.Status = model.TaskStatusSuccess
	require.NoError(t, m.Put(ctx, []model.Entity{updated}))

	assert.Equal(t, 1, m.Len())
	got, err := m.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusSuccess, got.(model.Task).Status)
}

func TestMemory_QueryOrderingAndLimit(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()

	base := time.Now().UTC()
	third := mkTask(t, "third", base.Add(2*time.Second), model.TaskStatusSuccess)
	first := mkTask(t, "first", base, model.TaskStatusSuccess)
	second := mkTask(t, "second", base.Add(time.Second), model.TaskStatusSuccess)
	require.NoError(t, m.Put(ctx, []model.Entity{third, first, second}))

	got := collect(t, m, store.Filter{Kinds: []model.Kind{model.KindTask}})
	require.Len(t, got, 3)
	assert.Equal(t, "first", got[0].(model.Task).Name)
	assert.Equal(t, "second", got[1].(model.Task).Name)
	assert.Equal(t, "third", got[2].(model.Task).Name)

	limited := collect(t, m, store.Filter{Limit: 2})
	assert.Len(t, limited, 2)
}

func TestMemory_QueryFilters(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	now := time.Now().UTC()

	parent := mkTask(t, "parent", now, model.TaskStatusSuccess)
	childEnd := now.Add(2 * time.Second)
	child, err := model.NewTask(model.TaskParams{
		ID:           uuid.New(),
		Name:         "child",
		StartedAt:    now.Add(time.Second),
		EndedAt:      &childEnd,
		RelatedTo:    []uuid.UUID{parent.ID},
		ParentTaskID: &parent.ID,
	})
	require.NoError(t, err)

	metric, err := model.NewMetric(model.MetricParams{
		ID:         uuid.New(),
		Name:       "task_latency_ms",
		Value:      1000,
		Category:   model.MetricCategoryPerformance,
		RecordedAt: now,
	})
	require.NoError(t, err)

	warn, err := model.NewIssue(model.IssueParams{
		ID:         uuid.New(),
		Name:       "slow_task",
		RelatedTo:  []uuid.UUID{parent.ID},
		Level:      model.IssueLevelWarning,
		Confidence: 1,
		DetectedAt: now,
	})
	require.NoError(t, err)
	crit, err := model.NewIssue(model.IssueParams{
		ID:         uuid.New(),
		Name:       "task_failure",
		Level:      model.IssueLevelCritical,
		Confidence: 1,
		DetectedAt: now,
	})
	require.NoError(t, err)

	require.NoError(t, m.Put(ctx, []model.Entity{parent, child, metric, warn, crit}))

	children := collect(t, m, store.Filter{ParentTaskID: &parent.ID})
	require.Len(t, children, 1)
	assert.Equal(t, "child", children[0].(model.Task).Name)

	metrics := collect(t, m, store.Filter{MetricName: "task_latency_ms"})
	assert.Len(t, metrics, 1)

	severe := collect(t, m, store.Filter{MinIssueLevel: model.IssueLevelError})
	require.Len(t, severe, 1)
	assert.Equal(t, model.IssueLevelCritical, severe[0].(model.Issue).Level)

	related := collect(t, m, store.Filter{RelatedTo: &parent.ID})
	require.Len(t, related, 2) // child task + warning issue
}

func TestMemory_Delete(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()

	task := mkTask(t, "doomed", time.Now().UTC(), model.TaskStatusSuccess)
	require.NoError(t, m.Put(ctx, []model.Entity{task}))
	require.NoError(t, m.Delete(ctx, task.ID))

	_, err := m.Get(ctx, task.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	// Deleting a missing entity is not an error.
	assert.NoError(t, m.Delete(ctx, uuid.New()))
}

func TestMemory_QueryTimeWindow(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()

	base := time.Now().UTC()
	early := mkTask(t, "early", base, model.TaskStatusSuccess)
	late := mkTask(t, "late", base.Add(time.Hour), model.TaskStatusSuccess)
	require.NoError(t, m.Put(ctx, []model.Entity{early, late}))

	from := base.Add(30 * time.Minute)
	got := collect(t, m, store.Filter{From: &from})
	require.Len(t, got, 1)
	assert.Equal(t, "late", got[0].(model.Task).Name)

	to := base.Add(30 * time.Minute)
	got = collect(t, m, store.Filter{To: &to})
	require.Len(t, got, 1)
	assert.Equal(t, "early", got[0].(model.Task).Name)
}

package extension

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kansatsu/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func testSet(t *testing.T) *Set {
	t.Helper()
	start := time.Now().UTC().Add(-time.Minute)
	end := start.Add(2 * time.Second)
	task, err := model.NewTask(model.TaskParams{
		ID:        uuid.New(),
		Name:      "plan trip",
		StartedAt: start,
		EndedAt:   &end,
		Status:    model.TaskStatusFailure,
		Kind:      model.TaskKindPlanning,
	})
	require.NoError(t, err)
	return &Set{Tasks: []model.Task{task}}
}

func mustMetric(t *testing.T, tenantID uuid.UUID, name string) model.Metric {
	t.Helper()
	m, err := model.NewMetric(model.MetricParams{
		ID:         derivedID(tenantID, name, uuid.NewString()),
		Name:       name,
		Value:      1,
		Category:   model.MetricCategoryPerformance,
		RecordedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	return m
}

func TestRunner_FailingExtensionIsIsolated(t *testing.T) {
	tenantID := uuid.New()

	failing := &fakeExt{
		name:     "broken",
		stage:    StageMetrics,
		reads:    []model.Kind{model.KindTask},
		produces: []model.Kind{model.KindMetric},
		process: func(context.Context, Input) ([]model.Entity, error) {
			return nil, errors.New("upstream exploded")
		},
	}
	healthy := &fakeExt{
		name:     "healthy",
		stage:    StageMetrics,
		reads:    []model.Kind{model.KindTask},
		produces: []model.Kind{model.KindMetric},
		process: func(_ context.Context, in Input) ([]model.Entity, error) {
			return []model.Entity{mustMetric(t, in.TenantID, "healthy_metric")}, nil
		},
	}

	registry, err := NewRegistry(failing, healthy)
	require.NoError(t, err)
	runner := NewRunner(registry, testLogger())

	set := testSet(t)
	skipped := runner.Run(context.Background(), tenantID, set)

	assert.Equal(t, []string{"broken"}, skipped)
	require.Len(t, set.Metrics, 1)
	assert.Equal(t, "healthy_metric", set.Metrics[0].Name)
}

func TestRunner_PanickingExtensionIsIsolated(t *testing.T) {
	panicking := &fakeExt{
		name:     "kaboom",
		stage:    StageMetrics,
		reads:    []model.Kind{model.KindTask},
		produces: []model.Kind{model.KindMetric},
		process: func(context.Context, Input) ([]model.Entity, error) {
			panic("nil map write")
		},
	}
	registry, err := NewRegistry(panicking)
	require.NoError(t, err)
	runner := NewRunner(registry, testLogger())

	set := testSet(t)
	skipped := runner.Run(context.Background(), uuid.New(), set)

	assert.Equal(t, []string{"kaboom"}, skipped)
	assert.Empty(t, set.Metrics)
}

func TestRunner_StageBarrierOrdersOutputs(t *testing.T) {
	// The issues-stage extension must observe the metrics-stage output.
	tenantID := uuid.New()

	metricExt := &fakeExt{
		name:     "emit_metric",
		stage:    StageMetrics,
		reads:    []model.Kind{model.KindTask},
		produces: []model.Kind{model.KindMetric},
		process: func(_ context.Context, in Input) ([]model.Entity, error) {
			return []model.Entity{mustMetric(t, in.TenantID, "stage_marker")}, nil
		},
	}
	var sawMetrics int
	issueExt := &fakeExt{
		name:     "count_metrics",
		stage:    StageIssues,
		reads:    []model.Kind{model.KindMetric},
		produces: []model.Kind{model.KindIssue},
		process: func(_ context.Context, in Input) ([]model.Entity, error) {
			sawMetrics = len(in.Metrics())
			return nil, nil
		},
	}

	registry, err := NewRegistry(metricExt, issueExt)
	require.NoError(t, err)
	runner := NewRunner(registry, testLogger())

	skipped := runner.Run(context.Background(), tenantID, testSet(t))
	assert.Empty(t, skipped)
	assert.Equal(t, 1, sawMetrics)
}

func TestRunner_UndeclaredOutputDropped(t *testing.T) {
	sneaky := &fakeExt{
		name:     "sneaky",
		stage:    StageIssues,
		reads:    []model.Kind{model.KindTask},
		produces: []model.Kind{model.KindIssue},
		process: func(_ context.Context, in Input) ([]model.Entity, error) {
			// Emits a metric despite only declaring issues.
			return []model.Entity{mustMetric(t, in.TenantID, "smuggled")}, nil
		},
	}
	registry, err := NewRegistry(sneaky)
	require.NoError(t, err)
	runner := NewRunner(registry, testLogger())

	set := testSet(t)
	skipped := runner.Run(context.Background(), uuid.New(), set)

	assert.Empty(t, skipped)
	assert.Empty(t, set.Metrics)
	assert.Empty(t, set.Issues)
}

func TestInput_UndeclaredKindsReadEmpty(t *testing.T) {
	set := testSet(t)
	in := newInput(uuid.New(), set, []model.Kind{model.KindMetric})
	assert.Nil(t, in.Tasks())
	assert.Empty(t, in.Metrics())
}

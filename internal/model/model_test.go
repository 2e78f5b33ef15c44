package model_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kansatsu/internal/model"
)

func TestNewTask_Validation(t *testing.T) {
	now := time.Now().UTC()
	earlier := now.Add(-time.Minute)

	t.Run("valid completed task", func(t *testing.T) {
		task, err := model.NewTask(model.TaskParams{
			ID:        uuid.New(),
			Name:      "plan itinerary",
			StartedAt: earlier,
			EndedAt:   &now,
			Status:    model.TaskStatusSuccess,
			Kind:      model.TaskKindPlanning,
		})
		require.NoError(t, err)
		assert.True(t, task.Completed())
		assert.Equal(t, time.Minute, task.Duration())
	})

	t.Run("in-progress task has no duration", func(t *testing.T) {
		task, err := model.NewTask(model.TaskParams{
			ID:        uuid.New(),
			Name:      "long running",
			StartedAt: earlier,
		})
		require.NoError(t, err)
		assert.False(t, task.Completed())
		assert.Zero(t, task.Duration())
		assert.Equal(t, model.TaskStatusUnknown, task.Status)
		assert.Equal(t, model.TaskKindOther, task.Kind)
	})

	t.Run("end before start rejected", func(t *testing.T) {
		_, err := model.NewTask(model.TaskParams{
			ID:        uuid.New(),
			Name:      "time travel",
			StartedAt: now,
			EndedAt:   &earlier,
		})
		require.Error(t, err)
	})

	t.Run("missing ID rejected", func(t *testing.T) {
		_, err := model.NewTask(model.TaskParams{Name: "x", StartedAt: now})
		require.Error(t, err)
	})
}

func TestNewTask_NestedAttributesNotShared(t *testing.T) {
	attrs := map[string]any{
		"gen_ai.usage": map[string]any{"total_tokens": float64(250)},
		"tags":         []any{"first"},
	}
	task, err := model.NewTask(model.TaskParams{
		ID:         uuid.New(),
		Name:       "plan",
		Attributes: attrs,
		StartedAt:  time.Now().UTC(),
	})
	require.NoError(t, err)

	// Mutating the caller's nested values must not reach inside the task.
	attrs["gen_ai.usage"].(map[string]any)["total_tokens"] = float64(0)
	attrs["tags"].([]any)[0] = "mutated"

	usage := task.Attributes["gen_ai.usage"].(map[string]any)
	assert.Equal(t, float64(250), usage["total_tokens"])
	assert.Equal(t, "first", task.Attributes["tags"].([]any)[0])
}

func TestNewAction_RequiresTask(t *testing.T) {
	_, err := model.NewAction(model.ActionParams{
		ID:        uuid.New(),
		Name:      "tool.search",
		Kind:      model.ActionKindTool,
		StartedAt: time.Now(),
	})
	require.Error(t, err)

	a, err := model.NewAction(model.ActionParams{
		ID:        uuid.New(),
		Name:      "tool.search",
		Kind:      model.ActionKindTool,
		TaskID:    uuid.New(),
		StartedAt: time.Now(),
	})
	require.NoError(t, err)
	assert.Equal(t, model.KindAction, a.EntityKind())
}

func TestNewMetric_Validation(t *testing.T) {
	now := time.Now().UTC()

	t.Run("valid numeric metric", func(t *testing.T) {
		m, err := model.NewMetric(model.MetricParams{
			ID:         uuid.New(),
			Name:       "task_latency_ms",
			Value:      1234,
			Category:   model.MetricCategoryPerformance,
			RecordedAt: now,
		})
		require.NoError(t, err)
		assert.Equal(t, model.MetricTypeNumeric, m.Type)
	})

	t.Run("unknown category rejected", func(t *testing.T) {
		_, err := model.NewMetric(model.MetricParams{
			ID:       uuid.New(),
			Name:     "x",
			Category: model.MetricCategory("vibes"),
		})
		require.Error(t, err)
	})

	t.Run("string metric requires text", func(t *testing.T) {
		_, err := model.NewMetric(model.MetricParams{
			ID:       uuid.New(),
			Name:     "model_name",
			Category: model.MetricCategoryQuality,
			Type:     model.MetricTypeString,
		})
		require.Error(t, err)
	})
}

func TestIssueLevel_Ordering(t *testing.T) {
	ordered := []model.IssueLevel{
		model.IssueLevelDebug,
		model.IssueLevelInfo,
		model.IssueLevelWarning,
		model.IssueLevelError,
		model.IssueLevelCritical,
	}
	for i := 1; i < len(ordered); i++ {
		assert.Greater(t, ordered[i].Rank(), ordered[i-1].Rank())
		assert.True(t, ordered[i].AtLeast(ordered[i-1]))
		assert.False(t, ordered[i-1].AtLeast(ordered[i]))
	}
	assert.False(t, model.IssueLevel("nope").Valid())
}

func TestNewIssue_ConfidenceBounds(t *testing.T) {
	for _, confidence := range []float64{-0.1, 1.1} {
		_, err := model.NewIssue(model.IssueParams{
			ID:         uuid.New(),
			Name:       "bad",
			Level:      model.IssueLevelWarning,
			Confidence: confidence,
		})
		require.Error(t, err, "confidence %v", confidence)
	}

	issue, err := model.NewIssue(model.IssueParams{
		ID:         uuid.New(),
		Name:       "slow_task",
		Level:      model.IssueLevelWarning,
		Confidence: 0.9,
	})
	require.NoError(t, err)
	assert.Equal(t, model.KindIssue, issue.EntityKind())
}

func TestNewGraph_EdgeEndpointsMustBeNodes(t *testing.T) {
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	nodes := []model.GraphNode{
		{Kind: model.NodeKindTask, EntityID: a},
		{Kind: model.NodeKindTask, EntityID: b},
	}

	_, err := model.NewGraph(uuid.New(), "g", nodes, []model.GraphEdge{
		{From: a, To: c, Kind: model.EdgeKindControl},
	})
	require.Error(t, err)

	g, err := model.NewGraph(uuid.New(), "g", nodes, []model.GraphEdge{
		{From: a, To: b, Kind: model.EdgeKindControl},
		{From: b, To: a, Kind: model.EdgeKindControl, BackEdge: true},
	})
	require.NoError(t, err)
	require.Len(t, g.BackEdges(), 1)
	assert.Equal(t, b, g.BackEdges()[0].From)
}

func TestAnnotationTypes_ClosedSet(t *testing.T) {
	_, err := model.NewAnnotation(model.AnnotationParams{
		ID:    uuid.New(),
		Type:  model.AnnotationType("vibe_check"),
		Title: "nope",
	})
	require.Error(t, err)

	ann, err := model.NewAnnotation(model.AnnotationParams{
		ID:    uuid.New(),
		Type:  model.AnnotationLoop,
		Title: "Loop detected",
	})
	require.NoError(t, err)
	assert.Equal(t, model.KindAnnotation, ann.EntityKind())
}

package extension

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kansatsu/internal/model"
)

// Well-known metric names produced by the built-in metric extensions.
const (
	MetricTaskLatencyMS = "task_latency_ms"
	MetricTokenUsage    = "token_usage_total"
	MetricErrorRate     = "task_error_rate"
)

// AttrTaskID is the attribute key linking a metric to the task it measures.
const AttrTaskID = "task_id"

// derivedID builds a deterministic entity ID for extension output, so
// re-ingesting the same batch upserts rather than duplicates.
func derivedID(tenantID uuid.UUID, parts ...string) uuid.UUID {
	return uuid.NewSHA1(tenantID, []byte(strings.Join(parts, ":")))
}

// LatencyMetric emits one performance metric per completed task, measuring
// wall-clock duration in milliseconds. Output is deterministic for a given
// input batch.
type LatencyMetric struct{}

func NewLatencyMetric() *LatencyMetric { return &LatencyMetric{} }

func (x *LatencyMetric) Name() string           { return "latency_metric" }
func (x *LatencyMetric) Stage() Stage           { return StageMetrics }
func (x *LatencyMetric) Reads() []model.Kind    { return []model.Kind{model.KindTask} }
func (x *LatencyMetric) Produces() []model.Kind { return []model.Kind{model.KindMetric} }

func (x *LatencyMetric) Process(_ context.Context, in Input) ([]model.Entity, error) {
	var out []model.Entity
	for _, t := range in.Tasks() {
		if !t.Completed() {
			continue
		}
		m, err := model.NewMetric(model.MetricParams{
			ID:          derivedID(in.TenantID, MetricTaskLatencyMS, t.ID.String()),
			Name:        MetricTaskLatencyMS,
			Description: "Wall-clock duration of task " + t.Name,
			Attributes:  map[string]any{AttrTaskID: t.ID.String()},
			Value:       float64(t.Duration().Milliseconds()),
			Category:    model.MetricCategoryPerformance,
			Type:        model.MetricTypeNumeric,
			RecordedAt:  *t.EndedAt,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// TokenUsageMetric sums gen_ai.usage.* attributes across LLM actions into one
// cost metric per task.
type TokenUsageMetric struct{}

func NewTokenUsageMetric() *TokenUsageMetric { return &TokenUsageMetric{} }

func (x *TokenUsageMetric) Name() string  { return "token_usage_metric" }
func (x *TokenUsageMetric) Stage() Stage  { return StageMetrics }
func (x *TokenUsageMetric) Reads() []model.Kind {
	return []model.Kind{model.KindTask, model.KindAction}
}
func (x *TokenUsageMetric) Produces() []model.Kind { return []model.Kind{model.KindMetric} }

func (x *TokenUsageMetric) Process(_ context.Context, in Input) ([]model.Entity, error) {
	type usage struct {
		tokens float64
		last   time.Time
	}
	perTask := make(map[uuid.UUID]*usage)
	for _, a := range in.Actions() {
		if a.Kind != model.ActionKindLLM {
			continue
		}
		total := numericAttr(a.Attributes, "gen_ai.usage.total_tokens")
		if total == 0 {
			total = numericAttr(a.Attributes, "gen_ai.usage.input_tokens") +
				numericAttr(a.Attributes, "gen_ai.usage.output_tokens")
		}
		if total == 0 {
			continue
		}
		u := perTask[a.TaskID]
		if u == nil {
			u = &usage{}
			perTask[a.TaskID] = u
		}
		u.tokens += total
		if a.EndedAt != nil && a.EndedAt.After(u.last) {
			u.last = *a.EndedAt
		}
	}

	var out []model.Entity
	for _, t := range in.Tasks() {
		u, ok := perTask[t.ID]
		if !ok {
			continue
		}
		recordedAt := u.last
		if recordedAt.IsZero() {
			recordedAt = t.StartedAt
		}
		m, err := model.NewMetric(model.MetricParams{
			ID:          derivedID(in.TenantID, MetricTokenUsage, t.ID.String()),
			Name:        MetricTokenUsage,
			Description: "Total LLM tokens consumed by task " + t.Name,
			Attributes:  map[string]any{AttrTaskID: t.ID.String()},
			Value:       u.tokens,
			Category:    model.MetricCategoryCost,
			Type:        model.MetricTypeNumeric,
			RecordedAt:  recordedAt,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// ErrorRateMetric emits one quality metric per batch: the fraction of
// completed tasks that ended in failure or timeout.
type ErrorRateMetric struct{}

func NewErrorRateMetric() *ErrorRateMetric { return &ErrorRateMetric{} }

func (x *ErrorRateMetric) Name() string           { return "error_rate_metric" }
func (x *ErrorRateMetric) Stage() Stage           { return StageMetrics }
func (x *ErrorRateMetric) Reads() []model.Kind    { return []model.Kind{model.KindTask} }
func (x *ErrorRateMetric) Produces() []model.Kind { return []model.Kind{model.KindMetric} }

func (x *ErrorRateMetric) Process(_ context.Context, in Input) ([]model.Entity, error) {
	tasks := in.Tasks()
	var completed, failed int
	var latest time.Time
	var seed string
	for _, t := range tasks {
		if !t.Completed() {
			continue
		}
		completed++
		if t.Status == model.TaskStatusFailure || t.Status == model.TaskStatusTimeout {
			failed++
		}
		if t.EndedAt.After(latest) {
			latest = *t.EndedAt
			seed = t.ID.String()
		}
	}
	if completed == 0 {
		return nil, nil
	}

	m, err := model.NewMetric(model.MetricParams{
		// Keyed by the latest task so re-ingesting the batch is idempotent
		// while distinct batches stay distinct.
		ID:          derivedID(in.TenantID, MetricErrorRate, seed),
		Name:        MetricErrorRate,
		Description: fmt.Sprintf("%d of %d completed tasks failed", failed, completed),
		Value:       float64(failed) / float64(completed),
		Category:    model.MetricCategoryQuality,
		Type:        model.MetricTypeNumeric,
		RecordedAt:  latest,
	})
	if err != nil {
		return nil, err
	}
	return []model.Entity{m}, nil
}

// numericAttr reads an attribute as float64, tolerating the numeric types
// that survive JSON decoding.
func numericAttr(attrs map[string]any, key string) float64 {
	switch v := attrs[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return 0
	}
}

package extension

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kansatsu/internal/model"
)

// retryRecommendationMinFailures is the failure-issue count on a single task
// at which a retry/backoff recommendation is emitted.
const retryRecommendationMinFailures = 2

// RetryRecommendation suggests retry policy changes for tasks that
// repeatedly fail. It correlates failure issues with latency metrics: a task
// that both fails and runs slow gets a higher-impact recommendation.
type RetryRecommendation struct{}

func NewRetryRecommendation() *RetryRecommendation { return &RetryRecommendation{} }

func (x *RetryRecommendation) Name() string { return "retry_recommendation" }
func (x *RetryRecommendation) Stage() Stage { return StageRecommendations }
func (x *RetryRecommendation) Reads() []model.Kind {
	return []model.Kind{model.KindTask, model.KindMetric, model.KindIssue}
}
func (x *RetryRecommendation) Produces() []model.Kind {
	return []model.Kind{model.KindRecommendation}
}

func (x *RetryRecommendation) Process(_ context.Context, in Input) ([]model.Entity, error) {
	// Failure issues grouped by the task they relate to. Tasks sharing a
	// name are treated as attempts of the same logical operation.
	taskName := make(map[uuid.UUID]string)
	for _, t := range in.Tasks() {
		taskName[t.ID] = t.Name
	}

	type group struct {
		failures int
		taskIDs  []uuid.UUID
		latest   time.Time
	}
	byName := make(map[string]*group)
	for _, issue := range in.Issues() {
		if issue.Name != "task_failure" && issue.Name != "task_timeout" {
			continue
		}
		for _, id := range issue.RelatedTo {
			name, ok := taskName[id]
			if !ok {
				continue
			}
			g := byName[name]
			if g == nil {
				g = &group{}
				byName[name] = g
			}
			g.failures++
			g.taskIDs = append(g.taskIDs, id)
			if issue.DetectedAt.After(g.latest) {
				g.latest = issue.DetectedAt
			}
		}
	}

	slow := make(map[uuid.UUID]bool)
	for _, m := range in.Metrics() {
		if m.Name != MetricTaskLatencyMS {
			continue
		}
		if id, err := uuid.Parse(stringAttr(m.Attributes, AttrTaskID)); err == nil &&
			time.Duration(m.Value)*time.Millisecond > defaultSlowTaskThreshold {
			slow[id] = true
		}
	}

	var out []model.Entity
	for name, g := range byName {
		if g.failures < retryRecommendationMinFailures {
			continue
		}

		level := model.RecommendationModerate
		effect := "repeated failures waste the whole subtree's work"
		for _, id := range g.taskIDs {
			if slow[id] {
				level = model.RecommendationMajor
				effect = "repeated slow failures compound latency and cost"
				break
			}
		}

		rec, err := model.NewRecommendation(model.RecommendationParams{
			ID:          derivedID(in.TenantID, "retry_recommendation", name),
			Name:        "add_retry_backoff",
			Description: fmt.Sprintf("operation %q failed %d times in one trace; add bounded retry with backoff or circuit-break the dependency", name, g.failures),
			Attributes:  map[string]any{"failure_count": g.failures},
			RelatedTo:   g.taskIDs,
			Level:       level,
			Effect:      effect,
			RecordedAt:  g.latest,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

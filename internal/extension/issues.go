package extension

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kansatsu/internal/model"
)

const defaultSlowTaskThreshold = 30 * time.Second

// FailureIssue raises an issue for every task that ended in failure or
// timeout. Failures are error level with full confidence; timeouts are
// warnings, since a timeout may be environmental rather than a defect.
type FailureIssue struct{}

func NewFailureIssue() *FailureIssue { return &FailureIssue{} }

func (x *FailureIssue) Name() string           { return "failure_issue" }
func (x *FailureIssue) Stage() Stage           { return StageIssues }
func (x *FailureIssue) Reads() []model.Kind    { return []model.Kind{model.KindTask} }
func (x *FailureIssue) Produces() []model.Kind { return []model.Kind{model.KindIssue} }

func (x *FailureIssue) Process(_ context.Context, in Input) ([]model.Entity, error) {
	var out []model.Entity
	for _, t := range in.Tasks() {
		var (
			level      model.IssueLevel
			confidence float64
		)
		switch t.Status {
		case model.TaskStatusFailure:
			level, confidence = model.IssueLevelError, 1.0
		case model.TaskStatusTimeout:
			level, confidence = model.IssueLevelWarning, 0.8
		default:
			continue
		}

		detectedAt := t.StartedAt
		if t.EndedAt != nil {
			detectedAt = *t.EndedAt
		}
		issue, err := model.NewIssue(model.IssueParams{
			ID:          derivedID(in.TenantID, "failure_issue", t.ID.String()),
			Name:        "task_" + string(t.Status),
			Description: fmt.Sprintf("task %q ended with status %s", t.Name, t.Status),
			RelatedTo:   []uuid.UUID{t.ID},
			Level:       level,
			Effect:      "task did not produce its intended result",
			Confidence:  confidence,
			DetectedAt:  detectedAt,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, issue)
	}
	return out, nil
}

// SlowTaskIssue flags tasks whose latency metric exceeds a threshold. It
// reads the metrics stage's output, so it demonstrates a cross-stage
// dependency the registry can verify.
type SlowTaskIssue struct {
	threshold time.Duration
}

func NewSlowTaskIssue(threshold time.Duration) *SlowTaskIssue {
	if threshold <= 0 {
		threshold = defaultSlowTaskThreshold
	}
	return &SlowTaskIssue{threshold: threshold}
}

func (x *SlowTaskIssue) Name() string  { return "slow_task_issue" }
func (x *SlowTaskIssue) Stage() Stage  { return StageIssues }
func (x *SlowTaskIssue) Reads() []model.Kind {
	return []model.Kind{model.KindTask, model.KindMetric}
}
func (x *SlowTaskIssue) Produces() []model.Kind { return []model.Kind{model.KindIssue} }

func (x *SlowTaskIssue) Process(_ context.Context, in Input) ([]model.Entity, error) {
	names := make(map[uuid.UUID]string)
	for _, t := range in.Tasks() {
		names[t.ID] = t.Name
	}

	var out []model.Entity
	for _, m := range in.Metrics() {
		if m.Name != MetricTaskLatencyMS {
			continue
		}
		if time.Duration(m.Value)*time.Millisecond <= x.threshold {
			continue
		}
		taskID, err := uuid.Parse(stringAttr(m.Attributes, AttrTaskID))
		if err != nil {
			continue
		}

		issue, err := model.NewIssue(model.IssueParams{
			ID:          derivedID(in.TenantID, "slow_task_issue", taskID.String()),
			Name:        "slow_task",
			Description: fmt.Sprintf("task %q ran %.0fms, threshold %s", names[taskID], m.Value, x.threshold),
			Attributes:  map[string]any{"threshold_ms": x.threshold.Milliseconds()},
			RelatedTo:   []uuid.UUID{taskID},
			Level:       model.IssueLevelWarning,
			Effect:      "elevated end-to-end latency",
			Confidence:  1.0,
			DetectedAt:  m.RecordedAt,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, issue)
	}
	return out, nil
}

func stringAttr(attrs map[string]any, key string) string {
	s, _ := attrs[key].(string)
	return s
}

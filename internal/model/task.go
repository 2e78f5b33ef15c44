package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskStatus represents the terminal (or in-progress) state of a task.
type TaskStatus string

const (
	TaskStatusSuccess   TaskStatus = "success"
	TaskStatusFailure   TaskStatus = "failure"
	TaskStatusTimeout   TaskStatus = "timeout"
	TaskStatusCancelled TaskStatus = "cancelled"
	TaskStatusUnknown   TaskStatus = "unknown"
)

// TaskKind classifies what sort of agent work a task represents.
type TaskKind string

const (
	TaskKindPlanning  TaskKind = "planning"
	TaskKindRetrieval TaskKind = "retrieval"
	TaskKindReasoning TaskKind = "reasoning"
	TaskKindAction    TaskKind = "action"
	TaskKindOther     TaskKind = "other"
)

// Task is a semantic unit of agent work inferred from one or more spans.
// A task's lifetime is bounded by, but independent of, its parent's.
// Immutable once created.
type Task struct {
	Relatable
	StartedAt    time.Time  `json:"started_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	Status       TaskStatus `json:"status"`
	Kind         TaskKind   `json:"kind"`
	Tags         []string   `json:"tags,omitempty"`
	ParentTaskID *uuid.UUID `json:"parent_task_id,omitempty"`
}

// EntityKind implements Entity.
func (t Task) EntityKind() Kind { return KindTask }

// EntityTime implements Entity.
func (t Task) EntityTime() time.Time { return t.StartedAt }

// TaskParams holds the inputs for NewTask.
type TaskParams struct {
	ID           uuid.UUID
	Name         string
	Description  string
	Attributes   map[string]any
	RelatedTo    []uuid.UUID
	StartedAt    time.Time
	EndedAt      *time.Time
	Status       TaskStatus
	Kind         TaskKind
	Tags         []string
	ParentTaskID *uuid.UUID
}

// NewTask validates and constructs a Task. An in-progress task has no end
// timestamp; when both are known, start must not be after end.
func NewTask(p TaskParams) (Task, error) {
	if p.ID == uuid.Nil {
		return Task{}, fmt.Errorf("model: task %q: missing ID", p.Name)
	}
	if p.StartedAt.IsZero() {
		return Task{}, fmt.Errorf("model: task %q: missing start timestamp", p.Name)
	}
	if p.EndedAt != nil && p.EndedAt.Before(p.StartedAt) {
		return Task{}, fmt.Errorf("model: task %q: end %s before start %s",
			p.Name, p.EndedAt.Format(time.RFC3339Nano), p.StartedAt.Format(time.RFC3339Nano))
	}
	if p.Status == "" {
		p.Status = TaskStatusUnknown
	}
	if p.Kind == "" {
		p.Kind = TaskKindOther
	}
	return Task{
		Relatable: Relatable{
			Element: Element{
				ID:          p.ID,
				Name:        p.Name,
				Description: p.Description,
				Attributes:  cloneAttrs(p.Attributes),
				CreatedAt:   time.Now().UTC(),
			},
			RelatedTo: cloneIDs(p.RelatedTo),
		},
		StartedAt:    p.StartedAt,
		EndedAt:      p.EndedAt,
		Status:       p.Status,
		Kind:         p.Kind,
		Tags:         append([]string(nil), p.Tags...),
		ParentTaskID: p.ParentTaskID,
	}, nil
}

// Completed reports whether the task has an end timestamp.
func (t Task) Completed() bool { return t.EndedAt != nil }

// Duration returns the task's wall-clock duration, or zero if still in progress.
func (t Task) Duration() time.Duration {
	if t.EndedAt == nil {
		return 0
	}
	return t.EndedAt.Sub(t.StartedAt)
}

package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ActionKind classifies the concrete mechanism behind an action.
type ActionKind string

const (
	ActionKindTool      ActionKind = "tool"
	ActionKindLLM       ActionKind = "llm"
	ActionKindML        ActionKind = "ml"
	ActionKindVectorDB  ActionKind = "vector_db"
	ActionKindWorkflow  ActionKind = "workflow"
	ActionKindGuardrail ActionKind = "guardrail"
	ActionKindHuman     ActionKind = "human"
	ActionKindOther     ActionKind = "other"
)

// Code describes the implementation behind an action.
type Code struct {
	Language  string `json:"language,omitempty"`
	Reference string `json:"reference,omitempty"`
}

// Action is a concrete mechanism (tool/LLM/workflow call) implementing a task.
// An action is always associated with exactly one task; many actions may
// reference the same task. Immutable once created.
type Action struct {
	Relatable
	Kind      ActionKind     `json:"kind"`
	Code      Code           `json:"code,omitempty"`
	Inputs    map[string]any `json:"inputs,omitempty"`
	Outputs   map[string]any `json:"outputs,omitempty"`
	TaskID    uuid.UUID      `json:"task_id"`
	StartedAt time.Time      `json:"started_at"`
	EndedAt   *time.Time     `json:"ended_at,omitempty"`
}

// EntityKind implements Entity.
func (a Action) EntityKind() Kind { return KindAction }

// EntityTime implements Entity.
func (a Action) EntityTime() time.Time { return a.StartedAt }

// ActionParams holds the inputs for NewAction.
type ActionParams struct {
	ID          uuid.UUID
	Name        string
	Description string
	Attributes  map[string]any
	RelatedTo   []uuid.UUID
	Kind        ActionKind
	Code        Code
	Inputs      map[string]any
	Outputs     map[string]any
	TaskID      uuid.UUID
	StartedAt   time.Time
	EndedAt     *time.Time
}

// NewAction validates and constructs an Action.
func NewAction(p ActionParams) (Action, error) {
	if p.ID == uuid.Nil {
		return Action{}, fmt.Errorf("model: action %q: missing ID", p.Name)
	}
	if p.TaskID == uuid.Nil {
		return Action{}, fmt.Errorf("model: action %q: missing task ID", p.Name)
	}
	if p.StartedAt.IsZero() {
		return Action{}, fmt.Errorf("model: action %q: missing start timestamp", p.Name)
	}
	if p.EndedAt != nil && p.EndedAt.Before(p.StartedAt) {
		return Action{}, fmt.Errorf("model: action %q: end before start", p.Name)
	}
	if p.Kind == "" {
		p.Kind = ActionKindOther
	}
	return Action{
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
		Kind:      p.Kind,
		Code:      p.Code,
		Inputs:    cloneAttrs(p.Inputs),
		Outputs:   cloneAttrs(p.Outputs),
		TaskID:    p.TaskID,
		StartedAt: p.StartedAt,
		EndedAt:   p.EndedAt,
	}, nil
}

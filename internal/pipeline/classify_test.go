package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ashita-ai/kansatsu/internal/model"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		span model.RawSpan
		want spanClass
	}{
		{
			name: "tool attribute wins",
			span: model.RawSpan{Name: "anything", Attributes: map[string]any{"tool.name": "calculator"}},
			want: spanClass{isAction: true, actionKind: model.ActionKindTool},
		},
		{
			name: "gen_ai attribute prefix",
			span: model.RawSpan{Name: "step", Attributes: map[string]any{"gen_ai.system": "openai"}},
			want: spanClass{isAction: true, actionKind: model.ActionKindLLM},
		},
		{
			name: "db.system is vector db",
			span: model.RawSpan{Name: "query", Attributes: map[string]any{"db.system": "qdrant"}},
			want: spanClass{isAction: true, actionKind: model.ActionKindVectorDB},
		},
		{
			name: "attributes outrank the name",
			span: model.RawSpan{Name: "plan step", Attributes: map[string]any{"guardrail.policy": "pii"}},
			want: spanClass{isAction: true, actionKind: model.ActionKindGuardrail},
		},
		{
			name: "chat name prefix",
			span: model.RawSpan{Name: "chat gpt-4o"},
			want: spanClass{isAction: true, actionKind: model.ActionKindLLM},
		},
		{
			name: "tool slash name prefix",
			span: model.RawSpan{Name: "tool/web_search"},
			want: spanClass{isAction: true, actionKind: model.ActionKindTool},
		},
		{
			name: "name prefix is case insensitive",
			span: model.RawSpan{Name: "Workflow.step_3"},
			want: spanClass{isAction: true, actionKind: model.ActionKindWorkflow},
		},
		{
			name: "planning keyword",
			span: model.RawSpan{Name: "plan itinerary"},
			want: spanClass{taskKind: model.TaskKindPlanning},
		},
		{
			name: "retrieval keyword mid-name",
			span: model.RawSpan{Name: "document retrieval pass"},
			want: spanClass{taskKind: model.TaskKindRetrieval},
		},
		{
			name: "reasoning keyword stem",
			span: model.RawSpan{Name: "analyze results"},
			want: spanClass{taskKind: model.TaskKindReasoning},
		},
		{
			name: "execution keyword",
			span: model.RawSpan{Name: "execute plan"},
			// Keyword order is positional: "plan" appears later in the name
			// but earlier in the table.
			want: spanClass{taskKind: model.TaskKindPlanning},
		},
		{
			name: "unclassifiable falls back to other",
			span: model.RawSpan{Name: "zorp"},
			want: spanClass{taskKind: model.TaskKindOther},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classify(tt.span))
		})
	}
}

func TestClassify_MultiMarkerSpanIsStable(t *testing.T) {
	// Two marker attributes on one span. Marker table order decides the
	// verdict, not map iteration order, so repeated runs must agree.
	span := model.RawSpan{Name: "call", Attributes: map[string]any{
		"tool.name":     "web_search",
		"gen_ai.system": "openai",
	}}
	want := spanClass{isAction: true, actionKind: model.ActionKindTool}
	for range 500 {
		assert.Equal(t, want, classify(span))
	}
}

func TestDeriveStatus(t *testing.T) {
	end := time.Now().UTC()
	tests := []struct {
		name  string
		ended *time.Time
		attrs map[string]any
		want  model.TaskStatus
	}{
		{"no end timestamp", nil, map[string]any{"error": true}, model.TaskStatusUnknown},
		{"clean completion", &end, nil, model.TaskStatusSuccess},
		{"error flag", &end, map[string]any{"error": true}, model.TaskStatusFailure},
		{"error flag false", &end, map[string]any{"error": false}, model.TaskStatusSuccess},
		{"status string", &end, map[string]any{"status": "failed"}, model.TaskStatusFailure},
		{"otel status code", &end, map[string]any{"otel.status_code": "ERROR"}, model.TaskStatusFailure},
		{"otel unset", &end, map[string]any{"otel.status_code": "UNSET"}, model.TaskStatusSuccess},
		{"timeout", &end, map[string]any{"status": "deadline_exceeded"}, model.TaskStatusTimeout},
		{"cancelled", &end, map[string]any{"status": "cancelled"}, model.TaskStatusCancelled},
		{"canceled", &end, map[string]any{"status": "canceled"}, model.TaskStatusCancelled},
		{"unrecognized status", &end, map[string]any{"status": "wedged"}, model.TaskStatusUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := deriveStatus(model.RawSpan{EndedAt: tt.ended, Attributes: tt.attrs})
			assert.Equal(t, tt.want, got)
		})
	}
}

package pipeline

import (
	"strings"

	"github.com/ashita-ai/kansatsu/internal/model"
)

// Classification policy. A span is an Action when it carries a mechanism
// marker (a well-known attribute or operation-name prefix identifying the
// concrete tool/model/system invoked); otherwise it is a Task. Unclassifiable
// spans become Tasks of kind "other" rather than being dropped: losing
// structure is worse than losing precision.

// spanClass is the classification verdict for one raw span.
type spanClass struct {
	isAction   bool
	actionKind model.ActionKind
	taskKind   model.TaskKind
}

// actionAttrMarkers maps attribute-key prefixes to action kinds, checked in
// order. Exact keys are expressed as full-length prefixes.
var actionAttrMarkers = []struct {
	prefix string
	kind   model.ActionKind
}{
	{"tool.name", model.ActionKindTool},
	{"gen_ai.", model.ActionKindLLM},
	{"llm.", model.ActionKindLLM},
	{"ml.model", model.ActionKindML},
	{"db.system", model.ActionKindVectorDB},
	{"workflow.", model.ActionKindWorkflow},
	{"guardrail.", model.ActionKindGuardrail},
	{"human.", model.ActionKindHuman},
}

// actionNameMarkers maps operation-name prefixes to action kinds.
var actionNameMarkers = []struct {
	prefix string
	kind   model.ActionKind
}{
	{"tool.", model.ActionKindTool},
	{"tool/", model.ActionKindTool},
	{"llm.", model.ActionKindLLM},
	{"gen_ai.", model.ActionKindLLM},
	{"chat ", model.ActionKindLLM},
	{"embeddings ", model.ActionKindLLM},
	{"ml.", model.ActionKindML},
	{"vector.", model.ActionKindVectorDB},
	{"workflow.", model.ActionKindWorkflow},
	{"guardrail.", model.ActionKindGuardrail},
	{"human.", model.ActionKindHuman},
}

// taskNameKeywords maps name substrings to task kinds, checked in order.
var taskNameKeywords = []struct {
	keyword string
	kind    model.TaskKind
}{
	{"plan", model.TaskKindPlanning},
	{"retriev", model.TaskKindRetrieval},
	{"search", model.TaskKindRetrieval},
	{"fetch", model.TaskKindRetrieval},
	{"lookup", model.TaskKindRetrieval},
	{"reason", model.TaskKindReasoning},
	{"think", model.TaskKindReasoning},
	{"reflect", model.TaskKindReasoning},
	{"analyz", model.TaskKindReasoning},
	{"execut", model.TaskKindAction},
	{"invoke", model.TaskKindAction},
	{"apply", model.TaskKindAction},
}

func classify(span model.RawSpan) spanClass {
	// Marker table order decides ties: a span carrying several marker
	// attributes always classifies to the first matching table entry.
	for _, m := range actionAttrMarkers {
		for key := range span.Attributes {
			if strings.HasPrefix(key, m.prefix) {
				return spanClass{isAction: true, actionKind: m.kind}
			}
		}
	}

	name := strings.ToLower(span.Name)
	for _, m := range actionNameMarkers {
		if strings.HasPrefix(name, m.prefix) {
			return spanClass{isAction: true, actionKind: m.kind}
		}
	}

	for _, k := range taskNameKeywords {
		if strings.Contains(name, k.keyword) {
			return spanClass{taskKind: k.kind}
		}
	}
	return spanClass{taskKind: model.TaskKindOther}
}

// deriveStatus inspects conventional status attributes. A span without an
// end timestamp is in progress, never failed.
func deriveStatus(span model.RawSpan) model.TaskStatus {
	if span.EndedAt == nil {
		return model.TaskStatusUnknown
	}
	if v, ok := span.Attributes["error"].(bool); ok && v {
		return model.TaskStatusFailure
	}
	status, _ := span.Attributes["status"].(string)
	if status == "" {
		status, _ = span.Attributes["otel.status_code"].(string)
	}
	switch strings.ToLower(status) {
	case "error", "failure", "failed":
		return model.TaskStatusFailure
	case "timeout", "deadline_exceeded":
		return model.TaskStatusTimeout
	case "cancelled", "canceled":
		return model.TaskStatusCancelled
	case "", "ok", "success", "unset":
		return model.TaskStatusSuccess
	default:
		return model.TaskStatusUnknown
	}
}

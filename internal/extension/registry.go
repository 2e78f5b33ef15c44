package extension

import (
	"fmt"
	"time"
)

// DependencyError reports an invalid extension declaration. It is only ever
// returned by NewRegistry; a registry that constructed successfully cannot
// hit dependency violations at runtime.
type DependencyError struct {
	Extension string
	Reason    string
}

func (e DependencyError) Error() string {
	return fmt.Sprintf("extension: %s: %s", e.Extension, e.Reason)
}

// Registry holds a validated, stage-ordered extension set.
type Registry struct {
	byStage map[Stage][]Extension
	names   map[string]bool
}

// NewRegistry validates the declared read/produce sets of every extension
// against the stage order:
//
//   - an extension may only produce kinds its own stage produces;
//   - an extension may only read structural kinds (tasks, actions, graphs)
//     and kinds produced by strictly earlier stages. Reading a kind produced
//     in the same stage would make output depend on intra-stage scheduling.
func NewRegistry(exts ...Extension) (*Registry, error) {
	r := &Registry{
		byStage: make(map[Stage][]Extension),
		names:   make(map[string]bool, len(exts)),
	}

	for _, ext := range exts {
		name := ext.Name()
		if name == "" {
			return nil, DependencyError{Extension: "(unnamed)", Reason: "extension name must not be empty"}
		}
		if r.names[name] {
			return nil, DependencyError{Extension: name, Reason: "duplicate extension name"}
		}

		stage := ext.Stage()
		if stage < StageMetrics || stage > StageRecommendations {
			return nil, DependencyError{Extension: name, Reason: fmt.Sprintf("unknown stage %d", stage)}
		}

		for _, k := range ext.Produces() {
			ps, ok := producingStage[k]
			if !ok {
				return nil, DependencyError{Extension: name, Reason: fmt.Sprintf("produces unknown kind %q", k)}
			}
			if ps != stage {
				return nil, DependencyError{
					Extension: name,
					Reason:    fmt.Sprintf("stage %s cannot produce kind %q (belongs to stage %s)", stage, k, ps),
				}
			}
		}
		if len(ext.Produces()) == 0 {
			return nil, DependencyError{Extension: name, Reason: "must declare at least one produced kind"}
		}

		for _, k := range ext.Reads() {
			ps, ok := producingStage[k]
			if !ok {
				return nil, DependencyError{Extension: name, Reason: fmt.Sprintf("reads unknown kind %q", k)}
			}
			if ps >= stage {
				return nil, DependencyError{
					Extension: name,
					Reason:    fmt.Sprintf("stage %s cannot read kind %q produced in stage %s", stage, k, ps),
				}
			}
		}

		r.names[name] = true
		r.byStage[stage] = append(r.byStage[stage], ext)
	}

	return r, nil
}

// Defaults returns the built-in extension set. A non-positive threshold
// falls back to the built-in slow-task default.
func Defaults(slowTaskThreshold time.Duration) []Extension {
	return []Extension{
		NewLatencyMetric(),
		NewTokenUsageMetric(),
		NewErrorRateMetric(),
		NewFailureIssue(),
		NewSlowTaskIssue(slowTaskThreshold),
		NewLoopAnnotation(),
		NewRetryRecommendation(),
	}
}

// Names returns all registered extension names in stage order.
func (r *Registry) Names() []string {
	var out []string
	for _, stage := range Stages {
		for _, ext := range r.byStage[stage] {
			out = append(out, ext.Name())
		}
	}
	return out
}

// stageExtensions returns the extensions of one stage in registration order.
func (r *Registry) stageExtensions(s Stage) []Extension {
	return r.byStage[s]
}

// Package extension is the enrichment framework: pluggable analyzers that
// derive metrics, issues, annotations, and recommendations from a
// reconstructed trace batch.
//
// Extensions declare what they read and what they produce. The registry
// validates those declarations at construction time against the stage order,
// so a mis-wired extension set fails at startup, never mid-ingestion.
package extension

import (
	"context"
	"slices"

	"github.com/google/uuid"

	"github.com/ashita-ai/kansatsu/internal/model"
)

// Stage orders extension execution. All extensions of one stage run before
// any extension of the next; within a stage execution is concurrent.
type Stage int

const (
	StageMetrics Stage = iota
	StageIssues
	StageAnnotations
	StageRecommendations
)

// Stages in execution order.
var Stages = []Stage{StageMetrics, StageIssues, StageAnnotations, StageRecommendations}

func (s Stage) String() string {
	switch s {
	case StageMetrics:
		return "metrics"
	case StageIssues:
		return "issues"
	case StageAnnotations:
		return "annotations"
	case StageRecommendations:
		return "recommendations"
	default:
		return "unknown"
	}
}

// stageStructural marks kinds produced by trace reconstruction, before any
// extension runs. Every stage may read them.
const stageStructural Stage = -1

// producingStage maps each entity kind to the stage that produces it.
var producingStage = map[model.Kind]Stage{
	model.KindTask:           stageStructural,
	model.KindAction:         stageStructural,
	model.KindGraph:          stageStructural,
	model.KindMetric:         StageMetrics,
	model.KindIssue:          StageIssues,
	model.KindAnnotation:     StageAnnotations,
	model.KindRecommendation: StageRecommendations,
}

// Extension is one enrichment analyzer.
//
// Process must be pure with respect to its declared inputs: same Input, same
// outputs. It must not retain or mutate anything reachable from Input after
// returning.
type Extension interface {
	Name() string
	Stage() Stage

	// Reads declares the entity kinds visible through Input. Undeclared
	// kinds read as empty.
	Reads() []model.Kind

	// Produces declares the entity kinds Process may emit. Emitted entities
	// of undeclared kinds are discarded.
	Produces() []model.Kind

	Process(ctx context.Context, in Input) ([]model.Entity, error)
}

// Set is the working set of one ingestion batch: the reconstructed entities
// plus everything extensions have produced so far. Not safe for concurrent
// mutation; the runner merges stage outputs under a barrier.
type Set struct {
	Tasks           []model.Task
	Actions         []model.Action
	Graphs          []model.Graph
	Metrics         []model.Metric
	Issues          []model.Issue
	Annotations     []model.Annotation
	Recommendations []model.Recommendation
}

// Add appends entities of known kinds to the set.
func (s *Set) Add(entities ...model.Entity) {
	for _, e := range entities {
		switch v := e.(type) {
		case model.Task:
			s.Tasks = append(s.Tasks, v)
		case model.Action:
			s.Actions = append(s.Actions, v)
		case model.Graph:
			s.Graphs = append(s.Graphs, v)
		case model.Metric:
			s.Metrics = append(s.Metrics, v)
		case model.Issue:
			s.Issues = append(s.Issues, v)
		case model.Annotation:
			s.Annotations = append(s.Annotations, v)
		case model.Recommendation:
			s.Recommendations = append(s.Recommendations, v)
		}
	}
}

// Entities flattens the set in stage order (structural first).
func (s *Set) Entities() []model.Entity {
	out := make([]model.Entity, 0,
		len(s.Tasks)+len(s.Actions)+len(s.Graphs)+len(s.Metrics)+
			len(s.Issues)+len(s.Annotations)+len(s.Recommendations))
	for _, v := range s.Tasks {
		out = append(out, v)
	}
	for _, v := range s.Actions {
		out = append(out, v)
	}
	for _, v := range s.Graphs {
		out = append(out, v)
	}
	for _, v := range s.Metrics {
		out = append(out, v)
	}
	for _, v := range s.Issues {
		out = append(out, v)
	}
	for _, v := range s.Annotations {
		out = append(out, v)
	}
	for _, v := range s.Recommendations {
		out = append(out, v)
	}
	return out
}

// Input is the read view handed to one extension: the working set restricted
// to the extension's declared read kinds. Slices are cloned so an extension
// cannot reorder the shared set.
type Input struct {
	TenantID uuid.UUID

	reads map[model.Kind]bool
	set   *Set
}

func newInput(tenantID uuid.UUID, set *Set, reads []model.Kind) Input {
	m := make(map[model.Kind]bool, len(reads))
	for _, k := range reads {
		m[k] = true
	}
	return Input{TenantID: tenantID, reads: m, set: set}
}

func (in Input) Tasks() []model.Task {
	if !in.reads[model.KindTask] {
		return nil
	}
	return slices.Clone(in.set.Tasks)
}

func (in Input) Actions() []model.Action {
	if !in.reads[model.KindAction] {
		return nil
	}
	return slices.Clone(in.set.Actions)
}

func (in Input) Graphs() []model.Graph {
	if !in.reads[model.KindGraph] {
		return nil
	}
	return slices.Clone(in.set.Graphs)
}

func (in Input) Metrics() []model.Metric {
	if !in.reads[model.KindMetric] {
		return nil
	}
	return slices.Clone(in.set.Metrics)
}

func (in Input) Issues() []model.Issue {
	if !in.reads[model.KindIssue] {
		return nil
	}
	return slices.Clone(in.set.Issues)
}

func (in Input) Annotations() []model.Annotation {
	if !in.reads[model.KindAnnotation] {
		return nil
	}
	return slices.Clone(in.set.Annotations)
}

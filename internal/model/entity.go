// Package model defines the semantic entity types Kansatsu reconstructs
// from raw agent traces.
//
// All types are value types built via validating factories and never mutated
// after construction. An "update" is re-construction of a new value under the
// same deterministic ID, not an in-place overwrite. Types use strong typing
// (UUIDs, time.Time, enums) and avoid interface{} wherever possible.
package model

import (
	"time"

	"github.com/google/uuid"
)

// Kind identifies the concrete type of a semantic entity.
type Kind string

const (
	KindTask           Kind = "task"
	KindAction         Kind = "action"
	KindMetric         Kind = "metric"
	KindIssue          Kind = "issue"
	KindAnnotation     Kind = "annotation"
	KindRecommendation Kind = "recommendation"
	KindGraph          Kind = "graph"
)

// Kinds is the closed set of entity kinds, in no particular order.
var Kinds = []Kind{
	KindTask, KindAction, KindMetric, KindIssue,
	KindAnnotation, KindRecommendation, KindGraph,
}

// Entity is implemented by every semantic entity that can be stored and queried.
type Entity interface {
	// EntityID is unique and stable across re-ingestion of the same logical entity.
	EntityID() uuid.UUID
	EntityKind() Kind
	// EntityTime is the entity's primary timestamp: task/action start,
	// metric/issue/annotation/recommendation observation time.
	EntityTime() time.Time
}

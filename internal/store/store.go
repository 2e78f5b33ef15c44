// Package store provides the multi-tenant storage abstraction for semantic
// entities, with an in-memory backend (process lifetime, strongly consistent)
// and a durable backend (Elasticsearch index + OTLP trace store, eventually
// consistent). Callers above this package never branch on the backend kind.
package store

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kansatsu/internal/model"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("store: not found")

// UnavailableError indicates the durable backend is unreachable. Reads fail
// fast with it; writes are buffered and retried instead.
type UnavailableError struct {
	Backend string
	Err     error
}

func (e UnavailableError) Error() string {
	return fmt.Sprintf("store: %s backend unavailable: %v", e.Backend, e.Err)
}

func (e UnavailableError) Unwrap() error { return e.Err }

// PutError reports per-entity persistence failures from a single Put call.
// Entities not listed were accepted.
type PutError struct {
	Failed []uuid.UUID
	Err    error
}

func (e PutError) Error() string {
	ids := make([]string, len(e.Failed))
	for i, id := range e.Failed {
		ids[i] = id.String()
	}
	return fmt.Sprintf("store: put failed for %d entities [%s]: %v", len(e.Failed), strings.Join(ids, ", "), e.Err)
}

func (e PutError) Unwrap() error { return e.Err }

// Filter selects entities in Query. Zero-value fields are ignored.
type Filter struct {
	Kinds         []model.Kind
	MetricName    string           // metrics with this exact name
	MinIssueLevel model.IssueLevel // issues at or above this severity
	ParentTaskID  *uuid.UUID       // tasks with this parent
	RelatedTo     *uuid.UUID       // relatable entities referencing this ID
	From          *time.Time       // EntityTime >= From
	To            *time.Time       // EntityTime < To
	Limit         int              // 0 = unlimited
}

// wantsKind reports whether the filter admits entities of kind k.
func (f Filter) wantsKind(k model.Kind) bool {
	if len(f.Kinds) == 0 {
		return true
	}
	for _, want := range f.Kinds {
		if want == k {
			return true
		}
	}
	return false
}

// Matches applies the full filter to one entity. Used directly by the memory
// backend and by the durable backend for post-filtering fields the index
// query cannot express.
func (f Filter) Matches(e model.Entity) bool {
	if !f.wantsKind(e.EntityKind()) {
		return false
	}
	ts := e.EntityTime()
	if f.From != nil && ts.Before(*f.From) {
		return false
	}
	if f.To != nil && !ts.Before(*f.To) {
		return false
	}
	if f.MetricName != "" {
		m, ok := e.(model.Metric)
		if !ok || m.Name != f.MetricName {
			return false
		}
	}
	if f.MinIssueLevel != "" {
		i, ok := e.(model.Issue)
		if !ok || !i.Level.AtLeast(f.MinIssueLevel) {
			return false
		}
	}
	if f.ParentTaskID != nil {
		t, ok := e.(model.Task)
		if !ok || t.ParentTaskID == nil || *t.ParentTaskID != *f.ParentTaskID {
			return false
		}
	}
	if f.RelatedTo != nil && !relatedTo(e, *f.RelatedTo) {
		return false
	}
	return true
}

func relatedTo(e model.Entity, id uuid.UUID) bool {
	var ids []uuid.UUID
	switch v := e.(type) {
	case model.Task:
		ids = v.RelatedTo
	case model.Action:
		ids = v.RelatedTo
	case model.Issue:
		ids = v.RelatedTo
	case model.Annotation:
		ids = v.RelatedTo
	case model.Recommendation:
		ids = v.RelatedTo
	default:
		return false
	}
	for _, rid := range ids {
		if rid == id {
			return true
		}
	}
	return false
}

// Store is the uniform per-tenant entity storage interface.
// Implementations must be safe for concurrent use. Entity visibility is
// atomic: a concurrent reader sees either the pre-Put or post-Put value of an
// entity, never a half-written one.
type Store interface {
	// Put upserts entities keyed by EntityID. Per-entity failures are reported
	// as a PutError; entities it does not list were accepted.
	Put(ctx context.Context, entities []model.Entity) error

	// Get returns the entity with the given ID, or ErrNotFound.
	Get(ctx context.Context, id uuid.UUID) (model.Entity, error)

	// Query lazily yields entities matching the filter, ordered by EntityTime
	// ascending. For the durable backend, results immediately after Put are
	// best-effort, not guaranteed-fresh.
	Query(ctx context.Context, f Filter) iter.Seq2[model.Entity, error]

	// Delete removes the entity with the given ID. Deleting a missing entity
	// is not an error.
	Delete(ctx context.Context, id uuid.UUID) error

	// Healthy returns nil if the backend is reachable.
	Healthy(ctx context.Context) error

	// Close flushes pending writes and releases resources.
	Close(ctx context.Context) error
}

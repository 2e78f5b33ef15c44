package model

import (
	"time"

	"github.com/google/uuid"
)

// Element is the shared base of every semantic entity. Immutable once created.
type Element struct {
	ID          uuid.UUID      `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Attributes  map[string]any `json:"attributes,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// EntityID implements Entity.
func (e Element) EntityID() uuid.UUID { return e.ID }

// Relatable is an Element that may reference other elements in the same
// tenant's entity space. A reference is never an ownership edge: deleting a
// related element does not cascade.
type Relatable struct {
	Element
	RelatedTo []uuid.UUID `json:"related_to_ids,omitempty"`
}

// cloneAttrs copies an attribute map so callers cannot mutate a constructed
// entity through the map they passed in. Nested maps and slices of the
// JSON-shaped kind are copied too; other value types are stored as-is.
func cloneAttrs(attrs map[string]any) map[string]any {
	if len(attrs) == 0 {
		return nil
	}
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = cloneValue(vv)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = cloneValue(vv)
		}
		return out
	default:
		return v
	}
}

// cloneIDs copies a related-ID slice for the same reason.
func cloneIDs(ids []uuid.UUID) []uuid.UUID {
	if len(ids) == 0 {
		return nil
	}
	out := make([]uuid.UUID, len(ids))
	copy(out, ids)
	return out
}

package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kansatsu/internal/model"
)

// document is the wire envelope for one entity in the index and the WAL.
// Kind discriminates the payload type; ID and Timestamp are duplicated at the
// top level so the index can filter without parsing the payload.
type document struct {
	ID        uuid.UUID       `json:"id"`
	Kind      model.Kind      `json:"kind"`
	Timestamp time.Time       `json:"timestamp"`
	Entity    json.RawMessage `json:"entity"`
}

// encodeEntity wraps an entity in its document envelope.
func encodeEntity(e model.Entity) (document, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return document{}, fmt.Errorf("store: marshal %s %s: %w", e.EntityKind(), e.EntityID(), err)
	}
	return document{
		ID:        e.EntityID(),
		Kind:      e.EntityKind(),
		Timestamp: e.EntityTime().UTC(),
		Entity:    payload,
	}, nil
}

// decodeEntity restores a typed entity from its document envelope.
func decodeEntity(doc document) (model.Entity, error) {
	var (
		e   model.Entity
		err error
	)
	switch doc.Kind {
	case model.KindTask:
		var v model.Task
		err = json.Unmarshal(doc.Entity, &v)
		e = v
	case model.KindAction:
		var v model.Action
		err = json.Unmarshal(doc.Entity, &v)
		e = v
	case model.KindMetric:
		var v model.Metric
		err = json.Unmarshal(doc.Entity, &v)
		e = v
	case model.KindIssue:
		var v model.Issue
		err = json.Unmarshal(doc.Entity, &v)
		e = v
	case model.KindAnnotation:
		var v model.Annotation
		err = json.Unmarshal(doc.Entity, &v)
		e = v
	case model.KindRecommendation:
		var v model.Recommendation
		err = json.Unmarshal(doc.Entity, &v)
		e = v
	case model.KindGraph:
		var v model.Graph
		err = json.Unmarshal(doc.Entity, &v)
		e = v
	default:
		return nil, fmt.Errorf("store: unknown entity kind %q for %s", doc.Kind, doc.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("store: unmarshal %s %s: %w", doc.Kind, doc.ID, err)
	}
	return e, nil
}

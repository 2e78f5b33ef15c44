package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AnnotationType is the closed set of annotation classes. Annotations are
// purely descriptive and never change control flow.
type AnnotationType string

const (
	// Structural classes.
	AnnotationStructure AnnotationType = "structure"
	AnnotationLoop      AnnotationType = "loop"
	AnnotationBranch    AnnotationType = "branch"
	AnnotationHandoff   AnnotationType = "handoff"

	// Memory / provenance classes.
	AnnotationMemoryRead  AnnotationType = "memory_read"
	AnnotationMemoryWrite AnnotationType = "memory_write"
	AnnotationProvenance  AnnotationType = "provenance"

	// Semantic / functional classes.
	AnnotationIntent     AnnotationType = "intent"
	AnnotationCapability AnnotationType = "capability"
	AnnotationOutcome    AnnotationType = "outcome"

	// Context classes.
	AnnotationContextWindow AnnotationType = "context_window"
	AnnotationContextShift  AnnotationType = "context_shift"
)

var annotationTypes = map[AnnotationType]bool{
	AnnotationStructure: true, AnnotationLoop: true, AnnotationBranch: true,
	AnnotationHandoff: true, AnnotationMemoryRead: true, AnnotationMemoryWrite: true,
	AnnotationProvenance: true, AnnotationIntent: true, AnnotationCapability: true,
	AnnotationOutcome: true, AnnotationContextWindow: true, AnnotationContextShift: true,
}

// Annotation is a descriptive note attached to other entities.
// Immutable once created.
type Annotation struct {
	Relatable
	Type       AnnotationType `json:"annotation_type"`
	Title      string         `json:"title"`
	Content    string         `json:"content,omitempty"`
	RecordedAt time.Time      `json:"recorded_at"`
}

// EntityKind implements Entity.
func (a Annotation) EntityKind() Kind { return KindAnnotation }

// EntityTime implements Entity.
func (a Annotation) EntityTime() time.Time { return a.RecordedAt }

// AnnotationParams holds the inputs for NewAnnotation.
type AnnotationParams struct {
	ID         uuid.UUID
	Name       string
	Attributes map[string]any
	RelatedTo  []uuid.UUID
	Type       AnnotationType
	Title      string
	Content    string
	RecordedAt time.Time
}

// NewAnnotation validates and constructs an Annotation.
func NewAnnotation(p AnnotationParams) (Annotation, error) {
	if p.ID == uuid.Nil {
		return Annotation{}, fmt.Errorf("model: annotation %q: missing ID", p.Title)
	}
	if !annotationTypes[p.Type] {
		return Annotation{}, fmt.Errorf("model: annotation %q: invalid type %q", p.Title, p.Type)
	}
	if p.Title == "" {
		return Annotation{}, fmt.Errorf("model: annotation: missing title")
	}
	if p.RecordedAt.IsZero() {
		p.RecordedAt = time.Now().UTC()
	}
	return Annotation{
		Relatable: Relatable{
			Element: Element{
				ID:         p.ID,
				Name:       p.Name,
				Attributes: cloneAttrs(p.Attributes),
				CreatedAt:  time.Now().UTC(),
			},
			RelatedTo: cloneIDs(p.RelatedTo),
		},
		Type:       p.Type,
		Title:      p.Title,
		Content:    p.Content,
		RecordedAt: p.RecordedAt,
	}, nil
}

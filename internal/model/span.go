package model

import "time"

// RawSpan is a single recorded operation interval from a raw agent trace.
// It is the fixed ingestion data contract; the pipeline owns its normalization.
type RawSpan struct {
	SpanID       string         `json:"span_id"`
	ParentSpanID string         `json:"parent_span_id,omitempty"` // empty = no parent
	Name         string         `json:"name"`
	StartedAt    time.Time      `json:"started_at"`
	EndedAt      *time.Time     `json:"ended_at,omitempty"`
	Attributes   map[string]any `json:"attributes,omitempty"`
}

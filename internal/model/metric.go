package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MetricCategory groups metrics by the concern they measure.
type MetricCategory string

const (
	MetricCategoryPerformance MetricCategory = "performance"
	MetricCategoryQuality     MetricCategory = "quality"
	MetricCategoryCost        MetricCategory = "cost"
	MetricCategorySecurity    MetricCategory = "security"
	MetricCategoryHITL        MetricCategory = "human_in_the_loop"
)

// MetricType describes the shape of a metric's value.
type MetricType string

const (
	MetricTypeNumeric      MetricType = "numeric"
	MetricTypeDistribution MetricType = "distribution"
	MetricTypeString       MetricType = "string"
	MetricTypeTimeSeries   MetricType = "time_series"
)

// Metric is an append-only observation. Never mutated after creation.
type Metric struct {
	Element
	Value      float64        `json:"value"`
	Text       string         `json:"text,omitempty"` // set for string-typed metrics
	Category   MetricCategory `json:"category"`
	Type       MetricType     `json:"type"`
	RecordedAt time.Time      `json:"recorded_at"`
}

// EntityKind implements Entity.
func (m Metric) EntityKind() Kind { return KindMetric }

// EntityTime implements Entity.
func (m Metric) EntityTime() time.Time { return m.RecordedAt }

// MetricParams holds the inputs for NewMetric.
type MetricParams struct {
	ID          uuid.UUID
	Name        string
	Description string
	Attributes  map[string]any
	Value       float64
	Text        string
	Category    MetricCategory
	Type        MetricType
	RecordedAt  time.Time
}

// NewMetric validates and constructs a Metric.
func NewMetric(p MetricParams) (Metric, error) {
	if p.ID == uuid.Nil {
		return Metric{}, fmt.Errorf("model: metric %q: missing ID", p.Name)
	}
	if p.Name == "" {
		return Metric{}, fmt.Errorf("model: metric: missing name")
	}
	switch p.Category {
	case MetricCategoryPerformance, MetricCategoryQuality, MetricCategoryCost,
		MetricCategorySecurity, MetricCategoryHITL:
	default:
		return Metric{}, fmt.Errorf("model: metric %q: invalid category %q", p.Name, p.Category)
	}
	if p.Type == "" {
		p.Type = MetricTypeNumeric
	}
	if p.Type == MetricTypeString && p.Text == "" {
		return Metric{}, fmt.Errorf("model: metric %q: string metric without text value", p.Name)
	}
	if p.RecordedAt.IsZero() {
		p.RecordedAt = time.Now().UTC()
	}
	return Metric{
		Element: Element{
			ID:          p.ID,
			Name:        p.Name,
			Description: p.Description,
			Attributes:  cloneAttrs(p.Attributes),
			CreatedAt:   time.Now().UTC(),
		},
		Value:      p.Value,
		Text:       p.Text,
		Category:   p.Category,
		Type:       p.Type,
		RecordedAt: p.RecordedAt,
	}, nil
}

package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RecommendationLevel orders recommendations by expected impact.
type RecommendationLevel string

const (
	RecommendationCritical RecommendationLevel = "critical"
	RecommendationMajor    RecommendationLevel = "major"
	RecommendationModerate RecommendationLevel = "moderate"
	RecommendationMinor    RecommendationLevel = "minor"
)

var recommendationLevels = map[RecommendationLevel]bool{
	RecommendationCritical: true, RecommendationMajor: true,
	RecommendationModerate: true, RecommendationMinor: true,
}

// Recommendation is generated by extensions, never by the raw trace.
// Immutable once created.
type Recommendation struct {
	Relatable
	Level      RecommendationLevel `json:"level"`
	Effect     string              `json:"effect,omitempty"` // expected benefit
	RecordedAt time.Time           `json:"recorded_at"`
}

// EntityKind implements Entity.
func (r Recommendation) EntityKind() Kind { return KindRecommendation }

// EntityTime implements Entity.
func (r Recommendation) EntityTime() time.Time { return r.RecordedAt }

// RecommendationParams holds the inputs for NewRecommendation.
type RecommendationParams struct {
	ID          uuid.UUID
	Name        string
	Description string
	Attributes  map[string]any
	RelatedTo   []uuid.UUID
	Level       RecommendationLevel
	Effect      string
	RecordedAt  time.Time
}

// NewRecommendation validates and constructs a Recommendation.
func NewRecommendation(p RecommendationParams) (Recommendation, error) {
	if p.ID == uuid.Nil {
		return Recommendation{}, fmt.Errorf("model: recommendation %q: missing ID", p.Name)
	}
	if !recommendationLevels[p.Level] {
		return Recommendation{}, fmt.Errorf("model: recommendation %q: invalid level %q", p.Name, p.Level)
	}
	if p.RecordedAt.IsZero() {
		p.RecordedAt = time.Now().UTC()
	}
	return Recommendation{
		Relatable: Relatable{
			Element: Element{
				ID:          p.ID,
				Name:        p.Name,
				Description: p.Description,
				Attributes:  cloneAttrs(p.Attributes),
				CreatedAt:   time.Now().UTC(),
			},
			RelatedTo: cloneIDs(p.RelatedTo),
		},
		Level:      p.Level,
		Effect:     p.Effect,
		RecordedAt: p.RecordedAt,
	}, nil
}

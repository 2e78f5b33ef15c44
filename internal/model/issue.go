package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// IssueLevel is the severity of a detected issue.
type IssueLevel string

const (
	IssueLevelCritical IssueLevel = "critical"
	IssueLevelError    IssueLevel = "error"
	IssueLevelWarning  IssueLevel = "warning"
	IssueLevelInfo     IssueLevel = "info"
	IssueLevelDebug    IssueLevel = "debug"
)

// issueRank orders levels from least to most severe for threshold filtering.
var issueRank = map[IssueLevel]int{
	IssueLevelDebug:    0,
	IssueLevelInfo:     1,
	IssueLevelWarning:  2,
	IssueLevelError:    3,
	IssueLevelCritical: 4,
}

// AtLeast reports whether l is at least as severe as min.
func (l IssueLevel) AtLeast(min IssueLevel) bool {
	return issueRank[l] >= issueRank[min]
}

// Rank returns the severity ordinal, least severe first.
func (l IssueLevel) Rank() int {
	return issueRank[l]
}

// Valid reports whether l is a known severity.
func (l IssueLevel) Valid() bool {
	_, ok := issueRank[l]
	return ok
}

// Issue is a detected (not declared) problem. Confidence expresses detector
// certainty, not ground truth. Immutable once created.
type Issue struct {
	Relatable
	Level      IssueLevel `json:"level"`
	Effect     string     `json:"effect,omitempty"`
	Confidence float64    `json:"confidence"`
	DetectedAt time.Time  `json:"detected_at"`
}

// EntityKind implements Entity.
func (i Issue) EntityKind() Kind { return KindIssue }

// EntityTime implements Entity.
func (i Issue) EntityTime() time.Time { return i.DetectedAt }

// IssueParams holds the inputs for NewIssue.
type IssueParams struct {
	ID          uuid.UUID
	Name        string
	Description string
	Attributes  map[string]any
	RelatedTo   []uuid.UUID
	Level       IssueLevel
	Effect      string
	Confidence  float64
	DetectedAt  time.Time
}

// NewIssue validates and constructs an Issue.
func NewIssue(p IssueParams) (Issue, error) {
	if p.ID == uuid.Nil {
		return Issue{}, fmt.Errorf("model: issue %q: missing ID", p.Name)
	}
	if !p.Level.Valid() {
		return Issue{}, fmt.Errorf("model: issue %q: invalid level %q", p.Name, p.Level)
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return Issue{}, fmt.Errorf("model: issue %q: confidence %v out of [0,1]", p.Name, p.Confidence)
	}
	if p.DetectedAt.IsZero() {
		p.DetectedAt = time.Now().UTC()
	}
	return Issue{
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
		Confidence: p.Confidence,
		DetectedAt: p.DetectedAt,
	}, nil
}

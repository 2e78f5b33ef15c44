// Package query is the read side: task trees, issue listings, and metric
// aggregation over a tenant's store. It only ever goes through the Store
// interface, so every query works identically on both backends.
package query

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kansatsu/internal/model"
	"github.com/ashita-ai/kansatsu/internal/store"
)

// Aggregation selects how metric samples in a window are reduced.
type Aggregation string

const (
	AggSum   Aggregation = "sum"
	AggAvg   Aggregation = "avg"
	AggCount Aggregation = "count"
	AggP50   Aggregation = "p50"
	AggP95   Aggregation = "p95"
	AggP99   Aggregation = "p99"
)

var aggregations = map[Aggregation]bool{
	AggSum: true, AggAvg: true, AggCount: true,
	AggP50: true, AggP95: true, AggP99: true,
}

// ParseAggregation validates an aggregation name from the API surface.
func ParseAggregation(s string) (Aggregation, error) {
	a := Aggregation(s)
	if !aggregations[a] {
		return "", fmt.Errorf("query: unknown aggregation %q", s)
	}
	return a, nil
}

// TaskNode is one task with its children, ordered by start time.
type TaskNode struct {
	Task     model.Task `json:"task"`
	Children []TaskNode `json:"children,omitempty"`
}

// MetricAggregate is the result of reducing one metric over a time window.
// Count 0 means the window held no samples; Value is then zero, not an error.
type MetricAggregate struct {
	Name        string      `json:"name"`
	Aggregation Aggregation `json:"aggregation"`
	Value       float64     `json:"value"`
	Count       int         `json:"count"`
	From        time.Time   `json:"from"`
	To          time.Time   `json:"to"`
}

// Service answers read queries for any registered tenant.
type Service struct {
	provider *store.Provider
	logger   *slog.Logger
}

func NewService(provider *store.Provider, logger *slog.Logger) *Service {
	return &Service{provider: provider, logger: logger}
}

// TaskTree returns the task with the given ID and all descendant tasks,
// children recursively sorted by start time. Returns store.ErrNotFound when
// the root does not exist or is not a task.
func (s *Service) TaskTree(ctx context.Context, tenantID, rootID uuid.UUID) (TaskNode, error) {
	st, err := s.provider.StoreFor(ctx, tenantID)
	if err != nil {
		return TaskNode{}, err
	}

	e, err := st.Get(ctx, rootID)
	if err != nil {
		return TaskNode{}, err
	}
	root, ok := e.(model.Task)
	if !ok {
		return TaskNode{}, fmt.Errorf("query: entity %s is a %s: %w", rootID, e.EntityKind(), store.ErrNotFound)
	}

	visited := map[uuid.UUID]bool{root.ID: true}
	node, err := s.subtree(ctx, st, root, visited)
	if err != nil {
		return TaskNode{}, err
	}
	return node, nil
}

func (s *Service) subtree(ctx context.Context, st store.Store, t model.Task, visited map[uuid.UUID]bool) (TaskNode, error) {
	node := TaskNode{Task: t}

	pid := t.ID
	var children []model.Task
	for e, err := range st.Query(ctx, store.Filter{
		Kinds:        []model.Kind{model.KindTask},
		ParentTaskID: &pid,
	}) {
		if err != nil {
			return TaskNode{}, fmt.Errorf("query: children of task %s: %w", t.ID, err)
		}
		child, ok := e.(model.Task)
		if !ok || visited[child.ID] {
			continue
		}
		visited[child.ID] = true
		children = append(children, child)
	}

	slices.SortFunc(children, func(a, b model.Task) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID.String(), b.ID.String())
	})

	for _, child := range children {
		sub, err := s.subtree(ctx, st, child, visited)
		if err != nil {
			return TaskNode{}, err
		}
		node.Children = append(node.Children, sub)
	}
	return node, nil
}

// Issues lists a tenant's issues at or above the given severity, most
// severe first, ties by detection time descending. An empty result is not
// an error.
func (s *Service) Issues(ctx context.Context, tenantID uuid.UUID, minLevel model.IssueLevel) ([]model.Issue, error) {
	st, err := s.provider.StoreFor(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if minLevel != "" && !minLevel.Valid() {
		return nil, fmt.Errorf("query: unknown issue level %q", minLevel)
	}

	var out []model.Issue
	for e, err := range st.Query(ctx, store.Filter{
		Kinds:         []model.Kind{model.KindIssue},
		MinIssueLevel: minLevel,
	}) {
		if err != nil {
			return nil, fmt.Errorf("query: list issues: %w", err)
		}
		if issue, ok := e.(model.Issue); ok {
			out = append(out, issue)
		}
	}

	slices.SortFunc(out, func(a, b model.Issue) int {
		if c := b.Level.Rank() - a.Level.Rank(); c != 0 {
			return c
		}
		return b.DetectedAt.Compare(a.DetectedAt)
	})
	return out, nil
}

// AggregateMetric reduces a named metric's samples over [from, to).
func (s *Service) AggregateMetric(ctx context.Context, tenantID uuid.UUID, name string, from, to time.Time, agg Aggregation) (MetricAggregate, error) {
	if !aggregations[agg] {
		return MetricAggregate{}, fmt.Errorf("query: unknown aggregation %q", agg)
	}
	st, err := s.provider.StoreFor(ctx, tenantID)
	if err != nil {
		return MetricAggregate{}, err
	}

	f := store.Filter{
		Kinds:      []model.Kind{model.KindMetric},
		MetricName: name,
	}
	if !from.IsZero() {
		f.From = &from
	}
	if !to.IsZero() {
		f.To = &to
	}

	var values []float64
	for e, err := range st.Query(ctx, f) {
		if err != nil {
			return MetricAggregate{}, fmt.Errorf("query: aggregate metric %q: %w", name, err)
		}
		m, ok := e.(model.Metric)
		if !ok || m.Type == model.MetricTypeString {
			continue
		}
		values = append(values, m.Value)
	}

	out := MetricAggregate{Name: name, Aggregation: agg, Count: len(values), From: from, To: to}
	if len(values) == 0 {
		return out, nil
	}

	switch agg {
	case AggCount:
		out.Value = float64(len(values))
	case AggSum:
		for _, v := range values {
			out.Value += v
		}
	case AggAvg:
		var sum float64
		for _, v := range values {
			sum += v
		}
		out.Value = sum / float64(len(values))
	case AggP50:
		out.Value = percentile(values, 0.50)
	case AggP95:
		out.Value = percentile(values, 0.95)
	case AggP99:
		out.Value = percentile(values, 0.99)
	}
	return out, nil
}

// percentile uses nearest-rank on a sorted copy.
func percentile(values []float64, p float64) float64 {
	sorted := slices.Clone(values)
	sort.Float64s(sorted)
	rank := int(p*float64(len(sorted))+0.5) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}

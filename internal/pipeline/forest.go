package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/ashita-ai/kansatsu/internal/model"
	"github.com/ashita-ai/kansatsu/internal/store"
)

// entityID derives the deterministic entity ID for a span. The tenant ID is
// the namespace, so identical span IDs in different tenants never collide
// and re-ingesting a span always lands on the same entity.
func entityID(tenantID uuid.UUID, spanID string) uuid.UUID {
	return uuid.NewSHA1(tenantID, []byte("span:"+spanID))
}

// forest is the structural output of reconstruction: the materialized tasks
// and actions plus one control-flow graph over them.
type forest struct {
	tasks   []model.Task
	actions []model.Action
	graph   model.Graph
}

// batch is a validated span batch with every parent reference resolved.
// Producing one requires store reads; consuming one does not.
type batch struct {
	byID         map[string]model.RawSpan
	class        map[string]spanClass
	parentOf     map[string]string
	externalTask map[string]uuid.UUID
}

// prepare validates one raw batch and resolves its parent references.
//
// Parent resolution order: in-batch span, then prior ingestions via the
// store. A parent found in neither makes the span a root, unless
// requireClosure is set, in which case the batch is malformed. These are the
// only store reads of an ingestion; on the durable backend each is a search
// round-trip, so callers run prepare before taking the per-tenant ingest
// lock.
func prepare(ctx context.Context, tenantID uuid.UUID, spans []model.RawSpan, st store.Store, requireClosure bool) (*batch, error) {
	byID := make(map[string]model.RawSpan, len(spans))
	for _, s := range spans {
		if s.SpanID == "" {
			return nil, MalformedTraceError{Reason: "span with empty span_id"}
		}
		if s.StartedAt.IsZero() {
			return nil, MalformedTraceError{SpanID: s.SpanID, Reason: "missing start timestamp"}
		}
		if s.EndedAt != nil && s.EndedAt.Before(s.StartedAt) {
			return nil, MalformedTraceError{SpanID: s.SpanID, Reason: "end timestamp before start"}
		}
		if _, dup := byID[s.SpanID]; dup {
			return nil, MalformedTraceError{SpanID: s.SpanID, Reason: "duplicate span_id in batch"}
		}
		byID[s.SpanID] = s
	}

	class := make(map[string]spanClass, len(spans))
	for id, s := range byID {
		class[id] = classify(s)
	}

	// Parent resolution. parentOf holds in-batch parents; externalTask holds
	// the task entity a span attaches to when its parent lives in storage.
	parentOf := make(map[string]string)
	externalTask := make(map[string]uuid.UUID)
	for id, s := range byID {
		if s.ParentSpanID == "" {
			continue
		}
		if s.ParentSpanID == id {
			return nil, MalformedTraceError{SpanID: id, Reason: "span is its own parent"}
		}
		if _, inBatch := byID[s.ParentSpanID]; inBatch {
			parentOf[id] = s.ParentSpanID
			continue
		}

		parent, err := st.Get(ctx, entityID(tenantID, s.ParentSpanID))
		switch {
		case errors.Is(err, store.ErrNotFound):
			if requireClosure {
				return nil, MalformedTraceError{
					SpanID: id,
					Reason: fmt.Sprintf("parent %q not in batch or storage (strict closure)", s.ParentSpanID),
				}
			}
			// Unresolvable parent: the span becomes a root.
		case err != nil:
			return nil, fmt.Errorf("pipeline: resolve parent of span %q: %w", id, err)
		default:
			switch p := parent.(type) {
			case model.Task:
				externalTask[id] = p.ID
			case model.Action:
				externalTask[id] = p.TaskID
			}
		}
	}

	return &batch{byID: byID, class: class, parentOf: parentOf, externalTask: externalTask}, nil
}

// reconstruct builds the task/action forest for one prepared batch. Cycles
// in parent references are cut: the edge into the first-visited span of the
// cycle becomes a graph back-edge and that span becomes a root. The walk
// uses a visited set, so reconstruction terminates on any input.
func reconstruct(tenantID uuid.UUID, b *batch) (*forest, error) {
	byID, class, parentOf := b.byID, b.class, b.parentOf

	backEdges := cutCycles(tenantID, parentOf)

	// attach[id] is the nearest ancestor task entity, promoting root actions
	// to tasks when an action chain has no task above it.
	promoted := make(map[string]bool)
	attach := make(map[string]uuid.UUID, len(byID))
	for id := range byID {
		attach[id] = chainTask(tenantID, id, parentOf, b.externalTask, class, promoted)
	}

	f := &forest{}
	var nodes []model.GraphNode
	var edges []model.GraphEdge

	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	for _, id := range ids {
		s := byID[id]
		c := class[id]
		eid := entityID(tenantID, id)
		asTask := !c.isAction || promoted[id] || attach[id] == uuid.Nil

		if asTask {
			kind := c.taskKind
			if c.isAction {
				// Promoted action: the mechanism is still agent work.
				kind = model.TaskKindAction
			}
			var parentID *uuid.UUID
			var related []uuid.UUID
			if pid := attach[id]; pid != uuid.Nil {
				parentID = &pid
				related = []uuid.UUID{pid}
			}
			t, err := model.NewTask(model.TaskParams{
				ID:           eid,
				Name:         s.Name,
				Attributes:   s.Attributes,
				RelatedTo:    related,
				StartedAt:    s.StartedAt,
				EndedAt:      s.EndedAt,
				Status:       deriveStatus(s),
				Kind:         kind,
				ParentTaskID: parentID,
			})
			if err != nil {
				return nil, MalformedTraceError{SpanID: id, Reason: err.Error()}
			}
			f.tasks = append(f.tasks, t)
			nodes = append(nodes, model.GraphNode{Kind: model.NodeKindTask, EntityID: eid})
			continue
		}

		a, err := model.NewAction(model.ActionParams{
			ID:         eid,
			Name:       s.Name,
			Attributes: s.Attributes,
			RelatedTo:  []uuid.UUID{attach[id]},
			Kind:       c.actionKind,
			TaskID:     attach[id],
			StartedAt:  s.StartedAt,
			EndedAt:    s.EndedAt,
		})
		if err != nil {
			return nil, MalformedTraceError{SpanID: id, Reason: err.Error()}
		}
		f.actions = append(f.actions, a)
		nodes = append(nodes, model.GraphNode{Kind: model.NodeKindAction, EntityID: eid})
	}

	for _, id := range ids {
		if p, ok := parentOf[id]; ok {
			edges = append(edges, model.GraphEdge{
				From: entityID(tenantID, p),
				To:   entityID(tenantID, id),
				Kind: model.EdgeKindControl,
			})
		}
	}
	edges = append(edges, backEdges...)

	graph, err := model.NewGraph(
		uuid.NewSHA1(tenantID, []byte("graph:"+strings.Join(ids, ","))),
		"control_flow",
		nodes, edges,
	)
	if err != nil {
		return nil, fmt.Errorf("pipeline: build control-flow graph: %w", err)
	}
	f.graph = graph
	return f, nil
}

// cutCycles breaks parent-reference cycles in place. For each cycle, the
// first span the walk entered loses its parent (it becomes a root) and the
// severed edge is returned as a back-edge in control-flow direction.
func cutCycles(tenantID uuid.UUID, parentOf map[string]string) []model.GraphEdge {
	const (
		unvisited = 0
		walking   = 1
		done      = 2
	)
	state := make(map[string]int, len(parentOf))
	var backEdges []model.GraphEdge

	ids := make([]string, 0, len(parentOf))
	for id := range parentOf {
		ids = append(ids, id)
	}
	slices.Sort(ids) // deterministic cut choice for identical input

	for _, start := range ids {
		if state[start] != unvisited {
			continue
		}
		var path []string
		cur := start
		for {
			state[cur] = walking
			path = append(path, cur)

			next, ok := parentOf[cur]
			if !ok {
				break
			}
			if state[next] == done {
				break
			}
			if state[next] == walking {
				// Cycle: next was entered earlier on this walk. Sever its
				// parent edge so next becomes a root.
				old := parentOf[next]
				delete(parentOf, next)
				backEdges = append(backEdges, model.GraphEdge{
					From:     entityID(tenantID, old),
					To:       entityID(tenantID, next),
					Kind:     model.EdgeKindControl,
					BackEdge: true,
				})
				break
			}
			cur = next
		}
		for _, id := range path {
			state[id] = done
		}
	}
	return backEdges
}

// chainTask walks a span's parent chain to its nearest ancestor task. When
// an action chain tops out at a root action, that root is promoted to a
// task so its descendants have something to attach to. Returns uuid.Nil
// when the span itself is the chain's root.
func chainTask(tenantID uuid.UUID, id string, parentOf map[string]string, externalTask map[string]uuid.UUID, class map[string]spanClass, promoted map[string]bool) uuid.UUID {
	cur := id
	for {
		if p, ok := parentOf[cur]; ok {
			if !class[p].isAction || promoted[p] {
				return entityID(tenantID, p)
			}
			cur = p
			continue
		}
		if ext, ok := externalTask[cur]; ok {
			return ext
		}
		if cur == id {
			return uuid.Nil
		}
		promoted[cur] = true
		return entityID(tenantID, cur)
	}
}

package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NodeKind identifies what a graph node references.
type NodeKind string

const (
	NodeKindTask   NodeKind = "task"
	NodeKindAction NodeKind = "action"
)

// EdgeKind identifies whether an edge encodes control or data flow.
type EdgeKind string

const (
	EdgeKindControl EdgeKind = "control"
	EdgeKindData    EdgeKind = "data"
)

// GraphNode references a Task or Action entity.
type GraphNode struct {
	Kind     NodeKind  `json:"kind"`
	EntityID uuid.UUID `json:"entity_id"`
}

// GraphEdge is a directed edge between two nodes. BackEdge marks an edge that
// closed a cycle during reconstruction (e.g. a retry loop).
type GraphEdge struct {
	From     uuid.UUID `json:"from"`
	To       uuid.UUID `json:"to"`
	Kind     EdgeKind  `json:"kind"`
	BackEdge bool      `json:"back_edge,omitempty"`
}

// Graph captures the execution/workflow structure reconstructed from one
// batch. Directed; may contain cycles. Immutable once created.
type Graph struct {
	Element
	Nodes []GraphNode `json:"nodes"`
	Edges []GraphEdge `json:"edges"`
}

// EntityKind implements Entity.
func (g Graph) EntityKind() Kind { return KindGraph }

// EntityTime implements Entity.
func (g Graph) EntityTime() time.Time { return g.CreatedAt }

// BackEdges returns the edges that closed cycles.
func (g Graph) BackEdges() []GraphEdge {
	var out []GraphEdge
	for _, e := range g.Edges {
		if e.BackEdge {
			out = append(out, e)
		}
	}
	return out
}

// NewGraph validates and constructs a Graph. Every edge endpoint must be a
// declared node.
func NewGraph(id uuid.UUID, name string, nodes []GraphNode, edges []GraphEdge) (Graph, error) {
	if id == uuid.Nil {
		return Graph{}, fmt.Errorf("model: graph %q: missing ID", name)
	}
	known := make(map[uuid.UUID]bool, len(nodes))
	for _, n := range nodes {
		known[n.EntityID] = true
	}
	for _, e := range edges {
		if !known[e.From] || !known[e.To] {
			return Graph{}, fmt.Errorf("model: graph %q: edge %s -> %s references undeclared node", name, e.From, e.To)
		}
	}
	return Graph{
		Element: Element{
			ID:        id,
			Name:      name,
			CreatedAt: time.Now().UTC(),
		},
		Nodes: append([]GraphNode(nil), nodes...),
		Edges: append([]GraphEdge(nil), edges...),
	}, nil
}

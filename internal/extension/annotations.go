package extension

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ashita-ai/kansatsu/internal/model"
)

// LoopAnnotation marks control-flow graphs that contain back-edges. A
// back-edge in a reconstructed trace almost always means a retry or agent
// loop, which downstream analysis wants called out explicitly.
type LoopAnnotation struct{}

func NewLoopAnnotation() *LoopAnnotation { return &LoopAnnotation{} }

func (x *LoopAnnotation) Name() string           { return "loop_annotation" }
func (x *LoopAnnotation) Stage() Stage           { return StageAnnotations }
func (x *LoopAnnotation) Reads() []model.Kind    { return []model.Kind{model.KindGraph} }
func (x *LoopAnnotation) Produces() []model.Kind { return []model.Kind{model.KindAnnotation} }

func (x *LoopAnnotation) Process(_ context.Context, in Input) ([]model.Entity, error) {
	var out []model.Entity
	for _, g := range in.Graphs() {
		backEdges := g.BackEdges()
		if len(backEdges) == 0 {
			continue
		}

		related := []uuid.UUID{g.ID}
		for _, e := range backEdges {
			related = append(related, e.From, e.To)
		}

		ann, err := model.NewAnnotation(model.AnnotationParams{
			ID:         derivedID(in.TenantID, "loop_annotation", g.ID.String()),
			Name:       "control_flow_loop",
			Attributes: map[string]any{"back_edge_count": len(backEdges)},
			RelatedTo:  related,
			Type:       model.AnnotationLoop,
			Title:      "Loop detected",
			Content:    fmt.Sprintf("control-flow graph %q contains %d back-edge(s), indicating retry or agent-loop behavior", g.Name, len(backEdges)),
			RecordedAt: g.CreatedAt,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, ann)
	}
	return out, nil
}

package extension

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/kansatsu/internal/model"
	"github.com/ashita-ai/kansatsu/internal/telemetry"
)

// extensionTimeout bounds a single Process call so one stuck extension
// cannot stall the whole batch.
const extensionTimeout = 10 * time.Second

// Runner executes a registry's extensions over a working set, stage by
// stage. A failing or panicking extension is logged and skipped for the
// batch; it never fails ingestion.
type Runner struct {
	registry *Registry
	logger   *slog.Logger

	skippedCount metric.Int64Counter
}

func NewRunner(registry *Registry, logger *slog.Logger) *Runner {
	meter := telemetry.Meter("kansatsu/extension")
	skipped, _ := meter.Int64Counter("kansatsu.extension.skipped_total",
		metric.WithDescription("Extensions skipped due to runtime failure"),
	)
	return &Runner{registry: registry, logger: logger, skippedCount: skipped}
}

// Run mutates set in place, merging each stage's outputs before the next
// stage starts. Returns the names of extensions skipped due to runtime
// failure.
func (r *Runner) Run(ctx context.Context, tenantID uuid.UUID, set *Set) []string {
	var skipped []string
	for _, stage := range Stages {
		exts := r.registry.stageExtensions(stage)
		if len(exts) == 0 {
			continue
		}

		outputs := make([][]model.Entity, len(exts))
		failed := make([]bool, len(exts))
		g, gctx := errgroup.WithContext(ctx)
		for i, ext := range exts {
			g.Go(func() error {
				out, err := r.runOne(gctx, ext, tenantID, set)
				if err != nil {
					// Isolation: record and move on. Returning the error
					// would cancel sibling extensions in the same stage.
					r.logger.Error("extension: skipped for batch",
						"extension", ext.Name(),
						"stage", stage.String(),
						"tenant_id", tenantID.String(),
						"error", err,
					)
					r.skippedCount.Add(gctx, 1)
					failed[i] = true
					return nil
				}
				outputs[i] = out
				return nil
			})
		}
		_ = g.Wait() // goroutines never return errors

		// Stage barrier: merge in registration order so output is
		// deterministic regardless of goroutine scheduling.
		for i, ext := range exts {
			if failed[i] {
				skipped = append(skipped, ext.Name())
				continue
			}
			set.Add(r.filterProduced(ext, outputs[i])...)
		}
	}
	return skipped
}

// runOne invokes one extension with panic recovery and a bounded deadline.
func (r *Runner) runOne(ctx context.Context, ext Extension, tenantID uuid.UUID, set *Set) (out []model.Entity, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			out = nil
			err = fmt.Errorf("extension: panic: %v\n%s", rec, debug.Stack())
		}
	}()

	procCtx, cancel := context.WithTimeout(ctx, extensionTimeout)
	defer cancel()

	in := newInput(tenantID, set, ext.Reads())
	out, err = ext.Process(procCtx, in)
	if err != nil {
		return nil, fmt.Errorf("extension: process: %w", err)
	}
	return out, nil
}

// filterProduced drops output entities of kinds the extension did not
// declare. The declaration is the contract downstream stages validated
// against, so undeclared output must not leak into the set.
func (r *Runner) filterProduced(ext Extension, out []model.Entity) []model.Entity {
	if len(out) == 0 {
		return nil
	}
	declared := make(map[model.Kind]bool, len(ext.Produces()))
	for _, k := range ext.Produces() {
		declared[k] = true
	}
	kept := out[:0]
	for _, e := range out {
		if declared[e.EntityKind()] {
			kept = append(kept, e)
			continue
		}
		r.logger.Warn("extension: dropped undeclared output",
			"extension", ext.Name(),
			"kind", string(e.EntityKind()),
		)
	}
	return kept
}

// Package pipeline turns raw trace batches into persisted semantic entities:
// normalization, structural reconstruction, staged enrichment, persistence.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kansatsu/internal/extension"
	"github.com/ashita-ai/kansatsu/internal/model"
	"github.com/ashita-ai/kansatsu/internal/store"
	"github.com/ashita-ai/kansatsu/internal/telemetry"
)

// IngestOptions tunes one ingestion call.
type IngestOptions struct {
	// RequireClosure makes a parent reference that resolves to neither the
	// batch nor storage a MalformedTraceError instead of a new root.
	RequireClosure bool
}

// Result summarizes one accepted ingestion.
type Result struct {
	IngestionID       uuid.UUID   `json:"ingestion_id"`
	Accepted          int         `json:"accepted"`
	EntityIDs         []uuid.UUID `json:"entity_ids"`
	SkippedExtensions []string    `json:"skipped_extensions,omitempty"`
}

// Pipeline ingests raw span batches for all tenants. Ingestion for one
// tenant is serialized; tenants never block each other.
type Pipeline struct {
	provider *store.Provider
	runner   *extension.Runner
	logger   *slog.Logger

	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex

	ingested metric.Int64Counter
	duration metric.Float64Histogram
}

func New(provider *store.Provider, runner *extension.Runner, logger *slog.Logger) *Pipeline {
	meter := telemetry.Meter("kansatsu/pipeline")
	ingested, _ := meter.Int64Counter("kansatsu.pipeline.entities_ingested_total",
		metric.WithDescription("Entities persisted by the ingestion pipeline"),
	)
	duration, _ := meter.Float64Histogram("kansatsu.pipeline.ingest_duration_seconds",
		metric.WithDescription("End-to-end ingestion latency per batch"),
	)
	return &Pipeline{
		provider: provider,
		runner:   runner,
		logger:   logger,
		locks:    make(map[uuid.UUID]*sync.Mutex),
		ingested: ingested,
		duration: duration,
	}
}

// Ingest runs the full pipeline for one batch: tenant resolution, structural
// reconstruction, staged enrichment, persistence. An empty batch is accepted
// and produces nothing. Re-ingesting an overlapping batch upserts the same
// entity IDs; it never duplicates.
func (p *Pipeline) Ingest(ctx context.Context, tenantID uuid.UUID, spans []model.RawSpan, opts IngestOptions) (Result, error) {
	start := time.Now()

	st, err := p.provider.StoreFor(ctx, tenantID)
	if err != nil {
		return Result{}, err
	}

	result := Result{IngestionID: uuid.New()}
	if len(spans) == 0 {
		return result, nil
	}

	// Validation and parent resolution happen before the tenant lock: the
	// store reads they issue must not serialize other ingestions.
	b, err := prepare(ctx, tenantID, spans, st, opts.RequireClosure)
	if err != nil {
		return Result{}, err
	}

	lock := p.tenantLock(tenantID)
	lock.Lock()
	defer lock.Unlock()

	f, err := reconstruct(tenantID, b)
	if err != nil {
		return Result{}, err
	}

	set := &extension.Set{
		Tasks:   f.tasks,
		Actions: f.actions,
		Graphs:  []model.Graph{f.graph},
	}
	result.SkippedExtensions = p.runner.Run(ctx, tenantID, set)

	entities := set.Entities()
	if err := st.Put(ctx, entities); err != nil {
		var putErr store.PutError
		if errors.As(err, &putErr) {
			failed := make(map[uuid.UUID]bool, len(putErr.Failed))
			for _, id := range putErr.Failed {
				failed[id] = true
			}
			for _, e := range entities {
				if !failed[e.EntityID()] {
					result.EntityIDs = append(result.EntityIDs, e.EntityID())
				}
			}
			result.Accepted = len(result.EntityIDs)
			return result, PartialIngestionError{FailedIDs: putErr.Failed, Err: putErr.Err}
		}
		return Result{}, fmt.Errorf("pipeline: persist batch: %w", err)
	}

	for _, e := range entities {
		result.EntityIDs = append(result.EntityIDs, e.EntityID())
	}
	result.Accepted = len(result.EntityIDs)

	p.ingested.Add(ctx, int64(result.Accepted))
	p.duration.Record(ctx, time.Since(start).Seconds())
	p.logger.Info("pipeline: batch ingested",
		"tenant_id", tenantID.String(),
		"ingestion_id", result.IngestionID.String(),
		"spans", len(spans),
		"entities", result.Accepted,
		"tasks", len(f.tasks),
		"actions", len(f.actions),
		"skipped_extensions", len(result.SkippedExtensions),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return result, nil
}

func (p *Pipeline) tenantLock(tenantID uuid.UUID) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	lock, ok := p.locks[tenantID]
	if !ok {
		lock = &sync.Mutex{}
		p.locks[tenantID] = lock
	}
	return lock
}

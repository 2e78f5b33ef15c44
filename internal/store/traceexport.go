package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/kansatsu/internal/model"
	"github.com/ashita-ai/kansatsu/internal/tenant"
)

// traceExporter is the durable backend's trace-store leg: reconstructed
// Task/Action entities are re-emitted as OTLP spans to the tenant's collector
// so the raw execution shape stays browsable in a tracing UI alongside the
// indexed semantic entities. Uses a dedicated per-tenant provider (not the
// service's own telemetry) because the endpoint comes from tenant config.
type traceExporter struct {
	tp     *sdktrace.TracerProvider
	tracer trace.Tracer
	logger *slog.Logger
}

// newTraceExporter builds an exporter for one tenant, or nil if the tenant
// has no trace endpoint configured.
func newTraceExporter(ctx context.Context, cfg tenant.StorageConfig, logger *slog.Logger) (*traceExporter, error) {
	if cfg.TraceEndpoint == "" {
		return nil, nil
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpointURL(cfg.TraceEndpoint)}
	if cfg.TraceInsecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exp, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String("kansatsu-"+cfg.IndexPrefix),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp, sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithResource(res),
	)
	return &traceExporter{
		tp:     tp,
		tracer: tp.Tracer("kansatsu/store"),
		logger: logger,
	}, nil
}

// export emits one span per task (preserving the task tree) and one child
// span per action. Original timestamps are preserved; span IDs are not,
// since the index rather than the trace store is the lookup surface.
// Nil receiver is a no-op (trace leg disabled).
func (t *traceExporter) export(ctx context.Context, tasks []model.Task, actions []model.Action) {
	if t == nil || len(tasks) == 0 {
		return
	}

	children := make(map[uuid.UUID][]model.Task)
	actionsByTask := make(map[uuid.UUID][]model.Action)
	var roots []model.Task
	byID := make(map[uuid.UUID]bool, len(tasks))
	for _, task := range tasks {
		byID[task.ID] = true
	}
	for _, task := range tasks {
		if task.ParentTaskID != nil && byID[*task.ParentTaskID] {
			children[*task.ParentTaskID] = append(children[*task.ParentTaskID], task)
		} else {
			roots = append(roots, task)
		}
	}
	for _, a := range actions {
		actionsByTask[a.TaskID] = append(actionsByTask[a.TaskID], a)
	}

	for _, root := range roots {
		t.exportTask(ctx, root, children, actionsByTask)
	}
	if err := t.tp.ForceFlush(ctx); err != nil {
		t.logger.Warn("store: trace export flush failed", "error", err)
	}
}

func (t *traceExporter) exportTask(ctx context.Context, task model.Task, children map[uuid.UUID][]model.Task, actionsByTask map[uuid.UUID][]model.Action) {
	spanCtx, span := t.tracer.Start(ctx, task.Name,
		trace.WithTimestamp(task.StartedAt),
		trace.WithAttributes(
			attribute.String("kansatsu.entity_id", task.ID.String()),
			attribute.String("kansatsu.task.kind", string(task.Kind)),
			attribute.String("kansatsu.task.status", string(task.Status)),
		),
	)
	switch task.Status {
	case model.TaskStatusFailure, model.TaskStatusTimeout:
		span.SetStatus(codes.Error, string(task.Status))
	case model.TaskStatusSuccess:
		span.SetStatus(codes.Ok, "")
	}

	for _, a := range actionsByTask[task.ID] {
		_, actSpan := t.tracer.Start(spanCtx, a.Name,
			trace.WithTimestamp(a.StartedAt),
			trace.WithAttributes(
				attribute.String("kansatsu.entity_id", a.ID.String()),
				attribute.String("kansatsu.action.kind", string(a.Kind)),
			),
		)
		if a.EndedAt != nil {
			actSpan.End(trace.WithTimestamp(*a.EndedAt))
		} else {
			actSpan.End(trace.WithTimestamp(a.StartedAt))
		}
	}
	for _, child := range children[task.ID] {
		t.exportTask(spanCtx, child, children, actionsByTask)
	}

	if task.EndedAt != nil {
		span.End(trace.WithTimestamp(*task.EndedAt))
	} else {
		span.End(trace.WithTimestamp(task.StartedAt))
	}
}

// close shuts the per-tenant provider down. Nil receiver is a no-op.
func (t *traceExporter) close(ctx context.Context) error {
	if t == nil {
		return nil
	}
	return t.tp.Shutdown(ctx)
}

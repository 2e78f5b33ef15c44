package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kansatsu/internal/model"
	"github.com/ashita-ai/kansatsu/internal/pipeline"
	"github.com/ashita-ai/kansatsu/internal/query"
	"github.com/ashita-ai/kansatsu/internal/store"
	"github.com/ashita-ai/kansatsu/internal/tenant"
)

// Handlers holds dependencies shared by all HTTP handlers.
type Handlers struct {
	Pipeline *pipeline.Pipeline
	Query    *query.Service
	Logger   *slog.Logger

	Version             string
	MaxRequestBodyBytes int64
	RequireClosure      bool
}

type ingestRequest struct {
	Spans []model.RawSpan `json:"spans"`
	// RequireClosure overrides the server default for this batch.
	RequireClosure *bool `json:"require_closure,omitempty"`
}

// HandleIngest accepts a raw span batch for one tenant.
// POST /v1/tenants/{tenant_id}/spans
func (h *Handlers) HandleIngest(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := pathUUID(w, r, "tenant_id")
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.MaxRequestBodyBytes)
	var req ingestRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_input", "invalid request body: "+err.Error())
		return
	}

	opts := pipeline.IngestOptions{RequireClosure: h.RequireClosure}
	if req.RequireClosure != nil {
		opts.RequireClosure = *req.RequireClosure
	}

	result, err := h.Pipeline.Ingest(r.Context(), tenantID, req.Spans, opts)
	if err != nil {
		var partial pipeline.PartialIngestionError
		if errors.As(err, &partial) {
			// Successes are retained; report both halves and let the caller
			// re-ingest, which upserts.
			writePartial(w, r, result, partial)
			return
		}
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, result)
}

// HandleTaskTree returns a task and its descendants.
// GET /v1/tenants/{tenant_id}/tasks/{task_id}/tree
func (h *Handlers) HandleTaskTree(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := pathUUID(w, r, "tenant_id")
	if !ok {
		return
	}
	taskID, ok := pathUUID(w, r, "task_id")
	if !ok {
		return
	}

	tree, err := h.Query.TaskTree(r.Context(), tenantID, taskID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, tree)
}

// HandleIssues lists issues at or above a severity threshold.
// GET /v1/tenants/{tenant_id}/issues?min_level=
func (h *Handlers) HandleIssues(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := pathUUID(w, r, "tenant_id")
	if !ok {
		return
	}

	minLevel := model.IssueLevel(r.URL.Query().Get("min_level"))
	if minLevel != "" && !minLevel.Valid() {
		writeError(w, r, http.StatusBadRequest, "invalid_input", "unknown min_level "+string(minLevel))
		return
	}

	issues, err := h.Query.Issues(r.Context(), tenantID, minLevel)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if issues == nil {
		issues = []model.Issue{}
	}
	writeJSON(w, r, http.StatusOK, issues)
}

// HandleMetricAggregate reduces a named metric over a time window.
// GET /v1/tenants/{tenant_id}/metrics/{name}?agg=&from=&to=
func (h *Handlers) HandleMetricAggregate(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := pathUUID(w, r, "tenant_id")
	if !ok {
		return
	}
	name := r.PathValue("name")

	agg, err := query.ParseAggregation(defaultStr(r.URL.Query().Get("agg"), string(query.AggAvg)))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	from, ok := queryTime(w, r, "from")
	if !ok {
		return
	}
	to, ok := queryTime(w, r, "to")
	if !ok {
		return
	}

	result, err := h.Query.AggregateMetric(r.Context(), tenantID, name, from, to, agg)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, result)
}

// HandleHealth reports process liveness.
// GET /healthz
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":  "ok",
		"version": h.Version,
	})
}

// writeDomainError maps domain errors to HTTP statuses.
func (h *Handlers) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		notFound  tenant.NotFoundError
		malformed pipeline.MalformedTraceError
		unavail   store.UnavailableError
	)
	switch {
	case errors.As(err, &notFound):
		writeError(w, r, http.StatusNotFound, "tenant_not_found", notFound.Error())
	case errors.As(err, &malformed):
		writeError(w, r, http.StatusBadRequest, "malformed_trace", malformed.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not_found", "entity not found")
	case errors.As(err, &unavail):
		writeError(w, r, http.StatusServiceUnavailable, "backend_unavailable", unavail.Error())
	default:
		h.Logger.Error("unhandled request error",
			"error", err,
			"request_id", RequestIDFromContext(r.Context()),
		)
		writeError(w, r, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

// writePartial reports a partially persisted batch: accepted entities plus
// the IDs that failed. 200, not 5xx; the request itself was valid.
func writePartial(w http.ResponseWriter, r *http.Request, result pipeline.Result, partial pipeline.PartialIngestionError) {
	failed := make([]string, len(partial.FailedIDs))
	for i, id := range partial.FailedIDs {
		failed[i] = id.String()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(apiResponse{
		Data: map[string]any{
			"result":     result,
			"failed_ids": failed,
			"error":      "partial_ingestion",
		},
		Meta: meta(r),
	})
}

func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_input", name+" must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}

func queryTime(w http.ResponseWriter, r *http.Request, name string) (time.Time, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, true
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_input", name+" must be RFC 3339")
		return time.Time{}, false
	}
	return t, true
}

func defaultStr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

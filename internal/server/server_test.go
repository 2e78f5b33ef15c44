package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kansatsu/internal/extension"
	"github.com/ashita-ai/kansatsu/internal/pipeline"
	"github.com/ashita-ai/kansatsu/internal/query"
	"github.com/ashita-ai/kansatsu/internal/server"
	"github.com/ashita-ai/kansatsu/internal/store"
	"github.com/ashita-ai/kansatsu/internal/tenant"
)

var testTenantID = uuid.MustParse("c56df2a2-7c3b-4a4e-9a27-5a2c0a32dd41")

func newTestServer(t *testing.T) http.Handler {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	registry, err := tenant.NewRegistry(map[uuid.UUID]tenant.StorageConfig{
		testTenantID: {Kind: tenant.StoreKindMemory},
	})
	require.NoError(t, err)
	provider := store.NewProvider(registry, logger)
	t.Cleanup(func() { _ = provider.Close(context.Background()) })

	extReg, err := extension.NewRegistry(extension.Defaults(0)...)
	require.NoError(t, err)

	srv := server.New(server.Config{
		Pipeline:            pipeline.New(provider, extension.NewRunner(extReg, logger), logger),
		Query:               query.NewService(provider, logger),
		Logger:              logger,
		Port:                0,
		Version:             "test",
		MaxRequestBodyBytes: 1 << 20,
	})
	return srv.Handler()
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// envelope mirrors the response wrapper for decoding in tests.
type envelope struct {
	Data json.RawMessage `json:"data"`
	Meta struct {
		RequestID string `json:"request_id"`
	} `json:"meta"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env
}

func spanBody(spans ...map[string]any) map[string]any {
	return map[string]any{"spans": spans}
}

func rawSpan(id, parent, name string) map[string]any {
	start := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	return map[string]any{
		"span_id":        id,
		"parent_span_id": parent,
		"name":           name,
		"started_at":     start.Format(time.RFC3339),
		"ended_at":       start.Add(time.Second).Format(time.RFC3339),
	}
}

func ingestPath(tenantID uuid.UUID) string {
	return fmt.Sprintf("/v1/tenants/%s/spans", tenantID)
}

func TestIngestEndpoint(t *testing.T) {
	h := newTestServer(t)

	rec := doJSON(t, h, http.MethodPost, ingestPath(testTenantID),
		spanBody(rawSpan("s1", "", "plan trip"), rawSpan("s2", "s1", "chat gpt-4o")))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	env := decodeEnvelope(t, rec)
	assert.NotEmpty(t, env.Meta.RequestID)

	var result pipeline.Result
	require.NoError(t, json.Unmarshal(env.Data, &result))
	assert.Positive(t, result.Accepted)
	assert.Empty(t, result.SkippedExtensions)
}

func TestIngestEndpoint_UnknownTenant(t *testing.T) {
	h := newTestServer(t)
	rec := doJSON(t, h, http.MethodPost, ingestPath(uuid.New()), spanBody(rawSpan("s1", "", "plan")))
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "tenant_not_found", decodeEnvelope(t, rec).Error.Code)
}

func TestIngestEndpoint_MalformedBatch(t *testing.T) {
	h := newTestServer(t)
	rec := doJSON(t, h, http.MethodPost, ingestPath(testTenantID),
		spanBody(rawSpan("dup", "", "plan"), rawSpan("dup", "", "plan")))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "malformed_trace", decodeEnvelope(t, rec).Error.Code)
}

func TestIngestEndpoint_BadJSON(t *testing.T) {
	h := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, ingestPath(testTenantID), bytes.NewBufferString("{nope"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_input", decodeEnvelope(t, rec).Error.Code)
}

func TestIngestEndpoint_BadTenantID(t *testing.T) {
	h := newTestServer(t)
	rec := doJSON(t, h, http.MethodPost, "/v1/tenants/not-a-uuid/spans", spanBody())
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIngestEndpoint_ClosureOverride(t *testing.T) {
	h := newTestServer(t)
	body := spanBody(rawSpan("orphan", "missing", "analyze"))
	body["require_closure"] = true

	rec := doJSON(t, h, http.MethodPost, ingestPath(testTenantID), body)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "malformed_trace", decodeEnvelope(t, rec).Error.Code)
}

func TestTaskTreeEndpoint(t *testing.T) {
	h := newTestServer(t)
	rec := doJSON(t, h, http.MethodPost, ingestPath(testTenantID),
		spanBody(rawSpan("root", "", "plan"), rawSpan("kid", "root", "analyze")))
	require.Equal(t, http.StatusAccepted, rec.Code)

	// The root task's entity ID is deterministic, but the API learns it from
	// the ingest response.
	var result pipeline.Result
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, rec).Data, &result))
	require.NotEmpty(t, result.EntityIDs)

	var tree query.TaskNode
	found := false
	for _, id := range result.EntityIDs {
		r := doJSON(t, h, http.MethodGet,
			fmt.Sprintf("/v1/tenants/%s/tasks/%s/tree", testTenantID, id), nil)
		if r.Code != http.StatusOK {
			continue
		}
		require.NoError(t, json.Unmarshal(decodeEnvelope(t, r).Data, &tree))
		if tree.Task.Name == "plan" {
			found = true
			break
		}
	}
	require.True(t, found, "ingested root task must be retrievable as a tree")
	require.Len(t, tree.Children, 1)
	assert.Equal(t, "analyze", tree.Children[0].Task.Name)
}

func TestTaskTreeEndpoint_NotFound(t *testing.T) {
	h := newTestServer(t)
	rec := doJSON(t, h, http.MethodGet,
		fmt.Sprintf("/v1/tenants/%s/tasks/%s/tree", testTenantID, uuid.New()), nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeEnvelope(t, rec).Error.Code)
}

func TestIssuesEndpoint(t *testing.T) {
	h := newTestServer(t)

	failing := rawSpan("f1", "", "call api")
	failing["attributes"] = map[string]any{"error": true}
	rec := doJSON(t, h, http.MethodPost, ingestPath(testTenantID), spanBody(failing))
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = doJSON(t, h, http.MethodGet,
		fmt.Sprintf("/v1/tenants/%s/issues?min_level=error", testTenantID), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var issues []json.RawMessage
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, rec).Data, &issues))
	assert.NotEmpty(t, issues, "failed task must surface as an issue")
}

func TestIssuesEndpoint_EmptyIsArray(t *testing.T) {
	h := newTestServer(t)
	rec := doJSON(t, h, http.MethodGet,
		fmt.Sprintf("/v1/tenants/%s/issues", testTenantID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", string(decodeEnvelope(t, rec).Data))
}

func TestIssuesEndpoint_BadLevel(t *testing.T) {
	h := newTestServer(t)
	rec := doJSON(t, h, http.MethodGet,
		fmt.Sprintf("/v1/tenants/%s/issues?min_level=severe", testTenantID), nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricAggregateEndpoint(t *testing.T) {
	h := newTestServer(t)
	rec := doJSON(t, h, http.MethodPost, ingestPath(testTenantID),
		spanBody(rawSpan("s1", "", "plan")))
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = doJSON(t, h, http.MethodGet,
		fmt.Sprintf("/v1/tenants/%s/metrics/%s?agg=count", testTenantID, extension.MetricTaskLatencyMS), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var agg query.MetricAggregate
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, rec).Data, &agg))
	assert.Equal(t, query.AggCount, agg.Aggregation)
	assert.Equal(t, 1, agg.Count)
}

func TestMetricAggregateEndpoint_BadWindow(t *testing.T) {
	h := newTestServer(t)
	rec := doJSON(t, h, http.MethodGet,
		fmt.Sprintf("/v1/tenants/%s/metrics/whatever?from=yesterday", testTenantID), nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthEndpoint(t *testing.T) {
	h := newTestServer(t)
	rec := doJSON(t, h, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])
}

func TestRequestIDPropagation(t *testing.T) {
	h := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "trace-me-1234")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "trace-me-1234", rec.Header().Get("X-Request-ID"))
}

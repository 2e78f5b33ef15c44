package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	elasticsearch "github.com/elastic/go-elasticsearch/v8"
	"github.com/google/uuid"

	"github.com/ashita-ai/kansatsu/internal/model"
)

// esIndex wraps the Elasticsearch client for one tenant's entity index.
// One index per tenant (<prefix>-entities); the index prefix is the tenant
// isolation boundary and is never shared.
type esIndex struct {
	client *elasticsearch.Client
	index  string
	logger *slog.Logger
}

const entityMapping = `{
  "mappings": {
    "properties": {
      "id":        {"type": "keyword"},
      "kind":      {"type": "keyword"},
      "timestamp": {"type": "date"},
      "entity": {
        "properties": {
          "name":           {"type": "keyword"},
          "level":          {"type": "keyword"},
          "parent_task_id": {"type": "keyword"},
          "related_to_ids": {"type": "keyword"}
        }
      }
    }
  }
}`

// newESIndex connects to Elasticsearch and derives the tenant's index name.
func newESIndex(hosts []string, username, password, apiKey, prefix string, logger *slog.Logger) (*esIndex, error) {
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: hosts,
		Username:  username,
		Password:  password,
		APIKey:    apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("store: elasticsearch client: %w", err)
	}
	return &esIndex{
		client: client,
		index:  prefix + "-entities",
		logger: logger,
	}, nil
}

// ensureIndex creates the entity index with its mapping if absent. Safe to
// call on every startup.
func (x *esIndex) ensureIndex(ctx context.Context) error {
	res, err := x.client.Indices.Exists([]string{x.index}, x.client.Indices.Exists.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("store: check index %q: %w", x.index, err)
	}
	defer res.Body.Close() //nolint:errcheck
	if res.StatusCode == 200 {
		return nil
	}

	create, err := x.client.Indices.Create(x.index,
		x.client.Indices.Create.WithContext(ctx),
		x.client.Indices.Create.WithBody(strings.NewReader(entityMapping)),
	)
	if err != nil {
		return fmt.Errorf("store: create index %q: %w", x.index, err)
	}
	defer create.Body.Close() //nolint:errcheck
	if create.IsError() {
		body, _ := io.ReadAll(create.Body)
		// A concurrent creator may have won the race; that's fine.
		if strings.Contains(string(body), "resource_already_exists_exception") {
			return nil
		}
		return fmt.Errorf("store: create index %q: %s", x.index, string(body))
	}
	x.logger.Info("store: created entity index", "index", x.index)
	return nil
}

// bulkPut indexes documents keyed by entity ID. It returns the IDs that were
// rejected item-by-item; a transport-level failure rejects the whole batch.
func (x *esIndex) bulkPut(ctx context.Context, docs []document) ([]uuid.UUID, error) {
	if len(docs) == 0 {
		return nil, nil
	}

	var buf bytes.Buffer
	for i := range docs {
		meta := fmt.Sprintf(`{"index":{"_id":%q}}`, docs[i].ID.String())
		buf.WriteString(meta)
		buf.WriteByte('\n')
		line, err := json.Marshal(&docs[i])
		if err != nil {
			return docIDs(docs), fmt.Errorf("store: marshal bulk document %s: %w", docs[i].ID, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	res, err := x.client.Bulk(bytes.NewReader(buf.Bytes()),
		x.client.Bulk.WithContext(ctx),
		x.client.Bulk.WithIndex(x.index),
	)
	if err != nil {
		return docIDs(docs), fmt.Errorf("store: bulk index: %w", err)
	}
	defer res.Body.Close() //nolint:errcheck
	if res.IsError() {
		body, _ := io.ReadAll(res.Body)
		return docIDs(docs), fmt.Errorf("store: bulk index: %s", string(body))
	}

	var parsed struct {
		Errors bool `json:"errors"`
		Items  []map[string]struct {
			ID     string `json:"_id"`
			Status int    `json:"status"`
			Error  *struct {
				Type   string `json:"type"`
				Reason string `json:"reason"`
			} `json:"error"`
		} `json:"items"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("store: decode bulk response: %w", err)
	}
	if !parsed.Errors {
		return nil, nil
	}

	var failed []uuid.UUID
	var firstReason string
	for _, item := range parsed.Items {
		for _, op := range item {
			if op.Error == nil {
				continue
			}
			if id, err := uuid.Parse(op.ID); err == nil {
				failed = append(failed, id)
			}
			if firstReason == "" {
				firstReason = op.Error.Reason
			}
		}
	}
	if len(failed) == 0 {
		return nil, nil
	}
	return failed, fmt.Errorf("store: bulk index rejected %d documents: %s", len(failed), firstReason)
}

// get fetches one document by entity ID. Returns ErrNotFound on 404.
func (x *esIndex) get(ctx context.Context, id uuid.UUID) (document, error) {
	res, err := x.client.Get(x.index, id.String(), x.client.Get.WithContext(ctx))
	if err != nil {
		return document{}, fmt.Errorf("store: get %s: %w", id, err)
	}
	defer res.Body.Close() //nolint:errcheck
	if res.StatusCode == 404 {
		return document{}, ErrNotFound
	}
	if res.IsError() {
		body, _ := io.ReadAll(res.Body)
		return document{}, fmt.Errorf("store: get %s: %s", id, string(body))
	}

	var parsed struct {
		Found  bool     `json:"found"`
		Source document `json:"_source"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return document{}, fmt.Errorf("store: decode get response: %w", err)
	}
	if !parsed.Found {
		return document{}, ErrNotFound
	}
	return parsed.Source, nil
}

// search returns one page of documents matching the filter, ordered by
// timestamp ascending. Fields the index query cannot express are re-checked
// by the caller via Filter.Matches.
func (x *esIndex) search(ctx context.Context, f Filter, from, size int) ([]document, error) {
	query := buildQuery(f)
	body, err := json.Marshal(query)
	if err != nil {
		return nil, fmt.Errorf("store: marshal search query: %w", err)
	}

	res, err := x.client.Search(
		x.client.Search.WithContext(ctx),
		x.client.Search.WithIndex(x.index),
		x.client.Search.WithBody(bytes.NewReader(body)),
		x.client.Search.WithSort("timestamp:asc", "id:asc"),
		x.client.Search.WithFrom(from),
		x.client.Search.WithSize(size),
	)
	if err != nil {
		return nil, fmt.Errorf("store: search: %w", err)
	}
	defer res.Body.Close() //nolint:errcheck
	if res.StatusCode == 404 {
		return nil, nil // index not created yet: tenant has no data
	}
	if res.IsError() {
		raw, _ := io.ReadAll(res.Body)
		return nil, fmt.Errorf("store: search: %s", string(raw))
	}

	var parsed struct {
		Hits struct {
			Hits []struct {
				Source document `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("store: decode search response: %w", err)
	}

	docs := make([]document, len(parsed.Hits.Hits))
	for i, h := range parsed.Hits.Hits {
		docs[i] = h.Source
	}
	return docs, nil
}

// delete removes a document. Missing documents are not an error.
func (x *esIndex) delete(ctx context.Context, id uuid.UUID) error {
	res, err := x.client.Delete(x.index, id.String(), x.client.Delete.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("store: delete %s: %w", id, err)
	}
	defer res.Body.Close() //nolint:errcheck
	if res.StatusCode == 404 {
		return nil
	}
	if res.IsError() {
		body, _ := io.ReadAll(res.Body)
		return fmt.Errorf("store: delete %s: %s", id, string(body))
	}
	return nil
}

// ping checks cluster reachability.
func (x *esIndex) ping(ctx context.Context) error {
	res, err := x.client.Ping(x.client.Ping.WithContext(ctx))
	if err != nil {
		return err
	}
	defer res.Body.Close() //nolint:errcheck
	if res.IsError() {
		return fmt.Errorf("store: ping status %d", res.StatusCode)
	}
	return nil
}

// buildQuery translates the portable Filter into an Elasticsearch bool query.
func buildQuery(f Filter) map[string]any {
	var filters []map[string]any

	if len(f.Kinds) > 0 {
		kinds := make([]string, len(f.Kinds))
		for i, k := range f.Kinds {
			kinds[i] = string(k)
		}
		filters = append(filters, map[string]any{"terms": map[string]any{"kind": kinds}})
	}
	if f.MetricName != "" {
		filters = append(filters, map[string]any{"term": map[string]any{"entity.name": f.MetricName}})
	}
	if f.MinIssueLevel != "" {
		var levels []string
		for _, l := range []model.IssueLevel{
			model.IssueLevelDebug, model.IssueLevelInfo, model.IssueLevelWarning,
			model.IssueLevelError, model.IssueLevelCritical,
		} {
			if l.AtLeast(f.MinIssueLevel) {
				levels = append(levels, string(l))
			}
		}
		filters = append(filters, map[string]any{"terms": map[string]any{"entity.level": levels}})
	}
	if f.ParentTaskID != nil {
		filters = append(filters, map[string]any{"term": map[string]any{"entity.parent_task_id": f.ParentTaskID.String()}})
	}
	if f.RelatedTo != nil {
		filters = append(filters, map[string]any{"term": map[string]any{"entity.related_to_ids": f.RelatedTo.String()}})
	}
	if f.From != nil || f.To != nil {
		rng := map[string]any{}
		if f.From != nil {
			rng["gte"] = f.From.UTC()
		}
		if f.To != nil {
			rng["lt"] = f.To.UTC()
		}
		filters = append(filters, map[string]any{"range": map[string]any{"timestamp": rng}})
	}

	if len(filters) == 0 {
		return map[string]any{"query": map[string]any{"match_all": map[string]any{}}}
	}
	return map[string]any{"query": map[string]any{"bool": map[string]any{"filter": filters}}}
}

func docIDs(docs []document) []uuid.UUID {
	ids := make([]uuid.UUID, len(docs))
	for i := range docs {
		ids[i] = docs[i].ID
	}
	return ids
}

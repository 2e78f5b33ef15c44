package store

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/kansatsu/internal/model"
	"github.com/ashita-ai/kansatsu/internal/telemetry"
	"github.com/ashita-ai/kansatsu/internal/tenant"
)

const (
	// maxPendingDocs is the hard upper limit on buffered documents to prevent
	// OOM. When reached, Put applies backpressure by returning a PutError.
	maxPendingDocs = 100_000

	// flushBatchTrigger signals an early flush once this many documents are pending.
	flushBatchTrigger = 500

	maxFlushAttempts = 3
	queryPageSize    = 500

	defaultFlushInterval = 200 * time.Millisecond
	defaultFlushTimeout  = 15 * time.Second
	healthCacheTTL       = 5 * time.Second
)

// pendingDoc is one buffered entity awaiting the bulk flush.
type pendingDoc struct {
	doc    document
	lsn    uint64 // 0 when the WAL is disabled
	entity model.Entity
}

// Durable is the durable backend: an Elasticsearch index for query and
// attribute filtering plus an OTLP trace store for execution-shape
// visualization, kept logically consistent per tenant via the shared index
// prefix.
//
// Put appends to a WAL-backed in-memory buffer and returns; a background
// loop bulk-indexes with bounded timeouts and jittered retry, so callers
// never block on search-engine I/O and ingestion never holds pipeline locks
// across the network. Get serves not-yet-flushed entities straight from the
// buffer; Query read-after-write is best-effort (eventual, typically
// sub-second). Index reads fail fast when the backend is unreachable.
type Durable struct {
	idx      *esIndex
	exporter *traceExporter
	wal      *wal
	logger   *slog.Logger

	flushInterval time.Duration
	flushTimeout  time.Duration

	mu      sync.Mutex
	pending []pendingDoc

	indexReady  atomic.Bool
	droppedDocs atomic.Int64

	flushCh    chan struct{}
	done       chan struct{}
	cancelLoop context.CancelFunc
	drainCtx   context.Context // set by Close so the final flush respects the caller's deadline

	healthGroup singleflight.Group
	healthErr   atomic.Value // *error; inner error may be nil
	healthAt    atomic.Int64 // unix nanos of last check
}

// NewDurable creates a durable store for one tenant, recovers any
// un-flushed WAL records into the buffer, and starts the flush loop.
func NewDurable(ctx context.Context, cfg tenant.StorageConfig, logger *slog.Logger) (*Durable, error) {
	idx, err := newESIndex(cfg.Hosts, cfg.Username, cfg.Password, cfg.APIKey, cfg.IndexPrefix, logger)
	if err != nil {
		return nil, err
	}

	exporter, err := newTraceExporter(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("store: trace exporter for %q: %w", cfg.IndexPrefix, err)
	}

	w, err := openWAL(cfg.WALDir, logger)
	if err != nil {
		return nil, err
	}

	d := &Durable{
		idx:           idx,
		exporter:      exporter,
		wal:           w,
		logger:        logger,
		flushInterval: cfg.FlushInterval,
		flushTimeout:  cfg.FlushTimeout,
		flushCh:       make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
	if d.flushInterval <= 0 {
		d.flushInterval = defaultFlushInterval
	}
	if d.flushTimeout <= 0 {
		d.flushTimeout = defaultFlushTimeout
	}

	// Index creation is best-effort here: the backend may be down at startup
	// and writes are buffered regardless. The flush loop re-attempts it.
	if err := idx.ensureIndex(ctx); err != nil {
		logger.Warn("store: entity index not ready, will retry before first flush", "index", idx.index, "error", err)
	} else {
		d.indexReady.Store(true)
	}

	records, err := w.recover()
	if err != nil {
		return nil, err
	}
	for _, r := range records {
		e, err := decodeEntity(r.doc)
		if err != nil {
			logger.Warn("store: wal: dropping unreadable recovered document", "doc_id", r.doc.ID, "error", err)
			continue
		}
		d.pending = append(d.pending, pendingDoc{doc: r.doc, lsn: r.lsn, entity: e})
	}
	if len(d.pending) > 0 {
		logger.Info("store: recovered un-flushed documents from wal", "count", len(d.pending))
	}

	d.registerMetrics(cfg.IndexPrefix)
	loopCtx, cancel := context.WithCancel(context.Background())
	d.cancelLoop = cancel
	go d.flushLoop(loopCtx)
	return d, nil
}

// Put implements Store. Entities are accepted into the WAL-backed buffer;
// encoding failures and buffer backpressure are reported per entity via
// PutError while the remaining entities stay accepted.
func (d *Durable) Put(_ context.Context, entities []model.Entity) error {
	var (
		failed  []uuid.UUID
		lastErr error
		batch   []pendingDoc
	)
	for _, e := range entities {
		doc, err := encodeEntity(e)
		if err != nil {
			failed = append(failed, e.EntityID())
			lastErr = err
			continue
		}
		batch = append(batch, pendingDoc{doc: doc, entity: e})
	}

	d.mu.Lock()
	overflow := len(d.pending)+len(batch) > maxPendingDocs
	d.mu.Unlock()
	if overflow {
		for _, p := range batch {
			failed = append(failed, p.doc.ID)
		}
		return PutError{Failed: failed, Err: fmt.Errorf("store: flush buffer at capacity (%d documents), try again later", maxPendingDocs)}
	}

	if len(batch) > 0 {
		docs := make([]document, len(batch))
		for i := range batch {
			docs[i] = batch[i].doc
		}
		high, err := d.wal.append(docs)
		if err != nil {
			// Durability could not be guaranteed; reject the whole batch so the
			// caller can retry rather than risk silent loss on crash.
			for _, p := range batch {
				failed = append(failed, p.doc.ID)
			}
			return PutError{Failed: failed, Err: err}
		}
		if high > 0 {
			base := high - uint64(len(batch)) + 1
			for i := range batch {
				batch[i].lsn = base + uint64(i)
			}
		}

		d.mu.Lock()
		d.pending = append(d.pending, batch...)
		trigger := len(d.pending) >= flushBatchTrigger
		d.mu.Unlock()
		if trigger {
			select {
			case d.flushCh <- struct{}{}:
			default:
			}
		}
	}

	if len(failed) > 0 {
		return PutError{Failed: failed, Err: lastErr}
	}
	return nil
}

func (d *Durable) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(d.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final flush using the drain context provided by Close.
			drainCtx := d.drainCtx
			if drainCtx == nil {
				var cancel context.CancelFunc
				drainCtx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
			}
			d.flush(drainCtx)
			close(d.done)
			return
		case <-ticker.C:
			d.flush(ctx)
		case <-d.flushCh:
			d.flush(ctx)
		}
	}
}

// flush bulk-indexes the pending buffer. On transport failure the batch is
// requeued (capacity permitting) and retried on a later tick; per-document
// rejections are dropped and counted, since re-sending a rejected document
// cannot succeed.
func (d *Durable) flush(ctx context.Context) {
	d.mu.Lock()
	if len(d.pending) == 0 {
		d.mu.Unlock()
		return
	}
	batch := d.pending
	d.pending = nil
	d.mu.Unlock()

	flushCtx, cancel := context.WithTimeout(ctx, d.flushTimeout)
	defer cancel()

	if !d.indexReady.Load() {
		if err := d.idx.ensureIndex(flushCtx); err == nil {
			d.indexReady.Store(true)
		}
	}

	docs := make([]document, len(batch))
	for i := range batch {
		docs[i] = batch[i].doc
	}

	start := time.Now()
	failedIDs, err := d.bulkWithRetry(flushCtx, docs)

	if err != nil && len(failedIDs) == len(docs) {
		// Transport-level failure: nothing was indexed. Requeue for the next tick.
		d.logger.Error("store: flush failed, retrying on next tick", "error", err, "batch_size", len(batch))
		d.requeue(batch)
		return
	}

	flushed := batch
	if len(failedIDs) > 0 {
		// Per-document rejections (mapping conflicts, oversized docs). Dropping
		// is deliberate: these are poison documents, not transient failures.
		rejected := make(map[uuid.UUID]bool, len(failedIDs))
		for _, id := range failedIDs {
			rejected[id] = true
		}
		flushed = flushed[:0]
		for _, p := range batch {
			if !rejected[p.doc.ID] {
				flushed = append(flushed, p)
			}
		}
		d.droppedDocs.Add(int64(len(failedIDs)))
		d.logger.Error("store: dropped rejected documents", "dropped", len(failedIDs), "error", err)
	}

	var high uint64
	for _, p := range batch {
		if p.lsn > high {
			high = p.lsn
		}
	}
	if err := d.wal.checkpoint(high); err != nil {
		d.logger.Warn("store: wal checkpoint failed", "error", err)
	}

	// Trace-store leg: re-emit flushed tasks/actions as spans.
	var tasks []model.Task
	var actions []model.Action
	for _, p := range flushed {
		switch v := p.entity.(type) {
		case model.Task:
			tasks = append(tasks, v)
		case model.Action:
			actions = append(actions, v)
		}
	}
	d.exporter.export(flushCtx, tasks, actions)

	d.logger.Info("store: batch flushed",
		"batch_size", len(flushed),
		"flush_duration_ms", time.Since(start).Milliseconds(),
	)
}

// bulkWithRetry retries transient bulk failures with jittered exponential
// backoff, bounded by maxFlushAttempts and the flush context deadline.
func (d *Durable) bulkWithRetry(ctx context.Context, docs []document) ([]uuid.UUID, error) {
	delay := 250 * time.Millisecond
	var (
		failed []uuid.UUID
		err    error
	)
	for attempt := range maxFlushAttempts {
		failed, err = d.idx.bulkPut(ctx, docs)
		if err == nil || len(failed) < len(docs) {
			return failed, err
		}
		if attempt == maxFlushAttempts-1 {
			break
		}
		jitter := time.Duration(rand.Int64N(int64(delay))) //nolint:gosec // jitter doesn't need crypto-strength randomness
		select {
		case <-ctx.Done():
			return failed, err
		case <-time.After(delay + jitter):
		}
		delay *= 2
	}
	return failed, err
}

func (d *Durable) requeue(batch []pendingDoc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.pending)+len(batch) <= maxPendingDocs {
		d.pending = append(batch, d.pending...)
		return
	}
	// The WAL still holds these records, so a restart recovers them even
	// though the in-memory buffer had to shed load.
	d.droppedDocs.Add(int64(len(batch)))
	d.logger.Error("store: buffer at capacity after flush failure, shedding to wal", "shed", len(batch))
}

// Get implements Store. An entity still sitting in the flush buffer is
// already accepted, so it is served from there first; parent lookups that
// race the bulk flush must not miss a write Put has acknowledged. Index
// reads fail fast with UnavailableError when the backend is unreachable
// rather than hanging on network timeouts.
func (d *Durable) Get(ctx context.Context, id uuid.UUID) (model.Entity, error) {
	if e, ok := d.pendingEntity(id); ok {
		return e, nil
	}
	if err := d.Healthy(ctx); err != nil {
		return nil, UnavailableError{Backend: "elasticsearch", Err: err}
	}
	doc, err := d.idx.get(ctx, id)
	if err != nil {
		return nil, err
	}
	return decodeEntity(doc)
}

// pendingEntity returns the newest buffered copy of an entity, scanning from
// the tail so a re-Put of the same ID wins over its older buffered version.
func (d *Durable) pendingEntity(id uuid.UUID) (model.Entity, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := len(d.pending) - 1; i >= 0; i-- {
		if d.pending[i].doc.ID == id {
			return d.pending[i].entity, true
		}
	}
	return nil, false
}

// Query implements Store. Pages are fetched lazily from the index; fields the
// index query cannot express are re-checked locally.
func (d *Durable) Query(ctx context.Context, f Filter) iter.Seq2[model.Entity, error] {
	return func(yield func(model.Entity, error) bool) {
		if err := d.Healthy(ctx); err != nil {
			yield(nil, UnavailableError{Backend: "elasticsearch", Err: err})
			return
		}

		yielded := 0
		for from := 0; ; from += queryPageSize {
			docs, err := d.idx.search(ctx, f, from, queryPageSize)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, doc := range docs {
				e, err := decodeEntity(doc)
				if err != nil {
					if !yield(nil, err) {
						return
					}
					continue
				}
				if !f.Matches(e) {
					continue
				}
				if !yield(e, nil) {
					return
				}
				yielded++
				if f.Limit > 0 && yielded >= f.Limit {
					return
				}
			}
			if len(docs) < queryPageSize {
				return
			}
		}
	}
}

// Delete implements Store. Removes the document from the index and from any
// not-yet-flushed buffer entry.
func (d *Durable) Delete(ctx context.Context, id uuid.UUID) error {
	d.mu.Lock()
	kept := d.pending[:0]
	for _, p := range d.pending {
		if p.doc.ID != id {
			kept = append(kept, p)
		}
	}
	d.pending = kept
	d.mu.Unlock()

	return d.idx.delete(ctx, id)
}

// Healthy implements Store. Results are cached briefly and concurrent checks
// are deduplicated via singleflight so queries don't hammer the cluster's
// ping endpoint.
func (d *Durable) Healthy(ctx context.Context) error {
	if time.Since(time.Unix(0, d.healthAt.Load())) < healthCacheTTL {
		return d.loadHealthErr()
	}

	// context.Background() instead of the caller's ctx: singleflight reuses
	// the first caller's context, and its cancellation would poison waiters.
	result, _, _ := d.healthGroup.Do("health", func() (any, error) {
		checkCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		if err := d.idx.ping(checkCtx); err != nil {
			d.storeHealthErr(fmt.Errorf("store: elasticsearch unhealthy: %w", err))
		} else {
			d.storeHealthErr(nil)
		}
		d.healthAt.Store(time.Now().UnixNano())
		return d.loadHealthErr(), nil
	})
	if result == nil {
		return nil
	}
	return result.(error)
}

func (d *Durable) storeHealthErr(err error) {
	d.healthErr.Store(&err)
}

func (d *Durable) loadHealthErr() error {
	v := d.healthErr.Load()
	if v == nil {
		return nil
	}
	return *v.(*error)
}

// Close implements Store. Drains the flush loop (the final flush respects
// ctx's deadline), then shuts down the trace exporter and the WAL.
func (d *Durable) Close(ctx context.Context) error {
	d.drainCtx = ctx
	if d.cancelLoop != nil {
		d.cancelLoop()
	}
	select {
	case <-d.done:
	case <-ctx.Done():
		d.logger.Warn("store: close timed out waiting for flush loop")
	}

	var firstErr error
	if err := d.exporter.close(ctx); err != nil {
		firstErr = err
	}
	if err := d.wal.close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// PendingDocs returns the number of buffered documents awaiting flush.
func (d *Durable) PendingDocs() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// DroppedDocs returns the total documents dropped after rejection or
// buffer exhaustion. A non-zero value indicates data loss from the index
// (WAL-recovered on restart where enabled).
func (d *Durable) DroppedDocs() int64 {
	return d.droppedDocs.Load()
}

// registerMetrics registers observable gauges for flush-buffer health.
func (d *Durable) registerMetrics(prefix string) {
	meter := telemetry.Meter("kansatsu/store")

	_, _ = meter.Int64ObservableGauge("kansatsu.store.pending_docs",
		metric.WithDescription("Documents buffered for bulk flush, tenant index prefix "+prefix),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(d.PendingDocs()))
			return nil
		}),
	)
	_, _ = meter.Int64ObservableGauge("kansatsu.store.dropped_docs_total",
		metric.WithDescription("Documents dropped due to rejection or buffer exhaustion, tenant index prefix "+prefix),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(d.DroppedDocs())
			return nil
		}),
	)
}

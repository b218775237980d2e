package rag

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/uderia/uderia/internal/model"
	"github.com/uderia/uderia/internal/storage"
	"github.com/uderia/uderia/internal/telemetry"
)

// OutboxStore is the slice of storage the indexer needs.
type OutboxStore interface {
	ClaimOutbox(ctx context.Context, limit int) ([]storage.OutboxEntry, error)
	MarkOutboxProcessed(ctx context.Context, id int64) error
	MarkOutboxFailed(ctx context.Context, id int64, cause error) error
	OutboxDepth(ctx context.Context) (int, error)
}

// VectorStore is the slice of the case store the indexer needs.
type VectorStore interface {
	Upsert(ctx context.Context, points []CasePoint) error
	DeleteByIDs(ctx context.Context, ids []uuid.UUID) error
	DeleteByCollection(ctx context.Context, collectionID int64) error
}

// Indexer polls the rag_outbox table and syncs changes to the vector store.
// Case writes commit to SQLite synchronously and reach Qdrant through here,
// so a vector-store outage delays retrieval freshness without losing writes.
type Indexer struct {
	store        OutboxStore
	vectors      VectorStore
	embedder     Provider
	logger       *slog.Logger
	pollInterval time.Duration
	batchSize    int

	started    atomic.Bool
	cancelLoop context.CancelFunc
	done       chan struct{}
	once       sync.Once
	drainCh    chan context.Context // carries the drain context to pollLoop for the final poll
}

// NewIndexer creates an indexer over the outbox and vector store.
func NewIndexer(store OutboxStore, vectors VectorStore, embedder Provider, logger *slog.Logger, pollInterval time.Duration, batchSize int) *Indexer {
	return &Indexer{
		store:        store,
		vectors:      vectors,
		embedder:     embedder,
		logger:       logger,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		done:         make(chan struct{}),
		drainCh:      make(chan context.Context, 1),
	}
}

// Start begins the background poll loop. It is safe to call only once;
// subsequent calls are no-ops and log a warning.
func (w *Indexer) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		w.logger.Warn("rag indexer: Start called more than once, ignoring")
		return
	}
	w.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancelLoop = cancel
	go w.pollLoop(loopCtx)
}

// Drain signals the poll loop to stop, processes remaining entries, and
// blocks until done or the context expires.
func (w *Indexer) Drain(ctx context.Context) {
	// Send the drain context to pollLoop via channel (race-free). Must be
	// sent before cancelLoop so pollLoop can receive it on ctx.Done().
	select {
	case w.drainCh <- ctx:
	default:
	}
	if w.cancelLoop != nil {
		w.cancelLoop()
	}
	select {
	case <-w.done:
	case <-ctx.Done():
		w.logger.Warn("rag indexer: drain timed out")
	}
}

func (w *Indexer) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final drain: prefer the drain context so the final poll
			// respects the caller's deadline.
			var drainCtx context.Context
			select {
			case drainCtx = <-w.drainCh:
			default:
			}
			if drainCtx != nil {
				w.processBatch(drainCtx)
			} else {
				// Fallback for direct cancellation without Drain (e.g. tests).
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				w.processBatch(fallbackCtx)
				cancel()
			}
			w.once.Do(func() { close(w.done) })
			return
		case <-ticker.C:
			batchCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			w.processBatch(batchCtx)
			cancel()
		}
	}
}

const maxIndexAttempts = 10

func (w *Indexer) processBatch(ctx context.Context) {
	entries, err := w.store.ClaimOutbox(ctx, w.batchSize)
	if err != nil {
		w.logger.Error("rag indexer: claim entries", "error", err)
		return
	}
	if len(entries) == 0 {
		return
	}

	var indexes []storage.OutboxEntry
	for _, e := range entries {
		if e.Attempts > maxIndexAttempts {
			w.logger.Warn("rag indexer: dead-letter entry",
				"outbox_id", e.ID, "case_id", e.CaseID, "operation", e.Operation, "attempts", e.Attempts)
			// Mark processed so it stops being claimed; last_error keeps the cause.
			if err := w.store.MarkOutboxProcessed(ctx, e.ID); err != nil {
				w.logger.Error("rag indexer: retire dead-letter", "error", err)
			}
			continue
		}

		switch e.Operation {
		case storage.OutboxOpIndex:
			indexes = append(indexes, e)
		case storage.OutboxOpDelete:
			w.applyDelete(ctx, e)
		case storage.OutboxOpDeleteCollection:
			w.applyDeleteCollection(ctx, e)
		default:
			w.logger.Warn("rag indexer: unknown operation, dropping", "operation", e.Operation, "outbox_id", e.ID)
			_ = w.store.MarkOutboxProcessed(ctx, e.ID)
		}
	}

	if len(indexes) > 0 {
		w.applyIndexes(ctx, indexes)
	}
}

func (w *Indexer) applyIndexes(ctx context.Context, entries []storage.OutboxEntry) {
	points := make([]CasePoint, 0, len(entries))
	texts := make([]string, 0, len(entries))

	for _, e := range entries {
		c := caseFromOutboxPayload(e)
		points = append(points, CasePoint{Case: c})
		texts = append(texts, c.Question)
	}

	vecs, err := w.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		w.logger.Error("rag indexer: embed batch", "error", err, "count", len(texts))
		w.failEntries(ctx, entries, err)
		return
	}
	for i := range points {
		points[i].Embedding = vecs[i]
	}

	if err := w.vectors.Upsert(ctx, points); err != nil {
		w.logger.Error("rag indexer: upsert", "error", err, "count", len(points))
		w.failEntries(ctx, entries, err)
		return
	}

	for _, e := range entries {
		if err := w.store.MarkOutboxProcessed(ctx, e.ID); err != nil {
			w.logger.Error("rag indexer: mark processed", "error", err, "outbox_id", e.ID)
		}
	}
	w.logger.Info("rag indexer: indexed", "count", len(points))
}

func (w *Indexer) applyDelete(ctx context.Context, e storage.OutboxEntry) {
	if err := w.vectors.DeleteByIDs(ctx, []uuid.UUID{e.CaseID}); err != nil {
		w.logger.Error("rag indexer: delete case", "error", err, "case_id", e.CaseID)
		w.failEntries(ctx, []storage.OutboxEntry{e}, err)
		return
	}
	if err := w.store.MarkOutboxProcessed(ctx, e.ID); err != nil {
		w.logger.Error("rag indexer: mark processed", "error", err, "outbox_id", e.ID)
	}
}

func (w *Indexer) applyDeleteCollection(ctx context.Context, e storage.OutboxEntry) {
	if err := w.vectors.DeleteByCollection(ctx, e.CollectionID); err != nil {
		w.logger.Error("rag indexer: delete collection", "error", err, "collection_id", e.CollectionID)
		w.failEntries(ctx, []storage.OutboxEntry{e}, err)
		return
	}
	if err := w.store.MarkOutboxProcessed(ctx, e.ID); err != nil {
		w.logger.Error("rag indexer: mark processed", "error", err, "outbox_id", e.ID)
	}
}

func (w *Indexer) failEntries(ctx context.Context, entries []storage.OutboxEntry, cause error) {
	for _, e := range entries {
		if err := w.store.MarkOutboxFailed(ctx, e.ID, cause); err != nil {
			w.logger.Error("rag indexer: mark failed", "error", err, "outbox_id", e.ID)
		}
	}
}

// registerMetrics registers an observable OTEL gauge for outbox depth.
func (w *Indexer) registerMetrics() {
	meter := telemetry.Meter("uderia/rag")

	_, _ = meter.Int64ObservableGauge("uderia.rag.outbox.depth",
		metric.WithDescription("Number of pending entries in the RAG outbox"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			depth, err := w.store.OutboxDepth(ctx)
			if err != nil {
				return nil // Non-fatal: just skip this observation.
			}
			o.Observe(int64(depth))
			return nil
		}),
	)
}

// caseFromOutboxPayload rebuilds the case carried in an index entry.
func caseFromOutboxPayload(e storage.OutboxEntry) model.RAGCase {
	c := model.RAGCase{
		ID:           e.CaseID,
		CollectionID: e.CollectionID,
		CreatedAt:    e.CreatedAt,
	}
	if v, ok := e.Payload["user_uuid"].(string); ok {
		if uid, err := uuid.Parse(v); err == nil {
			c.UserID = uid
		}
	}
	if v, ok := e.Payload["question"].(string); ok {
		c.Question = v
	}
	if v, ok := e.Payload["answer"].(string); ok {
		c.Answer = v
	}
	if v, ok := e.Payload["tool"].(string); ok {
		c.Tool = v
	}
	if v, ok := e.Payload["quality"].(float64); ok {
		c.Quality = float32(v)
	}
	if v, ok := e.Payload["metadata"].(map[string]any); ok {
		c.Metadata = v
	}
	return c
}

// OutboxPayload builds the outbox payload for an index operation. The
// inverse of caseFromOutboxPayload; kept next to it so the two stay in sync.
func OutboxPayload(c model.RAGCase) map[string]any {
	p := map[string]any{
		"user_uuid": c.UserID.String(),
		"question":  c.Question,
		"answer":    c.Answer,
		"quality":   float64(c.Quality),
	}
	if c.Tool != "" {
		p["tool"] = c.Tool
	}
	if len(c.Metadata) > 0 {
		p["metadata"] = c.Metadata
	}
	return p
}

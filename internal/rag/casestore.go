package rag

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"golang.org/x/sync/singleflight"

	"github.com/uderia/uderia/internal/model"
)

// CaseStoreConfig holds configuration for connecting to Qdrant.
type CaseStoreConfig struct {
	URL        string // e.g. "https://xyz.cloud.qdrant.io:6333" or "http://localhost:6333"
	APIKey     string
	Collection string
	Dims       uint64
}

// CaseStore holds Uderia's RAG cases in a single Qdrant collection, scoped
// by collection_id and user_uuid payload fields.
type CaseStore struct {
	client     *qdrant.Client
	collection string
	dims       uint64
	logger     *slog.Logger

	healthGroup singleflight.Group
	healthErr   atomic.Value // stores *error (pointer-to-error, never nil pointer; inner error may be nil)
	healthAt    atomic.Int64 // unix nanos of last check
}

// parseQdrantURL extracts host, port, and TLS flag from a Qdrant URL.
// Accepts forms like "https://host:6333", "http://host:6333", or "host:6334".
func parseQdrantURL(rawURL string) (host string, port int, useTLS bool, err error) {
	u, parseErr := url.Parse(rawURL)
	if parseErr != nil || u.Host == "" {
		return "", 0, false, fmt.Errorf("rag: invalid qdrant URL: %q", rawURL)
	}

	useTLS = u.Scheme == "https"
	host = u.Hostname()

	if portStr := u.Port(); portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return "", 0, false, fmt.Errorf("rag: invalid port in qdrant URL: %q", portStr)
		}
		// If the user specified the REST port (6333), use the gRPC port (6334).
		if p == 6333 {
			port = 6334
		} else {
			port = p
		}
	} else {
		port = 6334
	}

	return host, port, useTLS, nil
}

// NewCaseStore creates a CaseStore and connects to the Qdrant server via gRPC.
func NewCaseStore(cfg CaseStoreConfig, logger *slog.Logger) (*CaseStore, error) {
	host, port, useTLS, err := parseQdrantURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("rag: connect to qdrant at %s:%d: %w", host, port, err)
	}

	return &CaseStore{
		client:     client,
		collection: cfg.Collection,
		dims:       cfg.Dims,
		logger:     logger,
	}, nil
}

// EnsureCollection creates the collection if it doesn't already exist and
// ensures all payload indexes are present. CreateFieldIndex is idempotent on
// Qdrant, so index creation is always attempted to backfill indexes added
// after the collection was first created.
func (s *CaseStore) EnsureCollection(ctx context.Context) error {
	exists, err := s.client.CollectionExists(ctx, s.collection)
	if err != nil {
		return fmt.Errorf("rag: check collection exists: %w", err)
	}

	if !exists {
		m := uint64(16)
		efConstruct := uint64(128)

		if err := s.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: s.collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     s.dims,
				Distance: qdrant.Distance_Cosine,
				HnswConfig: &qdrant.HnswConfigDiff{
					M:           &m,
					EfConstruct: &efConstruct,
				},
			}),
		}); err != nil {
			return fmt.Errorf("rag: create collection %q: %w", s.collection, err)
		}
		s.logger.Info("qdrant: created collection", "collection", s.collection, "dims", s.dims)
	} else {
		s.logger.Info("qdrant: collection already exists", "collection", s.collection)
	}

	keywordType := qdrant.FieldType_FieldTypeKeyword
	for _, field := range []string{"user_uuid", "tool"} {
		if _, err := s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: s.collection,
			FieldName:      field,
			FieldType:      &keywordType,
		}); err != nil {
			return fmt.Errorf("rag: ensure index on %q: %w", field, err)
		}
	}

	intType := qdrant.FieldType_FieldTypeInteger
	if _, err := s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
		CollectionName: s.collection,
		FieldName:      "collection_id",
		FieldType:      &intType,
	}); err != nil {
		return fmt.Errorf("rag: ensure index on %q: %w", "collection_id", err)
	}

	floatType := qdrant.FieldType_FieldTypeFloat
	if _, err := s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
		CollectionName: s.collection,
		FieldName:      "quality",
		FieldType:      &floatType,
	}); err != nil {
		return fmt.Errorf("rag: ensure index on %q: %w", "quality", err)
	}

	s.logger.Info("qdrant: payload indexes ensured", "collection", s.collection)
	return nil
}

// CasePoint is the data needed to upsert a single case into Qdrant.
type CasePoint struct {
	Case      model.RAGCase
	Embedding []float32
}

// Upsert inserts or updates case points.
func (s *CaseStore) Upsert(ctx context.Context, points []CasePoint) error {
	if len(points) == 0 {
		return nil
	}

	qdrantPoints := make([]*qdrant.PointStruct, len(points))
	for i, p := range points {
		payload := map[string]any{
			"collection_id": p.Case.CollectionID,
			"user_uuid":     p.Case.UserID.String(),
			"question":      p.Case.Question,
			"answer":        p.Case.Answer,
			"quality":       float64(p.Case.Quality),
			"created_unix":  float64(p.Case.CreatedAt.Unix()),
		}
		if p.Case.Tool != "" {
			payload["tool"] = p.Case.Tool
		}
		for k, v := range p.Case.Metadata {
			payload["meta_"+k] = v
		}
		qdrantPoints[i] = &qdrant.PointStruct{
			Id:      qdrant.NewID(p.Case.ID.String()),
			Vectors: qdrant.NewVectorsDense(p.Embedding),
			Payload: qdrant.NewValueMap(payload),
		}
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         qdrantPoints,
	})
	if err != nil {
		return fmt.Errorf("rag: qdrant upsert %d points: %w", len(points), err)
	}
	return nil
}

// Query runs a similarity search under a filter built by an AccessContext.
func (s *CaseStore) Query(ctx context.Context, embedding []float32, filter *qdrant.Filter, limit int) ([]model.CaseResult, error) {
	if limit <= 0 {
		limit = 10
	}

	fetchLimit := uint64(limit) //nolint:gosec // limit is bounded by caller
	scored, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQueryDense(embedding),
		Filter:         filter,
		Limit:          &fetchLimit,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("rag: qdrant query: %w", err)
	}

	results := make([]model.CaseResult, 0, len(scored))
	for _, sp := range scored {
		idStr := sp.Id.GetUuid()
		if idStr == "" {
			continue
		}
		caseID, err := uuid.Parse(idStr)
		if err != nil {
			s.logger.Warn("qdrant: invalid UUID in point ID", "id", idStr)
			continue
		}
		results = append(results, model.CaseResult{
			Case:            caseFromPayload(caseID, sp.Payload),
			SimilarityScore: sp.Score,
		})
	}
	return results, nil
}

// ListByCollection scrolls every case in a knowledge collection, without a
// similarity query. Used by agent-pack export to dump collection contents.
func (s *CaseStore) ListByCollection(ctx context.Context, collectionID int64, limit int) ([]model.RAGCase, error) {
	if limit <= 0 {
		limit = 1000
	}

	filter := &qdrant.Filter{
		Must: []*qdrant.Condition{
			qdrant.NewMatchInt("collection_id", collectionID),
		},
	}

	batch := uint32(limit) //nolint:gosec // limit is bounded by caller
	points, err := s.client.Scroll(ctx, &qdrant.ScrollPoints{
		CollectionName: s.collection,
		Filter:         filter,
		Limit:          &batch,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("rag: qdrant scroll collection %d: %w", collectionID, err)
	}

	out := make([]model.RAGCase, 0, len(points))
	for _, p := range points {
		caseID, err := uuid.Parse(p.Id.GetUuid())
		if err != nil {
			continue
		}
		out = append(out, caseFromPayload(caseID, p.Payload))
	}
	return out, nil
}

// DeleteByIDs removes specific cases by ID.
func (s *CaseStore) DeleteByIDs(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}

	pointIDs := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = qdrant.NewID(id.String())
	}

	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.collection,
		Wait:           qdrant.PtrOf(true),
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{Ids: pointIDs},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("rag: qdrant delete %d points: %w", len(ids), err)
	}
	return nil
}

// DeleteByCollection removes every case in a knowledge collection. Called
// when a collection is deactivated; the whole collection goes at once, so
// per-case outbox entries are unnecessary.
func (s *CaseStore) DeleteByCollection(ctx context.Context, collectionID int64) error {
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.collection,
		Wait:           qdrant.PtrOf(true),
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
				Filter: &qdrant.Filter{
					Must: []*qdrant.Condition{
						qdrant.NewMatchInt("collection_id", collectionID),
					},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("rag: qdrant delete collection %d: %w", collectionID, err)
	}
	return nil
}

// Healthy returns nil if Qdrant is reachable. Results are cached for 5
// seconds; concurrent checks after expiry are deduplicated via singleflight
// so only one gRPC call is made and all waiters share its result.
func (s *CaseStore) Healthy(ctx context.Context) error {
	if time.Since(time.Unix(0, s.healthAt.Load())) < 5*time.Second {
		return s.loadHealthErr()
	}

	// Use context.Background() instead of the caller's ctx because
	// singleflight reuses the first caller's context; if that caller
	// cancels, all waiters would get a stale error.
	result, _, _ := s.healthGroup.Do("health", func() (any, error) {
		checkCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		_, err := s.client.HealthCheck(checkCtx)
		if err != nil {
			s.storeHealthErr(fmt.Errorf("rag: qdrant unhealthy: %w", err))
		} else {
			s.storeHealthErr(nil)
		}
		s.healthAt.Store(time.Now().UnixNano())
		return s.loadHealthErr(), nil
	})
	if result == nil {
		return nil
	}
	return result.(error)
}

// storeHealthErr stores an error (or nil) in the atomic.Value.
// atomic.Value cannot store nil directly, so it is wrapped in a pointer.
func (s *CaseStore) storeHealthErr(err error) {
	s.healthErr.Store(&err)
}

func (s *CaseStore) loadHealthErr() error {
	v := s.healthErr.Load()
	if v == nil {
		return nil
	}
	return *v.(*error)
}

// Close shuts down the Qdrant gRPC connection.
func (s *CaseStore) Close() error {
	return s.client.Close()
}

// caseFromPayload rebuilds a RAGCase from a Qdrant point payload.
func caseFromPayload(id uuid.UUID, payload map[string]*qdrant.Value) model.RAGCase {
	c := model.RAGCase{ID: id}

	if v, ok := payload["collection_id"]; ok {
		c.CollectionID = v.GetIntegerValue()
	}
	if v, ok := payload["user_uuid"]; ok {
		if uid, err := uuid.Parse(v.GetStringValue()); err == nil {
			c.UserID = uid
		}
	}
	if v, ok := payload["question"]; ok {
		c.Question = v.GetStringValue()
	}
	if v, ok := payload["answer"]; ok {
		c.Answer = v.GetStringValue()
	}
	if v, ok := payload["tool"]; ok {
		c.Tool = v.GetStringValue()
	}
	if v, ok := payload["quality"]; ok {
		c.Quality = float32(v.GetDoubleValue())
	}
	if v, ok := payload["created_unix"]; ok {
		c.CreatedAt = time.Unix(int64(v.GetDoubleValue()), 0).UTC()
	}

	for k, v := range payload {
		if len(k) > 5 && k[:5] == "meta_" {
			if c.Metadata == nil {
				c.Metadata = map[string]any{}
			}
			c.Metadata[k[5:]] = valueToAny(v)
		}
	}
	return c
}

func valueToAny(v *qdrant.Value) any {
	switch kind := v.GetKind().(type) {
	case *qdrant.Value_StringValue:
		return kind.StringValue
	case *qdrant.Value_IntegerValue:
		return kind.IntegerValue
	case *qdrant.Value_DoubleValue:
		return kind.DoubleValue
	case *qdrant.Value_BoolValue:
		return kind.BoolValue
	default:
		return nil
	}
}

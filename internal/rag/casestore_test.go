package rag

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uderia/uderia/internal/model"
)

// newTestCaseStore connects a CaseStore to a local address with no server
// behind it. gRPC connects lazily, so construction succeeds; actual RPCs
// fail. Enough to exercise early-return paths, health caching, and error
// handling.
func newTestCaseStore(t *testing.T) *CaseStore {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := NewCaseStore(CaseStoreConfig{
		URL:        "http://localhost:16334", // Non-standard port, no server running.
		Collection: "test_cases",
		Dims:       768,
	}, logger)
	require.NoError(t, err, "NewCaseStore should succeed (gRPC is lazy-connect)")
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestParseQdrantURL(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		wantHost string
		wantPort int
		wantTLS  bool
		wantErr  bool
	}{
		{name: "https cloud", url: "https://xyz.cloud.qdrant.io:6334", wantHost: "xyz.cloud.qdrant.io", wantPort: 6334, wantTLS: true},
		{name: "rest port remapped to grpc", url: "http://localhost:6333", wantHost: "localhost", wantPort: 6334},
		{name: "explicit grpc port kept", url: "http://localhost:6334", wantHost: "localhost", wantPort: 6334},
		{name: "no port defaults to grpc", url: "http://qdrant.internal", wantHost: "qdrant.internal", wantPort: 6334},
		{name: "empty", url: "", wantErr: true},
		{name: "no host", url: "http://", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host, port, useTLS, err := parseQdrantURL(tt.url)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantHost, host)
			assert.Equal(t, tt.wantPort, port)
			assert.Equal(t, tt.wantTLS, useTLS)
		})
	}
}

func TestNewCaseStoreValid(t *testing.T) {
	s := newTestCaseStore(t)
	assert.Equal(t, "test_cases", s.collection)
	assert.Equal(t, uint64(768), s.dims)
	assert.NotNil(t, s.client)
}

func TestNewCaseStoreInvalidURL(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	_, err := NewCaseStore(CaseStoreConfig{URL: "", Collection: "c", Dims: 768}, logger)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid qdrant URL")
}

func TestCaseStoreUpsertEmptyPoints(t *testing.T) {
	s := newTestCaseStore(t)

	// Empty upserts return nil without touching Qdrant.
	assert.NoError(t, s.Upsert(context.Background(), nil))
	assert.NoError(t, s.Upsert(context.Background(), []CasePoint{}))
}

func TestCaseStoreDeleteByIDsEmpty(t *testing.T) {
	s := newTestCaseStore(t)

	assert.NoError(t, s.DeleteByIDs(context.Background(), nil))
	assert.NoError(t, s.DeleteByIDs(context.Background(), []uuid.UUID{}))
}

func TestCaseStoreQueryFailsWithoutServer(t *testing.T) {
	s := newTestCaseStore(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	results, err := s.Query(ctx, make([]float32, 768), nil, 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "qdrant query")
	assert.Nil(t, results)
}

func TestCaseStoreHealthErrStoreAndLoad(t *testing.T) {
	s := newTestCaseStore(t)

	assert.Nil(t, s.loadHealthErr())

	s.storeHealthErr(fmt.Errorf("connection refused"))
	loaded := s.loadHealthErr()
	require.Error(t, loaded)
	assert.Equal(t, "connection refused", loaded.Error())

	s.storeHealthErr(nil)
	assert.Nil(t, s.loadHealthErr())
}

func TestCaseStoreHealthyCachedResult(t *testing.T) {
	s := newTestCaseStore(t)

	// A fresh cached result short-circuits the gRPC call. With no server
	// running, a nil return proves the fast path was taken.
	s.storeHealthErr(nil)
	s.healthAt.Store(time.Now().UnixNano())
	assert.Nil(t, s.Healthy(context.Background()))

	s.storeHealthErr(fmt.Errorf("rag: qdrant unhealthy: previous failure"))
	s.healthAt.Store(time.Now().UnixNano())
	err := s.Healthy(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "previous failure")
}

func TestCaseStoreHealthyExpiredCache(t *testing.T) {
	s := newTestCaseStore(t)

	s.storeHealthErr(nil)
	s.healthAt.Store(time.Now().Add(-10 * time.Second).UnixNano())

	// Expired cache forces a real health check, which fails with no server.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.Healthy(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "qdrant unhealthy")
}

func TestCaseStoreCloseIdempotent(t *testing.T) {
	s := newTestCaseStore(t)
	// Cleanup closes again; double-close on the gRPC conn is safe.
	assert.NoError(t, s.Close())
}

func TestCasePayloadRoundTrip(t *testing.T) {
	userID := uuid.New()
	caseID := uuid.New()
	created := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)

	c := model.RAGCase{
		ID:           caseID,
		CollectionID: 42,
		UserID:       userID,
		Question:     "quarterly revenue by region?",
		Answer:       "EMEA led Q1 at 4.2M.",
		Tool:         "sales_report",
		Quality:      0.85,
		CreatedAt:    created,
		Metadata:     map[string]any{"source": "crm", "reviewed": true},
	}

	// Build the payload the way Upsert does, then rebuild the case the
	// way Query does.
	payload := map[string]any{
		"collection_id": c.CollectionID,
		"user_uuid":     c.UserID.String(),
		"question":      c.Question,
		"answer":        c.Answer,
		"quality":       float64(c.Quality),
		"created_unix":  float64(c.CreatedAt.Unix()),
		"tool":          c.Tool,
	}
	for k, v := range c.Metadata {
		payload["meta_"+k] = v
	}

	got := caseFromPayload(caseID, qdrant.NewValueMap(payload))

	assert.Equal(t, c.ID, got.ID)
	assert.Equal(t, c.CollectionID, got.CollectionID)
	assert.Equal(t, c.UserID, got.UserID)
	assert.Equal(t, c.Question, got.Question)
	assert.Equal(t, c.Answer, got.Answer)
	assert.Equal(t, c.Tool, got.Tool)
	assert.InDelta(t, c.Quality, got.Quality, 1e-6)
	assert.Equal(t, c.CreatedAt, got.CreatedAt)
	assert.Equal(t, "crm", got.Metadata["source"])
	assert.Equal(t, true, got.Metadata["reviewed"])
}

func TestCasePayloadRoundTripNoToolNoMetadata(t *testing.T) {
	caseID := uuid.New()
	payload := map[string]any{
		"collection_id": int64(7),
		"user_uuid":     uuid.New().String(),
		"question":      "q",
		"answer":        "a",
		"quality":       0.5,
		"created_unix":  float64(time.Now().Unix()),
	}

	got := caseFromPayload(caseID, qdrant.NewValueMap(payload))
	assert.Empty(t, got.Tool)
	assert.Nil(t, got.Metadata)
}

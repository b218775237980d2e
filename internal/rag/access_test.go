package rag

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uderia/uderia/internal/model"
)

// fakeAccessStore serves access types from a map and counts lookups.
type fakeAccessStore struct {
	access  map[int64]model.AccessType
	lookups int
	fail    bool
}

func (f *fakeAccessStore) AccessTypeFor(_ context.Context, _ uuid.UUID, collectionID int64) (model.AccessType, error) {
	f.lookups++
	if f.fail {
		return "", fmt.Errorf("database is locked")
	}
	return f.access[collectionID], nil
}

func (f *fakeAccessStore) ListAccessibleCollections(_ context.Context, _ uuid.UUID, _, _ int) ([]model.Collection, error) {
	return nil, nil
}

func TestValidateAccess(t *testing.T) {
	ctx := context.Background()
	store := &fakeAccessStore{access: map[int64]model.AccessType{
		1: model.AccessOwned,
		2: model.AccessSubscribed,
		3: model.AccessPublic,
	}}
	ac := NewAccessContext(store, uuid.New())

	// Reads: any non-empty access type passes.
	require.NoError(t, ac.ValidateAccess(ctx, 1, false))
	require.NoError(t, ac.ValidateAccess(ctx, 2, false))
	require.NoError(t, ac.ValidateAccess(ctx, 3, false))
	require.ErrorIs(t, ac.ValidateAccess(ctx, 99, false), ErrForbidden)

	// Writes: strict ownership only.
	require.NoError(t, ac.ValidateAccess(ctx, 1, true))
	require.ErrorIs(t, ac.ValidateAccess(ctx, 2, true), ErrForbidden)
	require.ErrorIs(t, ac.ValidateAccess(ctx, 3, true), ErrForbidden)
}

func TestAccessContextMemoization(t *testing.T) {
	ctx := context.Background()
	store := &fakeAccessStore{access: map[int64]model.AccessType{1: model.AccessOwned}}
	ac := NewAccessContext(store, uuid.New())

	require.NoError(t, ac.ValidateAccess(ctx, 1, false))
	after := store.lookups
	require.NoError(t, ac.ValidateAccess(ctx, 1, true))
	_, err := ac.BuildQueryFilter(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, after, store.lookups, "repeat checks served from the memo")

	ac.ClearCache()
	require.NoError(t, ac.ValidateAccess(ctx, 1, false))
	assert.Greater(t, store.lookups, after)
}

func TestBuildQueryFilterDenied(t *testing.T) {
	store := &fakeAccessStore{access: map[int64]model.AccessType{}}
	ac := NewAccessContext(store, uuid.New())

	_, err := ac.BuildQueryFilter(context.Background(), 7)
	require.ErrorIs(t, err, ErrForbidden)
}

func TestBuildQueryFilterOwnedScopesAuthor(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()
	store := &fakeAccessStore{access: map[int64]model.AccessType{1: model.AccessOwned}}
	ac := NewAccessContext(store, userID)

	filter, err := ac.BuildQueryFilter(ctx, 1)
	require.NoError(t, err)
	require.Len(t, filter.Must, 2)

	// Last clause is the author scope: caller OR template sentinel.
	nested := filter.Must[1].GetFilter()
	require.NotNil(t, nested, "owned access adds a nested should-filter")
	require.Len(t, nested.Should, 2)
	values := []string{
		nested.Should[0].GetField().GetMatch().GetKeyword(),
		nested.Should[1].GetField().GetMatch().GetKeyword(),
	}
	assert.Contains(t, values, userID.String())
	assert.Contains(t, values, TemplateSentinel.String())
}

func TestBuildQueryFilterSharedAccessUnscoped(t *testing.T) {
	ctx := context.Background()
	store := &fakeAccessStore{access: map[int64]model.AccessType{
		2: model.AccessSubscribed,
		3: model.AccessPublic,
	}}
	ac := NewAccessContext(store, uuid.New())

	for _, id := range []int64{2, 3} {
		filter, err := ac.BuildQueryFilter(ctx, id)
		require.NoError(t, err)
		// Only the collection clause; no author scoping for shared reads.
		require.Len(t, filter.Must, 1)
		assert.Equal(t, "collection_id", filter.Must[0].GetField().GetKey())
	}
}

func TestBuildQueryFilterExtraConditions(t *testing.T) {
	ctx := context.Background()
	store := &fakeAccessStore{access: map[int64]model.AccessType{2: model.AccessSubscribed}}
	ac := NewAccessContext(store, uuid.New())

	filter, err := ac.BuildQueryFilter(ctx, 2,
		qdrant.NewMatch("tool", "sql_query"),
		qdrant.NewRange("quality", &qdrant.Range{Gte: qdrant.PtrOf(0.8)}),
	)
	require.NoError(t, err)
	require.Len(t, filter.Must, 3)
	assert.Equal(t, "tool", filter.Must[1].GetField().GetKey())
	assert.Equal(t, "quality", filter.Must[2].GetField().GetKey())
}

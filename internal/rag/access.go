package rag

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"github.com/uderia/uderia/internal/model"
)

// ErrForbidden is returned when the caller lacks access to a collection.
var ErrForbidden = errors.New("rag: access denied")

// TemplateSentinel marks cases shipped with a collection rather than
// authored by a user. Owners see template cases alongside their own.
var TemplateSentinel = uuid.MustParse("00000000-0000-0000-0000-0000000000aa")

// AccessStore is the slice of storage the access context needs.
type AccessStore interface {
	AccessTypeFor(ctx context.Context, userID uuid.UUID, collectionID int64) (model.AccessType, error)
	ListAccessibleCollections(ctx context.Context, userID uuid.UUID, limit, offset int) ([]model.Collection, error)
}

// AccessContext scopes all vector-store reads and writes for one caller.
// Access decisions are memoized per collection for the context's lifetime;
// construct one per request.
type AccessContext struct {
	store  AccessStore
	userID uuid.UUID

	mu     sync.Mutex
	access map[int64]model.AccessType
}

// NewAccessContext builds an access context for one user.
func NewAccessContext(store AccessStore, userID uuid.UUID) *AccessContext {
	return &AccessContext{
		store:  store,
		userID: userID,
		access: make(map[int64]model.AccessType),
	}
}

// UserID returns the caller this context is scoped to.
func (a *AccessContext) UserID() uuid.UUID {
	return a.userID
}

// AccessType returns the memoized access type for a collection. Empty means
// no access.
func (a *AccessContext) AccessType(ctx context.Context, collectionID int64) (model.AccessType, error) {
	a.mu.Lock()
	if at, ok := a.access[collectionID]; ok {
		a.mu.Unlock()
		return at, nil
	}
	a.mu.Unlock()

	at, err := a.store.AccessTypeFor(ctx, a.userID, collectionID)
	if err != nil {
		return "", err
	}

	a.mu.Lock()
	a.access[collectionID] = at
	a.mu.Unlock()
	return at, nil
}

// ValidateAccess checks the caller may read or write a collection. Writes
// require strict ownership; subscriptions and public visibility grant read
// only.
func (a *AccessContext) ValidateAccess(ctx context.Context, collectionID int64, write bool) error {
	at, err := a.AccessType(ctx, collectionID)
	if err != nil {
		return err
	}
	if at == "" {
		return fmt.Errorf("%w: collection %d", ErrForbidden, collectionID)
	}
	if write && at != model.AccessOwned {
		return fmt.Errorf("%w: write to collection %d requires ownership", ErrForbidden, collectionID)
	}
	return nil
}

// AccessibleCollections lists every collection the caller can read.
func (a *AccessContext) AccessibleCollections(ctx context.Context) ([]model.Collection, error) {
	return a.store.ListAccessibleCollections(ctx, a.userID, 200, 0)
}

// ClearCache drops memoized access decisions, forcing re-checks.
func (a *AccessContext) ClearCache() {
	a.mu.Lock()
	a.access = make(map[int64]model.AccessType)
	a.mu.Unlock()
}

// BuildQueryFilter constructs the Qdrant filter for querying a collection.
// Every query call site routes through here so the access rules cannot be
// bypassed by a forgotten clause. Owned collections see the caller's own
// cases plus shipped template cases; subscribed and public access sees the
// collection unscoped by author. Extra conditions are ANDed in.
func (a *AccessContext) BuildQueryFilter(ctx context.Context, collectionID int64, extra ...*qdrant.Condition) (*qdrant.Filter, error) {
	at, err := a.AccessType(ctx, collectionID)
	if err != nil {
		return nil, err
	}
	if at == "" {
		return nil, fmt.Errorf("%w: collection %d", ErrForbidden, collectionID)
	}

	filter := &qdrant.Filter{
		Must: []*qdrant.Condition{
			qdrant.NewMatchInt("collection_id", collectionID),
		},
	}
	filter.Must = append(filter.Must, extra...)

	if at == model.AccessOwned {
		filter.Must = append(filter.Must, &qdrant.Condition{
			ConditionOneOf: &qdrant.Condition_Filter{
				Filter: &qdrant.Filter{
					Should: []*qdrant.Condition{
						qdrant.NewMatch("user_uuid", a.userID.String()),
						qdrant.NewMatch("user_uuid", TemplateSentinel.String()),
					},
				},
			},
		})
	}

	return filter, nil
}

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/uderia/uderia/internal/model"
)

// CreateCollection inserts a new knowledge collection.
func (db *DB) CreateCollection(ctx context.Context, c model.Collection) (model.Collection, error) {
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	if c.Visibility == "" {
		c.Visibility = model.VisibilityPrivate
	}

	res, err := db.sql.ExecContext(ctx,
		`INSERT INTO collections (name, description, owner_id, profile_id, visibility, is_active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.Name, c.Description, c.OwnerID.String(), c.ProfileID, string(c.Visibility),
		c.IsActive, fmtTime(c.CreatedAt), fmtTime(c.UpdatedAt),
	)
	if err != nil {
		return model.Collection{}, fmt.Errorf("storage: create collection: %w", err)
	}
	if c.ID, err = res.LastInsertId(); err != nil {
		return model.Collection{}, fmt.Errorf("storage: collection id: %w", err)
	}
	return c, nil
}

// GetCollection fetches a collection by ID.
func (db *DB) GetCollection(ctx context.Context, id int64) (model.Collection, error) {
	row := db.sql.QueryRowContext(ctx,
		`SELECT id, name, description, owner_id, profile_id, visibility, is_active, created_at, updated_at
		 FROM collections WHERE id = ?`, id)
	return scanCollection(row)
}

// ListAccessibleCollections returns active collections the user can read:
// owned, subscribed, or public.
func (db *DB) ListAccessibleCollections(ctx context.Context, userID uuid.UUID, limit, offset int) ([]model.Collection, error) {
	limit = clampLimit(limit)
	rows, err := db.sql.QueryContext(ctx,
		`SELECT DISTINCT c.id, c.name, c.description, c.owner_id, c.profile_id, c.visibility, c.is_active, c.created_at, c.updated_at
		 FROM collections c
		 LEFT JOIN collection_subscriptions s ON s.collection_id = c.id AND s.user_id = ?
		 WHERE c.is_active = 1
		   AND (c.owner_id = ? OR s.id IS NOT NULL OR c.visibility = 'public')
		 ORDER BY c.id LIMIT ? OFFSET ?`,
		userID.String(), userID.String(), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("storage: list accessible collections: %w", err)
	}
	defer rows.Close()

	collections := []model.Collection{}
	for rows.Next() {
		c, err := scanCollection(rows)
		if err != nil {
			return nil, err
		}
		collections = append(collections, c)
	}
	return collections, rows.Err()
}

// AccessTypeFor determines how a user may access a collection: owned,
// subscribed, public, or not at all (empty). Inactive collections are
// invisible regardless of ownership.
func (db *DB) AccessTypeFor(ctx context.Context, userID uuid.UUID, collectionID int64) (model.AccessType, error) {
	c, err := db.GetCollection(ctx, collectionID)
	if err != nil {
		return "", err
	}
	if !c.IsActive {
		return "", fmt.Errorf("storage: collection: %w", ErrNotFound)
	}
	if c.OwnerID == userID {
		return model.AccessOwned, nil
	}

	var n int
	if err := db.sql.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM collection_subscriptions WHERE collection_id = ? AND user_id = ?`,
		collectionID, userID.String(),
	).Scan(&n); err != nil {
		return "", fmt.Errorf("storage: check subscription: %w", err)
	}
	if n > 0 {
		return model.AccessSubscribed, nil
	}
	if c.Visibility == model.VisibilityPublic || c.Visibility == model.VisibilityUnlisted {
		return model.AccessPublic, nil
	}
	return "", nil
}

// Subscribe grants a user read access to a collection. Subscribing twice
// returns ErrConflict.
func (db *DB) Subscribe(ctx context.Context, collectionID int64, userID uuid.UUID) (model.Subscription, error) {
	now := time.Now().UTC()
	res, err := db.sql.ExecContext(ctx,
		`INSERT OR IGNORE INTO collection_subscriptions (collection_id, user_id, created_at)
		 VALUES (?, ?, ?)`,
		collectionID, userID.String(), fmtTime(now))
	if err != nil {
		return model.Subscription{}, fmt.Errorf("storage: subscribe: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return model.Subscription{}, fmt.Errorf("storage: subscribe rows affected: %w", err)
	}
	if affected == 0 {
		return model.Subscription{}, fmt.Errorf("storage: subscription: %w", ErrConflict)
	}

	sub := model.Subscription{CollectionID: collectionID, UserID: userID, CreatedAt: now}
	if sub.ID, err = res.LastInsertId(); err != nil {
		return model.Subscription{}, fmt.Errorf("storage: subscription id: %w", err)
	}
	return sub, nil
}

// Unsubscribe revokes a user's subscription.
func (db *DB) Unsubscribe(ctx context.Context, collectionID int64, userID uuid.UUID) error {
	res, err := db.sql.ExecContext(ctx,
		`DELETE FROM collection_subscriptions WHERE collection_id = ? AND user_id = ?`,
		collectionID, userID.String())
	if err != nil {
		return fmt.Errorf("storage: unsubscribe: %w", err)
	}
	return requireRowAffected(res, "subscription")
}

// ListSubscribers returns the users subscribed to a collection.
func (db *DB) ListSubscribers(ctx context.Context, collectionID int64) ([]model.Subscription, error) {
	rows, err := db.sql.QueryContext(ctx,
		`SELECT id, collection_id, user_id, created_at
		 FROM collection_subscriptions WHERE collection_id = ? ORDER BY id`, collectionID)
	if err != nil {
		return nil, fmt.Errorf("storage: list subscribers: %w", err)
	}
	defer rows.Close()

	subs := []model.Subscription{}
	for rows.Next() {
		var (
			s       model.Subscription
			userID  string
			created string
		)
		if err := rows.Scan(&s.ID, &s.CollectionID, &userID, &created); err != nil {
			return nil, fmt.Errorf("storage: scan subscription: %w", err)
		}
		if s.UserID, err = uuid.Parse(userID); err != nil {
			return nil, fmt.Errorf("storage: parse subscriber id: %w", err)
		}
		if s.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		subs = append(subs, s)
	}
	return subs, rows.Err()
}

// UpdateCollectionVisibility changes who may read a collection.
func (db *DB) UpdateCollectionVisibility(ctx context.Context, id int64, v model.CollectionVisibility) error {
	res, err := db.sql.ExecContext(ctx,
		`UPDATE collections SET visibility = ?, updated_at = ? WHERE id = ?`,
		string(v), fmtTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("storage: update collection visibility: %w", err)
	}
	return requireRowAffected(res, "collection")
}

// DeactivateCollection soft-disables a collection. Vector-store cleanup is
// enqueued separately through the outbox.
func (db *DB) DeactivateCollection(ctx context.Context, id int64) error {
	res, err := db.sql.ExecContext(ctx,
		`UPDATE collections SET is_active = 0, updated_at = ? WHERE id = ?`,
		fmtTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("storage: deactivate collection: %w", err)
	}
	return requireRowAffected(res, "collection")
}

func scanCollection(row rowScanner) (model.Collection, error) {
	var (
		c          model.Collection
		ownerID    string
		profileID  sql.NullString
		visibility string
		createdAt  string
		updatedAt  string
	)
	err := row.Scan(&c.ID, &c.Name, &c.Description, &ownerID, &profileID,
		&visibility, &c.IsActive, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Collection{}, fmt.Errorf("storage: collection: %w", ErrNotFound)
	}
	if err != nil {
		return model.Collection{}, fmt.Errorf("storage: scan collection: %w", err)
	}
	if c.OwnerID, err = uuid.Parse(ownerID); err != nil {
		return model.Collection{}, fmt.Errorf("storage: parse collection owner: %w", err)
	}
	if profileID.Valid {
		c.ProfileID = &profileID.String
	}
	c.Visibility = model.CollectionVisibility(visibility)
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return model.Collection{}, err
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return model.Collection{}, err
	}
	return c, nil
}

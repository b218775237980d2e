package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/uderia/uderia/internal/model"
)

// CreateUser inserts a new user.
func (db *DB) CreateUser(ctx context.Context, user model.User) (model.User, error) {
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	now := time.Now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now
	if user.Metadata == nil {
		user.Metadata = map[string]any{}
	}

	meta, err := marshalJSON(user.Metadata)
	if err != nil {
		return model.User{}, err
	}

	_, err = db.sql.ExecContext(ctx,
		`INSERT INTO users (id, username, role, tier, cred_hash, is_active, metadata, created_at, updated_at, last_login_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		user.ID.String(), user.Username, string(user.Role), string(user.Tier),
		user.CredHash, user.IsActive, meta, fmtTime(user.CreatedAt), fmtTime(user.UpdatedAt),
		fmtTimePtr(user.LastLoginAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.User{}, fmt.Errorf("storage: create user %q: %w", user.Username, ErrConflict)
		}
		return model.User{}, fmt.Errorf("storage: create user: %w", err)
	}
	return user, nil
}

// GetUser fetches a user by internal ID.
func (db *DB) GetUser(ctx context.Context, id uuid.UUID) (model.User, error) {
	row := db.sql.QueryRowContext(ctx,
		`SELECT id, username, role, tier, cred_hash, is_active, metadata, created_at, updated_at, last_login_at
		 FROM users WHERE id = ?`, id.String())
	return scanUser(row)
}

// GetUserByUsername fetches a user by username.
func (db *DB) GetUserByUsername(ctx context.Context, username string) (model.User, error) {
	row := db.sql.QueryRowContext(ctx,
		`SELECT id, username, role, tier, cred_hash, is_active, metadata, created_at, updated_at, last_login_at
		 FROM users WHERE username = ?`, username)
	return scanUser(row)
}

// ListUsers returns users ordered by creation time, newest first.
func (db *DB) ListUsers(ctx context.Context, limit, offset int) ([]model.User, error) {
	limit = clampLimit(limit)
	rows, err := db.sql.QueryContext(ctx,
		`SELECT id, username, role, tier, cred_hash, is_active, metadata, created_at, updated_at, last_login_at
		 FROM users ORDER BY created_at DESC, id LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("storage: list users: %w", err)
	}
	defer rows.Close()

	users := []model.User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// UpdateUserRole changes a user's role.
func (db *DB) UpdateUserRole(ctx context.Context, id uuid.UUID, role model.UserRole) error {
	res, err := db.sql.ExecContext(ctx,
		`UPDATE users SET role = ?, updated_at = ? WHERE id = ?`,
		string(role), fmtTime(time.Now().UTC()), id.String())
	if err != nil {
		return fmt.Errorf("storage: update user role: %w", err)
	}
	return requireRowAffected(res, "user")
}

// UpdateUserTier changes a user's license tier.
func (db *DB) UpdateUserTier(ctx context.Context, id uuid.UUID, tier model.LicenseTier) error {
	res, err := db.sql.ExecContext(ctx,
		`UPDATE users SET tier = ?, updated_at = ? WHERE id = ?`,
		string(tier), fmtTime(time.Now().UTC()), id.String())
	if err != nil {
		return fmt.Errorf("storage: update user tier: %w", err)
	}
	return requireRowAffected(res, "user")
}

// UpdateUserCredHash replaces a user's credential hash.
func (db *DB) UpdateUserCredHash(ctx context.Context, id uuid.UUID, hash string) error {
	res, err := db.sql.ExecContext(ctx,
		`UPDATE users SET cred_hash = ?, updated_at = ? WHERE id = ?`,
		hash, fmtTime(time.Now().UTC()), id.String())
	if err != nil {
		return fmt.Errorf("storage: update user credentials: %w", err)
	}
	return requireRowAffected(res, "user")
}

// TouchUserLogin records a successful login.
func (db *DB) TouchUserLogin(ctx context.Context, id uuid.UUID) error {
	now := fmtTime(time.Now().UTC())
	_, err := db.sql.ExecContext(ctx,
		`UPDATE users SET last_login_at = ?, updated_at = ? WHERE id = ?`,
		now, now, id.String())
	if err != nil {
		return fmt.Errorf("storage: touch user login: %w", err)
	}
	return nil
}

// DeactivateUser soft-disables a user. Their collections and profiles stay
// in place; access checks treat the account as absent.
func (db *DB) DeactivateUser(ctx context.Context, id uuid.UUID) error {
	res, err := db.sql.ExecContext(ctx,
		`UPDATE users SET is_active = 0, updated_at = ? WHERE id = ?`,
		fmtTime(time.Now().UTC()), id.String())
	if err != nil {
		return fmt.Errorf("storage: deactivate user: %w", err)
	}
	return requireRowAffected(res, "user")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (model.User, error) {
	var (
		u         model.User
		id        string
		role      string
		tier      string
		credHash  sql.NullString
		meta      string
		createdAt string
		updatedAt string
		lastLogin sql.NullString
	)
	err := row.Scan(&id, &u.Username, &role, &tier, &credHash, &u.IsActive,
		&meta, &createdAt, &updatedAt, &lastLogin)
	if errors.Is(err, sql.ErrNoRows) {
		return model.User{}, fmt.Errorf("storage: user: %w", ErrNotFound)
	}
	if err != nil {
		return model.User{}, fmt.Errorf("storage: scan user: %w", err)
	}

	if u.ID, err = uuid.Parse(id); err != nil {
		return model.User{}, fmt.Errorf("storage: parse user id: %w", err)
	}
	u.Role = model.UserRole(role)
	u.Tier = model.LicenseTier(tier)
	if credHash.Valid {
		u.CredHash = &credHash.String
	}
	if u.Metadata, err = unmarshalJSON(meta); err != nil {
		return model.User{}, err
	}
	if u.CreatedAt, err = parseTime(createdAt); err != nil {
		return model.User{}, err
	}
	if u.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return model.User{}, err
	}
	if u.LastLoginAt, err = parseTimePtr(lastLogin); err != nil {
		return model.User{}, err
	}
	return u, nil
}

// clampLimit bounds page sizes to sane values.
func clampLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 200 {
		return 200
	}
	return limit
}

// requireRowAffected converts a zero-row UPDATE into ErrNotFound.
func requireRowAffected(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("storage: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("storage: %s: %w", what, ErrNotFound)
	}
	return nil
}

// isUniqueViolation reports whether the error is a SQLite uniqueness failure.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

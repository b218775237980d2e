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

// SavePrompt creates or updates a prompt. Every save bumps the version and
// appends a prompt_versions row, so history is never lost.
func (db *DB) SavePrompt(ctx context.Context, name, content string, encrypted bool, editedBy uuid.UUID) (model.Prompt, error) {
	now := time.Now().UTC()

	tx, err := db.sql.BeginTx(ctx, nil)
	if err != nil {
		return model.Prompt{}, fmt.Errorf("storage: begin save prompt tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		p       model.Prompt
		created string
	)
	err = tx.QueryRowContext(ctx,
		`SELECT version, created_at FROM prompts WHERE name = ?`, name,
	).Scan(&p.Version, &created)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		p = model.Prompt{Name: name, Version: 1, CreatedAt: now}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO prompts (name, content, encrypted, version, is_active, created_at, updated_at)
			 VALUES (?, ?, ?, 1, 1, ?, ?)`,
			name, content, encrypted, fmtTime(now), fmtTime(now),
		); err != nil {
			return model.Prompt{}, fmt.Errorf("storage: insert prompt: %w", err)
		}
	case err != nil:
		return model.Prompt{}, fmt.Errorf("storage: lookup prompt: %w", err)
	default:
		if p.CreatedAt, err = parseTime(created); err != nil {
			return model.Prompt{}, err
		}
		p.Name = name
		p.Version++
		if _, err := tx.ExecContext(ctx,
			`UPDATE prompts SET content = ?, encrypted = ?, version = ?, is_active = 1, updated_at = ?
			 WHERE name = ?`,
			content, encrypted, p.Version, fmtTime(now), name,
		); err != nil {
			return model.Prompt{}, fmt.Errorf("storage: update prompt: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO prompt_versions (prompt_name, version, content, encrypted, edited_by, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		name, p.Version, content, encrypted, editedBy.String(), fmtTime(now),
	); err != nil {
		return model.Prompt{}, fmt.Errorf("storage: insert prompt version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return model.Prompt{}, fmt.Errorf("storage: commit save prompt tx: %w", err)
	}

	p.Content = content
	p.Encrypted = encrypted
	p.IsActive = true
	p.UpdatedAt = now
	return p, nil
}

// GetPrompt fetches an active prompt by name.
func (db *DB) GetPrompt(ctx context.Context, name string) (model.Prompt, error) {
	row := db.sql.QueryRowContext(ctx,
		`SELECT name, content, encrypted, version, is_active, created_at, updated_at
		 FROM prompts WHERE name = ? AND is_active = 1`, name)
	return scanPrompt(row)
}

// ListPrompts returns active prompts ordered by name. Content is included;
// callers decide whether to decrypt or redact it.
func (db *DB) ListPrompts(ctx context.Context, limit, offset int) ([]model.Prompt, error) {
	limit = clampLimit(limit)
	rows, err := db.sql.QueryContext(ctx,
		`SELECT name, content, encrypted, version, is_active, created_at, updated_at
		 FROM prompts WHERE is_active = 1 ORDER BY name LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("storage: list prompts: %w", err)
	}
	defer rows.Close()

	prompts := []model.Prompt{}
	for rows.Next() {
		p, err := scanPrompt(rows)
		if err != nil {
			return nil, err
		}
		prompts = append(prompts, p)
	}
	return prompts, rows.Err()
}

// ListPromptVersions returns a prompt's history, newest first.
func (db *DB) ListPromptVersions(ctx context.Context, name string, limit, offset int) ([]model.PromptVersion, error) {
	limit = clampLimit(limit)
	rows, err := db.sql.QueryContext(ctx,
		`SELECT id, prompt_name, version, content, encrypted, edited_by, created_at
		 FROM prompt_versions WHERE prompt_name = ? ORDER BY version DESC LIMIT ? OFFSET ?`,
		name, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("storage: list prompt versions: %w", err)
	}
	defer rows.Close()

	versions := []model.PromptVersion{}
	for rows.Next() {
		var (
			v        model.PromptVersion
			editedBy string
			created  string
		)
		if err := rows.Scan(&v.ID, &v.PromptName, &v.Version, &v.Content,
			&v.Encrypted, &editedBy, &created); err != nil {
			return nil, fmt.Errorf("storage: scan prompt version: %w", err)
		}
		if v.EditedBy, err = uuid.Parse(editedBy); err != nil {
			return nil, fmt.Errorf("storage: parse version editor: %w", err)
		}
		if v.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// DeactivatePrompt soft-disables a prompt; its version history stays.
func (db *DB) DeactivatePrompt(ctx context.Context, name string) error {
	res, err := db.sql.ExecContext(ctx,
		`UPDATE prompts SET is_active = 0, updated_at = ? WHERE name = ?`,
		fmtTime(time.Now().UTC()), name)
	if err != nil {
		return fmt.Errorf("storage: deactivate prompt: %w", err)
	}
	return requireRowAffected(res, "prompt")
}

// SetPromptOverride creates or replaces an override for exactly one of a
// user or a profile scope.
func (db *DB) SetPromptOverride(ctx context.Context, o model.PromptOverride) (model.PromptOverride, error) {
	if (o.UserID == nil) == (o.ProfileID == nil) {
		return model.PromptOverride{}, fmt.Errorf("storage: override must target exactly one of user or profile")
	}
	now := time.Now().UTC()

	var userID, profileID any
	if o.UserID != nil {
		userID = o.UserID.String()
	}
	if o.ProfileID != nil {
		profileID = *o.ProfileID
	}

	// Replace any existing active override for the same scope.
	tx, err := db.sql.BeginTx(ctx, nil)
	if err != nil {
		return model.PromptOverride{}, fmt.Errorf("storage: begin override tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`UPDATE prompt_overrides SET is_active = 0, updated_at = ?
		 WHERE prompt_name = ? AND user_id IS ? AND profile_id IS ? AND is_active = 1`,
		fmtTime(now), o.PromptName, userID, profileID,
	); err != nil {
		return model.PromptOverride{}, fmt.Errorf("storage: retire old override: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO prompt_overrides (prompt_name, user_id, profile_id, content, is_active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 1, ?, ?)`,
		o.PromptName, userID, profileID, o.Content, fmtTime(now), fmtTime(now),
	)
	if err != nil {
		return model.PromptOverride{}, fmt.Errorf("storage: insert override: %w", err)
	}
	if o.ID, err = res.LastInsertId(); err != nil {
		return model.PromptOverride{}, fmt.Errorf("storage: override id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return model.PromptOverride{}, fmt.Errorf("storage: commit override tx: %w", err)
	}

	o.IsActive = true
	o.CreatedAt = now
	o.UpdatedAt = now
	return o, nil
}

// GetPromptOverride returns an override by id, active or not.
func (db *DB) GetPromptOverride(ctx context.Context, id int64) (model.PromptOverride, error) {
	row := db.sql.QueryRowContext(ctx,
		`SELECT id, prompt_name, user_id, profile_id, content, is_active, created_at, updated_at
		 FROM prompt_overrides WHERE id = ?`, id)
	return scanOverride(row)
}

// GetUserPromptOverride returns the active override for (prompt, user), if any.
func (db *DB) GetUserPromptOverride(ctx context.Context, promptName string, userID uuid.UUID) (model.PromptOverride, error) {
	row := db.sql.QueryRowContext(ctx,
		`SELECT id, prompt_name, user_id, profile_id, content, is_active, created_at, updated_at
		 FROM prompt_overrides
		 WHERE prompt_name = ? AND user_id = ? AND is_active = 1
		 ORDER BY id DESC LIMIT 1`, promptName, userID.String())
	return scanOverride(row)
}

// GetProfilePromptOverride returns the active override for (prompt, profile), if any.
func (db *DB) GetProfilePromptOverride(ctx context.Context, promptName, profileID string) (model.PromptOverride, error) {
	row := db.sql.QueryRowContext(ctx,
		`SELECT id, prompt_name, user_id, profile_id, content, is_active, created_at, updated_at
		 FROM prompt_overrides
		 WHERE prompt_name = ? AND profile_id = ? AND is_active = 1
		 ORDER BY id DESC LIMIT 1`, promptName, profileID)
	return scanOverride(row)
}

// ClearPromptOverride retires the active override for a scope.
func (db *DB) ClearPromptOverride(ctx context.Context, id int64) error {
	res, err := db.sql.ExecContext(ctx,
		`UPDATE prompt_overrides SET is_active = 0, updated_at = ? WHERE id = ? AND is_active = 1`,
		fmtTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("storage: clear override: %w", err)
	}
	return requireRowAffected(res, "prompt override")
}

func scanPrompt(row rowScanner) (model.Prompt, error) {
	var (
		p         model.Prompt
		createdAt string
		updatedAt string
	)
	err := row.Scan(&p.Name, &p.Content, &p.Encrypted, &p.Version, &p.IsActive,
		&createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Prompt{}, fmt.Errorf("storage: prompt: %w", ErrNotFound)
	}
	if err != nil {
		return model.Prompt{}, fmt.Errorf("storage: scan prompt: %w", err)
	}
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return model.Prompt{}, err
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return model.Prompt{}, err
	}
	return p, nil
}

func scanOverride(row rowScanner) (model.PromptOverride, error) {
	var (
		o         model.PromptOverride
		userID    sql.NullString
		profileID sql.NullString
		createdAt string
		updatedAt string
	)
	err := row.Scan(&o.ID, &o.PromptName, &userID, &profileID, &o.Content,
		&o.IsActive, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.PromptOverride{}, fmt.Errorf("storage: prompt override: %w", ErrNotFound)
	}
	if err != nil {
		return model.PromptOverride{}, fmt.Errorf("storage: scan override: %w", err)
	}
	if userID.Valid {
		uid, err := uuid.Parse(userID.String)
		if err != nil {
			return model.PromptOverride{}, fmt.Errorf("storage: parse override user: %w", err)
		}
		o.UserID = &uid
	}
	if profileID.Valid {
		o.ProfileID = &profileID.String
	}
	if o.CreatedAt, err = parseTime(createdAt); err != nil {
		return model.PromptOverride{}, err
	}
	if o.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return model.PromptOverride{}, err
	}
	return o, nil
}

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uderia/uderia/internal/model"
)

// SetMapping creates or replaces a (profile, category, subcategory) mapping.
func (db *DB) SetMapping(ctx context.Context, m model.PromptMapping) (model.PromptMapping, error) {
	now := time.Now().UTC()
	res, err := db.sql.ExecContext(ctx,
		`INSERT INTO profile_prompt_mappings (profile_id, category, subcategory, prompt_name, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (profile_id, category, subcategory)
		 DO UPDATE SET prompt_name = excluded.prompt_name, updated_at = excluded.updated_at`,
		m.ProfileID, m.Category, m.Subcategory, m.PromptName, fmtTime(now), fmtTime(now),
	)
	if err != nil {
		return model.PromptMapping{}, fmt.Errorf("storage: set mapping: %w", err)
	}
	if m.ID, err = res.LastInsertId(); err != nil {
		return model.PromptMapping{}, fmt.Errorf("storage: mapping id: %w", err)
	}
	m.CreatedAt = now
	m.UpdatedAt = now
	return m, nil
}

// GetMapping looks up the prompt name for an exact (profile, category,
// subcategory) tuple. No fallback happens here; the resolver owns the chain.
func (db *DB) GetMapping(ctx context.Context, profileID, category, subcategory string) (model.PromptMapping, error) {
	var (
		m         model.PromptMapping
		createdAt string
		updatedAt string
	)
	err := db.sql.QueryRowContext(ctx,
		`SELECT id, profile_id, category, subcategory, prompt_name, created_at, updated_at
		 FROM profile_prompt_mappings
		 WHERE profile_id = ? AND category = ? AND subcategory = ?`,
		profileID, category, subcategory,
	).Scan(&m.ID, &m.ProfileID, &m.Category, &m.Subcategory, &m.PromptName, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.PromptMapping{}, fmt.Errorf("storage: mapping: %w", ErrNotFound)
	}
	if err != nil {
		return model.PromptMapping{}, fmt.Errorf("storage: get mapping: %w", err)
	}
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return model.PromptMapping{}, err
	}
	if m.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return model.PromptMapping{}, err
	}
	return m, nil
}

// ListMappings returns all mappings for a profile, ordered by category then
// subcategory.
func (db *DB) ListMappings(ctx context.Context, profileID string) ([]model.PromptMapping, error) {
	rows, err := db.sql.QueryContext(ctx,
		`SELECT id, profile_id, category, subcategory, prompt_name, created_at, updated_at
		 FROM profile_prompt_mappings
		 WHERE profile_id = ? ORDER BY category, subcategory`, profileID)
	if err != nil {
		return nil, fmt.Errorf("storage: list mappings: %w", err)
	}
	defer rows.Close()

	mappings := []model.PromptMapping{}
	for rows.Next() {
		var (
			m         model.PromptMapping
			createdAt string
			updatedAt string
		)
		if err := rows.Scan(&m.ID, &m.ProfileID, &m.Category, &m.Subcategory,
			&m.PromptName, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan mapping: %w", err)
		}
		if m.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if m.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, err
		}
		mappings = append(mappings, m)
	}
	return mappings, rows.Err()
}

// DeleteMapping removes a mapping row. Mappings carry no history; deleting
// one simply restores the fallback chain below it.
func (db *DB) DeleteMapping(ctx context.Context, profileID, category, subcategory string) error {
	res, err := db.sql.ExecContext(ctx,
		`DELETE FROM profile_prompt_mappings
		 WHERE profile_id = ? AND category = ? AND subcategory = ?`,
		profileID, category, subcategory)
	if err != nil {
		return fmt.Errorf("storage: delete mapping: %w", err)
	}
	return requireRowAffected(res, "mapping")
}

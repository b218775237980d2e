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

// UpsertExtensionSetting creates or updates the persisted configuration for
// a named extension.
func (db *DB) UpsertExtensionSetting(ctx context.Context, s model.ExtensionSetting) (model.ExtensionSetting, error) {
	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now

	options, err := marshalJSON(s.Options)
	if err != nil {
		return model.ExtensionSetting{}, err
	}

	res, err := db.sql.ExecContext(ctx,
		`INSERT INTO extension_settings (name, is_active, position, options, uses_llm, updated_by, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (name) DO UPDATE SET
		   is_active = excluded.is_active,
		   position = excluded.position,
		   options = excluded.options,
		   uses_llm = excluded.uses_llm,
		   updated_by = excluded.updated_by,
		   updated_at = excluded.updated_at`,
		s.Name, s.IsActive, s.Position, options, s.UsesLLM,
		s.UpdatedBy.String(), fmtTime(s.CreatedAt), fmtTime(s.UpdatedAt),
	)
	if err != nil {
		return model.ExtensionSetting{}, fmt.Errorf("storage: upsert extension setting: %w", err)
	}
	if s.ID, err = res.LastInsertId(); err != nil {
		return model.ExtensionSetting{}, fmt.Errorf("storage: extension setting id: %w", err)
	}
	return s, nil
}

// GetExtensionSetting fetches one extension setting by name.
func (db *DB) GetExtensionSetting(ctx context.Context, name string) (model.ExtensionSetting, error) {
	row := db.sql.QueryRowContext(ctx,
		`SELECT id, name, is_active, position, options, uses_llm, updated_by, created_at, updated_at
		 FROM extension_settings WHERE name = ?`, name)
	return scanExtensionSetting(row)
}

// ListExtensionSettings returns all extension settings in pipeline order.
func (db *DB) ListExtensionSettings(ctx context.Context) ([]model.ExtensionSetting, error) {
	rows, err := db.sql.QueryContext(ctx,
		`SELECT id, name, is_active, position, options, uses_llm, updated_by, created_at, updated_at
		 FROM extension_settings ORDER BY position, name`)
	if err != nil {
		return nil, fmt.Errorf("storage: list extension settings: %w", err)
	}
	defer rows.Close()

	settings := []model.ExtensionSetting{}
	for rows.Next() {
		s, err := scanExtensionSetting(rows)
		if err != nil {
			return nil, err
		}
		settings = append(settings, s)
	}
	return settings, rows.Err()
}

// ListActiveExtensionSettings returns enabled extensions in pipeline order.
func (db *DB) ListActiveExtensionSettings(ctx context.Context) ([]model.ExtensionSetting, error) {
	rows, err := db.sql.QueryContext(ctx,
		`SELECT id, name, is_active, position, options, uses_llm, updated_by, created_at, updated_at
		 FROM extension_settings WHERE is_active = 1 ORDER BY position, name`)
	if err != nil {
		return nil, fmt.Errorf("storage: list active extension settings: %w", err)
	}
	defer rows.Close()

	settings := []model.ExtensionSetting{}
	for rows.Next() {
		s, err := scanExtensionSetting(rows)
		if err != nil {
			return nil, err
		}
		settings = append(settings, s)
	}
	return settings, rows.Err()
}

// UpsertComponentSetting creates or updates the persisted configuration for
// a named component.
func (db *DB) UpsertComponentSetting(ctx context.Context, s model.ComponentSetting) (model.ComponentSetting, error) {
	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now

	options, err := marshalJSON(s.Options)
	if err != nil {
		return model.ComponentSetting{}, err
	}

	res, err := db.sql.ExecContext(ctx,
		`INSERT INTO component_settings (name, is_active, options, updated_by, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (name) DO UPDATE SET
		   is_active = excluded.is_active,
		   options = excluded.options,
		   updated_by = excluded.updated_by,
		   updated_at = excluded.updated_at`,
		s.Name, s.IsActive, options, s.UpdatedBy.String(),
		fmtTime(s.CreatedAt), fmtTime(s.UpdatedAt),
	)
	if err != nil {
		return model.ComponentSetting{}, fmt.Errorf("storage: upsert component setting: %w", err)
	}
	if s.ID, err = res.LastInsertId(); err != nil {
		return model.ComponentSetting{}, fmt.Errorf("storage: component setting id: %w", err)
	}
	return s, nil
}

// GetComponentSetting fetches one component setting by name.
func (db *DB) GetComponentSetting(ctx context.Context, name string) (model.ComponentSetting, error) {
	row := db.sql.QueryRowContext(ctx,
		`SELECT id, name, is_active, options, updated_by, created_at, updated_at
		 FROM component_settings WHERE name = ?`, name)
	return scanComponentSetting(row)
}

// ListComponentSettings returns all component settings by name.
func (db *DB) ListComponentSettings(ctx context.Context) ([]model.ComponentSetting, error) {
	rows, err := db.sql.QueryContext(ctx,
		`SELECT id, name, is_active, options, updated_by, created_at, updated_at
		 FROM component_settings ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("storage: list component settings: %w", err)
	}
	defer rows.Close()

	settings := []model.ComponentSetting{}
	for rows.Next() {
		s, err := scanComponentSetting(rows)
		if err != nil {
			return nil, err
		}
		settings = append(settings, s)
	}
	return settings, rows.Err()
}

func scanExtensionSetting(row rowScanner) (model.ExtensionSetting, error) {
	var (
		s         model.ExtensionSetting
		options   string
		updatedBy string
		createdAt string
		updatedAt string
	)
	err := row.Scan(&s.ID, &s.Name, &s.IsActive, &s.Position, &options,
		&s.UsesLLM, &updatedBy, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ExtensionSetting{}, fmt.Errorf("storage: extension setting: %w", ErrNotFound)
	}
	if err != nil {
		return model.ExtensionSetting{}, fmt.Errorf("storage: scan extension setting: %w", err)
	}
	if s.Options, err = unmarshalJSON(options); err != nil {
		return model.ExtensionSetting{}, err
	}
	if s.UpdatedBy, err = uuid.Parse(updatedBy); err != nil {
		return model.ExtensionSetting{}, fmt.Errorf("storage: parse setting editor: %w", err)
	}
	if s.CreatedAt, err = parseTime(createdAt); err != nil {
		return model.ExtensionSetting{}, err
	}
	if s.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return model.ExtensionSetting{}, err
	}
	return s, nil
}

func scanComponentSetting(row rowScanner) (model.ComponentSetting, error) {
	var (
		s         model.ComponentSetting
		options   string
		updatedBy string
		createdAt string
		updatedAt string
	)
	err := row.Scan(&s.ID, &s.Name, &s.IsActive, &options, &updatedBy, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ComponentSetting{}, fmt.Errorf("storage: component setting: %w", ErrNotFound)
	}
	if err != nil {
		return model.ComponentSetting{}, fmt.Errorf("storage: scan component setting: %w", err)
	}
	if s.Options, err = unmarshalJSON(options); err != nil {
		return model.ComponentSetting{}, err
	}
	if s.UpdatedBy, err = uuid.Parse(updatedBy); err != nil {
		return model.ComponentSetting{}, fmt.Errorf("storage: parse setting editor: %w", err)
	}
	if s.CreatedAt, err = parseTime(createdAt); err != nil {
		return model.ComponentSetting{}, err
	}
	if s.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return model.ComponentSetting{}, err
	}
	return s, nil
}

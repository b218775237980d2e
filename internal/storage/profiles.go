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

// CreateProfile inserts a new profile.
func (db *DB) CreateProfile(ctx context.Context, p model.Profile) (model.Profile, error) {
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	if p.Settings == nil {
		p.Settings = map[string]any{}
	}

	settings, err := marshalJSON(p.Settings)
	if err != nil {
		return model.Profile{}, err
	}

	_, err = db.sql.ExecContext(ctx,
		`INSERT INTO profiles (id, owner_id, name, kind, provider, model, parent_id, is_active, settings, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.OwnerID.String(), p.Name, string(p.Kind), p.Provider, p.Model,
		p.ParentID, p.IsActive, settings, fmtTime(p.CreatedAt), fmtTime(p.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.Profile{}, fmt.Errorf("storage: create profile %q: %w", p.ID, ErrConflict)
		}
		return model.Profile{}, fmt.Errorf("storage: create profile: %w", err)
	}
	return p, nil
}

// GetProfile fetches a profile by its slug.
func (db *DB) GetProfile(ctx context.Context, id string) (model.Profile, error) {
	row := db.sql.QueryRowContext(ctx,
		`SELECT id, owner_id, name, kind, provider, model, parent_id, is_active, settings, created_at, updated_at
		 FROM profiles WHERE id = ?`, id)
	return scanProfile(row)
}

// ListProfiles returns active profiles ordered by slug.
func (db *DB) ListProfiles(ctx context.Context, limit, offset int) ([]model.Profile, error) {
	limit = clampLimit(limit)
	rows, err := db.sql.QueryContext(ctx,
		`SELECT id, owner_id, name, kind, provider, model, parent_id, is_active, settings, created_at, updated_at
		 FROM profiles WHERE is_active = 1 ORDER BY id LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("storage: list profiles: %w", err)
	}
	defer rows.Close()

	profiles := []model.Profile{}
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}

// ListChildProfiles returns the active children of a genie profile.
func (db *DB) ListChildProfiles(ctx context.Context, parentID string) ([]model.Profile, error) {
	rows, err := db.sql.QueryContext(ctx,
		`SELECT id, owner_id, name, kind, provider, model, parent_id, is_active, settings, created_at, updated_at
		 FROM profiles WHERE parent_id = ? AND is_active = 1 ORDER BY id`, parentID)
	if err != nil {
		return nil, fmt.Errorf("storage: list child profiles: %w", err)
	}
	defer rows.Close()

	profiles := []model.Profile{}
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}

// UpdateProfile applies non-zero fields of upd to an existing profile.
func (db *DB) UpdateProfile(ctx context.Context, id string, upd model.UpdateProfileRequest) (model.Profile, error) {
	p, err := db.GetProfile(ctx, id)
	if err != nil {
		return model.Profile{}, err
	}

	if upd.Name != nil {
		p.Name = *upd.Name
	}
	if upd.Provider != nil {
		p.Provider = *upd.Provider
	}
	if upd.Model != nil {
		p.Model = *upd.Model
	}
	if upd.ParentID != nil {
		if *upd.ParentID == "" {
			p.ParentID = nil
		} else {
			p.ParentID = upd.ParentID
		}
	}
	if upd.Settings != nil {
		p.Settings = upd.Settings
	}
	p.UpdatedAt = time.Now().UTC()

	settings, err := marshalJSON(p.Settings)
	if err != nil {
		return model.Profile{}, err
	}

	res, err := db.sql.ExecContext(ctx,
		`UPDATE profiles SET name = ?, provider = ?, model = ?, parent_id = ?, settings = ?, updated_at = ?
		 WHERE id = ?`,
		p.Name, p.Provider, p.Model, p.ParentID, settings, fmtTime(p.UpdatedAt), id)
	if err != nil {
		return model.Profile{}, fmt.Errorf("storage: update profile: %w", err)
	}
	if err := requireRowAffected(res, "profile"); err != nil {
		return model.Profile{}, err
	}
	return p, nil
}

// DeactivateProfile soft-disables a profile.
func (db *DB) DeactivateProfile(ctx context.Context, id string) error {
	res, err := db.sql.ExecContext(ctx,
		`UPDATE profiles SET is_active = 0, updated_at = ? WHERE id = ?`,
		fmtTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("storage: deactivate profile: %w", err)
	}
	return requireRowAffected(res, "profile")
}

// GetProfileRelationships collects everything that references a profile, so
// callers can refuse deletion while references remain.
func (db *DB) GetProfileRelationships(ctx context.Context, id string) (model.ProfileRelationships, error) {
	rel := model.ProfileRelationships{ProfileID: id}

	rows, err := db.sql.QueryContext(ctx,
		`SELECT id FROM profiles WHERE parent_id = ? AND is_active = 1 ORDER BY id`, id)
	if err != nil {
		return rel, fmt.Errorf("storage: profile relationships: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var child string
		if err := rows.Scan(&child); err != nil {
			return rel, fmt.Errorf("storage: profile relationships: %w", err)
		}
		rel.ChildProfiles = append(rel.ChildProfiles, child)
	}
	if err := rows.Err(); err != nil {
		return rel, fmt.Errorf("storage: profile relationships: %w", err)
	}

	if err := db.sql.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM profile_prompt_mappings WHERE profile_id = ?`, id,
	).Scan(&rel.PromptMappings); err != nil {
		return rel, fmt.Errorf("storage: profile relationships: %w", err)
	}

	crows, err := db.sql.QueryContext(ctx,
		`SELECT id FROM collections WHERE profile_id = ? AND is_active = 1 ORDER BY id`, id)
	if err != nil {
		return rel, fmt.Errorf("storage: profile relationships: %w", err)
	}
	defer crows.Close()
	for crows.Next() {
		var cid int64
		if err := crows.Scan(&cid); err != nil {
			return rel, fmt.Errorf("storage: profile relationships: %w", err)
		}
		rel.Collections = append(rel.Collections, cid)
	}
	if err := crows.Err(); err != nil {
		return rel, fmt.Errorf("storage: profile relationships: %w", err)
	}

	if err := db.sql.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pack_resources WHERE resource_type = 'profile' AND resource_id = ?`, id,
	).Scan(&rel.PackImports); err != nil {
		return rel, fmt.Errorf("storage: profile relationships: %w", err)
	}

	return rel, nil
}

func scanProfile(row rowScanner) (model.Profile, error) {
	var (
		p         model.Profile
		ownerID   string
		kind      string
		parentID  sql.NullString
		settings  string
		createdAt string
		updatedAt string
	)
	err := row.Scan(&p.ID, &ownerID, &p.Name, &kind, &p.Provider, &p.Model,
		&parentID, &p.IsActive, &settings, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Profile{}, fmt.Errorf("storage: profile: %w", ErrNotFound)
	}
	if err != nil {
		return model.Profile{}, fmt.Errorf("storage: scan profile: %w", err)
	}

	if p.OwnerID, err = uuid.Parse(ownerID); err != nil {
		return model.Profile{}, fmt.Errorf("storage: parse profile owner: %w", err)
	}
	p.Kind = model.ProfileKind(kind)
	if parentID.Valid {
		p.ParentID = &parentID.String
	}
	if p.Settings, err = unmarshalJSON(settings); err != nil {
		return model.Profile{}, err
	}
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return model.Profile{}, err
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return model.Profile{}, err
	}
	return p, nil
}

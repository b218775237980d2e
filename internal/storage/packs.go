package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/uderia/uderia/internal/model"
)

// RecordPackResources inserts the resources materialized by one pack import
// in a single transaction, so a partially recorded import never appears.
func (db *DB) RecordPackResources(ctx context.Context, resources []model.PackResource) error {
	if len(resources) == 0 {
		return nil
	}

	tx, err := db.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin pack resources tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	for _, r := range resources {
		created := r.CreatedAt
		if created.IsZero() {
			created = now
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO pack_resources (pack_id, resource_type, resource_id, original_id, imported_by, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			r.PackID.String(), r.ResourceType, r.ResourceID, r.OriginalID,
			r.ImportedBy.String(), fmtTime(created),
		); err != nil {
			return fmt.Errorf("storage: insert pack resource: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit pack resources tx: %w", err)
	}
	return nil
}

// ListPackResources returns everything a pack import created.
func (db *DB) ListPackResources(ctx context.Context, packID uuid.UUID) ([]model.PackResource, error) {
	rows, err := db.sql.QueryContext(ctx,
		`SELECT id, pack_id, resource_type, resource_id, original_id, imported_by, created_at
		 FROM pack_resources WHERE pack_id = ? ORDER BY id`, packID.String())
	if err != nil {
		return nil, fmt.Errorf("storage: list pack resources: %w", err)
	}
	defer rows.Close()

	resources := []model.PackResource{}
	for rows.Next() {
		var (
			r          model.PackResource
			packIDStr  string
			importedBy string
			created    string
		)
		if err := rows.Scan(&r.ID, &packIDStr, &r.ResourceType, &r.ResourceID,
			&r.OriginalID, &importedBy, &created); err != nil {
			return nil, fmt.Errorf("storage: scan pack resource: %w", err)
		}
		if r.PackID, err = uuid.Parse(packIDStr); err != nil {
			return nil, fmt.Errorf("storage: parse pack id: %w", err)
		}
		if r.ImportedBy, err = uuid.Parse(importedBy); err != nil {
			return nil, fmt.Errorf("storage: parse pack importer: %w", err)
		}
		if r.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		resources = append(resources, r)
	}
	return resources, rows.Err()
}

package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Outbox operations. Index carries the full case payload; delete operations
// carry only identifiers.
const (
	OutboxOpIndex            = "index"
	OutboxOpDelete           = "delete"
	OutboxOpDeleteCollection = "delete_collection"
)

// OutboxEntry is one pending or processed vector-store operation. Writes to
// the vector store go through this table so the SQLite row and the vector
// upsert cannot diverge: the relational write commits first, the indexer
// applies the vector side asynchronously and marks the entry processed.
type OutboxEntry struct {
	ID           int64
	CaseID       uuid.UUID
	CollectionID int64
	Operation    string
	Payload      map[string]any
	Attempts     int
	LastError    *string
	CreatedAt    time.Time
	ProcessedAt  *time.Time
}

// EnqueueOutbox appends a vector-store operation to the outbox.
func (db *DB) EnqueueOutbox(ctx context.Context, e OutboxEntry) (OutboxEntry, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	payload, err := marshalJSON(e.Payload)
	if err != nil {
		return OutboxEntry{}, err
	}

	res, err := db.sql.ExecContext(ctx,
		`INSERT INTO rag_outbox (case_id, collection_id, operation, payload, attempts, created_at)
		 VALUES (?, ?, ?, ?, 0, ?)`,
		e.CaseID.String(), e.CollectionID, e.Operation, payload, fmtTime(e.CreatedAt),
	)
	if err != nil {
		return OutboxEntry{}, fmt.Errorf("storage: enqueue outbox: %w", err)
	}
	if e.ID, err = res.LastInsertId(); err != nil {
		return OutboxEntry{}, fmt.Errorf("storage: outbox id: %w", err)
	}
	return e, nil
}

// ClaimOutbox returns up to limit unprocessed entries in insertion order and
// bumps their attempt counters. The single-writer SQLite lock makes claim
// races between workers a non-issue.
func (db *DB) ClaimOutbox(ctx context.Context, limit int) ([]OutboxEntry, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := db.sql.QueryContext(ctx,
		`SELECT id, case_id, collection_id, operation, payload, attempts, last_error, created_at, processed_at
		 FROM rag_outbox WHERE processed_at IS NULL ORDER BY id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: claim outbox: %w", err)
	}
	defer rows.Close()

	entries := []OutboxEntry{}
	for rows.Next() {
		e, err := scanOutboxEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: claim outbox: %w", err)
	}

	for i := range entries {
		entries[i].Attempts++
		if _, err := db.sql.ExecContext(ctx,
			`UPDATE rag_outbox SET attempts = attempts + 1 WHERE id = ?`, entries[i].ID,
		); err != nil {
			return nil, fmt.Errorf("storage: bump outbox attempts: %w", err)
		}
	}
	return entries, nil
}

// MarkOutboxProcessed stamps an entry as applied to the vector store.
func (db *DB) MarkOutboxProcessed(ctx context.Context, id int64) error {
	res, err := db.sql.ExecContext(ctx,
		`UPDATE rag_outbox SET processed_at = ?, last_error = NULL WHERE id = ?`,
		fmtTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("storage: mark outbox processed: %w", err)
	}
	return requireRowAffected(res, "outbox entry")
}

// MarkOutboxFailed records a failed attempt. The entry stays unprocessed and
// will be claimed again on the next poll.
func (db *DB) MarkOutboxFailed(ctx context.Context, id int64, cause error) error {
	msg := cause.Error()
	if len(msg) > 1024 {
		msg = msg[:1024]
	}
	_, err := db.sql.ExecContext(ctx,
		`UPDATE rag_outbox SET last_error = ? WHERE id = ?`, msg, id)
	if err != nil {
		return fmt.Errorf("storage: mark outbox failed: %w", err)
	}
	return nil
}

// OutboxDepth returns the count of unprocessed entries, for health reporting.
func (db *DB) OutboxDepth(ctx context.Context) (int, error) {
	var n int
	if err := db.sql.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM rag_outbox WHERE processed_at IS NULL`,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: outbox depth: %w", err)
	}
	return n, nil
}

func scanOutboxEntry(row rowScanner) (OutboxEntry, error) {
	var (
		e         OutboxEntry
		caseID    string
		payload   string
		lastError sql.NullString
		created   string
		processed sql.NullString
	)
	err := row.Scan(&e.ID, &caseID, &e.CollectionID, &e.Operation, &payload,
		&e.Attempts, &lastError, &created, &processed)
	if err != nil {
		return OutboxEntry{}, fmt.Errorf("storage: scan outbox entry: %w", err)
	}
	if e.CaseID, err = uuid.Parse(caseID); err != nil {
		return OutboxEntry{}, fmt.Errorf("storage: parse outbox case id: %w", err)
	}
	if e.Payload, err = unmarshalJSON(payload); err != nil {
		return OutboxEntry{}, err
	}
	if lastError.Valid {
		e.LastError = &lastError.String
	}
	if e.CreatedAt, err = parseTime(created); err != nil {
		return OutboxEntry{}, err
	}
	if e.ProcessedAt, err = parseTimePtr(processed); err != nil {
		return OutboxEntry{}, err
	}
	return e, nil
}

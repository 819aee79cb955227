package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/loupe-ai/loupe/internal/model"
)

// InsertAuditEntries inserts audit entries using the COPY protocol. The
// audit buffer flushes in batches, so single-row INSERT round trips would
// dominate under load.
func (db *DB) InsertAuditEntries(ctx context.Context, entries []model.AuditEntry) (int64, error) {
	if len(entries) == 0 {
		return 0, nil
	}

	columns := []string{"id", "actor", "action", "resource_type", "resource_id", "detail", "request_id", "created_at"}

	rows := make([][]any, len(entries))
	for i, e := range entries {
		if e.ID == uuid.Nil {
			e.ID = uuid.New()
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = time.Now().UTC()
		}
		rows[i] = []any{
			e.ID,
			e.Actor,
			string(e.Action),
			e.ResourceType,
			e.ResourceID,
			e.Detail,
			e.RequestID,
			e.CreatedAt,
		}
	}

	// Dedicated COPY timeout prevents a hung Postgres from blocking the
	// buffer flush indefinitely.
	copyCtx, copyCancel := context.WithTimeout(ctx, 30*time.Second)
	defer copyCancel()
	copyCount, err := db.pool.CopyFrom(
		copyCtx,
		pgx.Identifier{"audit_entries"},
		columns,
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return 0, fmt.Errorf("storage: copy audit entries: %w", err)
	}
	return copyCount, nil
}

// ListAuditEntries returns audit entries, newest first, optionally filtered
// by actor.
func (db *DB) ListAuditEntries(ctx context.Context, actor string, limit, offset int) ([]model.AuditEntry, int, error) {
	where := ""
	args := []any{limit, offset}
	countQuery := `SELECT count(*) FROM audit_entries`
	countArgs := []any{}
	if actor != "" {
		where = "WHERE actor = $3"
		args = append(args, actor)
		countQuery += ` WHERE actor = $1`
		countArgs = append(countArgs, actor)
	}

	var total int
	if err := db.pool.QueryRow(ctx, countQuery, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count audit entries: %w", err)
	}

	rows, err := db.pool.Query(ctx,
		fmt.Sprintf(`SELECT id, actor, action, resource_type, resource_id, detail, request_id, created_at
		 FROM audit_entries %s ORDER BY created_at DESC LIMIT $1 OFFSET $2`, where),
		args...)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []model.AuditEntry
	for rows.Next() {
		var e model.AuditEntry
		var action string
		if err := rows.Scan(&e.ID, &e.Actor, &action, &e.ResourceType, &e.ResourceID,
			&e.Detail, &e.RequestID, &e.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("storage: scan audit entry: %w", err)
		}
		e.Action = model.AuditAction(action)
		entries = append(entries, e)
	}
	return entries, total, rows.Err()
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/loupe-ai/loupe/internal/model"
)

// CreateSource inserts a new knowledge source and notifies listeners.
func (db *DB) CreateSource(ctx context.Context, src model.Source) (model.Source, error) {
	if src.ID == uuid.Nil {
		src.ID = uuid.New()
	}
	now := time.Now().UTC()
	if src.CreatedAt.IsZero() {
		src.CreatedAt = now
	}
	src.UpdatedAt = now

	_, err := db.pool.Exec(ctx,
		`INSERT INTO sources (id, source_id, name, kind, uri, branch, enabled, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		src.ID, src.SourceID, src.Name, string(src.Kind), src.URI, src.Branch,
		src.Enabled, src.CreatedAt, src.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.Source{}, fmt.Errorf("storage: create source %s: %w", src.SourceID, ErrDuplicate)
		}
		return model.Source{}, fmt.Errorf("storage: create source: %w", err)
	}

	if err := db.Notify(ctx, ChannelSources, src.SourceID); err != nil {
		db.logger.Warn("storage: notify source change", "error", err)
	}
	return src, nil
}

// GetSource returns a source by its database ID.
func (db *DB) GetSource(ctx context.Context, id uuid.UUID) (model.Source, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT id, source_id, name, kind, uri, branch, enabled, created_at, updated_at
		 FROM sources WHERE id = $1`, id)
	return scanSource(row)
}

// GetSourceBySourceID returns a source by its stable slug.
func (db *DB) GetSourceBySourceID(ctx context.Context, sourceID string) (model.Source, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT id, source_id, name, kind, uri, branch, enabled, created_at, updated_at
		 FROM sources WHERE source_id = $1`, sourceID)
	return scanSource(row)
}

// ListSources returns sources ordered by creation time. When enabledOnly is
// set, disabled sources are filtered out (the picker in the query console
// only offers enabled ones).
func (db *DB) ListSources(ctx context.Context, enabledOnly bool, limit, offset int) ([]model.Source, int, error) {
	where := ""
	if enabledOnly {
		where = "WHERE enabled"
	}

	var total int
	if err := db.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT count(*) FROM sources %s`, where),
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count sources: %w", err)
	}

	rows, err := db.pool.Query(ctx,
		fmt.Sprintf(`SELECT id, source_id, name, kind, uri, branch, enabled, created_at, updated_at
		 FROM sources %s ORDER BY created_at ASC LIMIT $1 OFFSET $2`, where),
		limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list sources: %w", err)
	}
	defer rows.Close()

	var sources []model.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, 0, err
		}
		sources = append(sources, src)
	}
	return sources, total, rows.Err()
}

// UpdateSource applies non-nil fields of the patch and notifies listeners.
func (db *DB) UpdateSource(ctx context.Context, id uuid.UUID, patch model.UpdateSourceRequest) (model.Source, error) {
	src, err := db.GetSource(ctx, id)
	if err != nil {
		return model.Source{}, err
	}
	if patch.Name != nil {
		src.Name = *patch.Name
	}
	if patch.URI != nil {
		src.URI = patch.URI
	}
	if patch.Branch != nil {
		src.Branch = patch.Branch
	}
	if patch.Enabled != nil {
		src.Enabled = *patch.Enabled
	}
	src.UpdatedAt = time.Now().UTC()

	tag, err := db.pool.Exec(ctx,
		`UPDATE sources SET name = $2, uri = $3, branch = $4, enabled = $5, updated_at = $6
		 WHERE id = $1`,
		src.ID, src.Name, src.URI, src.Branch, src.Enabled, src.UpdatedAt,
	)
	if err != nil {
		return model.Source{}, fmt.Errorf("storage: update source: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.Source{}, ErrNotFound
	}

	if err := db.Notify(ctx, ChannelSources, src.SourceID); err != nil {
		db.logger.Warn("storage: notify source change", "error", err)
	}
	return src, nil
}

// DeleteSource removes a source and notifies listeners.
func (db *DB) DeleteSource(ctx context.Context, id uuid.UUID) error {
	var sourceID string
	err := db.pool.QueryRow(ctx,
		`DELETE FROM sources WHERE id = $1 RETURNING source_id`, id,
	).Scan(&sourceID)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("storage: delete source: %w", err)
	}

	if err := db.Notify(ctx, ChannelSources, sourceID); err != nil {
		db.logger.Warn("storage: notify source change", "error", err)
	}
	return nil
}

func scanSource(row pgx.Row) (model.Source, error) {
	var src model.Source
	var kind string
	err := row.Scan(&src.ID, &src.SourceID, &src.Name, &kind, &src.URI, &src.Branch,
		&src.Enabled, &src.CreatedAt, &src.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Source{}, ErrNotFound
	}
	if err != nil {
		return model.Source{}, fmt.Errorf("storage: scan source: %w", err)
	}
	src.Kind = model.SourceKind(kind)
	return src, nil
}

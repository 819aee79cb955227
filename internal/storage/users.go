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

// CreateUser inserts a new console user and notifies listeners.
func (db *DB) CreateUser(ctx context.Context, user model.User) (model.User, error) {
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	now := time.Now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now

	_, err := db.pool.Exec(ctx,
		`INSERT INTO users (id, email, name, role, api_key_hash, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		user.ID, user.Email, user.Name, string(user.Role), user.APIKeyHash,
		user.CreatedAt, user.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.User{}, fmt.Errorf("storage: create user %s: %w", user.Email, ErrDuplicate)
		}
		return model.User{}, fmt.Errorf("storage: create user: %w", err)
	}

	if err := db.Notify(ctx, ChannelUsers, user.Email); err != nil {
		db.logger.Warn("storage: notify user change", "error", err)
	}
	return user, nil
}

// GetUser returns a user by ID.
func (db *DB) GetUser(ctx context.Context, id uuid.UUID) (model.User, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT id, email, name, role, api_key_hash, created_at, updated_at
		 FROM users WHERE id = $1`, id)
	return scanUser(row)
}

// GetUserByEmail returns a user by email. Used by the token endpoint,
// where the client_id is the user's email.
func (db *DB) GetUserByEmail(ctx context.Context, email string) (model.User, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT id, email, name, role, api_key_hash, created_at, updated_at
		 FROM users WHERE email = $1`, email)
	return scanUser(row)
}

// ListUsers returns users ordered by creation time.
func (db *DB) ListUsers(ctx context.Context, limit, offset int) ([]model.User, int, error) {
	var total int
	if err := db.pool.QueryRow(ctx, `SELECT count(*) FROM users`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count users: %w", err)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT id, email, name, role, api_key_hash, created_at, updated_at
		 FROM users ORDER BY created_at ASC LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list users: %w", err)
	}
	defer rows.Close()

	var users []model.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, 0, err
		}
		users = append(users, user)
	}
	return users, total, rows.Err()
}

// UpdateUser applies non-nil fields of the patch.
func (db *DB) UpdateUser(ctx context.Context, id uuid.UUID, patch model.UpdateUserRequest) (model.User, error) {
	user, err := db.GetUser(ctx, id)
	if err != nil {
		return model.User{}, err
	}
	if patch.Name != nil {
		user.Name = *patch.Name
	}
	if patch.Role != nil {
		user.Role = *patch.Role
	}
	user.UpdatedAt = time.Now().UTC()

	tag, err := db.pool.Exec(ctx,
		`UPDATE users SET name = $2, role = $3, updated_at = $4 WHERE id = $1`,
		user.ID, user.Name, string(user.Role), user.UpdatedAt,
	)
	if err != nil {
		return model.User{}, fmt.Errorf("storage: update user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.User{}, ErrNotFound
	}

	if err := db.Notify(ctx, ChannelUsers, user.Email); err != nil {
		db.logger.Warn("storage: notify user change", "error", err)
	}
	return user, nil
}

// RotateUserKey replaces the user's API key hash.
func (db *DB) RotateUserKey(ctx context.Context, id uuid.UUID, keyHash string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE users SET api_key_hash = $2, updated_at = $3 WHERE id = $1`,
		id, keyHash, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("storage: rotate user key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteUser removes a user and notifies listeners.
func (db *DB) DeleteUser(ctx context.Context, id uuid.UUID) error {
	var email string
	err := db.pool.QueryRow(ctx,
		`DELETE FROM users WHERE id = $1 RETURNING email`, id,
	).Scan(&email)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("storage: delete user: %w", err)
	}

	if err := db.Notify(ctx, ChannelUsers, email); err != nil {
		db.logger.Warn("storage: notify user change", "error", err)
	}
	return nil
}

func scanUser(row pgx.Row) (model.User, error) {
	var user model.User
	var role string
	err := row.Scan(&user.ID, &user.Email, &user.Name, &role, &user.APIKeyHash,
		&user.CreatedAt, &user.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.User{}, ErrNotFound
	}
	if err != nil {
		return model.User{}, fmt.Errorf("storage: scan user: %w", err)
	}
	user.Role = model.UserRole(role)
	return user, nil
}

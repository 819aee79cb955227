// Package authz provides role resolution and permission checks.
//
// This package exists to share access-control logic between the HTTP server
// and the MCP server without creating a circular dependency (both import this
// package; neither imports the other).
package authz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/loupe-ai/loupe/internal/auth"
	"github.com/loupe-ai/loupe/internal/model"
	"github.com/loupe-ai/loupe/internal/storage"
)

// ErrUnknownUser is returned when a token's subject no longer exists.
var ErrUnknownUser = errors.New("authz: unknown user")

// CurrentRole resolves the caller's effective role. The token carries the
// role at issue time, but role changes and deletions must apply before the
// token expires, so the stored role wins. Lookups go through the cache.
func CurrentRole(ctx context.Context, db *storage.DB, cache *RoleCache, claims *auth.Claims) (model.UserRole, error) {
	if role, ok := cache.Get(claims.Subject); ok {
		return role, nil
	}

	id, err := uuid.Parse(claims.Subject)
	if err != nil {
		slog.Warn("authz: malformed JWT subject, denying access",
			"error", err,
			"email", claims.Email)
		return "", ErrUnknownUser
	}

	user, err := db.GetUser(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", ErrUnknownUser
		}
		return "", fmt.Errorf("authz: resolve role: %w", err)
	}

	cache.Set(claims.Subject, user.Role)
	return user.Role, nil
}

// CanQuery reports whether the role may issue console queries. All roles can.
func CanQuery(role model.UserRole) bool {
	return model.RoleRank(role) >= model.RoleRank(model.RoleViewer)
}

// CanManageSources reports whether the role may create, update, or delete
// knowledge sources.
func CanManageSources(role model.UserRole) bool {
	return model.RoleRank(role) >= model.RoleRank(model.RoleOperator)
}

// CanManageUsers reports whether the role may administer console users.
func CanManageUsers(role model.UserRole) bool {
	return role == model.RoleAdmin
}

// CanReadAudit reports whether the role may read the audit trail.
func CanReadAudit(role model.UserRole) bool {
	return role == model.RoleAdmin
}

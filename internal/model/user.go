package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// UserRole represents the RBAC role assigned to a console user.
type UserRole string

const (
	RoleAdmin    UserRole = "admin"
	RoleOperator UserRole = "operator"
	RoleViewer   UserRole = "viewer"
)

// ValidRole reports whether r is a known role.
func ValidRole(r UserRole) bool {
	switch r {
	case RoleAdmin, RoleOperator, RoleViewer:
		return true
	}
	return false
}

// RoleRank returns the numeric rank of a role (higher = more privileges).
func RoleRank(r UserRole) int {
	switch r {
	case RoleAdmin:
		return 3
	case RoleOperator:
		return 2
	case RoleViewer:
		return 1
	default:
		return 0
	}
}

// User is a console identity. The API key hash never leaves the server.
type User struct {
	ID         uuid.UUID `json:"id"`
	Email      string    `json:"email"`
	Name       string    `json:"name"`
	Role       UserRole  `json:"role"`
	APIKeyHash *string   `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

const (
	MaxEmailLen    = 254
	MaxUserNameLen = 200
)

// CreateUserRequest is the request body for POST /v1/users. The response
// carries the generated API key exactly once.
type CreateUserRequest struct {
	Email string   `json:"email"`
	Name  string   `json:"name"`
	Role  UserRole `json:"role"`
}

// Validate checks a create request before it reaches storage.
func (r CreateUserRequest) Validate() error {
	email := strings.TrimSpace(r.Email)
	if email == "" {
		return fmt.Errorf("email is required")
	}
	if len(email) > MaxEmailLen {
		return fmt.Errorf("email exceeds maximum length of %d characters", MaxEmailLen)
	}
	at := strings.IndexByte(email, '@')
	if at <= 0 || at == len(email)-1 {
		return fmt.Errorf("email is not valid")
	}
	if r.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(r.Name) > MaxUserNameLen {
		return fmt.Errorf("name exceeds maximum length of %d characters", MaxUserNameLen)
	}
	if !ValidRole(r.Role) {
		return fmt.Errorf("role must be one of admin, operator, viewer (got %q)", r.Role)
	}
	return nil
}

// UpdateUserRequest is the request body for PATCH /v1/users/{id}.
type UpdateUserRequest struct {
	Name *string   `json:"name,omitempty"`
	Role *UserRole `json:"role,omitempty"`
}

// Validate checks an update request.
func (r UpdateUserRequest) Validate() error {
	if r.Name != nil && *r.Name == "" {
		return fmt.Errorf("name must not be empty")
	}
	if r.Role != nil && !ValidRole(*r.Role) {
		return fmt.Errorf("role must be one of admin, operator, viewer (got %q)", *r.Role)
	}
	return nil
}

// CreatedUser is the response for POST /v1/users. APIKey is shown once and
// stored only as a hash.
type CreatedUser struct {
	User   User   `json:"user"`
	APIKey string `json:"api_key"`
}

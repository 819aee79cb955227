package model

import (
	"time"

	"github.com/google/uuid"
)

// AuditAction enumerates recorded console actions.
type AuditAction string

const (
	AuditSourceCreated AuditAction = "source.created"
	AuditSourceUpdated AuditAction = "source.updated"
	AuditSourceDeleted AuditAction = "source.deleted"
	AuditUserCreated   AuditAction = "user.created"
	AuditUserUpdated   AuditAction = "user.updated"
	AuditUserDeleted   AuditAction = "user.deleted"
	AuditQueryIssued   AuditAction = "query.issued"
	AuditQueryFailed   AuditAction = "query.failed"
)

// AuditEntry is one recorded console action. Entries are append-only and
// written asynchronously through the audit buffer.
type AuditEntry struct {
	ID           uuid.UUID      `json:"id"`
	Actor        string         `json:"actor"`
	Action       AuditAction    `json:"action"`
	ResourceType string         `json:"resource_type"`
	ResourceID   *string        `json:"resource_id,omitempty"`
	Detail       map[string]any `json:"detail,omitempty"`
	RequestID    string         `json:"request_id,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

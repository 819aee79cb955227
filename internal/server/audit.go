package server

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/loupe-ai/loupe/internal/model"
)

// recordAudit enqueues an audit entry for the current request. Recording is
// best-effort: a nil buffer or a dropped entry never affects the response.
func (h *Handlers) recordAudit(r *http.Request, action model.AuditAction, resourceType string, resourceID *string, detail map[string]any) {
	if h.auditBuf == nil {
		return
	}

	actor := "anonymous"
	if claims := ClaimsFromContext(r.Context()); claims != nil {
		actor = claims.Email
	}

	h.auditBuf.Record(model.AuditEntry{
		ID:           uuid.New(),
		Actor:        actor,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Detail:       detail,
		RequestID:    RequestIDFromContext(r.Context()),
		CreatedAt:    time.Now().UTC(),
	})
}

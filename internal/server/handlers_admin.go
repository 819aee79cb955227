package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/loupe-ai/loupe/internal/auth"
	"github.com/loupe-ai/loupe/internal/model"
	"github.com/loupe-ai/loupe/internal/storage"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 200
)

func parsePagination(r *http.Request) (limit, offset int) {
	limit = defaultPageLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = min(n, maxPageLimit)
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			offset = n
		}
	}
	return limit, offset
}

func parseUUIDParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, name+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

// HandleCreateSource handles POST /v1/sources.
func (h *Handlers) HandleCreateSource(w http.ResponseWriter, r *http.Request) {
	var req model.CreateSourceRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	now := time.Now().UTC()
	src, err := h.db.CreateSource(r.Context(), model.Source{
		ID:        uuid.New(),
		SourceID:  req.SourceID,
		Name:      req.Name,
		Kind:      req.Kind,
		URI:       req.URI,
		Branch:    req.Branch,
		Enabled:   enabled,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "source_id already exists: "+req.SourceID)
			return
		}
		h.writeInternalError(w, r, "failed to create source", err)
		return
	}

	id := src.ID.String()
	h.recordAudit(r, model.AuditSourceCreated, "source", &id, map[string]any{
		"source_id": src.SourceID,
		"kind":      string(src.Kind),
	})
	writeJSON(w, r, http.StatusCreated, src)
}

// HandleListSources handles GET /v1/sources. ?enabled=true filters to
// enabled sources only.
func (h *Handlers) HandleListSources(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePagination(r)
	enabledOnly := r.URL.Query().Get("enabled") == "true"

	sources, total, err := h.db.ListSources(r.Context(), enabledOnly, limit, offset)
	if err != nil {
		h.writeInternalError(w, r, "failed to list sources", err)
		return
	}
	writeList(w, r, sources, total, limit, offset)
}

// HandleGetSource handles GET /v1/sources/{id}.
func (h *Handlers) HandleGetSource(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(w, r, "id")
	if !ok {
		return
	}
	src, err := h.db.GetSource(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "source not found")
			return
		}
		h.writeInternalError(w, r, "failed to get source", err)
		return
	}
	writeJSON(w, r, http.StatusOK, src)
}

// HandleUpdateSource handles PATCH /v1/sources/{id}.
func (h *Handlers) HandleUpdateSource(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(w, r, "id")
	if !ok {
		return
	}
	var req model.UpdateSourceRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	src, err := h.db.UpdateSource(r.Context(), id, req)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "source not found")
			return
		}
		h.writeInternalError(w, r, "failed to update source", err)
		return
	}

	idStr := id.String()
	h.recordAudit(r, model.AuditSourceUpdated, "source", &idStr, map[string]any{
		"source_id": src.SourceID,
	})
	writeJSON(w, r, http.StatusOK, src)
}

// HandleDeleteSource handles DELETE /v1/sources/{id}.
func (h *Handlers) HandleDeleteSource(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(w, r, "id")
	if !ok {
		return
	}
	if err := h.db.DeleteSource(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "source not found")
			return
		}
		h.writeInternalError(w, r, "failed to delete source", err)
		return
	}

	idStr := id.String()
	h.recordAudit(r, model.AuditSourceDeleted, "source", &idStr, nil)
	w.WriteHeader(http.StatusNoContent)
}

// HandleCreateUser handles POST /v1/users. The generated API key appears in
// this response and nowhere else.
func (h *Handlers) HandleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req model.CreateUserRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	apiKey, err := auth.GenerateAPIKey()
	if err != nil {
		h.writeInternalError(w, r, "failed to generate API key", err)
		return
	}
	hash, err := auth.HashAPIKey(apiKey)
	if err != nil {
		h.writeInternalError(w, r, "failed to hash API key", err)
		return
	}

	now := time.Now().UTC()
	user, err := h.db.CreateUser(r.Context(), model.User{
		ID:         uuid.New(),
		Email:      req.Email,
		Name:       req.Name,
		Role:       req.Role,
		APIKeyHash: &hash,
		CreatedAt:  now,
		UpdatedAt:  now,
	})
	if err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "email already exists: "+req.Email)
			return
		}
		h.writeInternalError(w, r, "failed to create user", err)
		return
	}

	id := user.ID.String()
	h.recordAudit(r, model.AuditUserCreated, "user", &id, map[string]any{
		"email": user.Email,
		"role":  string(user.Role),
	})
	writeJSON(w, r, http.StatusCreated, model.CreatedUser{User: user, APIKey: apiKey})
}

// HandleListUsers handles GET /v1/users.
func (h *Handlers) HandleListUsers(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePagination(r)
	users, total, err := h.db.ListUsers(r.Context(), limit, offset)
	if err != nil {
		h.writeInternalError(w, r, "failed to list users", err)
		return
	}
	writeList(w, r, users, total, limit, offset)
}

// HandleGetUser handles GET /v1/users/{id}.
func (h *Handlers) HandleGetUser(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(w, r, "id")
	if !ok {
		return
	}
	user, err := h.db.GetUser(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "user not found")
			return
		}
		h.writeInternalError(w, r, "failed to get user", err)
		return
	}
	writeJSON(w, r, http.StatusOK, user)
}

// HandleUpdateUser handles PATCH /v1/users/{id}. A role change takes effect
// on the user's next request, not at token expiry.
func (h *Handlers) HandleUpdateUser(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(w, r, "id")
	if !ok {
		return
	}
	var req model.UpdateUserRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	user, err := h.db.UpdateUser(r.Context(), id, req)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "user not found")
			return
		}
		h.writeInternalError(w, r, "failed to update user", err)
		return
	}

	// The authorization cache keys on the user ID in the token subject.
	if h.roleCache != nil {
		h.roleCache.Invalidate(id.String())
	}

	idStr := id.String()
	detail := map[string]any{"email": user.Email}
	if req.Role != nil {
		detail["role"] = string(*req.Role)
	}
	h.recordAudit(r, model.AuditUserUpdated, "user", &idStr, detail)
	writeJSON(w, r, http.StatusOK, user)
}

// HandleRotateUserKey handles POST /v1/users/{id}/rotate-key. The old key
// stops working immediately; existing tokens remain valid until expiry.
func (h *Handlers) HandleRotateUserKey(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(w, r, "id")
	if !ok {
		return
	}

	apiKey, err := auth.GenerateAPIKey()
	if err != nil {
		h.writeInternalError(w, r, "failed to generate API key", err)
		return
	}
	hash, err := auth.HashAPIKey(apiKey)
	if err != nil {
		h.writeInternalError(w, r, "failed to hash API key", err)
		return
	}

	if err := h.db.RotateUserKey(r.Context(), id, hash); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "user not found")
			return
		}
		h.writeInternalError(w, r, "failed to rotate key", err)
		return
	}

	idStr := id.String()
	h.recordAudit(r, model.AuditUserUpdated, "user", &idStr, map[string]any{
		"rotated_key": true,
	})
	writeJSON(w, r, http.StatusOK, map[string]string{"api_key": apiKey})
}

// HandleDeleteUser handles DELETE /v1/users/{id}.
func (h *Handlers) HandleDeleteUser(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(w, r, "id")
	if !ok {
		return
	}
	if err := h.db.DeleteUser(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "user not found")
			return
		}
		h.writeInternalError(w, r, "failed to delete user", err)
		return
	}

	if h.roleCache != nil {
		h.roleCache.Invalidate(id.String())
	}

	idStr := id.String()
	h.recordAudit(r, model.AuditUserDeleted, "user", &idStr, nil)
	w.WriteHeader(http.StatusNoContent)
}

// HandleListAudit handles GET /v1/audit. ?actor= filters by actor email.
func (h *Handlers) HandleListAudit(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePagination(r)
	actor := r.URL.Query().Get("actor")

	entries, total, err := h.db.ListAuditEntries(r.Context(), actor, limit, offset)
	if err != nil {
		h.writeInternalError(w, r, "failed to list audit entries", err)
		return
	}
	writeList(w, r, entries, total, limit, offset)
}

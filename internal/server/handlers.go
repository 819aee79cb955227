package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/loupe-ai/loupe/internal/audit"
	"github.com/loupe-ai/loupe/internal/auth"
	"github.com/loupe-ai/loupe/internal/authz"
	"github.com/loupe-ai/loupe/internal/console"
	"github.com/loupe-ai/loupe/internal/conversation"
	"github.com/loupe-ai/loupe/internal/model"
	"github.com/loupe-ai/loupe/internal/storage"
	sdk "github.com/loupe-ai/loupe/sdk/go/loupe"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db                  *storage.DB
	jwtMgr              *auth.JWTManager
	engine              *console.Engine
	auditBuf            *audit.Buffer
	broker              *Broker
	roleCache           *authz.RoleCache
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): AuditBuf, Broker.
type HandlersDeps struct {
	DB                  *storage.DB
	JWTMgr              *auth.JWTManager
	Engine              *console.Engine
	AuditBuf            *audit.Buffer
	Broker              *Broker
	RoleCache           *authz.RoleCache
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		db:                  d.DB,
		jwtMgr:              d.JWTMgr,
		engine:              d.Engine,
		auditBuf:            d.AuditBuf,
		broker:              d.Broker,
		roleCache:           d.RoleCache,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
	}
}

func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "error", err, "request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}

// HandleAuthToken handles POST /auth/token. The client_id is the user's
// email address; the API key is verified against the stored argon2id hash.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.ClientID == "" || req.APIKey == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "client_id and api_key are required")
		return
	}

	user, err := h.db.GetUserByEmail(r.Context(), req.ClientID)
	if err != nil {
		// Burn the same hashing cost as a real verification so response
		// timing does not reveal whether the client_id exists.
		auth.DummyVerify()
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}
	if user.APIKeyHash == nil {
		auth.DummyVerify()
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	valid, err := auth.VerifyAPIKey(req.APIKey, *user.APIKeyHash)
	if err != nil || !valid {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(user)
	if err != nil {
		h.writeInternalError(w, r, "failed to issue token", err)
		return
	}

	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
	})
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	pgStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.db.Ping(r.Context()); err != nil {
		pgStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	// Audit buffer health: >50% capacity = high, >75% capacity = critical.
	bufDepth := 0
	bufStatus := "ok"
	if h.auditBuf != nil {
		bufDepth = h.auditBuf.Len()
		capacity := h.auditBuf.Capacity()
		if bufDepth > capacity*3/4 {
			bufStatus = "critical"
			if status == "healthy" {
				status = "degraded"
			}
		} else if bufDepth > capacity/2 {
			bufStatus = "high"
		}
	}

	resp := model.HealthResponse{
		Status:       status,
		Version:      h.version,
		Postgres:     pgStatus,
		BufferDepth:  bufDepth,
		BufferStatus: bufStatus,
		Uptime:       int64(time.Since(h.startedAt).Seconds()),
	}
	if h.broker != nil {
		resp.SSEBroker = "running"
	}

	writeJSON(w, r, httpStatus, resp)
}

// HandleEvents handles GET /v1/events (SSE fan-out of NOTIFY payloads).
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError,
			"SSE not available (LISTEN/NOTIFY not configured)")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Disable the server's WriteTimeout for this long-lived connection.
	// Without this, idle SSE connections are killed after WriteTimeout.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	ch := h.broker.Subscribe()
	defer h.broker.Unsubscribe(ch)

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// HandleConsoleAsk handles POST /v1/console/ask. The backend's event stream
// is re-framed as SSE to the browser while the conversation store assembles
// the transcript; the response ends when a terminal event has been relayed.
func (h *Handlers) HandleConsoleAsk(w http.ResponseWriter, r *http.Request) {
	var req model.AskRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	h.recordAudit(r, model.AuditQueryIssued, "query", nil, map[string]any{
		"question_bytes": len(req.Question),
		"session_id":     req.SessionID,
	})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	relay := func(eventType string, payload any) {
		data, err := json.Marshal(payload)
		if err != nil {
			return
		}
		if _, err := w.Write(formatSSE(eventType, string(data))); err != nil {
			return
		}
		flusher.Flush()
	}

	observer := sdk.Handlers{
		OnTextDelta: func(ev sdk.TextDelta) { relay("text_delta", ev) },
		OnText:      func(ev sdk.Text) { relay("text", ev) },
		OnStatus:    func(ev sdk.Status) { relay("status", ev) },
		OnEntity:    func(ev sdk.EntityEvent) { relay("entity", ev) },
		OnEvidence:  func(ev sdk.EvidenceEvent) { relay("evidence", ev) },
		OnMetadata:  func(ev sdk.Metadata) { relay("metadata", ev) },
		OnDone:      func(ev sdk.Done) { relay("done", ev) },
		OnError: func(ev sdk.ErrorEvent) {
			relay("error", ev)
			h.recordAudit(r, model.AuditQueryFailed, "query", nil, map[string]any{
				"code":    ev.Code,
				"message": ev.Message,
			})
		},
	}

	opts := console.AskOptions{
		SessionID:      req.SessionID,
		SourceIDs:      req.SourceIDs,
		RetrievalMode:  sdk.RetrievalMode(req.RetrievalMode),
		TopK:           req.TopK,
		TimeoutSeconds: req.TimeoutSeconds,
		Observer:       observer,
	}

	// Headers are already on the wire; launch failures are relayed in-band.
	if _, err := h.engine.AskAndWait(r.Context(), req.Question, opts); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		relay("error", sdk.ErrorEvent{Message: err.Error(), Code: sdk.ErrCodeTransport})
	}
}

// HandleConsoleCancel handles POST /v1/console/cancel.
func (h *Handlers) HandleConsoleCancel(w http.ResponseWriter, r *http.Request) {
	h.engine.Cancel()
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "cancelled"})
}

// HandleConsoleRetry handles POST /v1/console/retry. The failed exchange is
// left in place; its question is resubmitted as a new exchange.
func (h *Handlers) HandleConsoleRetry(w http.ResponseWriter, r *http.Request) {
	ex, err := h.engine.Retry(r.Context(), console.AskOptions{})
	if err != nil {
		if errors.Is(err, console.ErrNothingToRetry) {
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "no failed exchange to retry")
			return
		}
		h.writeInternalError(w, r, "failed to retry", err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, map[string]string{
		"session_id": ex.SessionID,
		"message_id": ex.MessageID,
	})
}

// HandleListSessions handles GET /v1/console/sessions.
func (h *Handlers) HandleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := h.engine.Store().Sessions()

	type sessionSummary struct {
		ID        string    `json:"id"`
		Title     string    `json:"title"`
		CreatedAt time.Time `json:"created_at"`
		UpdatedAt time.Time `json:"updated_at"`
		Messages  int       `json:"messages"`
		Active    bool      `json:"active"`
	}

	activeID := h.engine.Store().ActiveSessionID()
	out := make([]sessionSummary, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, sessionSummary{
			ID:        s.ID,
			Title:     s.Title,
			CreatedAt: s.CreatedAt,
			UpdatedAt: s.UpdatedAt,
			Messages:  len(s.Messages),
			Active:    s.ID == activeID,
		})
	}
	writeJSON(w, r, http.StatusOK, out)
}

// HandleCreateSession handles POST /v1/console/sessions.
func (h *Handlers) HandleCreateSession(w http.ResponseWriter, r *http.Request) {
	id := h.engine.Store().CreateSession()
	writeJSON(w, r, http.StatusCreated, map[string]string{"id": id})
}

// HandleGetSession handles GET /v1/console/sessions/{id} (full transcript).
func (h *Handlers) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	session, ok := h.engine.Store().Session(id)
	if !ok {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "session not found: "+id)
		return
	}
	writeJSON(w, r, http.StatusOK, session)
}

// HandleSelectSession handles POST /v1/console/sessions/{id}/select.
func (h *Handlers) HandleSelectSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.engine.Store().SelectSession(id); err != nil {
		if errors.Is(err, conversation.ErrSessionNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "session not found: "+id)
			return
		}
		h.writeInternalError(w, r, "failed to select session", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"active": id})
}

// HandleDeleteSession handles DELETE /v1/console/sessions/{id}.
func (h *Handlers) HandleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.engine.Store().DeleteSession(id); err != nil {
		if errors.Is(err, conversation.ErrSessionNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "session not found: "+id)
			return
		}
		h.writeInternalError(w, r, "failed to delete session", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SeedAdmin creates the initial admin user if none exists yet.
// adminEmail and adminAPIKey come from config; both empty means skip.
func (h *Handlers) SeedAdmin(ctx context.Context, adminEmail, adminAPIKey string) error {
	if adminEmail == "" || adminAPIKey == "" {
		h.logger.Info("no admin bootstrap configured, skipping admin seed")
		return nil
	}

	if _, err := h.db.GetUserByEmail(ctx, adminEmail); err == nil {
		h.logger.Info("admin user already exists, skipping admin seed", "email", adminEmail)
		return nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("seed admin: lookup: %w", err)
	}

	hash, err := auth.HashAPIKey(adminAPIKey)
	if err != nil {
		return fmt.Errorf("seed admin: hash key: %w", err)
	}

	now := time.Now().UTC()
	_, err = h.db.CreateUser(ctx, model.User{
		ID:         uuid.New(),
		Email:      adminEmail,
		Name:       "System Admin",
		Role:       model.RoleAdmin,
		APIKeyHash: &hash,
		CreatedAt:  now,
		UpdatedAt:  now,
	})
	if err != nil {
		return fmt.Errorf("seed admin: create user: %w", err)
	}

	h.logger.Info("seeded initial admin user", "email", adminEmail)
	return nil
}

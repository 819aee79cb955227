package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/loupe-ai/loupe/internal/audit"
	"github.com/loupe-ai/loupe/internal/auth"
	"github.com/loupe-ai/loupe/internal/authz"
	"github.com/loupe-ai/loupe/internal/console"
	"github.com/loupe-ai/loupe/internal/ratelimit"
	"github.com/loupe-ai/loupe/internal/storage"
)

// Server is the Loupe HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): AuditBuf, Broker, AuthLimiter, QueryLimiter,
// MCPServer.
type ServerConfig struct {
	// Required dependencies.
	DB        *storage.DB
	JWTMgr    *auth.JWTManager
	Engine    *console.Engine
	RoleCache *authz.RoleCache
	Logger    *slog.Logger

	// Optional dependencies (nil = disabled).
	AuditBuf     *audit.Buffer
	Broker       *Broker
	AuthLimiter  ratelimit.Limiter
	QueryLimiter ratelimit.Limiter
	MCPServer    *mcpserver.MCPServer

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		DB:                  cfg.DB,
		JWTMgr:              cfg.JWTMgr,
		Engine:              cfg.Engine,
		AuditBuf:            cfg.AuditBuf,
		Broker:              cfg.Broker,
		RoleCache:           cfg.RoleCache,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	// Request ID extractor for rate limit error responses.
	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}

	// Token issuance is limited by client IP; queries are limited per user.
	authRL := ratelimit.Middleware(cfg.AuthLimiter, ratelimit.IPKeyFunc, reqIDFunc)
	queryRL := ratelimit.Middleware(cfg.QueryLimiter, userKeyFunc, reqIDFunc)

	mux := http.NewServeMux()

	// Auth endpoint (no auth required, rate limited by IP).
	mux.Handle("POST /auth/token", authRL(http.HandlerFunc(h.HandleAuthToken)))

	// Console endpoints (viewer+).
	canQuery := h.requirePermission(authz.CanQuery)
	mux.Handle("POST /v1/console/ask", queryRL(canQuery(http.HandlerFunc(h.HandleConsoleAsk))))
	mux.Handle("POST /v1/console/cancel", canQuery(http.HandlerFunc(h.HandleConsoleCancel)))
	mux.Handle("POST /v1/console/retry", queryRL(canQuery(http.HandlerFunc(h.HandleConsoleRetry))))
	mux.Handle("GET /v1/console/sessions", canQuery(http.HandlerFunc(h.HandleListSessions)))
	mux.Handle("POST /v1/console/sessions", canQuery(http.HandlerFunc(h.HandleCreateSession)))
	mux.Handle("GET /v1/console/sessions/{id}", canQuery(http.HandlerFunc(h.HandleGetSession)))
	mux.Handle("POST /v1/console/sessions/{id}/select", canQuery(http.HandlerFunc(h.HandleSelectSession)))
	mux.Handle("DELETE /v1/console/sessions/{id}", canQuery(http.HandlerFunc(h.HandleDeleteSession)))

	// Source reads (viewer+), mutations (operator+).
	canManageSources := h.requirePermission(authz.CanManageSources)
	mux.Handle("GET /v1/sources", canQuery(http.HandlerFunc(h.HandleListSources)))
	mux.Handle("GET /v1/sources/{id}", canQuery(http.HandlerFunc(h.HandleGetSource)))
	mux.Handle("POST /v1/sources", canManageSources(http.HandlerFunc(h.HandleCreateSource)))
	mux.Handle("PATCH /v1/sources/{id}", canManageSources(http.HandlerFunc(h.HandleUpdateSource)))
	mux.Handle("DELETE /v1/sources/{id}", canManageSources(http.HandlerFunc(h.HandleDeleteSource)))

	// User management (admin only).
	canManageUsers := h.requirePermission(authz.CanManageUsers)
	mux.Handle("POST /v1/users", canManageUsers(http.HandlerFunc(h.HandleCreateUser)))
	mux.Handle("GET /v1/users", canManageUsers(http.HandlerFunc(h.HandleListUsers)))
	mux.Handle("GET /v1/users/{id}", canManageUsers(http.HandlerFunc(h.HandleGetUser)))
	mux.Handle("PATCH /v1/users/{id}", canManageUsers(http.HandlerFunc(h.HandleUpdateUser)))
	mux.Handle("POST /v1/users/{id}/rotate-key", canManageUsers(http.HandlerFunc(h.HandleRotateUserKey)))
	mux.Handle("DELETE /v1/users/{id}", canManageUsers(http.HandlerFunc(h.HandleDeleteUser)))

	// Audit log (admin only).
	canReadAudit := h.requirePermission(authz.CanReadAudit)
	mux.Handle("GET /v1/audit", canReadAudit(http.HandlerFunc(h.HandleListAudit)))

	// Change-feed SSE (viewer+, no rate limit, long-lived connection).
	mux.Handle("GET /v1/events", canQuery(http.HandlerFunc(h.HandleEvents)))

	// MCP StreamableHTTP transport (auth required, viewer+).
	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		mux.Handle("/mcp", canQuery(mcpHTTP))
	}

	// Health (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// userKeyFunc extracts the authenticated user ID for per-user rate limiting.
// Unauthenticated requests return empty and skip the limiter; the auth
// middleware rejects them anyway.
func userKeyFunc(r *http.Request) string {
	claims := ClaimsFromContext(r.Context())
	if claims == nil {
		return ""
	}
	return claims.Subject
}

// Handlers returns the underlying Handlers for access to SeedAdmin etc.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}

package model

import (
	"fmt"
	"strings"
	"time"
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for list endpoints.
type ListResponse struct {
	Data    any          `json:"data"`
	Total   *int         `json:"total,omitempty"`
	HasMore bool         `json:"has_more"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
	Meta    ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
)

// AuthTokenRequest is the request body for POST /auth/token.
type AuthTokenRequest struct {
	ClientID string `json:"client_id"`
	APIKey   string `json:"api_key"`
}

// AuthTokenResponse is the response for POST /auth/token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status       string `json:"status"`
	Version      string `json:"version"`
	Postgres     string `json:"postgres"`
	BufferDepth  int    `json:"audit_buffer_depth"`
	BufferStatus string `json:"audit_buffer_status"`
	SSEBroker    string `json:"sse_broker,omitempty"`
	Uptime       int64  `json:"uptime_seconds"`
}

// Bounds on console ask parameters.
const (
	MaxQuestionLen = 8 * 1024
	MaxTopK        = 50
	MaxTimeoutSec  = 600
	MaxSourceIDs   = 50
)

// AskRequest is the request body for POST /v1/console/ask.
type AskRequest struct {
	Question       string   `json:"question"`
	SessionID      string   `json:"session_id,omitempty"`
	SourceIDs      []string `json:"source_ids,omitempty"`
	RetrievalMode  string   `json:"retrieval_mode,omitempty"`
	TopK           int      `json:"top_k,omitempty"`
	TimeoutSeconds int      `json:"timeout,omitempty"`
}

// Validate rejects malformed asks before any network call is made.
func (r AskRequest) Validate() error {
	if strings.TrimSpace(r.Question) == "" {
		return fmt.Errorf("question must not be empty")
	}
	if len(r.Question) > MaxQuestionLen {
		return fmt.Errorf("question exceeds maximum length of %d bytes", MaxQuestionLen)
	}
	switch r.RetrievalMode {
	case "", "graph", "vector", "hybrid":
	default:
		return fmt.Errorf("retrieval_mode must be one of graph, vector, hybrid (got %q)", r.RetrievalMode)
	}
	if r.TopK < 0 || r.TopK > MaxTopK {
		return fmt.Errorf("top_k must be between 0 and %d", MaxTopK)
	}
	if r.TimeoutSeconds < 0 || r.TimeoutSeconds > MaxTimeoutSec {
		return fmt.Errorf("timeout must be between 0 and %d seconds", MaxTimeoutSec)
	}
	if len(r.SourceIDs) > MaxSourceIDs {
		return fmt.Errorf("source_ids must not exceed %d entries", MaxSourceIDs)
	}
	for i, id := range r.SourceIDs {
		if err := ValidateSourceID(id); err != nil {
			return fmt.Errorf("source_ids[%d]: %w", i, err)
		}
	}
	return nil
}

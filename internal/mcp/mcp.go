// Package mcp implements the Model Context Protocol server for Loupe.
//
// The MCP server exposes the console's ask flow and the source catalog as
// tools and resources, so MCP-compatible AI agents can query the code
// knowledge base without speaking the HTTP API.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/loupe-ai/loupe/internal/console"
	"github.com/loupe-ai/loupe/internal/storage"
	sdk "github.com/loupe-ai/loupe/sdk/go/loupe"
)

// Server wraps the MCP server with Loupe's console engine and storage.
type Server struct {
	mcpServer *mcpserver.MCPServer
	db        *storage.DB
	engine    *console.Engine
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources and tools.
func New(db *storage.DB, engine *console.Engine, logger *slog.Logger, version string) *Server {
	s := &Server{
		db:     db,
		engine: engine,
		logger: logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"loupe",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
	)

	s.registerResources()
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func (s *Server) registerResources() {
	// loupe://session/current serves the active session's transcript.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"loupe://session/current",
			"Current Session",
			mcplib.WithResourceDescription("Transcript of the active console session"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleSessionCurrent,
	)

	// loupe://sources serves the configured source catalog.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"loupe://sources",
			"Sources",
			mcplib.WithResourceDescription("Knowledge sources available for retrieval"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleSources,
	)

	// loupe://session/{id} serves a specific session's transcript.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			"loupe://session/{id}",
			"Session Transcript",
			mcplib.WithTemplateDescription("Full transcript of a specific session"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleSessionByID,
	)
}

func (s *Server) registerTools() {
	// loupe_ask asks a question and wait for the full answer.
	s.mcpServer.AddTool(
		mcplib.NewTool("loupe_ask",
			mcplib.WithDescription("Ask a question about the indexed codebase and get a complete answer with evidence"),
			mcplib.WithString("question", mcplib.Description("Natural language question"), mcplib.Required()),
			mcplib.WithString("session_id", mcplib.Description("Continue an existing session (default: the active session)")),
			mcplib.WithString("retrieval_mode", mcplib.Description("Retrieval strategy: graph, vector, or hybrid")),
			mcplib.WithString("source_ids", mcplib.Description("Comma-separated source IDs to restrict retrieval to")),
			mcplib.WithNumber("top_k", mcplib.Description("Maximum evidence passages to retrieve")),
		),
		s.handleAsk,
	)

	// loupe_list_sources enumerates enabled sources.
	s.mcpServer.AddTool(
		mcplib.NewTool("loupe_list_sources",
			mcplib.WithDescription("List the knowledge sources available for retrieval"),
			mcplib.WithString("scope", mcplib.Description("Which sources to list: enabled (default) or all")),
		),
		s.handleListSources,
	)
}

func (s *Server) handleSessionCurrent(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	store := s.engine.Store()
	id := store.ActiveSessionID()
	if id == "" {
		return sessionContents("loupe://session/current", map[string]any{
			"active": false,
		})
	}
	session, ok := store.Session(id)
	if !ok {
		return nil, fmt.Errorf("mcp: active session vanished: %s", id)
	}
	return sessionContents("loupe://session/current", session)
}

func (s *Server) handleSources(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	sources, _, err := s.db.ListSources(ctx, true, 100, 0)
	if err != nil {
		return nil, fmt.Errorf("mcp: list sources: %w", err)
	}
	return sessionContents("loupe://sources", sources)
}

func (s *Server) handleSessionByID(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	id := strings.TrimPrefix(uri, "loupe://session/")
	if id == "" || id == uri {
		return nil, fmt.Errorf("mcp: invalid session URI: %s", uri)
	}

	session, ok := s.engine.Store().Session(id)
	if !ok {
		return nil, fmt.Errorf("mcp: session not found: %s", id)
	}
	return sessionContents(uri, session)
}

func sessionContents(uri string, v any) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal resource: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleAsk(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	question := request.GetString("question", "")
	if question == "" {
		return errorResult("question is required"), nil
	}

	opts := console.AskOptions{
		SessionID:     request.GetString("session_id", ""),
		RetrievalMode: sdk.RetrievalMode(request.GetString("retrieval_mode", "")),
		TopK:          request.GetInt("top_k", 0),
	}
	if raw := request.GetString("source_ids", ""); raw != "" {
		for _, id := range strings.Split(raw, ",") {
			if id = strings.TrimSpace(id); id != "" {
				opts.SourceIDs = append(opts.SourceIDs, id)
			}
		}
	}

	msg, err := s.engine.AskAndWait(ctx, question, opts)
	if err != nil {
		return errorResult(fmt.Sprintf("ask failed: %v", err)), nil
	}
	if msg.Error != "" {
		return errorResult(fmt.Sprintf("query failed: %s", msg.Error)), nil
	}

	resultData, _ := json.MarshalIndent(map[string]any{
		"answer":       msg.Content,
		"query_id":     msg.QueryID,
		"evidence":     msg.Evidence,
		"entities":     msg.Entities,
		"next_actions": msg.NextActions,
		"metadata":     msg.Metadata,
	}, "", "  ")

	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
		},
	}, nil
}

func (s *Server) handleListSources(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	scope := request.GetString("scope", "enabled")

	sources, total, err := s.db.ListSources(ctx, scope != "all", 100, 0)
	if err != nil {
		return errorResult(fmt.Sprintf("list sources failed: %v", err)), nil
	}

	resultData, _ := json.MarshalIndent(map[string]any{
		"sources": sources,
		"total":   total,
	}, "", "  ")

	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
		},
	}, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

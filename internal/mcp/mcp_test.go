package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/loupe-ai/loupe/internal/console"
	"github.com/loupe-ai/loupe/internal/conversation"
	"github.com/loupe-ai/loupe/internal/model"
	"github.com/loupe-ai/loupe/internal/storage"
	"github.com/loupe-ai/loupe/internal/testutil"
	sdk "github.com/loupe-ai/loupe/sdk/go/loupe"
)

var (
	testDB     *storage.DB
	testServer *Server
)

// scriptedClient answers every question with a fixed completed stream.
type scriptedClient struct{}

func (c *scriptedClient) Query(ctx context.Context, req sdk.QueryRequest, h sdk.Handlers) (sdk.CancelFunc, error) {
	go func() {
		if h.OnTextDelta != nil {
			h.OnTextDelta(sdk.TextDelta{Content: "Retries live in the dispatcher."})
		}
		if h.OnEvidence != nil {
			h.OnEvidence(sdk.EvidenceEvent{Evidence: sdk.Evidence{
				ID:       "ev-1",
				Snippet:  "func retry() {}",
				Repo:     "payments",
				FilePath: "internal/dispatch/retry.go",
			}})
		}
		if h.OnDone != nil {
			h.OnDone(sdk.Done{QueryID: "q-mcp", Summary: "Retries live in the dispatcher."})
		}
	}()
	return func() {}, nil
}

func (c *scriptedClient) Cancel() {}

func TestMain(m *testing.M) {
	if os.Getenv("LOUPE_SKIP_DB_TESTS") != "" {
		fmt.Fprintln(os.Stderr, "skipping mcp tests: LOUPE_SKIP_DB_TESTS set")
		os.Exit(0)
	}
	tc := testutil.MustStartPostgres()
	code := setupAndRun(m, tc)
	tc.Terminate()
	os.Exit(code)
}

func setupAndRun(m *testing.M, tc *testutil.TestContainer) int {
	ctx := context.Background()
	logger := testutil.TestLogger()

	var err error
	testDB, err = tc.NewTestDB(ctx, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mcp test: create DB: %v\n", err)
		return 1
	}
	defer testDB.Close(ctx)

	engine := console.New(conversation.NewStore(), &scriptedClient{}, console.Defaults{
		RetrievalMode:  sdk.ModeHybrid,
		TopK:           10,
		TimeoutSeconds: 30,
	}, logger)
	testServer = New(testDB, engine, logger, "test")

	return m.Run()
}

func callRequest(name string, args map[string]any) mcplib.CallToolRequest {
	return mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func textContent(t *testing.T, result *mcplib.CallToolResult) string {
	t.Helper()
	require.Len(t, result.Content, 1)
	tc, ok := result.Content[0].(mcplib.TextContent)
	require.True(t, ok, "expected text content")
	return tc.Text
}

func TestAskTool(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := testServer.handleAsk(ctx, callRequest("loupe_ask", map[string]any{
		"question": "Where is retry handled?",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var payload struct {
		Answer   string         `json:"answer"`
		QueryID  string         `json:"query_id"`
		Evidence []sdk.Evidence `json:"evidence"`
	}
	require.NoError(t, json.Unmarshal([]byte(textContent(t, result)), &payload))
	assert.Equal(t, "Retries live in the dispatcher.", payload.Answer)
	assert.Equal(t, "q-mcp", payload.QueryID)
	require.Len(t, payload.Evidence, 1)
	assert.Equal(t, "internal/dispatch/retry.go", payload.Evidence[0].FilePath)
}

func TestAskToolRequiresQuestion(t *testing.T) {
	result, err := testServer.handleAsk(context.Background(), callRequest("loupe_ask", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestListSourcesTool(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	_, err := testDB.CreateSource(ctx, model.Source{
		ID:        uuid.New(),
		SourceID:  "mcp-test-repo",
		Name:      "MCP Test Repo",
		Kind:      model.SourceKindRepo,
		Enabled:   true,
		CreatedAt: now,
		UpdatedAt: now,
	})
	require.NoError(t, err)

	result, err := testServer.handleListSources(ctx, callRequest("loupe_list_sources", map[string]any{}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var payload struct {
		Sources []model.Source `json:"sources"`
		Total   int            `json:"total"`
	}
	require.NoError(t, json.Unmarshal([]byte(textContent(t, result)), &payload))
	assert.GreaterOrEqual(t, payload.Total, 1)
}

func TestSessionResource(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Populate a fresh session through the engine.
	id := testServer.engine.Store().CreateSession()
	msg, err := testServer.engine.AskAndWait(ctx, "What calls the ledger?", console.AskOptions{SessionID: id})
	require.NoError(t, err)
	require.Equal(t, conversation.StatusCompleted, msg.Status)

	contents, err := testServer.handleSessionByID(ctx, mcplib.ReadResourceRequest{
		Params: mcplib.ReadResourceParams{URI: "loupe://session/" + id},
	})
	require.NoError(t, err)
	require.Len(t, contents, 1)

	text, ok := contents[0].(mcplib.TextResourceContents)
	require.True(t, ok)
	var session conversation.Session
	require.NoError(t, json.Unmarshal([]byte(text.Text), &session))
	assert.Equal(t, id, session.ID)
	assert.Len(t, session.Messages, 2)
}

func TestSessionResourceNotFound(t *testing.T) {
	_, err := testServer.handleSessionByID(context.Background(), mcplib.ReadResourceRequest{
		Params: mcplib.ReadResourceParams{URI: "loupe://session/nope"},
	})
	assert.Error(t, err)
}

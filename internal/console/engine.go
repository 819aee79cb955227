// Package console binds the streaming query client to the conversation
// store. Both the HTTP API and the MCP server drive exchanges through the
// Engine, so every failure origin converges on the same terminal-state
// handling.
package console

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/loupe-ai/loupe/internal/conversation"
	"github.com/loupe-ai/loupe/internal/telemetry"
	sdk "github.com/loupe-ai/loupe/sdk/go/loupe"
)

// ErrEmptyQuestion rejects whitespace-only submissions before any network
// call is made.
var ErrEmptyQuestion = fmt.Errorf("console: question must not be empty")

// ErrNothingToRetry is returned by Retry when the active session has no
// failed exchange.
var ErrNothingToRetry = fmt.Errorf("console: no failed exchange to retry")

// QueryClient is the streaming surface the Engine drives. *loupe.Client
// satisfies it.
type QueryClient interface {
	Query(ctx context.Context, req sdk.QueryRequest, h sdk.Handlers) (sdk.CancelFunc, error)
	Cancel()
}

// Defaults are the query parameters applied when an Ask does not override
// them.
type Defaults struct {
	SourceIDs      []string
	RetrievalMode  sdk.RetrievalMode
	TopK           int
	TimeoutSeconds int
}

// AskOptions refine one exchange.
type AskOptions struct {
	// SessionID targets an existing session. Empty continues the active
	// session, or starts a new one when none is active.
	SessionID string

	SourceIDs      []string
	RetrievalMode  sdk.RetrievalMode
	TopK           int
	TimeoutSeconds int

	// Observer receives every decoded event after the store has applied
	// it, so a transport (SSE re-stream, CLI renderer) can mirror the
	// exchange live. Nil handlers are skipped.
	Observer sdk.Handlers
}

// Exchange identifies one in-flight question/answer pair.
type Exchange struct {
	SessionID string
	MessageID string
}

// inflightExchange pairs the streaming exchange with the channel its
// waiters block on. The channel closes on every terminal path, including
// cancel and supersession, which synthesize no stream event.
type inflightExchange struct {
	ex   Exchange
	done chan struct{}
}

// Engine owns the ask/cancel/retry lifecycle. At most one exchange streams
// at a time, mirroring the client's single-flight behavior.
type Engine struct {
	store    *conversation.Store
	client   QueryClient
	defaults Defaults
	logger   *slog.Logger

	mu       sync.Mutex
	inflight *inflightExchange

	queries  metric.Int64Counter
	failures metric.Int64Counter
}

// New creates an Engine over the given store and client.
func New(store *conversation.Store, client QueryClient, defaults Defaults, logger *slog.Logger) *Engine {
	meter := telemetry.Meter("loupe/console")
	queries, _ := meter.Int64Counter("loupe.console.queries",
		metric.WithDescription("Questions submitted through the console"),
	)
	failures, _ := meter.Int64Counter("loupe.console.failures",
		metric.WithDescription("Exchanges that ended in a failed state"),
	)
	return &Engine{
		store:    store,
		client:   client,
		defaults: defaults,
		logger:   logger,
		queries:  queries,
		failures: failures,
	}
}

// Store exposes the read-only transcript view.
func (e *Engine) Store() *conversation.Store { return e.store }

// Ask submits a question: it queues the user message, begins a streaming
// assistant message and launches the query. It returns as soon as the
// request is launched; the answer assembles push-driven through the store.
// A previous in-flight exchange is superseded by the client and its
// trailing events are absorbed by the store's stale-stream guard.
func (e *Engine) Ask(ctx context.Context, question string, opts AskOptions) (Exchange, error) {
	if strings.TrimSpace(question) == "" {
		return Exchange{}, ErrEmptyQuestion
	}

	sessionID := opts.SessionID
	if sessionID == "" {
		sessionID = e.store.ActiveSessionID()
	}

	sessionID, _ = e.store.QueueUserMessage(sessionID, question)
	messageID, err := e.store.BeginAssistantMessage(sessionID)
	if err != nil {
		return Exchange{}, fmt.Errorf("console: begin assistant message: %w", err)
	}
	ex := Exchange{SessionID: sessionID, MessageID: messageID}

	// Supersede the previous exchange before launching; its waiters must
	// not outlive the stream that will never finish for them.
	e.mu.Lock()
	if e.inflight != nil {
		close(e.inflight.done)
	}
	e.inflight = &inflightExchange{ex: ex, done: make(chan struct{})}
	e.mu.Unlock()

	req := e.buildRequest(question, sessionID, opts)
	e.queries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("retrieval_mode", string(req.RetrievalMode)),
	))

	_, err = e.client.Query(ctx, req, e.bindHandlers(ex, opts.Observer))
	if err != nil {
		e.registerFailure(ctx, fmt.Sprintf("query could not be issued: %v", err))
		e.settle(ex)
		return ex, fmt.Errorf("console: issue query: %w", err)
	}

	e.logger.Info("console: query issued",
		"session_id", sessionID,
		"message_id", messageID,
		"retrieval_mode", string(req.RetrievalMode),
		"sources", len(req.SourceIDs),
	)
	return ex, nil
}

// AskAndWait runs Ask and blocks until the exchange reaches a terminal
// state, returning the final assistant message. Used by the MCP tool and
// the quick-query CLI, which need a whole answer rather than a stream.
func (e *Engine) AskAndWait(ctx context.Context, question string, opts AskOptions) (conversation.Message, error) {
	ex, err := e.Ask(ctx, question, opts)
	if err != nil {
		return conversation.Message{}, err
	}

	select {
	case <-e.waitChan(ex):
	case <-ctx.Done():
		e.Cancel()
		return conversation.Message{}, ctx.Err()
	}

	sess, ok := e.store.Session(ex.SessionID)
	if !ok {
		return conversation.Message{}, conversation.ErrSessionNotFound
	}
	for i := len(sess.Messages) - 1; i >= 0; i-- {
		if sess.Messages[i].ID == ex.MessageID {
			return sess.Messages[i], nil
		}
	}
	return conversation.Message{}, fmt.Errorf("console: message %s not found after completion", ex.MessageID)
}

// Cancel aborts the in-flight exchange. The client synthesizes no event on
// cancel, so the streaming message is closed out here and waiters are
// released; without this the transcript would show a permanently streaming
// bubble and AskAndWait callers would block forever.
func (e *Engine) Cancel() {
	e.client.Cancel()
	if e.store.IsStreaming() {
		e.registerFailure(context.Background(), "query cancelled")
	}
	e.mu.Lock()
	if e.inflight != nil {
		close(e.inflight.done)
		e.inflight = nil
	}
	e.mu.Unlock()
}

// settle releases the waiters of ex if it is still the in-flight exchange.
// A stale settle, from the trailing handlers of a superseded stream, is a
// no-op.
func (e *Engine) settle(ex Exchange) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inflight != nil && e.inflight.ex == ex {
		close(e.inflight.done)
		e.inflight = nil
	}
}

// waitChan returns the channel that closes when ex reaches a terminal
// state. If ex has already settled or been superseded, the channel is
// closed on return.
func (e *Engine) waitChan(ex Exchange) <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inflight != nil && e.inflight.ex == ex {
		return e.inflight.done
	}
	settled := make(chan struct{})
	close(settled)
	return settled
}

// Retry re-submits the question of the most recent failed exchange through
// the normal ask path. The failed message stays in the transcript.
func (e *Engine) Retry(ctx context.Context, opts AskOptions) (Exchange, error) {
	question, ok := e.store.RetryLastMessage()
	if !ok {
		return Exchange{}, ErrNothingToRetry
	}
	if opts.SessionID == "" {
		opts.SessionID = e.store.ActiveSessionID()
	}
	return e.Ask(ctx, question, opts)
}

func (e *Engine) buildRequest(question, sessionID string, opts AskOptions) sdk.QueryRequest {
	req := sdk.QueryRequest{
		Question:       question,
		SourceIDs:      opts.SourceIDs,
		RetrievalMode:  opts.RetrievalMode,
		TopK:           opts.TopK,
		TimeoutSeconds: opts.TimeoutSeconds,
		SessionID:      sessionID,
	}
	if req.SourceIDs == nil {
		req.SourceIDs = e.defaults.SourceIDs
	}
	if req.RetrievalMode == "" {
		req.RetrievalMode = e.defaults.RetrievalMode
	}
	if req.TopK == 0 {
		req.TopK = e.defaults.TopK
	}
	if req.TimeoutSeconds == 0 {
		req.TimeoutSeconds = e.defaults.TimeoutSeconds
	}
	return req
}

// bindHandlers routes each decoded event into the store first, then to the
// observer. Appends carry the exchange's message ID, so trailing events of
// a superseded stream hit the stale-stream guard and vanish.
func (e *Engine) bindHandlers(ex Exchange, observer sdk.Handlers) sdk.Handlers {
	return sdk.Handlers{
		OnTextDelta: func(ev sdk.TextDelta) {
			e.store.AppendAssistantContent(ex.SessionID, ex.MessageID, ev.Content)
			if observer.OnTextDelta != nil {
				observer.OnTextDelta(ev)
			}
		},
		OnText: func(ev sdk.Text) {
			// Legacy framing: a non-delta text chunk replaces nothing, it
			// appends like a delta. Streams use one framing, never both.
			e.store.AppendAssistantContent(ex.SessionID, ex.MessageID, ev.Content)
			if observer.OnText != nil {
				observer.OnText(ev)
			}
		},
		OnStatus: func(ev sdk.Status) {
			if observer.OnStatus != nil {
				observer.OnStatus(ev)
			}
		},
		OnEntity: func(ev sdk.EntityEvent) {
			e.store.AppendAssistantEntity(ex.SessionID, ex.MessageID, ev.Entity)
			if observer.OnEntity != nil {
				observer.OnEntity(ev)
			}
		},
		OnEvidence: func(ev sdk.EvidenceEvent) {
			e.store.AppendAssistantEvidence(ex.SessionID, ex.MessageID, ev.Evidence)
			if observer.OnEvidence != nil {
				observer.OnEvidence(ev)
			}
		},
		OnMetadata: func(ev sdk.Metadata) {
			e.store.UpdateAssistantMetadata(ex.SessionID, ex.MessageID, metadataPatch(ev))
			if observer.OnMetadata != nil {
				observer.OnMetadata(ev)
			}
		},
		OnDone: func(ev sdk.Done) {
			e.store.FinalizeAssistantMessage(ex.SessionID, ex.MessageID, ev)
			e.store.ResetPending()
			if observer.OnDone != nil {
				observer.OnDone(ev)
			}
			e.settle(ex)
		},
		OnError: func(ev sdk.ErrorEvent) {
			e.registerFailure(context.Background(), failureReason(ev))
			if observer.OnError != nil {
				observer.OnError(ev)
			}
			e.settle(ex)
		},
		OnDecodeError: func(eventType, data string, err error) {
			e.logger.Warn("console: dropped malformed stream event",
				"event_type", eventType,
				"error", err,
			)
			if observer.OnDecodeError != nil {
				observer.OnDecodeError(eventType, data, err)
			}
		},
	}
}

func (e *Engine) registerFailure(ctx context.Context, reason string) {
	e.store.RegisterFailure(reason)
	e.store.ResetPending()
	e.failures.Add(ctx, 1)
	e.logger.Warn("console: exchange failed", "reason", reason)
}

// failureReason keeps the code visible so the UI can recognize a timeout
// and suggest narrowing the question.
func failureReason(ev sdk.ErrorEvent) string {
	if ev.Code != "" && !strings.HasPrefix(ev.Message, ev.Code) {
		return ev.Code + ": " + ev.Message
	}
	if ev.Message == "" {
		return "query failed"
	}
	return ev.Message
}

func metadataPatch(ev sdk.Metadata) conversation.MetadataPatch {
	patch := conversation.MetadataPatch{
		ConfidenceScore: ev.ConfidenceScore,
		SourcesQueried:  ev.SourcesQueried,
		RetrievalMode:   ev.RetrievalMode,
	}
	if ev.ExecutionTimeMs != 0 {
		ms := ev.ExecutionTimeMs
		patch.ProcessingTimeMs = &ms
	}
	if ev.FromCache {
		fromCache := true
		patch.FromCache = &fromCache
	}
	return patch
}

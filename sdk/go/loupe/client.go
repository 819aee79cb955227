package loupe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the retrieval backend (e.g. "http://localhost:8080").
	BaseURL string

	// ClientID identifies this consumer for authentication.
	ClientID string

	// APIKey is the secret used to obtain a bearer token.
	APIKey string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// is used. The client must not set a global Timeout; streaming responses
	// stay open for the full answer; per-query deadlines come from
	// QueryRequest.TimeoutSeconds.
	HTTPClient *http.Client
}

// Client streams answers from the retrieval backend's query endpoint.
//
// At most one query is in flight per Client: issuing a new Query implicitly
// cancels the previous one first, and the superseded query's handlers are
// never invoked again. Client is safe for concurrent use.
type Client struct {
	baseURL  string
	client   *http.Client
	tokenMgr *tokenManager

	mu      sync.Mutex
	current *inflight
}

// NewClient creates a Client from the given configuration.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("loupe: BaseURL is required")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("loupe: ClientID is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("loupe: APIKey is required")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	return &Client{
		baseURL:  baseURL,
		client:   httpClient,
		tokenMgr: newTokenManager(baseURL, cfg.ClientID, cfg.APIKey, httpClient),
	}, nil
}

// Query opens a streaming request and dispatches decoded events to h in
// arrival order. It returns as soon as the request is launched; progress is
// push-driven through the handlers. The returned CancelFunc aborts the
// stream (idempotent, no-op after completion).
//
// If QueryRequest.TimeoutSeconds is positive and no terminal event arrives
// within it, the transport is aborted and an ErrorEvent{Code: "TIMEOUT"} is
// synthesized. Transport failures before any terminal event surface as a
// single synthesized ErrorEvent; no partial events follow them.
func (c *Client) Query(ctx context.Context, req QueryRequest, h Handlers) (CancelFunc, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("loupe: marshal query request: %w", err)
	}

	var qctx context.Context
	var cancel context.CancelFunc
	if req.TimeoutSeconds > 0 {
		qctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutSeconds)*time.Second)
	} else {
		qctx, cancel = context.WithCancel(ctx)
	}

	q := &inflight{cancel: cancel}

	// Single-flight: supersede the previous query before starting. Its
	// handlers are suppressed from this point on, even if its transport
	// has not physically closed yet.
	c.mu.Lock()
	if prev := c.current; prev != nil {
		prev.stopped.Store(true)
		prev.cancel()
	}
	c.current = q
	c.mu.Unlock()

	go c.run(qctx, q, body, h)

	return func() {
		q.stopped.Store(true)
		q.cancel()
	}, nil
}

// Cancel aborts the current in-flight query, if any. Idempotent.
func (c *Client) Cancel() {
	c.mu.Lock()
	q := c.current
	c.mu.Unlock()
	if q != nil {
		q.stopped.Store(true)
		q.cancel()
	}
}

// inflight tracks one query's dispatch state. stopped suppresses all
// further handler invocations (user cancel or supersession); terminalFired
// guarantees the combined OnDone/OnError fires at most once.
type inflight struct {
	cancel        context.CancelFunc
	stopped       atomic.Bool
	terminalFired atomic.Bool
}

// dispatch routes one event to its handler, enforcing the suppression and
// single-terminal invariants. A nil handler drops the event silently.
func (q *inflight) dispatch(ev StreamEvent, h Handlers) {
	if q.stopped.Load() {
		return
	}
	if IsTerminal(ev) {
		if !q.terminalFired.CompareAndSwap(false, true) {
			return
		}
	} else if q.terminalFired.Load() {
		return
	}

	switch ev := ev.(type) {
	case TextDelta:
		if h.OnTextDelta != nil {
			h.OnTextDelta(ev)
		}
	case Text:
		if h.OnText != nil {
			h.OnText(ev)
		}
	case Status:
		if h.OnStatus != nil {
			h.OnStatus(ev)
		}
	case EntityEvent:
		if h.OnEntity != nil {
			h.OnEntity(ev)
		}
	case EvidenceEvent:
		if h.OnEvidence != nil {
			h.OnEvidence(ev)
		}
	case Metadata:
		if h.OnMetadata != nil {
			h.OnMetadata(ev)
		}
	case Done:
		if h.OnDone != nil {
			h.OnDone(ev)
		}
	case ErrorEvent:
		if h.OnError != nil {
			h.OnError(ev)
		}
	}
}

// fail synthesizes the terminal ErrorEvent for a client-side failure.
func (q *inflight) fail(h Handlers, code, message string) {
	q.dispatch(ErrorEvent{Code: code, Message: message}, h)
}

// failFromContext translates a transport abort into the right synthesized
// event: nothing when the user cancelled, TIMEOUT when the deadline passed,
// a transport error otherwise.
func (q *inflight) failFromContext(ctx context.Context, h Handlers, err error) {
	if q.stopped.Load() {
		return
	}
	if ctx.Err() == context.DeadlineExceeded {
		q.fail(h, ErrCodeTimeout, "query timed out before an answer completed; try narrowing the question or selecting fewer sources")
		return
	}
	q.fail(h, ErrCodeTransport, fmt.Sprintf("query stream failed: %v", err))
}

func (c *Client) run(ctx context.Context, q *inflight, body []byte, h Handlers) {
	defer q.cancel()

	resp, err := c.open(ctx, body)
	if err != nil {
		q.failFromContext(ctx, h, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		q.fail(h, ErrCodeTransport, fmt.Sprintf("query endpoint returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail))))
		return
	}

	dec := NewDecoder(h.OnDecodeError)
	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			for _, ev := range dec.Feed(string(buf[:n])) {
				q.dispatch(ev, h)
				if IsTerminal(ev) {
					return
				}
			}
		}
		if err == io.EOF {
			for _, ev := range dec.Flush() {
				q.dispatch(ev, h)
				if IsTerminal(ev) {
					return
				}
			}
			if !q.terminalFired.Load() {
				q.fail(h, ErrCodeTransport, "stream ended without a terminal event")
			}
			return
		}
		if err != nil {
			q.failFromContext(ctx, h, err)
			return
		}
	}
}

// open issues the streaming POST, re-authenticating once on 401.
func (c *Client) open(ctx context.Context, body []byte) (*http.Response, error) {
	resp, err := c.doStream(ctx, body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		_ = resp.Body.Close()
		c.tokenMgr.invalidate()
		return c.doStream(ctx, body)
	}
	return resp, nil
}

func (c *Client) doStream(ctx context.Context, body []byte) (*http.Response, error) {
	token, err := c.tokenMgr.getToken(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/query/stream", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("loupe: create query request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("loupe: POST /v1/query/stream: %w", err)
	}
	return resp, nil
}

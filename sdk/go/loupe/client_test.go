package loupe

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// mockBackend serves the auth endpoint plus a caller-supplied stream handler.
type mockBackend struct {
	server      *httptest.Server
	authCalls   atomic.Int64
	streamCalls atomic.Int64
}

func newMockBackend(t *testing.T, stream http.HandlerFunc) *mockBackend {
	t.Helper()
	b := &mockBackend{}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/token", func(w http.ResponseWriter, r *http.Request) {
		b.authCalls.Add(1)
		var req authRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if req.ClientID != "client-1" || req.APIKey != "secret" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"data":{"token":"tok-%d","expires_at":%q}}`,
			b.authCalls.Load(), time.Now().Add(time.Hour).Format(time.RFC3339))
	})
	mux.HandleFunc("POST /v1/query/stream", func(w http.ResponseWriter, r *http.Request) {
		b.streamCalls.Add(1)
		stream(w, r)
	})

	b.server = httptest.NewServer(mux)
	t.Cleanup(b.server.Close)
	return b
}

func (b *mockBackend) newClient(t *testing.T) *Client {
	t.Helper()
	c, err := NewClient(Config{BaseURL: b.server.URL, ClientID: "client-1", APIKey: "secret"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func writeSSE(w http.ResponseWriter, eventType, data string) {
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, data)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

func TestNewClientValidation(t *testing.T) {
	cases := []Config{
		{ClientID: "c", APIKey: "k"},
		{BaseURL: "http://x", APIKey: "k"},
		{BaseURL: "http://x", ClientID: "c"},
	}
	for _, cfg := range cases {
		if _, err := NewClient(cfg); err == nil {
			t.Errorf("NewClient(%+v) accepted incomplete config", cfg)
		}
	}
}

func TestQueryDeliversEventsInOrder(t *testing.T) {
	backend := newMockBackend(t, func(w http.ResponseWriter, r *http.Request) {
		var req QueryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if req.Question != "where is rate limiting enforced?" || req.TopK != 5 {
			http.Error(w, "unexpected body", http.StatusBadRequest)
			return
		}
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			http.Error(w, "missing token", http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		writeSSE(w, "status", `{"stage":"retrieving"}`)
		writeSSE(w, "text_delta", `{"content":"In the "}`)
		writeSSE(w, "text_delta", `{"content":"gateway."}`)
		writeSSE(w, "done", `{"queryId":"q-77"}`)
	})
	client := backend.newClient(t)

	var order []string
	doneCh := make(chan Done, 1)
	_, err := client.Query(context.Background(), QueryRequest{
		Question:      "where is rate limiting enforced?",
		SourceIDs:     []string{"src-1"},
		RetrievalMode: ModeHybrid,
		TopK:          5,
	}, Handlers{
		OnStatus:    func(ev Status) { order = append(order, "status:"+ev.Stage) },
		OnTextDelta: func(ev TextDelta) { order = append(order, "delta:"+ev.Content) },
		OnDone: func(ev Done) {
			order = append(order, "done")
			doneCh <- ev
		},
		OnError: func(ev ErrorEvent) { t.Errorf("unexpected error event: %+v", ev) },
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}

	select {
	case done := <-doneCh:
		if done.QueryID != "q-77" {
			t.Errorf("done.QueryID = %q, want q-77", done.QueryID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for done event")
	}

	want := []string{"status:retrieving", "delta:In the ", "delta:gateway.", "done"}
	if strings.Join(order, "|") != strings.Join(want, "|") {
		t.Errorf("event order = %v, want %v", order, want)
	}
	if got := backend.authCalls.Load(); got != 1 {
		t.Errorf("auth called %d times, want 1", got)
	}
}

func TestQueryTimeoutSynthesizesErrorEvent(t *testing.T) {
	backend := newMockBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		writeSSE(w, "status", `{"stage":"retrieving"}`)
		<-r.Context().Done()
	})
	client := backend.newClient(t)

	errCh := make(chan ErrorEvent, 1)
	var terminals atomic.Int64
	_, err := client.Query(context.Background(), QueryRequest{
		Question:       "q",
		TimeoutSeconds: 1,
	}, Handlers{
		OnDone: func(Done) {
			terminals.Add(1)
			t.Error("unexpected done on a timed-out query")
		},
		OnError: func(ev ErrorEvent) {
			terminals.Add(1)
			errCh <- ev
		},
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}

	select {
	case ev := <-errCh:
		if ev.Code != ErrCodeTimeout {
			t.Errorf("error code = %q, want %q", ev.Code, ErrCodeTimeout)
		}
		if ev.Message == "" {
			t.Error("timeout error has no message")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no error event after deadline")
	}

	time.Sleep(100 * time.Millisecond)
	if got := terminals.Load(); got != 1 {
		t.Errorf("terminal handlers fired %d times, want 1", got)
	}
}

func TestCancelIsIdempotentAndSilent(t *testing.T) {
	started := make(chan struct{})
	backend := newMockBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		writeSSE(w, "status", `{"stage":"retrieving"}`)
		close(started)
		<-r.Context().Done()
	})
	client := backend.newClient(t)

	var terminals atomic.Int64
	cancel, err := client.Query(context.Background(), QueryRequest{Question: "q"}, Handlers{
		OnDone:  func(Done) { terminals.Add(1) },
		OnError: func(ErrorEvent) { terminals.Add(1) },
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("stream never started")
	}

	cancel()
	cancel()
	client.Cancel()

	time.Sleep(200 * time.Millisecond)
	if got := terminals.Load(); got != 0 {
		t.Errorf("cancel fired %d terminal handlers, want 0", got)
	}
}

func TestQuerySupersedesPrevious(t *testing.T) {
	firstStarted := make(chan struct{})
	backend := newMockBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		var req QueryRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Question == "first" {
			writeSSE(w, "text_delta", `{"content":"partial"}`)
			close(firstStarted)
			<-r.Context().Done()
			return
		}
		writeSSE(w, "done", `{"queryId":"q-second"}`)
	})
	client := backend.newClient(t)

	var firstEvents atomic.Int64
	_, err := client.Query(context.Background(), QueryRequest{Question: "first"}, Handlers{
		OnTextDelta: func(TextDelta) { firstEvents.Add(1) },
		OnDone:      func(Done) { t.Error("superseded query fired done") },
		OnError:     func(ErrorEvent) { t.Error("superseded query fired error") },
	})
	if err != nil {
		t.Fatalf("first Query: %v", err)
	}

	select {
	case <-firstStarted:
	case <-time.After(5 * time.Second):
		t.Fatal("first stream never started")
	}

	doneCh := make(chan Done, 1)
	_, err = client.Query(context.Background(), QueryRequest{Question: "second"}, Handlers{
		OnDone: func(ev Done) { doneCh <- ev },
	})
	if err != nil {
		t.Fatalf("second Query: %v", err)
	}

	select {
	case done := <-doneCh:
		if done.QueryID != "q-second" {
			t.Errorf("done.QueryID = %q, want q-second", done.QueryID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("second query never completed")
	}

	// The superseded query must stay silent from the moment the second
	// query was issued, even while its transport winds down.
	time.Sleep(200 * time.Millisecond)
	if got := firstEvents.Load(); got > 1 {
		t.Errorf("first query delivered %d events after supersession checkpoint", got)
	}
}

func TestQueryReauthenticatesOn401(t *testing.T) {
	var calls atomic.Int64
	backend := newMockBackend(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "token expired", http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		writeSSE(w, "done", `{"queryId":"q-re"}`)
	})
	client := backend.newClient(t)

	doneCh := make(chan Done, 1)
	_, err := client.Query(context.Background(), QueryRequest{Question: "q"}, Handlers{
		OnDone:  func(ev Done) { doneCh <- ev },
		OnError: func(ev ErrorEvent) { t.Errorf("unexpected error event: %+v", ev) },
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}

	select {
	case <-doneCh:
	case <-time.After(5 * time.Second):
		t.Fatal("query never completed after re-auth")
	}

	if got := calls.Load(); got != 2 {
		t.Errorf("stream endpoint called %d times, want 2", got)
	}
	if got := backend.authCalls.Load(); got != 2 {
		t.Errorf("auth called %d times, want 2", got)
	}
}

func TestQueryNon200SynthesizesTransportError(t *testing.T) {
	backend := newMockBackend(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "backend unavailable", http.StatusServiceUnavailable)
	})
	client := backend.newClient(t)

	errCh := make(chan ErrorEvent, 1)
	_, err := client.Query(context.Background(), QueryRequest{Question: "q"}, Handlers{
		OnError: func(ev ErrorEvent) { errCh <- ev },
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}

	select {
	case ev := <-errCh:
		if ev.Code != ErrCodeTransport {
			t.Errorf("error code = %q, want %q", ev.Code, ErrCodeTransport)
		}
		if !strings.Contains(ev.Message, "503") || !strings.Contains(ev.Message, "backend unavailable") {
			t.Errorf("error message lacks status detail: %q", ev.Message)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no error event for non-200 response")
	}
}

func TestQueryStreamEndsWithoutTerminal(t *testing.T) {
	backend := newMockBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		writeSSE(w, "text_delta", `{"content":"half an ans"}`)
	})
	client := backend.newClient(t)

	errCh := make(chan ErrorEvent, 1)
	_, err := client.Query(context.Background(), QueryRequest{Question: "q"}, Handlers{
		OnError: func(ev ErrorEvent) { errCh <- ev },
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}

	select {
	case ev := <-errCh:
		if ev.Code != ErrCodeTransport {
			t.Errorf("error code = %q, want %q", ev.Code, ErrCodeTransport)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no error event for truncated stream")
	}
}

func TestQueryIgnoresEventsAfterTerminal(t *testing.T) {
	backend := newMockBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		writeSSE(w, "done", `{"queryId":"q-1"}`)
		writeSSE(w, "text_delta", `{"content":"late"}`)
	})
	client := backend.newClient(t)

	doneCh := make(chan struct{}, 1)
	var lateDeltas atomic.Int64
	_, err := client.Query(context.Background(), QueryRequest{Question: "q"}, Handlers{
		OnTextDelta: func(TextDelta) { lateDeltas.Add(1) },
		OnDone:      func(Done) { doneCh <- struct{}{} },
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}

	select {
	case <-doneCh:
	case <-time.After(5 * time.Second):
		t.Fatal("query never completed")
	}

	time.Sleep(100 * time.Millisecond)
	if got := lateDeltas.Load(); got != 0 {
		t.Errorf("delivered %d deltas after the terminal event", got)
	}
}

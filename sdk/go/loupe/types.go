package loupe

// RetrievalMode selects the backend retrieval strategy for a query.
type RetrievalMode string

const (
	ModeGraph  RetrievalMode = "graph"
	ModeVector RetrievalMode = "vector"
	ModeHybrid RetrievalMode = "hybrid"
)

// QueryRequest is the wire body for POST /v1/query/stream.
type QueryRequest struct {
	Question       string        `json:"question"`
	SourceIDs      []string      `json:"source_ids"`
	RetrievalMode  RetrievalMode `json:"retrieval_mode"`
	TopK           int           `json:"top_k"`
	TimeoutSeconds int           `json:"timeout"`
	SessionID      string        `json:"session_id,omitempty"`
}

// Handlers receives decoded events in arrival order. A nil handler silently
// drops events of that type; it never fails the stream. Exactly one of
// OnDone/OnError fires per Query call, unless the query is cancelled first.
type Handlers struct {
	OnTextDelta func(TextDelta)
	OnText      func(Text)
	OnStatus    func(Status)
	OnEntity    func(EntityEvent)
	OnEvidence  func(EvidenceEvent)
	OnMetadata  func(Metadata)
	OnDone      func(Done)
	OnError     func(ErrorEvent)

	// OnDecodeError receives diagnostics for dropped records (unknown event
	// types, malformed payloads). The stream continues regardless.
	OnDecodeError DecodeErrorFunc
}

// CancelFunc aborts an in-flight query. It is idempotent and safe to call
// after the query has completed (a no-op then). Cancelling synthesizes no
// events; the caller marks its own state as aborted.
type CancelFunc func()

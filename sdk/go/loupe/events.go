package loupe

import (
	"encoding/json"
	"fmt"
)

// StreamEvent is one decoded unit of a streamed answer. It is a closed sum:
// the concrete types below are the only implementations, so a type switch
// over a StreamEvent is exhaustive.
type StreamEvent interface {
	streamEvent()
}

// TextDelta is an incremental piece of answer text. Deltas for one message
// arrive in order and are concatenated by the consumer.
type TextDelta struct {
	Content string `json:"content"`
}

// Text is the legacy text framing: either a whole chunk or, when Delta is
// true, a partial one. The backend emits either TextDelta or Text for a
// given stream, never both.
type Text struct {
	Content string `json:"content"`
	Delta   bool   `json:"delta,omitempty"`
}

// Status reports backend progress (e.g. "retrieving", "generating") while
// the answer is being produced.
type Status struct {
	Stage   string `json:"stage"`
	Message string `json:"message,omitempty"`
}

// Entity is a structured reference surfaced as relevant to the answer.
type Entity struct {
	Type       string `json:"type"` // file | commit | module | person
	Name       string `json:"name"`
	Importance string `json:"importance"` // high | medium | low
	Detail     string `json:"detail,omitempty"`
	Link       string `json:"link,omitempty"`
	Author     string `json:"author,omitempty"`
}

// EntityEvent carries one Entity. Duplicates are delivered as-is; the
// consumer decides whether to deduplicate.
type EntityEvent struct {
	Entity Entity `json:"entity"`
}

// Evidence is a citation anchor: a source snippet backing part of the
// answer. Arrival order defines citation numbering.
type Evidence struct {
	ID         string   `json:"id"`
	Index      int      `json:"index"`
	Snippet    string   `json:"snippet"`
	Repo       string   `json:"repo,omitempty"`
	Branch     string   `json:"branch,omitempty"`
	FilePath   string   `json:"filePath,omitempty"`
	StartLine  int      `json:"startLine,omitempty"`
	EndLine    int      `json:"endLine,omitempty"`
	SourceType string   `json:"sourceType,omitempty"`
	Score      *float64 `json:"score,omitempty"`
	Link       string   `json:"link,omitempty"`
}

// EvidenceEvent carries one Evidence citation.
type EvidenceEvent struct {
	Evidence Evidence `json:"evidence"`
}

// Metadata refines execution details as they become known. Repeated
// metadata events overwrite earlier values key by key.
type Metadata struct {
	ExecutionTimeMs int64    `json:"executionTimeMs,omitempty"`
	SourcesQueried  []string `json:"sourcesQueried,omitempty"`
	ConfidenceScore *float64 `json:"confidenceScore,omitempty"`
	RetrievalMode   string   `json:"retrievalMode,omitempty"`
	FromCache       bool     `json:"fromCache,omitempty"`
}

// Done is the successful terminal event of a request.
type Done struct {
	QueryID          string   `json:"queryId"`
	Summary          string   `json:"summary,omitempty"`
	NextActions      []string `json:"nextActions,omitempty"`
	ConfidenceScore  *float64 `json:"confidenceScore,omitempty"`
	SourcesQueried   []string `json:"sourcesQueried,omitempty"`
	ProcessingTimeMs *int64   `json:"processingTimeMs,omitempty"`
}

// ErrorEvent is the failing terminal event of a request. It is also
// synthesized client-side for transport failures and timeouts.
type ErrorEvent struct {
	Message string          `json:"message"`
	Code    string          `json:"code,omitempty"`
	Details json.RawMessage `json:"details,omitempty"`
}

func (TextDelta) streamEvent() {}
func (Text) streamEvent() {}
func (Status) streamEvent() {}
func (EntityEvent) streamEvent() {}
func (EvidenceEvent) streamEvent() {}
func (Metadata) streamEvent() {}
func (Done) streamEvent() {}
func (ErrorEvent) streamEvent() {}

// IsTerminal reports whether ev ends a request. Exactly one terminal event
// occurs per request.
func IsTerminal(ev StreamEvent) bool {
	switch ev.(type) {
	case Done, ErrorEvent:
		return true
	default:
		return false
	}
}

// Error codes attached to client-synthesized ErrorEvents.
const (
	// ErrCodeTimeout marks an ErrorEvent synthesized when no terminal event
	// arrived before the configured deadline.
	ErrCodeTimeout = "TIMEOUT"
	// ErrCodeTransport marks an ErrorEvent synthesized for a connection or
	// HTTP-level failure before any terminal event.
	ErrCodeTransport = "TRANSPORT"
)

// Wire-level event type names, as they appear in the "event:" field.
const (
	eventTypeTextDelta = "text_delta"
	eventTypeText      = "text"
	eventTypeStatus    = "status"
	eventTypeEntity    = "entity"
	eventTypeEvidence  = "evidence"
	eventTypeMetadata  = "metadata"
	eventTypeDone      = "done"
	eventTypeError     = "error"
)

// unmarshalEvent decodes one framed record into a typed StreamEvent.
// An unrecognized event type is an error; the decoder drops the record
// with a diagnostic rather than failing the stream.
func unmarshalEvent(eventType string, data []byte) (StreamEvent, error) {
	switch eventType {
	case eventTypeTextDelta:
		var ev TextDelta
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("loupe: decode %s: %w", eventType, err)
		}
		return ev, nil
	case eventTypeText:
		var ev Text
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("loupe: decode %s: %w", eventType, err)
		}
		return ev, nil
	case eventTypeStatus:
		var ev Status
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("loupe: decode %s: %w", eventType, err)
		}
		return ev, nil
	case eventTypeEntity:
		var ev EntityEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("loupe: decode %s: %w", eventType, err)
		}
		return ev, nil
	case eventTypeEvidence:
		var ev EvidenceEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("loupe: decode %s: %w", eventType, err)
		}
		return ev, nil
	case eventTypeMetadata:
		var ev Metadata
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("loupe: decode %s: %w", eventType, err)
		}
		return ev, nil
	case eventTypeDone:
		var ev Done
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("loupe: decode %s: %w", eventType, err)
		}
		return ev, nil
	case eventTypeError:
		var ev ErrorEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("loupe: decode %s: %w", eventType, err)
		}
		return ev, nil
	default:
		return nil, fmt.Errorf("loupe: unknown event type %q", eventType)
	}
}

// Package conversation holds session transcripts and the assistant-message
// state machine that assembles streamed answers.
package conversation

import (
	"time"

	sdk "github.com/loupe-ai/loupe/sdk/go/loupe"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Status is the lifecycle state of an assistant message. User messages are
// frozen at creation and always Completed.
type Status string

const (
	// StatusStreaming means the answer is still being assembled from events.
	StatusStreaming Status = "streaming"
	// StatusCompleted is the only successful exit from streaming.
	StatusCompleted Status = "completed"
	// StatusFailed marks an exchange that ended in cancel, timeout or a
	// backend error. Failed messages stay in the transcript.
	StatusFailed Status = "failed"
)

// Metadata carries execution details for one answer. Values refine across
// the stream; later updates overwrite earlier ones key by key.
type Metadata struct {
	ConfidenceScore  *float64 `json:"confidence_score,omitempty"`
	ProcessingTimeMs *int64   `json:"processing_time_ms,omitempty"`
	SourcesQueried   []string `json:"sources_queried,omitempty"`
	RetrievalMode    string   `json:"retrieval_mode,omitempty"`
	FromCache        *bool    `json:"from_cache,omitempty"`
}

// MetadataPatch is a partial metadata update. Nil fields are left untouched.
type MetadataPatch struct {
	ConfidenceScore  *float64
	ProcessingTimeMs *int64
	SourcesQueried   []string
	RetrievalMode    string
	FromCache        *bool
}

// Message is one transcript entry. Assistant messages are mutable only
// while Status is StatusStreaming; everything else is frozen.
type Message struct {
	ID          string         `json:"id"`
	Role        Role           `json:"role"`
	Content     string         `json:"content"`
	CreatedAt   time.Time      `json:"created_at"`
	Status      Status         `json:"status"`
	Error       string         `json:"error,omitempty"`
	Entities    []sdk.Entity   `json:"entities,omitempty"`
	Evidence    []sdk.Evidence `json:"evidence,omitempty"`
	Metadata    Metadata       `json:"metadata"`
	NextActions []string       `json:"next_actions,omitempty"`
	QueryID     string         `json:"query_id,omitempty"`
}

// Session is one conversation thread. Sessions list in insertion order;
// UpdatedAt moves on every transcript mutation so callers can sort by
// recency.
type Session struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Messages  []Message `json:"messages"`
}

func cloneMessage(m *Message) Message {
	out := *m
	if m.Entities != nil {
		out.Entities = append([]sdk.Entity(nil), m.Entities...)
	}
	if m.Evidence != nil {
		out.Evidence = append([]sdk.Evidence(nil), m.Evidence...)
	}
	if m.Metadata.SourcesQueried != nil {
		out.Metadata.SourcesQueried = append([]string(nil), m.Metadata.SourcesQueried...)
	}
	if m.NextActions != nil {
		out.NextActions = append([]string(nil), m.NextActions...)
	}
	return out
}

package conversation

import (
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	sdk "github.com/loupe-ai/loupe/sdk/go/loupe"
)

// maxTitleRunes bounds session titles derived from the first question.
const maxTitleRunes = 64

// ErrSessionNotFound is returned when an operation targets a session that
// was deleted or never created.
var ErrSessionNotFound = fmt.Errorf("conversation: session not found")

// Store is the single source of truth for sessions and transcripts. All
// mutation goes through its methods; readers get defensive copies. The
// mutex keeps the single-writer discipline even when events arrive from a
// stream goroutine while HTTP handlers read snapshots.
type Store struct {
	mu       sync.Mutex
	sessions []*sessionState
	byID     map[string]*sessionState
	activeID string

	// Transient in-flight bookkeeping, cleared by ResetPending.
	pendingSessionID string
	pendingMessageID string

	// bannerErr records failures that could not be attached to a streaming
	// message (e.g. a transport error after finalize).
	bannerErr string

	now func() time.Time
}

type sessionState struct {
	id        string
	title     string
	createdAt time.Time
	updatedAt time.Time
	messages  []*Message
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		byID: make(map[string]*sessionState),
		now:  time.Now,
	}
}

// QueueUserMessage appends a frozen user message to the target session,
// creating and activating a new session when sessionID is empty or unknown.
// It returns the resolved session and message IDs. The text is stored
// as given; whitespace-only submissions are rejected by the caller, not
// here.
func (s *Store) QueueUserMessage(sessionID, text string) (resolvedSessionID, messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.byID[sessionID]
	if !ok {
		sess = s.createSessionLocked()
	}
	if sess.title == "" {
		sess.title = deriveTitle(text)
	}
	s.activeID = sess.id

	msg := &Message{
		ID:        uuid.New().String(),
		Role:      RoleUser,
		Content:   text,
		CreatedAt: s.now(),
		Status:    StatusCompleted,
	}
	sess.messages = append(sess.messages, msg)
	sess.updatedAt = msg.CreatedAt

	s.pendingSessionID = sess.id
	s.pendingMessageID = ""
	return sess.id, msg.ID
}

// BeginAssistantMessage appends an empty streaming assistant message and
// returns its ID. It fails when the session no longer exists; callers treat
// that as a fatal setup error rather than retrying.
func (s *Store) BeginAssistantMessage(sessionID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.byID[sessionID]
	if !ok {
		return "", ErrSessionNotFound
	}

	msg := &Message{
		ID:        uuid.New().String(),
		Role:      RoleAssistant,
		CreatedAt: s.now(),
		Status:    StatusStreaming,
	}
	sess.messages = append(sess.messages, msg)
	sess.updatedAt = msg.CreatedAt

	s.pendingSessionID = sessionID
	s.pendingMessageID = msg.ID
	return msg.ID, nil
}

// AppendAssistantContent appends answer text to a streaming message. A late
// append after finalization is a no-op, which absorbs trailing events from
// a superseded stream.
func (s *Store) AppendAssistantContent(sessionID, messageID, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg := s.streamingMessageLocked(sessionID, messageID); msg != nil {
		msg.Content += content
	}
}

// AppendAssistantEntity records a referenced entity. Duplicates are kept;
// deduplication is a presentation concern.
func (s *Store) AppendAssistantEntity(sessionID, messageID string, entity sdk.Entity) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg := s.streamingMessageLocked(sessionID, messageID); msg != nil {
		msg.Entities = append(msg.Entities, entity)
	}
}

// AppendAssistantEvidence records a citation. Arrival order defines the
// citation numbering, so evidence is never re-sorted.
func (s *Store) AppendAssistantEvidence(sessionID, messageID string, evidence sdk.Evidence) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg := s.streamingMessageLocked(sessionID, messageID); msg != nil {
		msg.Evidence = append(msg.Evidence, evidence)
	}
}

// UpdateAssistantMetadata shallow-merges the patch into the message's
// metadata. Repeated calls overwrite the same keys; last write wins.
func (s *Store) UpdateAssistantMetadata(sessionID, messageID string, patch MetadataPatch) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg := s.streamingMessageLocked(sessionID, messageID)
	if msg == nil {
		return
	}
	if patch.ConfidenceScore != nil {
		msg.Metadata.ConfidenceScore = patch.ConfidenceScore
	}
	if patch.ProcessingTimeMs != nil {
		msg.Metadata.ProcessingTimeMs = patch.ProcessingTimeMs
	}
	if patch.SourcesQueried != nil {
		msg.Metadata.SourcesQueried = append([]string(nil), patch.SourcesQueried...)
	}
	if patch.RetrievalMode != "" {
		msg.Metadata.RetrievalMode = patch.RetrievalMode
	}
	if patch.FromCache != nil {
		msg.Metadata.FromCache = patch.FromCache
	}
}

// FinalizeAssistantMessage completes a streaming message from the terminal
// done event. It is the only successful exit from the streaming state and
// is at most once per message; later calls and calls against an already
// terminal message are no-ops.
func (s *Store) FinalizeAssistantMessage(sessionID, messageID string, done sdk.Done) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg := s.streamingMessageLocked(sessionID, messageID)
	if msg == nil {
		return
	}
	msg.Status = StatusCompleted
	msg.QueryID = done.QueryID
	if done.Summary != "" && msg.Content == "" {
		msg.Content = done.Summary
	}
	if done.NextActions != nil {
		msg.NextActions = append([]string(nil), done.NextActions...)
	}
	if done.ConfidenceScore != nil {
		msg.Metadata.ConfidenceScore = done.ConfidenceScore
	}
	if done.SourcesQueried != nil {
		msg.Metadata.SourcesQueried = append([]string(nil), done.SourcesQueried...)
	}
	if done.ProcessingTimeMs != nil {
		msg.Metadata.ProcessingTimeMs = done.ProcessingTimeMs
	}
	s.byID[sessionID].updatedAt = s.now()
}

// RegisterFailure is the single convergence point for cancel, timeout,
// transport and backend errors. When the active session has a streaming
// message it is marked failed with the given reason; otherwise the reason
// is recorded as a session-independent banner error.
func (s *Store) RegisterFailure(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.byID[s.activeID]; ok {
		for i := len(sess.messages) - 1; i >= 0; i-- {
			msg := sess.messages[i]
			if msg.Role == RoleAssistant && msg.Status == StatusStreaming {
				msg.Status = StatusFailed
				msg.Error = reason
				sess.updatedAt = s.now()
				return
			}
		}
	}
	s.bannerErr = reason
}

// RetryLastMessage returns the question text of the most recent failed
// exchange in the active session. It does not mutate history; the caller
// resubmits through the normal queue/begin path, leaving the failed
// message visible as a distinct entry.
func (s *Store) RetryLastMessage() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.byID[s.activeID]
	if !ok {
		return "", false
	}
	for i := len(sess.messages) - 1; i >= 0; i-- {
		if sess.messages[i].Role != RoleAssistant || sess.messages[i].Status != StatusFailed {
			continue
		}
		for j := i - 1; j >= 0; j-- {
			if sess.messages[j].Role == RoleUser {
				return sess.messages[j].Content, true
			}
		}
		return "", false
	}
	return "", false
}

// ResetPending clears the transient in-flight pointers after a completed
// exchange. Idempotent.
func (s *Store) ResetPending() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingSessionID = ""
	s.pendingMessageID = ""
}

// Pending returns the in-flight session and message IDs, empty when no
// exchange is pending.
func (s *Store) Pending() (sessionID, messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingSessionID, s.pendingMessageID
}

// CreateSession allocates a new empty session and makes it active.
func (s *Store) CreateSession() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.createSessionLocked()
	s.activeID = sess.id
	return sess.id
}

// SelectSession switches the active pointer without mutating content.
func (s *Store) SelectSession(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[id]; !ok {
		return ErrSessionNotFound
	}
	s.activeID = id
	return nil
}

// DeleteSession removes a session. Deleting the active session leaves no
// session active.
func (s *Store) DeleteSession(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[id]; !ok {
		return ErrSessionNotFound
	}
	delete(s.byID, id)
	for i, sess := range s.sessions {
		if sess.id == id {
			s.sessions = append(s.sessions[:i], s.sessions[i+1:]...)
			break
		}
	}
	if s.activeID == id {
		s.activeID = ""
	}
	if s.pendingSessionID == id {
		s.pendingSessionID = ""
		s.pendingMessageID = ""
	}
	return nil
}

// ActiveSessionID returns the active session's ID, empty when none.
func (s *Store) ActiveSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeID
}

// Sessions returns a snapshot of all sessions in insertion order.
func (s *Store) Sessions() []Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, snapshotLocked(sess))
	}
	return out
}

// Session returns a snapshot of one session.
func (s *Store) Session(id string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.byID[id]
	if !ok {
		return Session{}, false
	}
	return snapshotLocked(sess), true
}

// IsStreaming reports whether the active session has a message still
// assembling.
func (s *Store) IsStreaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.byID[s.activeID]
	if !ok {
		return false
	}
	for i := len(sess.messages) - 1; i >= 0; i-- {
		if sess.messages[i].Status == StatusStreaming {
			return true
		}
	}
	return false
}

// Err returns the current banner error, empty when none.
func (s *Store) Err() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bannerErr
}

// ClearErr dismisses the banner error.
func (s *Store) ClearErr() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bannerErr = ""
}

func (s *Store) createSessionLocked() *sessionState {
	sess := &sessionState{
		id: uuid.New().String(),
	}
	sess.createdAt = s.now()
	sess.updatedAt = sess.createdAt
	s.sessions = append(s.sessions, sess)
	s.byID[sess.id] = sess
	return sess
}

// streamingMessageLocked resolves the target message only while it is
// still streaming. Every mutator that must respect the stale-stream guard
// goes through here.
func (s *Store) streamingMessageLocked(sessionID, messageID string) *Message {
	sess, ok := s.byID[sessionID]
	if !ok {
		return nil
	}
	for _, msg := range sess.messages {
		if msg.ID == messageID {
			if msg.Role != RoleAssistant || msg.Status != StatusStreaming {
				return nil
			}
			return msg
		}
	}
	return nil
}

func snapshotLocked(sess *sessionState) Session {
	out := Session{
		ID:        sess.id,
		Title:     sess.title,
		CreatedAt: sess.createdAt,
		UpdatedAt: sess.updatedAt,
		Messages:  make([]Message, 0, len(sess.messages)),
	}
	for _, msg := range sess.messages {
		out.Messages = append(out.Messages, cloneMessage(msg))
	}
	return out
}

func deriveTitle(text string) string {
	title := strings.TrimSpace(text)
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = title[:i]
	}
	if utf8.RuneCountInString(title) > maxTitleRunes {
		runes := []rune(title)
		title = string(runes[:maxTitleRunes])
	}
	return title
}

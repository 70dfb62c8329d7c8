// internal/chat/session.go
// Package chat manages retrieval-augmented conversation sessions: the
// streaming engine driving one exchange at a time and the snapshot store that
// persists and restores per-session state across switches.
package chat

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/internal/backend"
	"github.com/loomworks/loom/internal/util"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// titleRunes bounds the derived session title length.
const titleRunes = 48

// Message is one entry of a session's log. Assistant messages start as an
// empty streaming placeholder and are mutated in place as deltas arrive.
type Message struct {
	ID          string
	Role        string
	Content     string
	CreatedAt   time.Time
	IsStreaming bool
}

// Session is one conversation's snapshot: message log, latest structured
// answer, and the source the user has selected in it.
type Session struct {
	ID               string
	Title            string
	Messages         []Message
	LatestResponse   *backend.ChatResponse
	SelectedSourceID string
}

// clone returns a deep enough copy that callers can mutate freely.
func (s Session) clone() Session {
	out := s
	out.Messages = append([]Message(nil), s.Messages...)
	if s.LatestResponse != nil {
		resp := *s.LatestResponse
		out.LatestResponse = &resp
	}
	return out
}

// DirectoryEntry summarizes one stored session for listing.
type DirectoryEntry struct {
	ID           string
	Title        string
	MessageCount int
	LastUpdated  time.Time
}

// Store holds session snapshots keyed by id. It is the source of truth for
// session state during a run; remote persistence, when configured, mirrors
// it.
type Store struct {
	mu        sync.Mutex
	snapshots map[string]Session
	directory map[string]DirectoryEntry
}

// NewStore creates an empty snapshot store.
func NewStore() *Store {
	return &Store{
		snapshots: make(map[string]Session),
		directory: make(map[string]DirectoryEntry),
	}
}

// Save snapshots the session and refreshes its directory entry's derived
// title, message count, and last-updated timestamp.
func (s *Store) Save(session Session) {
	if session.ID == "" {
		return
	}
	session.Title = DeriveTitle(session.Messages)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[session.ID] = session.clone()
	s.directory[session.ID] = DirectoryEntry{
		ID:           session.ID,
		Title:        session.Title,
		MessageCount: len(session.Messages),
		LastUpdated:  time.Now(),
	}
}

// Get returns the stored snapshot for the id, restored verbatim, or an empty
// snapshot if the id has never been saved.
func (s *Store) Get(id string) Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if snapshot, ok := s.snapshots[id]; ok {
		return snapshot.clone()
	}
	return Session{ID: id}
}

// Delete removes a session's snapshot and directory entry.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snapshots, id)
	delete(s.directory, id)
}

// Entries lists stored sessions, most recently updated first.
func (s *Store) Entries() []DirectoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := make([]DirectoryEntry, 0, len(s.directory))
	for _, entry := range s.directory {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].LastUpdated.After(entries[j].LastUpdated)
	})
	return entries
}

// NewSessionID generates a fresh collision-resistant session identifier.
func NewSessionID() string {
	return uuid.NewString()
}

// DeriveTitle builds a session title from the first user message's first
// line, truncated with an ellipsis.
func DeriveTitle(messages []Message) string {
	for _, message := range messages {
		if message.Role != RoleUser {
			continue
		}
		line := util.FirstLine(message.Content)
		if line == "" {
			continue
		}
		return util.TruncateRunes(line, titleRunes)
	}
	return "New session"
}

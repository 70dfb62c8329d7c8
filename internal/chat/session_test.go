// internal/chat/session_test.go
package chat

import (
	"strings"
	"testing"

	"github.com/loomworks/loom/internal/backend"
)

func TestStoreRoundTripIsVerbatim(t *testing.T) {
	store := NewStore()
	saved := Session{
		ID: "s1",
		Messages: []Message{
			{ID: "m1", Role: RoleUser, Content: "What is chunk overlap?"},
			{ID: "m2", Role: RoleAssistant, Content: "Overlap repeats trailing characters."},
		},
		LatestResponse:   &backend.ChatResponse{Answer: "Overlap repeats trailing characters."},
		SelectedSourceID: "src-3",
	}
	store.Save(saved)

	restored := store.Get("s1")
	if len(restored.Messages) != 2 || restored.Messages[1].Content != saved.Messages[1].Content {
		t.Fatalf("messages not restored verbatim: %+v", restored.Messages)
	}
	if restored.LatestResponse == nil || restored.LatestResponse.Answer != saved.LatestResponse.Answer {
		t.Fatalf("latest response not restored: %+v", restored.LatestResponse)
	}
	if restored.SelectedSourceID != "src-3" {
		t.Fatalf("selected source not restored: %q", restored.SelectedSourceID)
	}

	// Mutating the restored copy must not leak into the stored snapshot.
	restored.Messages[0].Content = "mutated"
	if store.Get("s1").Messages[0].Content != "What is chunk overlap?" {
		t.Fatal("store snapshot shares memory with returned copy")
	}
}

func TestStoreGetUnknownReturnsEmptySnapshot(t *testing.T) {
	store := NewStore()
	session := store.Get("never-seen")
	if session.ID != "never-seen" {
		t.Fatalf("expected id carried through, got %q", session.ID)
	}
	if len(session.Messages) != 0 || session.LatestResponse != nil || session.SelectedSourceID != "" {
		t.Fatalf("expected empty snapshot, got %+v", session)
	}
}

func TestStoreDirectoryEntries(t *testing.T) {
	store := NewStore()
	store.Save(Session{ID: "s1", Messages: []Message{
		{Role: RoleUser, Content: "first question"},
		{Role: RoleAssistant, Content: "answer"},
	}})
	store.Save(Session{ID: "s2", Messages: []Message{
		{Role: RoleUser, Content: "second question"},
	}})

	entries := store.Entries()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].ID != "s2" {
		t.Fatalf("expected most recent first, got %q", entries[0].ID)
	}
	if entries[0].Title != "second question" || entries[0].MessageCount != 1 {
		t.Fatalf("unexpected entry: %+v", entries[0])
	}

	store.Delete("s2")
	if entries := store.Entries(); len(entries) != 1 || entries[0].ID != "s1" {
		t.Fatalf("unexpected entries after delete: %+v", entries)
	}
}

func TestDeriveTitle(t *testing.T) {
	long := strings.Repeat("x", 60)
	title := DeriveTitle([]Message{
		{Role: RoleAssistant, Content: "ignored"},
		{Role: RoleUser, Content: long + "\nsecond line"},
	})
	if len([]rune(title)) != 49 || !strings.HasSuffix(title, "…") {
		t.Fatalf("expected 48 runes plus ellipsis, got %q (%d runes)", title, len([]rune(title)))
	}
	if !strings.HasPrefix(title, "xxxx") || strings.Contains(title, "second") {
		t.Fatalf("title must come from the first user line only: %q", title)
	}

	if got := DeriveTitle(nil); got != "New session" {
		t.Fatalf("expected fallback title, got %q", got)
	}
}

func TestNewSessionIDsAreUnique(t *testing.T) {
	if NewSessionID() == NewSessionID() {
		t.Fatal("expected collision-resistant ids")
	}
}

package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/d4r1us/aigw-go/internal/rag"
	"github.com/d4r1us/aigw-go/internal/upstream"
)

// sessionClock is a controllable clock for TTL tests.
type sessionClock struct {
	mu  sync.Mutex
	now time.Time
}

func newSessionClock() *sessionClock {
	return &sessionClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *sessionClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *sessionClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// stubRetriever replays a fixed retrieval result.
type stubRetriever struct {
	results []rag.Result
	err     error
	calls   int
}

func (s *stubRetriever) Retrieve(_ context.Context, _ string, _ rag.RetrieveOptions) ([]rag.Result, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.results, nil
}

// TestAddMessage_Dedup verifies two identical consecutive messages append
// once.
func TestAddMessage_Dedup(t *testing.T) {
	t.Parallel()

	s := NewStore(Config{})
	ctx := context.Background()

	added, err := s.AddMessage(ctx, "s1", RoleUser, "x", nil)
	if err != nil || !added {
		t.Fatalf("first add: added=%v err=%v", added, err)
	}
	added, err = s.AddMessage(ctx, "s1", RoleUser, "x", nil)
	if err != nil {
		t.Fatal(err)
	}
	if added {
		t.Error("duplicate must be suppressed")
	}
	if got := len(s.Messages("s1")); got != 1 {
		t.Errorf("expected 1 message, got %d", got)
	}

	// Different metadata means a different fingerprint.
	added, _ = s.AddMessage(ctx, "s1", RoleUser, "x", map[string]string{"k": "v"})
	if !added {
		t.Error("metadata change must defeat dedup")
	}
}

// TestAddMessage_UnknownRole rejects roles outside the fixed set.
func TestAddMessage_UnknownRole(t *testing.T) {
	t.Parallel()

	s := NewStore(Config{})
	if _, err := s.AddMessage(context.Background(), "s1", "wizard", "x", nil); err == nil {
		t.Fatal("expected rejection of unknown role")
	}
}

// TestRAGSnapshot verifies a user message refreshes the session's RAG
// context and retrieval failure does not block the message.
func TestRAGSnapshot(t *testing.T) {
	t.Parallel()

	retr := &stubRetriever{results: []rag.Result{{
		Document: rag.Document{
			ID:      "d1",
			Content: "func Pool() {}",
			Metadata: rag.Metadata{FilePath: "pool.go", Language: "go", Category: rag.CategorySource},
		},
		Score:     0.91,
		MatchType: rag.MatchSemantic,
	}}}
	s := NewStore(Config{RAG: retr})
	ctx := context.Background()

	if _, err := s.AddMessage(ctx, "s1", RoleUser, "how does the pool work", nil); err != nil {
		t.Fatal(err)
	}
	if retr.calls != 1 {
		t.Errorf("expected 1 retrieval, got %d", retr.calls)
	}

	h := s.FormattedHistory("s1")
	if !strings.Contains(h.Preamble, "pool.go") || !strings.Contains(h.Preamble, "```go") {
		t.Errorf("preamble missing formatted context:\n%s", h.Preamble)
	}
	if !strings.Contains(h.Preamble, "91% match") {
		t.Errorf("preamble missing similarity: %s", h.Preamble)
	}

	// Assistant messages must not trigger retrieval.
	if _, err := s.AddMessage(ctx, "s1", RoleAssistant, "it caps sockets", nil); err != nil {
		t.Fatal(err)
	}
	if retr.calls != 1 {
		t.Errorf("assistant message triggered retrieval: %d calls", retr.calls)
	}
}

// TestRAGFailureIgnored verifies the message still lands when retrieval
// errors.
func TestRAGFailureIgnored(t *testing.T) {
	t.Parallel()

	s := NewStore(Config{RAG: &stubRetriever{err: errors.New("down")}})
	added, err := s.AddMessage(context.Background(), "s1", RoleUser, "q", nil)
	if err != nil || !added {
		t.Fatalf("message must proceed without context: added=%v err=%v", added, err)
	}
}

// TestFormattedHistory verifies pairing, preamble folding, and the trailing
// user message.
func TestFormattedHistory(t *testing.T) {
	t.Parallel()

	s := NewStore(Config{})
	ctx := context.Background()

	s.AddMessage(ctx, "s1", RoleSystem, "Be terse.", nil)
	s.AddMessage(ctx, "s1", RoleSystem, "Answer in English.", nil)
	s.AddMessage(ctx, "s1", RoleUser, "first question", nil)
	s.AddMessage(ctx, "s1", RoleAssistant, "first answer", nil)
	s.AddMessage(ctx, "s1", RoleUser, "second question", nil)

	h := s.FormattedHistory("s1")
	if h.Preamble != "Be terse.\n\nAnswer in English." {
		t.Errorf("preamble folding wrong: %q", h.Preamble)
	}
	want := []upstream.Turn{
		{Role: upstream.RoleUser, Message: "first question"},
		{Role: upstream.RoleChatbot, Message: "first answer"},
	}
	if len(h.ChatHistory) != len(want) {
		t.Fatalf("history length %d, want %d", len(h.ChatHistory), len(want))
	}
	for i := range want {
		if h.ChatHistory[i] != want[i] {
			t.Errorf("turn %d = %+v, want %+v", i, h.ChatHistory[i], want[i])
		}
	}
	if h.Message != "second question" {
		t.Errorf("current message = %q", h.Message)
	}
}

// TestFormattedHistory_DefaultPrompt verifies the fallback prompt when no
// trailing user message exists.
func TestFormattedHistory_DefaultPrompt(t *testing.T) {
	t.Parallel()

	s := NewStore(Config{})
	ctx := context.Background()
	s.AddMessage(ctx, "s1", RoleUser, "q", nil)
	s.AddMessage(ctx, "s1", RoleAssistant, "a", nil)

	h := s.FormattedHistory("s1")
	if h.Message != defaultPrompt {
		t.Errorf("expected default prompt, got %q", h.Message)
	}
	if len(h.ChatHistory) != 2 {
		t.Errorf("expected the full pair in history, got %d turns", len(h.ChatHistory))
	}
}

// TestEvictionByCap verifies the oldest session goes first.
func TestEvictionByCap(t *testing.T) {
	t.Parallel()

	clock := newSessionClock()
	s := NewStore(Config{MaxSessions: 2, Now: clock.Now})
	ctx := context.Background()

	s.AddMessage(ctx, "old", RoleUser, "a", nil)
	clock.Advance(time.Minute)
	s.AddMessage(ctx, "mid", RoleUser, "b", nil)
	clock.Advance(time.Minute)
	s.AddMessage(ctx, "new", RoleUser, "c", nil)

	if got := s.Messages("old"); got != nil {
		t.Error("expected oldest session evicted")
	}
	if s.Messages("mid") == nil || s.Messages("new") == nil {
		t.Error("younger sessions must survive")
	}
}

// TestEvictionByTTL verifies idle sessions expire.
func TestEvictionByTTL(t *testing.T) {
	t.Parallel()

	clock := newSessionClock()
	s := NewStore(Config{SessionTTL: 10 * time.Minute, Now: clock.Now})
	ctx := context.Background()

	s.AddMessage(ctx, "idle", RoleUser, "a", nil)
	clock.Advance(11 * time.Minute)
	s.AddMessage(ctx, "fresh", RoleUser, "b", nil)

	stats := s.Stats()
	if stats.ActiveSessions != 1 {
		t.Errorf("expected the idle session purged, got %d active", stats.ActiveSessions)
	}
}

// TestAddFeedback tags a system message.
func TestAddFeedback(t *testing.T) {
	t.Parallel()

	s := NewStore(Config{})
	added, err := s.AddFeedback(context.Background(), "s1", "too verbose", "style")
	if err != nil || !added {
		t.Fatalf("AddFeedback: added=%v err=%v", added, err)
	}

	msgs := s.Messages("s1")
	if len(msgs) != 1 || msgs[0].Role != RoleSystem || msgs[0].Metadata["feedback"] != "style" {
		t.Errorf("feedback message wrong: %+v", msgs)
	}
}

// TestClear drops the session.
func TestClear(t *testing.T) {
	t.Parallel()

	s := NewStore(Config{})
	s.AddMessage(context.Background(), "s1", RoleUser, "x", nil)
	s.Clear("s1")
	if s.Messages("s1") != nil {
		t.Error("expected session gone")
	}
}

// TestArchiveRoundTrip verifies the SQLite archive persists and reads back
// messages in order.
func TestArchiveRoundTrip(t *testing.T) {
	t.Parallel()

	a, err := OpenArchive(":memory:")
	if err != nil {
		t.Fatalf("OpenArchive: %v", err)
	}
	defer a.Close()

	ctx := context.Background()
	for i := range 3 {
		if err := a.Append(ctx, "s1", RoleUser, fmt.Sprintf("m%d", i)); err != nil {
			t.Fatal(err)
		}
	}
	if err := a.Append(ctx, "other", RoleUser, "not mine"); err != nil {
		t.Fatal(err)
	}

	msgs, err := a.Recent(ctx, "s1", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if msgs[0].Content != "m0" || msgs[2].Content != "m2" {
		t.Errorf("order wrong: %+v", msgs)
	}
}

// TestArchiveBestEffort verifies a failing archive never blocks the store.
func TestArchiveBestEffort(t *testing.T) {
	t.Parallel()

	s := NewStore(Config{Archive: failingArchive{}})
	added, err := s.AddMessage(context.Background(), "s1", RoleUser, "x", nil)
	if err != nil || !added {
		t.Fatalf("archive failure must not block: added=%v err=%v", added, err)
	}
}

// failingArchive always errors.
type failingArchive struct{}

func (failingArchive) Append(context.Context, string, string, string) error {
	return errors.New("disk full")
}

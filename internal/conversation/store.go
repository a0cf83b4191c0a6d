// Package conversation implements the per-session message store: bounded
// session count with LRU eviction, TTL expiry, duplicate suppression, and
// RAG-augmented history assembly for the chat orchestrator.
package conversation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/d4r1us/aigw-go/internal/rag"
)

// Roles of a conversation message.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message is one turn in a session.
type Message struct {
	// Role is one of RoleUser, RoleAssistant, RoleSystem.
	Role string `json:"role"`
	// Content is the message text.
	Content string `json:"content"`
	// Metadata holds arbitrary annotations (e.g. feedback tags).
	Metadata map[string]string `json:"metadata,omitempty"`
	// Timestamp is when the message was accepted.
	Timestamp time.Time `json:"timestamp"`
}

// Retriever fetches RAG context for a user message.
type Retriever interface {
	Retrieve(ctx context.Context, query string, opts rag.RetrieveOptions) ([]rag.Result, error)
}

// Archiver persists accepted messages outside the in-memory store.
// Best-effort: archive failures never block a conversation.
type Archiver interface {
	Append(ctx context.Context, sessionID, role, content string) error
}

// session is one conversation's mutable state.
type session struct {
	// writer is the single-writer flag; a held flag makes AddMessage
	// report the message as not added.
	writer sync.Mutex

	messages        []Message
	lastFingerprint string
	lastAccess      time.Time
	ragContext      []rag.Result
}

// Config holds store construction parameters.
type Config struct {
	// MaxSessions caps the live session count. Zero means 1000.
	MaxSessions int
	// SessionTTL expires sessions idle longer than this. Zero means 30m.
	SessionTTL time.Duration
	// RAG supplies retrieval context for user messages. Nil disables.
	RAG Retriever
	// RAGResults is the retrieval depth per user message. Zero means 3.
	RAGResults int
	// Archive receives every accepted message. Nil disables.
	Archive Archiver
	// Registerer receives store metrics. Nil disables them.
	Registerer prometheus.Registerer
	// Logger receives diagnostics. Nil falls back to slog.Default.
	Logger *slog.Logger
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Store holds the live sessions. Safe for concurrent use.
type Store struct {
	maxSessions int
	sessionTTL  time.Duration
	rag         Retriever
	ragResults  int
	archive     Archiver
	log         *slog.Logger
	now         func() time.Time

	mu       sync.Mutex
	sessions map[string]*session

	sessGauge prometheus.Gauge
	deduped   prometheus.Counter
	evicted   prometheus.Counter
}

// Stats summarizes the store for the health endpoint.
type Stats struct {
	// ActiveSessions is the live session count.
	ActiveSessions int `json:"activeSessions"`
	// TotalMessages sums messages across live sessions.
	TotalMessages int `json:"totalMessages"`
}

// NewStore constructs a Store from cfg.
func NewStore(cfg Config) *Store {
	maxSessions := cfg.MaxSessions
	if maxSessions <= 0 {
		maxSessions = 1000
	}
	ttl := cfg.SessionTTL
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	ragResults := cfg.RAGResults
	if ragResults <= 0 {
		ragResults = 3
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	s := &Store{
		maxSessions: maxSessions,
		sessionTTL:  ttl,
		rag:         cfg.RAG,
		ragResults:  ragResults,
		archive:     cfg.Archive,
		log:         log,
		now:         now,
		sessions:    make(map[string]*session),
	}
	if cfg.Registerer != nil {
		factory := promauto.With(cfg.Registerer)
		s.sessGauge = factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "aigw", Subsystem: "conversation", Name: "sessions",
			Help: "Live conversation sessions.",
		})
		s.deduped = factory.NewCounter(prometheus.CounterOpts{
			Namespace: "aigw", Subsystem: "conversation", Name: "deduplicated_total",
			Help: "Messages suppressed as duplicates of the previous message.",
		})
		s.evicted = factory.NewCounter(prometheus.CounterOpts{
			Namespace: "aigw", Subsystem: "conversation", Name: "evicted_total",
			Help: "Sessions evicted by the cap or TTL.",
		})
	}
	return s
}

// AddMessage appends one message to a session, creating the session on
// demand. It reports false without error when the message is suppressed: a
// duplicate of the previous message, or a concurrent writer already holds
// the session.
func (s *Store) AddMessage(ctx context.Context, sessionID, role, content string, metadata map[string]string) (bool, error) {
	if sessionID == "" {
		return false, fmt.Errorf("conversation: session id must not be empty")
	}
	switch role {
	case RoleUser, RoleAssistant, RoleSystem:
	default:
		return false, fmt.Errorf("conversation: unknown role %q", role)
	}

	sess := s.getOrCreate(sessionID)

	fp := fingerprint(role, content, metadata)
	if !sess.writer.TryLock() {
		return false, nil
	}
	defer sess.writer.Unlock()

	if sess.lastFingerprint == fp {
		if s.deduped != nil {
			s.deduped.Inc()
		}
		return false, nil
	}

	if role == RoleUser && s.rag != nil {
		results, err := s.rag.Retrieve(ctx, content, rag.RetrieveOptions{MaxResults: s.ragResults})
		if err != nil {
			// Retrieval is advisory; the message proceeds without context.
			s.log.Warn("rag retrieval failed for message", "session", sessionID, "error", err)
		} else {
			sess.ragContext = results
		}
	}

	sess.messages = append(sess.messages, Message{
		Role:      role,
		Content:   content,
		Metadata:  metadata,
		Timestamp: s.now().UTC(),
	})
	sess.lastFingerprint = fp
	sess.lastAccess = s.now()

	if s.archive != nil {
		if err := s.archive.Append(ctx, sessionID, role, content); err != nil {
			s.log.Warn("conversation archive append failed", "session", sessionID, "error", err)
		}
	}
	return true, nil
}

// AddFeedback records operator feedback as a system message tagged with the
// feedback type.
func (s *Store) AddFeedback(ctx context.Context, sessionID, text, feedbackType string) (bool, error) {
	if text == "" {
		return false, fmt.Errorf("conversation: feedback text must not be empty")
	}
	if feedbackType == "" {
		feedbackType = "general"
	}
	return s.AddMessage(ctx, sessionID, RoleSystem, text, map[string]string{"feedback": feedbackType})
}

// Messages returns a copy of a session's message log.
func (s *Store) Messages(sessionID string) []Message {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if ok {
		sess.lastAccess = s.now()
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}

	sess.writer.Lock()
	defer sess.writer.Unlock()
	out := make([]Message, len(sess.messages))
	copy(out, sess.messages)
	return out
}

// Clear removes a session. Unknown sessions are a no-op.
func (s *Store) Clear(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	s.gaugeLocked()
}

// Stats summarizes the live sessions.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeExpiredLocked()

	st := Stats{ActiveSessions: len(s.sessions)}
	for _, sess := range s.sessions {
		st.TotalMessages += len(sess.messages)
	}
	return st
}

// getOrCreate returns the session, creating it (and evicting if over cap)
// when absent. Expired sessions are purged on the way.
func (s *Store) getOrCreate(sessionID string) *session {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.purgeExpiredLocked()

	if sess, ok := s.sessions[sessionID]; ok {
		sess.lastAccess = s.now()
		return sess
	}

	if len(s.sessions) >= s.maxSessions {
		s.evictOldestLocked()
	}
	sess := &session{lastAccess: s.now()}
	s.sessions[sessionID] = sess
	s.gaugeLocked()
	return sess
}

// purgeExpiredLocked drops sessions idle past the TTL. Caller holds s.mu.
func (s *Store) purgeExpiredLocked() {
	cutoff := s.now().Add(-s.sessionTTL)
	for id, sess := range s.sessions {
		if sess.lastAccess.Before(cutoff) {
			delete(s.sessions, id)
			if s.evicted != nil {
				s.evicted.Inc()
			}
		}
	}
	s.gaugeLocked()
}

// evictOldestLocked removes the session with the oldest last access.
// Caller holds s.mu.
func (s *Store) evictOldestLocked() {
	var oldestID string
	var oldest time.Time
	for id, sess := range s.sessions {
		if oldestID == "" || sess.lastAccess.Before(oldest) {
			oldestID = id
			oldest = sess.lastAccess
		}
	}
	if oldestID != "" {
		delete(s.sessions, oldestID)
		if s.evicted != nil {
			s.evicted.Inc()
		}
	}
}

// gaugeLocked refreshes the session gauge. Caller holds s.mu.
func (s *Store) gaugeLocked() {
	if s.sessGauge != nil {
		s.sessGauge.Set(float64(len(s.sessions)))
	}
}

// fingerprint hashes (role, content, metadata) with canonical metadata
// ordering so identical consecutive messages collapse.
func fingerprint(role, content string, metadata map[string]string) string {
	var sb strings.Builder
	sb.WriteString(role)
	sb.WriteByte(0)
	sb.WriteString(content)

	if len(metadata) > 0 {
		keys := make([]string, 0, len(metadata))
		for k := range metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			sb.WriteByte(0)
			sb.WriteString(k)
			sb.WriteByte('=')
			sb.WriteString(metadata[k])
		}
	}

	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}

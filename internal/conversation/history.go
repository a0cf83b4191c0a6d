package conversation

import (
	"fmt"
	"strings"

	"github.com/d4r1us/aigw-go/internal/rag"
	"github.com/d4r1us/aigw-go/internal/upstream"
)

// FormattedHistory is a session's message log shaped for the upstream chat
// operation.
type FormattedHistory struct {
	// Preamble is the system instruction prefix, including formatted RAG
	// context when a snapshot is present.
	Preamble string
	// ChatHistory holds the prior user/assistant turns in upstream roles.
	ChatHistory []upstream.Turn
	// Message is the current user message the upstream should answer.
	Message string
}

// defaultPrompt stands in when the history holds no trailing user message.
const defaultPrompt = "Continue the conversation."

// ragInstruction prefixes formatted retrieval context in the preamble.
const ragInstruction = "Use the following project context when it is relevant to the user's question. " +
	"Prefer it over assumptions about the codebase."

// FormattedHistory assembles the upstream-shaped view of one session:
// system messages fold into the preamble, user/assistant pairs become
// history turns, and an odd trailing user message becomes the current
// message. An unknown session yields an empty history with the default
// prompt.
func (s *Store) FormattedHistory(sessionID string) FormattedHistory {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if ok {
		sess.lastAccess = s.now()
	}
	s.mu.Unlock()

	if !ok {
		return FormattedHistory{Message: defaultPrompt}
	}

	sess.writer.Lock()
	messages := make([]Message, len(sess.messages))
	copy(messages, sess.messages)
	ragContext := make([]rag.Result, len(sess.ragContext))
	copy(ragContext, sess.ragContext)
	sess.writer.Unlock()

	var systems []string
	var turns []Message
	for _, m := range messages {
		if m.Role == RoleSystem {
			systems = append(systems, m.Content)
			continue
		}
		turns = append(turns, m)
	}

	out := FormattedHistory{Preamble: strings.Join(systems, "\n\n")}

	// Pair user/assistant turns; an odd trailing user message is the
	// current prompt.
	i := 0
	for i < len(turns) {
		if turns[i].Role == RoleUser && i+1 < len(turns) && turns[i+1].Role == RoleAssistant {
			out.ChatHistory = append(out.ChatHistory,
				upstream.Turn{Role: upstream.RoleUser, Message: turns[i].Content},
				upstream.Turn{Role: upstream.RoleChatbot, Message: turns[i+1].Content},
			)
			i += 2
			continue
		}
		if turns[i].Role == RoleUser && i == len(turns)-1 {
			out.Message = turns[i].Content
			break
		}
		// An unpaired assistant message still belongs in the history.
		role := upstream.RoleChatbot
		if turns[i].Role == RoleUser {
			role = upstream.RoleUser
		}
		out.ChatHistory = append(out.ChatHistory, upstream.Turn{Role: role, Message: turns[i].Content})
		i++
	}
	if out.Message == "" {
		out.Message = defaultPrompt
	}

	if len(ragContext) > 0 {
		block := formatRAGContext(ragContext)
		if out.Preamble == "" {
			out.Preamble = block
		} else {
			out.Preamble = out.Preamble + "\n\n" + block
		}
	}
	return out
}

// formatRAGContext renders retrieved chunks as titled code blocks annotated
// with path, language, category, and similarity.
func formatRAGContext(results []rag.Result) string {
	var sb strings.Builder
	sb.WriteString(ragInstruction)
	sb.WriteString("\n")
	for _, r := range results {
		meta := r.Document.Metadata
		sb.WriteString(fmt.Sprintf("\n### %s (%s, %s, %.0f%% match)\n", meta.FilePath, meta.Language, meta.Category, similarityPercent(r)))
		sb.WriteString("```")
		sb.WriteString(meta.Language)
		sb.WriteString("\n")
		sb.WriteString(r.Document.Content)
		if !strings.HasSuffix(r.Document.Content, "\n") {
			sb.WriteString("\n")
		}
		sb.WriteString("```\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

// similarityPercent scales a semantic score to a percentage; keyword hit
// counts display as-is.
func similarityPercent(r rag.Result) float64 {
	if r.MatchType == rag.MatchSemantic {
		return r.Score * 100
	}
	return r.Score
}

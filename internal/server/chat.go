package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/d4r1us/aigw-go/internal/conversation"
	"github.com/d4r1us/aigw-go/internal/logging"
	"github.com/d4r1us/aigw-go/internal/models"
	"github.com/d4r1us/aigw-go/internal/upstream"
)

// handleChatCompletion handles POST /v1/chat/completions: validate, record
// the inbound turns, assemble the RAG-augmented history, and answer either
// as one OpenAI-shaped body or as an SSE stream.
func (s *Server) handleChatCompletion(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	log := logging.FromContext(r.Context())

	var req chatCompletionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Messages) == 0 {
		badRequest(w, "messages must not be empty")
		return
	}
	// Reject malformed roles before any turn lands in the session.
	for _, m := range req.Messages {
		switch m.Role {
		case conversation.RoleUser, conversation.RoleAssistant, conversation.RoleSystem:
		default:
			badRequest(w, fmt.Sprintf("unsupported message role %q", m.Role))
			return
		}
	}

	model := req.Model
	if model == "" {
		model = s.DefaultModel()
	}
	if _, err := s.registry.Validate(model, models.TypeGeneration); err != nil {
		writeError(w, r, err)
		return
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	for _, m := range req.Messages {
		if _, err := s.sessions.AddMessage(r.Context(), sessionID, m.Role, m.Content, nil); err != nil {
			writeError(w, r, err)
			return
		}
	}

	history := s.sessions.FormattedHistory(sessionID)
	maxTokens := s.completionBudget(req.MaxTokens, history)

	payload := &upstream.ChatRequest{
		Model:       model,
		Message:     history.Message,
		ChatHistory: history.ChatHistory,
		Preamble:    history.Preamble,
		Temperature: req.Temperature,
		MaxTokens:   maxTokens,
	}

	if s.streamRequested(req) {
		s.streamChat(w, r, sessionID, payload, start)
		return
	}

	resp, err := s.upstream.Chat(r.Context(), payload)
	if err != nil {
		s.metrics.chatDone("error", time.Since(start))
		writeError(w, r, err)
		return
	}

	if _, err := s.sessions.AddMessage(r.Context(), sessionID, conversation.RoleAssistant, resp.Text, nil); err != nil {
		log.Warn("assistant turn append failed", slog.String("session", sessionID), slog.Any("error", err))
	}

	s.metrics.chatDone("ok", time.Since(start))
	writeJSON(w, http.StatusOK, s.completionBody(model, sessionID, resp, start))
}

// streamRequested reports whether this request should answer over SSE.
func (s *Server) streamRequested(req chatCompletionRequest) bool {
	if req.Stream != nil {
		return *req.Stream && s.cfg.StreamingEnabled
	}
	return s.cfg.StreamingEnabled
}

// streamChat answers one chat completion over SSE, accumulating the chunks
// so the assistant turn lands in the session afterwards.
func (s *Server) streamChat(w http.ResponseWriter, r *http.Request, sessionID string, payload *upstream.ChatRequest, start time.Time) {
	log := logging.FromContext(r.Context())

	stream, err := s.upstream.ChatStream(r.Context(), payload)
	if err != nil {
		s.metrics.chatDone("error", time.Since(start))
		writeError(w, r, err)
		return
	}
	defer stream.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.metrics.chatDone("error", time.Since(start))
		writeErrorKind(w, http.StatusInternalServerError, kindInternal, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")
	// Priming comment so proxies and clients commit to the stream early.
	fmt.Fprint(w, ": stream open\n\n")
	flusher.Flush()

	if s.metrics != nil {
		s.metrics.chatActiveStreams.Inc()
		defer s.metrics.chatActiveStreams.Dec()
	}

	var accumulated []byte
	for {
		chunk, recvErr := stream.Recv()
		if recvErr != nil {
			if errors.Is(recvErr, io.EOF) {
				break
			}
			log.Warn("stream aborted", slog.String("session", sessionID), slog.Any("error", recvErr))
			fmt.Fprint(w, "event: error\ndata: {}\n\n")
			flusher.Flush()
			s.metrics.chatDone("error", time.Since(start))
			return
		}
		writeSSEText(w, chunk.Text)
		flusher.Flush()
		accumulated = append(accumulated, chunk.Text...)
	}

	fmt.Fprint(w, "event: done\ndata: {}\n\n")
	flusher.Flush()

	if _, err := s.sessions.AddMessage(r.Context(), sessionID, conversation.RoleAssistant, string(accumulated), nil); err != nil {
		log.Warn("assistant turn append failed", slog.String("session", sessionID), slog.Any("error", err))
	}
	s.metrics.chatDone("stream_ok", time.Since(start))
}

// writeSSEText emits one data frame: data: {"text":"..."}.
func writeSSEText(w io.Writer, text string) {
	frame, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", frame)
}

// completionBody shapes the non-streaming success response.
func (s *Server) completionBody(model, sessionID string, resp *upstream.ChatResponse, start time.Time) chatCompletionResponse {
	usage := chatUsage{
		PromptTokens:     resp.Usage.InputTokens,
		CompletionTokens: resp.Usage.OutputTokens,
		TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
	}
	return chatCompletionResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []chatChoice{{
			Index:        0,
			Message:      chatMessage{Role: "assistant", Content: resp.Text},
			FinishReason: "stop",
		}},
		Usage:             usage,
		SystemFingerprint: "aigw",
		ProcessingTimeMS:  time.Since(start).Milliseconds(),
		SessionID:         sessionID,
		ConversationStats: s.sessions.Stats(),
	}
}

// completionBudget clamps the requested completion length into the
// configured window and against the remaining context budget. A rough
// four-characters-per-token estimate covers the prompt side.
func (s *Server) completionBudget(requested int, history conversation.FormattedHistory) int {
	maxTotal := s.cfg.MaxTotalTokens
	if maxTotal <= 0 {
		maxTotal = 4096
	}
	minCompletion := s.cfg.MinCompletionTokens
	if minCompletion <= 0 {
		minCompletion = 64
	}
	maxCompletion := s.cfg.MaxCompletionTokens
	if maxCompletion <= 0 {
		maxCompletion = 2048
	}
	buffer := s.cfg.TokenSafetyBuffer
	if buffer <= 0 {
		buffer = 128
	}

	promptChars := len(history.Preamble) + len(history.Message)
	for _, t := range history.ChatHistory {
		promptChars += len(t.Message)
	}
	promptTokens := promptChars / 4

	remaining := maxTotal - promptTokens - buffer
	budget := requested
	if budget <= 0 {
		budget = maxCompletion
	}
	budget = min(budget, maxCompletion, remaining)
	return max(budget, minCompletion)
}

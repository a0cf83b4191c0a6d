package server

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"

	"github.com/d4r1us/aigw-go/internal/embed"
	"github.com/d4r1us/aigw-go/internal/logging"
	"github.com/d4r1us/aigw-go/internal/models"
	"github.com/d4r1us/aigw-go/internal/rag"
	"github.com/d4r1us/aigw-go/internal/upstream"
)

// handleListModels handles GET /v1/models.
func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"models": s.registry.List()})
}

// handleSwitchModel handles POST /v1/models/switch: swap the server's
// default generation model after validating it.
func (s *Server) handleSwitchModel(w http.ResponseWriter, r *http.Request) {
	var req switchModelRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if _, err := s.registry.Validate(req.Model, models.TypeGeneration); err != nil {
		writeError(w, r, err)
		return
	}

	s.setDefaultModel(req.Model)
	logging.FromContext(r.Context()).Info("default model switched", "model", req.Model)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "model": req.Model})
}

// handleEmbed handles POST /v1/embed.
func (s *Server) handleEmbed(w http.ResponseWriter, r *http.Request) {
	var req embedRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Input) == 0 {
		badRequest(w, "input must not be empty")
		return
	}

	model := req.Model
	if model == "" {
		model = s.cfg.EmbeddingModel
	}
	if _, err := s.registry.Validate(model, models.TypeEmbed); err != nil {
		writeError(w, r, err)
		return
	}

	resp, err := s.upstream.Embed(r.Context(), &upstream.EmbedRequest{
		Model:     model,
		Texts:     req.Input,
		InputType: "search_document",
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	data := make([]embedDatum, len(resp.Embeddings))
	for i, vec := range resp.Embeddings {
		data[i] = embedDatum{Index: i, Embedding: vec}
	}
	writeJSON(w, http.StatusOK, listResponse{Object: "list", Data: data, Model: model})

	// Feed the background pipeline so repeated texts resolve from cache.
	if s.embedQ != nil {
		for _, text := range req.Input {
			sum := sha256.Sum256([]byte(text))
			if err := s.embedQ.Enqueue(hex.EncodeToString(sum[:16]), text); err != nil &&
				!errors.Is(err, embed.ErrBackpressure) {
				logging.FromContext(r.Context()).Warn("embed enqueue failed", "error", err)
			}
		}
	}
}

// handleRerank handles POST /v1/rerank.
func (s *Server) handleRerank(w http.ResponseWriter, r *http.Request) {
	var req rerankRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Query == "" {
		badRequest(w, "query must not be empty")
		return
	}
	if len(req.Documents) == 0 {
		badRequest(w, "documents must not be empty")
		return
	}

	model := req.Model
	if model == "" {
		if fallback := s.registry.OfType(models.TypeRerank); len(fallback) > 0 {
			model = fallback[0].ID
		}
	}
	if _, err := s.registry.Validate(model, models.TypeRerank); err != nil {
		writeError(w, r, err)
		return
	}

	resp, err := s.upstream.Rerank(r.Context(), &upstream.RerankRequest{
		Model:     model,
		Query:     req.Query,
		Documents: req.Documents,
		TopN:      req.TopN,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Object: "list", Results: resp.Results, Model: model})
}

// handleVision handles POST /v1/vision. Answers 501 when the registry
// carries no vision model.
func (s *Server) handleVision(w http.ResponseWriter, r *http.Request) {
	var req visionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Input == "" {
		badRequest(w, "input must not be empty")
		return
	}

	model := req.Model
	if model == "" {
		available := s.registry.OfType(models.TypeVision)
		if len(available) == 0 {
			writeErrorKind(w, http.StatusNotImplemented, kindNotImplemented, "no vision model configured")
			return
		}
		model = available[0].ID
	}
	if _, ok := s.registry.Lookup(model); !ok {
		writeErrorKind(w, http.StatusNotFound, kindNotFound, "Vision model not found")
		return
	}
	if _, err := s.registry.Validate(model, models.TypeVision); err != nil {
		writeError(w, r, err)
		return
	}

	resp, err := s.upstream.Vision(r.Context(), &upstream.VisionRequest{
		Model:    model,
		Input:    req.Input,
		ImageB64: req.ImageB64,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"model": model, "text": resp.Text})
}

// handleRAGIndex handles POST /v1/rag/index: enqueue an indexing job and
// answer immediately.
func (s *Server) handleRAGIndex(w http.ResponseWriter, r *http.Request) {
	if s.ragStore == nil {
		writeErrorKind(w, http.StatusNotImplemented, kindNotImplemented, "rag store not configured")
		return
	}

	var req ragIndexRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ProjectPath == "" {
		badRequest(w, "projectPath must not be empty")
		return
	}

	status, err := s.ragStore.IndexCodebase(req.ProjectPath, req.Options)
	if err != nil {
		if errors.Is(err, rag.ErrJobQueueFull) {
			writeErrorKind(w, http.StatusTooManyRequests, kindRateLimited, err.Error())
			return
		}
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "result": status})
}

// handleRAGClear handles DELETE /v1/rag/index.
func (s *Server) handleRAGClear(w http.ResponseWriter, r *http.Request) {
	if s.ragStore == nil {
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
		return
	}
	if err := s.ragStore.Clear(true); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// handleRAGStats handles GET /v1/rag/stats.
func (s *Server) handleRAGStats(w http.ResponseWriter, r *http.Request) {
	if s.ragStore == nil {
		writeJSON(w, http.StatusOK, rag.Stats{ByCategory: map[rag.Category]int{}})
		return
	}
	writeJSON(w, http.StatusOK, s.ragStore.Stats())
}

// handleConversationHistory handles GET /v1/conversations/{sid}/history.
func (s *Server) handleConversationHistory(w http.ResponseWriter, r *http.Request) {
	sid := r.PathValue("sid")
	messages := s.sessions.Messages(sid)
	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId": sid,
		"messages":  messages,
		"count":     len(messages),
	})
}

// handleConversationFeedback handles POST /v1/conversations/{sid}/feedback.
func (s *Server) handleConversationFeedback(w http.ResponseWriter, r *http.Request) {
	sid := r.PathValue("sid")

	var req feedbackRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Feedback == "" {
		badRequest(w, "feedback must not be empty")
		return
	}

	if _, err := s.sessions.AddFeedback(r.Context(), sid, req.Feedback, req.Type); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "feedback recorded"})
}

// handleConversationDelete handles DELETE /v1/conversations/{sid}.
func (s *Server) handleConversationDelete(w http.ResponseWriter, r *http.Request) {
	sid := r.PathValue("sid")
	s.sessions.Clear(sid)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// Package server implements the gateway's HTTP boundary: an OpenAI-shaped
// REST/SSE API in front of the resilient upstream, the conversation store,
// and the RAG document store.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/d4r1us/aigw-go/internal/conversation"
	"github.com/d4r1us/aigw-go/internal/models"
	"github.com/d4r1us/aigw-go/internal/rag"
	"github.com/d4r1us/aigw-go/internal/upstream"
)

// Deps are the gateway components the server fronts.
type Deps struct {
	// Upstream is the resilient upstream client. Required.
	Upstream upstream.Client
	// Registry validates models and supplies cache TTLs. Required.
	Registry *models.Registry
	// Sessions is the conversation store. Required.
	Sessions *conversation.Store
	// RAG is the document store. Nil disables the RAG endpoints' function
	// (they answer with empty stats and rejected index jobs).
	RAG *rag.Store
	// EmbedQueue accepts ad-hoc texts for embedding. Nil disables.
	EmbedQueue Enqueuer
}

// New constructs a Server from deps and cfg.
func New(deps Deps, cfg *Config) (*Server, error) {
	if deps.Upstream == nil {
		return nil, fmt.Errorf("server: upstream client must not be nil")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("server: model registry must not be nil")
	}
	if deps.Sessions == nil {
		return nil, fmt.Errorf("server: conversation store must not be nil")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Host == "" {
		cfg.Host = "0.0.0.0"
	}
	if cfg.Port == 0 {
		cfg.Port = 3000
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		// WriteTimeout must be long enough for streaming responses.
		cfg.WriteTimeout = 5 * time.Minute
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.MaxBodyBytes == 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	s := &Server{
		cfg:          cfg,
		upstream:     deps.Upstream,
		registry:     deps.Registry,
		sessions:     deps.Sessions,
		ragStore:     deps.RAG,
		embedQ:       deps.EmbedQueue,
		log:          log,
		pingers:      cfg.Pingers,
		startedAt:    time.Now(),
		defaultModel: cfg.DefaultModel,
	}
	if cfg.Registerer != nil {
		s.metrics = newServerMetrics(cfg.Registerer)
	}
	if cfg.AdminAPIKey == "" {
		log.Warn("admin API key not set; admin routes are unauthenticated")
	}

	rl, stopRL := newRateLimiter(cfg.RateLimitWindow, cfg.RateLimitMax, log)
	s.stopRL = stopRL

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	if cfg.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	mux.Handle("GET /v1/models", rl.middleware(http.HandlerFunc(s.handleListModels)))
	mux.Handle("POST /v1/models/switch",
		adminAuth(cfg.AdminAPIKey, rl.middleware(http.HandlerFunc(s.handleSwitchModel))))
	mux.Handle("POST /v1/chat/completions", rl.middleware(http.HandlerFunc(s.handleChatCompletion)))
	mux.Handle("POST /v1/embed", rl.middleware(http.HandlerFunc(s.handleEmbed)))
	mux.Handle("POST /v1/rerank", rl.middleware(http.HandlerFunc(s.handleRerank)))
	mux.Handle("POST /v1/vision", rl.middleware(http.HandlerFunc(s.handleVision)))
	mux.Handle("POST /v1/rag/index", rl.middleware(http.HandlerFunc(s.handleRAGIndex)))
	mux.Handle("DELETE /v1/rag/index",
		adminAuth(cfg.AdminAPIKey, rl.middleware(http.HandlerFunc(s.handleRAGClear))))
	mux.Handle("GET /v1/rag/stats", rl.middleware(http.HandlerFunc(s.handleRAGStats)))
	mux.Handle("GET /v1/conversations/{sid}/history", rl.middleware(http.HandlerFunc(s.handleConversationHistory)))
	mux.Handle("POST /v1/conversations/{sid}/feedback", rl.middleware(http.HandlerFunc(s.handleConversationFeedback)))
	mux.Handle("DELETE /v1/conversations/{sid}", rl.middleware(http.HandlerFunc(s.handleConversationDelete)))
	mux.HandleFunc("/", s.handleNotFound)

	handler := requestLogger(log, s.metrics,
		corsMiddleware(cfg.AllowedOrigins,
			maxBodyMiddleware(cfg.MaxBodyBytes, mux)))

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s, nil
}

// Handler returns the fully wired handler chain, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start begins listening and serving HTTP requests. It blocks until the
// context is cancelled, then performs a graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		s.log.Info("gateway listening", slog.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		s.stopRL()
		return fmt.Errorf("server: listen error: %w", err)
	case <-ctx.Done():
		s.stopRL()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server: graceful shutdown failed: %w", err)
		}
		return nil
	}
}

// DefaultModel returns the current default generation model.
func (s *Server) DefaultModel() string {
	s.modelMu.RLock()
	defer s.modelMu.RUnlock()
	return s.defaultModel
}

// setDefaultModel swaps the default generation model.
func (s *Server) setDefaultModel(model string) {
	s.modelMu.Lock()
	defer s.modelMu.Unlock()
	s.defaultModel = model
}

// handleNotFound answers unknown routes with the 404 envelope.
func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeErrorKind(w, http.StatusNotFound, kindNotFound, "unknown route")
}

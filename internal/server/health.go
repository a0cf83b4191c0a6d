package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/d4r1us/aigw-go/internal/conversation"
	"github.com/d4r1us/aigw-go/internal/logging"
	"github.com/d4r1us/aigw-go/internal/rag"
)

// probeTimeout is the maximum time allowed for each individual dependency
// probe during a readiness check. Kept short so /ready responds quickly
// even when a dependency is slow rather than unreachable.
const probeTimeout = 5 * time.Second

// Pinger is the interface implemented by any dependency that can report its
// own reachability. Each implementation must return nil when the dependency
// is healthy and a descriptive error otherwise.
// Implementations must be safe to call from multiple goroutines.
type Pinger interface {
	// Ping checks whether the dependency is reachable within the given context.
	// Returns nil on success, a descriptive error on failure.
	Ping(ctx context.Context) error

	// Name returns a short human-readable label used in readiness responses
	// (e.g. "cohere", "qdrant").
	Name() string
}

// healthResponse is the JSON body returned by GET /health.
type healthResponse struct {
	// Status is always "healthy" when the process can answer at all.
	Status string `json:"status"`
	// Uptime is the time since the server started, in seconds.
	Uptime float64 `json:"uptime"`
	// ConversationStats summarizes the session store.
	ConversationStats conversation.Stats `json:"conversation_stats"`
	// RAGStats summarizes the document store.
	RAGStats rag.Stats `json:"rag_stats"`
}

// handleHealth handles GET /health for liveness plus component stats.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status: "healthy",
		Uptime: time.Since(s.startedAt).Seconds(),
	}
	if s.sessions != nil {
		resp.ConversationStats = s.sessions.Stats()
	}
	if s.ragStore != nil {
		resp.RAGStats = s.ragStore.Stats()
	}
	writeJSON(w, http.StatusOK, resp)
}

// readyCheck holds the per-dependency result of a readiness probe.
type readyCheck struct {
	// Name is the dependency label (e.g. "cohere", "qdrant").
	Name string `json:"name"`
	// OK is true when the dependency responded successfully.
	OK bool `json:"ok"`
	// Error contains the failure reason when OK is false. Empty on success.
	Error string `json:"error,omitempty"`
}

// readyResponse is the JSON body returned by GET /ready.
type readyResponse struct {
	// Ready is true only when every dependency probe succeeded.
	Ready bool `json:"ready"`
	// Checks contains the per-dependency probe results.
	Checks []readyCheck `json:"checks"`
}

// handleReady handles GET /ready for readiness checks.
// It probes each registered Pinger with a short timeout and returns 200 when
// all dependencies are reachable, or 503 when any probe fails.
// Unlike /health (liveness), this endpoint reflects actual dependency state.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	resp := readyResponse{Ready: true}
	allOK := true

	for _, p := range s.pingers {
		probeCtx, cancel := context.WithTimeout(r.Context(), probeTimeout)
		err := p.Ping(probeCtx)
		cancel()

		check := readyCheck{Name: p.Name(), OK: err == nil}
		if err != nil {
			check.Error = err.Error()
			allOK = false
			log.Warn("readiness probe failed",
				slog.String("dependency", p.Name()),
				slog.Any("error", err),
			)
		}
		resp.Checks = append(resp.Checks, check)
	}

	resp.Ready = allOK

	status := http.StatusOK
	if !allOK {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Error("ready encode error", slog.Any("error", err))
	}
}

// RunStartupDiagnostics probes every configured Pinger once with an overall
// timeout, logging each result. It returns an error only when a dependency
// is unreachable, so callers can decide whether to fail fast or continue.
func RunStartupDiagnostics(ctx context.Context, log *slog.Logger, timeout time.Duration, pingers []Pinger) error {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for _, p := range pingers {
		if err := p.Ping(ctx); err != nil {
			return fmt.Errorf("server: startup diagnostics: %s: %w", p.Name(), err)
		}
		log.Info("startup diagnostic passed", slog.String("dependency", p.Name()))
	}
	return nil
}

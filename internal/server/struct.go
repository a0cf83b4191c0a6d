package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/d4r1us/aigw-go/internal/conversation"
	"github.com/d4r1us/aigw-go/internal/models"
	"github.com/d4r1us/aigw-go/internal/rag"
	"github.com/d4r1us/aigw-go/internal/upstream"
)

// Config holds the HTTP server configuration.
type Config struct {
	// Host is the address to bind to (default: 0.0.0.0).
	Host string
	// Port is the TCP port to listen on (default: 3000).
	Port int
	// ReadTimeout is the maximum duration for reading the request.
	ReadTimeout time.Duration
	// WriteTimeout is the maximum duration for writing the response.
	// Must be long enough for streaming responses.
	WriteTimeout time.Duration
	// ShutdownTimeout is the maximum duration for a graceful shutdown.
	ShutdownTimeout time.Duration

	// DefaultModel is the generation model used when a request omits one.
	DefaultModel string
	// EmbeddingModel is the model for POST /v1/embed when a request omits one.
	EmbeddingModel string
	// StreamingEnabled turns on the SSE path for chat completions.
	StreamingEnabled bool

	// MaxBodyBytes caps request body size. Zero means 1 MiB.
	MaxBodyBytes int64
	// AllowedOrigins is the CORS allow-list; "*" allows any origin.
	AllowedOrigins []string
	// AdminAPIKey protects the admin routes (model switch, index clear).
	// Empty disables admin auth.
	AdminAPIKey string

	// RateLimitWindow and RateLimitMax define the per-IP request budget.
	RateLimitWindow time.Duration
	RateLimitMax    int

	// MaxTotalTokens, MinCompletionTokens, MaxCompletionTokens, and
	// TokenSafetyBuffer bound the completion budget computed per request.
	MaxTotalTokens      int
	MinCompletionTokens int
	MaxCompletionTokens int
	TokenSafetyBuffer   int

	// Pingers is the ordered list of dependency probes run by GET /ready.
	// Empty means /ready returns 200 with no checks.
	Pingers []Pinger

	// Registerer receives server metrics and backs GET /metrics. Nil
	// disables both.
	Registerer prometheus.Registerer
	// Gatherer serves GET /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer
	// Logger is the structured logger for the server and its handlers.
	Logger *slog.Logger
}

// Server is the gateway's HTTP boundary: it validates requests, orchestrates
// the upstream, and maps internal errors onto the wire taxonomy.
type Server struct {
	cfg      *Config
	upstream upstream.Client
	registry *models.Registry
	sessions *conversation.Store
	ragStore *rag.Store
	embedQ   Enqueuer
	log      *slog.Logger

	httpServer *http.Server
	pingers    []Pinger
	stopRL     func()
	metrics    *serverMetrics
	startedAt  time.Time

	// modelMu guards the mutable default model (POST /v1/models/switch).
	modelMu      sync.RWMutex
	defaultModel string
}

// Enqueuer is the embedding-queue surface the embed endpoint needs for
// cache warm-up bookkeeping. Nil disables it.
type Enqueuer interface {
	Enqueue(key, text string) error
}

// chatMessage is one inbound chat message.
type chatMessage struct {
	// Role is "user", "assistant", or "system".
	Role string `json:"role"`
	// Content is the message text.
	Content string `json:"content"`
}

// chatCompletionRequest is the JSON body for POST /v1/chat/completions.
type chatCompletionRequest struct {
	Messages    []chatMessage `json:"messages"`
	Model       string        `json:"model,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	SessionID   string        `json:"sessionId,omitempty"`
	Stream      *bool         `json:"stream,omitempty"`
}

// chatChoice is one completion choice in the OpenAI-shaped response.
type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// chatUsage is the token accounting block.
type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// chatCompletionResponse is the OpenAI-shaped success body.
type chatCompletionResponse struct {
	ID                string             `json:"id"`
	Object            string             `json:"object"`
	Created           int64              `json:"created"`
	Model             string             `json:"model"`
	Choices           []chatChoice       `json:"choices"`
	Usage             chatUsage          `json:"usage"`
	SystemFingerprint string             `json:"system_fingerprint"`
	ProcessingTimeMS  int64              `json:"processing_time_ms"`
	SessionID         string             `json:"session_id"`
	ConversationStats conversation.Stats `json:"conversation_stats"`
}

// embedRequest is the JSON body for POST /v1/embed.
type embedRequest struct {
	// Input is a single text or an array of texts.
	Input anyStrings `json:"input"`
	Model string     `json:"model,omitempty"`
}

// embedDatum is one embedding in the list response.
type embedDatum struct {
	Index     int       `json:"index"`
	Embedding []float32 `json:"embedding"`
}

// listResponse is the OpenAI-shaped list envelope for embed and rerank.
type listResponse struct {
	Object  string       `json:"object"`
	Data    []embedDatum `json:"data,omitempty"`
	Results any          `json:"results,omitempty"`
	Model   string       `json:"model"`
}

// rerankRequest is the JSON body for POST /v1/rerank.
type rerankRequest struct {
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	Model     string   `json:"model,omitempty"`
	TopN      int      `json:"top_n,omitempty"`
}

// visionRequest is the JSON body for POST /v1/vision.
type visionRequest struct {
	Input    string `json:"input"`
	Model    string `json:"model,omitempty"`
	ImageB64 string `json:"image_b64,omitempty"`
}

// switchModelRequest is the JSON body for POST /v1/models/switch.
type switchModelRequest struct {
	Model string `json:"model"`
}

// ragIndexRequest is the JSON body for POST /v1/rag/index.
type ragIndexRequest struct {
	ProjectPath string           `json:"projectPath"`
	Options     rag.IndexOptions `json:"options"`
}

// feedbackRequest is the JSON body for POST /v1/conversations/{sid}/feedback.
type feedbackRequest struct {
	Feedback string `json:"feedback"`
	Type     string `json:"type,omitempty"`
}

// anyStrings accepts a JSON string or array of strings.
type anyStrings []string

// UnmarshalJSON accepts both the scalar and array forms.
func (a *anyStrings) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*a = anyStrings{s}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	*a = anyStrings(list)
	return nil
}

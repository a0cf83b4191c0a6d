// Package upstream defines the operation surface of the Cohere-style vendor
// API and provides two implementations: a plain-HTTP client and a resilient
// decorator that routes every call through circuit breaker → retry →
// per-attempt timeout and coalesces identical generation calls through a
// TTL+LRU cache.
package upstream

import (
	"context"
	"fmt"
)

// Chat history roles used by the upstream wire format.
const (
	RoleUser    = "USER"
	RoleChatbot = "CHATBOT"
	RoleSystem  = "SYSTEM"
)

// Turn is a single prior message in an upstream chat history.
type Turn struct {
	// Role is one of RoleUser, RoleChatbot, RoleSystem.
	Role string `json:"role"`
	// Message is the text of the turn.
	Message string `json:"message"`
}

// ChatRequest is the payload for the chat operation.
type ChatRequest struct {
	// Model is the generation model identifier.
	Model string `json:"model"`
	// Message is the current user message.
	Message string `json:"message"`
	// ChatHistory holds the prior turns, oldest first.
	ChatHistory []Turn `json:"chat_history,omitempty"`
	// Preamble is the instruction prefix prepended to the conversation.
	Preamble string `json:"preamble,omitempty"`
	// Temperature controls randomness. Nil uses the upstream default.
	Temperature *float64 `json:"temperature,omitempty"`
	// MaxTokens caps the completion length. Zero uses the upstream default.
	MaxTokens int `json:"max_tokens,omitempty"`
	// Stream requests a streamed response.
	Stream bool `json:"stream,omitempty"`
}

// TokenUsage reports upstream token accounting for one call.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ChatResponse is the result of a non-streaming chat call.
type ChatResponse struct {
	// Text is the generated completion.
	Text string `json:"text"`
	// GenerationID identifies this generation upstream.
	GenerationID string `json:"generation_id"`
	// FinishReason reports why generation stopped.
	FinishReason string `json:"finish_reason"`
	// Usage holds the token accounting, when reported.
	Usage TokenUsage `json:"usage"`
}

// EmbedRequest is the payload for the embed operation.
type EmbedRequest struct {
	// Model is the embedding model identifier.
	Model string `json:"model"`
	// Texts is the batch of inputs; the response is parallel to it.
	Texts []string `json:"texts"`
	// InputType hints the embedding use ("search_document", "search_query").
	InputType string `json:"input_type,omitempty"`
}

// EmbedResponse is the result of an embed call.
type EmbedResponse struct {
	// Embeddings is parallel to the request's Texts.
	Embeddings [][]float32 `json:"embeddings"`
}

// RerankRequest is the payload for the rerank operation.
type RerankRequest struct {
	// Model is the rerank model identifier.
	Model string `json:"model"`
	// Query is the ranking query.
	Query string `json:"query"`
	// Documents are the candidates to rank.
	Documents []string `json:"documents"`
	// TopN limits the returned results. Zero returns all.
	TopN int `json:"top_n,omitempty"`
}

// RerankResult is one ranked document.
type RerankResult struct {
	// Index is the document's position in the request.
	Index int `json:"index"`
	// RelevanceScore is the model-assigned relevance (0.0–1.0).
	RelevanceScore float64 `json:"relevance_score"`
}

// RerankResponse is the result of a rerank call.
type RerankResponse struct {
	Results []RerankResult `json:"results"`
}

// VisionRequest is the payload for the vision operation.
type VisionRequest struct {
	// Model is the vision-capable model identifier.
	Model string `json:"model"`
	// Input is the user prompt, optionally referencing the image.
	Input string `json:"input"`
	// ImageB64 is an optional base64-encoded image.
	ImageB64 string `json:"image_b64,omitempty"`
}

// VisionResponse is the result of a vision call.
type VisionResponse struct {
	Text string `json:"text"`
}

// ModelInfo describes one model advertised by the upstream.
type ModelInfo struct {
	// Name is the model identifier.
	Name string `json:"name"`
	// Endpoints lists the operations the model supports.
	Endpoints []string `json:"endpoints"`
}

// Client is the upstream operation surface. The resilient wrapper implements
// the same interface so callers never know which layer they hold.
// Implementations must be safe for concurrent use.
type Client interface {
	// Chat performs a non-streaming chat call.
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// ChatStream opens a streaming chat call. The caller must drain or
	// Close the returned stream.
	ChatStream(ctx context.Context, req *ChatRequest) (*Stream, error)

	// Embed converts a batch of texts into embeddings, parallel to input.
	Embed(ctx context.Context, req *EmbedRequest) (*EmbedResponse, error)

	// Rerank orders documents by relevance to a query.
	Rerank(ctx context.Context, req *RerankRequest) (*RerankResponse, error)

	// Vision runs a vision-capable generation.
	Vision(ctx context.Context, req *VisionRequest) (*VisionResponse, error)

	// ListModels enumerates the models the upstream advertises.
	ListModels(ctx context.Context) ([]ModelInfo, error)
}

// APIError is an error returned by the upstream API, carrying the HTTP
// status so the retry predicate and the boundary layer can classify it.
type APIError struct {
	// Op is the upstream operation that failed ("chat", "embed", …).
	Op string
	// Status is the upstream HTTP status, or 0 for transport-level failures.
	Status int
	// Message is the upstream-reported error message.
	Message string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("upstream %s: %s", e.Op, e.Message)
	}
	return fmt.Sprintf("upstream %s: HTTP %d: %s", e.Op, e.Status, e.Message)
}

// HTTPStatus returns the upstream status for retry classification.
func (e *APIError) HTTPStatus() int { return e.Status }

package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// HTTPConfig holds the settings for constructing an HTTPClient.
type HTTPConfig struct {
	// BaseURL is the upstream API base (e.g. "https://api.cohere.com/v1").
	BaseURL string
	// APIKey is the Bearer token for every request.
	APIKey string
	// HTTPClient is the shared outbound client (connection pool). If nil,
	// http.DefaultClient is used.
	HTTPClient *http.Client
	// UserAgent is sent on every request.
	UserAgent string
}

// HTTPClient implements Client against the upstream REST API over plain
// HTTP — no vendor SDK is required. It is safe for concurrent use.
type HTTPClient struct {
	baseURL   string
	apiKey    string
	client    *http.Client
	userAgent string
}

// NewHTTPClient constructs an HTTPClient from cfg.
func NewHTTPClient(cfg *HTTPConfig) (*HTTPClient, error) {
	if cfg == nil || cfg.BaseURL == "" {
		return nil, fmt.Errorf("upstream: base URL must not be empty")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = "aigw-go/1.0"
	}
	return &HTTPClient{
		baseURL:   cfg.BaseURL,
		apiKey:    cfg.APIKey,
		client:    client,
		userAgent: ua,
	}, nil
}

// errorBody is the upstream error envelope.
type errorBody struct {
	Message string `json:"message"`
}

// Chat performs a non-streaming chat call.
func (c *HTTPClient) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	// Never let a stream flag leak into the non-streaming endpoint.
	body := *req
	body.Stream = false

	var resp ChatResponse
	if err := c.postJSON(ctx, "chat", "/chat", &body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ChatStream opens a streaming chat call and returns the live stream.
func (c *HTTPClient) ChatStream(ctx context.Context, req *ChatRequest) (*Stream, error) {
	body := *req
	body.Stream = true

	payload, err := json.Marshal(&body)
	if err != nil {
		return nil, &APIError{Op: "chat-stream", Message: fmt.Sprintf("marshal request: %v", err)}
	}

	// The stream outlives this call; tie the request to a cancel func the
	// stream owns so Close can abort the connection.
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	httpReq, err := http.NewRequestWithContext(streamCtx, http.MethodPost, c.baseURL+"/chat", bytes.NewReader(payload))
	if err != nil {
		cancel()
		return nil, &APIError{Op: "chat-stream", Message: fmt.Sprintf("create request: %v", err)}
	}
	c.setHeaders(httpReq)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		cancel()
		return nil, &APIError{Op: "chat-stream", Message: err.Error()}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		defer cancel()
		return nil, c.statusError("chat-stream", resp)
	}

	return NewStream(resp.Body, cancel), nil
}

// Embed converts a batch of texts into embeddings.
func (c *HTTPClient) Embed(ctx context.Context, req *EmbedRequest) (*EmbedResponse, error) {
	var resp EmbedResponse
	if err := c.postJSON(ctx, "embed", "/embed", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Rerank orders documents by relevance to a query.
func (c *HTTPClient) Rerank(ctx context.Context, req *RerankRequest) (*RerankResponse, error) {
	var resp RerankResponse
	if err := c.postJSON(ctx, "rerank", "/rerank", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Vision runs a vision-capable generation. The upstream serves vision models
// through the chat endpoint, so the request is translated accordingly.
func (c *HTTPClient) Vision(ctx context.Context, req *VisionRequest) (*VisionResponse, error) {
	chatReq := &ChatRequest{Model: req.Model, Message: req.Input}
	if req.ImageB64 != "" {
		chatReq.Message = req.Input + "\n[image]" + req.ImageB64
	}

	var resp ChatResponse
	if err := c.postJSON(ctx, "vision", "/chat", chatReq, &resp); err != nil {
		return nil, err
	}
	return &VisionResponse{Text: resp.Text}, nil
}

// modelsPage is the response body of the models listing endpoint.
type modelsPage struct {
	Models []ModelInfo `json:"models"`
}

// ListModels enumerates the models the upstream advertises.
func (c *HTTPClient) ListModels(ctx context.Context) ([]ModelInfo, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return nil, &APIError{Op: "models", Message: fmt.Sprintf("create request: %v", err)}
	}
	c.setHeaders(httpReq)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, &APIError{Op: "models", Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, c.statusError("models", resp)
	}

	var page modelsPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, &APIError{Op: "models", Message: fmt.Sprintf("decode response: %v", err)}
	}
	return page.Models, nil
}

// postJSON marshals in, POSTs it to path, and decodes the 2xx body into out.
// Non-2xx responses become an *APIError carrying the upstream status.
func (c *HTTPClient) postJSON(ctx context.Context, op, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return &APIError{Op: op, Message: fmt.Sprintf("marshal request: %v", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return &APIError{Op: op, Message: fmt.Sprintf("create request: %v", err)}
	}
	c.setHeaders(httpReq)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			// Surface the deadline/cancel directly so the retry predicate
			// classifies it as a timeout rather than a bare transport error.
			return ctxErr
		}
		return &APIError{Op: op, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.statusError(op, resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &APIError{Op: op, Message: fmt.Sprintf("decode response: %v", err)}
	}
	return nil
}

// statusError builds an *APIError from a non-2xx response, pulling the
// upstream message when the body is parseable.
func (c *HTTPClient) statusError(op string, resp *http.Response) error {
	msg := fmt.Sprintf("HTTP %d", resp.StatusCode)
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8*1024))
	if err == nil && len(raw) > 0 {
		var eb errorBody
		if json.Unmarshal(raw, &eb) == nil && eb.Message != "" {
			msg = eb.Message
		}
	}
	return &APIError{Op: op, Status: resp.StatusCode, Message: msg}
}

// setHeaders applies the shared auth and content headers.
func (c *HTTPClient) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

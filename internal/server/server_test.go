package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/d4r1us/aigw-go/internal/conversation"
	"github.com/d4r1us/aigw-go/internal/models"
	"github.com/d4r1us/aigw-go/internal/upstream"
)

// fakeClient implements upstream.Client with injectable behaviour per
// operation. Unset operations answer with canned success values.
type fakeClient struct {
	chatFn   func(ctx context.Context, req *upstream.ChatRequest) (*upstream.ChatResponse, error)
	streamFn func(ctx context.Context, req *upstream.ChatRequest) (*upstream.Stream, error)
	embedFn  func(ctx context.Context, req *upstream.EmbedRequest) (*upstream.EmbedResponse, error)
	rerankFn func(ctx context.Context, req *upstream.RerankRequest) (*upstream.RerankResponse, error)
	visionFn func(ctx context.Context, req *upstream.VisionRequest) (*upstream.VisionResponse, error)
	modelsFn func(ctx context.Context) ([]upstream.ModelInfo, error)
}

func (f *fakeClient) Chat(ctx context.Context, req *upstream.ChatRequest) (*upstream.ChatResponse, error) {
	if f.chatFn != nil {
		return f.chatFn(ctx, req)
	}
	return &upstream.ChatResponse{Text: "hi", FinishReason: "COMPLETE"}, nil
}

func (f *fakeClient) ChatStream(ctx context.Context, req *upstream.ChatRequest) (*upstream.Stream, error) {
	if f.streamFn != nil {
		return f.streamFn(ctx, req)
	}
	return nil, &upstream.APIError{Op: "chat-stream", Status: 500, Message: "no stream configured"}
}

func (f *fakeClient) Embed(ctx context.Context, req *upstream.EmbedRequest) (*upstream.EmbedResponse, error) {
	if f.embedFn != nil {
		return f.embedFn(ctx, req)
	}
	out := make([][]float32, len(req.Texts))
	for i := range out {
		out[i] = []float32{1, 0, 0}
	}
	return &upstream.EmbedResponse{Embeddings: out}, nil
}

func (f *fakeClient) Rerank(ctx context.Context, req *upstream.RerankRequest) (*upstream.RerankResponse, error) {
	if f.rerankFn != nil {
		return f.rerankFn(ctx, req)
	}
	results := make([]upstream.RerankResult, len(req.Documents))
	for i := range results {
		results[i] = upstream.RerankResult{Index: i, RelevanceScore: 1 - float64(i)/10}
	}
	return &upstream.RerankResponse{Results: results}, nil
}

func (f *fakeClient) Vision(ctx context.Context, req *upstream.VisionRequest) (*upstream.VisionResponse, error) {
	if f.visionFn != nil {
		return f.visionFn(ctx, req)
	}
	return &upstream.VisionResponse{Text: "a cat"}, nil
}

func (f *fakeClient) ListModels(ctx context.Context) ([]upstream.ModelInfo, error) {
	if f.modelsFn != nil {
		return f.modelsFn(ctx)
	}
	return []upstream.ModelInfo{{Name: "command-r", Endpoints: []string{"chat"}}}, nil
}

// newTestServer wires a Server around the fake upstream with a fresh
// registry, session store, and metrics registry. mutate may adjust the
// config before construction.
func newTestServer(t *testing.T, fake *fakeClient, mutate func(*Config)) *Server {
	t.Helper()

	reg := prometheus.NewRegistry()
	cfg := &Config{
		DefaultModel:   "command-r",
		EmbeddingModel: "embed-english-v3.0",
		Registerer:     reg,
		Gatherer:       reg,
	}
	if mutate != nil {
		mutate(cfg)
	}

	sessions := conversation.NewStore(conversation.Config{})
	srv, err := New(Deps{
		Upstream: fake,
		Registry: models.Default(),
		Sessions: sessions,
	}, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(srv.stopRL)
	return srv
}

// doJSON performs one request against the server's handler chain.
func doJSON(t *testing.T, srv *Server, method, path string, body any, header http.Header) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

// decodeEnvelope parses the wire error envelope.
func decodeEnvelope(t *testing.T, body io.Reader) apiError {
	t.Helper()
	var env apiError
	if err := json.NewDecoder(body).Decode(&env); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	return env
}

func TestTraceIDEchoed(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &fakeClient{}, nil)
	rec := doJSON(t, srv, http.MethodGet, "/health", nil, http.Header{"x-trace-id": {"abc123"}})

	if got := rec.Header().Get("x-trace-id"); got != "abc123" {
		t.Fatalf("trace id = %q, want abc123", got)
	}
}

func TestTraceIDGenerated(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &fakeClient{}, nil)
	rec := doJSON(t, srv, http.MethodGet, "/health", nil, nil)

	if rec.Header().Get("x-trace-id") == "" {
		t.Fatal("expected a generated trace id on the response")
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &fakeClient{}, nil)
	rec := doJSON(t, srv, http.MethodGet, "/health", nil, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body healthResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "healthy" {
		t.Fatalf("status = %q, want healthy", body.Status)
	}
}

// failingPinger always reports unreachable.
type failingPinger struct{ name string }

func (p failingPinger) Name() string               { return p.name }
func (p failingPinger) Ping(context.Context) error { return io.ErrUnexpectedEOF }

// okPinger always reports healthy.
type okPinger struct{ name string }

func (p okPinger) Name() string               { return p.name }
func (p okPinger) Ping(context.Context) error { return nil }

func TestReadyReportsFailures(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &fakeClient{}, func(cfg *Config) {
		cfg.Pingers = []Pinger{okPinger{"cohere"}, failingPinger{"qdrant"}}
	})
	rec := doJSON(t, srv, http.MethodGet, "/ready", nil, nil)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	var body readyResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Ready {
		t.Fatal("ready = true with a failing dependency")
	}
	if len(body.Checks) != 2 || body.Checks[0].OK != true || body.Checks[1].OK != false {
		t.Fatalf("unexpected checks: %+v", body.Checks)
	}
}

func TestReadyAllHealthy(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &fakeClient{}, func(cfg *Config) {
		cfg.Pingers = []Pinger{okPinger{"cohere"}}
	})
	rec := doJSON(t, srv, http.MethodGet, "/ready", nil, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestUnknownRoute(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &fakeClient{}, nil)
	rec := doJSON(t, srv, http.MethodGet, "/nope", nil, nil)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	env := decodeEnvelope(t, rec.Body)
	if env.Error.Type != kindNotFound {
		t.Fatalf("error type = %q, want %q", env.Error.Type, kindNotFound)
	}
}

func TestRateLimitExceeded(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &fakeClient{}, func(cfg *Config) {
		cfg.RateLimitMax = 2
	})

	for i := 0; i < 2; i++ {
		if rec := doJSON(t, srv, http.MethodGet, "/v1/models", nil, nil); rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i, rec.Code)
		}
	}

	rec := doJSON(t, srv, http.MethodGet, "/v1/models", nil, nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("expected a Retry-After header")
	}
	env := decodeEnvelope(t, rec.Body)
	if env.Error.Type != kindRateLimited {
		t.Fatalf("error type = %q, want %q", env.Error.Type, kindRateLimited)
	}
}

func TestBodyTooLarge(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &fakeClient{}, func(cfg *Config) {
		cfg.MaxBodyBytes = 64
	})

	big := strings.Repeat("x", 512)
	rec := doJSON(t, srv, http.MethodPost, "/v1/chat/completions", map[string]any{
		"messages": []map[string]string{{"role": "user", "content": big}},
	}, nil)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
	env := decodeEnvelope(t, rec.Body)
	if env.Error.Type != kindPayloadLarge {
		t.Fatalf("error type = %q, want %q", env.Error.Type, kindPayloadLarge)
	}
}

func TestCORSPreflight(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &fakeClient{}, func(cfg *Config) {
		cfg.AllowedOrigins = []string{"https://app.example.com"}
	})

	req := httptest.NewRequest(http.MethodOptions, "/v1/chat/completions", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("allow-origin = %q", got)
	}
}

func TestCORSDisallowedOrigin(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &fakeClient{}, func(cfg *Config) {
		cfg.AllowedOrigins = []string{"https://app.example.com"}
	})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("allow-origin = %q, want empty", got)
	}
}

func TestNormalizePath(t *testing.T) {
	t.Parallel()

	cases := []struct{ in, want string }{
		{"/v1/chat/completions", "/v1/chat/completions"},
		{"/v1/conversations/abc-123/history", "/v1/conversations/:sid/history"},
		{"/v1/conversations/abc-123", "/v1/conversations/:sid"},
	}
	for _, tc := range cases {
		if got := normalizePath(tc.in); got != tc.want {
			t.Errorf("normalizePath(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

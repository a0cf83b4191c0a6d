package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"

	"github.com/d4r1us/aigw-go/internal/models"
	"github.com/d4r1us/aigw-go/internal/upstream"
)

func TestListModels(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &fakeClient{}, nil)
	rec := doJSON(t, srv, http.MethodGet, "/v1/models", nil, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Models []models.Model `json:"models"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Models) == 0 {
		t.Fatal("expected a non-empty model list")
	}
}

func TestSwitchModelRequiresAuth(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &fakeClient{}, func(cfg *Config) {
		cfg.AdminAPIKey = "secret"
	})

	rec := doJSON(t, srv, http.MethodPost, "/v1/models/switch",
		map[string]string{"model": "command-r-plus"}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	env := decodeEnvelope(t, rec.Body)
	if env.Error.Type != kindAuth {
		t.Fatalf("error type = %q", env.Error.Type)
	}
	if rec.Header().Get("WWW-Authenticate") == "" {
		t.Fatal("expected a WWW-Authenticate challenge")
	}

	rec = doJSON(t, srv, http.MethodPost, "/v1/models/switch",
		map[string]string{"model": "command-r-plus"},
		http.Header{"Authorization": {"Bearer wrong"}})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: status = %d, want 401", rec.Code)
	}
}

func TestSwitchModel(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &fakeClient{}, func(cfg *Config) {
		cfg.AdminAPIKey = "secret"
	})

	rec := doJSON(t, srv, http.MethodPost, "/v1/models/switch",
		map[string]string{"model": "command-r-plus"},
		http.Header{"Authorization": {"Bearer secret"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body: %s", rec.Code, rec.Body)
	}
	if got := srv.DefaultModel(); got != "command-r-plus" {
		t.Fatalf("default model = %q, want command-r-plus", got)
	}
}

func TestSwitchModelRejectsNonGeneration(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &fakeClient{}, nil)
	rec := doJSON(t, srv, http.MethodPost, "/v1/models/switch",
		map[string]string{"model": "embed-english-v3.0"}, nil)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

// recordingEnqueuer captures every enqueued key/text pair.
type recordingEnqueuer struct {
	mu    sync.Mutex
	texts []string
}

func (r *recordingEnqueuer) Enqueue(key, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.texts = append(r.texts, text)
	return nil
}

func TestEmbedScalarInput(t *testing.T) {
	t.Parallel()

	enq := &recordingEnqueuer{}
	var captured *upstream.EmbedRequest
	fake := &fakeClient{
		embedFn: func(ctx context.Context, req *upstream.EmbedRequest) (*upstream.EmbedResponse, error) {
			captured = req
			return &upstream.EmbedResponse{Embeddings: [][]float32{{0.1, 0.2}}}, nil
		},
	}
	srv := newTestServer(t, fake, nil)
	srv.embedQ = enq

	rec := doJSON(t, srv, http.MethodPost, "/v1/embed",
		map[string]any{"input": "hello world"}, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body: %s", rec.Code, rec.Body)
	}
	var body listResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Object != "list" || len(body.Data) != 1 {
		t.Fatalf("unexpected body: %+v", body)
	}
	if body.Data[0].Index != 0 || len(body.Data[0].Embedding) != 2 {
		t.Fatalf("unexpected datum: %+v", body.Data[0])
	}
	if captured.Model != "embed-english-v3.0" {
		t.Fatalf("model = %q, want configured default", captured.Model)
	}
	if len(captured.Texts) != 1 || captured.Texts[0] != "hello world" {
		t.Fatalf("texts = %+v", captured.Texts)
	}

	enq.mu.Lock()
	defer enq.mu.Unlock()
	if len(enq.texts) != 1 || enq.texts[0] != "hello world" {
		t.Fatalf("enqueued = %+v", enq.texts)
	}
}

func TestEmbedArrayInput(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &fakeClient{}, nil)
	rec := doJSON(t, srv, http.MethodPost, "/v1/embed",
		map[string]any{"input": []string{"a", "b", "c"}}, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body listResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Data) != 3 {
		t.Fatalf("data length = %d, want 3", len(body.Data))
	}
}

func TestEmbedEmptyInput(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &fakeClient{}, nil)
	rec := doJSON(t, srv, http.MethodPost, "/v1/embed", map[string]any{"input": []string{}}, nil)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestRerank(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &fakeClient{}, nil)
	rec := doJSON(t, srv, http.MethodPost, "/v1/rerank", map[string]any{
		"query":     "best doc",
		"documents": []string{"one", "two"},
	}, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body: %s", rec.Code, rec.Body)
	}
	var body struct {
		Object  string                  `json:"object"`
		Results []upstream.RerankResult `json:"results"`
		Model   string                  `json:"model"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Results) != 2 {
		t.Fatalf("results = %+v", body.Results)
	}
	if body.Model != "rerank-english-v3.0" {
		t.Fatalf("model = %q, want registry fallback", body.Model)
	}
}

func TestRerankMissingQuery(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &fakeClient{}, nil)
	rec := doJSON(t, srv, http.MethodPost, "/v1/rerank", map[string]any{
		"documents": []string{"one"},
	}, nil)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestVision(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &fakeClient{}, nil)
	rec := doJSON(t, srv, http.MethodPost, "/v1/vision", map[string]any{
		"input": "what is in this image?",
	}, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body: %s", rec.Code, rec.Body)
	}
	var body struct {
		Model string `json:"model"`
		Text  string `json:"text"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Text != "a cat" {
		t.Fatalf("text = %q", body.Text)
	}
	if body.Model != "c4ai-aya-vision-8b" {
		t.Fatalf("model = %q, want registry fallback", body.Model)
	}
}

func TestVisionUnknownModel(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &fakeClient{}, nil)
	rec := doJSON(t, srv, http.MethodPost, "/v1/vision", map[string]any{
		"input": "describe",
		"model": "no-such-vision-model",
	}, nil)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	env := decodeEnvelope(t, rec.Body)
	if env.Error.Type != kindNotFound {
		t.Fatalf("error type = %q", env.Error.Type)
	}
}

func TestVisionNoModelConfigured(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &fakeClient{}, nil)
	// Replace the registry with one carrying no vision model.
	srv.registry = models.New([]models.Model{
		{ID: "command-r", Type: models.TypeGeneration},
	})

	rec := doJSON(t, srv, http.MethodPost, "/v1/vision", map[string]any{
		"input": "describe",
	}, nil)

	if rec.Code != http.StatusNotImplemented {
		t.Fatalf("status = %d, want 501", rec.Code)
	}
	env := decodeEnvelope(t, rec.Body)
	if env.Error.Type != kindNotImplemented {
		t.Fatalf("error type = %q", env.Error.Type)
	}
}

func TestRAGIndexWithoutStore(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &fakeClient{}, nil)
	rec := doJSON(t, srv, http.MethodPost, "/v1/rag/index",
		map[string]any{"projectPath": "/tmp/project"}, nil)

	if rec.Code != http.StatusNotImplemented {
		t.Fatalf("status = %d, want 501", rec.Code)
	}
}

func TestRAGStatsWithoutStore(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &fakeClient{}, nil)
	rec := doJSON(t, srv, http.MethodGet, "/v1/rag/stats", nil, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestConversationFeedback(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &fakeClient{}, nil)
	rec := doJSON(t, srv, http.MethodPost, "/v1/conversations/fb-sess/feedback",
		map[string]string{"feedback": "great answer", "type": "positive"}, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body: %s", rec.Code, rec.Body)
	}
	msgs := srv.sessions.Messages("fb-sess")
	if len(msgs) != 1 || msgs[0].Metadata["feedback"] != "positive" {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
}

func TestConversationFeedbackEmpty(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &fakeClient{}, nil)
	rec := doJSON(t, srv, http.MethodPost, "/v1/conversations/fb-sess/feedback",
		map[string]string{"feedback": ""}, nil)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestConversationDelete(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &fakeClient{}, nil)
	if _, err := srv.sessions.AddMessage(context.Background(), "del-sess", "user", "hi", nil); err != nil {
		t.Fatalf("seed session: %v", err)
	}

	rec := doJSON(t, srv, http.MethodDelete, "/v1/conversations/del-sess", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if msgs := srv.sessions.Messages("del-sess"); len(msgs) != 0 {
		t.Fatalf("session not cleared: %+v", msgs)
	}
}

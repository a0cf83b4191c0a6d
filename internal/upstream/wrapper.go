package upstream

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/d4r1us/aigw-go/internal/cache"
	"github.com/d4r1us/aigw-go/internal/resilience"
)

// retryOverrideKey is the context key for per-call retry overrides.
type retryOverrideKey struct{}

// WithRetryOverride returns a copy of ctx that makes the wrapper use opts
// instead of its configured retry policy for calls made with that context.
func WithRetryOverride(ctx context.Context, opts resilience.RetryOptions) context.Context {
	return context.WithValue(ctx, retryOverrideKey{}, opts)
}

// retryOverride returns the per-call retry override stored in ctx, if any.
func retryOverride(ctx context.Context) (resilience.RetryOptions, bool) {
	opts, ok := ctx.Value(retryOverrideKey{}).(resilience.RetryOptions)
	return opts, ok
}

// WrapperConfig holds the resilient wrapper construction parameters.
type WrapperConfig struct {
	// Inner is the wrapped upstream client.
	Inner Client

	// Cache coalesces and caches identical generation calls. Nil disables
	// caching (every call goes straight through breaker → retry).
	Cache *cache.Cache

	// Breaker guards all calls. Required.
	Breaker *resilience.Breaker

	// Retry is the default retry policy; per-call overrides come from
	// [WithRetryOverride].
	Retry resilience.RetryOptions

	// TTLFor returns the response cache TTL for a model. Nil means the
	// cache's default TTL applies.
	TTLFor func(model string) time.Duration

	// StreamingSupported injects stream=true into chat payloads.
	StreamingSupported bool

	// Registerer receives the wrapper's call metrics. Nil disables them.
	Registerer prometheus.Registerer

	// Logger is used for diagnostics. Nil falls back to slog.Default.
	Logger *slog.Logger
}

// Wrapper presents the same operation surface as the underlying upstream,
// routing every call through circuit breaker → retry → per-attempt timeout,
// and coalescing identical generation calls through the cache. It implements
// [Client], so every reachable call path benefits transparently.
type Wrapper struct {
	inner              Client
	cache              *cache.Cache
	breaker            *resilience.Breaker
	retry              resilience.RetryOptions
	ttlFor             func(model string) time.Duration
	streamingSupported bool
	log                *slog.Logger

	calls *prometheus.CounterVec
}

// NewWrapper constructs a Wrapper from cfg.
func NewWrapper(cfg *WrapperConfig) (*Wrapper, error) {
	if cfg == nil || cfg.Inner == nil {
		return nil, fmt.Errorf("upstream: wrapper requires an inner client")
	}
	if cfg.Breaker == nil {
		return nil, fmt.Errorf("upstream: wrapper requires a breaker")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	w := &Wrapper{
		inner:              cfg.Inner,
		cache:              cfg.Cache,
		breaker:            cfg.Breaker,
		retry:              cfg.Retry,
		ttlFor:             cfg.TTLFor,
		streamingSupported: cfg.StreamingSupported,
		log:                log,
	}
	if cfg.Registerer != nil {
		w.calls = promauto.With(cfg.Registerer).NewCounterVec(prometheus.CounterOpts{
			Namespace: "aigw", Subsystem: "upstream", Name: "calls_total",
			Help: "Total upstream calls routed through the wrapper, by operation and outcome.",
		}, []string{"op", "outcome"})
	}
	return w, nil
}

// Chat performs a chat call through cache → breaker → retry. Identical
// concurrent calls coalesce onto one upstream execution; results are cached
// under the per-model TTL, stamped once when the entry is produced so hits
// never extend it.
func (w *Wrapper) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	effective := w.effectiveChatPayload(req)

	key, ok := chatCacheKey(effective)
	if !ok || w.cache == nil {
		return w.execChat(ctx, effective)
	}

	val, err := w.cached(ctx, key, effective.Model, func(ctx context.Context) (any, error) {
		return w.execChat(ctx, effective)
	})
	if err != nil {
		return nil, err
	}
	resp, isResp := val.(*ChatResponse)
	if !isResp {
		// A foreign value under our key; bypass the cache for this call.
		return w.execChat(ctx, effective)
	}
	return resp, nil
}

// cached runs producer through the cache, storing a success under the
// per-model TTL when one is configured.
func (w *Wrapper) cached(ctx context.Context, key, model string, producer func(ctx context.Context) (any, error)) (any, error) {
	if w.ttlFor == nil {
		return w.cache.GetOrCompute(ctx, key, producer)
	}
	return w.cache.GetOrComputeTTL(ctx, key, w.ttlFor(model), producer)
}

// execChat runs one chat call under breaker → retry.
func (w *Wrapper) execChat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	var resp *ChatResponse
	err := w.breaker.Exec(func() error {
		var retryErr error
		resp, retryErr = resilience.Retry(ctx, w.retryOpts(ctx), func(ctx context.Context) (*ChatResponse, error) {
			return w.inner.Chat(ctx, req)
		})
		return retryErr
	})
	w.count("chat", err)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// ChatStream opens a streaming chat call. Stream establishment is guarded by
// breaker → retry; the stream itself has no total-duration timeout.
func (w *Wrapper) ChatStream(ctx context.Context, req *ChatRequest) (*Stream, error) {
	effective := w.effectiveChatPayload(req)

	var stream *Stream
	err := w.breaker.Exec(func() error {
		var retryErr error
		stream, retryErr = resilience.Retry(ctx, w.retryOpts(ctx), func(ctx context.Context) (*Stream, error) {
			return w.inner.ChatStream(ctx, effective)
		})
		return retryErr
	})
	w.count("chat_stream", err)
	if err != nil {
		return nil, err
	}
	return stream, nil
}

// Embed runs an embed call under breaker → retry. Embedding results are
// cached by the embedding pipeline, not here.
func (w *Wrapper) Embed(ctx context.Context, req *EmbedRequest) (*EmbedResponse, error) {
	var resp *EmbedResponse
	err := w.breaker.Exec(func() error {
		var retryErr error
		resp, retryErr = resilience.Retry(ctx, w.retryOpts(ctx), func(ctx context.Context) (*EmbedResponse, error) {
			return w.inner.Embed(ctx, req)
		})
		return retryErr
	})
	w.count("embed", err)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Rerank runs a rerank call under breaker → retry and caches the ranking
// under the per-model TTL.
func (w *Wrapper) Rerank(ctx context.Context, req *RerankRequest) (*RerankResponse, error) {
	exec := func(ctx context.Context) (*RerankResponse, error) {
		var resp *RerankResponse
		err := w.breaker.Exec(func() error {
			var retryErr error
			resp, retryErr = resilience.Retry(ctx, w.retryOpts(ctx), func(ctx context.Context) (*RerankResponse, error) {
				return w.inner.Rerank(ctx, req)
			})
			return retryErr
		})
		w.count("rerank", err)
		return resp, err
	}

	key, ok := rerankCacheKey(req)
	if !ok || w.cache == nil {
		return exec(ctx)
	}

	val, err := w.cached(ctx, key, req.Model, func(ctx context.Context) (any, error) {
		return exec(ctx)
	})
	if err != nil {
		return nil, err
	}
	resp, isResp := val.(*RerankResponse)
	if !isResp {
		return exec(ctx)
	}
	return resp, nil
}

// Vision runs a vision call under breaker → retry.
func (w *Wrapper) Vision(ctx context.Context, req *VisionRequest) (*VisionResponse, error) {
	var resp *VisionResponse
	err := w.breaker.Exec(func() error {
		var retryErr error
		resp, retryErr = resilience.Retry(ctx, w.retryOpts(ctx), func(ctx context.Context) (*VisionResponse, error) {
			return w.inner.Vision(ctx, req)
		})
		return retryErr
	})
	w.count("vision", err)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// ListModels enumerates upstream models under breaker → retry. Nested
// operation namespaces are wrapped the same as first-class calls.
func (w *Wrapper) ListModels(ctx context.Context) ([]ModelInfo, error) {
	var models []ModelInfo
	err := w.breaker.Exec(func() error {
		var retryErr error
		models, retryErr = resilience.Retry(ctx, w.retryOpts(ctx), func(ctx context.Context) ([]ModelInfo, error) {
			return w.inner.ListModels(ctx)
		})
		return retryErr
	})
	w.count("models", err)
	if err != nil {
		return nil, err
	}
	return models, nil
}

// effectiveChatPayload returns a copy of req with the stream flag injected
// when the gateway is configured for streaming upstreams.
func (w *Wrapper) effectiveChatPayload(req *ChatRequest) *ChatRequest {
	if !w.streamingSupported || req.Stream {
		return req
	}
	cp := *req
	cp.Stream = true
	return &cp
}

// retryOpts resolves the retry policy for one call, honouring a per-call
// override carried on the context.
func (w *Wrapper) retryOpts(ctx context.Context) resilience.RetryOptions {
	if opts, ok := retryOverride(ctx); ok {
		return opts
	}
	return w.retry
}

// count records one call outcome.
func (w *Wrapper) count(op string, err error) {
	if w.calls == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	w.calls.WithLabelValues(op, outcome).Inc()
}

// chatKeyFields is the canonical-ordered scalar projection of a chat payload
// used for cache keying. Chat history and session identity are deliberately
// excluded so identical prompts coalesce across sessions.
type chatKeyFields struct {
	MaxTokens   int      `json:"max_tokens"`
	Message     string   `json:"message"`
	Model       string   `json:"model"`
	Preamble    string   `json:"preamble"`
	Temperature *float64 `json:"temperature"`
}

// chatCacheKey derives the stable cache key for a chat payload. The second
// return is false when serialization fails, in which case the caller skips
// the cache and proceeds uncached.
func chatCacheKey(req *ChatRequest) (string, bool) {
	raw, err := json.Marshal(chatKeyFields{
		MaxTokens:   req.MaxTokens,
		Message:     req.Message,
		Model:       req.Model,
		Preamble:    req.Preamble,
		Temperature: req.Temperature,
	})
	if err != nil {
		return "", false
	}
	sum := sha256.Sum256(raw)
	return "chat:" + hex.EncodeToString(sum[:]), true
}

// rerankKeyFields is the canonical-ordered projection of a rerank payload.
type rerankKeyFields struct {
	Documents []string `json:"documents"`
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	TopN      int      `json:"top_n"`
}

// rerankCacheKey derives the stable cache key for a rerank payload.
func rerankCacheKey(req *RerankRequest) (string, bool) {
	raw, err := json.Marshal(rerankKeyFields{
		Documents: req.Documents,
		Model:     req.Model,
		Query:     req.Query,
		TopN:      req.TopN,
	})
	if err != nil {
		return "", false
	}
	sum := sha256.Sum256(raw)
	return "rerank:" + hex.EncodeToString(sum[:]), true
}

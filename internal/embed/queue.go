// Package embed implements the background embedding pipeline: a bounded
// in-memory queue drained by a single worker that batches texts through the
// resilient upstream, caches the resulting vectors, and appends them to the
// persistent segment log.
package embed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/d4r1us/aigw-go/internal/cache"
	"github.com/d4r1us/aigw-go/internal/upstream"
)

// ErrBackpressure is returned by Enqueue when the queue is at capacity.
var ErrBackpressure = errors.New("embed: queue at capacity")

// Embedder is the slice of the upstream surface the queue needs.
type Embedder interface {
	Embed(ctx context.Context, req *upstream.EmbedRequest) (*upstream.EmbedResponse, error)
}

// Sink receives successfully computed vectors, e.g. a vector index. Sink
// failures are logged and never fail the batch; the cache and segment log
// remain the source of truth.
type Sink interface {
	Upsert(ctx context.Context, key string, vector []float32) error
}

// item is one queued embedding request.
type item struct {
	key  string
	text string
}

// Config holds queue construction parameters.
type Config struct {
	// Client performs the upstream embed calls. Required.
	Client Embedder
	// Model is the embedding model identifier. Required.
	Model string
	// Cache receives computed vectors keyed by item key. Required.
	Cache *cache.Cache
	// Log is the persistent segment log. Nil disables persistence.
	Log AppendLog
	// Sink receives vectors after caching. Nil disables.
	Sink Sink

	// MaxBatch caps items per upstream call. Zero means 16.
	MaxBatch int
	// MaxQueued caps the queue length. Zero means 1024.
	MaxQueued int
	// WorkerDelay is the pause between successful batches. Zero means 100ms.
	WorkerDelay time.Duration
	// FailureBackoff is the pause after a failed batch. Zero means 1s;
	// values below 1s are raised to 1s.
	FailureBackoff time.Duration

	// Registerer receives queue metrics. Nil disables them.
	Registerer prometheus.Registerer
	// Logger receives worker diagnostics. Nil falls back to slog.Default.
	Logger *slog.Logger
}

// AppendLog is the slice of the segment log the queue needs.
type AppendLog interface {
	Append(key string, embedding []float32) error
}

// Queue is the bounded embedding queue. One background worker drains it; the
// worker starts on first enqueue and exits when the queue empties.
type Queue struct {
	client         Embedder
	model          string
	cache          *cache.Cache
	seglog         AppendLog
	sink           Sink
	maxBatch       int
	maxQueued      int
	workerDelay    time.Duration
	failureBackoff time.Duration
	log            *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	items   []item
	running bool
	wg      sync.WaitGroup

	depth     prometheus.Gauge
	processed prometheus.Counter
	failures  prometheus.Counter
	dropped   prometheus.Counter
}

// New constructs a Queue from cfg.
func New(cfg Config) (*Queue, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("embed: queue requires a client")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("embed: queue requires a model")
	}
	if cfg.Cache == nil {
		return nil, fmt.Errorf("embed: queue requires a cache")
	}

	maxBatch := cfg.MaxBatch
	if maxBatch <= 0 {
		maxBatch = 16
	}
	maxQueued := cfg.MaxQueued
	if maxQueued <= 0 {
		maxQueued = 1024
	}
	workerDelay := cfg.WorkerDelay
	if workerDelay <= 0 {
		workerDelay = 100 * time.Millisecond
	}
	backoff := cfg.FailureBackoff
	if backoff < time.Second {
		backoff = time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		client:         cfg.Client,
		model:          cfg.Model,
		cache:          cfg.Cache,
		seglog:         cfg.Log,
		sink:           cfg.Sink,
		maxBatch:       maxBatch,
		maxQueued:      maxQueued,
		workerDelay:    workerDelay,
		failureBackoff: backoff,
		log:            log,
		ctx:            ctx,
		cancel:         cancel,
	}

	if cfg.Registerer != nil {
		factory := promauto.With(cfg.Registerer)
		q.depth = factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "aigw", Subsystem: "embed", Name: "queue_depth",
			Help: "Items waiting in the embedding queue.",
		})
		q.processed = factory.NewCounter(prometheus.CounterOpts{
			Namespace: "aigw", Subsystem: "embed", Name: "processed_total",
			Help: "Embeddings computed and stored.",
		})
		q.failures = factory.NewCounter(prometheus.CounterOpts{
			Namespace: "aigw", Subsystem: "embed", Name: "batch_failures_total",
			Help: "Embedding batches that failed after retries.",
		})
		q.dropped = factory.NewCounter(prometheus.CounterOpts{
			Namespace: "aigw", Subsystem: "embed", Name: "rejected_total",
			Help: "Enqueue attempts rejected by backpressure.",
		})
	}
	return q, nil
}

// Enqueue adds one item. Keys whose vector is already cached are skipped, so
// re-submitting a known text costs no upstream call. It returns
// ErrBackpressure when the queue is full. The first enqueue starts the
// background worker.
func (q *Queue) Enqueue(key, text string) error {
	if _, ok := q.cache.Get(key); ok {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.maxQueued {
		if q.dropped != nil {
			q.dropped.Inc()
		}
		return ErrBackpressure
	}
	q.items = append(q.items, item{key: key, text: text})
	q.gaugeLocked()

	if !q.running {
		q.running = true
		q.wg.Add(1)
		go q.run()
	}
	return nil
}

// Len reports the current queue depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops the worker. Queued items are not flushed; durable state lives
// in the segment log only once a batch has succeeded.
func (q *Queue) Close() {
	q.cancel()
	q.wg.Wait()
}

// run drains the queue until it empties or the queue is closed. Exactly one
// run goroutine exists at a time.
func (q *Queue) run() {
	defer q.wg.Done()

	for {
		batch, ok := q.takeBatch()
		if !ok {
			return
		}

		if err := q.processBatch(batch); err != nil {
			if q.failures != nil {
				q.failures.Inc()
			}
			q.log.Warn("embedding batch failed, requeueing", "batch", len(batch), "error", err)
			q.requeueFront(batch)
			if !q.sleep(q.failureBackoff) {
				return
			}
			continue
		}

		if !q.sleep(q.workerDelay) {
			return
		}
	}
}

// takeBatch splices up to maxBatch items off the queue head. The second
// return is false when the worker should exit: the queue is empty (the
// running flag is dropped under the same lock so no wakeup is missed) or the
// queue is closed.
func (q *Queue) takeBatch() ([]item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.ctx.Err() != nil || len(q.items) == 0 {
		q.running = false
		return nil, false
	}
	n := min(q.maxBatch, len(q.items))
	batch := make([]item, n)
	copy(batch, q.items[:n])
	q.items = q.items[n:]
	q.gaugeLocked()
	return batch, true
}

// requeueFront returns a failed batch to the queue head in original order.
func (q *Queue) requeueFront(batch []item) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(batch, q.items...)
	q.gaugeLocked()
}

// processBatch embeds one batch and stores the vectors. Items whose key
// gained a cached vector while queued are dropped before the upstream call.
// A response whose length differs from the batch is a failure: pairing would
// be ambiguous.
func (q *Queue) processBatch(batch []item) error {
	pending := make([]item, 0, len(batch))
	for _, it := range batch {
		if _, ok := q.cache.Get(it.key); !ok {
			pending = append(pending, it)
		}
	}
	if len(pending) == 0 {
		return nil
	}

	texts := make([]string, len(pending))
	for i, it := range pending {
		texts[i] = it.text
	}

	resp, err := q.client.Embed(q.ctx, &upstream.EmbedRequest{
		Model:     q.model,
		Texts:     texts,
		InputType: "search_document",
	})
	if err != nil {
		return err
	}
	if len(resp.Embeddings) != len(pending) {
		return fmt.Errorf("embed: got %d embeddings for %d texts", len(resp.Embeddings), len(pending))
	}

	for i, it := range pending {
		vec := resp.Embeddings[i]
		q.cache.SetTTL(it.key, vec, cache.NoExpiry)
		if q.seglog != nil {
			if err := q.seglog.Append(it.key, vec); err != nil {
				q.log.Warn("segment append failed", "key", it.key, "error", err)
			}
		}
		if q.sink != nil {
			if err := q.sink.Upsert(q.ctx, it.key, vec); err != nil {
				q.log.Warn("vector sink upsert failed", "key", it.key, "error", err)
			}
		}
		if q.processed != nil {
			q.processed.Inc()
		}
	}
	return nil
}

// sleep pauses for d, returning false when the queue closes first.
func (q *Queue) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-q.ctx.Done():
		q.mu.Lock()
		q.running = false
		q.mu.Unlock()
		return false
	}
}

// gaugeLocked refreshes the depth gauge. Caller holds q.mu.
func (q *Queue) gaugeLocked() {
	if q.depth != nil {
		q.depth.Set(float64(len(q.items)))
	}
}

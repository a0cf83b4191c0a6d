// Package rag implements the retrieval-augmented-generation document store:
// a content-addressed chunk index built by background indexing jobs, with
// cosine-similarity retrieval over cached embeddings and a keyword fallback,
// persisted as a single JSON snapshot.
package rag

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/d4r1us/aigw-go/internal/cache"
)

// Category classifies an indexed file by its role in a codebase.
type Category string

// Document categories.
const (
	CategoryTest   Category = "test"
	CategoryDoc    Category = "doc"
	CategorySource Category = "source"
)

// Metadata describes where a chunk came from.
type Metadata struct {
	// FilePath is the chunk's source file, relative to the indexed root.
	FilePath string `json:"filePath"`
	// Language is the source language inferred from the extension.
	Language string `json:"language"`
	// Category is the file's classification.
	Category Category `json:"category"`
	// ChunkIndex is the chunk's position within the file.
	ChunkIndex int `json:"chunkIndex"`
	// IndexedAt records when the chunk was indexed.
	IndexedAt time.Time `json:"indexedAt"`
}

// Document is one indexed chunk.
type Document struct {
	// ID is the content-addressed chunk identifier.
	ID string `json:"id"`
	// Content is the chunk text.
	Content string `json:"content"`
	// Metadata describes the chunk's origin.
	Metadata Metadata `json:"metadata"`
}

// Stats summarizes the store for the health and stats endpoints.
type Stats struct {
	// Documents is the total chunk count.
	Documents int `json:"documents"`
	// ByCategory is the chunk count per category.
	ByCategory map[Category]int `json:"byCategory"`
	// Embedded is the count of chunks with a cached embedding.
	Embedded int `json:"embedded"`
	// LastIndexedAt is the completion time of the most recent job.
	LastIndexedAt time.Time `json:"lastIndexedAt,omitzero"`
}

// Enqueuer submits chunk texts for background embedding.
type Enqueuer interface {
	Enqueue(key, text string) error
}

// Config holds store construction parameters.
type Config struct {
	// DataDir holds the JSON snapshot. Empty disables persistence.
	DataDir string
	// ChunkSize is the fixed chunk length in characters. Zero means 1200.
	ChunkSize int
	// MaxFileSize skips files larger than this many bytes. Zero means 512 KiB.
	MaxFileSize int64
	// SkipDirs are directory names excluded from walks. Nil uses defaults.
	SkipDirs []string
	// Extensions are the indexable file extensions. Nil uses defaults.
	Extensions []string

	// Embeddings is the embedding cache read during semantic retrieval.
	// Required.
	Embeddings *cache.Cache
	// Queue submits new chunks for embedding. Nil disables embedding.
	Queue Enqueuer
	// Embedder computes query embeddings at retrieval time. Nil disables
	// semantic search.
	Embedder QueryEmbedder
	// EmbeddingModel is the model used for query embeddings.
	EmbeddingModel string
	// Vectors optionally serves semantic retrieval from an external vector
	// index and receives deletions; the in-process scan is the fallback.
	Vectors VectorIndex
	// Registerer receives store metrics. Nil disables them.
	Registerer prometheus.Registerer
	// Logger receives indexing diagnostics. Nil falls back to slog.Default.
	Logger *slog.Logger
}

// Store is the RAG document store. Safe for concurrent use; indexing jobs
// run on a single background worker.
type Store struct {
	dataDir     string
	chunkSize   int
	maxFileSize int64
	skipDirs    map[string]bool
	extensions  map[string]bool

	embeddings *cache.Cache
	queue      Enqueuer
	embedder   QueryEmbedder
	embedModel string
	vectors    VectorIndex
	log        *slog.Logger

	mu         sync.RWMutex
	docs       map[string]Document
	byCategory map[Category]map[string]bool
	lastJobAt  time.Time

	jobs    chan job
	jobMu   sync.Mutex
	jobStat map[string]*JobStatus
	done    chan struct{}
	wg      sync.WaitGroup

	docGauge   prometheus.Gauge
	jobCounter *prometheus.CounterVec
	retrievals *prometheus.CounterVec
}

// defaultSkipDirs are never walked.
var defaultSkipDirs = []string{
	"node_modules", ".git", ".hg", ".svn", "vendor",
	"dist", "build", "target", "__pycache__", "data",
}

// defaultExtensions are the indexable file types.
var defaultExtensions = []string{
	".go", ".js", ".ts", ".tsx", ".jsx", ".py", ".rb", ".rs", ".java",
	".c", ".h", ".cpp", ".hpp", ".cs", ".sh", ".sql",
	".md", ".txt", ".json", ".yaml", ".yml", ".toml", ".html", ".css",
}

// NewStore constructs a Store, loads the snapshot when present, and starts
// the indexing worker.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Embeddings == nil {
		return nil, fmt.Errorf("rag: store requires an embedding cache")
	}
	chunkSize := cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = 1200
	}
	maxFileSize := cfg.MaxFileSize
	if maxFileSize <= 0 {
		maxFileSize = 512 << 10
	}
	skip := cfg.SkipDirs
	if skip == nil {
		skip = defaultSkipDirs
	}
	exts := cfg.Extensions
	if exts == nil {
		exts = defaultExtensions
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	s := &Store{
		dataDir:     cfg.DataDir,
		chunkSize:   chunkSize,
		maxFileSize: maxFileSize,
		skipDirs:    toSet(skip),
		extensions:  toSet(exts),
		embeddings:  cfg.Embeddings,
		queue:       cfg.Queue,
		embedder:    cfg.Embedder,
		embedModel:  cfg.EmbeddingModel,
		vectors:     cfg.Vectors,
		log:         log,
		docs:        make(map[string]Document),
		byCategory:  make(map[Category]map[string]bool),
		jobs:        make(chan job, 16),
		jobStat:     make(map[string]*JobStatus),
		done:        make(chan struct{}),
	}

	if cfg.Registerer != nil {
		factory := promauto.With(cfg.Registerer)
		s.docGauge = factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "aigw", Subsystem: "rag", Name: "documents",
			Help: "Indexed document chunks.",
		})
		s.jobCounter = factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aigw", Subsystem: "rag", Name: "index_jobs_total",
			Help: "Indexing jobs by outcome.",
		}, []string{"outcome"})
		s.retrievals = factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aigw", Subsystem: "rag", Name: "retrievals_total",
			Help: "Retrieval calls by match type.",
		}, []string{"match_type"})
	}

	if err := s.loadSnapshot(); err != nil {
		// Best effort: a corrupt snapshot yields an empty store.
		s.log.Warn("rag snapshot unreadable, starting empty", "error", err)
	}

	s.wg.Add(1)
	go s.worker()
	return s, nil
}

// toSet converts a slice to a lookup set.
func toSet(in []string) map[string]bool {
	out := make(map[string]bool, len(in))
	for _, v := range in {
		out[v] = true
	}
	return out
}

// Close stops the indexing worker and persists the snapshot.
func (s *Store) Close() error {
	close(s.done)
	s.wg.Wait()
	return s.Persist()
}

// add inserts one chunk and registers it in the category index.
func (s *Store) add(doc Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[doc.ID] = doc
	cat := s.byCategory[doc.Metadata.Category]
	if cat == nil {
		cat = make(map[string]bool)
		s.byCategory[doc.Metadata.Category] = cat
	}
	cat[doc.ID] = true
	if s.docGauge != nil {
		s.docGauge.Set(float64(len(s.docs)))
	}
}

// Get returns the chunk with the given id.
func (s *Store) Get(id string) (Document, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[id]
	return doc, ok
}

// Stats summarizes the store.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{
		Documents:     len(s.docs),
		ByCategory:    make(map[Category]int, len(s.byCategory)),
		LastIndexedAt: s.lastJobAt,
	}
	for cat, ids := range s.byCategory {
		st.ByCategory[cat] = len(ids)
	}
	for id := range s.docs {
		if _, ok := s.embeddings.Get(id); ok {
			st.Embedded++
		}
	}
	return st
}

// Clear drops every chunk, the category index, and mirrored vectors, then
// persists the empty snapshot.
func (s *Store) Clear(removeVectors bool) error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.docs))
	for id := range s.docs {
		ids = append(ids, id)
	}
	s.docs = make(map[string]Document)
	s.byCategory = make(map[Category]map[string]bool)
	if s.docGauge != nil {
		s.docGauge.Set(0)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.embeddings.Delete(id)
	}
	if removeVectors && s.vectors != nil && len(ids) > 0 {
		if err := s.vectors.Delete(context.Background(), ids); err != nil {
			s.log.Warn("vector index clear failed", "error", err)
		}
	}
	return s.Persist()
}

// ------------------------------------------------------------------
// Snapshot persistence
// ------------------------------------------------------------------

// snapshotName is the snapshot file inside DataDir.
const snapshotName = "index.json"

// snapshot is the on-disk shape: pair arrays keep the format stable across
// readers that do not preserve map order.
type snapshot struct {
	Documents     []docPair      `json:"documents"`
	DocumentIndex []categoryPair `json:"documentIndex"`
}

type docPair struct {
	ID  string
	Doc Document
}

// MarshalJSON encodes the pair as a two-element array.
func (p docPair) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{p.ID, p.Doc})
}

// UnmarshalJSON decodes the two-element array form.
func (p *docPair) UnmarshalJSON(data []byte) error {
	var raw [2]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if err := json.Unmarshal(raw[0], &p.ID); err != nil {
		return err
	}
	return json.Unmarshal(raw[1], &p.Doc)
}

type categoryPair struct {
	Category Category
	IDs      []string
}

// MarshalJSON encodes the pair as a two-element array.
func (p categoryPair) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{p.Category, p.IDs})
}

// UnmarshalJSON decodes the two-element array form.
func (p *categoryPair) UnmarshalJSON(data []byte) error {
	var raw [2]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if err := json.Unmarshal(raw[0], &p.Category); err != nil {
		return err
	}
	return json.Unmarshal(raw[1], &p.IDs)
}

// Persist writes the snapshot. A no-op when no data directory is configured.
func (s *Store) Persist() error {
	if s.dataDir == "" {
		return nil
	}
	if err := os.MkdirAll(s.dataDir, 0o755); err != nil {
		return fmt.Errorf("rag: create data dir: %w", err)
	}

	s.mu.RLock()
	snap := snapshot{
		Documents:     make([]docPair, 0, len(s.docs)),
		DocumentIndex: make([]categoryPair, 0, len(s.byCategory)),
	}
	for id, doc := range s.docs {
		snap.Documents = append(snap.Documents, docPair{ID: id, Doc: doc})
	}
	for cat, ids := range s.byCategory {
		pair := categoryPair{Category: cat, IDs: make([]string, 0, len(ids))}
		for id := range ids {
			pair.IDs = append(pair.IDs, id)
		}
		sort.Strings(pair.IDs)
		snap.DocumentIndex = append(snap.DocumentIndex, pair)
	}
	s.mu.RUnlock()

	sort.Slice(snap.Documents, func(i, j int) bool { return snap.Documents[i].ID < snap.Documents[j].ID })
	sort.Slice(snap.DocumentIndex, func(i, j int) bool { return snap.DocumentIndex[i].Category < snap.DocumentIndex[j].Category })

	raw, err := json.Marshal(&snap)
	if err != nil {
		return fmt.Errorf("rag: marshal snapshot: %w", err)
	}

	path := filepath.Join(s.dataDir, snapshotName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("rag: write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rag: publish snapshot: %w", err)
	}
	return nil
}

// loadSnapshot restores the store from the snapshot file, if any.
func (s *Store) loadSnapshot() error {
	if s.dataDir == "" {
		return nil
	}
	raw, err := os.ReadFile(filepath.Join(s.dataDir, snapshotName))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	var snap snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range snap.Documents {
		doc := p.Doc
		doc.ID = p.ID
		s.docs[p.ID] = doc
	}
	for _, p := range snap.DocumentIndex {
		set := make(map[string]bool, len(p.IDs))
		for _, id := range p.IDs {
			set[id] = true
		}
		s.byCategory[p.Category] = set
	}
	if s.docGauge != nil {
		s.docGauge.Set(float64(len(s.docs)))
	}
	s.log.Info("rag snapshot loaded", "documents", len(s.docs))
	return nil
}

package rag

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/d4r1us/aigw-go/internal/upstream"
)

// QueryEmbedder computes embeddings for retrieval queries.
type QueryEmbedder interface {
	Embed(ctx context.Context, req *upstream.EmbedRequest) (*upstream.EmbedResponse, error)
}

// MatchType records which search path produced a result.
type MatchType string

// Match types.
const (
	MatchSemantic MatchType = "semantic"
	MatchKeyword  MatchType = "keyword"
)

// Result is one retrieved chunk with its score.
type Result struct {
	// Document is the retrieved chunk.
	Document Document `json:"document"`
	// Score is the cosine similarity for semantic matches, or the distinct
	// token hit count for keyword matches.
	Score float64 `json:"score"`
	// MatchType records the search path.
	MatchType MatchType `json:"matchType"`
}

// RetrieveOptions tunes one retrieval.
type RetrieveOptions struct {
	// MaxResults caps the result count. Zero means 5.
	MaxResults int
	// MinSimilarity filters semantic matches below this cosine score.
	MinSimilarity float64
	// DisableSemanticSearch skips straight to keyword search.
	DisableSemanticSearch bool
}

// Retrieve finds the chunks most relevant to query. Semantic search over
// cached embeddings runs first; when it yields nothing (or fails), keyword
// search takes over.
func (s *Store) Retrieve(ctx context.Context, query string, opts RetrieveOptions) ([]Result, error) {
	if query == "" {
		return nil, fmt.Errorf("rag: query must not be empty")
	}
	maxResults := opts.MaxResults
	if maxResults <= 0 {
		maxResults = 5
	}

	s.mu.RLock()
	empty := len(s.docs) == 0
	s.mu.RUnlock()
	if empty {
		return nil, nil
	}

	if !opts.DisableSemanticSearch && s.embedder != nil {
		results, err := s.semanticSearch(ctx, query, maxResults, opts.MinSimilarity)
		if err != nil {
			s.log.Warn("semantic search failed, falling back to keyword", "error", err)
		} else if len(results) > 0 {
			if s.retrievals != nil {
				s.retrievals.WithLabelValues(string(MatchSemantic)).Inc()
			}
			return results, nil
		}
	}

	results := s.keywordSearch(query, maxResults)
	if s.retrievals != nil && len(results) > 0 {
		s.retrievals.WithLabelValues(string(MatchKeyword)).Inc()
	}
	return results, nil
}

// semanticSearch ranks chunks against the query embedding. A configured
// vector index answers first; the in-process cosine scan over cached
// embeddings is the default and the fallback when the index fails. Chunks
// without a cached vector are skipped by the scan.
func (s *Store) semanticSearch(ctx context.Context, query string, maxResults int, minSim float64) ([]Result, error) {
	resp, err := s.embedder.Embed(ctx, &upstream.EmbedRequest{
		Model:     s.embedModel,
		Texts:     []string{query},
		InputType: "search_query",
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Embeddings) != 1 {
		return nil, fmt.Errorf("rag: expected 1 query embedding, got %d", len(resp.Embeddings))
	}
	qvec := resp.Embeddings[0]

	if s.vectors != nil {
		results, err := s.indexSearch(ctx, qvec, maxResults, minSim)
		if err != nil {
			s.log.Warn("vector index search failed, falling back to local scan", "error", err)
		} else {
			return results, nil
		}
	}

	s.mu.RLock()
	docs := make([]Document, 0, len(s.docs))
	for _, doc := range s.docs {
		docs = append(docs, doc)
	}
	s.mu.RUnlock()

	var results []Result
	for _, doc := range docs {
		val, ok := s.embeddings.Get(doc.ID)
		if !ok {
			continue
		}
		vec, ok := val.([]float32)
		if !ok {
			continue
		}
		score := cosine(qvec, vec)
		if score < minSim {
			continue
		}
		results = append(results, Result{Document: doc, Score: score, MatchType: MatchSemantic})
	}

	sortResults(results)
	if len(results) > maxResults {
		results = results[:maxResults]
	}
	return results, nil
}

// indexSearch ranks chunks through the external vector index. Hits below the
// similarity floor, or whose chunk id is no longer in the store, are dropped.
func (s *Store) indexSearch(ctx context.Context, qvec []float32, maxResults int, minSim float64) ([]Result, error) {
	hits, err := s.vectors.Search(ctx, qvec, maxResults)
	if err != nil {
		return nil, err
	}

	var results []Result
	for _, hit := range hits {
		if hit.Score < minSim {
			continue
		}
		doc, ok := s.Get(hit.ID)
		if !ok {
			continue
		}
		results = append(results, Result{Document: doc, Score: hit.Score, MatchType: MatchSemantic})
	}
	return results, nil
}

// keywordSearch scores chunks by the count of distinct query tokens found in
// the content plus metadata.
func (s *Store) keywordSearch(query string, maxResults int) []Result {
	tokens := tokenize(query)
	if len(tokens) == 0 {
		return nil
	}

	s.mu.RLock()
	docs := make([]Document, 0, len(s.docs))
	for _, doc := range s.docs {
		docs = append(docs, doc)
	}
	s.mu.RUnlock()

	var results []Result
	for _, doc := range docs {
		haystack := strings.ToLower(doc.Content + " " + doc.Metadata.FilePath + " " +
			doc.Metadata.Language + " " + string(doc.Metadata.Category))
		hits := 0
		for _, tok := range tokens {
			if strings.Contains(haystack, tok) {
				hits++
			}
		}
		if hits == 0 {
			continue
		}
		results = append(results, Result{Document: doc, Score: float64(hits), MatchType: MatchKeyword})
	}

	sortResults(results)
	if len(results) > maxResults {
		results = results[:maxResults]
	}
	return results
}

// sortResults orders by score descending, breaking ties by id for a stable
// ordering.
func sortResults(results []Result) {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Document.ID < results[j].Document.ID
	})
}

// tokenize lowercases and splits query, keeping distinct tokens longer than
// two characters.
func tokenize(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
	seen := make(map[string]bool, len(fields))
	var tokens []string
	for _, f := range fields {
		if len(f) <= 2 || seen[f] {
			continue
		}
		seen[f] = true
		tokens = append(tokens, f)
	}
	return tokens
}

// cosine is the standard cosine similarity; a zero denominator yields 0.
// Mismatched dimensions compare over the shorter prefix.
func cosine(a, b []float32) float64 {
	n := min(len(a), len(b))
	var dot, normA, normB float64
	for i := range n {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return dot / denom
}

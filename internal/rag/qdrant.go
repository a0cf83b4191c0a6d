package rag

import (
	"context"
	"fmt"

	"github.com/qdrant/go-client/qdrant"
)

// VectorIndex mirrors chunk vectors into an external index and serves
// nearest-neighbour lookups during retrieval. Optional: the in-process cosine
// scan works without one.
type VectorIndex interface {
	// Upsert stores one chunk vector under its chunk id.
	Upsert(ctx context.Context, key string, vector []float32) error
	// Search returns the topK nearest chunks to vector with their
	// similarity scores.
	Search(ctx context.Context, vector []float32, topK int) ([]VectorHit, error)
	// Delete removes the vectors for the given chunk ids.
	Delete(ctx context.Context, ids []string) error
	// Ping checks the index is reachable.
	Ping(ctx context.Context) error
	// Close releases the connection.
	Close() error
}

// VectorHit is one nearest-neighbour match from a vector index.
type VectorHit struct {
	// ID is the chunk id stored alongside the vector.
	ID string
	// Score is the index's cosine similarity score.
	Score float64
}

// QdrantConfig holds connection parameters for a Qdrant vector index.
type QdrantConfig struct {
	// Host is the Qdrant server hostname (default: localhost).
	Host string
	// Port is the Qdrant gRPC port (default: 6334).
	Port int
	// Collection is the collection name.
	Collection string
	// VectorSize is the embedding dimensionality for collection creation.
	VectorSize uint64
	// APIKey is the optional API key for authenticated clusters.
	APIKey string
	// UseTLS enables TLS for the gRPC connection.
	UseTLS bool
}

// QdrantIndex implements VectorIndex backed by a Qdrant instance. Chunk ids
// are mapped onto deterministic UUIDs since Qdrant point ids must be UUIDs
// or integers.
type QdrantIndex struct {
	client *qdrant.Client
	cfg    *QdrantConfig
}

// NewQdrantIndex connects to Qdrant and ensures the target collection
// exists.
func NewQdrantIndex(ctx context.Context, cfg *QdrantConfig) (*QdrantIndex, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: create client: %w", err)
	}

	idx := &QdrantIndex{client: client, cfg: cfg}
	if err := idx.ensureCollection(ctx); err != nil {
		return nil, err
	}
	return idx, nil
}

// ensureCollection creates the collection if it does not already exist.
func (q *QdrantIndex) ensureCollection(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.cfg.Collection)
	if err != nil {
		return fmt.Errorf("qdrant: check collection: %w", err)
	}
	if exists {
		return nil
	}

	err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: q.cfg.Collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     q.cfg.VectorSize,
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("qdrant: create collection %q: %w", q.cfg.Collection, err)
	}
	return nil
}

// Upsert stores one chunk vector. The chunk id rides along in the payload so
// search hits can be resolved back to store documents.
func (q *QdrantIndex) Upsert(ctx context.Context, key string, vector []float32) error {
	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.cfg.Collection,
		Points: []*qdrant.PointStruct{{
			Id:      qdrant.NewIDUUID(VectorID(key)),
			Vectors: qdrant.NewVectors(vector...),
			Payload: qdrant.NewValueMap(map[string]any{"chunk_id": key}),
		}},
	})
	if err != nil {
		return fmt.Errorf("qdrant: upsert: %w", err)
	}
	return nil
}

// Search returns the topK nearest chunks with their cosine scores.
func (q *QdrantIndex) Search(ctx context.Context, queryVector []float32, topK int) ([]VectorHit, error) {
	limit := uint64(topK)
	results, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.cfg.Collection,
		Query:          qdrant.NewQuery(queryVector...),
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: search: %w", err)
	}

	hits := make([]VectorHit, 0, len(results))
	for _, r := range results {
		id := r.Id.GetUuid()
		if p := r.Payload; p != nil {
			if v, ok := p["chunk_id"]; ok {
				id = v.GetStringValue()
			}
		}
		hits = append(hits, VectorHit{ID: id, Score: float64(r.GetScore())})
	}
	return hits, nil
}

// Delete removes the vectors for the given chunk ids.
func (q *QdrantIndex) Delete(ctx context.Context, ids []string) error {
	pointIDs := make([]*qdrant.PointId, 0, len(ids))
	for _, id := range ids {
		pointIDs = append(pointIDs, qdrant.NewIDUUID(VectorID(id)))
	}

	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.cfg.Collection,
		Points:         qdrant.NewPointsSelector(pointIDs...),
	})
	if err != nil {
		return fmt.Errorf("qdrant: delete: %w", err)
	}
	return nil
}

// Ping checks the index is reachable by probing the collection.
func (q *QdrantIndex) Ping(ctx context.Context) error {
	if _, err := q.client.CollectionExists(ctx, q.cfg.Collection); err != nil {
		return fmt.Errorf("qdrant: ping: %w", err)
	}
	return nil
}

// Close closes the underlying gRPC connection.
func (q *QdrantIndex) Close() error {
	return q.client.Close()
}

package server

import (
	"context"
	"fmt"

	"github.com/d4r1us/aigw-go/internal/rag"
	"github.com/d4r1us/aigw-go/internal/upstream"
)

// UpstreamPinger probes the vendor API by listing its models — a cheap call
// that exercises auth and connectivity without consuming tokens. It
// satisfies the Pinger interface and is used by GET /ready.
type UpstreamPinger struct {
	// client is the upstream surface to probe.
	client upstream.Client
	// name identifies the backend in readiness responses.
	name string
}

// NewUpstreamPinger constructs an UpstreamPinger for the given client.
func NewUpstreamPinger(client upstream.Client, name string) *UpstreamPinger {
	if name == "" {
		name = "upstream"
	}
	return &UpstreamPinger{client: client, name: name}
}

// Name returns the backend label used in readiness responses.
func (p *UpstreamPinger) Name() string { return p.name }

// Ping lists the upstream's models for readiness.
func (p *UpstreamPinger) Ping(ctx context.Context) error {
	if _, err := p.client.ListModels(ctx); err != nil {
		return fmt.Errorf("list models failed: %w", err)
	}
	return nil
}

// VectorIndexPinger probes the configured vector index. It satisfies the
// Pinger interface and is used by GET /ready.
type VectorIndexPinger struct {
	// index is the vector index to probe.
	index rag.VectorIndex
}

// NewVectorIndexPinger constructs a VectorIndexPinger for the given index.
func NewVectorIndexPinger(index rag.VectorIndex) *VectorIndexPinger {
	return &VectorIndexPinger{index: index}
}

// Name returns the dependency label used in readiness responses.
func (p *VectorIndexPinger) Name() string { return "qdrant" }

// Ping probes the index.
// Returns nil if it is reachable, or a descriptive error otherwise.
func (p *VectorIndexPinger) Ping(ctx context.Context) error {
	if err := p.index.Ping(ctx); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	return nil
}

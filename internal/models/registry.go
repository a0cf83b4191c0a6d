// Package models maintains the registry of known model identifiers, their
// capability classes, and their response-cache TTLs. The registry is the
// single authority the boundary layer consults before any upstream call.
package models

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// Type is a model capability class.
type Type string

// Capability classes. Every registered model has exactly one.
const (
	TypeGeneration Type = "generation"
	TypeEmbed      Type = "embed"
	TypeRerank     Type = "rerank"
	TypeVision     Type = "vision"
)

// Model is one registry entry.
type Model struct {
	// ID is the model identifier as sent to the upstream.
	ID string `yaml:"id" json:"id"`
	// Type is the capability class.
	Type Type `yaml:"type" json:"type"`
	// Languages lists the languages the model is tuned for.
	Languages []string `yaml:"languages" json:"languages"`
	// TTLMillis is the response-cache TTL for this model, in milliseconds.
	TTLMillis int64 `yaml:"ttl_ms" json:"ttl_ms"`
}

// TTL returns the entry's cache TTL as a duration.
func (m Model) TTL() time.Duration { return time.Duration(m.TTLMillis) * time.Millisecond }

// ValidationError is a client-input failure from model validation. The
// boundary layer maps it to a 400 response.
type ValidationError struct {
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string { return e.Message }

// HTTPStatus classifies validation failures as client errors.
func (e *ValidationError) HTTPStatus() int { return 400 }

// defaultTTL applies to models the registry does not know a TTL for.
const defaultTTL = 5 * time.Minute

// fallback is the built-in registry used when no external file is configured.
var fallback = []Model{
	{ID: "command-r-plus", Type: TypeGeneration, Languages: []string{"en", "fr", "es", "de"}, TTLMillis: 300_000},
	{ID: "command-r", Type: TypeGeneration, Languages: []string{"en", "fr", "es", "de"}, TTLMillis: 300_000},
	{ID: "command-light", Type: TypeGeneration, Languages: []string{"en"}, TTLMillis: 120_000},
	{ID: "embed-english-v3.0", Type: TypeEmbed, Languages: []string{"en"}, TTLMillis: 3_600_000},
	{ID: "embed-multilingual-v3.0", Type: TypeEmbed, Languages: []string{"en", "fr", "es", "de", "ja"}, TTLMillis: 3_600_000},
	{ID: "rerank-english-v3.0", Type: TypeRerank, Languages: []string{"en"}, TTLMillis: 600_000},
	{ID: "c4ai-aya-vision-8b", Type: TypeVision, Languages: []string{"en"}, TTLMillis: 120_000},
}

// Registry maps model identifiers to entries. It is immutable after
// construction and safe for concurrent reads.
type Registry struct {
	byID  map[string]Model
	order []string
}

// registryFile is the on-disk shape of an external registry file.
type registryFile struct {
	Models []Model `yaml:"models"`
}

// New builds a registry from entries. Later duplicates win.
func New(entries []Model) *Registry {
	r := &Registry{byID: make(map[string]Model, len(entries))}
	for _, m := range entries {
		if _, seen := r.byID[m.ID]; !seen {
			r.order = append(r.order, m.ID)
		}
		r.byID[m.ID] = m
	}
	return r
}

// Default returns the built-in registry.
func Default() *Registry { return New(fallback) }

// LoadFile reads a registry from a YAML file. The file must declare at least
// one model.
func LoadFile(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("models: read registry file: %w", err)
	}
	var f registryFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("models: parse registry file: %w", err)
	}
	if len(f.Models) == 0 {
		return nil, fmt.Errorf("models: registry file %s declares no models", path)
	}
	for _, m := range f.Models {
		switch m.Type {
		case TypeGeneration, TypeEmbed, TypeRerank, TypeVision:
		default:
			return nil, fmt.Errorf("models: registry file %s: model %q has unknown type %q", path, m.ID, m.Type)
		}
	}
	return New(f.Models), nil
}

// Load builds the registry from path when non-empty, falling back to the
// built-in list otherwise.
func Load(path string) (*Registry, error) {
	if path == "" {
		return Default(), nil
	}
	return LoadFile(path)
}

// Lookup returns the entry for id.
func (r *Registry) Lookup(id string) (Model, bool) {
	m, ok := r.byID[id]
	return m, ok
}

// Validate checks that id names a registered model and, when required is
// non-empty, that the model's capability class matches. Failures are
// *ValidationError values suitable for a 400 response.
func (r *Registry) Validate(id string, required Type) (Model, error) {
	if id == "" {
		return Model{}, &ValidationError{Message: "Model is required"}
	}
	m, ok := r.byID[id]
	if !ok {
		return Model{}, &ValidationError{Message: "Invalid model"}
	}
	if required != "" && m.Type != required {
		return Model{}, &ValidationError{Message: fmt.Sprintf("Model %s does not support %s", id, required)}
	}
	return m, nil
}

// TTLFor returns the response-cache TTL for id, or the registry default for
// unknown models. The signature matches the upstream wrapper's TTL hook.
func (r *Registry) TTLFor(id string) time.Duration {
	if m, ok := r.byID[id]; ok && m.TTLMillis > 0 {
		return m.TTL()
	}
	return defaultTTL
}

// List returns all entries in registration order.
func (r *Registry) List() []Model {
	out := make([]Model, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// OfType returns the entries of one capability class, sorted by id.
func (r *Registry) OfType(t Type) []Model {
	var out []Model
	for _, id := range r.order {
		if m := r.byID[id]; m.Type == t {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Package config provides YAML-based configuration for aigw.
// Configuration is loaded with a layered precedence: defaults → YAML file → env vars.
// Environment variables always win, so existing workflows are unaffected.
//
// File search order:
//  1. --config CLI flag (explicit path)
//  2. AIGW_CONFIG environment variable
//  3. ~/.aigw/config.yaml
//  4. ./aigw.yaml
//
// If no file is found the system runs entirely from env vars.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// File is the top-level YAML configuration structure.
// Field names use yaml tags that mirror the env var naming (lowercase, underscored).
type File struct {
	// Upstream configures the Cohere-style upstream API.
	Upstream UpstreamFile `yaml:"upstream"`

	// Server configures the HTTP server.
	Server ServerFile `yaml:"server"`

	// Retry configures the outbound retry/breaker policy.
	Retry RetryFile `yaml:"retry"`

	// Embedding configures the embedding queue and segment log.
	Embedding EmbeddingFile `yaml:"embedding"`

	// RAG configures the document store and indexer.
	RAG RAGFile `yaml:"rag"`

	// Qdrant configures the optional Qdrant vector index.
	Qdrant QdrantFile `yaml:"qdrant"`

	// Logging configures structured logging.
	Logging LoggingFile `yaml:"logging"`
}

// UpstreamFile holds upstream API settings.
type UpstreamFile struct {
	// APIKey is the upstream API key. Prefer env var COHERE_API_KEY.
	APIKey string `yaml:"api_key"`
	// Model is the default generation model.
	Model string `yaml:"model"`
	// APIURL overrides the upstream base URL.
	APIURL string `yaml:"api_url"`
	// StreamingSupported injects stream=true into chat payloads.
	StreamingSupported bool `yaml:"streaming_supported"`
}

// ServerFile holds HTTP server settings.
type ServerFile struct {
	// Host is the bind address.
	Host string `yaml:"host"`
	// Port is the TCP port.
	Port int `yaml:"port"`
	// AdminAPIKey is the Bearer token for admin routes. Prefer env var ADMIN_API_KEY.
	AdminAPIKey string `yaml:"admin_api_key"`
	// AllowedOrigins is the comma-separated CORS allow list.
	AllowedOrigins string `yaml:"allowed_origins"`
}

// RetryFile holds retry and circuit breaker settings.
type RetryFile struct {
	// MaxAttempts is the maximum number of attempts per upstream call.
	MaxAttempts int `yaml:"max_attempts"`
	// BaseDelayMs is the first backoff delay in milliseconds.
	BaseDelayMs int `yaml:"base_delay_ms"`
	// MaxDelayMs caps the backoff delay in milliseconds.
	MaxDelayMs int `yaml:"max_delay_ms"`
	// TimeoutMs is the per-attempt timeout in milliseconds.
	TimeoutMs int `yaml:"timeout_ms"`
	// BreakerFailures is the consecutive-failure threshold that opens the circuit.
	BreakerFailures int `yaml:"breaker_failures"`
	// BreakerResetMs is the cooldown window after the circuit opens.
	BreakerResetMs int `yaml:"breaker_reset_ms"`
}

// EmbeddingFile holds embedding pipeline settings.
type EmbeddingFile struct {
	// Model is the embedding model identifier.
	Model string `yaml:"model"`
	// MaxBatch is the maximum number of texts per upstream embed call.
	MaxBatch int `yaml:"max_batch"`
	// WorkerDelayMs is the inter-batch throttle delay.
	WorkerDelayMs int `yaml:"worker_delay_ms"`
	// QueueMax is the embedding queue capacity.
	QueueMax int `yaml:"queue_max"`
	// Persist enables the durable segment log.
	Persist bool `yaml:"persist"`
	// Dir is the segment log directory.
	Dir string `yaml:"dir"`
	// SegmentMaxBytes rotates the current segment above this size.
	SegmentMaxBytes int `yaml:"segment_max_bytes"`
	// Compress gzips segments on rotation.
	Compress bool `yaml:"compress"`
}

// RAGFile holds document store and indexer settings.
type RAGFile struct {
	// DataDir is where the document snapshot is persisted.
	DataDir string `yaml:"data_dir"`
	// ChunkSize is the fixed chunk length in characters.
	ChunkSize int `yaml:"chunk_size"`
	// MaxFileSize skips files above this many bytes during indexing.
	MaxFileSize int `yaml:"max_file_size"`
}

// QdrantFile holds optional Qdrant vector index settings.
type QdrantFile struct {
	// Host is the Qdrant server hostname. Empty disables Qdrant.
	Host string `yaml:"host"`
	// Port is the Qdrant gRPC port.
	Port int `yaml:"port"`
	// Collection is the Qdrant collection name.
	Collection string `yaml:"collection"`
	// APIKey is the Qdrant API key. Prefer env var QDRANT_API_KEY.
	APIKey string `yaml:"api_key"`
	// TLS enables TLS for the Qdrant connection.
	TLS bool `yaml:"tls"`
}

// LoggingFile holds structured logging settings.
type LoggingFile struct {
	// Level is the minimum log level: debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is the log output format: json, text.
	Format string `yaml:"format"`
}

// envMapping maps YAML config fields to their corresponding env var names.
// Only non-empty YAML values are applied; env vars always take precedence.
var envMapping = []struct {
	envKey string
	value  func(*File) string
}{
	{"COHERE_API_KEY", func(c *File) string { return c.Upstream.APIKey }},
	{"COHERE_MODEL", func(c *File) string { return c.Upstream.Model }},
	{"COHERE_API_URL", func(c *File) string { return c.Upstream.APIURL }},
	{"COHERE_STREAMING_SUPPORTED", func(c *File) string { return boolStr(c.Upstream.StreamingSupported) }},
	{"HOST", func(c *File) string { return c.Server.Host }},
	{"PORT", func(c *File) string { return intStr(c.Server.Port) }},
	{"ADMIN_API_KEY", func(c *File) string { return c.Server.AdminAPIKey }},
	{"ALLOWED_ORIGINS", func(c *File) string { return c.Server.AllowedOrigins }},
	{"EXTERNAL_API_MAX_ATTEMPTS", func(c *File) string { return intStr(c.Retry.MaxAttempts) }},
	{"EXTERNAL_API_BASE_DELAY_MS", func(c *File) string { return intStr(c.Retry.BaseDelayMs) }},
	{"EXTERNAL_API_MAX_DELAY_MS", func(c *File) string { return intStr(c.Retry.MaxDelayMs) }},
	{"EXTERNAL_API_TIMEOUT_MS", func(c *File) string { return intStr(c.Retry.TimeoutMs) }},
	{"COHERE_CB_FAILURES", func(c *File) string { return intStr(c.Retry.BreakerFailures) }},
	{"COHERE_CB_RESET_MS", func(c *File) string { return intStr(c.Retry.BreakerResetMs) }},
	{"EMBEDDING_MODEL", func(c *File) string { return c.Embedding.Model }},
	{"MAX_EMBEDDING_BATCH", func(c *File) string { return intStr(c.Embedding.MaxBatch) }},
	{"EMBEDDING_WORKER_DELAY_MS", func(c *File) string { return intStr(c.Embedding.WorkerDelayMs) }},
	{"EMBEDDING_QUEUE_MAX", func(c *File) string { return intStr(c.Embedding.QueueMax) }},
	{"RAG_PERSIST_EMBEDDINGS", func(c *File) string { return boolStr(c.Embedding.Persist) }},
	{"RAG_EMBEDDINGS_DIR", func(c *File) string { return c.Embedding.Dir }},
	{"RAG_SEGMENT_MAX_BYTES", func(c *File) string { return intStr(c.Embedding.SegmentMaxBytes) }},
	{"RAG_SEGMENT_COMPRESS", func(c *File) string { return boolStr(c.Embedding.Compress) }},
	{"RAG_DATA_DIR", func(c *File) string { return c.RAG.DataDir }},
	{"RAG_CHUNK_SIZE", func(c *File) string { return intStr(c.RAG.ChunkSize) }},
	{"RAG_MAX_FILE_SIZE", func(c *File) string { return intStr(c.RAG.MaxFileSize) }},
	{"QDRANT_HOST", func(c *File) string { return c.Qdrant.Host }},
	{"QDRANT_PORT", func(c *File) string { return intStr(c.Qdrant.Port) }},
	{"QDRANT_COLLECTION", func(c *File) string { return c.Qdrant.Collection }},
	{"QDRANT_API_KEY", func(c *File) string { return c.Qdrant.APIKey }},
	{"QDRANT_TLS", func(c *File) string { return boolStr(c.Qdrant.TLS) }},
	{"LOG_LEVEL", func(c *File) string { return c.Logging.Level }},
	{"LOG_FORMAT", func(c *File) string { return c.Logging.Format }},
}

// Load reads a YAML config file and applies non-empty values as environment
// variables. Existing env vars are never overwritten (env always wins).
// Returns the path that was loaded, or empty string if no file was found.
func Load(explicitPath string, log *slog.Logger) (string, error) {
	path := resolveConfigPath(explicitPath)
	if path == "" {
		log.Debug("config: no YAML config file found, using env vars only")
		return "", nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("config: failed to read %s: %w", path, err)
	}

	var cfg File
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return "", fmt.Errorf("config: failed to parse %s: %w", path, err)
	}

	applied := 0
	for _, m := range envMapping {
		yamlVal := m.value(&cfg)
		if yamlVal == "" || yamlVal == "0" || yamlVal == "false" {
			continue
		}
		if os.Getenv(m.envKey) != "" {
			continue // env var already set — do not override
		}
		os.Setenv(m.envKey, yamlVal)
		applied++
	}

	log.Info("config: loaded YAML config",
		slog.String("path", path),
		slog.Int("keys_applied", applied),
	)

	return path, nil
}

// resolveConfigPath returns the first config file path that exists.
func resolveConfigPath(explicit string) string {
	if explicit != "" {
		if _, err := os.Stat(explicit); err == nil {
			return explicit
		}
		return ""
	}

	if envPath := os.Getenv("AIGW_CONFIG"); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}

	home, err := os.UserHomeDir()
	if err == nil {
		p := filepath.Join(home, ".aigw", "config.yaml")
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	if _, err := os.Stat("aigw.yaml"); err == nil {
		return "aigw.yaml"
	}

	return ""
}

// intStr converts an int to string, returning "" for zero values.
func intStr(v int) string {
	if v == 0 {
		return ""
	}
	return fmt.Sprintf("%d", v)
}

// boolStr converts a bool to string, returning "" for false.
func boolStr(v bool) string {
	if !v {
		return ""
	}
	return "true"
}

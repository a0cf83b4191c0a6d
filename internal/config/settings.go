package config

import (
	"os"
	"strconv"
	"time"
)

// Default values applied when the corresponding env var is unset.
const (
	defaultPort            = 3000
	defaultMaxAttempts     = 3
	defaultBaseDelay       = 250 * time.Millisecond
	defaultMaxDelay        = 4 * time.Second
	defaultAttemptTimeout  = 30 * time.Second
	defaultBreakerFailures = 5
	defaultBreakerReset    = 30 * time.Second
	defaultMaxBatch        = 16
	defaultWorkerDelay     = 100 * time.Millisecond
	defaultQueueMax        = 1024
	defaultSegmentBytes    = 4 << 20
	defaultChunkSize       = 1200
	defaultMaxFileSize     = 512 << 10
	defaultSessionTTL      = 30 * time.Minute
	defaultMaxSessions     = 1000
	defaultMaxBodyBytes    = 1 << 20
	defaultMaxSockets      = 64
	defaultDNSCacheTTL     = 5 * time.Minute
	defaultStartupTimeout  = 15 * time.Second
	defaultRateWindow      = time.Minute
	defaultRateMax         = 120
	defaultMaxTotalTokens  = 4096
	defaultMinCompletion   = 64
	defaultMaxCompletion   = 2048
	defaultTokenBuffer     = 128
)

// Settings is the fully resolved runtime configuration, read once at startup
// after [Load] has layered any YAML file into the environment.
type Settings struct {
	// Upstream settings.
	APIKey             string
	Model              string
	APIURL             string
	EmbeddingModel     string
	StreamingSupported bool

	// Server settings.
	Host           string
	Port           int
	AdminAPIKey    string
	AllowedOrigins string
	MaxBodyBytes   int64

	// Retry / breaker settings.
	MaxAttempts     int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	AttemptTimeout  time.Duration
	BreakerFailures int
	BreakerReset    time.Duration

	// Connection pool / DNS settings.
	MaxSockets     int
	UseGlobalAgent bool
	DNSCacheTTL    time.Duration

	// Rate limit settings.
	RateWindow      time.Duration
	RateMaxRequests int

	// Token budget settings.
	MaxTotalTokens      int
	MinCompletionTokens int
	MaxCompletionTokens int
	TokenSafetyBuffer   int

	// Embedding pipeline settings.
	MaxEmbeddingBatch int
	WorkerDelay       time.Duration
	QueueMax          int
	PersistEmbeddings bool
	EmbeddingsDir     string
	SegmentMaxBytes   int64
	SegmentCompress   bool

	// RAG settings.
	RAGDataDir  string
	ChunkSize   int
	MaxFileSize int64

	// Qdrant settings (optional, enabled when QdrantHost is non-empty).
	QdrantHost       string
	QdrantPort       int
	QdrantCollection string
	QdrantAPIKey     string
	QdrantTLS        bool

	// Session settings.
	SessionTTL  time.Duration
	MaxSessions int
	HistoryDB   string

	// Diagnostics settings.
	SkipDiagnostics bool
	StartupTimeout  time.Duration
	ModelsConfig    string
}

// FromEnv reads every aigw environment variable and returns the resolved
// Settings, applying documented defaults for anything unset.
func FromEnv() *Settings {
	return &Settings{
		APIKey:             os.Getenv("COHERE_API_KEY"),
		Model:              envStr("COHERE_MODEL", "command-r-plus"),
		APIURL:             envStr("COHERE_API_URL", "https://api.cohere.com/v1"),
		EmbeddingModel:     envStr("EMBEDDING_MODEL", "embed-english-v3.0"),
		StreamingSupported: envBool("COHERE_STREAMING_SUPPORTED", false),

		Host:           envStr("HOST", "0.0.0.0"),
		Port:           envInt("PORT", defaultPort),
		AdminAPIKey:    os.Getenv("ADMIN_API_KEY"),
		AllowedOrigins: envStr("ALLOWED_ORIGINS", "*"),
		MaxBodyBytes:   envInt64("MAX_BODY_BYTES", defaultMaxBodyBytes),

		MaxAttempts:     envInt("EXTERNAL_API_MAX_ATTEMPTS", defaultMaxAttempts),
		BaseDelay:       envMillis("EXTERNAL_API_BASE_DELAY_MS", defaultBaseDelay),
		MaxDelay:        envMillis("EXTERNAL_API_MAX_DELAY_MS", defaultMaxDelay),
		AttemptTimeout:  envMillis("EXTERNAL_API_TIMEOUT_MS", defaultAttemptTimeout),
		BreakerFailures: envInt("COHERE_CB_FAILURES", defaultBreakerFailures),
		BreakerReset:    envMillis("COHERE_CB_RESET_MS", defaultBreakerReset),

		MaxSockets:     envInt("OUTBOUND_MAX_SOCKETS", defaultMaxSockets),
		UseGlobalAgent: envBool("OUTBOUND_USE_GLOBAL_AGENT", false),
		DNSCacheTTL:    envMillis("DNS_CACHE_TTL_MS", defaultDNSCacheTTL),

		RateWindow:      envMillis("RATE_LIMIT_WINDOW_MS", defaultRateWindow),
		RateMaxRequests: envInt("RATE_LIMIT_MAX_REQUESTS", defaultRateMax),

		MaxTotalTokens:      envInt("MAX_TOTAL_TOKENS", defaultMaxTotalTokens),
		MinCompletionTokens: envInt("MIN_COMPLETION_TOKENS", defaultMinCompletion),
		MaxCompletionTokens: envInt("MAX_COMPLETION_TOKENS", defaultMaxCompletion),
		TokenSafetyBuffer:   envInt("TOKEN_SAFETY_BUFFER", defaultTokenBuffer),

		MaxEmbeddingBatch: envInt("MAX_EMBEDDING_BATCH", defaultMaxBatch),
		WorkerDelay:       envMillis("EMBEDDING_WORKER_DELAY_MS", defaultWorkerDelay),
		QueueMax:          envInt("EMBEDDING_QUEUE_MAX", defaultQueueMax),
		PersistEmbeddings: envBool("RAG_PERSIST_EMBEDDINGS", false),
		EmbeddingsDir:     envStr("RAG_EMBEDDINGS_DIR", "data/embeddings"),
		SegmentMaxBytes:   envInt64("RAG_SEGMENT_MAX_BYTES", defaultSegmentBytes),
		SegmentCompress:   envBool("RAG_SEGMENT_COMPRESS", true),

		RAGDataDir:  envStr("RAG_DATA_DIR", "data/rag"),
		ChunkSize:   envInt("RAG_CHUNK_SIZE", defaultChunkSize),
		MaxFileSize: envInt64("RAG_MAX_FILE_SIZE", defaultMaxFileSize),

		QdrantHost:       os.Getenv("QDRANT_HOST"),
		QdrantPort:       envInt("QDRANT_PORT", 6334),
		QdrantCollection: envStr("QDRANT_COLLECTION", "aigw_chunks"),
		QdrantAPIKey:     os.Getenv("QDRANT_API_KEY"),
		QdrantTLS:        envBool("QDRANT_TLS", false),

		SessionTTL:  envMillis("SESSION_TTL_MS", defaultSessionTTL),
		MaxSessions: envInt("MAX_SESSIONS", defaultMaxSessions),
		HistoryDB:   os.Getenv("AIGW_HISTORY_DB"),

		SkipDiagnostics: envBool("SKIP_DIAGNOSTICS", false),
		StartupTimeout:  envMillis("STARTUP_TIMEOUT_MS", defaultStartupTimeout),
		ModelsConfig:    os.Getenv("MODELS_CONFIG"),
	}
}

// envStr returns the value of the named environment variable, or fallback
// if the variable is unset or empty.
func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// envInt returns the integer value of the named environment variable, or
// fallback if the variable is unset, empty, or not parseable.
func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

// envInt64 returns the int64 value of the named environment variable, or
// fallback if the variable is unset, empty, or not parseable.
func envInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return fallback
}

// envMillis returns the named env var interpreted as a millisecond count,
// or fallback if unset or not parseable.
func envMillis(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil && i > 0 {
			return time.Duration(i) * time.Millisecond
		}
	}
	return fallback
}

// envBool returns the boolean value of the named environment variable.
// Accepts 1/t/true (any case); everything else is false.
func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

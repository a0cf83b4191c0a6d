package commands

import (
	"fmt"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/d4r1us/aigw-go/internal/cache"
	"github.com/d4r1us/aigw-go/internal/config"
	"github.com/d4r1us/aigw-go/internal/conversation"
	"github.com/d4r1us/aigw-go/internal/embed"
	"github.com/d4r1us/aigw-go/internal/embed/segment"
	"github.com/d4r1us/aigw-go/internal/logging"
	"github.com/d4r1us/aigw-go/internal/models"
	"github.com/d4r1us/aigw-go/internal/netpool"
	"github.com/d4r1us/aigw-go/internal/rag"
	"github.com/d4r1us/aigw-go/internal/resilience"
	"github.com/d4r1us/aigw-go/internal/server"
	"github.com/d4r1us/aigw-go/internal/upstream"
	"github.com/d4r1us/aigw-go/internal/version"
)

// defaultVectorSize is the embedding dimensionality used when creating a
// Qdrant collection (embed-english-v3.0 and embed-multilingual-v3.0 both
// produce 1024-dimensional vectors).
const defaultVectorSize = 1024

// NewServeCmd constructs the `aigw serve` command, which starts the gateway
// HTTP server.
func NewServeCmd() *cobra.Command {
	var host string
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the aigw HTTP gateway",
		Long: `Start the gateway HTTP server.

The server exposes an OpenAI-shaped REST/SSE API backed by a Cohere-style
upstream, with response caching, retries, a circuit breaker, conversation
memory, and a RAG document store.

Examples:
  aigw serve
  aigw serve --port 8080
  COHERE_STREAMING_SUPPORTED=true aigw serve`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			set := config.FromEnv()
			if host != "" {
				set.Host = host
			}
			if port != 0 {
				set.Port = port
			}
			if set.APIKey == "" {
				return fmt.Errorf("serve: COHERE_API_KEY must be set")
			}

			registry, err := models.Load(set.ModelsConfig)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}

			promReg := prometheus.NewRegistry()
			promReg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)

			httpClient := netpool.NewClient(&netpool.Config{
				MaxSockets:     set.MaxSockets,
				DNSCacheTTL:    set.DNSCacheTTL,
				UseGlobalAgent: set.UseGlobalAgent,
			})

			base, err := upstream.NewHTTPClient(&upstream.HTTPConfig{
				BaseURL:    set.APIURL,
				APIKey:     set.APIKey,
				HTTPClient: httpClient,
				UserAgent:  "aigw/" + version.Version,
			})
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}

			respCache := cache.New(cache.Config{
				Name:       "upstream",
				Registerer: promReg,
			})
			embCache := cache.New(cache.Config{
				Name:       "embeddings",
				MaxSize:    8192,
				Registerer: promReg,
			})

			breaker := resilience.NewBreaker(resilience.BreakerConfig{
				Name:             "cohere",
				FailureThreshold: set.BreakerFailures,
				ResetTimeout:     set.BreakerReset,
				Registerer:       promReg,
			})

			wrapped, err := upstream.NewWrapper(&upstream.WrapperConfig{
				Inner:   base,
				Cache:   respCache,
				Breaker: breaker,
				Retry: resilience.RetryOptions{
					MaxAttempts:    set.MaxAttempts,
					BaseDelay:      set.BaseDelay,
					MaxDelay:       set.MaxDelay,
					AttemptTimeout: set.AttemptTimeout,
				},
				TTLFor:             registry.TTLFor,
				StreamingSupported: set.StreamingSupported,
				Registerer:         promReg,
				Logger:             log,
			})
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}

			// Durable embedding log: restore cached vectors from previous
			// runs, then append every newly computed vector.
			var appendLog embed.AppendLog
			if set.PersistEmbeddings {
				seglog, segErr := segment.Open(segment.Config{
					Dir:      set.EmbeddingsDir,
					MaxBytes: set.SegmentMaxBytes,
					Compress: set.SegmentCompress,
					Logger:   log,
				})
				if segErr != nil {
					log.Warn("embedding log unavailable, persistence disabled", slog.Any("error", segErr))
				} else {
					defer seglog.Close()
					restored := 0
					if loadErr := seglog.Load(func(key string, vec []float32) {
						embCache.SetTTL(key, vec, cache.NoExpiry)
						restored++
					}); loadErr != nil {
						log.Warn("embedding log restore incomplete", slog.Any("error", loadErr))
					}
					log.Info("embeddings restored", slog.Int("count", restored))
					appendLog = seglog
				}
			}

			// Optional Qdrant vector index; the gateway runs fully without it.
			var sink embed.Sink
			var vectors rag.VectorIndex
			pingers := []server.Pinger{server.NewUpstreamPinger(wrapped, "cohere")}
			if set.QdrantHost != "" {
				qi, qErr := rag.NewQdrantIndex(ctx, &rag.QdrantConfig{
					Host:       set.QdrantHost,
					Port:       set.QdrantPort,
					Collection: set.QdrantCollection,
					VectorSize: defaultVectorSize,
					APIKey:     set.QdrantAPIKey,
					UseTLS:     set.QdrantTLS,
				})
				if qErr != nil {
					log.Warn("qdrant unavailable, vector index disabled", slog.Any("error", qErr))
				} else {
					defer qi.Close()
					sink = qi
					vectors = qi
					pingers = append(pingers, server.NewVectorIndexPinger(qi))
					log.Info("qdrant connected",
						slog.String("host", set.QdrantHost),
						slog.String("collection", set.QdrantCollection),
					)
				}
			}

			queue, err := embed.New(embed.Config{
				Client:      wrapped,
				Model:       set.EmbeddingModel,
				Cache:       embCache,
				Log:         appendLog,
				Sink:        sink,
				MaxBatch:    set.MaxEmbeddingBatch,
				MaxQueued:   set.QueueMax,
				WorkerDelay: set.WorkerDelay,
				Registerer:  promReg,
				Logger:      log,
			})
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			defer queue.Close()

			ragStore, err := rag.NewStore(rag.Config{
				DataDir:        set.RAGDataDir,
				ChunkSize:      set.ChunkSize,
				MaxFileSize:    set.MaxFileSize,
				Embeddings:     embCache,
				Queue:          queue,
				Embedder:       wrapped,
				EmbeddingModel: set.EmbeddingModel,
				Vectors:        vectors,
				Registerer:     promReg,
				Logger:         log,
			})
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			defer ragStore.Close()

			// Optional SQLite transcript archive. AIGW_HISTORY_DB unset or
			// "disabled" turns it off.
			var archive conversation.Archiver
			if set.HistoryDB != "" && set.HistoryDB != "disabled" {
				arch, archErr := conversation.OpenArchive(set.HistoryDB)
				if archErr != nil {
					log.Warn("history archive unavailable", slog.Any("error", archErr))
				} else {
					defer arch.Close()
					archive = arch
					log.Info("history archive opened", slog.String("path", set.HistoryDB))
				}
			}

			sessions := conversation.NewStore(conversation.Config{
				MaxSessions: set.MaxSessions,
				SessionTTL:  set.SessionTTL,
				RAG:         ragStore,
				Archive:     archive,
				Registerer:  promReg,
				Logger:      log,
			})

			if set.SkipDiagnostics {
				log.Info("startup diagnostics skipped")
			} else if diagErr := server.RunStartupDiagnostics(ctx, log, set.StartupTimeout, pingers); diagErr != nil {
				// Start anyway; /ready keeps reporting the dependency state.
				log.Warn("startup diagnostics failed", slog.Any("error", diagErr))
			}

			srv, err := server.New(server.Deps{
				Upstream:   wrapped,
				Registry:   registry,
				Sessions:   sessions,
				RAG:        ragStore,
				EmbedQueue: queue,
			}, &server.Config{
				Host:                set.Host,
				Port:                set.Port,
				DefaultModel:        set.Model,
				EmbeddingModel:      set.EmbeddingModel,
				StreamingEnabled:    set.StreamingSupported,
				MaxBodyBytes:        set.MaxBodyBytes,
				AllowedOrigins:      splitOrigins(set.AllowedOrigins),
				AdminAPIKey:         set.AdminAPIKey,
				RateLimitWindow:     set.RateWindow,
				RateLimitMax:        set.RateMaxRequests,
				MaxTotalTokens:      set.MaxTotalTokens,
				MinCompletionTokens: set.MinCompletionTokens,
				MaxCompletionTokens: set.MaxCompletionTokens,
				TokenSafetyBuffer:   set.TokenSafetyBuffer,
				Pingers:             pingers,
				Registerer:          promReg,
				Gatherer:            promReg,
				Logger:              log,
			})
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}

			return srv.Start(ctx)
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "Host address to bind to (default: HOST env or 0.0.0.0)")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "TCP port to listen on (default: PORT env or 3000)")

	return cmd
}

// splitOrigins parses the comma-separated ALLOWED_ORIGINS value.
func splitOrigins(raw string) []string {
	parts := strings.Split(raw, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

package serve

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/urfave/cli/v3"

	"github.com/agentmem/memory-service/internal/config"
	registryembed "github.com/agentmem/memory-service/internal/registry/embed"
	registryllm "github.com/agentmem/memory-service/internal/registry/llm"
	_ "github.com/agentmem/memory-service/internal/registry/session"
	registryvector "github.com/agentmem/memory-service/internal/registry/vector"

	// Import all plugins to trigger init() registration
	_ "github.com/agentmem/memory-service/internal/plugin/embed/disabled"
	_ "github.com/agentmem/memory-service/internal/plugin/embed/local"
	_ "github.com/agentmem/memory-service/internal/plugin/embed/openai"
	_ "github.com/agentmem/memory-service/internal/plugin/llm/disabled"
	_ "github.com/agentmem/memory-service/internal/plugin/llm/openai"
	_ "github.com/agentmem/memory-service/internal/plugin/route/system"
	_ "github.com/agentmem/memory-service/internal/plugin/session/redis"
	_ "github.com/agentmem/memory-service/internal/plugin/vector/memvec"
	_ "github.com/agentmem/memory-service/internal/plugin/vector/pgvector"
	_ "github.com/agentmem/memory-service/internal/plugin/vector/qdrant"
	_ "github.com/agentmem/memory-service/internal/plugin/vector/redisvec"
)

// Command returns the serve sub-command.
func Command() *cli.Command {
	cfg := config.DefaultConfig()
	var readHeaderTimeoutSecs int = 5
	var apiKeysSpec string
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the memory service HTTP server",
		Flags: flags(&cfg, &readHeaderTimeoutSecs, &apiKeysSpec),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg.Listener.ReadHeaderTimeout = time.Duration(readHeaderTimeoutSecs) * time.Second
			cfg.ManagementListener.ReadHeaderTimeout = cfg.Listener.ReadHeaderTimeout
			cfg.ManagementListenerEnabled = cmd.IsSet("management-port")
			keys, err := parseAPIKeys(apiKeysSpec)
			if err != nil {
				return err
			}
			cfg.APIKeys = keys
			return run(config.WithContext(ctx, &cfg), cfg)
		},
	}
}

// parseAPIKeys parses "key=clientId,key2=clientId2" into a lookup map.
func parseAPIKeys(spec string) (map[string]string, error) {
	if strings.TrimSpace(spec) == "" {
		return nil, nil
	}
	out := map[string]string{}
	for _, pair := range strings.Split(spec, ",") {
		key, client, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || key == "" || client == "" {
			return nil, fmt.Errorf("invalid --api-keys entry: %q", pair)
		}
		out[key] = client
	}
	return out, nil
}

func flags(cfg *config.Config, readHeaderTimeoutSecs *int, apiKeysSpec *string) []cli.Flag {
	return []cli.Flag{

		// ── Server ────────────────────────────────────────────────
		&cli.IntFlag{
			Name:        "port",
			Category:    "Server:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_PORT"),
			Destination: &cfg.Listener.Port,
			Value:       cfg.Listener.Port,
			Usage:       "HTTP server port",
		},
		&cli.IntFlag{
			Name:        "management-port",
			Category:    "Server:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_MANAGEMENT_PORT"),
			Destination: &cfg.ManagementListener.Port,
			Value:       cfg.ManagementListener.Port,
			Usage:       "Dedicated port for health and metrics; when unset, served on the main port",
		},
		&cli.BoolFlag{
			Name:        "management-access-log",
			Category:    "Server:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_MANAGEMENT_ACCESS_LOG"),
			Destination: &cfg.ManagementAccessLog,
			Usage:       "Enable HTTP access logging for management endpoints (/health, /ready, /metrics)",
		},
		&cli.IntFlag{
			Name:        "read-header-timeout-seconds",
			Category:    "Server:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_READ_HEADER_TIMEOUT_SECONDS"),
			Destination: readHeaderTimeoutSecs,
			Value:       *readHeaderTimeoutSecs,
			Usage:       "HTTP read header timeout in seconds",
		},
		&cli.StringFlag{
			Name:        "api-keys",
			Category:    "Server:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_API_KEYS"),
			Destination: apiKeysSpec,
			Usage:       "Comma-separated key=clientId pairs; empty disables API key auth",
		},

		// ── Redis ─────────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "redis-url",
			Category:    "Redis:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_REDIS_URL", "REDIS_URL"),
			Destination: &cfg.RedisURL,
			Value:       cfg.RedisURL,
			Usage:       "Redis connection URL for working memory and the task queue",
		},

		// ── Vector Store ──────────────────────────────────────────
		&cli.StringFlag{
			Name:        "vector-kind",
			Category:    "Vector Store:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_VECTOR_KIND"),
			Destination: &cfg.VectorType,
			Value:       cfg.VectorType,
			Usage:       "Vector store (" + strings.Join(registryvector.Names(), "|") + ")",
		},
		&cli.BoolFlag{
			Name:        "vector-migrate-at-start",
			Category:    "Vector Store:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_VECTOR_MIGRATE_AT_START"),
			Destination: &cfg.VectorMigrateAtStart,
			Value:       cfg.VectorMigrateAtStart,
			Usage:       "Create the vector index/collection/table on startup",
		},
		&cli.StringFlag{
			Name:        "vector-index-name",
			Category:    "Vector Store:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_VECTOR_INDEX_NAME"),
			Destination: &cfg.VectorIndexName,
			Value:       cfg.VectorIndexName,
			Usage:       "Name of the vector index/collection",
		},
		&cli.IntFlag{
			Name:        "vector-dimensions",
			Category:    "Vector Store:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_VECTOR_DIMENSIONS"),
			Destination: &cfg.VectorDimensions,
			Usage:       "Embedding dimensionality; 0 uses the embedder's default",
		},
		&cli.StringFlag{
			Name:        "vector-qdrant-host",
			Category:    "Vector Store:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_VECTOR_QDRANT_HOST", "MEMORY_SERVICE_QDRANT_HOST"),
			Destination: &cfg.QdrantHost,
			Value:       cfg.QdrantHost,
			Usage:       "Qdrant host or host:port",
		},
		&cli.StringFlag{
			Name:        "vector-qdrant-api-key",
			Category:    "Vector Store:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_VECTOR_QDRANT_API_KEY"),
			Destination: &cfg.QdrantAPIKey,
			Usage:       "Qdrant API key",
		},
		&cli.StringFlag{
			Name:        "db-url",
			Category:    "Vector Store:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_DB_URL"),
			Destination: &cfg.DBURL,
			Usage:       "Postgres connection URL (pgvector backend)",
		},
		&cli.IntFlag{
			Name:        "db-max-open-conns",
			Category:    "Vector Store:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_DB_MAX_OPEN_CONNS"),
			Destination: &cfg.DBMaxOpenConns,
			Value:       cfg.DBMaxOpenConns,
			Usage:       "Maximum number of open database connections",
		},
		&cli.IntFlag{
			Name:        "db-max-idle-conns",
			Category:    "Vector Store:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_DB_MAX_IDLE_CONNS"),
			Destination: &cfg.DBMaxIdleConns,
			Value:       cfg.DBMaxIdleConns,
			Usage:       "Maximum number of idle database connections",
		},

		// ── Embedding ─────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "embedding-kind",
			Category:    "Embedding:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_EMBEDDING_KIND"),
			Destination: &cfg.EmbedType,
			Value:       cfg.EmbedType,
			Usage:       "Embedding provider (" + strings.Join(registryembed.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "embedding-model",
			Category:    "Embedding:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_EMBEDDING_MODEL"),
			Destination: &cfg.EmbeddingModel,
			Value:       cfg.EmbeddingModel,
			Usage:       "Embedding model name",
		},
		&cli.StringFlag{
			Name:        "openai-api-key",
			Category:    "Embedding:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_OPENAI_API_KEY", "OPENAI_API_KEY"),
			Destination: &cfg.OpenAIAPIKey,
			Usage:       "OpenAI API key",
		},
		&cli.StringFlag{
			Name:        "openai-base-url",
			Category:    "Embedding:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_OPENAI_BASE_URL"),
			Destination: &cfg.OpenAIBaseURL,
			Value:       cfg.OpenAIBaseURL,
			Usage:       "OpenAI-compatible API base URL",
		},

		// ── Generation ────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "generation-kind",
			Category:    "Generation:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_GENERATION_KIND"),
			Destination: &cfg.LLMType,
			Value:       cfg.LLMType,
			Usage:       "Generation provider (" + strings.Join(registryllm.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "generation-model-fast",
			Category:    "Generation:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_GENERATION_MODEL_FAST"),
			Destination: &cfg.GenerationModelFast,
			Value:       cfg.GenerationModelFast,
			Usage:       "Model used for query optimization and topic tagging",
		},
		&cli.StringFlag{
			Name:        "generation-model-slow",
			Category:    "Generation:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_GENERATION_MODEL_SLOW"),
			Destination: &cfg.GenerationModelSlow,
			Value:       cfg.GenerationModelSlow,
			Usage:       "Model used for extraction and summarization",
		},
		&cli.FloatFlag{
			Name:        "provider-requests-per-second",
			Category:    "Generation:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_PROVIDER_REQUESTS_PER_SECOND"),
			Destination: &cfg.ProviderRequestsPerSecond,
			Value:       cfg.ProviderRequestsPerSecond,
			Usage:       "Client-side rate limit applied to embedding and generation calls",
		},
		&cli.DurationFlag{
			Name:        "provider-timeout",
			Category:    "Generation:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_PROVIDER_TIMEOUT"),
			Destination: &cfg.ProviderTimeout,
			Value:       cfg.ProviderTimeout,
			Usage:       "Per-call timeout for embedding and generation calls",
		},

		// ── Long-term Memory ──────────────────────────────────────
		&cli.BoolFlag{
			Name:        "long-term-memory",
			Category:    "Long-term Memory:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_LONG_TERM_MEMORY"),
			Destination: &cfg.LongTermMemoryEnabled,
			Value:       cfg.LongTermMemoryEnabled,
			Usage:       "Enable promotion of working memory into long-term storage",
		},
		&cli.BoolFlag{
			Name:        "discrete-extraction",
			Category:    "Long-term Memory:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_DISCRETE_EXTRACTION"),
			Destination: &cfg.EnableDiscreteExtraction,
			Value:       cfg.EnableDiscreteExtraction,
			Usage:       "Extract discrete facts from conversations during promotion",
		},
		&cli.BoolFlag{
			Name:        "topic-extraction",
			Category:    "Long-term Memory:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_TOPIC_EXTRACTION"),
			Destination: &cfg.EnableTopicExtraction,
			Value:       cfg.EnableTopicExtraction,
			Usage:       "Tag promoted memories with topics",
		},
		&cli.BoolFlag{
			Name:        "ner",
			Category:    "Long-term Memory:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_NER"),
			Destination: &cfg.EnableNER,
			Value:       cfg.EnableNER,
			Usage:       "Extract named entities from promoted memories",
		},
		&cli.StringFlag{
			Name:        "topic-model-source",
			Category:    "Long-term Memory:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_TOPIC_MODEL_SOURCE"),
			Destination: &cfg.TopicModelSource,
			Value:       cfg.TopicModelSource,
			Usage:       "Topic tagger: llm (fixed taxonomy) or local (open vocabulary)",
		},
		&cli.StringFlag{
			Name:        "topic-taxonomy",
			Category:    "Long-term Memory:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_TOPIC_TAXONOMY"),
			Destination: &cfg.TopicTaxonomy,
			Value:       cfg.TopicTaxonomy,
			Usage:       "Comma-separated topic whitelist for the llm topic tagger",
		},
		&cli.IntFlag{
			Name:        "top-k-topics",
			Category:    "Long-term Memory:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_TOP_K_TOPICS"),
			Destination: &cfg.TopKTopics,
			Value:       cfg.TopKTopics,
			Usage:       "Maximum topics attached per memory",
		},
		&cli.FloatFlag{
			Name:        "dedup-distance-threshold",
			Category:    "Long-term Memory:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_DEDUP_DISTANCE_THRESHOLD"),
			Destination: &cfg.DedupDistanceThreshold,
			Value:       cfg.DedupDistanceThreshold,
			Usage:       "Cosine distance below which candidate memories are checked for semantic duplication",
		},

		// ── Working Memory ────────────────────────────────────────
		&cli.IntFlag{
			Name:        "working-memory-ttl-seconds",
			Category:    "Working Memory:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_WORKING_MEMORY_TTL_SECONDS"),
			Destination: &cfg.DefaultWMTTLSeconds,
			Value:       cfg.DefaultWMTTLSeconds,
			Usage:       "Default working memory TTL in seconds",
		},
		&cli.IntFlag{
			Name:        "context-window-max",
			Category:    "Working Memory:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_CONTEXT_WINDOW_MAX"),
			Destination: &cfg.ContextWindowMax,
			Value:       cfg.ContextWindowMax,
			Usage:       "Model context window size used for summarization budgeting",
		},
		&cli.FloatFlag{
			Name:        "summarization-threshold",
			Category:    "Working Memory:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_SUMMARIZATION_THRESHOLD"),
			Destination: &cfg.SummarizationThreshold,
			Value:       cfg.SummarizationThreshold,
			Usage:       "Fraction of the context window that triggers summarization",
		},

		// ── Maintenance ───────────────────────────────────────────
		&cli.IntFlag{
			Name:        "compaction-every-minutes",
			Category:    "Maintenance:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_COMPACTION_EVERY_MINUTES"),
			Destination: &cfg.CompactionEveryMinutes,
			Value:       cfg.CompactionEveryMinutes,
			Usage:       "Interval between compaction passes; 0 disables compaction",
		},
		&cli.IntFlag{
			Name:        "compaction-max-records",
			Category:    "Maintenance:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_COMPACTION_MAX_RECORDS"),
			Destination: &cfg.CompactionMaxRecords,
			Value:       cfg.CompactionMaxRecords,
			Usage:       "Maximum records examined per compaction pass",
		},
		&cli.BoolFlag{
			Name:        "forgetting",
			Category:    "Maintenance:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_FORGETTING"),
			Destination: &cfg.ForgettingEnabled,
			Value:       cfg.ForgettingEnabled,
			Usage:       "Enable age and access based forgetting of long-term memories",
		},
		&cli.IntFlag{
			Name:        "forgetting-every-minutes",
			Category:    "Maintenance:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_FORGETTING_EVERY_MINUTES"),
			Destination: &cfg.ForgettingEveryMinutes,
			Value:       cfg.ForgettingEveryMinutes,
			Usage:       "Interval between forgetting passes",
		},
		&cli.IntFlag{
			Name:        "forgetting-max-age-days",
			Category:    "Maintenance:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_FORGETTING_MAX_AGE_DAYS"),
			Destination: &cfg.ForgettingMaxAgeDays,
			Value:       cfg.ForgettingMaxAgeDays,
			Usage:       "Memories not accessed for this many days become forgettable",
		},

		// ── Tasks ─────────────────────────────────────────────────
		&cli.IntFlag{
			Name:        "task-workers",
			Category:    "Tasks:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_TASK_WORKERS"),
			Destination: &cfg.TaskWorkers,
			Value:       cfg.TaskWorkers,
			Usage:       "Number of concurrent task workers",
		},
		&cli.IntFlag{
			Name:        "task-max-attempts",
			Category:    "Tasks:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_TASK_MAX_ATTEMPTS"),
			Destination: &cfg.TaskMaxAttempts,
			Value:       cfg.TaskMaxAttempts,
			Usage:       "Attempts before a failing task moves to the dead list",
		},
		&cli.DurationFlag{
			Name:        "task-claim-lease",
			Category:    "Tasks:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_TASK_CLAIM_LEASE"),
			Destination: &cfg.TaskClaimLease,
			Value:       cfg.TaskClaimLease,
			Usage:       "How long a claimed task is leased before stale recovery reclaims it",
		},

		// ── Rerank ────────────────────────────────────────────────
		&cli.FloatFlag{
			Name:        "rerank-alpha",
			Category:    "Rerank:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_RERANK_ALPHA"),
			Destination: &cfg.RerankAlpha,
			Value:       cfg.RerankAlpha,
			Usage:       "Similarity weight in the search re-ranker",
		},
		&cli.FloatFlag{
			Name:        "rerank-beta",
			Category:    "Rerank:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_RERANK_BETA"),
			Destination: &cfg.RerankBeta,
			Value:       cfg.RerankBeta,
			Usage:       "Recency weight in the search re-ranker",
		},
		&cli.FloatFlag{
			Name:        "rerank-gamma",
			Category:    "Rerank:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_RERANK_GAMMA"),
			Destination: &cfg.RerankGamma,
			Value:       cfg.RerankGamma,
			Usage:       "Access frequency weight in the search re-ranker",
		},

		// ── Monitoring ────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "metrics-labels",
			Category:    "Monitoring:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_METRICS_LABELS"),
			Destination: &cfg.MetricsLabels,
			Value:       "service=memory-service",
			Usage:       "Comma-separated key=value pairs added as constant labels to all Prometheus metrics. Supports ${VAR} expansion.",
		},
	}
}

func run(ctx context.Context, cfg config.Config) error {
	srv, err := StartServer(ctx, &cfg)
	if err != nil {
		return err
	}

	<-ctx.Done()
	log.Info("Shutting down...")

	drainCtx, drainCancel := context.WithTimeout(context.Background(), time.Duration(cfg.DrainTimeout)*time.Second)
	defer drainCancel()
	if err := srv.Shutdown(drainCtx); err != nil {
		log.Error("Shutdown error", "err", err)
	}
	log.Info("Server stopped")
	return nil
}

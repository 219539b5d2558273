package config

import (
	"context"
	"strconv"
	"strings"
	"time"
)

// ListenerConfig holds the network settings for a single listener (main or management).
type ListenerConfig struct {
	Port              int
	ReadHeaderTimeout time.Duration
}

type contextKey struct{}

// WithContext returns a new context carrying the given Config.
func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, contextKey{}, cfg)
}

// FromContext retrieves the Config from the context.
func FromContext(ctx context.Context) *Config {
	cfg, _ := ctx.Value(contextKey{}).(*Config)
	return cfg
}

// Config holds all configuration for the memory service.
// It is loaded once at startup and treated as an immutable snapshot.
type Config struct {
	// Redis is the backing store for working memory, the task queue, and the
	// default vector store.
	RedisURL string

	// Vector store backend: "redis" (default), "qdrant", "pgvector", or "memory".
	VectorType string

	// Run vector store schema setup on startup.
	VectorMigrateAtStart bool

	// VectorIndexName is the name of the vector index.
	VectorIndexName string

	// VectorDimensions is the embedding dimensionality. Zero uses the embedder's default.
	VectorDimensions int

	// DistanceMetric for the vector index. Only "cosine" is supported.
	DistanceMetric string

	// IndexingAlgorithm for the vector index. Only "hnsw" is supported.
	IndexingAlgorithm string

	// Postgres (pgvector backend only)
	DBURL          string
	DBMaxOpenConns int
	DBMaxIdleConns int

	// Qdrant
	QdrantHost           string
	QdrantPort           int
	QdrantCollectionName string
	QdrantAPIKey         string
	QdrantUseTLS         bool
	QdrantStartupTimeout time.Duration

	// Embedding provider: "openai", "local", or "disabled".
	EmbedType string

	// LLM provider for extraction/summarization/topic tagging: "openai" or "disabled".
	LLMType string

	// OpenAI
	OpenAIAPIKey     string
	OpenAIBaseURL    string
	EmbeddingModel   string
	OpenAIDimensions int

	// GenerationModelFast is used for query optimization and topic tagging.
	// GenerationModelSlow is used for extraction and summarization.
	GenerationModelFast string
	GenerationModelSlow string

	// Provider client-side limits.
	ProviderRequestsPerSecond float64
	ProviderBurst             int
	ProviderTimeout           time.Duration

	// Long-term memory feature toggles.
	LongTermMemoryEnabled    bool
	EnableDiscreteExtraction bool
	EnableTopicExtraction    bool
	EnableNER                bool

	// TopicModelSource selects the topic tagger: "llm" (classified against
	// TopicTaxonomy) or "local" (open-vocabulary heuristic model; filter
	// queries on topics then use exact-string match).
	TopicModelSource string

	// TopicTaxonomy is the comma-separated fixed topic whitelist used when
	// TopicModelSource is "llm".
	TopicTaxonomy string

	// TopKTopics caps the number of topics attached per record.
	TopKTopics int

	// Working memory.
	DefaultWMTTLSeconds    int
	ContextWindowMax       int
	SummarizationThreshold float64

	// Deduplication.
	DedupDistanceThreshold float64

	// Compaction.
	CompactionEveryMinutes int
	CompactionMaxRecords   int
	CompactionMaxRuntime   time.Duration

	// Forgetting.
	ForgettingEnabled      bool
	ForgettingEveryMinutes int
	ForgettingMaxAgeDays   int
	ForgettingMinAccess    int64
	ForgettingBatchSize    int

	// Task runtime.
	TaskWorkers      int
	TaskPollInterval time.Duration
	TaskMaxAttempts  int
	TaskRetryBackoff time.Duration
	TaskMaxBackoff   time.Duration
	TaskClaimLease   time.Duration
	TaskBatchSize    int
	TouchBatchSize   int

	// Rerank weights: score = Alpha*similarity + Beta*recency + Gamma*log1p(access_count).
	RerankAlpha float64
	RerankBeta  float64
	RerankGamma float64

	// Server
	Listener                  ListenerConfig
	ManagementListener        ListenerConfig
	ManagementListenerEnabled bool
	ManagementAccessLog       bool
	MaxBodySize               int64
	DrainTimeout              int

	// APIKeys maps API key values to client IDs. Empty disables the check.
	APIKeys map[string]string

	// MetricsLabels is a comma-separated list of key=value pairs added as
	// constant labels to all Prometheus metrics. Values support ${VAR} expansion.
	MetricsLabels string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		RedisURL:                  "redis://localhost:6379",
		VectorType:                "redis",
		VectorMigrateAtStart:      true,
		VectorIndexName:           "memory_records",
		DistanceMetric:            "cosine",
		IndexingAlgorithm:         "hnsw",
		DBMaxOpenConns:            25,
		DBMaxIdleConns:            5,
		QdrantHost:                "localhost",
		QdrantPort:                6334,
		QdrantStartupTimeout:      30 * time.Second,
		EmbedType:                 "local",
		LLMType:                   "disabled",
		OpenAIBaseURL:             "https://api.openai.com/v1",
		EmbeddingModel:            "text-embedding-3-small",
		GenerationModelFast:       "gpt-4o-mini",
		GenerationModelSlow:       "gpt-4o",
		ProviderRequestsPerSecond: 10,
		ProviderBurst:             20,
		ProviderTimeout:           30 * time.Second,
		LongTermMemoryEnabled:     true,
		EnableDiscreteExtraction:  true,
		EnableTopicExtraction:     true,
		EnableNER:                 true,
		TopicModelSource:          "llm",
		TopicTaxonomy:             "travel,food,health,work,family,hobbies,technology,finance,pets,sports,entertainment,education",
		TopKTopics:                3,
		DefaultWMTTLSeconds:       3600,
		ContextWindowMax:          128000,
		SummarizationThreshold:    0.7,
		DedupDistanceThreshold:    0.1,
		CompactionEveryMinutes:    60,
		CompactionMaxRecords:      1000,
		CompactionMaxRuntime:      5 * time.Minute,
		ForgettingEnabled:         false,
		ForgettingEveryMinutes:    1440,
		ForgettingMaxAgeDays:      90,
		ForgettingMinAccess:       5,
		ForgettingBatchSize:       100,
		TaskWorkers:               4,
		TaskPollInterval:          time.Second,
		TaskMaxAttempts:           5,
		TaskRetryBackoff:          2 * time.Second,
		TaskMaxBackoff:            5 * time.Minute,
		TaskClaimLease:            2 * time.Minute,
		TaskBatchSize:             25,
		TouchBatchSize:            100,
		RerankAlpha:               1,
		RerankBeta:                0,
		RerankGamma:               0,
		Listener: ListenerConfig{
			Port:              8000,
			ReadHeaderTimeout: 5 * time.Second,
		},
		MaxBodySize:  10 * 1024 * 1024,
		DrainTimeout: 30,
	}
}

// QdrantAddress returns the host:port address for the Qdrant gRPC endpoint.
func (c *Config) QdrantAddress() string {
	host := strings.TrimSpace(c.QdrantHost)
	if host == "" {
		host = "localhost"
	}
	if strings.Contains(host, ":") {
		return host
	}
	port := c.QdrantPort
	if port == 0 {
		port = 6334
	}
	return host + ":" + strconv.Itoa(port)
}

// TaxonomyList returns the parsed TopicTaxonomy whitelist, lowercased.
func (c *Config) TaxonomyList() []string {
	if strings.TrimSpace(c.TopicTaxonomy) == "" {
		return nil
	}
	parts := strings.Split(c.TopicTaxonomy, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(strings.ToLower(p)); p != "" {
			out = append(out, p)
		}
	}
	return out
}

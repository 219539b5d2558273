package serve

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"

	"github.com/agentmem/memory-service/internal/config"
	"github.com/agentmem/memory-service/internal/longterm"
	"github.com/agentmem/memory-service/internal/mcp"
	"github.com/agentmem/memory-service/internal/pipeline"
	routememories "github.com/agentmem/memory-service/internal/plugin/route/memories"
	routeprompt "github.com/agentmem/memory-service/internal/plugin/route/prompt"
	routesessions "github.com/agentmem/memory-service/internal/plugin/route/sessions"
	routesystem "github.com/agentmem/memory-service/internal/plugin/route/system"
	vectormetrics "github.com/agentmem/memory-service/internal/plugin/vector/metrics"
	"github.com/agentmem/memory-service/internal/providers"
	"github.com/agentmem/memory-service/internal/query"
	registryembed "github.com/agentmem/memory-service/internal/registry/embed"
	registryllm "github.com/agentmem/memory-service/internal/registry/llm"
	registryroute "github.com/agentmem/memory-service/internal/registry/route"
	registrysession "github.com/agentmem/memory-service/internal/registry/session"
	registryvector "github.com/agentmem/memory-service/internal/registry/vector"
	"github.com/agentmem/memory-service/internal/security"
	"github.com/agentmem/memory-service/internal/tasks"
	"github.com/agentmem/memory-service/internal/tokens"
	"github.com/agentmem/memory-service/internal/working"
)

// Server holds the running server and its subsystems.
type Server struct {
	Config     *config.Config
	Router     *gin.Engine
	Queue      *tasks.Queue
	httpServer *http.Server
	mgmtServer *http.Server
	cancelJobs context.CancelFunc
}

// Shutdown gracefully shuts down the server: stops accepting requests,
// then stops the task workers.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error
	if s.mgmtServer != nil {
		if err := s.mgmtServer.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			shutdownErr = err
		}
	}
	if err := s.httpServer.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) && shutdownErr == nil {
		shutdownErr = err
	}
	s.cancelJobs()
	return shutdownErr
}

// StartServer initializes all subsystems and starts the HTTP server.
func StartServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	log.Info("Starting memory service",
		"port", cfg.Listener.Port,
		"vector", cfg.VectorType,
		"embedding", cfg.EmbedType,
		"generation", cfg.LLMType,
	)

	// Initialize Prometheus metrics with configured constant labels.
	metricsLabels, err := security.ParseMetricsLabels(cfg.MetricsLabels)
	if err != nil {
		return nil, fmt.Errorf("invalid --metrics-labels: %w", err)
	}
	security.InitMetrics(metricsLabels)

	// Redis backs the session store and the task queue.
	redisOpts, err := goredis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid --redis-url: %w", err)
	}
	redisClient := goredis.NewClient(redisOpts)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis not reachable: %w", err)
	}

	sessionLoader, err := registrysession.Select("redis")
	if err != nil {
		return nil, err
	}
	sessions, err := sessionLoader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize session store: %w", err)
	}

	// Vector store
	vectorLoader, err := registryvector.Select(cfg.VectorType)
	if err != nil {
		return nil, err
	}
	vectorStore, err := vectorLoader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize vector store: %w", err)
	}
	if cfg.VectorMigrateAtStart {
		if err := vectorStore.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("vector store schema setup failed: %w", err)
		}
	}
	vectorStore = vectormetrics.Wrap(vectorStore)

	// Embedding and generation providers, guarded with client-side limits.
	limits := providers.Limits{
		RequestsPerSecond: cfg.ProviderRequestsPerSecond,
		Burst:             cfg.ProviderBurst,
		Timeout:           cfg.ProviderTimeout,
	}
	embedLoader, err := registryembed.Select(cfg.EmbedType)
	if err != nil {
		return nil, err
	}
	embedder, err := embedLoader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize embedder: %w", err)
	}
	embedder = providers.GuardEmbedder(embedder, limits)

	chatLoader, err := registryllm.Select(cfg.LLMType)
	if err != nil {
		return nil, err
	}
	chat, err := chatLoader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize generation client: %w", err)
	}
	chat = providers.GuardChat(chat, limits)

	// Task queue and background pipeline.
	queue := tasks.NewQueue(redisClient, cfg.TaskClaimLease)
	runner := tasks.NewRunner(queue, tasks.RunnerOptions{
		Workers:      cfg.TaskWorkers,
		PollInterval: cfg.TaskPollInterval,
		MaxAttempts:  cfg.TaskMaxAttempts,
		RetryBackoff: cfg.TaskRetryBackoff,
		MaxBackoff:   cfg.TaskMaxBackoff,
		BatchSize:    cfg.TaskBatchSize,
	})

	counter := tokens.NewCounter(cfg.GenerationModelSlow)
	lt := longterm.NewService(vectorStore)
	pipe := pipeline.New(lt, sessions, embedder, chat, queue, counter, cfg)
	pipe.RegisterHandlers(runner)

	jobCtx, cancelJobs := context.WithCancel(context.WithoutCancel(ctx))
	go runner.Start(jobCtx)

	wmSvc := working.NewService(sessions, queue, counter, cfg)
	qs, err := query.NewService(lt, embedder, chat, queue, cfg)
	if err != nil {
		cancelJobs()
		return nil, err
	}

	// Set up gin
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.ManagementAccessLog {
		router.Use(security.AccessLogMiddleware())
	} else {
		router.Use(security.AccessLogMiddleware("/health", "/ready", "/metrics"))
	}
	router.Use(security.MetricsMiddleware())
	router.Use(maxBodySizeMiddleware(cfg.MaxBodySize))

	for _, loader := range registryroute.MainRouteLoaders() {
		if err := loader(router); err != nil {
			cancelJobs()
			return nil, fmt.Errorf("failed to load routes: %w", err)
		}
	}

	auth := security.APIKeyMiddleware(cfg.APIKeys)
	routesessions.MountRoutes(router, wmSvc, auth)
	routememories.MountRoutes(router, lt, qs, queue, auth)
	routeprompt.MountRoutes(router, qs, wmSvc, auth)

	mcpServer := mcp.NewServer(lt, qs, wmSvc, queue)
	router.Any("/mcp", auth, gin.WrapH(mcpServer.Handler()))

	// Mount management route plugins. With a dedicated management port they
	// run on their own engine; otherwise they share the main router.
	var mgmtServer *http.Server
	if cfg.ManagementListenerEnabled {
		mgmtRouter := gin.New()
		mgmtRouter.Use(gin.Recovery())
		if cfg.ManagementAccessLog {
			mgmtRouter.Use(security.AccessLogMiddleware())
		}
		for _, loader := range registryroute.ManagementRouteLoaders() {
			if err := loader(mgmtRouter); err != nil {
				cancelJobs()
				return nil, fmt.Errorf("failed to load management routes: %w", err)
			}
		}
		mgmtServer = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.ManagementListener.Port),
			Handler:           mgmtRouter,
			ReadHeaderTimeout: cfg.ManagementListener.ReadHeaderTimeout,
		}
		go func() {
			if err := mgmtServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("Management server failed", "err", err)
			}
		}()
		log.Info("Management server listening", "port", cfg.ManagementListener.Port)
	} else {
		for _, loader := range registryroute.ManagementRouteLoaders() {
			if err := loader(router); err != nil {
				cancelJobs()
				return nil, fmt.Errorf("failed to load management routes: %w", err)
			}
		}
	}

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Listener.Port),
		Handler:           router,
		ReadHeaderTimeout: cfg.Listener.ReadHeaderTimeout,
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server failed", "err", err)
		}
	}()

	log.Info("Server listening", "port", cfg.Listener.Port)

	routesystem.MarkReady()
	return &Server{
		Config:     cfg,
		Router:     router,
		Queue:      queue,
		httpServer: httpServer,
		mgmtServer: mgmtServer,
		cancelJobs: cancelJobs,
	}, nil
}

func maxBodySizeMiddleware(maxBodySize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodySize)
		c.Next()
	}
}

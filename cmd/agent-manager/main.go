package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/scripton/scripton/internal/agent"
	agentapi "github.com/scripton/scripton/internal/agent/api"
	"github.com/scripton/scripton/internal/agent/credentials"
	"github.com/scripton/scripton/internal/agent/streaming"
	"github.com/scripton/scripton/internal/common/config"
	"github.com/scripton/scripton/internal/common/httpmw"
	"github.com/scripton/scripton/internal/common/logger"
	"github.com/scripton/scripton/internal/events/bus"
	"github.com/scripton/scripton/internal/provider"
	providerapi "github.com/scripton/scripton/internal/provider/api"
	"github.com/scripton/scripton/internal/run/repository"
	"github.com/scripton/scripton/internal/sandbox"
	"github.com/scripton/scripton/internal/security"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Agent Manager service...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Event bus (NATS when configured, in-memory otherwise)
	eventBus, err := bus.New(cfg.NATS, log)
	if err != nil {
		log.Fatal("Failed to connect to event bus", zap.Error(err))
	}
	defer eventBus.Close()

	// 4. Sandbox manager
	sandboxes, err := sandbox.NewManager(
		cfg.Workspace.ExpandedBasePath(),
		nil,
		cfg.Workspace.MaxSandboxSizeMB,
		cfg.Workspace.OrphanMaxAge(),
		log,
	)
	if err != nil {
		log.Fatal("Failed to initialize sandbox manager", zap.Error(err))
	}
	log.Info("Initialized sandbox manager", zap.String("base_path", sandboxes.BasePath()))

	// 5. Security policy
	policy := security.NewPolicy(cfg.Security, log)
	log.Info("Loaded security policy",
		zap.Int("max_concurrent_agents", policy.MaxConcurrentAgents()))

	// 6. Credentials manager
	creds := credentials.NewManager(credentials.NewEnvProvider("SCRIPTON_"))

	// 7. Run-history repository
	var runs repository.Repository
	if cfg.Database.Path != "" {
		runs, err = repository.NewSQLiteRepository(cfg.Database.Path)
		if err != nil {
			log.Fatal("Failed to open run database", zap.Error(err))
		}
		log.Info("Using SQLite run history", zap.String("path", cfg.Database.Path))
	} else {
		runs = repository.NewMemoryRepository()
		log.Info("Using in-memory run history")
	}
	defer runs.Close()

	// 8. Agent lifecycle manager
	manager := agent.NewManager(sandboxes, policy, eventBus, runs, cfg.Agent, cfg.Providers, log)
	manager.Start()
	log.Info("Started agent lifecycle manager")

	// 9. Provider registry with the built-in backends
	registry := provider.NewRegistry(log)
	factory := provider.NewFactory(cfg.Providers, creds, log)
	for _, kind := range factory.Kinds() {
		p, err := factory.New(kind, nil)
		if err != nil {
			log.Warn("skipping provider", zap.String("kind", string(kind)), zap.Error(err))
			continue
		}
		registry.Register(p)
	}
	for kind, err := range registry.InitializeAll(ctx) {
		if err != nil {
			log.Warn("provider unavailable",
				zap.String("kind", string(kind)),
				zap.Error(err))
		}
	}

	// 10. HTTP server
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		gin.Recovery(),
		httpmw.RequestLogger(log, "agent-manager"),
		httpmw.OtelTracing("agent-manager"),
	)

	apiV1 := router.Group("/api/v1")
	agentapi.SetupRoutes(apiV1, manager, policy, runs, log)
	providerapi.SetupRoutes(apiV1, registry, factory, log)

	wsHandler := streaming.NewHandler(manager, log)
	router.GET("/ws/agents/:agentId/events", wsHandler.ServeAgentEvents)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":       "healthy",
			"agents_count": manager.Count(),
			"timestamp":    time.Now().UTC().Format(time.RFC3339),
		})
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 11. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Agent Manager service...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	manager.Stop(shutdownCtx)
	registry.Shutdown(shutdownCtx)

	log.Info("Agent Manager service stopped")
}

// Package main is the entry point for loomd, the Loom runtime server.
// One binary serves the runtime API, the run-event firehose, and the A2A and
// MCP protocol adapters with shared infrastructure.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/loomhq/loom/internal/auth"
	"github.com/loomhq/loom/internal/common/config"
	"github.com/loomhq/loom/internal/common/constants"
	"github.com/loomhq/loom/internal/common/httpmw"
	"github.com/loomhq/loom/internal/common/logger"
	"github.com/loomhq/loom/internal/common/tracing"
	"github.com/loomhq/loom/internal/events"
	gateways "github.com/loomhq/loom/internal/gateway/websocket"
	"github.com/loomhq/loom/internal/graph"
	"github.com/loomhq/loom/internal/protocol/a2a"
	"github.com/loomhq/loom/internal/protocol/mcp"
	"github.com/loomhq/loom/internal/runtime/cron"
	"github.com/loomhq/loom/internal/runtime/handlers"
	"github.com/loomhq/loom/internal/runtime/service"
	"github.com/loomhq/loom/internal/runtime/streaming"
	"github.com/loomhq/loom/internal/storage"
	assistantsync "github.com/loomhq/loom/internal/sync"
	"github.com/loomhq/loom/internal/webhook"
)

const serverName = "loom-server"

// version is stamped at build time via -ldflags.
var version = "dev"

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

	log.Info("Starting Loom...", zap.String("version", version))

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ============================================
	// STORAGE
	// ============================================
	backend, storageCleanup, err := storage.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize storage", zap.Error(err))
	}
	defer storageCleanup()
	repo := backend.Repo()

	// ============================================
	// EVENT BUS
	// ============================================
	providedBus, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer busCleanup()
	if providedBus.NATS != nil {
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		log.Info("Using in-memory event bus")
	}
	publisher := events.NewPublisher(providedBus.Bus, serverName, log)

	// ============================================
	// GRAPH REGISTRY
	// ============================================
	registry := graph.NewRegistry(log)
	if err := registry.Register(graph.EchoGraphID, graph.EchoFactory()); err != nil {
		log.Fatal("Failed to register echo graph", zap.Error(err))
	}
	// The server schedules and streams runs; inference itself lives behind a
	// ModelClient. Without a configured backend the builtin graphs answer
	// with an upstream error instead of failing registration.
	if err := graph.RegisterBuiltins(registry, graph.NoModel(), graph.NewStaticToolSet(), cfg.Graph, log); err != nil {
		log.Fatal("Failed to register builtin graphs", zap.Error(err))
	}
	log.Info("Graph registry initialized", zap.Strings("graphs", registry.IDs()))

	// ============================================
	// SERVICES
	// ============================================
	assistants := service.NewAssistantService(repo, registry, log)
	threads := service.NewThreadService(repo, publisher, log)
	store := service.NewStoreService(repo, log)
	crons := service.NewCronService(repo, log)

	webhooks := webhook.NewDispatcher(cfg.Webhook, log)
	defer webhooks.Close()

	scheduler := service.NewScheduler(repo, assistants, threads, registry, backend, publisher, webhooks, log)
	engine := streaming.NewEngine(scheduler, log)

	// ============================================
	// ASSISTANT SYNC
	// ============================================
	scope, err := config.ParseSyncScope(cfg.Sync.Scope)
	if err != nil {
		log.Fatal("Invalid sync scope", zap.Error(err))
	}
	if scope.Enabled() {
		syncer := assistantsync.New(assistants, log)
		if _, err := syncer.Run(ctx, cfg.Sync.ManifestPath, scope); err != nil {
			log.Fatal("Assistant sync failed", zap.Error(err))
		}
	}

	// ============================================
	// CRON TIMER
	// ============================================
	var timer *cron.Timer
	if cfg.Cron.Enabled {
		timer = cron.NewTimer(crons, scheduler, threads, publisher, cfg.Cron, log)
		if err := timer.Start(ctx); err != nil {
			log.Fatal("Failed to start cron timer", zap.Error(err))
		}
	} else {
		log.Info("Cron timer disabled")
	}

	// ============================================
	// FIREHOSE GATEWAY
	// ============================================
	gateway := gateways.NewGateway(ctx, providedBus.Bus, log)
	go gateway.Run(ctx)

	// ============================================
	// HTTP SERVER
	// ============================================
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.OtelTracing(serverName))
	router.Use(httpmw.RequestLogger(log, serverName))
	router.Use(corsMiddleware())

	verifier := auth.NewVerifier(cfg.Auth.SupabaseJWTSecret)

	handler := handlers.NewHandler(assistants, threads, store, crons, scheduler, engine, registry,
		handlers.ServerInfo{Version: version, Backend: backend.Name()}, log)
	handlers.SetupRoutes(router, handler, verifier, log)

	a2a.SetupRoutes(router, a2a.NewHandler(scheduler, log), verifier, log)
	gateway.SetupRoutes(router, verifier, log)

	// ============================================
	// MCP SERVER
	// ============================================
	if cfg.MCP.Enabled {
		mcpServer, mcpCleanup, err := mcp.Provide(ctx, mcp.Config{
			Port:     cfg.MCP.Port,
			Identity: cfg.MCP.Identity,
			Version:  version,
		}, mcp.Deps{
			Scheduler:  scheduler,
			Assistants: assistants,
			Threads:    threads,
			Registry:   registry,
		}, log)
		if err != nil {
			log.Fatal("Failed to start MCP server", zap.Error(err))
		}
		defer mcpCleanup()
		log.Info("MCP server listening",
			zap.String("sse", mcpServer.SSEEndpoint()),
			zap.String("streamable_http", mcpServer.StreamableHTTPEndpoint()))
	} else {
		log.Info("MCP server disabled")
	}

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	// Start server
	go func() {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	log.Info("API configured",
		zap.String("runtime", "/assistants /threads /runs /store"),
		zap.String("firehose", "/ws"),
		zap.String("a2a", "/a2a/:assistantID"),
		zap.String("health", "/ok"))

	// ============================================
	// GRACEFUL SHUTDOWN
	// ============================================
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Loom...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	if timer != nil {
		if err := timer.Stop(); err != nil {
			log.Error("Cron timer stop error", zap.Error(err))
		}
	}

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("Loom stopped")
}

// corsMiddleware returns a CORS middleware for HTTP and WebSocket connections.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")
		c.Header("Access-Control-Allow-Credentials", "true")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

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

	"github.com/kandev/agentd/internal/agent/credentials"
	"github.com/kandev/agentd/internal/agent/registry"
	"github.com/kandev/agentd/internal/allocator"
	"github.com/kandev/agentd/internal/common/config"
	"github.com/kandev/agentd/internal/common/database"
	"github.com/kandev/agentd/internal/common/logger"
	"github.com/kandev/agentd/internal/convstore"
	"github.com/kandev/agentd/internal/events"
	"github.com/kandev/agentd/internal/httpapi"
	"github.com/kandev/agentd/internal/orchestrator/queue"
	"github.com/kandev/agentd/internal/orchestrator/streaming"
	"github.com/kandev/agentd/internal/sandboxclient"
	"github.com/kandev/agentd/internal/sessionsupervisor"
	"github.com/kandev/agentd/internal/taskstore"
	"github.com/kandev/agentd/internal/tokenmanager"
)

// staticTokenSource hands out a single token read once from the
// environment, satisfying the Sandbox Client's TokenSource interface. The
// sandbox's own bearer token does not rotate the way the agent's OAuth
// token does, so it needs none of the Token Manager's refresh machinery.
type staticTokenSource struct {
	token string
}

func (s staticTokenSource) GetAccessToken(_ context.Context) (string, error) {
	if s.token == "" {
		return "", fmt.Errorf("sandbox token not configured")
	}
	return s.token, nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting agentd")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := database.NewDB(ctx, cfg.Database)
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	if err := db.Bootstrap(ctx); err != nil {
		log.Fatal("failed to bootstrap schema", zap.Error(err))
	}
	log.Info("connected to database and bootstrapped schema")

	providedBus, closeBus, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("failed to initialize event bus", zap.Error(err))
	}
	defer closeBus()
	eventBus := providedBus.Bus

	sandboxToken := os.Getenv(cfg.Sandbox.TokenEnvVar)
	sandbox := sandboxclient.New(cfg.Sandbox, staticTokenSource{token: sandboxToken}, log)

	convStore := convstore.New(db)
	taskStore := taskstore.New(db)
	repoStore := allocator.NewRepoStore(db)

	tokens := tokenmanager.New(convStore, cfg.OAuth, log)
	if err := tokens.Load(ctx); err != nil {
		log.Warn("failed to load stored oauth token", zap.Error(err))
	}
	if legacy := os.Getenv("AGENT_OAUTH_TOKEN"); legacy != "" {
		if _, err := tokens.GetAccessToken(ctx); err != nil {
			if err := tokens.Seed(ctx, legacy, "", time.Now().Add(1*time.Hour), nil, ""); err != nil {
				log.Warn("failed to seed legacy oauth token", zap.Error(err))
			}
		}
	}

	alloc := allocator.New(sandbox, repoStore, tokens, cfg.Allocator, cfg.Sandbox, log)

	agentRegistry := registry.NewRegistry(log)
	agentRegistry.LoadDefaults()
	log.Info("loaded agent registry", zap.Int("agent_types", len(agentRegistry.List())))

	credsMgr := credentials.NewManager(log)
	credsMgr.AddProvider(credentials.NewEnvProvider("AGENTD_"))

	sessions := sessionsupervisor.NewRegistry(alloc, convStore, taskStore, tokens, credsMgr, agentRegistry, sandbox, eventBus, cfg.Allocator, log)

	alloc.StartRecoverySweep(ctx, sessions)

	hub := streaming.NewHub(eventBus, log)
	go func() {
		if err := hub.Run(ctx); err != nil {
			log.Error("streaming hub stopped", zap.Error(err))
		}
	}()

	admission := queue.NewTaskQueue(cfg.Admission.QueueSize)
	apiRouter := httpapi.New(taskStore, repoStore, convStore, agentRegistry, sessions, alloc, admission, cfg.Admission.MaxConcurrentSessions, hub, log)
	go apiRouter.RunAdmissionLoop(ctx, 2*time.Second)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	v1 := router.Group("/v1")
	apiRouter.Register(v1)
	router.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("http server listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("failed to start http server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down agentd")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", zap.Error(err))
	}

	alloc.StopRecoverySweep()

	log.Info("agentd stopped")
}

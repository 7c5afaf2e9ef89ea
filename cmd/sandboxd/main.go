package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/archestra/sandboxd/internal/config"
	"github.com/archestra/sandboxd/internal/events"
	"github.com/archestra/sandboxd/internal/handler"
	"github.com/archestra/sandboxd/internal/lifecycle"
	"github.com/archestra/sandboxd/internal/logx"
	"github.com/archestra/sandboxd/internal/mcpclient"
	"github.com/archestra/sandboxd/internal/podman"
	"github.com/archestra/sandboxd/internal/sandbox"
	"github.com/archestra/sandboxd/internal/security"
	"github.com/archestra/sandboxd/internal/store"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

func main() {
	logger, closeLogger, err := logx.Init("sandboxd")
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() {
		if err := closeLogger(); err != nil {
			slog.Error("failed to close logger", "error", err)
		}
	}()

	stdLog := slog.NewLogLogger(logger.Handler(), slog.LevelInfo)
	log.SetFlags(0)
	log.SetOutput(stdLog.Writer())

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	slog.Info("initializing database", "component", "store", "db_path", cfg.DBPath())
	if err := store.InitDB(cfg.DBPath()); err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.CloseDB()
	slog.Info("database initialized", "component", "store")

	cipher, err := loadSecretCipher(cfg)
	if err != nil {
		log.Fatalf("Failed to set up secrets encryption: %v", err)
	}

	serverStore := store.NewServerStore(cipher)

	podmanClient := podman.NewClient(podman.ClientConfig{
		SocketPath: cfg.PodmanSocket,
	})
	slog.Info("podman client ready", "component", "podman", "socket", podmanClient.SocketPath())

	bus := events.NewBus()

	machine := sandbox.NewRuntimeMachine(podmanClient, sandbox.NewExecRunner(), bus, sandbox.MachineConfig{
		Binary:       cfg.PodmanBinary,
		PollInterval: cfg.MachinePollInterval,
		MaxAttempts:  cfg.MachineMaxAttempts,
	})
	image := sandbox.NewBaseImage(podmanClient, cfg.BaseImage, bus)
	toolClient := mcpclient.New(30*time.Second, "dev")

	manager := sandbox.NewManager(machine, image, podmanClient, toolClient, serverStore, bus, sandbox.ManagerConfig{
		MCPPortBase: cfg.MCPPortBase,
		ContainerOpts: sandbox.ContainerOptions{
			PollInterval: cfg.StartPollInterval,
			MaxAttempts:  cfg.StartMaxAttempts,
		},
	})

	drainState := lifecycle.NewDrainManager()

	sandboxHandler := handler.NewSandboxHandler(manager)
	serverHandler := handler.NewServerHandler(serverStore, manager)
	toolsHandler := handler.NewToolsHandler(manager)
	eventsHandler := handler.NewEventsHandler(bus, drainState)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logx.RequestIDMiddleware())
	r.Use(logx.AccessLogMiddleware("api_http"))

	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Upgrade", "Connection", "Sec-WebSocket-Key", "Sec-WebSocket-Version", "Sec-WebSocket-Extensions", "Sec-WebSocket-Protocol"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	r.Use(func(c *gin.Context) {
		if drainState.IsDraining() && c.Request.URL.Path != "/health" && c.Request.URL.Path != "/readyz" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "service is draining"})
			return
		}
		c.Next()
	})

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	r.GET("/readyz", func(c *gin.Context) {
		if drainState.IsDraining() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "draining"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api/v1")
	sandboxHandler.RegisterRoutes(api)
	serverHandler.RegisterRoutes(api)
	toolsHandler.RegisterRoutes(api)
	eventsHandler.RegisterRoutes(api)

	// Bring the sandbox up in the background; the API is usable immediately
	// and reports startup progress.
	sandboxHandler.StartBackground()

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("api server starting", "component", "http_server", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down sandboxd...")

	drainState.StartDraining()
	time.Sleep(2 * time.Second)

	ctxShutdown, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctxShutdown); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer drainCancel()
	if err := drainState.WaitWebSockets(drainCtx); err != nil {
		log.Printf("Drained with timeout, remaining event streams: %d", drainState.ActiveSessions())
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer stopCancel()
	manager.StopAll(stopCtx)

	log.Println("sandboxd stopped")
}

// loadSecretCipher prefers an operator-provided key from the environment and
// falls back to a key generated once and kept alongside the database.
func loadSecretCipher(cfg *config.Config) (*security.SecretCipher, error) {
	if os.Getenv(security.SecretsKeyEnv) != "" {
		return security.NewSecretCipherFromEnv()
	}

	keyPath := cfg.KeyfilePath()
	raw, err := os.ReadFile(keyPath)
	if os.IsNotExist(err) {
		generated, genErr := security.GenerateKey()
		if genErr != nil {
			return nil, genErr
		}
		if writeErr := os.WriteFile(keyPath, []byte(generated), 0o600); writeErr != nil {
			return nil, writeErr
		}
		raw = []byte(generated)
		slog.Info("generated secrets key", "component", "security", "path", keyPath)
	} else if err != nil {
		return nil, err
	}

	return security.NewSecretCipherFromString(strings.TrimSpace(string(raw)), "")
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"backupflow/backend/internal/adapters"
	"backupflow/backend/internal/api"
	"backupflow/backend/internal/artifacts"
	"backupflow/backend/internal/auth"
	"backupflow/backend/internal/config"
	"backupflow/backend/internal/executor"
	"backupflow/backend/internal/guard"
	"backupflow/backend/internal/logging"
	"backupflow/backend/internal/mcp"
	"backupflow/backend/internal/metadata"
	"backupflow/backend/internal/objectstore"
	"backupflow/backend/internal/repository"
	"backupflow/backend/internal/services"
	"backupflow/backend/internal/tls"
)

func main() {
	ctx := context.Background()

	// Parse command line flags
	configFile := flag.String("config", "", "Path to config.yaml")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		log.Fatalf("Configuration loading failed: %v", err)
	}

	logger := logging.New(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	logger.Info("Configuration loaded",
		"environment", cfg.Environment,
		"issuer", cfg.Auth.Issuer,
		"storage_backend", cfg.Storage.Backend,
		"destinations", len(cfg.Destinations),
	)

	// Initialize database connection
	dbPool, err := initDatabase(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer dbPool.Close()

	repo := repository.NewPostgresRepository(dbPool)
	if err := repo.Migrate(ctx); err != nil {
		logger.Error("Failed to apply schema", "error", err)
		os.Exit(1)
	}
	logger.Info("Database connected")

	// Artifact storage and upload destinations
	objects, closeObjects, err := objectstore.Open(ctx, cfg.Storage.Config)
	if err != nil {
		logger.Error("Failed to open artifact storage", "error", err)
		os.Exit(1)
	}
	defer closeObjects()

	destinations := make(map[string]objectstore.Store, len(cfg.Destinations))
	for name, dc := range cfg.Destinations {
		dest, closeDest, err := objectstore.Open(ctx, dc)
		if err != nil {
			logger.Error("Failed to open destination", "destination", name, "error", err)
			os.Exit(1)
		}
		defer closeDest()
		destinations[name] = dest
	}

	// Initialize execution engine and service layer
	store := artifacts.NewStore(objects, cfg.Storage.Prefix)
	registry := adapters.NewDefaultRegistry(adapters.Deps{
		Secrets:      adapters.NewStaticSecrets(cfg.Secrets),
		Destinations: destinations,
	})
	engine := executor.New(guard.New(), registry, store, repo, executor.Options{
		MaxParallel: cfg.Executor.MaxParallel,
		Logger:      logger.With("component", "executor"),
	})
	svc := services.NewPipelineService(repo, metadata.NewRepository(repo), engine, store, logger.With("component", "service"))

	logger.Info("Service layer initialized", "step_types", registry.Types())

	// Create Echo server
	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = api.ErrorHandler(logger)

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(otelecho.Middleware("backupflow"))

	// Initialize authentication
	authz, err := auth.New(ctx, cfg, logger.With("component", "auth"))
	if err != nil {
		logger.Error("failed to initialize auth", "error", err)
		os.Exit(1)
	}
	if authz.Bypassed() {
		logger.Warn("Token verification is bypassed; every request runs as dev@localhost")
	}

	// Mount REST API handlers
	api.RegisterHandlers(e, api.NewServer(svc, repo, logger), authz)
	logger.Info("REST API handlers mounted")

	// Mount MCP protocol handlers behind the same token check
	mcpServer := mcp.NewServer(svc)
	mcpHandlers := http.NewServeMux()
	mcp.MountHTTPHandlers(mcpHandlers, mcpServer.GetMCPServer())
	e.Any("/mcp/*", echo.WrapHandler(mcpHandlers), authz.RequireAuth, auth.RequireScope(auth.ScopeWrite))
	logger.Info("MCP protocol handlers mounted")

	// Create HTTP server
	server := &http.Server{
		Addr:        cfg.Server.Addr,
		Handler:     e,
		ReadTimeout: 15 * time.Second,
		// SSE streams stay open, so writes are not bounded.
		IdleTimeout: 60 * time.Second,
	}

	// Graceful shutdown handling
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("Server starting", "address", cfg.Server.Addr, "tls", cfg.TLS.Enable)
		if !cfg.TLS.Enable {
			serverErrors <- server.ListenAndServe()
			return
		}
		created, err := tls.EnsureCertificate(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.Hostnames)
		if err != nil {
			serverErrors <- fmt.Errorf("prepare certificate: %w", err)
			return
		}
		if created {
			logger.Warn("Generated self-signed certificate", "cert_file", cfg.TLS.CertFile, "hostnames", cfg.TLS.Hostnames)
		}
		serverErrors <- server.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
	}()

	// Wait for shutdown signal
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server error", "error", err)
			os.Exit(1)
		}
	case sig := <-shutdown:
		logger.Info("Shutdown signal received", "signal", sig.String())

		// Create shutdown context with timeout
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("Server shutdown error", "error", err)
			if err := server.Close(); err != nil {
				logger.Error("Server close error", "error", err)
			}
		}

		logger.Info("Server stopped gracefully")
	}
}

func initDatabase(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*pgxpool.Pool, error) {
	logger.Debug("Initializing database connection", "host", cfg.DB.Host, "name", cfg.DB.Name)

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/cuongbtq/gas-pipeline/internal/api/handler"
	"github.com/cuongbtq/gas-pipeline/internal/api/router"
	"github.com/cuongbtq/gas-pipeline/internal/bootstrap"
	"github.com/cuongbtq/gas-pipeline/internal/config"
	"github.com/cuongbtq/gas-pipeline/internal/jobstore"
	"github.com/cuongbtq/gas-pipeline/internal/metrics"
	"github.com/cuongbtq/gas-pipeline/internal/queue"
	"github.com/cuongbtq/gas-pipeline/shared/database"
	"github.com/cuongbtq/gas-pipeline/shared/rabbitmq"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := bootstrap.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	// Initialize job record store
	dbClient, err := bootstrap.OpenDatabase(cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	appLogger.Info("Database connection established")

	// RabbitMQ is optional; without it the restore endpoint answers 501
	var rabbitClient *rabbitmq.Client
	if cfg.RabbitMQ.Host != "" {
		rabbitClient, err = bootstrap.ConnectRabbitMQ(cfg.RabbitMQ, appLogger.Logger)
		if err != nil {
			dbClient.Close()
			return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		appLogger.Info("RabbitMQ connection established")
	}

	// Initialize router
	r := initRouter(cfg, appLogger.Logger, dbClient, rabbitClient)

	// Create HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	appLogger.Info("Starting HTTP server",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
	)

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	appLogger.Info("API service is running",
		slog.String("address", addr),
	)

	// Wait for interrupt signal to gracefully shutdown the server
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Cleanup function to close all resources
	cleanup := func() {
		dbClient.Close()
		if rabbitClient != nil {
			rabbitClient.Close()
		}
	}
	defer cleanup()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		appLogger.Error("Server failed to start", slog.Any("error", err))
		return err
	}

	appLogger.Info("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		return err
	}

	appLogger.Info("Server shutdown complete")
	return nil
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(cfg *config.Config, logger *slog.Logger, dbClient *database.Client, rabbitClient *rabbitmq.Client) *gin.Engine {
	// Set Gin mode based on environment
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	registry := bootstrap.NewRegistry()

	// Initialize handler dependencies
	handlerDeps := &handler.Dependencies{
		ServiceName: cfg.App.Name,
		Logger:      logger,
		Metrics:     metrics.New(registry),
		Gatherer:    registry,
		HealthCheck: dbClient.HealthCheck,
		Store:       jobstore.New(dbClient.GetDB(), logger.With(slog.String("component", "jobstore"))),
	}

	if rabbitClient != nil {
		handlerDeps.Publisher = queue.NewRabbitPublisher(rabbitClient)
		handlerDeps.RestoreDestination = cfg.RabbitMQ.Queues.Restore.RoutingKey
	}

	// Setup router
	return router.SetupRouter(handlerDeps)
}

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
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/cuongbtq/gas-pipeline/internal/api/handler"
	"github.com/cuongbtq/gas-pipeline/internal/api/router"
	"github.com/cuongbtq/gas-pipeline/internal/archive"
	"github.com/cuongbtq/gas-pipeline/internal/blob"
	"github.com/cuongbtq/gas-pipeline/internal/bootstrap"
	"github.com/cuongbtq/gas-pipeline/internal/config"
	"github.com/cuongbtq/gas-pipeline/internal/dispatch"
	"github.com/cuongbtq/gas-pipeline/internal/jobstore"
	"github.com/cuongbtq/gas-pipeline/internal/metrics"
	"github.com/cuongbtq/gas-pipeline/internal/profile"
	"github.com/cuongbtq/gas-pipeline/internal/queue"
	"github.com/cuongbtq/gas-pipeline/internal/reconcile"
	"github.com/cuongbtq/gas-pipeline/internal/restore"
	"github.com/cuongbtq/gas-pipeline/internal/worker"
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
	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	roleFlag := flag.String("role", RoleAll, "Comma separated roles: dispatch, archive, restore, thaw, reconcile or all")
	flag.Parse()

	roles, err := parseRoles(*roleFlag)
	if err != nil {
		return fmt.Errorf("invalid -role: %w", err)
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := bootstrap.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.Any("roles", roleNames(roles)),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize job record store
	dbClient, err := bootstrap.OpenDatabase(cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	store := jobstore.New(dbClient.GetDB(), appLogger.Component("jobstore"))
	appLogger.Info("Database connection established")

	// Initialize profile directory
	profiles, accountsClient, err := initProfiles(cfg, dbClient, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize profile directory: %w", err)
	}
	if accountsClient != nil {
		defer accountsClient.Close()
	}

	// Initialize RabbitMQ client and declare the work queues
	rabbitClient, err := bootstrap.ConnectRabbitMQ(cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()

	queues := cfg.RabbitMQ.Queues
	for _, q := range []config.QueueConfig{queues.Requests, queues.Archive, queues.Restore} {
		if err := rabbitClient.DeclareQueue(bootstrap.QueueSpec(q)); err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", q.Name, err)
		}
	}

	appLogger.Info("RabbitMQ connection established")

	// Initialize AWS clients
	aws, err := bootstrap.LoadAWS(ctx, cfg.AWS, appLogger.Logger)
	if err != nil {
		return err
	}
	objects := blob.NewS3Store(aws.S3)
	vault := blob.NewGlacierVault(aws.Glacier, cfg.AWS.Vault)

	// Initialize metrics
	registry := bootstrap.NewRegistry()
	m := metrics.New(registry)
	publisher := queue.NewRabbitPublisher(rabbitClient)

	newWorker := func(name string, consumer queue.Consumer, h worker.Handler) (*worker.Worker, error) {
		return worker.NewWorker(&worker.Config{
			Name:         name,
			Logger:       appLogger.Component(name),
			Consumer:     consumer,
			Handler:      h,
			Metrics:      m,
			Concurrency:  cfg.Pipeline.Concurrency,
			MaxMessages:  cfg.Pipeline.MaxMessages,
			WaitTime:     cfg.Pipeline.WaitTime,
			ErrorBackoff: cfg.Pipeline.ErrorBackoff,
		})
	}
	rabbitConsumer := func(q config.QueueConfig, name string) queue.Consumer {
		return queue.NewRabbitConsumer(rabbitClient, bootstrap.QueueSpec(q), cfg.App.Name+"-"+name,
			cfg.RabbitMQ.Consumer.PrefetchCount, appLogger.Component(name))
	}

	var workers []*worker.Worker

	if roles[RoleDispatch] {
		launcher := &dispatch.ProcessLauncher{
			Path:   cfg.Pipeline.RunnerPath,
			Args:   cfg.Pipeline.RunnerArgs,
			Logger: appLogger.Component("launcher"),
		}
		h := dispatch.New(store, objects, launcher, cfg.Pipeline.WorkDir, appLogger.Component(RoleDispatch))
		w, err := newWorker(RoleDispatch, rabbitConsumer(queues.Requests, RoleDispatch), h)
		if err != nil {
			return fmt.Errorf("failed to create dispatch worker: %w", err)
		}
		workers = append(workers, w)
	}

	if roles[RoleArchive] {
		h := archive.New(store, objects, vault, profiles, appLogger.Component(RoleArchive))
		w, err := newWorker(RoleArchive, rabbitConsumer(queues.Archive, RoleArchive), h)
		if err != nil {
			return fmt.Errorf("failed to create archive worker: %w", err)
		}
		workers = append(workers, w)
	}

	if roles[RoleRestore] {
		h := restore.NewRestorer(restore.RestorerConfig{
			Store:    store,
			Vault:    vault,
			Profiles: profiles,
			Logger:   appLogger.Component(RoleRestore),
			Tiers:    cfg.AWS.RetrievalTiers,
			SNSTopic: cfg.AWS.RetrievalSNSTopic,
		})
		w, err := newWorker(RoleRestore, rabbitConsumer(queues.Restore, RoleRestore), h)
		if err != nil {
			return fmt.Errorf("failed to create restore worker: %w", err)
		}
		workers = append(workers, w)
	}

	if roles[RoleThaw] {
		h := restore.NewThawer(store, objects, vault, cfg.AWS.ResultsBucket, appLogger.Component(RoleThaw))
		consumer := queue.NewSQSConsumer(aws.SQS, cfg.AWS.ThawQueueURL, appLogger.Component(RoleThaw))
		w, err := newWorker(RoleThaw, consumer, h)
		if err != nil {
			return fmt.Errorf("failed to create thaw worker: %w", err)
		}
		workers = append(workers, w)
	}

	var sweeper func(ctx context.Context) error
	if roles[RoleReconcile] && cfg.Reconcile.Enabled {
		schedule, err := reconcile.ParseSchedule(cfg.Reconcile.Schedule)
		if err != nil {
			return err
		}
		s := reconcile.New(reconcile.Config{
			Store:              store,
			Publisher:          publisher,
			Logger:             appLogger.Component(RoleReconcile),
			Metrics:            m,
			ArchiveDestination: queues.Archive.RoutingKey,
			Retention:          cfg.Pipeline.Retention,
			StaleAfter:         cfg.Reconcile.StaleAfter,
			ArchiveGrace:       cfg.Reconcile.ArchiveGrace,
			Limit:              cfg.Reconcile.Limit,
		})
		sweeper = func(ctx context.Context) error {
			return s.Run(ctx, schedule)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	for _, w := range workers {
		g.Go(func() error {
			return w.Start(gctx)
		})
	}

	if sweeper != nil {
		g.Go(func() error {
			return sweeper(gctx)
		})
	}

	// Ops server for health and metrics
	srv := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router.SetupRouter(&handler.Dependencies{
			ServiceName: cfg.App.Name,
			Logger:      appLogger.Component("http"),
			Metrics:     m,
			Gatherer:    registry,
			HealthCheck: healthCheck(dbClient, rabbitClient),
		}),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ops server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Pipeline.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	appLogger.Info("Worker service started successfully",
		slog.Int("workers", len(workers)),
		slog.String("ops_address", srv.Addr),
	)

	<-gctx.Done()
	appLogger.Info("Shutting down gracefully")

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			appLogger.Error("Worker service stopped with error", slog.Any("error", err))
			return err
		}
		appLogger.Info("Worker service shutdown complete")
	case <-time.After(cfg.Pipeline.ShutdownTimeout):
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	return nil
}

// initProfiles builds the cached profile directory. Profiles come from the
// job database unless the accounts section names its own.
func initProfiles(cfg *config.Config, jobDB *database.Client, logger *slog.Logger) (*profile.Cached, *database.Client, error) {
	db := jobDB
	var own *database.Client
	if !cfg.Accounts.SharesJobDatabase() {
		client, err := database.NewClient(bootstrap.DatabaseConfig(cfg.Accounts.Database), logger)
		if err != nil {
			return nil, nil, err
		}
		db, own = client, client
	}

	directory, err := profile.NewSQLDirectory(db.GetDB(), cfg.Accounts.Table, logger)
	if err != nil {
		if own != nil {
			own.Close()
		}
		return nil, nil, err
	}

	return profile.NewCached(directory, cfg.Accounts.CacheSize, cfg.Accounts.CacheTTL), own, nil
}

func healthCheck(db *database.Client, broker *rabbitmq.Client) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if err := db.HealthCheck(ctx); err != nil {
			return err
		}
		if !broker.IsConnected() {
			return errors.New("rabbitmq not connected")
		}
		return nil
	}
}

func roleNames(roles map[string]bool) []string {
	names := make([]string, 0, len(roles))
	for _, r := range allRoles {
		if roles[r] {
			names = append(names, r)
		}
	}
	return names
}

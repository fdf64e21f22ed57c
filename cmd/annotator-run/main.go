// Command annotator-run annotates one staged input and completes its job.
// The dispatch worker starts it once per job.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/cuongbtq/gas-pipeline/internal/blob"
	"github.com/cuongbtq/gas-pipeline/internal/bootstrap"
	"github.com/cuongbtq/gas-pipeline/internal/completion"
	"github.com/cuongbtq/gas-pipeline/internal/config"
	"github.com/cuongbtq/gas-pipeline/internal/jobstore"
	"github.com/cuongbtq/gas-pipeline/internal/queue"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	jobID := flag.String("job", "", "Job ID")
	userID := flag.String("user", "", "Owner of the job")
	inputPath := flag.String("input", "", "Path of the staged input file")
	flag.Parse()

	if *jobID == "" || *userID == "" || *inputPath == "" {
		return fmt.Errorf("-job, -user and -input are required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateRunnerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := bootstrap.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	logger := appLogger.Component("annotator-run").With(slog.String("job_id", *jobID))
	logger.Info("Starting annotation run", slog.String("input", *inputPath))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbClient, err := bootstrap.OpenDatabase(cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	rabbitClient, err := bootstrap.ConnectRabbitMQ(cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()

	aws, err := bootstrap.LoadAWS(ctx, cfg.AWS, appLogger.Logger)
	if err != nil {
		return err
	}

	completer := completion.New(completion.Config{
		Store:     jobstore.New(dbClient.GetDB(), appLogger.Component("jobstore")),
		Objects:   blob.NewS3Store(aws.S3),
		Publisher: queue.NewRabbitPublisher(rabbitClient),
		Runner: &completion.CommandRunner{
			Command: cfg.Pipeline.AnnotatorCommand,
			Logger:  logger,
		},
		Logger:             logger,
		ResultsBucket:      cfg.AWS.ResultsBucket,
		KeyPrefix:          cfg.AWS.ResultsPrefix,
		ResultsDestination: cfg.RabbitMQ.ResultsRoutingKey,
		ArchiveDestination: cfg.RabbitMQ.Queues.Archive.RoutingKey,
		Retention:          cfg.Pipeline.Retention,
		RunningWait:        cfg.Pipeline.RunningWait,
		UploadRetries:      cfg.Pipeline.UploadRetries,
	})

	if err := completer.Run(ctx, completion.Job{
		JobID:     *jobID,
		UserID:    *userID,
		InputPath: *inputPath,
	}); err != nil {
		logger.Error("Annotation run failed", slog.Any("error", err))
		return err
	}

	logger.Info("Annotation run complete")
	return nil
}

// Package bootstrap turns loaded configuration into connected clients for
// the service binaries.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/cuongbtq/gas-pipeline/internal/config"
	"github.com/cuongbtq/gas-pipeline/shared/awsclient"
	"github.com/cuongbtq/gas-pipeline/shared/database"
	"github.com/cuongbtq/gas-pipeline/shared/logger"
	"github.com/cuongbtq/gas-pipeline/shared/rabbitmq"
)

// NewLogger initializes and configures the application logger
func NewLogger(cfg config.LoggingConfig) (*logger.Logger, error) {
	return logger.New(&logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	})
}

// DatabaseConfig converts the database section
func DatabaseConfig(cfg config.DatabaseConfig) *database.Config {
	return &database.Config{
		Driver:          cfg.Driver,
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		Path:            cfg.Path,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}
}

// OpenDatabase connects and, when configured, applies schema migrations
func OpenDatabase(cfg config.DatabaseConfig, logger *slog.Logger) (*database.Client, error) {
	client, err := database.NewClient(DatabaseConfig(cfg), logger)
	if err != nil {
		return nil, err
	}

	if cfg.AutoMigrate {
		if err := client.Migrate(); err != nil {
			client.Close()
			return nil, err
		}
	}

	return client, nil
}

// RabbitMQConfig converts the rabbitmq section
func RabbitMQConfig(cfg config.RabbitMQConfig) *rabbitmq.Config {
	return &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}
}

// ConnectRabbitMQ connects to the broker
func ConnectRabbitMQ(cfg config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	return rabbitmq.NewClient(RabbitMQConfig(cfg), logger)
}

// QueueSpec converts a work queue section
func QueueSpec(q config.QueueConfig) rabbitmq.QueueSpec {
	return rabbitmq.QueueSpec{
		Name:              q.Name,
		RoutingKey:        q.RoutingKey,
		Durable:           q.Durable,
		VisibilityTimeout: q.VisibilityTimeout,
	}
}

// LoadAWS builds the AWS service clients
func LoadAWS(ctx context.Context, cfg config.AWSConfig, logger *slog.Logger) (*awsclient.Clients, error) {
	clients, err := awsclient.Load(ctx, awsclient.Config{
		Region:       cfg.Region,
		Profile:      cfg.Profile,
		Endpoint:     cfg.Endpoint,
		UsePathStyle: cfg.UsePathStyle,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize AWS clients: %w", err)
	}
	return clients, nil
}

// NewRegistry returns a metrics registry with the runtime collectors
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

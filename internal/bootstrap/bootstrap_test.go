package bootstrap

import (
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/gas-pipeline/internal/config"
)

func TestQueueSpec(t *testing.T) {
	spec := QueueSpec(config.QueueConfig{
		Name:              "job_archive",
		RoutingKey:        "job.archive",
		Durable:           true,
		VisibilityTimeout: time.Minute,
	})

	assert.Equal(t, "job_archive.wait", spec.WaitQueue())
	assert.Equal(t, "job.archive.wait", spec.WaitRoutingKey())
	assert.Equal(t, "job_archive.delay", spec.DelayQueue())
	assert.Equal(t, "job.archive.delay", spec.DelayRoutingKey())
	assert.Equal(t, time.Minute, spec.VisibilityTimeout)
}

func TestRabbitMQConfig(t *testing.T) {
	cfg := RabbitMQConfig(config.RabbitMQConfig{
		Host:     "rabbit",
		Port:     5672,
		Exchange: config.ExchangeConfig{Name: "gas_exchange", Type: "direct", Durable: true},
		Publish:  config.PublishConfig{RetryAttempts: 5, RetryInterval: time.Second, BackoffMultiplier: 2},
	})

	assert.Equal(t, "gas_exchange", cfg.ExchangeName)
	assert.Equal(t, 5, cfg.PublishRetries)
	assert.Equal(t, 2.0, cfg.PublishBackoffMult)
}

func TestOpenDatabase_Migrates(t *testing.T) {
	client, err := OpenDatabase(config.DatabaseConfig{
		Driver:      "sqlite3",
		Path:        filepath.Join(t.TempDir(), "jobs.db"),
		AutoMigrate: true,
	}, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	var count int
	require.NoError(t, client.GetDB().Get(&count, "SELECT COUNT(*) FROM jobs"))
	assert.Zero(t, count)
}

func TestNewLogger(t *testing.T) {
	log, err := NewLogger(config.LoggingConfig{Level: "debug", Format: "json", Output: "stderr"})
	require.NoError(t, err)
	assert.NotNil(t, log.Logger)
}

func TestNewRegistry(t *testing.T) {
	families, err := NewRegistry().Gather()
	require.NoError(t, err)

	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "go_goroutines")
}

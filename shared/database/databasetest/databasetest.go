// Package databasetest opens migrated databases for tests.
package databasetest

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/cuongbtq/gas-pipeline/shared/database"
)

// Open returns a client on a fresh, migrated sqlite database that is closed
// when the test ends.
func Open(t testing.TB) *database.Client {
	t.Helper()

	return connect(t, &database.Config{
		Driver: database.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "jobs.db"),
	})
}

// OpenPostgres starts a PostgreSQL container and returns a migrated client.
// The test is skipped unless TEST_INTEGRATION is set.
func OpenPostgres(t testing.TB) *database.Client {
	t.Helper()

	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("skipping integration test: TEST_INTEGRATION is not set")
	}

	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"docker.io/postgres:17-alpine",
		postgres.WithDatabase("pipeline_test"),
		postgres.WithUsername("pipeline"),
		postgres.WithPassword("test-password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate postgres container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("failed to get container host: %v", err)
	}
	mapped, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("failed to get container port: %v", err)
	}
	port, err := strconv.Atoi(mapped.Port())
	if err != nil {
		t.Fatalf("invalid container port %q: %v", mapped.Port(), err)
	}

	return connect(t, &database.Config{
		Driver:          database.DriverPostgres,
		Host:            host,
		Port:            port,
		User:            "pipeline",
		Password:        "test-password",
		Database:        "pipeline_test",
		SSLMode:         "disable",
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Minute,
	})
}

func connect(t testing.TB, config *database.Config) *database.Client {
	t.Helper()

	client, err := database.NewClient(config, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("failed to open %s database: %v", config.Driver, err)
	}
	t.Cleanup(func() { client.Close() })

	if err := client.Migrate(); err != nil {
		t.Fatalf("failed to migrate %s database: %v", config.Driver, err)
	}

	return client
}

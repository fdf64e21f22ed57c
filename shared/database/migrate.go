package database

import (
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	migratedb "github.com/golang-migrate/migrate/v4/database"
	migratepostgres "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations
var migrationsFS embed.FS

// Migrate applies the embedded schema migrations for the client's driver.
func (c *Client) Migrate() error {
	driverName := c.config.driver()

	source, err := iofs.New(migrationsFS, "migrations/"+driverName)
	if err != nil {
		return fmt.Errorf("failed to open migrations: %w", err)
	}

	var driver migratedb.Driver
	switch driverName {
	case DriverPostgres:
		driver, err = migratepostgres.WithInstance(c.db.DB, &migratepostgres.Config{})
	case DriverSQLite:
		driver, err = migratesqlite.WithInstance(c.db.DB, &migratesqlite.Config{})
	default:
		err = fmt.Errorf("unsupported database driver: %q", driverName)
	}
	if err != nil {
		return fmt.Errorf("failed to initialize migration driver: %w", err)
	}

	// m.Close is not called: it would close the shared *sql.DB.
	m, err := migrate.NewWithInstance("iofs", source, driverName, driver)
	if err != nil {
		return fmt.Errorf("failed to initialize migrations: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	version, dirty, _ := m.Version()
	c.logger.Info("Migrations applied",
		slog.String("driver", driverName),
		slog.Uint64("version", uint64(version)),
		slog.Bool("dirty", dirty),
	)

	return nil
}

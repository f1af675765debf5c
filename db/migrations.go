package db

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	log "github.com/sirupsen/logrus"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

func newMigrator(dbPath string) (*migrate.Migrate, error) {
	source, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to load embedded migrations: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, "sqlite://"+dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrator for %s: %w", dbPath, err)
	}

	return m, nil
}

// Migrate brings the schema up to the latest version. Already being at
// the latest version is not an error.
func Migrate(dbPath string) error {
	m, err := newMigrator(dbPath)
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Debug("Schema already up to date")
			return nil
		}
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	log.Info("Schema migrated")
	return nil
}

// Rollback undoes the most recent migration step.
func Rollback(dbPath string) error {
	m, err := newMigrator(dbPath)
	if err != nil {
		return err
	}

	return m.Steps(-1)
}

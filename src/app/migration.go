package app

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// MigrationUp applies every pending migration. A database already at the
// latest version is not an error.
func MigrationUp(databaseDSN string, migrationPath string) error {
	migration, err := migrate.New(migrationPath, databaseDSN)
	if err != nil {
		return fmt.Errorf("failed to create migrate: %w", err)
	}
	defer migration.Close()

	if err := migration.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migration up: %w", err)
	}
	return nil
}

func MigrationDown(databaseDSN string, migrationPath string) error {
	migration, err := migrate.New(migrationPath, databaseDSN)
	if err != nil {
		return fmt.Errorf("failed to create migrate: %w", err)
	}
	defer migration.Close()

	if err := migration.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migration down: %w", err)
	}
	return nil
}

package testutil

import (
	"errors"
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethaccount/bundler/src/utils"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var migrationPath = "file://" + filepath.Join(utils.FindProjectRoot(), "migrations")

// SetupTestDB connects to TEST_DB_URL and applies the migrations. The test is
// skipped when no test database is configured.
func SetupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := RequireEnv(t, "TEST_DB_URL")

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}

	migration, err := migrate.New(
		migrationPath,
		dsn)
	if err != nil {
		log.Fatalf("failed to create migrate: %v", err)
	}

	if err := migration.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		t.Fatalf("Failed to migrate test database: %v", err)
	}
	return db
}

func CleanupTestDB(t *testing.T, db *gorm.DB) {
	dsn := os.Getenv("TEST_DB_URL")
	if dsn == "" {
		t.Fatalf("TEST_DB_URL is not set")
	}

	migration, err := migrate.New(
		migrationPath,
		dsn)
	if err != nil {
		log.Fatalf("failed to create migrate: %v", err)
	}

	migration.Down()
}

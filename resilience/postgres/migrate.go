package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	migratepostgres "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	libLog "github.com/LerianStudio/lib-resilience/resilience/log"
	"github.com/LerianStudio/lib-resilience/migrations"
)

var (
	ErrMigrationDirty = errors.New("migration failed: dirty database version")

	dbNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,62}$`)
)

type migrateConfig struct {
	path                 string
	source               fs.FS
	allowMultiStatements bool
	logger               libLog.Logger
}

// MigrateOption configures Migrate.
type MigrateOption func(*migrateConfig)

// WithMigrationsPath reads migrations from a directory instead of the
// embedded set.
func WithMigrationsPath(path string) MigrateOption {
	return func(cfg *migrateConfig) { cfg.path = path }
}

// WithMigrationsFS reads migrations from fsys.
func WithMigrationsFS(fsys fs.FS) MigrateOption {
	return func(cfg *migrateConfig) { cfg.source = fsys }
}

// WithMultiStatements lets one migration file carry several statements.
func WithMultiStatements(enabled bool) MigrateOption {
	return func(cfg *migrateConfig) { cfg.allowMultiStatements = enabled }
}

// WithMigrateLogger sets the logger used while migrating.
func WithMigrateLogger(logger libLog.Logger) MigrateOption {
	return func(cfg *migrateConfig) { cfg.logger = libLog.OrNop(logger) }
}

// Migrate applies pending up migrations to databaseName. By default it
// applies the outbox, inbox and idempotency tables shipped with this module.
func Migrate(ctx context.Context, db *sql.DB, databaseName string, opts ...MigrateOption) error {
	cfg := migrateConfig{source: migrations.FS, logger: libLog.NewNop()}

	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	if db == nil {
		return ErrDatabaseRequired
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context done before migration: %w", err)
	}

	if err := validateDBName(databaseName); err != nil {
		return err
	}

	driver, err := migratepostgres.WithInstance(db, &migratepostgres.Config{
		MultiStatementEnabled: cfg.allowMultiStatements,
		DatabaseName:          databaseName,
		SchemaName:            "public",
	})
	if err != nil {
		return fmt.Errorf("failed to create postgres driver instance: %w", err)
	}

	m, err := newMigrate(cfg, databaseName, driver)
	if err != nil {
		return err
	}

	if err := classifyMigrationError(m.Up()); err != nil {
		libLog.SafeError(ctx, cfg.logger, "postgres migration failed", err, false)

		return err
	}

	cfg.logger.Log(ctx, libLog.LevelInfo, "postgres migrations applied", libLog.String("database", databaseName))

	return nil
}

func newMigrate(cfg migrateConfig, databaseName string, driver *migratepostgres.Postgres) (*migrate.Migrate, error) {
	if cfg.path != "" {
		path, err := sanitizePath(cfg.path)
		if err != nil {
			return nil, err
		}

		sourceURL := url.URL{Scheme: "file", Path: filepath.ToSlash(path)}

		m, err := migrate.NewWithDatabaseInstance(sourceURL.String(), databaseName, driver)
		if err != nil {
			return nil, fmt.Errorf("failed to create migration instance: %w", err)
		}

		return m, nil
	}

	source, err := iofs.New(cfg.source, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to open migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, databaseName, driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migration instance: %w", err)
	}

	return m, nil
}

func classifyMigrationError(err error) error {
	if err == nil || errors.Is(err, migrate.ErrNoChange) || errors.Is(err, os.ErrNotExist) {
		return nil
	}

	var dirtyErr migrate.ErrDirty
	if errors.As(err, &dirtyErr) {
		return fmt.Errorf("%w %d", ErrMigrationDirty, dirtyErr.Version)
	}

	return fmt.Errorf("migration failed: %w", err)
}

func sanitizePath(path string) (string, error) {
	cleaned := filepath.Clean(path)

	for _, part := range strings.Split(cleaned, string(filepath.Separator)) {
		if part == ".." {
			return "", fmt.Errorf("invalid migrations path: %q", path)
		}
	}

	absPath, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("failed to resolve migrations path: %w", err)
	}

	return absPath, nil
}

func validateDBName(name string) error {
	if !dbNamePattern.MatchString(name) {
		return fmt.Errorf("invalid database name: %q", name)
	}

	return nil
}

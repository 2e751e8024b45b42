package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	"github.com/verayang01/chatd/logger"
	"github.com/verayang01/chatd/storage"
)

func handleMigrateCommand(ctx context.Context) {
	if len(os.Args) < 3 {
		printMigrateUsage()
		os.Exit(1)
	}

	subcommand := os.Args[2]
	switch subcommand {
	case "up":
		handleMigrateUp(ctx)
	case "down":
		handleMigrateDown(ctx)
	case "version":
		handleMigrateVersion(ctx)
	case "force":
		handleMigrateForce(ctx)
	case "help", "--help", "-h":
		printMigrateUsage()
	default:
		fmt.Printf("Unknown migrate subcommand: %s\n\n", subcommand)
		printMigrateUsage()
		os.Exit(1)
	}
}

func printMigrateUsage() {
	fmt.Printf(`Postgres Storage Schema Migrations

Migrations are applied automatically when chatd opens the postgres backend
with auto_migrate enabled. Use these commands to manage the schema by hand.
A database advisory lock keeps two migrators apart.

Usage:
  chat-admin migrate <subcommand> [options]

Subcommands:
  up        Apply all pending upwards migrations
  down      Revert migrations
  version   Show the current migration version and dirty state
  force     Force the database to a specific version (for fixing dirty states)

Examples:
  chat-admin migrate up
  chat-admin migrate down --limit 2
  chat-admin migrate down --all
  chat-admin migrate version
  chat-admin migrate force 1
`)
}

func handleMigrateUp(ctx context.Context) {
	fs := flag.NewFlagSet("migrate up", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Path to TOML configuration file")
	fs.Usage = func() {
		fmt.Println("Usage: chat-admin migrate up [--config config.toml]")
		fmt.Println("Applies all pending upwards migrations.")
	}
	fs.Parse(os.Args[3:])

	m, db, release := openMigrator(ctx, *configPath, true)
	defer db.Close()
	defer release()

	logger.Info("Applying UP migrations...")
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		logger.Fatal("Failed to apply UP migrations", "error", err)
	}
	logger.Info("Migrations applied successfully.")
	showVersion(m)
}

func handleMigrateDown(ctx context.Context) {
	fs := flag.NewFlagSet("migrate down", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Path to TOML configuration file")
	limit := fs.Int("limit", 1, "Number of migrations to revert")
	all := fs.Bool("all", false, "Revert all migrations")
	fs.Usage = func() {
		fmt.Println("Usage: chat-admin migrate down [--config config.toml] [--limit N | --all]")
		fmt.Println("Reverts migrations. Defaults to reverting one migration.")
	}
	fs.Parse(os.Args[3:])

	m, db, release := openMigrator(ctx, *configPath, true)
	defer db.Close()
	defer release()

	if *all {
		version, dirty, err := m.Version()
		if err != nil {
			if errors.Is(err, migrate.ErrNilVersion) {
				logger.Info("No migrations to revert.")
				showVersion(m)
				return
			}
			logger.Fatal("Failed to get current migration version", "error", err)
		}
		if dirty {
			logger.Fatal("Database is in a dirty state, fix it with the force command", "version", version)
		}
		logger.Infof("Reverting all %d migration(s)...", version)
		if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			logger.Fatal("Failed to revert all migrations", "error", err)
		}
	} else {
		logger.Infof("Reverting %d migration(s)...", *limit)
		if err := m.Steps(-(*limit)); err != nil {
			logger.Fatal("Failed to revert migrations", "error", err)
		}
	}
	logger.Info("Migrations reverted successfully.")
	showVersion(m)
}

func handleMigrateVersion(ctx context.Context) {
	fs := flag.NewFlagSet("migrate version", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Path to TOML configuration file")
	fs.Usage = func() {
		fmt.Println("Usage: chat-admin migrate version [--config config.toml]")
		fmt.Println("Shows the current migration version and dirty state.")
	}
	fs.Parse(os.Args[3:])

	m, db, _ := openMigrator(ctx, *configPath, false)
	defer db.Close()

	showVersion(m)
}

func handleMigrateForce(ctx context.Context) {
	fs := flag.NewFlagSet("migrate force", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Path to TOML configuration file")
	fs.Usage = func() {
		fmt.Println("Usage: chat-admin migrate force [--config config.toml] <version>")
		fmt.Println("Forcibly sets the database migration version. USE WITH CAUTION.")
	}
	fs.Parse(os.Args[3:])

	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(1)
	}
	version, err := strconv.Atoi(fs.Arg(0))
	if err != nil {
		logger.Fatal("Invalid version number", "error", err)
	}

	m, db, release := openMigrator(ctx, *configPath, true)
	defer db.Close()
	defer release()

	logger.Infof("Forcing database version to %d...", version)
	if err := m.Force(version); err != nil {
		logger.Fatal("Failed to force version", "error", err)
	}
	logger.Info("Version forced successfully.")
	showVersion(m)
}

// openMigrator builds a migrator for the configured postgres backend and,
// when lock is set, takes the migration advisory lock. The returned release
// func is never nil.
func openMigrator(ctx context.Context, configPath string, lock bool) (*migrate.Migrate, *sql.DB, func()) {
	cfg := loadConfig(configPath)

	m, db, err := storage.NewMigrator(ctx, cfg.Storage.Postgres.DSN())
	if err != nil {
		logger.Fatal("Failed to initialize migration tool", "error", err)
	}
	if !lock {
		return m, db, func() {}
	}
	release, err := storage.AcquireMigrationLock(ctx, db)
	if err != nil {
		db.Close()
		logger.Fatal("Failed to acquire migration lock", "error", err)
	}
	return m, db, release
}

func showVersion(m *migrate.Migrate) {
	version, dirty, err := m.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			fmt.Println("Current version: none (no migrations applied)")
			return
		}
		logger.Fatal("Failed to get migration version", "error", err)
	}
	fmt.Printf("Current version: %d (dirty: %t)\n", version, dirty)
}

package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/saviobatista/fieldtrack/internal/config"
	"github.com/saviobatista/fieldtrack/internal/db/migrations"
	"github.com/saviobatista/fieldtrack/internal/logging"
)

type options struct {
	dbURL    string
	rollback bool
}

// parseFlags parses the command line, defaulting the connection string to the configured one
func parseFlags(args []string, defaultDB string, output io.Writer) (options, error) {
	var opts options
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&opts.dbURL, "db", defaultDB, "Database connection string")
	fs.BoolVar(&opts.rollback, "rollback", false, "Rollback the last migration")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	return opts, nil
}

// run applies pending migrations, or rolls back the last one
func run(ctx context.Context, db *sql.DB, rollback bool, logger zerolog.Logger) error {
	migrator := migrations.New(db, logger)
	list := migrations.All()

	if rollback {
		if err := migrator.Rollback(ctx, list); err != nil {
			return fmt.Errorf("failed to rollback migration: %w", err)
		}
		return nil
	}

	applied, err := migrator.Migrate(ctx, list)
	if err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	logger.Info().Int("applied", applied).Msg("Database is up to date")
	return nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat).With().Str("service", "migrate").Logger()

	opts, err := parseFlags(os.Args[1:], cfg.DBConnStr, os.Stderr)
	if err != nil {
		os.Exit(2)
	}

	db, err := sql.Open("postgres", opts.dbURL)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to connect to database")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	err = db.PingContext(ctx)
	if err == nil {
		err = run(ctx, db, opts.rollback, logger)
	}
	cancel()
	if cerr := db.Close(); cerr != nil {
		logger.Warn().Err(cerr).Msg("Error closing database")
	}
	if err != nil {
		logger.Error().Err(err).Msg("Migration failed")
		os.Exit(1)
	}
}

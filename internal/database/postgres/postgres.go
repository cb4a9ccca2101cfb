package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"parametric-service/internal/config"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// ConnectAndCreateDB creates the target database when missing, connects to
// it and applies schema.sql on first creation.
func ConnectAndCreateDB(cfg config.PostgresConfig) (*sqlx.DB, error) {
	defaultConnStr := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=postgres sslmode=disable",
		cfg.Host, cfg.Port, cfg.Username, cfg.Password)

	slog.Info("connecting to PostgreSQL", "host", cfg.Host, "port", cfg.Port, "user", cfg.Username, "dbname", cfg.DBname)

	defaultDB, err := sql.Open("postgres", defaultConnStr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to default postgres db: %w", err)
	}
	defer defaultDB.Close()

	var exists bool
	checkQuery := `SELECT EXISTS(SELECT 1 FROM pg_database WHERE datname = $1)`
	if err := defaultDB.QueryRow(checkQuery, cfg.DBname).Scan(&exists); err != nil {
		return nil, fmt.Errorf("failed to check if database exists: %w", err)
	}

	if !exists {
		createQuery := fmt.Sprintf(`CREATE DATABASE "%s"`, cfg.DBname)
		if _, err := defaultDB.Exec(createQuery); err != nil {
			return nil, fmt.Errorf("failed to create database %s: %w", cfg.DBname, err)
		}
		slog.Info("database created", "dbname", cfg.DBname)
	}

	db, err := sqlx.Connect("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to target database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping target database: %w", err)
	}

	if !exists {
		if err := executeSchema(db); err != nil {
			slog.Warn("failed to execute schema.sql", "error", err)
		}
	}

	return db, nil
}

// ConnectWithRetry keeps calling ConnectAndCreateDB until it succeeds or ctx
// is done.
func ConnectWithRetry(ctx context.Context, cfg config.PostgresConfig, wait time.Duration) (*sqlx.DB, error) {
	for {
		db, err := ConnectAndCreateDB(cfg)
		if err == nil {
			return db, nil
		}
		slog.Error("failed to connect database, retrying", "error", err, "retry_in", wait)

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("gave up connecting to database: %w", ctx.Err())
		case <-time.After(wait):
		}
	}
}

func executeSchema(db *sqlx.DB) error {
	schemaLocations := []string{
		"schema.sql",
		"/app/schema.sql",
		filepath.Join(os.Getenv("PWD"), "schema.sql"),
	}

	var schemaPath string
	for _, location := range schemaLocations {
		if _, err := os.Stat(location); err == nil {
			schemaPath = location
			break
		}
	}
	if schemaPath == "" {
		return fmt.Errorf("schema.sql not found in any expected locations: %v", schemaLocations)
	}

	schemaContent, err := os.ReadFile(schemaPath)
	if err != nil {
		return fmt.Errorf("failed to read schema.sql from %s: %w", schemaPath, err)
	}

	slog.Info("executing schema", "path", schemaPath)
	return ApplySchema(db, string(schemaContent))
}

// ApplySchema runs each ';'-separated statement, logging failures and
// continuing with the rest.
func ApplySchema(db *sqlx.DB, schema string) error {
	successCount := 0
	for i, statement := range strings.Split(schema, ";") {
		statement = strings.TrimSpace(statement)
		if statement == "" || isCommentOnly(statement) {
			continue
		}
		if _, err := db.Exec(statement); err != nil {
			slog.Warn("failed to execute schema statement", "index", i+1, "error", err,
				"statement", statement[:min(100, len(statement))])
			continue
		}
		successCount++
	}
	slog.Info("schema execution completed", "statements", successCount)
	return nil
}

func isCommentOnly(statement string) bool {
	for _, line := range strings.Split(statement, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "--") {
			return false
		}
	}
	return true
}

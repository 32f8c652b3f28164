// Package storagetest connects tests to a throwaway Postgres database.
package storagetest

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/jmoiron/sqlx"

	"biblioteca/internal/storage"
)

// Open connects to the database described by the PG* environment variables,
// applies the schema and truncates every table. The test is skipped when no
// database is reachable.
func Open(t testing.TB) *sqlx.DB {
	t.Helper()

	connStr := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		getEnv("PGHOST", "localhost"),
		getEnv("PGPORT", "5432"),
		getEnv("PGUSER", "user"),
		getEnv("PGPASSWORD", "password"),
		getEnv("PGDATABASE", "testdb"),
	)

	ctx := context.Background()
	db, err := storage.Open(ctx, getEnv("PGDRIVER", storage.DriverPQ), connStr)
	if err != nil {
		t.Skipf("skipping postgres tests: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := storage.Migrate(ctx, db); err != nil {
		t.Fatalf("failed to create schema: %v", err)
	}
	if _, err := db.ExecContext(ctx, `TRUNCATE TABLE reservations, books, categories, events, assistant_queries CASCADE`); err != nil {
		t.Fatalf("failed to truncate tables: %v", err)
	}

	return db
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

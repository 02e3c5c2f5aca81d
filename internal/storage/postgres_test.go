package storage

import (
	"context"
	"os"
	"testing"

	"scriptd/internal/config"
)

func getTestPostgres(t *testing.T) *Postgres {
	t.Helper()
	dsn := os.Getenv("SCRIPTD_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("SCRIPTD_TEST_DATABASE_URL not set")
	}
	db, err := NewPostgres(context.Background(), config.DatabaseConfig{DSN: dsn})
	if err != nil {
		t.Skipf("skipping DB test (cannot connect): %v", err)
	}
	if err := db.Migrate(context.Background()); err != nil {
		db.Close()
		t.Fatalf("Migrate: %v", err)
	}
	if _, err := db.pool.Exec(context.Background(), `TRUNCATE scripts, executions`); err != nil {
		db.Close()
		t.Fatalf("truncate: %v", err)
	}
	t.Cleanup(db.Close)
	return db
}

func TestPostgresMigrateIdempotent(t *testing.T) {
	db := getTestPostgres(t)
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate (second run): %v", err)
	}
}

func TestPostgres(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store { return getTestPostgres(t) })
}

func TestPgText(t *testing.T) {
	if got := pgText("a\x00b"); got != "a\uFFFDb" {
		t.Errorf("pgText = %q", got)
	}
}

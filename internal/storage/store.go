package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"scriptd/internal/config"
)

var (
	// ErrNotFound is returned by mutations that target a missing row.
	ErrNotFound = errors.New("not found")
	// ErrNameTaken is returned when a script name collides with an existing one.
	ErrNameTaken = errors.New("script name already exists")
	// ErrInvalidScript wraps validation failures for script input.
	ErrInvalidScript = errors.New("invalid script")
	// ErrNotRunning is returned when updating an execution that already left the running state.
	ErrNotRunning = errors.New("execution is not running")
)

// ScriptStore is the script definition collaborator.
type ScriptStore interface {
	ListScripts(ctx context.Context, filter ScriptFilter) ([]Script, error)
	// GetScript reports absence through found rather than an error.
	GetScript(ctx context.Context, id string) (script Script, found bool, err error)
	CreateScript(ctx context.Context, in ScriptInput) (Script, error)
	UpdateScript(ctx context.Context, id string, patch ScriptPatch) (Script, error)
	DeleteScript(ctx context.Context, id string) error
}

// ExecutionStore persists execution lifecycle rows.
type ExecutionStore interface {
	CreateExecution(ctx context.Context, scriptID, scriptName string) (string, error)
	// UpdateExecution only applies to rows still in the running state.
	UpdateExecution(ctx context.Context, id string, upd ExecutionUpdate) error
	GetExecution(ctx context.Context, id string) (exec Execution, found bool, err error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]Execution, error)
	// ReconcileRunning marks every row still running as failed with reason.
	ReconcileRunning(ctx context.Context, reason string, at time.Time) (int64, error)
}

// Store is the full storage handle owned by the server entry point.
type Store interface {
	ScriptStore
	ExecutionStore
	Stats(ctx context.Context) (Stats, error)
	Healthy(ctx context.Context) bool
	Close()
}

// Open connects to the configured backend and migrates its schema.
// The caller owns the returned handle and must Close it.
func Open(ctx context.Context, cfg config.DatabaseConfig) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "postgres", "postgresql":
		db, err := NewPostgres(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return nil, err
		}
		return db, nil
	case "sqlite":
		db, err := NewSQLite(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

func searchPattern(s string) string {
	if s == "" {
		return ""
	}
	return "%" + s + "%"
}

func now() time.Time {
	return time.Now().UTC()
}

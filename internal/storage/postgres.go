package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"scriptd/internal/config"
)

// Postgres is the PostgreSQL-backed Store.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a new database connection pool.
func NewPostgres(ctx context.Context, cfg config.DatabaseConfig) (*Postgres, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing database DSN: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		pcfg.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		pcfg.MinConns = int32(min(cfg.MaxIdleConns, int(pcfg.MaxConns)))
	}
	if cfg.ConnMaxLifetime > 0 {
		pcfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	pcfg.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	log.Info().Msg("connected to PostgreSQL")
	return &Postgres{pool: pool}, nil
}

// Migrate creates the schema. Safe to run repeatedly.
func (db *Postgres) Migrate(ctx context.Context) error {
	_, err := db.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS scripts (
			id          TEXT PRIMARY KEY,
			name        TEXT NOT NULL UNIQUE,
			description TEXT NOT NULL DEFAULT '',
			content     TEXT NOT NULL,
			tags        TEXT[] NOT NULL DEFAULT '{}',
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS idx_scripts_updated ON scripts(updated_at DESC);

		CREATE TABLE IF NOT EXISTS executions (
			id           TEXT PRIMARY KEY,
			script_id    TEXT NOT NULL,
			script_name  TEXT NOT NULL,
			status       TEXT NOT NULL DEFAULT 'running',
			output       TEXT NOT NULL DEFAULT '',
			error        TEXT NOT NULL DEFAULT '',
			exit_code    INT,
			started_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
			completed_at TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_executions_script ON executions(script_id, started_at DESC);
		CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status);
	`)
	if err != nil {
		return fmt.Errorf("migrating schema: %w", err)
	}
	return nil
}

// Close shuts down the connection pool.
func (db *Postgres) Close() {
	db.pool.Close()
}

// Healthy checks database connectivity.
func (db *Postgres) Healthy(ctx context.Context) bool {
	return db.pool.Ping(ctx) == nil
}

const scriptColumns = `id, name, description, content, tags, created_at, updated_at`

func (db *Postgres) ListScripts(ctx context.Context, filter ScriptFilter) ([]Script, error) {
	query := `
		SELECT ` + scriptColumns + `
		FROM scripts
		WHERE ($1 = '' OR $1 = ANY(tags))
		  AND ($2 = '' OR name ILIKE $2 OR description ILIKE $2)
		ORDER BY updated_at DESC
		LIMIT $3 OFFSET $4`

	rows, err := db.pool.Query(ctx, query,
		filter.Tag, searchPattern(filter.Search), clampLimit(filter.Limit), max(filter.Offset, 0),
	)
	if err != nil {
		return nil, fmt.Errorf("querying scripts: %w", err)
	}
	defer rows.Close()

	results := []Script{}
	for rows.Next() {
		s, err := scanScript(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning script row: %w", err)
		}
		results = append(results, s)
	}
	return results, rows.Err()
}

func (db *Postgres) GetScript(ctx context.Context, id string) (Script, bool, error) {
	row := db.pool.QueryRow(ctx, `SELECT `+scriptColumns+` FROM scripts WHERE id = $1`, id)
	s, err := scanScript(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Script{}, false, nil
	}
	if err != nil {
		return Script{}, false, fmt.Errorf("querying script %s: %w", id, err)
	}
	return s, true, nil
}

func (db *Postgres) CreateScript(ctx context.Context, in ScriptInput) (Script, error) {
	if err := in.Validate(); err != nil {
		return Script{}, err
	}
	ts := now()
	s := Script{
		ID:          uuid.NewString(),
		Name:        in.Name,
		Description: in.Description,
		Content:     in.Content,
		Tags:        in.Tags,
		CreatedAt:   ts,
		UpdatedAt:   ts,
	}

	_, err := db.pool.Exec(ctx, `
		INSERT INTO scripts (`+scriptColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		s.ID, s.Name, s.Description, pgText(s.Content), s.Tags, s.CreatedAt, s.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return Script{}, ErrNameTaken
	}
	if err != nil {
		return Script{}, fmt.Errorf("inserting script: %w", err)
	}
	return s, nil
}

func (db *Postgres) UpdateScript(ctx context.Context, id string, patch ScriptPatch) (Script, error) {
	if err := patch.Validate(); err != nil {
		return Script{}, err
	}

	var tags []string
	if patch.Tags != nil {
		tags = *patch.Tags
	}
	var content *string
	if patch.Content != nil {
		c := pgText(*patch.Content)
		content = &c
	}

	row := db.pool.QueryRow(ctx, `
		UPDATE scripts SET
			name        = COALESCE($2, name),
			description = COALESCE($3, description),
			content     = COALESCE($4, content),
			tags        = CASE WHEN $5 THEN $6 ELSE tags END,
			updated_at  = $7
		WHERE id = $1
		RETURNING `+scriptColumns,
		id, patch.Name, patch.Description, content, patch.Tags != nil, tags, now(),
	)
	s, err := scanScript(row)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return Script{}, ErrNotFound
	case isUniqueViolation(err):
		return Script{}, ErrNameTaken
	case err != nil:
		return Script{}, fmt.Errorf("updating script %s: %w", id, err)
	}
	return s, nil
}

func (db *Postgres) DeleteScript(ctx context.Context, id string) error {
	tag, err := db.pool.Exec(ctx, `DELETE FROM scripts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting script %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (db *Postgres) CreateExecution(ctx context.Context, scriptID, scriptName string) (string, error) {
	id := uuid.NewString()
	_, err := db.pool.Exec(ctx, `
		INSERT INTO executions (id, script_id, script_name, status, started_at)
		VALUES ($1, $2, $3, $4, $5)`,
		id, scriptID, scriptName, string(StatusRunning), now(),
	)
	if err != nil {
		return "", fmt.Errorf("inserting execution: %w", err)
	}
	return id, nil
}

func (db *Postgres) UpdateExecution(ctx context.Context, id string, upd ExecutionUpdate) error {
	var output, stderr *string
	if upd.Output != nil {
		o := pgText(*upd.Output)
		output = &o
	}
	if upd.Error != nil {
		e := pgText(*upd.Error)
		stderr = &e
	}

	tag, err := db.pool.Exec(ctx, `
		UPDATE executions SET
			status       = COALESCE($2, status),
			output       = COALESCE($3, output),
			error        = COALESCE($4, error),
			exit_code    = COALESCE($5, exit_code),
			completed_at = COALESCE($6, completed_at)
		WHERE id = $1 AND status = 'running'`,
		id, upd.statusArg(), output, stderr, upd.ExitCode, upd.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("updating execution %s: %w", id, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := db.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM executions WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("checking execution %s: %w", id, err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrNotRunning
}

const executionColumns = `id, script_id, script_name, status, output, error, exit_code, started_at, completed_at`

func (db *Postgres) GetExecution(ctx context.Context, id string) (Execution, bool, error) {
	row := db.pool.QueryRow(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = $1`, id)
	e, err := scanExecution(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Execution{}, false, nil
	}
	if err != nil {
		return Execution{}, false, fmt.Errorf("querying execution %s: %w", id, err)
	}
	return e, true, nil
}

// ListExecutions queries executions with optional filters, newest first.
func (db *Postgres) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]Execution, error) {
	query := `
		SELECT ` + executionColumns + `
		FROM executions
		WHERE ($1 = '' OR script_id = $1)
		  AND ($2 = '' OR status = $2)
		ORDER BY started_at DESC
		LIMIT $3 OFFSET $4`

	rows, err := db.pool.Query(ctx, query,
		filter.ScriptID, string(filter.Status), clampLimit(filter.Limit), max(filter.Offset, 0),
	)
	if err != nil {
		return nil, fmt.Errorf("querying executions: %w", err)
	}
	defer rows.Close()

	results := []Execution{}
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning execution row: %w", err)
		}
		results = append(results, e)
	}
	return results, rows.Err()
}

func (db *Postgres) ReconcileRunning(ctx context.Context, reason string, at time.Time) (int64, error) {
	tag, err := db.pool.Exec(ctx, `
		UPDATE executions SET status = $1, error = $2, completed_at = $3
		WHERE status = 'running'`,
		string(StatusFailed), reason, at,
	)
	if err != nil {
		return 0, fmt.Errorf("reconciling running executions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (db *Postgres) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := db.pool.QueryRow(ctx, `
		SELECT
			(SELECT count(*) FROM scripts),
			count(*),
			count(*) FILTER (WHERE status = 'completed'),
			count(*) FILTER (WHERE status = 'failed'),
			count(*) FILTER (WHERE status = 'running'),
			count(*) FILTER (WHERE status = 'cancelled')
		FROM executions`).Scan(
		&st.TotalScripts, &st.TotalExecutions, &st.SuccessfulExecutions,
		&st.FailedExecutions, &st.RunningExecutions, &st.CancelledExecutions,
	)
	if err != nil {
		return Stats{}, fmt.Errorf("querying stats: %w", err)
	}
	return st, nil
}

func scanScript(row pgx.Row) (Script, error) {
	var s Script
	err := row.Scan(&s.ID, &s.Name, &s.Description, &s.Content, &s.Tags, &s.CreatedAt, &s.UpdatedAt)
	if s.Tags == nil {
		s.Tags = []string{}
	}
	return s, err
}

func scanExecution(row pgx.Row) (Execution, error) {
	var e Execution
	var status string
	err := row.Scan(&e.ID, &e.ScriptID, &e.ScriptName, &status, &e.Output, &e.Error,
		&e.ExitCode, &e.StartedAt, &e.CompletedAt)
	e.Status = Status(status)
	return e, err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// pgText makes s storable in a TEXT column, which rejects NUL bytes.
func pgText(s string) string {
	return strings.ReplaceAll(s, "\x00", "\uFFFD")
}

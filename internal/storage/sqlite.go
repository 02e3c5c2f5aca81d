package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SQLite is the embedded Store used for development and tests.
// Tags are kept as a JSON array in a TEXT column.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the database at path and migrates it.
func NewSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite %s: %w", path, err)
	}
	// single writer; avoids SQLITE_BUSY under concurrent runs
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	log.Info().Str("path", path).Msg("opened SQLite database")
	return s, nil
}

func (s *SQLite) migrate(ctx context.Context) error {
	schema := `
	PRAGMA journal_mode = WAL;
	PRAGMA busy_timeout = 5000;

	CREATE TABLE IF NOT EXISTS scripts (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		description TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL,
		tags TEXT NOT NULL DEFAULT '[]',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS executions (
		id TEXT PRIMARY KEY,
		script_id TEXT NOT NULL,
		script_name TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'running',
		output TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		exit_code INTEGER,
		started_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_scripts_updated ON scripts(updated_at);
	CREATE INDEX IF NOT EXISTS idx_executions_script ON executions(script_id, started_at);
	CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrating schema: %w", err)
	}
	return nil
}

func (s *SQLite) Close() {
	if err := s.db.Close(); err != nil {
		log.Warn().Err(err).Msg("closing sqlite")
	}
}

func (s *SQLite) Healthy(ctx context.Context) bool {
	return s.db.PingContext(ctx) == nil
}

func (s *SQLite) ListScripts(ctx context.Context, filter ScriptFilter) ([]Script, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+scriptColumns+`
		FROM scripts
		WHERE (?1 = '' OR EXISTS (SELECT 1 FROM json_each(scripts.tags) WHERE json_each.value = ?1))
		  AND (?2 = '' OR name LIKE ?2 OR description LIKE ?2)
		ORDER BY updated_at DESC
		LIMIT ?3 OFFSET ?4`,
		filter.Tag, searchPattern(filter.Search), clampLimit(filter.Limit), max(filter.Offset, 0),
	)
	if err != nil {
		return nil, fmt.Errorf("querying scripts: %w", err)
	}
	defer rows.Close()

	results := []Script{}
	for rows.Next() {
		sc, err := scanSQLiteScript(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning script row: %w", err)
		}
		results = append(results, sc)
	}
	return results, rows.Err()
}

func (s *SQLite) GetScript(ctx context.Context, id string) (Script, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scriptColumns+` FROM scripts WHERE id = ?`, id)
	sc, err := scanSQLiteScript(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Script{}, false, nil
	}
	if err != nil {
		return Script{}, false, fmt.Errorf("querying script %s: %w", id, err)
	}
	return sc, true, nil
}

func (s *SQLite) CreateScript(ctx context.Context, in ScriptInput) (Script, error) {
	if err := in.Validate(); err != nil {
		return Script{}, err
	}
	ts := now()
	sc := Script{
		ID:          uuid.NewString(),
		Name:        in.Name,
		Description: in.Description,
		Content:     in.Content,
		Tags:        in.Tags,
		CreatedAt:   ts,
		UpdatedAt:   ts,
	}
	tags, err := json.Marshal(sc.Tags)
	if err != nil {
		return Script{}, fmt.Errorf("encoding tags: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scripts (`+scriptColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sc.ID, sc.Name, sc.Description, sc.Content, string(tags), sc.CreatedAt, sc.UpdatedAt,
	)
	if isSQLiteUnique(err) {
		return Script{}, ErrNameTaken
	}
	if err != nil {
		return Script{}, fmt.Errorf("inserting script: %w", err)
	}
	return sc, nil
}

// UpdateScript reads, patches and writes back inside one transaction.
func (s *SQLite) UpdateScript(ctx context.Context, id string, patch ScriptPatch) (Script, error) {
	if err := patch.Validate(); err != nil {
		return Script{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Script{}, fmt.Errorf("beginning tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	cur, err := scanSQLiteScript(tx.QueryRowContext(ctx, `SELECT `+scriptColumns+` FROM scripts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Script{}, ErrNotFound
	}
	if err != nil {
		return Script{}, fmt.Errorf("querying script %s: %w", id, err)
	}

	next := patch.Apply(cur)
	next.UpdatedAt = now()
	tags, err := json.Marshal(next.Tags)
	if err != nil {
		return Script{}, fmt.Errorf("encoding tags: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE scripts SET name = ?, description = ?, content = ?, tags = ?, updated_at = ?
		WHERE id = ?`,
		next.Name, next.Description, next.Content, string(tags), next.UpdatedAt, id,
	)
	if isSQLiteUnique(err) {
		return Script{}, ErrNameTaken
	}
	if err != nil {
		return Script{}, fmt.Errorf("updating script %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return Script{}, fmt.Errorf("committing script %s: %w", id, err)
	}
	return next, nil
}

func (s *SQLite) DeleteScript(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scripts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting script %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) CreateExecution(ctx context.Context, scriptID, scriptName string) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO executions (id, script_id, script_name, status, started_at)
		VALUES (?, ?, ?, ?, ?)`,
		id, scriptID, scriptName, string(StatusRunning), now(),
	)
	if err != nil {
		return "", fmt.Errorf("inserting execution: %w", err)
	}
	return id, nil
}

func (s *SQLite) UpdateExecution(ctx context.Context, id string, upd ExecutionUpdate) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE executions SET
			status = COALESCE(?2, status),
			output = COALESCE(?3, output),
			error = COALESCE(?4, error),
			exit_code = COALESCE(?5, exit_code),
			completed_at = COALESCE(?6, completed_at)
		WHERE id = ?1 AND status = 'running'`,
		id, deref(upd.statusArg()), deref(upd.Output), deref(upd.Error), exitCodeArg(upd.ExitCode), utcArg(upd.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("updating execution %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM executions WHERE id = ?)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("checking execution %s: %w", id, err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrNotRunning
}

func (s *SQLite) GetExecution(ctx context.Context, id string) (Execution, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	e, err := scanSQLiteExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Execution{}, false, nil
	}
	if err != nil {
		return Execution{}, false, fmt.Errorf("querying execution %s: %w", id, err)
	}
	return e, true, nil
}

func (s *SQLite) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]Execution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+executionColumns+`
		FROM executions
		WHERE (?1 = '' OR script_id = ?1)
		  AND (?2 = '' OR status = ?2)
		ORDER BY started_at DESC
		LIMIT ?3 OFFSET ?4`,
		filter.ScriptID, string(filter.Status), clampLimit(filter.Limit), max(filter.Offset, 0),
	)
	if err != nil {
		return nil, fmt.Errorf("querying executions: %w", err)
	}
	defer rows.Close()

	results := []Execution{}
	for rows.Next() {
		e, err := scanSQLiteExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning execution row: %w", err)
		}
		results = append(results, e)
	}
	return results, rows.Err()
}

func (s *SQLite) ReconcileRunning(ctx context.Context, reason string, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE executions SET status = ?, error = ?, completed_at = ?
		WHERE status = 'running'`,
		string(StatusFailed), reason, at.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("reconciling running executions: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLite) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT count(*) FROM scripts),
			count(*),
			coalesce(sum(status = 'completed'), 0),
			coalesce(sum(status = 'failed'), 0),
			coalesce(sum(status = 'running'), 0),
			coalesce(sum(status = 'cancelled'), 0)
		FROM executions`).Scan(
		&st.TotalScripts, &st.TotalExecutions, &st.SuccessfulExecutions,
		&st.FailedExecutions, &st.RunningExecutions, &st.CancelledExecutions,
	)
	if err != nil {
		return Stats{}, fmt.Errorf("querying stats: %w", err)
	}
	return st, nil
}

// deref turns optional fields into driver values; database/sql drivers
// are not required to accept pointers.
func deref[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteScript(row rowScanner) (Script, error) {
	var sc Script
	var tags string
	if err := row.Scan(&sc.ID, &sc.Name, &sc.Description, &sc.Content, &tags, &sc.CreatedAt, &sc.UpdatedAt); err != nil {
		return Script{}, err
	}
	sc.Tags = []string{}
	if err := json.Unmarshal([]byte(tags), &sc.Tags); err != nil {
		return Script{}, fmt.Errorf("decoding tags: %w", err)
	}
	return sc, nil
}

func scanSQLiteExecution(row rowScanner) (Execution, error) {
	var e Execution
	var status string
	var exitCode sql.NullInt64
	var completedAt sql.NullTime
	if err := row.Scan(&e.ID, &e.ScriptID, &e.ScriptName, &status, &e.Output, &e.Error,
		&exitCode, &e.StartedAt, &completedAt); err != nil {
		return Execution{}, err
	}
	e.Status = Status(status)
	if exitCode.Valid {
		code := int(exitCode.Int64)
		e.ExitCode = &code
	}
	if completedAt.Valid {
		e.CompletedAt = &completedAt.Time
	}
	return e, nil
}

func isSQLiteUnique(err error) bool {
	var se *sqlite.Error
	return errors.As(err, &se) && se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}

func exitCodeArg(code *int) any {
	if code == nil {
		return nil
	}
	return int64(*code)
}

func utcArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

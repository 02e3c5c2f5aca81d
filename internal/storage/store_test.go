package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	db, err := NewSQLite(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(db.Close)
	return db
}

func TestSQLite(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store { return newTestSQLite(t) })
}

// runStoreSuite exercises behaviour every backend must share.
func runStoreSuite(t *testing.T, open func(t *testing.T) Store) {
	t.Run("script CRUD", func(t *testing.T) { testScriptCRUD(t, open(t)) })
	t.Run("script filters", func(t *testing.T) { testScriptFilters(t, open(t)) })
	t.Run("execution lifecycle", func(t *testing.T) { testExecutionLifecycle(t, open(t)) })
	t.Run("execution listing", func(t *testing.T) { testExecutionListing(t, open(t)) })
	t.Run("history survives script delete", func(t *testing.T) { testHistoryRetained(t, open(t)) })
	t.Run("reconcile running", func(t *testing.T) { testReconcile(t, open(t)) })
	t.Run("stats", func(t *testing.T) { testStats(t, open(t)) })
}

func testScriptCRUD(t *testing.T, s Store) {
	ctx := context.Background()

	created, err := s.CreateScript(ctx, ScriptInput{
		Name:        "backup",
		Description: "nightly backup",
		Content:     "echo backup",
		Tags:        []string{"ops", " ops ", ""},
	})
	if err != nil {
		t.Fatalf("CreateScript: %v", err)
	}
	if created.ID == "" {
		t.Fatal("expected generated ID")
	}
	if len(created.Tags) != 1 || created.Tags[0] != "ops" {
		t.Errorf("Tags = %v, want [ops]", created.Tags)
	}

	got, found, err := s.GetScript(ctx, created.ID)
	if err != nil || !found {
		t.Fatalf("GetScript: found=%v err=%v", found, err)
	}
	if got.Name != "backup" || got.Content != "echo backup" {
		t.Errorf("GetScript = %+v", got)
	}

	if _, found, err := s.GetScript(ctx, "missing"); err != nil || found {
		t.Errorf("GetScript(missing) found=%v err=%v, want absent without error", found, err)
	}

	if _, err := s.CreateScript(ctx, ScriptInput{Name: "backup", Content: "x"}); !errors.Is(err, ErrNameTaken) {
		t.Errorf("duplicate create err = %v, want ErrNameTaken", err)
	}
	if _, err := s.CreateScript(ctx, ScriptInput{Name: "", Content: "x"}); !errors.Is(err, ErrInvalidScript) {
		t.Errorf("empty name err = %v, want ErrInvalidScript", err)
	}

	newContent := "echo v2"
	updated, err := s.UpdateScript(ctx, created.ID, ScriptPatch{Content: &newContent})
	if err != nil {
		t.Fatalf("UpdateScript: %v", err)
	}
	if updated.Content != "echo v2" || updated.Name != "backup" {
		t.Errorf("UpdateScript = %+v", updated)
	}
	if updated.UpdatedAt.Before(created.UpdatedAt) {
		t.Error("updated_at went backwards")
	}

	other, err := s.CreateScript(ctx, ScriptInput{Name: "restore", Content: "echo restore"})
	if err != nil {
		t.Fatalf("CreateScript: %v", err)
	}
	taken := "backup"
	if _, err := s.UpdateScript(ctx, other.ID, ScriptPatch{Name: &taken}); !errors.Is(err, ErrNameTaken) {
		t.Errorf("rename to taken err = %v, want ErrNameTaken", err)
	}
	if _, err := s.UpdateScript(ctx, "missing", ScriptPatch{Content: &newContent}); !errors.Is(err, ErrNotFound) {
		t.Errorf("update missing err = %v, want ErrNotFound", err)
	}

	if err := s.DeleteScript(ctx, created.ID); err != nil {
		t.Fatalf("DeleteScript: %v", err)
	}
	if err := s.DeleteScript(ctx, created.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete err = %v, want ErrNotFound", err)
	}
}

func testScriptFilters(t *testing.T, s Store) {
	ctx := context.Background()
	for _, in := range []ScriptInput{
		{Name: "deploy-web", Description: "Ships the frontend", Content: "true", Tags: []string{"deploy", "web"}},
		{Name: "deploy-api", Description: "ships the API", Content: "true", Tags: []string{"deploy"}},
		{Name: "cleanup", Description: "prunes logs", Content: "true", Tags: []string{"ops"}},
	} {
		if _, err := s.CreateScript(ctx, in); err != nil {
			t.Fatalf("CreateScript(%s): %v", in.Name, err)
		}
	}

	tests := []struct {
		name   string
		filter ScriptFilter
		want   int
	}{
		{"all", ScriptFilter{}, 3},
		{"tag deploy", ScriptFilter{Tag: "deploy"}, 2},
		{"tag web", ScriptFilter{Tag: "web"}, 1},
		{"unknown tag", ScriptFilter{Tag: "nope"}, 0},
		{"search name", ScriptFilter{Search: "deploy"}, 2},
		{"search description case-insensitive", ScriptFilter{Search: "SHIPS"}, 2},
		{"tag and search", ScriptFilter{Tag: "deploy", Search: "api"}, 1},
		{"limit", ScriptFilter{Limit: 1}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ListScripts(ctx, tt.filter)
			if err != nil {
				t.Fatalf("ListScripts: %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("ListScripts(%+v) returned %d scripts, want %d", tt.filter, len(got), tt.want)
			}
		})
	}
}

func testExecutionLifecycle(t *testing.T, s Store) {
	ctx := context.Background()

	id, err := s.CreateExecution(ctx, "script-1", "hello")
	if err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}

	exec, found, err := s.GetExecution(ctx, id)
	if err != nil || !found {
		t.Fatalf("GetExecution: found=%v err=%v", found, err)
	}
	if exec.Status != StatusRunning || exec.ExitCode != nil || exec.CompletedAt != nil {
		t.Errorf("new execution = %+v, want running without exit code or completion", exec)
	}
	if exec.ScriptName != "hello" {
		t.Errorf("ScriptName = %q, want hello", exec.ScriptName)
	}

	status := StatusFailed
	output := "line1\nline2\n"
	stderr := "bad\n"
	code := 7
	done := time.Now().UTC()
	err = s.UpdateExecution(ctx, id, ExecutionUpdate{
		Status: &status, Output: &output, Error: &stderr, ExitCode: &code, CompletedAt: &done,
	})
	if err != nil {
		t.Fatalf("UpdateExecution: %v", err)
	}

	exec, _, err = s.GetExecution(ctx, id)
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if exec.Status != StatusFailed {
		t.Errorf("Status = %q, want failed", exec.Status)
	}
	if exec.Output != output || exec.Error != stderr {
		t.Errorf("Output/Error = %q/%q", exec.Output, exec.Error)
	}
	if exec.ExitCode == nil || *exec.ExitCode != 7 {
		t.Errorf("ExitCode = %v, want 7", exec.ExitCode)
	}
	if exec.CompletedAt == nil {
		t.Error("CompletedAt should be set")
	}

	// terminal rows are immutable
	again := StatusCompleted
	if err := s.UpdateExecution(ctx, id, ExecutionUpdate{Status: &again}); !errors.Is(err, ErrNotRunning) {
		t.Errorf("second update err = %v, want ErrNotRunning", err)
	}
	if err := s.UpdateExecution(ctx, "missing", ExecutionUpdate{Status: &again}); !errors.Is(err, ErrNotFound) {
		t.Errorf("update missing err = %v, want ErrNotFound", err)
	}

	if _, found, err := s.GetExecution(ctx, "missing"); err != nil || found {
		t.Errorf("GetExecution(missing) found=%v err=%v", found, err)
	}
}

func testExecutionListing(t *testing.T, s Store) {
	ctx := context.Background()
	var ids []string
	for i := 0; i < 3; i++ {
		id, err := s.CreateExecution(ctx, "a", "script-a")
		if err != nil {
			t.Fatalf("CreateExecution: %v", err)
		}
		ids = append(ids, id)
		time.Sleep(2 * time.Millisecond)
	}
	if _, err := s.CreateExecution(ctx, "b", "script-b"); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}

	cancelled := StatusCancelled
	if err := s.UpdateExecution(ctx, ids[0], ExecutionUpdate{Status: &cancelled}); err != nil {
		t.Fatalf("UpdateExecution: %v", err)
	}

	byScript, err := s.ListExecutions(ctx, ExecutionFilter{ScriptID: "a"})
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if len(byScript) != 3 {
		t.Fatalf("got %d executions for a, want 3", len(byScript))
	}
	if byScript[0].ID != ids[2] {
		t.Errorf("first = %s, want newest %s", byScript[0].ID, ids[2])
	}

	byStatus, err := s.ListExecutions(ctx, ExecutionFilter{Status: StatusCancelled})
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if len(byStatus) != 1 || byStatus[0].ID != ids[0] {
		t.Errorf("cancelled executions = %+v", byStatus)
	}

	all, err := s.ListExecutions(ctx, ExecutionFilter{Limit: 2})
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("limit 2 returned %d", len(all))
	}
}

func testHistoryRetained(t *testing.T, s Store) {
	ctx := context.Background()
	sc, err := s.CreateScript(ctx, ScriptInput{Name: "ephemeral", Content: "true"})
	if err != nil {
		t.Fatalf("CreateScript: %v", err)
	}
	id, err := s.CreateExecution(ctx, sc.ID, sc.Name)
	if err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}
	if err := s.DeleteScript(ctx, sc.ID); err != nil {
		t.Fatalf("DeleteScript: %v", err)
	}
	exec, found, err := s.GetExecution(ctx, id)
	if err != nil || !found {
		t.Fatalf("execution lost after script delete: found=%v err=%v", found, err)
	}
	if exec.ScriptName != "ephemeral" {
		t.Errorf("ScriptName = %q, want ephemeral", exec.ScriptName)
	}
}

func testReconcile(t *testing.T, s Store) {
	ctx := context.Background()
	stale, err := s.CreateExecution(ctx, "a", "a")
	if err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}
	finished, err := s.CreateExecution(ctx, "b", "b")
	if err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}
	completed := StatusCompleted
	if err := s.UpdateExecution(ctx, finished, ExecutionUpdate{Status: &completed}); err != nil {
		t.Fatalf("UpdateExecution: %v", err)
	}

	n, err := s.ReconcileRunning(ctx, "interrupted", time.Now())
	if err != nil {
		t.Fatalf("ReconcileRunning: %v", err)
	}
	if n != 1 {
		t.Errorf("reconciled %d rows, want 1", n)
	}

	exec, _, _ := s.GetExecution(ctx, stale)
	if exec.Status != StatusFailed || exec.Error != "interrupted" || exec.CompletedAt == nil {
		t.Errorf("stale execution = %+v", exec)
	}
	exec, _, _ = s.GetExecution(ctx, finished)
	if exec.Status != StatusCompleted {
		t.Errorf("finished execution status changed to %q", exec.Status)
	}
}

func testStats(t *testing.T, s Store) {
	ctx := context.Background()
	if _, err := s.CreateScript(ctx, ScriptInput{Name: "one", Content: "true"}); err != nil {
		t.Fatalf("CreateScript: %v", err)
	}
	for _, st := range []Status{StatusCompleted, StatusCompleted, StatusFailed, StatusCancelled, StatusRunning} {
		id, err := s.CreateExecution(ctx, "x", "x")
		if err != nil {
			t.Fatalf("CreateExecution: %v", err)
		}
		if st != StatusRunning {
			st := st
			if err := s.UpdateExecution(ctx, id, ExecutionUpdate{Status: &st}); err != nil {
				t.Fatalf("UpdateExecution: %v", err)
			}
		}
	}

	got, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	want := Stats{
		TotalScripts:         1,
		TotalExecutions:      5,
		SuccessfulExecutions: 2,
		FailedExecutions:     1,
		RunningExecutions:    1,
		CancelledExecutions:  1,
	}
	if got != want {
		t.Errorf("Stats = %+v, want %+v", got, want)
	}
}

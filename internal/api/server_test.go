//go:build unix

package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"scriptd/internal/config"
	"scriptd/internal/executor"
	"scriptd/internal/monitor"
	"scriptd/internal/storage"
)

const testKey = "test-key"

type testEnv struct {
	ts    *httptest.Server
	store storage.Store
	orch  *executor.Orchestrator
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skipf("bash not available: %v", err)
	}

	store, err := storage.NewSQLite(t.Context(), filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(store.Close)

	metrics := monitor.NewMetrics()
	orch, err := executor.New(store, executor.Options{
		Shell:        "bash",
		LineBuffered: true,
		ArtifactDir:  t.TempDir(),
		StopGrace:    2 * time.Second,
		WaitDelay:    2 * time.Second,
		SinkTimeout:  time.Second,
	}, metrics, nil)
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	cfg.Security.AllowedKeys = []string{testKey}
	cfg.Security.RateLimitRPS = 0

	srv := NewServer(cfg, store, orch, metrics)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		_ = orch.Shutdown(context.Background())
		ts.Close()
		srv.stop()
	})

	return &testEnv{ts: ts, store: store, orch: orch}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequestWithContext(t.Context(), method, e.ts.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", testKey)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (e *testEnv) createScript(t *testing.T, name, content string) storage.Script {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/api/scripts", storage.ScriptInput{Name: name, Content: content})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decode[ScriptResponse](t, resp).Script
}

func (e *testEnv) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(e.ts.URL, "http") + path
}

func TestRootAndHealth(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.ts.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	root := decode[RootResponse](t, resp)
	require.Equal(t, "Shell Script Manager API v2.0", root.Message)
	require.Equal(t, "sqlite", root.Database)

	resp, err = http.Get(env.ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	health := decode[HealthResponse](t, resp)
	require.True(t, health.Database)
	require.Zero(t, health.ActiveRuns)
}

func TestAPIRequiresKey(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.ts.URL + "/api/scripts")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestScriptCRUD(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/api/scripts", storage.ScriptInput{
		Name:    "cleanup",
		Content: "sudo rm -f /tmp/x\n",
		Tags:    []string{"ops", " ops "},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[ScriptResponse](t, resp)
	require.NotEmpty(t, created.ID)
	require.Equal(t, []string{"ops"}, created.Tags)
	require.NotEmpty(t, created.Warnings)
	require.Equal(t, "sudo", created.Warnings[0].Rule)

	resp = env.do(t, http.MethodPost, "/api/scripts", storage.ScriptInput{Name: "cleanup", Content: "true"})
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/scripts", storage.ScriptInput{Name: "empty", Content: "  "})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "VALIDATION_ERROR", decode[ErrorResponse](t, resp).Code)

	env.createScript(t, "backup", "echo backup")

	resp = env.do(t, http.MethodGet, "/api/scripts?search=back", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[ScriptListResponse](t, resp)
	require.Equal(t, 1, list.Total)
	require.Equal(t, "backup", list.Scripts[0].Name)

	resp = env.do(t, http.MethodGet, "/api/scripts?tag=ops", nil)
	require.Equal(t, 1, decode[ScriptListResponse](t, resp).Total)

	desc := "tidy temp files"
	resp = env.do(t, http.MethodPatch, "/api/scripts/"+created.ID, storage.ScriptPatch{Description: &desc})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	updated := decode[ScriptResponse](t, resp)
	require.Equal(t, desc, updated.Description)
	require.Equal(t, created.Content, updated.Content)
	require.Empty(t, updated.Warnings)

	resp = env.do(t, http.MethodDelete, "/api/scripts/"+created.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "Script deleted successfully", decode[MessageResponse](t, resp).Message)

	resp = env.do(t, http.MethodGet, "/api/scripts/"+created.ID, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, "Script not found", decode[ErrorResponse](t, resp).Error)

	resp = env.do(t, http.MethodDelete, "/api/scripts/"+created.ID, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListQueryValidation(t *testing.T) {
	env := newTestEnv(t)

	for _, path := range []string{
		"/api/scripts?limit=-1",
		"/api/scripts?offset=abc",
		"/api/executions?status=paused",
	} {
		resp := env.do(t, http.MethodGet, path, nil)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode, path)
	}
}

func readSSE(t *testing.T, resp *http.Response) []executor.Event {
	t.Helper()
	var events []executor.Event
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		data, ok := strings.CutPrefix(sc.Text(), "data: ")
		if !ok {
			continue
		}
		var ev executor.Event
		require.NoError(t, json.Unmarshal([]byte(data), &ev))
		events = append(events, ev)
	}
	require.NoError(t, sc.Err())
	return events
}

func TestExecuteStream(t *testing.T) {
	env := newTestEnv(t)
	sc := env.createScript(t, "mixed", "echo hello\necho oops >&2\nexit 3\n")

	resp := env.do(t, http.MethodPost, "/api/scripts/"+sc.ID+"/execute/stream", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := readSSE(t, resp)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	require.Equal(t, executor.Event{Type: executor.EventStatus, Data: "failed", ExecutionID: last.ExecutionID}, last)
	require.Contains(t, events, executor.Event{Type: executor.EventStdout, Data: "hello\n", ExecutionID: last.ExecutionID})
	require.Contains(t, events, executor.Event{Type: executor.EventStderr, Data: "oops\n", ExecutionID: last.ExecutionID})

	resp = env.do(t, http.MethodGet, "/api/executions/"+last.ExecutionID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[ExecutionResponse](t, resp)
	require.Equal(t, storage.StatusFailed, got.Status)
	require.NotNil(t, got.ExitCode)
	require.Equal(t, 3, *got.ExitCode)
	require.Equal(t, "hello\n", got.Output)
	require.Equal(t, "oops\n", got.Error)
	require.False(t, got.Active)

	resp = env.do(t, http.MethodGet, "/api/executions?script_id="+sc.ID, nil)
	require.Equal(t, 1, decode[ExecutionListResponse](t, resp).Total)

	resp = env.do(t, http.MethodGet, "/api/stats", nil)
	stats := decode[StatsResponse](t, resp)
	require.EqualValues(t, 1, stats.TotalScripts)
	require.EqualValues(t, 1, stats.FailedExecutions)
	require.Zero(t, stats.ActiveRuns)
}

func TestExecuteStream_NotFound(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/api/scripts/missing/execute/stream", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))
}

func TestGetExecution_NotFound(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/api/executions/missing", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, "Execution not found", decode[ErrorResponse](t, resp).Error)

	resp = env.do(t, http.MethodDelete, "/api/executions/missing", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, "NOT_ACTIVE", decode[ErrorResponse](t, resp).Code)
}

func dialRun(t *testing.T, env *testEnv, scriptID string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(env.wsURL("/ws/execute/"+scriptID+"?api_key="+testKey), nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(20*time.Second)))
	return conn
}

// readUntilClose collects events until the server closes the socket.
func readUntilClose(t *testing.T, conn *websocket.Conn) ([]executor.Event, *websocket.CloseError) {
	t.Helper()
	var events []executor.Event
	for {
		var ev executor.Event
		err := conn.ReadJSON(&ev)
		if err != nil {
			closeErr, ok := err.(*websocket.CloseError)
			require.True(t, ok, "unexpected read error: %v", err)
			return events, closeErr
		}
		events = append(events, ev)
	}
}

func TestExecuteWS(t *testing.T) {
	env := newTestEnv(t)
	sc := env.createScript(t, "greet", "echo one\necho two\n")

	conn := dialRun(t, env, sc.ID)
	events, closeErr := readUntilClose(t, conn)

	require.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
	require.Len(t, events, 3)
	id := events[0].ExecutionID
	require.NotEmpty(t, id)
	require.Equal(t, []executor.Event{
		{Type: executor.EventStdout, Data: "one\n", ExecutionID: id},
		{Type: executor.EventStdout, Data: "two\n", ExecutionID: id},
		{Type: executor.EventStatus, Data: "completed", ExecutionID: id},
	}, events)
}

func TestExecuteWS_ScriptNotFound(t *testing.T) {
	env := newTestEnv(t)

	conn := dialRun(t, env, "missing")
	events, closeErr := readUntilClose(t, conn)

	require.Empty(t, events)
	require.Equal(t, websocket.CloseInternalServerErr, closeErr.Code)
	require.Equal(t, "Script not found", closeErr.Text)
}

func TestExecuteWS_CrossOriginRejected(t *testing.T) {
	env := newTestEnv(t)
	sc := env.createScript(t, "noop", "true")

	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(env.wsURL("/ws/execute/"+sc.ID+"?api_key="+testKey), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestCancelExecution(t *testing.T) {
	env := newTestEnv(t)
	sc := env.createScript(t, "sleepy", "sleep 30\n")

	conn := dialRun(t, env, sc.ID)

	var execID string
	require.Eventually(t, func() bool {
		resp := env.do(t, http.MethodGet, "/api/executions?status=running", nil)
		list := decode[ExecutionListResponse](t, resp)
		if list.Total != 1 {
			return false
		}
		execID = list.Executions[0].ID
		return env.orch.IsActive(execID)
	}, 5*time.Second, 20*time.Millisecond)

	resp := env.do(t, http.MethodGet, "/api/executions/"+execID, nil)
	require.True(t, decode[ExecutionResponse](t, resp).Active)

	resp = env.do(t, http.MethodDelete, "/api/executions/"+execID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, CancelResponse{Status: "cancelled", ID: execID}, decode[CancelResponse](t, resp))

	events, closeErr := readUntilClose(t, conn)
	require.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
	require.Equal(t, []executor.Event{{Type: executor.EventStatus, Data: "cancelled", ExecutionID: execID}}, events)

	resp = env.do(t, http.MethodGet, "/api/executions/"+execID, nil)
	got := decode[ExecutionResponse](t, resp)
	require.Equal(t, storage.StatusCancelled, got.Status)
	require.NotNil(t, got.CompletedAt)

	resp = env.do(t, http.MethodDelete, "/api/executions/"+execID, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	sc := env.createScript(t, "metered", "echo hi")

	conn := dialRun(t, env, sc.ID)
	_, closeErr := readUntilClose(t, conn)
	require.Equal(t, websocket.CloseNormalClosure, closeErr.Code)

	resp, err := http.Get(env.ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	var body bytes.Buffer
	_, err = body.ReadFrom(resp.Body)
	require.NoError(t, err)
	require.Contains(t, body.String(), "scriptd_executions_total")
}

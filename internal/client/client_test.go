package client

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"scriptd/internal/api"
	"scriptd/internal/executor"
	"scriptd/internal/storage"
)

func newStub(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	return New(ts.URL+"/", "k1")
}

func TestClient_SendsKeyAndDecodes(t *testing.T) {
	c := newStub(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "k1", r.Header.Get("X-API-Key"))
		require.Equal(t, "/api/scripts", r.URL.Path)
		require.Equal(t, "ops", r.URL.Query().Get("tag"))
		json.NewEncoder(w).Encode(api.ScriptListResponse{
			Scripts: []storage.Script{{ID: "s1", Name: "backup"}},
			Total:   1,
		})
	})

	list, err := c.ListScripts(t.Context(), "ops", "")
	require.NoError(t, err)
	require.Equal(t, 1, list.Total)
	require.Equal(t, "backup", list.Scripts[0].Name)
}

func TestClient_APIError(t *testing.T) {
	c := newStub(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(api.ErrorResponse{Error: "Script not found", Code: "NOT_FOUND"})
	})

	_, err := c.GetScript(t.Context(), "nope")
	require.Error(t, err)
	require.True(t, IsNotFound(err))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, "NOT_FOUND", apiErr.Code)
	require.Equal(t, "Script not found", apiErr.Msg)
}

func TestClient_HealthDegraded(t *testing.T) {
	c := newStub(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(api.HealthResponse{Status: "degraded"})
	})

	h, err := c.Health(t.Context())
	require.NoError(t, err)
	require.Equal(t, "degraded", h.Status)
}

func wsStub(t *testing.T, serve func(conn *websocket.Conn)) *Client {
	t.Helper()
	var upgrader websocket.Upgrader
	return newStub(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/ws/execute/s1", r.URL.Path)
		require.Equal(t, "k1", r.Header.Get("X-API-Key"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		serve(conn)
	})
}

func closeWith(conn *websocket.Conn, code int, text string) {
	conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
	// Wait for the client to acknowledge before dropping the connection.
	conn.SetReadDeadline(time.Now().Add(time.Second))
	conn.ReadMessage()
}

func TestClient_Run(t *testing.T) {
	events := []executor.Event{
		{Type: executor.EventStdout, Data: "hi\n", ExecutionID: "e1"},
		{Type: executor.EventStatus, Data: "completed", ExecutionID: "e1"},
	}
	c := wsStub(t, func(conn *websocket.Conn) {
		for _, ev := range events {
			conn.WriteJSON(ev)
		}
		closeWith(conn, websocket.CloseNormalClosure, "")
	})

	var seen []executor.Event
	final, err := c.Run(t.Context(), "s1", func(ev executor.Event) { seen = append(seen, ev) })
	require.NoError(t, err)
	require.Equal(t, events, seen)
	require.Equal(t, events[1], final)
}

func TestClient_RunScriptNotFound(t *testing.T) {
	c := wsStub(t, func(conn *websocket.Conn) {
		closeWith(conn, websocket.CloseInternalServerErr, "Script not found")
	})

	_, err := c.Run(t.Context(), "s1", nil)
	require.ErrorContains(t, err, "Script not found")
}

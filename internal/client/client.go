// Package client is a typed HTTP and WebSocket client for the scriptd API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"scriptd/internal/api"
	"scriptd/internal/executor"
	"scriptd/internal/storage"
)

// APIError is a non-2xx response from the server.
type APIError struct {
	Status int
	Code   string
	Msg    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("HTTP %d %s: %s", e.Status, e.Code, e.Msg)
	}
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Msg)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Dialer     *websocket.Dialer
}

func New(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		Dialer: websocket.DefaultDialer,
	}
}

func (c *Client) ListScripts(ctx context.Context, tag, search string) (api.ScriptListResponse, error) {
	q := url.Values{}
	if tag != "" {
		q.Set("tag", tag)
	}
	if search != "" {
		q.Set("search", search)
	}
	var out api.ScriptListResponse
	err := c.do(ctx, http.MethodGet, "/api/scripts", q, nil, &out)
	return out, err
}

func (c *Client) GetScript(ctx context.Context, id string) (api.ScriptResponse, error) {
	var out api.ScriptResponse
	err := c.do(ctx, http.MethodGet, "/api/scripts/"+url.PathEscape(id), nil, nil, &out)
	return out, err
}

func (c *Client) CreateScript(ctx context.Context, in storage.ScriptInput) (api.ScriptResponse, error) {
	var out api.ScriptResponse
	err := c.do(ctx, http.MethodPost, "/api/scripts", nil, in, &out)
	return out, err
}

func (c *Client) UpdateScript(ctx context.Context, id string, patch storage.ScriptPatch) (api.ScriptResponse, error) {
	var out api.ScriptResponse
	err := c.do(ctx, http.MethodPatch, "/api/scripts/"+url.PathEscape(id), nil, patch, &out)
	return out, err
}

func (c *Client) DeleteScript(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/scripts/"+url.PathEscape(id), nil, nil, nil)
}

func (c *Client) ListExecutions(ctx context.Context, scriptID string, status storage.Status, limit int) (api.ExecutionListResponse, error) {
	q := url.Values{}
	if scriptID != "" {
		q.Set("script_id", scriptID)
	}
	if status != "" {
		q.Set("status", string(status))
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	var out api.ExecutionListResponse
	err := c.do(ctx, http.MethodGet, "/api/executions", q, nil, &out)
	return out, err
}

func (c *Client) GetExecution(ctx context.Context, id string) (api.ExecutionResponse, error) {
	var out api.ExecutionResponse
	err := c.do(ctx, http.MethodGet, "/api/executions/"+url.PathEscape(id), nil, nil, &out)
	return out, err
}

func (c *Client) CancelExecution(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/executions/"+url.PathEscape(id), nil, nil, nil)
}

func (c *Client) Stats(ctx context.Context) (api.StatsResponse, error) {
	var out api.StatsResponse
	err := c.do(ctx, http.MethodGet, "/api/stats", nil, nil, &out)
	return out, err
}

// Health returns the health body even when the server reports degraded.
func (c *Client) Health(ctx context.Context) (api.HealthResponse, error) {
	var out api.HealthResponse
	err := c.do(ctx, http.MethodGet, "/health", nil, nil, &out)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusServiceUnavailable {
		return out, nil
	}
	return out, err
}

// Run executes a script over the WebSocket endpoint, calling onEvent for
// every event received. It returns the terminal event, which is either a
// status event or an error event.
func (c *Client) Run(ctx context.Context, scriptID string, onEvent func(executor.Event)) (executor.Event, error) {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return executor.Event{}, fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/execute/" + url.PathEscape(scriptID)

	header := http.Header{}
	if c.APIKey != "" {
		header.Set("X-API-Key", c.APIKey)
	}

	conn, resp, err := c.Dialer.DialContext(ctx, u.String(), header)
	if resp != nil && resp.Body != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return executor.Event{}, readAPIError(resp)
		}
		return executor.Event{}, fmt.Errorf("websocket dial: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	var last executor.Event
	for {
		var ev executor.Event
		if err := conn.ReadJSON(&ev); err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				if closeErr.Code == websocket.CloseNormalClosure && last.Type != "" {
					return last, nil
				}
				if closeErr.Code != websocket.CloseNormalClosure {
					return last, fmt.Errorf("server closed stream: %s", closeErr.Text)
				}
			}
			if ctx.Err() != nil {
				return last, ctx.Err()
			}
			return last, fmt.Errorf("reading stream: %w", err)
		}
		if onEvent != nil {
			onEvent(ev)
		}
		if ev.Type == executor.EventStatus || ev.Type == executor.EventError {
			last = ev
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, body, out any) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(b)
	}

	target := c.BaseURL + path
	if len(q) > 0 {
		target += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, r)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.APIKey != "" {
		req.Header.Set("X-API-Key", c.APIKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if out != nil && resp.StatusCode == http.StatusServiceUnavailable {
			_ = json.Unmarshal(b, out)
		}
		return newAPIError(resp.StatusCode, b)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func readAPIError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	return newAPIError(resp.StatusCode, b)
}

func newAPIError(status int, b []byte) *APIError {
	apiErr := &APIError{Status: status, Msg: strings.TrimSpace(string(b))}
	var er api.ErrorResponse
	if json.Unmarshal(b, &er) == nil && er.Error != "" {
		apiErr.Code = er.Code
		apiErr.Msg = er.Error
	}
	return apiErr
}

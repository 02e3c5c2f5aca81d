package api

import (
	"scriptd/internal/monitor"
	"scriptd/internal/storage"
)

// ScriptResponse is a stored script plus advisory lint findings.
type ScriptResponse struct {
	storage.Script
	Warnings []monitor.Finding `json:"warnings,omitempty"`
}

// ScriptListResponse is returned by GET /api/scripts.
type ScriptListResponse struct {
	Scripts []storage.Script `json:"scripts"`
	Total   int              `json:"total"`
}

// ExecutionListResponse is returned by GET /api/executions.
type ExecutionListResponse struct {
	Executions []storage.Execution `json:"executions"`
	Total      int                 `json:"total"`
}

// ExecutionResponse is one execution record plus whether it is still live.
type ExecutionResponse struct {
	storage.Execution
	Active bool `json:"active"`
}

// StatsResponse is the dashboard summary.
type StatsResponse struct {
	storage.Stats
	ActiveRuns int `json:"active_runs"`
}

// CancelResponse acknowledges a cancelled execution.
type CancelResponse struct {
	Status string `json:"status"`
	ID     string `json:"id"`
}

// MessageResponse carries a human readable confirmation.
type MessageResponse struct {
	Message string `json:"message"`
}

// RootResponse is the service banner served on /.
type RootResponse struct {
	Message  string `json:"message"`
	Version  string `json:"version"`
	Database string `json:"database"`
}

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status     string `json:"status"`
	Database   bool   `json:"database"`
	ActiveRuns int    `json:"active_runs"`
	Uptime     string `json:"uptime"`
}

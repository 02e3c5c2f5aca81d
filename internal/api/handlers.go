package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"scriptd/internal/executor"
	"scriptd/internal/monitor"
	"scriptd/internal/storage"
)

const apiVersion = "2.0"

type Handlers struct {
	store   storage.Store
	orch    *executor.Orchestrator
	linter  *monitor.ScriptLinter
	metrics *monitor.Metrics
	driver  string
}

func NewHandlers(store storage.Store, orch *executor.Orchestrator, metrics *monitor.Metrics, driver string) *Handlers {
	return &Handlers{
		store:   store,
		orch:    orch,
		linter:  monitor.NewScriptLinter(metrics),
		metrics: metrics,
		driver:  driver,
	}
}

func (h *Handlers) HandleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, RootResponse{
		Message:  "Shell Script Manager API v" + apiVersion,
		Version:  apiVersion,
		Database: h.driver,
	})
}

func (h *Handlers) HandleListScripts(w http.ResponseWriter, r *http.Request) {
	limit, offset, ok := pagination(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	scripts, err := h.store.ListScripts(r.Context(), storage.ScriptFilter{
		Tag:    q.Get("tag"),
		Search: q.Get("search"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		h.storeError(w, r, err, "list scripts")
		return
	}
	if scripts == nil {
		scripts = []storage.Script{}
	}
	writeJSON(w, http.StatusOK, ScriptListResponse{Scripts: scripts, Total: len(scripts)})
}

func (h *Handlers) HandleGetScript(w http.ResponseWriter, r *http.Request) {
	s, found, err := h.store.GetScript(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.storeError(w, r, err, "get script")
		return
	}
	if !found {
		writeError(w, "Script not found", "NOT_FOUND", http.StatusNotFound, r)
		return
	}
	writeJSON(w, http.StatusOK, ScriptResponse{Script: s})
}

func (h *Handlers) HandleCreateScript(w http.ResponseWriter, r *http.Request) {
	var in storage.ScriptInput
	if !decodeBody(w, r, &in) {
		return
	}

	s, err := h.store.CreateScript(r.Context(), in)
	if err != nil {
		h.storeError(w, r, err, "create script")
		return
	}
	log.Info().Str("script_id", s.ID).Str("name", s.Name).Msg("script created")
	writeJSON(w, http.StatusCreated, ScriptResponse{Script: s, Warnings: h.linter.Lint(s.Content)})
}

// HandleUpdateScript serves both PUT and PATCH. Omitted fields are kept.
func (h *Handlers) HandleUpdateScript(w http.ResponseWriter, r *http.Request) {
	var patch storage.ScriptPatch
	if !decodeBody(w, r, &patch) {
		return
	}

	s, err := h.store.UpdateScript(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		h.storeError(w, r, err, "update script")
		return
	}

	resp := ScriptResponse{Script: s}
	if patch.Content != nil {
		resp.Warnings = h.linter.Lint(s.Content)
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleDeleteScript removes the definition only. A run of the script
// that is in flight keeps going and its history is retained.
func (h *Handlers) HandleDeleteScript(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.store.DeleteScript(r.Context(), id); err != nil {
		h.storeError(w, r, err, "delete script")
		return
	}
	log.Info().Str("script_id", id).Msg("script deleted")
	writeJSON(w, http.StatusOK, MessageResponse{Message: "Script deleted successfully"})
}

// HandleExecuteStream runs a script and streams its events as
// Server-Sent Events. The response ends when the run reaches a terminal
// state; a client that goes away does not stop the run.
func (h *Handlers) HandleExecuteStream(w http.ResponseWriter, r *http.Request) {
	s, found, err := h.store.GetScript(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.storeError(w, r, err, "get script")
		return
	}
	if !found {
		writeError(w, "Script not found", "NOT_FOUND", http.StatusNotFound, r)
		return
	}

	sink, err := NewSSESink(w, r)
	if err != nil {
		writeError(w, "streaming not supported", "STREAMING_UNSUPPORTED", http.StatusInternalServerError, r)
		return
	}

	h.orch.Run(r.Context(), executor.Script{ID: s.ID, Name: s.Name, Content: s.Content}, sink)
}

func (h *Handlers) HandleListExecutions(w http.ResponseWriter, r *http.Request) {
	limit, offset, ok := pagination(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	status := storage.Status(q.Get("status"))
	if status != "" && !status.Valid() {
		writeError(w, "unknown status "+strconv.Quote(string(status)), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	execs, err := h.store.ListExecutions(r.Context(), storage.ExecutionFilter{
		ScriptID: q.Get("script_id"),
		Status:   status,
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		h.storeError(w, r, err, "list executions")
		return
	}
	if execs == nil {
		execs = []storage.Execution{}
	}
	writeJSON(w, http.StatusOK, ExecutionListResponse{Executions: execs, Total: len(execs)})
}

func (h *Handlers) HandleGetExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	exec, found, err := h.store.GetExecution(r.Context(), id)
	if err != nil {
		h.storeError(w, r, err, "get execution")
		return
	}
	if !found {
		writeError(w, "Execution not found", "NOT_FOUND", http.StatusNotFound, r)
		return
	}
	writeJSON(w, http.StatusOK, ExecutionResponse{Execution: exec, Active: h.orch.IsActive(id)})
}

// HandleCancelExecution stops a live run. It returns once the process
// group is gone and the record is marked cancelled.
func (h *Handlers) HandleCancelExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.orch.Cancel(r.Context(), id); err != nil {
		if errors.Is(err, executor.ErrNotActive) {
			writeError(w, "execution is not running", "NOT_ACTIVE", http.StatusNotFound, r)
			return
		}
		log.Error().Err(err).Str("exec_id", id).Msg("cancel failed")
		writeError(w, "cancel failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}
	writeJSON(w, http.StatusOK, CancelResponse{Status: string(storage.StatusCancelled), ID: id})
}

func (h *Handlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.Stats(r.Context())
	if err != nil {
		h.storeError(w, r, err, "stats")
		return
	}
	writeJSON(w, http.StatusOK, StatsResponse{Stats: stats, ActiveRuns: h.orch.ActiveCount()})
}

func (h *Handlers) storeError(w http.ResponseWriter, r *http.Request, err error, op string) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, "Script not found", "NOT_FOUND", http.StatusNotFound, r)
	case errors.Is(err, storage.ErrNameTaken):
		writeError(w, err.Error(), "NAME_TAKEN", http.StatusConflict, r)
	case errors.Is(err, storage.ErrInvalidScript):
		writeError(w, err.Error(), "VALIDATION_ERROR", http.StatusBadRequest, r)
	default:
		h.metrics.RecordError("store")
		log.Error().Err(err).Str("op", op).Str("request_id", RequestIDFromContext(r.Context())).Msg("store operation failed")
		writeError(w, "internal server error", "INTERNAL", http.StatusInternalServerError, r)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil {
		return true
	}
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		writeError(w, "request body too large", "BODY_TOO_LARGE", http.StatusRequestEntityTooLarge, r)
		return false
	}
	writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
	return false
}

func pagination(w http.ResponseWriter, r *http.Request) (limit, offset int, ok bool) {
	q := r.URL.Query()
	for _, p := range []struct {
		name string
		dst  *int
	}{{"limit", &limit}, {"offset", &offset}} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, p.name+" must be a non-negative integer", "INVALID_REQUEST", http.StatusBadRequest, r)
			return 0, 0, false
		}
		*p.dst = n
	}
	return limit, offset, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, msg, code string, status int, r *http.Request) {
	resp := ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	}
	writeJSON(w, status, resp)
}

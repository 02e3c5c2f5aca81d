package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"scriptd/internal/executor"
)

// SSESink delivers executor events as Server-Sent Events. Each event is
// written as one frame whose data line is the JSON encoded event; JSON
// never contains a raw newline, so output cannot break frame boundaries.
type SSESink struct {
	mu  sync.Mutex
	w   http.ResponseWriter
	rc  *http.ResponseController
	req context.Context
}

// NewSSESink writes the stream headers and clears the server write
// deadline so long runs are not cut off. It fails if w cannot flush.
func NewSSESink(w http.ResponseWriter, r *http.Request) (*SSESink, error) {
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return nil, err
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		return nil, fmt.Errorf("flushing stream headers: %w", err)
	}

	return &SSESink{w: w, rc: rc, req: r.Context()}, nil
}

// Send writes one frame. It fails once the client has disconnected.
func (s *SSESink) Send(ctx context.Context, ev executor.Event) error {
	if err := s.req.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if dl, ok := ctx.Deadline(); ok {
		_ = s.rc.SetWriteDeadline(dl)
		defer s.rc.SetWriteDeadline(time.Time{}) //nolint:errcheck
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
		return err
	}
	return s.rc.Flush()
}

package api

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"scriptd/internal/executor"
)

const wsWriteWait = 10 * time.Second

func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // CLI and curl send no Origin
			}
			if allowed[origin] {
				return true
			}
			u, err := url.Parse(origin)
			if err != nil {
				return false
			}
			host := u.Hostname()
			return host == "localhost" || host == "127.0.0.1" || host == "::1"
		},
	}
}

// wsSink writes executor events as JSON text frames.
type wsSink struct {
	mu   sync.Mutex
	conn *websocket.Conn
	gone <-chan struct{}
}

func (s *wsSink) Send(ctx context.Context, ev executor.Event) error {
	select {
	case <-s.gone:
		return websocket.ErrCloseSent
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(wsWriteWait)
	}
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return s.conn.WriteJSON(ev)
}

// HandleExecuteWS upgrades the connection and runs the script, streaming
// every event to the socket. The socket is closed once the run reaches
// a terminal state. Closing it early only detaches the observer.
func (h *Handlers) HandleExecuteWS(upgrader websocket.Upgrader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		scriptID := chi.URLParam(r, "id")

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn().Err(err).Str("script_id", scriptID).Msg("websocket upgrade failed")
			return
		}
		defer conn.Close()

		// The reader services control frames and notices the peer leaving.
		conn.SetReadLimit(4096)
		_ = conn.SetReadDeadline(time.Time{})
		gone := make(chan struct{})
		go func() {
			defer close(gone)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		sink := &wsSink{conn: conn, gone: gone}
		err = h.orch.RunByID(r.Context(), scriptID, sink)
		switch {
		case err == nil:
			closeWS(conn, websocket.CloseNormalClosure, "")
		case errors.Is(err, executor.ErrScriptNotFound):
			closeWS(conn, websocket.CloseInternalServerErr, "Script not found")
		default:
			log.Error().Err(err).Str("script_id", scriptID).Msg("websocket execution failed")
			_ = sink.Send(context.Background(), executor.Event{
				Type: executor.EventError,
				Data: "An unexpected error occurred: " + err.Error(),
			})
			closeWS(conn, websocket.CloseInternalServerErr, "internal error")
		}
	}
}

func closeWS(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil &&
		!errors.Is(err, websocket.ErrCloseSent) {
		log.Debug().Err(err).Msg("websocket close frame not sent")
	}
}

package httpserver

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Browser clients connect from the app origin; the platform gateway
	// enforces origin policy ahead of us.
	CheckOrigin: func(*http.Request) bool { return true },
}

// ProgressWSHandler upgrades to a WebSocket and attaches the connection to
// the job's progress feed. The first event is always a synthetic snapshot of
// the job's current state.
func (s *Server) ProgressWSHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "id")
		snapshot, err := s.Exports.Get(r.Context(), jobID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade already wrote the handshake failure.
			LoggerFrom(r).Debug("websocket upgrade failed", slog.Any("error", err))
			return
		}
		s.Hub.Subscribe(snapshot, conn)
	}
}

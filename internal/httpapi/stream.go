package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dmelnik/ada/internal/events"
)

// handleStream upgrades the connection and forwards the session's event
// stream: one initial_messages snapshot, then live events with heartbeats.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(chi.URLParam(r, "id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}

	snapshot := s.chat.Snapshot(r.Context(), sessionID)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.StreamOpened()
	defer s.metrics.StreamClosed()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// The read loop only exists to notice the client going away.
	go func() {
		defer cancel()
		conn.SetReadLimit(1 << 16)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	sink := func(evt events.Event) error {
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteJSON(evt)
	}

	_ = s.streamer.Run(ctx, sessionID, snapshot, sink)
}

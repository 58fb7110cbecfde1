package console

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var eventsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The console sits behind the cluster's own TLS listener; same-origin
	// checks are left to the reverse proxy in front of it, matching how the
	// teacher's dashboard websocket upgrade is configured.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const eventsWriteWait = 10 * time.Second

// apiEvents upgrades to a WebSocket and streams the bus's replay buffer
// followed by live events, one JSON frame per event, until the client
// disconnects.
func (s *Server) apiEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := eventsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.deps.Log.Warn("events websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	ch, cancel := s.deps.EventBus.Subscribe()
	defer cancel()

	// Detect client-initiated close without blocking the write loop.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(eventsWriteWait))
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}

package console

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/redpepper-go/fleet/internal/events"
)

func TestApiEventsStreamsReplayThenLive(t *testing.T) {
	bus := events.New(nil, nil)
	bus.Publish(events.Event{Type: events.Connected, Fields: map[string]any{"agent_id": "a1"}})

	srv := &Server{deps: Dependencies{EventBus: bus, Log: slog.Default()}}

	ts := httptest.NewServer(http.HandlerFunc(srv.apiEvents))
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var replayed events.Event
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&replayed); err != nil {
		t.Fatalf("read replay event: %v", err)
	}
	if replayed.Type != events.Connected {
		t.Errorf("type = %q, want %q", replayed.Type, events.Connected)
	}

	bus.Publish(events.Event{Type: events.Disconnected, Fields: map[string]any{"agent_id": "a1"}})

	var live events.Event
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&live); err != nil {
		t.Fatalf("read live event: %v", err)
	}
	if live.Type != events.Disconnected {
		t.Errorf("type = %q, want %q", live.Type, events.Disconnected)
	}
}

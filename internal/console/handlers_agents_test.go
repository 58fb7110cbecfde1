package console

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	clusterserver "github.com/redpepper-go/fleet/internal/cluster/server"
	"github.com/redpepper-go/fleet/internal/commandlog"
)

// mockFleet implements Fleet for testing.
type mockFleet struct {
	connected map[string]bool
	sendID    string
	sendErr   error
	outcome   *clusterserver.CommandOutcome
	awaitErr  error
}

func (m *mockFleet) ConnectedAgents() []string {
	var ids []string
	for id, ok := range m.connected {
		if ok {
			ids = append(ids, id)
		}
	}
	return ids
}

func (m *mockFleet) Connected(agentID string) bool { return m.connected[agentID] }

func (m *mockFleet) SendCommand(ctx context.Context, agentID, cmdtype string, args []any, kwargs map[string]any) (string, error) {
	return m.sendID, m.sendErr
}

func (m *mockFleet) AwaitCommandResult(ctx context.Context, id string) (*clusterserver.CommandOutcome, error) {
	return m.outcome, m.awaitErr
}

// mockCommandLog implements CommandLog for testing.
type mockCommandLog struct {
	records []commandlog.Record
}

func (m *mockCommandLog) Get(id string) (*commandlog.Record, error) {
	for _, r := range m.records {
		if r.ID == id {
			return &r, nil
		}
	}
	return nil, clusterTestErrNotFound
}

func (m *mockCommandLog) Last(n int) ([]commandlog.Record, error) {
	if n > len(m.records) {
		n = len(m.records)
	}
	return m.records[len(m.records)-n:], nil
}

func (m *mockCommandLog) Since(t time.Time) ([]commandlog.Record, error) {
	var out []commandlog.Record
	for _, r := range m.records {
		if r.Time.After(t) {
			out = append(out, r)
		}
	}
	return out, nil
}

var clusterTestErrNotFound = &notFoundError{}

type notFoundError struct{}

func (*notFoundError) Error() string { return "not found" }

func newTestServer(fleet Fleet, log CommandLog) *Server {
	return &Server{deps: Dependencies{Fleet: fleet, CommandLog: log}}
}

func TestApiAgentsListsConnected(t *testing.T) {
	srv := newTestServer(&mockFleet{connected: map[string]bool{"a1": true, "a2": true}}, nil)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/agents", nil)
	srv.apiAgents(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var got map[string][]string
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got["agents"]) != 2 {
		t.Errorf("agents = %v, want 2 entries", got["agents"])
	}
}

func TestApiSendCommandRejectsDisconnectedAgent(t *testing.T) {
	srv := newTestServer(&mockFleet{connected: map[string]bool{}}, nil)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/api/agents/ghost/command", strings.NewReader(`{"type":"ping"}`))
	r.SetPathValue("id", "ghost")
	srv.apiSendCommand(w, r)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestApiSendCommandDispatchesToConnectedAgent(t *testing.T) {
	fleet := &mockFleet{connected: map[string]bool{"a1": true}, sendID: "cmd-1"}
	srv := newTestServer(fleet, nil)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/api/agents/a1/command", strings.NewReader(`{"type":"restart"}`))
	r.SetPathValue("id", "a1")
	srv.apiSendCommand(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", w.Code, w.Body.String())
	}
	var got map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got["id"] != "cmd-1" {
		t.Errorf("id = %q, want cmd-1", got["id"])
	}
}

func TestApiAwaitCommandReturnsOutcome(t *testing.T) {
	fleet := &mockFleet{outcome: &clusterserver.CommandOutcome{Success: true, Changed: true, Output: "done"}}
	srv := newTestServer(fleet, nil)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/commands/cmd-1/await", nil)
	r.SetPathValue("id", "cmd-1")
	srv.apiAwaitCommand(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var got clusterserver.CommandOutcome
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if !got.Success || got.Output != "done" {
		t.Errorf("got %+v", got)
	}
}

func TestApiAwaitCommandRejectsBadTimeout(t *testing.T) {
	srv := newTestServer(&mockFleet{}, nil)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/commands/cmd-1/await?timeout=notanumber", nil)
	r.SetPathValue("id", "cmd-1")
	srv.apiAwaitCommand(w, r)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestApiCommandsDefaultsToLast50(t *testing.T) {
	var records []commandlog.Record
	for i := 0; i < 5; i++ {
		records = append(records, commandlog.Record{ID: string(rune('a' + i))})
	}
	srv := newTestServer(nil, &mockCommandLog{records: records})

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/commands", nil)
	srv.apiCommands(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var got map[string][]commandlog.Record
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if len(got["commands"]) != 5 {
		t.Errorf("commands = %d, want 5", len(got["commands"]))
	}
}

func TestApiCommandsRespectsLastParam(t *testing.T) {
	var records []commandlog.Record
	for i := 0; i < 10; i++ {
		records = append(records, commandlog.Record{ID: string(rune('a' + i))})
	}
	srv := newTestServer(nil, &mockCommandLog{records: records})

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/commands?last=3", nil)
	srv.apiCommands(w, r)

	var got map[string][]commandlog.Record
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if len(got["commands"]) != 3 {
		t.Errorf("commands = %d, want 3", len(got["commands"]))
	}
}

func TestApiCommandsRejectsBadSince(t *testing.T) {
	srv := newTestServer(nil, &mockCommandLog{})

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/commands?since=not-a-time", nil)
	srv.apiCommands(w, r)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

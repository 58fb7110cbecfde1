package console

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"
)

// apiAgents lists currently connected agent IDs.
func (s *Server) apiAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"agents": s.deps.Fleet.ConnectedAgents(),
	})
}

type sendCommandRequest struct {
	Type   string         `json:"type"`
	Args   []any          `json:"args"`
	Kwargs map[string]any `json:"kwargs"`
}

// apiSendCommand dispatches a command to a connected agent and returns its
// assigned command ID, or 404 if the agent isn't connected.
func (s *Server) apiSendCommand(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	if !s.deps.Fleet.Connected(agentID) {
		writeError(w, http.StatusNotFound, "agent not connected")
		return
	}

	var req sendCommandRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Type == "" {
		writeError(w, http.StatusBadRequest, "type is required")
		return
	}

	id, err := s.deps.Fleet.SendCommand(r.Context(), agentID, req.Type, req.Args, req.Kwargs)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id})
}

// apiAwaitCommand blocks until a dispatched command resolves or the
// optional timeout query parameter elapses.
func (s *Server) apiAwaitCommand(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	ctx := r.Context()
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		secs, err := strconv.ParseFloat(raw, 64)
		if err != nil || secs < 0 {
			writeError(w, http.StatusBadRequest, "invalid timeout")
			return
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(secs*float64(time.Second)))
		defer cancel()
	}

	outcome, err := s.deps.Fleet.AwaitCommandResult(ctx, id)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			writeError(w, http.StatusRequestTimeout, "timed out waiting for command result")
			return
		}
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

// apiCommands returns command log records, either the last N (default 50)
// or everything recorded since a given RFC3339 timestamp.
func (s *Server) apiCommands(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since timestamp, expected RFC3339")
			return
		}
		records, err := s.deps.CommandLog.Since(t)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"commands": records})
		return
	}

	n := 50
	if last := q.Get("last"); last != "" {
		parsed, err := strconv.Atoi(last)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "invalid last")
			return
		}
		n = parsed
	}
	records, err := s.deps.CommandLog.Last(n)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"commands": records})
}

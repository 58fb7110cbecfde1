package console

import (
	"errors"
	"io"
	"net/http"
	"os"
)

// apiConfigGet reads a file under the Manager's data tree.
func (s *Server) apiConfigGet(w http.ResponseWriter, r *http.Request) {
	path := r.PathValue("path")
	data, err := s.deps.Config.ReadFile(path)
	if err != nil {
		if errors.Is(err, ErrInvalidPath) {
			writeError(w, http.StatusBadRequest, "invalid path")
			return
		}
		if errors.Is(err, os.ErrNotExist) {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(data)
}

// apiConfigPut writes a file under the Manager's data tree, creating it if
// absent.
func (s *Server) apiConfigPut(w http.ResponseWriter, r *http.Request) {
	path := r.PathValue("path")
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if err := s.deps.Config.WriteFile(path, data); err != nil {
		if errors.Is(err, ErrInvalidPath) {
			writeError(w, http.StatusBadRequest, "invalid path")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

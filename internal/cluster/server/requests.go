package server

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/redpepper-go/fleet/internal/protocol"
)

// DataStore is the subset of *data.Manager the built-in request handlers
// need. Declared here, not in internal/data, so internal/data never needs
// to know about the server package — the same ClusterStore-style DI the
// teacher uses to keep cluster/server from importing the store package
// directly.
type DataStore interface {
	DataFilePath(agentID, relative string) (string, error)
	StateDefinitionForAgent(agentID, stateID string) ([]any, error)
	OperationModulePath(moduleName string) (string, error)
	RequestModulePath(agentID, name string) (string, error)
}

// RequestHandlerFunc answers one custom("<name>", ...) RPC request (§4.6).
type RequestHandlerFunc func(ctx context.Context, store DataStore, agentID string, args []any, kwargs map[string]any) (any, error)

// RequestRegistry is the Manager-side dispatch table for custom(...)
// requests: built-ins first, falling back to a remote request-module
// lookup that — like operations.Load's operationModule fallback — can no
// longer execute fetched Python source, so it refuses explicitly instead
// of attempting to run it.
type RequestRegistry struct {
	handlers map[string]RequestHandlerFunc
}

// NewRequestRegistry builds the registry of built-in request handlers
// named in spec.md §4.6 and grounded on original_source/redpepper/requests/*.py.
func NewRequestRegistry() *RequestRegistry {
	r := &RequestRegistry{handlers: make(map[string]RequestHandlerFunc)}
	r.handlers["dataFileStat"] = requestDataFileStat
	r.handlers["dataFileContents"] = requestDataFileContents
	r.handlers["dataFileHash"] = requestDataFileHash
	r.handlers["stateDefinition"] = requestStateDefinition
	r.handlers["operationModule"] = requestOperationModule
	return r
}

// Dispatch resolves and calls name against store on behalf of agentID.
func (r *RequestRegistry) Dispatch(ctx context.Context, store DataStore, agentID, name string, args []any, kwargs map[string]any) (any, error) {
	if h, ok := r.handlers[name]; ok {
		return h(ctx, store, agentID, args, kwargs)
	}
	if _, err := store.RequestModulePath(agentID, name); err == nil {
		return nil, &protocol.RequestError{Reason: fmt.Sprintf("remote request modules are not executable in this build: %q", name)}
	}
	return nil, &protocol.RequestError{Reason: fmt.Sprintf("unknown request: %q", name)}
}

func requestArg(args []any, kwargs map[string]any, pos int, name string) (any, bool) {
	if len(args) > pos {
		return args[pos], true
	}
	if v, ok := kwargs[name]; ok {
		return v, true
	}
	return nil, false
}

func stringArg(args []any, kwargs map[string]any, pos int, name string) (string, error) {
	v, ok := requestArg(args, kwargs, pos, name)
	if !ok {
		return "", &protocol.RequestError{Reason: fmt.Sprintf("%s is required", name)}
	}
	s, ok := v.(string)
	if !ok {
		return "", &protocol.RequestError{Reason: fmt.Sprintf("%s must be a string", name)}
	}
	return s, nil
}

func intArg(args []any, kwargs map[string]any, pos int, name string, defaultValue int64) (int64, error) {
	v, ok := requestArg(args, kwargs, pos, name)
	if !ok {
		return defaultValue, nil
	}
	switch t := v.(type) {
	case int64:
		return t, nil
	case int:
		return int64(t), nil
	case float64:
		return int64(t), nil
	default:
		return 0, &protocol.RequestError{Reason: fmt.Sprintf("%s must be an integer", name)}
	}
}

// requestDataFileStat grounds dataFileStat.py: returns {mtime, size} for a
// data file resolved by path relative to the agent's groups.
func requestDataFileStat(_ context.Context, store DataStore, agentID string, args []any, kwargs map[string]any) (any, error) {
	path, err := stringArg(args, kwargs, 0, "path")
	if err != nil {
		return nil, err
	}
	full, err := store.DataFilePath(agentID, path)
	if err != nil {
		return nil, &protocol.RequestError{Reason: fmt.Sprintf("file not found: %s", path)}
	}
	st, err := os.Stat(full)
	if err != nil {
		return nil, &protocol.RequestError{Reason: fmt.Sprintf("file not found: %s", path)}
	}
	return map[string]any{
		"mtime": st.ModTime().Unix(),
		"size":  st.Size(),
	}, nil
}

// requestDataFileContents grounds dataFileContents.py: reads length bytes
// of a data file starting at offset and returns them base64-encoded. A
// negative length reads to the end of the file.
func requestDataFileContents(_ context.Context, store DataStore, agentID string, args []any, kwargs map[string]any) (any, error) {
	filename, err := stringArg(args, kwargs, 0, "filename")
	if err != nil {
		return nil, err
	}
	offset, err := intArg(args, kwargs, 1, "offset", 0)
	if err != nil {
		return nil, err
	}
	length, err := intArg(args, kwargs, 2, "length", -1)
	if err != nil {
		return nil, err
	}

	full, err := store.DataFilePath(agentID, filename)
	if err != nil {
		return nil, &protocol.RequestError{Reason: fmt.Sprintf("file not found: %s", filename)}
	}
	f, err := os.Open(full)
	if err != nil {
		return nil, &protocol.RequestError{Reason: fmt.Sprintf("file not found: %s", filename)}
	}
	defer f.Close()
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, &protocol.RequestError{Reason: fmt.Sprintf("cannot seek in file: %s", filename)}
	}
	var data []byte
	if length < 0 {
		data, err = io.ReadAll(f)
	} else {
		data = make([]byte, length)
		var n int
		n, err = io.ReadFull(f, data)
		if err == io.ErrUnexpectedEOF {
			err = nil
		}
		data = data[:n]
	}
	if err != nil {
		return nil, &protocol.RequestError{Reason: fmt.Sprintf("failed to read file: %s", filename)}
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// requestDataFileHash grounds dataFileHash.py: sha256 hexdigest of the
// whole file.
func requestDataFileHash(_ context.Context, store DataStore, agentID string, args []any, kwargs map[string]any) (any, error) {
	path, err := stringArg(args, kwargs, 0, "path")
	if err != nil {
		return nil, err
	}
	full, err := store.DataFilePath(agentID, path)
	if err != nil {
		return nil, &protocol.RequestError{Reason: fmt.Sprintf("file not found: %s", path)}
	}
	f, err := os.Open(full)
	if err != nil {
		return nil, &protocol.RequestError{Reason: fmt.Sprintf("file not found: %s", path)}
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, &protocol.RequestError{Reason: fmt.Sprintf("failed to hash file: %s", path)}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// requestStateDefinition grounds stateDefinition.py: delegates to the
// data manager's deep-merged, interpolated state tree.
func requestStateDefinition(_ context.Context, store DataStore, agentID string, args []any, kwargs map[string]any) (any, error) {
	var stateID string
	if v, ok := requestArg(args, kwargs, 0, "state_name"); ok {
		if s, ok := v.(string); ok {
			stateID = s
		}
	}
	tree, err := store.StateDefinitionForAgent(agentID, stateID)
	if err != nil {
		return nil, &protocol.RequestError{Reason: err.Error()}
	}
	return tree, nil
}

// requestOperationModule grounds operationModule.py: mtime/size cache
// validation against a remote operation module, per §4.4's Agent-side
// fetch-and-refuse flow. The Manager still reports accurately even though
// no Agent in this build will ever execute the fetched content.
func requestOperationModule(_ context.Context, store DataStore, _ string, args []any, kwargs map[string]any) (any, error) {
	name, err := stringArg(args, kwargs, 0, "name")
	if err != nil {
		return nil, err
	}
	existingMtime, err := intArg(args, kwargs, 1, "existing_mtime", 0)
	if err != nil {
		return nil, err
	}
	existingSize, err := intArg(args, kwargs, 2, "existing_size", 0)
	if err != nil {
		return nil, err
	}

	path, err := store.OperationModulePath(name)
	if err != nil {
		return nil, &protocol.RequestError{Reason: err.Error()}
	}
	st, err := os.Stat(path)
	if err != nil {
		return nil, &protocol.RequestError{Reason: fmt.Sprintf("operation module not found: %s", name)}
	}
	if st.ModTime().Unix() == existingMtime && st.Size() == existingSize {
		return map[string]any{"changed": false}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &protocol.RequestError{Reason: fmt.Sprintf("operation module not found: %s", name)}
	}
	if len(data) > 32*1024 {
		return nil, &protocol.RequestError{Reason: fmt.Sprintf("operation module too large: %s", name)}
	}
	return map[string]any{
		"changed": true,
		"content": base64.StdEncoding.EncodeToString(data),
		"mtime":   st.ModTime().Unix(),
		"size":    len(data),
	}, nil
}

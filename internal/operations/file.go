package operations

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
)

// Installed ensures a file's contents (compared by hash against the
// Manager's dataFileHash request handler) and optionally its mode are
// in place, grounded on the source's file.Installed.
type Installed struct {
	BaseOperation
	Path   string
	Source string
	Mode   *os.FileMode
}

// RegisterFile registers the "file" module's operations.
func RegisterFile(r *Registry) {
	r.Register("file", "Installed", newInstalled)
}

func newInstalled(args []any, kwargs map[string]any) (Operation, error) {
	op := &Installed{}
	path, ok := argOrKwarg(args, kwargs, 0, "path")
	if !ok {
		return nil, &OperationFailure{Reason: "file.Installed: path is required"}
	}
	s, ok := path.(string)
	if !ok {
		return nil, &OperationFailure{Reason: "file.Installed: path must be a string"}
	}
	op.Path = s

	source, ok := argOrKwarg(args, kwargs, 1, "source")
	if !ok {
		return nil, &OperationFailure{Reason: "file.Installed: source is required"}
	}
	s, ok = source.(string)
	if !ok {
		return nil, &OperationFailure{Reason: "file.Installed: source must be a string"}
	}
	op.Source = s

	if m, ok := kwargs["mode"]; ok {
		mode, err := parseMode(m)
		if err != nil {
			return nil, &OperationFailure{Reason: "file.Installed: " + err.Error()}
		}
		op.Mode = &mode
	}
	return op, nil
}

func parseMode(v any) (os.FileMode, error) {
	switch t := v.(type) {
	case int:
		return os.FileMode(t), nil
	case int64:
		return os.FileMode(t), nil
	case string:
		var n int64
		if _, err := fmt.Sscanf(t, "%o", &n); err != nil {
			return 0, fmt.Errorf("invalid octal mode %q", t)
		}
		return os.FileMode(n), nil
	default:
		return 0, fmt.Errorf("mode must be an int or octal string")
	}
}

func (i *Installed) String() string {
	return fmt.Sprintf("file.Installed(%q from %q)", i.Path, i.Source)
}

func (i *Installed) Run(ctx context.Context, agent Context) (*Result, error) {
	result := NewResult(i.String())

	wantHash, err := requestString(ctx, agent, "dataFileHash", i.Source)
	if err != nil {
		result.Fail(fmt.Sprintf("failed to get hash: %v", err))
		return result, nil
	}

	existingHash, err := hashFile(i.Path)
	if err != nil && !os.IsNotExist(err) {
		result.Fail(fmt.Sprintf("failed to hash existing file: %v", err))
		return result, nil
	}

	if existingHash != wantHash {
		content, err := requestBytes(ctx, agent, "dataFileContents", i.Source, int64(0), int64(-1))
		if err != nil {
			result.Fail(fmt.Sprintf("failed to fetch file content: %v", err))
			return result, nil
		}
		mode := os.FileMode(0o644)
		if i.Mode != nil {
			mode = *i.Mode
		}
		if err := os.WriteFile(i.Path, content, mode); err != nil {
			result.Fail(fmt.Sprintf("failed to write %s: %v", i.Path, err))
			return result, nil
		}
		result.AddOutput(fmt.Sprintf("Wrote %d bytes to %s.", len(content), i.Path))
		result.Changed = true
	}

	if i.Mode != nil {
		if st, err := os.Stat(i.Path); err == nil && st.Mode().Perm() != i.Mode.Perm() {
			if err := os.Chmod(i.Path, *i.Mode); err != nil {
				result.Fail(fmt.Sprintf("failed to chmod %s: %v", i.Path, err))
				return result, nil
			}
			result.AddOutput(fmt.Sprintf("Changed mode of %s to %o.", i.Path, i.Mode.Perm()))
			result.Changed = true
		}
	}

	if !result.Changed {
		result.AddOutput("No changes needed.")
	}
	return result, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	buf := make([]byte, 4096)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if err != nil {
			break
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// requestString performs a "custom" RPC request and coerces the result to
// a string, grounded on the source's agent.request_data helper.
func requestString(ctx context.Context, agent Context, name string, args ...any) (string, error) {
	v, err := requestData(ctx, agent, name, args...)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("unexpected response type %T for %s", v, name)
	}
	return s, nil
}

// requestBytes fetches base64-encoded file content via "dataFileContents"
// and decodes it, matching the Manager's requests.dataFileContents handler.
func requestBytes(ctx context.Context, agent Context, name string, args ...any) ([]byte, error) {
	v, err := requestData(ctx, agent, name, args...)
	if err != nil {
		return nil, err
	}
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected response type %T for %s", v, name)
	}
	return base64.StdEncoding.DecodeString(s)
}

// requestData invokes the Manager's "custom" RPC dispatcher (§4.6): both
// the agent.request(...) and custom(...) names observed in the original
// sources resolve to this one wire method.
func requestData(ctx context.Context, agent Context, name string, args ...any) (any, error) {
	return agent.Call(ctx, "custom", append([]any{name}, args...), nil)
}

package operations

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/redpepper-go/fleet/internal/metrics"
)

// Load resolves "<module>.<Class>" to an Operation: built-in registry
// first, otherwise the Manager's operationModule fetch-and-cache path.
//
// Go has no runtime-loadable source modules (§9 "Dynamic dispatch →
// registry + variants"). An unresolved module still performs the
// operationModule round trip — preserving the wire-visible cache
// validation contract — but then fails with an OperationFailure instead
// of attempting to execute the fetched bytes, per §4.4's expansion.
func Load(ctx context.Context, registry *Registry, agent Context, cacheDir, name string, args []any, kwargs map[string]any) (Operation, error) {
	module, _, ok := splitModuleClass(name)
	if !ok {
		metrics.OperationModuleFetches.WithLabelValues("invalid_name").Inc()
		return nil, &OperationFailure{Reason: fmt.Sprintf("invalid operation name %q", name)}
	}
	if ctor, ok := registry.Lookup(name); ok {
		return ctor(args, kwargs)
	}

	if err := fetchOperationModule(ctx, agent, cacheDir, module); err != nil {
		metrics.OperationModuleFetches.WithLabelValues("fetch_error").Inc()
		return nil, &OperationFailure{Reason: fmt.Sprintf("failed to fetch operation module %q: %v", module, err)}
	}
	metrics.OperationModuleFetches.WithLabelValues("refused").Inc()
	return nil, &OperationFailure{
		Reason: fmt.Sprintf("remote operation modules are not executable in this build: %q", name),
	}
}

func splitModuleClass(name string) (module, class string, ok bool) {
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '.' {
			return name[:i], name[i+1:], true
		}
	}
	return "", "", false
}

type operationModuleResponse struct {
	Changed       bool   `msgpack:"changed"`
	Content       string `msgpack:"content"`
	ExistingMtime int64  `msgpack:"mtime"`
}

// fetchOperationModule performs the custom("operationModule", ...) round
// trip with mtime/size cache validation, writing fetched bytes into
// cacheDir for inspection/audit even though they will never be executed.
func fetchOperationModule(ctx context.Context, agent Context, cacheDir, module string) error {
	cachePath := filepath.Join(cacheDir, module)
	var existingMtime int64
	var existingSize int64
	if st, err := os.Stat(cachePath); err == nil {
		existingMtime = st.ModTime().Unix()
		existingSize = st.Size()
	}

	resp, err := agent.Call(ctx, "custom", []any{"operationModule", module, existingMtime, existingSize}, nil)
	if err != nil {
		return err
	}
	m, ok := resp.(map[string]any)
	if !ok {
		return fmt.Errorf("unexpected operationModule response type %T", resp)
	}
	changed, _ := m["changed"].(bool)
	if !changed {
		return nil
	}
	contentStr, ok := m["content"].(string)
	if !ok {
		return fmt.Errorf("operationModule response missing content")
	}
	content, err := base64.StdEncoding.DecodeString(contentStr)
	if err != nil {
		return fmt.Errorf("invalid base64 content: %w", err)
	}
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return err
	}
	tmp := cachePath + ".tmp"
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, cachePath); err != nil {
		return err
	}
	if mtime, ok := numericValue(m["mtime"]); ok {
		t := time.Unix(int64(mtime), 0)
		_ = os.Chtimes(cachePath, t, t)
	}
	return nil
}

func numericValue(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int64:
		return float64(t), true
	case int:
		return float64(t), true
	default:
		return 0, false
	}
}

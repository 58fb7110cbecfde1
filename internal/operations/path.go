package operations

import (
	"context"
	"fmt"
	"os"
)

// Exists is a read-only assertion operation: it never changes anything,
// succeeding iff the path exists (mirroring the "path exists" condition
// type's filesystem check, exposed here as a usable state leaf too).
type Exists struct {
	BaseOperation
	Path string
}

// RegisterPath registers the "path" module's operations.
func RegisterPath(r *Registry) {
	r.Register("path", "Exists", newExists)
}

func newExists(args []any, kwargs map[string]any) (Operation, error) {
	v, ok := argOrKwarg(args, kwargs, 0, "path")
	if !ok {
		return nil, &OperationFailure{Reason: "path.Exists: path is required"}
	}
	s, ok := v.(string)
	if !ok {
		return nil, &OperationFailure{Reason: "path.Exists: path must be a string"}
	}
	return &Exists{Path: s}, nil
}

func (e *Exists) String() string { return fmt.Sprintf("path.Exists(%q)", e.Path) }

func (e *Exists) Test(context.Context, Context) (bool, error) {
	_, err := os.Stat(e.Path)
	return err == nil, nil
}

func (e *Exists) Run(_ context.Context, _ Context) (*Result, error) {
	result := NewResult(e.String())
	result.Fail(fmt.Sprintf("%s does not exist", e.Path))
	return result, nil
}

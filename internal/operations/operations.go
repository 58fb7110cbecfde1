// Package operations implements the Agent-side unit of idempotent work
// described in spec.md §3/§4.4: an Operation with Test/Run/Ensure, the
// Result value it produces, and the built-in operation registry.
package operations

import (
	"context"
	"fmt"
)

// Context is the subset of Agent behavior an Operation needs: calling back
// to the Manager over RPC and knowing its own agent id. Kept as a narrow
// interface here so this package never imports the cluster/agent package
// that implements it.
type Context interface {
	AgentID() string
	Call(ctx context.Context, method string, args []any, kwargs map[string]any) (any, error)
}

// Operation is a unit of idempotent work identified by a "module.Class"
// name in the command dispatch grammar (§4.4).
type Operation interface {
	// Test reports whether the condition this operation creates already
	// exists, so Ensure can skip Run.
	Test(ctx context.Context, agent Context) (bool, error)
	// Run unconditionally performs the operation.
	Run(ctx context.Context, agent Context) (*Result, error)
	fmt.Stringer
}

// Ensure runs op.Test; if false, runs op.Run and returns its Result,
// otherwise returns a no-op Result recording "no changes needed", per
// spec.md §3's default Ensure composition over Test/Run.
func Ensure(ctx context.Context, agent Context, op Operation) (*Result, error) {
	ok, err := op.Test(ctx, agent)
	if err != nil {
		return nil, err
	}
	if ok {
		result := NewResult(op.String())
		result.AddOutput("No changes needed.")
		return result, nil
	}
	return op.Run(ctx, agent)
}

// BaseOperation supplies the Test(...) == false default so most built-in
// operations only need to implement Run.
type BaseOperation struct{}

func (BaseOperation) Test(context.Context, Context) (bool, error) { return false, nil }

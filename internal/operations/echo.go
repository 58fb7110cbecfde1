package operations

import (
	"context"
	"fmt"
)

// Echo is the simplest built-in operation: it always changes and emits
// message (optionally reversed), grounded on the source's echo.Echo.
type Echo struct {
	BaseOperation
	Message string
	Reverse bool
}

// RegisterEcho registers the "echo" module's operations.
func RegisterEcho(r *Registry) {
	r.Register("echo", "Echo", newEcho)
}

func newEcho(args []any, kwargs map[string]any) (Operation, error) {
	op := &Echo{}
	if v, ok := argOrKwarg(args, kwargs, 0, "message"); ok {
		s, ok := v.(string)
		if !ok {
			return nil, &OperationFailure{Reason: "echo.Echo: message must be a string"}
		}
		op.Message = s
	} else {
		return nil, &OperationFailure{Reason: "echo.Echo: message is required"}
	}
	if v, ok := kwargs["reverse"]; ok {
		b, ok := v.(bool)
		if !ok {
			return nil, &OperationFailure{Reason: "echo.Echo: reverse must be a bool"}
		}
		op.Reverse = b
	}
	return op, nil
}

func (e *Echo) String() string {
	suffix := ""
	if e.Reverse {
		suffix = " reverse"
	}
	return fmt.Sprintf("echo.Echo(%q%s)", e.Message, suffix)
}

func (e *Echo) Run(_ context.Context, _ Context) (*Result, error) {
	result := NewResult(e.String())
	message := e.Message
	if e.Reverse {
		message = reverseString(message)
	}
	result.AddOutput(message)
	result.Changed = true
	return result, nil
}

func reverseString(s string) string {
	r := []rune(s)
	for i, j := 0, len(r)-1; i < j; i, j = i+1, j-1 {
		r[i], r[j] = r[j], r[i]
	}
	return string(r)
}

// argOrKwarg returns args[pos] if present, else kwargs[name].
func argOrKwarg(args []any, kwargs map[string]any, pos int, name string) (any, bool) {
	if pos < len(args) {
		return args[pos], true
	}
	v, ok := kwargs[name]
	return v, ok
}

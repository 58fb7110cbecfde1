package operations

import (
	"context"
	"testing"
)

type fakeContext struct {
	agentID string
	callFn  func(ctx context.Context, method string, args []any, kwargs map[string]any) (any, error)
}

func (f *fakeContext) AgentID() string { return f.agentID }

func (f *fakeContext) Call(ctx context.Context, method string, args []any, kwargs map[string]any) (any, error) {
	return f.callFn(ctx, method, args, kwargs)
}

func TestEchoRunReturnsMessage(t *testing.T) {
	reg := NewDefaultRegistry()
	op, err := reg.Build("echo.Echo", []any{"hello"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	result, err := Ensure(context.Background(), &fakeContext{agentID: "a1"}, op)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Changed {
		t.Error("expected echo to always report changed")
	}
	if result.Output == "" {
		t.Error("expected output containing the message")
	}
}

func TestEchoReverse(t *testing.T) {
	reg := NewDefaultRegistry()
	op, err := reg.Build("echo.Echo", nil, map[string]any{"message": "abc", "reverse": true})
	if err != nil {
		t.Fatal(err)
	}
	echo := op.(*Echo)
	if echo.Message != "abc" || !echo.Reverse {
		t.Fatalf("unexpected op: %+v", echo)
	}
}

func TestEchoRequiresMessage(t *testing.T) {
	reg := NewDefaultRegistry()
	if _, err := reg.Build("echo.Echo", nil, nil); err == nil {
		t.Fatal("expected error when message is missing")
	}
}

func TestRegistryUnknownOperation(t *testing.T) {
	reg := NewDefaultRegistry()
	if _, err := reg.Build("nonexistent.Thing", nil, nil); err == nil {
		t.Fatal("expected error for unregistered operation")
	}
}

func TestPathExistsEnsureSkipsRunWhenPresent(t *testing.T) {
	reg := NewDefaultRegistry()
	op, err := reg.Build("path.Exists", []any{"/"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	result, err := Ensure(context.Background(), &fakeContext{}, op)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Succeeded || result.Changed {
		t.Errorf("expected a no-op success result, got %+v", result)
	}
}

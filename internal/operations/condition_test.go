package operations

import (
	"context"
	"testing"
)

func TestEvaluateNullAndLiterals(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		cond any
		want bool
	}{
		{nil, true},
		{true, true},
		{false, false},
		{"true", true},
		{"FALSE", false},
	}
	for _, c := range cases {
		got, err := Evaluate(ctx, c.cond, nil)
		if err != nil {
			t.Fatalf("Evaluate(%v): %v", c.cond, err)
		}
		if got != c.want {
			t.Errorf("Evaluate(%v) = %v, want %v", c.cond, got, c.want)
		}
	}
}

func TestEvaluateListRequiresAll(t *testing.T) {
	ctx := context.Background()
	got, err := Evaluate(ctx, []any{true, true, false}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got {
		t.Error("expected false when any sub-condition is false")
	}
}

func TestEvaluateNotNegates(t *testing.T) {
	ctx := context.Background()
	got, err := Evaluate(ctx, map[string]any{"not true": nil}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got {
		t.Error("expected \"not true\" to evaluate false")
	}
}

func TestEvaluateAnyOfList(t *testing.T) {
	ctx := context.Background()
	got, err := Evaluate(ctx, map[string]any{"any": []any{false, false, true}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !got {
		t.Error("expected \"any\" to be true when one sub-condition is true")
	}
}

func TestEvaluateChangedSuffixMatch(t *testing.T) {
	ctx := context.Background()
	changed := map[string]bool{"parent:a": true, "parent:b": false}

	got, err := Evaluate(ctx, map[string]any{"changed a": nil}, changed)
	if err != nil {
		t.Fatal(err)
	}
	if !got {
		t.Error("expected suffix match on \"a\" against \"parent:a\"")
	}

	got, err = Evaluate(ctx, map[string]any{"changed b": nil}, changed)
	if err != nil {
		t.Fatal(err)
	}
	if got {
		t.Error("expected no match since parent:b did not change")
	}
}

func TestEvaluatePathExists(t *testing.T) {
	ctx := context.Background()
	got, err := Evaluate(ctx, map[string]any{"path exists": "/"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !got {
		t.Error("expected / to exist")
	}

	got, err = Evaluate(ctx, map[string]any{"path exists": "/definitely/not/a/real/path"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got {
		t.Error("expected nonexistent path to evaluate false")
	}
}

func TestEvaluatePyIsAlwaysAnError(t *testing.T) {
	ctx := context.Background()
	_, err := Evaluate(ctx, map[string]any{"py": "1 == 1"}, nil)
	if err == nil {
		t.Fatal("expected py condition to always error")
	}
	if _, ok := err.(*ConditionError); !ok {
		t.Fatalf("expected *ConditionError, got %T", err)
	}
}

func TestEvaluateUnknownTypeErrors(t *testing.T) {
	ctx := context.Background()
	_, err := Evaluate(ctx, map[string]any{"bogus": nil}, nil)
	if err == nil {
		t.Fatal("expected error for unknown condition type")
	}
}

func TestEvaluateMappingRequiresExactlyOneKey(t *testing.T) {
	ctx := context.Background()
	_, err := Evaluate(ctx, map[string]any{"true": nil, "false": nil}, nil)
	if err == nil {
		t.Fatal("expected error for multi-key condition mapping")
	}
}

func TestEvaluateCmdReturnCode(t *testing.T) {
	ctx := context.Background()
	got, err := Evaluate(ctx, map[string]any{"cmd": "exit 0"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !got {
		t.Error("expected exit 0 to succeed")
	}

	got, err = Evaluate(ctx, map[string]any{"cmd 7": "exit 7"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !got {
		t.Error("expected exit 7 to match explicit retcode list")
	}

	got, err = Evaluate(ctx, map[string]any{"cmd": "exit 1"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got {
		t.Error("expected exit 1 to fail default [0] retcode check")
	}
}

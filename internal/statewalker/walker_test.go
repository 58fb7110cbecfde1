package statewalker

import (
	"context"
	"testing"

	"github.com/redpepper-go/fleet/internal/operations"
)

type fakeExecutor struct {
	changedFor map[string]bool
	failFor    map[string]bool
	calls      []string
}

func (f *fakeExecutor) Execute(_ context.Context, spec map[string]any) (*operations.Result, error) {
	name, _ := spec["type"].(string)
	f.calls = append(f.calls, name)
	result := operations.NewResult(name)
	if f.failFor[name] {
		result.Fail("boom")
		return result, nil
	}
	result.Changed = f.changedFor[name]
	return result, nil
}

func TestFlattenNamesLeavesByAncestorPath(t *testing.T) {
	tree := []any{
		map[string]any{
			"a": map[string]any{"type": "echo.Echo", "message": "x"},
		},
		map[string]any{
			"nested": []any{
				map[string]any{
					"b": map[string]any{"type": "echo.Echo", "message": "y"},
				},
			},
		},
	}
	tasks, err := Flatten(tree)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(tasks))
	}
	if tasks[0].Name != "a" {
		t.Errorf("tasks[0].Name = %q", tasks[0].Name)
	}
	if tasks[1].Name != "nested:b" {
		t.Errorf("tasks[1].Name = %q", tasks[1].Name)
	}
}

func TestRunBothLeavesRunAndConditionSeesChanged(t *testing.T) {
	tree := []any{
		map[string]any{
			"a": map[string]any{"type": "task-a"},
		},
		map[string]any{
			"b": map[string]any{"type": "task-b", "if": map[string]any{"changed": "a"}},
		},
	}
	exec := &fakeExecutor{changedFor: map[string]bool{"task-a": true}}
	result, err := Run(context.Background(), tree, exec, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(exec.calls) != 2 {
		t.Fatalf("expected both leaves to run, got calls=%v", exec.calls)
	}
	if !result.Succeeded {
		t.Errorf("expected overall success, got %+v", result)
	}
	if !result.Changed {
		t.Error("expected overall changed=true since task-a changed")
	}
}

func TestRunSkipsWhenConditionFalse(t *testing.T) {
	tree := []any{
		map[string]any{
			"a": map[string]any{"type": "task-a"}, // unchanged
		},
		map[string]any{
			"b": map[string]any{"type": "task-b", "if": map[string]any{"changed": "a"}},
		},
	}
	exec := &fakeExecutor{changedFor: map[string]bool{}}
	_, err := Run(context.Background(), tree, exec, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(exec.calls) != 1 {
		t.Fatalf("expected only task-a to run since a did not change, got calls=%v", exec.calls)
	}
}

func TestRunStopsOnFirstFailure(t *testing.T) {
	tree := []any{
		map[string]any{"a": map[string]any{"type": "task-a"}},
		map[string]any{"b": map[string]any{"type": "task-b"}},
		map[string]any{"c": map[string]any{"type": "task-c"}},
	}
	exec := &fakeExecutor{failFor: map[string]bool{"task-b": true}}
	result, err := Run(context.Background(), tree, exec, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(exec.calls) != 2 {
		t.Fatalf("expected traversal to stop after task-b fails, got calls=%v", exec.calls)
	}
	if result.Succeeded {
		t.Error("expected overall failure")
	}
}

func TestRunReportsProgressBracketing(t *testing.T) {
	tree := []any{
		map[string]any{"a": map[string]any{"type": "task-a"}},
	}
	exec := &fakeExecutor{}
	var progress [][2]int
	_, err := Run(context.Background(), tree, exec, func(current, total int, _ string) {
		progress = append(progress, [2]int{current, total})
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(progress) < 2 {
		t.Fatalf("expected at least a before/after progress report, got %v", progress)
	}
	if progress[0] != [2]int{0, 1} {
		t.Errorf("expected initial progress 0/1, got %v", progress[0])
	}
	last := progress[len(progress)-1]
	if last != [2]int{1, 1} {
		t.Errorf("expected final progress 1/1, got %v", last)
	}
}

// Package statewalker flattens a nested state tree into an ordered task
// list and drives its execution, per spec.md §4.4.
package statewalker

import (
	"context"
	"fmt"
	"strings"

	"github.com/redpepper-go/fleet/internal/operations"
)

// Task is one flattened leaf: an operation spec named by the ":"-joined
// path of its ancestor mapping keys.
type Task struct {
	Name string
	Spec map[string]any
}

// frame is one level of the explicit traversal stack: the ancestor path
// prefix and the list of sibling nodes still to visit at this level.
// Using an explicit stack of frames (rather than recursive closures) keeps
// traversal depth bounded only by heap, per spec.md §4.4's Design Notes.
type frame struct {
	prefix []string
	nodes  []any
	idx    int
}

// Flatten walks tree — a list of single-key mappings, where a value is
// either a nested list of further single-key mappings or a leaf operation
// spec (a mapping containing a "type" key) — producing an ordered Task
// list via pre-order traversal.
func Flatten(tree []any) ([]Task, error) {
	var tasks []Task
	stack := []*frame{{nodes: tree}}
	for len(stack) > 0 {
		top := stack[len(stack)-1]
		if top.idx >= len(top.nodes) {
			stack = stack[:len(stack)-1]
			continue
		}
		raw := top.nodes[top.idx]
		top.idx++

		node, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("state tree node must be a single-key mapping, got %T", raw)
		}
		if len(node) != 1 {
			return nil, fmt.Errorf("state tree node must have exactly one key, got %d", len(node))
		}
		for key, value := range node {
			path := make([]string, len(top.prefix)+1)
			copy(path, top.prefix)
			path[len(top.prefix)] = key

			switch v := value.(type) {
			case []any:
				stack = append(stack, &frame{prefix: path, nodes: v})
			case map[string]any:
				tasks = append(tasks, Task{Name: strings.Join(path, ":"), Spec: v})
			default:
				return nil, fmt.Errorf("state tree leaf %q must be a mapping, got %T", strings.Join(path, ":"), value)
			}
		}
	}
	return tasks, nil
}

// Executor runs one flattened Task's operation spec and returns its
// Result. The "if" key has already been evaluated by Run; implementations
// only need to build and Ensure the operation itself.
type Executor interface {
	Execute(ctx context.Context, spec map[string]any) (*operations.Result, error)
}

// ProgressFunc reports {current, total, message} after each task, per
// spec.md §4.4's command_progress Notification fields.
type ProgressFunc func(current, total int, message string)

// Run flattens tree, then executes each task in order: conditions are
// evaluated against the accumulating changed map (populated in insertion
// order, with every ancestor path prefix also marked changed=true whenever
// a leaf changes), execution stops at the first failing operation, and a
// combined Result is returned.
func Run(ctx context.Context, tree []any, exec Executor, onProgress ProgressFunc) (*operations.Result, error) {
	tasks, err := Flatten(tree)
	if err != nil {
		return nil, err
	}
	total := len(tasks)
	changed := make(map[string]bool, total)
	combined := operations.NewResult("state")

	for i, task := range tasks {
		if onProgress != nil {
			onProgress(i, total, task.Name)
		}

		spec := task.Spec
		ifClause, hasIf := spec["if"]
		if hasIf {
			stripped := make(map[string]any, len(spec)-1)
			for k, v := range spec {
				if k != "if" {
					stripped[k] = v
				}
			}
			spec = stripped
			ok, err := operations.Evaluate(ctx, ifClause, changed)
			if err != nil {
				combined.Fail(fmt.Sprintf("%s: condition error: %v", task.Name, err))
				if onProgress != nil {
					onProgress(total, total, "")
				}
				return combined, nil
			}
			if !ok {
				markChanged(changed, task.Name, false)
				continue
			}
		}

		result, err := exec.Execute(ctx, spec)
		if err != nil {
			combined.Fail(fmt.Sprintf("%s: %v", task.Name, err))
			if onProgress != nil {
				onProgress(total, total, "")
			}
			return combined, nil
		}
		markChanged(changed, task.Name, result.Changed)
		combined.Update(result, false)
		if !combined.Succeeded {
			if onProgress != nil {
				onProgress(total, total, "")
			}
			return combined, nil
		}
	}
	if onProgress != nil {
		onProgress(total, total, "")
	}
	return combined, nil
}

// markChanged records whether task changed, and — whenever it did —
// propagates changed=true to every ancestor path prefix, per spec.md
// §4.4's "mark all ancestor path prefixes as changed=true" rule.
func markChanged(changed map[string]bool, taskName string, did bool) {
	changed[taskName] = did
	if !did {
		return
	}
	segs := strings.Split(taskName, ":")
	for i := 1; i < len(segs); i++ {
		ancestor := strings.Join(segs[:i], ":")
		changed[ancestor] = true
	}
}

package operations

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// ConditionError is raised for a malformed or unsupported condition, such
// as the `py` type (§9 "py: condition" — omitted, always an error here).
type ConditionError struct {
	Reason string
}

func (e *ConditionError) Error() string { return e.Reason }

// Evaluate interprets an `if:` clause per spec.md §4.4's grammar. changed
// threads the state walker's task-name → changed map for `changed`
// conditions.
func Evaluate(ctx context.Context, cond any, changed map[string]bool) (bool, error) {
	switch v := cond.(type) {
	case nil:
		return true, nil
	case bool:
		return v, nil
	case string:
		switch strings.ToLower(v) {
		case "true":
			return true, nil
		case "false":
			return false, nil
		}
		return false, &ConditionError{Reason: fmt.Sprintf("invalid condition string %q", v)}
	case []any:
		for _, sub := range v {
			ok, err := Evaluate(ctx, sub, changed)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	case map[string]any:
		if len(v) != 1 {
			return false, &ConditionError{Reason: "condition mapping must have exactly one key"}
		}
		for key, payload := range v {
			return evaluateKeyed(ctx, key, payload, changed)
		}
	}
	return false, &ConditionError{Reason: fmt.Sprintf("unsupported condition value of type %T", cond)}
}

func evaluateKeyed(ctx context.Context, key string, payload any, changed map[string]bool) (bool, error) {
	negate := false
	rest := key
	if strings.HasPrefix(rest, "not ") {
		negate = true
		rest = strings.TrimPrefix(rest, "not ")
	}
	typ, arg, _ := strings.Cut(rest, " ")

	result, err := evaluateType(ctx, typ, arg, payload, changed)
	if err != nil {
		return false, err
	}
	if negate {
		return !result, nil
	}
	return result, nil
}

func evaluateType(ctx context.Context, typ, arg string, payload any, changed map[string]bool) (bool, error) {
	switch typ {
	case "true":
		return true, nil
	case "false":
		return false, nil
	case "all":
		list, ok := payload.([]any)
		if !ok {
			return false, &ConditionError{Reason: "\"all\" condition requires a list payload"}
		}
		for _, sub := range list {
			ok, err := Evaluate(ctx, sub, changed)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	case "any":
		list, ok := payload.([]any)
		if !ok {
			return false, &ConditionError{Reason: "\"any\" condition requires a list payload"}
		}
		for _, sub := range list {
			ok, err := Evaluate(ctx, sub, changed)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case "not":
		ok, err := Evaluate(ctx, payload, changed)
		if err != nil {
			return false, err
		}
		return !ok, nil
	case "py":
		return false, &ConditionError{Reason: "py conditions are not supported in this build"}
	case "cmd":
		command, ok := payload.(string)
		if !ok {
			return false, &ConditionError{Reason: "\"cmd\" condition requires a string payload"}
		}
		return evaluateCmd(ctx, command, arg)
	case "path":
		path, ok := payload.(string)
		if !ok {
			return false, &ConditionError{Reason: "\"path\" condition requires a string payload"}
		}
		return evaluatePath(arg, path)
	case "changed":
		return changedMatches(changed, arg), nil
	default:
		return false, &ConditionError{Reason: fmt.Sprintf("unknown condition type %q", typ)}
	}
}

func evaluateCmd(ctx context.Context, command, retcodesArg string) (bool, error) {
	wanted := []int{0}
	if retcodesArg != "" {
		wanted = wanted[:0]
		for _, s := range strings.Split(retcodesArg, ",") {
			n, err := strconv.Atoi(strings.TrimSpace(s))
			if err != nil {
				return false, &ConditionError{Reason: fmt.Sprintf("invalid return code %q", s)}
			}
			wanted = append(wanted, n)
		}
	}
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	err := cmd.Run()
	code := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		code = exitErr.ExitCode()
	} else if err != nil {
		return false, err
	}
	for _, w := range wanted {
		if w == code {
			return true, nil
		}
	}
	return false, nil
}

func evaluatePath(verb, path string) (bool, error) {
	info, err := os.Lstat(path)
	switch verb {
	case "exists":
		if err != nil {
			return false, nil
		}
		if info.Mode()&os.ModeSymlink != 0 {
			_, statErr := os.Stat(path)
			return statErr == nil, nil
		}
		return true, nil
	case "isfile":
		if err != nil {
			return false, nil
		}
		st, statErr := os.Stat(path)
		return statErr == nil && st.Mode().IsRegular(), nil
	case "isdir":
		if err != nil {
			return false, nil
		}
		st, statErr := os.Stat(path)
		return statErr == nil && st.IsDir(), nil
	case "islink":
		return err == nil && info.Mode()&os.ModeSymlink != 0, nil
	default:
		return false, &ConditionError{Reason: fmt.Sprintf("unknown path verb %q", verb)}
	}
}

// changedMatches reports whether taskName has a changed=true entry,
// matching either exactly or as a ":"-joined ancestor-path suffix, per
// spec.md §4.4.
func changedMatches(changed map[string]bool, taskName string) bool {
	for name, v := range changed {
		if !v {
			continue
		}
		if name == taskName || strings.HasSuffix(name, ":"+taskName) {
			return true
		}
	}
	return false
}

package operations

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"os/user"
	"strconv"
	"strings"
	"syscall"
)

// Run executes a shell command, grounded on the source's command.Run: it
// always reports changed, captures stdout/stderr, and fails on a nonzero
// exit code.
type Run struct {
	BaseOperation
	Command string
	User     string
	Group    string
	Cwd      string
	Env      map[string]string
}

// RegisterCommand registers the "cmd" module's operations.
func RegisterCommand(r *Registry) {
	r.Register("cmd", "Run", newRun)
}

func newRun(args []any, kwargs map[string]any) (Operation, error) {
	op := &Run{}
	v, ok := argOrKwarg(args, kwargs, 0, "command")
	if !ok {
		return nil, &OperationFailure{Reason: "cmd.Run: command is required"}
	}
	s, ok := v.(string)
	if !ok {
		return nil, &OperationFailure{Reason: "cmd.Run: command must be a string"}
	}
	op.Command = s
	if u, ok := kwargs["user"].(string); ok {
		op.User = u
	}
	if g, ok := kwargs["group"].(string); ok {
		op.Group = g
	}
	if c, ok := kwargs["cwd"].(string); ok {
		op.Cwd = c
	}
	if e, ok := kwargs["env"].(map[string]any); ok {
		op.Env = make(map[string]string, len(e))
		for k, vv := range e {
			op.Env[k] = fmt.Sprintf("%v", vv)
		}
	}
	return op, nil
}

func (r *Run) String() string {
	suffix := ""
	if r.User != "" {
		suffix = " as " + r.User
	}
	return fmt.Sprintf("cmd.Run(%q%s)", r.Command, suffix)
}

func (c *Run) Run(ctx context.Context, _ Context) (*Result, error) {
	result := NewResult(c.String())
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", c.Command)
	if c.Cwd != "" {
		cmd.Dir = c.Cwd
	}
	if c.Env != nil {
		cmd.Env = mergeEnv(c.Env)
	}
	if c.User != "" {
		cred, err := credentialFor(c.User, c.Group)
		if err != nil {
			result.Fail(err.Error())
			return result, nil
		}
		cmd.SysProcAttr = &syscall.SysProcAttr{Credential: cred}
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if stdout.Len() > 0 {
		result.AddOutput(strings.TrimRight(stdout.String(), "\n"))
	}
	if stderr.Len() > 0 {
		result.AddOutput("Stderr:\n" + strings.TrimRight(stderr.String(), "\n"))
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		result.Fail(fmt.Sprintf("Command failed with return code %d", exitErr.ExitCode()))
	} else if err != nil {
		result.Fail(err.Error())
	}
	result.Changed = true
	return result, nil
}

func mergeEnv(extra map[string]string) []string {
	env := make([]string, 0, len(extra))
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

func credentialFor(username, group string) (*syscall.Credential, error) {
	u, err := user.Lookup(username)
	if err != nil {
		return nil, fmt.Errorf("lookup user %q: %w", username, err)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return nil, err
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return nil, err
	}
	if group != "" {
		g, err := user.LookupGroup(group)
		if err != nil {
			return nil, fmt.Errorf("lookup group %q: %w", group, err)
		}
		gid, err = strconv.Atoi(g.Gid)
		if err != nil {
			return nil, err
		}
	}
	return &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)}, nil
}

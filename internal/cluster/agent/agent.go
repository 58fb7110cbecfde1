// Package agent implements the Agent side of the fleet protocol: TLS
// connection to the Manager, the hello/auth handshake, the reconnect loop
// with exponential backoff, and the command RPC runtime (§4.2, §4.4).
package agent

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redpepper-go/fleet/internal/cluster"
	"github.com/redpepper-go/fleet/internal/operations"
	"github.com/redpepper-go/fleet/internal/protocol"
	"github.com/redpepper-go/fleet/internal/rpc"
	"github.com/redpepper-go/fleet/internal/statewalker"
	"github.com/redpepper-go/fleet/internal/transport"
)

// Config holds the parameters needed to dial and authenticate to a
// Manager, per spec.md §6.
type Config struct {
	ManagerAddr              string
	AgentID                  string
	AgentSecret              string
	TLSConfig                *tls.Config
	HelloTimeout             time.Duration
	PingInterval             time.Duration
	PingTimeout              time.Duration
	DataRequestTimeout       time.Duration
	OperationModulesCacheDir string
	MaxMessageSize           uint32
}

// Agent connects to a Manager and executes commands it receives, per
// spec.md §4.2/§4.4.
type Agent struct {
	cfg      Config
	logger   *slog.Logger
	registry *operations.Registry

	mu        sync.RWMutex
	conn      *transport.Conn
	rpcLayer  *rpc.RPC
	connected bool
}

// New creates an Agent. Call Run to start the reconnect loop.
func New(cfg Config, logger *slog.Logger) *Agent {
	if cfg.OperationModulesCacheDir == "" {
		cfg.OperationModulesCacheDir = "."
	}
	return &Agent{
		cfg:      cfg,
		logger:   logger,
		registry: operations.NewDefaultRegistry(),
	}
}

// AgentID implements operations.Context.
func (a *Agent) AgentID() string { return a.cfg.AgentID }

// Call implements operations.Context by forwarding to the active RPC
// layer's Call.
func (a *Agent) Call(ctx context.Context, method string, args []any, kwargs map[string]any) (any, error) {
	a.mu.RLock()
	r := a.rpcLayer
	a.mu.RUnlock()
	if r == nil {
		return nil, fmt.Errorf("not connected to manager")
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && a.cfg.DataRequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.DataRequestTimeout)
		defer cancel()
	}
	return r.Call(ctx, method, args, kwargs)
}

// Connected reports whether the Agent currently has an established
// connection to the Manager.
func (a *Agent) Connected() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.connected
}

// Run dials the Manager and reconnects with exponential backoff (initial
// 1s, doubling, capped at 64s, reset to 1s after a successful connection)
// until ctx is cancelled, per spec.md §4.2.
func (a *Agent) Run(ctx context.Context) error {
	bo := newBackoff()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		start := time.Now()
		err := a.runSession(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		a.mu.Lock()
		a.connected = false
		a.mu.Unlock()

		if time.Since(start) > time.Minute {
			bo.reset()
		}

		wait := bo.next()
		if a.logger != nil {
			a.logger.Warn("session ended, reconnecting", "error", err, "backoff", wait)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// runSession performs one connect-handshake-serve cycle, returning when
// the connection closes for any reason.
func (a *Agent) runSession(ctx context.Context) error {
	nc, err := tls.Dial("tcp", a.cfg.ManagerAddr, a.cfg.TLSConfig)
	if err != nil {
		return fmt.Errorf("dial manager: %w", err)
	}

	handshakeCtx, cancel := context.WithTimeout(ctx, helloTimeoutOrDefault(a.cfg.HelloTimeout))
	defer cancel()

	if err := protocol.Encode(nc, &protocol.AgentHello{
		ID:          a.cfg.AgentID,
		Version:     cluster.ProtocolVersion,
		Credentials: a.cfg.AgentSecret,
	}); err != nil {
		nc.Close()
		return fmt.Errorf("send agent hello: %w", err)
	}

	type helloResult struct {
		hello *protocol.ManagerHello
		err   error
	}
	helloCh := make(chan helloResult, 1)
	go func() {
		m, err := protocol.ReadMessage(nc, maxMessageSizeOrDefault(a.cfg.MaxMessageSize))
		if err != nil {
			helloCh <- helloResult{err: err}
			return
		}
		mh, ok := m.(*protocol.ManagerHello)
		if !ok {
			helloCh <- helloResult{err: fmt.Errorf("expected ManagerHello, got %T", m)}
			return
		}
		helloCh <- helloResult{hello: mh}
	}()

	var mh *protocol.ManagerHello
	select {
	case <-handshakeCtx.Done():
		nc.Close()
		return fmt.Errorf("hello handshake timed out")
	case res := <-helloCh:
		if res.err != nil {
			nc.Close()
			return fmt.Errorf("hello handshake failed: %w", res.err)
		}
		mh = res.hello
	}

	compatible, minorMismatch := cluster.CompatibleVersion(cluster.ProtocolVersion, mh.Version)
	if !compatible {
		nc.Close()
		return fmt.Errorf("incompatible protocol version: manager=%s agent=%s", mh.Version, cluster.ProtocolVersion)
	}
	if minorMismatch && a.logger != nil {
		a.logger.Warn("protocol minor version mismatch", "manager", mh.Version, "agent", cluster.ProtocolVersion)
	}

	r := rpc.New(ctx, nil, a.logger, true)
	conn := transport.New(nc, r, transport.Options{
		MaxMessageSize: maxMessageSizeOrDefault(a.cfg.MaxMessageSize),
		PingInterval:   a.cfg.PingInterval,
		PingTimeout:    a.cfg.PingTimeout,
		Logger:         a.logger,
	})
	r.SetSender(conn)
	r.SetHandler("command", a.handleCommand)

	a.mu.Lock()
	a.conn = conn
	a.rpcLayer = r
	a.connected = true
	a.mu.Unlock()

	if a.logger != nil {
		a.logger.Info("connected to manager", "addr", a.cfg.ManagerAddr)
	}

	err = conn.Run(ctx)
	r.Close()

	a.mu.Lock()
	a.conn = nil
	a.rpcLayer = nil
	a.connected = false
	a.mu.Unlock()
	return err
}

func helloTimeoutOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return 10 * time.Second
	}
	return d
}

func maxMessageSizeOrDefault(n uint32) uint32 {
	if n == 0 {
		return protocol.DefaultMaxMessageSize
	}
	return n
}

// handleCommand implements the single Agent RPC method per §4.4: it
// schedules execution in a background goroutine and returns immediately,
// reporting progress and the final result via Notifications.
func (a *Agent) handleCommand(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	if len(args) < 2 {
		return nil, fmt.Errorf("command requires id and cmdtype arguments")
	}
	commandID, ok := args[0].(string)
	if !ok {
		return nil, fmt.Errorf("command id must be a string")
	}
	cmdtype, ok := args[1].(string)
	if !ok {
		return nil, fmt.Errorf("command cmdtype must be a string")
	}
	var rest []any
	if len(args) > 2 {
		rest = args[2:]
	}

	go a.runCommand(commandID, cmdtype, rest, kwargs)
	return true, nil
}

func (a *Agent) runCommand(commandID, cmdtype string, args []any, kwargs map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			a.notifyResult(commandID, false, false, fmt.Sprintf("command panicked: %v", r))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	if cmdtype == "state" {
		a.runState(ctx, commandID, args, kwargs)
		return
	}
	a.runSingleOperation(ctx, commandID, cmdtype, args, kwargs)
}

func (a *Agent) runSingleOperation(ctx context.Context, commandID, cmdtype string, args []any, kwargs map[string]any) {
	a.notifyProgress(commandID, 0, 1, cmdtype)

	kw := copyKwargs(kwargs)
	ifClause, hasIf := kw["if"]
	if hasIf {
		delete(kw, "if")
	}
	if hasIf {
		ok, err := operations.Evaluate(ctx, ifClause, nil)
		if err != nil {
			a.notifyResult(commandID, false, false, err.Error())
			return
		}
		if !ok {
			a.notifyResult(commandID, true, false, "condition was false, skipped")
			a.notifyProgress(commandID, 1, 1, cmdtype)
			return
		}
	}

	op, err := operations.Load(ctx, a.registry, a, a.cfg.OperationModulesCacheDir, cmdtype, args, kw)
	if err != nil {
		a.notifyResult(commandID, false, false, err.Error())
		a.notifyProgress(commandID, 1, 1, cmdtype)
		return
	}
	result, err := operations.Ensure(ctx, a, op)
	a.notifyProgress(commandID, 1, 1, cmdtype)
	if err != nil {
		a.notifyResult(commandID, false, false, err.Error())
		return
	}
	a.notifyResult(commandID, result.Succeeded, result.Changed, result.Output)
}

func (a *Agent) runState(ctx context.Context, commandID string, args []any, kwargs map[string]any) {
	var stateName string
	if len(args) > 0 {
		if s, ok := args[0].(string); ok {
			stateName = s
		}
	}

	raw, err := a.Call(ctx, "custom", []any{"stateDefinition", stateName}, nil)
	if err != nil {
		a.notifyResult(commandID, false, false, fmt.Sprintf("failed to fetch state definition: %v", err))
		return
	}
	tree, ok := raw.([]any)
	if !ok {
		a.notifyResult(commandID, false, false, fmt.Sprintf("unexpected state definition shape %T", raw))
		return
	}

	exec := &stateExecutor{agent: a}
	result, err := statewalker.Run(ctx, tree, exec, func(current, total int, message string) {
		a.notifyProgress(commandID, current, total, message)
	})
	if err != nil {
		a.notifyResult(commandID, false, false, err.Error())
		return
	}
	a.notifyResult(commandID, result.Succeeded, result.Changed, result.Output)
}

// stateExecutor adapts Agent into a statewalker.Executor.
type stateExecutor struct {
	agent *Agent
}

func (e *stateExecutor) Execute(ctx context.Context, spec map[string]any) (*operations.Result, error) {
	cmdtype, _ := spec["type"].(string)
	args, _ := spec["args"].([]any)
	kw := make(map[string]any, len(spec))
	for k, v := range spec {
		if k == "type" || k == "args" {
			continue
		}
		kw[k] = v
	}
	op, err := operations.Load(ctx, e.agent.registry, e.agent, e.agent.cfg.OperationModulesCacheDir, cmdtype, args, kw)
	if err != nil {
		result := operations.NewResult(cmdtype)
		result.Fail(err.Error())
		return result, nil
	}
	return operations.Ensure(ctx, e.agent, op)
}

func copyKwargs(kwargs map[string]any) map[string]any {
	out := make(map[string]any, len(kwargs))
	for k, v := range kwargs {
		out[k] = v
	}
	return out
}

func (a *Agent) notifyProgress(commandID string, current, total int, message string) {
	a.mu.RLock()
	r := a.rpcLayer
	a.mu.RUnlock()
	if r == nil {
		return
	}
	_ = r.Notify(context.Background(), "command_progress", map[string]any{
		"command_id": commandID,
		"current":    current,
		"total":      total,
		"message":    message,
	})
}

func (a *Agent) notifyResult(commandID string, success, changed bool, output string) {
	a.mu.RLock()
	r := a.rpcLayer
	a.mu.RUnlock()
	if r == nil {
		return
	}
	_ = r.Notify(context.Background(), "command_result", map[string]any{
		"id":      commandID,
		"success": success,
		"changed": changed,
		"output":  output,
	})
}

// backoff implements the reconnect delay schedule of spec.md §4.2: 1s,
// 2s, 4s, ..., capped at 64s.
type backoff struct {
	attempt int
}

func newBackoff() *backoff { return &backoff{} }

func (b *backoff) next() time.Duration {
	shift := b.attempt
	if shift > 6 {
		shift = 6
	}
	delay := time.Second << uint(shift)
	b.attempt++
	return delay
}

func (b *backoff) reset() { b.attempt = 0 }

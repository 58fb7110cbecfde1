// Package server implements the Manager side of the fleet protocol: TLS
// listener, the per-connection AgentHello/auth handshake (§4.2), the live
// connection registry, command dispatch and result bookkeeping (§4.5),
// and the custom-request dispatcher (§4.6).
package server

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/redpepper-go/fleet/internal/cluster"
	"github.com/redpepper-go/fleet/internal/events"
	"github.com/redpepper-go/fleet/internal/metrics"
	"github.com/redpepper-go/fleet/internal/protocol"
	"github.com/redpepper-go/fleet/internal/rpc"
	"github.com/redpepper-go/fleet/internal/transport"
)

// AgentStore is the subset of *data.Manager the server needs to
// authenticate an Agent, declared here (not in internal/data) so the two
// packages stay decoupled, mirroring the teacher's ClusterStore pattern.
type AgentStore interface {
	AgentEntry(agentID string) (*cluster.AgentEntry, error)
}

// CommandLog records command lifecycle events, implemented by
// internal/commandlog's bbolt-backed store.
type CommandLog interface {
	CommandStarted(id, agentID, cmdtype string, args []any, kwargs map[string]any, startedAt time.Time) error
	CommandProgress(id string, current, total int, message string) error
	CommandResult(id string, success, changed bool, output string) error
}

// CommandOutcome is the terminal state of a dispatched command, delivered
// to an AwaitCommandResult waiter.
type CommandOutcome struct {
	Success bool
	Changed bool
	Output  string
}

// Config configures a Server.
type Config struct {
	ListenAddr          string
	TLSConfig           *tls.Config
	HelloTimeout        time.Duration
	PingInterval        time.Duration
	PingTimeout         time.Duration
	MaxMessageSize      uint32
	AwaitCommandTimeout time.Duration
}

// Server accepts Agent connections, authenticates them, and dispatches
// commands and custom requests over the established RPC layer.
type Server struct {
	cfg      Config
	store    AgentStore
	cmdLog   CommandLog
	bus      *events.Bus
	requests *RequestRegistry
	dataDeps DataStore
	logger   *slog.Logger

	listener net.Listener

	mu    sync.RWMutex
	conns map[string]*agentConn

	waitersMu  sync.Mutex
	waiters    map[string]*rpc.Slot[*CommandOutcome]
	dispatched map[string]time.Time
}

type agentConn struct {
	agentID string
	conn    *transport.Conn
	rpc     *rpc.RPC
}

// New creates a Server. Call Serve to accept connections.
func New(cfg Config, store AgentStore, dataDeps DataStore, cmdLog CommandLog, bus *events.Bus, logger *slog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		store:    store,
		dataDeps: dataDeps,
		cmdLog:   cmdLog,
		bus:      bus,
		requests: NewRequestRegistry(),
		logger:   logger,
		conns:      make(map[string]*agentConn),
		waiters:    make(map[string]*rpc.Slot[*CommandOutcome]),
		dispatched: make(map[string]time.Time),
	}
}

// Serve listens on cfg.ListenAddr and accepts Agent connections until ctx
// is cancelled or the listener fails.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.ListenAddr, err)
	}
	s.listener = tls.NewListener(ln, s.cfg.TLSConfig)

	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	if s.logger != nil {
		s.logger.Info("manager listening for agents", "addr", s.cfg.ListenAddr)
	}

	for {
		nc, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		go s.handleConn(ctx, nc)
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

func (s *Server) handleConn(ctx context.Context, nc net.Conn) {
	tlsConn, ok := nc.(*tls.Conn)
	if !ok {
		nc.Close()
		return
	}

	hello, ok := s.awaitAgentHello(ctx, tlsConn)
	if !ok {
		tlsConn.Close()
		return
	}

	remoteIP := hostIP(tlsConn.RemoteAddr())
	entry, authErr := s.authenticate(hello, remoteIP)
	if authErr != nil {
		s.bus.Publish(events.Event{Type: events.AuthFailure, Fields: map[string]any{
			"agent_id":    hello.ID,
			"ip":          remoteIP,
			"secret_hash": entrySecretHashOrEmpty(entry),
			"reason":      authErr.Error(),
		}})
		if s.logger != nil {
			s.logger.Warn("agent authentication failed", "agent_id", hello.ID, "ip", remoteIP, "error", authErr)
		}
		_ = protocol.Encode(tlsConn, &protocol.Bye{Reason: "authentication failed"})
		tlsConn.Close()
		return
	}

	if err := protocol.Encode(tlsConn, &protocol.ManagerHello{Version: cluster.ProtocolVersion}); err != nil {
		tlsConn.Close()
		return
	}
	s.bus.Publish(events.Event{Type: events.AuthSuccess, Fields: map[string]any{"agent_id": hello.ID, "ip": remoteIP}})

	s.runEstablished(ctx, tlsConn, hello.ID)
}

// awaitAgentHello reads exactly one AgentHello within hello_timeout.
func (s *Server) awaitAgentHello(ctx context.Context, nc *tls.Conn) (*protocol.AgentHello, bool) {
	type result struct {
		hello *protocol.AgentHello
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		m, err := protocol.ReadMessage(nc, maxMessageSizeOrDefault(s.cfg.MaxMessageSize))
		if err != nil {
			ch <- result{err: err}
			return
		}
		hello, ok := m.(*protocol.AgentHello)
		if !ok {
			ch <- result{err: fmt.Errorf("expected AgentHello, got %T", m)}
			return
		}
		ch <- result{hello: hello}
	}()

	timeoutCtx, cancel := context.WithTimeout(ctx, helloTimeoutOrDefault(s.cfg.HelloTimeout))
	defer cancel()
	select {
	case <-timeoutCtx.Done():
		if s.logger != nil {
			s.logger.Warn("agent hello timed out")
		}
		return nil, false
	case res := <-ch:
		if res.err != nil {
			if s.logger != nil {
				s.logger.Warn("agent hello failed", "error", res.err)
			}
			return nil, false
		}
		return res.hello, true
	}
}

// authenticate implements §4.2's Manager-side checks: agent lookup, CIDR
// membership, constant-time secret comparison.
func (s *Server) authenticate(hello *protocol.AgentHello, remoteIP string) (*cluster.AgentEntry, error) {
	if !cluster.ValidAgentID(hello.ID) {
		return nil, fmt.Errorf("malformed agent id %q", hello.ID)
	}
	entry, err := s.store.AgentEntry(hello.ID)
	if err != nil {
		return nil, fmt.Errorf("unknown agent %q: %w", hello.ID, err)
	}
	if !ipAllowed(remoteIP, entry.AllowedIPs) {
		return entry, fmt.Errorf("source ip %s not in allowed_ips", remoteIP)
	}
	sum := sha256.Sum256([]byte(hello.Credentials))
	computed := hex.EncodeToString(sum[:])
	if !constantTimeEqualHex(computed, entry.SecretHash) {
		return entry, fmt.Errorf("credential mismatch")
	}
	return entry, nil
}

func constantTimeEqualHex(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// ipAllowed reports whether ip is contained in at least one CIDR of
// allowed. An empty allowed list, like a non-matching one, denies — the
// spec requires explicit membership, not an implicit allow-all default.
func ipAllowed(ip string, allowed []string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, cidr := range allowed {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			continue
		}
		if network.Contains(parsed) {
			return true
		}
	}
	return false
}

func hostIP(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

func entrySecretHashOrEmpty(entry *cluster.AgentEntry) string {
	if entry == nil {
		return ""
	}
	return entry.SecretHash
}

// runEstablished wires the RPC layer over the now-authenticated
// connection, registers it, and blocks until the connection closes.
func (s *Server) runEstablished(ctx context.Context, nc *tls.Conn, agentID string) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	r := rpc.New(connCtx, nil, s.logger, false)
	conn := transport.New(nc, r, transport.Options{
		MaxMessageSize: maxMessageSizeOrDefault(s.cfg.MaxMessageSize),
		PingInterval:   s.cfg.PingInterval,
		PingTimeout:    s.cfg.PingTimeout,
		Logger:         s.logger,
	})
	r.SetSender(conn)

	ac := &agentConn{agentID: agentID, conn: conn, rpc: r}
	r.SetHandler("custom", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		return s.handleCustomRequest(ctx, agentID, args, kwargs)
	})
	r.SetNotificationHandler("command_progress", func(data any) { s.handleCommandProgress(agentID, data) })
	r.SetNotificationHandler("command_result", func(data any) { s.handleCommandResult(agentID, data) })

	s.mu.Lock()
	if old, ok := s.conns[agentID]; ok {
		if s.logger != nil {
			s.logger.Warn("replacing stale connection for agent", "agent_id", agentID)
		}
		old.conn.Close()
	}
	s.conns[agentID] = ac
	s.mu.Unlock()
	metrics.AgentsConnected.Inc()

	s.bus.Publish(events.Event{Type: events.Connected, Fields: map[string]any{"agent_id": agentID}})
	if s.logger != nil {
		s.logger.Info("agent connected", "agent_id", agentID)
	}

	err := conn.Run(connCtx)
	r.Close()

	s.mu.Lock()
	if cur, ok := s.conns[agentID]; ok && cur == ac {
		delete(s.conns, agentID)
	}
	s.mu.Unlock()
	metrics.AgentsConnected.Dec()

	s.bus.Publish(events.Event{Type: events.Disconnected, Fields: map[string]any{"agent_id": agentID, "error": errString(err)}})
	if s.logger != nil {
		s.logger.Info("agent disconnected", "agent_id", agentID, "error", err)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (s *Server) handleCustomRequest(ctx context.Context, agentID string, args []any, kwargs map[string]any) (any, error) {
	if len(args) == 0 {
		return nil, &protocol.RequestError{Reason: "custom request requires a name argument"}
	}
	name, ok := args[0].(string)
	if !ok {
		return nil, &protocol.RequestError{Reason: "custom request name must be a string"}
	}
	return s.requests.Dispatch(ctx, s.dataDeps, agentID, name, args[1:], kwargs)
}

// SendCommand implements §4.5's send_command: looks up the live
// connection, generates a command id, records it, publishes a "command"
// event, and awaits the Agent's transport-level acknowledgment. Returns
// ("", nil) — the spec's "null" — if the agent is not connected.
func (s *Server) SendCommand(ctx context.Context, agentID, cmdtype string, args []any, kwargs map[string]any) (string, error) {
	s.mu.RLock()
	ac, ok := s.conns[agentID]
	s.mu.RUnlock()
	if !ok {
		return "", nil
	}

	id, err := randomHex()
	if err != nil {
		return "", fmt.Errorf("generate command id: %w", err)
	}

	if s.cmdLog != nil {
		if err := s.cmdLog.CommandStarted(id, agentID, cmdtype, args, kwargs, time.Now()); err != nil && s.logger != nil {
			s.logger.Warn("failed to record command start", "id", id, "error", err)
		}
	}
	s.bus.Publish(events.Event{Type: events.Command, Fields: map[string]any{
		"id": id, "agent_id": agentID, "cmdtype": cmdtype,
	}})

	s.waitersMu.Lock()
	s.dispatched[id] = time.Now()
	s.waitersMu.Unlock()

	reqArgs := append([]any{id, cmdtype}, args...)
	if _, err := ac.rpc.Call(ctx, "command", reqArgs, kwargs); err != nil {
		return "", fmt.Errorf("send command to %s: %w", agentID, err)
	}
	return id, nil
}

// AwaitCommandResult blocks for a command_result Notification matching id,
// bounded by ctx's deadline or a default of 10 minutes.
func (s *Server) AwaitCommandResult(ctx context.Context, id string) (*CommandOutcome, error) {
	slot := rpc.NewSlot[*CommandOutcome]()
	s.waitersMu.Lock()
	s.waiters[id] = slot
	s.waitersMu.Unlock()
	defer func() {
		s.waitersMu.Lock()
		delete(s.waiters, id)
		s.waitersMu.Unlock()
	}()

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		timeout := s.cfg.AwaitCommandTimeout
		if timeout <= 0 {
			timeout = 10 * time.Minute
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return slot.Get(ctx)
}

// handleCommandProgress updates the command log and republishes the
// command_progress Notification as an event.
func (s *Server) handleCommandProgress(agentID string, data any) {
	m, ok := data.(map[string]any)
	if !ok {
		return
	}
	id, _ := m["command_id"].(string)
	current, _ := numericInt(m["current"])
	total, _ := numericInt(m["total"])
	message, _ := m["message"].(string)

	if s.cmdLog != nil && id != "" {
		if err := s.cmdLog.CommandProgress(id, current, total, message); err != nil && s.logger != nil {
			s.logger.Warn("failed to record command progress", "id", id, "error", err)
		}
	}
	s.bus.Publish(events.Event{Type: events.CommandProgress, Fields: map[string]any{
		"id": id, "agent_id": agentID, "current": current, "total": total, "message": message,
	}})
}

// handleCommandResult updates the command log, republishes as an event,
// and fulfills an AwaitCommandResult waiter if one is registered. Per the
// Open Question resolution in SPEC_FULL.md §4.5, an absent waiter is not
// an error: the log update and event publish still happen unconditionally.
func (s *Server) handleCommandResult(agentID string, data any) {
	m, ok := data.(map[string]any)
	if !ok {
		return
	}
	id, _ := m["id"].(string)
	success, _ := m["success"].(bool)
	changed, _ := m["changed"].(bool)
	output, _ := m["output"].(string)

	if s.cmdLog != nil && id != "" {
		if err := s.cmdLog.CommandResult(id, success, changed, output); err != nil && s.logger != nil {
			s.logger.Warn("failed to record command result", "id", id, "error", err)
		}
	}
	s.bus.Publish(events.Event{Type: events.CommandResult, Fields: map[string]any{
		"id": id, "agent_id": agentID, "success": success, "changed": changed, "output": output,
	}})

	status := "failed"
	if success {
		status = "success"
	}
	metrics.CommandsTotal.WithLabelValues(status).Inc()

	s.waitersMu.Lock()
	slot, hasWaiter := s.waiters[id]
	dispatchedAt, hasStart := s.dispatched[id]
	delete(s.dispatched, id)
	s.waitersMu.Unlock()
	if hasStart {
		metrics.CommandDuration.Observe(time.Since(dispatchedAt).Seconds())
	}
	if hasWaiter {
		slot.Set(&CommandOutcome{Success: success, Changed: changed, Output: output})
	}
}

// ConnectedAgents returns the ids of currently-connected agents.
func (s *Server) ConnectedAgents() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.conns))
	for id := range s.conns {
		ids = append(ids, id)
	}
	return ids
}

// Connected reports whether agentID currently has a live connection.
func (s *Server) Connected(agentID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.conns[agentID]
	return ok
}

func numericInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	default:
		return 0, false
	}
}

func randomHex() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf[:]), nil
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


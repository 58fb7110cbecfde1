package rpc

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redpepper-go/fleet/internal/metrics"
	"github.com/redpepper-go/fleet/internal/protocol"
)

// Sender is the subset of the transport/connection the RPC layer needs to
// emit messages. Defined as an interface so internal/rpc has no direct
// dependency on internal/transport or internal/cluster, matching the
// teacher's dependency-injection-by-interface house style.
type Sender interface {
	Send(ctx context.Context, m protocol.Message) error
}

// HandlerFunc answers a Request. An error return that is *not* an
// *protocol.RequestError/*protocol.RPCError is treated as an InternalError
// and its exposure to the peer is governed by RPC.exposeErrorInfo.
type HandlerFunc func(ctx context.Context, args []any, kwargs map[string]any) (any, error)

// NotificationHandlerFunc handles a one-way Notification of a given type.
type NotificationHandlerFunc func(data any)

// DefaultCallTimeout bounds RPC.Call when the caller's context carries no
// deadline of its own.
const DefaultCallTimeout = 30 * time.Second

// RPC layers request/response correlation and method dispatch over a
// Sender. One RPC instance is created per connection (§4.3).
type RPC struct {
	sender          Sender
	logger          *slog.Logger
	exposeErrorInfo bool

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	pending       map[string]*Slot[*protocol.Response]
	handlers      map[string]HandlerFunc
	notifHandlers map[string]NotificationHandlerFunc
}

// New creates an RPC bound to sender. exposeErrorInfo controls whether
// unexpected handler errors are reported to the peer verbatim (true, the
// Agent's policy toward the Manager) or masked as "RPC call failed" (false,
// the Manager's default policy toward Agents), per §7.
func New(ctx context.Context, sender Sender, logger *slog.Logger, exposeErrorInfo bool) *RPC {
	ctx, cancel := context.WithCancel(ctx)
	return &RPC{
		sender:          sender,
		logger:          logger,
		exposeErrorInfo: exposeErrorInfo,
		ctx:             ctx,
		cancel:          cancel,
		pending:         make(map[string]*Slot[*protocol.Response]),
		handlers:        make(map[string]HandlerFunc),
		notifHandlers:   make(map[string]NotificationHandlerFunc),
	}
}

// SetSender binds (or rebinds) the Sender used to emit Requests,
// Responses, and Notifications. Needed because the transport.Conn and the
// RPC each depend on the other (the Conn needs a Handler, the RPC needs a
// Sender) — callers construct the RPC with a nil sender, build the Conn
// around it, then SetSender(conn) before traffic flows.
func (r *RPC) SetSender(sender Sender) {
	r.mu.Lock()
	r.sender = sender
	r.mu.Unlock()
}

// SetHandler registers fn as the handler for Requests with the given
// method name.
func (r *RPC) SetHandler(method string, fn HandlerFunc) {
	r.mu.Lock()
	r.handlers[method] = fn
	r.mu.Unlock()
}

// SetNotificationHandler registers fn as the handler for Notifications of
// the given type.
func (r *RPC) SetNotificationHandler(typ string, fn NotificationHandlerFunc) {
	r.mu.Lock()
	r.notifHandlers[typ] = fn
	r.mu.Unlock()
}

// Call sends a Request and awaits its correlated Response, bounded by
// ctx's deadline (or DefaultCallTimeout if ctx carries none). A
// success=false Response yields an *protocol.RPCError carrying the
// response's Data.
func (r *RPC) Call(ctx context.Context, method string, args []any, kwargs map[string]any) (any, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultCallTimeout)
		defer cancel()
	}
	// Also unblock this call if the connection closes out from under it
	// (RPC.Close cancels r.ctx), per §4.3 "Closing the connection cancels
	// all outstanding Slots."
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-r.ctx.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	id, err := newRequestID()
	if err != nil {
		return nil, fmt.Errorf("generate request id: %w", err)
	}
	slot := NewSlot[*protocol.Response]()

	r.mu.Lock()
	r.pending[id] = slot
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.pending, id)
		r.mu.Unlock()
	}()

	start := time.Now()
	req := &protocol.Request{ID: id, Method: method, Args: args, Kwargs: kwargs}
	if err := r.sender.Send(ctx, req); err != nil {
		return nil, fmt.Errorf("send request %s: %w", method, err)
	}

	resp, err := slot.Get(ctx)
	metrics.RPCCallDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("await response for %s: %w", method, err)
	}
	if !resp.Success {
		return nil, &protocol.RPCError{Data: resp.Data}
	}
	return resp.Data, nil
}

// HandleMessage dispatches an incoming Request, Response, or Notification.
// It never blocks the caller (typically the transport's single reader)
// beyond dispatch: Request/Notification handling runs in its own
// panic-recovering goroutine.
func (r *RPC) HandleMessage(m protocol.Message) {
	switch v := m.(type) {
	case *protocol.Request:
		go r.safeHandleRequest(v)
	case *protocol.Response:
		r.mu.Lock()
		slot, ok := r.pending[v.ID]
		r.mu.Unlock()
		if !ok {
			// No waiter for this id: the command-result "no waiter" open
			// question (spec.md §9) resolves to "drop" — log and discard.
			if r.logger != nil {
				r.logger.Warn("rpc response for unknown request id, dropping", slog.String("id", v.ID))
			}
			return
		}
		slot.Set(v)
	case *protocol.Notification:
		go r.safeHandleNotification(v)
	}
}

// safeHandle wraps handler dispatch in a recover(), generalizing the
// teacher's agent.go safeHandle panic-recovery idiom so one bad handler
// never kills the reader goroutine's caller.
func (r *RPC) safeHandleRequest(req *protocol.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			if r.logger != nil {
				r.logger.Error("rpc handler panicked", slog.String("method", req.Method), slog.Any("panic", rec))
			}
			r.respond(req.ID, false, r.errorPayload(fmt.Errorf("panic: %v", rec)))
		}
	}()

	r.mu.Lock()
	handler, ok := r.handlers[req.Method]
	r.mu.Unlock()
	if !ok {
		r.respond(req.ID, false, fmt.Sprintf("method %q not found", req.Method))
		return
	}

	data, err := handler(r.ctx, req.Args, req.Kwargs)
	if err != nil {
		switch e := err.(type) {
		case *protocol.RPCError:
			r.respond(req.ID, false, e.Data)
		case *protocol.RequestError:
			r.respond(req.ID, false, e.Reason)
		default:
			if r.logger != nil {
				r.logger.Error("rpc handler failed", slog.String("method", req.Method), slog.Any("error", err))
			}
			r.respond(req.ID, false, r.errorPayload(err))
		}
		return
	}
	r.respond(req.ID, true, data)
}

func (r *RPC) errorPayload(err error) string {
	ie := &protocol.InternalError{Err: err, Expose: r.exposeErrorInfo}
	return ie.Error()
}

func (r *RPC) respond(id string, success bool, data any) {
	resp := &protocol.Response{ID: id, Success: success, Data: data}
	if err := r.sender.Send(r.ctx, resp); err != nil && r.logger != nil {
		r.logger.Warn("failed to send rpc response", slog.String("id", id), slog.Any("error", err))
	}
}

func (r *RPC) safeHandleNotification(n *protocol.Notification) {
	defer func() {
		if rec := recover(); rec != nil && r.logger != nil {
			r.logger.Error("notification handler panicked", slog.String("type", n.Type), slog.Any("panic", rec))
		}
	}()

	r.mu.Lock()
	handler, ok := r.notifHandlers[n.Type]
	r.mu.Unlock()
	if !ok {
		return
	}
	handler(n.Data)
}

// Notify sends a one-way Notification; there is no correlated response.
func (r *RPC) Notify(ctx context.Context, typ string, data any) error {
	return r.sender.Send(ctx, &protocol.Notification{Type: typ, Data: data})
}

// Close cancels every outstanding Call's context, unblocking any Slot.Get
// with a cancellation error, per §4.3's "Closing the connection cancels
// all outstanding Slots."
func (r *RPC) Close() {
	r.cancel()
}

func newRequestID() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf[:]), nil
}

// Package transport implements §4.1: a framed, length-prefixed message
// stream over TLS with keep-alive, backpressure, and orderly shutdown.
package transport

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/redpepper-go/fleet/internal/protocol"
	"github.com/redpepper-go/fleet/internal/rpc"
)

// Handler processes one decoded Message. It must not block the reader
// loop for long; the Conn dispatches Handle in its own goroutine per
// message, per §4.1's "a slow handler must not stall the reader."
type Handler interface {
	HandleMessage(m protocol.Message)
}

// Conn wraps a *tls.Conn with the framed message protocol: a single
// reader goroutine decoding and dispatching messages, a send-mutex
// guarded writer so concurrent producers cannot interleave frame bodies,
// and a keep-alive ping loop.
type Conn struct {
	nc     *tls.Conn
	logger *slog.Logger

	maxMessageSize uint32
	pingInterval   time.Duration
	pingTimeout    time.Duration

	sendMu sync.Mutex

	pingMu   sync.Mutex
	pongSlot *rpc.Slot[*protocol.Pong]

	ctx    context.Context
	cancel context.CancelFunc
	closed sync.Once

	handler Handler
}

// Options configures a Conn.
type Options struct {
	MaxMessageSize uint32
	PingInterval   time.Duration
	PingTimeout    time.Duration
	Logger         *slog.Logger
}

// New wraps an established *tls.Conn. Call Run to start the reader and
// keep-alive loops; Run blocks until the connection closes.
func New(nc *tls.Conn, handler Handler, opts Options) *Conn {
	if opts.MaxMessageSize == 0 {
		opts.MaxMessageSize = protocol.DefaultMaxMessageSize
	}
	if opts.PingInterval == 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.PingTimeout == 0 {
		opts.PingTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		nc:             nc,
		logger:         opts.Logger,
		maxMessageSize: opts.MaxMessageSize,
		pingInterval:   opts.PingInterval,
		pingTimeout:    opts.PingTimeout,
		ctx:            ctx,
		cancel:         cancel,
		handler:        handler,
	}
}

// RemoteAddr returns the peer's network address.
func (c *Conn) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }

// Send msgpack-encodes and writes one frame. Safe for concurrent use: the
// send mutex serializes writers so two producers cannot interleave frame
// bodies on the wire.
func (c *Conn) Send(_ context.Context, m protocol.Message) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return protocol.Encode(c.nc, m)
}

// Run starts the reader and keep-alive loops and blocks until the
// connection closes (locally or by the peer) or ctx is cancelled.
func (c *Conn) Run(ctx context.Context) error {
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-c.ctx.Done():
		}
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	var readErr error
	go func() {
		defer wg.Done()
		readErr = c.receiveLoop()
	}()
	go func() {
		defer wg.Done()
		c.keepAliveLoop()
	}()
	wg.Wait()
	return readErr
}

func (c *Conn) receiveLoop() error {
	for {
		m, err := protocol.ReadMessage(c.nc, c.maxMessageSize)
		if err != nil {
			c.Close()
			if errors.Is(err, context.Canceled) || isClosedErr(err) {
				return nil
			}
			return err
		}
		switch v := m.(type) {
		case *protocol.Ping:
			if err := c.Send(c.ctx, &protocol.Pong{Data: v.Data}); err != nil && c.logger != nil {
				c.logger.Warn("failed to send pong", slog.Any("error", err))
			}
		case *protocol.Pong:
			c.pingMu.Lock()
			slot := c.pongSlot
			c.pingMu.Unlock()
			if slot != nil {
				slot.Set(v)
			} else if c.logger != nil {
				c.logger.Warn("received unexpected pong")
			}
		case *protocol.Bye:
			if c.logger != nil {
				c.logger.Info("peer sent bye", slog.String("reason", v.Reason))
			}
			c.Close()
			return nil
		default:
			c.handler.HandleMessage(m)
		}
	}
}

func (c *Conn) keepAliveLoop() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if err := c.ping(); err != nil {
				if c.logger != nil {
					c.logger.Error("keep-alive ping failed, closing connection", slog.Any("error", err))
				}
				c.Close()
				return
			}
		}
	}
}

// ping sends a Ping carrying a random integer and waits up to
// pingTimeout for a matching Pong. At most one ping may be outstanding at
// a time per §4.1.
func (c *Conn) ping() error {
	c.pingMu.Lock()
	if c.pongSlot != nil {
		c.pingMu.Unlock()
		return &protocol.ProtocolError{Reason: "ping already in progress"}
	}
	slot := rpc.NewSlot[*protocol.Pong]()
	c.pongSlot = slot
	c.pingMu.Unlock()
	defer func() {
		c.pingMu.Lock()
		c.pongSlot = nil
		c.pingMu.Unlock()
	}()

	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return err
	}
	data := n.Int64()
	if err := c.Send(c.ctx, &protocol.Ping{Data: data}); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.pingTimeout)
	defer cancel()
	pong, err := slot.Get(ctx)
	if err != nil {
		return fmt.Errorf("ping timed out: %w", err)
	}
	if pong.Data != data {
		return &protocol.ProtocolError{Reason: "ping/pong data mismatch"}
	}
	return nil
}

// Bye sends a graceful-close notice to the peer.
func (c *Conn) Bye(reason string) error {
	return c.Send(c.ctx, &protocol.Bye{Reason: reason})
}

// Close cancels the reader and keep-alive loops and closes the
// underlying TLS stream. Idempotent.
func (c *Conn) Close() error {
	var err error
	c.closed.Do(func() {
		c.cancel()
		err = c.nc.Close()
	})
	return err
}

func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF)
}

// Package events implements the in-memory event bus described in §4's
// event bus component: bounded per-consumer channels with drop-on-full
// backpressure, and a small replay buffer for late subscribers.
package events

import (
	"sync"
)

// Type identifies the kind of event published on the bus.
type Type string

const (
	Connected       Type = "connected"
	Disconnected    Type = "disconnected"
	AuthSuccess     Type = "auth_success"
	AuthFailure     Type = "auth_failure"
	Command         Type = "command"
	CommandProgress Type = "command_progress"
	CommandResult   Type = "command_result"
)

// Event is an opaque mapping keyed by Type plus arbitrary Fields. Time is
// stamped by the bus on Publish, not by the caller.
type Event struct {
	Type   Type           `json:"type"`
	TimeMS int64          `json:"time_ms"`
	Fields map[string]any `json:"fields,omitempty"`
}

const (
	subscriberBufferSize = 10
	replayBufferSize     = 10
)

// Logger is the minimal logging surface the bus needs to report drops.
type Logger interface {
	Warn(msg string, args ...any)
}

// Bus is an in-memory pub/sub for operational telemetry. A Bus is safe for
// concurrent use. It is a per-Manager-instance value, never a package
// global, per the "no process-wide singletons" design note.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]chan Event
	next   uint64
	replay []Event // ring buffer, oldest first, capacity replayBufferSize
	log    Logger
	now    func() int64
}

// New creates an empty Bus. now supplies the millisecond timestamp stamped
// onto each published Event; pass nil to use a monotonic counter suitable
// for tests that cannot call time.Now.
func New(log Logger, now func() int64) *Bus {
	if now == nil {
		var counter int64
		now = func() int64 {
			counter++
			return counter
		}
	}
	return &Bus{
		subs: make(map[uint64]chan Event),
		log:  log,
		now:  now,
	}
}

// Publish stamps the event's time and fans it out to every subscriber.
// A subscriber whose channel is full does not block the publisher: the
// event is dropped for that subscriber and a warning is logged. The event
// is also appended to the replay buffer regardless of subscriber state.
func (b *Bus) Publish(evt Event) {
	evt.TimeMS = b.now()

	b.mu.Lock()
	b.replay = append(b.replay, evt)
	if len(b.replay) > replayBufferSize {
		b.replay = b.replay[len(b.replay)-replayBufferSize:]
	}
	subs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		subs = append(subs, ch)
	}
	b.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- evt:
		default:
			if b.log != nil {
				b.log.Warn("event bus subscriber channel full, dropping event", "type", string(evt.Type))
			}
		}
	}
}

// Subscribe registers a new consumer and returns its channel plus a cancel
// function that unregisters it and closes the channel. The consumer
// receives the current replay buffer (oldest first) before any future
// event published after Subscribe returns.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBufferSize)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	replay := append([]Event(nil), b.replay...)
	b.mu.Unlock()

	for _, evt := range replay {
		select {
		case ch <- evt:
		default:
			if b.log != nil {
				b.log.Warn("event bus replay dropped, new subscriber channel already full", "type", string(evt.Type))
			}
		}
	}

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

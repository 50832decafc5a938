// Package telemetry delivers host status events to an in-process sink.
//
// Delivery is strictly best-effort: emitters never block and never learn
// whether an event arrived. A full buffer drops the event and counts the
// drop. Task execution must be completely unaffected by sink behavior.
package telemetry

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// timeNow is a package-level variable for testability.
// Tests can replace this to control time in assertions.
var timeNow = time.Now

// Event kinds emitted by the host.
const (
	KindConnected         = "connected"
	KindDegraded          = "degraded"
	KindReconnecting      = "reconnecting"
	KindDisconnected      = "disconnected"
	KindElementRegistered = "element_registered"
	KindElementUpdated    = "element_updated"
	KindTaskDone          = "task_done"
)

// Event is one status notification.
type Event struct {
	Kind string            `json:"kind"`
	At   time.Time         `json:"at"`
	Meta map[string]string `json:"meta,omitempty"`
}

// Sink receives events. Implementations must not block the caller.
type Sink interface {
	Notify(Event)
}

// Nop discards every event.
type Nop struct{}

// Notify implements Sink.
func (Nop) Notify(Event) {}

// ─── Buffered sink ───────────────────────────────────────────────────────────

// Buffered is a channel-backed Sink drained by a single goroutine.
// When the buffer is full the event is dropped and counted; Notify never
// blocks.
type Buffered struct {
	mu      sync.RWMutex
	closed  bool
	ch      chan Event
	done    chan struct{}
	drops   atomic.Int64
	consume func(Event)
}

// NewBuffered creates a Buffered sink with the given capacity that drains
// events to DEBUG log lines. A capacity <= 0 falls back to 64.
func NewBuffered(capacity int, log *slog.Logger) *Buffered {
	if log == nil {
		log = slog.Default()
	}
	return newBuffered(capacity, func(ev Event) {
		log.Debug("telemetry event", "kind", ev.Kind, "at", ev.At, "meta", ev.Meta)
	})
}

func newBuffered(capacity int, consume func(Event)) *Buffered {
	if capacity <= 0 {
		capacity = 64
	}
	b := &Buffered{
		ch:      make(chan Event, capacity),
		done:    make(chan struct{}),
		consume: consume,
	}
	go b.drain()
	return b
}

func (b *Buffered) drain() {
	defer close(b.done)
	for ev := range b.ch {
		b.consume(ev)
	}
}

// Notify queues the event. A full or closed sink drops it silently.
func (b *Buffered) Notify(ev Event) {
	if ev.At.IsZero() {
		ev.At = timeNow()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		b.drops.Add(1)
		return
	}
	select {
	case b.ch <- ev:
	default:
		b.drops.Add(1)
	}
}

// Drops reports how many events were discarded because the buffer was full
// or the sink was closed.
func (b *Buffered) Drops() int64 {
	return b.drops.Load()
}

// Close drains queued events and stops the consumer goroutine. Notify calls
// after Close count as drops.
func (b *Buffered) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.ch)
	b.mu.Unlock()
	<-b.done
}

// Package eventbus provides the per-component publish/subscribe primitive
// used by the Agent Manager and by each Kernel: named event types dispatched
// to registered handlers, plus a wildcard sink that receives every event
// wrapped in an envelope.
//
// Delivery is synchronous from the publisher's perspective: Emit runs every
// matching handler on the calling goroutine, in registration order, and
// recovers panics from individual handlers so one bad subscriber cannot take
// down the publisher (grounded on the teacher's PluginRegistry.Emit).
package eventbus

import (
	"log/slog"
	"sync"

	"github.com/nexuscore/agentkernel/pkg/kernelproto"
)

// Handler receives one event's data payload.
type Handler func(data interface{})

// Subscription identifies one On registration for a later Off call. The
// zero value is valid and Off-safe (On returns it for a nil handler).
type Subscription struct {
	eventType kernelproto.EventType
	id        uint64
}

type subscriber struct {
	id      uint64
	handler Handler
}

// Bus is a typed publish/subscribe hub with a wildcard sink.
type Bus struct {
	mu          sync.RWMutex
	nextID      uint64
	handlers    map[kernelproto.EventType][]subscriber
	wildcard    []subscriber
	listenerCap int
	logger      *slog.Logger
}

// New creates a Bus. listenerCap is the soft cap on total subscriptions
// before a warning is logged (0 disables the cap check).
func New(listenerCap int, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		handlers:    make(map[kernelproto.EventType][]subscriber),
		listenerCap: listenerCap,
		logger:      logger,
	}
}

// On registers handler for eventType and returns a Subscription that Off
// can later use to remove this specific handler, leaving every other
// subscriber to eventType untouched. Passing kernelproto.EventWildcard
// registers a wildcard subscriber instead.
func (b *Bus) On(eventType kernelproto.EventType, handler Handler) Subscription {
	if handler == nil {
		return Subscription{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := subscriber{id: b.nextID, handler: handler}

	if eventType == kernelproto.EventWildcard {
		b.wildcard = append(b.wildcard, sub)
	} else {
		b.handlers[eventType] = append(b.handlers[eventType], sub)
	}

	if b.listenerCap > 0 && b.totalListenersLocked() > b.listenerCap {
		b.logger.Warn("eventbus: listener cap exceeded",
			"cap", b.listenerCap, "count", b.totalListenersLocked())
	}

	return Subscription{eventType: eventType, id: sub.id}
}

// Off removes the single handler identified by sub, leaving other
// subscribers to the same event type registered. Off on a zero
// Subscription (or one already removed) is a no-op.
func (b *Bus) Off(sub Subscription) {
	if sub.id == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub.eventType == kernelproto.EventWildcard {
		b.wildcard = removeSubscriber(b.wildcard, sub.id)
	} else {
		remaining := removeSubscriber(b.handlers[sub.eventType], sub.id)
		if len(remaining) == 0 {
			delete(b.handlers, sub.eventType)
		} else {
			b.handlers[sub.eventType] = remaining
		}
	}
}

func removeSubscriber(subs []subscriber, id uint64) []subscriber {
	for i, s := range subs {
		if s.id == id {
			return append(subs[:i:i], subs[i+1:]...)
		}
	}
	return subs
}

// totalListenersLocked counts all registered handlers. Caller must hold mu.
func (b *Bus) totalListenersLocked() int {
	n := len(b.wildcard)
	for _, hs := range b.handlers {
		n += len(hs)
	}
	return n
}

// Emit dispatches an event to type-specific subscribers, then to wildcard
// subscribers wrapped in an Envelope. Handlers run synchronously on the
// calling goroutine; a panicking handler is recovered and logged so
// dispatch continues to the remaining subscribers.
func (b *Bus) Emit(eventType kernelproto.EventType, data interface{}) {
	b.mu.RLock()
	specific := append([]subscriber(nil), b.handlers[eventType]...)
	wildcard := append([]subscriber(nil), b.wildcard...)
	b.mu.RUnlock()

	for _, s := range specific {
		b.dispatch(s.handler, data)
	}

	if len(wildcard) == 0 {
		return
	}
	envelope := kernelproto.Envelope{Type: eventType, Data: data}
	for _, s := range wildcard {
		b.dispatch(s.handler, envelope)
	}
}

func (b *Bus) dispatch(h Handler, payload interface{}) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("eventbus: handler panicked", "recover", r)
		}
	}()
	h(payload)
}

// ListenerCount returns the total number of registered handlers, including
// wildcard subscribers. Useful for tests and diagnostics.
func (b *Bus) ListenerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.totalListenersLocked()
}

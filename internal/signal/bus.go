// Package signal implements the fabric telemetry bus. Every subsystem emits
// (event name, measurements, metadata) triples; handlers attach by event-name
// prefix. Dispatch is synchronous, so handlers must be fast and must not
// block on the emitting component.
package signal

import (
	"strings"
	"sync"
	"sync/atomic"
)

// Measurements is the numeric payload of an event.
type Measurements map[string]int64

// Metadata is the descriptive payload of an event.
type Metadata map[string]any

// Handler receives dispatched events.
type Handler func(event string, measurements Measurements, metadata Metadata)

// Bus dispatches events to handlers registered by prefix.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler // prefix -> handlers
	emitted  atomic.Int64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[string][]Handler)}
}

// Attach registers a handler for every event whose name starts with prefix.
// An empty prefix receives all events.
func (b *Bus) Attach(prefix string, h Handler) {
	b.mu.Lock()
	b.handlers[prefix] = append(b.handlers[prefix], h)
	b.mu.Unlock()
}

// Emit dispatches an event to all handlers whose prefix matches. A nil bus
// is a no-op so components can run without telemetry wired.
func (b *Bus) Emit(event string, measurements Measurements, metadata Metadata) {
	if b == nil {
		return
	}
	b.emitted.Add(1)

	b.mu.RLock()
	var matched []Handler
	for prefix, hs := range b.handlers {
		if strings.HasPrefix(event, prefix) {
			matched = append(matched, hs...)
		}
	}
	b.mu.RUnlock()

	for _, h := range matched {
		h(event, measurements, metadata)
	}
}

// Emitted returns the total number of events emitted.
func (b *Bus) Emitted() int64 {
	if b == nil {
		return 0
	}
	return b.emitted.Load()
}

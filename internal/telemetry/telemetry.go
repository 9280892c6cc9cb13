// Package telemetry emits named runtime events to any number of subscribers.
// Emission never blocks the producer: slow subscribers drop events.
package telemetry

import (
	"sync"
	"time"
)

// Stable event names emitted by the runtime.
const (
	EventPromptsResolved = "system_prompts.resolved"
	EventStreamEvent     = "stream.event"
	EventToolDispatched  = "tool.dispatched"
	EventOAuthRefreshed  = "oauth.refreshed"
	EventMCPServerStatus = "mcp.server_status_changed"
)

// Event is a single telemetry emission: a name, numeric measurements and
// string metadata. Metadata values must already be redacted by the caller.
type Event struct {
	Name         string
	Time         time.Time
	Measurements map[string]float64
	Metadata     map[string]string
}

// Emitter fans events out to subscribers. The zero value is unusable; use
// NewEmitter. A nil *Emitter is safe to emit on (events are discarded), so
// components can treat telemetry as optional.
type Emitter struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

// NewEmitter creates an emitter with no subscribers.
func NewEmitter() *Emitter {
	return &Emitter{subs: make(map[int]chan Event)}
}

// Emit publishes an event. Subscribers that cannot keep up miss it; the
// producer never blocks.
func (e *Emitter) Emit(name string, measurements map[string]float64, metadata map[string]string) {
	if e == nil {
		return
	}
	ev := Event{Name: name, Time: time.Now(), Measurements: measurements, Metadata: metadata}

	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, ch := range e.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe registers a consumer. buffer controls how many events may queue
// before drops begin. The returned cancel func removes the subscription and
// closes the channel.
func (e *Emitter) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	e.mu.Lock()
	id := e.next
	e.next++
	e.subs[id] = ch
	e.mu.Unlock()

	cancel := func() {
		e.mu.Lock()
		if _, ok := e.subs[id]; ok {
			delete(e.subs, id)
			close(ch)
		}
		e.mu.Unlock()
	}
	return ch, cancel
}

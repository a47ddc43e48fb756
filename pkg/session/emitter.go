package session

import (
	"sync"
	"time"
)

// EventType classifies a session event.
type EventType string

// Session event type constants.
const (
	EventOutput EventType = "output"
	EventError  EventType = "error"
	EventExit   EventType = "exit"
)

// Event is one structured occurrence on a session's stream.
type Event struct {
	Type      EventType
	SessionID string
	Data      string
	ExitCode  int // meaningful only for EventExit
	At        time.Time
}

// Emitter fans session events out to independently attached consumers.
// Every session owns exactly one. Subscribe returns an unsubscribe handle
// that is safe to call more than once; Close detaches everyone and is
// likewise idempotent, so every exit path can call it unconditionally.
type Emitter struct {
	mu     sync.Mutex
	subs   map[int]func(Event)
	nextID int
	closed bool
}

func newEmitter() *Emitter {
	return &Emitter{subs: make(map[int]func(Event))}
}

// Subscribe attaches a consumer and returns its unsubscribe handle.
// Subscribing to a closed emitter returns a no-op handle.
func (e *Emitter) Subscribe(fn func(Event)) (unsubscribe func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return func() {}
	}
	id := e.nextID
	e.nextID++
	e.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.subs, id)
			e.mu.Unlock()
		})
	}
}

// Emit delivers ev to all current subscribers. Delivery order between
// subscribers is unspecified. Emitting on a closed emitter is a no-op.
func (e *Emitter) Emit(ev Event) {
	e.mu.Lock()
	fns := make([]func(Event), 0, len(e.subs))
	for _, fn := range e.subs {
		fns = append(fns, fn)
	}
	e.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// Close detaches all subscribers. Safe to call multiple times.
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.subs = make(map[int]func(Event))
}

// SubscriberCount returns the number of attached consumers.
func (e *Emitter) SubscriberCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs)
}

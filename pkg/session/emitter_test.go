package session

import "testing"

func TestEmitterFanOut(t *testing.T) {
	e := newEmitter()
	var a, b int
	e.Subscribe(func(Event) { a++ })
	e.Subscribe(func(Event) { b++ })

	e.Emit(Event{Type: EventOutput})
	e.Emit(Event{Type: EventError})

	if a != 2 || b != 2 {
		t.Errorf("fan-out counts: a=%d b=%d", a, b)
	}
}

func TestEmitterUnsubscribeIsIdempotent(t *testing.T) {
	e := newEmitter()
	var n int
	unsub := e.Subscribe(func(Event) { n++ })
	other := e.Subscribe(func(Event) {})

	unsub()
	unsub()
	unsub()

	e.Emit(Event{Type: EventOutput})
	if n != 0 {
		t.Errorf("unsubscribed consumer still called %d times", n)
	}
	if e.SubscriberCount() != 1 {
		t.Errorf("subscriber count = %d, want 1", e.SubscriberCount())
	}
	_ = other
}

func TestEmitterCloseDetachesEveryone(t *testing.T) {
	e := newEmitter()
	var n int
	e.Subscribe(func(Event) { n++ })
	e.Subscribe(func(Event) { n++ })

	e.Close()
	e.Close() // must be safe on every exit path

	e.Emit(Event{Type: EventExit})
	if n != 0 {
		t.Errorf("closed emitter delivered %d events", n)
	}
	if e.SubscriberCount() != 0 {
		t.Errorf("subscriber count = %d after close", e.SubscriberCount())
	}
}

func TestEmitterSubscribeAfterClose(t *testing.T) {
	e := newEmitter()
	e.Close()

	unsub := e.Subscribe(func(Event) { t.Error("subscriber on closed emitter called") })
	unsub() // no-op handle must still be callable
	e.Emit(Event{Type: EventOutput})
}

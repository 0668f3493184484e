package events

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

type Listener interface {
	HandleEvent(Event)
}

type funcListener struct {
	fn func(Event)
}

func (f *funcListener) HandleEvent(e Event) { f.fn(e) }

// Bus fans events out to listeners. Emission is synchronous: Emit returns
// after every listener has handled the event.
type Bus struct {
	mu        sync.Mutex
	listeners []Listener
	logger    log.FieldLogger
}

func NewBus(logger log.FieldLogger) *Bus {
	return &Bus{logger: logger}
}

// AddListener registers l. Listeners are compared by identity, so they
// should be pointers.
func (b *Bus) AddListener(l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, l)
}

func (b *Bus) RemoveListener(l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, existing := range b.listeners {
		if existing == l {
			b.listeners = append(b.listeners[:i:i], b.listeners[i+1:]...)
			return
		}
	}
}

// Subscribe registers fn and returns a function that unregisters it.
func (b *Bus) Subscribe(fn func(Event)) func() {
	l := &funcListener{fn: fn}
	b.AddListener(l)
	return func() { b.RemoveListener(l) }
}

func (b *Bus) Emit(e Event) {
	b.mu.Lock()
	listeners := b.snapshot()
	b.mu.Unlock()

	b.deliver(listeners, e)
}

// Batch holds the events of one caller until End. Only events emitted
// through the batch are held; Emit on the bus is never delayed, and other
// goroutines' events may be delivered between the events of a flush.
type Batch struct {
	bus    *Bus
	events []Event
	ended  bool
}

// Start opens a batch owned by the caller.
func (b *Bus) Start() *Batch {
	return &Batch{bus: b}
}

func (bt *Batch) Emit(e Event) {
	if bt.ended {
		bt.bus.Emit(e)
		return
	}
	bt.events = append(bt.events, e)
}

// End flushes the held events in arrival order. Later calls do nothing.
func (bt *Batch) End() {
	if bt.ended {
		return
	}
	bt.ended = true
	if len(bt.events) == 0 {
		return
	}

	bt.bus.mu.Lock()
	listeners := bt.bus.snapshot()
	bt.bus.mu.Unlock()

	for _, e := range bt.events {
		bt.bus.deliver(listeners, e)
	}
	bt.events = nil
}

func (b *Bus) snapshot() []Listener {
	out := make([]Listener, len(b.listeners))
	copy(out, b.listeners)
	return out
}

func (b *Bus) deliver(listeners []Listener, e Event) {
	for _, l := range listeners {
		b.call(l, e)
	}
}

func (b *Bus) call(l Listener, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Errorf("Listener panicked on %s: %v", e.Kind, r)
		}
	}()
	l.HandleEvent(e)
}

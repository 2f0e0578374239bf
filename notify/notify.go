// Package notify delivers typed events to subscribers. Every subscription names
// the Executor its handler runs on, so that callers that need a particular
// context (such as a UI loop) get it explicitly rather than by accident.
package notify

import (
	"sync"

	"github.com/kelindar/event"
)

// Event is implemented by every type published on a Bus.
type Event = event.Event

// Bus is an in-process event dispatcher.
type Bus struct {
	d *event.Dispatcher

	l      sync.Mutex
	closed bool
}

func NewBus() *Bus {
	return &Bus{
		d: event.NewDispatcher(),
	}
}

// Publish delivers ev to every subscriber of its type. Publishing on a closed
// bus is a no-op.
func Publish[T Event](b *Bus, ev T) {
	b.l.Lock()
	defer b.l.Unlock()
	if b.closed {
		return
	}
	event.Publish(b.d, ev)
}

// Subscribe registers fn for events of type T. fn is invoked through ex, in
// publish order. The returned function cancels the subscription.
func Subscribe[T Event](b *Bus, ex Executor, fn func(T)) (cancel func()) {
	if ex == nil {
		ex = Inline
	}
	return event.Subscribe(b.d, func(ev T) {
		ex.Dispatch(func() { fn(ev) })
	})
}

// Close stops delivery to all subscribers.
func (b *Bus) Close() {
	b.l.Lock()
	defer b.l.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.d.Close()
}

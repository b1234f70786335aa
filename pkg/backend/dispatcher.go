package backend

import "sync"

// Handler receives events from a Dispatcher.
type Handler func(Event)

type subscription struct {
	id int
	fn Handler
}

// Dispatcher fans events out to subscribers in subscription order. Each
// Client owns one; handlers run on the goroutine that emits.
type Dispatcher struct {
	mu     sync.RWMutex
	byType map[EventType][]subscription
	all    []subscription
	nextID int
}

// NewDispatcher creates a Dispatcher with no subscribers.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{byType: make(map[EventType][]subscription)}
}

// Subscribe registers h for events of type t and returns a function that
// removes it.
func (d *Dispatcher) Subscribe(t EventType, h Handler) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := d.nextID
	d.byType[t] = append(d.byType[t], subscription{id: id, fn: h})
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.byType[t] = remove(d.byType[t], id)
	}
}

// SubscribeAll registers h for every event.
func (d *Dispatcher) SubscribeAll(h Handler) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := d.nextID
	d.all = append(d.all, subscription{id: id, fn: h})
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.all = remove(d.all, id)
	}
}

// Emit delivers e to type subscribers, then to catch-all subscribers.
func (d *Dispatcher) Emit(e Event) {
	d.mu.RLock()
	subs := make([]subscription, 0, len(d.byType[e.Type])+len(d.all))
	subs = append(subs, d.byType[e.Type]...)
	subs = append(subs, d.all...)
	d.mu.RUnlock()
	for _, s := range subs {
		s.fn(e)
	}
}

// Reset drops every subscriber.
func (d *Dispatcher) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byType = make(map[EventType][]subscription)
	d.all = nil
}

func remove(subs []subscription, id int) []subscription {
	out := subs[:0:0]
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}

package host

import "sync"

// Disposable releases a resource. Dispose must be safe to call twice.
type Disposable interface {
	Dispose()
}

// DisposableFunc adapts a function to Disposable; it runs at most once
type DisposableFunc func()

// Dispose runs f
func (f DisposableFunc) Dispose() { f() }

// onceDisposable guards a cleanup so repeated Dispose calls are no-ops
type onceDisposable struct {
	once sync.Once
	fn   func()
}

func (d *onceDisposable) Dispose() { d.once.Do(d.fn) }

// NewDisposable wraps fn so it runs at most once
func NewDisposable(fn func()) Disposable {
	return &onceDisposable{fn: fn}
}

// DisposeAll disposes each item in reverse order of acquisition
func DisposeAll(items []Disposable) {
	for i := len(items) - 1; i >= 0; i-- {
		if items[i] != nil {
			items[i].Dispose()
		}
	}
}

// Event is the subscribe-only side of an EventEmitter
type Event[T any] interface {
	Event(fn func(T)) Disposable
}

// EventEmitter delivers values of type T to subscribed listeners in
// subscription order. Fire is synchronous. A disposed emitter drops fires
// and refuses new listeners.
type EventEmitter[T any] struct {
	mu        sync.RWMutex
	listeners []*listener[T]
	nextID    int
	disposed  bool
}

type listener[T any] struct {
	id int
	fn func(T)
}

// NewEventEmitter creates an emitter
func NewEventEmitter[T any]() *EventEmitter[T] {
	return &EventEmitter[T]{}
}

// Event subscribes fn and returns the subscription handle
func (e *EventEmitter[T]) Event(fn func(T)) Disposable {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.disposed {
		return NewDisposable(func() {})
	}
	e.nextID++
	id := e.nextID
	e.listeners = append(e.listeners, &listener[T]{id: id, fn: fn})
	return NewDisposable(func() { e.remove(id) })
}

func (e *EventEmitter[T]) remove(id int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, l := range e.listeners {
		if l.id == id {
			e.listeners = append(e.listeners[:i:i], e.listeners[i+1:]...)
			return
		}
	}
}

// Fire delivers v to a snapshot of the current listeners. Listeners may
// subscribe or unsubscribe during delivery without deadlocking.
func (e *EventEmitter[T]) Fire(v T) {
	e.mu.RLock()
	if e.disposed {
		e.mu.RUnlock()
		return
	}
	snapshot := make([]*listener[T], len(e.listeners))
	copy(snapshot, e.listeners)
	e.mu.RUnlock()

	for _, l := range snapshot {
		l.fn(v)
	}
}

// ListenerCount returns the number of live subscriptions
func (e *EventEmitter[T]) ListenerCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.listeners)
}

// Dispose removes every listener and disables the emitter
func (e *EventEmitter[T]) Dispose() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.disposed = true
	e.listeners = nil
}

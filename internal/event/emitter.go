// Package event implements synchronous event dispatch. Dispatch never
// touches the current async-context frame: listeners run under whatever
// frame is current when Emit is called, unless the listener itself was
// registered as a scope-bound wrapper.
package event

import "sync"

// Listener receives the arguments passed to Emit.
type Listener func(args ...interface{})

type registration struct {
	id   int64
	fn   Listener
	once bool
}

// Emitter dispatches named events to registered listeners, synchronously
// and in registration order.
type Emitter struct {
	listeners map[string][]registration
	nextID    int64
	mu        sync.RWMutex
}

// NewEmitter creates an empty emitter.
func NewEmitter() *Emitter {
	return &Emitter{listeners: make(map[string][]registration)}
}

// On registers a listener for an event name and returns its listener ID
// for Off.
func (e *Emitter) On(name string, fn Listener) int64 {
	return e.register(name, fn, false)
}

// Once registers a listener removed after its first invocation.
func (e *Emitter) Once(name string, fn Listener) int64 {
	return e.register(name, fn, true)
}

func (e *Emitter) register(name string, fn Listener, once bool) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := e.nextID
	e.listeners[name] = append(e.listeners[name], registration{id: id, fn: fn, once: once})
	return id
}

// Off removes a listener by ID. Removing an unknown ID is a no-op.
func (e *Emitter) Off(name string, id int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	regs := e.listeners[name]
	for i, r := range regs {
		if r.id == id {
			e.listeners[name] = append(regs[:i:i], regs[i+1:]...)
			return
		}
	}
}

// Emit invokes every listener registered for name, in order, on the calling
// goroutine. Returns the number of listeners invoked.
func (e *Emitter) Emit(name string, args ...interface{}) int {
	e.mu.Lock()
	regs := e.listeners[name]
	// Snapshot so listeners can register/remove during dispatch.
	snapshot := make([]registration, len(regs))
	copy(snapshot, regs)
	remaining := regs[:0:0]
	for _, r := range regs {
		if !r.once {
			remaining = append(remaining, r)
		}
	}
	e.listeners[name] = remaining
	e.mu.Unlock()

	for _, r := range snapshot {
		r.fn(args...)
	}
	return len(snapshot)
}

// ListenerCount returns the number of listeners registered for name.
func (e *Emitter) ListenerCount(name string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.listeners[name])
}

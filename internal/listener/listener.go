// Package listener lets background components receive engine lifecycle
// notifications, typically a stop signal.
package listener

import "sync"

// Listener receives engine notifications. Notify must not block.
type Listener interface {
	// Name identifies the listener for targeted notification.
	Name() string
	// Notify signals the listener.
	Notify()
}

// Registry is a named set of listeners.
type Registry struct {
	mu        sync.Mutex
	listeners []Listener
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds l. Registering the same listener twice is a no-op.
func (r *Registry) Register(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.listeners {
		if existing == l {
			return
		}
	}
	r.listeners = append(r.listeners, l)
}

// Deregister removes l. Unknown listeners are ignored.
func (r *Registry) Deregister(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.listeners {
		if existing == l {
			r.listeners = append(r.listeners[:i], r.listeners[i+1:]...)
			return
		}
	}
}

// NotifyAll signals every registered listener in registration order.
func (r *Registry) NotifyAll() {
	for _, l := range r.snapshot() {
		l.Notify()
	}
}

// NotifyByName signals every listener named name. Returns whether at
// least one matched.
func (r *Registry) NotifyByName(name string) bool {
	found := false
	for _, l := range r.snapshot() {
		if l.Name() == name {
			l.Notify()
			found = true
		}
	}
	return found
}

// Len returns the number of registered listeners.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.listeners)
}

func (r *Registry) snapshot() []Listener {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Listener, len(r.listeners))
	copy(out, r.listeners)
	return out
}

// Signal is a channel-backed Listener for worker loops. Notify is
// non-blocking and coalesces repeated signals.
type Signal struct {
	name string
	ch   chan struct{}
}

// NewSignal creates a Signal with the given name.
func NewSignal(name string) *Signal {
	return &Signal{name: name, ch: make(chan struct{}, 1)}
}

// Name implements Listener.
func (s *Signal) Name() string { return s.name }

// Notify implements Listener.
func (s *Signal) Notify() {
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

// C returns the channel a worker selects on.
func (s *Signal) C() <-chan struct{} { return s.ch }

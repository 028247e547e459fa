package event

import "sync"

// Handle identifies one bound listener so it can be cleared later.
// The zero Handle is never issued and means "no listener".
type Handle uint64

type binding[T any] struct {
	handle Handle
	fn     func(T)
}

// Multicast is a list of listeners that all receive the same broadcast value.
// The zero value is ready to use.
type Multicast[T any] struct {
	mu       sync.Mutex
	next     Handle
	bindings []binding[T]
}

// Add binds fn and returns the handle needed to clear it.
func (m *Multicast[T]) Add(fn func(T)) Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	m.bindings = append(m.bindings, binding[T]{handle: m.next, fn: fn})
	return m.next
}

// Remove clears the listener bound under h. Returns false if h was not bound.
func (m *Multicast[T]) Remove(h Handle) bool {
	if h == 0 {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, b := range m.bindings {
		if b.handle == h {
			m.bindings = append(m.bindings[:i], m.bindings[i+1:]...)
			return true
		}
	}
	return false
}

// Broadcast calls every listener bound at the moment of the call, in bind order.
// Listeners may add or remove bindings while being called.
func (m *Multicast[T]) Broadcast(v T) {
	m.mu.Lock()
	snapshot := make([]binding[T], len(m.bindings))
	copy(snapshot, m.bindings)
	m.mu.Unlock()

	for _, b := range snapshot {
		b.fn(v)
	}
}

// Len reports how many listeners are bound.
func (m *Multicast[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.bindings)
}

// Clear removes every listener.
func (m *Multicast[T]) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bindings = nil
}

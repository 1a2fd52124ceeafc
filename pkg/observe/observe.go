// Package observe provides ordered observer lists.
//
// Observers are called in subscription order, synchronously, from whichever goroutine calls
// Emit. Owners emit from a single goroutine, which is what makes delivery order deterministic.
package observe

import "sync"

type entry[T any] struct {
	id uint64
	fn func(T)
}

// List is a set of callbacks for values of type T. The zero value is ready to use.
type List[T any] struct {
	mu      sync.Mutex
	nextID  uint64
	entries []entry[T]
}

// Subscribe registers fn and returns a function that removes it. Calling the returned
// function more than once is a no-op.
func (l *List[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	l.mu.Lock()
	l.nextID++
	id := l.nextID
	l.entries = append(l.entries, entry[T]{id: id, fn: fn})
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { l.remove(id) })
	}
}

func (l *List[T]) remove(id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, e := range l.entries {
		if e.id == id {
			// Copy so an Emit already iterating a snapshot is unaffected.
			next := make([]entry[T], 0, len(l.entries)-1)
			next = append(next, l.entries[:i]...)
			l.entries = append(next, l.entries[i+1:]...)
			return
		}
	}
}

// Emit calls every subscriber with v. Subscribers may subscribe or unsubscribe while being
// called; the change applies from the next Emit.
func (l *List[T]) Emit(v T) {
	l.mu.Lock()
	snapshot := l.entries
	l.mu.Unlock()

	for _, e := range snapshot {
		e.fn(v)
	}
}

// Len reports the number of live subscribers.
func (l *List[T]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Clear drops every subscriber.
func (l *List[T]) Clear() {
	l.mu.Lock()
	l.entries = nil
	l.mu.Unlock()
}

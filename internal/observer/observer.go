// Package observer provides a subscriber list whose registrations compose
// instead of replacing one another. Each Add returns its own unsubscribe func.
package observer

import "sync"

// List holds subscribers for values of type T. The zero value is ready to use.
type List[T any] struct {
	mu     sync.RWMutex
	nextID uint64
	subs   []subscriber[T]
}

type subscriber[T any] struct {
	id uint64
	fn func(T)
}

// Add registers fn and returns a func that removes it. Calling the returned
// func more than once is a no-op.
func (l *List[T]) Add(fn func(T)) func() {
	l.mu.Lock()
	l.nextID++
	id := l.nextID
	l.subs = append(l.subs, subscriber[T]{id: id, fn: fn})
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { l.remove(id) })
	}
}

func (l *List[T]) remove(id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, s := range l.subs {
		if s.id == id {
			l.subs = append(l.subs[:i:i], l.subs[i+1:]...)
			return
		}
	}
}

// Emit calls every subscriber in registration order. Subscribers are copied
// under the lock and invoked outside it, so a subscriber may unsubscribe
// itself or register others.
func (l *List[T]) Emit(v T) {
	l.mu.RLock()
	subs := make([]subscriber[T], len(l.subs))
	copy(subs, l.subs)
	l.mu.RUnlock()

	for _, s := range subs {
		s.fn(v)
	}
}

// Len returns the number of registered subscribers.
func (l *List[T]) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.subs)
}

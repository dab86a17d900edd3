package notify

import (
	"sync"
	"sync/atomic"
)

type subscriber[T any] struct {
	id int64
	fn func(T)
}

// Subscribers is a list of callbacks. Publishing reads an immutable snapshot
// so callbacks run without holding any lock and may unsubscribe themselves.
// The zero value is ready to use.
type Subscribers[T any] struct {
	mu     sync.Mutex
	nextID int64
	list   atomic.Pointer[[]subscriber[T]]
}

// Subscribe adds fn and returns the function that removes it again.
// Calling the returned function more than once is harmless.
func (s *Subscribers[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	var current []subscriber[T]
	if p := s.list.Load(); p != nil {
		current = *p
	}
	next := make([]subscriber[T], len(current), len(current)+1)
	copy(next, current)
	next = append(next, subscriber[T]{id: id, fn: fn})
	s.list.Store(&next)
	s.mu.Unlock()

	var once sync.Once
	return func() { once.Do(func() { s.remove(id) }) }
}

func (s *Subscribers[T]) remove(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.list.Load()
	if p == nil {
		return
	}
	next := make([]subscriber[T], 0, len(*p))
	for _, sub := range *p {
		if sub.id != id {
			next = append(next, sub)
		}
	}
	s.list.Store(&next)
}

// Publish calls every subscriber with v
func (s *Subscribers[T]) Publish(v T) {
	p := s.list.Load()
	if p == nil {
		return
	}
	for _, sub := range *p {
		sub.fn(v)
	}
}

// Len returns the number of subscribers
func (s *Subscribers[T]) Len() int {
	if p := s.list.Load(); p != nil {
		return len(*p)
	}
	return 0
}

// Clear removes every subscriber
func (s *Subscribers[T]) Clear() {
	s.mu.Lock()
	s.list.Store(nil)
	s.mu.Unlock()
}

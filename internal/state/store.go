// Package state provides a small observable state container.
package state

import "sync"

// Store holds a value of type S and notifies subscribers whenever it changes.
// Stores are plain values owned by whoever creates them; there is no package-level instance.
type Store[S any] struct {
	mu     sync.RWMutex
	state  S
	nextID int
	subs   map[int]func(S)
}

// New creates a store holding initial.
func New[S any](initial S) *Store[S] {
	return &Store[S]{state: initial, subs: make(map[int]func(S))}
}

// Get returns the current state.
func (s *Store[S]) Get() S {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Set replaces the state with update(current) and notifies every subscriber with the
// new value. Updates are serialized; subscribers run outside the lock in registration order.
func (s *Store[S]) Set(update func(S) S) {
	s.mu.Lock()
	s.state = update(s.state)
	next := s.state
	listeners := s.snapshot()
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(next)
	}
}

// Subscribe registers fn and returns a function that removes it. Unsubscribing twice is harmless.
func (s *Store[S]) Subscribe(fn func(S)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

// snapshot must be called with mu held.
func (s *Store[S]) snapshot() []func(S) {
	out := make([]func(S), 0, len(s.subs))
	for id := 0; id < s.nextID; id++ {
		if fn, ok := s.subs[id]; ok {
			out = append(out, fn)
		}
	}
	return out
}

package state

import "sync"

// subscriberBuffer is how many undelivered values a subscriber may hold.
// When it is full the oldest pending value is dropped, so a slow reader always
// ends on the newest value.
const subscriberBuffer = 16

// Subject is a multicast value stream with replay-latest semantics: a new
// subscriber immediately receives the current value, then every later one.
type Subject[T any] struct {
	mu     sync.Mutex
	value  T
	subs   map[uint64]*Subscription[T]
	nextID uint64
	closed bool
}

// NewSubject creates a subject holding initial.
func NewSubject[T any](initial T) *Subject[T] {
	return &Subject[T]{value: initial, subs: make(map[uint64]*Subscription[T])}
}

// Value returns the current value.
func (s *Subject[T]) Value() T {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}

// Next stores v and queues it on every subscriber before returning.
// No-op after Close.
func (s *Subject[T]) Next(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.value = v
	for _, sub := range s.subs {
		sub.push(v)
	}
}

// Subscribe registers a subscriber and replays the current value to it.
// Subscribing to a closed subject returns an already closed subscription.
func (s *Subject[T]) Subscribe() *Subscription[T] {
	sub := &Subscription[T]{ch: make(chan T, subscriberBuffer), subject: s}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		sub.once.Do(func() { close(sub.ch) })
		return sub
	}
	s.nextID++
	sub.id = s.nextID
	s.subs[sub.id] = sub
	sub.push(s.value)
	return sub
}

// Len returns the number of active subscribers.
func (s *Subject[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Close ends every subscription. The last value stays readable through Value.
func (s *Subject[T]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, sub := range s.subs {
		delete(s.subs, id)
		sub.once.Do(func() { close(sub.ch) })
	}
}

func (s *Subject[T]) remove(sub *Subscription[T]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[sub.id]; ok {
		delete(s.subs, sub.id)
		sub.once.Do(func() { close(sub.ch) })
	}
}

// Subscription receives the values of one Subject.
type Subscription[T any] struct {
	id      uint64
	ch      chan T
	subject *Subject[T]
	once    sync.Once
}

// Updates returns the value channel. It is closed when the subscription or
// its subject is closed.
func (s *Subscription[T]) Updates() <-chan T {
	return s.ch
}

// Close unsubscribes. Safe to call multiple times.
func (s *Subscription[T]) Close() {
	s.subject.remove(s)
}

// push is called with the subject lock held.
func (s *Subscription[T]) push(v T) {
	for {
		select {
		case s.ch <- v:
			return
		default:
		}
		select {
		case <-s.ch:
		default:
		}
	}
}

package client

import (
	"encoding/json"
	"slices"
	"sync"

	"github.com/samber/lo"
	"github.com/tidwall/gjson"
)

// Handler receives the raw data of one event.
type Handler func(payload json.RawMessage)

type subscription struct {
	id uint64
	fn Handler
}

// Subscriptions maps event names to callbacks. Dispatch runs the callbacks
// registered when it was called, in registration order, on the caller's
// goroutine; callbacks may subscribe or unsubscribe freely.
type Subscriptions struct {
	mu       sync.Mutex
	next     uint64
	handlers map[string][]subscription
}

// NewSubscriptions returns an empty set.
func NewSubscriptions() *Subscriptions {
	return &Subscriptions{handlers: make(map[string][]subscription)}
}

// Subscribe registers fn for event. The returned func removes exactly this
// registration and may be called any number of times.
func (s *Subscriptions) Subscribe(event string, fn Handler) func() {
	s.mu.Lock()
	s.next++
	id := s.next
	s.handlers[event] = append(s.handlers[event], subscription{id: id, fn: fn})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			remaining := lo.Reject(s.handlers[event], func(sub subscription, _ int) bool {
				return sub.id == id
			})
			if len(remaining) == 0 {
				delete(s.handlers, event)
				return
			}
			s.handlers[event] = remaining
		})
	}
}

// Dispatch delivers payload to the callbacks of event and returns how many
// ran.
func (s *Subscriptions) Dispatch(event string, payload json.RawMessage) int {
	s.mu.Lock()
	subs := slices.Clone(s.handlers[event])
	s.mu.Unlock()

	for _, sub := range subs {
		sub.fn(payload)
	}
	return len(subs)
}

// DispatchAll delivers payload to the callbacks of every event.
func (s *Subscriptions) DispatchAll(payload json.RawMessage) int {
	s.mu.Lock()
	events := lo.Keys(s.handlers)
	slices.Sort(events)
	subs := lo.FlatMap(events, func(event string, _ int) []subscription {
		return slices.Clone(s.handlers[event])
	})
	s.mu.Unlock()

	for _, sub := range subs {
		sub.fn(payload)
	}
	return len(subs)
}

// Len returns the number of callbacks registered for event.
func (s *Subscriptions) Len(event string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handlers[event])
}

// IsConnectionNotice reports whether payload is the local connect notice
// rather than server data.
func IsConnectionNotice(payload json.RawMessage) bool {
	return gjson.GetBytes(payload, "connected").Bool()
}

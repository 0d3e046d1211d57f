package relay

import "sync"

// Handler processes a delivered envelope. A non-nil return dead-letters
// the message (see Watcher).
type Handler func(Envelope) error

type subscription struct {
	id      uint64
	pattern string
	handler Handler
}

// SubscriptionRegistry is an in-memory, concurrency-safe map of subject
// patterns to handler callbacks, matching spec.md §4.4. Reads (dispatch)
// vastly outnumber writes (subscribe/unsubscribe), so GetSubscribers
// copies under a read lock and invokes handlers outside any lock —
// the "copy-on-iteration" approach called out in spec.md §9.
type SubscriptionRegistry struct {
	mu     sync.RWMutex
	nextID uint64
	subs   []subscription
}

// NewSubscriptionRegistry creates an empty registry.
func NewSubscriptionRegistry() *SubscriptionRegistry {
	return &SubscriptionRegistry{}
}

// Subscribe registers handler against pattern and returns an unsubscribe
// function. Duplicate subscriptions to the same pattern are independent.
func (s *SubscriptionRegistry) Subscribe(pattern string, handler Handler) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs = append(s.subs, subscription{id: id, pattern: pattern, handler: handler})
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, sub := range s.subs {
			if sub.id == id {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				return
			}
		}
	}
}

// GetSubscribers returns every handler whose pattern matches subject, one
// entry per matching subscription (duplicates are independent and each
// fires).
func (s *SubscriptionRegistry) GetSubscribers(subject string) []Handler {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Handler
	for _, sub := range s.subs {
		if MatchesPattern(sub.pattern, subject) {
			out = append(out, sub.handler)
		}
	}
	return out
}

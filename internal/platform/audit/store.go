package audit

import (
	"context"
	"errors"
	"sync"
)

var ErrCorruptChain = errors.New("audit chain corruption detected")

// Sink receives transition events. Implementations chain HashPrev/HashCurr.
type Sink interface {
	Append(ctx context.Context, e Event) (Event, error)
}

type InMemoryStore struct {
	mu     sync.Mutex
	events []Event
	last   string
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{last: Genesis}
}

func (s *InMemoryStore) Append(_ context.Context, e Event) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.PartitionDay == "" {
		e.PartitionDay = e.RecordedAt.UTC().Format("2006-01-02")
	}
	e.HashPrev = s.last
	e.HashCurr = ComputeHash(s.last, e)

	if len(s.events) > 0 {
		prev := s.events[len(s.events)-1]
		recomputed := ComputeHash(prev.HashPrev, prev)
		if recomputed != prev.HashCurr {
			return Event{}, ErrCorruptChain
		}
	}

	s.events = append(s.events, e)
	s.last = e.HashCurr
	return e, nil
}

func (s *InMemoryStore) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// ForRequest returns the trail of a single request in append order.
func (s *InMemoryStore) ForRequest(requestID string) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Event, 0)
	for _, e := range s.events {
		if e.RequestID == requestID {
			out = append(out, e)
		}
	}
	return out
}

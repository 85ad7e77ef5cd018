package memory

import (
	"context"
	"sync"
	"time"

	"github.com/aridsondez/pubsub-delivery/internal/metrics"
	"github.com/aridsondez/pubsub-delivery/internal/queue"
	"github.com/aridsondez/pubsub-delivery/internal/queue/store"
)

var _ store.Store = (*Store)(nil)

type delivery struct {
	key string
	id  string
}

// Store is an in-process store.Store. It ignores sessions and loses
// everything when the process exits.
type Store struct {
	mu         sync.Mutex
	messages   map[string]queue.Record
	deliveries map[delivery]string
}

func New() *Store {
	return &Store{
		messages:   map[string]queue.Record{},
		deliveries: map[delivery]string{},
	}
}

func (s *Store) Publish(_ context.Context, rec queue.Record, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.messages[rec.ID]; !ok {
		s.messages[rec.ID] = rec
	}
	for _, k := range keys {
		d := delivery{k, rec.ID}
		if _, ok := s.deliveries[d]; !ok {
			s.deliveries[d] = store.StatePending
		}
	}
	return nil
}

func (s *Store) FetchSince(_ context.Context, key string, since time.Time, _ queue.Session) ([]queue.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []queue.Record
	for d, state := range s.deliveries {
		if d.key != key || state != store.StatePending {
			continue
		}
		r, ok := s.messages[d.id]
		if !ok || (!since.IsZero() && r.PubTime.Before(since)) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *Store) Confirm(_ context.Context, key, messageID string) error {
	s.setState(key, messageID, store.StateDelivered)
	return nil
}

func (s *Store) DeadLetter(_ context.Context, key, messageID string) error {
	s.setState(key, messageID, store.StateDead)
	return nil
}

// State returns the delivery state of messageID for key, or "" if there is none.
func (s *Store) State(key, messageID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deliveries[delivery{key, messageID}]
}

func (s *Store) setState(key, messageID, state string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := delivery{key, messageID}
	if s.deliveries[d] == store.StatePending {
		s.deliveries[d] = state
	}
}

func (s *Store) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, r := range s.messages {
		if r.ExpirationTime.IsZero() || now.Before(r.ExpirationTime) {
			continue
		}
		delete(s.messages, id)
		for d := range s.deliveries {
			if d.id == id {
				delete(s.deliveries, d)
			}
		}
		n++
	}

	if n > 0 {
		metrics.MessagesExpired.WithLabelValues("store").Add(float64(n))
	}
	return n, nil
}

func (s *Store) Close() error { return nil }

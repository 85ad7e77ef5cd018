package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/aridsondez/pubsub-delivery/internal/metrics"
	"github.com/aridsondez/pubsub-delivery/internal/queue"
	"github.com/aridsondez/pubsub-delivery/internal/queue/store"
)

var _ store.Store = (*BoltStore)(nil)

var (
	// messagesBucketKey holds one JSON-encoded queue.Record per message ID.
	messagesBucketKey = []byte("messages")

	// deliveriesBucketKey holds a child bucket per subscription key. Within
	// it, the keys are message IDs and the values are the delivery state.
	deliveriesBucketKey = []byte("deliveries")
)

// BoltStore keeps messages in a bbolt file. It accepts *bbolt.Tx sessions;
// Confirm and DeadLetter always use their own read-write transaction.
type BoltStore struct {
	db *bbolt.DB
}

// Open opens (or creates) the database file at path.
func Open(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(messagesBucketKey); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(deliveriesBucketKey)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// DB exposes the handle so callers can begin transactions to use as sessions.
func (s *BoltStore) DB() *bbolt.DB {
	return s.db
}

func (s *BoltStore) Publish(_ context.Context, rec queue.Record, keys []string) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		msgs := tx.Bucket(messagesBucketKey)
		if msgs.Get([]byte(rec.ID)) == nil {
			if err := msgs.Put([]byte(rec.ID), data); err != nil {
				return err
			}
		}

		deliveries := tx.Bucket(deliveriesBucketKey)
		for _, k := range keys {
			b, err := deliveries.CreateBucketIfNotExists([]byte(k))
			if err != nil {
				return fmt.Errorf("delivery bucket %s: %w", k, err)
			}
			if b.Get([]byte(rec.ID)) != nil {
				continue
			}
			if err := b.Put([]byte(rec.ID), []byte(store.StatePending)); err != nil {
				return err
			}
		}
		return nil
	})
}

// FetchSince returns pending messages for key. sess may be nil or a *bbolt.Tx.
func (s *BoltStore) FetchSince(_ context.Context, key string, since time.Time, sess queue.Session) ([]queue.Record, error) {
	var out []queue.Record

	fetch := func(tx *bbolt.Tx) error {
		b := tx.Bucket(deliveriesBucketKey).Bucket([]byte(key))
		if b == nil {
			return nil
		}
		msgs := tx.Bucket(messagesBucketKey)

		return b.ForEach(func(id, state []byte) error {
			if string(state) != store.StatePending {
				return nil
			}

			data := msgs.Get(id)
			if data == nil {
				return nil
			}

			var r queue.Record
			if err := json.Unmarshal(data, &r); err != nil {
				return fmt.Errorf("unmarshal %s: %w", id, err)
			}
			if !since.IsZero() && r.PubTime.Before(since) {
				return nil
			}

			out = append(out, r)
			return nil
		})
	}

	switch tx := sess.(type) {
	case nil:
		if err := s.db.View(fetch); err != nil {
			return nil, err
		}
	case *bbolt.Tx:
		if err := fetch(tx); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: %T", store.ErrSessionType, sess)
	}

	return out, nil
}

func (s *BoltStore) Confirm(_ context.Context, key, messageID string) error {
	return s.setState(key, messageID, store.StateDelivered)
}

func (s *BoltStore) DeadLetter(_ context.Context, key, messageID string) error {
	return s.setState(key, messageID, store.StateDead)
}

// setState moves a pending delivery to state. Unknown deliveries are ignored.
func (s *BoltStore) setState(key, messageID, state string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(deliveriesBucketKey).Bucket([]byte(key))
		if b == nil {
			return nil
		}
		if string(b.Get([]byte(messageID))) != store.StatePending {
			return nil
		}
		return b.Put([]byte(messageID), []byte(state))
	})
}

func (s *BoltStore) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	n := 0

	err := s.db.Update(func(tx *bbolt.Tx) error {
		msgs := tx.Bucket(messagesBucketKey)

		var expired [][]byte
		err := msgs.ForEach(func(id, data []byte) error {
			var r queue.Record
			if err := json.Unmarshal(data, &r); err != nil {
				return fmt.Errorf("unmarshal %s: %w", id, err)
			}
			if !r.ExpirationTime.IsZero() && !now.Before(r.ExpirationTime) {
				expired = append(expired, append([]byte(nil), id...))
			}
			return nil
		})
		if err != nil {
			return err
		}

		deliveries := tx.Bucket(deliveriesBucketKey)
		for _, id := range expired {
			if err := msgs.Delete(id); err != nil {
				return err
			}
			err := deliveries.ForEach(func(k, _ []byte) error {
				return deliveries.Bucket(k).Delete(id)
			})
			if err != nil {
				return err
			}
		}

		n = len(expired)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("delete expired: %w", err)
	}

	if n > 0 {
		metrics.MessagesExpired.WithLabelValues("store").Add(float64(n))
	}
	return n, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

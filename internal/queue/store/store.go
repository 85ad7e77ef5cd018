package store

import (
	"context"
	"errors"
	"time"

	"github.com/aridsondez/pubsub-delivery/internal/queue"
)

// ErrSessionType is returned when a store receives a Session it cannot use.
var ErrSessionType = errors.New("unsupported session type")

// Delivery states of a (subscription, message) pair.
const (
	StatePending   = "pending"
	StateDelivered = "delivered"
	StateDead      = "dead"
)

// Store is the DB-agnostic interface the rest of the app uses.
type Store interface {
	queue.Persistence
	queue.DeadLetterer

	// Publish saves a message and a pending delivery for every key, atomically.
	Publish(ctx context.Context, rec queue.Record, keys []string) error

	// DeleteExpired removes messages whose expiration time is at or before now.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)

	Close() error
}

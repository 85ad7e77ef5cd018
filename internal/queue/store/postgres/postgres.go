package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aridsondez/pubsub-delivery/internal/metrics"
	"github.com/aridsondez/pubsub-delivery/internal/queue"
	"github.com/aridsondez/pubsub-delivery/internal/queue/store"
)

// Ensure *PostgresStore implements store.Store at compile time.
var _ store.Store = (*PostgresStore)(nil)

// PostgresStore keeps messages in Postgres. It accepts pgx.Tx sessions.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// SQL templates
const (
	Schema = `
CREATE TABLE IF NOT EXISTS pubsub_message (
  id                TEXT PRIMARY KEY,
  correl_id         TEXT NOT NULL DEFAULT '',
  in_reply_to       TEXT NOT NULL DEFAULT '',
  ext_client_id     TEXT NOT NULL DEFAULT '',
  group_id          TEXT NOT NULL DEFAULT '',
  position_in_group INTEGER NOT NULL DEFAULT 0,
  pub_time          TIMESTAMPTZ NOT NULL,
  ext_pub_time      TIMESTAMPTZ NOT NULL,
  data              BYTEA,
  mime_type         TEXT NOT NULL DEFAULT '',
  priority          SMALLINT NOT NULL DEFAULT 5,
  expiration_ms     BIGINT NOT NULL DEFAULT 0,
  expiration_time   TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS pubsub_delivery (
  sub_key      TEXT NOT NULL,
  msg_id       TEXT NOT NULL REFERENCES pubsub_message(id) ON DELETE CASCADE,
  state        TEXT NOT NULL DEFAULT 'pending',
  delivered_at TIMESTAMPTZ,
  PRIMARY KEY (sub_key, msg_id)
);

CREATE INDEX IF NOT EXISTS pubsub_delivery_pending
  ON pubsub_delivery (sub_key) WHERE state = 'pending';`

	sqlInsertMessage = `
INSERT INTO pubsub_message (
  id, correl_id, in_reply_to, ext_client_id, group_id, position_in_group,
  pub_time, ext_pub_time, data, mime_type, priority, expiration_ms, expiration_time
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (id) DO NOTHING;`

	sqlInsertDelivery = `
INSERT INTO pubsub_delivery (sub_key, msg_id)
VALUES ($1, $2)
ON CONFLICT (sub_key, msg_id) DO NOTHING;`

	sqlFetchSince = `
SELECT m.id, m.correl_id, m.in_reply_to, m.ext_client_id, m.group_id, m.position_in_group,
       m.pub_time, m.ext_pub_time, m.data, m.mime_type, m.priority, m.expiration_ms, m.expiration_time
FROM pubsub_delivery d
JOIN pubsub_message m ON m.id = d.msg_id
WHERE d.sub_key = $1
  AND d.state = 'pending'
  AND ($2::timestamptz IS NULL OR m.pub_time >= $2)
ORDER BY m.pub_time;`

	// Confirming a row that is already delivered, or unknown, is a no-op.
	sqlConfirm = `
UPDATE pubsub_delivery
SET state = 'delivered', delivered_at = now()
WHERE sub_key = $1 AND msg_id = $2 AND state = 'pending';`

	sqlDeadLetter = `
UPDATE pubsub_delivery
SET state = 'dead'
WHERE sub_key = $1 AND msg_id = $2 AND state = 'pending';`

	sqlDeleteExpired = `
DELETE FROM pubsub_message
WHERE expiration_time IS NOT NULL
  AND expiration_time <= $1;`
)

// Migrate creates the tables if they do not exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Publish inserts the message and its pending deliveries in one transaction.
func (p *PostgresStore) Publish(ctx context.Context, rec queue.Record, keys []string) error {
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, sqlInsertMessage,
			rec.ID,
			rec.CorrelID,
			rec.InReplyTo,
			rec.ExtClientID,
			rec.GroupID,
			rec.PositionInGroup,
			rec.PubTime,
			rec.ExtPubTime,
			rec.Data,
			rec.MimeType,
			rec.Priority,
			rec.Expiration.Milliseconds(),
			nullTime(rec.ExpirationTime),
		); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}

		b := &pgx.Batch{}
		for _, k := range keys {
			b.Queue(sqlInsertDelivery, k, rec.ID)
		}
		if err := tx.SendBatch(ctx, b).Close(); err != nil {
			return fmt.Errorf("insert deliveries: %w", err)
		}
		return nil
	})
}

// FetchSince returns pending messages for key. sess may be nil or a pgx.Tx.
func (p *PostgresStore) FetchSince(ctx context.Context, key string, since time.Time, sess queue.Session) ([]queue.Record, error) {
	q, err := p.querier(sess)
	if err != nil {
		return nil, err
	}

	rows, err := q.Query(ctx, sqlFetchSince, key, nullTime(since))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []queue.Record
	for rows.Next() {
		var (
			r       queue.Record
			expMS   int64
			expTime *time.Time
		)
		// NOTE: Column order must match sqlFetchSince.
		err = rows.Scan(
			&r.ID,
			&r.CorrelID,
			&r.InReplyTo,
			&r.ExtClientID,
			&r.GroupID,
			&r.PositionInGroup,
			&r.PubTime,
			&r.ExtPubTime,
			&r.Data,
			&r.MimeType,
			&r.Priority,
			&expMS,
			&expTime,
		)
		if err != nil {
			return nil, err
		}
		r.Expiration = time.Duration(expMS) * time.Millisecond
		if expTime != nil {
			r.ExpirationTime = *expTime
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Confirm marks the delivery of messageID to key as done.
func (p *PostgresStore) Confirm(ctx context.Context, key, messageID string) error {
	_, err := p.pool.Exec(ctx, sqlConfirm, key, messageID)
	return err
}

// DeadLetter parks a message that could not be delivered.
func (p *PostgresStore) DeadLetter(ctx context.Context, key, messageID string) error {
	_, err := p.pool.Exec(ctx, sqlDeadLetter, key, messageID)
	return err
}

// DeleteExpired removes expired messages along with their deliveries.
func (p *PostgresStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	tag, err := p.pool.Exec(ctx, sqlDeleteExpired, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired: %w", err)
	}

	n := int(tag.RowsAffected())
	if n > 0 {
		metrics.MessagesExpired.WithLabelValues("store").Add(float64(n))
	}
	return n, nil
}

// Close releases the pool.
func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}

func (p *PostgresStore) querier(sess queue.Session) (querier, error) {
	switch s := sess.(type) {
	case nil:
		return p.pool, nil
	case pgx.Tx:
		return s, nil
	default:
		return nil, fmt.Errorf("%w: %T", store.ErrSessionType, sess)
	}
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

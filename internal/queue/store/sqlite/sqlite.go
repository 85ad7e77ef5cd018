package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/aridsondez/pubsub-delivery/internal/metrics"
	"github.com/aridsondez/pubsub-delivery/internal/queue"
	"github.com/aridsondez/pubsub-delivery/internal/queue/store"
)

var _ store.Store = (*SQLiteStore)(nil)

// SQLiteStore keeps messages in an SQLite database. Times are stored as
// Unix nanoseconds so they compare correctly. It accepts *sql.Tx sessions.
type SQLiteStore struct {
	db *sql.DB
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

const (
	schema = `
CREATE TABLE IF NOT EXISTS pubsub_message (
	id                TEXT PRIMARY KEY NOT NULL,
	correl_id         TEXT NOT NULL DEFAULT '',
	in_reply_to       TEXT NOT NULL DEFAULT '',
	ext_client_id     TEXT NOT NULL DEFAULT '',
	group_id          TEXT NOT NULL DEFAULT '',
	position_in_group INTEGER NOT NULL DEFAULT 0,
	pub_time          INTEGER NOT NULL,
	ext_pub_time      INTEGER NOT NULL,
	data              BLOB,
	mime_type         TEXT NOT NULL DEFAULT '',
	priority          INTEGER NOT NULL DEFAULT 5,
	expiration_ms     INTEGER NOT NULL DEFAULT 0,
	expiration_time   INTEGER NOT NULL DEFAULT 0 -- 0 means never
);

CREATE TABLE IF NOT EXISTS pubsub_delivery (
	sub_key      TEXT NOT NULL,
	msg_id       TEXT NOT NULL,
	state        TEXT NOT NULL DEFAULT 'pending',
	delivered_at INTEGER,
	PRIMARY KEY(sub_key, msg_id),
	FOREIGN KEY(msg_id) REFERENCES pubsub_message(id) ON DELETE CASCADE
);`

	sqlInsertMessage = `
	insert or ignore into pubsub_message(
		id, correl_id, in_reply_to, ext_client_id, group_id, position_in_group,
		pub_time, ext_pub_time, data, mime_type, priority, expiration_ms, expiration_time
	) values(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	sqlInsertDelivery = `insert or ignore into pubsub_delivery(sub_key, msg_id) values(?, ?)`

	sqlFetchSince = `
	select m.id, m.correl_id, m.in_reply_to, m.ext_client_id, m.group_id, m.position_in_group,
		m.pub_time, m.ext_pub_time, m.data, m.mime_type, m.priority, m.expiration_ms, m.expiration_time
	from pubsub_delivery d join pubsub_message m on m.id = d.msg_id
	where d.sub_key = ? and d.state = 'pending' and m.pub_time >= ?
	order by m.pub_time asc`

	sqlConfirm = `update pubsub_delivery set state = 'delivered', delivered_at = ? where sub_key = ? and msg_id = ? and state = 'pending'`

	sqlDeadLetter = `update pubsub_delivery set state = 'dead' where sub_key = ? and msg_id = ? and state = 'pending'`

	sqlDeleteExpiredDeliveries = `
	delete from pubsub_delivery where msg_id in (
		select id from pubsub_message where expiration_time != 0 and expiration_time <= ?
	)`

	sqlDeleteExpired = `delete from pubsub_message where expiration_time != 0 and expiration_time <= ?`
)

// Open opens (or creates) the database at path and creates the tables.
func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite allows a single writer; serialising here avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// DB exposes the handle so callers can begin transactions to use as sessions.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) Publish(ctx context.Context, rec queue.Record, keys []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, sqlInsertMessage,
		rec.ID,
		rec.CorrelID,
		rec.InReplyTo,
		rec.ExtClientID,
		rec.GroupID,
		rec.PositionInGroup,
		rec.PubTime.UnixNano(),
		toNanos(rec.ExtPubTime),
		rec.Data,
		rec.MimeType,
		rec.Priority,
		rec.Expiration.Milliseconds(),
		toNanos(rec.ExpirationTime),
	); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, sqlInsertDelivery)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, k := range keys {
		if _, err := stmt.ExecContext(ctx, k, rec.ID); err != nil {
			return fmt.Errorf("insert delivery for %s: %w", k, err)
		}
	}

	return tx.Commit()
}

// FetchSince returns pending messages for key. sess may be nil or a *sql.Tx.
func (s *SQLiteStore) FetchSince(ctx context.Context, key string, since time.Time, sess queue.Session) ([]queue.Record, error) {
	q, err := s.querier(sess)
	if err != nil {
		return nil, err
	}

	rows, err := q.QueryContext(ctx, sqlFetchSince, key, toNanos(since))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []queue.Record
	for rows.Next() {
		var (
			r                          queue.Record
			pubNS, extNS, expMS, expNS int64
		)
		err := rows.Scan(
			&r.ID,
			&r.CorrelID,
			&r.InReplyTo,
			&r.ExtClientID,
			&r.GroupID,
			&r.PositionInGroup,
			&pubNS,
			&extNS,
			&r.Data,
			&r.MimeType,
			&r.Priority,
			&expMS,
			&expNS,
		)
		if err != nil {
			return nil, err
		}
		r.PubTime = time.Unix(0, pubNS).UTC()
		r.ExtPubTime = fromNanos(extNS)
		r.Expiration = time.Duration(expMS) * time.Millisecond
		r.ExpirationTime = fromNanos(expNS)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Confirm(ctx context.Context, key, messageID string) error {
	_, err := s.db.ExecContext(ctx, sqlConfirm, time.Now().UnixNano(), key, messageID)
	return err
}

func (s *SQLiteStore) DeadLetter(ctx context.Context, key, messageID string) error {
	_, err := s.db.ExecContext(ctx, sqlDeadLetter, key, messageID)
	return err
}

func (s *SQLiteStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, sqlDeleteExpiredDeliveries, now.UnixNano()); err != nil {
		return 0, fmt.Errorf("delete expired deliveries: %w", err)
	}

	res, err := tx.ExecContext(ctx, sqlDeleteExpired, now.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("delete expired: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}

	if n > 0 {
		metrics.MessagesExpired.WithLabelValues("store").Add(float64(n))
	}
	return int(n), nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) querier(sess queue.Session) (querier, error) {
	switch t := sess.(type) {
	case nil:
		return s.db, nil
	case *sql.Tx:
		return t, nil
	default:
		return nil, fmt.Errorf("%w: %T", store.ErrSessionType, sess)
	}
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}

package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aridsondez/pubsub-delivery/internal/queue"
	"github.com/aridsondez/pubsub-delivery/internal/queue/store"
	"github.com/aridsondez/pubsub-delivery/internal/queue/store/storetest"
)

func openTemp(t *testing.T) *SQLiteStore {
	t.Helper()

	s, err := Open(filepath.Join(t.TempDir(), "pubsub.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return openTemp(t) })
}

func TestFetchSinceInTransaction(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)

	now := time.Now().UTC()
	require.NoError(t, s.Publish(ctx, queue.Record{ID: "a", PubTime: now, ExtPubTime: now}, []string{"sk.1"}))

	tx, err := s.DB().BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()

	recs, err := s.FetchSince(ctx, "sk.1", time.Time{}, tx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "a", recs[0].ID)
	assert.WithinDuration(t, now, recs[0].PubTime, 0)
}

func TestFetchSinceRejectsForeignSession(t *testing.T) {
	s := openTemp(t)

	_, err := s.FetchSince(context.Background(), "sk.1", time.Time{}, "not a tx")
	assert.ErrorIs(t, err, store.ErrSessionType)
}

func TestReopenKeepsPendingMessages(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "pubsub.db")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Publish(ctx, queue.Record{ID: "a", PubTime: time.Now()}, []string{"sk.1"}))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	recs, err := s.FetchSince(ctx, "sk.1", time.Time{}, nil)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

// Package storetest holds the behavior every store.Store must share.
package storetest

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aridsondez/pubsub-delivery/internal/queue"
	"github.com/aridsondez/pubsub-delivery/internal/queue/store"
)

// Factory returns an empty store. It is called once per subtest.
type Factory func(t *testing.T) store.Store

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func record(id string, pubSec int) queue.Record {
	pub := base.Add(time.Duration(pubSec) * time.Second)
	return queue.Record{
		ID:          id,
		CorrelID:    "cid-" + id,
		InReplyTo:   "",
		ExtClientID: "cli",
		PubTime:     pub,
		ExtPubTime:  pub.Add(-time.Second),
		Data:        []byte(`{"id":"` + id + `"}`),
		MimeType:    "application/json",
		Priority:    queue.DefaultPriority,
	}
}

func fetchIDs(t *testing.T, s store.Store, key string, since time.Time) []string {
	t.Helper()

	recs, err := s.FetchSince(context.Background(), key, since, nil)
	require.NoError(t, err)

	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.ID)
	}
	slices.Sort(out)
	return out
}

// Run exercises s against the store.Store contract.
func Run(t *testing.T, newStore Factory) {
	t.Run("RoundTrip", func(t *testing.T) { testRoundTrip(t, newStore(t)) })
	t.Run("FetchIsScopedToKey", func(t *testing.T) { testScopedToKey(t, newStore(t)) })
	t.Run("FetchSinceIsInclusive", func(t *testing.T) { testSinceInclusive(t, newStore(t)) })
	t.Run("ConfirmIsIdempotent", func(t *testing.T) { testConfirm(t, newStore(t)) })
	t.Run("DeadLetter", func(t *testing.T) { testDeadLetter(t, newStore(t)) })
	t.Run("PublishIsIdempotent", func(t *testing.T) { testPublishTwice(t, newStore(t)) })
	t.Run("DeleteExpired", func(t *testing.T) { testDeleteExpired(t, newStore(t)) })
}

func testRoundTrip(t *testing.T, s store.Store) {
	ctx := context.Background()

	want := record("m-1", 0)
	want.InReplyTo = "m-0"
	want.GroupID = "g"
	want.PositionInGroup = 3
	want.Priority = 8
	want.Expiration = 90 * time.Second
	want.ExpirationTime = want.PubTime.Add(want.Expiration)
	require.NoError(t, s.Publish(ctx, want, []string{"sk.1"}))

	recs, err := s.FetchSince(ctx, "sk.1", time.Time{}, nil)
	require.NoError(t, err)
	require.Len(t, recs, 1)

	got := recs[0]
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, want.CorrelID, got.CorrelID)
	assert.Equal(t, want.InReplyTo, got.InReplyTo)
	assert.Equal(t, want.ExtClientID, got.ExtClientID)
	assert.Equal(t, want.GroupID, got.GroupID)
	assert.Equal(t, want.PositionInGroup, got.PositionInGroup)
	assert.True(t, want.PubTime.Equal(got.PubTime), "pub_time %s != %s", want.PubTime, got.PubTime)
	assert.True(t, want.ExtPubTime.Equal(got.ExtPubTime), "ext_pub_time %s != %s", want.ExtPubTime, got.ExtPubTime)
	assert.Equal(t, want.Data, got.Data)
	assert.Equal(t, want.MimeType, got.MimeType)
	assert.Equal(t, want.Priority, got.Priority)
	assert.Equal(t, want.Expiration, got.Expiration)
	assert.True(t, want.ExpirationTime.Equal(got.ExpirationTime))

	require.NoError(t, s.Publish(ctx, record("m-2", 1), []string{"sk.1"}))
	recs, err = s.FetchSince(ctx, "sk.1", time.Time{}, nil)
	require.NoError(t, err)
	for _, r := range recs {
		if r.ID == "m-2" {
			assert.True(t, r.ExpirationTime.IsZero(), "no expiration must read back as zero time")
		}
	}
}

func testScopedToKey(t *testing.T, s store.Store) {
	ctx := context.Background()

	require.NoError(t, s.Publish(ctx, record("a", 0), []string{"sk.1", "sk.2"}))
	require.NoError(t, s.Publish(ctx, record("b", 1), []string{"sk.2"}))

	assert.Equal(t, []string{"a"}, fetchIDs(t, s, "sk.1", time.Time{}))
	assert.Equal(t, []string{"a", "b"}, fetchIDs(t, s, "sk.2", time.Time{}))
	assert.Empty(t, fetchIDs(t, s, "sk.3", time.Time{}))
}

func testSinceInclusive(t *testing.T, s store.Store) {
	ctx := context.Background()

	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.Publish(ctx, record(id, i*10), []string{"sk.1"}))
	}

	assert.Equal(t, []string{"b", "c"}, fetchIDs(t, s, "sk.1", base.Add(10*time.Second)))
	assert.Equal(t, []string{"c"}, fetchIDs(t, s, "sk.1", base.Add(11*time.Second)))
	assert.Empty(t, fetchIDs(t, s, "sk.1", base.Add(time.Minute)))
}

func testConfirm(t *testing.T, s store.Store) {
	ctx := context.Background()

	require.NoError(t, s.Publish(ctx, record("a", 0), []string{"sk.1", "sk.2"}))

	require.NoError(t, s.Confirm(ctx, "sk.1", "a"))
	require.NoError(t, s.Confirm(ctx, "sk.1", "a"))
	require.NoError(t, s.Confirm(ctx, "sk.1", "unknown"))
	require.NoError(t, s.Confirm(ctx, "sk.unknown", "a"))

	assert.Empty(t, fetchIDs(t, s, "sk.1", time.Time{}))
	assert.Equal(t, []string{"a"}, fetchIDs(t, s, "sk.2", time.Time{}), "confirm is per subscription")
}

func testDeadLetter(t *testing.T, s store.Store) {
	ctx := context.Background()

	require.NoError(t, s.Publish(ctx, record("a", 0), []string{"sk.1"}))
	require.NoError(t, s.DeadLetter(ctx, "sk.1", "a"))
	assert.Empty(t, fetchIDs(t, s, "sk.1", time.Time{}))

	// A dead delivery does not come back to life on confirm.
	require.NoError(t, s.Confirm(ctx, "sk.1", "a"))
	assert.Empty(t, fetchIDs(t, s, "sk.1", time.Time{}))
}

func testPublishTwice(t *testing.T, s store.Store) {
	ctx := context.Background()

	rec := record("a", 0)
	require.NoError(t, s.Publish(ctx, rec, []string{"sk.1"}))
	require.NoError(t, s.Confirm(ctx, "sk.1", "a"))
	require.NoError(t, s.Publish(ctx, rec, []string{"sk.1", "sk.2"}))

	assert.Empty(t, fetchIDs(t, s, "sk.1", time.Time{}), "re-publishing must not reopen a delivered message")
	assert.Equal(t, []string{"a"}, fetchIDs(t, s, "sk.2", time.Time{}))
}

func testDeleteExpired(t *testing.T, s store.Store) {
	ctx := context.Background()

	expired := record("old", 0)
	expired.Expiration = time.Minute
	expired.ExpirationTime = base.Add(time.Minute)

	live := record("new", 0)
	live.Expiration = time.Hour
	live.ExpirationTime = base.Add(time.Hour)

	forever := record("forever", 0)

	for _, r := range []queue.Record{expired, live, forever} {
		require.NoError(t, s.Publish(ctx, r, []string{"sk.1"}))
	}

	n, err := s.DeleteExpired(ctx, base.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"forever", "new"}, fetchIDs(t, s, "sk.1", time.Time{}))

	n, err = s.DeleteExpired(ctx, base.Add(time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n)
}

package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/aridsondez/pubsub-delivery/internal/queue"
)

func TestDeliverPostsMessage(t *testing.T) {
	var (
		got     Delivery
		headers http.Header
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	wh := NewWebhook(zaptest.NewLogger(t))
	wh.Register("sk.1", srv.URL)

	pub := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m := &queue.Message{
		ID:             "m-1",
		CorrelID:       "cid-1",
		PubTime:        pub,
		ExtPubTime:     pub.Add(-time.Second),
		Data:           []byte("hello"),
		MimeType:       "text/plain",
		Priority:       9,
		ExpirationTime: pub.Add(time.Hour),
		HasGD:          true,
	}
	require.NoError(t, wh.Deliver(context.Background(), "sk.1", m))

	assert.Equal(t, "sk.1", headers.Get(HeaderSubscriptionKey))
	assert.Equal(t, "cid-1", headers.Get(HeaderCorrelationID))
	assert.Equal(t, "application/json", headers.Get("Content-Type"))

	assert.Equal(t, "sk.1", got.SubKey)
	assert.Equal(t, "m-1", got.ID)
	assert.Equal(t, []byte("hello"), got.Data)
	assert.Equal(t, 9, got.Priority)
	assert.True(t, got.HasGD)
	require.NotNil(t, got.ExtPubTime)
	assert.True(t, pub.Add(-time.Second).Equal(*got.ExtPubTime))
	require.NotNil(t, got.ExpirationTime)
	assert.True(t, pub.Add(time.Hour).Equal(*got.ExpirationTime))
}

func TestDeliverOmitsZeroTimes(t *testing.T) {
	d := toDelivery("sk.1", &queue.Message{ID: "m-1"})
	assert.Nil(t, d.ExtPubTime)
	assert.Nil(t, d.ExpirationTime)
}

func TestDeliverFailsOnErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "handler exploded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	wh := NewWebhook(zaptest.NewLogger(t))
	wh.Register("sk.1", srv.URL)

	err := wh.Deliver(context.Background(), "sk.1", &queue.Message{ID: "m-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
	assert.Contains(t, err.Error(), "handler exploded")
}

func TestDeliverFailsWhenUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	wh := NewWebhook(zaptest.NewLogger(t))
	wh.Register("sk.1", url)

	assert.Error(t, wh.Deliver(context.Background(), "sk.1", &queue.Message{ID: "m-1"}))
}

func TestDeliverHonorsContext(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	wh := NewWebhook(zaptest.NewLogger(t))
	wh.Register("sk.1", srv.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := wh.Deliver(ctx, "sk.1", &queue.Message{ID: "m-1"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEndpointRegistration(t *testing.T) {
	wh := NewWebhook(zaptest.NewLogger(t))

	err := wh.Deliver(context.Background(), "sk.1", &queue.Message{ID: "m-1"})
	assert.ErrorIs(t, err, ErrNoEndpoint)

	wh.Register("sk.1", "http://example.invalid/hook")
	url, ok := wh.Endpoint("sk.1")
	assert.True(t, ok)
	assert.Equal(t, "http://example.invalid/hook", url)

	wh.Unregister("sk.1")
	_, ok = wh.Endpoint("sk.1")
	assert.False(t, ok)
}

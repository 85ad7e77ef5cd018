package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/aridsondez/pubsub-delivery/internal/queue"
	"github.com/aridsondez/pubsub-delivery/internal/queue/store"
	"github.com/aridsondez/pubsub-delivery/internal/queue/store/memory"
	"github.com/aridsondez/pubsub-delivery/internal/transport"
)

// subscriber is a webhook endpoint that records what it receives.
type subscriber struct {
	srv     *httptest.Server
	failing atomic.Bool

	mu  sync.Mutex
	got []transport.Delivery
}

func newSubscriber(t *testing.T) *subscriber {
	s := &subscriber{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.failing.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}

		var d transport.Delivery
		if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		s.mu.Lock()
		s.got = append(s.got, d)
		s.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *subscriber) received() []transport.Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]transport.Delivery(nil), s.got...)
}

func (s *subscriber) receivedIDs() []string {
	var ids []string
	for _, d := range s.received() {
		ids = append(ids, d.ID)
	}
	return ids
}

type harness struct {
	api      *httptest.Server
	store    *memory.Store
	registry *queue.Registry
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	st := memory.New()
	wh := transport.NewWebhook(zap.NewNop())
	reg := queue.NewRegistry(queue.RegistryConfig{
		Transport:   wh,
		Persistence: st,
		Policy: queue.Policy{
			IdleInterval: time.Millisecond,
			BackoffMin:   10 * time.Millisecond,
			BackoffMax:   20 * time.Millisecond,
		},
		Logger: zap.NewNop(),
	})

	srv := &Server{
		registry:  reg,
		store:     st,
		endpoints: wh,
		logger:    zaptest.NewLogger(t),
		timeout:   5 * time.Second,
	}
	api := httptest.NewServer(srv.Routes())

	t.Cleanup(func() {
		api.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = reg.Shutdown(ctx)
	})

	return &harness{api: api, store: st, registry: reg}
}

func (h *harness) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req, err := http.NewRequest(method, h.api.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()

	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (h *harness) subscribe(t *testing.T, key string, sub *subscriber) {
	t.Helper()
	resp := h.do(t, http.MethodPut, "/v1/subscriptions/"+key, map[string]string{"endpoint": sub.srv.URL})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	h := newHarness(t)

	resp := h.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSubscriptionLifecycle(t *testing.T) {
	h := newHarness(t)
	sub := newSubscriber(t)

	resp := h.do(t, http.MethodPut, "/v1/subscriptions/orders", map[string]string{"endpoint": sub.srv.URL})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[subscriptionResponse](t, resp)
	assert.Equal(t, "orders", created.Key)
	assert.Equal(t, sub.srv.URL, created.Endpoint)

	// Subscribing again only updates the endpoint.
	resp = h.do(t, http.MethodPut, "/v1/subscriptions/orders", map[string]string{"endpoint": sub.srv.URL + "/v2"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, sub.srv.URL+"/v2", decode[subscriptionResponse](t, resp).Endpoint)

	resp = h.do(t, http.MethodGet, "/v1/subscriptions/orders", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[subscriptionResponse](t, resp)
	assert.Zero(t, got.Pending)
	assert.NotEqual(t, queue.StateStopped.String(), got.State)

	resp = h.do(t, http.MethodDelete, "/v1/subscriptions/orders", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.False(t, h.registry.Has("orders"))

	resp = h.do(t, http.MethodGet, "/v1/subscriptions/orders", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = h.do(t, http.MethodDelete, "/v1/subscriptions/orders", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSubscribeValidation(t *testing.T) {
	h := newHarness(t)

	resp := h.do(t, http.MethodPut, "/v1/subscriptions/orders", map[string]string{"endpoint": "not-a-url"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = h.do(t, http.MethodPut, "/v1/subscriptions/orders", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	assert.False(t, h.registry.Has("orders"))
}

func TestPublishEphemeral(t *testing.T) {
	h := newHarness(t)
	sub := newSubscriber(t)
	h.subscribe(t, "orders", sub)

	resp := h.do(t, http.MethodPost, "/v1/publish", map[string]any{
		"pub_correl_id":     "cid-1",
		"subscription_keys": []string{"orders", "nobody"},
		"messages": []map[string]any{
			{"pub_msg_id": "m-1", "data": map[string]string{"order": "42"}},
		},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	out := decode[publishResponse](t, resp)
	assert.Equal(t, "cid-1", out.CorrelID)
	assert.Equal(t, []queue.Ack{{ID: "m-1", HasGD: false}}, out.Messages)

	require.Eventually(t, func() bool { return len(sub.received()) == 1 }, 2*time.Second, 5*time.Millisecond)

	d := sub.received()[0]
	assert.Equal(t, "orders", d.SubKey)
	assert.Equal(t, "cid-1", d.CorrelID)
	assert.Equal(t, queue.DefaultPriority, d.Priority)
	assert.Equal(t, "application/json", d.MimeType)
	assert.JSONEq(t, `{"order":"42"}`, string(d.Data))
	assert.False(t, d.HasGD)

	// Ephemeral messages never reach the store.
	assert.Empty(t, h.store.State("orders", "m-1"))
}

func TestPublishDurableRecoversAfterFailures(t *testing.T) {
	h := newHarness(t)
	sub := newSubscriber(t)
	sub.failing.Store(true)
	h.subscribe(t, "orders", sub)

	for _, p := range []int{1, 5, 9} {
		resp := h.do(t, http.MethodPost, "/v1/publish", map[string]any{
			"subscription_keys": []string{"orders"},
			"durable":           true,
			"messages": []map[string]any{
				{"pub_msg_id": fmt.Sprintf("p%d", p), "priority": p, "data": p},
			},
		})
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
		out := decode[publishResponse](t, resp)
		require.Len(t, out.Messages, 1)
		assert.True(t, out.Messages[0].HasGD)
	}

	require.Eventually(t, func() bool {
		pending, _ := h.registry.Pending("orders")
		return pending == 3
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, store.StatePending, h.store.State("orders", "p9"))

	sub.failing.Store(false)

	require.Eventually(t, func() bool { return len(sub.received()) == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"p9", "p5", "p1"}, sub.receivedIDs())
	for _, d := range sub.received() {
		assert.True(t, d.HasGD)
	}

	require.Eventually(t, func() bool {
		return h.store.State("orders", "p1") == store.StateDelivered
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, store.StateDelivered, h.store.State("orders", "p5"))
	assert.Equal(t, store.StateDelivered, h.store.State("orders", "p9"))
}

func TestSubscribePicksUpDurableBacklog(t *testing.T) {
	h := newHarness(t)
	sub := newSubscriber(t)

	// Published before anyone listened on this key.
	resp := h.do(t, http.MethodPost, "/v1/publish", map[string]any{
		"subscription_keys": []string{"late"},
		"durable":           true,
		"messages":          []map[string]any{{"pub_msg_id": "m-1", "data": "hi"}},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	h.subscribe(t, "late", sub)

	require.Eventually(t, func() bool { return len(sub.received()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"m-1"}, sub.receivedIDs())
}

func TestPublishValidation(t *testing.T) {
	h := newHarness(t)
	sub := newSubscriber(t)
	h.subscribe(t, "orders", sub)

	tests := []struct {
		name string
		body map[string]any
	}{
		{"no keys", map[string]any{"messages": []map[string]any{{"data": 1}}}},
		{"no messages", map[string]any{"subscription_keys": []string{"orders"}}},
		{"priority too high", map[string]any{
			"subscription_keys": []string{"orders"},
			"messages":          []map[string]any{{"data": 1, "priority": 10}},
		}},
		{"negative expiration", map[string]any{
			"subscription_keys": []string{"orders"},
			"messages":          []map[string]any{{"data": 1, "expiration": -5}},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := h.do(t, http.MethodPost, "/v1/publish", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}

	pending, err := h.registry.Pending("orders")
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestToPayloadDefaults(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ext := now.Add(-time.Minute)
	prio := 2

	p := toPayload("cid", now, publishMessage{Data: []byte(`"x"`)})
	assert.NotEmpty(t, p.ID)
	assert.Equal(t, "cid", p.CorrelID)
	assert.Equal(t, queue.DefaultPriority, p.Priority)
	assert.Equal(t, "application/json", p.MimeType)
	assert.Equal(t, now, p.PubTime)
	assert.Equal(t, now, p.ExtPubTime)
	assert.True(t, p.ExpirationTime.IsZero())
	require.NoError(t, p.Validate())

	p = toPayload("cid", now, publishMessage{
		ID:           "m-1",
		ExtPubTime:   &ext,
		Priority:     &prio,
		MimeType:     "text/plain",
		ExpirationMS: 1500,
	})
	assert.Equal(t, "m-1", p.ID)
	assert.Equal(t, ext, p.ExtPubTime)
	assert.Equal(t, 2, p.Priority)
	assert.Equal(t, "text/plain", p.MimeType)
	assert.Equal(t, now.Add(1500*time.Millisecond), p.ExpirationTime)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t)

	resp := h.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var buf bytes.Buffer
	_, err := buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "pubsub_active_subscriptions")
}

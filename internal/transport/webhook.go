package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aridsondez/pubsub-delivery/internal/queue"
)

// If a response is not received in this time, assume failure. The task's
// own delivery timeout usually fires first.
const requestTimeout = 10 * time.Second

// Headers set on every delivery request.
const (
	HeaderSubscriptionKey = "X-Subscription-Key"
	HeaderCorrelationID   = "X-Correlation-ID"
)

// ErrNoEndpoint is returned when a key has no registered endpoint.
var ErrNoEndpoint = errors.New("no endpoint registered")

// Delivery is the JSON body POSTed to a subscriber's endpoint.
type Delivery struct {
	SubKey          string     `json:"sub_key"`
	ID              string     `json:"pub_msg_id"`
	CorrelID        string     `json:"pub_correl_id,omitempty"`
	InReplyTo       string     `json:"in_reply_to,omitempty"`
	ExtClientID     string     `json:"ext_client_id,omitempty"`
	GroupID         string     `json:"group_id,omitempty"`
	PositionInGroup int        `json:"position_in_group,omitempty"`
	PubTime         time.Time  `json:"pub_time"`
	ExtPubTime      *time.Time `json:"ext_pub_time,omitempty"`
	Data            []byte     `json:"data"`
	MimeType        string     `json:"mime_type,omitempty"`
	Priority        int        `json:"priority"`
	ExpirationTime  *time.Time `json:"expiration_time,omitempty"`
	HasGD           bool       `json:"has_gd"`
}

// Webhook delivers messages by POSTing them to a per-subscription URL.
type Webhook struct {
	client *http.Client
	logger *zap.Logger

	mu        sync.RWMutex
	endpoints map[string]string
}

var _ queue.Transport = (*Webhook)(nil)

func NewWebhook(logger *zap.Logger) *Webhook {
	return &Webhook{
		client:    &http.Client{Timeout: requestTimeout},
		logger:    logger,
		endpoints: map[string]string{},
	}
}

// Register sets the URL deliveries for key are sent to.
func (w *Webhook) Register(key, url string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.endpoints[key] = url
}

// Unregister forgets key's endpoint.
func (w *Webhook) Unregister(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.endpoints, key)
}

// Endpoint returns the URL registered for key.
func (w *Webhook) Endpoint(key string) (string, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	url, ok := w.endpoints[key]
	return url, ok
}

// Deliver POSTs m to key's endpoint. Network errors and non-2xx responses
// are failures.
func (w *Webhook) Deliver(ctx context.Context, key string, m *queue.Message) error {
	url, ok := w.Endpoint(key)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoEndpoint, key)
	}

	body, err := json.Marshal(toDelivery(key, m))
	if err != nil {
		return fmt.Errorf("marshal delivery: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSubscriptionKey, key)
	if m.CorrelID != "" {
		req.Header.Set(HeaderCorrelationID, m.CorrelID)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("delivery failed: %s - %s", resp.Status, string(bodyBytes))
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	w.logger.Debug("delivered message",
		zap.String("sub_key", key),
		zap.String("pub_msg_id", m.ID),
		zap.String("endpoint", url),
	)
	return nil
}

func toDelivery(key string, m *queue.Message) Delivery {
	d := Delivery{
		SubKey:          key,
		ID:              m.ID,
		CorrelID:        m.CorrelID,
		InReplyTo:       m.InReplyTo,
		ExtClientID:     m.ExtClientID,
		GroupID:         m.GroupID,
		PositionInGroup: m.PositionInGroup,
		PubTime:         m.PubTime,
		Data:            m.Data,
		MimeType:        m.MimeType,
		Priority:        m.Priority,
		HasGD:           m.HasGD,
	}
	if !m.ExtPubTime.IsZero() {
		t := m.ExtPubTime
		d.ExtPubTime = &t
	}
	if !m.ExpirationTime.IsZero() {
		t := m.ExpirationTime
		d.ExpirationTime = &t
	}
	return d
}

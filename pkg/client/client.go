package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
)

// Client for the pub/sub delivery API
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a new pub/sub delivery client
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

// Subscription describes a registered subscription.
type Subscription struct {
	Key      string `json:"sub_key"`
	Endpoint string `json:"endpoint,omitempty"`
	Pending  int    `json:"pending"`
	State    string `json:"state"`
}

// Message is one message to publish.
type Message struct {
	Body        interface{}   // Marshaled to JSON
	Priority    *int          // 0..9, higher first (default: 5)
	ExtClientID string        // Publisher-side client ID
	ExtPubTime  time.Time     // Publisher-side publish time (default: server time)
	InReplyTo   string        // Message this one replies to
	Expiration  time.Duration // Zero means never expires
}

// PublishOptions for customizing a publish call
type PublishOptions struct {
	Durable  bool   // Persist before delivery (guaranteed delivery)
	CorrelID string // Correlation ID (default: new UUID)
}

// Ack identifies a published message.
type Ack struct {
	ID    string `json:"pub_msg_id"`
	HasGD bool   `json:"has_gd"`
}

// PublishResult is returned by Publish
type PublishResult struct {
	CorrelID string `json:"pub_correl_id"`
	Messages []Ack  `json:"messages"`
}

// Priority returns a pointer to p, for use in Message.
func Priority(p int) *int { return &p }

// Subscribe registers key so that its messages are POSTed to endpoint.
func (c *Client) Subscribe(ctx context.Context, key, endpoint string) (*Subscription, error) {
	var sub Subscription
	err := c.do(ctx, http.MethodPut, "/v1/subscriptions/"+url.PathEscape(key),
		map[string]string{"endpoint": endpoint}, &sub, http.StatusOK, http.StatusCreated)
	if err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	return &sub, nil
}

// GetSubscription returns the current state of key.
func (c *Client) GetSubscription(ctx context.Context, key string) (*Subscription, error) {
	var sub Subscription
	if err := c.do(ctx, http.MethodGet, "/v1/subscriptions/"+url.PathEscape(key), nil, &sub, http.StatusOK); err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return &sub, nil
}

// Unsubscribe removes key and stops its deliveries.
func (c *Client) Unsubscribe(ctx context.Context, key string) error {
	if err := c.do(ctx, http.MethodDelete, "/v1/subscriptions/"+url.PathEscape(key), nil, nil, http.StatusNoContent); err != nil {
		return fmt.Errorf("unsubscribe: %w", err)
	}
	return nil
}

// Publish sends messages to every subscription in keys
func (c *Client) Publish(ctx context.Context, keys []string, msgs []Message, opts *PublishOptions) (*PublishResult, error) {
	if opts == nil {
		opts = &PublishOptions{}
	}

	cid := opts.CorrelID
	if cid == "" {
		cid = uuid.NewString()
	}

	req := map[string]interface{}{
		"pub_correl_id":     cid,
		"subscription_keys": keys,
		"durable":           opts.Durable,
	}

	out := make([]map[string]interface{}, 0, len(msgs))
	for _, m := range msgs {
		body, err := json.Marshal(m.Body)
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}

		msg := map[string]interface{}{
			"data": json.RawMessage(body),
		}
		if m.Priority != nil {
			msg["priority"] = *m.Priority
		}
		if m.ExtClientID != "" {
			msg["ext_client_id"] = m.ExtClientID
		}
		if !m.ExtPubTime.IsZero() {
			msg["ext_pub_time"] = m.ExtPubTime
		}
		if m.InReplyTo != "" {
			msg["in_reply_to"] = m.InReplyTo
		}
		if m.Expiration > 0 {
			msg["expiration"] = m.Expiration.Milliseconds()
		}
		out = append(out, msg)
	}
	req["messages"] = out

	var result PublishResult
	if err := c.do(ctx, http.MethodPost, "/v1/publish", req, &result, http.StatusAccepted); err != nil {
		return nil, fmt.Errorf("publish: %w", err)
	}
	return &result, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}, okCodes ...int) error {
	var body io.Reader
	if in != nil {
		reqBody, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(reqBody)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	ok := false
	for _, code := range okCodes {
		if resp.StatusCode == code {
			ok = true
			break
		}
	}
	if !ok {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s - %s", resp.Status, string(bodyBytes))
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

package queue

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
)

// MaxPriority is the most urgent priority a message can carry.
const MaxPriority = 9

// DefaultPriority is used by publishers that do not set one.
const DefaultPriority = 5

// ErrInvalidPayload is returned when an ephemeral payload is missing required fields.
var ErrInvalidPayload = errors.New("invalid message payload")

// Record is the durable message row mapped to Go.
type Record struct {
	ID              string        `json:"pub_msg_id"`
	CorrelID        string        `json:"pub_correl_id"`
	InReplyTo       string        `json:"in_reply_to,omitempty"`
	ExtClientID     string        `json:"ext_client_id,omitempty"`
	GroupID         string        `json:"group_id,omitempty"`
	PositionInGroup int           `json:"position_in_group,omitempty"`
	PubTime         time.Time     `json:"pub_time"`
	ExtPubTime      time.Time     `json:"ext_pub_time"`
	Data            []byte        `json:"data"`
	MimeType        string        `json:"mime_type"`
	Priority        int           `json:"priority"`
	Expiration      time.Duration `json:"expiration"`
	ExpirationTime  time.Time     `json:"expiration_time"`
}

// Payload is a non-persisted message handed over by a publisher.
type Payload struct {
	ID              string    `json:"pub_msg_id"`
	CorrelID        string    `json:"pub_correl_id"`
	InReplyTo       string    `json:"in_reply_to,omitempty"`
	ExtClientID     string    `json:"ext_client_id,omitempty"`
	GroupID         string    `json:"group_id,omitempty"`
	PositionInGroup int       `json:"position_in_group,omitempty"`
	PubTime         time.Time `json:"pub_time"`
	ExtPubTime      time.Time `json:"ext_pub_time"`
	Data            []byte    `json:"data"`
	MimeType        string    `json:"mime_type"`
	Priority        int       `json:"priority"`
	// Expiration is in milliseconds.
	Expiration     int64     `json:"expiration,omitempty"`
	ExpirationTime time.Time `json:"expiration_time"`
}

// Validate reports every missing or out-of-range field of p.
func (p Payload) Validate() error {
	var err error
	if p.ID == "" {
		err = multierr.Append(err, errors.New("pub_msg_id is required"))
	}
	if p.PubTime.IsZero() {
		err = multierr.Append(err, errors.New("pub_time is required"))
	}
	if p.Priority < 0 || p.Priority > MaxPriority {
		err = multierr.Append(err, fmt.Errorf("priority %d is outside 0..%d", p.Priority, MaxPriority))
	}
	if p.Expiration < 0 {
		err = multierr.Append(err, fmt.Errorf("expiration %d is negative", p.Expiration))
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	return nil
}

// Session is the store-specific handle a caller may pass to fetch durable
// messages inside its own transaction.
//
// A nil Session lets the store use its own connection. Each store documents
// which concrete type it accepts.
type Session any

// Record converts a validated payload into a row for the durable store.
func (p Payload) Record() Record {
	return Record{
		ID:              p.ID,
		CorrelID:        p.CorrelID,
		InReplyTo:       p.InReplyTo,
		ExtClientID:     p.ExtClientID,
		GroupID:         p.GroupID,
		PositionInGroup: p.PositionInGroup,
		PubTime:         p.PubTime,
		ExtPubTime:      p.ExtPubTime,
		Data:            p.Data,
		MimeType:        p.MimeType,
		Priority:        p.Priority,
		Expiration:      time.Duration(p.Expiration) * time.Millisecond,
		ExpirationTime:  p.ExpirationTime,
	}
}

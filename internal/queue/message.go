package queue

import (
	"fmt"
	"time"
)

// Message is one unit of delivery for a subscription.
//
// Durable messages come from the store (NewDurable), ephemeral ones from a
// publisher's payload (NewEphemeral). Both sort and deliver the same way.
type Message struct {
	ID              string
	CorrelID        string
	InReplyTo       string
	ExtClientID     string
	GroupID         string
	PositionInGroup int
	PubTime         time.Time
	ExtPubTime      time.Time
	Data            []byte
	MimeType        string
	Priority        int
	Expiration      time.Duration
	ExpirationTime  time.Time

	// HasGD is true for durable ("guaranteed delivery") messages.
	HasGD bool

	// attempts counts failed deliveries; only the owning Task touches it.
	attempts int
}

// Ack is the outward representation of a message used when echoing
// acknowledgements to clients.
type Ack struct {
	ID    string `json:"pub_msg_id"`
	HasGD bool   `json:"has_gd"`
}

// NewDurable wraps a persisted record.
func NewDurable(r Record) *Message {
	return &Message{
		ID:              r.ID,
		CorrelID:        r.CorrelID,
		InReplyTo:       r.InReplyTo,
		ExtClientID:     r.ExtClientID,
		GroupID:         r.GroupID,
		PositionInGroup: r.PositionInGroup,
		PubTime:         r.PubTime,
		ExtPubTime:      r.ExtPubTime,
		Data:            r.Data,
		MimeType:        r.MimeType,
		Priority:        r.Priority,
		Expiration:      r.Expiration,
		ExpirationTime:  r.ExpirationTime,
		HasGD:           true,
	}
}

// NewEphemeral validates p and wraps it.
func NewEphemeral(p Payload) (*Message, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	return &Message{
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
		HasGD:           false,
	}, nil
}

// Compare orders messages by (MaxPriority-priority, ext pub time, pub time).
func Compare(a, b *Message) int {
	if pa, pb := MaxPriority-a.Priority, MaxPriority-b.Priority; pa != pb {
		if pa < pb {
			return -1
		}
		return 1
	}
	if c := a.ExtPubTime.Compare(b.ExtPubTime); c != 0 {
		return c
	}
	return a.PubTime.Compare(b.PubTime)
}

// Less reports whether m is delivered before o.
func (m *Message) Less(o *Message) bool {
	return Compare(m, o) < 0
}

// Expired reports whether m has an expiration time at or before now.
func (m *Message) Expired(now time.Time) bool {
	return !m.ExpirationTime.IsZero() && !now.Before(m.ExpirationTime)
}

// Ack returns the compact representation of m.
func (m *Message) Ack() Ack {
	return Ack{ID: m.ID, HasGD: m.HasGD}
}

func (m *Message) String() string {
	exp := "none"
	if !m.ExpirationTime.IsZero() {
		exp = m.ExpirationTime.UTC().Format(time.RFC3339Nano)
	}
	return fmt.Sprintf("<Msg pub_id:%s ext_cli:%s exp:%s>", m.ID, m.ExtClientID, exp)
}

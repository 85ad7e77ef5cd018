package queue

import (
	"math/rand/v2"
	"time"
)

// Policy controls how a Task paces its delivery passes.
type Policy struct {
	// IdleInterval is slept when the queue is empty or after a clean pass.
	IdleInterval time.Duration

	// BackoffMin and BackoffMax bound the random sleep after a failed pass.
	BackoffMin time.Duration
	BackoffMax time.Duration

	// DeliveryTimeout bounds each transport call. Zero means no timeout.
	DeliveryTimeout time.Duration

	// MaxAttempts is the number of failed deliveries after which the
	// message at the head of the queue is dead-lettered. Zero disables it.
	MaxAttempts int
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		IdleInterval:    1 * time.Second,
		BackoffMin:      10 * time.Second,
		BackoffMax:      20 * time.Second,
		DeliveryTimeout: 5 * time.Second,
	}
}

// withDefaults fills zero intervals from DefaultPolicy.
func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.IdleInterval <= 0 {
		p.IdleInterval = d.IdleInterval
	}
	if p.BackoffMin <= 0 && p.BackoffMax <= 0 {
		p.BackoffMin, p.BackoffMax = d.BackoffMin, d.BackoffMax
	}
	if p.BackoffMin <= 0 {
		p.BackoffMin = d.BackoffMin
	}
	if p.BackoffMax < p.BackoffMin {
		p.BackoffMax = p.BackoffMin
	}
	return p
}

// Backoff returns a duration chosen uniformly in [BackoffMin, BackoffMax].
func (p Policy) Backoff() time.Duration {
	span := p.BackoffMax - p.BackoffMin
	if span <= 0 {
		return p.BackoffMin
	}
	return p.BackoffMin + rand.N(span+1)
}

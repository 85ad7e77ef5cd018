package queue

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/aridsondez/pubsub-delivery/internal/metrics"
)

// ErrUnknownSubscription is returned for keys that were never added or
// have been removed.
var ErrUnknownSubscription = errors.New("unknown subscription")

// Transport sends messages to subscribers.
type Transport interface {
	// Deliver must return an error on any transport fault; a nil error is
	// treated as a successful send.
	Deliver(ctx context.Context, key string, m *Message) error
}

// Persistence is the durable store as seen by the scheduler.
type Persistence interface {
	// FetchSince returns undelivered durable messages for key published at
	// or after since. A zero since means no lower bound. Order is not relied upon.
	FetchSince(ctx context.Context, key string, since time.Time, sess Session) ([]Record, error)

	// Confirm marks a message as delivered. It must be idempotent and must
	// succeed for IDs it does not know.
	Confirm(ctx context.Context, key, messageID string) error
}

// DeadLetterer is implemented by persistence backends that can park
// messages which exhausted their delivery attempts.
type DeadLetterer interface {
	DeadLetter(ctx context.Context, key, messageID string) error
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	Transport   Transport
	Persistence Persistence
	Policy      Policy
	Clock       clock.Clock
	Logger      *zap.Logger
}

// subscription is the bookkeeping group for one key. It is created and
// discarded as a whole.
type subscription struct {
	mu        sync.Mutex // guards list, batchSize and lastFetch
	list      *List
	batchSize int
	lastFetch time.Time // zero until the first durable fetch returns rows
	task      *Task
}

// Registry owns the active subscriptions and their delivery tasks.
//
// r.mu guards only the key set. Everything inside a subscription is guarded
// by that subscription's own mutex, so work on one key never waits on another.
type Registry struct {
	transport   Transport
	persistence Persistence
	policy      Policy
	clock       clock.Clock
	logger      *zap.Logger

	mu   sync.Mutex
	subs map[string]*subscription
}

// NewRegistry creates an empty Registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	r := &Registry{
		transport:   cfg.Transport,
		persistence: cfg.Persistence,
		policy:      cfg.Policy.withDefaults(),
		clock:       cfg.Clock,
		logger:      cfg.Logger,
		subs:        map[string]*subscription{},
	}
	if _, ok := cfg.Persistence.(DeadLetterer); !ok && r.policy.MaxAttempts > 0 {
		r.logger.Warn("persistence cannot dead-letter, durable messages over max attempts stay queued",
			zap.Int("max_attempts", r.policy.MaxAttempts),
		)
	}
	return r
}

// AddSubscription creates the bookkeeping for key and starts its delivery
// task. It returns false if key is already registered.
func (r *Registry) AddSubscription(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.subs[key]; ok {
		return false
	}

	s := &subscription{
		list:      NewList(),
		batchSize: 1,
	}
	s.task = NewTask(TaskConfig{
		Key:     key,
		Lock:    &s.mu,
		List:    s.list,
		Deliver: bindDeliver(r.transport, key),
		Confirm: bindConfirm(r.persistence, key),
		Reject:  bindReject(r.persistence, key),
		Policy:  r.policy,
		Clock:   r.clock,
		Logger:  r.logger,
	})

	r.subs[key] = s
	s.task.Start()

	metrics.ActiveSubscriptions.Set(float64(len(r.subs)))
	r.logger.Info("added subscription", zap.String("sub_key", key))

	return true
}

// RemoveSubscription stops key's delivery task and discards its bookkeeping.
// Failures are logged, never returned.
func (r *Registry) RemoveSubscription(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	defer func() {
		if p := recover(); p != nil {
			r.logger.Warn("exception during sub_key removal",
				zap.String("sub_key", key),
				zap.Any("panic", p),
			)
		}
	}()

	s, ok := r.subs[key]
	delete(r.subs, key)
	metrics.ActiveSubscriptions.Set(float64(len(r.subs)))

	if !ok {
		r.logger.Warn("removing unknown subscription", zap.String("sub_key", key))
		return
	}

	s.task.Stop()
	r.logger.Info("removed subscription", zap.String("sub_key", key))
}

// RemoveAllSubscriptions removes every registered key.
func (r *Registry) RemoveAllSubscriptions() {
	r.removeAll()
}

// Shutdown removes every subscription and waits until their tasks have
// exited. A task mid-sleep finishes the sleep first, so ctx should allow
// for at least Policy.BackoffMax.
func (r *Registry) Shutdown(ctx context.Context) error {
	for _, t := range r.removeAll() {
		select {
		case <-t.Done():
		case <-ctx.Done():
			return fmt.Errorf("waiting for delivery tasks: %w", ctx.Err())
		}
	}
	return nil
}

// removeAll detaches the whole key set in one step and stops the tasks it
// held. Keys added afterwards belong to the next call.
func (r *Registry) removeAll() []*Task {
	r.mu.Lock()
	subs := r.subs
	r.subs = map[string]*subscription{}
	metrics.ActiveSubscriptions.Set(0)
	r.mu.Unlock()

	tasks := make([]*Task, 0, len(subs))
	for _, key := range slices.Sorted(maps.Keys(subs)) {
		t := subs[key].task
		t.Stop()
		tasks = append(tasks, t)
		r.logger.Info("removed subscription", zap.String("sub_key", key))
	}
	return tasks
}

// Keys returns a sorted snapshot of the registered keys.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Sorted(maps.Keys(r.subs))
}

// Has reports whether key is registered.
func (r *Registry) Has(key string) bool {
	_, ok := r.lookup(key)
	return ok
}

// Pending returns the number of messages queued for key.
func (r *Registry) Pending(key string) (int, error) {
	s, ok := r.lookup(key)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownSubscription, key)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.list.Len(), nil
}

// TaskState returns the phase of key's delivery task.
func (r *Registry) TaskState(key string) (State, error) {
	s, ok := r.lookup(key)
	if !ok {
		return StateStopped, fmt.Errorf("%w: %s", ErrUnknownSubscription, key)
	}
	return s.task.State(), nil
}

// EnqueueEphemeral validates the payloads and adds them to key's queue.
// Nothing is enqueued if any payload is malformed.
func (r *Registry) EnqueueEphemeral(key string, payloads []Payload) error {
	msgs, err := toEphemeral(payloads)
	if err != nil {
		return err
	}

	s, ok := r.lookup(key)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSubscription, key)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	r.addEphemeral(key, s, msgs)

	return nil
}

// FetchDurable loads durable messages newer than key's last-fetch marker
// into its queue, then advances the marker.
func (r *Registry) FetchDurable(ctx context.Context, key string, sess Session) error {
	s, ok := r.lookup(key)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSubscription, key)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return r.fetchDurable(ctx, key, s, s.lastFetch, sess)
}

// NotifyNewMessages is the entry point for publishers. For every key it
// fetches durable messages if hasDurable is set and enqueues the ephemeral
// messages.
//
// Only malformed payloads are reported; per-subscription failures are logged.
func (r *Registry) NotifyNewMessages(
	ctx context.Context,
	cid string,
	hasDurable bool,
	keys []string,
	ephemeral []Payload,
) error {
	msgs, err := toEphemeral(ephemeral)
	if err != nil {
		return err
	}

	logger := r.logger.With(zap.String("cid", cid))

	for _, key := range keys {
		s, ok := r.lookup(key)
		if !ok {
			logger.Warn("new messages for unknown subscription", zap.String("sub_key", key))
			continue
		}

		r.notifyOne(ctx, logger, key, s, hasDurable, msgs)
	}

	return nil
}

func (r *Registry) notifyOne(
	ctx context.Context,
	logger *zap.Logger,
	key string,
	s *subscription,
	hasDurable bool,
	msgs []*Message,
) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if hasDurable {
		if err := r.fetchDurable(ctx, key, s, s.lastFetch, nil); err != nil {
			logger.Warn("could not fetch durable messages",
				zap.String("sub_key", key),
				zap.Error(err),
			)
		}
	}

	if len(msgs) > 0 {
		r.addEphemeral(key, s, msgs)
	}
}

// Resync reloads every undelivered durable message for every registered
// key. It ignores the last-fetch marker: a row that committed after a newer
// one was already fetched sits below the marker and is only found here.
// Rows already queued are skipped by ID.
func (r *Registry) Resync(ctx context.Context) error {
	var err error
	for _, key := range r.Keys() {
		if e := r.resyncOne(ctx, key); e != nil {
			err = multierr.Append(err, fmt.Errorf("%s: %w", key, e))
		}
	}
	return err
}

func (r *Registry) resyncOne(ctx context.Context, key string) error {
	s, ok := r.lookup(key)
	if !ok {
		// Removed since Keys was taken.
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return r.fetchDurable(ctx, key, s, time.Time{}, nil)
}

// ConfirmDelivered marks messageID as delivered for key.
func (r *Registry) ConfirmDelivered(ctx context.Context, key, messageID string) error {
	return bindConfirm(r.persistence, key)(ctx, messageID)
}

func (r *Registry) lookup(key string) (*subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.subs[key]
	return s, ok
}

// fetchDurable must be called with s.mu held.
func (r *Registry) fetchDurable(ctx context.Context, key string, s *subscription, since time.Time, sess Session) error {
	records, err := r.persistence.FetchSince(ctx, key, since, sess)
	if err != nil {
		return fmt.Errorf("fetch durable messages: %w", err)
	}

	added := 0
	for _, rec := range records {
		if s.list.Insert(NewDurable(rec)) {
			added++
		}
		if rec.PubTime.After(s.lastFetch) {
			s.lastFetch = rec.PubTime
		}
	}
	metrics.MessagesEnqueued.WithLabelValues("durable").Add(float64(added))

	r.logger.Debug("fetched durable messages",
		zap.String("sub_key", key),
		zap.Int("fetched", len(records)),
		zap.Int("added", added),
		zap.Time("last_fetch", s.lastFetch),
	)

	return nil
}

// addEphemeral must be called with s.mu held.
func (r *Registry) addEphemeral(key string, s *subscription, msgs []*Message) {
	added := 0
	for _, m := range msgs {
		// Each subscription gets its own copy; attempts are per queue.
		c := *m
		if s.list.Insert(&c) {
			added++
		}
	}
	metrics.MessagesEnqueued.WithLabelValues("ephemeral").Add(float64(added))

	r.logger.Debug("added ephemeral messages",
		zap.String("sub_key", key),
		zap.Int("added", added),
	)
}

func toEphemeral(payloads []Payload) ([]*Message, error) {
	msgs := make([]*Message, 0, len(payloads))
	for i, p := range payloads {
		m, err := NewEphemeral(p)
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

func bindDeliver(t Transport, key string) DeliverFunc {
	return func(ctx context.Context, m *Message) error {
		return t.Deliver(ctx, key, m)
	}
}

func bindConfirm(p Persistence, key string) ConfirmFunc {
	return func(ctx context.Context, messageID string) error {
		return p.Confirm(ctx, key, messageID)
	}
}

func bindReject(p Persistence, key string) ConfirmFunc {
	dl, ok := p.(DeadLetterer)
	if !ok {
		return nil
	}
	return func(ctx context.Context, messageID string) error {
		return dl.DeadLetter(ctx, key, messageID)
	}
}

package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/aridsondez/pubsub-delivery/internal/metrics"
)

// DeliverFunc sends one message to the subscriber.
type DeliverFunc func(ctx context.Context, m *Message) error

// ConfirmFunc marks a message as delivered for the task's subscription.
type ConfirmFunc func(ctx context.Context, messageID string) error

// State is the phase a Task is in.
type State int32

const (
	StateIdle State = iota
	StateDelivering
	StateBackoff
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDelivering:
		return "delivering"
	case StateBackoff:
		return "backoff"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// TaskConfig binds a Task to one subscription's queue.
type TaskConfig struct {
	Key     string
	Lock    *sync.Mutex
	List    *List
	Deliver DeliverFunc
	Confirm ConfirmFunc

	// Reject dead-letters a message that ran out of attempts. It is only
	// called when Policy.MaxAttempts is positive. With a nil Reject durable
	// messages stay queued and ephemeral ones are dropped.
	Reject ConfirmFunc

	Policy Policy
	Clock  clock.Clock
	Logger *zap.Logger
}

// Task is the background delivery loop of a single subscription.
//
// It is the only remover of messages from its List. Stop is cooperative:
// the flag is checked at the top of each iteration, so an in-flight sleep
// or delivery call runs to completion first.
type Task struct {
	key     string
	lock    *sync.Mutex
	list    *List
	deliver DeliverFunc
	confirm ConfirmFunc
	reject  ConfirmFunc
	policy  Policy
	clock   clock.Clock
	logger  *zap.Logger

	keepRunning atomic.Bool
	state       atomic.Int32
	done        chan struct{}
}

// NewTask creates a Task. Call Start to run it.
func NewTask(cfg TaskConfig) *Task {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	t := &Task{
		key:     cfg.Key,
		lock:    cfg.Lock,
		list:    cfg.List,
		deliver: cfg.Deliver,
		confirm: cfg.Confirm,
		reject:  cfg.Reject,
		policy:  cfg.Policy.withDefaults(),
		clock:   cfg.Clock,
		logger:  cfg.Logger.With(zap.String("sub_key", cfg.Key)),
		done:    make(chan struct{}),
	}
	t.keepRunning.Store(true)
	return t
}

// Start runs the delivery loop in a new goroutine.
func (t *Task) Start() {
	go t.run()
}

// Stop asks the loop to exit at its next iteration.
func (t *Task) Stop() {
	t.logger.Info("stopping delivery task")
	t.keepRunning.Store(false)
}

// State returns the current phase of the loop.
func (t *Task) State() State {
	return State(t.state.Load())
}

// Done is closed once the loop goroutine has returned.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

func (t *Task) run() {
	defer close(t.done)
	defer t.state.Store(int32(StateStopped))
	defer func() {
		if r := recover(); r != nil {
			metrics.TaskFaults.Inc()
			t.logger.Error("delivery task terminated",
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
		}
	}()

	for t.keepRunning.Load() {
		if t.empty() {
			t.sleep(StateIdle, t.policy.IdleInterval)
			continue
		}

		if t.runPass() {
			t.sleep(StateIdle, t.policy.IdleInterval)
		} else {
			// Our endpoint failed. Only this subscription waits here.
			t.sleep(StateBackoff, t.policy.Backoff())
		}
	}
}

func (t *Task) sleep(s State, d time.Duration) {
	t.state.Store(int32(s))
	t.clock.Sleep(d)
}

// runPass attempts every queued message in order. It returns false if a
// delivery failed, in which case no later message was attempted.
func (t *Task) runPass() bool {
	t.state.Store(int32(StateDelivering))

	start := t.clock.Now()
	defer func() {
		metrics.PassDuration.Observe(t.clock.Since(start).Seconds())
	}()

	for _, m := range t.snapshot() {
		if m.Expired(t.clock.Now()) {
			t.remove(m)
			metrics.MessagesExpired.WithLabelValues("queue").Inc()
			t.logger.Debug("dropped expired message", zap.Stringer("msg", m))
			continue
		}

		if err := t.deliverOne(m); err != nil {
			m.attempts++
			metrics.DeliveryFailures.Inc()
			t.logger.Warn("could not deliver pub/sub message",
				zap.Stringer("msg", m),
				zap.Int("attempts", m.attempts),
				zap.Error(err),
			)

			if t.policy.MaxAttempts > 0 && m.attempts >= t.policy.MaxAttempts {
				t.rejectOne(m)
			}
			return false
		}
		metrics.MessagesDelivered.Inc()

		if err := t.confirmOne(m); err != nil {
			metrics.ConfirmFailures.Inc()
			t.logger.Warn("could not update delivery status",
				zap.Stringer("msg", m),
				zap.Error(err),
			)
			continue
		}

		t.remove(m)
	}

	return true
}

func (t *Task) deliverOne(m *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("deliver panicked: %v", r)
		}
	}()

	ctx, cancel := t.callContext()
	defer cancel()

	return t.deliver(ctx, m)
}

func (t *Task) confirmOne(m *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("confirm panicked: %v", r)
		}
	}()

	ctx, cancel := t.callContext()
	defer cancel()

	return t.confirm(ctx, m.ID)
}

func (t *Task) rejectOne(m *Message) {
	switch {
	case t.reject != nil:
		ctx, cancel := t.callContext()
		defer cancel()

		if err := t.reject(ctx, m.ID); err != nil {
			t.logger.Warn("could not dead-letter message, keeping it queued",
				zap.Stringer("msg", m),
				zap.Error(err),
			)
			return
		}

	case m.HasGD:
		// Its row would stay pending with nothing left to deliver it.
		t.logger.Warn("no dead-letter store, keeping durable message queued",
			zap.Stringer("msg", m),
			zap.Int("attempts", m.attempts),
		)
		return
	}

	t.remove(m)
	metrics.MessagesDeadLettered.Inc()
	t.logger.Warn("dead-lettered message after repeated failures",
		zap.Stringer("msg", m),
		zap.Int("attempts", m.attempts),
	)
}

func (t *Task) callContext() (context.Context, context.CancelFunc) {
	if t.policy.DeliveryTimeout > 0 {
		return context.WithTimeout(context.Background(), t.policy.DeliveryTimeout)
	}
	return context.WithCancel(context.Background())
}

func (t *Task) snapshot() []*Message {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.list.Messages()
}

func (t *Task) empty() bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.list.Empty()
}

func (t *Task) remove(m *Message) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.list.Remove(m)
}

package sweeper

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/aridsondez/pubsub-delivery/internal/metrics"
)

// Expirer deletes expired messages from the durable store.
type Expirer interface {
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// Resyncer re-reads every subscription's durable backlog.
type Resyncer interface {
	Resync(ctx context.Context) error
}

// Sweeper periodically drops expired messages and picks up durable
// messages whose notification was lost.
type Sweeper struct {
	store    Expirer
	registry Resyncer
	interval time.Duration
	clock    clock.Clock
	logger   *zap.Logger
}

func New(store Expirer, registry Resyncer, interval time.Duration, clk clock.Clock, logger *zap.Logger) *Sweeper {
	if clk == nil {
		clk = clock.New()
	}
	return &Sweeper{
		store:    store,
		registry: registry,
		interval: interval,
		clock:    clk,
		logger:   logger,
	}
}

// Start runs until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := s.clock.Ticker(s.interval)
	defer ticker.Stop()

	s.logger.Info("sweeper started", zap.Duration("interval", s.interval))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return

		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one round. Errors are logged and counted.
func (s *Sweeper) Sweep(ctx context.Context) {
	start := s.clock.Now()
	defer func() {
		metrics.SweeperDuration.Observe(s.clock.Since(start).Seconds())
	}()

	count, err := s.store.DeleteExpired(ctx, s.clock.Now())
	if err != nil {
		metrics.SweeperErrors.Inc()
		s.logger.Warn("sweeper could not delete expired messages", zap.Error(err))
	} else if count > 0 {
		s.logger.Info("sweeper deleted expired messages", zap.Int("count", count))
	}

	if err := s.registry.Resync(ctx); err != nil {
		metrics.SweeperErrors.Inc()
		s.logger.Warn("sweeper could not resync subscriptions", zap.Error(err))
	}
}

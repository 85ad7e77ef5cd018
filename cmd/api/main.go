package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/benbjohnson/clock"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aridsondez/pubsub-delivery/internal/api"
	"github.com/aridsondez/pubsub-delivery/internal/config"
	"github.com/aridsondez/pubsub-delivery/internal/logging"
	"github.com/aridsondez/pubsub-delivery/internal/queue"
	"github.com/aridsondez/pubsub-delivery/internal/queue/store"
	boltstore "github.com/aridsondez/pubsub-delivery/internal/queue/store/bolt"
	"github.com/aridsondez/pubsub-delivery/internal/queue/store/memory"
	pgstore "github.com/aridsondez/pubsub-delivery/internal/queue/store/postgres"
	sqlitestore "github.com/aridsondez/pubsub-delivery/internal/queue/store/sqlite"
	"github.com/aridsondez/pubsub-delivery/internal/queue/sweeper"
	"github.com/aridsondez/pubsub-delivery/internal/transport"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := logging.New("pubsub", cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	st, err := openStore(ctx, cfg)
	if err != nil {
		logger.Fatal("open store", zap.String("driver", cfg.StoreDriver), zap.Error(err))
	}
	defer st.Close()

	clk := clock.New()
	webhook := transport.NewWebhook(logger.Named("webhook"))

	registry := queue.NewRegistry(queue.RegistryConfig{
		Transport:   webhook,
		Persistence: st,
		Policy: queue.Policy{
			IdleInterval:    cfg.IdleInterval,
			BackoffMin:      cfg.BackoffMin,
			BackoffMax:      cfg.BackoffMax,
			DeliveryTimeout: cfg.DeliveryTimeout,
			MaxAttempts:     cfg.MaxAttempts,
		},
		Clock:  clk,
		Logger: logger.Named("delivery"),
	})

	swp := sweeper.New(st, registry, cfg.SweepInterval, clk, logger.Named("sweeper"))

	addr := fmt.Sprintf(":%d", cfg.Port)
	httpSrv := api.NewServer(addr, registry, st, webhook, logger.Named("api"))

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		swp.Start(ctx)
		return nil
	})

	g.Go(func() error {
		logger.Info("HTTP server listening", zap.String("addr", addr), zap.String("store", cfg.StoreDriver))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down...")
		return httpSrv.Shutdown(context.Background())
	})

	if err := g.Wait(); err != nil {
		logger.Error("exited with error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.BackoffMax+cfg.DeliveryTimeout)
	defer cancel()
	if err := registry.Shutdown(shutdownCtx); err != nil {
		logger.Warn("delivery tasks still running at exit", zap.Error(err))
	}
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		connectCtx, cancel := context.WithTimeout(ctx, cfg.DBConnectionTimeout)
		defer cancel()

		pool, err := pgxpool.New(connectCtx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("pgxpool.New: %w", err)
		}
		if err := pool.Ping(connectCtx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("pgx ping: %w", err)
		}

		st := pgstore.New(pool)
		if err := st.Migrate(connectCtx); err != nil {
			st.Close()
			return nil, err
		}
		return st, nil

	case config.DriverSQLite:
		st, err := sqlitestore.Open(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return st, nil

	case config.DriverBolt:
		st, err := boltstore.Open(cfg.BoltPath)
		if err != nil {
			return nil, err
		}
		return st, nil

	default:
		return memory.New(), nil
	}
}

package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/BearBump/HandOff/config"
	"github.com/BearBump/HandOff/internal/broker/kafka"
	"github.com/BearBump/HandOff/internal/cache/rediscache"
	"github.com/BearBump/HandOff/internal/feed"
	"github.com/BearBump/HandOff/internal/integrations/backend/httpbackend"
	"github.com/BearBump/HandOff/internal/services/claim"
	"github.com/BearBump/HandOff/internal/services/delay"
	"github.com/BearBump/HandOff/internal/services/deliverystore"
	"github.com/BearBump/HandOff/internal/session"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Backend is everything the session reads from and writes to the dispatch API.
type Backend interface {
	deliverystore.Fetcher
	claim.Backend
	delay.EventAppender
	delay.LocationSource
}

type sessionFactories struct {
	newBackend     func(cfg *config.Config) Backend
	newRepairQueue func(cfg *config.Config) claim.RepairQueue
	newRateLimiter func(cfg *config.Config) claim.RateLimiter
	newGuardStore  func(cfg *config.Config) delay.GuardStore
	newSources     func(cfg *config.Config, driverID string) map[feed.Table]feed.Source
}

func defaultSessionFactories() sessionFactories {
	return sessionFactories{
		newBackend: func(cfg *config.Config) Backend {
			return httpbackend.New(cfg.HandOff.BackendBaseURL)
		},
		newRepairQueue: func(cfg *config.Config) claim.RepairQueue {
			return rediscache.NewRepairQueue(cfg.RedisAddr())
		},
		newRateLimiter: func(cfg *config.Config) claim.RateLimiter {
			return rediscache.NewRateLimiter(cfg.RedisAddr())
		},
		newGuardStore: func(cfg *config.Config) delay.GuardStore {
			return rediscache.NewGuardStore(cfg.RedisAddr())
		},
		newSources: func(cfg *config.Config, driverID string) map[feed.Table]feed.Source {
			brokers := cfg.KafkaBrokers()
			group := cfg.HandOff.ConsumerGroup
			if group == "" {
				group = "driver-session-" + driverID
			}
			return map[feed.Table]feed.Source{
				feed.TableDeliveries: kafka.NewConsumer(brokers, topicOr(cfg.Kafka.DeliveryChangedTopicName, "delivery.changed"), group),
				feed.TableOrders:     kafka.NewConsumer(brokers, topicOr(cfg.Kafka.OrderChangedTopicName, "order.changed"), group),
				feed.TableLocations:  kafka.NewConsumer(brokers, topicOr(cfg.Kafka.LocationTopicName, "driver.location"), group),
			}
		},
	}
}

func topicOr(topic, def string) string {
	if topic == "" {
		return def
	}
	return topic
}

// engine is one logged-in driver's set of components.
type engine struct {
	sess       *session.Session
	store      *deliverystore.Store
	coord      *claim.Coordinator
	reconciler *claim.Reconciler
	watcher    *delay.Watcher
	feed       *feed.Feed

	includeAvailable bool
}

func newEngine(cfg *config.Config, f sessionFactories) (*engine, error) {
	driverID := cfg.HandOff.DriverID
	if driverID == "" {
		return nil, errors.New("handoff.driver_id is required")
	}

	reconcileInterval := time.Duration(cfg.HandOff.ReconcileIntervalSeconds) * time.Second
	if reconcileInterval <= 0 {
		reconcileInterval = 30 * time.Second
	}
	rlPerMin := int64(cfg.HandOff.ClaimRateLimitPerMinute)
	if rlPerMin <= 0 {
		rlPerMin = 30
	}

	backend := f.newBackend(cfg)
	queue := f.newRepairQueue(cfg)
	sess := session.New(driverID)

	fd := feed.New()
	for table, src := range f.newSources(cfg, driverID) {
		fd.Register(table, src)
	}

	det := delay.New(backend, f.newGuardStore(cfg)).WithSettings(
		time.Duration(cfg.HandOff.DriverStaleSeconds)*time.Second,
		time.Duration(cfg.HandOff.DelayGuardTTLSeconds)*time.Second,
	)

	return &engine{
		sess:  sess,
		store: deliverystore.New(sess, backend),
		coord: claim.New(backend, queue).
			WithRateLimit(f.newRateLimiter(cfg), rlPerMin).
			WithRejection(httpbackend.IsRejected),
		reconciler:       claim.NewReconciler(backend, queue).WithSettings(reconcileInterval, cfg.HandOff.ReconcileBatchSize),
		watcher:          delay.NewWatcher(det, backend).WithDriver(driverID),
		feed:             fd,
		includeAvailable: cfg.HandOff.IncludeAvailable,
	}, nil
}

// loadInitial retries the first snapshot until it succeeds or ctx ends.
func (e *engine) loadInitial(ctx context.Context) error {
	backoff := time.Second
	for {
		err := e.store.LoadInitial(ctx, e.sess.DriverID(), e.includeAvailable)
		if err == nil {
			return nil
		}
		slog.Warn("initial delivery load failed", "driver_id", e.sess.DriverID(), "error", err.Error(), "retry_in", backoff.String())

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

// ordersFilter also passes changes to orders the watcher already tracks, so
// a reassignment away from the driver untracks them.
func (e *engine) ordersFilter(mine feed.Filter) feed.Filter {
	return func(ev feed.Event) bool {
		return mine(ev) || (ev.Order != nil && e.watcher.Tracks(ev.Order.ID))
	}
}

func (e *engine) run(ctx context.Context, extra ...func(ctx context.Context) error) error {
	defer e.sess.Close()
	defer e.store.Reset()

	g, gctx := errgroup.WithContext(ctx)
	filter := feed.ForDriver(e.sess.DriverID(), e.includeAvailable)

	// The feed starts after the snapshot so a change is never overwritten by
	// an older load. Redelivered changes are harmless; the store applies by id.
	g.Go(func() error {
		if err := e.loadInitial(gctx); err != nil {
			return err
		}
		e.sess.SetOnline(true)
		slog.Info("driver session online", "driver_id", e.sess.DriverID())

		g.Go(func() error {
			return e.feed.Subscribe(gctx, feed.TableDeliveries, filter, func(_ context.Context, ev feed.Event) error {
				e.store.ApplyChange(*ev.Change)
				return nil
			})
		})
		g.Go(func() error {
			return e.feed.Subscribe(gctx, feed.TableOrders, e.ordersFilter(filter), func(ctx context.Context, ev feed.Event) error {
				e.watcher.OnOrder(ctx, *ev.Order)
				return nil
			})
		})
		g.Go(func() error {
			return e.feed.Subscribe(gctx, feed.TableLocations, filter, func(ctx context.Context, ev feed.Event) error {
				e.watcher.OnLocation(ctx, *ev.Location)
				return nil
			})
		})
		return nil
	})
	g.Go(func() error { return e.reconciler.Run(gctx) })
	g.Go(func() error { return e.watcher.Run(gctx) })
	for _, fn := range extra {
		g.Go(func() error { return fn(gctx) })
	}

	return g.Wait()
}

func RunDriverSession(ctx context.Context, cfg *config.Config, f sessionFactories, httpOpts sessionHTTPOpts) error {
	e, err := newEngine(cfg, f)
	if err != nil {
		return err
	}
	httpOpts.engine = e
	return e.run(ctx, func(ctx context.Context) error {
		return runSessionHTTPServer(ctx, httpOpts)
	})
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BearBump/HandOff/config"
	dispatchapi "github.com/BearBump/HandOff/internal/api/dispatch_api"
	"github.com/BearBump/HandOff/internal/broker/kafka"
	"github.com/BearBump/HandOff/internal/cache/rediscache"
	"github.com/BearBump/HandOff/internal/notify"
	"github.com/BearBump/HandOff/internal/services/compensation"
	"github.com/BearBump/HandOff/internal/services/dispatch"
	"github.com/BearBump/HandOff/internal/services/eta"
	"github.com/BearBump/HandOff/internal/services/reroute"
	"github.com/BearBump/HandOff/internal/storage/pgdelivery"
)

type dispatchAPIApp struct {
	ctx    context.Context
	cancel context.CancelFunc
	opts   dispatchAPIOpts
	api    *dispatchapi.DispatchAPI

	closers []func()
}

func mustBootstrapDispatchAPI() *dispatchAPIApp {
	cfgPath := os.Getenv("configPath")
	if cfgPath == "" {
		panic("configPath env var is required")
	}
	swaggerPath := os.Getenv("swaggerPath")
	if swaggerPath == "" {
		panic("swaggerPath env var is required")
	}

	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		panic(fmt.Sprintf("failed to parse config, %v", err))
	}

	httpAddr := cfg.HandOff.APIHTTPAddr
	if httpAddr == "" {
		httpAddr = ":8080"
	}

	st := mustOpenPostgresWithRetry(cfg.PostgresDSN(), 60*time.Second)
	rc := rediscache.New(cfg.RedisAddr())
	producer := kafka.NewProducer(cfg.KafkaBrokers())

	svc := dispatch.New(st, producer, topicsFromConfig(cfg)).
		WithCache(rc, 5*time.Minute).
		WithNotifier(notify.New(producer, notificationsTopic(cfg))).
		WithTrustConfig(trustFromConfig(cfg))

	api := dispatchapi.New(svc, compensation.New(svc, svc), reroute.New(svc, svc))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	return &dispatchAPIApp{
		ctx:    ctx,
		cancel: cancel,
		opts: dispatchAPIOpts{
			httpAddr:    httpAddr,
			swaggerPath: swaggerPath,
		},
		api: api,
		closers: []func(){
			func() { _ = producer.Close() },
			func() { _ = rc.Close() },
			st.Close,
		},
	}
}

func topicsFromConfig(cfg *config.Config) dispatch.Topics {
	t := dispatch.Topics{
		DeliveryChanged: cfg.Kafka.DeliveryChangedTopicName,
		OrderChanged:    cfg.Kafka.OrderChangedTopicName,
		Location:        cfg.Kafka.LocationTopicName,
	}
	if t.DeliveryChanged == "" {
		t.DeliveryChanged = "delivery.changed"
	}
	if t.OrderChanged == "" {
		t.OrderChanged = "order.changed"
	}
	if t.Location == "" {
		t.Location = "driver.location"
	}
	return t
}

func notificationsTopic(cfg *config.Config) string {
	if cfg.Kafka.NotificationsTopicName != "" {
		return cfg.Kafka.NotificationsTopicName
	}
	return "delivery.notifications"
}

func trustFromConfig(cfg *config.Config) eta.TrustConfig {
	return eta.TrustConfig{
		MaxWidth: time.Duration(cfg.HandOff.EtaMaxWidthMinutes) * time.Minute,
		MinLead:  time.Duration(cfg.HandOff.EtaMinLeadSeconds) * time.Second,
		Recency:  time.Duration(cfg.HandOff.EtaRecencyWindowMinutes) * time.Minute,
	}
}

func mustOpenPostgresWithRetry(connString string, wait time.Duration) *pgdelivery.Storage {
	deadline := time.Now().Add(wait)
	var lastErr error
	for time.Now().Before(deadline) {
		st, err := pgdelivery.New(connString)
		if err == nil {
			return st
		}
		lastErr = err
		time.Sleep(1 * time.Second)
	}
	panic(fmt.Sprintf("postgres is not ready after %s: %v", wait, lastErr))
}

func (a *dispatchAPIApp) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	for _, c := range a.closers {
		c()
	}
}

func (a *dispatchAPIApp) Run() error {
	return runDispatchAPI(a.ctx, a.opts, a.api)
}

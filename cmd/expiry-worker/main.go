package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	redisclient "github.com/redis/go-redis/v9"

	"github.com/robertarktes/seat-holds/internal/adapters/rabbit"
	redisadapter "github.com/robertarktes/seat-holds/internal/adapters/redis"
	"github.com/robertarktes/seat-holds/internal/app"
	"github.com/robertarktes/seat-holds/internal/booking"
	"github.com/robertarktes/seat-holds/internal/clock"
	"github.com/robertarktes/seat-holds/internal/config"
	"github.com/robertarktes/seat-holds/internal/expiry"
	"github.com/robertarktes/seat-holds/internal/notify"
	"github.com/robertarktes/seat-holds/internal/observability"
	"github.com/robertarktes/seat-holds/internal/registry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOtel, err := observability.SetupOTel(ctx, cfg.OTLPEndpoint, "seat-holds-expiry-worker")
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdownOtel()

	logger := observability.NewLogger(cfg.LogLevel).WithField("instance", cfg.InstanceID)

	backend, err := app.OpenStore(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("failed to open %s store: %v", cfg.StoreBackend, err)
	}
	defer backend.Close()

	opts := booking.Options{
		HoldDuration: cfg.HoldDuration,
		ExpiryGrace:  cfg.ExpiryGrace,
		Auditor:      backend.Auditor,
	}
	if cfg.RedisAddr != "" {
		redisClient := redisclient.NewClient(&redisclient.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
		opts.Locker = redisadapter.NewShowLock(redisClient, cfg.ShowLockTTL, logger)
	}

	// The worker has no sessions. Its events reach clients only through the
	// api processes consuming the relay.
	var relay notify.Relay
	if cfg.RabbitURL != "" {
		conn, err := amqp.Dial(cfg.RabbitURL)
		if err != nil {
			log.Fatalf("failed to connect to rabbitmq: %v", err)
		}
		defer conn.Close()
		rabbitPub, err := rabbit.NewPublisher(conn)
		if err != nil {
			log.Fatalf("failed to create publisher: %v", err)
		}
		defer rabbitPub.Close()
		relay = rabbit.NewEventRelay(rabbitPub, cfg.InstanceID)
	} else {
		logger.Warn("RABBIT_URL not set: expiry notices from this worker reach no client")
	}

	hub := notify.NewHub(clock.Real(), backend.Store, registry.New(), nil, relay, logger, notify.Options{
		Window: cfg.BroadcastWindow,
		Global: cfg.GlobalBroadcast,
	})
	engine := booking.NewEngine(backend.Store, clock.Real(), hub, logger, opts)

	reconciler := expiry.NewReconciler(clock.Real(), engine, engine.ExpireShow, logger, expiry.ReconcilerOptions{
		Interval:    cfg.SweepInterval,
		Parallelism: 8,
		Attempts:    3,
		Backoff:     time.Second,
	})

	logger.WithField("interval", cfg.SweepInterval.String()).Info("expiry worker started")
	if err := reconciler.Run(ctx); err != nil {
		logger.WithError(err).Error("expiry worker stopped with error")
	}
	// Let pending coalesced broadcasts relay before the broker connection closes.
	time.Sleep(cfg.BroadcastWindow)
	logger.Info("Shutdown expiry worker")
}

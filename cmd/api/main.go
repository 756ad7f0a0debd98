package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	redisclient "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/robertarktes/seat-holds/internal/adapters/rabbit"
	redisadapter "github.com/robertarktes/seat-holds/internal/adapters/redis"
	"github.com/robertarktes/seat-holds/internal/app"
	"github.com/robertarktes/seat-holds/internal/booking"
	"github.com/robertarktes/seat-holds/internal/clock"
	"github.com/robertarktes/seat-holds/internal/config"
	"github.com/robertarktes/seat-holds/internal/expiry"
	httphandler "github.com/robertarktes/seat-holds/internal/http"
	"github.com/robertarktes/seat-holds/internal/idempotency"
	"github.com/robertarktes/seat-holds/internal/notify"
	"github.com/robertarktes/seat-holds/internal/observability"
	"github.com/robertarktes/seat-holds/internal/rateLimit"
	"github.com/robertarktes/seat-holds/internal/realtime"
	"github.com/robertarktes/seat-holds/internal/registry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOtel, err := observability.SetupOTel(ctx, cfg.OTLPEndpoint, "seat-holds-api")
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

	checks := map[string]httphandler.ReadyCheck{"store": backend.Ping}
	engineOpts := booking.Options{
		HoldDuration: cfg.HoldDuration,
		ExpiryGrace:  cfg.ExpiryGrace,
		Auditor:      backend.Auditor,
	}
	routerOpts := httphandler.RouterOptions{
		Auth: httphandler.NewAuthenticator(cfg.JWTSecret),
		Limits: httphandler.RateLimits{
			PerUser: cfg.RateLimitPerUser,
			PerIP:   cfg.RateLimitPerIP,
			Period:  time.Minute,
		},
	}

	if cfg.RedisAddr != "" {
		redisClient := redisclient.NewClient(&redisclient.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
		redisCache := redisadapter.NewCache(redisClient)
		checks["redis"] = redisCache.Ping

		engineOpts.Locker = redisadapter.NewShowLock(redisClient, cfg.ShowLockTTL, logger)
		routerOpts.RateLimiter = rateLimit.NewRateLimiter(redisCache)
		routerOpts.Idempotency = idempotency.NewIdempotency(redisadapter.NewIdempotency(redisClient), cfg.IdempotencyTTL)
	} else {
		logger.Warn("REDIS_ADDR not set: no cross-process show lock, rate limiting or idempotency")
	}

	var (
		relay    notify.Relay
		consumer *rabbit.Consumer
	)
	if cfg.RabbitURL != "" {
		rabbitConn, err := amqp.Dial(cfg.RabbitURL)
		if err != nil {
			log.Fatalf("failed to connect to rabbitmq: %v", err)
		}
		defer rabbitConn.Close()
		rabbitPub, err := rabbit.NewPublisher(rabbitConn)
		if err != nil {
			log.Fatalf("failed to create publisher: %v", err)
		}
		defer rabbitPub.Close()
		relay = rabbit.NewEventRelay(rabbitPub, cfg.InstanceID)
		consumer, err = rabbit.NewConsumer(rabbitConn, cfg.InstanceID, logger)
		if err != nil {
			log.Fatalf("failed to create consumer: %v", err)
		}
	}

	reg := registry.New()
	gateway := realtime.NewGateway(reg, logger)
	defer gateway.Close()

	hub := notify.NewHub(clock.Real(), backend.Store, reg, gateway, relay, logger, notify.Options{
		Window: cfg.BroadcastWindow,
		Global: cfg.GlobalBroadcast,
	})

	scheduler := expiry.NewScheduler(clock.Real(), logger)
	engineOpts.Scheduler = scheduler
	engine := booking.NewEngine(backend.Store, clock.Real(), hub, logger, engineOpts)
	scheduler.Start(engine.ExpireShow)
	defer scheduler.Stop()

	handlers := httphandler.NewHandlers(engine, gateway, checks, logger)
	r := httphandler.SetupRouter(handlers, logger, routerOpts)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.WithField("addr", cfg.HTTPAddr).Info("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "listen")
		}
		return nil
	})
	if consumer != nil {
		g.Go(func() error {
			return consumer.Run(gctx, hub)
		})
	}
	g.Go(func() error {
		// Holds armed by an earlier incarnation of this process are swept here.
		reconciler := expiry.NewReconciler(clock.Real(), engine, engine.ExpireShow, logger, expiry.ReconcilerOptions{Interval: cfg.SweepInterval})
		return reconciler.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutdown Server ...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.WithError(err).Error("server stopped with error")
	}
	logger.Info("Server exiting")
}

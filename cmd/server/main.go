package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/eventlog"
	"github.com/example/ride-dispatch/internal/fleet"
	"github.com/example/ride-dispatch/internal/geo"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/outbox"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/ride"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/surge"
)

const etaCacheTTL = 30 * time.Second

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger("ride-dispatch", cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

// closers run in reverse registration order on shutdown.
type closers []func() error

func (c *closers) add(fn func() error) { *c = append(*c, fn) }

func (c closers) closeAll(logger *slog.Logger) {
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i](); err != nil {
			logger.Warn("close failed", "error", err)
		}
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	var cleanup closers
	defer cleanup.closeAll(logger)
	var readiness []func(context.Context) error

	// driver pool and surge state
	var (
		index geo.DriverIndex
		est   surge.Estimator
	)
	geoOpts := geo.Options{AvailabilityTTL: cfg.AvailabilityTTL, MaxResults: cfg.NearbyLimit}
	surgeOpts := surge.Options{DemandTTL: cfg.SurgeDemandTTL, CacheTTL: cfg.SurgeCacheTTL}
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		cleanup.add(rc.Close)
		readiness = append(readiness, func(ctx context.Context) error { return rc.Ping(ctx).Err() })
		index = geo.NewRedisIndex(rc, cfg.RedisGeoKey, geoOpts)
		est = surge.NewRedisEstimator(rc, surgeOpts)
		logger.Info("using redis driver index", "addr", cfg.RedisAddr, "geo_key", cfg.RedisGeoKey)
	} else {
		mem := geo.NewIndex(geoOpts)
		go mem.Start(ctx)
		index = mem
		memEst := surge.NewMemoryEstimator(surgeOpts)
		go memEst.Start(ctx)
		est = memEst
		logger.Info("using in-memory driver index")
	}

	// persistent store
	var store storage.Store
	if cfg.PGDSN != "" {
		pg, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return err
		}
		cleanup.add(pg.Close)
		if cfg.RunMigrations {
			if err := pg.Migrate(ctx); err != nil {
				return err
			}
			logger.Info("migration applied")
		}
		store = pg
	} else {
		store = storage.NewMemoryStore()
		logger.Info("using in-memory store")
	}
	readiness = append(readiness, store.Ping)

	// event log: the in-process log always sees every event
	memLog := eventlog.NewMemory(0)
	cleanup.add(memLog.Close)
	memLog.SubscribeRideEvents(func(e models.RideEvent) {
		observability.EventsObserved.WithLabelValues(string(e.Type)).Inc()
	})
	rideEvents := eventlog.Tee{memLog}
	locations := eventlog.LocationTee{memLog}
	if len(cfg.KafkaBrokers) > 0 {
		kre := eventlog.NewKafkaRideEvents(cfg.KafkaBrokers, cfg.KafkaRideEventsTopic)
		cleanup.add(kre.Close)
		rideEvents = append(rideEvents, kre)
		kl := eventlog.NewKafkaLocations(cfg.KafkaBrokers, cfg.KafkaLocationTopic, logger)
		cleanup.add(kl.Close)
		locations = append(locations, kl)
		logger.Info("publishing to kafka", "brokers", cfg.KafkaBrokers, "ride_topic", cfg.KafkaRideEventsTopic, "location_topic", cfg.KafkaLocationTopic)
	}

	// notifications
	ws := dispatch.NewWSRegistry()
	notifier := dispatch.Fanout{ws, dispatch.LogNotifier{Logger: logger}}
	if cfg.RabbitMQURL != "" {
		amqp, err := dispatch.NewAMQPDispatcher(cfg.RabbitMQURL)
		if err != nil {
			return err
		}
		cleanup.add(amqp.Close)
		notifier = append(notifier, amqp)
	}
	if cfg.NotifyWebhookURL != "" {
		notifier = append(notifier, dispatch.NewHTTPDispatcher(cfg.NotifyWebhookURL))
	}

	var etaClient eta.Client = eta.Straight{SpeedMps: cfg.DefaultSpeedMps}
	if cfg.OSRMEndpoint != "" {
		etaClient = eta.NewEstimator(eta.NewOSRMClient(cfg.OSRMEndpoint), eta.NewCache(etaCacheTTL), cfg.DefaultSpeedMps, logger)
	}

	var psp payments.PSP = payments.NewStubPSP()
	if cfg.StripeAPIKey != "" {
		psp = payments.NewStripePSP(cfg.StripeAPIKey, cfg.StripePaymentMethod)
	}

	runner := outbox.NewRunner(store, rideEvents, notifier, logger)
	engine := matcher.NewEngine(index, runner, etaClient, matcher.Config{
		SearchRadiusKm: cfg.SearchRadiusKm,
		LockLease:      cfg.LockLease,
		MaxOffers:      cfg.MaxOffers,
	}, logger)

	api := httpapi.NewServer(httpapi.Services{
		Rides:    ride.NewService(store, runner, engine, index, est, logger),
		Fleet:    fleet.NewService(store, runner, index, locations, logger),
		Payments: payments.NewService(store, runner, psp, cfg.PaymentCurrency, logger),
		WS:       ws,
		Ready: func(ctx context.Context) error {
			var errs []error
			for _, check := range readiness {
				errs = append(errs, check(ctx))
			}
			return errors.Join(errs...)
		},
	}, logger)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("ride-dispatch listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		logger.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

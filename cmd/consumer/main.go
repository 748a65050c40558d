package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"golang.org/x/sync/errgroup"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/eventlog"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
)

var (
	msgsConsumed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total messages consumed, by topic",
	}, []string{"topic"})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	redisUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_updates_total",
		Help: "Total successful redis updates",
	})
	redisErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_errors_total",
		Help: "Total redis errors",
	})
	rideTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "consumer_ride_transitions_total",
		Help: "Ride lifecycle events observed, by type",
	}, []string{"event_type"})
	outOfOrder = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_ride_events_out_of_order_total",
		Help: "Ride events that arrived with a sequence lower than one already seen",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, redisUpdates, redisErrors, rideTransitions, outOfOrder)
}

func main() {
	var metricsAddr, mode string
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.StringVar(&mode, "mode", "locations", "what to consume: events or locations")
	flag.Parse()

	cfg, err := config.LoadConsumerConfig(mode)
	logger := logging.NewLogger("ride-dispatch-consumer", cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, mode, metricsAddr, logger); err != nil {
		logger.Error("consumer exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ConsumerConfig, mode, metricsAddr string, logger *slog.Logger) error {
	var (
		rc     *redis.Client
		handle func(ctx context.Context, m kafka.Message) error
	)
	switch mode {
	case "locations":
		rc = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		handle = locationHandler(&redisAdapter{c: rc}, cfg.TrackingGeoKey, logger)
	case "events":
		handle = newRideTracker(logger).handle
	default:
		return fmt.Errorf("unknown mode %q", mode)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		// readiness: check redis connectivity when we depend on it
		if rc != nil {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	metricsSrv := &http.Server{Addr: metricsAddr, Handler: mux, ReadTimeout: 5 * time.Second}

	consumer := eventlog.NewConsumer(cfg.KafkaBrokers, cfg.Topic, cfg.Group, logger)
	defer consumer.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("metrics/health listening", "addr", metricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		logger.Info("consumer listening", "mode", mode, "topic", cfg.Topic, "brokers", cfg.KafkaBrokers, "group", cfg.Group)
		err := consumer.Run(gctx, func(ctx context.Context, m kafka.Message) error {
			msgsConsumed.WithLabelValues(m.Topic).Inc()
			return handle(ctx, m)
		})
		logger.Info("shutting down consumer")
		return err
	})
	return g.Wait()
}

// rideTracker logs every ride transition and remembers the highest sequence
// seen per ride. The log is keyed by ride, so a lower sequence means a replay.
type rideTracker struct {
	logger  *slog.Logger
	lastSeq map[string]int64
}

func newRideTracker(logger *slog.Logger) *rideTracker {
	return &rideTracker{logger: logger, lastSeq: make(map[string]int64)}
}

func (t *rideTracker) handle(_ context.Context, m kafka.Message) error {
	var e models.RideEvent
	if err := json.Unmarshal(m.Value, &e); err != nil || e.RideID == "" {
		msgsInvalid.Inc()
		return fmt.Errorf("invalid ride event at offset %d: %v", m.Offset, err)
	}
	if prev, ok := t.lastSeq[e.RideID]; ok && e.Seq <= prev {
		outOfOrder.Inc()
		t.logger.Warn("ride event behind last seen", "ride_id", e.RideID, "seq", e.Seq, "last_seq", prev)
		return nil
	}
	t.lastSeq[e.RideID] = e.Seq
	rideTransitions.WithLabelValues(string(e.Type)).Inc()
	t.logger.Info("ride transition", "ride_id", e.RideID, "event_type", e.Type, "seq", e.Seq, "driver_id", e.DriverID, "timestamp", e.OccurredAt)
	if e.Type == models.EventCancelled || e.Type == models.EventNoDrivers || e.Type == models.EventPaymentCompleted {
		delete(t.lastSeq, e.RideID)
	}
	return nil
}

func locationHandler(rc RedisUpdater, geoKey string, logger *slog.Logger) func(ctx context.Context, m kafka.Message) error {
	return func(ctx context.Context, m kafka.Message) error {
		var p models.LocationPing
		if err := json.Unmarshal(m.Value, &p); err != nil || p.DriverID == "" {
			msgsInvalid.Inc()
			return fmt.Errorf("invalid location ping at offset %d: %v", m.Offset, err)
		}
		// Try updating Redis with retries and small backoff
		if err := updateRedisWithRetry(ctx, rc, geoKey, &p, 3, 200*time.Millisecond); err != nil {
			redisErrors.Inc()
			return fmt.Errorf("redis update for driver %s: %w", p.DriverID, err)
		}
		redisUpdates.Inc()
		logger.Debug("driver position tracked", "driver_id", p.DriverID, "status", p.Status)
		return nil
	}
}

// RedisUpdater defines the small subset of redis operations we need for tests and production.
type RedisUpdater interface {
	GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error
	HSet(ctx context.Context, key string, values map[string]interface{}) error
}

type redisAdapter struct{ c *redis.Client }

func (r *redisAdapter) GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error {
	_, err := r.c.GeoAdd(ctx, key, loc).Result()
	return err
}

func (r *redisAdapter) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	_, err := r.c.HSet(ctx, key, values).Result()
	return err
}

// updateRedisWithRetry mirrors a ping into the tracking geo set and the
// driver's metadata hash, retrying with doubling delay.
func updateRedisWithRetry(ctx context.Context, rc RedisUpdater, geoKey string, p *models.LocationPing, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
		err = rc.GeoAdd(ctx, geoKey, &redis.GeoLocation{Longitude: p.Loc.Lon, Latitude: p.Loc.Lat, Name: p.DriverID})
		if err != nil {
			continue
		}
		err = rc.HSet(ctx, "driver:meta:"+p.DriverID, map[string]interface{}{
			"vehicle_tier": string(p.Tier),
			"status":       string(p.Status),
			"seen_at":      p.Timestamp.UTC().Format(time.RFC3339Nano),
		})
		if err == nil {
			return nil
		}
	}
	return err
}

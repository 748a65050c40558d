package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the dispatch API process.
// Values are loaded from environment variables with defaults that let the
// binary run locally on in-memory backends.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers         []string
	KafkaRideEventsTopic string
	KafkaLocationTopic   string

	PGDSN         string
	RunMigrations bool

	RabbitMQURL      string
	NotifyWebhookURL string

	StripeAPIKey        string
	StripePaymentMethod string
	PaymentCurrency     string

	OSRMEndpoint    string
	DefaultSpeedMps float64

	SearchRadiusKm  float64
	NearbyLimit     int
	MaxOffers       int
	LockLease       time.Duration
	AvailabilityTTL time.Duration

	SurgeDemandTTL time.Duration
	SurgeCacheTTL  time.Duration

	LogLevel string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:             ":8080",
		ReadTimeout:          5 * time.Second,
		WriteTimeout:         10 * time.Second,
		IdleTimeout:          120 * time.Second,
		ShutdownTimeout:      15 * time.Second,
		RedisGeoKey:          "drivers_geo",
		KafkaRideEventsTopic: "ride-events",
		KafkaLocationTopic:   "driver-locations",
		StripePaymentMethod:  "pm_card_visa",
		PaymentCurrency:      "INR",
		DefaultSpeedMps:      8,
		SearchRadiusKm:       5,
		NearbyLimit:          20,
		MaxOffers:            5,
		LockLease:            20 * time.Second,
		AvailabilityTTL:      30 * time.Second,
		SurgeDemandTTL:       5 * time.Minute,
		SurgeCacheTTL:        60 * time.Second,
		LogLevel:             "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaRideEventsTopic, "KAFKA_RIDE_EVENTS_TOPIC")
	setStringFromEnv(&cfg.KafkaLocationTopic, "KAFKA_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	cfg.RabbitMQURL = strings.TrimSpace(os.Getenv("RABBITMQ_URL"))
	cfg.NotifyWebhookURL = strings.TrimSpace(os.Getenv("NOTIFY_WEBHOOK_URL"))

	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")
	setStringFromEnv(&cfg.StripePaymentMethod, "STRIPE_PAYMENT_METHOD")
	setStringFromEnv(&cfg.PaymentCurrency, "PAYMENT_CURRENCY")

	cfg.OSRMEndpoint = strings.TrimSpace(os.Getenv("OSRM_ENDPOINT"))
	setFloatFromEnv(&cfg.DefaultSpeedMps, "MATCHER_DEFAULT_SPEED_MPS", &errs)

	setFloatFromEnv(&cfg.SearchRadiusKm, "MATCH_SEARCH_RADIUS_KM", &errs)
	setIntFromEnv(&cfg.NearbyLimit, "MATCH_NEARBY_LIMIT", &errs)
	setIntFromEnv(&cfg.MaxOffers, "MATCH_MAX_OFFERS", &errs)
	setDurationFromEnv(&cfg.LockLease, "DRIVER_LOCK_LEASE", &errs)
	setDurationFromEnv(&cfg.AvailabilityTTL, "DRIVER_AVAILABILITY_TTL", &errs)

	setDurationFromEnv(&cfg.SurgeDemandTTL, "SURGE_DEMAND_TTL", &errs)
	setDurationFromEnv(&cfg.SurgeCacheTTL, "SURGE_CACHE_TTL", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.SearchRadiusKm <= 0 {
		errs = append(errs, fmt.Errorf("MATCH_SEARCH_RADIUS_KM must be > 0"))
	}
	if cfg.NearbyLimit <= 0 {
		errs = append(errs, fmt.Errorf("MATCH_NEARBY_LIMIT must be > 0"))
	}
	if cfg.MaxOffers < 0 {
		errs = append(errs, fmt.Errorf("MATCH_MAX_OFFERS must be >= 0"))
	}
	if cfg.LockLease < 15*time.Second || cfg.LockLease > 30*time.Second {
		errs = append(errs, fmt.Errorf("DRIVER_LOCK_LEASE must be between 15s and 30s, got %s", cfg.LockLease))
	}
	if cfg.AvailabilityTTL <= 0 {
		errs = append(errs, fmt.Errorf("DRIVER_AVAILABILITY_TTL must be > 0"))
	}
	if cfg.SurgeDemandTTL <= 0 || cfg.SurgeCacheTTL <= 0 {
		errs = append(errs, fmt.Errorf("surge TTLs must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

// ConsumerConfig drives cmd/consumer.
type ConsumerConfig struct {
	KafkaBrokers   []string
	Topic          string
	Group          string
	RedisAddr      string
	RedisPassword  string
	TrackingGeoKey string
	LogLevel       string
}

// LoadConsumerConfig resolves settings for the given consumer mode
// ("events" or "locations").
func LoadConsumerConfig(mode string) (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		KafkaBrokers:   []string{"localhost:9092"},
		RedisAddr:      "localhost:6379",
		TrackingGeoKey: "drivers_seen",
		LogLevel:       "info",
	}
	switch mode {
	case "events":
		cfg.Topic, cfg.Group = "ride-events", "ride-state-tracker"
		setStringFromEnv(&cfg.Topic, "KAFKA_RIDE_EVENTS_TOPIC")
	case "locations":
		cfg.Topic, cfg.Group = "driver-locations", "driver-location-tracker"
		setStringFromEnv(&cfg.Topic, "KAFKA_TOPIC")
	default:
		return cfg, fmt.Errorf("unknown consumer mode %q", mode)
	}

	brokersEnv := os.Getenv("KAFKA_BROKERS")
	if brokersEnv == "" {
		brokersEnv = os.Getenv("KAFKA_BROKER")
	}
	if brokersEnv != "" {
		cfg.KafkaBrokers = splitAndTrim(brokersEnv)
	}
	setStringFromEnv(&cfg.Group, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.TrackingGeoKey, "REDIS_TRACKING_GEO_KEY")
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if len(cfg.KafkaBrokers) == 0 {
		return cfg, fmt.Errorf("KAFKA_BROKERS resolved to an empty list")
	}
	return cfg, nil
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}

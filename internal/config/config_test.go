package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadServerConfigDefaults(t *testing.T) {
	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("defaults should be valid: %v", err)
	}
	if cfg.SearchRadiusKm != 5 || cfg.NearbyLimit != 20 {
		t.Fatalf("unexpected search defaults: %+v", cfg)
	}
	if cfg.LockLease != 20*time.Second || cfg.AvailabilityTTL != 30*time.Second {
		t.Fatalf("unexpected lease defaults: lease=%s ttl=%s", cfg.LockLease, cfg.AvailabilityTTL)
	}
	if cfg.SurgeDemandTTL != 5*time.Minute || cfg.SurgeCacheTTL != time.Minute {
		t.Fatalf("unexpected surge defaults")
	}
	if cfg.KafkaRideEventsTopic != "ride-events" || cfg.KafkaLocationTopic != "driver-locations" {
		t.Fatalf("unexpected topics %q %q", cfg.KafkaRideEventsTopic, cfg.KafkaLocationTopic)
	}
}

func TestLoadServerConfigFromEnv(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", " a:9092, ,b:9092 ")
	t.Setenv("MATCH_MAX_OFFERS", "0")
	t.Setenv("DRIVER_LOCK_LEASE", "25s")
	t.Setenv("MIGRATE", "TRUE")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "b:9092" {
		t.Fatalf("brokers not split: %v", cfg.KafkaBrokers)
	}
	if cfg.MaxOffers != 0 || cfg.LockLease != 25*time.Second || !cfg.RunMigrations || cfg.LogLevel != "debug" {
		t.Fatalf("env not applied: %+v", cfg)
	}
}

func TestLoadServerConfigJoinsErrors(t *testing.T) {
	t.Setenv("HTTP_READ_TIMEOUT", "soon")
	t.Setenv("MATCH_NEARBY_LIMIT", "0")
	t.Setenv("DRIVER_LOCK_LEASE", "2m")

	_, err := LoadServerConfig()
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"HTTP_READ_TIMEOUT", "MATCH_NEARBY_LIMIT", "DRIVER_LOCK_LEASE"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestLoadConsumerConfig(t *testing.T) {
	t.Setenv("KAFKA_BROKER", "k:1")
	cfg, err := LoadConsumerConfig("events")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Topic != "ride-events" || cfg.Group != "ride-state-tracker" || cfg.KafkaBrokers[0] != "k:1" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	cfg, err = LoadConsumerConfig("locations")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Topic != "driver-locations" || cfg.Group != "driver-location-tracker" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if _, err := LoadConsumerConfig("nope"); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

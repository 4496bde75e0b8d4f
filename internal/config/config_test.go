package config

import (
	"strings"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	t.Setenv("TZ", "UTC")
	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	if cfg.HTTPAddr != ":8080" || cfg.LocationBackend != "memory" || cfg.ProximityKm != 0.5 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.KafkaPositionsTopic != "bus-positions" || cfg.SubscriberBuffer != 64 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestOverrides(t *testing.T) {
	t.Setenv("TZ", "America/New_York")
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("HTTP_READ_TIMEOUT", "2s")
	t.Setenv("KAFKA_BROKERS", " k1:9092, ,k2:9092 ")
	t.Setenv("LOCATION_BACKEND", "Redis")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("PROXIMITY_KM", "0.8")
	t.Setenv("SPEED_SAMPLE_WINDOW", "5")
	t.Setenv("MIGRATE", "TRUE")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":9090" || cfg.ReadTimeout != 2*time.Second {
		t.Fatalf("http overrides not applied: %+v", cfg)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Fatalf("brokers = %v", cfg.KafkaBrokers)
	}
	if cfg.LocationBackend != "redis" || cfg.ProximityKm != 0.8 || cfg.SpeedSampleWindow != 5 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if !cfg.RunMigrations || cfg.LogLevel != "debug" {
		t.Fatalf("flags not applied: %+v", cfg)
	}
	loc, err := cfg.Location()
	if err != nil || loc.String() != "America/New_York" {
		t.Fatalf("location = %v (%v)", loc, err)
	}
}

func TestErrorsAreJoined(t *testing.T) {
	t.Setenv("TZ", "UTC")
	t.Setenv("HTTP_READ_TIMEOUT", "soon")
	t.Setenv("PROXIMITY_KM", "near")
	t.Setenv("NOTIFY_WORKERS", "0")
	t.Setenv("LOCATION_BACKEND", "postgres")

	_, err := FromEnv()
	if err == nil {
		t.Fatal("expected errors")
	}
	msg := err.Error()
	for _, want := range []string{"HTTP_READ_TIMEOUT", "PROXIMITY_KM", "NotifyWorkers", "requires PG_DSN"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("error %q does not mention %s", msg, want)
		}
	}
}

func TestUnknownBackendRejected(t *testing.T) {
	t.Setenv("TZ", "UTC")
	t.Setenv("LOCATION_BACKEND", "etcd")
	if _, err := FromEnv(); err == nil || !strings.Contains(err.Error(), "LocationBackend") {
		t.Fatalf("expected backend validation error, got %v", err)
	}
}

func TestZeroMovingSpeedRejected(t *testing.T) {
	t.Setenv("TZ", "UTC")
	t.Setenv("MIN_MOVING_SPEED_KMH", "0")
	if _, err := FromEnv(); err == nil || !strings.Contains(err.Error(), "MinMovingSpeedKmh") {
		t.Fatalf("expected validation error for zero moving speed, got %v", err)
	}
}

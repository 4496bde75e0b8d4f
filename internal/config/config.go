package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// ServerConfig captures all tunable parameters for the tracking process.
// Values are loaded from the environment (and an optional .env file) with
// defaults that run everything in memory.
type ServerConfig struct {
	HTTPAddr        string        `validate:"required"`
	ReadTimeout     time.Duration `validate:"gt=0"`
	WriteTimeout    time.Duration `validate:"gt=0"`
	IdleTimeout     time.Duration `validate:"gt=0"`
	ShutdownTimeout time.Duration `validate:"gt=0"`

	PGDSN         string
	RunMigrations bool
	SeedFile      string

	RedisAddr       string
	RedisPassword   string
	RedisStopGeoKey string `validate:"required"`
	// LocationBackend picks the position history store.
	LocationBackend   string        `validate:"oneof=memory redis postgres"`
	LocationMaxPoints int64         `validate:"gte=0"`
	LocationTTL       time.Duration `validate:"gte=0"`

	KafkaBrokers        []string
	KafkaPositionsTopic string `validate:"required"`
	KafkaGroup          string `validate:"required"`
	KafkaAutoOpen       bool

	NATSURL string

	AMQPURL          string
	AMQPExchange     string `validate:"required"`
	NotifyWebhookURL string `validate:"omitempty,url"`
	NotifyWebhookKey string
	NotifyQueueSize  int `validate:"gt=0"`
	NotifyWorkers    int `validate:"gt=0"`

	ProximityKm       float64 `validate:"gt=0"`
	DefaultSpeedKmh   float64 `validate:"gt=0"`
	MinMovingSpeedKmh float64 `validate:"gt=0"`
	SpeedSampleWindow int     `validate:"gt=0"`
	TrafficBandsFile  string
	TimeZone          string `validate:"required"`
	RouteCacheSize    int    `validate:"gt=0"`
	RouteCacheTTL     time.Duration

	SubscriberBuffer int `validate:"gt=0"`

	LogLevel string `validate:"oneof=debug info warn warning error"`
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:            ":8080",
		ReadTimeout:         5 * time.Second,
		WriteTimeout:        10 * time.Second,
		IdleTimeout:         120 * time.Second,
		ShutdownTimeout:     15 * time.Second,
		RedisStopGeoKey:     "stops_geo",
		LocationBackend:     "memory",
		LocationMaxPoints:   2000,
		LocationTTL:         24 * time.Hour,
		KafkaPositionsTopic: "bus-positions",
		KafkaGroup:          "bus-tracking",
		AMQPExchange:        "bus.notifications",
		NotifyQueueSize:     256,
		NotifyWorkers:       2,
		ProximityKm:         0.5,
		DefaultSpeedKmh:     20,
		MinMovingSpeedKmh:   5,
		SpeedSampleWindow:   10,
		TimeZone:            "Local",
		RouteCacheSize:      512,
		RouteCacheTTL:       5 * time.Minute,
		SubscriberBuffer:    64,
		LogLevel:            "info",
	}
}

// LoadServerConfig reads .env (if present) and then the environment. Every
// parse and validation problem is reported at once.
func LoadServerConfig() (ServerConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return ServerConfig{}, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv builds the configuration from the process environment only.
func FromEnv() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")
	setStringFromEnv(&cfg.SeedFile, "SEED_FILE")

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisStopGeoKey, "REDIS_STOP_GEO_KEY")
	if v := os.Getenv("LOCATION_BACKEND"); v != "" {
		cfg.LocationBackend = strings.ToLower(strings.TrimSpace(v))
	}
	setInt64FromEnv(&cfg.LocationMaxPoints, "LOCATION_MAX_POINTS", &errs)
	setDurationFromEnv(&cfg.LocationTTL, "LOCATION_TTL", &errs)

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaPositionsTopic, "KAFKA_POSITIONS_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	cfg.KafkaAutoOpen = strings.EqualFold(os.Getenv("KAFKA_AUTO_OPEN"), "true")

	setStringFromEnv(&cfg.NATSURL, "NATS_URL")

	setStringFromEnv(&cfg.AMQPURL, "AMQP_URL")
	setStringFromEnv(&cfg.AMQPExchange, "AMQP_EXCHANGE")
	setStringFromEnv(&cfg.NotifyWebhookURL, "NOTIFY_WEBHOOK_URL")
	cfg.NotifyWebhookKey = os.Getenv("NOTIFY_WEBHOOK_KEY")
	setIntFromEnv(&cfg.NotifyQueueSize, "NOTIFY_QUEUE_SIZE", &errs)
	setIntFromEnv(&cfg.NotifyWorkers, "NOTIFY_WORKERS", &errs)

	setFloatFromEnv(&cfg.ProximityKm, "PROXIMITY_KM", &errs)
	setFloatFromEnv(&cfg.DefaultSpeedKmh, "DEFAULT_SPEED_KMH", &errs)
	setFloatFromEnv(&cfg.MinMovingSpeedKmh, "MIN_MOVING_SPEED_KMH", &errs)
	setIntFromEnv(&cfg.SpeedSampleWindow, "SPEED_SAMPLE_WINDOW", &errs)
	setStringFromEnv(&cfg.TrafficBandsFile, "TRAFFIC_BANDS_FILE")
	setStringFromEnv(&cfg.TimeZone, "TZ")
	setIntFromEnv(&cfg.RouteCacheSize, "ROUTE_CACHE_SIZE", &errs)
	setDurationFromEnv(&cfg.RouteCacheTTL, "ROUTE_CACHE_TTL", &errs)

	setIntFromEnv(&cfg.SubscriberBuffer, "SUBSCRIBER_BUFFER", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if err := validator.New().Struct(cfg); err != nil {
		errs = append(errs, err)
	}
	if cfg.LocationBackend == "redis" && cfg.RedisAddr == "" {
		errs = append(errs, fmt.Errorf("LOCATION_BACKEND=redis requires REDIS_ADDR"))
	}
	if cfg.LocationBackend == "postgres" && cfg.PGDSN == "" {
		errs = append(errs, fmt.Errorf("LOCATION_BACKEND=postgres requires PG_DSN"))
	}
	if _, err := cfg.Location(); err != nil {
		errs = append(errs, fmt.Errorf("invalid TZ: %w", err))
	}

	return cfg, errors.Join(errs...)
}

// Location is the zone schedules and traffic bands are read in.
func (c ServerConfig) Location() (*time.Location, error) {
	return time.LoadLocation(c.TimeZone)
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

func setInt64FromEnv(target *int64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.ParseInt(v, 10, 64)
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

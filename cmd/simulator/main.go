package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/example/bus-tracking/internal/config"
	"github.com/example/bus-tracking/internal/ingest"
	"github.com/example/bus-tracking/internal/logging"
	"github.com/example/bus-tracking/internal/sim"
	"github.com/example/bus-tracking/internal/storage"
)

func main() {
	var (
		tripID     string
		apiURL     string
		interval   time.Duration
		speed      float64
		multiplier float64
		dwell      bool
	)
	flag.StringVar(&tripID, "trip", "", "trip to simulate (required)")
	flag.StringVar(&apiURL, "api", "http://localhost:8080", "tracking API used when KAFKA_BROKERS is unset")
	flag.DurationVar(&interval, "interval", 2*time.Second, "time between reports")
	flag.Float64Var(&speed, "speed", 25, "cruising speed in km/h")
	flag.Float64Var(&multiplier, "multiplier", 1, "simulated seconds per wall-clock second")
	flag.BoolVar(&dwell, "dwell", true, "pause at every stop for its dwell time")
	flag.Parse()

	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel).With("component", "simulator")
	if tripID == "" {
		logger.Error("-trip is required")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	catalog, closeCatalog, err := openCatalog(ctx, cfg)
	if err != nil {
		logger.Error("open catalog", "err", err)
		os.Exit(1)
	}
	defer closeCatalog()

	trip, err := catalog.Trip(ctx, tripID)
	if err != nil {
		logger.Error("load trip", "trip_id", tripID, "err", err)
		os.Exit(1)
	}
	route, err := catalog.Route(ctx, trip.RouteID)
	if err != nil {
		logger.Error("load route", "route_id", trip.RouteID, "err", err)
		os.Exit(1)
	}

	var pub sim.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaPositionsTopic)
		defer kp.Close()
		pub = kp
		logger.Info("publishing to kafka", "topic", cfg.KafkaPositionsTopic)
	} else {
		pub = sim.NewHTTPPublisher(apiURL)
		logger.Info("publishing over http", "api", apiURL)
	}

	s := sim.New(pub, sim.Config{Interval: interval, SpeedKmh: speed, Multiplier: multiplier, Dwell: dwell}, logger)
	if err := s.Run(ctx, trip.ID, route); err != nil {
		logger.Error("simulation failed", "err", err)
		os.Exit(1)
	}
}

func openCatalog(ctx context.Context, cfg config.ServerConfig) (storage.Catalog, func(), error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, nil, err
	}
	if cfg.PGDSN != "" {
		pool, err := storage.ConnectPostgres(ctx, cfg.PGDSN)
		if err != nil {
			return nil, nil, err
		}
		return storage.NewPostgresStore(pool, loc), pool.Close, nil
	}
	if cfg.SeedFile == "" {
		return storage.NewMemoryCatalog(), func() {}, nil
	}
	cat, err := storage.LoadSeedFile(cfg.SeedFile, loc)
	if err != nil {
		return nil, nil, err
	}
	return cat, func() {}, nil
}

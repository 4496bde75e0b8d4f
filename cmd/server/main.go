package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/example/bus-tracking/internal/arrival"
	"github.com/example/bus-tracking/internal/config"
	"github.com/example/bus-tracking/internal/eta"
	"github.com/example/bus-tracking/internal/geo"
	httpapi "github.com/example/bus-tracking/internal/http"
	"github.com/example/bus-tracking/internal/ingest"
	"github.com/example/bus-tracking/internal/location"
	"github.com/example/bus-tracking/internal/logging"
	"github.com/example/bus-tracking/internal/notify"
	"github.com/example/bus-tracking/internal/publisher"
	"github.com/example/bus-tracking/internal/sequencer"
	"github.com/example/bus-tracking/internal/storage"
	"github.com/example/bus-tracking/internal/tracking"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	checks := map[string]httpapi.Check{}

	var pg *storage.PostgresStore
	if cfg.PGDSN != "" {
		if cfg.RunMigrations {
			if err := storage.Migrate(ctx, cfg.PGDSN); err != nil {
				return err
			}
			logger.Info("migrations applied")
		}
		pool, err := storage.ConnectPostgres(ctx, cfg.PGDSN)
		if err != nil {
			return err
		}
		defer pool.Close()
		pg = storage.NewPostgresStore(pool, loc)
		checks["postgres"] = pg.Ping
	}

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}

	var base storage.Catalog
	switch {
	case pg != nil:
		base = pg
	case cfg.SeedFile != "":
		seeded, err := storage.LoadSeedFile(cfg.SeedFile, loc)
		if err != nil {
			return err
		}
		logger.Info("catalog seeded", "file", cfg.SeedFile)
		base = seeded
	default:
		logger.Warn("no PG_DSN or SEED_FILE; starting with an empty catalog")
		base = storage.NewMemoryCatalog()
	}
	catalog := storage.NewCachedCatalog(base, cfg.RouteCacheSize, cfg.RouteCacheTTL)

	var positions location.Store
	switch cfg.LocationBackend {
	case "redis":
		rs := location.NewRedisStore(rdb)
		rs.MaxSamples = cfg.LocationMaxPoints
		rs.TTL = cfg.LocationTTL
		positions = rs
	case "postgres":
		positions = pg
	default:
		positions = location.NewMemoryStore()
	}
	logger.Info("position store selected", "backend", cfg.LocationBackend)

	var arrivalStore arrival.Store = arrival.NewMemoryStore()
	predictorOpts := []eta.Option{eta.WithLogger(logger)}
	if pg != nil {
		arrivalStore = pg
		predictorOpts = append(predictorOpts, eta.WithEstimateLog(pg))
	}
	tracker := arrival.NewTracker(arrivalStore, logger)

	traffic := eta.DefaultTrafficTable()
	if cfg.TrafficBandsFile != "" {
		if traffic, err = eta.LoadTrafficTable(cfg.TrafficBandsFile); err != nil {
			return err
		}
	}
	predictor := eta.NewPredictor(positions, tracker, eta.Config{
		DefaultSpeedKmh:   cfg.DefaultSpeedKmh,
		MinMovingSpeedKmh: cfg.MinMovingSpeedKmh,
		SampleWindow:      cfg.SpeedSampleWindow,
		Traffic:           traffic,
		Location:          loc,
	}, predictorOpts...)

	var senders []notify.Sender
	if cfg.NotifyWebhookURL != "" {
		senders = append(senders, notify.NewWebhookSender(cfg.NotifyWebhookURL, cfg.NotifyWebhookKey))
	}
	if cfg.AMQPURL != "" {
		amqpSender, err := notify.DialAMQP(ctx, cfg.AMQPURL, cfg.AMQPExchange, logger)
		if err != nil {
			return err
		}
		defer amqpSender.Close()
		senders = append(senders, amqpSender)
	}
	if len(senders) == 0 {
		senders = append(senders, notify.LogSender{Logger: logger})
	}
	dispatcher := notify.NewDispatcher(cfg.NotifyQueueSize, cfg.NotifyWorkers, logger, senders...)
	dispatcher.Start(context.WithoutCancel(ctx))
	defer dispatcher.Stop()

	var sinks []tracking.Sink
	if cfg.NATSURL != "" {
		natsSink, err := publisher.Connect(cfg.NATSURL, logger)
		if err != nil {
			return err
		}
		defer natsSink.Close()
		sinks = append(sinks, natsSink)
	}

	hub := tracking.NewHub(tracking.Deps{
		Catalog:   catalog,
		Positions: positions,
		Arrivals:  tracker,
		Estimator: predictor,
		Estimates: predictor.Cache(),
		Notifier:  dispatcher,
		Sinks:     sinks,
		Logger:    logger,
	}, tracking.Config{ProximityKm: cfg.ProximityKm, SubscriberBuffer: cfg.SubscriberBuffer})
	defer hub.Shutdown()

	if rdb != nil {
		relay := tracking.NewRedisRelay(rdb, hub.Broker(), logger)
		if err := relay.Start(ctx); err != nil {
			return err
		}
		defer relay.Close()
		hub.AddSink(relay)
	}

	var stops geo.StopIndex = geo.NewIndex()
	if rdb != nil {
		stops = geo.NewRedisIndex(rdb, cfg.RedisStopGeoKey)
	}
	if err := indexStops(ctx, catalog, stops); err != nil {
		return err
	}

	seq := &sequencer.Service{Routes: catalog, Locker: hub, Logger: logger}

	var producer httpapi.PositionPublisher
	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaPositionsTopic)
		defer kp.Close()
		producer = kp

		reader := ingest.NewKafkaReader(cfg.KafkaBrokers, cfg.KafkaPositionsTopic, cfg.KafkaGroup)
		defer reader.Close()
		consumer := ingest.NewConsumer(reader, hub, hub, ingest.ConsumerConfig{AutoOpen: cfg.KafkaAutoOpen}, logger)
		go func() {
			if err := consumer.Run(ctx); err != nil {
				logger.Error("position consumer stopped", "err", err)
			}
		}()
		logger.Info("kafka ingestion enabled", "topic", cfg.KafkaPositionsTopic, "group", cfg.KafkaGroup)
	}

	api := httpapi.NewServer(httpapi.Deps{
		Hub:       hub,
		Predictor: predictor,
		Sequencer: seq,
		Catalog:   catalog,
		Stops:     stops,
		Producer:  producer,
		Checks:    checks,
		Logger:    logger,
	})
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("bus tracking listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// indexStops loads every route's stops into the nearby-stop index.
func indexStops(ctx context.Context, catalog storage.Catalog, index geo.StopIndex) error {
	routes, err := catalog.Routes(ctx)
	if err != nil {
		return err
	}
	n := 0
	for _, r := range routes {
		for _, s := range r.Stops {
			if s.RouteID == "" {
				s.RouteID = r.ID
			}
			if err := index.Upsert(ctx, s); err != nil {
				return err
			}
			n++
		}
	}
	slog.Info("stop index loaded", "routes", len(routes), "stops", n)
	return nil
}

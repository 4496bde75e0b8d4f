package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/bus-tracking/internal/models"
	"github.com/example/bus-tracking/internal/observability"
	"github.com/example/bus-tracking/internal/tracking"
)

type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

type Ingester interface {
	Ingest(ctx context.Context, raw tracking.RawPosition) (models.PositionSample, error)
}

// Opener starts tracking a trip on its first report.
type Opener interface {
	Open(ctx context.Context, tripID string) error
}

type ConsumerConfig struct {
	Attempts   int
	RetryDelay time.Duration
	// ReadBackoff is the first pause after a failed read; it doubles up to
	// MaxBackoff.
	ReadBackoff time.Duration
	MaxBackoff  time.Duration
	// AutoOpen opens the trip when a report arrives before anyone started it.
	AutoOpen bool
}

// Consumer feeds reports from the positions topic into the hub. One consumer
// is one reporting stream.
type Consumer struct {
	reader MessageReader
	hub    Ingester
	opener Opener
	cfg    ConsumerConfig
	logger *slog.Logger
}

func NewKafkaReader(brokers []string, topic, group string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: topic, GroupID: group, MinBytes: 1, MaxBytes: 10e6})
}

func NewConsumer(r MessageReader, hub Ingester, opener Opener, cfg ConsumerConfig, logger *slog.Logger) *Consumer {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 200 * time.Millisecond
	}
	if cfg.ReadBackoff <= 0 {
		cfg.ReadBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{reader: r, hub: hub, opener: opener, cfg: cfg, logger: logger}
}

// Run reads until ctx is cancelled. Read errors back off exponentially.
func (c *Consumer) Run(ctx context.Context) error {
	backoff := c.cfg.ReadBackoff
	for {
		m, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("position consumer stopping")
				return nil
			}
			c.logger.Warn("kafka read error, backing off", "err", err, "backoff", backoff)
			if !sleep(ctx, backoff) {
				return nil
			}
			backoff *= 2
			if backoff > c.cfg.MaxBackoff {
				backoff = c.cfg.MaxBackoff
			}
			continue
		}
		backoff = c.cfg.ReadBackoff
		c.Handle(ctx, m)
	}
}

// Handle ingests one message. Bad payloads and rejected samples are dropped.
func (c *Consumer) Handle(ctx context.Context, m kafka.Message) {
	var msg PositionMessage
	if err := json.Unmarshal(m.Value, &msg); err != nil {
		observability.KafkaMessages.WithLabelValues("in", "invalid").Inc()
		c.logger.Warn("invalid position message", "offset", m.Offset, "err", err)
		return
	}
	if msg.TripID == "" {
		msg.TripID = string(m.Key)
	}
	if err := c.ingestWithRetry(ctx, msg.Raw()); err != nil {
		observability.KafkaMessages.WithLabelValues("in", "error").Inc()
		c.logger.Error("position ingest failed", "trip_id", msg.TripID, "err", err)
		return
	}
	observability.KafkaMessages.WithLabelValues("in", "ok").Inc()
}

// ingestWithRetry retries infrastructure failures only. Invalid input and
// lifecycle violations fail immediately.
func (c *Consumer) ingestWithRetry(ctx context.Context, raw tracking.RawPosition) error {
	delay := c.cfg.RetryDelay
	opened := false
	for i := 0; ; i++ {
		_, err := c.hub.Ingest(ctx, raw)
		if err == nil {
			return nil
		}
		if errors.Is(err, tracking.ErrSessionNotOpen) && c.cfg.AutoOpen && c.opener != nil && !opened {
			opened = true
			if oerr := c.opener.Open(ctx, raw.TripID); oerr != nil {
				return oerr
			}
			i--
			continue
		}
		if permanent(err) || i == c.cfg.Attempts-1 {
			return err
		}
		if !sleep(ctx, delay) {
			return ctx.Err()
		}
		delay *= 2
	}
}

func permanent(err error) bool {
	return errors.Is(err, models.ErrInvalidArgument) || errors.Is(err, models.ErrPrecondition) || errors.Is(err, models.ErrNotFound)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

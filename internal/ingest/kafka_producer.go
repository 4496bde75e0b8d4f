// Package ingest moves position reports between reporting devices, Kafka
// and the tracking hub.
package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/bus-tracking/internal/observability"
	"github.com/example/bus-tracking/internal/tracking"
)

// PositionMessage is the wire form of a report on the positions topic. It is
// the HTTP payload plus the trip id.
type PositionMessage struct {
	TripID    string     `json:"trip_id"`
	Lat       float64    `json:"lat"`
	Lng       float64    `json:"lng"`
	Speed     *float64   `json:"speed,omitempty"`
	Heading   *float64   `json:"heading,omitempty"`
	Accuracy  *float64   `json:"accuracy,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

func (m PositionMessage) Raw() tracking.RawPosition {
	return tracking.RawPosition{
		TripID:    m.TripID,
		Lat:       m.Lat,
		Lng:       m.Lng,
		Speed:     m.Speed,
		Heading:   m.Heading,
		Accuracy:  m.Accuracy,
		Timestamp: m.Timestamp,
	}
}

type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer writes reports keyed by trip id so one trip stays on one
// partition and keeps its order.
type KafkaProducer struct {
	writer MessageWriter
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := &kafka.Writer{Addr: kafka.TCP(brokers...), Topic: topic, Balancer: &kafka.Hash{}}
	return &KafkaProducer{writer: w}
}

func NewProducerWithWriter(w MessageWriter) *KafkaProducer { return &KafkaProducer{writer: w} }

func (k *KafkaProducer) Publish(ctx context.Context, msgs ...PositionMessage) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	out := make([]kafka.Message, 0, len(msgs))
	for _, m := range msgs {
		b, err := json.Marshal(m)
		if err != nil {
			return err
		}
		out = append(out, kafka.Message{Key: []byte(m.TripID), Value: b})
	}
	if err := k.writer.WriteMessages(ctx, out...); err != nil {
		observability.KafkaMessages.WithLabelValues("out", "error").Add(float64(len(out)))
		return err
	}
	observability.KafkaMessages.WithLabelValues("out", "ok").Add(float64(len(out)))
	return nil
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const relayPattern = "tracking:*:broadcast"

func relayChannel(g Group) string { return "tracking:" + string(g) + ":broadcast" }

type relayMessage struct {
	Origin string          `json:"origin"`
	Group  Group           `json:"group"`
	Event  json.RawMessage `json:"event"`
}

// RedisRelay shares events between hub instances over Redis pub/sub. Events
// published locally are forwarded; events from other instances are delivered
// to the local broker only.
type RedisRelay struct {
	client   *redis.Client
	broker   *Broker
	instance string
	logger   *slog.Logger

	mu     sync.Mutex
	pubsub *redis.PubSub
	done   chan struct{}
}

func NewRedisRelay(client *redis.Client, broker *Broker, logger *slog.Logger) *RedisRelay {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisRelay{client: client, broker: broker, instance: uuid.NewString(), logger: logger}
}

func (r *RedisRelay) Name() string { return "redis" }

func (r *RedisRelay) Forward(ctx context.Context, g Group, e Event) error {
	env, err := Encode(e)
	if err != nil {
		return err
	}
	b, err := json.Marshal(relayMessage{Origin: r.instance, Group: g, Event: env})
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, relayChannel(g), b).Err()
}

// Start subscribes and delivers remote events until Close.
func (r *RedisRelay) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pubsub != nil {
		return errors.New("relay already started")
	}
	ps := r.client.PSubscribe(ctx, relayPattern)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("subscribe %s: %w", relayPattern, err)
	}
	r.pubsub = ps
	r.done = make(chan struct{})
	go r.loop(ps.Channel(), r.done)
	return nil
}

func (r *RedisRelay) loop(msgs <-chan *redis.Message, done chan struct{}) {
	defer close(done)
	for msg := range msgs {
		var m relayMessage
		if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
			r.logger.Warn("relay: bad message", "channel", msg.Channel, "err", err)
			continue
		}
		if m.Origin == r.instance {
			continue
		}
		ev, err := Decode(m.Event)
		if err != nil {
			r.logger.Warn("relay: bad event", "channel", msg.Channel, "err", err)
			continue
		}
		r.broker.Publish(m.Group, ev)
	}
}

func (r *RedisRelay) Close() error {
	r.mu.Lock()
	ps, done := r.pubsub, r.done
	r.pubsub = nil
	r.mu.Unlock()
	if ps == nil {
		return nil
	}
	err := ps.Close()
	<-done
	return err
}

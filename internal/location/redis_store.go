package location

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/example/bus-tracking/internal/models"
)

// RedisStore keeps samples in a per-trip sorted set scored by timestamp
// (unix milliseconds), so ordering never depends on arrival order.
type RedisStore struct {
	client *redis.Client
	// MaxSamples trims the oldest samples beyond this count; 0 keeps all.
	MaxSamples int64
	// TTL is refreshed on every append; 0 disables expiry.
	TTL time.Duration
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func positionsKey(tripID string) string { return "trip:" + tripID + ":positions" }

// storedSample carries a unique id so a resent, byte-identical report is
// kept as its own sorted-set member.
type storedSample struct {
	ID string `json:"id"`
	models.PositionSample
}

func (r *RedisStore) Append(ctx context.Context, s models.PositionSample) error {
	member, err := json.Marshal(storedSample{ID: uuid.NewString(), PositionSample: s})
	if err != nil {
		return err
	}
	key := positionsKey(s.TripID)
	pipe := r.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(s.Timestamp.UnixMilli()), Member: member})
	if r.MaxSamples > 0 {
		pipe.ZRemRangeByRank(ctx, key, 0, -(r.MaxSamples + 1))
	}
	if r.TTL > 0 {
		pipe.Expire(ctx, key, r.TTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append position: %w", err)
	}
	return nil
}

func (r *RedisStore) Latest(ctx context.Context, tripID string) (models.PositionSample, bool, error) {
	arr, err := r.Recent(ctx, tripID, 1)
	if err != nil || len(arr) == 0 {
		return models.PositionSample{}, false, err
	}
	return arr[0], true, nil
}

func (r *RedisStore) Recent(ctx context.Context, tripID string, n int) ([]models.PositionSample, error) {
	stop := int64(n) - 1
	if n <= 0 {
		stop = -1
	}
	vals, err := r.client.ZRevRange(ctx, positionsKey(tripID), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("recent positions: %w", err)
	}
	out := make([]models.PositionSample, 0, len(vals))
	for _, v := range vals {
		var s storedSample
		if err := json.Unmarshal([]byte(v), &s); err != nil {
			return nil, fmt.Errorf("decode position: %w", err)
		}
		out = append(out, s.PositionSample)
	}
	return out, nil
}

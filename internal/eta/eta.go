package eta

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/bus-tracking/internal/models"
)

// EstimateLog is the append-only record of every computed estimate.
type EstimateLog interface {
	AppendEstimate(ctx context.Context, e models.ETAEstimate) error
	ListEstimates(ctx context.Context, tripID string) ([]models.ETAEstimate, error)
}

// Cache keeps the newest estimate per (trip, stop) so snapshots can be
// served without recomputing.
type Cache struct {
	mu    sync.RWMutex
	store map[string]map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	v  models.ETAEstimate
	ts time.Time
}

// NewCache creates a cache with the provided TTL; 0 never expires.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]map[string]cacheEntry), ttl: ttl}
}

// Get returns cached value and true if present and not expired.
func (c *Cache) Get(tripID, stopID string) (models.ETAEstimate, bool) {
	c.mu.RLock()
	e, ok := c.store[tripID][stopID]
	c.mu.RUnlock()
	if !ok || c.expired(e) {
		return models.ETAEstimate{}, false
	}
	return e.v, true
}

// Set stores an estimate unless a newer one is already cached.
func (c *Cache) Set(e models.ETAEstimate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	trip := c.store[e.TripID]
	if trip == nil {
		trip = make(map[string]cacheEntry)
		c.store[e.TripID] = trip
	}
	if cur, ok := trip[e.StopID]; ok && cur.v.CalculatedAt.After(e.CalculatedAt) {
		return
	}
	trip[e.StopID] = cacheEntry{v: e, ts: time.Now()}
}

// ForTrip returns the live estimates of a trip ordered by stop id.
func (c *Cache) ForTrip(tripID string) []models.ETAEstimate {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.ETAEstimate, 0, len(c.store[tripID]))
	for _, e := range c.store[tripID] {
		if !c.expired(e) {
			out = append(out, e.v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StopID < out[j].StopID })
	return out
}

// Drop removes one stop, e.g. once the bus has arrived there.
func (c *Cache) Drop(tripID, stopID string) {
	c.mu.Lock()
	delete(c.store[tripID], stopID)
	c.mu.Unlock()
}

// Forget removes every estimate of a finished trip.
func (c *Cache) Forget(tripID string) {
	c.mu.Lock()
	delete(c.store, tripID)
	c.mu.Unlock()
}

func (c *Cache) expired(e cacheEntry) bool {
	return c.ttl > 0 && time.Since(e.ts) > c.ttl
}

// MemoryLog is the in-process EstimateLog.
type MemoryLog struct {
	mu   sync.RWMutex
	rows map[string][]models.ETAEstimate
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{rows: make(map[string][]models.ETAEstimate)}
}

func (m *MemoryLog) AppendEstimate(_ context.Context, e models.ETAEstimate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[e.TripID] = append(m.rows[e.TripID], e)
	return nil
}

func (m *MemoryLog) ListEstimates(_ context.Context, tripID string) ([]models.ETAEstimate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.ETAEstimate, len(m.rows[tripID]))
	copy(out, m.rows[tripID])
	return out, nil
}

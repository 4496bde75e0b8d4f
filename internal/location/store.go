// Package location keeps the append-only GPS history of active trips.
package location

import (
	"context"
	"sync"

	"github.com/example/bus-tracking/internal/models"
)

// Store holds position samples per trip. Samples are never rejected for
// arriving out of order; "latest" always means greatest timestamp.
type Store interface {
	Append(ctx context.Context, s models.PositionSample) error
	Latest(ctx context.Context, tripID string) (models.PositionSample, bool, error)
	// Recent returns up to n samples, newest first.
	Recent(ctx context.Context, tripID string, n int) ([]models.PositionSample, error)
}

// MemoryStore keeps each trip's samples sorted by timestamp.
type MemoryStore struct {
	mu    sync.RWMutex
	trips map[string][]models.PositionSample
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{trips: make(map[string][]models.PositionSample)}
}

// Append inserts from the tail, so in-order samples cost O(1).
func (m *MemoryStore) Append(_ context.Context, s models.PositionSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	arr := append(m.trips[s.TripID], s)
	for i := len(arr) - 1; i > 0 && arr[i].Timestamp.Before(arr[i-1].Timestamp); i-- {
		arr[i], arr[i-1] = arr[i-1], arr[i]
	}
	m.trips[s.TripID] = arr
	return nil
}

func (m *MemoryStore) Latest(_ context.Context, tripID string) (models.PositionSample, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	arr := m.trips[tripID]
	if len(arr) == 0 {
		return models.PositionSample{}, false, nil
	}
	return arr[len(arr)-1], true, nil
}

func (m *MemoryStore) Recent(_ context.Context, tripID string, n int) ([]models.PositionSample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	arr := m.trips[tripID]
	if n <= 0 || n > len(arr) {
		n = len(arr)
	}
	out := make([]models.PositionSample, 0, n)
	for i := len(arr) - 1; i >= len(arr)-n; i-- {
		out = append(out, arr[i])
	}
	return out, nil
}

// Len is the number of samples stored for the trip.
func (m *MemoryStore) Len(tripID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.trips[tripID])
}

package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/bus-tracking/internal/models"
)

// Catalog is read access to routes, trips and student assignments, plus the
// two writes the tracking core owns: trip status and stop order.
type Catalog interface {
	Trip(ctx context.Context, id string) (models.Trip, error)
	Route(ctx context.Context, id string) (models.Route, error)
	Routes(ctx context.Context) ([]models.Route, error)
	Assignments(ctx context.Context, routeID string) ([]models.StudentAssignment, error)
	CountAssignments(ctx context.Context, routeID string) (int, error)
	UpdateTripStatus(ctx context.Context, tripID string, status models.TripStatus, at time.Time) error
	SaveStopOrder(ctx context.Context, routeID string, stops []models.Stop, totalKm float64, durationMin int) error
}

type MemoryCatalog struct {
	mu          sync.RWMutex
	trips       map[string]models.Trip
	routes      map[string]models.Route
	assignments map[string][]models.StudentAssignment
}

func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{
		trips:       make(map[string]models.Trip),
		routes:      make(map[string]models.Route),
		assignments: make(map[string][]models.StudentAssignment),
	}
}

func (m *MemoryCatalog) PutTrip(t models.Trip) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trips[t.ID] = t
}

func (m *MemoryCatalog) PutRoute(r models.Route) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range r.Stops {
		r.Stops[i].RouteID = r.ID
	}
	m.routes[r.ID] = r
}

func (m *MemoryCatalog) PutAssignment(a models.StudentAssignment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assignments[a.RouteID] = append(m.assignments[a.RouteID], a)
}

func (m *MemoryCatalog) Trip(_ context.Context, id string) (models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trips[id]
	if !ok {
		return models.Trip{}, models.ErrTripNotFound
	}
	return t, nil
}

func (m *MemoryCatalog) Route(_ context.Context, id string) (models.Route, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.routes[id]
	if !ok {
		return models.Route{}, models.ErrRouteNotFound
	}
	return cloneRoute(r), nil
}

func (m *MemoryCatalog) Routes(_ context.Context) ([]models.Route, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Route, 0, len(m.routes))
	for _, r := range m.routes {
		out = append(out, cloneRoute(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryCatalog) Assignments(_ context.Context, routeID string) ([]models.StudentAssignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.assignments[routeID]
	out := make([]models.StudentAssignment, len(src))
	copy(out, src)
	return out, nil
}

func (m *MemoryCatalog) CountAssignments(_ context.Context, routeID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.assignments[routeID]), nil
}

func (m *MemoryCatalog) UpdateTripStatus(_ context.Context, tripID string, status models.TripStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[tripID]
	if !ok {
		return models.ErrTripNotFound
	}
	t.Status = status
	switch status {
	case models.TripInProgress:
		t.ActualStart = &at
	case models.TripCompleted, models.TripCancelled:
		t.ActualEnd = &at
	}
	m.trips[tripID] = t
	return nil
}

func (m *MemoryCatalog) SaveStopOrder(_ context.Context, routeID string, stops []models.Stop, totalKm float64, durationMin int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.routes[routeID]
	if !ok {
		return models.ErrRouteNotFound
	}
	order := make(map[string]int, len(stops))
	for _, s := range stops {
		order[s.ID] = s.Order
	}
	next := make([]models.Stop, len(r.Stops))
	copy(next, r.Stops)
	for i := range next {
		if o, ok := order[next[i].ID]; ok {
			next[i].Order = o
		}
	}
	r.Stops = next
	if err := r.ValidateOrder(); err != nil {
		return err
	}
	r.TotalDistanceKm = totalKm
	r.EstimatedDurationMin = durationMin
	m.routes[routeID] = r
	return nil
}

func cloneRoute(r models.Route) models.Route {
	stops := make([]models.Stop, len(r.Stops))
	copy(stops, r.Stops)
	r.Stops = stops
	return r
}

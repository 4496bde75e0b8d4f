// Package arrival records when a bus actually reached and left each stop.
package arrival

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/example/bus-tracking/internal/models"
	"github.com/example/bus-tracking/internal/observability"
)

// Store persists one record per (trip, stop).
type Store interface {
	// InsertArrival keeps an arrival already on file; created reports
	// whether this call set it.
	InsertArrival(ctx context.Context, rec models.ArrivalRecord) (models.ArrivalRecord, bool, error)
	// SetDeparture fails with models.ErrArrivalNotRecorded when no arrival exists.
	SetDeparture(ctx context.Context, tripID, stopID string, at time.Time, boarded, alighted int) (models.ArrivalRecord, error)
	GetArrival(ctx context.Context, tripID, stopID string) (models.ArrivalRecord, bool, error)
	ListArrivals(ctx context.Context, tripID string) ([]models.ArrivalRecord, error)
}

type Tracker struct {
	store  Store
	logger *slog.Logger
}

func NewTracker(store Store, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{store: store, logger: logger}
}

// RecordArrival is first-write-wins: a second arrival for the same stop
// returns the stored record with created=false.
func (t *Tracker) RecordArrival(ctx context.Context, trip models.Trip, route models.Route, stopID string, at time.Time) (models.ArrivalRecord, bool, error) {
	stop, err := stopOf(trip, route, stopID)
	if err != nil {
		return models.ArrivalRecord{}, false, err
	}
	existing, ok, err := t.store.GetArrival(ctx, trip.ID, stopID)
	if err != nil {
		return models.ArrivalRecord{}, false, err
	}
	if ok && existing.Arrived() {
		return existing, false, nil
	}

	rec := models.ArrivalRecord{TripID: trip.ID, StopID: stopID, ActualArrival: &at}
	if stop.ScheduledArrival != nil {
		sched := stop.ScheduledArrival.On(trip.Date)
		rec.ScheduledArrival = &sched
	}
	rec, created, err := t.store.InsertArrival(ctx, rec)
	if err != nil {
		return models.ArrivalRecord{}, false, err
	}
	if created {
		observability.ArrivalsTotal.WithLabelValues(strconv.FormatBool(rec.OnTime())).Inc()
		delay, _ := rec.DelayMinutes()
		t.logger.Info("stop arrival recorded", "trip_id", trip.ID, "stop_id", stopID, "delay_min", delay)
	}
	return rec, created, nil
}

// RecordDeparture requires a prior arrival and a departure no earlier than it.
func (t *Tracker) RecordDeparture(ctx context.Context, trip models.Trip, route models.Route, stopID string, at time.Time, boarded, alighted int) (models.ArrivalRecord, error) {
	if _, err := stopOf(trip, route, stopID); err != nil {
		return models.ArrivalRecord{}, err
	}
	if boarded < 0 || alighted < 0 {
		return models.ArrivalRecord{}, fmt.Errorf("%w: negative student count", models.ErrInvalidArgument)
	}
	existing, ok, err := t.store.GetArrival(ctx, trip.ID, stopID)
	if err != nil {
		return models.ArrivalRecord{}, err
	}
	if !ok || !existing.Arrived() {
		return models.ArrivalRecord{}, models.ErrArrivalNotRecorded
	}
	if at.Before(*existing.ActualArrival) {
		return models.ArrivalRecord{}, models.ErrDepartureBeforeArrival
	}
	return t.store.SetDeparture(ctx, trip.ID, stopID, at, boarded, alighted)
}

// Arrived returns the arrived records of a trip keyed by stop id.
func (t *Tracker) Arrived(ctx context.Context, tripID string) (map[string]models.ArrivalRecord, error) {
	list, err := t.store.ListArrivals(ctx, tripID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]models.ArrivalRecord, len(list))
	for _, r := range list {
		if r.Arrived() {
			out[r.StopID] = r
		}
	}
	return out, nil
}

func stopOf(trip models.Trip, route models.Route, stopID string) (models.Stop, error) {
	if trip.RouteID != route.ID {
		return models.Stop{}, fmt.Errorf("%w: trip %s does not run route %s", models.ErrInvalidArgument, trip.ID, route.ID)
	}
	stop, ok := route.Stop(stopID)
	if !ok {
		return models.Stop{}, models.ErrStopNotOnRoute
	}
	return stop, nil
}

// MemoryStore is the in-process Store.
type MemoryStore struct {
	mu   sync.RWMutex
	recs map[string]map[string]models.ArrivalRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{recs: make(map[string]map[string]models.ArrivalRecord)}
}

func (m *MemoryStore) InsertArrival(_ context.Context, rec models.ArrivalRecord) (models.ArrivalRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	trip := m.recs[rec.TripID]
	if trip == nil {
		trip = make(map[string]models.ArrivalRecord)
		m.recs[rec.TripID] = trip
	}
	if cur, ok := trip[rec.StopID]; ok && cur.Arrived() {
		return cur, false, nil
	}
	trip[rec.StopID] = rec
	return rec, true, nil
}

func (m *MemoryStore) SetDeparture(_ context.Context, tripID, stopID string, at time.Time, boarded, alighted int) (models.ArrivalRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.recs[tripID][stopID]
	if !ok || !cur.Arrived() {
		return models.ArrivalRecord{}, models.ErrArrivalNotRecorded
	}
	cur.ActualDeparture = &at
	cur.Boarded = boarded
	cur.Alighted = alighted
	m.recs[tripID][stopID] = cur
	return cur, nil
}

func (m *MemoryStore) GetArrival(_ context.Context, tripID, stopID string) (models.ArrivalRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.recs[tripID][stopID]
	return r, ok, nil
}

func (m *MemoryStore) ListArrivals(_ context.Context, tripID string) ([]models.ArrivalRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.ArrivalRecord, 0, len(m.recs[tripID]))
	for _, r := range m.recs[tripID] {
		out = append(out, r)
	}
	return out, nil
}

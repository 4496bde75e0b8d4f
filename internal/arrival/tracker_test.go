package arrival

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/bus-tracking/internal/models"
)

var tripDate = time.Date(2024, 9, 2, 0, 0, 0, 0, time.UTC)

func fixture() (models.Trip, models.Route) {
	sched := models.TimeOfDay{Hour: 7, Minute: 30}
	route := models.Route{ID: "r1", Stops: []models.Stop{
		{ID: "s1", RouteID: "r1", Order: 1, ScheduledArrival: &sched},
		{ID: "s2", RouteID: "r1", Order: 2},
	}}
	return models.Trip{ID: "t1", RouteID: "r1", Date: tripDate}, route
}

func TestRecordArrivalFirstWriteWins(t *testing.T) {
	tr := NewTracker(NewMemoryStore(), nil)
	trip, route := fixture()
	ctx := context.Background()
	first := tripDate.Add(7*time.Hour + 33*time.Minute)

	rec, created, err := tr.RecordArrival(ctx, trip, route, "s1", first)
	if err != nil || !created {
		t.Fatalf("first arrival: created=%v err=%v", created, err)
	}
	if d, ok := rec.DelayMinutes(); !ok || d != 3 || !rec.OnTime() {
		t.Fatalf("expected 3 minutes late and on time, got %v %v", d, ok)
	}

	rec, created, err = tr.RecordArrival(ctx, trip, route, "s1", first.Add(10*time.Minute))
	if err != nil {
		t.Fatalf("duplicate arrival must not fail: %v", err)
	}
	if created || !rec.ActualArrival.Equal(first) {
		t.Fatalf("expected first arrival kept, got %v created=%v", rec.ActualArrival, created)
	}
}

func TestRecordDepartureBeforeArrival(t *testing.T) {
	store := NewMemoryStore()
	tr := NewTracker(store, nil)
	trip, route := fixture()
	ctx := context.Background()

	_, err := tr.RecordDeparture(ctx, trip, route, "s2", tripDate.Add(8*time.Hour), 2, 0)
	if !errors.Is(err, models.ErrArrivalNotRecorded) || !errors.Is(err, models.ErrPrecondition) {
		t.Fatalf("expected precondition failure, got %v", err)
	}
	if _, ok, _ := store.GetArrival(ctx, "t1", "s2"); ok {
		t.Fatalf("failed departure must not create a record")
	}
}

func TestRecordDeparture(t *testing.T) {
	tr := NewTracker(NewMemoryStore(), nil)
	trip, route := fixture()
	ctx := context.Background()
	at := tripDate.Add(8 * time.Hour)

	if _, _, err := tr.RecordArrival(ctx, trip, route, "s2", at); err != nil {
		t.Fatalf("arrival: %v", err)
	}
	if _, err := tr.RecordDeparture(ctx, trip, route, "s2", at.Add(-time.Minute), 0, 0); !errors.Is(err, models.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument for departure before arrival, got %v", err)
	}
	rec, err := tr.RecordDeparture(ctx, trip, route, "s2", at.Add(2*time.Minute), 4, 1)
	if err != nil {
		t.Fatalf("departure: %v", err)
	}
	if d, ok := rec.DwellTime(); !ok || d != 2*time.Minute || rec.Boarded != 4 || rec.Alighted != 1 {
		t.Fatalf("unexpected record %+v", rec)
	}
	// no schedule means on time by definition
	if !rec.OnTime() {
		t.Fatalf("expected on time without schedule")
	}
}

func TestRecordArrivalInvalidStop(t *testing.T) {
	tr := NewTracker(NewMemoryStore(), nil)
	trip, route := fixture()
	if _, _, err := tr.RecordArrival(context.Background(), trip, route, "elsewhere", tripDate); !errors.Is(err, models.ErrStopNotOnRoute) {
		t.Fatalf("expected ErrStopNotOnRoute, got %v", err)
	}
	trip.RouteID = "r2"
	if _, _, err := tr.RecordArrival(context.Background(), trip, route, "s1", tripDate); !errors.Is(err, models.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestArrived(t *testing.T) {
	tr := NewTracker(NewMemoryStore(), nil)
	trip, route := fixture()
	ctx := context.Background()
	if _, _, err := tr.RecordArrival(ctx, trip, route, "s1", tripDate.Add(7*time.Hour)); err != nil {
		t.Fatalf("arrival: %v", err)
	}
	got, err := tr.Arrived(ctx, "t1")
	if err != nil || len(got) != 1 {
		t.Fatalf("arrived: %v %v", got, err)
	}
	if _, ok := got["s1"]; !ok {
		t.Fatalf("expected s1 arrived")
	}
}

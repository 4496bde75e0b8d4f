package geo

import (
	"context"
	"math"
	"testing"

	"github.com/example/bus-tracking/internal/models"
)

func TestDistanceZero(t *testing.T) {
	c := models.Coordinate{Lat: 10.8, Lng: 106.7}
	if d := Distance(c, c); d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestDistanceSymmetric(t *testing.T) {
	pts := []models.Coordinate{
		{Lat: 10.80, Lng: 106.70},
		{Lat: 10.81, Lng: 106.71},
		{Lat: -6.2, Lng: 106.816},
		{Lat: 51.5, Lng: -0.12},
		{Lat: -33.9, Lng: 151.2},
	}
	for _, a := range pts {
		for _, b := range pts {
			if math.Abs(Distance(a, b)-Distance(b, a)) > 1e-9 {
				t.Fatalf("distance not symmetric for %v %v", a, b)
			}
			if a != b && Distance(a, b) <= 0 {
				t.Fatalf("expected positive distance for %v %v", a, b)
			}
		}
	}
}

func TestDistanceTriangle(t *testing.T) {
	a := models.Coordinate{Lat: 10.80, Lng: 106.70}
	b := models.Coordinate{Lat: 10.85, Lng: 106.75}
	c := models.Coordinate{Lat: 10.70, Lng: 106.80}
	if Distance(a, c) > Distance(a, b)+Distance(b, c)+1e-9 {
		t.Fatalf("triangle inequality violated")
	}
}

func TestDistanceKnown(t *testing.T) {
	// Jakarta to Bandung is roughly 115-120 km
	d := Distance(models.Coordinate{Lat: -6.2, Lng: 106.816}, models.Coordinate{Lat: -6.9175, Lng: 107.6191})
	if d < 100 || d > 140 {
		t.Fatalf("unexpected distance: %v", d)
	}
}

func TestIndexNearby(t *testing.T) {
	idx := NewIndex()
	ctx := context.Background()
	_ = idx.Upsert(ctx, models.Stop{ID: "far", RouteID: "r2", Location: models.Coordinate{Lat: 11.5, Lng: 107.5}})
	_ = idx.Upsert(ctx, models.Stop{ID: "near", RouteID: "r1", Location: models.Coordinate{Lat: 10.801, Lng: 106.701}})
	_ = idx.Upsert(ctx, models.Stop{ID: "mid", RouteID: "r1", Location: models.Coordinate{Lat: 10.81, Lng: 106.71}})

	hits, err := idx.Nearby(ctx, models.Coordinate{Lat: 10.80, Lng: 106.70}, 2, 10)
	if err != nil {
		t.Fatalf("nearby: %v", err)
	}
	if len(hits) != 2 || hits[0].StopID != "near" || hits[1].StopID != "mid" {
		t.Fatalf("unexpected hits %+v", hits)
	}
	if per := ClosestPerRoute(hits); len(per) != 1 || per[0].StopID != "near" {
		t.Fatalf("expected one hit per route, got %+v", per)
	}
}

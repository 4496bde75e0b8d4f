package geo

import (
	"context"
	"math"
	"sync"

	"github.com/example/bus-tracking/internal/models"
)

const earthRadiusKm = 6371.0

// Distance is the great-circle (haversine) distance between a and b in kilometres.
func Distance(a, b models.Coordinate) float64 {
	if a == b {
		return 0
	}
	return HaversineKm(a.Lat, a.Lng, b.Lat, b.Lng)
}

func HaversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}

// NearbyStop is a stop hit from a radius search.
type NearbyStop struct {
	StopID     string            `json:"stop_id"`
	RouteID    string            `json:"route_id"`
	Name       string            `json:"stop_name"`
	Location   models.Coordinate `json:"location"`
	DistanceKm float64           `json:"distance_km"`
}

// StopIndex answers "which stops are near this point" for route recommendations.
type StopIndex interface {
	Upsert(ctx context.Context, s models.Stop) error
	Nearby(ctx context.Context, c models.Coordinate, radiusKm float64, limit int) ([]NearbyStop, error)
}

type Index struct {
	mu    sync.RWMutex
	stops map[string]models.Stop
}

func NewIndex() *Index {
	return &Index{stops: make(map[string]models.Stop)}
}

func (g *Index) Upsert(_ context.Context, s models.Stop) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stops[s.ID] = s
	return nil
}

// naive scan; fine for a school district's stop count
func (g *Index) Nearby(_ context.Context, c models.Coordinate, radiusKm float64, limit int) ([]NearbyStop, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	arr := make([]NearbyStop, 0, len(g.stops))
	for _, s := range g.stops {
		d := Distance(c, s.Location)
		if d > radiusKm {
			continue
		}
		arr = append(arr, NearbyStop{StopID: s.ID, RouteID: s.RouteID, Name: s.Name, Location: s.Location, DistanceKm: d})
	}
	// partial selection sort for top-N, ties by stop id so results are stable
	n := limit
	if n <= 0 || n > len(arr) {
		n = len(arr)
	}
	for i := 0; i < n; i++ {
		minIdx := i
		for j := i + 1; j < len(arr); j++ {
			if arr[j].DistanceKm < arr[minIdx].DistanceKm ||
				(arr[j].DistanceKm == arr[minIdx].DistanceKm && arr[j].StopID < arr[minIdx].StopID) {
				minIdx = j
			}
		}
		arr[i], arr[minIdx] = arr[minIdx], arr[i]
	}
	return arr[:n], nil
}

// ClosestPerRoute keeps the first (closest) hit of every route, preserving order.
func ClosestPerRoute(hits []NearbyStop) []NearbyStop {
	seen := make(map[string]bool)
	out := make([]NearbyStop, 0, len(hits))
	for _, h := range hits {
		if seen[h.RouteID] {
			continue
		}
		seen[h.RouteID] = true
		out = append(out, h)
	}
	return out
}

package sequencer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/example/bus-tracking/internal/geo"
	"github.com/example/bus-tracking/internal/models"
)

// Score weights of a route recommendation; they sum to 100.
const (
	weightDistance = 40.0
	weightCapacity = 30.0
	weightDuration = 20.0
	weightRating   = 10.0

	// routes at least this long earn no duration points
	longRouteMin = 60.0
)

type Recommendation struct {
	RouteID     string         `json:"route_id"`
	RouteCode   string         `json:"route_code"`
	Stop        geo.NearbyStop `json:"stop"`
	Score       float64        `json:"score"`
	Capacity    int            `json:"capacity"`
	Assigned    int            `json:"assigned_students"`
	Available   int            `json:"available_seats"`
	DurationMin float64        `json:"estimated_duration_min"`
	Driver      *models.Driver `json:"driver,omitempty"`
}

// ScoreRoute rates a route for a pickup whose nearest stop on the route is
// hit, searched within maxKm. Closer stops, more free seats, shorter routes
// and better rated drivers score higher.
func ScoreRoute(route models.Route, hit geo.NearbyStop, assigned int, maxKm float64) Recommendation {
	rec := Recommendation{RouteID: route.ID, RouteCode: route.Code, Stop: hit, Assigned: assigned, Driver: route.Driver}

	score := 0.0
	if maxKm > 0 {
		score += (1 - math.Min(hit.DistanceKm/maxKm, 1)) * weightDistance
	}
	if route.Vehicle != nil && route.Vehicle.Capacity > 0 {
		rec.Capacity = route.Vehicle.Capacity
		rec.Available = max(rec.Capacity-assigned, 0)
		score += float64(rec.Available) / float64(rec.Capacity) * weightCapacity
	}
	rec.DurationMin = float64(route.EstimatedDurationMin)
	if rec.DurationMin <= 0 {
		rec.DurationMin = round2(EstimateDurationMinutes(route))
	}
	score += math.Max(0, (longRouteMin-rec.DurationMin)/longRouteMin*weightDuration)
	if route.Driver != nil {
		score += math.Min(route.Driver.Rating/5, 1) * weightRating
	}
	rec.Score = round2(score)
	return rec
}

// Recommend scores the route of every hit, best first. Hits should already
// be reduced to the closest stop per route. A hit whose route has since been
// removed is skipped.
func (s *Service) Recommend(ctx context.Context, hits []geo.NearbyStop, maxKm float64) ([]Recommendation, error) {
	out := make([]Recommendation, 0, len(hits))
	for _, h := range hits {
		route, err := s.Routes.Route(ctx, h.RouteID)
		if errors.Is(err, models.ErrNotFound) {
			s.logger().Warn("indexed stop belongs to an unknown route", "route_id", h.RouteID, "stop_id", h.StopID)
			continue
		}
		if err != nil {
			return nil, err
		}
		n, err := s.Routes.CountAssignments(ctx, route.ID)
		if err != nil {
			return nil, fmt.Errorf("count assignments of route %s: %w", route.ID, err)
		}
		out = append(out, ScoreRoute(route, h, n, maxKm))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].Stop.DistanceKm != out[j].Stop.DistanceKm {
			return out[i].Stop.DistanceKm < out[j].Stop.DistanceKm
		}
		return out[i].RouteID < out[j].RouteID
	})
	return out, nil
}

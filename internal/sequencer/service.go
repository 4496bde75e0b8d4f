package sequencer

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/example/bus-tracking/internal/models"
	"github.com/example/bus-tracking/internal/observability"
)

// RouteStore is the slice of the catalog the sequencer reads and writes.
type RouteStore interface {
	Route(ctx context.Context, id string) (models.Route, error)
	SaveStopOrder(ctx context.Context, routeID string, stops []models.Stop, totalKm float64, durationMin int) error
	CountAssignments(ctx context.Context, routeID string) (int, error)
}

// RouteLocker keeps live tracking and re-optimization of a route apart.
// LockRoute fails with models.ErrRouteInService while a trip on the route is
// being tracked.
type RouteLocker interface {
	LockRoute(routeID string) (unlock func(), err error)
}

type Service struct {
	Routes RouteStore
	Locker RouteLocker // optional
	Logger *slog.Logger
	Now    func() time.Time
}

type OptimizeResult struct {
	RouteID              string        `json:"route_id"`
	Stops                []models.Stop `json:"stops"`
	TotalDistanceKm      float64       `json:"total_distance_km"`
	PreviousDistanceKm   float64       `json:"previous_distance_km"`
	EstimatedDurationMin int           `json:"estimated_duration_min"`
}

// OptimizeRoute reorders the route's stops and persists the new order with
// the recomputed distance and duration.
func (s *Service) OptimizeRoute(ctx context.Context, routeID string) (OptimizeResult, error) {
	if s.Locker != nil {
		unlock, err := s.Locker.LockRoute(routeID)
		if err != nil {
			return OptimizeResult{}, err
		}
		defer unlock()
	}
	route, err := s.Routes.Route(ctx, routeID)
	if err != nil {
		return OptimizeResult{}, err
	}
	res := OptimizeResult{RouteID: route.ID, Stops: []models.Stop{}}
	if len(route.Stops) == 0 {
		return res, nil
	}
	res.PreviousDistanceKm = round2(RouteDistance(route))

	origin := route.OrderedStops()[0].Location
	if route.Origin != nil {
		origin = *route.Origin
	}
	start := time.Now()
	ordered := Optimize(route.Stops, origin)
	observability.OptimizeDuration.Observe(time.Since(start).Seconds())

	route.Stops = ordered
	res.Stops = ordered
	res.TotalDistanceKm = round2(PathDistance(origin, ordered))
	res.EstimatedDurationMin = int(math.Ceil(EstimateDurationMinutes(route)))

	if err := s.Routes.SaveStopOrder(ctx, route.ID, ordered, res.TotalDistanceKm, res.EstimatedDurationMin); err != nil {
		return OptimizeResult{}, err
	}
	s.logger().Info("route optimized", "route_id", route.ID, "stops", len(ordered),
		"distance_km", res.TotalDistanceKm, "previous_km", res.PreviousDistanceKm)
	return res, nil
}

// CheckRoute loads the route and its assignment count and runs the feasibility check.
func (s *Service) CheckRoute(ctx context.Context, routeID string) (FeasibilityReport, error) {
	route, err := s.Routes.Route(ctx, routeID)
	if err != nil {
		return FeasibilityReport{}, err
	}
	n, err := s.Routes.CountAssignments(ctx, routeID)
	if err != nil {
		return FeasibilityReport{}, err
	}
	return CheckFeasibility(route, n, s.now()), nil
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

package sequencer

import (
	"fmt"
	"math"
	"time"

	"github.com/example/bus-tracking/internal/models"
)

const (
	AverageCitySpeedKmh = 30.0
	DefaultDwellMinutes = models.DefaultDwellMinutes

	maxUtilizationPct = 90.0
	maxDurationMin    = 90.0
	maxStops          = 20
)

type Metrics struct {
	TotalDistanceKm      float64 `json:"total_distance_km"`
	EstimatedDurationMin float64 `json:"estimated_duration_min"`
	UtilizationPct       float64 `json:"utilization_pct"`
	StopCount            int     `json:"stop_count"`
	Capacity             int     `json:"capacity"`
	AssignedStudents     int     `json:"assigned_students"`
}

type FeasibilityReport struct {
	Feasible bool     `json:"feasible"`
	Issues   []string `json:"issues"`
	Warnings []string `json:"warnings"`
	Metrics  Metrics  `json:"metrics"`
}

// CheckFeasibility reports hard issues that prevent the route from running and
// soft warnings that do not.
func CheckFeasibility(route models.Route, assignedStudents int, now time.Time) FeasibilityReport {
	rep := FeasibilityReport{Issues: []string{}, Warnings: []string{}}
	stops := route.OrderedStops()

	rep.Metrics.StopCount = len(stops)
	rep.Metrics.AssignedStudents = assignedStudents
	rep.Metrics.TotalDistanceKm = round2(RouteDistance(route))
	rep.Metrics.EstimatedDurationMin = round2(EstimateDurationMinutes(route))

	if route.Driver == nil {
		rep.Issues = append(rep.Issues, "no driver assigned")
	}
	if route.Vehicle == nil {
		rep.Issues = append(rep.Issues, "no vehicle assigned")
	} else {
		v := route.Vehicle
		rep.Metrics.Capacity = v.Capacity
		for _, p := range v.OperatingProblems(now) {
			rep.Issues = append(rep.Issues, "vehicle cannot operate: "+p)
		}
		if v.Capacity > 0 {
			rep.Metrics.UtilizationPct = round2(float64(assignedStudents) / float64(v.Capacity) * 100)
		}
		if assignedStudents > v.Capacity {
			rep.Issues = append(rep.Issues, fmt.Sprintf("assigned students (%d) exceed vehicle capacity (%d)", assignedStudents, v.Capacity))
		}
	}
	if len(stops) == 0 {
		rep.Issues = append(rep.Issues, "route has no stops")
	}

	if rep.Metrics.UtilizationPct > maxUtilizationPct {
		rep.Warnings = append(rep.Warnings, fmt.Sprintf("vehicle utilization is %.1f%%, above %.0f%%", rep.Metrics.UtilizationPct, maxUtilizationPct))
	}
	if rep.Metrics.EstimatedDurationMin > maxDurationMin {
		rep.Warnings = append(rep.Warnings, fmt.Sprintf("estimated duration is %.0f minutes, above %.0f", rep.Metrics.EstimatedDurationMin, maxDurationMin))
	}
	if len(stops) > maxStops {
		rep.Warnings = append(rep.Warnings, fmt.Sprintf("route has %d stops, more than %d", len(stops), maxStops))
	}

	rep.Feasible = len(rep.Issues) == 0
	return rep
}

// RouteDistance is the path length of the route in its current stop order,
// starting from the route origin when one is set.
func RouteDistance(route models.Route) float64 {
	stops := route.OrderedStops()
	if len(stops) == 0 {
		return 0
	}
	origin := stops[0].Location
	if route.Origin != nil {
		origin = *route.Origin
	}
	return PathDistance(origin, stops)
}

// EstimateDurationMinutes is travel time at the average city speed plus every
// stop's dwell time.
func EstimateDurationMinutes(route models.Route) float64 {
	minutes := RouteDistance(route) / AverageCitySpeedKmh * 60
	for _, s := range route.Stops {
		minutes += s.Dwell()
	}
	return minutes
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

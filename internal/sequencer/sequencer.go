// Package sequencer orders a route's stops and checks whether a route can run.
//
// Ordering is a travelling-salesman heuristic over great-circle distance:
// nearest-neighbour construction from a fixed origin followed by 2-opt
// improvement. The path is open-ended: it starts at the origin and has no
// edge after the last stop.
package sequencer

import (
	"sort"

	"github.com/example/bus-tracking/internal/geo"
	"github.com/example/bus-tracking/internal/models"
)

// improvements smaller than this are float noise, not shorter paths
const epsilonKm = 1e-9

// Optimize returns the stops in visiting order with Order reassigned 1..N.
// The input slice is not modified.
func Optimize(stops []models.Stop, origin models.Coordinate) []models.Stop {
	path := NearestNeighbor(stops, origin)
	twoOpt(path, origin)
	for i := range path {
		path[i].Order = i + 1
	}
	return path
}

// NearestNeighbor builds a path by always moving to the closest unvisited stop.
// Ties go to the stop with the lower existing order index.
func NearestNeighbor(stops []models.Stop, origin models.Coordinate) []models.Stop {
	remaining := byOrder(stops)
	out := make([]models.Stop, 0, len(stops))
	cur := origin
	for len(remaining) > 0 {
		best := 0
		bestD := geo.Distance(cur, remaining[0].Location)
		for i := 1; i < len(remaining); i++ {
			if d := geo.Distance(cur, remaining[i].Location); d < bestD {
				best, bestD = i, d
			}
		}
		out = append(out, remaining[best])
		cur = remaining[best].Location
		remaining = append(remaining[:best], remaining[best+1:]...)
	}
	return out
}

// PathDistance is origin->first stop plus every consecutive leg, in kilometres.
func PathDistance(origin models.Coordinate, stops []models.Stop) float64 {
	total := 0.0
	cur := origin
	for _, s := range stops {
		total += geo.Distance(cur, s.Location)
		cur = s.Location
	}
	return total
}

// twoOpt reverses path[i..k] whenever that strictly shortens the path, and
// repeats until no such reversal exists. Scanning is first-improvement in
// index order, so the result depends only on the input order.
func twoOpt(path []models.Stop, origin models.Coordinate) {
	n := len(path)
	if n < 3 {
		// with a fixed origin, two stops can still be swapped
		if n == 2 && reversalGain(path, origin, 0, 1) > epsilonKm {
			path[0], path[1] = path[1], path[0]
		}
		return
	}
	for improved := true; improved; {
		improved = false
		for i := 0; i < n-1 && !improved; i++ {
			for k := i + 1; k < n; k++ {
				if reversalGain(path, origin, i, k) > epsilonKm {
					reverse(path[i : k+1])
					improved = true
					break
				}
			}
		}
	}
}

// reversalGain is how much shorter the path gets by reversing path[i..k].
func reversalGain(path []models.Stop, origin models.Coordinate, i, k int) float64 {
	prev := origin
	if i > 0 {
		prev = path[i-1].Location
	}
	before := geo.Distance(prev, path[i].Location)
	after := geo.Distance(prev, path[k].Location)
	if k+1 < len(path) {
		next := path[k+1].Location
		before += geo.Distance(path[k].Location, next)
		after += geo.Distance(path[i].Location, next)
	}
	return before - after
}

func reverse(s []models.Stop) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

func byOrder(stops []models.Stop) []models.Stop {
	out := make([]models.Stop, len(stops))
	copy(out, stops)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

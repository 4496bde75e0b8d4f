// Package sim drives a fake bus along a route and reports its position, for
// demos and load tests of the ingestion path.
package sim

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/example/bus-tracking/internal/geo"
	"github.com/example/bus-tracking/internal/ingest"
	"github.com/example/bus-tracking/internal/models"
)

// Publisher takes position reports; the Kafka producer and HTTPPublisher both fit.
type Publisher interface {
	Publish(ctx context.Context, msgs ...ingest.PositionMessage) error
}

type Config struct {
	Interval time.Duration
	SpeedKmh float64
	// Multiplier speeds up simulated time relative to the wall clock.
	Multiplier float64
	// Dwell pauses at every stop for the stop's dwell time.
	Dwell bool
}

type Simulator struct {
	pub    Publisher
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

func New(pub Publisher, cfg Config, logger *slog.Logger) *Simulator {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.SpeedKmh <= 0 {
		cfg.SpeedKmh = 25
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Simulator{pub: pub, cfg: cfg, logger: logger, now: time.Now}
}

// Path is the polyline a bus drives: the depot origin when set, then the
// stops in order.
func Path(route models.Route) []models.Coordinate {
	stops := route.OrderedStops()
	out := make([]models.Coordinate, 0, len(stops)+1)
	if route.Origin != nil {
		out = append(out, *route.Origin)
	}
	for _, s := range stops {
		out = append(out, s.Location)
	}
	return out
}

func cumulative(path []models.Coordinate) []float64 {
	cum := make([]float64, len(path))
	for i := 1; i < len(path); i++ {
		cum[i] = cum[i-1] + geo.Distance(path[i-1], path[i])
	}
	return cum
}

// PositionAt interpolates the point distKm along path and the heading of
// the segment it falls on.
func PositionAt(path []models.Coordinate, cum []float64, distKm float64) (models.Coordinate, float64) {
	if len(path) == 0 {
		return models.Coordinate{}, 0
	}
	if len(path) == 1 || distKm <= 0 {
		if len(path) > 1 {
			return path[0], bearing(path[0], path[1])
		}
		return path[0], 0
	}
	last := len(path) - 1
	if distKm >= cum[last] {
		return path[last], bearing(path[last-1], path[last])
	}
	i := 1
	for i < last && cum[i] < distKm {
		i++
	}
	seg := cum[i] - cum[i-1]
	f := 0.0
	if seg > 0 {
		f = (distKm - cum[i-1]) / seg
	}
	a, b := path[i-1], path[i]
	return models.Coordinate{
		Lat: a.Lat + (b.Lat-a.Lat)*f,
		Lng: a.Lng + (b.Lng-a.Lng)*f,
	}, bearing(a, b)
}

// bearing is the initial great-circle course from a to b in degrees [0, 360).
func bearing(a, b models.Coordinate) float64 {
	lat1, lat2 := a.Lat*math.Pi/180, b.Lat*math.Pi/180
	dLng := (b.Lng - a.Lng) * math.Pi / 180
	y := math.Sin(dLng) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLng)
	deg := math.Mod(math.Atan2(y, x)*180/math.Pi+360, 360)
	return math.Round(deg*10) / 10
}

// Run reports positions for tripID until the bus reaches the last stop or
// ctx ends.
func (s *Simulator) Run(ctx context.Context, tripID string, route models.Route) error {
	path := Path(route)
	if len(path) < 2 {
		return errors.New("route needs at least two points to simulate")
	}
	cum := cumulative(path)
	total := cum[len(cum)-1]
	stopAt := s.stopDistances(route, path, cum)

	s.logger.Info("simulating trip", "trip_id", tripID, "route_id", route.ID, "distance_km", math.Round(total*100)/100)

	tick := time.NewTicker(s.cfg.Interval)
	defer tick.Stop()

	step := s.cfg.SpeedKmh * s.cfg.Interval.Hours() * s.cfg.Multiplier
	dist, dwellLeft, next := 0.0, 0.0, 0
	for {
		speed := s.cfg.SpeedKmh
		if dwellLeft > 0 {
			speed = 0
		}
		pos, heading := PositionAt(path, cum, dist)
		ts := s.now()
		msg := ingest.PositionMessage{TripID: tripID, Lat: pos.Lat, Lng: pos.Lng, Speed: &speed, Heading: &heading, Timestamp: &ts}
		if err := s.pub.Publish(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Warn("publish position failed", "trip_id", tripID, "err", err)
		}
		if dist >= total {
			s.logger.Info("trip finished", "trip_id", tripID)
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
		}

		simMinutes := s.cfg.Interval.Minutes() * s.cfg.Multiplier
		if dwellLeft > 0 {
			dwellLeft -= simMinutes
			continue
		}
		dist = math.Min(dist+step, total)
		for next < len(stopAt) && dist >= stopAt[next].km {
			if s.cfg.Dwell {
				dist = stopAt[next].km
				dwellLeft = stopAt[next].dwell
				s.logger.Debug("dwelling at stop", "trip_id", tripID, "stop_id", stopAt[next].id)
			}
			next++
			if dwellLeft > 0 {
				break
			}
		}
	}
}

type stopMark struct {
	id    string
	km    float64
	dwell float64
}

func (s *Simulator) stopDistances(route models.Route, path []models.Coordinate, cum []float64) []stopMark {
	offset := 0
	if route.Origin != nil {
		offset = 1
	}
	stops := route.OrderedStops()
	out := make([]stopMark, 0, len(stops))
	for i, st := range stops {
		if i+offset >= len(path) {
			break
		}
		out = append(out, stopMark{id: st.ID, km: cum[i+offset], dwell: st.Dwell()})
	}
	return out
}

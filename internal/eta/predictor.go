// Package eta predicts when a bus will reach each remaining stop of a trip.
package eta

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/example/bus-tracking/internal/geo"
	"github.com/example/bus-tracking/internal/models"
	"github.com/example/bus-tracking/internal/observability"
)

// Positions is the read side of the location store.
type Positions interface {
	Recent(ctx context.Context, tripID string, n int) ([]models.PositionSample, error)
}

// Arrivals reports which stops of a trip already have an actual arrival.
type Arrivals interface {
	Arrived(ctx context.Context, tripID string) (map[string]models.ArrivalRecord, error)
}

type Config struct {
	DefaultSpeedKmh   float64
	MinMovingSpeedKmh float64
	SampleWindow      int
	Traffic           *TrafficTable
	// Location is the zone traffic bands are read in.
	Location *time.Location
}

type Predictor struct {
	positions Positions
	arrivals  Arrivals
	log       EstimateLog
	cache     *Cache
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
}

type Option func(*Predictor)

func WithClock(now func() time.Time) Option { return func(p *Predictor) { p.now = now } }
func WithLogger(l *slog.Logger) Option { return func(p *Predictor) { p.logger = l } }
func WithCache(c *Cache) Option { return func(p *Predictor) { p.cache = c } }
func WithEstimateLog(l EstimateLog) Option { return func(p *Predictor) { p.log = l } }

func NewPredictor(positions Positions, arrivals Arrivals, cfg Config, opts ...Option) *Predictor {
	if cfg.DefaultSpeedKmh <= 0 {
		cfg.DefaultSpeedKmh = 20
	}
	if cfg.MinMovingSpeedKmh <= 0 {
		cfg.MinMovingSpeedKmh = 5
	}
	if cfg.SampleWindow <= 0 {
		cfg.SampleWindow = 10
	}
	if cfg.Traffic == nil {
		cfg.Traffic = DefaultTrafficTable()
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	p := &Predictor{
		positions: positions,
		arrivals:  arrivals,
		log:       NewMemoryLog(),
		cache:     NewCache(0),
		cfg:       cfg,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Cache exposes the newest estimate per stop.
func (p *Predictor) Cache() *Cache { return p.cache }

// state is what one round of estimates is computed from.
type state struct {
	samples []models.PositionSample
	arrived map[string]models.ArrivalRecord
	now     time.Time
}

// load never fails: missing history degrades to the schedule fallback.
func (p *Predictor) load(ctx context.Context, tripID string) state {
	st := state{now: p.now()}
	samples, err := p.positions.Recent(ctx, tripID, p.cfg.SampleWindow)
	if err != nil {
		p.logger.Warn("eta: reading positions failed, using schedule", "trip_id", tripID, "err", err)
	}
	st.samples = samples
	arrived, err := p.arrivals.Arrived(ctx, tripID)
	if err != nil {
		p.logger.Warn("eta: reading arrivals failed", "trip_id", tripID, "err", err)
	}
	if arrived == nil {
		arrived = map[string]models.ArrivalRecord{}
	}
	st.arrived = arrived
	return st
}

// Estimate predicts the arrival at one stop and appends it to the log.
// The only error is a stop that is not on the trip's route.
func (p *Predictor) Estimate(ctx context.Context, trip models.Trip, route models.Route, stopID string) (models.ETAEstimate, error) {
	if trip.RouteID != route.ID {
		return models.ETAEstimate{}, fmt.Errorf("%w: trip %s does not run route %s", models.ErrInvalidArgument, trip.ID, route.ID)
	}
	stop, ok := route.Stop(stopID)
	if !ok {
		return models.ETAEstimate{}, models.ErrStopNotOnRoute
	}
	e := p.compute(trip, route, stop, p.load(ctx, trip.ID))
	p.persist(ctx, e)
	return e, nil
}

// EstimateRemaining predicts every stop without an arrival, in stop order.
func (p *Predictor) EstimateRemaining(ctx context.Context, trip models.Trip, route models.Route) ([]models.ETAEstimate, error) {
	if trip.RouteID != route.ID {
		return nil, fmt.Errorf("%w: trip %s does not run route %s", models.ErrInvalidArgument, trip.ID, route.ID)
	}
	st := p.load(ctx, trip.ID)
	var out []models.ETAEstimate
	for _, s := range route.OrderedStops() {
		if _, done := st.arrived[s.ID]; done {
			continue
		}
		e := p.compute(trip, route, s, st)
		p.persist(ctx, e)
		out = append(out, e)
	}
	return out, nil
}

// EstimateAll is EstimateRemaining keyed by stop id.
func (p *Predictor) EstimateAll(ctx context.Context, trip models.Trip, route models.Route) (map[string]models.ETAEstimate, error) {
	list, err := p.EstimateRemaining(ctx, trip, route)
	if err != nil {
		return nil, err
	}
	out := make(map[string]models.ETAEstimate, len(list))
	for _, e := range list {
		out[e.StopID] = e
	}
	return out, nil
}

func (p *Predictor) compute(trip models.Trip, route models.Route, stop models.Stop, st state) models.ETAEstimate {
	e := models.ETAEstimate{
		ID:           uuid.NewString(),
		TripID:       trip.ID,
		StopID:       stop.ID,
		CalculatedAt: st.now,
	}
	if len(st.samples) == 0 {
		e.Source = models.ETAFromSchedule
		e.EstimatedArrival = st.now
		if stop.ScheduledArrival != nil {
			e.EstimatedArrival = stop.ScheduledArrival.On(trip.Date)
		}
		e.MinutesRemaining = math.Max(0, e.EstimatedArrival.Sub(st.now).Minutes())
		observability.ETAComputations.WithLabelValues(string(e.Source)).Inc()
		return e
	}

	latest := st.samples[0]
	dist := geo.Distance(latest.Location, stop.Location)
	speed := p.EffectiveSpeedKmh(st.samples, st.now)
	travel := dist / speed * 60
	dwell := DwellBefore(route, stop, st.arrived)
	total := travel + dwell

	e.Source = models.ETAFromGPS
	e.DistanceRemainingKm = round2(dist)
	e.MinutesRemaining = round2(total)
	e.EstimatedArrival = st.now.Add(time.Duration(total * float64(time.Minute)))
	observability.ETAComputations.WithLabelValues(string(e.Source)).Inc()
	return e
}

func (p *Predictor) persist(ctx context.Context, e models.ETAEstimate) {
	p.cache.Set(e)
	if err := p.log.AppendEstimate(ctx, e); err != nil {
		observability.ETAPersistErrors.Inc()
		p.logger.Error("eta: persisting estimate failed", "trip_id", e.TripID, "stop_id", e.StopID, "err", err)
	}
}

// EffectiveSpeedKmh is the mean speed of the samples (newest first), floored
// to the default when the bus is barely moving, then slowed by traffic.
func (p *Predictor) EffectiveSpeedKmh(samples []models.PositionSample, now time.Time) float64 {
	mean := MeanSpeedKmh(samples)
	if mean < p.cfg.MinMovingSpeedKmh {
		mean = p.cfg.DefaultSpeedKmh
	}
	return mean / p.cfg.Traffic.Factor(now.In(p.cfg.Location))
}

// MeanSpeedKmh averages reported speeds. A sample without one contributes
// the speed implied by the move from the sample before it.
func MeanSpeedKmh(samples []models.PositionSample) float64 {
	sum, n := 0.0, 0
	for i, s := range samples {
		if s.Speed != nil {
			sum += *s.Speed
			n++
			continue
		}
		if i+1 >= len(samples) {
			continue
		}
		prev := samples[i+1]
		hours := s.Timestamp.Sub(prev.Timestamp).Hours()
		if hours <= 0 {
			continue
		}
		sum += geo.Distance(prev.Location, s.Location) / hours
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// DwellBefore sums the dwell of every earlier stop the bus has not reached yet.
func DwellBefore(route models.Route, target models.Stop, arrived map[string]models.ArrivalRecord) float64 {
	total := 0.0
	for _, s := range route.Stops {
		if s.Order >= target.Order {
			continue
		}
		if _, ok := arrived[s.ID]; ok {
			continue
		}
		total += s.Dwell()
	}
	return total
}

// NextStop is the lowest-ordered stop without an arrival.
func NextStop(route models.Route, arrived map[string]models.ArrivalRecord) (models.Stop, bool) {
	for _, s := range route.OrderedStops() {
		if _, ok := arrived[s.ID]; !ok {
			return s, true
		}
	}
	return models.Stop{}, false
}

type StopAccuracy struct {
	StopID           string    `json:"stop_id"`
	EstimatedArrival time.Time `json:"estimated_arrival"`
	ActualArrival    time.Time `json:"actual_arrival"`
	ErrorMinutes     float64   `json:"error_minutes"`
	Estimates        int       `json:"estimates"`
}

type AccuracyReport struct {
	TripID          string         `json:"trip_id"`
	Stops           []StopAccuracy `json:"stops"`
	MeanAbsErrorMin float64        `json:"mean_abs_error_min"`
}

// Accuracy compares, for each arrived stop, the last estimate made before
// the arrival with the arrival itself. Positive error means the bus was
// later than predicted.
func (p *Predictor) Accuracy(ctx context.Context, tripID string) (AccuracyReport, error) {
	rep := AccuracyReport{TripID: tripID, Stops: []StopAccuracy{}}
	arrived, err := p.arrivals.Arrived(ctx, tripID)
	if err != nil {
		return rep, err
	}
	estimates, err := p.log.ListEstimates(ctx, tripID)
	if err != nil {
		return rep, err
	}
	byStop := make(map[string][]models.ETAEstimate)
	for _, e := range estimates {
		byStop[e.StopID] = append(byStop[e.StopID], e)
	}

	sumAbs := 0.0
	for stopID, rec := range arrived {
		actual := *rec.ActualArrival
		var best *models.ETAEstimate
		count := 0
		for i, e := range byStop[stopID] {
			if e.CalculatedAt.After(actual) {
				continue
			}
			count++
			if best == nil || e.CalculatedAt.After(best.CalculatedAt) {
				best = &byStop[stopID][i]
			}
		}
		if best == nil {
			continue
		}
		errMin := round2(actual.Sub(best.EstimatedArrival).Minutes())
		rep.Stops = append(rep.Stops, StopAccuracy{
			StopID:           stopID,
			EstimatedArrival: best.EstimatedArrival,
			ActualArrival:    actual,
			ErrorMinutes:     errMin,
			Estimates:        count,
		})
		sumAbs += math.Abs(errMin)
	}
	sort.Slice(rep.Stops, func(i, j int) bool { return rep.Stops[i].ActualArrival.Before(rep.Stops[j].ActualArrival) })
	if len(rep.Stops) > 0 {
		rep.MeanAbsErrorMin = round2(sumAbs / float64(len(rep.Stops)))
	}
	return rep, nil
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

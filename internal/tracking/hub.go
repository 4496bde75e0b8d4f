// Package tracking owns the live state of every trip being tracked: it
// accepts position samples, keeps ETAs current and fans events out to
// subscribers.
package tracking

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/bus-tracking/internal/eta"
	"github.com/example/bus-tracking/internal/geo"
	"github.com/example/bus-tracking/internal/location"
	"github.com/example/bus-tracking/internal/models"
	"github.com/example/bus-tracking/internal/notify"
	"github.com/example/bus-tracking/internal/observability"
)

// Catalog is the reference data the hub reads and the trip status it writes.
type Catalog interface {
	Trip(ctx context.Context, id string) (models.Trip, error)
	Route(ctx context.Context, id string) (models.Route, error)
	Assignments(ctx context.Context, routeID string) ([]models.StudentAssignment, error)
	UpdateTripStatus(ctx context.Context, tripID string, status models.TripStatus, at time.Time) error
}

type ArrivalRecorder interface {
	RecordArrival(ctx context.Context, trip models.Trip, route models.Route, stopID string, at time.Time) (models.ArrivalRecord, bool, error)
	RecordDeparture(ctx context.Context, trip models.Trip, route models.Route, stopID string, at time.Time, boarded, alighted int) (models.ArrivalRecord, error)
	Arrived(ctx context.Context, tripID string) (map[string]models.ArrivalRecord, error)
}

type Estimator interface {
	Estimate(ctx context.Context, trip models.Trip, route models.Route, stopID string) (models.ETAEstimate, error)
}

// EstimateCache serves the newest estimate per stop for snapshots.
type EstimateCache interface {
	ForTrip(tripID string) []models.ETAEstimate
	Drop(tripID, stopID string)
	Forget(tripID string)
}

// Sink mirrors published events to an external transport.
type Sink interface {
	Name() string
	Forward(ctx context.Context, g Group, e Event) error
}

type CloseReason string

const (
	CloseCompleted CloseReason = "completed"
	CloseCancelled CloseReason = "cancelled"
)

func (r CloseReason) status() (models.TripStatus, error) {
	switch r {
	case CloseCompleted:
		return models.TripCompleted, nil
	case CloseCancelled:
		return models.TripCancelled, nil
	default:
		return "", fmt.Errorf("%w: close reason %q", models.ErrInvalidArgument, r)
	}
}

const (
	DefaultProximityKm = 0.5
	RecentLimit        = 20
)

type Config struct {
	ProximityKm      float64
	SubscriberBuffer int
}

type Deps struct {
	Catalog   Catalog
	Positions location.Store
	Arrivals  ArrivalRecorder
	Estimator Estimator
	Estimates EstimateCache
	Notifier  notify.Notifier
	Sinks     []Sink
	Logger    *slog.Logger
	Now       func() time.Time
}

// RawPosition is a position report before validation.
type RawPosition struct {
	TripID    string
	Lat       float64
	Lng       float64
	Speed     *float64
	Heading   *float64
	Accuracy  *float64
	Timestamp *time.Time
}

type sessionState int

const (
	stateIdle sessionState = iota
	stateTracking
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateTracking:
		return "tracking"
	case stateClosed:
		return "closed"
	default:
		return "idle"
	}
}

type session struct {
	mu       sync.Mutex
	state    sessionState
	trip     models.Trip
	route    models.Route
	parents  map[string][]string // stop id -> parent ids
	all      []string            // every parent on the route
	students map[string]models.StudentAssignment
}

type Hub struct {
	deps   Deps
	cfg    Config
	broker *Broker

	mu       sync.Mutex
	sessions map[string]*session
	inUse    map[string]int // route id -> tracked trips
	locked   map[string]bool
}

func NewHub(deps Deps, cfg Config) *Hub {
	if cfg.ProximityKm <= 0 {
		cfg.ProximityKm = DefaultProximityKm
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Hub{
		deps:     deps,
		cfg:      cfg,
		broker:   NewBroker(cfg.SubscriberBuffer),
		sessions: make(map[string]*session),
		inUse:    make(map[string]int),
		locked:   make(map[string]bool),
	}
}

func (h *Hub) Broker() *Broker { return h.broker }

// AddSink attaches a sink that needs the hub's broker, such as a relay.
// Call it before the hub takes traffic.
func (h *Hub) AddSink(s Sink) { h.deps.Sinks = append(h.deps.Sinks, s) }

func (h *Hub) session(tripID string, create bool) *session {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[tripID]
	if !ok && create {
		s = &session{}
		h.sessions[tripID] = s
	}
	return s
}

// Open starts tracking a trip. Opening a trip already tracked is a no-op.
func (h *Hub) Open(ctx context.Context, tripID string) error {
	s := h.session(tripID, true)
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case stateTracking:
		return nil
	case stateClosed:
		return ErrSessionClosed
	}

	trip, err := h.deps.Catalog.Trip(ctx, tripID)
	if err != nil {
		return err
	}
	if trip.Finished() {
		return ErrTripNotActive
	}
	// The route is reserved before it is read so a concurrent re-sequencing
	// cannot swap the stop order under the new session.
	if err := h.reserve(trip.RouteID); err != nil {
		return err
	}
	route, err := h.deps.Catalog.Route(ctx, trip.RouteID)
	if err != nil {
		h.release(trip.RouteID)
		return err
	}
	assignments, err := h.deps.Catalog.Assignments(ctx, route.ID)
	if err != nil {
		h.release(trip.RouteID)
		return err
	}

	if trip.Status == models.TripScheduled {
		now := h.deps.Now()
		if err := h.deps.Catalog.UpdateTripStatus(ctx, trip.ID, models.TripInProgress, now); err != nil {
			h.release(trip.RouteID)
			return fmt.Errorf("start trip %s: %w", trip.ID, err)
		}
		trip.Status = models.TripInProgress
		trip.ActualStart = &now
	}

	s.trip, s.route = trip, route
	s.parents, s.all = parentsByStop(assignments)
	s.students = make(map[string]models.StudentAssignment, len(assignments))
	for _, a := range assignments {
		s.students[a.StudentID] = a
	}
	s.state = stateTracking
	observability.ActiveSessions.Inc()
	h.deps.Logger.Info("trip tracking opened", "trip_id", trip.ID, "route_id", route.ID, "stops", len(route.Stops))
	return nil
}

func parentsByStop(assignments []models.StudentAssignment) (map[string][]string, []string) {
	byStop := make(map[string][]string)
	seen := make(map[string]bool)
	var all []string
	for _, a := range assignments {
		if a.ParentID == "" {
			continue
		}
		if !contains(byStop[a.StopID], a.ParentID) {
			byStop[a.StopID] = append(byStop[a.StopID], a.ParentID)
		}
		if !seen[a.ParentID] {
			seen[a.ParentID] = true
			all = append(all, a.ParentID)
		}
	}
	sort.Strings(all)
	return byStop, all
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func (h *Hub) reserve(routeID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.locked[routeID] {
		return models.ErrRouteLocked
	}
	h.inUse[routeID]++
	return nil
}

func (h *Hub) release(routeID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.inUse[routeID] <= 1 {
		delete(h.inUse, routeID)
		return
	}
	h.inUse[routeID]--
}

// tracked returns the session of a trip that is currently being tracked,
// locked. The caller must unlock it.
func (h *Hub) tracked(tripID string) (*session, error) {
	s := h.session(tripID, false)
	if s == nil {
		return nil, ErrSessionNotOpen
	}
	s.mu.Lock()
	switch s.state {
	case stateTracking:
		return s, nil
	case stateClosed:
		s.mu.Unlock()
		return nil, ErrSessionClosed
	default:
		s.mu.Unlock()
		return nil, ErrSessionNotOpen
	}
}

// Ingest validates and stores one sample, then publishes the position, the
// ETA of the next stop and any stop-approaching alerts. Nothing is published
// when the sample cannot be stored.
func (h *Hub) Ingest(ctx context.Context, raw RawPosition) (models.PositionSample, error) {
	start := time.Now()
	sample, err := h.normalize(raw)
	if err != nil {
		observability.SamplesRejected.WithLabelValues("invalid").Inc()
		return models.PositionSample{}, err
	}

	s, err := h.tracked(raw.TripID)
	if err != nil {
		observability.SamplesRejected.WithLabelValues("not_tracking").Inc()
		return models.PositionSample{}, err
	}
	defer s.mu.Unlock()

	if err := h.deps.Positions.Append(ctx, sample); err != nil {
		observability.SamplesRejected.WithLabelValues("store").Inc()
		return models.PositionSample{}, fmt.Errorf("store sample for trip %s: %w", sample.TripID, err)
	}
	observability.SamplesIngested.Inc()

	h.publish(ctx, TripGroup(s.trip.ID), PositionUpdate{
		TripID:    s.trip.ID,
		Lat:       sample.Location.Lat,
		Lng:       sample.Location.Lng,
		Speed:     sample.Speed,
		Heading:   sample.Heading,
		Timestamp: sample.Timestamp,
	})

	arrived := h.arrived(ctx, s.trip.ID)
	if next, ok := eta.NextStop(s.route, arrived); ok {
		est, err := h.deps.Estimator.Estimate(ctx, s.trip, s.route, next.ID)
		if err != nil {
			h.deps.Logger.Error("eta for next stop failed", "trip_id", s.trip.ID, "stop_id", next.ID, "err", err)
		} else {
			h.publish(ctx, TripGroup(s.trip.ID), EtaUpdate{
				TripID:           s.trip.ID,
				StopID:           est.StopID,
				EstimatedArrival: est.EstimatedArrival,
				MinutesRemaining: est.MinutesRemaining,
			})
		}
	}

	h.checkProximity(ctx, s, sample, arrived)
	observability.IngestLatency.Observe(time.Since(start).Seconds())
	return sample, nil
}

func (h *Hub) normalize(raw RawPosition) (models.PositionSample, error) {
	if raw.TripID == "" {
		return models.PositionSample{}, fmt.Errorf("%w: trip id is required", models.ErrInvalidArgument)
	}
	c := models.Coordinate{Lat: raw.Lat, Lng: raw.Lng}
	if !c.Valid() {
		return models.PositionSample{}, models.ErrInvalidCoordinate
	}
	if raw.Speed != nil && (*raw.Speed < 0 || math.IsNaN(*raw.Speed)) {
		return models.PositionSample{}, fmt.Errorf("%w: negative speed", models.ErrInvalidArgument)
	}
	if raw.Accuracy != nil && *raw.Accuracy < 0 {
		return models.PositionSample{}, fmt.Errorf("%w: negative accuracy", models.ErrInvalidArgument)
	}
	ts := h.deps.Now()
	if raw.Timestamp != nil && !raw.Timestamp.IsZero() {
		ts = *raw.Timestamp
	}
	return models.PositionSample{
		TripID:    raw.TripID,
		Timestamp: ts,
		Location:  c,
		Speed:     raw.Speed,
		Heading:   raw.Heading,
		Accuracy:  raw.Accuracy,
	}, nil
}

func (h *Hub) arrived(ctx context.Context, tripID string) map[string]models.ArrivalRecord {
	arrived, err := h.deps.Arrivals.Arrived(ctx, tripID)
	if err != nil {
		h.deps.Logger.Warn("reading arrivals failed", "trip_id", tripID, "err", err)
	}
	if arrived == nil {
		arrived = map[string]models.ArrivalRecord{}
	}
	return arrived
}

// checkProximity alerts parents of every unvisited stop within range. The
// alert repeats on each qualifying sample until the arrival is recorded.
func (h *Hub) checkProximity(ctx context.Context, s *session, sample models.PositionSample, arrived map[string]models.ArrivalRecord) {
	for _, stop := range s.route.OrderedStops() {
		if _, done := arrived[stop.ID]; done {
			continue
		}
		d := geo.Distance(sample.Location, stop.Location)
		if d > h.cfg.ProximityKm {
			continue
		}
		parents := s.parents[stop.ID]
		if len(parents) == 0 {
			continue
		}
		ev := StopApproaching{TripID: s.trip.ID, StopID: stop.ID, StopName: stop.Name, DistanceKm: math.Round(d*1000) / 1000}
		for _, p := range parents {
			h.publish(ctx, ParentGroup(p), ev)
		}
		h.notify(notify.Notification{
			Kind:       notify.KindStopApproaching,
			TripID:     s.trip.ID,
			StopID:     stop.ID,
			StopName:   stop.Name,
			DistanceKm: ev.DistanceKm,
			ParentIDs:  parents,
		})
	}
}

// publish delivers locally first, then mirrors to every sink. Sink failures
// are counted and logged only.
func (h *Hub) publish(ctx context.Context, g Group, e Event) {
	h.broker.Publish(g, e)
	for _, sink := range h.deps.Sinks {
		if err := sink.Forward(ctx, g, e); err != nil {
			observability.SinkErrors.WithLabelValues(sink.Name()).Inc()
			h.deps.Logger.Warn("forwarding event failed", "sink", sink.Name(), "group", g, "type", TypeOf(e), "err", err)
		}
	}
}

func (h *Hub) notify(n notify.Notification) {
	if h.deps.Notifier == nil {
		return
	}
	h.deps.Notifier.Notify(n)
}

// Close ends tracking. The final TripClosed event reaches the trip group and
// every parent on the route; later samples fail with ErrSessionClosed.
func (h *Hub) Close(ctx context.Context, tripID string, reason CloseReason) error {
	status, err := reason.status()
	if err != nil {
		return err
	}
	s, err := h.tracked(tripID)
	if err != nil {
		return err
	}
	defer s.mu.Unlock()

	if !s.trip.CanTransition(status) {
		return fmt.Errorf("%w: trip %s cannot move from %s to %s", models.ErrPrecondition, tripID, s.trip.Status, status)
	}
	now := h.deps.Now()
	if err := h.deps.Catalog.UpdateTripStatus(ctx, tripID, status, now); err != nil {
		return fmt.Errorf("close trip %s: %w", tripID, err)
	}
	s.trip.Status = status
	s.trip.ActualEnd = &now
	s.state = stateClosed
	h.release(s.route.ID)
	observability.ActiveSessions.Dec()

	ev := TripClosed{TripID: tripID, Reason: reason}
	h.publish(ctx, TripGroup(tripID), ev)
	for _, p := range s.all {
		h.publish(ctx, ParentGroup(p), ev)
	}
	if len(s.all) > 0 {
		h.notify(notify.Notification{Kind: notify.KindTripClosed, TripID: tripID, Reason: string(reason), ParentIDs: s.all})
	}
	if h.deps.Estimates != nil {
		h.deps.Estimates.Forget(tripID)
	}
	h.deps.Logger.Info("trip tracking closed", "trip_id", tripID, "reason", reason)
	return nil
}

// RecordArrival stores the arrival through the tracked session and announces
// it the first time it is recorded.
func (h *Hub) RecordArrival(ctx context.Context, tripID, stopID string, at *time.Time) (models.ArrivalRecord, error) {
	s, err := h.tracked(tripID)
	if err != nil {
		return models.ArrivalRecord{}, err
	}
	defer s.mu.Unlock()

	when := h.deps.Now()
	if at != nil && !at.IsZero() {
		when = *at
	}
	rec, created, err := h.deps.Arrivals.RecordArrival(ctx, s.trip, s.route, stopID, when)
	if err != nil {
		return models.ArrivalRecord{}, err
	}
	if created {
		stop, _ := s.route.Stop(stopID)
		ev := StopArrived{TripID: tripID, StopID: stopID, StopName: stop.Name, ArrivedAt: *rec.ActualArrival, OnTime: rec.OnTime()}
		if delay, ok := rec.DelayMinutes(); ok {
			ev.DelayMinutes = &delay
		}
		h.publish(ctx, TripGroup(tripID), ev)
		if h.deps.Estimates != nil {
			h.deps.Estimates.Drop(tripID, stopID)
		}
	}
	return rec, nil
}

func (h *Hub) RecordDeparture(ctx context.Context, tripID, stopID string, at *time.Time, boarded, alighted int) (models.ArrivalRecord, error) {
	s, err := h.tracked(tripID)
	if err != nil {
		return models.ArrivalRecord{}, err
	}
	defer s.mu.Unlock()

	when := h.deps.Now()
	if at != nil && !at.IsZero() {
		when = *at
	}
	return h.deps.Arrivals.RecordDeparture(ctx, s.trip, s.route, stopID, when, boarded, alighted)
}

// LockRoute reserves a route for re-sequencing. It fails while any trip on
// the route is tracked or another optimization holds it.
func (h *Hub) LockRoute(routeID string) (func(), error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.inUse[routeID] > 0 {
		return nil, models.ErrRouteInService
	}
	if h.locked[routeID] {
		return nil, models.ErrRouteLocked
	}
	h.locked[routeID] = true
	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.locked, routeID)
			h.mu.Unlock()
		})
	}, nil
}

// Subscribe joins the trip group and returns the current snapshot.
func (h *Hub) Subscribe(ctx context.Context, subscriberID, tripID string) (*Subscriber, Snapshot, error) {
	snap, err := h.Snapshot(ctx, tripID)
	if err != nil {
		return nil, Snapshot{}, err
	}
	return h.broker.Join(subscriberID, TripGroup(tripID)), snap, nil
}

func (h *Hub) SubscribeParent(subscriberID, parentID string) *Subscriber {
	return h.broker.Join(subscriberID, ParentGroup(parentID))
}

func (h *Hub) Unsubscribe(subscriberID string, g Group) { h.broker.Leave(subscriberID, g) }

func (h *Hub) Disconnect(subscriberID string) { h.broker.Remove(subscriberID) }

// State reports idle, tracking or closed for a trip.
func (h *Hub) State(tripID string) string {
	s := h.session(tripID, false)
	if s == nil {
		return stateIdle.String()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.String()
}

type ActiveTrip struct {
	TripID    string            `json:"trip_id"`
	RouteID   string            `json:"route_id"`
	RouteCode string            `json:"route_code"`
	Type      models.TripType   `json:"trip_type"`
	Status    models.TripStatus `json:"status"`
	StartedAt *time.Time        `json:"started_at,omitempty"`
	Stops     int               `json:"stops_total"`
	Parents   int               `json:"parents"`
}

// ActiveTrips lists the trips currently being tracked, ordered by trip id.
func (h *Hub) ActiveTrips() []ActiveTrip {
	out := []ActiveTrip{}
	for _, s := range h.allSessions() {
		s.mu.Lock()
		if s.state == stateTracking {
			out = append(out, ActiveTrip{
				TripID:    s.trip.ID,
				RouteID:   s.route.ID,
				RouteCode: s.route.Code,
				Type:      s.trip.Type,
				Status:    s.trip.Status,
				StartedAt: s.trip.ActualStart,
				Stops:     len(s.route.Stops),
				Parents:   len(s.all),
			})
		}
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TripID < out[j].TripID })
	return out
}

// ChildStop finds the tracked trip that carries a parent's child and the
// stop the child is assigned to. When several tracked trips serve the
// child's route the one with the lowest trip id wins.
func (h *Hub) ChildStop(parentID, studentID string) (models.Trip, models.Route, models.Stop, error) {
	var (
		best     *session
		stopID   string
		foreign  bool
		bestTrip string
	)
	for _, s := range h.allSessions() {
		s.mu.Lock()
		a, ok := s.students[studentID]
		if s.state != stateTracking || !ok {
			s.mu.Unlock()
			continue
		}
		if a.ParentID != parentID {
			foreign = true
			s.mu.Unlock()
			continue
		}
		if best == nil || s.trip.ID < bestTrip {
			best, bestTrip, stopID = s, s.trip.ID, a.StopID
		}
		s.mu.Unlock()
	}
	if best == nil {
		if foreign {
			return models.Trip{}, models.Route{}, models.Stop{}, ErrNotParentsChild
		}
		return models.Trip{}, models.Route{}, models.Stop{}, ErrStudentNotTracked
	}

	best.mu.Lock()
	defer best.mu.Unlock()
	if best.state != stateTracking {
		return models.Trip{}, models.Route{}, models.Stop{}, ErrStudentNotTracked
	}
	stop, ok := best.route.Stop(stopID)
	if !ok {
		return models.Trip{}, models.Route{}, models.Stop{}, fmt.Errorf("%w: assigned stop %s", models.ErrStopNotOnRoute, stopID)
	}
	return best.trip, best.route, stop, nil
}

func (h *Hub) allSessions() []*session {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		out = append(out, s)
	}
	return out
}

// Shutdown disconnects every subscriber. Sessions are left as they are.
func (h *Hub) Shutdown() {
	h.broker.CloseAll()
}

type NextStop struct {
	StopID     string              `json:"stop_id"`
	Name       string              `json:"name"`
	Order      int                 `json:"stop_order"`
	DistanceKm *float64            `json:"distance_km,omitempty"`
	ETA        *models.ETAEstimate `json:"eta,omitempty"`
}

type Snapshot struct {
	TripID          string                  `json:"trip_id"`
	RouteID         string                  `json:"route_id"`
	Status          models.TripStatus       `json:"status"`
	State           string                  `json:"state"`
	CurrentLocation *models.PositionSample  `json:"current_location,omitempty"`
	NextStop        *NextStop               `json:"next_stop,omitempty"`
	StopsTotal      int                     `json:"stops_total"`
	StopsArrived    int                     `json:"stops_arrived"`
	ProgressPct     float64                 `json:"progress_pct"`
	Estimates       []models.ETAEstimate    `json:"estimates"`
	RecentLocations []models.PositionSample `json:"recent_locations"`
}

// Snapshot is a one-time read of a trip's tracking state.
func (h *Hub) Snapshot(ctx context.Context, tripID string) (Snapshot, error) {
	trip, err := h.deps.Catalog.Trip(ctx, tripID)
	if err != nil {
		return Snapshot{}, err
	}
	route, err := h.deps.Catalog.Route(ctx, trip.RouteID)
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{
		TripID:          trip.ID,
		RouteID:         route.ID,
		Status:          trip.Status,
		State:           h.State(tripID),
		StopsTotal:      len(route.Stops),
		Estimates:       []models.ETAEstimate{},
		RecentLocations: []models.PositionSample{},
	}

	recent, err := h.deps.Positions.Recent(ctx, tripID, RecentLimit)
	if err != nil {
		return Snapshot{}, fmt.Errorf("recent positions for trip %s: %w", tripID, err)
	}
	if len(recent) > 0 {
		snap.RecentLocations = recent
		latest := recent[0]
		snap.CurrentLocation = &latest
	}

	arrived := h.arrived(ctx, tripID)
	snap.StopsArrived = len(arrived)
	if snap.StopsTotal > 0 {
		snap.ProgressPct = math.Round(float64(snap.StopsArrived)/float64(snap.StopsTotal)*10000) / 100
	}

	byStop := map[string]models.ETAEstimate{}
	if h.deps.Estimates != nil {
		for _, e := range h.deps.Estimates.ForTrip(tripID) {
			if _, done := arrived[e.StopID]; done {
				continue
			}
			byStop[e.StopID] = e
		}
	}
	for _, s := range route.OrderedStops() {
		if e, ok := byStop[s.ID]; ok {
			snap.Estimates = append(snap.Estimates, e)
		}
	}

	if next, ok := eta.NextStop(route, arrived); ok {
		ns := &NextStop{StopID: next.ID, Name: next.Name, Order: next.Order}
		if snap.CurrentLocation != nil {
			d := math.Round(geo.Distance(snap.CurrentLocation.Location, next.Location)*100) / 100
			ns.DistanceKm = &d
		}
		if e, ok := byStop[next.ID]; ok {
			ns.ETA = &e
		}
		snap.NextStop = ns
	}
	return snap, nil
}

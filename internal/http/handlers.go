package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/bus-tracking/internal/eta"
	"github.com/example/bus-tracking/internal/geo"
	"github.com/example/bus-tracking/internal/ingest"
	"github.com/example/bus-tracking/internal/models"
	"github.com/example/bus-tracking/internal/sequencer"
	"github.com/example/bus-tracking/internal/tracking"
)

const (
	defaultNearbyRadiusKm = 2.0
	nearbyHitLimit        = 50
	maxBodyBytes          = 1 << 20
)

// Catalog is the reference data the ETA endpoints read.
type Catalog interface {
	Trip(ctx context.Context, id string) (models.Trip, error)
	Route(ctx context.Context, id string) (models.Route, error)
}

// PositionPublisher queues reports for asynchronous ingestion.
type PositionPublisher interface {
	Publish(ctx context.Context, msgs ...ingest.PositionMessage) error
}

// Check reports whether a dependency is reachable.
type Check func(ctx context.Context) error

type Deps struct {
	Hub       *tracking.Hub
	Predictor *eta.Predictor
	Sequencer *sequencer.Service
	Catalog   Catalog
	Stops     geo.StopIndex
	Producer  PositionPublisher // optional; reports go straight to the hub when nil
	Checks    map[string]Check
	Logger    *slog.Logger
}

type Server struct {
	hub       *tracking.Hub
	predictor *eta.Predictor
	sequencer *sequencer.Service
	catalog   Catalog
	stops     geo.StopIndex
	producer  PositionPublisher
	checks    map[string]Check
	logger    *slog.Logger
	validate  *validator.Validate
	mux       *mux.Router
}

func NewServer(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		hub:       d.Hub,
		predictor: d.Predictor,
		sequencer: d.Sequencer,
		catalog:   d.Catalog,
		stops:     d.Stops,
		producer:  d.Producer,
		checks:    d.Checks,
		logger:    logger,
		validate:  validator.New(),
		mux:       mux.NewRouter(),
	}
	s.routes()
	s.registerMiddleware()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/trips/active", s.handleActiveTrips).Methods(http.MethodGet)
	api.HandleFunc("/trips/{trip_id}/positions", s.handlePosition).Methods(http.MethodPost)
	api.HandleFunc("/trips/{trip_id}/positions/bulk", s.handleBulkPositions).Methods(http.MethodPost)
	api.HandleFunc("/trips/{trip_id}/tracking", s.handleTracking).Methods(http.MethodGet)
	api.HandleFunc("/trips/{trip_id}/eta", s.handleETA).Methods(http.MethodGet)
	api.HandleFunc("/trips/{trip_id}/eta/accuracy", s.handleAccuracy).Methods(http.MethodGet)
	api.HandleFunc("/trips/{trip_id}/start", s.handleStart).Methods(http.MethodPost)
	api.HandleFunc("/trips/{trip_id}/close", s.handleClose).Methods(http.MethodPost)
	api.HandleFunc("/trips/{trip_id}/stops/{stop_id}/arrival", s.handleArrival).Methods(http.MethodPost)
	api.HandleFunc("/trips/{trip_id}/stops/{stop_id}/departure", s.handleDeparture).Methods(http.MethodPost)
	api.HandleFunc("/parents/{parent_id}/eta", s.handleChildETA).Methods(http.MethodGet)
	api.HandleFunc("/stops/nearby", s.handleNearbyStops).Methods(http.MethodGet)
	api.HandleFunc("/routes/recommend", s.handleRecommend).Methods(http.MethodGet)
	api.HandleFunc("/routes/{route_id}/optimize", s.handleOptimize).Methods(http.MethodPost)
	api.HandleFunc("/routes/{route_id}/feasibility", s.handleFeasibility).Methods(http.MethodGet)

	s.mux.HandleFunc("/ws/trips/{trip_id}", s.handleTripWS)
	s.mux.HandleFunc("/ws/parents/{parent_id}", s.handleParentWS)

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	tripID := mux.Vars(r)["trip_id"]
	var req positionRequest
	if !s.decode(w, r, &req, false) {
		return
	}
	if s.producer != nil {
		if err := s.producer.Publish(r.Context(), req.message(tripID)); err != nil {
			s.writeError(w, r, fmt.Errorf("queue position: %w", err))
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"trip_id": tripID, "status": "queued"})
		return
	}
	sample, err := s.hub.Ingest(r.Context(), req.raw(tripID))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sample)
}

// handleBulkPositions ingests a batch in order. One bad item does not stop
// the rest.
func (s *Server) handleBulkPositions(w http.ResponseWriter, r *http.Request) {
	tripID := mux.Vars(r)["trip_id"]
	var req bulkPositionRequest
	if !s.decode(w, r, &req, false) {
		return
	}
	resp := bulkResponse{TripID: tripID, Results: make([]bulkItemResult, 0, len(req.Positions))}
	var queued []ingest.PositionMessage
	for i, p := range req.Positions {
		res := bulkItemResult{Index: i}
		if err := s.validate.Struct(p); err != nil {
			res.Error = err.Error()
			resp.Failed++
			resp.Results = append(resp.Results, res)
			continue
		}
		if s.producer != nil {
			queued = append(queued, p.message(tripID))
			res.OK = true
		} else if sample, err := s.hub.Ingest(r.Context(), p.raw(tripID)); err != nil {
			res.Error = err.Error()
		} else {
			res.OK = true
			res.Sample = sample
		}
		if res.OK {
			resp.Created++
		} else {
			resp.Failed++
		}
		resp.Results = append(resp.Results, res)
	}
	status := http.StatusCreated
	if s.producer != nil {
		if len(queued) > 0 {
			if err := s.producer.Publish(r.Context(), queued...); err != nil {
				s.writeError(w, r, fmt.Errorf("queue positions: %w", err))
				return
			}
		}
		status = http.StatusAccepted
	}
	if resp.Created == 0 {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleTracking(w http.ResponseWriter, r *http.Request) {
	snap, err := s.hub.Snapshot(r.Context(), mux.Vars(r)["trip_id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleETA(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	trip, route, err := s.tripRoute(ctx, mux.Vars(r)["trip_id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if stopID := r.URL.Query().Get("stop_id"); stopID != "" {
		est, err := s.predictor.Estimate(ctx, trip, route, stopID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, est)
		return
	}
	all, err := s.predictor.EstimateRemaining(ctx, trip, route)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trip_id": trip.ID, "estimates": all})
}

func (s *Server) handleActiveTrips(w http.ResponseWriter, r *http.Request) {
	trips := s.hub.ActiveTrips()
	writeJSON(w, http.StatusOK, map[string]any{"count": len(trips), "trips": trips})
}

// handleChildETA estimates when the bus reaches the stop a parent's child is
// assigned to.
func (s *Server) handleChildETA(w http.ResponseWriter, r *http.Request) {
	parentID := mux.Vars(r)["parent_id"]
	studentID := r.URL.Query().Get("student_id")
	if studentID == "" {
		s.writeError(w, r, fmt.Errorf("%w: student_id is required", models.ErrInvalidArgument))
		return
	}
	trip, route, stop, err := s.hub.ChildStop(parentID, studentID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	est, err := s.predictor.Estimate(r.Context(), trip, route, stop.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, childETAResponse{
		StudentID: studentID,
		TripID:    trip.ID,
		RouteID:   route.ID,
		Stop:      childStop{ID: stop.ID, Name: stop.Name, Lat: stop.Location.Lat, Lng: stop.Location.Lng},
		ETA:       est,
	})
}

func (s *Server) handleAccuracy(w http.ResponseWriter, r *http.Request) {
	tripID := mux.Vars(r)["trip_id"]
	if _, err := s.catalog.Trip(r.Context(), tripID); err != nil {
		s.writeError(w, r, err)
		return
	}
	rep, err := s.predictor.Accuracy(r.Context(), tripID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	tripID := mux.Vars(r)["trip_id"]
	if err := s.hub.Open(r.Context(), tripID); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"trip_id": tripID, "state": s.hub.State(tripID)})
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	tripID := mux.Vars(r)["trip_id"]
	var req closeRequest
	if !s.decode(w, r, &req, false) {
		return
	}
	if err := s.hub.Close(r.Context(), tripID, tracking.CloseReason(req.Reason)); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"trip_id": tripID, "state": s.hub.State(tripID), "reason": req.Reason})
}

func (s *Server) handleArrival(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var req arrivalRequest
	if !s.decode(w, r, &req, true) {
		return
	}
	rec, err := s.hub.RecordArrival(r.Context(), vars["trip_id"], vars["stop_id"], req.At)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDeparture(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var req departureRequest
	if !s.decode(w, r, &req, true) {
		return
	}
	rec, err := s.hub.RecordDeparture(r.Context(), vars["trip_id"], vars["stop_id"], req.At, req.Boarded, req.Alighted)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleNearbyStops recommends the closest stop of every route within the radius.
func (s *Server) handleNearbyStops(w http.ResponseWriter, r *http.Request) {
	c, radius, err := pointQuery(r, "radius_km")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	hits, err := s.stops.Nearby(r.Context(), c, radius, nearbyHitLimit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"radius_km": radius, "stops": geo.ClosestPerRoute(hits)})
}

// handleRecommend ranks the routes with a stop near the pickup point.
func (s *Server) handleRecommend(w http.ResponseWriter, r *http.Request) {
	c, maxKm, err := pointQuery(r, "max_distance_km")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	hits, err := s.stops.Nearby(r.Context(), c, maxKm, nearbyHitLimit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	recs, err := s.sequencer.Recommend(r.Context(), geo.ClosestPerRoute(hits), maxKm)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if len(recs) == 0 {
		s.writeError(w, r, fmt.Errorf("%w: no route stops within %.2f km", models.ErrNotFound, maxKm))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"max_distance_km": maxKm, "best": recs[0], "candidates": recs})
}

// pointQuery reads lat, lng and an optional positive radius parameter.
func pointQuery(r *http.Request, radiusKey string) (models.Coordinate, float64, error) {
	q := r.URL.Query()
	lat, err := strconv.ParseFloat(q.Get("lat"), 64)
	if err != nil {
		return models.Coordinate{}, 0, fmt.Errorf("%w: lat", models.ErrInvalidArgument)
	}
	lng, err := strconv.ParseFloat(q.Get("lng"), 64)
	if err != nil {
		return models.Coordinate{}, 0, fmt.Errorf("%w: lng", models.ErrInvalidArgument)
	}
	radius := defaultNearbyRadiusKm
	if v := q.Get(radiusKey); v != "" {
		radius, err = strconv.ParseFloat(v, 64)
		if err != nil || radius <= 0 {
			return models.Coordinate{}, 0, fmt.Errorf("%w: %s must be positive", models.ErrInvalidArgument, radiusKey)
		}
	}
	c := models.Coordinate{Lat: lat, Lng: lng}
	if !c.Valid() {
		return models.Coordinate{}, 0, models.ErrInvalidCoordinate
	}
	return c, radius, nil
}

func (s *Server) handleOptimize(w http.ResponseWriter, r *http.Request) {
	res, err := s.sequencer.OptimizeRoute(r.Context(), mux.Vars(r)["route_id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleFeasibility(w http.ResponseWriter, r *http.Request) {
	rep, err := s.sequencer.CheckRoute(r.Context(), mux.Vars(r)["route_id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	failed := map[string]string{}
	for _, name := range names {
		if err := s.checks[name](ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		s.logger.Warn("readiness check failed", "failed", failed)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failed": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "checks": names})
}

func (s *Server) tripRoute(ctx context.Context, tripID string) (models.Trip, models.Route, error) {
	trip, err := s.catalog.Trip(ctx, tripID)
	if err != nil {
		return models.Trip{}, models.Route{}, err
	}
	route, err := s.catalog.Route(ctx, trip.RouteID)
	if err != nil {
		return models.Trip{}, models.Route{}, err
	}
	return trip, route, nil
}

// decode reads and validates a JSON body. With optional set an empty body
// leaves v at its zero value.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any, optional bool) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !(optional && errors.Is(err, io.EOF)) {
		s.writeError(w, r, fmt.Errorf("%w: invalid json: %v", models.ErrInvalidArgument, err))
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", models.ErrInvalidArgument, err))
		return false
	}
	return true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrPrecondition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	rid := requestIDFromContext(r.Context())
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "route", routeTemplate(r), "request_id", rid, "err", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), RequestID: rid})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newID() string { return uuid.NewString() }

package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/bus-tracking/internal/arrival"
	"github.com/example/bus-tracking/internal/eta"
	"github.com/example/bus-tracking/internal/geo"
	"github.com/example/bus-tracking/internal/ingest"
	"github.com/example/bus-tracking/internal/location"
	"github.com/example/bus-tracking/internal/logging"
	"github.com/example/bus-tracking/internal/models"
	"github.com/example/bus-tracking/internal/sequencer"
	"github.com/example/bus-tracking/internal/storage"
	"github.com/example/bus-tracking/internal/tracking"
)

var evening = time.Date(2024, 9, 2, 19, 0, 0, 0, time.UTC)

type fakeProducer struct {
	mu   sync.Mutex
	msgs []ingest.PositionMessage
	err  error
}

func (f *fakeProducer) Publish(_ context.Context, msgs ...ingest.PositionMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

type testEnv struct {
	srv *Server
	hub *tracking.Hub
}

func newTestEnv(t *testing.T, producer PositionPublisher, checks map[string]Check) testEnv {
	t.Helper()
	stops := []models.Stop{
		{ID: "s1", RouteID: "r1", Name: "Oak St", Order: 1, Location: models.Coordinate{Lat: 0, Lng: 0.01}},
		{ID: "s2", RouteID: "r1", Name: "Elm St", Order: 2, Location: models.Coordinate{Lat: 0, Lng: 0.05}},
		{ID: "s3", RouteID: "r1", Name: "School", Order: 3, Location: models.Coordinate{Lat: 0, Lng: 0.09}},
	}
	cat := storage.NewMemoryCatalog()
	cat.PutRoute(models.Route{ID: "r1", Code: "R1", Stops: stops})
	cat.PutTrip(models.Trip{ID: "t1", RouteID: "r1", Date: evening.Truncate(24 * time.Hour), Status: models.TripScheduled})
	cat.PutAssignment(models.StudentAssignment{StudentID: "a", ParentID: "p1", RouteID: "r1", StopID: "s1"})

	index := geo.NewIndex()
	for _, s := range stops {
		if err := index.Upsert(context.Background(), s); err != nil {
			t.Fatalf("index: %v", err)
		}
	}

	clock := func() time.Time { return evening }
	positions := location.NewMemoryStore()
	tracker := arrival.NewTracker(arrival.NewMemoryStore(), logging.Discard())
	predictor := eta.NewPredictor(positions, tracker, eta.Config{Location: time.UTC}, eta.WithClock(clock), eta.WithLogger(logging.Discard()))
	hub := tracking.NewHub(tracking.Deps{
		Catalog:   cat,
		Positions: positions,
		Arrivals:  tracker,
		Estimator: predictor,
		Estimates: predictor.Cache(),
		Logger:    logging.Discard(),
		Now:       clock,
	}, tracking.Config{})
	seq := &sequencer.Service{Routes: cat, Locker: hub, Logger: logging.Discard(), Now: clock}

	srv := NewServer(Deps{
		Hub:       hub,
		Predictor: predictor,
		Sequencer: seq,
		Catalog:   cat,
		Stops:     index,
		Producer:  producer,
		Checks:    checks,
		Logger:    logging.Discard(),
	})
	return testEnv{srv: srv, hub: hub}
}

func ptr[T any](v T) *T { return &v }

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
}

func TestPositionLifecycle(t *testing.T) {
	e := newTestEnv(t, nil, nil)

	if rr := do(t, e.srv, http.MethodPost, "/api/v1/trips/t1/positions", `{"lat":0,"lng":0}`); rr.Code != http.StatusConflict {
		t.Fatalf("report before start: expected 409, got %d %s", rr.Code, rr.Body)
	}
	if rr := do(t, e.srv, http.MethodPost, "/api/v1/trips/t1/start", ""); rr.Code != http.StatusOK {
		t.Fatalf("start: %d %s", rr.Code, rr.Body)
	}

	rr := do(t, e.srv, http.MethodPost, "/api/v1/trips/t1/positions", `{"lat":0,"lng":0,"speed":24,"timestamp":"2024-09-02T18:59:00Z"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("report: %d %s", rr.Code, rr.Body)
	}
	var sample models.PositionSample
	decodeBody(t, rr, &sample)
	if sample.TripID != "t1" || sample.Speed == nil || *sample.Speed != 24 {
		t.Fatalf("unexpected sample %+v", sample)
	}

	rr = do(t, e.srv, http.MethodGet, "/api/v1/trips/t1/tracking", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("tracking: %d %s", rr.Code, rr.Body)
	}
	var snap tracking.Snapshot
	decodeBody(t, rr, &snap)
	if snap.State != "tracking" || snap.CurrentLocation == nil || snap.StopsTotal != 3 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}

	if rr := do(t, e.srv, http.MethodPost, "/api/v1/trips/t1/close", `{"reason":"finished"}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("bad reason: expected 400, got %d", rr.Code)
	}
	if rr := do(t, e.srv, http.MethodPost, "/api/v1/trips/t1/close", `{"reason":"completed"}`); rr.Code != http.StatusOK {
		t.Fatalf("close: %d %s", rr.Code, rr.Body)
	}
	if rr := do(t, e.srv, http.MethodPost, "/api/v1/trips/t1/positions", `{"lat":0,"lng":0.01}`); rr.Code != http.StatusConflict {
		t.Fatalf("report after close: expected 409, got %d", rr.Code)
	}
}

func TestPositionValidation(t *testing.T) {
	e := newTestEnv(t, nil, nil)
	for _, body := range []string{
		`{"lat":91,"lng":0}`,
		`{"lng":0}`,
		`{"lat":0,"lng":0,"speed":-1}`,
		`{"lat":0,"lng":0,"heading":360}`,
		`not json`,
	} {
		rr := do(t, e.srv, http.MethodPost, "/api/v1/trips/t1/positions", body)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d %s", body, rr.Code, rr.Body)
		}
	}
}

func TestUnknownTripIsNotFound(t *testing.T) {
	e := newTestEnv(t, nil, nil)
	for _, path := range []string{"/api/v1/trips/nope/tracking", "/api/v1/trips/nope/eta", "/api/v1/trips/nope/eta/accuracy"} {
		rr := do(t, e.srv, http.MethodGet, path, "")
		if rr.Code != http.StatusNotFound {
			t.Fatalf("%s: expected 404, got %d", path, rr.Code)
		}
		var body errorResponse
		decodeBody(t, rr, &body)
		if body.Error == "" || body.RequestID == "" {
			t.Fatalf("error body missing fields: %+v", body)
		}
	}
}

func TestPositionQueuedWhenProducerConfigured(t *testing.T) {
	p := &fakeProducer{}
	e := newTestEnv(t, p, nil)

	rr := do(t, e.srv, http.MethodPost, "/api/v1/trips/t1/positions", `{"lat":1.5,"lng":2.5,"accuracy":8}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d %s", rr.Code, rr.Body)
	}
	if len(p.msgs) != 1 || p.msgs[0].TripID != "t1" || p.msgs[0].Lat != 1.5 || *p.msgs[0].Accuracy != 8 {
		t.Fatalf("unexpected queued messages %+v", p.msgs)
	}

	p.err = errors.New("kafka down")
	if rr := do(t, e.srv, http.MethodPost, "/api/v1/trips/t1/positions", `{"lat":1,"lng":2}`); rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 when queueing fails, got %d", rr.Code)
	}
}

func TestBulkPositionsReportPerItem(t *testing.T) {
	e := newTestEnv(t, nil, nil)
	if err := e.hub.Open(context.Background(), "t1"); err != nil {
		t.Fatalf("open: %v", err)
	}
	body := `{"positions":[
		{"lat":0,"lng":0,"timestamp":"2024-09-02T18:58:00Z"},
		{"lat":200,"lng":0},
		{"lat":0,"lng":0.002,"timestamp":"2024-09-02T18:58:30Z"}
	]}`
	rr := do(t, e.srv, http.MethodPost, "/api/v1/trips/t1/positions/bulk", body)
	if rr.Code != http.StatusCreated {
		t.Fatalf("bulk: %d %s", rr.Code, rr.Body)
	}
	var resp bulkResponse
	decodeBody(t, rr, &resp)
	if resp.Created != 2 || resp.Failed != 1 || len(resp.Results) != 3 {
		t.Fatalf("unexpected bulk response %+v", resp)
	}
	if resp.Results[1].OK || resp.Results[1].Error == "" || !resp.Results[2].OK {
		t.Fatalf("unexpected item results %+v", resp.Results)
	}

	if rr := do(t, e.srv, http.MethodPost, "/api/v1/trips/t1/positions/bulk", `{"positions":[]}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("empty batch: expected 400, got %d", rr.Code)
	}
}

func TestETAEndpoints(t *testing.T) {
	e := newTestEnv(t, nil, nil)

	rr := do(t, e.srv, http.MethodGet, "/api/v1/trips/t1/eta", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("eta: %d %s", rr.Code, rr.Body)
	}
	var all struct {
		TripID    string               `json:"trip_id"`
		Estimates []models.ETAEstimate `json:"estimates"`
	}
	decodeBody(t, rr, &all)
	if len(all.Estimates) != 3 || all.Estimates[0].StopID != "s1" {
		t.Fatalf("unexpected estimates %+v", all)
	}

	rr = do(t, e.srv, http.MethodGet, "/api/v1/trips/t1/eta?stop_id=s3", "")
	var one models.ETAEstimate
	decodeBody(t, rr, &one)
	if rr.Code != http.StatusOK || one.StopID != "s3" {
		t.Fatalf("single eta: %d %+v", rr.Code, one)
	}

	if rr := do(t, e.srv, http.MethodGet, "/api/v1/trips/t1/eta?stop_id=elsewhere", ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("foreign stop: expected 400, got %d", rr.Code)
	}
	if rr := do(t, e.srv, http.MethodGet, "/api/v1/trips/t1/eta/accuracy", ""); rr.Code != http.StatusOK {
		t.Fatalf("accuracy: %d %s", rr.Code, rr.Body)
	}
}

func TestArrivalAndDeparture(t *testing.T) {
	e := newTestEnv(t, nil, nil)
	if err := e.hub.Open(context.Background(), "t1"); err != nil {
		t.Fatalf("open: %v", err)
	}
	if rr := do(t, e.srv, http.MethodPost, "/api/v1/trips/t1/stops/s1/departure", `{"students_boarded":1}`); rr.Code != http.StatusConflict {
		t.Fatalf("departure before arrival: expected 409, got %d %s", rr.Code, rr.Body)
	}
	rr := do(t, e.srv, http.MethodPost, "/api/v1/trips/t1/stops/s1/arrival", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("arrival: %d %s", rr.Code, rr.Body)
	}
	rr = do(t, e.srv, http.MethodPost, "/api/v1/trips/t1/stops/s1/departure", `{"at":"2024-09-02T19:02:00Z","students_boarded":2,"students_alighted":0}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("departure: %d %s", rr.Code, rr.Body)
	}
	var rec models.ArrivalRecord
	decodeBody(t, rr, &rec)
	if rec.StopID != "s1" || rec.ActualDeparture == nil || rec.Boarded != 2 {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rr := do(t, e.srv, http.MethodPost, "/api/v1/trips/t1/stops/s1/departure", `{"students_boarded":-1}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("negative count: expected 400, got %d", rr.Code)
	}
}

func TestNearbyStops(t *testing.T) {
	e := newTestEnv(t, nil, nil)
	rr := do(t, e.srv, http.MethodGet, "/api/v1/stops/nearby?lat=0&lng=0.012", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("nearby: %d %s", rr.Code, rr.Body)
	}
	var resp struct {
		RadiusKm float64          `json:"radius_km"`
		Stops    []geo.NearbyStop `json:"stops"`
	}
	decodeBody(t, rr, &resp)
	if resp.RadiusKm != defaultNearbyRadiusKm || len(resp.Stops) != 1 || resp.Stops[0].StopID != "s1" {
		t.Fatalf("expected closest stop of r1, got %+v", resp)
	}

	for _, q := range []string{"lat=x&lng=0", "lat=0&lng=0&radius_km=-1", "lat=95&lng=0"} {
		if rr := do(t, e.srv, http.MethodGet, "/api/v1/stops/nearby?"+q, ""); rr.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", q, rr.Code)
		}
	}
}

func TestRecommendRoute(t *testing.T) {
	e := newTestEnv(t, nil, nil)
	rr := do(t, e.srv, http.MethodGet, "/api/v1/routes/recommend?lat=0&lng=0.012&max_distance_km=1", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("recommend: %d %s", rr.Code, rr.Body)
	}
	var resp struct {
		Best       sequencer.Recommendation   `json:"best"`
		Candidates []sequencer.Recommendation `json:"candidates"`
	}
	decodeBody(t, rr, &resp)
	if resp.Best.RouteID != "r1" || resp.Best.Stop.StopID != "s1" || len(resp.Candidates) != 1 || resp.Best.Score <= 0 {
		t.Fatalf("unexpected recommendation %+v", resp)
	}

	if rr := do(t, e.srv, http.MethodGet, "/api/v1/routes/recommend?lat=10&lng=10", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("no nearby route: expected 404, got %d", rr.Code)
	}
	if rr := do(t, e.srv, http.MethodGet, "/api/v1/routes/recommend?lat=0&lng=0&max_distance_km=0", ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("zero radius: expected 400, got %d", rr.Code)
	}
}

func TestActiveTripsEndpoint(t *testing.T) {
	e := newTestEnv(t, nil, nil)
	var resp struct {
		Count int                   `json:"count"`
		Trips []tracking.ActiveTrip `json:"trips"`
	}
	rr := do(t, e.srv, http.MethodGet, "/api/v1/trips/active", "")
	decodeBody(t, rr, &resp)
	if rr.Code != http.StatusOK || resp.Count != 0 || resp.Trips == nil {
		t.Fatalf("expected empty list, got %d %s", rr.Code, rr.Body)
	}

	if rr := do(t, e.srv, http.MethodPost, "/api/v1/trips/t1/start", ""); rr.Code != http.StatusOK {
		t.Fatalf("start: %d %s", rr.Code, rr.Body)
	}
	rr = do(t, e.srv, http.MethodGet, "/api/v1/trips/active", "")
	decodeBody(t, rr, &resp)
	if resp.Count != 1 || resp.Trips[0].TripID != "t1" || resp.Trips[0].Status != models.TripInProgress {
		t.Fatalf("unexpected active trips %+v", resp)
	}
}

func TestChildETA(t *testing.T) {
	e := newTestEnv(t, nil, nil)
	if rr := do(t, e.srv, http.MethodGet, "/api/v1/parents/p1/eta", ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("missing student: expected 400, got %d", rr.Code)
	}
	if rr := do(t, e.srv, http.MethodGet, "/api/v1/parents/p1/eta?student_id=a", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("before start: expected 404, got %d", rr.Code)
	}

	if err := e.hub.Open(context.Background(), "t1"); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := e.hub.Ingest(context.Background(), tracking.RawPosition{TripID: "t1", Lat: 0, Lng: 0, Speed: ptr(30.0)}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	rr := do(t, e.srv, http.MethodGet, "/api/v1/parents/p1/eta?student_id=a", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("child eta: %d %s", rr.Code, rr.Body)
	}
	var resp childETAResponse
	decodeBody(t, rr, &resp)
	if resp.TripID != "t1" || resp.Stop.ID != "s1" || resp.ETA.StopID != "s1" || resp.ETA.Source != models.ETAFromGPS {
		t.Fatalf("unexpected child eta %+v", resp)
	}

	if rr := do(t, e.srv, http.MethodGet, "/api/v1/parents/p9/eta?student_id=a", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("other parent: expected 404, got %d", rr.Code)
	}
}

func TestOptimizeRefusedWhileTracking(t *testing.T) {
	e := newTestEnv(t, nil, nil)
	if err := e.hub.Open(context.Background(), "t1"); err != nil {
		t.Fatalf("open: %v", err)
	}
	if rr := do(t, e.srv, http.MethodPost, "/api/v1/routes/r1/optimize", ""); rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", rr.Code, rr.Body)
	}
	if rr := do(t, e.srv, http.MethodGet, "/api/v1/routes/r1/feasibility", ""); rr.Code != http.StatusOK {
		t.Fatalf("feasibility: %d %s", rr.Code, rr.Body)
	}
	if rr := do(t, e.srv, http.MethodPost, "/api/v1/routes/missing/optimize", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("unknown route: expected 404, got %d", rr.Code)
	}
}

func TestReadiness(t *testing.T) {
	ok := newTestEnv(t, nil, map[string]Check{"redis": func(context.Context) error { return nil }})
	if rr := do(t, ok.srv, http.MethodGet, "/ready", ""); rr.Code != http.StatusOK {
		t.Fatalf("ready: %d", rr.Code)
	}
	bad := newTestEnv(t, nil, map[string]Check{
		"redis":    func(context.Context) error { return nil },
		"postgres": func(context.Context) error { return errors.New("connection refused") },
	})
	rr := do(t, bad.srv, http.MethodGet, "/ready", "")
	if rr.Code != http.StatusServiceUnavailable || !strings.Contains(rr.Body.String(), "postgres") {
		t.Fatalf("expected 503 naming postgres, got %d %s", rr.Code, rr.Body)
	}
	if rr := do(t, bad.srv, http.MethodGet, "/healthz", ""); rr.Code != http.StatusOK {
		t.Fatalf("healthz: %d", rr.Code)
	}
}

func TestRequestIDEchoed(t *testing.T) {
	e := newTestEnv(t, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/trips/t1/tracking", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rr := httptest.NewRecorder()
	e.srv.ServeHTTP(rr, req)
	if got := rr.Header().Get("X-Request-ID"); got != "abc-123" {
		t.Fatalf("request id = %q", got)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]json.RawMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, b, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("frame %s: %v", b, err)
	}
	return m
}

func frameType(t *testing.T, m map[string]json.RawMessage) string {
	t.Helper()
	var s string
	if err := json.Unmarshal(m["type"], &s); err != nil {
		t.Fatalf("frame type: %v", err)
	}
	return s
}

func TestTripWebsocketStreamsEvents(t *testing.T) {
	e := newTestEnv(t, nil, nil)
	ts := httptest.NewServer(e.srv)
	defer ts.Close()
	defer e.hub.Shutdown()

	if err := e.hub.Open(context.Background(), "t1"); err != nil {
		t.Fatalf("open: %v", err)
	}
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/trips/t1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	first := readFrame(t, conn)
	if got := frameType(t, first); got != "initial_data" {
		t.Fatalf("first frame = %s", got)
	}

	rr := do(t, e.srv, http.MethodPost, "/api/v1/trips/t1/positions", `{"lat":0,"lng":0.005,"speed":20}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("report: %d %s", rr.Code, rr.Body)
	}
	if got := frameType(t, readFrame(t, conn)); got != string(tracking.TypePositionUpdate) {
		t.Fatalf("expected position update, got %s", got)
	}
}

func TestParentWebsocketReceivesApproach(t *testing.T) {
	e := newTestEnv(t, nil, nil)
	ts := httptest.NewServer(e.srv)
	defer ts.Close()
	defer e.hub.Shutdown()

	if err := e.hub.Open(context.Background(), "t1"); err != nil {
		t.Fatalf("open: %v", err)
	}
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/parents/p1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// the subscription is registered before the upgrade completes
	rr := do(t, e.srv, http.MethodPost, "/api/v1/trips/t1/positions", `{"lat":0,"lng":0.008}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("report: %d %s", rr.Code, rr.Body)
	}
	if got := frameType(t, readFrame(t, conn)); got != string(tracking.TypeStopApproaching) {
		t.Fatalf("expected stop approaching, got %s", got)
	}
}

func TestTripWebsocketUnknownTrip(t *testing.T) {
	e := newTestEnv(t, nil, nil)
	ts := httptest.NewServer(e.srv)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/trips/nope"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 response, got %+v", resp)
	}
}

package sim

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/bus-tracking/internal/ingest"
	"github.com/example/bus-tracking/internal/logging"
	"github.com/example/bus-tracking/internal/models"
)

type capture struct {
	mu   sync.Mutex
	msgs []ingest.PositionMessage
}

func (c *capture) Publish(_ context.Context, msgs ...ingest.PositionMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msgs...)
	return nil
}

func testRoute() models.Route {
	depot := models.Coordinate{Lat: 0, Lng: 0}
	return models.Route{ID: "r1", Origin: &depot, Stops: []models.Stop{
		{ID: "s2", Order: 2, Location: models.Coordinate{Lat: 0, Lng: 0.02}, DwellMinutes: 1},
		{ID: "s1", Order: 1, Location: models.Coordinate{Lat: 0, Lng: 0.01}, DwellMinutes: 1},
	}}
}

func TestPathFollowsStopOrder(t *testing.T) {
	p := Path(testRoute())
	require.Len(t, p, 3)
	assert.Equal(t, 0.0, p[0].Lng)
	assert.Equal(t, 0.01, p[1].Lng)
	assert.Equal(t, 0.02, p[2].Lng)
}

func TestPositionAtInterpolates(t *testing.T) {
	p := Path(testRoute())
	cum := cumulative(p)

	mid, heading := PositionAt(p, cum, cum[1]/2)
	assert.InDelta(t, 0.005, mid.Lng, 1e-9)
	assert.InDelta(t, 90, heading, 0.1)

	end, _ := PositionAt(p, cum, cum[2]+5)
	assert.Equal(t, p[2], end)

	start, _ := PositionAt(p, cum, -1)
	assert.Equal(t, p[0], start)
}

func TestBearing(t *testing.T) {
	o := models.Coordinate{}
	assert.InDelta(t, 0, bearing(o, models.Coordinate{Lat: 1}), 0.1)
	assert.InDelta(t, 180, bearing(o, models.Coordinate{Lat: -1}), 0.1)
	assert.InDelta(t, 270, bearing(o, models.Coordinate{Lng: -1}), 0.1)
}

func TestRunDrivesToLastStop(t *testing.T) {
	c := &capture{}
	// about 1.1 km per tick, so the 2.2 km route takes a few ticks
	s := New(c, Config{Interval: time.Millisecond, SpeedKmh: 25, Multiplier: 160000}, logging.Discard())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Run(ctx, "t1", testRoute()))

	require.GreaterOrEqual(t, len(c.msgs), 3)
	last := c.msgs[len(c.msgs)-1]
	assert.Equal(t, "t1", last.TripID)
	assert.InDelta(t, 0.02, last.Lng, 1e-9)
	for i := 1; i < len(c.msgs); i++ {
		assert.GreaterOrEqual(t, c.msgs[i].Lng, c.msgs[i-1].Lng, "bus must not move backwards")
	}
}

func TestRunDwellsAtStops(t *testing.T) {
	c := &capture{}
	s := New(c, Config{Interval: time.Millisecond, SpeedKmh: 25, Multiplier: 160000, Dwell: true}, logging.Discard())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Run(ctx, "t1", testRoute()))

	stopped := 0
	for _, m := range c.msgs {
		if *m.Speed == 0 {
			stopped++
			assert.True(t, math.Abs(m.Lng-0.01) < 1e-9 || math.Abs(m.Lng-0.02) < 1e-9, "dwell away from a stop at %v", m.Lng)
		}
	}
	assert.Positive(t, stopped)
}

func TestRunRejectsDegenerateRoute(t *testing.T) {
	s := New(&capture{}, Config{}, logging.Discard())
	err := s.Run(context.Background(), "t1", models.Route{ID: "r", Stops: []models.Stop{{ID: "only", Order: 1}}})
	assert.Error(t, err)
}

func TestHTTPPublisherPostsPositions(t *testing.T) {
	var got []map[string]any
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		got = append(got, body)
		paths = append(paths, r.URL.Path)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	spd := 30.0
	p := NewHTTPPublisher(srv.URL + "/")
	require.NoError(t, p.Publish(context.Background(), ingest.PositionMessage{TripID: "t 1", Lat: 1, Lng: 2, Speed: &spd}))
	require.Len(t, got, 1)
	assert.Equal(t, "/api/v1/trips/t 1/positions", paths[0])
	assert.Equal(t, 30.0, got[0]["speed"])
}

func TestHTTPPublisherReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()
	err := NewHTTPPublisher(srv.URL).Publish(context.Background(), ingest.PositionMessage{TripID: "t1"})
	assert.ErrorContains(t, err, "409")
}

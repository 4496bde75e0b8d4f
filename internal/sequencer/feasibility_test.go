package sequencer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/bus-tracking/internal/models"
)

var now = time.Date(2024, 9, 2, 7, 0, 0, 0, time.UTC)

func okVehicle(capacity int) *models.Vehicle {
	return &models.Vehicle{
		ID: "v1", Capacity: capacity, Status: models.VehicleActive, Active: true,
		InsuranceExpiry:    now.AddDate(1, 0, 0),
		RegistrationExpiry: now.AddDate(1, 0, 0),
	}
}

func okRoute() models.Route {
	return models.Route{
		ID:      "r1",
		Vehicle: okVehicle(29),
		Driver:  &models.Driver{ID: "d1", Name: "Budi"},
		Stops: []models.Stop{
			stop("s1", 1, 10.80, 106.70),
			stop("s2", 2, 10.81, 106.71),
		},
	}
}

func TestFeasibilityOverCapacity(t *testing.T) {
	rep := CheckFeasibility(okRoute(), 30, now)
	require.False(t, rep.Feasible)
	require.Len(t, rep.Issues, 1)
	assert.Contains(t, rep.Issues[0], "capacity")
	assert.Equal(t, 29, rep.Metrics.Capacity)
	assert.InDelta(t, 103.45, rep.Metrics.UtilizationPct, 0.01)
	// over 90% also warns
	assert.NotEmpty(t, rep.Warnings)
}

func TestFeasibilityOK(t *testing.T) {
	rep := CheckFeasibility(okRoute(), 10, now)
	assert.True(t, rep.Feasible)
	assert.Empty(t, rep.Issues)
	assert.Empty(t, rep.Warnings)
	assert.Equal(t, 2, rep.Metrics.StopCount)
	assert.Greater(t, rep.Metrics.TotalDistanceKm, 0.0)
	// two default dwells plus a short hop
	assert.Greater(t, rep.Metrics.EstimatedDurationMin, 2*DefaultDwellMinutes)
}

func TestFeasibilityMissingEverything(t *testing.T) {
	rep := CheckFeasibility(models.Route{ID: "r1"}, 0, now)
	assert.False(t, rep.Feasible)
	assert.ElementsMatch(t, []string{"no driver assigned", "no vehicle assigned", "route has no stops"}, rep.Issues)
}

func TestFeasibilityVehicleCannotOperate(t *testing.T) {
	r := okRoute()
	r.Vehicle.InsuranceExpiry = now.Add(-time.Hour)
	r.Vehicle.Status = models.VehicleMaintenance
	rep := CheckFeasibility(r, 1, now)
	assert.False(t, rep.Feasible)
	assert.Len(t, rep.Issues, 2)
	for _, is := range rep.Issues {
		assert.True(t, strings.HasPrefix(is, "vehicle cannot operate"), is)
	}
}

func TestFeasibilityWarnings(t *testing.T) {
	r := okRoute()
	r.Stops = nil
	for i := 0; i < 25; i++ {
		r.Stops = append(r.Stops, stop(fmt.Sprintf("s%d", i), i+1, 10.8+float64(i)*0.01, 106.7))
	}
	rep := CheckFeasibility(r, 5, now)
	assert.True(t, rep.Feasible)
	// 25 stops, and 25 dwells * 2 min plus ~27 km travel exceeds 90 minutes
	assert.Len(t, rep.Warnings, 2)
}

type fakeRoutes struct {
	route   models.Route
	count   int
	saved   []models.Stop
	savedKm float64
	err     error
}

func (f *fakeRoutes) Route(_ context.Context, id string) (models.Route, error) {
	if f.err != nil {
		return models.Route{}, f.err
	}
	return f.route, nil
}

func (f *fakeRoutes) SaveStopOrder(_ context.Context, _ string, stops []models.Stop, km float64, _ int) error {
	f.saved = stops
	f.savedKm = km
	return nil
}

func (f *fakeRoutes) CountAssignments(context.Context, string) (int, error) { return f.count, nil }

type fakeLocker struct{ err error }

func (f fakeLocker) LockRoute(string) (func(), error) {
	if f.err != nil {
		return nil, f.err
	}
	return func() {}, nil
}

func TestServiceOptimizeRoutePersists(t *testing.T) {
	r := okRoute()
	r.Stops = []models.Stop{stop("far", 1, 0, 0.03), stop("near", 2, 0, 0.01)}
	r.Origin = &models.Coordinate{}
	repo := &fakeRoutes{route: r}
	svc := &Service{Routes: repo, Locker: fakeLocker{}}

	res, err := svc.OptimizeRoute(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, []string{"near", "far"}, ids(repo.saved))
	assert.Equal(t, res.TotalDistanceKm, repo.savedKm)
	assert.Less(t, res.TotalDistanceKm, res.PreviousDistanceKm)
}

func TestServiceOptimizeRouteInService(t *testing.T) {
	repo := &fakeRoutes{route: okRoute()}
	svc := &Service{Routes: repo, Locker: fakeLocker{err: models.ErrRouteInService}}
	_, err := svc.OptimizeRoute(context.Background(), "r1")
	require.True(t, errors.Is(err, models.ErrPrecondition))
	assert.Nil(t, repo.saved)
}

func TestServiceCheckRoute(t *testing.T) {
	svc := &Service{Routes: &fakeRoutes{route: okRoute(), count: 30}, Now: func() time.Time { return now }}
	rep, err := svc.CheckRoute(context.Background(), "r1")
	require.NoError(t, err)
	assert.False(t, rep.Feasible)

	svc.Routes = &fakeRoutes{err: models.ErrRouteNotFound}
	_, err = svc.CheckRoute(context.Background(), "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}
